package tasks

import (
	"context"
	"time"

	"github.com/windlass/windlass/internal/scheduler"
	"github.com/windlass/windlass/internal/tracked"
)

const PollDownloadsTaskID = "poll-downloads"

// RegisterPollDownloadsTask registers the periodic download poll. Each run
// polls every enabled client and advances the tracked download state
// machine, importing completed downloads and blocklisting failed ones.
func RegisterPollDownloadsTask(sched *scheduler.Scheduler, trackedSvc *tracked.Service, interval time.Duration) error {
	return sched.RegisterTask(scheduler.TaskConfig{
		ID:          PollDownloadsTaskID,
		Name:        "Poll Downloads",
		Description: "Polls download clients and processes completed or failed downloads",
		Interval:    interval,
		RunOnStart:  true,
		Func: func(ctx context.Context) error {
			_, err := trackedSvc.PollAll(ctx)
			return err
		},
	})
}
