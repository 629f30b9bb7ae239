package tasks

import (
	"context"
	"time"

	"github.com/windlass/windlass/internal/history"
	"github.com/windlass/windlass/internal/scheduler"
)

const (
	HistoryCleanupTaskID = "history-cleanup"

	historyRetention = 365 * 24 * time.Hour
)

// RegisterHistoryCleanupTask registers the daily history prune. The
// blocklist has no scheduled counterpart: entries stay until explicitly
// purged or their movie is deleted, or a pruned release would become
// grabbable again on its own.
func RegisterHistoryCleanupTask(sched *scheduler.Scheduler, historySvc *history.Service) error {
	return sched.RegisterTask(scheduler.TaskConfig{
		ID:          HistoryCleanupTaskID,
		Name:        "History Cleanup",
		Description: "Deletes history entries older than the retention period",
		Cron:        "0 2 * * *",
		Func: func(ctx context.Context) error {
			_, err := historySvc.Prune(ctx, time.Now().Add(-historyRetention))
			return err
		},
	})
}
