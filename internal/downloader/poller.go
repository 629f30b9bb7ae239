package downloader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/windlass/windlass/internal/downloader/types"
)

// ErrStaleSnapshot marks a poll result served from the last good snapshot
// because the client could not be reached.
var ErrStaleSnapshot = errors.New("download client unreachable, serving last good snapshot")

// PollResult is one client's contribution to a poll cycle.
type PollResult struct {
	ClientID   int64
	ClientName string
	Protocol   types.Protocol
	Items      []types.Item
	Stale      bool  // true when Items come from the last good snapshot
	Err        error // the underlying failure when Stale is true
}

// Poller fetches item snapshots from download clients. Each client gets a
// circuit breaker so a dead client cannot stall every poll cycle, and the
// last good snapshot is retained while the breaker is open so tracked
// downloads keep their previous state instead of vanishing.
type Poller struct {
	service *Service
	logger  zerolog.Logger
	timeout time.Duration

	mu    sync.Mutex
	state map[int64]*clientState
}

type clientState struct {
	mu       sync.Mutex
	client   types.Client
	breaker  *gobreaker.CircuitBreaker[[]types.Item]
	lastGood []types.Item
	hasGood  bool
}

// NewPoller creates a poller over the stored client configurations.
func NewPoller(service *Service, timeout time.Duration, logger zerolog.Logger) *Poller {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Poller{
		service: service,
		logger:  logger.With().Str("component", "download-poller").Logger(),
		timeout: timeout,
		state:   make(map[int64]*clientState),
	}
}

// Poll fetches a snapshot from one stored client.
func (p *Poller) Poll(ctx context.Context, stored *DownloadClient) *PollResult {
	result := &PollResult{
		ClientID:   stored.ID,
		ClientName: stored.Name,
		Protocol:   stored.Protocol(),
	}

	st, err := p.stateFor(ctx, stored)
	if err != nil {
		result.Err = err
		return result
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	items, err := st.breaker.Execute(func() ([]types.Item, error) {
		callCtx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		return st.client.GetItems(callCtx)
	})
	if err != nil {
		p.logger.Warn().
			Err(err).
			Str("client", stored.Name).
			Bool("snapshot", st.hasGood).
			Msg("Poll failed")
		result.Err = fmt.Errorf("%w: %w", ErrStaleSnapshot, err)
		if st.hasGood {
			result.Items = st.lastGood
			result.Stale = true
		}
		return result
	}

	st.lastGood = items
	st.hasGood = true
	result.Items = items
	return result
}

// PollAll polls every enabled client concurrently and returns one result
// per client. A failing client yields a stale or empty result, never an
// overall error.
func (p *Poller) PollAll(ctx context.Context) ([]*PollResult, error) {
	clients, err := p.service.ListEnabled(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]*PollResult, len(clients))
	var wg sync.WaitGroup
	for i, stored := range clients {
		wg.Add(1)
		go func(i int, stored *DownloadClient) {
			defer wg.Done()
			results[i] = p.Poll(ctx, stored)
		}(i, stored)
	}
	wg.Wait()

	p.prune(clients)
	return results, nil
}

// ClientFor returns the cached adapter for a stored configuration, building
// it on first use. Callers share the instance the poll loop uses, so a
// removal hits the same session the poll authenticated.
func (p *Poller) ClientFor(ctx context.Context, stored *DownloadClient) (types.Client, error) {
	st, err := p.stateFor(ctx, stored)
	if err != nil {
		return nil, err
	}
	return st.client, nil
}

// Forget drops the cached adapter and breaker for a client, forcing a
// rebuild on the next poll. Call after a configuration change.
func (p *Poller) Forget(clientID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.state, clientID)
}

func (p *Poller) stateFor(ctx context.Context, stored *DownloadClient) (*clientState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if st, ok := p.state[stored.ID]; ok {
		return st, nil
	}

	client, err := p.service.Build(ctx, stored)
	if err != nil {
		return nil, err
	}

	st := &clientState{
		client:  client,
		breaker: p.newBreaker(stored.Name),
	}
	p.state[stored.ID] = st
	return st, nil
}

func (p *Poller) newBreaker(name string) *gobreaker.CircuitBreaker[[]types.Item] {
	return gobreaker.NewCircuitBreaker[[]types.Item](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.logger.Info().
				Str("client", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state change")
		},
	})
}

// prune drops cached state for clients that no longer exist or were disabled.
func (p *Poller) prune(current []*DownloadClient) {
	keep := make(map[int64]bool, len(current))
	for _, c := range current {
		keep[c.ID] = true
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for id := range p.state {
		if !keep[id] {
			delete(p.state, id)
		}
	}
}
