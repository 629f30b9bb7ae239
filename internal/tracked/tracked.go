// Package tracked correlates polled download client items with grab
// history and drives each download through its lifecycle: downloading,
// completed and imported, or failed and blocklisted.
package tracked

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/windlass/windlass/internal/blocklist"
	"github.com/windlass/windlass/internal/decision"
	"github.com/windlass/windlass/internal/downloader"
	"github.com/windlass/windlass/internal/downloader/types"
	"github.com/windlass/windlass/internal/events"
	"github.com/windlass/windlass/internal/history"
	"github.com/windlass/windlass/internal/importer"
	"github.com/windlass/windlass/internal/library/movies"
)

// State is the tracking lifecycle state, layered over the client status.
type State string

const (
	// StateTracking mirrors the client's transient status.
	StateTracking State = "tracking"
	// StateImported is terminal: the download's files are in the library.
	StateImported State = "imported"
	// StateFailed is terminal: the download failed and was blocklisted.
	StateFailed State = "failed"
	// StateIgnored is terminal: a user or policy skipped the download.
	StateIgnored State = "ignored"
)

// TrackedDownload pairs a live client item with the grab that created it.
type TrackedDownload struct {
	DownloadID    string          `json:"downloadId"`
	Title         string          `json:"title"`
	ClientID      int64           `json:"clientId"`
	ClientName    string          `json:"clientName"`
	Protocol      types.Protocol  `json:"protocol"`
	MovieID       int64           `json:"movieId"`
	State         State           `json:"state"`
	Status        types.Status    `json:"status"`
	StatusMessage string          `json:"statusMessage,omitempty"`
	Item          types.Item      `json:"item"`
	GrabRecord    *history.Record `json:"-"`

	completedEventSent bool
	importRejections   []decision.Rejection
}

// Importer is the post-download evaluation boundary.
type Importer interface {
	ProcessDownload(ctx context.Context, item types.Item, movie *movies.Movie) (*importer.Result, error)
}

// Service is the tracked download state machine.
type Service struct {
	poller    *downloader.Poller
	clients   *downloader.Service
	history   *history.Service
	blocklist *blocklist.Service
	movies    *movies.Service
	importer  Importer
	bus       *events.Bus
	logger    zerolog.Logger

	// removeCompleted removes imported downloads from the client when the
	// adapter reports they can be removed without hurting seeding.
	removeCompleted bool

	mu        sync.RWMutex
	downloads map[string]*TrackedDownload
}

// NewService creates the tracked download service.
func NewService(
	poller *downloader.Poller,
	clients *downloader.Service,
	historySvc *history.Service,
	blocklistSvc *blocklist.Service,
	movieSvc *movies.Service,
	imp Importer,
	bus *events.Bus,
	removeCompleted bool,
	logger zerolog.Logger,
) *Service {
	return &Service{
		poller:          poller,
		clients:         clients,
		history:         historySvc,
		blocklist:       blocklistSvc,
		movies:          movieSvc,
		importer:        imp,
		bus:             bus,
		removeCompleted: removeCompleted,
		logger:          logger.With().Str("component", "tracked").Logger(),
		downloads:       make(map[string]*TrackedDownload),
	}
}

// All returns a snapshot of every tracked download.
func (s *Service) All() []*TrackedDownload {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*TrackedDownload, 0, len(s.downloads))
	for _, td := range s.downloads {
		clone := *td
		out = append(out, &clone)
	}
	return out
}

// Get returns one tracked download by download ID.
func (s *Service) Get(downloadID string) (*TrackedDownload, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	td, ok := s.downloads[downloadID]
	if !ok {
		return nil, false
	}
	clone := *td
	return &clone, true
}

// PollAll polls every enabled client, reconciles each reported item with
// history, and advances completed or failed downloads. Clients poll
// concurrently; a client that cannot be reached contributes its last good
// snapshot, so its tracked downloads keep their previous state.
func (s *Service) PollAll(ctx context.Context) ([]*TrackedDownload, error) {
	results, err := s.poller.PollAll(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var seenMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, result := range results {
		g.Go(func() error {
			for _, item := range result.Items {
				s.trackItem(gctx, result, item)
				seenMu.Lock()
				seen[item.DownloadID] = true
				seenMu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	s.pruneMissing(results, seen)
	return s.All(), nil
}

// trackItem reconciles one polled item and advances its state machine.
func (s *Service) trackItem(ctx context.Context, result *downloader.PollResult, item types.Item) {
	td := s.upsert(ctx, result, item)
	if td == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	td.Item = item
	td.Status = item.Status
	td.StatusMessage = item.StatusMessage
	td.Title = item.Title

	if td.State != StateTracking {
		return
	}

	switch item.Status {
	case types.StatusCompleted:
		s.handleCompleted(ctx, td, result)
	case types.StatusFailed:
		s.handleFailed(ctx, td, result)
	}
}

// upsert returns the tracked download for an item, creating it when the
// item has a matching grab record. Items this system never grabbed are not
// tracked.
func (s *Service) upsert(ctx context.Context, result *downloader.PollResult, item types.Item) *TrackedDownload {
	s.mu.RLock()
	td, ok := s.downloads[item.DownloadID]
	s.mu.RUnlock()
	if ok {
		return td
	}

	grab, err := s.history.LatestGrab(ctx, item.DownloadID)
	if err != nil {
		s.logger.Warn().Err(err).Str("downloadId", item.DownloadID).
			Msg("Failed to look up grab record")
		return nil
	}
	if grab == nil {
		s.logger.Debug().Str("downloadId", item.DownloadID).Str("title", item.Title).
			Msg("Ignoring item with no grab record")
		return nil
	}

	td = &TrackedDownload{
		DownloadID: item.DownloadID,
		Title:      item.Title,
		ClientID:   result.ClientID,
		ClientName: result.ClientName,
		Protocol:   result.Protocol,
		MovieID:    grab.MovieID,
		State:      StateTracking,
		GrabRecord: grab,
	}

	imported, err := s.history.AlreadyImported(ctx, item.DownloadID)
	if err != nil {
		s.logger.Warn().Err(err).Str("downloadId", item.DownloadID).
			Msg("Failed to check import history")
	}
	if imported {
		td.State = StateImported
	}

	s.mu.Lock()
	s.downloads[item.DownloadID] = td
	s.mu.Unlock()
	return td
}

// handleCompleted imports a completed download. Called with s.mu held.
func (s *Service) handleCompleted(ctx context.Context, td *TrackedDownload, result *downloader.PollResult) {
	if !td.completedEventSent {
		td.completedEventSent = true
		s.bus.Publish(events.Event{
			Type:        events.TypeDownloadCompleted,
			MovieID:     td.MovieID,
			DownloadID:  td.DownloadID,
			SourceTitle: td.Title,
		})
	}

	movie, err := s.movies.GetByID(ctx, td.MovieID)
	if err != nil {
		s.logger.Error().Err(err).Int64("movieId", td.MovieID).
			Str("downloadId", td.DownloadID).Msg("Cannot import, movie lookup failed")
		td.StatusMessage = "movie not found in library"
		return
	}

	res, err := s.importer.ProcessDownload(ctx, td.Item, movie)
	if err != nil {
		// Import retries on the next poll cycle.
		s.logger.Warn().Err(err).Str("downloadId", td.DownloadID).Msg("Import attempt failed")
		td.StatusMessage = err.Error()
		return
	}

	td.importRejections = nil
	for _, r := range res.Rejected {
		td.importRejections = append(td.importRejections, r.Rejections...)
	}

	if len(res.Imported) == 0 {
		if len(res.Rejected) > 0 {
			td.StatusMessage = res.Rejected[0].Rejections[0].Reason
		}
		return
	}

	td.State = StateImported
	td.StatusMessage = ""

	if s.removeCompleted && td.Item.CanBeRemoved {
		s.removeFromClient(ctx, td, result, false)
	}
}

// handleFailed records the failure, blocklists the release, and removes the
// download with its data. Called with s.mu held.
func (s *Service) handleFailed(ctx context.Context, td *TrackedDownload, result *downloader.PollResult) {
	message := td.StatusMessage
	if message == "" {
		message = "download failed"
	}

	if _, err := s.history.RecordFailure(ctx, td.MovieID, td.DownloadID, td.Title, message); err != nil {
		s.logger.Error().Err(err).Str("downloadId", td.DownloadID).
			Msg("Failed to record failure history")
	}

	entry := s.blocklistEntry(td, message)
	if _, err := s.blocklist.Block(ctx, entry); err != nil {
		s.logger.Error().Err(err).Str("downloadId", td.DownloadID).
			Msg("Failed to blocklist release")
	}

	s.bus.Publish(events.Event{
		Type:        events.TypeDownloadFailed,
		MovieID:     td.MovieID,
		DownloadID:  td.DownloadID,
		SourceTitle: td.Title,
		Message:     message,
	})

	td.State = StateFailed
	s.removeFromClient(ctx, td, result, true)
}

// Ignore skips a tracked download without blocklisting it.
func (s *Service) Ignore(ctx context.Context, downloadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	td, ok := s.downloads[downloadID]
	if !ok {
		return types.ErrNotFound
	}
	if td.State != StateTracking {
		return nil
	}

	if _, err := s.history.RecordIgnore(ctx, td.MovieID, td.DownloadID, td.Title); err != nil {
		return err
	}

	s.bus.Publish(events.Event{
		Type:        events.TypeDownloadIgnored,
		MovieID:     td.MovieID,
		DownloadID:  td.DownloadID,
		SourceTitle: td.Title,
	})

	td.State = StateIgnored
	return nil
}

// blocklistEntry builds the negative-cache entry for a failed download from
// its grab record. Usenet entries carry published date and size so reposts
// can be fuzzy-matched; torrents carry the info hash.
func (s *Service) blocklistEntry(td *TrackedDownload, message string) *blocklist.Entry {
	entry := &blocklist.Entry{
		MovieID:     td.MovieID,
		SourceTitle: sourceTitle(td),
		Protocol:    td.Protocol,
		Message:     message,
	}

	if grab := td.GrabRecord; grab != nil {
		entry.Indexer = grab.Indexer
		entry.TorrentInfoHash = grab.Data[history.DataKeyTorrentInfoHash]
		if raw := grab.Data[history.DataKeySize]; raw != "" {
			if size, err := strconv.ParseInt(raw, 10, 64); err == nil {
				entry.Size = size
			}
		}
		if raw := grab.Data[history.DataKeyPublishedDate]; raw != "" {
			if date, err := time.Parse(time.RFC3339, raw); err == nil {
				entry.PublishedDate = date
			}
		}
	}
	return entry
}

func sourceTitle(td *TrackedDownload) string {
	if td.GrabRecord != nil && td.GrabRecord.SourceTitle != "" {
		return td.GrabRecord.SourceTitle
	}
	return td.Title
}

func (s *Service) removeFromClient(ctx context.Context, td *TrackedDownload, result *downloader.PollResult, deleteData bool) {
	stored, err := s.clients.Get(ctx, result.ClientID)
	if err != nil {
		s.logger.Warn().Err(err).Int64("clientId", result.ClientID).
			Msg("Cannot remove download, client config missing")
		return
	}
	client, err := s.poller.ClientFor(ctx, stored)
	if err != nil {
		s.logger.Warn().Err(err).Str("client", stored.Name).
			Msg("Cannot remove download, client unavailable")
		return
	}
	if err := client.Remove(ctx, td.DownloadID, deleteData); err != nil {
		s.logger.Warn().Err(err).Str("downloadId", td.DownloadID).
			Msg("Failed to remove download from client")
	}
}

// pruneMissing drops terminal downloads that no longer appear in any fresh
// client snapshot. Downloads missing from a stale snapshot are kept; the
// client may just be unreachable.
func (s *Service) pruneMissing(results []*downloader.PollResult, seen map[string]bool) {
	freshClients := make(map[int64]bool)
	for _, r := range results {
		if !r.Stale && r.Err == nil {
			freshClients[r.ClientID] = true
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, td := range s.downloads {
		if seen[id] {
			continue
		}
		if td.State != StateTracking && freshClients[td.ClientID] {
			delete(s.downloads, id)
		}
	}
}
