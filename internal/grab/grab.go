// Package grab sends releases to download clients and records the grab.
package grab

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/windlass/windlass/internal/blocklist"
	"github.com/windlass/windlass/internal/downloader"
	"github.com/windlass/windlass/internal/downloader/types"
	"github.com/windlass/windlass/internal/events"
	"github.com/windlass/windlass/internal/history"
	"github.com/windlass/windlass/internal/library/movies"
	"github.com/windlass/windlass/internal/quality"
)

var (
	ErrBlocklisted       = errors.New("release is blocklisted")
	ErrNoClientAvailable = errors.New("no enabled download client for protocol")
)

// Release is a candidate release handed to a download client.
type Release struct {
	Title         string
	DownloadURL   string // URL to a torrent/nzb file or a magnet link
	FileContent   []byte // raw torrent/nzb content, used instead of the URL when set
	Protocol      types.Protocol
	Indexer       string
	IndexerID     int64
	InfoHash      string
	Size          int64
	PublishedDate time.Time
	ReleaseGroup  string
	Quality       quality.Quality
}

// GrabResult reports where a release went.
type GrabResult struct {
	DownloadID string
	ClientID   int64
	ClientName string
}

// Service coordinates sending releases to clients.
type Service struct {
	downloader *downloader.Service
	poller     *downloader.Poller
	blocklist  *blocklist.Service
	history    *history.Service
	bus        *events.Bus
	logger     zerolog.Logger
}

// NewService creates a grab service. Adapters are taken from the poller's
// cache so a grab reuses the session the poll loop already holds.
func NewService(
	downloaderSvc *downloader.Service,
	poller *downloader.Poller,
	blocklistSvc *blocklist.Service,
	historySvc *history.Service,
	bus *events.Bus,
	logger zerolog.Logger,
) *Service {
	return &Service{
		downloader: downloaderSvc,
		poller:     poller,
		blocklist:  blocklistSvc,
		history:    historySvc,
		bus:        bus,
		logger:     logger.With().Str("component", "grab").Logger(),
	}
}

// Grab checks the blocklist, picks the highest-priority enabled client for
// the release's protocol, submits the release, and records the grab.
func (s *Service) Grab(ctx context.Context, release Release, movie *movies.Movie) (*GrabResult, error) {
	blocked, err := s.blocklist.IsBlocklisted(ctx, blocklist.Release{
		MovieID:       movie.ID,
		Title:         release.Title,
		Indexer:       release.Indexer,
		Protocol:      release.Protocol,
		InfoHash:      release.InfoHash,
		Size:          release.Size,
		PublishedDate: release.PublishedDate,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to check blocklist: %w", err)
	}
	if blocked {
		return nil, fmt.Errorf("%w: %s", ErrBlocklisted, release.Title)
	}

	stored, client, err := s.pickClient(ctx, release.Protocol)
	if err != nil {
		return nil, err
	}

	downloadID, err := client.Add(ctx, types.AddOptions{
		URL:         release.DownloadURL,
		FileContent: release.FileContent,
		Name:        release.Title,
		Category:    stored.Category,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to send release to %s: %w", stored.Name, err)
	}

	if _, err := s.history.RecordGrab(ctx, history.GrabInput{
		MovieID:         movie.ID,
		DownloadID:      downloadID,
		SourceTitle:     release.Title,
		Protocol:        release.Protocol,
		Indexer:         release.Indexer,
		IndexerID:       release.IndexerID,
		Quality:         release.Quality,
		TorrentInfoHash: release.InfoHash,
		Size:            release.Size,
		PublishedDate:   release.PublishedDate,
		ReleaseGroup:    release.ReleaseGroup,
		DownloadClient:  stored.Name,
	}); err != nil {
		s.logger.Error().Err(err).Str("downloadId", downloadID).
			Msg("Failed to record grab history")
	}

	s.bus.Publish(events.Event{
		Type:        events.TypeGrabbed,
		MovieID:     movie.ID,
		DownloadID:  downloadID,
		SourceTitle: release.Title,
		Data: map[string]string{
			"client":   stored.Name,
			"indexer":  release.Indexer,
			"quality":  release.Quality.String(),
			"protocol": string(release.Protocol),
		},
	})

	s.logger.Info().
		Str("title", release.Title).
		Str("client", stored.Name).
		Str("downloadId", downloadID).
		Msg("Grabbed release")

	return &GrabResult{
		DownloadID: downloadID,
		ClientID:   stored.ID,
		ClientName: stored.Name,
	}, nil
}

func (s *Service) pickClient(ctx context.Context, protocol types.Protocol) (*downloader.DownloadClient, types.Client, error) {
	clients, err := s.downloader.ListEnabled(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list download clients: %w", err)
	}

	for _, stored := range clients {
		if stored.Protocol() != protocol {
			continue
		}
		client, err := s.poller.ClientFor(ctx, stored)
		if err != nil {
			s.logger.Warn().Err(err).Str("client", stored.Name).
				Msg("Failed to build download client, trying next")
			continue
		}
		return stored, client, nil
	}
	return nil, nil, fmt.Errorf("%w: %s", ErrNoClientAvailable, protocol)
}
