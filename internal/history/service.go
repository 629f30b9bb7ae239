// Package history is the append-only ledger of download lifecycle events.
// It answers the two questions the tracker keeps asking: has this download
// already been imported, and what quality was grabbed.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/windlass/windlass/internal/downloader/types"
	"github.com/windlass/windlass/internal/quality"
)

// Service provides download history storage.
type Service struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewService creates a history service.
func NewService(db *sql.DB, logger zerolog.Logger) *Service {
	return &Service{
		db:     db,
		logger: logger.With().Str("component", "history").Logger(),
	}
}

// Add appends a history record. A zero date is filled with the current time.
func (s *Service) Add(ctx context.Context, r *Record) (*Record, error) {
	if r.Date.IsZero() {
		r.Date = time.Now().UTC()
	}

	var dataJSON sql.NullString
	if len(r.Data) > 0 {
		raw, err := json.Marshal(r.Data)
		if err != nil {
			return nil, fmt.Errorf("encoding history data: %w", err)
		}
		dataJSON = sql.NullString{String: string(raw), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO download_history (event_type, movie_id, download_id, source_title, protocol, indexer, indexer_id, data, date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(r.EventType), r.MovieID, r.DownloadID, r.SourceTitle, string(r.Protocol),
		r.Indexer, r.IndexerID, dataJSON, r.Date)
	if err != nil {
		return nil, fmt.Errorf("inserting history record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading history id: %w", err)
	}

	added := *r
	added.ID = id
	return &added, nil
}

// RecordGrab appends a grab event carrying the release details needed to
// match the download back later.
func (s *Service) RecordGrab(ctx context.Context, in GrabInput) (*Record, error) {
	qualityJSON, err := json.Marshal(in.Quality)
	if err != nil {
		return nil, fmt.Errorf("encoding grabbed quality: %w", err)
	}

	data := map[string]string{
		DataKeyQuality: string(qualityJSON),
	}
	if in.TorrentInfoHash != "" {
		data[DataKeyTorrentInfoHash] = in.TorrentInfoHash
	}
	if in.Size > 0 {
		data[DataKeySize] = strconv.FormatInt(in.Size, 10)
	}
	if !in.PublishedDate.IsZero() {
		data[DataKeyPublishedDate] = in.PublishedDate.UTC().Format(time.RFC3339)
	}
	if in.ReleaseGroup != "" {
		data[DataKeyReleaseGroup] = in.ReleaseGroup
	}
	if in.DownloadClient != "" {
		data[DataKeyDownloadClient] = in.DownloadClient
	}

	return s.Add(ctx, &Record{
		EventType:   EventTypeGrabbed,
		MovieID:     in.MovieID,
		DownloadID:  in.DownloadID,
		SourceTitle: in.SourceTitle,
		Protocol:    in.Protocol,
		Indexer:     in.Indexer,
		IndexerID:   in.IndexerID,
		Data:        data,
	})
}

// RecordImport appends an import event for a completed download.
func (s *Service) RecordImport(ctx context.Context, movieID int64, downloadID, sourceTitle, importedPath string, q quality.Quality) (*Record, error) {
	qualityJSON, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("encoding imported quality: %w", err)
	}
	return s.Add(ctx, &Record{
		EventType:   EventTypeImported,
		MovieID:     movieID,
		DownloadID:  downloadID,
		SourceTitle: sourceTitle,
		Data: map[string]string{
			DataKeyQuality:      string(qualityJSON),
			DataKeyImportedPath: importedPath,
		},
	})
}

// RecordFailure appends a failure event.
func (s *Service) RecordFailure(ctx context.Context, movieID int64, downloadID, sourceTitle, message string) (*Record, error) {
	return s.Add(ctx, &Record{
		EventType:   EventTypeFailed,
		MovieID:     movieID,
		DownloadID:  downloadID,
		SourceTitle: sourceTitle,
		Data:        map[string]string{DataKeyMessage: message},
	})
}

// RecordIgnore appends an ignore event. Ignored downloads are left alone in
// the client and never retried.
func (s *Service) RecordIgnore(ctx context.Context, movieID int64, downloadID, sourceTitle string) (*Record, error) {
	return s.Add(ctx, &Record{
		EventType:   EventTypeIgnored,
		MovieID:     movieID,
		DownloadID:  downloadID,
		SourceTitle: sourceTitle,
	})
}

// FindByDownloadID returns every record for a download, newest first. The id
// tiebreak keeps same-timestamp inserts in insertion order.
func (s *Service) FindByDownloadID(ctx context.Context, downloadID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, movie_id, download_id, source_title, protocol, indexer, indexer_id, data, date
		FROM download_history
		WHERE download_id = ?
		ORDER BY date DESC, id DESC`, downloadID)
	if err != nil {
		return nil, fmt.Errorf("querying history by download id: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ByMovie returns a movie's history, newest first.
func (s *Service) ByMovie(ctx context.Context, movieID int64) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_type, movie_id, download_id, source_title, protocol, indexer, indexer_id, data, date
		FROM download_history
		WHERE movie_id = ?
		ORDER BY date DESC, id DESC`, movieID)
	if err != nil {
		return nil, fmt.Errorf("querying history by movie: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// LatestGrab returns the most recent grab record for a download, or nil when
// the download was never grabbed through this instance.
func (s *Service) LatestGrab(ctx context.Context, downloadID string) (*Record, error) {
	records, err := s.FindByDownloadID(ctx, downloadID)
	if err != nil {
		return nil, err
	}
	for i := range records {
		if records[i].EventType == EventTypeGrabbed {
			return &records[i], nil
		}
	}
	return nil, nil
}

// AlreadyImported reports whether a download was imported after its most
// recent grab. Records are scanned newest first: hitting a grab before any
// import means the latest cycle has not imported yet, hitting an import
// first means it has. A re-grab of the same release resets the answer.
func (s *Service) AlreadyImported(ctx context.Context, downloadID string) (bool, error) {
	records, err := s.FindByDownloadID(ctx, downloadID)
	if err != nil {
		return false, err
	}

	for _, r := range records {
		switch r.EventType {
		case EventTypeGrabbed:
			return false, nil
		case EventTypeImported:
			return true, nil
		}
	}

	if len(records) > 0 {
		s.logger.Warn().Str("downloadId", downloadID).
			Msg("History has records but no grab or import event")
	}
	return false, nil
}

// Prune deletes records older than the cutoff.
func (s *Service) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM download_history WHERE date < ?`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("pruning history: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Info().Int64("removed", n).Msg("Pruned download history")
	}
	return n, nil
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		var r Record
		var eventType, protocol string
		var downloadID, indexer, data sql.NullString
		var indexerID sql.NullInt64
		if err := rows.Scan(&r.ID, &eventType, &r.MovieID, &downloadID, &r.SourceTitle,
			&protocol, &indexer, &indexerID, &data, &r.Date); err != nil {
			return nil, fmt.Errorf("scanning history record: %w", err)
		}
		r.EventType = EventType(eventType)
		r.Protocol = types.Protocol(protocol)
		r.DownloadID = downloadID.String
		r.Indexer = indexer.String
		r.IndexerID = indexerID.Int64
		if data.Valid && data.String != "" {
			if err := json.Unmarshal([]byte(data.String), &r.Data); err != nil {
				return nil, fmt.Errorf("decoding history data: %w", err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
