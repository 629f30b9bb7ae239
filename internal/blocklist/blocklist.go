// Package blocklist remembers failed releases so they are never grabbed
// again. Matching is deliberately fuzzy for usenet, where the same release
// reappears with a slightly different posting date and size.
package blocklist

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/windlass/windlass/internal/downloader/types"
)

// Matching tolerances for usenet releases reposted under the same title.
const (
	publishedDateTolerance = 2 * time.Minute
	sizeTolerance          = 2 * 1024 * 1024
)

// Entry is one blocklisted release.
type Entry struct {
	ID              int64          `json:"id"`
	MovieID         int64          `json:"movieId"`
	SourceTitle     string         `json:"sourceTitle"`
	TorrentInfoHash string         `json:"torrentInfoHash,omitempty"`
	PublishedDate   time.Time      `json:"publishedDate,omitempty"`
	Size            int64          `json:"size,omitempty"`
	Indexer         string         `json:"indexer,omitempty"`
	Protocol        types.Protocol `json:"protocol"`
	Message         string         `json:"message,omitempty"`
	Date            time.Time      `json:"date"`
}

// Release is the candidate being checked against the blocklist.
type Release struct {
	MovieID       int64
	Title         string
	Indexer       string
	Protocol      types.Protocol
	InfoHash      string
	Size          int64
	PublishedDate time.Time
}

// Service provides blocklist storage and matching.
type Service struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewService creates a blocklist service.
func NewService(db *sql.DB, logger zerolog.Logger) *Service {
	return &Service{
		db:     db,
		logger: logger.With().Str("component", "blocklist").Logger(),
	}
}

// Block adds a release to the blocklist.
func (s *Service) Block(ctx context.Context, e *Entry) (*Entry, error) {
	if e.Date.IsZero() {
		e.Date = time.Now().UTC()
	}

	var published sql.NullTime
	if !e.PublishedDate.IsZero() {
		published = sql.NullTime{Time: e.PublishedDate.UTC(), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO blocklist (movie_id, source_title, torrent_info_hash, published_date, size, indexer, protocol, message, date)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.MovieID, e.SourceTitle, e.TorrentInfoHash, published, e.Size, e.Indexer,
		string(e.Protocol), e.Message, e.Date)
	if err != nil {
		return nil, fmt.Errorf("inserting blocklist entry: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading blocklist id: %w", err)
	}

	blocked := *e
	blocked.ID = id
	s.logger.Info().Int64("movieId", e.MovieID).Str("sourceTitle", e.SourceTitle).
		Str("protocol", string(e.Protocol)).Msg("Blocklisted release")
	return &blocked, nil
}

// IsBlocklisted reports whether a release matches an existing entry for the
// same movie. Torrents with an info hash match on the hash alone; without a
// hash the title and indexer must both match. Usenet matches on title plus
// either the exact published date, or a close date and size when the release
// comes from a different indexer.
func (s *Service) IsBlocklisted(ctx context.Context, release Release) (bool, error) {
	entries, err := s.ByMovie(ctx, release.MovieID)
	if err != nil {
		return false, err
	}

	if release.Protocol == types.ProtocolTorrent {
		if release.InfoHash != "" {
			for _, e := range entries {
				if e.TorrentInfoHash != "" && strings.EqualFold(e.TorrentInfoHash, release.InfoHash) {
					return true, nil
				}
			}
		}
		for _, e := range entries {
			if e.Protocol != types.ProtocolTorrent {
				continue
			}
			if !strings.EqualFold(e.SourceTitle, release.Title) {
				continue
			}
			if release.InfoHash != "" {
				if strings.EqualFold(e.TorrentInfoHash, release.InfoHash) {
					return true, nil
				}
				continue
			}
			if strings.EqualFold(e.Indexer, release.Indexer) {
				return true, nil
			}
		}
		return false, nil
	}

	for _, e := range entries {
		if e.Protocol != types.ProtocolUsenet {
			continue
		}
		if !strings.EqualFold(e.SourceTitle, release.Title) {
			continue
		}
		if sameNzb(e, release) {
			return true, nil
		}
	}
	return false, nil
}

// sameNzb matches an nzb release against a stored entry. Fields the entry
// was recorded without act as wildcards, so a sparse entry still blocks
// reposts.
func sameNzb(e Entry, release Release) bool {
	if !e.PublishedDate.IsZero() && !release.PublishedDate.IsZero() &&
		e.PublishedDate.Equal(release.PublishedDate) {
		return true
	}
	if e.Indexer == "" || strings.EqualFold(e.Indexer, release.Indexer) {
		return false
	}
	return closeInTime(e.PublishedDate, release.PublishedDate) && closeInSize(e.Size, release.Size)
}

// closeInTime compares a stored date against a release date. A missing
// stored date matches anything.
func closeInTime(stored, released time.Time) bool {
	if stored.IsZero() {
		return true
	}
	if released.IsZero() {
		return false
	}
	d := stored.Sub(released)
	if d < 0 {
		d = -d
	}
	return d <= publishedDateTolerance
}

// closeInSize compares a stored size against a release size. A missing
// stored size matches anything.
func closeInSize(stored, released int64) bool {
	if stored == 0 {
		return true
	}
	if released == 0 {
		return false
	}
	d := stored - released
	if d < 0 {
		d = -d
	}
	return d <= sizeTolerance
}

// ByMovie returns a movie's blocklist entries, newest first.
func (s *Service) ByMovie(ctx context.Context, movieID int64) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, movie_id, source_title, torrent_info_hash, published_date, size, indexer, protocol, message, date
		FROM blocklist
		WHERE movie_id = ?
		ORDER BY date DESC, id DESC`, movieID)
	if err != nil {
		return nil, fmt.Errorf("querying blocklist: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Delete removes one entry.
func (s *Service) Delete(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM blocklist WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting blocklist entry: %w", err)
	}
	return nil
}

// DeleteByMovie removes all entries for a movie, used when the movie leaves
// the library.
func (s *Service) DeleteByMovie(ctx context.Context, movieID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM blocklist WHERE movie_id = ?`, movieID)
	if err != nil {
		return fmt.Errorf("deleting blocklist entries: %w", err)
	}
	return nil
}

// Prune deletes entries older than the cutoff.
func (s *Service) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM blocklist WHERE date < ?`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("pruning blocklist: %w", err)
	}
	return res.RowsAffected()
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var e Entry
		var protocol string
		var hash, indexer, message sql.NullString
		var published sql.NullTime
		var size sql.NullInt64
		if err := rows.Scan(&e.ID, &e.MovieID, &e.SourceTitle, &hash, &published, &size,
			&indexer, &protocol, &message, &e.Date); err != nil {
			return nil, fmt.Errorf("scanning blocklist entry: %w", err)
		}
		e.TorrentInfoHash = hash.String
		e.PublishedDate = published.Time
		e.Size = size.Int64
		e.Indexer = indexer.String
		e.Protocol = types.Protocol(protocol)
		e.Message = message.String
		out = append(out, e)
	}
	return out, rows.Err()
}
