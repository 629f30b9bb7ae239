// Package movies stores the library items downloads are tracked against.
package movies

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ErrNotFound is returned when a movie or file does not exist.
var ErrNotFound = errors.New("movie not found")

// Movie is a monitored library item.
type Movie struct {
	ID             int64     `json:"id"`
	Title          string    `json:"title"`
	Year           int       `json:"year,omitempty"`
	ImdbID         string    `json:"imdbId,omitempty"`
	TmdbID         int64     `json:"tmdbId,omitempty"`
	Path           string    `json:"path,omitempty"`
	Monitored      bool      `json:"monitored"`
	RuntimeMinutes int       `json:"runtimeMinutes,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// File is a media file attached to a movie.
type File struct {
	ID        int64     `json:"id"`
	MovieID   int64     `json:"movieId"`
	Path      string    `json:"path"`
	Size      int64     `json:"size"`
	Quality   string    `json:"quality,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Service provides movie and movie file storage.
type Service struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewService creates a movie service.
func NewService(db *sql.DB, logger zerolog.Logger) *Service {
	return &Service{
		db:     db,
		logger: logger.With().Str("component", "movies").Logger(),
	}
}

// Create inserts a movie and returns it with its assigned ID.
func (s *Service) Create(ctx context.Context, m *Movie) (*Movie, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO movies (title, year, imdb_id, tmdb_id, path, monitored, runtime_minutes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.Title, m.Year, m.ImdbID, m.TmdbID, m.Path, m.Monitored, m.RuntimeMinutes, now, now)
	if err != nil {
		return nil, fmt.Errorf("inserting movie: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading movie id: %w", err)
	}
	created := *m
	created.ID = id
	created.CreatedAt = now
	created.UpdatedAt = now
	return &created, nil
}

// GetByID returns a movie by its ID.
func (s *Service) GetByID(ctx context.Context, id int64) (*Movie, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, year, imdb_id, tmdb_id, path, monitored, runtime_minutes, created_at, updated_at
		FROM movies WHERE id = ?`, id)
	return scanMovie(row)
}

// GetByTmdbID returns a movie by its TMDB ID.
func (s *Service) GetByTmdbID(ctx context.Context, tmdbID int64) (*Movie, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, year, imdb_id, tmdb_id, path, monitored, runtime_minutes, created_at, updated_at
		FROM movies WHERE tmdb_id = ?`, tmdbID)
	return scanMovie(row)
}

// All returns every movie in the library.
func (s *Service) All(ctx context.Context) ([]Movie, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, year, imdb_id, tmdb_id, path, monitored, runtime_minutes, created_at, updated_at
		FROM movies ORDER BY title`)
	if err != nil {
		return nil, fmt.Errorf("listing movies: %w", err)
	}
	defer rows.Close()

	var out []Movie
	for rows.Next() {
		m, err := scanMovieRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// AttachFile records a media file for a movie, replacing any previous file
// at the same path.
func (s *Service) AttachFile(ctx context.Context, f *File) (*File, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO movie_files (movie_id, path, size, quality, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		f.MovieID, f.Path, f.Size, f.Quality, now)
	if err != nil {
		return nil, fmt.Errorf("inserting movie file: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("reading movie file id: %w", err)
	}
	attached := *f
	attached.ID = id
	attached.CreatedAt = now

	s.logger.Info().Int64("movieId", f.MovieID).Str("path", f.Path).Msg("Attached movie file")
	return &attached, nil
}

// FilesFor returns the media files attached to a movie, newest first.
func (s *Service) FilesFor(ctx context.Context, movieID int64) ([]File, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, movie_id, path, size, quality, created_at
		FROM movie_files WHERE movie_id = ? ORDER BY created_at DESC, id DESC`, movieID)
	if err != nil {
		return nil, fmt.Errorf("listing movie files: %w", err)
	}
	defer rows.Close()

	var out []File
	for rows.Next() {
		var f File
		var quality sql.NullString
		if err := rows.Scan(&f.ID, &f.MovieID, &f.Path, &f.Size, &quality, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning movie file: %w", err)
		}
		f.Quality = quality.String
		out = append(out, f)
	}
	return out, rows.Err()
}

// DeleteFile removes a media file record.
func (s *Service) DeleteFile(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM movie_files WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting movie file: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanMovie(row *sql.Row) (*Movie, error) {
	var m Movie
	var imdb, path sql.NullString
	var year, runtime sql.NullInt64
	var tmdb sql.NullInt64
	err := row.Scan(&m.ID, &m.Title, &year, &imdb, &tmdb, &path, &m.Monitored, &runtime, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning movie: %w", err)
	}
	m.Year = int(year.Int64)
	m.ImdbID = imdb.String
	m.TmdbID = tmdb.Int64
	m.Path = path.String
	m.RuntimeMinutes = int(runtime.Int64)
	return &m, nil
}

func scanMovieRows(rows *sql.Rows) (*Movie, error) {
	var m Movie
	var imdb, path sql.NullString
	var year, runtime sql.NullInt64
	var tmdb sql.NullInt64
	err := rows.Scan(&m.ID, &m.Title, &year, &imdb, &tmdb, &path, &m.Monitored, &runtime, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("scanning movie: %w", err)
	}
	m.Year = int(year.Int64)
	m.ImdbID = imdb.String
	m.TmdbID = tmdb.Int64
	m.Path = path.String
	m.RuntimeMinutes = int(runtime.Int64)
	return &m, nil
}
