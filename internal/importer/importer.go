// Package importer evaluates completed downloads and moves approved files
// into the library.
package importer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/windlass/windlass/internal/decision"
	"github.com/windlass/windlass/internal/downloader/types"
	"github.com/windlass/windlass/internal/events"
	"github.com/windlass/windlass/internal/history"
	"github.com/windlass/windlass/internal/library/movies"
	"github.com/windlass/windlass/internal/parser"
	"github.com/windlass/windlass/internal/quality/augment"
)

var (
	ErrNoVideoFiles = errors.New("no video files found in download")
	ErrNoMoviePath  = errors.New("movie has no library path")
)

// ImportedFile describes one file that made it into the library.
type ImportedFile struct {
	SourcePath string
	DestPath   string
	Size       int64
	Quality    string
}

// RejectedFile describes one file the decision engine turned down.
type RejectedFile struct {
	SourcePath string
	Rejections []decision.Rejection
}

// Result summarizes one import run.
type Result struct {
	Imported []ImportedFile
	Rejected []RejectedFile
}

// Service evaluates and imports completed downloads.
type Service struct {
	movies   *movies.Service
	history  *history.Service
	engine   *decision.Engine
	resolver *augment.Resolver
	bus      *events.Bus
	logger   zerolog.Logger
}

// NewService creates an import service.
func NewService(
	movieSvc *movies.Service,
	historySvc *history.Service,
	engine *decision.Engine,
	resolver *augment.Resolver,
	bus *events.Bus,
	logger zerolog.Logger,
) *Service {
	return &Service{
		movies:   movieSvc,
		history:  historySvc,
		engine:   engine,
		resolver: resolver,
		bus:      bus,
		logger:   logger.With().Str("component", "importer").Logger(),
	}
}

// ProcessDownload scans a completed download's output path, evaluates every
// video file against the movie, and imports the approved ones. Files stay
// in place when the client still needs them for seeding; otherwise they are
// moved.
func (s *Service) ProcessDownload(ctx context.Context, item types.Item, movie *movies.Movie) (*Result, error) {
	if movie.Path == "" {
		return nil, ErrNoMoviePath
	}

	files, err := findVideoFiles(item.OutputPath)
	if err != nil {
		return nil, fmt.Errorf("failed to scan output path: %w", err)
	}
	if len(files) == 0 {
		return nil, ErrNoVideoFiles
	}

	grab, err := s.history.LatestGrab(ctx, item.DownloadID)
	if err != nil {
		s.logger.Warn().Err(err).Str("downloadId", item.DownloadID).
			Msg("Failed to look up grab history")
	}

	existing, err := s.movies.FilesFor(ctx, movie.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load existing files: %w", err)
	}
	existingSizes := make([]int64, 0, len(existing))
	for _, f := range existing {
		existingSizes = append(existingSizes, f.Size)
	}

	result := &Result{}
	for _, file := range files {
		imported, rejected, err := s.processFile(ctx, file, item, movie, grab, existingSizes)
		if err != nil {
			s.logger.Error().Err(err).Str("path", file).Msg("Import failed")
			continue
		}
		if imported != nil {
			result.Imported = append(result.Imported, *imported)
		}
		if rejected != nil {
			result.Rejected = append(result.Rejected, *rejected)
		}
	}
	return result, nil
}

func (s *Service) processFile(
	ctx context.Context,
	file string,
	item types.Item,
	movie *movies.Movie,
	grab *history.Record,
	existingSizes []int64,
) (*ImportedFile, *RejectedFile, error) {
	info, err := os.Stat(file)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to stat file: %w", err)
	}

	in := augment.Input{
		ItemTitle:  item.Title,
		FilePath:   file,
		FolderName: filepath.Base(item.OutputPath),
	}
	if grab != nil {
		in.Grabbed = grab.GrabbedQuality()
	}
	resolved := s.resolver.Resolve(ctx, in)

	candidate := &decision.Candidate{
		Movie:             movie,
		Path:              file,
		FolderName:        filepath.Base(item.OutputPath),
		Size:              info.Size(),
		ParsedInfo:        parser.ParsePath(file),
		Quality:           resolved,
		GrabRecord:        grab,
		ExistingFileSizes: existingSizes,
	}

	d := s.engine.Evaluate(ctx, candidate)
	if !d.Approved {
		s.logger.Info().
			Str("path", file).
			Int("rejections", len(d.Rejections)).
			Msg("File rejected for import")
		return nil, &RejectedFile{SourcePath: file, Rejections: d.Rejections}, nil
	}

	dest := filepath.Join(movie.Path, filepath.Base(file))
	if item.CanMoveFiles && !item.IsReadOnly {
		err = moveFile(file, dest)
	} else {
		err = linkFile(file, dest)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to place file: %w", err)
	}

	if _, err := s.movies.AttachFile(ctx, &movies.File{
		MovieID: movie.ID,
		Path:    dest,
		Size:    info.Size(),
		Quality: resolved.Quality.String(),
	}); err != nil {
		return nil, nil, fmt.Errorf("failed to attach file: %w", err)
	}

	if _, err := s.history.RecordImport(ctx, movie.ID, item.DownloadID, item.Title, dest, resolved.Quality); err != nil {
		s.logger.Warn().Err(err).Str("downloadId", item.DownloadID).
			Msg("Failed to record import history")
	}

	s.bus.Publish(events.Event{
		Type:        events.TypeImported,
		MovieID:     movie.ID,
		DownloadID:  item.DownloadID,
		SourceTitle: item.Title,
		Data:        map[string]string{"path": dest, "quality": resolved.Quality.String()},
	})

	s.logger.Info().
		Str("source", file).
		Str("dest", dest).
		Str("quality", resolved.Quality.String()).
		Msg("Imported file")

	return &ImportedFile{
		SourcePath: file,
		DestPath:   dest,
		Size:       info.Size(),
		Quality:    resolved.Quality.String(),
	}, nil, nil
}
