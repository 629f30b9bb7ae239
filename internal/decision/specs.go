package decision

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/windlass/windlass/internal/blocklist"
	"github.com/windlass/windlass/internal/quality"
)

// SameFileSpec rejects a file whose size exactly matches one already
// attached to the movie. Re-importing the file the movie already has is the
// most common duplicate case after a client re-announces a finished item.
type SameFileSpec struct{}

func (SameFileSpec) Name() string { return "sameFile" }

func (SameFileSpec) Evaluate(_ context.Context, c *Candidate) (*Rejection, error) {
	if c.Size == 0 {
		return nil, nil
	}
	for _, size := range c.ExistingFileSizes {
		if size == c.Size {
			return &Rejection{
				Spec:   "sameFile",
				Reason: fmt.Sprintf("file size %d matches an existing file", c.Size),
			}, nil
		}
	}
	return nil, nil
}

var trailerTokenPattern = regexp.MustCompile(`(?i)[\.\s_-]trailer([\.\s_-]|$)`)

// minBytesPerMinute is the floor below which a file cannot plausibly hold a
// full-length feature. A 90 minute movie under ~90MB is a sample or trailer.
const minBytesPerMinute = 1024 * 1024

// NotTrailerSpec rejects trailers and samples that ride along in release
// folders.
type NotTrailerSpec struct{}

func (NotTrailerSpec) Name() string { return "notTrailer" }

func (NotTrailerSpec) Evaluate(_ context.Context, c *Candidate) (*Rejection, error) {
	name := filepath.Base(c.Path)
	if trailerTokenPattern.MatchString(name) || strings.HasPrefix(strings.ToLower(name), "sample") {
		return &Rejection{Spec: "notTrailer", Reason: "file name marks it as a trailer or sample"}, nil
	}

	if c.Movie != nil && c.Movie.RuntimeMinutes > 0 && c.Size > 0 {
		if c.Size < int64(c.Movie.RuntimeMinutes)*minBytesPerMinute {
			return &Rejection{
				Spec:   "notTrailer",
				Reason: fmt.Sprintf("file size %d is too small for a %d minute runtime", c.Size, c.Movie.RuntimeMinutes),
			}, nil
		}
	}
	return nil, nil
}

// GrabbedQualitySpec rejects a file whose resolved quality contradicts what
// was grabbed. Catches the client finishing a different release than the one
// sent to it. Unknown on either side passes; absence of evidence is not a
// mismatch.
type GrabbedQualitySpec struct{}

func (GrabbedQualitySpec) Name() string { return "grabbedQuality" }

func (GrabbedQualitySpec) Evaluate(_ context.Context, c *Candidate) (*Rejection, error) {
	if c.GrabRecord == nil {
		return nil, nil
	}
	grabbed := c.GrabRecord.GrabbedQuality()
	if grabbed == nil {
		return nil, nil
	}
	if grabbed.Source == quality.SourceUnknown && grabbed.Resolution == quality.ResolutionUnknown {
		return nil, nil
	}
	resolved := c.Quality.Quality
	if resolved.Source == quality.SourceUnknown && resolved.Resolution == quality.ResolutionUnknown {
		return nil, nil
	}
	if !resolved.Equal(*grabbed) {
		return &Rejection{
			Spec:   "grabbedQuality",
			Reason: fmt.Sprintf("resolved quality %s does not match grabbed quality %s", resolved, *grabbed),
		}, nil
	}
	return nil, nil
}

// FullSeasonSpec rejects a single file whose name claims a whole season or
// series. One file cannot satisfy a batch and importing it would mark the
// batch done.
type FullSeasonSpec struct{}

func (FullSeasonSpec) Name() string { return "fullSeason" }

func (FullSeasonSpec) Evaluate(_ context.Context, c *Candidate) (*Rejection, error) {
	if c.ParsedInfo == nil {
		return nil, nil
	}
	if c.ParsedInfo.IsSeasonPack {
		return &Rejection{Spec: "fullSeason", Reason: "single file claims a full season pack"}, nil
	}
	return nil, nil
}

// Blocklister answers whether a release was previously blocklisted.
type Blocklister interface {
	IsBlocklisted(ctx context.Context, release blocklist.Release) (bool, error)
}

// NotBlocklistedSpec rejects releases that failed before. It runs at grab
// time, against the release rather than a file on disk.
type NotBlocklistedSpec struct {
	Blocklist Blocklister
	Release   *blocklist.Release
}

func (NotBlocklistedSpec) Name() string { return "notBlocklisted" }

func (s NotBlocklistedSpec) Evaluate(ctx context.Context, _ *Candidate) (*Rejection, error) {
	if s.Blocklist == nil || s.Release == nil {
		return nil, nil
	}
	blocked, err := s.Blocklist.IsBlocklisted(ctx, *s.Release)
	if err != nil {
		return nil, fmt.Errorf("checking blocklist: %w", err)
	}
	if blocked {
		return &Rejection{Spec: "notBlocklisted", Reason: "release is blocklisted"}, nil
	}
	return nil, nil
}
