// Package mediainfo probes media files for stream properties.
package mediainfo

import (
	"context"
	"errors"
	"time"

	"github.com/windlass/windlass/internal/quality"
)

// ErrNotAvailable is returned when no prober is configured or the file
// cannot be analyzed.
var ErrNotAvailable = errors.New("media info not available")

// Info holds the probed stream properties a file import cares about.
type Info struct {
	Width      int
	Height     int
	Duration   time.Duration
	VideoCodec string
}

// Prober analyzes a media file on disk.
type Prober interface {
	Probe(ctx context.Context, path string) (*Info, error)
}

// NoopProber always reports ErrNotAvailable. It is the default when no
// external analyzer is installed; callers treat the error as "no signal".
type NoopProber struct{}

func (NoopProber) Probe(ctx context.Context, path string) (*Info, error) {
	return nil, ErrNotAvailable
}

var _ Prober = NoopProber{}

// ResolutionFromDimensions maps probed frame dimensions to the nearest
// standard vertical resolution. Widths are checked too because anamorphic
// and cropped encodes often report a shorter height than their class.
func ResolutionFromDimensions(width, height int) quality.Resolution {
	switch {
	case width >= 3200 || height >= 2100:
		return quality.Resolution2160
	case width >= 1800 || height >= 1000:
		return quality.Resolution1080
	case width >= 1200 || height >= 700:
		return quality.Resolution720
	case width >= 1000 || height >= 560:
		return quality.Resolution576
	case width > 0 && height > 0:
		return quality.Resolution480
	default:
		return quality.ResolutionUnknown
	}
}
