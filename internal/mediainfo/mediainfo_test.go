package mediainfo

import (
	"context"
	"errors"
	"testing"

	"github.com/windlass/windlass/internal/quality"
)

func TestNoopProber(t *testing.T) {
	_, err := NoopProber{}.Probe(context.Background(), "/tmp/movie.mkv")
	if !errors.Is(err, ErrNotAvailable) {
		t.Errorf("expected ErrNotAvailable, got %v", err)
	}
}

func TestParseFFprobeOutput(t *testing.T) {
	data := []byte(`{
		"streams": [
			{"codec_type": "audio", "codec_name": "aac"},
			{"codec_type": "video", "codec_name": "hevc", "width": 3840, "height": 2160}
		],
		"format": {"duration": "5400.25"}
	}`)

	info, err := parseFFprobeOutput(data)
	if err != nil {
		t.Fatalf("parseFFprobeOutput returned error: %v", err)
	}
	if info.Width != 3840 || info.Height != 2160 {
		t.Errorf("expected 3840x2160, got %dx%d", info.Width, info.Height)
	}
	if info.VideoCodec != "hevc" {
		t.Errorf("expected codec hevc, got %q", info.VideoCodec)
	}
	if info.Duration.Seconds() != 5400.25 {
		t.Errorf("expected duration 5400.25s, got %v", info.Duration)
	}
}

func TestParseFFprobeOutputNoVideoStream(t *testing.T) {
	data := []byte(`{"streams": [{"codec_type": "audio", "codec_name": "flac"}], "format": {}}`)
	if _, err := parseFFprobeOutput(data); !errors.Is(err, ErrNotAvailable) {
		t.Errorf("expected ErrNotAvailable, got %v", err)
	}
}

func TestResolutionFromDimensions(t *testing.T) {
	tests := []struct {
		width, height int
		want          quality.Resolution
	}{
		{3840, 2160, quality.Resolution2160},
		{3840, 1600, quality.Resolution2160},
		{1920, 1080, quality.Resolution1080},
		{1920, 800, quality.Resolution1080},
		{1280, 720, quality.Resolution720},
		{1280, 536, quality.Resolution720},
		{1024, 576, quality.Resolution576},
		{720, 480, quality.Resolution480},
		{0, 0, quality.ResolutionUnknown},
	}

	for _, tt := range tests {
		if got := ResolutionFromDimensions(tt.width, tt.height); got != tt.want {
			t.Errorf("ResolutionFromDimensions(%d, %d) = %v, want %v", tt.width, tt.height, got, tt.want)
		}
	}
}
