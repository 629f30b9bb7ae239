package augment

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/windlass/windlass/internal/mediainfo"
	"github.com/windlass/windlass/internal/quality"
)

type fakeProber struct {
	info *mediainfo.Info
	err  error
}

func (p fakeProber) Probe(_ context.Context, _ string) (*mediainfo.Info, error) {
	return p.info, p.err
}

type fixedAugmenter struct {
	name string
	sig  *quality.Signal
	err  error
}

func (a fixedAugmenter) Name() string { return a.name }

func (a fixedAugmenter) Augment(_ context.Context, _ Input) (*quality.Signal, error) {
	return a.sig, a.err
}

type panickingAugmenter struct{}

func (panickingAugmenter) Name() string { return "panicky" }

func (panickingAugmenter) Augment(_ context.Context, _ Input) (*quality.Signal, error) {
	panic("boom")
}

func TestResolveNoEvidence(t *testing.T) {
	r := NewDefaultResolver(zerolog.Nop(), mediainfo.NoopProber{})

	got := r.Resolve(context.Background(), Input{})

	if got.Quality.Source != quality.SourceUnknown {
		t.Errorf("source = %v, want unknown", got.Quality.Source)
	}
	if got.Quality.Resolution != quality.ResolutionUnknown {
		t.Errorf("resolution = %v, want unknown", got.Quality.Resolution)
	}
	if got.Quality.Revision.Version != 1 {
		t.Errorf("revision version = %d, want 1", got.Quality.Revision.Version)
	}
}

func TestResolveFromFileName(t *testing.T) {
	r := NewDefaultResolver(zerolog.Nop(), mediainfo.NoopProber{})

	got := r.Resolve(context.Background(), Input{
		FilePath: "/downloads/Movie.2024.1080p.BluRay.x264-GRP/Movie.2024.1080p.BluRay.x264-GRP.mkv",
	})

	if got.Quality.Source != quality.SourceBluray {
		t.Errorf("source = %v, want Bluray", got.Quality.Source)
	}
	if got.Quality.Resolution != quality.Resolution1080 {
		t.Errorf("resolution = %v, want 1080", got.Quality.Resolution)
	}
	if got.ResolutionConfidence != quality.ConfidenceTag {
		t.Errorf("resolution confidence = %v, want tag", got.ResolutionConfidence)
	}
}

func TestResolveMediaInfoBeatsExtensionFallback(t *testing.T) {
	prober := fakeProber{info: &mediainfo.Info{Width: 3840, Height: 2160}}
	r := NewDefaultResolver(zerolog.Nop(), prober)

	got := r.Resolve(context.Background(), Input{
		FilePath: "/downloads/movie.mkv",
	})

	if got.Quality.Resolution != quality.Resolution2160 {
		t.Errorf("resolution = %v, want 2160", got.Quality.Resolution)
	}
	if got.ResolutionConfidence != quality.ConfidenceMediaInfo {
		t.Errorf("resolution confidence = %v, want mediainfo", got.ResolutionConfidence)
	}
}

func TestResolveTagBeatsMediaInfo(t *testing.T) {
	prober := fakeProber{info: &mediainfo.Info{Width: 1280, Height: 720}}
	r := NewDefaultResolver(zerolog.Nop(), prober)

	got := r.Resolve(context.Background(), Input{
		FilePath: "/downloads/Movie.2024.1080p.WEB-DL.mkv",
	})

	if got.Quality.Resolution != quality.Resolution1080 {
		t.Errorf("resolution = %v, want 1080 from the name tag", got.Quality.Resolution)
	}
	if got.ResolutionConfidence != quality.ConfidenceTag {
		t.Errorf("resolution confidence = %v, want tag", got.ResolutionConfidence)
	}
}

func TestResolveTieGoesToLaterAugmenter(t *testing.T) {
	first := fixedAugmenter{name: "first", sig: &quality.Signal{
		Resolution:           quality.Resolution720,
		ResolutionConfidence: quality.ConfidenceTag,
	}}
	second := fixedAugmenter{name: "second", sig: &quality.Signal{
		Resolution:           quality.Resolution1080,
		ResolutionConfidence: quality.ConfidenceTag,
	}}

	r := NewResolver(zerolog.Nop(), first, second)
	got := r.Resolve(context.Background(), Input{})

	if got.Quality.Resolution != quality.Resolution1080 {
		t.Errorf("resolution = %v, want later augmenter's 1080", got.Quality.Resolution)
	}
}

func TestResolveGrabRecordFillsMissingFields(t *testing.T) {
	grabbed := &quality.Quality{
		Source:     quality.SourceWebDL,
		Resolution: quality.Resolution2160,
		Revision:   quality.NewRevision(),
	}
	r := NewDefaultResolver(zerolog.Nop(), mediainfo.NoopProber{})

	got := r.Resolve(context.Background(), Input{Grabbed: grabbed})

	if got.Quality.Source != quality.SourceWebDL {
		t.Errorf("source = %v, want WEB-DL", got.Quality.Source)
	}
	if got.Quality.Resolution != quality.Resolution2160 {
		t.Errorf("resolution = %v, want 2160", got.Quality.Resolution)
	}
}

func TestResolveErroringAugmenterAbstains(t *testing.T) {
	broken := fixedAugmenter{name: "broken", err: errors.New("unreachable")}
	good := fixedAugmenter{name: "good", sig: &quality.Signal{
		Source:           quality.SourceBluray,
		SourceConfidence: quality.ConfidenceTag,
	}}

	r := NewResolver(zerolog.Nop(), broken, good)
	got := r.Resolve(context.Background(), Input{})

	if got.Quality.Source != quality.SourceBluray {
		t.Errorf("source = %v, want Bluray from the surviving augmenter", got.Quality.Source)
	}
}

func TestResolvePanickingAugmenterAbstains(t *testing.T) {
	good := fixedAugmenter{name: "good", sig: &quality.Signal{
		Resolution:           quality.Resolution1080,
		ResolutionConfidence: quality.ConfidenceTag,
	}}

	r := NewResolver(zerolog.Nop(), panickingAugmenter{}, good)
	got := r.Resolve(context.Background(), Input{})

	if got.Quality.Resolution != quality.Resolution1080 {
		t.Errorf("resolution = %v, want 1080 despite the panic", got.Quality.Resolution)
	}
}

func TestResolveOrderIndependentAcrossConfidences(t *testing.T) {
	tag := fixedAugmenter{name: "tag", sig: &quality.Signal{
		Resolution:           quality.Resolution1080,
		ResolutionConfidence: quality.ConfidenceTag,
	}}
	probe := fixedAugmenter{name: "probe", sig: &quality.Signal{
		Resolution:           quality.Resolution720,
		ResolutionConfidence: quality.ConfidenceMediaInfo,
	}}

	forward := NewResolver(zerolog.Nop(), tag, probe).Resolve(context.Background(), Input{})
	reverse := NewResolver(zerolog.Nop(), probe, tag).Resolve(context.Background(), Input{})

	if forward.Quality.Resolution != reverse.Quality.Resolution {
		t.Errorf("order changed the winner: %v vs %v", forward.Quality.Resolution, reverse.Quality.Resolution)
	}
	if forward.Quality.Resolution != quality.Resolution1080 {
		t.Errorf("resolution = %v, want tag-confidence 1080", forward.Quality.Resolution)
	}
}
