// Package augment resolves a download's quality by merging partial signals
// from independent evidence sources, keeping the most trustworthy value for
// each field.
package augment

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/windlass/windlass/internal/mediainfo"
	"github.com/windlass/windlass/internal/quality"
)

// Input is the evidence available for one candidate file. Zero fields mean
// the source is absent and its augmenter abstains.
type Input struct {
	// ItemTitle is the download client item's title.
	ItemTitle string
	// FilePath is the candidate file on disk.
	FilePath string
	// FolderName is the download's containing folder name.
	FolderName string
	// Grabbed is the quality recorded when the release was grabbed, if any.
	Grabbed *quality.Quality
}

// Augmenter proposes a partial quality signal from one evidence source.
// A nil signal with a nil error is an abstention.
type Augmenter interface {
	Name() string
	Augment(ctx context.Context, in Input) (*quality.Signal, error)
}

type clientItemAugmenter struct{}

func (clientItemAugmenter) Name() string { return "clientItem" }

func (clientItemAugmenter) Augment(_ context.Context, in Input) (*quality.Signal, error) {
	if in.ItemTitle == "" {
		return nil, nil
	}
	sig := quality.Parse(in.ItemTitle)
	if isEmpty(sig) {
		return nil, nil
	}
	return &sig, nil
}

type fileNameAugmenter struct{}

func (fileNameAugmenter) Name() string { return "fileName" }

func (fileNameAugmenter) Augment(_ context.Context, in Input) (*quality.Signal, error) {
	if in.FilePath == "" {
		return nil, nil
	}
	sig := quality.ParseFileName(filepath.Base(in.FilePath))
	if isEmpty(sig) {
		return nil, nil
	}
	return &sig, nil
}

type folderNameAugmenter struct{}

func (folderNameAugmenter) Name() string { return "folderName" }

func (folderNameAugmenter) Augment(_ context.Context, in Input) (*quality.Signal, error) {
	if in.FolderName == "" {
		return nil, nil
	}
	sig := quality.Parse(in.FolderName)
	if isEmpty(sig) {
		return nil, nil
	}
	return &sig, nil
}

type mediaInfoAugmenter struct {
	prober mediainfo.Prober
}

func (mediaInfoAugmenter) Name() string { return "mediaInfo" }

// Augment proposes only a resolution. Source and modifier cannot be measured
// from the stream, so those stay at default confidence.
func (a mediaInfoAugmenter) Augment(ctx context.Context, in Input) (*quality.Signal, error) {
	if a.prober == nil || in.FilePath == "" {
		return nil, nil
	}
	info, err := a.prober.Probe(ctx, in.FilePath)
	if err != nil {
		return nil, fmt.Errorf("probing %s: %w", in.FilePath, err)
	}
	res := mediainfo.ResolutionFromDimensions(info.Width, info.Height)
	if res == quality.ResolutionUnknown {
		return nil, nil
	}
	return &quality.Signal{
		Resolution:           res,
		ResolutionConfidence: quality.ConfidenceMediaInfo,
		Revision:             quality.NewRevision(),
	}, nil
}

type grabHistoryAugmenter struct{}

func (grabHistoryAugmenter) Name() string { return "grabHistory" }

func (grabHistoryAugmenter) Augment(_ context.Context, in Input) (*quality.Signal, error) {
	if in.Grabbed == nil {
		return nil, nil
	}
	sig := quality.Signal{
		Revision: quality.NewRevision(),
	}
	if in.Grabbed.Source != quality.SourceUnknown {
		sig.Source = in.Grabbed.Source
		sig.SourceConfidence = quality.ConfidenceTag
	}
	if in.Grabbed.Resolution != quality.ResolutionUnknown {
		sig.Resolution = in.Grabbed.Resolution
		sig.ResolutionConfidence = quality.ConfidenceTag
	}
	if in.Grabbed.Modifier != quality.ModifierNone {
		sig.Modifier = in.Grabbed.Modifier
		sig.ModifierConfidence = quality.ConfidenceTag
	}
	if in.Grabbed.Revision.Compare(quality.NewRevision()) != 0 || in.Grabbed.Revision.IsRepack {
		sig.Revision = in.Grabbed.Revision
		sig.RevisionConfidence = quality.ConfidenceTag
	}
	if isEmpty(sig) {
		return nil, nil
	}
	return &sig, nil
}

func isEmpty(sig quality.Signal) bool {
	return sig.SourceConfidence == quality.ConfidenceDefault &&
		sig.ResolutionConfidence == quality.ConfidenceDefault &&
		sig.ModifierConfidence == quality.ConfidenceDefault &&
		sig.RevisionConfidence == quality.ConfidenceDefault
}

// Resolver merges signals from a fixed, ordered list of augmenters.
type Resolver struct {
	augmenters []Augmenter
	logger     zerolog.Logger
}

// NewResolver builds a resolver over an explicit augmenter order. When two
// signals claim a field at the same confidence, the later augmenter wins.
func NewResolver(logger zerolog.Logger, augmenters ...Augmenter) *Resolver {
	return &Resolver{
		augmenters: augmenters,
		logger:     logger.With().Str("component", "quality-resolver").Logger(),
	}
}

// NewDefaultResolver wires the standard augmenter order: client item title,
// file name, folder name, probed media info, then the grab record.
func NewDefaultResolver(logger zerolog.Logger, prober mediainfo.Prober) *Resolver {
	return NewResolver(logger,
		clientItemAugmenter{},
		fileNameAugmenter{},
		folderNameAugmenter{},
		mediaInfoAugmenter{prober: prober},
		grabHistoryAugmenter{},
	)
}

// Resolve runs every augmenter and keeps the highest-confidence value per
// field. An augmenter that errors or panics counts as an abstention, so one
// broken source never blocks the import pipeline.
func (r *Resolver) Resolve(ctx context.Context, in Input) quality.Resolved {
	resolved := quality.Resolved{
		Quality: quality.Quality{Revision: quality.NewRevision()},
	}

	for _, a := range r.augmenters {
		sig, err := r.augment(ctx, a, in)
		if err != nil {
			r.logger.Warn().Err(err).Str("augmenter", a.Name()).Msg("Quality augmenter failed, skipping")
			continue
		}
		if sig == nil {
			continue
		}
		merge(&resolved, *sig)
	}

	return resolved
}

func (r *Resolver) augment(ctx context.Context, a Augmenter, in Input) (sig *quality.Signal, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			sig = nil
			err = fmt.Errorf("augmenter panicked: %v", rec)
		}
	}()
	return a.Augment(ctx, in)
}

// merge overwrites each field of the running result when the signal's
// confidence is at least as high as the current winner's. Default-confidence
// fields never overwrite; an absent signal cannot displace evidence.
func merge(resolved *quality.Resolved, sig quality.Signal) {
	if sig.SourceConfidence > quality.ConfidenceDefault && sig.SourceConfidence >= resolved.SourceConfidence {
		resolved.Quality.Source = sig.Source
		resolved.SourceConfidence = sig.SourceConfidence
	}
	if sig.ResolutionConfidence > quality.ConfidenceDefault && sig.ResolutionConfidence >= resolved.ResolutionConfidence {
		resolved.Quality.Resolution = sig.Resolution
		resolved.ResolutionConfidence = sig.ResolutionConfidence
	}
	if sig.ModifierConfidence > quality.ConfidenceDefault && sig.ModifierConfidence >= resolved.ModifierConfidence {
		resolved.Quality.Modifier = sig.Modifier
		resolved.ModifierConfidence = sig.ModifierConfidence
	}
	if sig.RevisionConfidence > quality.ConfidenceDefault && sig.RevisionConfidence >= resolved.RevisionConfidence {
		resolved.Quality.Revision = sig.Revision
		resolved.RevisionConfidence = sig.RevisionConfidence
	}
}
