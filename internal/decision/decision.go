// Package decision decides whether a candidate file or release should be
// accepted. Every specification runs so a rejection lists every reason, and
// a specification that fails to answer never blocks an import on its own.
package decision

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/windlass/windlass/internal/history"
	"github.com/windlass/windlass/internal/library/movies"
	"github.com/windlass/windlass/internal/parser"
	"github.com/windlass/windlass/internal/quality"
)

// Candidate is one file or release under evaluation.
type Candidate struct {
	Movie      *movies.Movie
	Path       string
	FolderName string
	Size       int64
	ParsedInfo *parser.ParsedInfo
	Quality    quality.Resolved
	GrabRecord *history.Record

	// ExistingFileSizes are the sizes of files already attached to the
	// movie, for duplicate detection.
	ExistingFileSizes []int64
}

// Rejection is one failed specification's verdict.
type Rejection struct {
	Spec   string `json:"spec"`
	Reason string `json:"reason"`
}

// Decision is the aggregate verdict over all specifications.
type Decision struct {
	Approved   bool        `json:"approved"`
	Rejections []Rejection `json:"rejections,omitempty"`
}

// Specification is a single accept/reject rule. A nil rejection means the
// candidate passes; a non-nil error means the rule could not be evaluated.
type Specification interface {
	Name() string
	Evaluate(ctx context.Context, c *Candidate) (*Rejection, error)
}

// Engine runs candidates through an ordered list of specifications.
type Engine struct {
	specs  []Specification
	logger zerolog.Logger
}

// NewEngine creates an engine over the given specifications.
func NewEngine(logger zerolog.Logger, specs ...Specification) *Engine {
	return &Engine{
		specs:  specs,
		logger: logger.With().Str("component", "decision").Logger(),
	}
}

// Evaluate runs every specification and collects all rejections. A failing
// specification is logged and skipped rather than rejecting the candidate.
func (e *Engine) Evaluate(ctx context.Context, c *Candidate) Decision {
	var rejections []Rejection

	for _, spec := range e.specs {
		rejection, err := e.evaluate(ctx, spec, c)
		if err != nil {
			e.logger.Warn().Err(err).Str("spec", spec.Name()).Str("path", c.Path).
				Msg("Specification failed to evaluate, skipping")
			continue
		}
		if rejection != nil {
			e.logger.Debug().Str("spec", spec.Name()).Str("path", c.Path).
				Str("reason", rejection.Reason).Msg("Candidate rejected")
			rejections = append(rejections, *rejection)
		}
	}

	return Decision{
		Approved:   len(rejections) == 0,
		Rejections: rejections,
	}
}

func (e *Engine) evaluate(ctx context.Context, spec Specification, c *Candidate) (rejection *Rejection, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			rejection = nil
			err = &specPanicError{spec: spec.Name(), value: rec}
		}
	}()
	return spec.Evaluate(ctx, c)
}

type specPanicError struct {
	spec  string
	value any
}

func (e *specPanicError) Error() string {
	return "specification " + e.spec + " panicked"
}
