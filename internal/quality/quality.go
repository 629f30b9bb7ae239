// Package quality models release quality and the confidence-ranked signals
// used to resolve it from multiple evidence sources.
package quality

import "fmt"

// Source is where the encode originated.
type Source int

const (
	SourceUnknown Source = iota
	SourceCam
	SourceTelecine
	SourceDVD
	SourceTV
	SourceWebRip
	SourceWebDL
	SourceBluray
)

// String returns the display name for the source.
func (s Source) String() string {
	switch s {
	case SourceCam:
		return "CAM"
	case SourceTelecine:
		return "Telecine"
	case SourceDVD:
		return "DVD"
	case SourceTV:
		return "HDTV"
	case SourceWebRip:
		return "WEBRip"
	case SourceWebDL:
		return "WEB-DL"
	case SourceBluray:
		return "Bluray"
	default:
		return "Unknown"
	}
}

// Resolution is the vertical resolution in lines. ResolutionUnknown is zero so
// an unset resolution never compares above a known one.
type Resolution int

const (
	ResolutionUnknown Resolution = 0
	Resolution360     Resolution = 360
	Resolution480     Resolution = 480
	Resolution576     Resolution = 576
	Resolution720     Resolution = 720
	Resolution1080    Resolution = 1080
	Resolution2160    Resolution = 2160
)

// String returns the display name for the resolution.
func (r Resolution) String() string {
	if r == ResolutionUnknown {
		return "Unknown"
	}
	return fmt.Sprintf("%dp", int(r))
}

// Modifier distinguishes variants within a source.
type Modifier int

const (
	ModifierNone Modifier = iota
	ModifierScreener
	ModifierRemux
	ModifierBRDisk
)

// String returns the display name for the modifier.
func (m Modifier) String() string {
	switch m {
	case ModifierScreener:
		return "Screener"
	case ModifierRemux:
		return "Remux"
	case ModifierBRDisk:
		return "BR-Disk"
	default:
		return "None"
	}
}

// Revision tracks proper/real re-releases of the same quality.
type Revision struct {
	Version  int  `json:"version"`
	Real     int  `json:"real"`
	IsRepack bool `json:"isRepack,omitempty"`
}

// NewRevision returns the default first-release revision.
func NewRevision() Revision {
	return Revision{Version: 1}
}

// Compare returns a negative, zero, or positive value ordering revisions.
// Real takes precedence over version.
func (r Revision) Compare(other Revision) int {
	if r.Real != other.Real {
		return r.Real - other.Real
	}
	return r.Version - other.Version
}

// Quality is a fully resolved quality value. Fields default to their unknown
// values; a Quality is never "null".
type Quality struct {
	Source     Source     `json:"source"`
	Resolution Resolution `json:"resolution"`
	Modifier   Modifier   `json:"modifier"`
	Revision   Revision   `json:"revision"`
}

// String renders a compact name like "Bluray-1080p" or "Remux-2160p".
func (q Quality) String() string {
	if q.Modifier == ModifierRemux {
		return fmt.Sprintf("Remux-%s", q.Resolution)
	}
	if q.Source == SourceUnknown && q.Resolution == ResolutionUnknown {
		return "Unknown"
	}
	return fmt.Sprintf("%s-%s", q.Source, q.Resolution)
}

// Equal reports whether two qualities name the same source, resolution and
// modifier. Revision is deliberately excluded: a proper of the same quality
// still matches what was grabbed.
func (q Quality) Equal(other Quality) bool {
	return q.Source == other.Source &&
		q.Resolution == other.Resolution &&
		q.Modifier == other.Modifier
}

// Confidence ranks how trustworthy a quality signal is, lowest to highest.
type Confidence int

const (
	// ConfidenceDefault means no evidence at all.
	ConfidenceDefault Confidence = iota
	// ConfidenceFallback means inferred heuristically, e.g. from a file extension.
	ConfidenceFallback
	// ConfidenceMediaInfo means measured from the actual media stream.
	ConfidenceMediaInfo
	// ConfidenceTag means explicitly declared in a title, folder or release name.
	ConfidenceTag
)

// String returns the confidence name.
func (c Confidence) String() string {
	switch c {
	case ConfidenceFallback:
		return "fallback"
	case ConfidenceMediaInfo:
		return "mediainfo"
	case ConfidenceTag:
		return "tag"
	default:
		return "default"
	}
}

// Signal is a single augmenter's partial quality proposal. Immutable once
// produced; each field carries its own confidence.
type Signal struct {
	Source               Source
	SourceConfidence     Confidence
	Resolution           Resolution
	ResolutionConfidence Confidence
	Modifier             Modifier
	ModifierConfidence   Confidence
	Revision             Revision
	RevisionConfidence   Confidence
}

// Resolved is the merge result: the winning value per field plus the
// confidence it won with.
type Resolved struct {
	Quality              Quality
	SourceConfidence     Confidence
	ResolutionConfidence Confidence
	ModifierConfidence   Confidence
	RevisionConfidence   Confidence
}
