package quality

import (
	"path/filepath"
	"regexp"
	"strings"
)

// Regex patterns for quality detection in release and file names.
var (
	resolutionPatterns = []struct {
		resolution Resolution
		re         *regexp.Regexp
	}{
		{Resolution2160, regexp.MustCompile(`(?i)(2160p|4k|uhd)`)},
		{Resolution1080, regexp.MustCompile(`(?i)1080p`)},
		{Resolution720, regexp.MustCompile(`(?i)720p`)},
		{Resolution576, regexp.MustCompile(`(?i)576p`)},
		{Resolution480, regexp.MustCompile(`(?i)(480p|480i)`)},
	}

	sourcePatterns = []struct {
		source Source
		re     *regexp.Regexp
	}{
		{SourceBluray, regexp.MustCompile(`(?i)(blu-?ray|bdrip|brrip|bdremux)`)},
		{SourceWebDL, regexp.MustCompile(`(?i)(web-?dl|webdl)`)},
		{SourceWebRip, regexp.MustCompile(`(?i)web-?rip`)},
		{SourceTV, regexp.MustCompile(`(?i)(hdtv|pdtv|sdtv|dsr)`)},
		{SourceDVD, regexp.MustCompile(`(?i)(dvdrip|dvd-?r|\bdvd\b)`)},
		{SourceTelecine, regexp.MustCompile(`(?i)(telecine|\btc\b)`)},
		{SourceCam, regexp.MustCompile(`(?i)(hdcam|\bcam\b|telesync|\bts\b)`)},
	}

	remuxPattern    = regexp.MustCompile(`(?i)remux`)
	brdiskPattern   = regexp.MustCompile(`(?i)(complete[\.\s_-]?bluray|\bbr-?disk\b|\bfull[\.\s_-]?bluray\b)`)
	screenerPattern = regexp.MustCompile(`(?i)(dvdscr|\bscr\b|screener)`)

	properPattern  = regexp.MustCompile(`(?i)\b(proper)\b`)
	repackPattern  = regexp.MustCompile(`(?i)\b(repack|rerip)\b`)
	realPattern    = regexp.MustCompile(`\bREAL\b`) // case sensitive by convention
	versionPattern = regexp.MustCompile(`(?i)[\.\s_-]v(\d)[\.\s_-]`)
)

// Fallback resolutions for media file extensions that carry a quality
// convention when the name says nothing.
var extensionResolutions = map[string]Resolution{
	".avi":  Resolution480,
	".mpg":  Resolution480,
	".mpeg": Resolution480,
	".wmv":  Resolution480,
	".m4v":  Resolution480,
	".mp4":  Resolution720,
	".mkv":  Resolution720,
	".ts":   Resolution720,
}

// Parse extracts a quality signal from a release, folder, or file name.
// Every field found in the name carries Tag confidence; fields not found stay
// at their unknown value with Default confidence.
func Parse(name string) Signal {
	signal := Signal{Revision: NewRevision()}

	for _, p := range resolutionPatterns {
		if p.re.MatchString(name) {
			signal.Resolution = p.resolution
			signal.ResolutionConfidence = ConfidenceTag
			break
		}
	}

	for _, p := range sourcePatterns {
		if p.re.MatchString(name) {
			signal.Source = p.source
			signal.SourceConfidence = ConfidenceTag
			break
		}
	}

	switch {
	case remuxPattern.MatchString(name):
		signal.Modifier = ModifierRemux
		signal.ModifierConfidence = ConfidenceTag
	case brdiskPattern.MatchString(name):
		signal.Modifier = ModifierBRDisk
		signal.ModifierConfidence = ConfidenceTag
	case screenerPattern.MatchString(name):
		signal.Modifier = ModifierScreener
		signal.ModifierConfidence = ConfidenceTag
	}

	// A remux without an explicit source is a Bluray remux.
	if signal.Modifier == ModifierRemux && signal.Source == SourceUnknown {
		signal.Source = SourceBluray
		signal.SourceConfidence = ConfidenceFallback
	}

	if properPattern.MatchString(name) {
		signal.Revision.Version = 2
		signal.RevisionConfidence = ConfidenceTag
	}
	if repackPattern.MatchString(name) {
		signal.Revision.Version++
		signal.Revision.IsRepack = true
		signal.RevisionConfidence = ConfidenceTag
	}
	if m := versionPattern.FindStringSubmatch(name); m != nil {
		signal.Revision.Version = int(m[1][0] - '0')
		signal.RevisionConfidence = ConfidenceTag
	}
	if realPattern.MatchString(name) {
		signal.Revision.Real++
		signal.RevisionConfidence = ConfidenceTag
	}

	return signal
}

// ParseFileName parses a file name like Parse, then falls back to the file
// extension for resolution when the name itself declares nothing.
func ParseFileName(fileName string) Signal {
	signal := Parse(fileName)

	if signal.ResolutionConfidence == ConfidenceDefault {
		ext := strings.ToLower(filepath.Ext(fileName))
		if res, ok := extensionResolutions[ext]; ok {
			signal.Resolution = res
			signal.ResolutionConfidence = ConfidenceFallback
		}
	}

	return signal
}
