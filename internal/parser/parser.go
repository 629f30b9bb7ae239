// Package parser extracts structured release information from file, folder
// and release names.
package parser

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/windlass/windlass/internal/quality"
)

// ParsedInfo is the structured form of a release or file name.
type ParsedInfo struct {
	Title            string         `json:"title"`
	Year             int            `json:"year,omitempty"`
	Season           int            `json:"season,omitempty"`
	Episode          int            `json:"episode,omitempty"`
	IsTV             bool           `json:"isTv,omitempty"`
	IsSeasonPack     bool           `json:"isSeasonPack,omitempty"`
	IsCompleteSeries bool           `json:"isCompleteSeries,omitempty"`
	ReleaseGroup     string         `json:"releaseGroup,omitempty"`
	Quality          quality.Signal `json:"-"`
}

var (
	// Episode patterns: Show.S01E02 or Show.1x02
	episodePatternSE = regexp.MustCompile(`(?i)^(.+?)[\.\s_-]+[Ss](\d{1,2})[Ee](\d{1,3})(?:[Ee]\d{1,3})?[\.\s_-]*(.*)$`)
	episodePatternX  = regexp.MustCompile(`(?i)^(.+?)[\.\s_-]+(\d{1,2})[xX](\d{1,3})[\.\s_-]*(.*)$`)

	// Season pack patterns: Show.S01 with no episode, or Show.Season.1
	seasonPackPattern    = regexp.MustCompile(`(?i)^(.+?)[\.\s_-]+[Ss](\d{1,2})(?:[\.\s_-]|$)(.*)$`)
	seasonSpelledPattern = regexp.MustCompile(`(?i)^(.+?)[\.\s_-]+[Ss]eason[\.\s_-]+(\d{1,2})(?:[\.\s_-]|$)(.*)$`)
	seasonRangePattern   = regexp.MustCompile(`(?i)^(.+?)[\.\s_-]+[Ss](\d{1,2})-[Ss]?(\d{1,2})[\.\s_-]+(.*)$`)
	completePattern      = regexp.MustCompile(`(?i)^(.+?)[\.\s_-]+complete[\.\s_-]*(?:series)?[\.\s_-]+(.*)$`)

	// Movie patterns: Title (Year) or Title.Year
	moviePatternParen = regexp.MustCompile(`^(.+?)\s*\((\d{4})\)\s*(.*)$`)
	movieYearPattern  = regexp.MustCompile(`[\.\s_-]+((?:19|20)\d{2})(?:[\.\s_-]+|$)`)

	releaseGroupPattern = regexp.MustCompile(`-([A-Za-z0-9]+)$`)

	cleanupPattern = regexp.MustCompile(`[\.\s_-]+`)
)

// Parse parses a release or folder name into structured data. Names that
// look like episodes or season packs are flagged so callers can reject a
// single file claiming a whole batch.
func Parse(name string) *ParsedInfo {
	parsed := &ParsedInfo{
		Quality: quality.Parse(name),
	}

	if match := episodePatternSE.FindStringSubmatch(name); match != nil {
		parsed.IsTV = true
		parsed.Title = cleanTitle(match[1])
		parsed.Season, _ = strconv.Atoi(match[2])
		parsed.Episode, _ = strconv.Atoi(match[3])
		parsed.ReleaseGroup = parseReleaseGroup(match[4])
		return parsed
	}

	if match := episodePatternX.FindStringSubmatch(name); match != nil {
		parsed.IsTV = true
		parsed.Title = cleanTitle(match[1])
		parsed.Season, _ = strconv.Atoi(match[2])
		parsed.Episode, _ = strconv.Atoi(match[3])
		parsed.ReleaseGroup = parseReleaseGroup(match[4])
		return parsed
	}

	// Check the range form before the single season pack so S01-S04 does
	// not stop at S01.
	if match := seasonRangePattern.FindStringSubmatch(name); match != nil {
		parsed.IsTV = true
		parsed.IsSeasonPack = true
		parsed.IsCompleteSeries = true
		parsed.Title = cleanTitle(match[1])
		parsed.Season, _ = strconv.Atoi(match[2])
		parsed.ReleaseGroup = parseReleaseGroup(match[4])
		return parsed
	}

	if match := seasonPackPattern.FindStringSubmatch(name); match != nil {
		parsed.IsTV = true
		parsed.IsSeasonPack = true
		parsed.Title = cleanTitle(match[1])
		parsed.Season, _ = strconv.Atoi(match[2])
		parsed.ReleaseGroup = parseReleaseGroup(match[3])
		return parsed
	}

	if match := seasonSpelledPattern.FindStringSubmatch(name); match != nil {
		parsed.IsTV = true
		parsed.IsSeasonPack = true
		parsed.Title = cleanTitle(match[1])
		parsed.Season, _ = strconv.Atoi(match[2])
		parsed.ReleaseGroup = parseReleaseGroup(match[3])
		return parsed
	}

	if match := completePattern.FindStringSubmatch(name); match != nil {
		parsed.IsTV = true
		parsed.IsSeasonPack = true
		parsed.IsCompleteSeries = true
		parsed.Title = cleanTitle(match[1])
		parsed.ReleaseGroup = parseReleaseGroup(match[2])
		return parsed
	}

	if match := moviePatternParen.FindStringSubmatch(name); match != nil {
		if year, ok := movieYear(match[2]); ok {
			parsed.Title = cleanTitle(match[1])
			parsed.Year = year
			parsed.ReleaseGroup = parseReleaseGroup(match[3])
			return parsed
		}
	}

	// A title can itself contain a year ("Blade Runner 2049"), so the
	// last year-looking token splits title from the rest.
	if matches := movieYearPattern.FindAllStringSubmatchIndex(name, -1); len(matches) > 0 {
		m := matches[len(matches)-1]
		if year, ok := movieYear(name[m[2]:m[3]]); ok {
			parsed.Title = cleanTitle(name[:m[0]])
			parsed.Year = year
			parsed.ReleaseGroup = parseReleaseGroup(name[m[1]:])
			return parsed
		}
	}

	parsed.Title = cleanTitle(name)
	parsed.ReleaseGroup = parseReleaseGroup(name)
	return parsed
}

// ParsePath parses a file path, stripping the extension first and using the
// extension as a resolution fallback when the name itself says nothing.
func ParsePath(path string) *ParsedInfo {
	base := filepath.Base(path)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	parsed := Parse(name)
	parsed.Quality = quality.ParseFileName(base)
	return parsed
}

func movieYear(s string) (int, bool) {
	year, err := strconv.Atoi(s)
	if err != nil || year < 1900 || year > 2100 {
		return 0, false
	}
	return year, true
}

func cleanTitle(title string) string {
	return strings.TrimSpace(cleanupPattern.ReplaceAllString(title, " "))
}

func parseReleaseGroup(text string) string {
	match := releaseGroupPattern.FindStringSubmatch(strings.TrimSpace(text))
	if match == nil {
		return ""
	}
	group := match[1]
	// Codec and bit-depth tokens land in the group position often enough
	// to be worth excluding.
	switch strings.ToLower(group) {
	case "x264", "x265", "h264", "h265", "hevc", "avc", "10bit", "8bit", "hdr":
		return ""
	}
	return group
}

// CleanTitle normalizes a title for comparison: lowercased with separators
// and punctuation removed.
func CleanTitle(title string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(title) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
