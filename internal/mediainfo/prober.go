package mediainfo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

const probeTimeout = 30 * time.Second

// CLIProber inspects media files with the ffprobe binary.
type CLIProber struct {
	binary string
	logger zerolog.Logger
}

var _ Prober = (*CLIProber)(nil)

// NewCLIProber creates a prober for the given ffprobe binary path.
func NewCLIProber(binary string, logger zerolog.Logger) *CLIProber {
	return &CLIProber{
		binary: binary,
		logger: logger.With().Str("component", "mediainfo").Logger(),
	}
}

// DetectProber locates ffprobe and returns a CLI prober, or the noop prober
// when the binary is not installed. Quality resolution then falls back to
// name-based signals.
func DetectProber(logger zerolog.Logger) Prober {
	binary := findFFprobe()
	if binary == "" {
		logger.Info().Msg("ffprobe not found, stream inspection disabled")
		return NoopProber{}
	}
	logger.Info().Str("binary", binary).Msg("Using ffprobe for stream inspection")
	return NewCLIProber(binary, logger)
}

func findFFprobe() string {
	if path, err := exec.LookPath("ffprobe"); err == nil {
		return path
	}

	var commonPaths []string
	switch runtime.GOOS {
	case "darwin":
		commonPaths = []string{"/usr/local/bin/ffprobe", "/opt/homebrew/bin/ffprobe"}
	case "linux":
		commonPaths = []string{"/usr/bin/ffprobe", "/usr/local/bin/ffprobe"}
	}
	for _, p := range commonPaths {
		if _, err := exec.LookPath(p); err == nil {
			return p
		}
	}
	return ""
}

// Probe runs ffprobe on the file and extracts the first video stream's
// dimensions and codec.
func (p *CLIProber) Probe(ctx context.Context, path string) (*Info, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.binary,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("ffprobe failed: %w: %s", err, stderr.String())
	}

	return parseFFprobeOutput(stdout.Bytes())
}

type ffprobeOutput struct {
	Streams []ffprobeStream `json:"streams"`
	Format  ffprobeFormat   `json:"format"`
}

type ffprobeStream struct {
	CodecType string `json:"codec_type"`
	CodecName string `json:"codec_name"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
}

type ffprobeFormat struct {
	Duration string `json:"duration"` // seconds, as a decimal string
}

func parseFFprobeOutput(data []byte) (*Info, error) {
	var out ffprobeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	info := &Info{}
	for _, stream := range out.Streams {
		if stream.CodecType != "video" {
			continue
		}
		info.Width = stream.Width
		info.Height = stream.Height
		info.VideoCodec = stream.CodecName
		break
	}

	if out.Format.Duration != "" {
		if seconds, err := strconv.ParseFloat(out.Format.Duration, 64); err == nil {
			info.Duration = time.Duration(seconds * float64(time.Second))
		}
	}

	if info.Width == 0 && info.Height == 0 {
		return nil, ErrNotAvailable
	}
	return info, nil
}
