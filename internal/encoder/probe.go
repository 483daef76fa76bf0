package encoder

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// SourceInfo is what the packager needs to know about an input before encoding.
type SourceInfo struct {
	HasVideo bool
	HasAudio bool
	Duration time.Duration
}

// Prober inspects source files with ffprobe.
type Prober struct {
	Path string
}

// NewProber locates the ffprobe binary.
func NewProber(path string) (*Prober, error) {
	resolved, err := exec.LookPath(path)
	if err != nil {
		return nil, fmt.Errorf("probe binary %q not found: %w", path, err)
	}
	return &Prober{Path: resolved}, nil
}

// Probe reports the stream kinds and duration of the file at path.
func (p *Prober) Probe(ctx context.Context, path string) (SourceInfo, error) {
	out, err := exec.CommandContext(ctx, p.Path,
		"-v", "error",
		"-show_entries", "stream=codec_type:format=duration",
		"-of", "default=noprint_wrappers=1",
		path,
	).Output()
	if err != nil {
		if ctx.Err() != nil {
			return SourceInfo{}, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
		}
		return SourceInfo{}, fmt.Errorf("probe %s: %w", path, err)
	}
	info := parseProbeOutput(string(out))
	if !info.HasVideo {
		return info, fmt.Errorf("probe %s: no video stream", path)
	}
	return info, nil
}

// parseProbeOutput reads "key=value" lines as printed by
// -of default=noprint_wrappers=1.
func parseProbeOutput(out string) SourceInfo {
	var info SourceInfo
	for _, line := range strings.Split(out, "\n") {
		key, val, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch key {
		case "codec_type":
			switch val {
			case "video":
				info.HasVideo = true
			case "audio":
				info.HasAudio = true
			}
		case "duration":
			if secs, err := strconv.ParseFloat(val, 64); err == nil && secs > 0 {
				info.Duration = time.Duration(secs * float64(time.Second))
			}
		}
	}
	return info
}
