package stream

import (
	"strings"
	"time"
)

// Name identifies a packaged stream. It maps to exactly one directory under
// the output root.
type Name string

// ParseName derives a Name from a user-supplied label. Only the part before
// the first "." is significant, so "demo.mp4" and "demo.m3u8" both name
// "demo". Labels that are empty after that, or that contain a path separator
// or "%", are rejected with ErrInvalidInput. The encoder expands "%" in its
// output paths, so such a name would not map to a single directory.
func ParseName(label string) (Name, error) {
	base, _, _ := strings.Cut(strings.TrimSpace(label), ".")
	if err := checkName(base); err != nil {
		return "", invalidf("invalid stream name %q", label)
	}
	return Name(base), nil
}

func checkName(s string) error {
	if s == "" || strings.ContainsAny(s, `/\%`) || strings.ContainsRune(s, 0) {
		return invalidf("invalid stream name %q", s)
	}
	return nil
}

// Phase is the lifecycle stage of an in-flight creation.
type Phase string

const (
	PhaseStaging   Phase = "staging"
	PhaseProbing   Phase = "probing"
	PhaseQueued    Phase = "queued"
	PhaseEncoding  Phase = "encoding"
	PhaseRewriting Phase = "rewriting"
)

// Job is the in-memory state of one creation request.
type Job struct {
	ID        string    `json:"id"`
	Stream    Name      `json:"stream"`
	Phase     Phase     `json:"phase"`
	Percent   float64   `json:"percent"`
	HasAudio  bool      `json:"has_audio"`
	StartedAt time.Time `json:"started_at"`
}

// CreateResult is returned by a successful creation.
type CreateResult struct {
	Stream     Name          `json:"stream"`
	JobID      string        `json:"job_id"`
	Duration   time.Duration `json:"-"`
	Encoded    time.Duration `json:"-"`
	HasAudio   bool          `json:"has_audio"`
	Renditions int           `json:"renditions"`
}
