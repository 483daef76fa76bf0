package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Load reads the .env file from the current working directory and sets
// environment variables. If .env does not exist, Load returns an error but
// callers can ignore it and use system env or defaults. Pass one or more paths
// to load from specific files (e.g. ".env"); with no paths, ".env" is used.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvInt64 is GetEnvInt for 64-bit values such as byte sizes.
func GetEnvInt64(key string, fallback int64) int64 {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvBool accepts the values strconv.ParseBool understands.
func GetEnvBool(key string, fallback bool) bool {
	if s := os.Getenv(key); s != "" {
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
	}
	return fallback
}

// GetEnvDuration accepts Go durations ("90s", "1h") and bare integers as seconds.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return fallback
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

// GetEnvList splits a comma-separated variable, dropping empty items.
func GetEnvList(key string, fallback []string) []string {
	s := os.Getenv(key)
	if s == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}

const defaultMaxUploadBytes = 100 << 20

// Settings is the server configuration, resolved once at startup.
type Settings struct {
	Port      string
	LogLevel  string
	LogFormat string

	OutputRoot string
	ScratchDir string

	FFmpegPath  string
	FFprobePath string

	SegmentDuration int
	AudioBitrates   []string
	AudioChannels   int

	MaxUploadBytes       int64
	EncodeTimeout        time.Duration
	MaxConcurrentEncodes int
	AllowLocalSource     bool
}

// FromEnv reads Settings from the environment. Directories are made absolute.
func FromEnv() (Settings, error) {
	s := Settings{
		Port:                 GetEnv("PORT", "8080"),
		LogLevel:             GetEnv("LOG_LEVEL", "info"),
		LogFormat:            GetEnv("LOG_FORMAT", "json"),
		OutputRoot:           GetEnv("OUTPUT_ROOT", "output"),
		ScratchDir:           GetEnv("SCRATCH_DIR", filepath.Join(os.TempDir(), "hls-packager")),
		FFmpegPath:           GetEnv("FFMPEG_PATH", "ffmpeg"),
		FFprobePath:          GetEnv("FFPROBE_PATH", "ffprobe"),
		SegmentDuration:      GetEnvInt("SEGMENT_DURATION", 2),
		AudioBitrates:        GetEnvList("AUDIO_BITRATES", nil),
		AudioChannels:        GetEnvInt("AUDIO_CHANNELS", 2),
		MaxUploadBytes:       GetEnvInt64("MAX_UPLOAD_BYTES", defaultMaxUploadBytes),
		EncodeTimeout:        GetEnvDuration("ENCODE_TIMEOUT", 0),
		MaxConcurrentEncodes: GetEnvInt("MAX_CONCURRENT_ENCODES", 2),
		AllowLocalSource:     GetEnvBool("ALLOW_LOCAL_SOURCE", false),
	}
	if err := s.validate(); err != nil {
		return Settings{}, err
	}

	var err error
	if s.OutputRoot, err = filepath.Abs(s.OutputRoot); err != nil {
		return Settings{}, fmt.Errorf("resolve OUTPUT_ROOT: %w", err)
	}
	if s.ScratchDir, err = filepath.Abs(s.ScratchDir); err != nil {
		return Settings{}, fmt.Errorf("resolve SCRATCH_DIR: %w", err)
	}
	if s.ScratchDir == s.OutputRoot {
		return Settings{}, errors.New("SCRATCH_DIR must differ from OUTPUT_ROOT")
	}
	return s, nil
}

func (s Settings) validate() error {
	var errs []error
	if s.SegmentDuration <= 0 {
		errs = append(errs, fmt.Errorf("SEGMENT_DURATION must be positive, got %d", s.SegmentDuration))
	}
	if s.AudioChannels <= 0 {
		errs = append(errs, fmt.Errorf("AUDIO_CHANNELS must be positive, got %d", s.AudioChannels))
	}
	if s.MaxUploadBytes < 0 {
		errs = append(errs, fmt.Errorf("MAX_UPLOAD_BYTES must not be negative, got %d", s.MaxUploadBytes))
	}
	if s.MaxConcurrentEncodes < 0 {
		errs = append(errs, fmt.Errorf("MAX_CONCURRENT_ENCODES must not be negative, got %d", s.MaxConcurrentEncodes))
	}
	if s.EncodeTimeout < 0 {
		errs = append(errs, fmt.Errorf("ENCODE_TIMEOUT must not be negative, got %s", s.EncodeTimeout))
	}
	return errors.Join(errs...)
}
