package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/google/uuid"
)

var safeExt = regexp.MustCompile(`^\.[A-Za-z0-9]{1,10}$`)

// Stager copies sources into a scratch directory so the encoder always reads a
// stable local file.
type Stager struct {
	dir string
}

// NewStager uses dir, which is created if needed, for staged files.
func NewStager(dir string) (*Stager, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve scratch dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch dir: %w", err)
	}
	return &Stager{dir: abs}, nil
}

// Dir returns the scratch directory.
func (s *Stager) Dir() string { return s.dir }

// Staged is a scratch copy of a source. Release deletes it and is safe to call
// more than once.
type Staged struct {
	path string
	once sync.Once
	err  error
}

// Path returns the absolute path of the staged copy.
func (s *Staged) Path() string { return s.path }

// Release removes the staged file.
func (s *Staged) Release() error {
	s.once.Do(func() {
		if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.err = fmt.Errorf("remove staged file: %w", err)
		}
	})
	return s.err
}

// Stage copies src to a uniquely named file keeping filename's extension.
// The copy stops when ctx ends; on any error nothing is left behind.
func (s *Stager) Stage(ctx context.Context, src io.Reader, filename string) (*Staged, error) {
	ext := filepath.Ext(filename)
	if !safeExt.MatchString(ext) {
		ext = ""
	}
	p := filepath.Join(s.dir, uuid.NewString()+ext)

	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, ioFailure("create staged file", err)
	}
	staged := &Staged{path: p}

	n, err := io.Copy(f, &ctxReader{ctx: ctx, r: src})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n == 0 {
		err = invalidf("empty source")
	}
	if err != nil {
		_ = staged.Release()
		return nil, stageError(ctx, err)
	}
	return staged, nil
}

func stageError(ctx context.Context, err error) error {
	var tooLarge *http.MaxBytesError
	switch {
	case ctx.Err() != nil:
		return fmt.Errorf("%w: staging: %w", ErrCancelled, ctx.Err())
	case errors.As(err, &tooLarge):
		return invalidf("upload exceeds %d bytes", tooLarge.Limit)
	case errors.Is(err, ErrInvalidInput):
		return err
	default:
		return ioFailure("stage source", err)
	}
}

// ctxReader fails reads once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
