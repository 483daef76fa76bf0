package encoder

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

var (
	// ErrEncoderFailed is returned when the encoder could not start or exited non-zero.
	ErrEncoderFailed = errors.New("encoder failed")

	// ErrCancelled is returned when the context ends before the encoder exits.
	// The process is killed before Run returns.
	ErrCancelled = errors.New("encode cancelled")
)

// DefaultGlobalArgs precede every job's arguments: overwrite stray outputs and
// report machine-readable progress on stdout.
var DefaultGlobalArgs = []string{"-hide_banner", "-nostats", "-y", "-progress", "pipe:1"}

const (
	defaultWaitDelay = 5 * time.Second
	stderrTailLines  = 12
	maxLineBytes     = 1 << 20
)

// Progress is a snapshot of encoder progress. Total and Percent are zero when
// the source duration is unknown.
type Progress struct {
	Processed time.Duration
	Total     time.Duration
	Percent   float64
}

// Result describes a finished encode.
type Result struct {
	Elapsed time.Duration // wall-clock encode time
	Encoded time.Duration // media time written, from the last progress report
}

// Executor runs the external encoder binary.
type Executor struct {
	Path       string
	GlobalArgs []string
	// WaitDelay bounds how long Run waits for output pipes after the process
	// is killed. Zero means five seconds.
	WaitDelay time.Duration
}

// NewExecutor locates the encoder binary and returns an Executor using
// DefaultGlobalArgs.
func NewExecutor(path string) (*Executor, error) {
	resolved, err := exec.LookPath(path)
	if err != nil {
		return nil, fmt.Errorf("encoder binary %q not found: %w", path, err)
	}
	return &Executor{Path: resolved, GlobalArgs: DefaultGlobalArgs}, nil
}

// Run starts the encoder with args and blocks until it exits. Progress, stdout
// and stderr lines are delivered to sink as they arrive; sink may be nil.
// total is the source duration used for percentages.
func (e *Executor) Run(ctx context.Context, args []string, total time.Duration, sink Sink) (Result, error) {
	if sink == nil {
		sink = Discard
	}
	if err := ctx.Err(); err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrCancelled, err)
	}

	full := make([]string, 0, len(e.GlobalArgs)+len(args))
	full = append(full, e.GlobalArgs...)
	full = append(full, args...)

	cmd := exec.CommandContext(ctx, e.Path, full...)
	cmd.WaitDelay = e.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = defaultWaitDelay
	}

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	cmd.Stdout = outW
	cmd.Stderr = errW

	tail := &lineTail{max: stderrTailLines}
	pr := &progressReader{total: total, sink: sink}

	var g errgroup.Group
	g.Go(func() error {
		drainLines(outR, pr.line)
		return nil
	})
	g.Go(func() error {
		drainLines(errR, func(line string) {
			tail.add(line)
			sink.Stderr(line)
		})
		return nil
	})

	start := time.Now()
	runErr := cmd.Start()
	if runErr == nil {
		runErr = cmd.Wait()
	}
	elapsed := time.Since(start)
	outW.Close()
	errW.Close()
	_ = g.Wait()

	res := Result{Elapsed: elapsed, Encoded: pr.processed}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, fmt.Errorf("%w: %w", ErrCancelled, ctxErr)
	}
	if runErr != nil {
		if msg := tail.String(); msg != "" {
			return res, fmt.Errorf("%w: %v: %s", ErrEncoderFailed, runErr, msg)
		}
		return res, fmt.Errorf("%w: %v", ErrEncoderFailed, runErr)
	}
	return res, nil
}

// drainLines calls fn for every line of r and keeps reading to EOF even if a
// line exceeds the scanner buffer, so the writer never blocks.
func drainLines(r io.Reader, fn func(string)) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for sc.Scan() {
		fn(strings.TrimRight(sc.Text(), "\r"))
	}
	if sc.Err() != nil {
		_, _ = io.Copy(io.Discard, r)
	}
}

// progressReader interprets "-progress" key=value output. Each block ends with
// a "progress=" line, at which point one Progress is reported.
type progressReader struct {
	total     time.Duration
	sink      Sink
	processed time.Duration
}

func (p *progressReader) line(line string) {
	p.sink.Stdout(line)
	key, val, ok := strings.Cut(line, "=")
	if !ok {
		return
	}
	switch key {
	case "out_time_us", "out_time_ms":
		// both keys carry microseconds
		if us, err := strconv.ParseInt(val, 10, 64); err == nil && us >= 0 {
			p.processed = time.Duration(us) * time.Microsecond
		}
	case "progress":
		p.sink.Progress(newProgress(p.processed, p.total))
	}
}

func newProgress(processed, total time.Duration) Progress {
	pg := Progress{Processed: processed, Total: total}
	if total > 0 {
		pg.Percent = float64(processed) / float64(total) * 100
		if pg.Percent > 100 {
			pg.Percent = 100
		}
	}
	return pg
}

// lineTail keeps the last max lines written to it.
type lineTail struct {
	max   int
	lines []string
}

func (t *lineTail) add(line string) {
	if strings.TrimSpace(line) == "" {
		return
	}
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

func (t *lineTail) String() string {
	return strings.Join(t.lines, "\n")
}
