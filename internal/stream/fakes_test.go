package stream

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"hls-packager/internal/encoder"
)

// fakeEncoder writes the output tree the real encoder would produce for the
// given arguments: bare segment references in every rendition manifest.
type fakeEncoder struct {
	mu       sync.Mutex
	calls    [][]string
	segments int
	variants int // when > 0, overrides the number of variants written
	fail     error
	block    bool
	started  chan struct{}
	once     sync.Once
}

func (f *fakeEncoder) Run(ctx context.Context, args []string, total time.Duration, sink encoder.Sink) (encoder.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]string(nil), args...))
	f.mu.Unlock()
	if f.started != nil {
		f.once.Do(func() { close(f.started) })
	}
	if f.block {
		<-ctx.Done()
		return encoder.Result{}, fmt.Errorf("%w: %w", encoder.ErrCancelled, ctx.Err())
	}
	if f.fail != nil {
		return encoder.Result{}, f.fail
	}

	entries := strings.Fields(flagValue(args, "-var_stream_map"))
	if f.variants > 0 {
		entries = entries[:f.variants]
	}
	dir := filepath.Dir(args[len(args)-1])
	segs := f.segments
	if segs == 0 {
		segs = 3
	}

	var master strings.Builder
	master.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n")
	for i, e := range entries {
		codecs := "avc1.640028"
		if strings.Contains(e, "a:") {
			codecs += ",mp4a.40.2"
		}
		fmt.Fprintf(&master, "#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=640x360,CODECS=\"%s\"\nstream_%d.m3u8\n", (3-i)*1000000, codecs, i)

		var media strings.Builder
		media.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:2\n#EXT-X-MEDIA-SEQUENCE:0\n#EXT-X-PLAYLIST-TYPE:VOD\n#EXT-X-INDEPENDENT-SEGMENTS\n")
		for j := 0; j < segs; j++ {
			seg := fmt.Sprintf("data%02d.ts", j)
			fmt.Fprintf(&media, "#EXTINF:2.000000,\n%s\n", seg)
			if err := writeTestFile(filepath.Join(dir, fmt.Sprintf("stream_%d", i), seg), "segment-"+seg); err != nil {
				return encoder.Result{}, err
			}
		}
		media.WriteString("#EXT-X-ENDLIST\n")
		if err := writeTestFile(filepath.Join(dir, fmt.Sprintf("stream_%d.m3u8", i)), media.String()); err != nil {
			return encoder.Result{}, err
		}
	}
	if err := writeTestFile(filepath.Join(dir, "master.m3u8"), master.String()); err != nil {
		return encoder.Result{}, err
	}
	sink.Progress(encoder.Progress{Processed: total, Total: total, Percent: 100})
	return encoder.Result{Elapsed: 3 * time.Second, Encoded: time.Duration(segs) * 2 * time.Second}, nil
}

func (f *fakeEncoder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeEncoder) lastArgs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.calls) == 0 {
		return nil
	}
	return f.calls[len(f.calls)-1]
}

type fakeProber struct {
	info encoder.SourceInfo
	err  error
}

func (p fakeProber) Probe(ctx context.Context, path string) (encoder.SourceInfo, error) {
	if _, err := os.Stat(path); err != nil {
		return encoder.SourceInfo{}, err
	}
	return p.info, p.err
}

func flagValue(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

func writeTestFile(p, content string) error {
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p, []byte(content), 0o644)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testEnv struct {
	svc     *Service
	enc     *fakeEncoder
	root    string
	scratch string
}

func newTestEnv(t *testing.T, hasAudio bool) *testEnv {
	t.Helper()
	return newTestEnvWith(t, &fakeEncoder{}, fakeProber{info: encoder.SourceInfo{HasVideo: true, HasAudio: hasAudio, Duration: 6 * time.Second}}, Config{})
}

func newTestEnvWith(t *testing.T, enc *fakeEncoder, probe Prober, cfg Config) *testEnv {
	t.Helper()
	base := t.TempDir()
	resolver, err := NewResolver(filepath.Join(base, "out"))
	if err != nil {
		t.Fatal(err)
	}
	stager, err := NewStager(filepath.Join(base, "scratch"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Ladder.Len() == 0 {
		cfg.Ladder = encoder.DefaultLadder(nil, 2)
	}
	svc, err := NewService(cfg, resolver, stager, enc, probe, NewInMemoryRegistry(), testLogger(), nil)
	if err != nil {
		t.Fatal(err)
	}
	return &testEnv{svc: svc, enc: enc, root: resolver.Root(), scratch: stager.Dir()}
}

func stringSource(filename, content string) Source {
	return Source{
		Filename: filename,
		Open:     func() (io.ReadCloser, error) { return io.NopCloser(strings.NewReader(content)), nil },
	}
}

func scratchEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}
