package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"hls-packager/internal/encoder"
)

func newTestRouter(env *testEnv, opts HandlerOptions) *chi.Mux {
	h := NewHandler(env.svc, testLogger(), nil, opts)
	r := chi.NewRouter()
	h.Routes(r)
	return r
}

func uploadRequest(t *testing.T, target, field, filename, content string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if field != "" {
		fw, err := mw.CreateFormFile(field, filename)
		if err != nil {
			t.Fatal(err)
		}
		_, _ = fw.Write([]byte(content))
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest(http.MethodPost, target, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func do(r http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func get(r http.Handler, target string) *httptest.ResponseRecorder {
	return do(r, httptest.NewRequest(http.MethodGet, target, nil))
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) (msg, code string) {
	t.Helper()
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	return body["error"], body["code"]
}

func TestHandler_Create_roundTrip(t *testing.T) {
	env := newTestEnv(t, true)
	r := newTestRouter(env, HandlerOptions{})

	rec := do(r, uploadRequest(t, "/create", "file", "demo.mp4", "video-bytes"))
	if rec.Code != http.StatusOK {
		t.Fatalf("create: got %d %s", rec.Code, rec.Body.String())
	}
	var created struct {
		Stream          string  `json:"stream"`
		JobID           string  `json:"job_id"`
		HasAudio        bool    `json:"has_audio"`
		Renditions      int     `json:"renditions"`
		Duration        string  `json:"duration"`
		DurationSeconds float64 `json:"duration_seconds"`
		EncodedSeconds  float64 `json:"encoded_seconds"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&created); err != nil {
		t.Fatal(err)
	}
	if created.Stream != "demo" || created.Renditions != 3 || !created.HasAudio || created.JobID == "" {
		t.Errorf("create body: %+v", created)
	}
	if created.Duration != "3s" || created.DurationSeconds != 3 || created.EncodedSeconds != 6 {
		t.Errorf("create durations: %+v", created)
	}

	masterURL := mustParseURL(t, "/stream/demo/")
	master := get(r, masterURL.String())
	if master.Code != http.StatusOK {
		t.Fatalf("master: got %d", master.Code)
	}
	if ct := master.Header().Get("Content-Type"); ct != playlistContentType {
		t.Errorf("master content type %q", ct)
	}
	variants := playlistURIs(master.Body.String())
	if len(variants) != 3 {
		t.Fatalf("master lists %d variants, want 3:\n%s", len(variants), master.Body.String())
	}

	for i, uri := range variants {
		rendURL := masterURL.ResolveReference(mustParseURL(t, uri))
		rend := get(r, rendURL.String())
		if rend.Code != http.StatusOK {
			t.Fatalf("rendition %s: got %d", rendURL, rend.Code)
		}
		prefix := encoder.RenditionName(i) + "/"
		for _, line := range playlistURIs(rend.Body.String()) {
			if !strings.HasPrefix(line, prefix) {
				t.Errorf("rendition %s: segment line %q lacks prefix %q", uri, line, prefix)
			}
			segURL := rendURL.ResolveReference(mustParseURL(t, line))
			seg := get(r, segURL.String())
			if seg.Code != http.StatusOK {
				t.Errorf("segment %s: got %d", segURL, seg.Code)
			}
			if ct := seg.Header().Get("Content-Type"); ct != segmentContentType {
				t.Errorf("segment content type %q", ct)
			}
		}
	}

	byName := get(r, "/stream/demo/master.m3u8")
	if byName.Code != http.StatusOK || byName.Body.String() != master.Body.String() {
		t.Errorf("master by file name: got %d", byName.Code)
	}
}

// playlistURIs returns the non-tag lines of a playlist.
func playlistURIs(body string) []string {
	var uris []string
	for _, line := range strings.Split(body, "\n") {
		if line != "" && !strings.HasPrefix(line, "#") {
			uris = append(uris, line)
		}
	}
	return uris
}

func mustParseURL(t *testing.T, raw string) *url.URL {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	return u
}

func TestHandler_Create_nameFromQuery(t *testing.T) {
	env := newTestEnv(t, false)
	r := newTestRouter(env, HandlerOptions{})

	rec := do(r, uploadRequest(t, "/create?name=custom.m3u8", "file", "upload.mp4", "video"))
	if rec.Code != http.StatusOK {
		t.Fatalf("create: got %d %s", rec.Code, rec.Body.String())
	}
	if rec := get(r, "/stream/custom"); rec.Code != http.StatusOK {
		t.Errorf("custom stream: got %d", rec.Code)
	}
	if rec := get(r, "/stream/upload"); rec.Code != http.StatusNotFound {
		t.Errorf("file name should not be used: got %d", rec.Code)
	}
}

func TestHandler_Create_conflict(t *testing.T) {
	env := newTestEnv(t, true)
	r := newTestRouter(env, HandlerOptions{})

	if rec := do(r, uploadRequest(t, "/create", "file", "demo.mp4", "a")); rec.Code != http.StatusOK {
		t.Fatalf("first create: got %d", rec.Code)
	}
	before := get(r, "/stream/demo/stream_0.m3u8").Body.String()

	rec := do(r, uploadRequest(t, "/create", "file", "demo.mov", "b"))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("second create: got %d, want 400", rec.Code)
	}
	if _, code := decodeError(t, rec); code != "conflict" {
		t.Errorf("error code %q, want conflict", code)
	}
	if after := get(r, "/stream/demo/stream_0.m3u8").Body.String(); after != before {
		t.Error("existing rendition changed by a conflicting create")
	}
}

func TestHandler_Create_badRequests(t *testing.T) {
	env := newTestEnv(t, true)
	r := newTestRouter(env, HandlerOptions{MaxUploadBytes: 1024})

	tests := []struct {
		name string
		req  *http.Request
	}{
		{"missing_file_part", uploadRequest(t, "/create", "", "", "")},
		{"invalid_name", uploadRequest(t, "/create", "file", ".mp4", "video")},
		{"traversal_name", uploadRequest(t, "/create?name=..%2Fescape", "file", "x.mp4", "video")},
		{"format_directive_name", uploadRequest(t, "/create", "file", "clip%v.mp4", "video")},
		{"empty_file", uploadRequest(t, "/create", "file", "empty.mp4", "")},
		{"too_large", uploadRequest(t, "/create", "file", "big.mp4", strings.Repeat("x", 4096))},
		{"local_path_disabled", httptest.NewRequest(http.MethodPost, "/create?path=/tmp/x.mp4", nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(r, tt.req)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("got %d, want 400: %s", rec.Code, rec.Body.String())
			}
		})
	}
	if env.enc.callCount() != 0 {
		t.Error("encoder ran for a rejected request")
	}
	if left := scratchEntries(t, env.scratch); len(left) != 0 {
		t.Errorf("scratch not empty: %v", left)
	}
}

func TestHandler_Create_localPath(t *testing.T) {
	env := newTestEnv(t, true)
	r := newTestRouter(env, HandlerOptions{AllowLocalSource: true})

	src := filepath.Join(t.TempDir(), "lecture.mp4")
	if err := os.WriteFile(src, []byte("video"), 0o644); err != nil {
		t.Fatal(err)
	}

	form := url.Values{"path": {src}}
	req := httptest.NewRequest(http.MethodPost, "/create", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := do(r, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("create: got %d %s", rec.Code, rec.Body.String())
	}
	if rec := get(r, "/stream/lecture"); rec.Code != http.StatusOK {
		t.Errorf("lecture: got %d", rec.Code)
	}
	if _, err := os.Stat(src); err != nil {
		t.Errorf("local source should not be consumed: %v", err)
	}

	missing := url.Values{"path": {filepath.Join(t.TempDir(), "nope.mp4")}}
	req = httptest.NewRequest(http.MethodPost, "/create?"+missing.Encode(), nil)
	if rec := do(r, req); rec.Code != http.StatusBadRequest {
		t.Errorf("missing source: got %d, want 400", rec.Code)
	}
	req = httptest.NewRequest(http.MethodPost, "/create?path=relative.mp4", nil)
	if rec := do(r, req); rec.Code != http.StatusBadRequest {
		t.Errorf("relative source: got %d, want 400", rec.Code)
	}
}

func TestHandler_Create_cancelled(t *testing.T) {
	enc := &fakeEncoder{block: true, started: make(chan struct{})}
	env := newTestEnvWith(t, enc, fakeProber{info: encoder.SourceInfo{HasVideo: true, HasAudio: true}}, Config{})
	r := newTestRouter(env, HandlerOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	req := uploadRequest(t, "/create", "file", "demo.mp4", "video").WithContext(ctx)
	rec := httptest.NewRecorder()
	done := make(chan struct{})
	go func() {
		r.ServeHTTP(rec, req)
		close(done)
	}()

	<-enc.started
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handler did not return after cancellation")
	}

	if rec.Code != StatusClientClosedRequest {
		t.Errorf("got %d, want %d", rec.Code, StatusClientClosedRequest)
	}
	if _, err := os.Stat(filepath.Join(env.root, "demo")); !os.IsNotExist(err) {
		t.Errorf("stream dir left behind: %v", err)
	}
	if left := scratchEntries(t, env.scratch); len(left) != 0 {
		t.Errorf("scratch not empty: %v", left)
	}
}

func TestHandler_Create_encoderFailure(t *testing.T) {
	enc := &fakeEncoder{fail: encoder.ErrEncoderFailed}
	env := newTestEnvWith(t, enc, fakeProber{info: encoder.SourceInfo{HasVideo: true}}, Config{})
	r := newTestRouter(env, HandlerOptions{})

	rec := do(r, uploadRequest(t, "/create", "file", "demo.mp4", "video"))
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("got %d, want 502", rec.Code)
	}
	msg, code := decodeError(t, rec)
	if code != "encoder_failure" || strings.Contains(msg, env.root) {
		t.Errorf("error body leaks details: %q (%s)", msg, code)
	}
}

func TestHandler_serving(t *testing.T) {
	env := newTestEnv(t, true)
	readyStream(t, env.root, "demo")
	r := newTestRouter(env, HandlerOptions{})

	tests := []struct {
		name   string
		target string
		status int
		ctype  string
		body   string
	}{
		{"master", "/stream/demo", http.StatusOK, playlistContentType, "#EXTM3U\n"},
		{"master_trailing_slash", "/stream/demo/", http.StatusOK, playlistContentType, "#EXTM3U\n"},
		{"master_by_file", "/stream/demo/master.m3u8", http.StatusOK, playlistContentType, "#EXTM3U\n"},
		{"master_label_ext", "/stream/demo.m3u8", http.StatusOK, playlistContentType, "#EXTM3U\n"},
		{"rendition_bare", "/stream/demo/stream_0", http.StatusOK, playlistContentType, "#EXTM3U\n"},
		{"rendition_file", "/stream/demo/stream_0.m3u8", http.StatusOK, playlistContentType, "#EXTM3U\n"},
		{"segment", "/stream/demo/stream_0/data00.ts", http.StatusOK, segmentContentType, "ts0"},
		{"flat_segment", "/demo/data00.ts", http.StatusOK, segmentContentType, "flat"},
		{"missing_stream", "/stream/nope", http.StatusNotFound, "", ""},
		{"missing_rendition", "/stream/demo/stream_9", http.StatusNotFound, "", ""},
		{"missing_segment", "/stream/demo/stream_0/data99.ts", http.StatusNotFound, "", ""},
		{"not_a_manifest", "/stream/demo/stream_0.ts", http.StatusBadRequest, "", ""},
		{"not_a_segment", "/stream/demo/stream_0/data00.m3u8", http.StatusBadRequest, "", ""},
		{"hidden_marker", "/stream/demo/.ready", http.StatusBadRequest, "", ""},
		{"dotdot_stream", "/stream/../demo", http.StatusBadRequest, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := get(r, tt.target)
			if rec.Code != tt.status {
				t.Fatalf("got %d, want %d: %s", rec.Code, tt.status, rec.Body.String())
			}
			if tt.ctype != "" {
				if ct := rec.Header().Get("Content-Type"); ct != tt.ctype {
					t.Errorf("content type %q, want %q", ct, tt.ctype)
				}
			}
			if tt.body != "" && rec.Body.String() != tt.body {
				t.Errorf("body %q, want %q", rec.Body.String(), tt.body)
			}
		})
	}
}

func TestHandler_serving_encodedTraversal(t *testing.T) {
	env := newTestEnv(t, true)
	readyStream(t, env.root, "demo")
	secret := filepath.Join(filepath.Dir(env.root), "secret.ts")
	if err := os.WriteFile(secret, []byte("secret"), 0o644); err != nil {
		t.Fatal(err)
	}
	r := newTestRouter(env, HandlerOptions{})

	for _, target := range []string{
		"/stream/demo/..%2F..%2Fsecret.ts",
		"/stream/demo/stream_0/..%2F..%2F..%2Fsecret.ts",
		"/stream/%2E%2E/secret.ts",
		"/demo/..%2F..%2Fsecret.ts",
		"/stream/demo/stream_0/%00.ts",
	} {
		rec := get(r, target)
		if rec.Code == http.StatusOK || strings.Contains(rec.Body.String(), "secret") {
			t.Errorf("%s: got %d %q", target, rec.Code, rec.Body.String())
		}
	}
}

func TestHandler_serving_unreadyStream(t *testing.T) {
	env := newTestEnv(t, true)
	if err := writeTestFile(filepath.Join(env.root, "partial", "master.m3u8"), "#EXTM3U\n"); err != nil {
		t.Fatal(err)
	}
	r := newTestRouter(env, HandlerOptions{})

	if rec := get(r, "/stream/partial"); rec.Code != http.StatusNotFound {
		t.Errorf("unready stream: got %d, want 404", rec.Code)
	}
}

func TestHandler_serving_range(t *testing.T) {
	env := newTestEnv(t, true)
	readyStream(t, env.root, "demo")
	r := newTestRouter(env, HandlerOptions{})

	req := httptest.NewRequest(http.MethodGet, "/stream/demo/stream_0/data00.ts", nil)
	req.Header.Set("Range", "bytes=1-2")
	rec := do(r, req)
	if rec.Code != http.StatusPartialContent {
		t.Fatalf("got %d, want 206", rec.Code)
	}
	if rec.Body.String() != "s0" {
		t.Errorf("range body %q, want %q", rec.Body.String(), "s0")
	}
	if cr := rec.Header().Get("Content-Range"); cr != "bytes 1-2/3" {
		t.Errorf("Content-Range %q", cr)
	}
}

func TestHandler_ListJobs(t *testing.T) {
	env := newTestEnv(t, true)
	r := newTestRouter(env, HandlerOptions{})
	if _, err := env.svc.Jobs().Begin(Name("busy"), "j1"); err != nil {
		t.Fatal(err)
	}

	rec := get(r, "/jobs")
	if rec.Code != http.StatusOK {
		t.Fatalf("got %d", rec.Code)
	}
	var body struct {
		Jobs []Job `json:"jobs"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if len(body.Jobs) != 1 || body.Jobs[0].Stream != "busy" || body.Jobs[0].Phase != PhaseStaging {
		t.Errorf("jobs: %+v", body.Jobs)
	}

	// an in-flight creation blocks the same name
	rec = do(r, uploadRequest(t, "/create", "file", "busy.mp4", "video"))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("create of busy name: got %d, want 400", rec.Code)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{invalidf("x"), http.StatusBadRequest, "invalid_input"},
		{ErrConflict, http.StatusBadRequest, "conflict"},
		{notFoundf("x"), http.StatusNotFound, "not_found"},
		{ErrCancelled, StatusClientClosedRequest, "cancelled"},
		{ErrEncoderFailure, http.StatusBadGateway, "encoder_failure"},
		{ioFailure("op", os.ErrPermission), http.StatusInternalServerError, "io_failure"},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.status {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.status)
		}
		if got := errorCode(tt.err); got != tt.code {
			t.Errorf("errorCode(%v) = %q, want %q", tt.err, got, tt.code)
		}
	}
}
