package stream

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"hls-packager/internal/encoder"
	"hls-packager/internal/platform/metrics"

	"github.com/go-chi/chi/v5"
)

const (
	playlistContentType = "application/vnd.apple.mpegurl"
	segmentContentType  = "video/mp2t"

	// StatusClientClosedRequest is reported when the client went away mid-creation.
	StatusClientClosedRequest = 499
)

// HandlerOptions configures the creation endpoint.
type HandlerOptions struct {
	// MaxUploadBytes caps the request body of POST /create; zero means no cap.
	MaxUploadBytes int64
	// AllowLocalSource permits creating from a server-local path.
	AllowLocalSource bool
}

// Handler exposes packaging and playback endpoints using go-chi.
type Handler struct {
	svc      *Service
	resolver *Resolver
	log      *slog.Logger
	metrics  *metrics.Metrics
	opts     HandlerOptions
}

// NewHandler returns a Handler that uses the given Service, Logger, and optional Metrics.
// Metrics may be nil to disable metric recording (e.g. in tests).
func NewHandler(svc *Service, log *slog.Logger, m *metrics.Metrics, opts HandlerOptions) *Handler {
	return &Handler{svc: svc, resolver: svc.Resolver(), log: log, metrics: m, opts: opts}
}

// Routes mounts every endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/create", h.Create)
	r.Get("/jobs", h.ListJobs)
	r.Route("/stream/{name}", func(r chi.Router) {
		r.Get("/", h.GetMaster)
		r.Get("/{rendition}", h.GetRendition)
		r.Get("/{rendition}/{segment}", h.GetSegment)
	})
	r.Get("/{name}/{segment}", h.GetFlatSegment)
}

// GetMaster handles GET /stream/{name}. Rendition URIs in the master are
// relative, so players should load /stream/{name}/ or
// /stream/{name}/master.m3u8; fetched without the trailing slash they resolve
// one level too high.
func (h *Handler) GetMaster(w http.ResponseWriter, r *http.Request) {
	p, err := h.resolver.ResolveManifest(chi.URLParam(r, "name"), "")
	h.serve(w, r, p, err, playlistContentType, metrics.KindMaster)
}

// GetRendition handles GET /stream/{name}/{rendition}. rendition may be a
// bare name ("stream_0") or a manifest file name ("stream_0.m3u8",
// "master.m3u8").
func (h *Handler) GetRendition(w http.ResponseWriter, r *http.Request) {
	rendition := chi.URLParam(r, "rendition")
	p, err := h.resolver.ResolveManifest(chi.URLParam(r, "name"), rendition)
	kind := metrics.KindRendition
	if filepath.Base(p) == encoder.MasterManifest {
		kind = metrics.KindMaster
	}
	h.serve(w, r, p, err, playlistContentType, kind)
}

// GetSegment handles GET /stream/{name}/{rendition}/{segment}.
func (h *Handler) GetSegment(w http.ResponseWriter, r *http.Request) {
	p, err := h.resolver.ResolveSegment(chi.URLParam(r, "name"), chi.URLParam(r, "rendition"), chi.URLParam(r, "segment"))
	h.serve(w, r, p, err, segmentContentType, metrics.KindSegment)
}

// GetFlatSegment handles GET /{name}/{segment} for segments stored directly
// in the stream directory.
func (h *Handler) GetFlatSegment(w http.ResponseWriter, r *http.Request) {
	p, err := h.resolver.ResolveFlatSegment(chi.URLParam(r, "name"), chi.URLParam(r, "segment"))
	h.serve(w, r, p, err, segmentContentType, metrics.KindSegment)
}

// serve writes the file at p, honouring Range and conditional headers.
func (h *Handler) serve(w http.ResponseWriter, r *http.Request, p string, err error, contentType, kind string) {
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	f, err := os.Open(p)
	if err != nil {
		h.writeError(w, r, notFoundf("%s", filepath.Base(p)))
		return
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		h.writeError(w, r, ioFailure("stat", err))
		return
	}

	w.Header().Set("Content-Type", contentType)
	http.ServeContent(w, r, fi.Name(), fi.ModTime(), f)
	if h.metrics != nil {
		h.metrics.IncServed(kind)
	}
}

// createResponse is the body of a successful POST /create.
type createResponse struct {
	CreateResult
	Duration        string  `json:"duration"`
	DurationSeconds float64 `json:"duration_seconds"`
	EncodedSeconds  float64 `json:"encoded_seconds"`
}

// Create handles POST /create.
//
// A multipart body carries the source in part "file"; the stream name comes
// from the "name" query parameter, a "name" part sent before the file, or the
// uploaded file name. With AllowLocalSource, a "path" form or query value
// names a server-local source instead.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	if h.opts.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxUploadBytes)
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	var (
		res CreateResult
		err error
	)
	if mediaType == "multipart/form-data" {
		res, err = h.createFromUpload(r)
	} else {
		res, err = h.createFromPath(r)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, createResponse{
		CreateResult:    res,
		Duration:        res.Duration.String(),
		DurationSeconds: res.Duration.Seconds(),
		EncodedSeconds:  res.Encoded.Seconds(),
	})
}

func (h *Handler) createFromUpload(r *http.Request) (CreateResult, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return CreateResult{}, invalidf("read multipart body: %v", err)
	}
	label := r.URL.Query().Get("name")
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return CreateResult{}, invalidf("missing file part")
		}
		if err != nil {
			return CreateResult{}, stageError(r.Context(), err)
		}
		switch part.FormName() {
		case "name":
			if label == "" {
				b, err := io.ReadAll(io.LimitReader(part, 1024))
				if err != nil {
					return CreateResult{}, stageError(r.Context(), err)
				}
				label = strings.TrimSpace(string(b))
			}
		case "file":
			filename := part.FileName()
			if label == "" {
				label = filename
			}
			name, err := ParseName(label)
			if err != nil {
				return CreateResult{}, err
			}
			return h.svc.Create(r.Context(), name, Source{
				Filename: filename,
				Open:     func() (io.ReadCloser, error) { return part, nil },
			})
		}
		part.Close()
	}
}

func (h *Handler) createFromPath(r *http.Request) (CreateResult, error) {
	if !h.opts.AllowLocalSource {
		return CreateResult{}, invalidf("multipart upload required")
	}
	if err := r.ParseForm(); err != nil {
		return CreateResult{}, invalidf("parse form: %v", err)
	}
	src := strings.TrimSpace(r.Form.Get("path"))
	if src == "" {
		return CreateResult{}, invalidf("missing source path")
	}
	if !filepath.IsAbs(src) {
		return CreateResult{}, invalidf("source path must be absolute")
	}
	label := r.Form.Get("name")
	if label == "" {
		label = filepath.Base(src)
	}
	name, err := ParseName(label)
	if err != nil {
		return CreateResult{}, err
	}
	return h.svc.Create(r.Context(), name, Source{
		Filename: src,
		Open: func() (io.ReadCloser, error) {
			f, err := os.Open(src)
			if errors.Is(err, os.ErrNotExist) {
				return nil, invalidf("source %q not found", src)
			}
			if err != nil {
				return nil, err
			}
			return f, nil
		},
	})
}

// ListJobs handles GET /jobs.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"jobs": h.svc.Jobs().Snapshot()})
}

// statusFor maps an error class to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrConflict):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrCancelled):
		return StatusClientClosedRequest
	case errors.Is(err, ErrEncoderFailure):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// errorCode is a stable machine-readable name for an error class.
func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrEncoderFailure):
		return "encoder_failure"
	default:
		return "io_failure"
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
	} else {
		h.log.Debug("request rejected", slog.String("path", r.URL.Path), slog.String("error", err.Error()))
	}
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		// internal paths stay in the log
		msg = errorCode(err)
	}
	writeJSON(w, status, map[string]string{"error": msg, "code": errorCode(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
