package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/elfregistry/registry/internal/adapters/auth"
	"github.com/elfregistry/registry/internal/core/models"
	"github.com/elfregistry/registry/internal/core/services"
	"github.com/elfregistry/registry/internal/util/hashing"
	"github.com/elfregistry/registry/internal/util/logging"
)

// HeaderSHA256 carries the hex digest of a downloaded binary.
const HeaderSHA256 = "X-Artifact-Sha256"

// Registry is the subset of the registry service the HTTP layer drives.
type Registry interface {
	Upload(ctx context.Context, contract, programID string, metadata models.ProgramMetadata, data []byte) (models.ProgramEntry, error)
	Download(ctx context.Context, contract, programID string) ([]byte, bool, error)
	ListAll(ctx context.Context) map[string][]models.ProgramInfo
	ListContract(ctx context.Context, contract string) ([]models.ProgramInfo, bool)
	DeleteProgram(ctx context.Context, contract, programID string) (bool, error)
	DeleteContract(ctx context.Context, contract string) (bool, error)
}

// Options tunes the router.
type Options struct {
	MaxBodyBytes    int64
	CORSAllowOrigin string
	MetricsPath     string
	Metrics         http.Handler
}

// Handler holds all HTTP handlers and their dependencies.
type Handler struct {
	registry Registry
	auth     services.Authenticator
	logger   zerolog.Logger
	opts     Options
}

// New creates a new Handler with the given dependencies.
func New(registry Registry, authenticator services.Authenticator, logger zerolog.Logger, opts Options) *Handler {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 100 << 20
	}
	if opts.CORSAllowOrigin == "" {
		opts.CORSAllowOrigin = "*"
	}
	return &Handler{
		registry: registry,
		auth:     authenticator,
		logger:   logger,
		opts:     opts,
	}
}

// Router returns the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(h.requestIDMiddleware)
	r.Use(h.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: []string{h.opts.CORSAllowOrigin},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"X-Request-ID", HeaderSHA256},
	}).Handler)

	r.Get("/_health", h.Health)
	if h.opts.Metrics != nil && h.opts.MetricsPath != "" {
		r.Method(http.MethodGet, h.opts.MetricsPath, h.opts.Metrics)
	}

	r.Route("/api/elfs", func(r chi.Router) {
		r.Get("/", h.ListAll)
		r.Get("/{contract}", h.ListContract)
		r.Get("/{contract}/{program_id}", h.Download)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware)
			r.Post("/{contract}", h.Upload)
			r.Delete("/{contract}", h.DeleteContract)
			r.Delete("/{contract}/{program_id}", h.DeleteProgram)
		})
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	return r
}

// requestIDMiddleware adds a unique request ID to each request.
func (h *Handler) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		ctx := logging.WithRequestID(r.Context(), id)
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// loggingMiddleware logs each request.
func (h *Handler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logging.LogRequest(h.logger, r.Context(), r.Method, r.URL.Path, rw.status, rw.written, time.Since(start))
	})
}

// authMiddleware requires a valid API key on mutating routes.
func (h *Handler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := auth.FromRequest(r)
		if key == "" {
			writeError(w, http.StatusUnauthorized, "missing API key")
			return
		}
		if !h.auth.ValidateToken(key) {
			writeError(w, http.StatusUnauthorized, "invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

var contractName = regexp.MustCompile(`^[a-z0-9-]+$`)

// contractParam returns the validated {contract} path parameter, writing a
// 400 when it is not made of lowercase letters, digits and dashes.
func contractParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	contract := chi.URLParam(r, "contract")
	if !contractName.MatchString(contract) {
		writeError(w, http.StatusBadRequest, "invalid contract name")
		return "", false
	}
	return contract, true
}

// pathParam returns a decoded path parameter. chi matches on RawPath when the
// request carried escaped characters, leaving the parameter escaped.
func pathParam(r *http.Request, name string) string {
	v := chi.URLParam(r, name)
	if r.URL.RawPath != "" {
		if decoded, err := url.PathUnescape(v); err == nil {
			return decoded
		}
	}
	return v
}

// Health handles GET /_health
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, "OK")
}

// ListAll handles GET /api/elfs
func (h *Handler) ListAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.ListAll(r.Context()))
}

// ListContract handles GET /api/elfs/{contract}
func (h *Handler) ListContract(w http.ResponseWriter, r *http.Request) {
	contract, ok := contractParam(w, r)
	if !ok {
		return
	}
	programs, ok := h.registry.ListContract(r.Context(), contract)
	if !ok {
		writeError(w, http.StatusNotFound, "contract not found")
		return
	}
	writeJSON(w, http.StatusOK, programs)
}

// uploadMetadata mirrors ProgramMetadata but detects missing fields.
type uploadMetadata struct {
	Toolchain *string `json:"toolchain"`
	Commit    *string `json:"commit"`
	ZKVM      *string `json:"zkvm"`
}

func parseMetadata(raw []byte) (models.ProgramMetadata, error) {
	var m uploadMetadata
	if err := json.Unmarshal(raw, &m); err != nil {
		return models.ProgramMetadata{}, err
	}
	switch {
	case m.Toolchain == nil:
		return models.ProgramMetadata{}, errors.New("missing field toolchain")
	case m.Commit == nil:
		return models.ProgramMetadata{}, errors.New("missing field commit")
	case m.ZKVM == nil:
		return models.ProgramMetadata{}, errors.New("missing field zkvm")
	}
	return models.ProgramMetadata{Toolchain: *m.Toolchain, Commit: *m.Commit, ZKVM: *m.ZKVM}, nil
}

type uploadForm struct {
	programID *string
	metadata  *models.ProgramMetadata
	file      []byte
}

// readUploadForm walks the multipart parts. Unknown parts are skipped.
func readUploadForm(mr *multipart.Reader) (uploadForm, int, error) {
	var form uploadForm
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return form, 0, nil
		}
		if err != nil {
			return form, statusForBodyError(err), fmt.Errorf("reading multipart body: %w", err)
		}

		name := part.FormName()
		if name != "program_id" && name != "metadata" && name != "file" {
			part.Close()
			continue
		}
		data, err := io.ReadAll(part)
		part.Close()
		if err != nil {
			return form, statusForBodyError(err), fmt.Errorf("reading %s: %w", name, err)
		}

		switch name {
		case "program_id":
			id := string(data)
			form.programID = &id
		case "metadata":
			meta, err := parseMetadata(data)
			if err != nil {
				return form, http.StatusBadRequest, fmt.Errorf("invalid metadata: %w", err)
			}
			form.metadata = &meta
		case "file":
			if data == nil {
				data = []byte{}
			}
			form.file = data
		}
	}
}

func statusForBodyError(err error) int {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

// Upload handles POST /api/elfs/{contract}
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	contract, ok := contractParam(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxBodyBytes)
	mr, err := r.MultipartReader()
	if err != nil {
		writeError(w, http.StatusBadRequest, "expected a multipart/form-data body")
		return
	}
	form, status, err := readUploadForm(mr)
	if err != nil {
		writeError(w, status, err.Error())
		return
	}
	switch {
	case form.programID == nil || *form.programID == "":
		writeError(w, http.StatusBadRequest, "missing program_id")
		return
	case form.metadata == nil:
		writeError(w, http.StatusBadRequest, "missing metadata")
		return
	case form.file == nil:
		writeError(w, http.StatusBadRequest, "missing ELF file")
		return
	}

	entry, err := h.registry.Upload(r.Context(), contract, *form.programID, *form.metadata, form.file)
	if err != nil {
		h.logger.Error().
			Err(err).
			Str("request_id", logging.RequestID(r.Context())).
			Str("contract", contract).
			Str("program_id", *form.programID).
			Msg("uploading program")
		writeError(w, http.StatusInternalServerError, "failed to store program")
		return
	}

	h.logger.Info().
		Str("request_id", logging.RequestID(r.Context())).
		Str("contract", contract).
		Str("program_id", entry.ProgramID).
		Str("sha256", hashing.SumHex(form.file)).
		Uint64("size", entry.SizeBytes).
		Dur("upload_latency", time.Since(start)).
		Msg("program upload completed")

	writeJSON(w, http.StatusOK, models.UploadResponse{
		ProgramID:  entry.ProgramID,
		Contract:   entry.Contract,
		SizeBytes:  entry.SizeBytes,
		UploadedAt: entry.UploadedAt,
		Metadata:   entry.Metadata,
	})
}

// Download handles GET /api/elfs/{contract}/{program_id}
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	contract, ok := contractParam(w, r)
	if !ok {
		return
	}
	programID := pathParam(r, "program_id")

	data, ok, err := h.registry.Download(r.Context(), contract, programID)
	if err != nil {
		h.logger.Error().
			Err(err).
			Str("request_id", logging.RequestID(r.Context())).
			Str("contract", contract).
			Str("program_id", programID).
			Msg("downloading program")
		writeError(w, http.StatusInternalServerError, "failed to read program")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "ELF not found")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set(HeaderSHA256, hashing.SumHex(data))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		h.logger.Error().
			Err(err).
			Str("request_id", logging.RequestID(r.Context())).
			Str("contract", contract).
			Str("program_id", programID).
			Msg("streaming program response")
	}
}

// DeleteProgram handles DELETE /api/elfs/{contract}/{program_id}
func (h *Handler) DeleteProgram(w http.ResponseWriter, r *http.Request) {
	contract, ok := contractParam(w, r)
	if !ok {
		return
	}
	programID := pathParam(r, "program_id")

	deleted, err := h.registry.DeleteProgram(r.Context(), contract, programID)
	if err != nil {
		h.logger.Error().Err(err).Str("contract", contract).Str("program_id", programID).Msg("deleting program")
		writeError(w, http.StatusInternalServerError, "failed to delete program")
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "ELF not found")
		return
	}
	writeJSON(w, http.StatusOK, models.StatusResponse{Status: "deleted"})
}

// DeleteContract handles DELETE /api/elfs/{contract}
func (h *Handler) DeleteContract(w http.ResponseWriter, r *http.Request) {
	contract, ok := contractParam(w, r)
	if !ok {
		return
	}

	deleted, err := h.registry.DeleteContract(r.Context(), contract)
	if err != nil {
		h.logger.Error().Err(err).Str("contract", contract).Msg("deleting contract")
		writeError(w, http.StatusInternalServerError, "failed to delete contract")
		return
	}
	if !deleted {
		writeError(w, http.StatusNotFound, "contract not found")
		return
	}
	writeJSON(w, http.StatusOK, models.StatusResponse{Status: "deleted"})
}

// Helper functions

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, models.ErrorResponse{
		Error:   http.StatusText(status),
		Code:    status,
		Message: msg,
	})
}

// responseWriter wraps http.ResponseWriter to capture status and bytes written.
type responseWriter struct {
	http.ResponseWriter
	status  int
	written int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}
