package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/WessleyAI/rag-vault/engine/catalog"
	"github.com/WessleyAI/rag-vault/engine/embed"
	"github.com/WessleyAI/rag-vault/engine/generate"
	"github.com/WessleyAI/rag-vault/engine/ingest"
	"github.com/WessleyAI/rag-vault/engine/parser"
	"github.com/WessleyAI/rag-vault/engine/rag"
	"github.com/WessleyAI/rag-vault/pkg/fn"
	"github.com/WessleyAI/rag-vault/pkg/metrics"
	"github.com/WessleyAI/rag-vault/pkg/mid"
	"github.com/WessleyAI/rag-vault/pkg/resilience"
)

// enqueueFunc hands a spooled upload to a background worker.
type enqueueFunc func(context.Context, ingest.Request) error

type server struct {
	catalog  *catalog.Catalog
	ingest   *ingest.Service
	rag      *rag.Service
	embedder embed.Provider
	primary  generate.Provider
	enqueue  enqueueFunc // nil ingests inside the request
	metrics  *metrics.Registry
	limiter  *resilience.Keyed
	log      *slog.Logger

	uploadDir    string
	maxUpload    int64
	corsOrigin   string
	readyTimeout time.Duration
	pongWait     time.Duration // zero uses the websocket default
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /collections", s.handleListCollections)
	mux.HandleFunc("POST /collections", s.handleCreateCollection)
	mux.HandleFunc("GET /collections/{id}/documents", s.handleListDocuments)
	mux.HandleFunc("GET /collections/{id}/history", s.handleHistory)
	mux.HandleFunc("GET /documents/{id}", s.handleGetDocument)
	mux.Handle("POST /ingest", mid.RateLimit(s.limiter, mid.ClientIP)(http.HandlerFunc(s.handleIngest)))
	mux.HandleFunc("GET /ws/chat/{id}", s.handleChat)
	mux.Handle("GET /metrics", s.metrics.Handler())

	return mid.Chain(mux,
		mid.Recover(s.log),
		mid.RequestID(),
		mid.Logger(s.log),
		mid.OTel("vault"),
		mid.CORS(s.corsOrigin),
	)
}

// --- Handlers ---

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "online", "version": version})
}

type probe struct {
	OK        bool   `json:"ok"`
	Name      string `json:"name"`
	Dims      int    `json:"dims,omitempty"`
	LatencyMS int64  `json:"latency_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

// handleReady embeds a probe string and asks the primary provider for a
// one-word reply, concurrently.
func (s *server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.readyTimeout)
	defer cancel()

	probes := fn.FanOut(
		func() probe {
			p := probe{Name: "embedder"}
			dims, err := embed.Warm(ctx, s.embedder)
			p.OK, p.Dims = err == nil, dims
			if err != nil {
				p.Error = err.Error()
			}
			return p
		},
		func() probe {
			p := probe{Name: s.primary.Name()}
			d, err := generate.Ping(ctx, s.primary)
			p.OK, p.LatencyMS = err == nil, d.Milliseconds()
			if err != nil {
				p.Error = err.Error()
			}
			return p
		},
	)

	status, code := "ready", http.StatusOK
	for _, p := range probes {
		if !p.OK {
			status, code = "degraded", http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, map[string]any{"status": status, "embedder": probes[0], "provider": probes[1]})
}

func (s *server) handleListCollections(w http.ResponseWriter, r *http.Request) {
	cols, err := s.catalog.ListCollections(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cols)
}

func (s *server) handleCreateCollection(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	col, err := s.catalog.CreateCollection(r.Context(), body.Name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, col)
}

func (s *server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.catalog.GetCollection(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	docs, err := s.catalog.ListDocuments(r.Context(), id)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, docs)
}

func (s *server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.catalog.GetCollection(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	msgs, err := s.catalog.History(r.Context(), id, 0)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.catalog.GetDocument(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

// IngestResponse is the body of POST /ingest.
type IngestResponse struct {
	Document catalog.Document `json:"document"`
	Report   *ingest.Report   `json:"report,omitempty"`
	Queued   bool             `json:"queued,omitempty"`
}

// handleIngest accepts a multipart upload with fields collection_id and
// file. The file is spooled to the upload directory and registered as a
// pending document before it is indexed.
func (s *server) handleIngest(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	file, hdr, err := r.FormFile("file")
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "missing file")
		return
	}
	defer file.Close()

	colID := r.FormValue("collection_id")
	if colID == "" {
		writeError(w, http.StatusBadRequest, "collection_id is required")
		return
	}
	filename := filepath.Base(hdr.Filename)
	if _, err := parser.KindFor(filename); err != nil {
		writeError(w, http.StatusUnsupportedMediaType, err.Error())
		return
	}

	ctx := r.Context()
	doc, err := s.catalog.RegisterDocument(ctx, colID, filename, parser.FileType(filename))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	path, err := s.spool(doc.ID, filename, file)
	if err != nil {
		s.log.Error("spool upload failed", "doc_id", doc.ID, "err", err)
		_ = s.catalog.MarkFailed(ctx, doc.ID, err)
		writeError(w, http.StatusInternalServerError, "could not store upload")
		return
	}
	req := ingest.Request{CollectionID: colID, DocumentID: doc.ID, Filename: filename, Path: path}

	if s.enqueue != nil {
		if err := s.enqueue(ctx, req); err != nil {
			s.log.Error("enqueue failed", "doc_id", doc.ID, "err", err)
			_ = s.catalog.MarkFailed(ctx, doc.ID, err)
			writeError(w, http.StatusServiceUnavailable, "ingestion queue unavailable")
			return
		}
		writeJSON(w, http.StatusAccepted, IngestResponse{Document: doc, Queued: true})
		return
	}

	// A client that hangs up must not leave the document half indexed.
	ictx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ingest.JobTimeout)
	defer cancel()
	rep, ierr := s.ingest.Ingest(ictx, req)
	if latest, err := s.catalog.GetDocument(ictx, doc.ID); err == nil {
		doc = latest
	}
	if ierr != nil {
		code := http.StatusBadGateway
		if !ingest.Retryable(ierr) {
			code = http.StatusUnprocessableEntity
		}
		writeJSON(w, code, map[string]any{"error": ierr.Error(), "document": doc})
		return
	}
	writeJSON(w, http.StatusOK, IngestResponse{Document: doc, Report: &rep})
}

func (s *server) spool(docID, filename string, src io.Reader) (string, error) {
	if err := os.MkdirAll(s.uploadDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(s.uploadDir, docID+strings.ToLower(filepath.Ext(filename)))
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		os.Remove(path)
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return path, nil
	}
	return abs, nil
}

// fail maps catalog errors to status codes.
func (s *server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, catalog.ErrEmptyName):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.log.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
