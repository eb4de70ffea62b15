package pipeline

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/zombor/invoice-ingest/internal/canonical"
	"github.com/zombor/invoice-ingest/internal/document"
)

// corsError writes an error response with CORS headers set
func corsError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	http.Error(w, message, code)
}

// jsonError writes a JSON error body
func jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

// detectContentType falls back to the file extension when the part has no type
func detectContentType(header *multipart.FileHeader) string {
	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		switch strings.ToLower(filepath.Ext(header.Filename)) {
		case ".jpg", ".jpeg":
			contentType = "image/jpeg"
		case ".png":
			contentType = "image/png"
		case ".pdf":
			contentType = "application/pdf"
		case ".heic":
			contentType = "image/heic"
		case ".heif":
			contentType = "image/heif"
		default:
			contentType = "application/octet-stream"
		}
	}
	return strings.ToLower(strings.TrimSpace(contentType))
}

func readUpload(header *multipart.FileHeader) (Upload, error) {
	f, err := header.Open()
	if err != nil {
		return Upload{}, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return Upload{}, err
	}
	return Upload{Name: header.Filename, ContentType: detectContentType(header), Data: data}, nil
}

// handleUpload accepts one or more files under the "file" field. Several
// files in one request are processed as one batch.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(s.maxUpload); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			jsonError(w, "File is too large. Maximum size is 50MB.", http.StatusRequestEntityTooLarge)
			return
		}
		slog.Error("Error parsing multipart form", "error", err)
		jsonError(w, "Error parsing form", http.StatusBadRequest)
		return
	}

	headers := r.MultipartForm.File["file"]
	if len(headers) == 0 {
		jsonError(w, "No file was selected. Please choose a file to upload.", http.StatusBadRequest)
		return
	}

	uploads := make([]Upload, 0, len(headers))
	for _, h := range headers {
		if h.Size > s.maxUpload {
			jsonError(w, "File is too large. Maximum size is 50MB.", http.StatusRequestEntityTooLarge)
			return
		}
		up, err := readUpload(h)
		if err != nil {
			slog.Error("Error reading file data", "error", err, "filename", h.Filename)
			jsonError(w, "Error reading file. Please try again.", http.StatusInternalServerError)
			return
		}
		uploads = append(uploads, up)
	}

	if len(uploads) > 1 {
		jobs, err := s.service.SubmitBatch(r.Context(), uploads)
		if err != nil {
			slog.Error("Error submitting batch", "files", len(uploads), "error", err)
			jsonError(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusAccepted, jobs)
		return
	}

	job, err := s.service.Submit(r.Context(), uploads[0])
	switch {
	case errors.Is(err, ErrStructural):
		writeJSON(w, http.StatusUnprocessableEntity, job)
	case err != nil:
		slog.Error("Error submitting file", "filename", uploads[0].Name, "error", err)
		jsonError(w, "Internal server error", http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusAccepted, job)
	}
}

// handleGetFile returns the status and pages of a file
func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	file, err := s.service.GetFile(r.PathValue("id"))
	if errors.Is(err, ErrNotFound) {
		corsError(w, "File not found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("Error getting file", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, file)
}

// handleListDocuments returns the downstream records, optionally filtered by status
func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.service.ListDocuments()
	if err != nil {
		slog.Error("Error listing documents", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	status := document.Status(r.URL.Query().Get("status"))
	records := make([]canonical.Record, 0, len(docs))
	for _, c := range docs {
		if status != "" && c.Status != status {
			continue
		}
		records = append(records, canonical.ToRecord(*c))
	}
	writeJSON(w, http.StatusOK, records)
}

// handleGetDocument returns the downstream record, or the full record with
// its confidence breakdown when detail=true
func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	c, err := s.service.GetDocument(r.PathValue("id"))
	if errors.Is(err, ErrNotFound) {
		corsError(w, "Document not found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("Error getting document", "error", err)
		corsError(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if r.URL.Query().Get("detail") == "true" {
		writeJSON(w, http.StatusOK, c)
		return
	}
	writeJSON(w, http.StatusOK, canonical.ToRecord(*c))
}

// handleRetry re-runs extraction for a terminal document
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	c, err := s.service.Retry(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, ErrNotFound):
		jsonError(w, "Document not found", http.StatusNotFound)
	case errors.Is(err, ErrConflict):
		jsonError(w, "Document is already being processed", http.StatusConflict)
	case err != nil:
		slog.Error("Error retrying document", "error", err)
		jsonError(w, "Internal server error", http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusAccepted, canonical.ToRecord(*c))
	}
}

// handleArtifact serves a page image or debug artifact
func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	data, err := s.service.Artifact(key)
	if errors.Is(err, document.ErrBadKey) {
		corsError(w, "Invalid artifact key", http.StatusBadRequest)
		return
	}
	if err != nil {
		corsError(w, "Artifact not found", http.StatusNotFound)
		return
	}

	setCORSHeaders(w)
	switch strings.ToLower(filepath.Ext(key)) {
	case ".png":
		w.Header().Set("Content-Type", "image/png")
	case ".json":
		w.Header().Set("Content-Type", "application/json")
	default:
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.Write(data)
}

// handleMetrics returns the worker pool counters
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, snapshot(s.service.Metrics()))
}

func snapshot(m Metrics) Snapshot {
	if c, ok := m.(*Counters); ok {
		return c.Snapshot()
	}
	return Snapshot{
		Inflight:   m.Inflight(),
		QueueDepth: m.QueueDepth(),
		Errors:     m.Errors(),
		Processed:  m.ProcessedCount(),
	}
}
