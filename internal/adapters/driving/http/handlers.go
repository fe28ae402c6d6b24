package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/swaggo/swag"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/metrics"
	"github.com/custodia-labs/sercha-rag/internal/uploads"
)

// uploadFields are the multipart fields accepted for the document, in order
var uploadFields = []string{"file", "pdf"}

// readyTimeout bounds each readiness check
const readyTimeout = 5 * time.Second

// ErrorResponse represents an API error response
// @Description API error response
type ErrorResponse struct {
	Error string `json:"error" example:"message is required"`
}

// StatusResponse represents a simple status response
// @Description Simple status response
type StatusResponse struct {
	Status string `json:"status" example:"ok"`
}

// VersionResponse represents the API version response
// @Description API version response
type VersionResponse struct {
	Version string `json:"version" example:"1.0.0"`
}

// ReadyResponse reports each dependency check
// @Description Readiness check response
type ReadyResponse struct {
	Status string            `json:"status" example:"ready"`
	Checks map[string]string `json:"checks"`
}

// UploadResponse is returned once an upload has been queued
// @Description Upload accepted response
type UploadResponse struct {
	Message  string `json:"message" example:"File uploaded successfully"`
	JobID    string `json:"jobId" example:"2b7e1516-28ae-4d2a-a6ab-f7158809cf4f"`
	Filename string `json:"filename" example:"report.pdf"`
	Status   string `json:"status" example:"processing"`
}

// ChatRequest is the POST /chat body
// @Description Chat request
type ChatRequest struct {
	Message string `json:"message" example:"What does the report conclude?"`
}

// StatsResponse combines queue counts with worker event counters
// @Description Queue and worker statistics
type StatsResponse struct {
	Queue  *domain.QueueStats `json:"queue"`
	Events *metrics.Snapshot  `json:"events,omitempty"`
}

// Health endpoints

// handleHealth godoc
// @Summary      Health check
// @Description  Returns the health status of the API
// @Tags         Health
// @Produce      json
// @Success      200  {object}  StatusResponse
// @Router       /health [get]
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{Status: "ok"})
}

// handleReady godoc
// @Summary      Readiness check
// @Description  Pings the job queue and the vector index
// @Tags         Health
// @Produce      json
// @Success      200  {object}  ReadyResponse
// @Failure      503  {object}  ReadyResponse
// @Router       /ready [get]
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	resp := ReadyResponse{Status: "ready", Checks: make(map[string]string, len(s.checks))}
	status := http.StatusOK
	for name, check := range s.checks {
		if err := check.Ping(ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "not ready"
			status = http.StatusServiceUnavailable
			continue
		}
		resp.Checks[name] = "ok"
	}
	writeJSON(w, status, resp)
}

// handleVersion godoc
// @Summary      Get API version
// @Description  Returns the current API version
// @Tags         Health
// @Produce      json
// @Success      200  {object}  VersionResponse
// @Router       /version [get]
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, VersionResponse{Version: s.version})
}

// Ingestion endpoints

// handleUpload godoc
// @Summary      Upload a document
// @Description  Stores the uploaded file and queues it for indexing
// @Tags         Ingestion
// @Accept       multipart/form-data
// @Produce      json
// @Param        file  formData  file  true  "Document to index (field may also be named pdf)"
// @Success      200  {object}  UploadResponse
// @Failure      400  {object}  ErrorResponse
// @Failure      413  {object}  ErrorResponse
// @Failure      503  {object}  ErrorResponse
// @Router       /upload [post]
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > s.maxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "file too large")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(s.maxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "no file uploaded")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header := formFile(r)
	if file == nil {
		writeError(w, http.StatusBadRequest, "no file uploaded")
		return
	}
	defer file.Close()

	payload, err := uploads.Store(s.uploadDir, file, header.Filename)
	if err != nil {
		s.logger.Error("failed to store upload", "filename", header.Filename, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to store upload")
		return
	}

	job, err := s.ingestionService.Submit(r.Context(), payload)
	if err != nil {
		_ = os.Remove(payload.Path)
		switch {
		case errors.Is(err, domain.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, domain.ErrServiceUnavailable):
			writeError(w, http.StatusServiceUnavailable, "job queue unavailable")
		default:
			s.logger.Error("failed to queue upload", "path", payload.Path, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to queue upload")
		}
		return
	}

	writeJSON(w, http.StatusOK, UploadResponse{
		Message:  "File uploaded successfully",
		JobID:    job.ID,
		Filename: payload.OriginalName,
		Status:   "processing",
	})
}

// formFile returns the first accepted file field, or nil
func formFile(r *http.Request) (multipart.File, *multipart.FileHeader) {
	for _, field := range uploadFields {
		file, header, err := r.FormFile(field)
		if err == nil {
			return file, header
		}
	}
	return nil, nil
}

// handleGetJob godoc
// @Summary      Get job status
// @Description  Returns the current state of an ingestion job
// @Tags         Ingestion
// @Produce      json
// @Param        id   path      string  true  "Job ID"
// @Success      200  {object}  domain.IngestionJob
// @Failure      404  {object}  ErrorResponse
// @Router       /jobs/{id} [get]
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.ingestionService.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			writeError(w, http.StatusNotFound, "job not found")
		case errors.Is(err, domain.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, "job id is required")
		default:
			writeError(w, http.StatusInternalServerError, "failed to get job")
		}
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// handleListJobs godoc
// @Summary      List jobs
// @Description  Lists ingestion jobs, newest first
// @Tags         Ingestion
// @Produce      json
// @Param        status  query  string  false  "queued, running, succeeded or failed"
// @Param        limit   query  int     false  "Page size"
// @Param        offset  query  int     false  "Page offset"
// @Success      200  {array}   domain.IngestionJob
// @Failure      400  {object}  ErrorResponse
// @Router       /jobs [get]
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.JobFilter{Status: domain.JobStatus(q.Get("status"))}

	var err error
	if v := q.Get("limit"); v != "" {
		if filter.Limit, err = strconv.Atoi(v); err != nil || filter.Limit < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
	}
	if v := q.Get("offset"); v != "" {
		if filter.Offset, err = strconv.Atoi(v); err != nil || filter.Offset < 0 {
			writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
	}

	jobs, err := s.ingestionService.ListJobs(r.Context(), filter)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []*domain.IngestionJob{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

// handleStats godoc
// @Summary      Queue statistics
// @Description  Returns queue counts and worker event counters
// @Tags         Ingestion
// @Produce      json
// @Success      200  {object}  StatsResponse
// @Failure      500  {object}  ErrorResponse
// @Router       /stats [get]
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.ingestionService.Stats(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}
	resp := StatsResponse{Queue: stats}
	if s.stats != nil {
		snap := s.stats.Snapshot()
		resp.Events = &snap
	}
	writeJSON(w, http.StatusOK, resp)
}

// Query endpoints

// handleChatGet godoc
// @Summary      Ask a question
// @Description  Answers a question from the indexed documents
// @Tags         Query
// @Produce      json
// @Param        message  query  string  true  "Question"
// @Success      200  {object}  domain.Answer
// @Failure      400  {object}  ErrorResponse
// @Failure      500  {object}  ErrorResponse
// @Router       /chat [get]
func (s *Server) handleChatGet(w http.ResponseWriter, r *http.Request) {
	s.answer(w, r, r.URL.Query().Get("message"))
}

// handleChatPost godoc
// @Summary      Ask a question
// @Description  Answers a question from the indexed documents
// @Tags         Query
// @Accept       json
// @Produce      json
// @Param        request  body  ChatRequest  true  "Question"
// @Success      200  {object}  domain.Answer
// @Failure      400  {object}  ErrorResponse
// @Failure      500  {object}  ErrorResponse
// @Router       /chat [post]
func (s *Server) handleChatPost(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	s.answer(w, r, req.Message)
}

func (s *Server) answer(w http.ResponseWriter, r *http.Request, message string) {
	if strings.TrimSpace(message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	answer, err := s.queryService.Answer(r.Context(), message)
	if err != nil {
		if errors.Is(err, domain.ErrInvalidInput) {
			writeError(w, http.StatusBadRequest, "message is required")
			return
		}
		s.logger.Error("chat failed", "error", err)
		writeError(w, http.StatusInternalServerError, domain.ErrRetrievalFailed.Error())
		return
	}
	writeJSON(w, http.StatusOK, answer)
}

// API documentation

func (s *Server) handleSwaggerDoc(w http.ResponseWriter, r *http.Request) {
	doc, err := swag.ReadDoc()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "api documentation unavailable")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, doc)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}
