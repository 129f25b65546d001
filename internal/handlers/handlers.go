package handlers

import (
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Brownie44l1/knee-cdss/internal/apperr"
	"github.com/Brownie44l1/knee-cdss/internal/ensemble"
	"github.com/Brownie44l1/knee-cdss/internal/model"
)

const (
	ServiceName = "CDSS AI Service"
	Version     = "1.0.0"

	requestIDHeader = "X-Request-ID"
	op              = "request"
)

type Analyzer interface {
	Analyze(in ensemble.Input) (*ensemble.Result, error)
}

type Fetcher interface {
	FetchAll(ctx context.Context, urls []string) ([][]byte, error)
}

type Handler struct {
	analyzer  Analyzer
	fetcher   Fetcher
	models    *model.Registry
	maxUpload int64
	log       *zap.SugaredLogger
}

func NewHandler(analyzer Analyzer, fetcher Fetcher, models *model.Registry, maxUploadMB int, log *zap.SugaredLogger) *Handler {
	if maxUploadMB <= 0 {
		maxUploadMB = 100
	}
	return &Handler{
		analyzer:  analyzer,
		fetcher:   fetcher,
		models:    models,
		maxUpload: int64(maxUploadMB) << 20,
		log:       log,
	}
}

// AnalyzeRequest references either one file (a 2-D slice or a volume) or
// exactly three 2-D slices. Identifiers are echoed back untouched.
type AnalyzeRequest struct {
	DicomURL  string          `json:"dicomUrl,omitempty"`
	DicomURLs []string        `json:"dicomUrls,omitempty"`
	PatientID json.RawMessage `json:"patientId,omitempty"`
	ExamID    json.RawMessage `json:"examId,omitempty"`
}

func (req AnalyzeRequest) urls() ([]string, error) {
	switch {
	case req.DicomURL != "" && len(req.DicomURLs) > 0:
		return nil, apperr.New(apperr.KindRank, op, "provide either dicomUrl or dicomUrls, not both")
	case req.DicomURL != "":
		return []string{req.DicomURL}, nil
	case len(req.DicomURLs) == 1 || len(req.DicomURLs) == 3:
		for _, u := range req.DicomURLs {
			if strings.TrimSpace(u) == "" {
				return nil, apperr.New(apperr.KindRetrieval, op, "dicomUrls contains an empty URL")
			}
		}
		return req.DicomURLs, nil
	case len(req.DicomURLs) > 0:
		return nil, apperr.New(apperr.KindRank, op, "expected 1 or 3 DICOM files, got %d", len(req.DicomURLs))
	default:
		return nil, apperr.New(apperr.KindRetrieval, op, "dicomUrl is required")
	}
}

func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeJSON(w, http.StatusNotFound, errorBody{Detail: "Not Found"})
		return
	}
	loaded := make([]string, 0, len(model.Tasks))
	for _, t := range h.models.Loaded() {
		loaded = append(loaded, string(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"service":       ServiceName,
		"status":        "running",
		"device":        h.models.Device(),
		"models_loaded": loaded,
		"version":       Version,
	})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	if h.models.Len() == 0 {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         status,
		"models":         h.models.Status(),
		"device":         h.models.Device(),
		"cuda_available": h.models.CUDAAvailable(),
	})
}

func (h *Handler) Analyze(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Detail: "Method not allowed"})
		return
	}
	reqID := requestID(r)
	log := h.log.With("request_id", reqID)

	var req AnalyzeRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(&req); err != nil {
		h.fail(w, log, apperr.Wrap(apperr.KindDecode, op, err, "Invalid JSON request body"))
		return
	}
	urls, err := req.urls()
	if err != nil {
		h.fail(w, log, err)
		return
	}
	log.Infow("analysis request received", "urls", urls)

	// Reject before downloading anything when no model could score it.
	if h.models.Len() == 0 {
		h.fail(w, log, apperr.New(apperr.KindUnavailable, op, "No AI models loaded. Service is not ready."))
		return
	}

	files, err := h.fetcher.FetchAll(r.Context(), urls)
	if err != nil {
		h.fail(w, log, err)
		return
	}
	h.run(w, log, ensemble.Input{Files: files, PatientID: req.PatientID, ExamID: req.ExamID, RequestID: reqID})
}

// AnalyzeUpload accepts the files directly as multipart form data: one "file"
// part, or "files" repeated one or three times.
func (h *Handler) AnalyzeUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Detail: "Method not allowed"})
		return
	}
	reqID := requestID(r)
	log := h.log.With("request_id", reqID)

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		h.fail(w, log, apperr.Wrap(apperr.KindDecode, op, err, "Failed to parse form"))
		return
	}
	defer r.MultipartForm.RemoveAll()

	parts := r.MultipartForm.File["files"]
	if len(parts) == 0 {
		parts = r.MultipartForm.File["file"]
	}
	if len(parts) == 0 {
		h.fail(w, log, apperr.New(apperr.KindDecode, op, "No DICOM file provided. Use 'file' or 'files' as the form field name"))
		return
	}

	files := make([][]byte, len(parts))
	for i, part := range parts {
		data, err := readPart(part)
		if err != nil {
			h.fail(w, log, apperr.Wrap(apperr.KindDecode, op, err, "Failed to read uploaded file %s", part.Filename))
			return
		}
		log.Infow("received file", "name", part.Filename, "bytes", len(data))
		files[i] = data
	}
	h.run(w, log, ensemble.Input{
		Files:     files,
		PatientID: rawID(r.FormValue("patientId")),
		ExamID:    rawID(r.FormValue("examId")),
		RequestID: reqID,
	})
}

func (h *Handler) run(w http.ResponseWriter, log *zap.SugaredLogger, in ensemble.Input) {
	res, err := h.analyzer.Analyze(in)
	if err != nil {
		h.fail(w, log, err)
		return
	}
	if err := writeJSON(w, http.StatusOK, res); err != nil {
		log.Errorw("encoding analysis failed", "error", err)
	}
}

type errorBody struct {
	Success bool   `json:"success"`
	Detail  string `json:"detail"`
}

// fail logs err with full context and writes its caller-facing form.
func (h *Handler) fail(w http.ResponseWriter, log *zap.SugaredLogger, err error) {
	status := apperr.Status(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable && status != http.StatusGatewayTimeout {
		log.Errorw("analysis failed", "error", err, "kind", apperr.KindOf(err))
	} else {
		log.Warnw("analysis rejected", "status", status, "error", err)
	}
	writeJSON(w, status, errorBody{Detail: apperr.Detail(err)})
}

// writeJSON encodes v before writing the status so an unencodable body
// becomes a 500 instead of an empty 200.
func writeJSON(w http.ResponseWriter, status int, v any) error {
	body, err := json.Marshal(v)
	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		body, _ = json.Marshal(errorBody{Detail: apperr.Detail(apperr.ErrInternal)})
		w.Write(append(body, '\n'))
		return err
	}
	w.WriteHeader(status)
	_, err = w.Write(append(body, '\n'))
	return err
}

func requestID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get(requestIDHeader)); id != "" {
		return id
	}
	return uuid.NewString()
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// rawID keeps a form value that is already JSON (a number, a quoted string)
// and quotes anything else. Empty means absent.
func rawID(v string) json.RawMessage {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	if json.Valid([]byte(v)) {
		return json.RawMessage(v)
	}
	quoted, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return quoted
}
