// Package api exposes the conversion pipeline over HTTP.
package api

import (
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"

	"fileconvert/config"
	"fileconvert/models"
	"fileconvert/pipeline"

	"github.com/gabriel-vasile/mimetype"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

const (
	maxMultipartMemory = 32 << 20
	bodySlack          = 1 << 20
)

type Handler struct {
	svc       *pipeline.Service
	cfg       *config.Config
	validator *validator.Validate
	limiter   *rateLimiter
}

func NewHandler(svc *pipeline.Service, cfg *config.Config) *Handler {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		return f.Tag.Get("form")
	})
	return &Handler{
		svc:       svc,
		cfg:       cfg,
		validator: v,
		limiter:   newRateLimiter(cfg.APIRatePerSec, cfg.APIRateBurst),
	}
}

type submitJobParams struct {
	UserID       string `form:"user_id" validate:"required,max=128"`
	OutputFormat string `form:"output_format" validate:"required,max=16"`
	InputFormat  string `form:"input_format" validate:"max=16"`
	Priority     int    `form:"priority" validate:"gte=0,lte=4"`
	MaxRetries   *int   `form:"max_retries" validate:"omitempty,gte=0,lte=10"`
	WebhookURL   string `form:"webhook_url" validate:"omitempty,url,max=2048"`
}

type submitBatchParams struct {
	UserID       string `form:"user_id" validate:"required,max=128"`
	Name         string `form:"name" validate:"max=255"`
	OutputFormat string `form:"output_format" validate:"required,max=16"`
	Priority     int    `form:"priority" validate:"gte=0,lte=4"`
	WebhookURL   string `form:"webhook_url" validate:"omitempty,url,max=2048"`
}

type quotaResponse struct {
	*models.QuotaRecord
	ConversionsRemaining int   `json:"conversions_remaining"`
	StorageRemainingMB   int64 `json:"storage_remaining_mb"`
}

func (h *Handler) parseMultipart(w http.ResponseWriter, r *http.Request, limit int64) bool {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		writeMultipartError(w, err)
		return false
	}
	return true
}

func (h *Handler) validate(w http.ResponseWriter, params any) bool {
	if err := h.validator.Struct(params); err != nil {
		writeJSON(w, http.StatusBadRequest, validationErrorsToMap(err))
		return false
	}
	return true
}

func readFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// detectFormat sniffs the content when neither the caller nor the filename
// names a format.
func detectFormat(declared, filename string, data []byte) string {
	if declared != "" || filepath.Ext(filename) != "" {
		return declared
	}
	return strings.TrimPrefix(mimetype.Detect(data).Extension(), ".")
}

func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	if !h.parseMultipart(w, r, h.cfg.MaxInputBytes+bodySlack) {
		return
	}

	fh := r.MultipartForm.File["file"]
	if len(fh) == 0 {
		writeJSON(w, http.StatusBadRequest, APIError{Error: `missing file: form field key should be "file"`, Field: "file"})
		return
	}

	priority, err := parseIntDefault(r.FormValue("priority"), 0)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Error: "priority must be an integer", Field: "priority"})
		return
	}
	params := submitJobParams{
		UserID:       r.Header.Get(userHeader),
		OutputFormat: r.FormValue("output_format"),
		InputFormat:  r.FormValue("input_format"),
		Priority:     priority,
		WebhookURL:   r.FormValue("webhook_url"),
	}
	if raw := r.FormValue("max_retries"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, APIError{Error: "max_retries must be an integer", Field: "max_retries"})
			return
		}
		params.MaxRetries = &n
	}
	if !h.validate(w, params) {
		return
	}

	opts, err := parseOptions(r.FormValue("options"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Error: "options must be a JSON object", Field: "options"})
		return
	}

	data, err := readFile(fh[0])
	if err != nil {
		writeJSONError(w, "an error occurred while reading the file: "+err.Error(), http.StatusBadRequest)
		return
	}

	job, err := h.svc.SubmitJob(r.Context(), pipeline.SubmitRequest{
		UserID:       params.UserID,
		Filename:     fh[0].Filename,
		Input:        data,
		InputFormat:  detectFormat(params.InputFormat, fh[0].Filename, data),
		OutputFormat: params.OutputFormat,
		Options:      opts,
		WebhookURL:   params.WebhookURL,
		Priority:     params.Priority,
		MaxRetries:   params.MaxRetries,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.svc.GetJobStatus(r.Context(), r.Header.Get(userHeader), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) DownloadResult(w http.ResponseWriter, r *http.Request) {
	data, job, err := h.svc.DownloadResult(r.Context(), r.Header.Get(userHeader), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", h.svc.ContentType(job.OutputFormat))
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.%s"`, job.ID, job.OutputFormat))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.svc.CancelJob(r.Context(), r.Header.Get(userHeader), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (h *Handler) RetryJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.svc.RetryJob(r.Context(), r.Header.Get(userHeader), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (h *Handler) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	limit := h.cfg.MaxInputBytes*int64(max(h.cfg.MaxBatchFiles, 1)) + bodySlack
	if !h.parseMultipart(w, r, limit) {
		return
	}

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		headers = r.MultipartForm.File["files[]"]
	}

	priority, err := parseIntDefault(r.FormValue("priority"), 0)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Error: "priority must be an integer", Field: "priority"})
		return
	}
	params := submitBatchParams{
		UserID:       r.Header.Get(userHeader),
		Name:         r.FormValue("name"),
		OutputFormat: r.FormValue("output_format"),
		Priority:     priority,
		WebhookURL:   r.FormValue("webhook_url"),
	}
	if !h.validate(w, params) {
		return
	}

	opts, err := parseOptions(r.FormValue("options"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Error: "options must be a JSON object", Field: "options"})
		return
	}

	files := make([]pipeline.BatchFile, 0, len(headers))
	for _, fh := range headers {
		data, err := readFile(fh)
		if err != nil {
			writeJSONError(w, fmt.Sprintf("an error occurred while reading %s: %v", fh.Filename, err), http.StatusBadRequest)
			return
		}
		files = append(files, pipeline.BatchFile{
			Filename:    fh.Filename,
			Data:        data,
			InputFormat: detectFormat("", fh.Filename, data),
		})
	}

	batch, err := h.svc.SubmitBatch(r.Context(), pipeline.BatchRequest{
		UserID:       params.UserID,
		Name:         params.Name,
		OutputFormat: params.OutputFormat,
		Files:        files,
		Options:      opts,
		WebhookURL:   params.WebhookURL,
		Priority:     params.Priority,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, batch)
}

func (h *Handler) GetBatch(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.GetBatchStatus(r.Context(), r.Header.Get(userHeader), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) CancelBatch(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.CancelBatch(r.Context(), r.Header.Get(userHeader), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *Handler) GetQuota(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.GetQuota(r.Context(), r.Header.Get(userHeader))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quotaResponse{
		QuotaRecord:          rec,
		ConversionsRemaining: rec.ConversionsRemaining(),
		StorageRemainingMB:   rec.StorageRemainingMB(),
	})
}

type listResponse struct {
	Items  any `json:"items"`
	Count  int `json:"count"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	filter, perr := parseListFilter(r)
	if perr != nil {
		writeJSON(w, http.StatusBadRequest, perr)
		return
	}
	jobs, err := h.svc.ListJobs(r.Context(), r.Header.Get(userHeader), filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*models.ConversionJob{}
	}
	writeJSON(w, http.StatusOK, listResponse{Items: jobs, Count: len(jobs), Limit: filter.Limit, Offset: filter.Offset})
}

func (h *Handler) ListBatches(w http.ResponseWriter, r *http.Request) {
	filter, perr := parseListFilter(r)
	if perr != nil {
		writeJSON(w, http.StatusBadRequest, perr)
		return
	}
	batches, err := h.svc.ListBatches(r.Context(), r.Header.Get(userHeader), filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if batches == nil {
		batches = []*models.BatchJob{}
	}
	writeJSON(w, http.StatusOK, listResponse{Items: batches, Count: len(batches), Limit: filter.Limit, Offset: filter.Offset})
}

// History lists finished jobs, newest first, with their processing time.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	filter, perr := parseListFilter(r)
	if perr != nil {
		writeJSON(w, http.StatusBadRequest, perr)
		return
	}
	entries, err := h.svc.History(r.Context(), r.Header.Get(userHeader), filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if entries == nil {
		entries = []pipeline.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, listResponse{Items: entries, Count: len(entries), Limit: filter.Limit, Offset: filter.Offset})
}

func (h *Handler) ListFormats(w http.ResponseWriter, r *http.Request) {
	category := r.URL.Query().Get("category")
	if category == "" {
		writeJSON(w, http.StatusOK, map[string]any{"formats": h.svc.Formats()})
		return
	}
	formats := h.svc.FormatsInCategory(category)
	if len(formats) == 0 {
		writeJSON(w, http.StatusBadRequest, APIError{Error: "unknown category " + category, Field: "category"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"category": strings.ToLower(category), "formats": formats})
}

func (h *Handler) FormatCategories(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"categories": h.svc.FormatCategories()})
}

func (h *Handler) FormatsByCategory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"categories": h.svc.FormatsByCategory()})
}

func (h *Handler) SupportedConversions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"conversions": h.svc.SupportedConversions()})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	depth, err := h.svc.QueueDepth(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "queue_depth": depth})
}
