package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"oopsie/internal/attachments"
	"oopsie/internal/ingest"
	"oopsie/internal/ratelimit"
)

const (
	maxAttachments     = 10
	maxReportJSONBytes = 4 << 20
	apiKeyHeader       = "X-Oopsie-Key"
)

var errTooManyAttachments = fmt.Errorf("at most %d attachments are accepted", maxAttachments)

// submitReport authenticates before reading the body so unknown keys cannot
// make the server buffer large uploads.
func (h *Handler) submitReport(w http.ResponseWriter, r *http.Request) {
	apiKey := strings.TrimSpace(r.Header.Get(apiKeyHeader))
	project, err := h.pipeline.Authenticate(r.Context(), apiKey)
	if err != nil {
		h.writeAdmissionError(w, err)
		return
	}

	input, uploads, err := h.readSubmission(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	report, err := h.pipeline.Admit(r.Context(), ingest.Submission{
		APIKey:   apiKey,
		Origin:   requestOrigin(r),
		ClientIP: h.clients.ClientAddress(r),
		Input:    input,
		Uploads:  uploads,
		Project:  &project,
	})
	if err != nil {
		h.writeAdmissionError(w, err)
		return
	}

	h.metrics.reportsAcceptedTotal.Add(1)
	h.metrics.attachmentsStoredTotal.Add(int64(len(report.Attachments)))
	writeJSON(w, http.StatusCreated, report)
}

func (h *Handler) writeAdmissionError(w http.ResponseWriter, err error) {
	var rejection *ingest.Error
	if !errors.As(err, &rejection) {
		h.logger.WithError(err).Error("report admission failed")
		writeError(w, http.StatusInternalServerError, "report admission failed")
		return
	}

	h.metrics.reportsRejectedTotal.Add(1)
	switch rejection.Kind {
	case ingest.KindUnauthenticated:
		writeError(w, http.StatusUnauthorized, rejection.Message)
	case ingest.KindForbidden:
		writeError(w, http.StatusForbidden, rejection.Message)
	case ingest.KindRateLimited:
		h.metrics.rateLimitedTotal.Add(1)
		decision := ratelimit.Decision{RetryAfter: rejection.RetryAfter}
		w.Header().Set("Retry-After", strconv.Itoa(decision.RetryAfterSeconds()))
		writeError(w, http.StatusTooManyRequests, rejection.Message)
	case ingest.KindInvalidInput:
		writeError(w, http.StatusBadRequest, rejection.Message)
	default:
		h.logger.WithError(err).Error("report admission failed")
		writeError(w, http.StatusInternalServerError, rejection.Message)
	}
}

// readSubmission decodes either a JSON body or a multipart form carrying the
// JSON in a "data" field and files under "attachments[]".
func (h *Handler) readSubmission(w http.ResponseWriter, r *http.Request) (ingest.ReportInput, []attachments.Upload, error) {
	input := ingest.ReportInput{}
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	if mediaType != "multipart/form-data" {
		body := http.MaxBytesReader(w, r.Body, maxReportJSONBytes)
		if err := json.NewDecoder(body).Decode(&input); err != nil {
			return input, nil, errors.New("invalid payload")
		}
		return input, nil, nil
	}

	limit := int64(maxAttachments)*(h.maxUploadBytes+1) + maxReportJSONBytes
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return input, nil, errors.New("invalid multipart payload")
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()

	data := r.FormValue("data")
	if data == "" {
		return input, nil, errors.New("missing data field")
	}
	if err := json.Unmarshal([]byte(data), &input); err != nil {
		return input, nil, errors.New("invalid payload")
	}

	files := r.MultipartForm.File["attachments[]"]
	if len(files) > maxAttachments {
		return input, nil, errTooManyAttachments
	}

	uploads := make([]attachments.Upload, 0, len(files))
	for _, header := range files {
		upload, err := h.readUpload(header)
		if err != nil {
			return input, nil, err
		}
		uploads = append(uploads, upload)
	}
	return input, uploads, nil
}

// readUpload reads at most one byte past the limit so oversized files are
// still reported as too large by validation.
func (h *Handler) readUpload(header *multipart.FileHeader) (attachments.Upload, error) {
	file, err := header.Open()
	if err != nil {
		return attachments.Upload{}, fmt.Errorf("attachment %q unreadable", header.Filename)
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.maxUploadBytes+1))
	if err != nil {
		h.logger.WithError(err).WithField("filename", header.Filename).Warn("attachment read failed")
		return attachments.Upload{}, fmt.Errorf("attachment %q unreadable", header.Filename)
	}

	return attachments.Upload{
		Filename:    header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	}, nil
}

// requestOrigin prefers the Origin header and falls back to the Referer.
func requestOrigin(r *http.Request) string {
	if origin := strings.TrimSpace(r.Header.Get("Origin")); origin != "" {
		return origin
	}
	return strings.TrimSpace(r.Header.Get("Referer"))
}
