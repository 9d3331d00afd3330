package api

import (
	"errors"
	"io/fs"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/apex/log"
	"github.com/go-chi/chi/v5"

	"oopsie/internal/attachments"
	"oopsie/internal/store"
)

type updateReportRequest struct {
	Status     *string `json:"status" validate:"omitnil,oneof=new in_progress resolved closed"`
	AssignedTo *string `json:"assignedTo" validate:"omitempty,max=320"`
}

type addCommentRequest struct {
	Author string `json:"author" validate:"required,max=200"`
	Body   string `json:"body" validate:"required,max=10000"`
}

func (h *Handler) listReports(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter := store.ReportFilter{
		ProjectID: strings.TrimSpace(query.Get("projectId")),
		Status:    strings.TrimSpace(query.Get("status")),
		Category:  strings.TrimSpace(query.Get("category")),
		Severity:  strings.TrimSpace(query.Get("severity")),
		GroupID:   strings.TrimSpace(query.Get("groupId")),
		Query:     strings.TrimSpace(query.Get("q")),
		Limit:     parseIntQuery(query.Get("limit"), 0),
		Offset:    parseIntQuery(query.Get("offset"), 0),
	}
	if filter.Status != "" && !store.ValidStatus(filter.Status) {
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}

	page, err := h.store.ListReports(r.Context(), filter)
	if err != nil {
		h.logger.WithError(err).Error("reports lookup failed")
		writeError(w, http.StatusInternalServerError, "reports lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) getReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.store.GetReport(r.Context(), chi.URLParam(r, "reportID"))
	if err != nil {
		h.writeLookupError(w, err, "report")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) updateReport(w http.ResponseWriter, r *http.Request) {
	payload := updateReportRequest{}
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "only status and assignedTo can be changed")
		return
	}
	if payload.AssignedTo != nil {
		trimmed := strings.TrimSpace(*payload.AssignedTo)
		payload.AssignedTo = &trimmed
	}
	if err := validate.Struct(payload); err != nil {
		writeError(w, http.StatusBadRequest, "status must be one of new, in_progress, resolved, closed")
		return
	}

	report, err := h.store.UpdateReport(r.Context(), chi.URLParam(r, "reportID"), store.ReportUpdate{
		Status:     payload.Status,
		AssignedTo: payload.AssignedTo,
	})
	if err != nil {
		h.writeLookupError(w, err, "report")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (h *Handler) deleteReport(w http.ResponseWriter, r *http.Request) {
	report, err := h.store.DeleteReport(r.Context(), chi.URLParam(r, "reportID"))
	if err != nil {
		h.writeLookupError(w, err, "report")
		return
	}

	removed := h.attachments.Remove(r.Context(), attachments.PathsOf(report.Attachments))
	h.logger.WithFields(log.Fields{"report_id": report.ID, "attachments_removed": removed}).Info("report deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) addComment(w http.ResponseWriter, r *http.Request) {
	payload := addCommentRequest{}
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	payload.Author = strings.TrimSpace(payload.Author)
	payload.Body = strings.TrimSpace(payload.Body)
	if err := validate.Struct(payload); err != nil {
		writeError(w, http.StatusBadRequest, "author and body are required")
		return
	}

	comment, err := h.store.AddComment(r.Context(), store.Comment{
		ReportID: chi.URLParam(r, "reportID"),
		Author:   payload.Author,
		Body:     payload.Body,
	})
	if err != nil {
		h.writeLookupError(w, err, "report")
		return
	}
	writeJSON(w, http.StatusCreated, comment)
}

func (h *Handler) getAttachment(w http.ResponseWriter, r *http.Request) {
	attachment, err := h.store.GetAttachment(r.Context(), chi.URLParam(r, "reportID"), chi.URLParam(r, "attachmentID"))
	if err != nil {
		h.writeLookupError(w, err, "attachment")
		return
	}

	h.serveAttachment(w, r, attachment)
}

func (h *Handler) serveAttachment(w http.ResponseWriter, r *http.Request, attachment store.Attachment) {
	body, contentType, err := h.attachments.Blobs().Get(r.Context(), attachment.Path)
	if err != nil {
		if errors.Is(err, attachments.ErrNotConfigured) || errors.Is(err, fs.ErrNotExist) {
			writeError(w, http.StatusNotFound, "attachment content unavailable")
			return
		}
		h.logger.WithError(err).WithField("attachment_id", attachment.ID).Error("attachment read failed")
		writeError(w, http.StatusBadGateway, "attachment read failed")
		return
	}

	if contentType == "" {
		contentType = attachment.MimeType
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"filename": attachments.CleanFilename(attachment.Filename),
	}))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func parseIntQuery(raw string, fallback int) int {
	if strings.TrimSpace(raw) == "" {
		return fallback
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return value
}
