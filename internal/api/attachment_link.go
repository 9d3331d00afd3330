package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

const defaultAttachmentLinkTTL = 5 * time.Minute

var errInvalidAttachmentToken = errors.New("invalid attachment token")

type attachmentTokenClaims struct {
	ReportID     string `json:"reportId"`
	AttachmentID string `json:"attachmentId"`
	ExpiresAt    int64  `json:"exp"`
}

func (h *Handler) signAttachmentToken(reportID, attachmentID string, expiresAt time.Time) (string, error) {
	if h.linkSecret == "" {
		return "", errInvalidAttachmentToken
	}

	payload, err := json.Marshal(attachmentTokenClaims{
		ReportID:     reportID,
		AttachmentID: attachmentID,
		ExpiresAt:    expiresAt.UTC().Unix(),
	})
	if err != nil {
		return "", err
	}

	encodedPayload := base64.RawURLEncoding.EncodeToString(payload)
	return encodedPayload + "." + h.signAttachmentPayload(encodedPayload), nil
}

func (h *Handler) verifyAttachmentToken(rawToken string) (attachmentTokenClaims, error) {
	if h.linkSecret == "" {
		return attachmentTokenClaims{}, errInvalidAttachmentToken
	}

	encodedPayload, signature, ok := strings.Cut(strings.TrimSpace(rawToken), ".")
	if !ok || !hmac.Equal([]byte(signature), []byte(h.signAttachmentPayload(encodedPayload))) {
		return attachmentTokenClaims{}, errInvalidAttachmentToken
	}

	payload, err := base64.RawURLEncoding.DecodeString(encodedPayload)
	if err != nil {
		return attachmentTokenClaims{}, errInvalidAttachmentToken
	}

	claims := attachmentTokenClaims{}
	if err := json.Unmarshal(payload, &claims); err != nil {
		return attachmentTokenClaims{}, errInvalidAttachmentToken
	}
	if claims.ReportID == "" || claims.AttachmentID == "" || claims.ExpiresAt < h.now().UTC().Unix() {
		return attachmentTokenClaims{}, errInvalidAttachmentToken
	}
	return claims, nil
}

func (h *Handler) signAttachmentPayload(encodedPayload string) string {
	mac := hmac.New(sha256.New, []byte(h.linkSecret))
	mac.Write([]byte(encodedPayload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// createAttachmentLink returns a short-lived URL that serves one attachment
// without the admin header, for use in <img> and download links.
func (h *Handler) createAttachmentLink(w http.ResponseWriter, r *http.Request) {
	if h.linkSecret == "" {
		writeError(w, http.StatusNotFound, "attachment links disabled")
		return
	}

	attachment, err := h.store.GetAttachment(r.Context(), chi.URLParam(r, "reportID"), chi.URLParam(r, "attachmentID"))
	if err != nil {
		h.writeLookupError(w, err, "attachment")
		return
	}

	expiresAt := h.now().UTC().Add(h.linkTTL)
	token, err := h.signAttachmentToken(attachment.ReportID, attachment.ID, expiresAt)
	if err != nil {
		h.logger.WithError(err).Error("attachment token signing failed")
		writeError(w, http.StatusInternalServerError, "attachment link failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"url":       "/api/v1/attachments/download?token=" + url.QueryEscape(token),
		"expiresAt": expiresAt,
	})
}

func (h *Handler) downloadAttachmentByToken(w http.ResponseWriter, r *http.Request) {
	claims, err := h.verifyAttachmentToken(r.URL.Query().Get("token"))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid or expired link")
		return
	}

	attachment, err := h.store.GetAttachment(r.Context(), claims.ReportID, claims.AttachmentID)
	if err != nil {
		h.writeLookupError(w, err, "attachment")
		return
	}
	h.serveAttachment(w, r, attachment)
}
