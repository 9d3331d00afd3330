package api

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/apex/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"oopsie/internal/store"
)

const apiKeyPrefix = "osk_"

var validate = validator.New(validator.WithRequiredStructEnabled())

type createProjectRequest struct {
	Name           string   `json:"name" validate:"required,max=200"`
	AllowedDomains []string `json:"allowedDomains" validate:"max=100,dive,required,max=255"`
	WebhookURL     string   `json:"webhookUrl" validate:"omitempty,url,max=2048"`
	RetentionDays  int      `json:"retentionDays" validate:"omitempty,min=1,max=3650"`
}

type updateProjectRequest struct {
	Name           *string  `json:"name" validate:"omitnil,min=1,max=200"`
	AllowedDomains []string `json:"allowedDomains" validate:"omitempty,max=100,dive,required,max=255"`
	WebhookURL     *string  `json:"webhookUrl" validate:"omitempty,max=2048"`
	RetentionDays  *int     `json:"retentionDays" validate:"omitnil,min=1,max=3650"`
}

func (h *Handler) listProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.store.ListProjects(r.Context())
	if err != nil {
		h.logger.WithError(err).Error("projects lookup failed")
		writeError(w, http.StatusInternalServerError, "projects lookup failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

func (h *Handler) createProject(w http.ResponseWriter, r *http.Request) {
	payload := createProjectRequest{}
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	payload.Name = strings.TrimSpace(payload.Name)
	payload.WebhookURL = strings.TrimSpace(payload.WebhookURL)
	payload.AllowedDomains = trimDomains(payload.AllowedDomains)
	if err := validate.Struct(payload); err != nil {
		writeError(w, http.StatusBadRequest, "name is required; allowedDomains, webhookUrl or retentionDays invalid")
		return
	}

	apiKey, err := h.newAPIKey()
	if err != nil {
		h.logger.WithError(err).Error("api key generation failed")
		writeError(w, http.StatusInternalServerError, "project creation failed")
		return
	}

	project := store.Project{
		Name:           payload.Name,
		APIKey:         apiKey,
		AllowedDomains: payload.AllowedDomains,
		RetentionDays:  payload.RetentionDays,
	}
	if payload.WebhookURL != "" {
		project.WebhookURL = &payload.WebhookURL
	}

	created, err := h.store.CreateProject(r.Context(), project)
	if err != nil {
		h.logger.WithError(err).Error("project creation failed")
		writeError(w, http.StatusInternalServerError, "project creation failed")
		return
	}

	h.logger.WithFields(log.Fields{"project_id": created.ID, "name": created.Name}).Info("project created")
	writeJSON(w, http.StatusCreated, created)
}

func (h *Handler) getProject(w http.ResponseWriter, r *http.Request) {
	project, err := h.store.GetProject(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		h.writeLookupError(w, err, "project")
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (h *Handler) updateProject(w http.ResponseWriter, r *http.Request) {
	payload := updateProjectRequest{}
	if err := decodeJSON(w, r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	if payload.Name != nil {
		trimmed := strings.TrimSpace(*payload.Name)
		payload.Name = &trimmed
	}
	if payload.AllowedDomains != nil {
		payload.AllowedDomains = trimDomains(payload.AllowedDomains)
	}
	if payload.WebhookURL != nil {
		trimmed := strings.TrimSpace(*payload.WebhookURL)
		payload.WebhookURL = &trimmed
	}
	if err := validate.Struct(payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid project fields")
		return
	}
	if payload.WebhookURL != nil && *payload.WebhookURL != "" {
		if err := validate.Var(*payload.WebhookURL, "url"); err != nil {
			writeError(w, http.StatusBadRequest, "webhookUrl must be a URL")
			return
		}
	}

	project, err := h.store.UpdateProject(r.Context(), chi.URLParam(r, "projectID"), store.ProjectUpdate{
		Name:           payload.Name,
		AllowedDomains: payload.AllowedDomains,
		WebhookURL:     payload.WebhookURL,
		RetentionDays:  payload.RetentionDays,
	})
	if err != nil {
		h.writeLookupError(w, err, "project")
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (h *Handler) deleteProject(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	paths, err := h.store.DeleteProject(r.Context(), projectID)
	if err != nil {
		h.writeLookupError(w, err, "project")
		return
	}

	removed := h.attachments.Remove(r.Context(), paths)
	h.logger.WithFields(log.Fields{"project_id": projectID, "attachments_removed": removed}).Info("project deleted")
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) regenerateProjectKey(w http.ResponseWriter, r *http.Request) {
	apiKey, err := h.newAPIKey()
	if err != nil {
		h.logger.WithError(err).Error("api key generation failed")
		writeError(w, http.StatusInternalServerError, "api key generation failed")
		return
	}

	project, err := h.store.SetProjectAPIKey(r.Context(), chi.URLParam(r, "projectID"), apiKey)
	if err != nil {
		h.writeLookupError(w, err, "project")
		return
	}

	h.logger.WithField("project_id", project.ID).Info("project api key regenerated")
	writeJSON(w, http.StatusOK, project)
}

func trimDomains(domains []string) []string {
	trimmed := make([]string, 0, len(domains))
	for _, domain := range domains {
		domain = strings.TrimSpace(domain)
		if domain != "" {
			trimmed = append(trimmed, domain)
		}
	}
	return trimmed
}

func generateRawAPIKey() (string, error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return apiKeyPrefix + hex.EncodeToString(raw), nil
}
