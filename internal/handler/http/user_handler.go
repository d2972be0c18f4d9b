package http

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/glotpod/ident/internal/domain/models"
	"github.com/glotpod/ident/internal/infrastructure/database"
	"github.com/glotpod/ident/internal/patch"
	"github.com/glotpod/ident/internal/service"
)

const (
	mediaJSON        = "application/json"
	mediaResourceURL = "application/vnd.glotpod.resource-url+json"
	mediaJSONPatch   = "application/json-patch+json"
)

// UserOperations is the slice of the identity service the HTTP layer uses.
type UserOperations interface {
	GetUser(ctx context.Context, sel models.UserSelector) (*models.User, error)
	CreateUser(ctx context.Context, req models.CreateUserRequest) (int64, error)
	PatchUser(ctx context.Context, userID int64, ops []patch.Op) ([]patch.Op, error)
	SearchUsers(ctx context.Context, filter database.SearchFilter) (*service.SearchResult, error)
}

type UserHandler struct {
	svc    UserOperations
	logger *zap.Logger
}

func NewUserHandler(svc UserOperations, logger *zap.Logger) *UserHandler {
	return &UserHandler{svc: svc, logger: logger}
}

// CreateUser handles POST /users.
func (h *UserHandler) CreateUser(c *gin.Context) {
	var req models.CreateUserRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "malformed request body", nil, h.logger)
		return
	}

	id, err := h.svc.CreateUser(c.Request.Context(), req)
	if err != nil {
		handleDomainError(c, err, h.logger)
		return
	}

	c.Header("Location", fmt.Sprintf("/users/%d", id))
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

// GetUser handles GET /users/:id. A non-numeric id segment is
// indistinguishable from a missing record, so both yield 404.
func (h *UserHandler) GetUser(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		respondError(c, http.StatusNotFound, "not_found", "user not found", nil, h.logger)
		return
	}

	user, err := h.svc.GetUser(c.Request.Context(), models.UserSelector{UserID: &id})
	if err != nil {
		handleDomainError(c, err, h.logger)
		return
	}

	c.JSON(http.StatusOK, userPayload(user))
}

// PatchUser handles PATCH /users/:id with an RFC 6902 document.
func (h *UserHandler) PatchUser(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		respondError(c, http.StatusNotFound, "not_found", "user not found", nil, h.logger)
		return
	}

	if !acceptablePatchType(c.ContentType()) {
		c.Header("Accept-Patch", mediaJSONPatch)
		respondError(c, http.StatusUnsupportedMediaType, "unsupported_media_type",
			"patch requests must use "+mediaJSONPatch, nil, h.logger)
		return
	}

	var ops []patch.Op
	if err := json.NewDecoder(c.Request.Body).Decode(&ops); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "malformed patch document", nil, h.logger)
		return
	}

	applied, err := h.svc.PatchUser(c.Request.Context(), id, ops)
	if err != nil {
		handleDomainError(c, err, h.logger)
		return
	}

	c.JSON(http.StatusOK, gin.H{"user_id": id, "ops": applied})
}

// SearchUsers handles GET /users. The caller picks between full records and
// resource-URL references through the Accept header.
func (h *UserHandler) SearchUsers(c *gin.Context) {
	media, ok := negotiateSearchMedia(c.GetHeader("Accept"))
	if !ok {
		respondError(c, http.StatusNotAcceptable, "not_acceptable",
			"supported representations: "+mediaJSON+", "+mediaResourceURL, nil, h.logger)
		return
	}

	filter := database.SearchFilter{
		Name:  strings.TrimSpace(c.Query("name")),
		Email: strings.TrimSpace(c.Query("email")),
	}
	if raw := c.Query("page_size"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			respondError(c, http.StatusBadRequest, "invalid_request", "page_size must be an integer", nil, h.logger)
			return
		}
		filter.PageSize = n
	}
	if raw := c.Query("after_id"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			respondError(c, http.StatusBadRequest, "invalid_request", "after_id must be an integer", nil, h.logger)
			return
		}
		filter.AfterID = n
	}

	result, err := h.svc.SearchUsers(c.Request.Context(), filter)
	if err != nil {
		handleDomainError(c, err, h.logger)
		return
	}

	if result.NextAfterID > 0 {
		c.Header("X-Next-After-Id", strconv.FormatInt(result.NextAfterID, 10))
	}

	if media == mediaResourceURL {
		refs := make([]string, 0, len(result.Users))
		for _, u := range result.Users {
			refs = append(refs, fmt.Sprintf("/users/%d", u.ID))
		}
		c.Data(http.StatusOK, mediaResourceURL, mustJSON(refs))
		return
	}

	items := make([]userResponse, 0, len(result.Users))
	for _, u := range result.Users {
		items = append(items, userPayload(u))
	}
	c.JSON(http.StatusOK, items)
}

type serviceResponse struct {
	ID          string `json:"id"`
	AccessToken string `json:"access_token,omitempty"`
}

type userResponse struct {
	ID         int64                      `json:"id"`
	Name       string                     `json:"name"`
	Email      string                     `json:"email"`
	PictureURL *string                    `json:"picture_url,omitempty"`
	Services   map[string]serviceResponse `json:"services"`
}

func userPayload(u *models.User) userResponse {
	services := make(map[string]serviceResponse, len(u.Services))
	for provider, svc := range u.Services {
		services[string(provider)] = serviceResponse{ID: svc.ID, AccessToken: svc.AccessToken}
	}
	return userResponse{
		ID:         u.ID,
		Name:       u.Name,
		Email:      u.Email,
		PictureURL: u.PictureURL,
		Services:   services,
	}
}

func acceptablePatchType(contentType string) bool {
	return contentType == mediaJSONPatch || contentType == "application/octet-stream" || contentType == ""
}

// negotiateSearchMedia resolves the Accept header to one of the two search
// representations. An absent header means the caller takes anything.
func negotiateSearchMedia(accept string) (string, bool) {
	if strings.TrimSpace(accept) == "" {
		return mediaJSON, true
	}
	for _, part := range strings.Split(accept, ",") {
		mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(part))
		if err != nil {
			continue
		}
		switch mediaType {
		case mediaResourceURL:
			return mediaResourceURL, true
		case mediaJSON, "application/*", "*/*":
			return mediaJSON, true
		}
	}
	return "", false
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
