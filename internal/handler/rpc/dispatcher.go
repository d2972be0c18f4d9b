package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"go.uber.org/zap"

	domainErrors "github.com/glotpod/ident/internal/domain/errors"
	"github.com/glotpod/ident/internal/domain/models"
	"github.com/glotpod/ident/internal/infrastructure/database"
	"github.com/glotpod/ident/internal/patch"
	"github.com/glotpod/ident/internal/service"
	"github.com/glotpod/ident/pkg/metrics"
)

// Wire-level error identifiers. Callers match on these strings, so they are
// part of the protocol and must stay stable.
const (
	errBadRequest         = "bad_request"
	errOperationNotFound  = "operation_not_found"
	errInvocationFailed   = "invocation_failed"
	errDecode             = "decode_error"
	errNotFound           = "not_found"
	errConflict           = "conflict"
	errPatchFailed        = "patch_failed"
	errInvalidPatchResult = "invalid_patch_result"
)

// Request is the broker RPC envelope.
type Request struct {
	Op            string          `json:"op"`
	CorrelationID string          `json:"correlation_id"`
	ReplyTo       string          `json:"reply_to,omitempty"`
	Args          json.RawMessage `json:"args,omitempty"`
}

// Response is the reply envelope. Exactly one of Result and Error is set.
type Response struct {
	CorrelationID string `json:"correlation_id"`
	Result        any    `json:"result,omitempty"`
	Error         string `json:"error,omitempty"`
}

// UserOperations is the slice of the identity service the RPC layer uses.
type UserOperations interface {
	GetUser(ctx context.Context, sel models.UserSelector) (*models.User, error)
	CreateUser(ctx context.Context, req models.CreateUserRequest) (int64, error)
	PatchUser(ctx context.Context, userID int64, ops []patch.Op) ([]patch.Op, error)
	SearchUsers(ctx context.Context, filter database.SearchFilter) (*service.SearchResult, error)
}

// Dispatcher routes decoded RPC requests to the identity service.
type Dispatcher struct {
	svc     UserOperations
	metrics *metrics.Registry
	logger  *zap.Logger
}

func NewDispatcher(svc UserOperations, registry *metrics.Registry, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{svc: svc, metrics: registry, logger: logger}
}

// Dispatch executes one request and builds its reply envelope.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Response {
	result, rpcErr := d.invoke(ctx, req)

	status := "ok"
	if rpcErr != "" {
		status = rpcErr
	}
	d.metrics.RPCRequestsTotal.WithLabelValues(req.Op, status).Inc()

	if rpcErr != "" {
		return Response{CorrelationID: req.CorrelationID, Error: rpcErr}
	}
	return Response{CorrelationID: req.CorrelationID, Result: result}
}

func (d *Dispatcher) invoke(ctx context.Context, req Request) (any, string) {
	switch req.Op {
	case "echo":
		var args any
		if len(req.Args) > 0 {
			if err := json.Unmarshal(req.Args, &args); err != nil {
				return nil, errDecode
			}
		}
		return args, ""
	case "get_user":
		return d.getUser(ctx, req.Args)
	case "create_user":
		return d.createUser(ctx, req.Args)
	case "patch_user":
		return d.patchUser(ctx, req.Args)
	case "search_users":
		return d.searchUsers(ctx, req.Args)
	default:
		return nil, errOperationNotFound
	}
}

type selectorArgs struct {
	UserID     *int64  `json:"user_id,omitempty"`
	GitHubID   *string `json:"github_id,omitempty"`
	FacebookID *string `json:"facebook_id,omitempty"`
}

func (d *Dispatcher) getUser(ctx context.Context, raw json.RawMessage) (any, string) {
	var args selectorArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, errDecode
	}

	user, err := d.svc.GetUser(ctx, models.UserSelector{
		UserID:     args.UserID,
		GitHubID:   args.GitHubID,
		FacebookID: args.FacebookID,
	})
	if err != nil {
		return nil, d.mapError("get_user", err)
	}
	return user.Document(), ""
}

func (d *Dispatcher) createUser(ctx context.Context, raw json.RawMessage) (any, string) {
	var req models.CreateUserRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, errDecode
	}

	id, err := d.svc.CreateUser(ctx, req)
	if err != nil {
		return nil, d.mapError("create_user", err)
	}
	return map[string]any{"id": id}, ""
}

type patchArgs struct {
	UserID int64      `json:"user_id"`
	Ops    []patch.Op `json:"ops"`
}

func (d *Dispatcher) patchUser(ctx context.Context, raw json.RawMessage) (any, string) {
	var args patchArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, errDecode
	}

	applied, err := d.svc.PatchUser(ctx, args.UserID, args.Ops)
	if err != nil {
		return nil, d.mapError("patch_user", err)
	}
	return map[string]any{"user_id": args.UserID, "ops": applied}, ""
}

type searchArgs struct {
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
	PageSize int    `json:"page_size,omitempty"`
	AfterID  int64  `json:"after_id,omitempty"`
}

func (d *Dispatcher) searchUsers(ctx context.Context, raw json.RawMessage) (any, string) {
	var args searchArgs
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, errDecode
		}
	}

	result, err := d.svc.SearchUsers(ctx, database.SearchFilter{
		Name:     strings.TrimSpace(args.Name),
		Email:    strings.TrimSpace(args.Email),
		PageSize: args.PageSize,
		AfterID:  args.AfterID,
	})
	if err != nil {
		return nil, d.mapError("search_users", err)
	}

	items := make([]map[string]any, 0, len(result.Users))
	for _, u := range result.Users {
		items = append(items, searchItem(u))
	}
	payload := map[string]any{"items": items}
	if result.NextAfterID > 0 {
		payload["next_after_id"] = result.NextAfterID
	}
	return payload, ""
}

// searchItem projects a user for search results. Search never loads access
// tokens, so services carry external ids only.
func searchItem(u *models.User) map[string]any {
	services := make(map[string]any, len(u.Services))
	for p, svc := range u.Services {
		services[string(p)] = map[string]any{"id": svc.ID}
	}
	item := map[string]any{
		"id":       u.ID,
		"name":     u.Name,
		"email":    u.Email,
		"services": services,
	}
	if u.PictureURL != nil {
		item["picture_url"] = *u.PictureURL
	}
	return item
}

func (d *Dispatcher) mapError(op string, err error) string {
	switch {
	case errors.Is(err, domainErrors.ErrInvalidRequest):
		return errBadRequest
	case errors.Is(err, domainErrors.ErrNotFound):
		return errNotFound
	case errors.Is(err, domainErrors.ErrConflict):
		return errConflict
	case errors.Is(err, domainErrors.ErrPatchFailed):
		return errPatchFailed
	case errors.Is(err, domainErrors.ErrInvalidPatchResult):
		return errInvalidPatchResult
	default:
		d.logger.Error("RPC invocation failed", zap.String("op", op), zap.Error(err))
		return errInvocationFailed
	}
}
