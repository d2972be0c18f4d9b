// Package events publishes best-effort change notifications for downstream
// consumers. Publishing happens strictly after the owning transaction has
// committed; a delivery failure never fails the originating request.
package events

import (
	"context"

	"github.com/glotpod/ident/internal/domain/models"
	"github.com/glotpod/ident/internal/patch"
)

// EventType names a notification kind.
type EventType string

const (
	EventUserCreated EventType = "com.glotpod.ident.user.created"
	EventUserPatched EventType = "com.glotpod.ident.user.patched"
)

// PatchedPayload is the data carried by a user.patched event: the literal
// op list that was accepted.
type PatchedPayload struct {
	UserID int64      `json:"user_id"`
	Ops    []patch.Op `json:"ops"`
}

// Publisher dispatches one structured event per successful write.
type Publisher interface {
	// PublishUserCreated carries the full created record, tokens exactly
	// as the caller supplied them.
	PublishUserCreated(ctx context.Context, user *models.User) error
	// PublishUserPatched carries the accepted op list.
	PublishUserPatched(ctx context.Context, userID int64, ops []patch.Op) error
	Close() error
}
