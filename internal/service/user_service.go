// Package service implements the identity record operations: one database
// transaction per request, patch application against an in-memory snapshot,
// token encryption at the write boundary, and exactly one change
// notification per committed write.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	domainErrors "github.com/glotpod/ident/internal/domain/errors"
	"github.com/glotpod/ident/internal/domain/models"
	"github.com/glotpod/ident/internal/events"
	"github.com/glotpod/ident/internal/infrastructure/database"
	"github.com/glotpod/ident/internal/infrastructure/security"
	"github.com/glotpod/ident/internal/patch"
	"github.com/glotpod/ident/pkg/metrics"
)

// Store is the persistence surface the service drives. Mutating calls run
// on the transaction the service opened; the store never commits.
type Store interface {
	FindUser(ctx context.Context, sel models.UserSelector) (*models.User, error)
	FindUserForUpdate(ctx context.Context, tx pgx.Tx, id int64) (*models.User, error)
	InsertUser(ctx context.Context, tx pgx.Tx, u *models.User) (int64, error)
	UpdateUser(ctx context.Context, tx pgx.Tx, id int64, u *models.User, diff database.ServiceDiff) error
	SearchUsers(ctx context.Context, filter database.SearchFilter) ([]*models.User, error)
}

// TxBeginner opens transactions; *pgxpool.Pool satisfies it.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// SearchResult is an ordered page of users plus the cursor to restart the
// sequence after the last returned record.
type SearchResult struct {
	Users       []*models.User
	NextAfterID int64
}

// UserService orchestrates store, patch engine and token cipher. All
// fields are read-only after construction; a single instance serves
// concurrent requests.
type UserService struct {
	db        TxBeginner
	store     Store
	cipher    security.TokenCipher
	publisher events.Publisher
	metrics   *metrics.Registry
	logger    *zap.Logger
}

func NewUserService(
	db TxBeginner,
	store Store,
	cipher security.TokenCipher,
	publisher events.Publisher,
	m *metrics.Registry,
	logger *zap.Logger,
) *UserService {
	return &UserService{
		db:        db,
		store:     store,
		cipher:    cipher,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
	}
}

// GetUser resolves a selector to a full record with decrypted tokens.
// Selector criteria that resolve to different users yield ErrNotFound;
// an empty selector is invalid.
func (s *UserService) GetUser(ctx context.Context, sel models.UserSelector) (*models.User, error) {
	if sel.Empty() {
		return nil, fmt.Errorf("%w: at least one selector criterion is required", domainErrors.ErrInvalidRequest)
	}

	user, err := s.store.FindUser(ctx, sel)
	if err != nil {
		return nil, err
	}
	s.decryptServices(user)
	return user, nil
}

// CreateUser validates input, encrypts tokens, and inserts the user plus
// service rows in one transaction. The creation notification carries the
// record with tokens exactly as supplied.
func (s *UserService) CreateUser(ctx context.Context, req models.CreateUserRequest) (int64, error) {
	if err := req.Validate(); err != nil {
		return 0, err
	}

	user := req.ToUser()
	plain := user.Clone()
	if err := s.encryptServices(user); err != nil {
		return 0, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(ctx, tx)

	id, err := s.store.InsertUser(ctx, tx, user)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	plain.ID = id
	s.notify(ctx, events.EventUserCreated, func() error {
		return s.publisher.PublishUserCreated(ctx, plain)
	})
	return id, nil
}

// PatchUser locks the target rows, applies ops to a decrypted snapshot,
// re-validates the result, and writes the scalar fields plus the computed
// service diff. On success the accepted op list is returned and published.
func (s *UserService) PatchUser(ctx context.Context, id int64, ops []patch.Op) ([]patch.Op, error) {
	if id <= 0 {
		return nil, domainErrors.ErrNotFound
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(ctx, tx)

	current, err := s.store.FindUserForUpdate(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	s.decryptServices(current)

	patchedDoc, err := patch.Apply(current.Document(), ops)
	if err != nil {
		return nil, err
	}
	patched, err := models.UserFromDocument(patchedDoc)
	if err != nil {
		// A clean application that no longer satisfies the schema is its
		// own failure kind, distinct from malformed input.
		return nil, fmt.Errorf("%w: %v", domainErrors.ErrInvalidPatchResult, err)
	}
	patched.ID = id

	diff := database.ServiceDiff{Upserts: map[models.Provider]models.LinkedService{}}
	for _, p := range models.Providers {
		_, had := current.Services[p]
		svc, has := patched.Services[p]
		switch {
		case had && !has:
			diff.Removes = append(diff.Removes, p)
		case has:
			enc, err := s.cipher.Encrypt(svc.AccessToken)
			if err != nil {
				return nil, fmt.Errorf("failed to encrypt access token: %w", err)
			}
			svc.AccessToken = enc
			diff.Upserts[p] = svc
		}
	}

	if err := s.store.UpdateUser(ctx, tx, id, patched, diff); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	s.notify(ctx, events.EventUserPatched, func() error {
		return s.publisher.PublishUserPatched(ctx, id, ops)
	})
	return ops, nil
}

// SearchUsers returns an ordered, restartable page of users. Records carry
// service external ids but never tokens.
func (s *UserService) SearchUsers(ctx context.Context, filter database.SearchFilter) (*SearchResult, error) {
	// Zero means the caller omitted the parameter: no page limit, start
	// from the beginning.
	verr := &domainErrors.ValidationError{}
	if filter.PageSize < 0 {
		verr.Add("page_size", "must not be negative")
	}
	if filter.AfterID < 0 {
		verr.Add("after_id", "must not be negative")
	}
	if err := verr.OrNil(); err != nil {
		return nil, err
	}

	users, err := s.store.SearchUsers(ctx, filter)
	if err != nil {
		return nil, err
	}

	result := &SearchResult{Users: users}
	if filter.PageSize > 0 && len(users) == filter.PageSize {
		result.NextAfterID = users[len(users)-1].ID
	}
	return result, nil
}

// encryptServices replaces plaintext tokens with ciphertext in place.
func (s *UserService) encryptServices(u *models.User) error {
	for p, svc := range u.Services {
		enc, err := s.cipher.Encrypt(svc.AccessToken)
		if err != nil {
			return fmt.Errorf("failed to encrypt access token: %w", err)
		}
		svc.AccessToken = enc
		u.Services[p] = svc
	}
	return nil
}

// decryptServices replaces ciphertext with plaintext in place. Rows whose
// ciphertext cannot be authenticated are dropped from the record and
// logged as a data-integrity warning; historical placeholder rows exist
// and must not fail reads.
func (s *UserService) decryptServices(u *models.User) {
	for p, svc := range u.Services {
		plain, err := s.cipher.Decrypt(svc.AccessToken)
		if err != nil {
			if errors.Is(err, domainErrors.ErrCiphertextInvalid) {
				s.logger.Warn("dropping linked service with undecryptable token",
					zap.Int64("user_id", u.ID),
					zap.String("provider", string(p)),
					zap.Error(err),
				)
				delete(u.Services, p)
				continue
			}
			// Other cipher failures are unexpected but still must not
			// fail a read; treat them the same way, loudly.
			s.logger.Error("failed to decrypt access token",
				zap.Int64("user_id", u.ID),
				zap.String("provider", string(p)),
				zap.Error(err),
			)
			delete(u.Services, p)
			continue
		}
		svc.AccessToken = plain
		u.Services[p] = svc
	}
}

// notify publishes one post-commit event, best effort: failures are logged
// and counted, never surfaced to the request.
func (s *UserService) notify(ctx context.Context, eventType events.EventType, publish func() error) {
	if err := publish(); err != nil {
		s.logger.Error("failed to publish change notification",
			zap.String("type", string(eventType)),
			zap.Error(err),
		)
		if s.metrics != nil {
			s.metrics.NotificationFailuresTotal.Inc()
		}
		return
	}
	if s.metrics != nil {
		s.metrics.NotificationsTotal.WithLabelValues(string(eventType)).Inc()
	}
}

// rollback is a no-op once the transaction has committed.
func rollback(ctx context.Context, tx pgx.Tx) {
	_ = tx.Rollback(ctx)
}
