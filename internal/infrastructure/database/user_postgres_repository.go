package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	domainErrors "github.com/glotpod/ident/internal/domain/errors"
	"github.com/glotpod/ident/internal/domain/models"
)

// Providers are persisted under the short codes the original schema used.
var providerCodes = map[models.Provider]string{
	models.ProviderFacebook: "fb",
	models.ProviderGitHub:   "gh",
}

var providersByCode = map[string]models.Provider{
	"fb": models.ProviderFacebook,
	"gh": models.ProviderGitHub,
}

// SearchFilter narrows and pages a user search. Name is matched with
// AND-of-prefixes full-text semantics; Email is matched exactly.
type SearchFilter struct {
	Name     string
	Email    string
	PageSize int
	AfterID  int64
}

// ServiceDiff is the explicit set of linked-service changes applied by an
// update: Upserts carry already-encrypted tokens, Removes name providers
// whose rows must go.
type ServiceDiff struct {
	Upserts map[models.Provider]models.LinkedService
	Removes []models.Provider
}

// queryer is satisfied by both *pgxpool.Pool and pgx.Tx, so reads can run
// pooled or inside a caller-supplied transaction.
type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// UserRepository owns the relational representation of users and their
// linked services. All mutations run on a caller-supplied transaction; the
// repository never commits on its own.
type UserRepository struct {
	db *pgxpool.Pool
}

func NewUserRepository(db *pgxpool.Pool) *UserRepository {
	return &UserRepository{db: db}
}

// FindUser resolves a selector to a full user record, or ErrNotFound. When
// the selector combines an id with provider ids, every criterion must
// resolve to the same user.
func (r *UserRepository) FindUser(ctx context.Context, sel models.UserSelector) (*models.User, error) {
	id, err := r.resolveSelector(ctx, r.db, sel)
	if err != nil {
		return nil, err
	}
	return loadUser(ctx, r.db, id, false)
}

// FindUserForUpdate loads a user inside tx with row-level locks on the user
// row and its service rows, serializing concurrent patches to the same user.
func (r *UserRepository) FindUserForUpdate(ctx context.Context, tx pgx.Tx, id int64) (*models.User, error) {
	return loadUser(ctx, tx, id, true)
}

// InsertUser inserts the user row plus one row per linked service and
// returns the generated id. Tokens in u.Services must already be encrypted.
func (r *UserRepository) InsertUser(ctx context.Context, tx pgx.Tx, u *models.User) (int64, error) {
	var id int64
	err := tx.QueryRow(ctx,
		`INSERT INTO users (name, email_address, picture_url) VALUES ($1, $2, $3) RETURNING id`,
		u.Name, u.Email, u.PictureURL,
	).Scan(&id)
	if err != nil {
		return 0, mapPgError(err, "failed to insert user")
	}

	for _, p := range models.Providers {
		svc, ok := u.Services[p]
		if !ok {
			continue
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO linked_services (user_id, provider, external_id, access_token) VALUES ($1, $2, $3, $4)`,
			id, providerCodes[p], svc.ID, svc.AccessToken,
		)
		if err != nil {
			return 0, mapPgError(err, "failed to insert linked service")
		}
	}
	return id, nil
}

// UpdateUser replaces the user's scalar fields and applies the service
// diff. ErrNotFound when the id does not exist, ErrConflict on any
// uniqueness violation.
func (r *UserRepository) UpdateUser(ctx context.Context, tx pgx.Tx, id int64, u *models.User, diff ServiceDiff) error {
	tag, err := tx.Exec(ctx,
		`UPDATE users SET name = $2, email_address = $3, picture_url = $4 WHERE id = $1`,
		id, u.Name, u.Email, u.PictureURL,
	)
	if err != nil {
		return mapPgError(err, "failed to update user")
	}
	if tag.RowsAffected() == 0 {
		return domainErrors.ErrNotFound
	}

	for _, p := range diff.Removes {
		_, err := tx.Exec(ctx,
			`DELETE FROM linked_services WHERE user_id = $1 AND provider = $2`,
			id, providerCodes[p],
		)
		if err != nil {
			return mapPgError(err, "failed to remove linked service")
		}
	}

	for _, p := range models.Providers {
		svc, ok := diff.Upserts[p]
		if !ok {
			continue
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO linked_services (user_id, provider, external_id, access_token)
			 VALUES ($1, $2, $3, $4)
			 ON CONFLICT (user_id, provider)
			 DO UPDATE SET external_id = EXCLUDED.external_id, access_token = EXCLUDED.access_token`,
			id, providerCodes[p], svc.ID, svc.AccessToken,
		)
		if err != nil {
			return mapPgError(err, "failed to upsert linked service")
		}
	}
	return nil
}

// SearchUsers returns an ordered page of users. Records carry service
// bindings with external ids only; access tokens are never loaded on the
// search path.
func (r *UserRepository) SearchUsers(ctx context.Context, filter SearchFilter) ([]*models.User, error) {
	var (
		conds []string
		args  []any
		order = "id ASC"
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Email != "" {
		conds = append(conds, "email_address = "+arg(filter.Email))
	}
	// A name with no searchable words (for example all whitespace) is
	// treated as no name filter; an empty tsquery is a syntax error in
	// Postgres.
	if tsquery := prefixTSQuery(filter.Name); tsquery != "" {
		ph := arg(tsquery)
		conds = append(conds, "to_tsvector('simple', name) @@ to_tsquery('simple', "+ph+")")
		order = "ts_rank(to_tsvector('simple', name), to_tsquery('simple', " + ph + ")) DESC, id ASC"
	}
	if filter.AfterID > 0 {
		conds = append(conds, "id > "+arg(filter.AfterID))
	}

	query := `SELECT id, name, email_address, picture_url FROM users`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY " + order
	if filter.PageSize > 0 {
		query += " LIMIT " + arg(filter.PageSize)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search users: %w", err)
	}
	defer rows.Close()

	var users []*models.User
	byID := map[int64]*models.User{}
	for rows.Next() {
		u := &models.User{Services: map[models.Provider]models.LinkedService{}}
		if err := rows.Scan(&u.ID, &u.Name, &u.Email, &u.PictureURL); err != nil {
			return nil, fmt.Errorf("failed to scan user during search: %w", err)
		}
		users = append(users, u)
		byID[u.ID] = u
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error after iterating search results: %w", err)
	}
	if len(users) == 0 {
		return users, nil
	}

	ids := make([]int64, 0, len(users))
	for _, u := range users {
		ids = append(ids, u.ID)
	}
	svcRows, err := r.db.Query(ctx,
		`SELECT user_id, provider, external_id FROM linked_services WHERE user_id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load services for search results: %w", err)
	}
	defer svcRows.Close()
	for svcRows.Next() {
		var (
			userID     int64
			code       string
			externalID string
		)
		if err := svcRows.Scan(&userID, &code, &externalID); err != nil {
			return nil, fmt.Errorf("failed to scan linked service during search: %w", err)
		}
		if u, ok := byID[userID]; ok {
			u.Services[providersByCode[code]] = models.LinkedService{ID: externalID}
		}
	}
	if err := svcRows.Err(); err != nil {
		return nil, fmt.Errorf("error after iterating search services: %w", err)
	}
	return users, nil
}

// resolveSelector turns a selector into a concrete user id, requiring every
// supplied criterion to agree.
func (r *UserRepository) resolveSelector(ctx context.Context, q queryer, sel models.UserSelector) (int64, error) {
	if sel.Empty() {
		return 0, fmt.Errorf("%w: empty selector", domainErrors.ErrInvalidRequest)
	}

	var resolved *int64
	agree := func(id int64) error {
		if resolved != nil && *resolved != id {
			return domainErrors.ErrNotFound
		}
		resolved = &id
		return nil
	}

	if sel.UserID != nil {
		if *sel.UserID <= 0 {
			return 0, domainErrors.ErrNotFound
		}
		if err := agree(*sel.UserID); err != nil {
			return 0, err
		}
	}
	lookups := []struct {
		provider models.Provider
		id       *string
	}{
		{models.ProviderGitHub, sel.GitHubID},
		{models.ProviderFacebook, sel.FacebookID},
	}
	for _, l := range lookups {
		if l.id == nil {
			continue
		}
		var userID int64
		err := q.QueryRow(ctx,
			`SELECT user_id FROM linked_services WHERE provider = $1 AND external_id = $2`,
			providerCodes[l.provider], *l.id,
		).Scan(&userID)
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domainErrors.ErrNotFound
		}
		if err != nil {
			return 0, fmt.Errorf("failed to resolve %s id: %w", l.provider, err)
		}
		if err := agree(userID); err != nil {
			return 0, err
		}
	}
	return *resolved, nil
}

func loadUser(ctx context.Context, q queryer, id int64, lock bool) (*models.User, error) {
	userQuery := `SELECT id, name, email_address, picture_url FROM users WHERE id = $1`
	svcQuery := `SELECT provider, external_id, access_token FROM linked_services WHERE user_id = $1`
	if lock {
		userQuery += " FOR UPDATE"
		svcQuery += " FOR UPDATE"
	}

	u := &models.User{Services: map[models.Provider]models.LinkedService{}}
	err := q.QueryRow(ctx, userQuery, id).Scan(&u.ID, &u.Name, &u.Email, &u.PictureURL)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domainErrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	rows, err := q.Query(ctx, svcQuery, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load linked services: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			code string
			svc  models.LinkedService
		)
		if err := rows.Scan(&code, &svc.ID, &svc.AccessToken); err != nil {
			return nil, fmt.Errorf("failed to scan linked service: %w", err)
		}
		u.Services[providersByCode[code]] = svc
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error after iterating linked services: %w", err)
	}
	return u, nil
}

// prefixTSQuery turns "Ned Sta" into "Ned:* & Sta:*" so every word of the
// query must prefix-match the name.
func prefixTSQuery(name string) string {
	words := strings.Fields(name)
	terms := make([]string, 0, len(words))
	for _, w := range words {
		terms = append(terms, w+":*")
	}
	return strings.Join(terms, " & ")
}

// mapPgError surfaces unique violations as the domain conflict error and
// wraps everything else with context.
func mapPgError(err error, msg string) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", domainErrors.ErrConflict, pgErr.ConstraintName)
	}
	return fmt.Errorf("%s: %w", msg, err)
}
