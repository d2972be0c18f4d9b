package database_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	domainErrors "github.com/glotpod/ident/internal/domain/errors"
	"github.com/glotpod/ident/internal/domain/models"
	"github.com/glotpod/ident/internal/infrastructure/database"
)

const (
	testPostgresDSNEnv    = "TEST_IDENT_POSTGRES_DSN"
	defaultMigrationsPath = "file://../../../migrations"
)

type UserRepositoryTestSuite struct {
	suite.Suite
	pool *pgxpool.Pool
	repo *database.UserRepository
}

func TestUserRepositoryTestSuite(t *testing.T) {
	dsn := os.Getenv(testPostgresDSNEnv)
	if dsn == "" {
		t.Skipf("Skipping repository tests: %s not set", testPostgresDSNEnv)
	}

	migrationsPath := os.Getenv("MIGRATIONS_PATH")
	if migrationsPath == "" {
		migrationsPath = defaultMigrationsPath
	}
	if !strings.HasPrefix(migrationsPath, "file://") {
		migrationsPath = "file://" + migrationsPath
	}

	m, err := migrate.New(migrationsPath, dsn)
	if err != nil {
		t.Fatalf("Failed to create migration instance: %v", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		t.Fatalf("Failed to apply migrations: %v", err)
	}

	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("Failed to connect to test database: %v", err)
	}
	defer pool.Close()

	suite.Run(t, &UserRepositoryTestSuite{pool: pool})
}

func (s *UserRepositoryTestSuite) SetupTest() {
	s.repo = database.NewUserRepository(s.pool)
	_, err := s.pool.Exec(context.Background(), `TRUNCATE TABLE linked_services, users RESTART IDENTITY CASCADE`)
	require.NoError(s.T(), err, "Failed to clean tables before test")
}

// inTx runs fn on a fresh transaction and commits it.
func (s *UserRepositoryTestSuite) inTx(fn func(tx pgx.Tx) error) {
	ctx := context.Background()
	tx, err := s.pool.Begin(ctx)
	require.NoError(s.T(), err)
	if err := fn(tx); err != nil {
		_ = tx.Rollback(ctx)
		s.T().Fatalf("transaction body failed: %v", err)
	}
	require.NoError(s.T(), tx.Commit(ctx))
}

func (s *UserRepositoryTestSuite) createUser(u *models.User) int64 {
	var id int64
	s.inTx(func(tx pgx.Tx) error {
		var err error
		id, err = s.repo.InsertUser(context.Background(), tx, u)
		return err
	})
	return id
}

func sampleUser() *models.User {
	return &models.User{
		Name:  "Ned Stark",
		Email: "ned@winterfell.gov",
		Services: map[models.Provider]models.LinkedService{
			models.ProviderGitHub:   {ID: "ned", AccessToken: "ciphertext-gh"},
			models.ProviderFacebook: {ID: "ned.stark", AccessToken: "ciphertext-fb"},
		},
	}
}

func (s *UserRepositoryTestSuite) TestInsertAndFindByID() {
	id := s.createUser(sampleUser())
	s.Require().Positive(id)

	found, err := s.repo.FindUser(context.Background(), models.UserSelector{UserID: &id})
	s.Require().NoError(err)
	s.Equal("Ned Stark", found.Name)
	s.Equal("ned@winterfell.gov", found.Email)
	s.Equal("ciphertext-gh", found.Services[models.ProviderGitHub].AccessToken)
	s.Equal("ned.stark", found.Services[models.ProviderFacebook].ID)
}

func (s *UserRepositoryTestSuite) TestFindByProviderIDs() {
	id := s.createUser(sampleUser())

	gh := "ned"
	found, err := s.repo.FindUser(context.Background(), models.UserSelector{GitHubID: &gh})
	s.Require().NoError(err)
	s.Equal(id, found.ID)

	fb := "ned.stark"
	found, err = s.repo.FindUser(context.Background(), models.UserSelector{UserID: &id, FacebookID: &fb})
	s.Require().NoError(err)
	s.Equal(id, found.ID)
}

func (s *UserRepositoryTestSuite) TestSelectorDisagreement() {
	s.createUser(sampleUser())
	other := s.createUser(&models.User{
		Name:  "Robert Baratheon",
		Email: "robert@kingslanding.gov",
		Services: map[models.Provider]models.LinkedService{
			models.ProviderGitHub: {ID: "robert", AccessToken: "ct"},
		},
	})

	// github id belongs to Ned, user id is Robert's: criteria disagree.
	gh := "ned"
	_, err := s.repo.FindUser(context.Background(), models.UserSelector{UserID: &other, GitHubID: &gh})
	s.ErrorIs(err, domainErrors.ErrNotFound)
}

func (s *UserRepositoryTestSuite) TestFindMissing() {
	missing := int64(424242)
	_, err := s.repo.FindUser(context.Background(), models.UserSelector{UserID: &missing})
	s.ErrorIs(err, domainErrors.ErrNotFound)

	gh := "nobody"
	_, err = s.repo.FindUser(context.Background(), models.UserSelector{GitHubID: &gh})
	s.ErrorIs(err, domainErrors.ErrNotFound)
}

func (s *UserRepositoryTestSuite) TestDuplicateEmailConflicts() {
	s.createUser(sampleUser())

	dup := sampleUser()
	dup.Services = nil

	ctx := context.Background()
	tx, err := s.pool.Begin(ctx)
	s.Require().NoError(err)
	defer tx.Rollback(ctx)

	_, err = s.repo.InsertUser(ctx, tx, dup)
	s.ErrorIs(err, domainErrors.ErrConflict)
	s.Contains(err.Error(), "users_email_address_key")
}

func (s *UserRepositoryTestSuite) TestDuplicateProviderIDConflicts() {
	s.createUser(sampleUser())

	dup := &models.User{
		Name:  "Fake Ned",
		Email: "fake@example.com",
		Services: map[models.Provider]models.LinkedService{
			models.ProviderGitHub: {ID: "ned", AccessToken: "ct"},
		},
	}

	ctx := context.Background()
	tx, err := s.pool.Begin(ctx)
	s.Require().NoError(err)
	defer tx.Rollback(ctx)

	_, err = s.repo.InsertUser(ctx, tx, dup)
	s.ErrorIs(err, domainErrors.ErrConflict)
}

func (s *UserRepositoryTestSuite) TestUpdateUserAppliesDiff() {
	id := s.createUser(sampleUser())
	ctx := context.Background()

	updated := sampleUser()
	updated.Name = "Eddard Stark"
	s.inTx(func(tx pgx.Tx) error {
		return s.repo.UpdateUser(ctx, tx, id, updated, database.ServiceDiff{
			Upserts: map[models.Provider]models.LinkedService{
				models.ProviderGitHub: {ID: "eddard", AccessToken: "ciphertext-rotated"},
			},
			Removes: []models.Provider{models.ProviderFacebook},
		})
	})

	found, err := s.repo.FindUser(ctx, models.UserSelector{UserID: &id})
	s.Require().NoError(err)
	s.Equal("Eddard Stark", found.Name)
	s.Equal("eddard", found.Services[models.ProviderGitHub].ID)
	s.Equal("ciphertext-rotated", found.Services[models.ProviderGitHub].AccessToken)
	s.NotContains(found.Services, models.ProviderFacebook)
}

func (s *UserRepositoryTestSuite) TestUpdateMissingUser() {
	ctx := context.Background()
	tx, err := s.pool.Begin(ctx)
	s.Require().NoError(err)
	defer tx.Rollback(ctx)

	err = s.repo.UpdateUser(ctx, tx, 424242, sampleUser(), database.ServiceDiff{})
	s.ErrorIs(err, domainErrors.ErrNotFound)
}

func (s *UserRepositoryTestSuite) TestFindUserForUpdateLoadsFullRecord() {
	id := s.createUser(sampleUser())
	ctx := context.Background()

	tx, err := s.pool.Begin(ctx)
	s.Require().NoError(err)
	defer tx.Rollback(ctx)

	found, err := s.repo.FindUserForUpdate(ctx, tx, id)
	s.Require().NoError(err)
	s.Equal(id, found.ID)
	s.Len(found.Services, 2)

	_, err = s.repo.FindUserForUpdate(ctx, tx, 424242)
	s.ErrorIs(err, domainErrors.ErrNotFound)
}

func (s *UserRepositoryTestSuite) TestSearchUsers() {
	s.createUser(sampleUser())
	s.createUser(&models.User{Name: "Ned Flanders", Email: "ned@springfield.example"})
	s.createUser(&models.User{Name: "Robert Baratheon", Email: "robert@kingslanding.gov"})

	ctx := context.Background()

	s.Run("name prefix matching", func() {
		users, err := s.repo.SearchUsers(ctx, database.SearchFilter{Name: "Ned"})
		s.Require().NoError(err)
		s.Len(users, 2)
	})

	s.Run("multi-word name query ANDs prefixes", func() {
		users, err := s.repo.SearchUsers(ctx, database.SearchFilter{Name: "Ned Sta"})
		s.Require().NoError(err)
		s.Require().Len(users, 1)
		s.Equal("Ned Stark", users[0].Name)
	})

	s.Run("email exact match", func() {
		users, err := s.repo.SearchUsers(ctx, database.SearchFilter{Email: "ned@springfield.example"})
		s.Require().NoError(err)
		s.Require().Len(users, 1)
		s.Equal("Ned Flanders", users[0].Name)

		users, err = s.repo.SearchUsers(ctx, database.SearchFilter{Email: "ned@"})
		s.Require().NoError(err)
		s.Empty(users)
	})

	s.Run("search results omit tokens", func() {
		users, err := s.repo.SearchUsers(ctx, database.SearchFilter{Name: "Ned Stark"})
		s.Require().NoError(err)
		s.Require().Len(users, 1)
		svc := users[0].Services[models.ProviderGitHub]
		s.Equal("ned", svc.ID)
		s.Empty(svc.AccessToken)
	})

	s.Run("whitespace-only name is no filter", func() {
		users, err := s.repo.SearchUsers(ctx, database.SearchFilter{Name: "   "})
		s.Require().NoError(err)
		s.Len(users, 3)
	})

	s.Run("keyset pagination", func() {
		page1, err := s.repo.SearchUsers(ctx, database.SearchFilter{PageSize: 2})
		s.Require().NoError(err)
		s.Require().Len(page1, 2)

		page2, err := s.repo.SearchUsers(ctx, database.SearchFilter{PageSize: 2, AfterID: page1[1].ID})
		s.Require().NoError(err)
		s.Require().Len(page2, 1)
		s.Greater(page2[0].ID, page1[1].ID)
	})
}

// TestLockingReadBlocksUntilCommit verifies that a second transaction's
// FindUserForUpdate waits for the first transaction's row lock and then
// observes the committed write.
func (s *UserRepositoryTestSuite) TestLockingReadBlocksUntilCommit() {
	id := s.createUser(sampleUser())
	ctx := context.Background()

	tx1, err := s.pool.Begin(ctx)
	s.Require().NoError(err)
	defer tx1.Rollback(ctx)

	_, err = s.repo.FindUserForUpdate(ctx, tx1, id)
	s.Require().NoError(err)

	type readResult struct {
		user *models.User
		err  error
	}
	second := make(chan readResult, 1)
	go func() {
		tx2, err := s.pool.Begin(ctx)
		if err != nil {
			second <- readResult{err: err}
			return
		}
		defer tx2.Rollback(ctx)
		u, err := s.repo.FindUserForUpdate(ctx, tx2, id)
		second <- readResult{user: u, err: err}
	}()

	select {
	case res := <-second:
		s.T().Fatalf("second locking read returned before first transaction committed: %+v", res)
	case <-time.After(250 * time.Millisecond):
	}

	updated := sampleUser()
	updated.Name = "Eddard Stark"
	s.Require().NoError(s.repo.UpdateUser(ctx, tx1, id, updated, database.ServiceDiff{
		Upserts: map[models.Provider]models.LinkedService{
			models.ProviderGitHub: {ID: "eddard", AccessToken: "ciphertext-rotated"},
		},
	}))
	s.Require().NoError(tx1.Commit(ctx))

	select {
	case res := <-second:
		s.Require().NoError(res.err)
		s.Equal("Eddard Stark", res.user.Name)
		s.Equal("eddard", res.user.Services[models.ProviderGitHub].ID)
	case <-time.After(5 * time.Second):
		s.T().Fatal("second locking read never observed the committed write")
	}
}

// TestConcurrentInsertsOneWins races two inserts sharing an email address
// and expects the unique constraint to let exactly one commit.
func (s *UserRepositoryTestSuite) TestConcurrentInsertsOneWins() {
	ctx := context.Background()

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func(n int) {
			tx, err := s.pool.Begin(ctx)
			if err != nil {
				results <- err
				return
			}
			u := sampleUser()
			u.Name = fmt.Sprintf("Ned Stark %d", n)
			u.Services = nil
			if _, err := s.repo.InsertUser(ctx, tx, u); err != nil {
				_ = tx.Rollback(ctx)
				results <- err
				return
			}
			results <- tx.Commit(ctx)
		}(i)
	}

	var successes, conflicts int
	for i := 0; i < 2; i++ {
		select {
		case err := <-results:
			switch {
			case err == nil:
				successes++
			case errors.Is(err, domainErrors.ErrConflict):
				conflicts++
			default:
				s.T().Fatalf("unexpected insert error: %v", err)
			}
		case <-time.After(5 * time.Second):
			s.T().Fatal("concurrent insert did not finish")
		}
	}
	s.Equal(1, successes)
	s.Equal(1, conflicts)

	users, err := s.repo.SearchUsers(ctx, database.SearchFilter{Email: "ned@winterfell.gov"})
	s.Require().NoError(err)
	s.Len(users, 1)
}
