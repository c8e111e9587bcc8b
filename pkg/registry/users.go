package registry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vexa-ai/vexa/pkg/models"
)

const userColumns = `id, email, name, max_concurrent_bots, webhook_url, webhook_secret, created_at`

// UserStore persists users and their API tokens.
type UserStore struct {
	pool *pgxpool.Pool
}

// NewUserStore creates a UserStore using an existing pool.
func NewUserStore(pool *pgxpool.Pool) *UserStore {
	return &UserStore{pool: pool}
}

func scanUser(row rowScanner) (*models.User, error) {
	var u models.User
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.MaxConcurrentBots,
		&u.WebhookURL, &u.WebhookSecret, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Create inserts a user. A non-positive maxBots falls back to the default.
func (s *UserStore) Create(ctx context.Context, email, name string, maxBots int) (*models.User, error) {
	if email == "" {
		return nil, &ValidationError{Field: "email", Message: "must not be empty"}
	}
	if maxBots <= 0 {
		maxBots = models.DefaultMaxConcurrentBots
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO users (email, name, max_concurrent_bots) VALUES ($1, $2, $3)
		RETURNING `+userColumns,
		email, name, maxBots)
	u, err := scanUser(row)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("registry: user %s: %w", email, ErrAlreadyExists)
		}
		return nil, fmt.Errorf("registry: create user: %w", err)
	}
	return u, nil
}

// Get returns a user by id.
func (s *UserStore) Get(ctx context.Context, id int64) (*models.User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("registry: user %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("registry: get user: %w", err)
	}
	return u, nil
}

// GetByEmail returns a user by email.
func (s *UserStore) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("registry: user %s: %w", email, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("registry: get user: %w", err)
	}
	return u, nil
}

// List returns all users, oldest first.
func (s *UserStore) List(ctx context.Context) ([]*models.User, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+userColumns+` FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("registry: list users: %w", err)
	}
	defer rows.Close()

	var out []*models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("registry: scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// UserPatch carries optional user updates; nil fields are left unchanged.
type UserPatch struct {
	Name              *string
	MaxConcurrentBots *int
	WebhookURL        *string
	WebhookSecret     *string
}

// Update applies a patch and returns the updated user.
func (s *UserStore) Update(ctx context.Context, id int64, patch UserPatch) (*models.User, error) {
	if patch.MaxConcurrentBots != nil && *patch.MaxConcurrentBots <= 0 {
		return nil, &ValidationError{Field: "max_concurrent_bots", Message: "must be positive"}
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE users SET
			name = COALESCE($2, name),
			max_concurrent_bots = COALESCE($3, max_concurrent_bots),
			webhook_url = COALESCE($4, webhook_url),
			webhook_secret = COALESCE($5, webhook_secret)
		WHERE id = $1
		RETURNING `+userColumns,
		id, patch.Name, patch.MaxConcurrentBots, patch.WebhookURL, patch.WebhookSecret)
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("registry: user %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("registry: update user: %w", err)
	}
	return u, nil
}

// CreateToken issues a fresh API token for a user.
func (s *UserStore) CreateToken(ctx context.Context, userID int64) (*models.APIToken, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("registry: generate token: %w", err)
	}
	token := hex.EncodeToString(buf)

	var t models.APIToken
	err := s.pool.QueryRow(ctx, `
		INSERT INTO api_tokens (user_id, token) VALUES ($1, $2)
		RETURNING id, user_id, token, created_at`,
		userID, token).Scan(&t.ID, &t.UserID, &t.Token, &t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("registry: create token: %w", err)
	}
	return &t, nil
}

// ListTokens returns a user's API tokens.
func (s *UserStore) ListTokens(ctx context.Context, userID int64) ([]models.APIToken, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, token, created_at FROM api_tokens
		WHERE user_id = $1 ORDER BY id`, userID)
	if err != nil {
		return nil, fmt.Errorf("registry: list tokens: %w", err)
	}
	defer rows.Close()

	var out []models.APIToken
	for rows.Next() {
		var t models.APIToken
		if err := rows.Scan(&t.ID, &t.UserID, &t.Token, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("registry: scan token: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// DeleteToken revokes a token by id.
func (s *UserStore) DeleteToken(ctx context.Context, userID, tokenID int64) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM api_tokens WHERE id = $1 AND user_id = $2`, tokenID, userID)
	if err != nil {
		return fmt.Errorf("registry: delete token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("registry: token %d: %w", tokenID, ErrNotFound)
	}
	return nil
}

// Authenticate resolves an API token to its owning user.
func (s *UserStore) Authenticate(ctx context.Context, token string) (*models.User, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT u.id, u.email, u.name, u.max_concurrent_bots, u.webhook_url, u.webhook_secret, u.created_at
		FROM users u
		JOIN api_tokens t ON t.user_id = u.id
		WHERE t.token = $1`, token)
	u, err := scanUser(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("registry: token: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("registry: authenticate: %w", err)
	}
	return u, nil
}
