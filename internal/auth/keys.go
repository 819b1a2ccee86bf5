// Package auth manages accounts and the API keys that identify them.
// Keys are random, shown once at creation, and stored only as a SHA-256
// digest.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrUsernameTaken = errors.New("username already taken")
	ErrInvalidAPIKey = errors.New("invalid api key")
)

var usernameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{2,31}$`)

type Account struct {
	ID       string `json:"id"`
	Username string `json:"username"`
}

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

// CreateAccount registers a username and returns the account together
// with its API key. The key cannot be recovered later.
func (s *Store) CreateAccount(ctx context.Context, username string) (Account, string, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	if !usernameRe.MatchString(username) {
		return Account{}, "", fmt.Errorf("username must be 3-32 chars of lowercase letters, digits, _ or -")
	}
	key, err := newAPIKey()
	if err != nil {
		return Account{}, "", err
	}
	acct := Account{ID: uuid.NewString(), Username: username}
	_, err = s.db.Exec(ctx, `
		INSERT INTO squares.accounts (id, username, api_key_hash)
		VALUES ($1, $2, $3)
	`, acct.ID, acct.Username, hashKey(key))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Account{}, "", ErrUsernameTaken
		}
		return Account{}, "", err
	}
	return acct, key, nil
}

// VerifyAPIKey resolves a bearer key to its account.
func (s *Store) VerifyAPIKey(ctx context.Context, key string) (Account, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return Account{}, ErrInvalidAPIKey
	}
	var acct Account
	err := s.db.QueryRow(ctx, `
		SELECT id, username
		FROM squares.accounts
		WHERE api_key_hash = $1
	`, hashKey(key)).Scan(&acct.ID, &acct.Username)
	if err == pgx.ErrNoRows {
		return Account{}, ErrInvalidAPIKey
	}
	if err != nil {
		return Account{}, err
	}
	return acct, nil
}

func newAPIKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("api key entropy: %w", err)
	}
	return "sqp_" + hex.EncodeToString(buf), nil
}

func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
