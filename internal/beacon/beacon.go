// Package beacon maintains the append-only randomness feed that stands
// in for block hashes in the commit-reveal protocol. The worker appends
// one 32-byte round per tick; a round's randomness is unknowable before
// the round exists, and unreadable once it falls outside the retention
// horizon. The beacon must run on infrastructure the pool operator does
// not control, or the no-bias property of commit-reveal is lost.
package beacon

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Horizon is how many rounds back randomness stays readable. Mirrors
// the 256-block blockhash limit the original protocol was built
// against.
const Horizon = 256

var ErrRandomnessUnavailable = errors.New("beacon randomness unavailable")

type Beacon struct {
	db  *pgxpool.Pool
	log *slog.Logger
}

func New(db *pgxpool.Pool, logger *slog.Logger) *Beacon {
	if logger == nil {
		logger = slog.Default()
	}
	return &Beacon{db: db, log: logger}
}

// Advance appends one round and returns its height.
func (b *Beacon) Advance(ctx context.Context) (int64, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return 0, fmt.Errorf("beacon entropy: %w", err)
	}
	var height int64
	err := b.db.QueryRow(ctx, `
		INSERT INTO beacon.rounds (randomness)
		VALUES ($1)
		RETURNING height
	`, buf).Scan(&height)
	if err != nil {
		return 0, err
	}
	return height, nil
}

// CurrentHeight returns the latest round height, or 0 when no round has
// been produced yet.
func (b *Beacon) CurrentHeight(ctx context.Context) (int64, error) {
	var height int64
	err := b.db.QueryRow(ctx, `
		SELECT height
		FROM beacon.rounds
		ORDER BY height DESC
		LIMIT 1
	`).Scan(&height)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return height, nil
}

// RandomnessAt returns the randomness of a specific round. Rounds that
// do not exist yet, or that fell out of the horizon, are unavailable.
func (b *Beacon) RandomnessAt(ctx context.Context, height int64) ([]byte, error) {
	current, err := b.CurrentHeight(ctx)
	if err != nil {
		return nil, err
	}
	if !Readable(height, current) {
		return nil, fmt.Errorf("%w: round %d at height %d", ErrRandomnessUnavailable, height, current)
	}
	var randomness []byte
	err = b.db.QueryRow(ctx, `
		SELECT randomness
		FROM beacon.rounds
		WHERE height = $1
	`, height).Scan(&randomness)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: round %d missing", ErrRandomnessUnavailable, height)
	}
	if err != nil {
		return nil, err
	}
	return randomness, nil
}

// Readable reports whether the round at height is still retrievable
// given the current height.
func Readable(height, current int64) bool {
	if height <= 0 || height > current {
		return false
	}
	return current-height <= Horizon
}
