package repository

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const revokedKeyPrefix = "auth:revoked:"

// RevocationRepository is a denylist of token ids. Entries live until the
// token would have expired anyway.
type RevocationRepository interface {
	Revoke(ctx context.Context, tokenID string, ttl time.Duration) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

type revocationRepository struct {
	client redis.UniversalClient
}

// NewRevocationRepository returns a Redis-backed denylist.
func NewRevocationRepository(client redis.UniversalClient) RevocationRepository {
	return &revocationRepository{client: client}
}

func (r *revocationRepository) Revoke(ctx context.Context, tokenID string, ttl time.Duration) error {
	if tokenID == "" {
		return errors.New("token id is empty")
	}
	// Already expired tokens need no entry.
	if ttl <= 0 {
		return nil
	}
	return r.client.Set(ctx, revokedKeyPrefix+tokenID, 1, ttl).Err()
}

func (r *revocationRepository) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	n, err := r.client.Exists(ctx, revokedKeyPrefix+tokenID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
