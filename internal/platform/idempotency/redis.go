package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix     = "idempotency:"
	redisWatchAttempts = 3
)

// RedisStore keeps reservations as JSON values whose Redis TTL matches the
// record expiry.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("idempotency: redis store requires client")
	}
	return &RedisStore{client: client, prefix: redisKeyPrefix}, nil
}

type redisRecord struct {
	Key             string              `json:"key"`
	Fingerprint     string              `json:"fingerprint"`
	Status          Status              `json:"status"`
	ResponseStatus  int                 `json:"response_status,omitempty"`
	ResponseHeaders map[string][]string `json:"response_headers,omitempty"`
	ResponseBody    []byte              `json:"response_body,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
	ExpiresAt       time.Time           `json:"expires_at"`
}

func (r redisRecord) toRecord() Record {
	return Record(r)
}

func (s *RedisStore) redisKey(key, fingerprint string) string {
	return s.prefix + compositeKey(key, fingerprint)
}

func (s *RedisStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	now = now.UTC()
	ttl = retention(ttl)
	id := s.redisKey(key, fingerprint)
	fresh := redisRecord{
		Key:         key,
		Fingerprint: fingerprint,
		Status:      StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
		ExpiresAt:   now.Add(ttl),
	}
	payload, err := json.Marshal(fresh)
	if err != nil {
		return Reservation{}, fmt.Errorf("idempotency: marshal record: %w", err)
	}

	// The key can expire between SETNX and GET; one retry covers that window.
	for attempt := 0; attempt < 2; attempt++ {
		created, err := s.client.SetNX(ctx, id, payload, ttl).Result()
		if err != nil {
			return Reservation{}, fmt.Errorf("idempotency: redis setnx: %w", err)
		}
		if created {
			return Reservation{State: ReservationStateNew, Record: fresh.toRecord()}, nil
		}

		existing, err := s.load(ctx, id)
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return Reservation{}, err
		}
		if existing.Fingerprint != fingerprint {
			return Reservation{}, ErrFingerprintMismatch
		}
		if existing.Status == StatusCompleted {
			return Reservation{State: ReservationStateCompleted, Record: existing.toRecord()}, nil
		}
		return Reservation{State: ReservationStatePending, Record: existing.toRecord()}, nil
	}
	return Reservation{}, errors.New("idempotency: redis reservation kept expiring")
}

func (s *RedisStore) SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	now = now.UTC()
	ttl = retention(ttl)
	id := s.redisKey(key, fingerprint)

	update := func(tx *redis.Tx) error {
		record, err := s.loadWith(ctx, tx, id)
		switch {
		case errors.Is(err, redis.Nil):
			record = redisRecord{Key: key, Fingerprint: fingerprint, CreatedAt: now}
		case err != nil:
			return err
		case record.Fingerprint != fingerprint:
			return ErrFingerprintMismatch
		}

		record.Status = StatusCompleted
		record.ResponseStatus = resp.Status
		record.ResponseHeaders = sanitizeHeaders(resp.Headers)
		record.ResponseBody = resp.Body
		record.UpdatedAt = now
		record.ExpiresAt = now.Add(ttl)
		payload, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("idempotency: marshal record: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, id, payload, ttl)
			return nil
		})
		return err
	}

	var err error
	for attempt := 0; attempt < redisWatchAttempts; attempt++ {
		err = s.client.Watch(ctx, update, id)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("idempotency: redis save contended: %w", err)
}

func (s *RedisStore) Release(ctx context.Context, key, fingerprint string) error {
	if err := s.client.Del(ctx, s.redisKey(key, fingerprint)).Err(); err != nil {
		return fmt.Errorf("idempotency: redis delete: %w", err)
	}
	return nil
}

// CleanupExpired is a no-op; Redis expires keys itself.
func (s *RedisStore) CleanupExpired(context.Context, time.Time, int) (int, error) {
	return 0, nil
}

func (s *RedisStore) load(ctx context.Context, id string) (redisRecord, error) {
	return s.loadWith(ctx, s.client, id)
}

func (s *RedisStore) loadWith(ctx context.Context, cmd redis.Cmdable, id string) (redisRecord, error) {
	data, err := cmd.Get(ctx, id).Bytes()
	if errors.Is(err, redis.Nil) {
		return redisRecord{}, redis.Nil
	}
	if err != nil {
		return redisRecord{}, fmt.Errorf("idempotency: redis get: %w", err)
	}
	var record redisRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return redisRecord{}, fmt.Errorf("idempotency: unmarshal record: %w", err)
	}
	return record, nil
}
