package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Idempotency record states.
const (
	idemStatePending = "pending"
	idemStateDone    = "done"
)

// StoredResponse is a completed response held for idempotent replay.
type StoredResponse struct {
	Status      int             `json:"status"`
	ContentType string          `json:"content_type"`
	Body        json.RawMessage `json:"body"`
}

type idemRecord struct {
	State    string          `json:"state"`
	Response *StoredResponse `json:"response,omitempty"`
}

// IdempotencyStore reserves client-supplied idempotency keys and replays the
// stored response for the lifetime of the TTL. A key has three states:
// absent, pending (a request is in flight), and done (response stored).
type IdempotencyStore struct {
	client Client
	ttl    time.Duration
}

// NewIdempotencyStore wraps client. ttl bounds both the in-flight window and
// the replay window.
func NewIdempotencyStore(client Client, ttl time.Duration) *IdempotencyStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &IdempotencyStore{client: client, ttl: ttl}
}

func idemKey(tenantID, key string) string {
	return CacheKey("idem", tenantID, key)
}

// Reserve attempts to claim a key. Outcomes:
//   - claimed now: (nil, false, nil) — caller runs the request and must
//     Complete or Release;
//   - already done: the stored response, false, nil — caller replays it;
//   - in flight: (nil, true, nil) — caller rejects the duplicate.
func (s *IdempotencyStore) Reserve(ctx context.Context, tenantID, key string) (*StoredResponse, bool, error) {
	pending, err := json.Marshal(idemRecord{State: idemStatePending})
	if err != nil {
		return nil, false, fmt.Errorf("marshal pending record: %w", err)
	}

	won, err := s.client.SetNX(ctx, idemKey(tenantID, key), pending, s.ttl)
	if err != nil {
		return nil, false, fmt.Errorf("reserve idempotency key: %w", err)
	}
	if won {
		return nil, false, nil
	}

	raw, err := s.client.Get(ctx, idemKey(tenantID, key))
	if errors.Is(err, ErrCacheMiss) {
		// Expired between SetNX and Get; treat as in flight and let the
		// client retry.
		return nil, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read idempotency key: %w", err)
	}

	var rec idemRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false, fmt.Errorf("decode idempotency record: %w", err)
	}
	if rec.State == idemStateDone && rec.Response != nil {
		return rec.Response, false, nil
	}
	return nil, true, nil
}

// Complete stores the response under the key for replay.
func (s *IdempotencyStore) Complete(ctx context.Context, tenantID, key string, resp StoredResponse) error {
	raw, err := json.Marshal(idemRecord{State: idemStateDone, Response: &resp})
	if err != nil {
		return fmt.Errorf("marshal idempotency record: %w", err)
	}
	if err := s.client.Set(ctx, idemKey(tenantID, key), raw, s.ttl); err != nil {
		return fmt.Errorf("store idempotency record: %w", err)
	}
	return nil
}

// Release frees a reserved key after a failed request so the client can
// retry with the same key.
func (s *IdempotencyStore) Release(ctx context.Context, tenantID, key string) error {
	if err := s.client.Delete(ctx, idemKey(tenantID, key)); err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}
