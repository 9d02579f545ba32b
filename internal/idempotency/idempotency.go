package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
)

var (
	ErrKeyReused  = errors.New("idempotency key reused for a different request")
	ErrInProgress = errors.New("request with this idempotency key is in progress")
)

// pendingTTL bounds how long a crashed request keeps its key reserved.
const pendingTTL = time.Minute

// Backend stores raw recorded responses. Reserve writes only when key is
// absent and reports whether it did.
type Backend interface {
	Load(ctx context.Context, key string) ([]byte, bool, error)
	Reserve(ctx context.Context, key string, data []byte, ttl time.Duration) (bool, error)
	Store(ctx context.Context, key string, data []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type Idempotency struct {
	backend Backend
	ttl     time.Duration
}

func NewIdempotency(backend Backend, ttl time.Duration) *Idempotency {
	return &Idempotency{backend: backend, ttl: ttl}
}

// Response is a recorded outcome. Pending marks a key claimed by a request
// that has not finished yet.
type Response struct {
	Status      int    `json:"status,omitempty"`
	Result      []byte `json:"result,omitempty"`
	Fingerprint string `json:"fingerprint"`
	Pending     bool   `json:"pending,omitempty"`
}

// Scope binds a client key to the caller and the target of the request, so
// the same key sent by another user or to another resource never collides.
// It returns "" for an empty key.
func Scope(userID, method, path, key string) string {
	if key == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(userID + "\x00" + method + "\x00" + path + "\x00" + key))
	return hex.EncodeToString(sum[:])
}

// Fingerprint identifies a request body.
func Fingerprint(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Begin claims scope for a request whose body has the given fingerprint.
// It returns nil when the caller should run the request, or the recorded
// response of an identical request that already completed. A different body
// under the same scope fails with ErrKeyReused; a duplicate of a request
// still running fails with ErrInProgress.
func (i *Idempotency) Begin(ctx context.Context, scope, fingerprint string) (*Response, error) {
	if i == nil || scope == "" {
		return nil, nil
	}
	existing, err := i.load(ctx, scope)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		pending, err := json.Marshal(Response{Fingerprint: fingerprint, Pending: true})
		if err != nil {
			return nil, err
		}
		ttl := pendingTTL
		if i.ttl < ttl {
			ttl = i.ttl
		}
		claimed, err := i.backend.Reserve(ctx, scope, pending, ttl)
		if err != nil {
			return nil, errors.Wrap(err, "reserve idempotency key")
		}
		if claimed {
			return nil, nil
		}
		if existing, err = i.load(ctx, scope); err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, ErrInProgress
		}
	}
	if existing.Fingerprint != fingerprint {
		return nil, ErrKeyReused
	}
	if existing.Pending {
		return nil, ErrInProgress
	}
	return existing, nil
}

// Complete records the outcome for scope, replacing the pending claim.
func (i *Idempotency) Complete(ctx context.Context, scope string, resp Response) error {
	if i == nil || scope == "" {
		return nil
	}
	resp.Pending = false
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	return i.backend.Store(ctx, scope, data, i.ttl)
}

// Release drops the claim on scope so the request can be retried.
func (i *Idempotency) Release(ctx context.Context, scope string) error {
	if i == nil || scope == "" {
		return nil
	}
	return i.backend.Delete(ctx, scope)
}

func (i *Idempotency) load(ctx context.Context, scope string) (*Response, error) {
	data, ok, err := i.backend.Load(ctx, scope)
	if err != nil {
		return nil, errors.Wrap(err, "load idempotent response")
	}
	if !ok {
		return nil, nil
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, errors.Wrap(err, "decode idempotent response")
	}
	return &resp, nil
}
