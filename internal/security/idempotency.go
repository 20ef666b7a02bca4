package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// IdempotencyStore remembers responses by idempotency key so a retried
// request replays the first answer instead of repeating its side effects.
type IdempotencyStore struct {
	keys map[string]*IdempotencyEntry
	mu   sync.RWMutex
	ttl  time.Duration
	now  func() time.Time

	stop chan struct{}
	once sync.Once
}

// IdempotencyEntry is one remembered response.
type IdempotencyEntry struct {
	Key         string
	Status      int
	ContentType string
	Body        []byte
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// NewIdempotencyStore creates a store whose entries live for ttl and starts
// its cleanup loop. Call Stop to end it.
func NewIdempotencyStore(ttl time.Duration) *IdempotencyStore {
	store := &IdempotencyStore{
		keys: make(map[string]*IdempotencyEntry),
		ttl:  ttl,
		now:  time.Now,
		stop: make(chan struct{}),
	}
	go store.cleanup()
	return store
}

// Check returns the live entry for key.
func (s *IdempotencyStore) Check(key string) (*IdempotencyEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, exists := s.keys[key]
	if !exists || s.now().After(entry.ExpiresAt) {
		return nil, false
	}
	return entry, true
}

// Store remembers a response for key. The body is copied.
func (s *IdempotencyStore) Store(key string, status int, contentType string, body []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.keys[key] = &IdempotencyEntry{
		Key:         key,
		Status:      status,
		ContentType: contentType,
		Body:        append([]byte(nil), body...),
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
	}
}

// Delete removes an idempotency key
func (s *IdempotencyStore) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, key)
}

// Stop ends the cleanup loop.
func (s *IdempotencyStore) Stop() {
	s.once.Do(func() { close(s.stop) })
}

func (s *IdempotencyStore) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.purge()
		}
	}
}

func (s *IdempotencyStore) purge() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for key, entry := range s.keys {
		if now.After(entry.ExpiresAt) {
			delete(s.keys, key)
		}
	}
}

// SignatureHeader carries the webhook HMAC.
const SignatureHeader = "X-Agentab-Signature"

// GenerateWebhookSignature returns "sha256=<hex hmac>" of payload.
func GenerateWebhookSignature(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhookSignature verifies a webhook signature
func VerifyWebhookSignature(payload []byte, signature, secret string) bool {
	expected := GenerateWebhookSignature(payload, secret)
	return hmac.Equal([]byte(expected), []byte(signature))
}
