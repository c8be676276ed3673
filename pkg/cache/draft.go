package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DraftTTL is how long a pre-auth draft survives without being touched.
const DraftTTL = 10 * 24 * time.Hour

// DraftKey builds qr-draft:{sessionID}[:{extra}].
func DraftKey(sessionID, extra string) string {
	key := "qr-draft:" + sessionID
	if extra != "" {
		key += ":" + extra
	}
	return key
}

// DraftStore persists builder state per session id.
type DraftStore struct {
	kv  KV
	ttl time.Duration
}

func NewDraftStore(kv KV, ttl time.Duration) *DraftStore {
	if ttl <= 0 {
		ttl = DraftTTL
	}
	return &DraftStore{kv: kv, ttl: ttl}
}

// Save writes v as JSON under the session's draft key. Every write resets the expiry.
func (s *DraftStore) Save(ctx context.Context, sessionID, extra string, v any) error {
	if strings.TrimSpace(sessionID) == "" {
		return errors.New("draft session id required")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal draft: %w", err)
	}
	return s.kv.Set(ctx, DraftKey(sessionID, extra), raw, s.ttl)
}

// Load decodes the stored draft into dst. It reports false when nothing is stored.
func (s *DraftStore) Load(ctx context.Context, sessionID, extra string, dst any) (bool, error) {
	if strings.TrimSpace(sessionID) == "" {
		return false, nil
	}
	raw, ok, err := s.kv.Get(ctx, DraftKey(sessionID, extra))
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode draft: %w", err)
	}
	return true, nil
}

// Delete removes the base draft and any of the given extra keys.
func (s *DraftStore) Delete(ctx context.Context, sessionID string, extras ...string) error {
	keys := []string{DraftKey(sessionID, "")}
	for _, e := range extras {
		keys = append(keys, DraftKey(sessionID, e))
	}
	return s.kv.Del(ctx, keys...)
}

// NewQRMarker is the one-shot new-qr-id:{userId} marker consumed on the next dashboard load.
type NewQRMarker struct {
	kv  KV
	ttl time.Duration
}

func NewNewQRMarker(kv KV, ttl time.Duration) *NewQRMarker {
	if ttl <= 0 {
		ttl = DraftTTL
	}
	return &NewQRMarker{kv: kv, ttl: ttl}
}

func newQRKey(userID string) string { return "new-qr-id:" + userID }

func (m *NewQRMarker) Set(ctx context.Context, userID, qrID string) error {
	return m.kv.Set(ctx, newQRKey(userID), []byte(qrID), m.ttl)
}

// Consume returns the marked QR id and clears the marker.
func (m *NewQRMarker) Consume(ctx context.Context, userID string) (string, bool, error) {
	raw, ok, err := m.kv.Take(ctx, newQRKey(userID))
	if err != nil || !ok {
		return "", false, err
	}
	return string(raw), true, nil
}
