// Package localstore is a bbolt-backed conversation state store for the
// offline simulator. It honors the same contract as the DynamoDB store,
// including the optimistic version token; bbolt's single-writer
// transactions make the compare-and-swap trivially race-free.
package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"callsim/internal/domain"
)

var (
	bucketHistory = []byte("history")
	bucketLegs    = []byte("legs")
	bucketQuota   = []byte("quota")
)

const recordTTL = time.Hour

// ErrVersionConflict mirrors the DynamoDB store's conflict error.
var ErrVersionConflict = errors.New("localstore: history version conflict")

type historyRecord struct {
	Messages  []domain.ChatMessage `json:"messages"`
	Version   int64                `json:"version"`
	ExpiresAt int64                `json:"expiresAt"`
}

type legRecord struct {
	Context   domain.LegContext `json:"context"`
	ExpiresAt int64             `json:"expiresAt"`
}

// Store persists conversation state in a single bolt file.
type Store struct {
	db         *bolt.DB
	quotaLimit int
	now        func() time.Time
}

// Open creates or opens the bolt file at path.
func Open(path string, quotaLimit int) (*Store, error) {
	if quotaLimit <= 0 {
		return nil, errors.New("localstore: quota limit must be positive")
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("localstore: open %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketHistory, bucketLegs, bucketQuota} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("localstore: create buckets: %w", err)
	}
	return &Store{db: db, quotaLimit: quotaLimit, now: time.Now}, nil
}

// Close releases the bolt file.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetHistory loads the history document; absent, expired or malformed
// records read as empty with version 0.
func (s *Store) GetHistory(_ context.Context, conversationID string) ([]domain.ChatMessage, int64, error) {
	var rec historyRecord
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketHistory).Get([]byte(conversationID))
		if len(raw) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, &rec); err != nil {
			// Unreadable on-disk record; treat as absent.
			return nil
		}
		found = true
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("localstore: get history: %w", err)
	}
	if !found || rec.ExpiresAt <= s.now().Unix() {
		return nil, 0, nil
	}
	return rec.Messages, rec.Version, nil
}

// PutHistory replaces the history document if expectedVersion still matches.
func (s *Store) PutHistory(_ context.Context, conversationID string, msgs []domain.ChatMessage, expectedVersion int64) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketHistory)
		key := []byte(conversationID)

		var current int64
		if raw := b.Get(key); len(raw) > 0 {
			var rec historyRecord
			if err := json.Unmarshal(raw, &rec); err == nil && rec.ExpiresAt > s.now().Unix() {
				current = rec.Version
			}
		}
		if current != expectedVersion {
			return ErrVersionConflict
		}

		raw, err := json.Marshal(historyRecord{
			Messages:  msgs,
			Version:   expectedVersion + 1,
			ExpiresAt: s.now().Add(recordTTL).Unix(),
		})
		if err != nil {
			return err
		}
		return b.Put(key, raw)
	})
	if errors.Is(err, ErrVersionConflict) {
		return ErrVersionConflict
	}
	if err != nil {
		return fmt.Errorf("localstore: put history: %w", err)
	}
	return nil
}

// PutLegContext stores the join-time correlation record.
func (s *Store) PutLegContext(_ context.Context, lc domain.LegContext) error {
	if lc.ConversationID == "" || !lc.Role.Valid() {
		return errors.New("localstore: conversation id and role are required")
	}
	raw, err := json.Marshal(legRecord{
		Context:   lc,
		ExpiresAt: s.now().Add(recordTTL).Unix(),
	})
	if err != nil {
		return fmt.Errorf("localstore: encode leg context: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLegs).Put(legKey(lc.ConversationID, lc.Role), raw)
	})
	if err != nil {
		return fmt.Errorf("localstore: put leg context: %w", err)
	}
	return nil
}

// DeleteLegContext removes a correlation record. Deleting an absent record
// is a no-op.
func (s *Store) DeleteLegContext(_ context.Context, conversationID string, role domain.Role) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLegs).Delete(legKey(conversationID, role))
	})
	if err != nil {
		return fmt.Errorf("localstore: delete leg context: %w", err)
	}
	return nil
}

// GetLegContext resolves a stored correlation record.
func (s *Store) GetLegContext(_ context.Context, conversationID string, role domain.Role) (domain.LegContext, error) {
	var rec legRecord
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketLegs).Get(legKey(conversationID, role))
		if len(raw) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil
		}
		found = true
		return nil
	})
	if err != nil {
		return domain.LegContext{}, fmt.Errorf("localstore: get leg context: %w", err)
	}
	if !found || rec.ExpiresAt <= s.now().Unix() {
		return domain.LegContext{}, fmt.Errorf("localstore: leg context %s/%s not found", conversationID, role)
	}
	return rec.Context, nil
}

// CheckAndIncrementDailyQuota counts one generation call against today's
// budget inside a single write transaction.
func (s *Store) CheckAndIncrementDailyQuota(_ context.Context) (domain.QuotaDecision, error) {
	day := s.now().UTC().Format("2006-01-02")
	resetsAt := s.now().UTC().Truncate(24 * time.Hour).Add(24 * time.Hour)

	decision := domain.QuotaDecision{Limit: s.quotaLimit, ResetsAt: resetsAt}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQuota)
		key := []byte(day)

		count := 0
		if raw := b.Get(key); len(raw) > 0 {
			if err := json.Unmarshal(raw, &count); err != nil {
				count = 0
			}
		}
		if count >= s.quotaLimit {
			decision.Allowed = false
			decision.CurrentCount = count
			return nil
		}
		count++
		decision.Allowed = true
		decision.CurrentCount = count
		raw, err := json.Marshal(count)
		if err != nil {
			return err
		}
		return b.Put(key, raw)
	})
	if err != nil {
		return domain.QuotaDecision{}, fmt.Errorf("localstore: quota: %w", err)
	}
	return decision, nil
}

func legKey(conversationID string, role domain.Role) []byte {
	return []byte(conversationID + "_" + string(role))
}
