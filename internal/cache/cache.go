// Package cache persists the client's last known subscription snapshot across
// restarts. The server's reconciliation response is authoritative; a cached
// record is advisory and may be stale.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"billingsync/internal/types"
)

// Store is the durable mirror the orchestrator writes after each check.
//
// Read returns (nil, nil) when nothing is cached. Write replaces the snapshot
// wholesale, stamps last_check_at with the current time and records the
// principal the data belongs to. MarkChange stamps last_change_at and clears
// last_check_at so the next check goes to the server. Clear removes
// everything and must be called on sign-out and principal change.
type Store interface {
	Read(ctx context.Context) (*types.CacheRecord, error)
	Write(ctx context.Context, snapshot *types.SubscriptionSnapshot, principal string) error
	Clear(ctx context.Context) error
	MarkChange(ctx context.Context) error
}

// backend moves an encoded record in and out of one storage medium. load
// returns (nil, nil) when the record is absent.
type backend interface {
	load(ctx context.Context) ([]byte, error)
	save(ctx context.Context, data []byte) error
	remove(ctx context.Context) error
}

// recordStore implements Store's record semantics on top of a backend so
// every medium behaves the same way.
type recordStore struct {
	backend backend
	now     func() time.Time
}

// Option configures a store.
type Option func(*recordStore)

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(s *recordStore) {
		if now != nil {
			s.now = now
		}
	}
}

func newRecordStore(b backend, opts []Option) recordStore {
	s := recordStore{backend: b, now: time.Now}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

func (s *recordStore) Read(ctx context.Context) (*types.CacheRecord, error) {
	data, err := s.backend.load(ctx)
	if err != nil {
		return nil, storageError("failed to read subscription cache", err)
	}
	if data == nil {
		return nil, nil
	}

	var rec types.CacheRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		// A corrupt record is treated as a miss; the next Write repairs it.
		return nil, nil
	}
	return &rec, nil
}

func (s *recordStore) Write(ctx context.Context, snapshot *types.SubscriptionSnapshot, principal string) error {
	rec, err := s.Read(ctx)
	if err != nil {
		return err
	}
	if rec == nil {
		rec = &types.CacheRecord{}
	}
	rec.Snapshot = snapshot.Clone()
	rec.LastCheckAt = s.now().UTC()
	rec.LastCheckedPrincipal = principal
	return s.put(ctx, rec)
}

func (s *recordStore) Clear(ctx context.Context) error {
	if err := s.backend.remove(ctx); err != nil {
		return storageError("failed to clear subscription cache", err)
	}
	return nil
}

func (s *recordStore) MarkChange(ctx context.Context) error {
	rec, err := s.Read(ctx)
	if err != nil {
		return err
	}
	if rec == nil {
		rec = &types.CacheRecord{}
	}
	rec.LastChangeAt = s.now().UTC()
	rec.LastCheckAt = time.Time{}
	return s.put(ctx, rec)
}

func (s *recordStore) put(ctx context.Context, rec *types.CacheRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return storageError("failed to encode subscription cache", err)
	}
	if err := s.backend.save(ctx, data); err != nil {
		return storageError("failed to write subscription cache", err)
	}
	return nil
}

func storageError(msg string, err error) error {
	return types.NewAppError(types.ErrCodeInternalCache, msg, err)
}
