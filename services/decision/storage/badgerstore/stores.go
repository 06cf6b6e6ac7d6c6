// Copyright (C) 2025 Kestrel Works (oss@kestrelworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package badgerstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/kestrelworks/diskwarden/services/decision/resilience"
	"github.com/kestrelworks/diskwarden/services/decision/safety"
)

const (
	assessmentPrefix = "assessment/"
	usagePrefix      = "usage/"
)

// AssessmentStore persists completed assessments keyed by content
// fingerprint. It is the warm tier behind the in-memory cache and
// implements resilience.CacheStore[safety.Assessment].
//
// Thread Safety: safe for concurrent use.
type AssessmentStore struct {
	db *badger.DB
}

// NewAssessmentStore wraps an open database.
func NewAssessmentStore(db *badger.DB) *AssessmentStore {
	return &AssessmentStore{db: db}
}

// Load returns the persisted assessment for a fingerprint together
// with its absolute expiry from the entry's TTL metadata, so the hot
// tier resumes the remaining lifetime rather than restarting it. An
// expired key simply reads as absent. An undecodable value returns a
// cache-corruption error; the caller treats that as a miss and the
// next Save overwrites it.
func (s *AssessmentStore) Load(key string) (safety.Assessment, time.Time, bool, error) {
	var (
		a         safety.Assessment
		expiresAt time.Time
	)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(assessmentPrefix + key))
		if err != nil {
			return err
		}
		if exp := item.ExpiresAt(); exp > 0 {
			expiresAt = time.Unix(int64(exp), 0)
		}
		return item.Value(func(val []byte) error {
			if err := json.Unmarshal(val, &a); err != nil {
				return resilience.NewError(resilience.KindCacheCorruption,
					fmt.Errorf("assessment %s: %w", key, err))
			}
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return safety.Assessment{}, time.Time{}, false, nil
	}
	if err != nil {
		return safety.Assessment{}, time.Time{}, false, err
	}
	return a, expiresAt, true, nil
}

// Save persists an assessment with the given lifetime.
func (s *AssessmentStore) Save(key string, a safety.Assessment, ttl time.Duration) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encoding assessment %s: %w", key, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(assessmentPrefix+key), payload)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
}

// UsageStore persists daily usage counters keyed by day, implementing
// resilience.UsageStore.
//
// Thread Safety: safe for concurrent use.
type UsageStore struct {
	db *badger.DB
}

// NewUsageStore wraps an open database.
func NewUsageStore(db *badger.DB) *UsageStore {
	return &UsageStore{db: db}
}

// LoadDay returns the counters persisted for a day key
// ("2006-01-02"), or found=false when the day has no record yet.
func (s *UsageStore) LoadDay(day string) (resilience.UsageCounters, bool, error) {
	var c resilience.UsageCounters
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(usagePrefix + day))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &c)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return resilience.UsageCounters{}, false, nil
	}
	if err != nil {
		return resilience.UsageCounters{}, false, fmt.Errorf("loading usage for %s: %w", day, err)
	}
	return c, true, nil
}

// SaveDay persists the counters for a day. Old days are kept for a
// week so recent history stays inspectable, then expire.
func (s *UsageStore) SaveDay(day string, c resilience.UsageCounters) error {
	payload, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding usage for %s: %w", day, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(usagePrefix+day), payload).WithTTL(7 * 24 * time.Hour)
		return txn.SetEntry(entry)
	})
}
