// Package cache implements a tiered cache with fresh and stale windows.
//
// Values live in an ordered list of stores, fastest first (memory, then
// redis). A read checks the stores in order and back-fills faster stores
// on a hit in a slower one. Each entry carries two deadlines: until
// FreshUntil it is served as-is, until StaleUntil it is served while one
// background refresh runs, after that it is a miss.
//
// Store failures never reach callers; they are logged and the store is
// skipped.
package cache

import (
	"context"
	"time"
)

// Entry is a cached value with its freshness deadlines
type Entry struct {
	Value      []byte    `json:"value"`
	FreshUntil time.Time `json:"fresh_until"`
	StaleUntil time.Time `json:"stale_until"`
}

// IsFresh reports whether the entry may be served without revalidation
func (e *Entry) IsFresh(now time.Time) bool {
	return !now.After(e.FreshUntil)
}

// IsExpired reports whether the entry is past its stale deadline
func (e *Entry) IsExpired(now time.Time) bool {
	return now.After(e.StaleUntil)
}

// Policy is the freshness applied to new entries of a namespace.
// Fresh and Stale are both measured from the write; Stale must not be
// shorter than Fresh.
type Policy struct {
	Fresh time.Duration
	Stale time.Duration
}

// NewEntry stamps value with deadlines from now
func (p Policy) NewEntry(value []byte, now time.Time) Entry {
	stale := p.Stale
	if stale < p.Fresh {
		stale = p.Fresh
	}
	return Entry{
		Value:      value,
		FreshUntil: now.Add(p.Fresh),
		StaleUntil: now.Add(stale),
	}
}

// Store is one tier of the cache
type Store interface {
	// Name identifies the tier in logs and stats
	Name() string
	// Get returns the entry or nil on a miss
	Get(ctx context.Context, namespace, key string) (*Entry, error)
	// Set overwrites the entry
	Set(ctx context.Context, namespace, key string, entry Entry) error
	// Remove deletes the entry if present
	Remove(ctx context.Context, namespace, key string) error
}
