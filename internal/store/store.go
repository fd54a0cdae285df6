// Package store holds the single-use, TTL-bound artifacts that exist only
// while an authorization flow is in flight: pushed authorization requests,
// authorization codes and device codes. Entries past their deadline are
// treated as absent at read time and removed by Sweep.
package store

import (
	"sync"
	"time"
)

type entry[T any] struct {
	value    T
	deadline time.Time
}

// ttlStore is the shared expiring key-value core. Take deletes the entry
// under the same lock as the read, so no two callers can consume one key.
type ttlStore[T any] struct {
	mu      sync.Mutex
	entries map[string]entry[T]
}

func newTTLStore[T any]() *ttlStore[T] {
	return &ttlStore[T]{entries: make(map[string]entry[T])}
}

func (s *ttlStore[T]) put(key string, value T, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = entry[T]{value: value, deadline: time.Now().Add(ttl)}
}

func (s *ttlStore[T]) take(key string) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero T
	e, ok := s.entries[key]
	if !ok {
		return zero, false
	}
	delete(s.entries, key)
	if time.Now().After(e.deadline) {
		return zero, false
	}
	return e.value, true
}

func (s *ttlStore[T]) get(key string) (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero T
	e, ok := s.entries[key]
	if !ok || time.Now().After(e.deadline) {
		return zero, false
	}
	return e.value, true
}

func (s *ttlStore[T]) update(key string, fn func(*T)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok || time.Now().After(e.deadline) {
		return false
	}
	fn(&e.value)
	s.entries[key] = e
	return true
}

func (s *ttlStore[T]) sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, e := range s.entries {
		if now.After(e.deadline) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

// ParPayload carries the parameters of a pushed authorization request until
// the client redeems its request_uri.
type ParPayload struct {
	RedirectURI         string `json:"redirect_uri"`
	Scope               string `json:"scope"`
	State               string `json:"state"`
	CodeChallenge       string `json:"code_challenge"`
	CodeChallengeMethod string `json:"code_challenge_method"`
}

// ParStore maps request_uri values to their pushed parameters.
type ParStore struct {
	inner *ttlStore[ParPayload]
}

func NewParStore() *ParStore {
	return &ParStore{inner: newTTLStore[ParPayload]()}
}

func (s *ParStore) Put(requestURI string, payload ParPayload, ttl time.Duration) {
	s.inner.put(requestURI, payload, ttl)
}

// Take consumes the entry; a second Take for the same request_uri misses.
func (s *ParStore) Take(requestURI string) (ParPayload, bool) {
	return s.inner.take(requestURI)
}

func (s *ParStore) Sweep(now time.Time) int {
	return s.inner.sweep(now)
}

// CodePayload is the state bound to an issued authorization code.
type CodePayload struct {
	UserID              string
	TenantID            string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// CodeStore maps authorization codes to their PKCE binding. Codes are strictly
// single use: Take removes the entry as part of the read.
type CodeStore struct {
	inner *ttlStore[CodePayload]
}

func NewCodeStore() *CodeStore {
	return &CodeStore{inner: newTTLStore[CodePayload]()}
}

func (s *CodeStore) Put(code string, payload CodePayload, ttl time.Duration) {
	s.inner.put(code, payload, ttl)
}

func (s *CodeStore) Take(code string) (CodePayload, bool) {
	return s.inner.take(code)
}

func (s *CodeStore) Sweep(now time.Time) int {
	return s.inner.sweep(now)
}
