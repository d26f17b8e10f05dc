// Copyright 2021 Harald Albrecht.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package asyncsource implements a deduplicating, worker-thread-backed,
// TTL-bounded key→value lookup cache. A single background worker goroutine
// resolves keys one at a time through a caller-supplied fetch function,
// while any number of producer goroutines can cheaply look values up,
// piggy-backing on an already in-flight or already completed resolution
// instead of triggering redundant work.
package asyncsource

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Fetcher resolves a single key into a value. It runs on the Source's one
// worker goroutine; it must not block indefinitely and should respect
// reasonably short per-fetch timeouts of its own, since it blocks the
// resolution of every other currently queued key.
type Fetcher[K comparable, V any] func(key K) V

// entry is the state the Source keeps per key while it is either queued,
// in flight, or cached and still within its TTL.
type entry[V any] struct {
	ready     bool
	value     V
	storedAt  time.Time
	callbacks []func(V)
}

// Source is a generic, worker-backed, deduplicating async lookup cache.
// Exactly one worker goroutine is started per Source instance (on New) and
// stopped on Stop; lookups for a key already queued or in flight piggy-back
// on that single resolution instead of triggering redundant fetches.
type Source[K comparable, V any] struct {
	fetch   Fetcher[K, V]
	ttl     time.Duration
	maxWait time.Duration
	log     logrus.FieldLogger
	fail    V // value synthesised for callbacks drained at Stop.

	mu      sync.Mutex
	cond    *sync.Cond
	entries map[K]*entry[V]
	queue   []K
	queued  map[K]bool
	stopped bool

	wg sync.WaitGroup
}

// Option configures a Source at construction time.
type Option[K comparable, V any] func(*Source[K, V])

// WithTTL sets how long a completed result is retained so that late callers
// can receive it without triggering a re-fetch. The zero value means
// results are retained forever.
func WithTTL[K comparable, V any](ttl time.Duration) Option[K, V] {
	return func(s *Source[K, V]) { s.ttl = ttl }
}

// WithMaxWait sets how long a synchronous caller of Lookup may block waiting
// for an in-flight answer. The zero value (the default) means Lookup never
// blocks: a fresh or in-flight lookup always returns immediately with
// immediate=false and delivers the value later through the callback.
func WithMaxWait[K comparable, V any](d time.Duration) Option[K, V] {
	return func(s *Source[K, V]) { s.maxWait = d }
}

// WithFailValue sets the value synthesised for callbacks still pending when
// Stop drains the queue.
func WithFailValue[K comparable, V any](v V) Option[K, V] {
	return func(s *Source[K, V]) { s.fail = v }
}

// WithLogger attaches a structured logger; by default a Source logs
// through logrus's standard logger.
func WithLogger[K comparable, V any](log logrus.FieldLogger) Option[K, V] {
	return func(s *Source[K, V]) { s.log = log }
}

// New returns a new Source that resolves keys using fetch on a single
// background worker goroutine, started immediately. Callers must Stop the
// Source once done with it to release the worker goroutine.
func New[K comparable, V any](fetch Fetcher[K, V], opts ...Option[K, V]) *Source[K, V] {
	s := &Source[K, V]{
		fetch:   fetch,
		entries: make(map[K]*entry[V]),
		queued:  make(map[K]bool),
		log:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cond = sync.NewCond(&s.mu)
	s.wg.Add(1)
	go s.worker()
	return s
}

// Lookup returns (value, true) if a completed and still-fresh value for key
// is cached, copying it into the return value so the caller can use it
// synchronously. Otherwise it registers callback against key, to be invoked
// later exactly once, outside of any lock held by the Source, and returns
// (zero value, false). A fresh or pending key is enqueued for the worker at
// most once; Lookup itself never blocks longer than the configured MaxWait,
// and with the default MaxWait of zero it never blocks at all.
func (s *Source[K, V]) Lookup(key K, callback func(V)) (value V, immediate bool) {
	s.mu.Lock()

	if e, ok := s.entries[key]; ok && e.ready {
		if s.ttl <= 0 || time.Since(e.storedAt) < s.ttl {
			v := e.value
			s.mu.Unlock()
			return v, true
		}
		// Expired: discard lazily and fall through to a fresh lookup.
		delete(s.entries, key)
	}

	e, pending := s.entries[key]
	if !pending {
		e = &entry[V]{}
		s.entries[key] = e
	}
	if callback != nil {
		e.callbacks = append(e.callbacks, callback)
	}
	// A pending entry is either still queued or already being fetched by
	// the worker (which has removed it from queued); both count as queued.
	alreadyQueued := pending || s.queued[key]
	if !alreadyQueued && !s.stopped {
		s.queued[key] = true
		s.queue = append(s.queue, key)
		s.cond.Signal()
	}
	waitUntil := time.Time{}
	if s.maxWait > 0 {
		waitUntil = time.Now().Add(s.maxWait)
	}
	s.mu.Unlock()

	if !waitUntil.IsZero() {
		if v, ok := s.waitFor(key, waitUntil); ok {
			return v, true
		}
	}
	return value, false
}

// waitFor blocks (bounded by deadline) until key becomes ready, returning
// its value and true, or the zero value and false on timeout.
func (s *Source[K, V]) waitFor(key K, deadline time.Time) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if e, ok := s.entries[key]; ok && e.ready {
			return e.value, true
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			var zero V
			return zero, false
		}
		timer := time.AfterFunc(remaining, func() {
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		})
		s.cond.Wait()
		timer.Stop()
	}
}

// dequeueNextKey blocks until a pending key is available or the Source is
// stopped, returning false in the latter case so the worker loop can exit.
func (s *Source[K, V]) dequeueNextKey() (key K, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && !s.stopped {
		s.cond.Wait()
	}
	if len(s.queue) == 0 {
		var zero K
		return zero, false
	}
	key = s.queue[0]
	s.queue = s.queue[1:]
	delete(s.queued, key)
	return key, true
}

// storeValue installs value for key, timestamps it for TTL purposes, and
// invokes every callback registered for key outside of the Source's lock.
func (s *Source[K, V]) storeValue(key K, value V) {
	s.mu.Lock()
	if s.stopped {
		// The Source has been torn down while this fetch was in flight: the
		// callbacks it would have served were already drained with the fail
		// value in Stop, so there is nowhere left for this result to go.
		s.mu.Unlock()
		return
	}
	e, ok := s.entries[key]
	if !ok {
		e = &entry[V]{}
		s.entries[key] = e
	}
	e.ready = true
	e.value = value
	e.storedAt = time.Now()
	callbacks := e.callbacks
	e.callbacks = nil
	s.mu.Unlock()

	s.cond.Broadcast()
	for _, cb := range callbacks {
		cb(value)
	}
}

// worker is the Source's single background goroutine: it repeatedly
// dequeues a key, resolves it via fetch, and stores the result. A panic
// inside fetch for one key must never take down the worker or leak to other
// keys' resolutions; it is caught, logged, and the key is resolved with the
// Source's configured fail value instead.
func (s *Source[K, V]) worker() {
	defer s.wg.Done()
	for {
		key, ok := s.dequeueNextKey()
		if !ok {
			return
		}
		reqID := uuid.NewString()
		s.log.WithFields(logrus.Fields{
			"key":     key,
			"request": reqID,
		}).Debug("asyncsource: resolving key")
		value := s.resolve(key, reqID)
		s.storeValue(key, value)
	}
}

// resolve runs fetch for key, recovering from any panic so that a single
// misbehaving fetch never kills the worker goroutine or starves other keys.
func (s *Source[K, V]) resolve(key K, reqID string) (value V) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithFields(logrus.Fields{
				"key":     key,
				"request": reqID,
				"panic":   r,
			}).Error("asyncsource: fetch panicked, storing fail value")
			value = s.fail
		}
	}()
	return s.fetch(key)
}

// Stop idempotently wakes the worker, drains any still-pending callbacks
// with the Source's configured fail value, and joins the worker goroutine.
// In-flight fetches are allowed to run to completion, so Stop blocks until
// the current fetch returns; their results are discarded, since the
// callbacks they would have served were already drained.
func (s *Source[K, V]) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	pending := s.entries
	s.entries = make(map[K]*entry[V])
	s.queue = nil
	s.queued = make(map[K]bool)
	s.mu.Unlock()
	s.cond.Broadcast()

	for _, e := range pending {
		if e.ready {
			continue
		}
		for _, cb := range e.callbacks {
			cb(s.fail)
		}
	}

	s.wg.Wait()
}
