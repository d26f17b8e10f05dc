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

// Package resolver glues the async lookup cache to the runtime metadata
// resolver and the cgroup resource reader, and exposes the two entry
// points the (out-of-scope) event pipeline drives: Resolve and
// SetQueryImageInfo. It owns two independent asyncsource.Source instances,
// one keyed by container id for runtime metadata and one keyed by the
// cgroup-path tuple for resource limits, and talks to an external
// container manager purely through the Manager interface.
package resolver

import (
	"context"
	"errors"
	"time"

	"github.com/mLavacca/sysdig/asyncsource"
	"github.com/mLavacca/sysdig/cgroupresolver"
	"github.com/mLavacca/sysdig/container"
	"github.com/mLavacca/sysdig/dockerresolver"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// ThreadInfo is whatever minimal process/thread identity the event
// pipeline has at hand when it calls Resolve; the pipeline's own
// cgroup-path parsing (out of scope for this core) is assumed to have
// already populated CID when the thread belongs to a container, and the
// three cgroup path fields when the pipeline also tracks per-subsystem
// cgroup paths for that thread. A zero-valued cgroup path simply means the
// corresponding subsystem is never read for this thread.
type ThreadInfo struct {
	PID int32
	CID string

	MemoryCgroup string
	CPUCgroup    string
	CPUSetCgroup string
}

// Manager is the external collaborator that owns container descriptors and
// fans out "new container" notifications. It is called from the goroutine
// that calls Resolve and from this package's cache worker goroutines;
// implementations must serialise internally.
type Manager interface {
	GetContainer(id string) (*container.Descriptor, bool)
	AddContainer(d *container.Descriptor, info ThreadInfo)
	NotifyNewContainer(d *container.Descriptor)
}

// errTransient marks a resolution attempt eligible for the bounded retry
// inside fetch; it is never returned to a caller of Resolve.
var errTransient = errors.New("resolver: transient runtime-api failure")

// Resolver is the resolve/dispatch glue of the metadata-resolution core.
type Resolver struct {
	cache  *asyncsource.Source[string, *container.Descriptor]
	docker *dockerresolver.Resolver

	cgroupCache *asyncsource.Source[cgroupresolver.Key, cgroupresolver.Value]
	cgroup      *cgroupresolver.Reader

	log     logrus.FieldLogger
	retries uint64
}

// Option configures a Resolver at construction time.
type Option func(*config)

type config struct {
	ttl     time.Duration
	retries uint64
	log     logrus.FieldLogger
	cgroup  *cgroupresolver.Reader
}

// WithTTL sets how long a completed resolution is retained before a
// later lookup triggers a fresh fetch. The default is 30 seconds.
func WithTTL(d time.Duration) Option {
	return func(c *config) { c.ttl = d }
}

// WithRetries bounds how many additional attempts are made against the
// runtime API for a single key before giving up and returning the stub.
// The default is 2.
func WithRetries(n uint64) Option {
	return func(c *config) { c.retries = n }
}

// WithLogger attaches a structured logger; by default a Resolver logs
// through logrus's standard logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(c *config) { c.log = log }
}

// WithCgroupReader attaches the cgroup resource reader used to populate
// resource-limit fields on a second, independently dispatched async cache
// keyed by the cgroup-path tuple. Without this option Resolve never
// dispatches a cgroup lookup, matching a pipeline that has no cgroup-path
// information to offer.
func WithCgroupReader(reader *cgroupresolver.Reader) Option {
	return func(c *config) { c.cgroup = reader }
}

// New returns a Resolver that fetches container metadata through dr. The
// docker socket path and API version are configured on the dockerapi.Client
// dr was built with, not here; the cache's max-wait is always fixed at 0 so
// a Lookup never blocks for an in-flight fetch, only ever reports whether a
// value was already cached.
func New(dr *dockerresolver.Resolver, opts ...Option) *Resolver {
	cfg := config{ttl: 30 * time.Second, retries: 2, log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(&cfg)
	}

	r := &Resolver{docker: dr, log: cfg.log, retries: cfg.retries}
	r.cache = asyncsource.New[string, *container.Descriptor](
		r.fetch,
		asyncsource.WithTTL[string, *container.Descriptor](cfg.ttl),
		asyncsource.WithMaxWait[string, *container.Descriptor](0),
		asyncsource.WithFailValue[string, *container.Descriptor](nil),
		asyncsource.WithLogger[string, *container.Descriptor](cfg.log),
	)

	if cfg.cgroup != nil {
		r.cgroup = cfg.cgroup
		r.cgroupCache = asyncsource.New[cgroupresolver.Key, cgroupresolver.Value](
			r.fetchCgroup,
			asyncsource.WithTTL[cgroupresolver.Key, cgroupresolver.Value](cfg.ttl),
			asyncsource.WithMaxWait[cgroupresolver.Key, cgroupresolver.Value](0),
			asyncsource.WithFailValue[cgroupresolver.Key, cgroupresolver.Value](cgroupresolver.Value{}),
			asyncsource.WithLogger[cgroupresolver.Key, cgroupresolver.Value](cfg.log),
		)
	}
	return r
}

// SetQueryImageInfo is the process-wide toggle forwarded straight to the
// underlying dockerresolver.Resolver.
func (r *Resolver) SetQueryImageInfo(enabled bool) {
	r.docker.SetQueryImageInfo(enabled)
}

// Stop releases the worker goroutines backing this Resolver's caches.
func (r *Resolver) Stop() {
	r.cache.Stop()
	if r.cgroupCache != nil {
		r.cgroupCache.Stop()
	}
}

// Resolve is the inbound entry point an event pipeline calls for every
// thread it sees: it ensures manager has at least a stub descriptor for
// the container threadInfo belongs to, optionally enqueues an async
// metadata lookup, and reports whether the manager's descriptor for that
// container is already complete.
func (r *Resolver) Resolve(manager Manager, threadInfo ThreadInfo, queryOS bool) bool {
	id := threadInfo.CID
	if id == "" {
		return false
	}

	d, ok := manager.GetContainer(id)
	if !ok {
		d = container.NewStub(id, id)
		manager.AddContainer(d, threadInfo)
	}

	if queryOS {
		r.dispatchCgroup(manager, threadInfo)
	}

	if d.MetadataComplete {
		return true
	}
	if !queryOS {
		return false
	}

	callback := func(resolved *container.Descriptor) {
		if resolved == nil {
			return
		}
		manager.AddContainer(resolved, threadInfo)
		// resolved replaces any descriptor the cgroup lookup already wrote
		// to, so apply the cgroup result (cached or still pending) again.
		r.dispatchCgroup(manager, threadInfo)
		if resolved.MetadataComplete {
			// This fires only the first time a given key's resolution
			// completes: a cached, still-fresh value short-circuits through
			// the immediate branch below and never reaches this callback.
			manager.NotifyNewContainer(resolved)
		}
	}
	value, immediate := r.cache.Lookup(id, callback)
	if !immediate {
		return false
	}
	if value == nil {
		return false
	}
	manager.AddContainer(value, threadInfo)
	return value.MetadataComplete
}

// fetch runs on the cache's single worker goroutine: it resolves id
// through the runtime metadata resolver, retrying a bounded number of
// times on any unsuccessful resolution (transport, protocol and parse
// failures alike) before giving up and handing
// back whatever best-effort descriptor the last attempt produced.
func (r *Resolver) fetch(id string) *container.Descriptor {
	var result *container.Descriptor
	attempt := func() error {
		d, ok := r.docker.Resolve(context.Background(), id)
		result = d
		if !ok {
			return errTransient
		}
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), r.retries)
	if err := backoff.Retry(attempt, policy); err != nil {
		r.log.WithField("id", id).Debug("resolver: giving up after retries, returning best-effort descriptor")
	}
	return result
}

// dispatchCgroup enqueues (or serves synchronously from cache) a cgroup
// resource-limit lookup for threadInfo's cgroup-path tuple, independently
// of the runtime metadata lookup above. It is a no-op when no
// cgroupresolver.Reader was configured via WithCgroupReader.
func (r *Resolver) dispatchCgroup(manager Manager, threadInfo ThreadInfo) {
	if r.cgroupCache == nil {
		return
	}
	id := threadInfo.CID
	key := cgroupresolver.Key{
		CID:          id,
		MemoryCgroup: threadInfo.MemoryCgroup,
		CPUCgroup:    threadInfo.CPUCgroup,
		CPUSetCgroup: threadInfo.CPUSetCgroup,
	}
	callback := func(v cgroupresolver.Value) {
		r.applyCgroupValue(manager, id, v)
	}
	if v, immediate := r.cgroupCache.Lookup(key, callback); immediate {
		r.applyCgroupValue(manager, id, v)
	}
}

// fetchCgroup runs on the cgroup cache's worker goroutine.
func (r *Resolver) fetchCgroup(key cgroupresolver.Key) cgroupresolver.Value {
	return r.cgroup.Read(key)
}

// applyCgroupValue writes v's resource fields onto the manager's current
// descriptor for id, if one still exists; otherwise the result is dropped,
// per the cgroup reader's own "container may have been torn down by the
// time the read finishes" contract. Every field is only ever overwritten
// when the reader actually found it (cgroupresolver reports "not found" or
// "out of range" as the zero value), so an absent reading never clobbers a
// value the runtime metadata resolver already stored.
func (r *Resolver) applyCgroupValue(manager Manager, id string, v cgroupresolver.Value) {
	d, ok := manager.GetContainer(id)
	if !ok {
		return
	}
	if v.MemoryLimit > 0 {
		d.MemoryLimit = v.MemoryLimit
	}
	if v.CPUShares > 0 {
		d.CPUShares = v.CPUShares
	}
	if v.CPUQuota > 0 {
		d.CPUQuota = v.CPUQuota
	}
	if v.CPUPeriod > 0 {
		d.CPUPeriod = v.CPUPeriod
	}
	if v.CPUSetCPUCount > 0 {
		d.CPUSetCPUCount = v.CPUSetCPUCount
	}
	manager.AddContainer(d, ThreadInfo{CID: id})
}
