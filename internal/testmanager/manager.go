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

// Package testmanager is a minimal, mutex-guarded map-of-containers
// implementation of resolver.Manager, standing in for the out-of-scope
// external container manager in this module's own tests. It is not part
// of the module's public API.
package testmanager

import (
	"sync"

	"github.com/mLavacca/sysdig/container"
	"github.com/mLavacca/sysdig/resolver"
)

// Manager is a trivial resolver.Manager backed by a map guarded by a
// single mutex, the same structural idiom as a production container
// manager's top-level container-by-id table.
type Manager struct {
	mu         sync.RWMutex
	containers map[string]*container.Descriptor

	notifiedMu sync.Mutex
	notified   []*container.Descriptor
}

// New returns an empty Manager.
func New() *Manager {
	return &Manager{containers: make(map[string]*container.Descriptor)}
}

// GetContainer implements resolver.Manager.
func (m *Manager) GetContainer(id string) (*container.Descriptor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.containers[id]
	return d, ok
}

// AddContainer implements resolver.Manager: it upserts d under its id.
// threadInfo is ignored; a production manager would use it to index
// containers by owning process, which this stand-in has no need for.
func (m *Manager) AddContainer(d *container.Descriptor, _ resolver.ThreadInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.containers[d.ID] = d
}

// NotifyNewContainer implements resolver.Manager, recording the
// notification for test assertions instead of fanning it out anywhere.
func (m *Manager) NotifyNewContainer(d *container.Descriptor) {
	m.notifiedMu.Lock()
	defer m.notifiedMu.Unlock()
	m.notified = append(m.notified, d)
}

// Notifications returns every descriptor NotifyNewContainer has been
// called with so far, in call order.
func (m *Manager) Notifications() []*container.Descriptor {
	m.notifiedMu.Lock()
	defer m.notifiedMu.Unlock()
	out := make([]*container.Descriptor, len(m.notified))
	copy(out, m.notified)
	return out
}

// Len returns the number of containers currently tracked.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.containers)
}
