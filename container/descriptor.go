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

// Package container defines the value type produced by the metadata
// resolvers: a deliberately limited view on a container's identity, image,
// resource limits and health probes, as seen by a kernel-event telemetry
// agent that needs just enough information to annotate process events.
package container

import "fmt"

// Incomplete is the sentinel value used for the image-identity fields of a
// stub Descriptor before an asynchronous resolution has completed.
const Incomplete = "incomplete"

// Type identifies the container engine/runtime that produced a Descriptor.
type Type string

// Known container engine types. The core only ever populates Docker itself,
// but the type tag lets callers (and fallback engines) distinguish the
// origin of a descriptor.
const (
	TypeDocker     Type = "docker"
	TypeContainerd Type = "containerd"
)

// PortMapping is a single TCP port binding published by a container.
type PortMapping struct {
	HostIP        uint32 // host-side IPv4 address, host byte order; 0 if unspecified.
	HostPort      uint16
	ContainerPort uint16
}

// Mount describes a single bind/volume mount visible inside a container.
type Mount struct {
	Source      string
	Destination string
	Mode        string
	RW          bool
	Propagation string
}

// ProbeKind distinguishes the origin/purpose of a HealthProbe.
type ProbeKind string

const (
	ProbeHealthcheck ProbeKind = "healthcheck"
	ProbeLiveness    ProbeKind = "liveness"
	ProbeReadiness   ProbeKind = "readiness"
)

// HealthProbe is a command that is periodically run against a container to
// assess its liveness or readiness. The core only extracts probes; it never
// executes them.
type HealthProbe struct {
	Kind ProbeKind
	Exe  string
	Args []string
}

// Descriptor is the mapping-shaped record of everything the core knows, or
// will eventually know, about a single container. A freshly created
// Descriptor is a "stub": its image-identity fields carry the Incomplete
// sentinel and MetadataComplete is false until a successful asynchronous
// resolution overwrites them.
//
// Descriptor is mutated at most twice over its lifetime: once by a
// successful runtime-metadata resolution, and once by the cgroup resource
// reader. Callers that need a consistent snapshot while the fields may still
// be concurrently written by a worker thread must synchronize externally
// (the out-of-scope container manager owns that responsibility).
type Descriptor struct {
	Type Type
	ID   string

	Name         string
	IsPodSandbox bool

	Image       string
	ImageID     string
	ImageRepo   string
	ImageTag    string
	ImageDigest string

	Labels map[string]string
	Env    []string

	PortMappings []PortMapping
	Mounts       []Mount
	HealthProbes []HealthProbe

	MemoryLimit int64
	SwapLimit   int64
	CPUShares   int64
	CPUQuota    int64
	CPUPeriod   int64

	CPUSetCPUCount int32
	ContainerIP    uint32
	Privileged     *bool

	MetadataComplete bool
}

// NewStub returns a freshly minted Descriptor for a container just sighted
// by the event pipeline: only id and name are known, and every image field
// carries the Incomplete sentinel.
func NewStub(id, name string) *Descriptor {
	return &Descriptor{
		Type:        TypeDocker,
		ID:          id,
		Name:        name,
		Image:       Incomplete,
		ImageID:     Incomplete,
		ImageRepo:   Incomplete,
		ImageTag:    Incomplete,
		ImageDigest: Incomplete,
	}
}

// String renders a short diagnostic representation of a Descriptor, for use
// in log messages only; it is never meant to be parsed or compared against.
func (d *Descriptor) String() string {
	if d == nil {
		return "<nil container descriptor>"
	}
	state := "incomplete"
	if d.MetadataComplete {
		state = "complete"
	}
	return fmt.Sprintf("%s container '%s'/%s (%s metadata)", d.Type, d.Name, d.ID, state)
}
