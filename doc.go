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

// Package sysdig's root is a thin umbrella over the container-metadata
// resolution core of a kernel-event telemetry agent. A process event
// arrives already tagged with a container id; resolver.Resolver turns that
// id into a container.Descriptor, fetching and normalising runtime and
// cgroup state asynchronously so that the event path itself never blocks
// on a slow daemon or a slow filesystem read.
//
// The pieces, leaves first:
//
//   - asyncsource: a generic, deduplicating, worker-backed lookup cache.
//   - dockerapi: a deliberately minimal HTTP/1.1-over-UNIX-socket client.
//   - container: the Descriptor value type produced by the resolvers.
//   - dockerresolver: turns runtime JSON manifests into Descriptors.
//   - cgroupresolver: reads per-subsystem control-group limits.
//   - resolver: the entry points an event pipeline actually calls.
package sysdig
