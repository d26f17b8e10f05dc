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

// Package cgroupresolver reads per-subsystem control-group files and
// turns them into resource-limit fields on a container.Descriptor. Unlike
// dockerresolver, it never talks to the runtime API: every value it
// produces comes from the kernel's resource-control filesystem.
package cgroupresolver

import (
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// rangeMax is the exclusive upper bound accepted for any raw cgroup value;
// runtimes report "unlimited" as sentinels near 2^63, and 2^42 bytes (4
// TiB) is comfortably above any realistic per-container limit while still
// well short of overflowing a 32-bit kilobyte rendering downstream.
const rangeMax = 1 << 42

// Subsystem identifies one of the cgroup hierarchies this reader knows how
// to consult.
type Subsystem string

const (
	SubsystemMemory Subsystem = "memory"
	SubsystemCPU    Subsystem = "cpu"
	SubsystemCPUSet Subsystem = "cpuset"
)

// MountResolver resolves the mount root of a cgroup subsystem; it is an
// external collaborator, typically backed by parsing /proc/mounts or
// /proc/self/cgroup, which this package deliberately leaves unimplemented.
type MountResolver interface {
	MountRoot(subsys Subsystem) (string, error)
}

// Key identifies one cgroup resource-limit lookup: a container id plus the
// per-subsystem cgroup paths that the external cgroup-path-parsing
// collaborator (out of scope) has already derived for it.
type Key struct {
	CID          string
	MemoryCgroup string
	CPUCgroup    string
	CPUSetCgroup string
}

// Value is the result of reading a Key's cgroup files.
type Value struct {
	MemoryLimit    int64
	CPUShares      int64
	CPUQuota       int64
	CPUPeriod      int64
	CPUSetCPUCount int32
}

// Reader reads cgroup resource-limit files for a Key.
type Reader struct {
	mounts MountResolver
	log    logrus.FieldLogger
}

// Option configures a Reader at construction time.
type Option func(*Reader)

// WithLogger attaches a structured logger; by default a Reader logs
// through logrus's standard logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(r *Reader) { r.log = log }
}

// New returns a Reader that resolves subsystem mount roots through mounts.
func New(mounts MountResolver, opts ...Option) *Reader {
	r := &Reader{mounts: mounts, log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Read resolves each subsystem's mount root, skips any subsystem whose
// cgroup path does not contain the container id (the container is sharing
// a cgroup and has no per-container limit to report), then reads and
// range-checks the subsystem's specific file.
func (r *Reader) Read(key Key) Value {
	var v Value

	if limit, ok := r.readSubsystem(SubsystemMemory, key.CID, key.MemoryCgroup, "memory.limit_in_bytes"); ok {
		v.MemoryLimit = limit
	}
	if shares, ok := r.readSubsystem(SubsystemCPU, key.CID, key.CPUCgroup, "cpu.shares"); ok {
		v.CPUShares = shares
	}
	if quota, ok := r.readSubsystem(SubsystemCPU, key.CID, key.CPUCgroup, "cpu.cfs_quota_us"); ok {
		v.CPUQuota = quota
	}
	if period, ok := r.readSubsystem(SubsystemCPU, key.CID, key.CPUCgroup, "cpu.cfs_period_us"); ok {
		v.CPUPeriod = period
	}
	v.CPUSetCPUCount = r.readCPUSetCount(key.CID, key.CPUSetCgroup)

	return v
}

// readSubsystem resolves, validates and reads a single cgroup file.
func (r *Reader) readSubsystem(subsys Subsystem, cid, cgroupPath, file string) (int64, bool) {
	if !strings.Contains(cgroupPath, cid) {
		r.log.WithFields(logrus.Fields{"subsystem": subsys, "cid": cid}).
			Debug("cgroupresolver: container not isolated in this subsystem, skipping")
		return 0, false
	}
	root, err := r.mounts.MountRoot(subsys)
	if err != nil {
		r.log.WithField("subsystem", subsys).WithError(err).Warn("cgroupresolver: cannot resolve mount root")
		return 0, false
	}
	if !mountIsLive(root) {
		r.log.WithField("mount", root).Warn("cgroupresolver: cached mount root no longer mounted")
		return 0, false
	}

	path := root + "/" + strings.TrimPrefix(cgroupPath, "/") + "/" + file
	raw, err := os.ReadFile(path)
	if err != nil {
		r.log.WithField("path", path).WithError(err).Debug("cgroupresolver: cannot read cgroup file")
		return 0, false
	}

	n, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		r.log.WithField("path", path).WithError(err).Warn("cgroupresolver: unparseable cgroup value")
		return 0, false
	}
	if n <= 0 || n > rangeMax-1 {
		r.log.WithFields(logrus.Fields{"path": path, "value": n}).Warn("cgroupresolver: value out of accepted range")
		return 0, false
	}
	return n, true
}

// readCPUSetCount reads cpuset.effective_cpus, using the same comma/range
// cpu-list grammar as dockerresolver's CpusetCpus handling.
func (r *Reader) readCPUSetCount(cid, cgroupPath string) int32 {
	if !strings.Contains(cgroupPath, cid) {
		return 0
	}
	root, err := r.mounts.MountRoot(SubsystemCPUSet)
	if err != nil || !mountIsLive(root) {
		return 0
	}
	path := root + "/" + strings.TrimPrefix(cgroupPath, "/") + "/cpuset.effective_cpus"
	raw, err := os.ReadFile(path)
	if err != nil {
		r.log.WithField("path", path).WithError(err).Debug("cgroupresolver: cannot read cpuset file")
		return 0
	}
	return countCPUList(strings.TrimSpace(string(raw)))
}

// countCPUList counts the CPUs named by a comma-separated list of integers
// or "a-b" ranges. An empty string or any parse failure yields 0.
func countCPUList(spec string) int32 {
	if spec == "" {
		return 0
	}
	var count int32
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			return 0
		}
		if lo, hi, ok := strings.Cut(part, "-"); ok {
			loN, err1 := strconv.Atoi(lo)
			hiN, err2 := strconv.Atoi(hi)
			if err1 != nil || err2 != nil || hiN < loN {
				return 0
			}
			count += int32(hiN - loN + 1)
			continue
		}
		if _, err := strconv.Atoi(part); err != nil {
			return 0
		}
		count++
	}
	return count
}

// mountIsLive reports whether statfs succeeds on path, i.e. whether the
// cached mount root still exists and is reachable. It does not tell a live
// mount point apart from a plain directory left behind by an unmount.
func mountIsLive(path string) bool {
	var st unix.Statfs_t
	return unix.Statfs(path, &st) == nil
}
