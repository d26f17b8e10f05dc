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

package cgroupresolver_test

import (
	"fmt"
	"os"
	"strconv"

	"github.com/mLavacca/sysdig/cgroupresolver"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

type fakeMounts struct{ root string }

func (f fakeMounts) MountRoot(cgroupresolver.Subsystem) (string, error) { return f.root, nil }

func writeCgroupFile(root, cgroupPath, file, value string) {
	dir := root + "/" + cgroupPath
	Expect(os.MkdirAll(dir, 0755)).To(Succeed())
	Expect(os.WriteFile(dir+"/"+file, []byte(value), 0644)).To(Succeed())
}

var _ = Describe("cgroup resource reader", func() {

	var root string
	var mounts fakeMounts

	BeforeEach(func() {
		var err error
		root, err = os.MkdirTemp("", "cgroupresolver-*")
		Expect(err).NotTo(HaveOccurred())
		mounts = fakeMounts{root: root}
	})

	AfterEach(func() {
		Expect(os.RemoveAll(root)).To(Succeed())
	})

	It("reads a within-range memory limit", func() {
		writeCgroupFile(root, "docker/deadbeef", "memory.limit_in_bytes", "134217728")
		r := cgroupresolver.New(mounts)
		v := r.Read(cgroupresolver.Key{CID: "deadbeef", MemoryCgroup: "docker/deadbeef"})
		Expect(v.MemoryLimit).To(Equal(int64(134217728)))
	})

	It("skips a value above the 2^42 range cap, leaving the field at zero", func() {
		writeCgroupFile(root, "docker/deadbeef", "memory.limit_in_bytes", "9223372036854771712")
		r := cgroupresolver.New(mounts)
		v := r.Read(cgroupresolver.Key{CID: "deadbeef", MemoryCgroup: "docker/deadbeef"})
		Expect(v.MemoryLimit).To(Equal(int64(0)))
	})

	It("skips a subsystem whose cgroup path does not contain the container id", func() {
		writeCgroupFile(root, "docker/other", "memory.limit_in_bytes", "1024")
		r := cgroupresolver.New(mounts)
		v := r.Read(cgroupresolver.Key{CID: "deadbeef", MemoryCgroup: "docker/other"})
		Expect(v.MemoryLimit).To(Equal(int64(0)))
	})

	It("counts a mixed singles-and-ranges cpuset.effective_cpus", func() {
		writeCgroupFile(root, "docker/deadbeef", "cpuset.effective_cpus", "0-2,5")
		r := cgroupresolver.New(mounts)
		v := r.Read(cgroupresolver.Key{CID: "deadbeef", CPUSetCgroup: "docker/deadbeef"})
		Expect(v.CPUSetCPUCount).To(Equal(int32(4)))
	})

	It("reads cpu shares, quota and period together", func() {
		writeCgroupFile(root, "docker/deadbeef", "cpu.shares", "512")
		writeCgroupFile(root, "docker/deadbeef", "cpu.cfs_quota_us", "100000")
		writeCgroupFile(root, "docker/deadbeef", "cpu.cfs_period_us", "100000")
		r := cgroupresolver.New(mounts)
		v := r.Read(cgroupresolver.Key{CID: "deadbeef", CPUCgroup: "docker/deadbeef"})
		Expect(v.CPUShares).To(Equal(int64(512)))
		Expect(v.CPUQuota).To(Equal(int64(100000)))
		Expect(v.CPUPeriod).To(Equal(int64(100000)))
	})

	It("treats a negative value the same as out-of-range", func() {
		writeCgroupFile(root, "docker/deadbeef", "cpu.cfs_quota_us", strconv.Itoa(-1))
		r := cgroupresolver.New(mounts)
		v := r.Read(cgroupresolver.Key{CID: "deadbeef", CPUCgroup: "docker/deadbeef"})
		Expect(v.CPUQuota).To(Equal(int64(0)))
	})

	It("reports zero when the mount resolver fails", func() {
		failing := failingMounts{}
		r := cgroupresolver.New(failing)
		v := r.Read(cgroupresolver.Key{CID: "deadbeef", MemoryCgroup: "docker/deadbeef"})
		Expect(v.MemoryLimit).To(Equal(int64(0)))
	})
})

type failingMounts struct{}

func (failingMounts) MountRoot(cgroupresolver.Subsystem) (string, error) {
	return "", fmt.Errorf("no such subsystem")
}
