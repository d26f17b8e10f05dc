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

package testmanager_test

import (
	"github.com/mLavacca/sysdig/container"
	"github.com/mLavacca/sysdig/internal/testmanager"
	"github.com/mLavacca/sysdig/resolver"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("test container manager", func() {

	It("reports a fresh manager as empty", func() {
		m := testmanager.New()
		Expect(m.Len()).To(Equal(0))
		_, ok := m.GetContainer("deadbeef")
		Expect(ok).To(BeFalse())
	})

	It("adds and retrieves a container by id", func() {
		m := testmanager.New()
		d := container.NewStub("deadbeef", "grumpy_goat")
		m.AddContainer(d, resolver.ThreadInfo{PID: 42, CID: "deadbeef"})

		got, ok := m.GetContainer("deadbeef")
		Expect(ok).To(BeTrue())
		Expect(got).To(BeIdenticalTo(d))
		Expect(m.Len()).To(Equal(1))
	})

	It("upserts rather than duplicating on a second AddContainer for the same id", func() {
		m := testmanager.New()
		stub := container.NewStub("deadbeef", "grumpy_goat")
		m.AddContainer(stub, resolver.ThreadInfo{CID: "deadbeef"})

		complete := container.NewStub("deadbeef", "grumpy_goat")
		complete.MetadataComplete = true
		m.AddContainer(complete, resolver.ThreadInfo{CID: "deadbeef"})

		Expect(m.Len()).To(Equal(1))
		got, _ := m.GetContainer("deadbeef")
		Expect(got.MetadataComplete).To(BeTrue())
	})

	It("records notifications in call order", func() {
		m := testmanager.New()
		a := container.NewStub("a", "a")
		b := container.NewStub("b", "b")
		m.NotifyNewContainer(a)
		m.NotifyNewContainer(b)
		Expect(m.Notifications()).To(Equal([]*container.Descriptor{a, b}))
	})
})
