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

package container_test

import (
	"fmt"

	"github.com/mLavacca/sysdig/container"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("container descriptor", func() {

	It("creates a stub with incomplete image fields", func() {
		d := container.NewStub("deadbeef", "/k8s_POD_foo")
		Expect(d.ID).To(Equal("deadbeef"))
		Expect(d.Name).To(Equal("/k8s_POD_foo"))
		Expect(d.Image).To(Equal(container.Incomplete))
		Expect(d.ImageID).To(Equal(container.Incomplete))
		Expect(d.ImageRepo).To(Equal(container.Incomplete))
		Expect(d.ImageTag).To(Equal(container.Incomplete))
		Expect(d.ImageDigest).To(Equal(container.Incomplete))
		Expect(d.MetadataComplete).To(BeFalse())
	})

	It("stringifies incomplete and complete descriptors differently", func() {
		d := container.NewStub("deadbeef", "grumpy_goat")
		Expect(d.String()).To(MatchRegexp(
			fmt.Sprintf(`container 'grumpy_goat'/%s \(incomplete metadata\)`, "deadbeef")))

		d.MetadataComplete = true
		Expect(d.String()).To(ContainSubstring("(complete metadata)"))
	})

	It("tolerates a nil receiver when stringifying", func() {
		var d *container.Descriptor
		Expect(d.String()).To(Equal("<nil container descriptor>"))
	})
})
