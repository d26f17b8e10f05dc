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

package dockerresolver

import (
	"github.com/mLavacca/sysdig/container"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fastjson"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("argument normalisation", func() {
	It("strips matched outer quote pairs repeatedly", func() {
		Expect(normalizeArg(`"'foo'"`)).To(Equal("foo"))
	})

	It("is idempotent", func() {
		once := normalizeArg(`"'foo'"`)
		Expect(normalizeArg(once)).To(Equal(once))
	})

	It("leaves a lone leading quote untouched", func() {
		Expect(normalizeArg(`"foo`)).To(Equal(`"foo`))
	})
})

var _ = Describe("health probe extraction", func() {

	log := logrus.New()

	It("extracts a CMD-SHELL healthcheck", func() {
		var p fastjson.Parser
		v, err := p.Parse(`["CMD-SHELL", "pgrep foo"]`)
		Expect(err).NotTo(HaveOccurred())

		probes := extractProbes(nil, v, log)
		Expect(probes).To(HaveLen(1))
		Expect(probes[0]).To(Equal(container.HealthProbe{
			Kind: container.ProbeHealthcheck,
			Exe:  "/bin/sh",
			Args: []string{"-c", "pgrep foo"},
		}))
	})

	It("extracts a CMD healthcheck with normalised args", func() {
		var p fastjson.Parser
		v, err := p.Parse(`["CMD", "/x", "\"'a'\""]`)
		Expect(err).NotTo(HaveOccurred())

		probes := extractProbes(nil, v, log)
		Expect(probes).To(HaveLen(1))
		Expect(probes[0].Exe).To(Equal("/x"))
		Expect(probes[0].Args).To(Equal([]string{"a"}))
	})

	It("emits nothing for Test=[NONE]", func() {
		var p fastjson.Parser
		v, err := p.Parse(`["NONE"]`)
		Expect(err).NotTo(HaveOccurred())

		Expect(extractProbes(nil, v, log)).To(BeEmpty())
	})

	It("prefers a pod-spec liveness probe over the runtime healthcheck", func() {
		var p fastjson.Parser
		healthcheck, err := p.Parse(`["CMD", "/x"]`)
		Expect(err).NotTo(HaveOccurred())

		labels := map[string]string{
			annotationLastAppliedConfig: `{"spec":{"containers":[{"livenessProbe":{"exec":{"command":["sh","-c","exit 0"]}}}]}}`,
		}
		probes := extractProbes(labels, healthcheck, log)
		Expect(probes).To(Equal([]container.HealthProbe{
			{Kind: container.ProbeLiveness, Exe: "sh", Args: []string{"-c", "exit 0"}},
		}))
	})

	It("falls back to readiness when no liveness probe is present", func() {
		labels := map[string]string{
			annotationLastAppliedConfig: `{"spec":{"containers":[{"readinessProbe":{"exec":{"command":["sh","-c","ready"]}}}]}}`,
		}
		probes := extractProbes(labels, nil, log)
		Expect(probes).To(Equal([]container.HealthProbe{
			{Kind: container.ProbeReadiness, Exe: "sh", Args: []string{"-c", "ready"}},
		}))
	})
})
