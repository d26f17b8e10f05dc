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
	"github.com/valyala/fastjson"
)

// annotationLastAppliedConfig is the well-known label a Kubernetes node
// agent attaches to the sandbox/workload container carrying the pod spec
// verbatim, the way `kubectl apply` last saw it.
const annotationLastAppliedConfig = "annotation.kubectl.kubernetes.io/last-applied-configuration"

// extractProbes implements the probe-extraction precedence: a Kubernetes
// pod-spec liveness or readiness probe, if present, always wins over the
// runtime's own Healthcheck; only when neither pod-spec probe is present
// does the Healthcheck get a chance to contribute a probe.
func extractProbes(labels map[string]string, healthcheckTest *fastjson.Value, log warner) []container.HealthProbe {
	if raw, ok := labels[annotationLastAppliedConfig]; ok {
		if probe, ok := podSpecProbe(raw, log); ok {
			return []container.HealthProbe{probe}
		}
	}
	if healthcheckTest == nil {
		return nil
	}
	if probe, ok := healthcheckProbe(healthcheckTest, log); ok {
		return []container.HealthProbe{probe}
	}
	return nil
}

// podSpecProbe parses a serialized Kubernetes pod spec and extracts the
// livenessProbe or readinessProbe (in that order of preference) of its
// first container, per the documented "index 0" design decision for
// multi-container pods.
func podSpecProbe(raw string, log warner) (container.HealthProbe, bool) {
	var p fastjson.Parser
	v, err := p.Parse(raw)
	if err != nil {
		log.Warnf("dockerresolver: malformed pod-spec annotation: %v", err)
		return container.HealthProbe{}, false
	}
	containers := v.GetArray("spec", "containers")
	if len(containers) == 0 {
		return container.HealthProbe{}, false
	}
	first := containers[0]

	if cmd := first.GetArray("livenessProbe", "exec", "command"); len(cmd) > 0 {
		return probeFromCommand(cmd, container.ProbeLiveness), true
	}
	if cmd := first.GetArray("readinessProbe", "exec", "command"); len(cmd) > 0 {
		return probeFromCommand(cmd, container.ProbeReadiness), true
	}
	return container.HealthProbe{}, false
}

func probeFromCommand(cmd []*fastjson.Value, kind container.ProbeKind) container.HealthProbe {
	args := make([]string, 0, len(cmd))
	for _, v := range cmd {
		args = append(args, normalizeArg(string(v.GetStringBytes())))
	}
	exe := ""
	if len(args) > 0 {
		exe = args[0]
		args = args[1:]
	}
	return container.HealthProbe{Kind: kind, Exe: exe, Args: args}
}

// healthcheckProbe interprets the runtime's own Config.Healthcheck.Test
// array.
func healthcheckProbe(test *fastjson.Value, log warner) (container.HealthProbe, bool) {
	arr, err := test.Array()
	if err != nil || len(arr) == 0 {
		return container.HealthProbe{}, false
	}
	kind := string(arr[0].GetStringBytes())
	switch kind {
	case "NONE":
		return container.HealthProbe{}, false
	case "CMD":
		if len(arr) < 2 {
			log.Warnf("dockerresolver: CMD healthcheck with no executable")
			return container.HealthProbe{}, false
		}
		exe := normalizeArg(string(arr[1].GetStringBytes()))
		args := make([]string, 0, len(arr)-2)
		for _, v := range arr[2:] {
			args = append(args, normalizeArg(string(v.GetStringBytes())))
		}
		return container.HealthProbe{Kind: container.ProbeHealthcheck, Exe: exe, Args: args}, true
	case "CMD-SHELL":
		if len(arr) < 2 {
			log.Warnf("dockerresolver: CMD-SHELL healthcheck with no script")
			return container.HealthProbe{}, false
		}
		script := normalizeArg(string(arr[1].GetStringBytes()))
		return container.HealthProbe{
			Kind: container.ProbeHealthcheck,
			Exe:  "/bin/sh",
			Args: []string{"-c", script},
		}, true
	default:
		log.Warnf("dockerresolver: unrecognized healthcheck test kind %q", kind)
		return container.HealthProbe{}, false
	}
}

// normalizeArg strips matched leading-and-trailing '"' or '\'' pairs,
// repeatedly, until the outermost characters no longer match. A lone
// leading quote with no matching trailing quote is left untouched.
func normalizeArg(s string) string {
	for len(s) >= 2 {
		first, last := s[0], s[len(s)-1]
		if (first == '"' || first == '\'') && first == last {
			s = s[1 : len(s)-1]
			continue
		}
		break
	}
	return s
}

// warner is the minimal logging surface probe extraction needs; satisfied
// by logrus.FieldLogger.
type warner interface {
	Warnf(format string, args ...interface{})
}
