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

import "strings"

// splitImageRef splits a raw image reference into its registry hostname,
// port, repository, tag and digest parts. A leading path segment is taken
// to be a registry hostname (rather than the first element of the
// repository path) exactly when it contains a "." or ":", or is literally
// "localhost", the same heuristic every Docker-compatible reference parser
// uses to disambiguate "library/ubuntu" from "registry.local/ubuntu".
func splitImageRef(ref string) (hostname, port, repo, tag, digest string) {
	name := ref
	if at := strings.LastIndex(ref, "@"); at >= 0 {
		name = ref[:at]
		digest = ref[at+1:]
	}

	lastSegment := name
	prefix := ""
	if slash := strings.LastIndex(name, "/"); slash >= 0 {
		lastSegment = name[slash+1:]
		prefix = name[:slash]
	}
	if colon := strings.LastIndex(lastSegment, ":"); colon >= 0 {
		tag = lastSegment[colon+1:]
		lastSegment = lastSegment[:colon]
	}

	repoPath := lastSegment
	if prefix != "" {
		repoPath = prefix + "/" + repoPath
	}

	first := repoPath
	rest := ""
	if slash := strings.Index(repoPath, "/"); slash >= 0 {
		first = repoPath[:slash]
		rest = repoPath[slash+1:]
	}
	if rest != "" && (strings.ContainsAny(first, ".:") || first == "localhost") {
		hostname = first
		repo = rest
		if h, p, ok := strings.Cut(hostname, ":"); ok {
			hostname, port = h, p
		}
	} else {
		repo = repoPath
	}
	return hostname, port, repo, tag, digest
}
