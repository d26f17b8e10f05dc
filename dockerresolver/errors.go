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

import "github.com/pkg/errors"

// Error kinds: transport and protocol failures are classified by dockerapi;
// parse failures of the top-level container manifest are classified here,
// distinct from parse failures of optional nested sections (which only
// warn and never fail the overall resolution).
var (
	// ErrParse marks a failure to parse the top-level container manifest
	// JSON; the result is an unsuccessful resolution, not a crash.
	ErrParse = errors.New("dockerresolver: malformed container manifest")
)

// classifyParseError wraps err as an ErrParse-kind failure: errors.Cause
// of the result is ErrParse, and err survives only as the message text.
func classifyParseError(err error) error {
	return errors.Wrap(ErrParse, err.Error())
}
