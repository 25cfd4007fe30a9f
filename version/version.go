/*
   Copyright The regfs Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

// Package version holds build-time version information, injected via
// -ldflags at build time (see the Makefile-equivalent build script).
package version

// Version and Revision are overridden at build time with:
//
//	-X github.com/ociregfs/regfs/version.Version=v1.2.3
//	-X github.com/ociregfs/regfs/version.Revision=abcdef0
var (
	Version  = "0.0.0-dev"
	Revision = "unknown"
)

// UserAgent is the value sent on every outbound HTTP request this module
// issues, so a registry operator can correlate traffic back to a build.
func UserAgent() string {
	return "regfs/" + Version + " (" + Revision + ")"
}
