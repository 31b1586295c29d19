/*
 * Copyright (c) 2025, NVIDIA CORPORATION.  All rights reserved.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package info

import "fmt"

// version and gitCommit are overridden at link time:
//
//	-ldflags "-X github.com/NVIDIA/vfio-harness/internal/info.version=..."
var (
	version   = "unknown"
	gitCommit = ""
)

// GetVersionString returns the version of the harness binaries, including the
// commit when known.
func GetVersionString() string {
	if gitCommit == "" {
		return version
	}
	return fmt.Sprintf("%s\ncommit: %s", version, gitCommit)
}
