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

package linuxutils

import (
	"fmt"
	"os"
	"strings"

	"github.com/moby/sys/capability"
)

// Capability names a capability relevant to VFIO access.
type Capability struct {
	Name      string
	Effective bool
	Permitted bool
}

var vfioCapabilities = []capability.Cap{
	capability.CAP_SYS_RAWIO,
	capability.CAP_IPC_LOCK,
	capability.CAP_SYS_ADMIN,
}

// Capabilities reports the state of CAP_SYS_RAWIO, CAP_IPC_LOCK and
// CAP_SYS_ADMIN for the calling process.
func Capabilities() ([]Capability, error) {
	caps, err := capability.NewPid2(os.Getpid())
	if err != nil {
		return nil, fmt.Errorf("failed to query capabilities: %w", err)
	}
	if err := caps.Load(); err != nil {
		return nil, fmt.Errorf("failed to load capabilities: %w", err)
	}

	var result []Capability
	for _, c := range vfioCapabilities {
		result = append(result, Capability{
			Name:      "CAP_" + strings.ToUpper(c.String()),
			Effective: caps.Get(capability.EFFECTIVE, c),
			Permitted: caps.Get(capability.PERMITTED, c),
		})
	}
	return result, nil
}

// MissingCapabilities returns the names from wanted that are not in the
// effective set. Unknown names are reported as missing.
func MissingCapabilities(wanted ...string) ([]string, error) {
	have, err := Capabilities()
	if err != nil {
		return nil, err
	}
	effective := make(map[string]bool)
	for _, c := range have {
		effective[c.Name] = c.Effective
	}
	var missing []string
	for _, name := range wanted {
		if !effective[name] {
			missing = append(missing, name)
		}
	}
	return missing, nil
}

