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
	"path/filepath"
	"sort"
	"strconv"
)

// FD is one open descriptor of the calling process.
type FD struct {
	Number int
	Target string
}

func (f FD) String() string {
	return fmt.Sprintf("%d -> %s", f.Number, f.Target)
}

// OpenFDs lists the open descriptors of the calling process, sorted by
// number. The descriptor used to read /proc/self/fd is not reported.
func OpenFDs() ([]FD, error) {
	return openFDs("/proc/self/fd")
}

func openFDs(dir string) ([]FD, error) {
	d, err := os.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", dir, err)
	}
	defer d.Close()

	names, err := d.Readdirnames(-1)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", dir, err)
	}

	self := int(d.Fd())
	fds := make([]FD, 0, len(names))
	for _, name := range names {
		n, err := strconv.Atoi(name)
		if err != nil || n == self {
			continue
		}
		target, err := os.Readlink(filepath.Join(dir, name))
		if err != nil {
			// closed between listing and reading
			continue
		}
		fds = append(fds, FD{Number: n, Target: target})
	}
	sort.Slice(fds, func(i, j int) bool { return fds[i].Number < fds[j].Number })
	return fds, nil
}
