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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenFDsTracksOpenAndClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tracked")
	require.NoError(t, os.WriteFile(path, nil, 0644))

	before, err := OpenFDs()
	require.NoError(t, err)

	f, err := os.Open(path)
	require.NoError(t, err)

	during, err := OpenFDs()
	require.NoError(t, err)
	require.Len(t, during, len(before)+1)
	require.Contains(t, during, FD{Number: int(f.Fd()), Target: path})

	require.NoError(t, f.Close())

	after, err := OpenFDs()
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestOpenFDsSorted(t *testing.T) {
	fds, err := OpenFDs()
	require.NoError(t, err)
	for i := 1; i < len(fds); i++ {
		require.Less(t, fds[i-1].Number, fds[i].Number)
	}
}

func TestOpenFDsMissingDirectory(t *testing.T) {
	_, err := openFDs(filepath.Join(t.TempDir(), "missing"))
	require.Error(t, err)
}

func TestCapabilitiesReportsVFIOCapabilities(t *testing.T) {
	caps, err := Capabilities()
	require.NoError(t, err)

	var names []string
	for _, c := range caps {
		names = append(names, c.Name)
		if c.Effective {
			require.True(t, c.Permitted, c.Name)
		}
	}
	require.Equal(t, []string{"CAP_SYS_RAWIO", "CAP_IPC_LOCK", "CAP_SYS_ADMIN"}, names)
}

func TestMissingCapabilitiesUnknownName(t *testing.T) {
	missing, err := MissingCapabilities("CAP_DOES_NOT_EXIST")
	require.NoError(t, err)
	require.Equal(t, []string{"CAP_DOES_NOT_EXIST"}, missing)
}
