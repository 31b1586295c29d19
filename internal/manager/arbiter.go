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

package manager

// arbiter grants exclusive access to one session at a time, in request
// order. It is guarded by Server.mu.
type arbiter struct {
	holder *session
	queue  []*session
}

// request reports whether sess was granted access immediately.
func (a *arbiter) request(sess *session) (bool, error) {
	if a.holder == sess {
		return false, protocolErrorf("exclusive access requested while already held")
	}
	for _, q := range a.queue {
		if q == sess {
			return false, protocolErrorf("exclusive access requested twice")
		}
	}
	if a.holder == nil {
		a.holder = sess
		return true, nil
	}
	a.queue = append(a.queue, sess)
	return false, nil
}

// complete ends the claim of sess and returns the session granted next, if
// any.
func (a *arbiter) complete(sess *session) (*session, error) {
	if a.holder != sess {
		return nil, protocolErrorf("exclusive access completed without being held")
	}
	return a.advance(), nil
}

// remove drops sess from the arbiter and returns the session granted next
// if sess was the holder.
func (a *arbiter) remove(sess *session) *session {
	if a.holder == sess {
		return a.advance()
	}
	for i, q := range a.queue {
		if q == sess {
			a.queue = append(a.queue[:i], a.queue[i+1:]...)
			break
		}
	}
	return nil
}

func (a *arbiter) advance() *session {
	a.holder = nil
	if len(a.queue) == 0 {
		return nil
	}
	a.holder = a.queue[0]
	a.queue = a.queue[1:]
	return a.holder
}
