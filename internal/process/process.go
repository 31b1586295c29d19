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

// Package process launches secondary harness processes and reaps them.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
)

// FDsEnv lists, comma separated, the descriptor numbers a launched process
// inherited.
const FDsEnv = "VFIO_HARNESS_FDS"

// firstExtraFD is the descriptor number of the first inherited file.
const firstExtraFD = 3

// LaunchError reports a process that could not be started.
type LaunchError struct {
	Path string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to launch %s: %v", e.Path, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}

// ExitError reports a process that exited unsuccessfully.
type ExitError struct {
	Path string
	Pid  int
	// Code is the exit status, or -1 if the process was killed.
	Code   int
	Signal syscall.Signal
}

func (e *ExitError) Error() string {
	if e.Code < 0 {
		return fmt.Sprintf("%s (pid %d) was killed by %v", e.Path, e.Pid, e.Signal)
	}
	return fmt.Sprintf("%s (pid %d) exited with status %d", e.Path, e.Pid, e.Code)
}

type config struct {
	log    *logrus.Logger
	files  []*os.File
	env    []string
	stdout io.Writer
	stderr io.Writer
}

// Option configures Launch.
type Option func(*config)

// WithFiles passes files to the child as descriptors 3, 4, ... and records
// their numbers in FDsEnv.
func WithFiles(files ...*os.File) Option {
	return func(c *config) {
		c.files = append(c.files, files...)
	}
}

// WithEnv adds KEY=value entries to the inherited environment.
func WithEnv(env ...string) Option {
	return func(c *config) {
		c.env = append(c.env, env...)
	}
}

// WithOutput redirects the child's stdout and stderr. By default they are
// shared with the caller.
func WithOutput(stdout, stderr io.Writer) Option {
	return func(c *config) {
		c.stdout = stdout
		c.stderr = stderr
	}
}

func WithLogger(log *logrus.Logger) Option {
	return func(c *config) {
		c.log = log
	}
}

// Process is a launched child. It is reaped in the background as soon as it
// exits, whether or not anyone waits for it.
type Process struct {
	Path string

	log  *logrus.Logger
	cmd  *exec.Cmd
	done chan struct{}
	err  error

	mu       sync.Mutex
	detached bool
}

// Launch starts executable with args. Cancelling ctx kills the process.
func Launch(ctx context.Context, executable string, args []string, opts ...Option) (*Process, error) {
	c := &config{stdout: os.Stdout, stderr: os.Stderr}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logrus.StandardLogger()
	}

	cmd := exec.CommandContext(ctx, executable, args...)
	cmd.Stdout = c.stdout
	cmd.Stderr = c.stderr
	cmd.ExtraFiles = c.files
	cmd.Env = append(os.Environ(), c.env...)
	if len(c.files) > 0 {
		fds := make([]string, len(c.files))
		for i := range c.files {
			fds[i] = strconv.Itoa(firstExtraFD + i)
		}
		cmd.Env = append(cmd.Env, FDsEnv+"="+strings.Join(fds, ","))
	}

	if err := cmd.Start(); err != nil {
		return nil, &LaunchError{Path: executable, Err: err}
	}

	p := &Process{
		Path: executable,
		log:  c.log,
		cmd:  cmd,
		done: make(chan struct{}),
	}
	c.log.Debugf("Launched %s (pid %d)", executable, cmd.Process.Pid)
	go p.reap()
	return p, nil
}

func (p *Process) reap() {
	err := p.cmd.Wait()
	p.err = p.exitError(err)

	p.mu.Lock()
	detached := p.detached
	p.mu.Unlock()
	if detached && p.err != nil {
		p.log.Warnf("Detached process: %v", p.err)
	}
	close(p.done)
}

func (p *Process) exitError(err error) error {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return err
	}
	e := &ExitError{Path: p.Path, Pid: p.Pid(), Code: exitErr.ExitCode()}
	if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
		e.Code = -1
		e.Signal = status.Signal()
	}
	return e
}

func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Done is closed once the process has exited and been reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the process exits. It returns an *ExitError for a
// non-zero exit.
func (p *Process) Wait() error {
	<-p.done
	return p.err
}

// Detach gives up interest in the process. It is still reaped when it
// exits, and an unsuccessful exit is logged.
func (p *Process) Detach() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.detached = true
}

// Signal sends sig to the process if it is still running.
func (p *Process) Signal(sig os.Signal) error {
	select {
	case <-p.done:
		return os.ErrProcessDone
	default:
	}
	return p.cmd.Process.Signal(sig)
}

// Result is the outcome of one awaited process.
type Result struct {
	Path string
	Pid  int
	// Code is the exit status, or -1 if the process was killed.
	Code int
	Err  error
}

// AwaitAll waits for every process and returns their results in order. The
// error combines every unsuccessful exit.
func AwaitAll(procs []*Process) ([]Result, error) {
	results := make([]Result, len(procs))
	var err error
	for i, p := range procs {
		waitErr := p.Wait()
		results[i] = Result{
			Path: p.Path,
			Pid:  p.Pid(),
			Code: p.cmd.ProcessState.ExitCode(),
			Err:  waitErr,
		}
		err = multierr.Append(err, waitErr)
	}
	return results, err
}

// Inherited returns the files a parent passed with WithFiles, as listed in
// FDsEnv.
func Inherited() ([]*os.File, error) {
	fds, err := InheritedFDs()
	if err != nil {
		return nil, err
	}
	files := make([]*os.File, len(fds))
	for i, fd := range fds {
		files[i] = os.NewFile(uintptr(fd), fmt.Sprintf("inherited-fd-%d", fd))
	}
	return files, nil
}

// InheritedFDs returns the descriptor numbers listed in FDsEnv.
func InheritedFDs() ([]int, error) {
	return parseFDs(os.Getenv(FDsEnv))
}

func parseFDs(value string) ([]int, error) {
	if value == "" {
		return nil, nil
	}
	var fds []int
	for _, field := range strings.Split(value, ",") {
		fd, err := strconv.Atoi(strings.TrimSpace(field))
		if err != nil || fd < firstExtraFD {
			return nil, fmt.Errorf("invalid descriptor %q in %s", field, FDsEnv)
		}
		fds = append(fds, fd)
	}
	return fds, nil
}
