// SPDX-FileCopyrightText: 2020 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

//go:build linux

// Package procsignal centralizes the platform-specific signal and
// process-group concerns design note §9 asks the scheduler to keep out
// of its hot paths: masking signals around a fork+exec, installing
// child-side stop/continue timing hooks, and killing an entire process
// tree. The Job package sends every signal aimed at a Worker through
// Signal/SignalGroup here; the scheduler installs its own os/signal
// handlers for the signals the parent process receives.
//
// Only Linux is supported, matching the sandboxed-build assumption of
// the system this scheduler drives (as with the original scheduler,
// which requires Linux-style process groups and SIGTSTP/SIGCONT
// semantics for suspension).
package procsignal

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"golang.org/x/sys/unix"
)

func sigset(sigs ...os.Signal) (unix.Sigset_t, error) {
	var set unix.Sigset_t
	for _, s := range sigs {
		sn, ok := s.(syscall.Signal)
		if !ok {
			return set, fmt.Errorf("procsignal: unsupported signal type %T", s)
		}
		if sn < 1 || int(sn) > len(set.Val)*64 {
			return set, fmt.Errorf("procsignal: signal %d out of range", sn)
		}
		idx := (sn - 1) / 64
		bit := uint((sn - 1) % 64)
		set.Val[idx] |= 1 << bit
	}
	return set, nil
}

// Blocked blocks sigs at the OS thread level for the duration of fn, so
// that any child process fn forks (via os/exec) inherits the same
// blocked disposition. This mirrors _signals.blocked([SIGINT]) wrapping
// process.start() in the original scheduler: the interrupt signal is
// never delivered to a child mid-spawn because only the parent ever
// handles it (spec.md §4.1 "Signal inheritance").
//
// The signal mask is a per-OS-thread property, so Blocked locks the
// calling goroutine to its OS thread for the duration of fn; the mask is
// restored (and the thread unlocked) on every exit path, success,
// error, or panic.
func Blocked(sigs []os.Signal, fn func() error) (err error) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	set, err := sigset(sigs...)
	if err != nil {
		return err
	}
	var old unix.Sigset_t
	if err := unix.PthreadSigmask(unix.SIG_BLOCK, &set, &old); err != nil {
		return fmt.Errorf("procsignal: block signals: %w", err)
	}
	defer func() {
		if uerr := unix.PthreadSigmask(unix.SIG_SETMASK, &old, nil); uerr != nil && err == nil {
			err = fmt.Errorf("procsignal: restore signal mask: %w", uerr)
		}
	}()

	return fn()
}

// Suspendable installs child-side handlers for the suspend/continue
// signal pair: onStop runs when a suspend signal arrives (and is
// followed by a real SIGSTOP of this process, since installing a
// handler for SIGTSTP overrides its default stopping action); onCont
// runs when the process is continued. It returns a function that tears
// the handlers down and restores default disposition; the returned
// function must run before the Worker's final exit, so that the process
// cannot be suspended mid-shutdown (spec.md §4.1 "Shutdown ordering").
func Suspendable(onStop, onCont func()) (teardown func()) {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, unix.SIGTSTP, unix.SIGCONT)
	done := make(chan struct{})

	go func() {
		for {
			select {
			case sig, ok := <-ch:
				if !ok {
					return
				}
				switch sig {
				case unix.SIGTSTP:
					onStop()
					_ = unix.Kill(os.Getpid(), unix.SIGSTOP)
				case unix.SIGCONT:
					onCont()
				}
			case <-done:
				return
			}
		}
	}()

	return func() {
		signal.Stop(ch)
		close(done)
	}
}

// DetachAttr returns the SysProcAttr a Worker's exec.Cmd must carry so
// the child starts a new session and process group (spec.md §4.1
// "Isolation"): signals sent to its descendants never propagate upward
// to the parent, and the whole tree can be signaled via its negated pid.
func DetachAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}

// SignalGroup sends sig to the process group rooted at pid (the Worker's
// own pid, which is also its session/group leader thanks to DetachAttr).
// This is the "kill the entire process tree" primitive design note §9
// calls for, grounded on utils._kill_process_tree in the original
// scheduler.
func SignalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("procsignal: refusing to signal group %d", pid)
	}
	if err := unix.Kill(-pid, sig); err != nil && err != unix.ESRCH {
		return fmt.Errorf("procsignal: signal group %d with %v: %w", pid, sig, err)
	}
	return nil
}

// Signal sends sig to a single pid (not its group), used when suspending
// or resuming a Job's direct child.
func Signal(pid int, sig syscall.Signal) error {
	if err := unix.Kill(pid, sig); err != nil && err != unix.ESRCH {
		return fmt.Errorf("procsignal: signal %d with %v: %w", pid, sig, err)
	}
	return nil
}
