// SPDX-FileCopyrightText: 2020 SAP SE or an SAP affiliate company and Gardener contributors
//
// SPDX-License-Identifier: Apache-2.0

// Package transport is the purpose-built channel abstraction design
// note §9 asks for, carrying envelopes one way, from a Worker to its
// parent Job, and replacing the need to reach into
// a queue/channel's internals to find a readable file descriptor: a
// Pipe wraps an os.Pipe and exposes its read end as a first-class,
// drainable Reader.
package transport

import (
	"io"
	"os"
	"sync"

	"github.com/gardener/buildsched/pkg/envelope"
)

// childFD is the file descriptor a Worker child process finds its
// envelope-out pipe on. exec.Cmd.ExtraFiles places the first extra file
// at fd 3 (0,1,2 are stdin/stdout/stderr).
const childFD = 3

// Pipe is the envelope transport set up by a Job before spawning a
// Worker. Child is handed to exec.Cmd.ExtraFiles so the worker process
// inherits it as fd 3; the parent drains Parent()'s Reader.
type Pipe struct {
	Child  *os.File
	parent *os.File

	once   sync.Once
	reader *Reader
}

// NewPipe creates a fresh OS pipe for one Worker spawn.
func NewPipe() (*Pipe, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	return &Pipe{Child: w, parent: r}, nil
}

// Parent returns the Reader draining the pipe's read end. The first call
// starts the background read loop; subsequent calls return the same
// Reader.
func (p *Pipe) Parent() *Reader {
	p.once.Do(func() {
		p.reader = newReader(p.parent)
	})
	return p.reader
}

// CloseChild closes the parent process's copy of the child's write-end
// fd. Must be called once the child owns its own copy (immediately after
// spawn) or the parent will never observe EOF when the child exits.
func (p *Pipe) CloseChild() error {
	return p.Child.Close()
}

// ChildWriter returns the envelope-out file descriptor as seen from
// inside a freshly spawned Worker process.
func ChildWriter() *os.File {
	return os.NewFile(childFD, "envelope-out")
}

// Reader drains length-prefixed envelope frames from a pipe's read end
// on a background goroutine and republishes them on a buffered channel,
// so that the Job's event loop never blocks waiting on I/O.
type Reader struct {
	f     *os.File
	out   chan envelope.Envelope
	errCh chan error
}

func newReader(f *os.File) *Reader {
	r := &Reader{
		f:     f,
		out:   make(chan envelope.Envelope, 64),
		errCh: make(chan error, 1),
	}
	go r.loop()
	return r
}

func (r *Reader) loop() {
	defer close(r.out)
	for {
		e, err := envelope.Read(r.f)
		if err != nil {
			if err != io.EOF {
				r.errCh <- err
			}
			return
		}
		r.out <- e
	}
}

// Envelopes is the channel of decoded envelopes; it is closed when the
// writer end is closed (the Worker's last act before exit) or a read
// error occurs.
func (r *Reader) Envelopes() <-chan envelope.Envelope {
	return r.out
}

// Err returns a non-transport-clean read error, if one occurred. Only
// meaningful after Envelopes() has been closed.
func (r *Reader) Err() error {
	select {
	case err := <-r.errCh:
		return err
	default:
		return nil
	}
}

// Close releases the parent's read-end descriptor.
func (r *Reader) Close() error {
	return r.f.Close()
}
