// Package checkpoint decorates errors with the caller location they passed
// through, which gives something similar to a stacktrace for errors travelling
// up from the block device to the filesystem API.
// The decorated errors stay matchable with errors.Is and errors.As, both for the
// describing error of a checkpoint and for everything it wraps.
package checkpoint

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"runtime"
	"strings"
)

// From wraps err by a checkpoint carrying the location of the caller.
// It returns nil if err is nil.
func From(err error) error {
	if err == nil || passThrough(err) {
		return err
	}
	return newCheckpoint(err, nil)
}

// Wrap adds a checkpoint to prev which is further described by err.
// It returns nil if prev is nil, which allows predefined errors to be attached
// only when something actually failed:
//
//	data, err := fs.readBlock(sector)
//	return checkpoint.Wrap(err, errcode.InvalidFilesystem)
//
// errors.Is matches err as well as everything wrapped by prev.
func Wrap(prev, err error) error {
	if prev == nil || passThrough(prev) {
		return prev
	}
	return newCheckpoint(prev, err)
}

// Trace returns the locations of all checkpoints in the chain of err,
// innermost last.
func Trace(err error) []string {
	var trace []string
	for err != nil {
		var c *checkpoint
		if !errors.As(err, &c) {
			break
		}
		trace = append(trace, c.location())
		err = c.prev
	}
	return trace
}

// io.EOF and io.ErrUnexpectedEOF must be returned unwrapped,
// see https://github.com/golang/go/issues/39155
func passThrough(err error) bool {
	return err == io.EOF || err == io.ErrUnexpectedEOF
}

type checkpoint struct {
	prev error
	desc error

	file string
	line int
	fn   string
}

func newCheckpoint(prev, desc error) *checkpoint {
	c := &checkpoint{prev: prev, desc: desc}

	// Skip runtime.Callers, newCheckpoint and From/Wrap.
	pcs := make([]uintptr, 1)
	if runtime.Callers(3, pcs) == 1 {
		frame, _ := runtime.CallersFrames(pcs).Next()
		c.file = filepath.Base(frame.File)
		c.line = frame.Line
		c.fn = frame.Function
	}

	return c
}

func (c *checkpoint) location() string {
	if c.file == "" {
		return "unknown"
	}
	return fmt.Sprintf("%s:%d", c.file, c.line)
}

func (c *checkpoint) Error() string {
	var b strings.Builder
	b.WriteString(c.location())
	if c.desc != nil {
		b.WriteString(": ")
		b.WriteString(c.desc.Error())
	}
	b.WriteString("\n\t")
	b.WriteString(strings.ReplaceAll(c.prev.Error(), "\n", "\n\t"))
	return b.String()
}

func (c *checkpoint) Unwrap() error {
	return c.prev
}

func (c *checkpoint) Is(target error) bool {
	return c.desc != nil && errors.Is(c.desc, target)
}

func (c *checkpoint) As(target interface{}) bool {
	if c.desc == nil {
		return false
	}
	return errors.As(c.desc, target)
}
