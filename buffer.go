package sdfat

import (
	"github.com/aligator/sdfat/checkpoint"
)

// unbound marks a Buffer which does not mirror any block.
const unbound = ^uint32(0)

// Buffer is the in-memory mirror of exactly one block of a BlockDevice.
//
// A Buffer is owned by one role at a time, either a single open file or one of
// the filesystem's own caches. It is not safe for concurrent use.
type Buffer struct {
	dev   BlockDevice
	addr  uint32
	dirty bool
	data  []byte

	// writeBack stores the buffer content, it defaults to dev.WriteBlock.
	// The FAT cache uses it to keep all FAT copies in sync.
	writeBack func(addr uint32, data []byte) error

	// written is called after the block at addr was written back.
	written func(b *Buffer, addr uint32)
}

// NewBuffer creates an unbound Buffer for dev.
func NewBuffer(dev BlockDevice) *Buffer {
	return &Buffer{
		dev:  dev,
		addr: unbound,
		data: make([]byte, BlockSize),
	}
}

// Address returns the block currently held by the Buffer.
// ok is false if the Buffer is unbound.
func (b *Buffer) Address() (addr uint32, ok bool) {
	return b.addr, b.addr != unbound
}

// Dirty reports whether the Buffer holds changes not yet written back.
func (b *Buffer) Dirty() bool {
	return b.dirty
}

// Bytes gives direct access to the cached block.
// Callers modifying it have to call MarkDirty.
func (b *Buffer) Bytes() []byte {
	return b.data
}

// Bind makes the Buffer mirror the block at addr.
// A dirty Buffer holding another block is flushed first. Binding the block
// which is already held does no I/O at all.
// If loading fails the Buffer is left unbound.
func (b *Buffer) Bind(addr uint32) error {
	if addr == b.addr {
		return nil
	}

	if err := b.Flush(); err != nil {
		return err
	}

	if err := b.dev.ReadBlock(addr, b.data); err != nil {
		b.addr = unbound
		return checkpoint.From(err)
	}

	b.addr = addr
	return nil
}

// MarkDirty flags the Buffer content as changed without doing any I/O.
func (b *Buffer) MarkDirty() {
	b.dirty = true
}

// Flush writes the Buffer back to the device if it is dirty.
// It is a no-op for a clean Buffer.
func (b *Buffer) Flush() error {
	if !b.dirty || b.addr == unbound {
		return nil
	}

	write := b.writeBack
	if write == nil {
		write = b.dev.WriteBlock
	}
	if err := write(b.addr, b.data); err != nil {
		return checkpoint.From(err)
	}

	b.dirty = false
	if b.written != nil {
		b.written(b, b.addr)
	}
	return nil
}

// Invalidate drops the cached block without writing it back.
func (b *Buffer) Invalidate() {
	b.addr = unbound
	b.dirty = false
}
