// Package blockdev contains BlockDevice implementations which are not backed by
// real hardware: a sparse in-memory device and image files.
package blockdev

import (
	"fmt"

	"github.com/aligator/sdfat"
	"github.com/aligator/sdfat/checkpoint"
	"github.com/aligator/sdfat/errcode"
)

// Memory is a sparse in-memory BlockDevice. Blocks which were never written
// read as zeros, so even large volumes only cost the memory of their used blocks.
//
// Memory counts every transport call and can inject failures for single blocks,
// which makes it the device of choice for tests.
type Memory struct {
	blocks map[uint32][]byte
	count  uint32

	reads  map[uint32]int
	writes map[uint32]int

	initErr    error
	readFault  map[uint32]error
	writeFault map[uint32]error
}

var _ sdfat.BlockDevice = (*Memory)(nil)

// NewMemory creates a zeroed device of count blocks.
func NewMemory(count uint32) *Memory {
	return &Memory{
		blocks:     make(map[uint32][]byte),
		count:      count,
		reads:      make(map[uint32]int),
		writes:     make(map[uint32]int),
		readFault:  make(map[uint32]error),
		writeFault: make(map[uint32]error),
	}
}

// Blocks returns the size of the device in blocks.
func (m *Memory) Blocks() uint32 {
	return m.count
}

// Init fails with the error set by FailInit, if any.
func (m *Memory) Init() error {
	return m.initErr
}

func (m *Memory) ReadBlock(addr uint32, dst []byte) error {
	if err := m.check(addr, dst); err != nil {
		return err
	}
	m.reads[addr]++
	if err := m.readFault[addr]; err != nil {
		return err
	}

	if b, ok := m.blocks[addr]; ok {
		copy(dst, b)
	} else {
		for i := range dst {
			dst[i] = 0
		}
	}
	return nil
}

func (m *Memory) WriteBlock(addr uint32, src []byte) error {
	if err := m.check(addr, src); err != nil {
		return err
	}
	m.writes[addr]++
	if err := m.writeFault[addr]; err != nil {
		return err
	}

	b, ok := m.blocks[addr]
	if !ok {
		b = make([]byte, sdfat.BlockSize)
		m.blocks[addr] = b
	}
	copy(b, src)
	return nil
}

func (m *Memory) check(addr uint32, data []byte) error {
	if len(data) != sdfat.BlockSize {
		return checkpoint.Wrap(fmt.Errorf("got %d bytes", len(data)), errcode.InvalidNumBytes)
	}
	if addr >= m.count {
		return checkpoint.Wrap(fmt.Errorf("block %d beyond the end of the device (%d blocks)", addr, m.count), errcode.InvalidResponse)
	}
	return nil
}

// FailInit makes Init return err. A nil err removes the failure.
func (m *Memory) FailInit(err error) {
	m.initErr = err
}

// FailRead makes every read of addr return err. A nil err removes the failure.
func (m *Memory) FailRead(addr uint32, err error) {
	if err == nil {
		delete(m.readFault, addr)
		return
	}
	m.readFault[addr] = err
}

// FailWrite makes every write of addr return err. A nil err removes the failure.
func (m *Memory) FailWrite(addr uint32, err error) {
	if err == nil {
		delete(m.writeFault, addr)
		return
	}
	m.writeFault[addr] = err
}

// Reads returns the number of ReadBlock calls since the last ResetCounters.
func (m *Memory) Reads() int {
	return sum(m.reads)
}

// Writes returns the number of WriteBlock calls since the last ResetCounters.
func (m *Memory) Writes() int {
	return sum(m.writes)
}

// ReadsOf returns the number of ReadBlock calls for addr.
func (m *Memory) ReadsOf(addr uint32) int {
	return m.reads[addr]
}

// WritesOf returns the number of WriteBlock calls for addr.
func (m *Memory) WritesOf(addr uint32) int {
	return m.writes[addr]
}

// ResetCounters sets all read and write counters back to zero.
func (m *Memory) ResetCounters() {
	m.reads = make(map[uint32]int)
	m.writes = make(map[uint32]int)
}

// Peek returns a copy of the block at addr without counting it as a read.
func (m *Memory) Peek(addr uint32) []byte {
	out := make([]byte, sdfat.BlockSize)
	copy(out, m.blocks[addr])
	return out
}

func sum(counts map[uint32]int) int {
	n := 0
	for _, c := range counts {
		n += c
	}
	return n
}
