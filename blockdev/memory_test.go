package blockdev

import (
	"bytes"
	"errors"
	"testing"

	"github.com/aligator/sdfat"
	"github.com/aligator/sdfat/errcode"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func block(b byte) []byte {
	return bytes.Repeat([]byte{b}, sdfat.BlockSize)
}

func TestMemory_ReadWrite(t *testing.T) {
	m := NewMemory(16)
	assert.Equal(t, uint32(16), m.Blocks())
	require.NoError(t, m.Init())

	dst := block(0xFF)
	require.NoError(t, m.ReadBlock(3, dst))
	assert.Equal(t, block(0), dst, "unwritten blocks read as zeros")

	require.NoError(t, m.WriteBlock(3, block(0x42)))
	require.NoError(t, m.ReadBlock(3, dst))
	assert.Equal(t, block(0x42), dst)

	// The device keeps its own copy.
	src := block(0x01)
	require.NoError(t, m.WriteBlock(4, src))
	src[0] = 0x99
	assert.Equal(t, block(0x01), m.Peek(4))
}

func TestMemory_Check(t *testing.T) {
	tests := []struct {
		name string
		addr uint32
		data []byte
		want errcode.Code
	}{
		{name: "short buffer", addr: 0, data: make([]byte, 100), want: errcode.InvalidNumBytes},
		{name: "beyond the end", addr: 16, data: block(0), want: errcode.InvalidResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMemory(16)
			for _, err := range []error{m.ReadBlock(tt.addr, tt.data), m.WriteBlock(tt.addr, tt.data)} {
				code, ok := errcode.Of(err)
				assert.True(t, ok, "%v", err)
				assert.Equal(t, tt.want, code)
			}
			assert.Zero(t, m.Reads())
			assert.Zero(t, m.Writes())
		})
	}
}

func TestMemory_Counters(t *testing.T) {
	m := NewMemory(16)
	dst := block(0)

	require.NoError(t, m.ReadBlock(1, dst))
	require.NoError(t, m.ReadBlock(1, dst))
	require.NoError(t, m.ReadBlock(2, dst))
	require.NoError(t, m.WriteBlock(2, dst))
	_ = m.Peek(1)

	assert.Equal(t, 3, m.Reads())
	assert.Equal(t, 2, m.ReadsOf(1))
	assert.Equal(t, 1, m.ReadsOf(2))
	assert.Equal(t, 1, m.Writes())
	assert.Equal(t, 1, m.WritesOf(2))

	m.ResetCounters()
	assert.Zero(t, m.Reads())
	assert.Zero(t, m.Writes())
	assert.Equal(t, dst, m.Peek(2), "resetting counters keeps the content")
}

func TestMemory_Faults(t *testing.T) {
	m := NewMemory(16)
	dst := block(0)
	broken := errors.New("broken")

	m.FailInit(errcode.InvalidInit)
	assert.Equal(t, errcode.InvalidInit, m.Init())
	m.FailInit(nil)
	assert.NoError(t, m.Init())

	m.FailRead(5, errcode.ReadTimeout)
	assert.Equal(t, errcode.ReadTimeout, m.ReadBlock(5, dst))
	assert.NoError(t, m.ReadBlock(6, dst))
	assert.Equal(t, 1, m.ReadsOf(5), "failed reads are counted")
	m.FailRead(5, nil)
	assert.NoError(t, m.ReadBlock(5, dst))

	m.FailWrite(7, broken)
	assert.Equal(t, broken, m.WriteBlock(7, block(0x11)))
	assert.Equal(t, block(0), m.Peek(7), "a failed write changes nothing")
	m.FailWrite(7, nil)
	assert.NoError(t, m.WriteBlock(7, block(0x11)))
	assert.Equal(t, block(0x11), m.Peek(7))
}
