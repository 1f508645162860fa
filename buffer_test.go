package sdfat

import (
	"errors"
	"testing"

	"github.com/aligator/sdfat/errcode"
	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fillBlock is a gomock action which fills the destination block with b.
func fillBlock(b byte) func(addr uint32, dst []byte) error {
	return func(addr uint32, dst []byte) error {
		for i := range dst {
			dst[i] = b
		}
		return nil
	}
}

func TestBuffer_Bind(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	dev := NewMockBlockDevice(mockCtrl)
	buf := NewBuffer(dev)

	_, ok := buf.Address()
	assert.False(t, ok)

	dev.EXPECT().ReadBlock(uint32(7), gomock.Any()).DoAndReturn(fillBlock(0xAB))
	require.NoError(t, buf.Bind(7))

	addr, ok := buf.Address()
	assert.True(t, ok)
	assert.Equal(t, uint32(7), addr)
	assert.Equal(t, byte(0xAB), buf.Bytes()[511])

	// Binding the held block again does no I/O at all.
	require.NoError(t, buf.Bind(7))
}

func TestBuffer_BindFlushesDirty(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	dev := NewMockBlockDevice(mockCtrl)
	buf := NewBuffer(dev)

	dev.EXPECT().ReadBlock(uint32(1), gomock.Any()).DoAndReturn(fillBlock(0))
	require.NoError(t, buf.Bind(1))

	buf.Bytes()[0] = 'x'
	buf.MarkDirty()
	assert.True(t, buf.Dirty())

	gomock.InOrder(
		dev.EXPECT().WriteBlock(uint32(1), gomock.Any()).DoAndReturn(func(addr uint32, src []byte) error {
			assert.Equal(t, byte('x'), src[0])
			return nil
		}),
		dev.EXPECT().ReadBlock(uint32(2), gomock.Any()).DoAndReturn(fillBlock(0x22)),
	)
	require.NoError(t, buf.Bind(2))
	assert.False(t, buf.Dirty())
	assert.Equal(t, byte(0x22), buf.Bytes()[0])
}

func TestBuffer_BindFailures(t *testing.T) {
	tests := []struct {
		name      string
		expect    func(dev *MockBlockDevice)
		wantCode  errcode.Code
		wantAddr  uint32
		wantBound bool
		wantDirty bool
	}{
		{
			name: "load fails",
			expect: func(dev *MockBlockDevice) {
				dev.EXPECT().WriteBlock(uint32(1), gomock.Any()).Return(nil)
				dev.EXPECT().ReadBlock(uint32(2), gomock.Any()).Return(errcode.InvalidDataStart)
			},
			wantCode: errcode.InvalidDataStart,
		},
		{
			name: "write back fails",
			expect: func(dev *MockBlockDevice) {
				dev.EXPECT().WriteBlock(uint32(1), gomock.Any()).Return(errcode.InvalidResponse)
			},
			wantCode:  errcode.InvalidResponse,
			wantAddr:  1,
			wantBound: true,
			wantDirty: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockCtrl := gomock.NewController(t)
			defer mockCtrl.Finish()

			dev := NewMockBlockDevice(mockCtrl)
			buf := NewBuffer(dev)

			dev.EXPECT().ReadBlock(uint32(1), gomock.Any()).Return(nil)
			require.NoError(t, buf.Bind(1))
			buf.MarkDirty()

			tt.expect(dev)
			err := buf.Bind(2)
			require.Error(t, err)
			code, _ := errcode.Of(err)
			assert.Equal(t, tt.wantCode, code)

			addr, ok := buf.Address()
			assert.Equal(t, tt.wantBound, ok)
			if ok {
				assert.Equal(t, tt.wantAddr, addr)
			}
			assert.Equal(t, tt.wantDirty, buf.Dirty())
		})
	}
}

func TestBuffer_Flush(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	dev := NewMockBlockDevice(mockCtrl)
	buf := NewBuffer(dev)

	// Neither an unbound nor a clean buffer is written.
	require.NoError(t, buf.Flush())
	dev.EXPECT().ReadBlock(uint32(3), gomock.Any()).Return(nil)
	require.NoError(t, buf.Bind(3))
	require.NoError(t, buf.Flush())

	buf.MarkDirty()
	dev.EXPECT().WriteBlock(uint32(3), gomock.Any()).Return(nil).Times(1)
	require.NoError(t, buf.Flush())
	require.NoError(t, buf.Flush())
	assert.False(t, buf.Dirty())
}

func TestBuffer_FlushError(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	dev := NewMockBlockDevice(mockCtrl)
	buf := NewBuffer(dev)

	dev.EXPECT().ReadBlock(uint32(3), gomock.Any()).Return(nil)
	require.NoError(t, buf.Bind(3))
	buf.MarkDirty()

	broken := errors.New("bus stuck")
	dev.EXPECT().WriteBlock(uint32(3), gomock.Any()).Return(broken)
	err := buf.Flush()
	assert.True(t, errors.Is(err, broken))
	assert.True(t, buf.Dirty())

	dev.EXPECT().WriteBlock(uint32(3), gomock.Any()).Return(nil)
	require.NoError(t, buf.Flush())
	assert.False(t, buf.Dirty())
}

func TestBuffer_WriteBack(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	dev := NewMockBlockDevice(mockCtrl)
	buf := NewBuffer(dev)

	var written []uint32
	buf.writeBack = func(addr uint32, data []byte) error {
		written = append(written, addr, addr+100)
		return nil
	}

	dev.EXPECT().ReadBlock(uint32(5), gomock.Any()).Return(nil)
	require.NoError(t, buf.Bind(5))
	buf.MarkDirty()
	require.NoError(t, buf.Flush())
	assert.Equal(t, []uint32{5, 105}, written)
}

func TestBuffer_Invalidate(t *testing.T) {
	mockCtrl := gomock.NewController(t)
	defer mockCtrl.Finish()

	dev := NewMockBlockDevice(mockCtrl)
	buf := NewBuffer(dev)

	dev.EXPECT().ReadBlock(uint32(5), gomock.Any()).Return(nil).Times(2)
	require.NoError(t, buf.Bind(5))
	buf.MarkDirty()

	buf.Invalidate()
	assert.False(t, buf.Dirty())
	_, ok := buf.Address()
	assert.False(t, ok)

	// The dropped change is not written and the block is loaded again.
	require.NoError(t, buf.Bind(5))
}
