package sdfat_test

import (
	"encoding/binary"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/aligator/sdfat"
	"github.com/aligator/sdfat/errcode"
	"github.com/aligator/sdfat/mkfs"
	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireCode(t *testing.T, err error, want errcode.Code) {
	t.Helper()
	require.Error(t, err)
	got, ok := errcode.Of(err)
	require.True(t, ok, "error without code: %v", err)
	require.Equal(t, want, got, "unexpected code for %v", err)
}

func TestFS_Mount(t *testing.T) {
	withMBR := smallFAT16
	withMBR.PartitionStart = 63

	tests := []struct {
		name string
		opts mkfs.Options
		want sdfat.VolumeInfo
	}{
		{
			name: "FAT16 boot sector at block 0",
			opts: smallFAT16,
			want: sdfat.VolumeInfo{
				Type:             sdfat.FAT16,
				OEMName:          "sdfat",
				Label:            "TESTVOL",
				VolumeID:         0x1234abcd,
				BytesPerBlock:    512,
				BlocksPerCluster: 1,
				NumFATs:          2,
				FATStart:         1,
				FATSize:          32,
				RootStart:        65,
				RootBlocks:       32,
				DataStart:        97,
				ClusterCount:     8095,
				TotalBlocks:      8192,
			},
		},
		{
			name: "FAT16 behind a master boot record",
			opts: withMBR,
			want: sdfat.VolumeInfo{
				Type:             sdfat.FAT16,
				OEMName:          "sdfat",
				Label:            "TESTVOL",
				VolumeID:         0x1234abcd,
				PartitionStart:   63,
				BytesPerBlock:    512,
				BlocksPerCluster: 1,
				NumFATs:          2,
				FATStart:         64,
				FATSize:          32,
				RootStart:        128,
				RootBlocks:       32,
				DataStart:        160,
				ClusterCount:     8095,
				TotalBlocks:      8192,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem, _ := testingVolume(t, tt.opts)

			fs := testingMount(t, mem)
			assert.Equal(t, sdfat.Mounted, fs.State())
			assert.Equal(t, tt.want, fs.Info())
			assert.Equal(t, tt.want.Label, fs.Label())
			assert.Equal(t, sdfat.FAT16, fs.FSType())
		})
	}
}

func TestFS_MountFAT32(t *testing.T) {
	mem, vol := testingVolume(t, smallFAT32, fixtureFile{"HELLO.TXT", "hello fat32"})

	fs := testingMount(t, mem)
	info := fs.Info()
	geo := vol.Geometry()

	assert.Equal(t, sdfat.FAT32, info.Type)
	assert.Equal(t, "TESTVOL32", info.Label)
	assert.Equal(t, geo.RootCluster, info.RootCluster)
	assert.Equal(t, geo.FATStart, info.FATStart)
	assert.Equal(t, geo.FATSize, info.FATSize)
	assert.Equal(t, geo.DataStart, info.DataStart)
	assert.Equal(t, geo.Clusters, info.ClusterCount)
	assert.Zero(t, info.RootBlocks)
	assert.Equal(t, uint32(1), info.FSInfoBlock)

	f, err := fs.Open("HELLO.TXT")
	require.NoError(t, err)
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "hello fat32", string(data))
	require.NoError(t, f.Close())
}

// corruptBlock applies change to block addr of mem.
func corruptBlock(t *testing.T, dev interface {
	Peek(uint32) []byte
	WriteBlock(uint32, []byte) error
}, addr uint32, change func(b []byte)) {
	t.Helper()
	b := dev.Peek(addr)
	change(b)
	require.NoError(t, dev.WriteBlock(addr, b))
}

func TestFS_MountInvalid(t *testing.T) {
	tests := []struct {
		name    string
		corrupt func(b []byte)
	}{
		{
			name:    "missing boot signature",
			corrupt: func(b []byte) { b[510], b[511] = 0, 0 },
		},
		{
			name:    "unsupported sector size",
			corrupt: func(b []byte) { binary.LittleEndian.PutUint16(b[11:], 1024) },
		},
		{
			name:    "sectors per cluster no power of two",
			corrupt: func(b []byte) { b[13] = 3 },
		},
		{
			name:    "no reserved sectors",
			corrupt: func(b []byte) { binary.LittleEndian.PutUint16(b[14:], 0) },
		},
		{
			name:    "three FATs",
			corrupt: func(b []byte) { b[16] = 3 },
		},
		{
			name:    "FAT12 sized volume",
			corrupt: func(b []byte) { binary.LittleEndian.PutUint16(b[19:], 2000) },
		},
		{
			name:    "FAT16 without root entries",
			corrupt: func(b []byte) { binary.LittleEndian.PutUint16(b[17:], 0) },
		},
		{
			name: "neither boot sector nor partition table",
			corrupt: func(b []byte) {
				for i := 0; i < 510; i++ {
					b[i] = 0
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem, _ := testingVolume(t, smallFAT16)
			corruptBlock(t, mem, 0, tt.corrupt)

			opts, _ := testingOptions(true)
			fs := sdfat.New(mem, opts)
			err := fs.Mount()
			requireCode(t, err, errcode.InvalidFilesystem)
			assert.Equal(t, sdfat.Unmounted, fs.State())
			assert.Equal(t, sdfat.VolumeInfo{}, fs.Info())
		})
	}
}

func TestFS_MountAtomic(t *testing.T) {
	mem, _ := testingVolume(t, smallFAT16, fixtureFile{"A.TXT", "a"})
	fs := testingMount(t, mem)
	require.Equal(t, sdfat.FAT16, fs.FSType())

	// A remount which fails validating the boot sector must not leave
	// anything of the previous geometry behind.
	corruptBlock(t, mem, 0, func(b []byte) { b[510] = 0 })
	requireCode(t, fs.Mount(), errcode.InvalidFilesystem)

	assert.Equal(t, sdfat.Unmounted, fs.State())
	assert.Equal(t, sdfat.VolumeInfo{}, fs.Info())
	assert.Equal(t, sdfat.FATUnknown, fs.FSType())

	_, err := fs.Open("A.TXT")
	requireCode(t, err, errcode.NotMounted)
	_, err = fs.ReadDir()
	requireCode(t, err, errcode.NotMounted)

	// Repairing the volume makes it mountable again.
	corruptBlock(t, mem, 0, func(b []byte) { b[510] = 0x55 })
	require.NoError(t, fs.Mount())
	assert.Equal(t, sdfat.Mounted, fs.State())
}

func TestFS_MountTransportErrors(t *testing.T) {
	noCard := errors.New("no card inserted")

	tests := []struct {
		name   string
		expect func(dev *sdfat.MockBlockDevice)
		want   errcode.Code
	}{
		{
			name: "init without code",
			expect: func(dev *sdfat.MockBlockDevice) {
				dev.EXPECT().Init().Return(noCard)
			},
			want: errcode.InvalidInit,
		},
		{
			name: "init with code",
			expect: func(dev *sdfat.MockBlockDevice) {
				dev.EXPECT().Init().Return(errcode.ReadTimeout)
			},
			want: errcode.ReadTimeout,
		},
		{
			name: "boot sector read",
			expect: func(dev *sdfat.MockBlockDevice) {
				dev.EXPECT().Init().Return(nil)
				dev.EXPECT().ReadBlock(uint32(0), gomock.Any()).Return(errcode.InvalidDataStart)
			},
			want: errcode.InvalidDataStart,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockCtrl := gomock.NewController(t)
			defer mockCtrl.Finish()

			dev := sdfat.NewMockBlockDevice(mockCtrl)
			tt.expect(dev)

			opts, _ := testingOptions(true)
			fs := sdfat.New(dev, opts)
			requireCode(t, fs.Mount(), tt.want)
			assert.Equal(t, sdfat.Unmounted, fs.State())
		})
	}
}

func TestFS_MountLogsDiagnostics(t *testing.T) {
	mem, _ := testingVolume(t, smallFAT16)
	mem.FailRead(0, errcode.ReadTimeout)

	opts, hook := testingOptions(true)
	fs := sdfat.New(mem, opts)
	requireCode(t, fs.Mount(), errcode.ReadTimeout)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "mount failed", entry.Message)
	assert.Equal(t, int16(errcode.ReadTimeout), entry.Data["code"])
}

func TestFS_Unmount(t *testing.T) {
	mem, _ := testingVolume(t, smallFAT16, fixtureFile{"A.TXT", "a"})

	fs := sdfat.New(mem, sdfat.DefaultOptions())
	requireCode(t, fs.Unmount(), errcode.NotMounted)
	require.NoError(t, fs.Mount())

	f, err := fs.Open("A.TXT")
	require.NoError(t, err)

	requireCode(t, fs.Unmount(), errcode.FilesOpen)
	requireCode(t, fs.Mount(), errcode.FilesOpen)
	assert.Equal(t, sdfat.Mounted, fs.State())

	require.NoError(t, f.Close())
	require.NoError(t, fs.Unmount())
	assert.Equal(t, sdfat.Unmounted, fs.State())
	assert.Equal(t, sdfat.VolumeInfo{}, fs.Info())
}

func TestFS_Strict(t *testing.T) {
	mem, _ := testingVolume(t, smallFAT16, fixtureFile{"A.TXT", "a"})

	opts, _ := testingOptions(true)
	opts.Strict = true
	fs := sdfat.New(mem, opts)
	require.NoError(t, fs.Mount())

	assert.Panics(t, func() { _, _ = fs.Open("MISSING.TXT") })

	f, err := fs.Open("A.TXT")
	require.NoError(t, err)

	// Reaching the end of a file is no failure.
	assert.NotPanics(t, func() {
		_, err := io.ReadAll(f)
		assert.NoError(t, err)
		_, err = f.SafeGetChar()
		assert.Equal(t, io.EOF, err)
	})

	assert.Panics(t, func() { _, _ = f.Seek(5, io.SeekStart) })
	require.NoError(t, f.Close())
	assert.Panics(t, func() { _ = f.Close() })
}

func TestFS_Sync(t *testing.T) {
	mem, _ := testingVolume(t, smallFAT16, fixtureFile{"A.TXT", "abc"})
	fs := testingMount(t, mem)

	f, err := fs.OpenWriter("A.TXT")
	require.NoError(t, err)
	require.NoError(t, f.SafePutChar('X'))

	mem.ResetCounters()
	require.NoError(t, fs.Sync())
	assert.Equal(t, 1, mem.Writes())

	mem.ResetCounters()
	require.NoError(t, fs.Sync())
	assert.Zero(t, mem.Writes())
	require.NoError(t, f.Close())
}

func TestFS_FSInfoInvalidated(t *testing.T) {
	mem, _ := testingVolume(t, smallFAT32, fixtureFile{"LOG.TXT", "x"})
	corruptBlock(t, mem, 1, func(b []byte) {
		binary.LittleEndian.PutUint32(b[488:], 1234)
		binary.LittleEndian.PutUint32(b[492:], 5)
	})

	// Without allocations the hints stay.
	fs := testingMount(t, mem)
	f, err := fs.OpenWriter("LOG.TXT")
	require.NoError(t, err)
	require.NoError(t, f.SafePuts("y"))
	require.NoError(t, f.Close())
	require.NoError(t, fs.Unmount())
	assert.Equal(t, uint32(1234), binary.LittleEndian.Uint32(mem.Peek(1)[488:]))
	assert.Equal(t, uint32(5), binary.LittleEndian.Uint32(mem.Peek(1)[492:]))

	// Growing a file makes them unknown.
	require.NoError(t, fs.Mount())
	f, err = fs.OpenWriter("LOG.TXT")
	require.NoError(t, err)
	_, err = f.Seek(0, io.SeekEnd)
	require.NoError(t, err)
	require.NoError(t, f.SafePuts(strings.Repeat("z", 600)))
	require.NoError(t, f.Close())
	require.NoError(t, fs.Unmount())

	block := mem.Peek(1)
	assert.Equal(t, uint32(0xFFFFFFFF), binary.LittleEndian.Uint32(block[488:]))
	assert.Equal(t, uint32(0xFFFFFFFF), binary.LittleEndian.Uint32(block[492:]))
	assert.Equal(t, uint32(0x41615252), binary.LittleEndian.Uint32(block[0:]))

	// The file is intact.
	require.NoError(t, fs.Mount())
	info, err := fs.Stat("LOG.TXT")
	require.NoError(t, err)
	assert.Equal(t, int64(601), info.Size())
}
