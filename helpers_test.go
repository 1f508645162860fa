package sdfat_test

import (
	"testing"
	"time"

	"github.com/aligator/sdfat"
	"github.com/aligator/sdfat/blockdev"
	"github.com/aligator/sdfat/mkfs"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

// fixtureTime is the modification time of all fixture files.
var fixtureTime = time.Date(2021, 3, 4, 10, 20, 30, 0, time.UTC)

// fixtureFile is a file added to a test volume in this order.
type fixtureFile struct {
	name string
	data string
}

// smallFAT16 is a FAT16 volume with clusters of a single block, so every file
// of more than 512 bytes spans several clusters.
var smallFAT16 = mkfs.Options{
	Type:             sdfat.FAT16,
	Blocks:           8192,
	BlocksPerCluster: 1,
	Label:            "TESTVOL",
	VolumeID:         0x1234abcd,
	ModTime:          fixtureTime,
}

// smallFAT32 is the smallest FAT32 volume with clusters of a single block.
var smallFAT32 = mkfs.Options{
	Type:             sdfat.FAT32,
	Blocks:           70000,
	BlocksPerCluster: 1,
	Label:            "TESTVOL32",
	VolumeID:         0xcafe,
	ModTime:          fixtureTime,
}

// testingVolume formats an in-memory device and adds files.
func testingVolume(t *testing.T, opts mkfs.Options, files ...fixtureFile) (*blockdev.Memory, *mkfs.Volume) {
	t.Helper()

	mem := blockdev.NewMemory(opts.PartitionStart + opts.Blocks)
	vol, err := mkfs.Format(mem, opts)
	require.NoError(t, err)

	for _, f := range files {
		_, err := vol.AddFile(f.name, []byte(f.data))
		require.NoError(t, err)
	}
	return mem, vol
}

// testingOptions returns options logging into a test hook instead of stderr.
func testingOptions(speedOverSpace bool) (sdfat.Options, *test.Hook) {
	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	return sdfat.Options{
		Verbose:        true,
		SpeedOverSpace: speedOverSpace,
		Shell:          true,
		Logger:         log,
		Clock:          func() time.Time { return fixtureTime.Add(time.Hour) },
	}, hook
}

// testingMount mounts dev with speed over space buffering.
func testingMount(t *testing.T, dev sdfat.BlockDevice) *sdfat.FS {
	t.Helper()

	opts, _ := testingOptions(true)
	fs := sdfat.New(dev, opts)
	require.NoError(t, fs.Mount())
	return fs
}

// repeat returns n bytes of a recognizable pattern.
func repeat(n int) string {
	const pattern = "0123456789abcdefghijklmnopqrstuvwxyz"
	b := make([]byte, n)
	for i := range b {
		b[i] = pattern[i%len(pattern)]
	}
	return string(b)
}
