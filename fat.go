package sdfat

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/aligator/sdfat/checkpoint"
	"github.com/aligator/sdfat/errcode"
	"github.com/sirupsen/logrus"
)

// errChainEnd is returned internally when a cluster chain ends before the
// requested cluster. Callers translate it into the error fitting their operation.
var errChainEnd = errors.New("end of cluster chain")

// fatEntry is the raw value of a FAT entry, already masked to the used bits.
type fatEntry uint32

const (
	fat16EOC = 0xFFF8
	fat16Bad = 0xFFF7
	fat32EOC = 0x0FFFFFF8
	fat32Bad = 0x0FFFFFF7

	fat32Mask = 0x0FFFFFFF
)

// IsFree reports whether the entry marks an unallocated cluster.
func (e fatEntry) IsFree() bool {
	return e == 0
}

// IsEOC reports whether the entry ends a cluster chain.
func (e fatEntry) IsEOC(t FATType) bool {
	if t == FAT32 {
		return e >= fat32EOC
	}
	return e >= fat16EOC
}

// IsBad reports whether the entry marks a bad cluster.
func (e fatEntry) IsBad(t FATType) bool {
	if t == FAT32 {
		return e == fat32Bad
	}
	return e == fat16Bad
}

func eocMarker(t FATType) uint32 {
	if t == FAT32 {
		return fat32Mask
	}
	return 0xFFFF
}

// validCluster reports whether c addresses a cluster of the data region.
func (fs *FS) validCluster(c uint32) bool {
	return c >= 2 && c < fs.info.ClusterCount+2
}

// clusterSector returns the first block of cluster c.
func (fs *FS) clusterSector(c uint32) uint32 {
	return fs.info.DataStart + (c-2)*uint32(fs.info.BlocksPerCluster)
}

func (fs *FS) fatEntrySize() uint32 {
	if fs.info.Type == FAT32 {
		return 4
	}
	return 2
}

// fatLocation returns the block of the first FAT holding the entry of cluster c
// and the byte offset inside of that block.
func (fs *FS) fatLocation(c uint32) (sector uint32, offset uint32) {
	pos := c * fs.fatEntrySize()
	return fs.info.FATStart + pos/BlockSize, pos % BlockSize
}

// readFAT returns the FAT entry of cluster c.
func (fs *FS) readFAT(c uint32) (fatEntry, error) {
	if !fs.validCluster(c) {
		return 0, checkpoint.Wrap(fmt.Errorf("cluster %d out of range", c), errcode.CorruptCluster)
	}

	sector, off := fs.fatLocation(c)
	if err := fs.fat.Bind(sector); err != nil {
		fs.diag(err, "could not load FAT block", logrus.Fields{"sector": sector, "cluster": c})
		return 0, err
	}

	b := fs.fat.Bytes()
	if fs.info.Type == FAT32 {
		return fatEntry(binary.LittleEndian.Uint32(b[off:]) & fat32Mask), nil
	}
	return fatEntry(binary.LittleEndian.Uint16(b[off:])), nil
}

// writeFAT sets the FAT entry of cluster c. The change stays in the FAT buffer
// until it is flushed, at which point it is written to every FAT copy.
func (fs *FS) writeFAT(c uint32, value uint32) error {
	if !fs.validCluster(c) {
		return checkpoint.Wrap(fmt.Errorf("cluster %d out of range", c), errcode.CorruptCluster)
	}

	sector, off := fs.fatLocation(c)
	if err := fs.fat.Bind(sector); err != nil {
		return err
	}

	b := fs.fat.Bytes()
	if fs.info.Type == FAT32 {
		// The upper 4 bits are reserved and have to be preserved.
		old := binary.LittleEndian.Uint32(b[off:])
		binary.LittleEndian.PutUint32(b[off:], old&^fat32Mask|value&fat32Mask)
	} else {
		binary.LittleEndian.PutUint16(b[off:], uint16(value))
	}
	fs.fat.MarkDirty()
	return nil
}

// writeFATCopies is the write back of the FAT buffer. The buffer only ever
// holds blocks of the first FAT, every other copy is at a fixed distance.
func (fs *FS) writeFATCopies(addr uint32, data []byte) error {
	for i := uint32(0); i < uint32(fs.info.NumFATs); i++ {
		if err := fs.dev.WriteBlock(addr+i*fs.info.FATSize, data); err != nil {
			return checkpoint.From(err)
		}
	}
	return nil
}

// nextCluster follows the link of cluster c.
// eoc is true if c is the last cluster of its chain. Free, reserved, bad or out
// of range links are reported as errcode.CorruptCluster.
func (fs *FS) nextCluster(c uint32) (next uint32, eoc bool, err error) {
	e, err := fs.readFAT(c)
	if err != nil {
		return 0, false, err
	}

	if e.IsEOC(fs.info.Type) {
		return 0, true, nil
	}
	if e.IsBad(fs.info.Type) || !fs.validCluster(uint32(e)) {
		err := checkpoint.Wrap(fmt.Errorf("cluster %d links to %#x", c, uint32(e)), errcode.CorruptCluster)
		fs.diag(err, "corrupt cluster chain", logrus.Fields{"cluster": c})
		return 0, false, err
	}
	return uint32(e), false, nil
}

// allocateCluster links a free cluster behind prev and marks it as the new end
// of the chain. The search starts behind the last allocation so files stay
// contiguous whenever possible.
func (fs *FS) allocateCluster(prev uint32) (uint32, error) {
	count := fs.info.ClusterCount
	start := fs.lastAlloc
	if prev > start {
		start = prev
	}

	for i := uint32(0); i < count; i++ {
		c := 2 + (start-2+1+i)%count
		e, err := fs.readFAT(c)
		if err != nil {
			return 0, err
		}
		if !e.IsFree() {
			continue
		}

		if err := fs.writeFAT(c, eocMarker(fs.info.Type)); err != nil {
			return 0, err
		}
		if prev != 0 {
			if err := fs.writeFAT(prev, c); err != nil {
				return 0, err
			}
		}
		fs.lastAlloc = c
		if fs.info.Type == FAT32 {
			fs.fsInfoStale = true
		}

		fs.log.WithFields(logrus.Fields{"cluster": c, "prev": prev}).Debug("allocated cluster")
		return c, nil
	}

	return 0, checkpoint.From(errcode.DiskFull)
}
