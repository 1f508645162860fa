// Package mkfs formats block devices with a FAT16 or FAT32 filesystem and adds
// files to the root directory of a freshly formatted volume.
//
// Files are always stored in contiguous clusters. The resulting volumes are
// meant as test fixtures and SD card images, so there is no support for
// subdirectories or long filenames.
package mkfs

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"

	"github.com/aligator/sdfat"
	"github.com/aligator/sdfat/checkpoint"
	"github.com/aligator/sdfat/errcode"
	"github.com/go-restruct/restruct"
)

const (
	// hardDisk is the media descriptor for a hard disk (as opposed to floppy).
	hardDisk = uint8(0xF8)

	entrySize = 32

	fat32Reserved   = 32
	fat32FSInfo     = 1
	fat32BackupBoot = 6

	defaultRootEntries = 512
)

// Options describe the volume to create.
type Options struct {
	// Type is either sdfat.FAT16 or sdfat.FAT32.
	Type sdfat.FATType
	// Blocks is the size of the volume, not counting PartitionStart.
	Blocks uint32
	// BlocksPerCluster defaults to 4 for FAT16 and 1 for FAT32.
	BlocksPerCluster uint8
	// NumFATs defaults to 2.
	NumFATs uint8
	// RootEntries is the size of the FAT16 root directory, defaults to 512.
	RootEntries uint16

	// PartitionStart places the volume behind a master boot record if set.
	PartitionStart uint32

	Label    string
	OEMName  string
	VolumeID uint32

	// ModTime is used for every directory entry. Defaults to time.Now.
	ModTime time.Time
}

func (o *Options) setDefaults() {
	if o.BlocksPerCluster == 0 {
		o.BlocksPerCluster = 4
		if o.Type == sdfat.FAT32 {
			o.BlocksPerCluster = 1
		}
	}
	if o.NumFATs == 0 {
		o.NumFATs = 2
	}
	if o.RootEntries == 0 && o.Type == sdfat.FAT16 {
		o.RootEntries = defaultRootEntries
	}
	if o.Label == "" {
		o.Label = "NO NAME"
	}
	if o.OEMName == "" {
		o.OEMName = "sdfat"
	}
	if o.ModTime.IsZero() {
		o.ModTime = time.Now()
	}
}

// Geometry is the absolute layout of a formatted volume.
type Geometry struct {
	Start            uint32
	BlocksPerCluster uint8
	FATStart         uint32
	FATSize          uint32
	NumFATs          uint8
	RootStart        uint32
	RootBlocks       uint32
	RootCluster      uint32
	DataStart        uint32
	Clusters         uint32
}

// Volume is a freshly formatted volume files can be added to.
type Volume struct {
	dev  sdfat.BlockDevice
	opts Options
	geo  Geometry

	// next is the first cluster never handed out.
	next uint32
	// rootChain holds the clusters of the FAT32 root directory.
	rootChain []uint32
	entries   uint32
}

// Format writes an empty filesystem to dev.
func Format(dev sdfat.BlockDevice, opts Options) (*Volume, error) {
	opts.setDefaults()

	geo, err := layout(opts)
	if err != nil {
		return nil, err
	}

	v := &Volume{
		dev:  dev,
		opts: opts,
		geo:  geo,
		next: 2,
	}

	if opts.PartitionStart > 0 {
		if err := v.writeMBR(); err != nil {
			return nil, err
		}
	}
	if err := v.writeBootSector(); err != nil {
		return nil, err
	}
	if err := v.clearFATs(); err != nil {
		return nil, err
	}

	if opts.Type == sdfat.FAT32 {
		root, err := v.Allocate(1)
		if err != nil {
			return nil, err
		}
		if err := v.zeroBlocks(v.ClusterBlock(root), uint32(opts.BlocksPerCluster)); err != nil {
			return nil, err
		}
		v.rootChain = []uint32{root}
	} else {
		if err := v.zeroBlocks(geo.RootStart, geo.RootBlocks); err != nil {
			return nil, err
		}
	}

	label := sdfat.EntryHeader{Attribute: sdfat.AttrVolumeID}
	copy(label.Name[:], padLabel(opts.Label))
	if err := v.AddEntry(label); err != nil {
		return nil, err
	}

	return v, nil
}

// layout computes the geometry. The FAT size depends on the number of clusters
// and the other way round, so it is increased until the FAT is large enough.
func layout(o Options) (Geometry, error) {
	invalid := func(format string, args ...interface{}) (Geometry, error) {
		return Geometry{}, checkpoint.Wrap(fmt.Errorf(format, args...), errcode.InvalidFilesystem)
	}

	spc := uint32(o.BlocksPerCluster)
	if spc&(spc-1) != 0 || spc > 128 {
		return invalid("invalid blocks per cluster %d", spc)
	}

	var reserved, rootBlocks, entry uint32
	switch o.Type {
	case sdfat.FAT16:
		reserved, entry = 1, 2
		rootBlocks = (uint32(o.RootEntries)*entrySize + sdfat.BlockSize - 1) / sdfat.BlockSize
	case sdfat.FAT32:
		reserved, entry = fat32Reserved, 4
	default:
		return invalid("unsupported FAT type %v", o.Type)
	}

	var fatSize, clusters uint32
	for fatSize = 1; ; fatSize++ {
		system := reserved + uint32(o.NumFATs)*fatSize + rootBlocks
		if system >= o.Blocks {
			return invalid("%d blocks are too small", o.Blocks)
		}
		clusters = (o.Blocks - system) / spc
		if (clusters+2)*entry <= fatSize*sdfat.BlockSize {
			break
		}
	}

	switch {
	case o.Type == sdfat.FAT16 && (clusters < 4085 || clusters > 65524):
		return invalid("%d clusters do not make a FAT16 volume", clusters)
	case o.Type == sdfat.FAT32 && clusters < 65525:
		return invalid("%d clusters do not make a FAT32 volume", clusters)
	}

	start := o.PartitionStart
	geo := Geometry{
		Start:            start,
		BlocksPerCluster: o.BlocksPerCluster,
		FATStart:         start + reserved,
		FATSize:          fatSize,
		NumFATs:          o.NumFATs,
		Clusters:         clusters,
	}
	geo.RootStart = geo.FATStart + uint32(o.NumFATs)*fatSize
	geo.RootBlocks = rootBlocks
	geo.DataStart = geo.RootStart + rootBlocks
	if o.Type == sdfat.FAT32 {
		geo.RootCluster = 2
		geo.RootStart = 0
	}
	return geo, nil
}

// Geometry returns the layout of the volume.
func (v *Volume) Geometry() Geometry {
	return v.geo
}

// ClusterBlock returns the first block of cluster c.
func (v *Volume) ClusterBlock(c uint32) uint32 {
	return v.geo.DataStart + (c-2)*uint32(v.geo.BlocksPerCluster)
}

func (v *Volume) clusterBytes() int {
	return int(v.geo.BlocksPerCluster) * sdfat.BlockSize
}

func padLabel(label string) []byte {
	b := []byte(strings.ToUpper(label) + "           ")
	return b[:11]
}

func (v *Volume) writeMBR() error {
	partitionType := uint8(0x06)
	if v.opts.Type == sdfat.FAT32 {
		partitionType = 0x0C
	}

	p, err := restruct.Pack(binary.LittleEndian, &sdfat.PartitionEntry{
		Type:     partitionType,
		LBAStart: v.opts.PartitionStart,
		Sectors:  v.opts.Blocks,
	})
	if err != nil {
		return checkpoint.From(err)
	}

	block := make([]byte, sdfat.BlockSize)
	copy(block[0x1BE:], p)
	binary.LittleEndian.PutUint16(block[0x1FE:], 0xAA55)
	return checkpoint.From(v.dev.WriteBlock(0, block))
}

func (v *Volume) writeBootSector() error {
	o := v.opts

	bpb := sdfat.BPB{
		JumpBoot:            [3]byte{0xEB, 0x3C, 0x90},
		BytesPerSector:      sdfat.BlockSize,
		SectorsPerCluster:   o.BlocksPerCluster,
		ReservedSectorCount: uint16(v.geo.FATStart - v.geo.Start),
		NumFATs:             o.NumFATs,
		RootEntryCount:      o.RootEntries,
		Media:               hardDisk,
		SectorsPerTrack:     32,
		NumberOfHeads:       4,
		HiddenSectors:       o.PartitionStart,
	}
	copy(bpb.OEMName[:], []byte(o.OEMName+"        ")[:8])
	if o.Blocks < 0x10000 {
		bpb.TotalSectors16 = uint16(o.Blocks)
	} else {
		bpb.TotalSectors32 = o.Blocks
	}

	var specific interface{}
	if o.Type == sdfat.FAT32 {
		bpb.JumpBoot[1] = 0x58
		fat32 := sdfat.FAT32SpecificData{
			FATSize32:     v.geo.FATSize,
			RootCluster:   v.geo.RootCluster,
			FSInfo:        fat32FSInfo,
			BkBootSector:  fat32BackupBoot,
			DriveNumber:   0x80,
			BootSignature: 0x29,
			VolumeID:      o.VolumeID,
		}
		copy(fat32.VolumeLabel[:], padLabel(o.Label))
		copy(fat32.FileSystemType[:], "FAT32   ")
		specific = &fat32
	} else {
		bpb.FATSize16 = uint16(v.geo.FATSize)
		fat16 := sdfat.FAT16SpecificData{
			DriveNumber:   0x80,
			BootSignature: 0x29,
			VolumeID:      o.VolumeID,
		}
		copy(fat16.VolumeLabel[:], padLabel(o.Label))
		copy(fat16.FileSystemType[:], "FAT16   ")
		specific = &fat16
	}

	raw, err := restruct.Pack(binary.LittleEndian, specific)
	if err != nil {
		return checkpoint.From(err)
	}
	copy(bpb.FATSpecificData[:], raw)

	raw, err = restruct.Pack(binary.LittleEndian, &bpb)
	if err != nil {
		return checkpoint.From(err)
	}

	block := make([]byte, sdfat.BlockSize)
	copy(block, raw)
	binary.LittleEndian.PutUint16(block[0x1FE:], 0xAA55)
	if err := v.dev.WriteBlock(v.geo.Start, block); err != nil {
		return checkpoint.From(err)
	}

	if o.Type != sdfat.FAT32 {
		return nil
	}
	if err := v.dev.WriteBlock(v.geo.Start+fat32BackupBoot, block); err != nil {
		return checkpoint.From(err)
	}
	return v.writeFSInfo()
}

// writeFSInfo writes the FAT32 FSInfo block with unknown free cluster hints.
func (v *Volume) writeFSInfo() error {
	block := make([]byte, sdfat.BlockSize)
	binary.LittleEndian.PutUint32(block[0:], 0x41615252)
	binary.LittleEndian.PutUint32(block[484:], 0x61417272)
	binary.LittleEndian.PutUint32(block[488:], 0xFFFFFFFF)
	binary.LittleEndian.PutUint32(block[492:], 0xFFFFFFFF)
	binary.LittleEndian.PutUint32(block[508:], 0xAA550000)
	return checkpoint.From(v.dev.WriteBlock(v.geo.Start+fat32FSInfo, block))
}

func (v *Volume) zeroBlocks(start, count uint32) error {
	zero := make([]byte, sdfat.BlockSize)
	for i := uint32(0); i < count; i++ {
		if err := v.dev.WriteBlock(start+i, zero); err != nil {
			return checkpoint.From(err)
		}
	}
	return nil
}

// clearFATs zeroes every FAT copy and sets the two reserved entries.
func (v *Volume) clearFATs() error {
	if err := v.zeroBlocks(v.geo.FATStart, v.geo.FATSize*uint32(v.geo.NumFATs)); err != nil {
		return err
	}

	if v.opts.Type == sdfat.FAT32 {
		if err := v.SetFAT(0, 0x0FFFFF00|uint32(hardDisk)); err != nil {
			return err
		}
		return v.SetFAT(1, 0x0FFFFFFF)
	}
	if err := v.SetFAT(0, 0xFF00|uint32(hardDisk)); err != nil {
		return err
	}
	return v.SetFAT(1, 0xFFFF)
}

func (v *Volume) eoc() uint32 {
	if v.opts.Type == sdfat.FAT32 {
		return 0x0FFFFFFF
	}
	return 0xFFFF
}

// SetFAT stores value as the FAT entry of cluster c in every FAT copy.
// It does no range checks so it can be used to damage a volume on purpose.
func (v *Volume) SetFAT(c uint32, value uint32) error {
	size := uint32(2)
	if v.opts.Type == sdfat.FAT32 {
		size = 4
	}
	pos := c * size
	block := make([]byte, sdfat.BlockSize)

	for i := uint32(0); i < uint32(v.geo.NumFATs); i++ {
		addr := v.geo.FATStart + i*v.geo.FATSize + pos/sdfat.BlockSize
		if err := v.dev.ReadBlock(addr, block); err != nil {
			return checkpoint.From(err)
		}
		if size == 4 {
			binary.LittleEndian.PutUint32(block[pos%sdfat.BlockSize:], value)
		} else {
			binary.LittleEndian.PutUint16(block[pos%sdfat.BlockSize:], uint16(value))
		}
		if err := v.dev.WriteBlock(addr, block); err != nil {
			return checkpoint.From(err)
		}
	}
	return nil
}

// Allocate reserves a chain of n contiguous clusters and returns the first one.
func (v *Volume) Allocate(n uint32) (uint32, error) {
	if n == 0 {
		return 0, nil
	}
	if v.next+n > v.geo.Clusters+2 {
		return 0, checkpoint.Wrap(fmt.Errorf("%d clusters requested, %d left", n, v.geo.Clusters+2-v.next), errcode.DiskFull)
	}

	first := v.next
	for c := first; c < first+n-1; c++ {
		if err := v.SetFAT(c, c+1); err != nil {
			return 0, err
		}
	}
	if err := v.SetFAT(first+n-1, v.eoc()); err != nil {
		return 0, err
	}
	v.next += n
	return first, nil
}

// AddFile stores data contiguously and adds a root directory entry for it.
// Even an empty file gets one cluster, so it can be opened and written to.
func (v *Volume) AddFile(name string, data []byte) (sdfat.EntryHeader, error) {
	short, ok := sdfat.ShortName(name)
	if !ok {
		return sdfat.EntryHeader{}, checkpoint.Wrap(fmt.Errorf("%q is no valid short filename", name), errcode.FilenameNotFound)
	}

	cb := v.clusterBytes()
	n := uint32((len(data) + cb - 1) / cb)
	if n == 0 {
		n = 1
	}
	first, err := v.Allocate(n)
	if err != nil {
		return sdfat.EntryHeader{}, err
	}

	block := make([]byte, sdfat.BlockSize)
	addr := v.ClusterBlock(first)
	for off := 0; off < len(data); off += sdfat.BlockSize {
		for i := range block {
			block[i] = 0
		}
		copy(block, data[off:])
		if err := v.dev.WriteBlock(addr, block); err != nil {
			return sdfat.EntryHeader{}, checkpoint.From(err)
		}
		addr++
	}

	h := sdfat.EntryHeader{
		Name:      short,
		Attribute: sdfat.AttrArchive,
		FileSize:  uint32(len(data)),
	}
	h.SetFirstCluster(first)
	h.CreateDate = sdfat.PackDate(v.opts.ModTime)
	h.CreateTime = sdfat.PackTime(v.opts.ModTime)
	h.WriteDate = h.CreateDate
	h.WriteTime = h.CreateTime
	h.LastAccessDate = h.CreateDate

	return h, v.AddEntry(h)
}

// AddEntry appends a raw directory entry to the root directory.
// The FAT32 root directory grows by another cluster when it is full.
func (v *Volume) AddEntry(h sdfat.EntryHeader) error {
	addr, off, err := v.entrySlot(v.entries)
	if err != nil {
		return err
	}

	raw, err := restruct.Pack(binary.LittleEndian, &h)
	if err != nil {
		return checkpoint.From(err)
	}

	block := make([]byte, sdfat.BlockSize)
	if err := v.dev.ReadBlock(addr, block); err != nil {
		return checkpoint.From(err)
	}
	copy(block[off:], raw)
	if err := v.dev.WriteBlock(addr, block); err != nil {
		return checkpoint.From(err)
	}

	v.entries++
	return nil
}

// entrySlot returns the block and offset of the idx-th root directory entry.
func (v *Volume) entrySlot(idx uint32) (uint32, uint32, error) {
	perBlock := uint32(sdfat.BlockSize / entrySize)
	blockIdx, off := idx/perBlock, idx%perBlock*entrySize

	if v.opts.Type == sdfat.FAT16 {
		if blockIdx >= v.geo.RootBlocks {
			return 0, 0, checkpoint.Wrap(fmt.Errorf("root directory holds %d entries", v.opts.RootEntries), errcode.DiskFull)
		}
		return v.geo.RootStart + blockIdx, off, nil
	}

	spc := uint32(v.geo.BlocksPerCluster)
	clusterIdx := blockIdx / spc
	for uint32(len(v.rootChain)) <= clusterIdx {
		c, err := v.Allocate(1)
		if err != nil {
			return 0, 0, err
		}
		if err := v.zeroBlocks(v.ClusterBlock(c), spc); err != nil {
			return 0, 0, err
		}
		if err := v.SetFAT(v.rootChain[len(v.rootChain)-1], c); err != nil {
			return 0, 0, err
		}
		v.rootChain = append(v.rootChain, c)
	}
	return v.ClusterBlock(v.rootChain[clusterIdx]) + blockIdx%spc, off, nil
}
