package sdfat

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
	"syscall"

	"github.com/aligator/sdfat/checkpoint"
	"github.com/aligator/sdfat/errcode"
	"github.com/sirupsen/logrus"
)

// FATType is the FAT variant of a mounted volume.
type FATType uint8

const (
	FATUnknown FATType = iota
	FAT16
	FAT32
)

func (t FATType) String() string {
	switch t {
	case FAT16:
		return "FAT16"
	case FAT32:
		return "FAT32"
	default:
		return "unknown"
	}
}

// Cluster count limits which decide the FAT variant.
const (
	maxClustersFAT12 = 4084
	maxClustersFAT16 = 65524
	maxClustersFAT32 = 0x0FFFFFF5
)

// MountState is the state of the mount state machine.
type MountState uint8

const (
	Unmounted MountState = iota
	Mounting
	Mounted
)

func (s MountState) String() string {
	switch s {
	case Mounting:
		return "mounting"
	case Mounted:
		return "mounted"
	default:
		return "unmounted"
	}
}

// VolumeInfo contains all information about a mounted volume.
// All cluster arithmetic uses the geometry fixed here at mount time.
type VolumeInfo struct {
	Type     FATType
	OEMName  string
	Label    string
	VolumeID uint32

	// PartitionStart is the block of the boot sector, 0 if there is no MBR.
	PartitionStart   uint32
	BytesPerBlock    uint16
	BlocksPerCluster uint8
	NumFATs          uint8
	FATStart         uint32
	FATSize          uint32

	// RootStart and RootBlocks describe the fixed FAT16 root directory region.
	RootStart  uint32
	RootBlocks uint32
	// RootCluster is the first cluster of the FAT32 root directory.
	RootCluster uint32
	// FSInfoBlock is the FAT32 FSInfo block, 0 if there is none.
	FSInfoBlock uint32

	DataStart    uint32
	ClusterCount uint32
	TotalBlocks  uint32
}

// FS is a FAT16 or FAT32 filesystem on a BlockDevice.
//
// FS is not safe for concurrent use. All operations run to completion on the
// calling goroutine and block on the device when I/O is needed.
type FS struct {
	dev  BlockDevice
	opts Options
	log  logrus.FieldLogger

	state MountState
	info  VolumeInfo

	// fat caches one block of the first FAT.
	fat *Buffer
	// data is the default Buffer of opened files.
	data *Buffer
	// dir caches directory blocks; it is data itself unless SpeedOverSpace is set.
	dir *Buffer

	// buffers are all buffers in use by the filesystem and its open files,
	// with the number of users of each.
	buffers map[*Buffer]int

	openFiles int
	lastAlloc uint32

	// fsInfoStale is set once an allocation made the FAT32 free cluster hints wrong.
	fsInfoStale bool
}

// New creates an unmounted filesystem for dev.
func New(dev BlockDevice, opts Options) *FS {
	fs := &FS{
		dev:     dev,
		opts:    opts,
		log:     opts.logger().WithField("component", "sdfat"),
		fat:     NewBuffer(dev),
		data:    NewBuffer(dev),
		buffers: make(map[*Buffer]int),
	}

	fs.fat.writeBack = fs.writeFATCopies
	fs.dir = fs.data
	if opts.SpeedOverSpace {
		fs.dir = NewBuffer(dev)
	}
	fs.acquire(fs.data)
	fs.acquire(fs.dir)

	return fs
}

// acquire registers a user of b. Every registered Buffer drops its copy of a
// block as soon as another registered Buffer wrote that block back.
func (fs *FS) acquire(b *Buffer) {
	fs.buffers[b]++
	b.written = fs.blockWritten
}

// release unregisters a user of b.
func (fs *FS) release(b *Buffer) {
	fs.buffers[b]--
	if fs.buffers[b] > 0 {
		return
	}
	delete(fs.buffers, b)
	b.written = nil
}

// blockWritten invalidates every clean Buffer other than src holding addr, so
// the next access loads the new content.
func (fs *FS) blockWritten(src *Buffer, addr uint32) {
	for b := range fs.buffers {
		if b == src || b.dirty {
			continue
		}
		if held, ok := b.Address(); ok && held == addr {
			b.Invalidate()
		}
	}
}

// State returns the current mount state.
func (fs *FS) State() MountState {
	return fs.state
}

// Info returns the geometry of the mounted volume.
// It is the zero value while unmounted.
func (fs *FS) Info() VolumeInfo {
	return fs.info
}

// FSType returns the FAT variant of the mounted volume.
func (fs *FS) FSType() FATType {
	return fs.info.Type
}

// Label returns the volume label of the mounted volume.
func (fs *FS) Label() string {
	return fs.info.Label
}

// Options returns the options the filesystem was created with.
func (fs *FS) Options() Options {
	return fs.opts
}

// NewBuffer allocates an additional Buffer which can be given to a file using WithBuffer.
func (fs *FS) NewBuffer() *Buffer {
	return NewBuffer(fs.dev)
}

// fail is the exit of every entry point. In strict mode a failed check halts
// instead of returning. io.EOF is no failure.
func (fs *FS) fail(err error) error {
	if err != nil && err != io.EOF && fs.opts.Strict {
		panic(err)
	}
	return err
}

// diag logs err with fields if verbose diagnostics are enabled.
func (fs *FS) diag(err error, msg string, fields logrus.Fields) {
	if !fs.opts.Verbose || err == nil {
		return
	}
	entry := fs.log.WithError(err).WithFields(fields)
	if code, ok := errcode.Of(err); ok {
		entry = entry.WithField("code", int16(code))
	}
	entry.Warn(msg)
}

// Mount initializes the device and reads the volume geometry.
// A failed mount leaves the filesystem unmounted with no geometry recorded.
// Mounting an already mounted filesystem remounts it, which requires all
// files to be closed.
func (fs *FS) Mount() error {
	if fs.state == Mounted {
		if err := fs.Unmount(); err != nil {
			return err
		}
	}

	fs.state = Mounting
	info, err := fs.mount()
	if err != nil {
		fs.state = Unmounted
		fs.info = VolumeInfo{}
		fs.invalidateBuffers()
		fs.diag(err, "mount failed", nil)
		return fs.fail(err)
	}

	fs.info = info
	fs.lastAlloc = 1
	fs.fsInfoStale = false
	fs.state = Mounted

	fs.log.WithFields(logrus.Fields{
		"type":     info.Type,
		"label":    info.Label,
		"clusters": info.ClusterCount,
	}).Info("volume mounted")
	return nil
}

func (fs *FS) mount() (VolumeInfo, error) {
	if err := fs.dev.Init(); err != nil {
		if _, ok := errcode.Of(err); ok {
			return VolumeInfo{}, checkpoint.From(err)
		}
		return VolumeInfo{}, checkpoint.Wrap(err, errcode.InvalidInit)
	}

	// Block 0 is either a boot sector or a master boot record.
	buf := fs.data
	if err := buf.Bind(0); err != nil {
		return VolumeInfo{}, checkpoint.From(err)
	}
	fs.dumpBlock("block 0", buf)

	if binary.LittleEndian.Uint16(buf.Bytes()[bootSignatureOffset:]) != bootSignature {
		return VolumeInfo{}, checkpoint.Wrap(fmt.Errorf("missing boot signature"), errcode.InvalidFilesystem)
	}

	start := uint32(0)
	if !looksLikeBootSector(buf.Bytes()) {
		var err error
		start, err = findPartition(buf.Bytes())
		if err != nil {
			return VolumeInfo{}, err
		}

		if err := buf.Bind(start); err != nil {
			return VolumeInfo{}, checkpoint.From(err)
		}
		fs.dumpBlock("boot sector", buf)
	}

	info, err := parseBootSector(buf.Bytes())
	if err != nil {
		return VolumeInfo{}, err
	}

	// All block numbers are absolute.
	info.PartitionStart = start
	info.FATStart += start
	info.RootStart += start
	info.DataStart += start
	if info.FSInfoBlock != 0 {
		info.FSInfoBlock += start
	}

	if fs.opts.Verbose {
		fs.log.Debug(Sdump(info))
	}
	return info, nil
}

func looksLikeBootSector(b []byte) bool {
	jump := (b[0] == 0xEB && b[2] == 0x90) || b[0] == 0xE9
	bytesPerSector := binary.LittleEndian.Uint16(b[11:])
	return jump && bytesPerSector == BlockSize
}

func isFATPartition(partitionType uint8) bool {
	switch partitionType {
	case 0x04, 0x06, 0x0E, // FAT16
		0x0B, 0x0C: // FAT32
		return true
	}
	return false
}

// findPartition returns the start block of the first FAT partition of a master boot record.
func findPartition(mbr []byte) (uint32, error) {
	for i := 0; i < mbrPartitionCount; i++ {
		var p PartitionEntry
		off := mbrPartitionOffset + i*16
		if err := unpack(mbr[off:off+16], &p); err != nil {
			return 0, checkpoint.Wrap(err, errcode.InvalidFilesystem)
		}
		if isFATPartition(p.Type) && p.LBAStart != 0 {
			return p.LBAStart, nil
		}
	}
	return 0, checkpoint.Wrap(fmt.Errorf("no FAT partition in the master boot record"), errcode.InvalidFilesystem)
}

// parseBootSector validates the BPB and computes the volume geometry relative
// to the boot sector.
func parseBootSector(b []byte) (VolumeInfo, error) {
	invalid := func(format string, args ...interface{}) error {
		return checkpoint.Wrap(fmt.Errorf(format, args...), errcode.InvalidFilesystem)
	}

	var bpb BPB
	if err := unpack(b, &bpb); err != nil {
		return VolumeInfo{}, checkpoint.Wrap(err, errcode.InvalidFilesystem)
	}

	if !(bpb.JumpBoot[0] == 0xEB && bpb.JumpBoot[2] == 0x90) && bpb.JumpBoot[0] != 0xE9 {
		return VolumeInfo{}, invalid("no valid jump instruction")
	}
	if bpb.BytesPerSector != BlockSize {
		return VolumeInfo{}, invalid("unsupported sector size %d", bpb.BytesPerSector)
	}
	spc := bpb.SectorsPerCluster
	if spc == 0 || spc&(spc-1) != 0 {
		return VolumeInfo{}, invalid("invalid sectors per cluster %d", spc)
	}
	if bpb.ReservedSectorCount == 0 {
		return VolumeInfo{}, invalid("invalid reserved sector count")
	}
	if bpb.NumFATs != 1 && bpb.NumFATs != 2 {
		return VolumeInfo{}, invalid("invalid number of FATs %d", bpb.NumFATs)
	}

	var fat32 FAT32SpecificData
	if err := unpack(bpb.FATSpecificData[:], &fat32); err != nil {
		return VolumeInfo{}, checkpoint.Wrap(err, errcode.InvalidFilesystem)
	}

	fatSize := uint32(bpb.FATSize16)
	if fatSize == 0 {
		fatSize = fat32.FATSize32
	}
	total := uint32(bpb.TotalSectors16)
	if total == 0 {
		total = bpb.TotalSectors32
	}
	rootBlocks := (uint32(bpb.RootEntryCount)*dirEntrySize + BlockSize - 1) / BlockSize

	system := uint32(bpb.ReservedSectorCount) + uint32(bpb.NumFATs)*fatSize + rootBlocks
	if fatSize == 0 || total <= system {
		return VolumeInfo{}, invalid("volume too small for its own metadata")
	}
	clusters := (total - system) / uint32(spc)

	info := VolumeInfo{
		OEMName:          strings.TrimRight(string(bpb.OEMName[:]), " \x00"),
		BytesPerBlock:    bpb.BytesPerSector,
		BlocksPerCluster: spc,
		NumFATs:          bpb.NumFATs,
		FATStart:         uint32(bpb.ReservedSectorCount),
		FATSize:          fatSize,
		DataStart:        system,
		ClusterCount:     clusters,
		TotalBlocks:      total,
	}

	var entrySize uint32
	switch {
	case clusters <= maxClustersFAT12:
		return VolumeInfo{}, invalid("FAT12 is not supported (%d clusters)", clusters)
	case clusters <= maxClustersFAT16:
		if bpb.RootEntryCount == 0 {
			return VolumeInfo{}, invalid("FAT16 volume without root directory entries")
		}
		var fat16 FAT16SpecificData
		if err := unpack(bpb.FATSpecificData[:], &fat16); err != nil {
			return VolumeInfo{}, checkpoint.Wrap(err, errcode.InvalidFilesystem)
		}
		info.Type = FAT16
		info.RootStart = info.FATStart + uint32(bpb.NumFATs)*fatSize
		info.RootBlocks = rootBlocks
		if fat16.BootSignature == 0x29 {
			info.VolumeID = fat16.VolumeID
			info.Label = strings.TrimRight(string(fat16.VolumeLabel[:]), " \x00")
		}
		entrySize = 2
	case clusters <= maxClustersFAT32:
		if bpb.RootEntryCount != 0 || fat32.FSVersion != 0 {
			return VolumeInfo{}, invalid("unsupported FAT32 root directory or version")
		}
		if fat32.RootCluster < 2 || fat32.RootCluster >= clusters+2 {
			return VolumeInfo{}, invalid("invalid root cluster %d", fat32.RootCluster)
		}
		info.Type = FAT32
		info.RootCluster = fat32.RootCluster
		if fat32.FSInfo != 0 && fat32.FSInfo != 0xFFFF && fat32.FSInfo < bpb.ReservedSectorCount {
			info.FSInfoBlock = uint32(fat32.FSInfo)
		}
		if fat32.BootSignature == 0x29 {
			info.VolumeID = fat32.VolumeID
			info.Label = strings.TrimRight(string(fat32.VolumeLabel[:]), " \x00")
		}
		entrySize = 4
	default:
		return VolumeInfo{}, invalid("too many clusters %d", clusters)
	}

	if uint64(fatSize)*BlockSize < uint64(clusters+2)*uint64(entrySize) {
		return VolumeInfo{}, invalid("FAT of %d blocks cannot hold %d clusters", fatSize, clusters)
	}

	return info, nil
}

// Unmount writes back all buffers and resets the geometry.
// It fails with errcode.FilesOpen while any file is still open.
func (fs *FS) Unmount() error {
	if fs.state != Mounted {
		return fs.fail(checkpoint.From(errcode.NotMounted))
	}
	if fs.openFiles > 0 {
		return fs.fail(checkpoint.From(errcode.FilesOpen))
	}

	if err := fs.sync(); err != nil {
		fs.diag(err, "unmount could not write back", nil)
		return fs.fail(err)
	}

	fs.invalidateBuffers()
	fs.info = VolumeInfo{}
	fs.state = Unmounted
	return nil
}

// Sync writes back every dirty filesystem buffer.
func (fs *FS) Sync() error {
	return fs.fail(fs.sync())
}

func (fs *FS) sync() error {
	for _, b := range []*Buffer{fs.data, fs.dir, fs.fat} {
		if err := b.Flush(); err != nil {
			return err
		}
	}
	if fs.fsInfoStale {
		if err := fs.invalidateFSInfo(); err != nil {
			return err
		}
		fs.fsInfoStale = false
	}
	return nil
}

// FSInfo layout.
const (
	fsInfoLeadSignature   = 0x41615252
	fsInfoStructSignature = 0x61417272
	fsInfoStructOffset    = 484
	fsInfoFreeCount       = 488
	fsInfoNextFree        = 492
	fsInfoUnknown         = 0xFFFFFFFF
)

// invalidateFSInfo marks the free cluster count and the next free cluster
// hint of the FSInfo block as unknown, so they are recomputed by the next
// host checking the volume. A missing or invalid FSInfo block is left alone.
func (fs *FS) invalidateFSInfo() error {
	addr := fs.info.FSInfoBlock
	if addr == 0 {
		return nil
	}

	buf := NewBuffer(fs.dev)
	fs.acquire(buf)
	defer fs.release(buf)

	if err := buf.Bind(addr); err != nil {
		return err
	}
	b := buf.Bytes()
	if binary.LittleEndian.Uint32(b[0:]) != fsInfoLeadSignature ||
		binary.LittleEndian.Uint32(b[fsInfoStructOffset:]) != fsInfoStructSignature {
		fs.log.WithField("block", addr).Debug("no valid FSInfo block, free cluster hints not updated")
		return nil
	}

	for _, off := range []int{fsInfoFreeCount, fsInfoNextFree} {
		if binary.LittleEndian.Uint32(b[off:]) != fsInfoUnknown {
			binary.LittleEndian.PutUint32(b[off:], fsInfoUnknown)
			buf.MarkDirty()
		}
	}
	return buf.Flush()
}

func (fs *FS) invalidateBuffers() {
	fs.fat.Invalidate()
	fs.data.Invalidate()
	fs.dir.Invalidate()
}

func (fs *FS) checkMounted() error {
	if fs.state != Mounted {
		return checkpoint.From(errcode.NotMounted)
	}
	return nil
}

func (fs *FS) clusterBytes() int64 {
	return int64(fs.info.BlocksPerCluster) * BlockSize
}

// seek is the seek primitive all files delegate to.
// It validates the target against the file length and its cluster chain,
// writes back the file's buffer and rebinds it to the block holding the new
// offset. The file is left untouched if anything fails.
func (fs *FS) seek(s *stream, offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset += s.ptr
	case io.SeekEnd:
		offset += s.length
	default:
		return s.ptr, checkpoint.Wrap(fmt.Errorf("%w, offset: %v, whence: %v", syscall.EINVAL, offset, whence), errcode.SeekOutOfRange)
	}

	if offset < 0 || offset > s.length {
		return s.ptr, checkpoint.Wrap(fmt.Errorf("offset %d outside of [0, %d]", offset, s.length), errcode.SeekOutOfRange)
	}

	cb := fs.clusterBytes()

	// An offset at the end of a file which fills its last cluster completely is
	// not inside any block. Only the chain leading up to it is validated.
	if offset == s.length && offset > 0 && offset%cb == 0 {
		if _, err := s.clusterAt(offset/cb-1, false); err != nil {
			return s.ptr, seekChainError(err)
		}
		if err := s.buf.Flush(); err != nil {
			return s.ptr, err
		}
		s.ptr = offset
		return offset, nil
	}

	sector, err := s.locate(offset, false)
	if err != nil {
		return s.ptr, seekChainError(err)
	}
	if err := s.buf.Flush(); err != nil {
		return s.ptr, err
	}
	if err := s.buf.Bind(sector); err != nil {
		return s.ptr, err
	}

	s.ptr = offset
	return offset, nil
}

func seekChainError(err error) error {
	if err == errChainEnd {
		return checkpoint.Wrap(fmt.Errorf("offset beyond the cluster chain"), errcode.SeekOutOfRange)
	}
	return err
}
