// File model contains the structs which match the direct structures of the FAT filesystem
// as well as the master boot record in front of it.

package sdfat

import (
	"encoding/binary"
	"strings"

	"github.com/go-restruct/restruct"
)

const (
	bootSignatureOffset = 0x1FE
	bootSignature       = 0xAA55

	mbrPartitionOffset = 0x1BE
	mbrPartitionCount  = 4

	dirEntrySize = 32
)

// Directory entry attributes.
const (
	AttrReadOnly  = 0x01
	AttrHidden    = 0x02
	AttrSystem    = 0x04
	AttrVolumeID  = 0x08
	AttrDirectory = 0x10
	AttrArchive   = 0x20
	AttrLongName  = AttrReadOnly | AttrHidden | AttrSystem | AttrVolumeID
)

// Special values of the first name byte of a directory entry.
const (
	entryEndOfDir = 0x00
	entryDeleted  = 0xE5
	// entryKanji is stored instead of a real leading 0xE5 byte.
	entryKanji = 0x05
)

// BPB is the BIOS parameter block at the start of every FAT volume.
type BPB struct {
	JumpBoot            [3]byte
	OEMName             [8]byte
	BytesPerSector      uint16
	SectorsPerCluster   uint8
	ReservedSectorCount uint16
	NumFATs             uint8
	RootEntryCount      uint16
	TotalSectors16      uint16
	Media               uint8
	FATSize16           uint16
	SectorsPerTrack     uint16
	NumberOfHeads       uint16
	HiddenSectors       uint32
	TotalSectors32      uint32
	FATSpecificData     [54]byte
}

// FAT16SpecificData follows the BPB on FAT16 volumes.
type FAT16SpecificData struct {
	DriveNumber    uint8
	Reserved1      uint8
	BootSignature  uint8
	VolumeID       uint32
	VolumeLabel    [11]byte
	FileSystemType [8]byte
}

// FAT32SpecificData follows the BPB on FAT32 volumes.
type FAT32SpecificData struct {
	FATSize32      uint32
	ExtFlags       uint16
	FSVersion      uint16
	RootCluster    uint32
	FSInfo         uint16
	BkBootSector   uint16
	Reserved       [12]byte
	DriveNumber    uint8
	Reserved1      uint8
	BootSignature  uint8
	VolumeID       uint32
	VolumeLabel    [11]byte
	FileSystemType [8]byte
}

// PartitionEntry is one of the four primary partitions of a master boot record.
type PartitionEntry struct {
	Status   uint8
	CHSFirst [3]byte
	Type     uint8
	CHSLast  [3]byte
	LBAStart uint32
	Sectors  uint32
}

// EntryHeader is a single 32 byte short-name directory entry.
type EntryHeader struct {
	Name            [11]byte
	Attribute       uint8
	NTReserved      uint8
	CreateTimeTenth uint8
	CreateTime      uint16
	CreateDate      uint16
	LastAccessDate  uint16
	FirstClusterHI  uint16
	WriteTime       uint16
	WriteDate       uint16
	FirstClusterLO  uint16
	FileSize        uint32
}

// FirstCluster joins both halves of the start cluster.
func (h *EntryHeader) FirstCluster() uint32 {
	return uint32(h.FirstClusterHI)<<16 | uint32(h.FirstClusterLO)
}

// SetFirstCluster splits cluster into both halves of the start cluster.
func (h *EntryHeader) SetFirstCluster(cluster uint32) {
	h.FirstClusterHI = uint16(cluster >> 16)
	h.FirstClusterLO = uint16(cluster)
}

// IsLongName reports whether the entry is a part of a long filename.
func (h *EntryHeader) IsLongName() bool {
	return h.Attribute&AttrLongName == AttrLongName
}

// IsVolumeID reports whether the entry holds the volume label.
func (h *EntryHeader) IsVolumeID() bool {
	return !h.IsLongName() && h.Attribute&AttrVolumeID != 0
}

// IsDir reports whether the entry describes a directory.
func (h *EntryHeader) IsDir() bool {
	return h.Attribute&AttrDirectory != 0
}

func unpack(data []byte, v interface{}) error {
	return restruct.Unpack(data, binary.LittleEndian, v)
}

func pack(v interface{}) ([]byte, error) {
	return restruct.Pack(binary.LittleEndian, v)
}

func decodeEntry(data []byte) (EntryHeader, error) {
	var h EntryHeader
	err := unpack(data[:dirEntrySize], &h)
	return h, err
}

// ShortName converts a name like "readme.txt" into the padded, upper case
// 8.3 form "README  TXT" used inside directory entries.
// ok is false if the name cannot be expressed as a short name.
func ShortName(name string) (short [11]byte, ok bool) {
	for i := range short {
		short[i] = ' '
	}

	if name == "." || name == ".." {
		copy(short[:], name)
		return short, true
	}

	base, ext := name, ""
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		base, ext = name[:i], name[i+1:]
	}
	if len(base) == 0 || len(base) > 8 || len(ext) > 3 {
		return short, false
	}

	upper := strings.ToUpper(base + ext)
	for i := 0; i < len(upper); i++ {
		if !validShortNameChar(upper[i]) {
			return short, false
		}
	}

	copy(short[:8], strings.ToUpper(base))
	copy(short[8:], strings.ToUpper(ext))
	if short[0] == entryDeleted {
		short[0] = entryKanji
	}
	return short, true
}

func validShortNameChar(c byte) bool {
	switch {
	case c < 0x20, c == 0x7F:
		return false
	case strings.IndexByte(`"*+,./:;<=>?[\]|`, c) >= 0:
		return false
	}
	return c != ' '
}

// shortNameString renders the 8.3 name of an entry as "NAME.EXT".
func shortNameString(raw [11]byte) string {
	if raw[0] == entryKanji {
		raw[0] = entryDeleted
	}
	name := strings.TrimRight(string(raw[:8]), " ")
	ext := strings.TrimRight(string(raw[8:11]), " ")
	if ext != "" {
		name += "." + ext
	}
	return name
}
