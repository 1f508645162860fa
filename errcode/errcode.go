// Package errcode defines the numeric error space shared by the SPI transport,
// the SD protocol driver and the FAT filesystem.
//
// Codes below SDErrorsBase belong to the transport. The filesystem owns the
// SDErrorsLimit slots starting at SDErrorsBase. Every Code is an error, so it can
// be returned directly, wrapped, and matched with errors.Is.
package errcode

import (
	"errors"
	"fmt"
)

// Code is a single error value of the shared error space.
type Code int16

// NoError is never returned as an error, nil is used instead.
const NoError Code = 0

// Transport (SPI bus) errors.
const (
	SPIErrorsBase Code = 1

	SPIInvalidPin      = SPIErrorsBase + 0
	SPIInvalidMode     = SPIErrorsBase + 1
	SPIInvalidFreq     = SPIErrorsBase + 2
	SPITimeout         = SPIErrorsBase + 3
	SPITimeoutRead     = SPIErrorsBase + 4
	SPIInvalidByteSize = SPIErrorsBase + 5
)

// SD card and filesystem errors.
const (
	SDErrorsBase  Code = 16
	SDErrorsLimit      = 16

	InvalidCmd        = SDErrorsBase + 0
	ReadTimeout       = SDErrorsBase + 1
	InvalidNumBytes   = SDErrorsBase + 2
	InvalidResponse   = SDErrorsBase + 3
	InvalidInit       = SDErrorsBase + 4
	InvalidFilesystem = SDErrorsBase + 5
	InvalidDataStart  = SDErrorsBase + 6
	FilenameNotFound  = SDErrorsBase + 7
	EmptyFATEntry     = SDErrorsBase + 8
	CorruptCluster    = SDErrorsBase + 9
	SeekOutOfRange    = SDErrorsBase + 10
	NotMounted        = SDErrorsBase + 11
	DiskFull          = SDErrorsBase + 12
	FileClosed        = SDErrorsBase + 13
	FilesOpen         = SDErrorsBase + 14
)

var names = map[Code]string{
	NoError: "no error",

	SPIInvalidPin:      "spi: invalid pin",
	SPIInvalidMode:     "spi: invalid mode",
	SPIInvalidFreq:     "spi: invalid frequency",
	SPITimeout:         "spi: timeout",
	SPITimeoutRead:     "spi: read timeout",
	SPIInvalidByteSize: "spi: invalid byte size",

	InvalidCmd:        "sd: invalid command",
	ReadTimeout:       "sd: timed out waiting for a response",
	InvalidNumBytes:   "sd: invalid number of response bytes",
	InvalidResponse:   "sd: invalid response",
	InvalidInit:       "sd: card did not initialize",
	InvalidFilesystem: "sd: invalid filesystem",
	InvalidDataStart:  "sd: invalid data start token",
	FilenameNotFound:  "sd: filename not found",
	EmptyFATEntry:     "sd: empty FAT entry",
	CorruptCluster:    "sd: corrupt cluster chain",
	SeekOutOfRange:    "sd: seek out of range",
	NotMounted:        "sd: filesystem not mounted",
	DiskFull:          "sd: no free cluster left",
	FileClosed:        "sd: file already closed",
	FilesOpen:         "sd: files still open",
}

func (c Code) Error() string {
	if name, ok := names[c]; ok {
		return fmt.Sprintf("%s (%d)", name, int16(c))
	}
	return fmt.Sprintf("unknown error code %d", int16(c))
}

// IsTransport reports whether c belongs to the transport range.
func (c Code) IsTransport() bool {
	return c >= SPIErrorsBase && c < SDErrorsBase
}

// IsFilesystem reports whether c belongs to the SD/filesystem range.
func (c Code) IsFilesystem() bool {
	return c >= SDErrorsBase && c < SDErrorsBase+SDErrorsLimit
}

// Of extracts the first Code found in the chain of err.
func Of(err error) (Code, bool) {
	if err == nil {
		return NoError, false
	}
	var c Code
	if errors.As(err, &c) {
		return c, true
	}
	return NoError, false
}
