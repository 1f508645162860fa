package sdfat

// BlockSize is the size of one addressable block of the storage medium in bytes.
const BlockSize = 512

// BlockDevice is the block transport the filesystem is built on.
// All calls block until the transport is done or failed; a transport must
// give up with an error (typically errcode.ReadTimeout) instead of blocking
// indefinitely.
//
// Generated mock using mockgen:
//  mockgen -source=device.go -destination=device_mock.go -package sdfat
type BlockDevice interface {
	// Init runs the power-up handshake of the medium.
	Init() error
	// ReadBlock reads the block at addr into dst which holds exactly BlockSize bytes.
	ReadBlock(addr uint32, dst []byte) error
	// WriteBlock writes the BlockSize bytes of src to the block at addr.
	WriteBlock(addr uint32, src []byte) error
}
