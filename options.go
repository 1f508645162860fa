package sdfat

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Options select the optional behaviours of a filesystem.
// They are fixed when the filesystem is created.
type Options struct {
	// Verbose enables additional diagnostics on error paths.
	Verbose bool

	// VerboseBlocks hex dumps selected blocks (boot sector, directory blocks)
	// to the logger at debug level.
	VerboseBlocks bool

	// SpeedOverSpace keeps directory blocks in a dedicated Buffer.
	// Switching between directory and file data access then never evicts the
	// other one at the price of one more block of RAM.
	// If false, one Buffer serves both roles.
	SpeedOverSpace bool

	// Shell enables the interactive helpers of the shell package.
	Shell bool

	// Strict turns every error returned by a filesystem entry point into a panic.
	Strict bool

	// Logger receives all log output. logrus.StandardLogger() is used if nil.
	Logger logrus.FieldLogger

	// Clock is used for directory entry write timestamps. time.Now is used if nil.
	Clock func() time.Time
}

// DefaultOptions returns the options most builds use: verbose diagnostics,
// shell helpers and a dedicated directory buffer.
func DefaultOptions() Options {
	return Options{
		Verbose:        true,
		Shell:          true,
		SpeedOverSpace: true,
	}
}

func (o Options) logger() logrus.FieldLogger {
	if o.Logger == nil {
		return logrus.StandardLogger()
	}
	return o.Logger
}

func (o Options) now() time.Time {
	if o.Clock == nil {
		return time.Now()
	}
	return o.Clock()
}
