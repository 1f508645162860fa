package sdfat

import (
	"bytes"
	"fmt"
	"io"

	"github.com/davecgh/go-spew/spew"
	"github.com/sirupsen/logrus"
)

// HexLineSize is the number of bytes per line printed by PrintHexBlock.
const HexLineSize = 16

var spewConfig = spew.ConfigState{
	Indent:                  "  ",
	DisableCapacities:       true,
	DisablePointerAddresses: true,
	SortKeys:                true,
}

// Sdump renders v including all nested fields, used for verbose diagnostics.
func Sdump(v ...interface{}) string {
	return spewConfig.Sdump(v...)
}

// PrintHexBlock prints data in lines of HexLineSize bytes, each prefixed by its
// offset and followed by the printable characters:
//  0x0000: 48 65 6c 6c 6f 00 00 00 00 00 00 00 00 00 00 00   Hello...........
func PrintHexBlock(w io.Writer, data []byte) error {
	for line := 0; line < len(data); line += HexLineSize {
		end := line + HexLineSize
		if end > len(data) {
			end = len(data)
		}

		var b bytes.Buffer
		fmt.Fprintf(&b, "0x%04x: ", line)
		for i := line; i < line+HexLineSize; i++ {
			if i < end {
				fmt.Fprintf(&b, "%02x ", data[i])
			} else {
				b.WriteString("   ")
			}
		}
		b.WriteString("  ")
		for _, c := range data[line:end] {
			if c >= 0x20 && c < 0x7F {
				b.WriteByte(c)
			} else {
				b.WriteByte('.')
			}
		}
		b.WriteByte('\n')

		if _, err := w.Write(b.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

// dumpBlock logs the content of buf if verbose block dumps are enabled.
func (fs *FS) dumpBlock(what string, buf *Buffer) {
	if !fs.opts.VerboseBlocks {
		return
	}
	addr, ok := buf.Address()
	if !ok {
		return
	}

	var out bytes.Buffer
	_ = PrintHexBlock(&out, buf.Bytes())
	fs.log.WithFields(logrus.Fields{"block": addr, "what": what}).Debug("\n" + out.String())
}
