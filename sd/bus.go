package sd

import (
	"fmt"

	"github.com/aligator/sdfat/checkpoint"
	"github.com/aligator/sdfat/errcode"
)

// MaxPin is the highest pin number of the supported boards.
const MaxPin = 31

// Pins is the wiring of the card.
type Pins struct {
	MOSI uint8 `yaml:"mosi"`
	MISO uint8 `yaml:"miso"`
	SCLK uint8 `yaml:"sclk"`
	CS   uint8 `yaml:"cs"`
}

// Validate checks that all pins exist and no pin is used twice.
func (p Pins) Validate() error {
	pins := []uint8{p.MOSI, p.MISO, p.SCLK, p.CS}
	seen := make(map[uint8]bool, len(pins))
	for _, pin := range pins {
		if pin > MaxPin {
			return checkpoint.Wrap(fmt.Errorf("pin %d does not exist", pin), errcode.SPIInvalidPin)
		}
		if seen[pin] {
			return checkpoint.Wrap(fmt.Errorf("pin %d used twice", pin), errcode.SPIInvalidPin)
		}
		seen[pin] = true
	}
	return nil
}

// Bus is a SPI master in mode 0 with 8 bit frames.
//
// Generated mock using mockgen:
//  mockgen -source=bus.go -destination=bus_mock.go -package sd
type Bus interface {
	// Configure (re)starts the bus on pins with a clock of hz.
	Configure(pins Pins, hz uint32) error
	// Select drives the chip select line, active means low.
	Select(active bool)
	// Exchange clocks out one byte and returns the byte clocked in at the same time.
	Exchange(out byte) (in byte, err error)
}
