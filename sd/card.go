// Package sd drives SD cards in SPI mode and implements sdfat.BlockDevice on top of them.
package sd

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/aligator/sdfat"
	"github.com/aligator/sdfat/checkpoint"
	"github.com/aligator/sdfat/errcode"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// Commands used by the driver.
const (
	cmdGoIdleState     = 0
	cmdSendIfCond      = 8
	cmdSetBlockLen     = 16
	cmdReadSingleBlock = 17
	cmdWriteBlock      = 24
	cmdSDSendOpCond    = 41 // application specific
	cmdAppCmd          = 55
	cmdReadOCR         = 58

	maxCmd = 63
)

const (
	// r1Idle is set in R1 while the card runs its initialization.
	r1Idle = 0x01
	// r1IllegalCommand is set by cards which do not know a command, like CMD8 on SD v1 cards.
	r1IllegalCommand = 0x04

	// ifCondPattern is the voltage range (2.7-3.6V) and check pattern sent with CMD8.
	ifCondPattern = 0x1AA
	// hcs requests high capacity support in ACMD41.
	hcs = 1 << 30
	// ocrCCS is the card capacity status bit of the first OCR byte.
	ocrCCS = 0x40

	tokenStartBlock = 0xFE
	dataAccepted    = 0x05
	dataResponse    = 0x1F
)

// Default bus speeds in Hz.
const (
	DefaultInitHz = 400000
	DefaultFastHz = 20000000
)

// Config contains everything to talk to a card.
type Config struct {
	Pins Pins

	// InitHz is the clock during initialization, FastHz afterwards.
	InitHz uint32
	FastHz uint32

	// IdleRetries limits how often CMD0 is sent until the card reports idle.
	IdleRetries int
	// ResponseBytes is the number of bytes to wait for a response or token.
	ResponseBytes int

	// Ready creates the retry policy for leaving the idle state with ACMD41.
	// It has to be bounded, the default gives up after about one second.
	Ready func() backoff.BackOff

	Logger logrus.FieldLogger
}

func (c *Config) setDefaults() {
	if c.InitHz == 0 {
		c.InitHz = DefaultInitHz
	}
	if c.FastHz == 0 {
		c.FastHz = DefaultFastHz
	}
	if c.IdleRetries == 0 {
		c.IdleRetries = 10
	}
	if c.ResponseBytes == 0 {
		c.ResponseBytes = 4096
	}
	if c.Ready == nil {
		c.Ready = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Millisecond
			b.MaxInterval = 50 * time.Millisecond
			b.MaxElapsedTime = time.Second
			return b
		}
	}
	if c.Logger == nil {
		c.Logger = logrus.StandardLogger()
	}
}

// Card is an SD or SDHC card connected over SPI.
type Card struct {
	bus Bus
	cfg Config
	log logrus.FieldLogger

	initialized  bool
	highCapacity bool
}

var _ sdfat.BlockDevice = (*Card)(nil)

// NewCard creates a Card on bus. Init has to be called before any block access.
func NewCard(bus Bus, cfg Config) *Card {
	cfg.setDefaults()
	return &Card{
		bus: bus,
		cfg: cfg,
		log: cfg.Logger.WithField("component", "sd"),
	}
}

// HighCapacity reports whether the card uses block instead of byte addressing.
func (c *Card) HighCapacity() bool {
	return c.highCapacity
}

// Init runs the power-up handshake and raises the bus speed afterwards.
func (c *Card) Init() error {
	c.initialized = false

	if err := c.cfg.Pins.Validate(); err != nil {
		return err
	}
	if err := c.bus.Configure(c.cfg.Pins, c.cfg.InitHz); err != nil {
		return checkpoint.From(err)
	}

	// At least 74 clocks with CS high put the card into native mode.
	c.bus.Select(false)
	for i := 0; i < 10; i++ {
		if _, err := c.bus.Exchange(0xFF); err != nil {
			return checkpoint.From(err)
		}
	}

	c.bus.Select(true)
	defer c.release()

	if err := c.goIdle(); err != nil {
		return err
	}

	v2, err := c.sendIfCond()
	if err != nil {
		return err
	}

	if err := c.waitReady(v2); err != nil {
		return err
	}

	resp, err := c.command(cmdReadOCR, 0, 5)
	if err != nil {
		return err
	}
	c.highCapacity = v2 && resp[1]&ocrCCS != 0

	if !c.highCapacity {
		resp, err := c.command(cmdSetBlockLen, sdfat.BlockSize, 1)
		if err != nil {
			return err
		}
		if resp[0] != 0 {
			return checkpoint.Wrap(fmt.Errorf("CMD16 answered %#02x", resp[0]), errcode.InvalidResponse)
		}
	}

	if err := c.bus.Configure(c.cfg.Pins, c.cfg.FastHz); err != nil {
		return checkpoint.From(err)
	}

	c.initialized = true
	c.log.WithFields(logrus.Fields{"sdv2": v2, "highCapacity": c.highCapacity}).Debug("card initialized")
	return nil
}

func (c *Card) goIdle() error {
	for i := 0; i < c.cfg.IdleRetries; i++ {
		resp, err := c.command(cmdGoIdleState, 0, 1)
		if err != nil {
			if code, ok := errcode.Of(err); ok && code == errcode.ReadTimeout {
				continue
			}
			return err
		}
		if resp[0] == r1Idle {
			return nil
		}
	}
	return checkpoint.Wrap(fmt.Errorf("card did not enter the idle state"), errcode.InvalidInit)
}

// sendIfCond checks the voltage range with CMD8. Cards which do not know the
// command are version 1 cards.
func (c *Card) sendIfCond() (v2 bool, err error) {
	resp, err := c.command(cmdSendIfCond, ifCondPattern, 5)
	if err != nil {
		return false, err
	}
	if resp[0]&r1IllegalCommand != 0 {
		return false, nil
	}
	if echo := binary.BigEndian.Uint32(resp[1:]) & 0xFFF; echo != ifCondPattern {
		return false, checkpoint.Wrap(fmt.Errorf("CMD8 echoed %#03x", echo), errcode.InvalidResponse)
	}
	return true, nil
}

// waitReady repeats ACMD41 until the card leaves the idle state.
func (c *Card) waitReady(v2 bool) error {
	var arg uint32
	if v2 {
		arg = hcs
	}

	rounds := 0
	err := backoff.Retry(func() error {
		rounds++
		if _, err := c.command(cmdAppCmd, 0, 1); err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.command(cmdSDSendOpCond, arg, 1)
		if err != nil {
			return backoff.Permanent(err)
		}
		if resp[0]&r1Idle != 0 {
			return fmt.Errorf("card still idle")
		}
		return nil
	}, c.cfg.Ready())
	if err != nil {
		if _, ok := errcode.Of(err); ok {
			return err
		}
		return checkpoint.Wrap(fmt.Errorf("%w after %d rounds", err, rounds), errcode.InvalidInit)
	}
	return nil
}

func (c *Card) release() {
	c.bus.Select(false)
	// One more byte lets the card release MISO.
	_, _ = c.bus.Exchange(0xFF)
}

// command sends a command frame and reads a response of n bytes, n being 1 for
// R1 and 5 for the R3 and R7 responses.
func (c *Card) command(cmd uint8, arg uint32, n int) ([]byte, error) {
	if cmd > maxCmd {
		return nil, checkpoint.Wrap(fmt.Errorf("command %d", cmd), errcode.InvalidCmd)
	}
	if n != 1 && n != 5 {
		return nil, checkpoint.Wrap(fmt.Errorf("response of %d bytes", n), errcode.InvalidNumBytes)
	}

	// Only CMD0 and CMD8 are checked against the CRC in SPI mode.
	crc := byte(0x01)
	switch cmd {
	case cmdGoIdleState:
		crc = 0x95
	case cmdSendIfCond:
		crc = 0x87
	}

	frame := [6]byte{0x40 | cmd, 0, 0, 0, 0, crc}
	binary.BigEndian.PutUint32(frame[1:5], arg)
	for _, b := range frame {
		if _, err := c.bus.Exchange(b); err != nil {
			return nil, checkpoint.From(err)
		}
	}

	resp := make([]byte, n)
	first, err := c.waitFor(func(b byte) bool { return b&0x80 == 0 })
	if err != nil {
		return nil, err
	}
	resp[0] = first

	for i := 1; i < n; i++ {
		if resp[i], err = c.bus.Exchange(0xFF); err != nil {
			return nil, checkpoint.From(err)
		}
	}
	return resp, nil
}

// waitFor clocks the bus until match accepts a byte. It gives up with
// errcode.ReadTimeout after Config.ResponseBytes bytes.
func (c *Card) waitFor(match func(byte) bool) (byte, error) {
	for i := 0; i < c.cfg.ResponseBytes; i++ {
		b, err := c.bus.Exchange(0xFF)
		if err != nil {
			return 0, checkpoint.From(err)
		}
		if match(b) {
			return b, nil
		}
	}
	return 0, checkpoint.Wrap(fmt.Errorf("no answer within %d bytes", c.cfg.ResponseBytes), errcode.ReadTimeout)
}

func (c *Card) address(block uint32) uint32 {
	if c.highCapacity {
		return block
	}
	return block * sdfat.BlockSize
}

func (c *Card) checkAccess(data []byte) error {
	if !c.initialized {
		return checkpoint.Wrap(fmt.Errorf("card not initialized"), errcode.InvalidInit)
	}
	if len(data) != sdfat.BlockSize {
		return checkpoint.Wrap(fmt.Errorf("got %d bytes", len(data)), errcode.InvalidNumBytes)
	}
	return nil
}

// ReadBlock reads one block with CMD17.
func (c *Card) ReadBlock(addr uint32, dst []byte) error {
	if err := c.checkAccess(dst); err != nil {
		return err
	}

	c.bus.Select(true)
	defer c.release()

	resp, err := c.command(cmdReadSingleBlock, c.address(addr), 1)
	if err != nil {
		return err
	}
	if resp[0] != 0 {
		return checkpoint.Wrap(fmt.Errorf("CMD17 for block %d answered %#02x", addr, resp[0]), errcode.InvalidResponse)
	}

	token, err := c.waitFor(func(b byte) bool { return b != 0xFF })
	if err != nil {
		return err
	}
	if token != tokenStartBlock {
		return checkpoint.Wrap(fmt.Errorf("token %#02x for block %d", token, addr), errcode.InvalidDataStart)
	}

	for i := range dst {
		if dst[i], err = c.bus.Exchange(0xFF); err != nil {
			return checkpoint.From(err)
		}
	}

	// The CRC is not checked.
	for i := 0; i < 2; i++ {
		if _, err := c.bus.Exchange(0xFF); err != nil {
			return checkpoint.From(err)
		}
	}
	return nil
}

// WriteBlock writes one block with CMD24 and waits until the card is done programming it.
func (c *Card) WriteBlock(addr uint32, src []byte) error {
	if err := c.checkAccess(src); err != nil {
		return err
	}

	c.bus.Select(true)
	defer c.release()

	resp, err := c.command(cmdWriteBlock, c.address(addr), 1)
	if err != nil {
		return err
	}
	if resp[0] != 0 {
		return checkpoint.Wrap(fmt.Errorf("CMD24 for block %d answered %#02x", addr, resp[0]), errcode.InvalidResponse)
	}

	out := make([]byte, 0, sdfat.BlockSize+4)
	out = append(out, 0xFF, tokenStartBlock)
	out = append(out, src...)
	out = append(out, 0xFF, 0xFF)
	for _, b := range out {
		if _, err := c.bus.Exchange(b); err != nil {
			return checkpoint.From(err)
		}
	}

	dr, err := c.waitFor(func(b byte) bool { return b != 0xFF })
	if err != nil {
		return err
	}
	if dr&dataResponse != dataAccepted {
		return checkpoint.Wrap(fmt.Errorf("data response %#02x for block %d", dr, addr), errcode.InvalidResponse)
	}

	_, err = c.waitFor(func(b byte) bool { return b != 0x00 })
	return err
}
