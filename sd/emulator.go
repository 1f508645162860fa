package sd

import (
	"encoding/binary"
	"fmt"

	"github.com/aligator/sdfat"
	"github.com/aligator/sdfat/checkpoint"
	"github.com/aligator/sdfat/errcode"
)

// MaxHz is the highest clock an emulated card accepts.
const MaxHz = 25000000

// Faults select misbehaviour of an Emulator.
type Faults struct {
	// Silent cards never answer a command.
	Silent bool
	// StuckIdle cards never leave the idle state.
	StuckIdle bool
	// IdleRounds is the number of ACMD41 rounds a card stays idle.
	IdleRounds int
	// V1 cards do not know CMD8.
	V1 bool
	// WrongEcho makes CMD8 answer with a different check pattern.
	WrongEcho bool
	// NoStartToken makes reads never send the start block token.
	NoStartToken bool
	// StartToken is sent instead of the start block token if not zero.
	StartToken byte
	// RejectWrites answers every data block with a write error.
	RejectWrites bool
}

type emulatorState uint8

const (
	stateCommand emulatorState = iota
	stateWriteToken
	stateWriteData
)

// Emulator is a Bus with an SD card in SPI mode attached, storing its blocks on
// a BlockDevice. It allows running the complete driver without hardware.
type Emulator struct {
	dev          sdfat.BlockDevice
	highCapacity bool

	// Faults can be changed at any time.
	Faults Faults

	configured bool
	hz         uint32
	selected   bool

	state  emulatorState
	frame  []byte
	out    []byte
	idle   bool
	appCmd bool
	rounds int

	writeAddr uint32
	writeBuf  []byte
}

var _ Bus = (*Emulator)(nil)

// NewEmulator creates an emulated card storing its blocks on dev.
// A highCapacity card uses block addressing, otherwise byte addressing.
func NewEmulator(dev sdfat.BlockDevice, highCapacity bool) *Emulator {
	return &Emulator{
		dev:          dev,
		highCapacity: highCapacity,
		idle:         true,
	}
}

// Hz returns the current bus clock.
func (e *Emulator) Hz() uint32 {
	return e.hz
}

func (e *Emulator) Configure(pins Pins, hz uint32) error {
	if err := pins.Validate(); err != nil {
		return err
	}
	if hz == 0 || hz > MaxHz {
		return checkpoint.Wrap(fmt.Errorf("%d Hz", hz), errcode.SPIInvalidFreq)
	}
	if !e.configured {
		if err := e.dev.Init(); err != nil {
			return checkpoint.From(err)
		}
	}
	e.configured = true
	e.hz = hz
	return nil
}

func (e *Emulator) Select(active bool) {
	e.selected = active
	if !active {
		e.frame = e.frame[:0]
		e.out = e.out[:0]
		e.state = stateCommand
	}
}

func (e *Emulator) Exchange(in byte) (byte, error) {
	if !e.configured {
		return 0, checkpoint.Wrap(fmt.Errorf("bus not configured"), errcode.SPIInvalidMode)
	}
	if !e.selected {
		return 0xFF, nil
	}

	out := byte(0xFF)
	if len(e.out) > 0 {
		out, e.out = e.out[0], e.out[1:]
	}

	switch e.state {
	case stateCommand:
		if len(e.frame) == 0 && in&0xC0 != 0x40 {
			break
		}
		e.frame = append(e.frame, in)
		if len(e.frame) == 6 {
			e.command(e.frame[0]&0x3F, binary.BigEndian.Uint32(e.frame[1:5]))
			e.frame = e.frame[:0]
		}
	case stateWriteToken:
		if in == tokenStartBlock {
			e.writeBuf = e.writeBuf[:0]
			e.state = stateWriteData
		}
	case stateWriteData:
		e.writeBuf = append(e.writeBuf, in)
		if len(e.writeBuf) == sdfat.BlockSize+2 {
			e.finishWrite()
			e.state = stateCommand
		}
	}
	return out, nil
}

func (e *Emulator) r1() byte {
	if e.idle {
		return r1Idle
	}
	return 0
}

func (e *Emulator) respond(b ...byte) {
	// One byte of command response time.
	e.out = append(e.out, 0xFF)
	e.out = append(e.out, b...)
}

func (e *Emulator) command(cmd uint8, arg uint32) {
	if e.Faults.Silent {
		return
	}

	app := e.appCmd
	e.appCmd = false

	switch {
	case cmd == cmdGoIdleState:
		e.idle = true
		e.rounds = 0
		e.respond(r1Idle)
	case cmd == cmdSendIfCond:
		if e.Faults.V1 {
			e.respond(e.r1() | r1IllegalCommand)
			return
		}
		echo := byte(arg)
		if e.Faults.WrongEcho {
			echo ^= 0xFF
		}
		e.respond(e.r1(), 0, 0, byte(arg>>8)&0x0F, echo)
	case cmd == cmdAppCmd:
		e.appCmd = true
		e.respond(e.r1())
	case app && cmd == cmdSDSendOpCond:
		e.rounds++
		if !e.Faults.StuckIdle && e.rounds > e.Faults.IdleRounds {
			e.idle = false
		}
		e.respond(e.r1())
	case cmd == cmdReadOCR:
		ocr := byte(0x80)
		if e.highCapacity && !e.Faults.V1 {
			ocr |= ocrCCS
		}
		e.respond(e.r1(), ocr, 0xFF, 0x80, 0x00)
	case cmd == cmdSetBlockLen:
		if arg != sdfat.BlockSize {
			e.respond(e.r1() | 0x40)
			return
		}
		e.respond(e.r1())
	case cmd == cmdReadSingleBlock:
		e.read(arg)
	case cmd == cmdWriteBlock:
		if e.idle {
			e.respond(e.r1() | r1IllegalCommand)
			return
		}
		e.writeAddr = e.block(arg)
		e.state = stateWriteToken
		e.respond(0)
	default:
		e.respond(e.r1() | r1IllegalCommand)
	}
}

func (e *Emulator) block(arg uint32) uint32 {
	if e.highCapacity && !e.Faults.V1 {
		return arg
	}
	return arg / sdfat.BlockSize
}

func (e *Emulator) read(arg uint32) {
	if e.idle {
		e.respond(e.r1() | r1IllegalCommand)
		return
	}
	e.respond(0)

	if e.Faults.NoStartToken {
		return
	}

	data := make([]byte, sdfat.BlockSize)
	if err := e.dev.ReadBlock(e.block(arg), data); err != nil {
		// Data error token: error.
		e.out = append(e.out, 0xFF, 0x01)
		return
	}

	token := byte(tokenStartBlock)
	if e.Faults.StartToken != 0 {
		token = e.Faults.StartToken
	}
	e.out = append(e.out, 0xFF, token)
	e.out = append(e.out, data...)
	e.out = append(e.out, 0x00, 0x00)
}

func (e *Emulator) finishWrite() {
	status := byte(0xE0 | dataAccepted)
	if e.Faults.RejectWrites {
		status = 0xE0 | 0x0D
	} else if err := e.dev.WriteBlock(e.writeAddr, e.writeBuf[:sdfat.BlockSize]); err != nil {
		status = 0xE0 | 0x0D
	}

	// Data response followed by some busy bytes.
	e.out = append(e.out, status, 0x00, 0x00, 0x00, 0xFF)
}
