// Package fios moves a single file between a host and a peer device over a
// serial byte link.
//
// A transfer is negotiated with fixed-size command frames and carried as a
// sequence of bounded payload chunks, each acknowledged by the receiver. The
// blocking I/O runs on a background worker owned by a Session; the caller
// polls the session with Idle and must Close it exactly once.
//
//	link, err := fios.OpenLink("/dev/ttyACM0")
//	if err != nil {
//		return err
//	}
//	defer link.Close()
//
//	err = fios.Run(ctx, link, fios.DirectionSend, "firmware.bin", func(st fios.Status, p float64) {
//		fmt.Printf("\rProgress: %.1f %%", p*100)
//	})
package fios

import (
	"fmt"
	"strconv"
)

// Wire and memory layout constants.
const (
	// FrameSize is the size of every command frame: opcode, argument, terminator.
	FrameSize = opcodeSize + ArgumentSize + 1

	// ArgumentSize is the width of the argument field of a frame.
	ArgumentSize = 10

	// MaxFileSize is the largest file that can be transferred.
	MaxFileSize = 0x7fffffff

	// MaxPayloadSize is the largest payload chunk carried after a frame.
	MaxPayloadSize = 0x2000

	opcodeSize = 2
)

// Kind identifies a command frame.
type Kind int

// Frame kinds
const (
	KindStart    Kind = iota // START-SEND, argument is the file size
	KindAck                  // START-ACK and per-chunk acknowledgement
	KindData                 // DATA-CHUNK-HEADER, argument is the chunk length
	KindComplete             // COMPLETE
	KindError                // ERROR, argument is the length of the message payload that follows
)

var opcodes = [...][opcodeSize]byte{
	KindStart:    {'s', ' '},
	KindAck:      {'o', 'k'},
	KindData:     {'w', ' '},
	KindComplete: {'q', 0},
	KindError:    {'e', ' '},
}

// String returns the frame kind name.
func (k Kind) String() string {
	switch k {
	case KindStart:
		return "START-SEND"
	case KindAck:
		return "START-ACK"
	case KindData:
		return "DATA-CHUNK-HEADER"
	case KindComplete:
		return "COMPLETE"
	case KindError:
		return "ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(k))
	}
}

// hasArgument reports whether frames of this kind must carry an argument.
func (k Kind) hasArgument() bool {
	return k == KindStart || k == KindData || k == KindError
}

// Frame is a decoded command frame.
type Frame struct {
	Kind Kind
	Arg  uint32
}

// StartFrame announces a transfer of size bytes.
func StartFrame(size uint32) Frame {
	return Frame{Kind: KindStart, Arg: size}
}

// AckFrame acknowledges a START-SEND or a data chunk.
func AckFrame() Frame {
	return Frame{Kind: KindAck}
}

// DataFrame precedes a payload chunk of n bytes.
func DataFrame(n uint32) Frame {
	return Frame{Kind: KindData, Arg: n}
}

// CompleteFrame ends a transfer.
func CompleteFrame() Frame {
	return Frame{Kind: KindComplete}
}

// ErrorFrame precedes an n byte error message payload.
func ErrorFrame(n uint32) Frame {
	return Frame{Kind: KindError, Arg: n}
}

func (f Frame) String() string {
	if f.Kind.hasArgument() {
		return fmt.Sprintf("%s(0x%08x)", f.Kind, f.Arg)
	}
	return f.Kind.String()
}

// EncodeFrame writes f into buf.
func EncodeFrame(buf *[FrameSize]byte, f Frame) error {
	if f.Kind < 0 || int(f.Kind) >= len(opcodes) {
		return NewError(ErrProtocol, fmt.Sprintf("cannot encode unknown frame kind %d", int(f.Kind)))
	}
	if err := f.validate(); err != nil {
		return err
	}

	*buf = [FrameSize]byte{}
	copy(buf[:opcodeSize], opcodes[f.Kind][:])
	if f.Kind.hasArgument() {
		arg := fmt.Sprintf("0x%08x", f.Arg)
		if len(arg) > ArgumentSize {
			return NewError(ErrProtocol, fmt.Sprintf("argument %q exceeds %d bytes", arg, ArgumentSize))
		}
		copy(buf[opcodeSize:], arg)
	}
	return nil
}

// DecodeFrame parses a frame from buf.
//
// Unknown opcodes, a non-NUL terminator, arguments that are not NUL padded
// hexadecimal, missing or unexpected arguments and out of range lengths are
// all protocol errors.
func DecodeFrame(buf *[FrameSize]byte) (Frame, error) {
	var f Frame

	kind := -1
	for k, op := range opcodes {
		if buf[0] == op[0] && buf[1] == op[1] {
			kind = k
			break
		}
	}
	if kind < 0 {
		return f, NewError(ErrProtocol, fmt.Sprintf("unknown opcode %q", buf[:opcodeSize]))
	}
	f.Kind = Kind(kind)

	if buf[FrameSize-1] != 0 {
		return f, NewError(ErrProtocol, fmt.Sprintf("bad frame terminator 0x%02x", buf[FrameSize-1]))
	}

	field := buf[opcodeSize : opcodeSize+ArgumentSize]
	end := len(field)
	for i, c := range field {
		if c == 0 {
			end = i
			break
		}
	}
	for _, c := range field[end:] {
		if c != 0 {
			return f, NewError(ErrProtocol, fmt.Sprintf("malformed argument %q", field))
		}
	}
	text := string(field[:end])

	if text == "" {
		if f.Kind.hasArgument() {
			return f, NewError(ErrProtocol, fmt.Sprintf("%s frame without argument", f.Kind))
		}
		return f, nil
	}
	if !f.Kind.hasArgument() {
		return f, NewError(ErrProtocol, fmt.Sprintf("unexpected argument %q on %s frame", text, f.Kind))
	}
	if len(text) < 3 || text[0] != '0' || (text[1] != 'x' && text[1] != 'X') {
		return f, NewError(ErrProtocol, fmt.Sprintf("argument %q is not hexadecimal", text))
	}
	v, err := strconv.ParseUint(text[2:], 16, 32)
	if err != nil {
		return f, WrapError(ErrProtocol, fmt.Sprintf("invalid argument %q", text), err)
	}
	f.Arg = uint32(v)

	return f, f.validate()
}

func (f Frame) validate() error {
	switch f.Kind {
	case KindStart:
		if f.Arg > MaxFileSize {
			return NewError(ErrSizeBound, fmt.Sprintf("announced size %d exceeds %d", f.Arg, MaxFileSize))
		}
	case KindData:
		if f.Arg == 0 || f.Arg > MaxPayloadSize {
			return NewError(ErrProtocol, fmt.Sprintf("chunk length %d outside [1, %d]", f.Arg, MaxPayloadSize))
		}
	case KindError:
		if f.Arg > MaxPayloadSize {
			return NewError(ErrProtocol, fmt.Sprintf("error message length %d exceeds %d", f.Arg, MaxPayloadSize))
		}
	case KindAck, KindComplete:
		if f.Arg != 0 {
			return NewError(ErrProtocol, fmt.Sprintf("%s frame carries an argument", f.Kind))
		}
	}
	return nil
}
