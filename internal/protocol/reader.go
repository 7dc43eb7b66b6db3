package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ReadOp reads the single leading op byte that dispatches every framed
// message. Callers use it to decide which Read* function to call next.
func ReadOp(r io.Reader) (byte, error) {
	var op [1]byte
	if _, err := io.ReadFull(r, op[:]); err != nil {
		return 0, fmt.Errorf("reading op code: %w", err)
	}
	return op[0], nil
}

// ReadAuth reads an AUTH frame's payload. The op byte has already been
// consumed by ReadOp.
func ReadAuth(r io.Reader) (*Auth, error) {
	var a Auth
	if _, err := io.ReadFull(r, a.Payload[:]); err != nil {
		return nil, &ProtocolError{Op: OpAuth, Err: fmt.Errorf("reading auth payload: %w", err)}
	}
	return &a, nil
}

// ReadReady reads a READY frame. The op byte has already been consumed.
func ReadReady(r io.Reader) (*Ready, error) {
	var hdr [1]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, &ProtocolError{Op: OpReady, Err: fmt.Errorf("reading ready uid: %w", err)}
	}

	var aliasLen uint32
	if err := binary.Read(r, binary.LittleEndian, &aliasLen); err != nil {
		return nil, &ProtocolError{Op: OpReady, Err: fmt.Errorf("reading ready alias length: %w", err)}
	}
	if aliasLen > MaxFieldLength {
		return nil, &ProtocolError{Op: OpReady, Err: ErrFieldTooLarge}
	}

	alias := make([]byte, aliasLen)
	if _, err := io.ReadFull(r, alias); err != nil {
		return nil, &ProtocolError{Op: OpReady, Err: fmt.Errorf("reading ready alias: %w", err)}
	}

	return &Ready{UID: hdr[0], Alias: string(alias)}, nil
}

// ReadCommand reads a COMMAND frame. The op byte has already been
// consumed.
func ReadCommand(r io.Reader) (*Command, error) {
	var lens [2]byte
	if _, err := io.ReadFull(r, lens[:]); err != nil {
		return nil, &ProtocolError{Op: OpCommand, Err: fmt.Errorf("reading command lengths: %w", err)}
	}

	target := make([]byte, lens[0])
	if _, err := io.ReadFull(r, target); err != nil {
		return nil, &ProtocolError{Op: OpCommand, Err: fmt.Errorf("reading command target: %w", err)}
	}

	options := make([]byte, lens[1])
	if _, err := io.ReadFull(r, options); err != nil {
		return nil, &ProtocolError{Op: OpCommand, Err: fmt.Errorf("reading command options: %w", err)}
	}

	return &Command{Target: string(target), Options: string(options)}, nil
}

// ReadStatus reads a framed STATUS message. The op byte has already been
// consumed.
func ReadStatus(r io.Reader) (*Status, error) {
	var code [1]byte
	if _, err := io.ReadFull(r, code[:]); err != nil {
		return nil, &ProtocolError{Op: OpStatus, Err: fmt.Errorf("reading status code: %w", err)}
	}
	return &Status{Code: code[0]}, nil
}

// ReadRawStatus reads a bare, unframed status byte with no leading op
// code, as used for the auth outcome and the REPORT upload reply.
func ReadRawStatus(r io.Reader) (byte, error) {
	var code [1]byte
	if _, err := io.ReadFull(r, code[:]); err != nil {
		return 0, fmt.Errorf("reading raw status: %w", err)
	}
	return code[0], nil
}

// ReadReport reads a REPORT header frame. The op byte has already been
// consumed. The caller must still read FileSize bytes of report body off
// r afterwards.
func ReadReport(r io.Reader) (*Report, error) {
	var lens [2]byte
	if _, err := io.ReadFull(r, lens[:]); err != nil {
		return nil, &ProtocolError{Op: OpReport, Err: fmt.Errorf("reading report lengths: %w", err)}
	}

	var fileSize uint32
	if err := binary.Read(r, binary.LittleEndian, &fileSize); err != nil {
		return nil, &ProtocolError{Op: OpReport, Err: fmt.Errorf("reading report file size: %w", err)}
	}

	name := make([]byte, lens[0])
	if _, err := io.ReadFull(r, name); err != nil {
		return nil, &ProtocolError{Op: OpReport, Err: fmt.Errorf("reading report name: %w", err)}
	}

	hash := make([]byte, lens[1])
	if _, err := io.ReadFull(r, hash); err != nil {
		return nil, &ProtocolError{Op: OpReport, Err: fmt.Errorf("reading report hash: %w", err)}
	}

	return &Report{Name: string(name), Hash: string(hash), FileSize: fileSize}, nil
}

// Dispatch reads the leading op byte and decodes the matching frame,
// returning it as one of *Auth, *Ready, *Command, *Status, or *Report.
// Unknown op codes yield ErrUnknownOp.
func Dispatch(r io.Reader) (op byte, frame any, err error) {
	op, err = ReadOp(r)
	if err != nil {
		return 0, nil, err
	}
	switch op {
	case OpAuth:
		frame, err = ReadAuth(r)
	case OpReady:
		frame, err = ReadReady(r)
	case OpCommand:
		frame, err = ReadCommand(r)
	case OpStatus:
		frame, err = ReadStatus(r)
	case OpReport:
		frame, err = ReadReport(r)
	default:
		return op, nil, &ProtocolError{Op: op, Err: ErrUnknownOp}
	}
	return op, frame, err
}
