package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// WriteAuth writes an AUTH frame (coordinator → agent challenge, or agent
// → coordinator digest reply). Format: [op 0x01][payload 128B].
func WriteAuth(w io.Writer, payload [ChallengeSize]byte) error {
	if _, err := w.Write([]byte{OpAuth}); err != nil {
		return fmt.Errorf("writing auth op: %w", err)
	}
	if _, err := w.Write(payload[:]); err != nil {
		return fmt.Errorf("writing auth payload: %w", err)
	}
	return nil
}

// WriteReady writes a READY frame (agent → coordinator).
// Format: [op 0x02][uid 1B][aliasLen uint32][alias].
func WriteReady(w io.Writer, uid uint8, alias string) error {
	if _, err := w.Write([]byte{OpReady, uid}); err != nil {
		return fmt.Errorf("writing ready header: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(alias))); err != nil {
		return fmt.Errorf("writing ready alias length: %w", err)
	}
	if _, err := io.WriteString(w, alias); err != nil {
		return fmt.Errorf("writing ready alias: %w", err)
	}
	return nil
}

// WriteCommand writes a COMMAND frame (coordinator → agent).
// Format: [op 0x03][targetLen 1B][optionsLen 1B][target][options].
func WriteCommand(w io.Writer, target, options string) error {
	if len(target) > 0xFF || len(options) > 0xFF {
		return fmt.Errorf("writing command: target/options exceed 255 bytes")
	}
	if _, err := w.Write([]byte{OpCommand, byte(len(target)), byte(len(options))}); err != nil {
		return fmt.Errorf("writing command header: %w", err)
	}
	if _, err := io.WriteString(w, target); err != nil {
		return fmt.Errorf("writing command target: %w", err)
	}
	if _, err := io.WriteString(w, options); err != nil {
		return fmt.Errorf("writing command options: %w", err)
	}
	return nil
}

// WriteStatus writes a framed STATUS message (either direction).
// Format: [op 0x04][code 1B].
func WriteStatus(w io.Writer, code byte) error {
	if _, err := w.Write([]byte{OpStatus, code}); err != nil {
		return fmt.Errorf("writing status: %w", err)
	}
	return nil
}

// WriteRawStatus writes a bare, unframed status byte — no op code prefix.
// Used for the coordinator's reply to a completed REPORT upload and for
// the auth handshake's outcome.
func WriteRawStatus(w io.Writer, code byte) error {
	if _, err := w.Write([]byte{code}); err != nil {
		return fmt.Errorf("writing raw status: %w", err)
	}
	return nil
}

// WriteReport writes a REPORT header frame (agent → coordinator). The
// caller is responsible for streaming the file bytes afterwards in
// chunks of at most ReportChunkSize.
// Format: [op 0x05][nameLen 1B][hashLen 1B][fileSize uint32][name][hash].
func WriteReport(w io.Writer, name, hash string, fileSize uint32) error {
	if len(name) > 0xFF || len(hash) > 0xFF {
		return fmt.Errorf("writing report: name/hash exceed 255 bytes")
	}
	if _, err := w.Write([]byte{OpReport, byte(len(name)), byte(len(hash))}); err != nil {
		return fmt.Errorf("writing report header: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, fileSize); err != nil {
		return fmt.Errorf("writing report file size: %w", err)
	}
	if _, err := io.WriteString(w, name); err != nil {
		return fmt.Errorf("writing report name: %w", err)
	}
	if _, err := io.WriteString(w, hash); err != nil {
		return fmt.Errorf("writing report hash: %w", err)
	}
	return nil
}

// CopyReportBody streams exactly size bytes from r to w in chunks of at
// most ReportChunkSize, the way the agent streams a report file's bytes
// following its REPORT header.
func CopyReportBody(w io.Writer, r io.Reader, size uint32) error {
	buf := make([]byte, ReportChunkSize)
	remaining := int64(size)
	for remaining > 0 {
		n := int64(len(buf))
		if remaining < n {
			n = remaining
		}
		read, err := io.ReadFull(r, buf[:n])
		if err != nil {
			return fmt.Errorf("reading report body: %w", err)
		}
		if _, err := w.Write(buf[:read]); err != nil {
			return fmt.Errorf("writing report body chunk: %w", err)
		}
		remaining -= int64(read)
	}
	return nil
}
