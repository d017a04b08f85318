package mesh

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// MaxFrameLen bounds a single packet frame on the serial link. Anything
// larger is a framing error, not a legitimate packet.
const MaxFrameLen = 4096

var errFrameTooLarge = errors.New("frame exceeds max length")

// MarshalPacket encodes p for the wire. Rx-side fields are stripped first;
// they are meaningful only on the node that received the packet.
func MarshalPacket(p *MeshPacket) ([]byte, error) {
	wire := *p
	wire.RxTime = 0
	wire.RxSnr = 0
	return json.Marshal(&wire)
}

// UnmarshalPacket decodes a wire frame into a fresh packet.
func UnmarshalPacket(data []byte) (*MeshPacket, error) {
	var p MeshPacket
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode packet: %w", err)
	}
	return &p, nil
}

// WriteFrame writes one length-prefixed packet frame to w.
func WriteFrame(w io.Writer, p *MeshPacket) error {
	data, err := MarshalPacket(p)
	if err != nil {
		return err
	}
	if len(data) > MaxFrameLen {
		return errFrameTooLarge
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed packet frame from r.
func ReadFrame(r io.Reader) (*MeshPacket, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 || n > MaxFrameLen {
		return nil, fmt.Errorf("bad frame length %d", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return UnmarshalPacket(body)
}

// MarshalDeviceState encodes the persisted root record.
func MarshalDeviceState(ds *DeviceState) ([]byte, error) {
	return json.MarshalIndent(ds, "", "  ")
}

// UnmarshalDeviceState decodes into ds, which the caller zeroes first.
func UnmarshalDeviceState(data []byte, ds *DeviceState) error {
	return json.Unmarshal(data, ds)
}
