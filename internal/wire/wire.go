// Package wire implements the UDP sensor protocol codec (spec §4.1):
// HELLO, DATA, CMD (carrying identify or sync_clock), ACK, and DATA_ACK frames, all
// little-endian, sharing a 2-byte (type, version) header followed by a
// 6-byte client id.
//
// Grounded on internal/lidar/parser.go's style of fixed-layout binary
// packet parsing with named byte-offset constants and explicit
// size-validation errors, and on
// internal/lidar/network/foreground_forwarder.go's encodePointsAsPackets
// for the encode direction of the same kind of codec.
package wire

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

// FrameType identifies the wire frame kind, byte 0 of every frame.
type FrameType uint8

const (
	TypeHello   FrameType = 1
	TypeData    FrameType = 2
	TypeCmd     FrameType = 3
	TypeAck     FrameType = 4
	TypeDataAck FrameType = 5
)

// CurrentVersion is the only protocol version this codec emits. Parse
// accepts it and rejects anything else with ErrUnsupportedVersion.
const CurrentVersion uint8 = 1

// CmdID identifies a control-plane command body within a CMD frame
// (spec §4.4).
type CmdID uint8

const (
	CmdIdentify  CmdID = 1
	CmdSyncClock CmdID = 2
)

// AckStatus is the single status byte carried by an ACK frame.
type AckStatus uint8

const (
	AckOK    AckStatus = 0
	AckError AckStatus = 1
)

// ClientID is the 6-byte stable sensor id (hardware MAC), per spec §3.
type ClientID [6]byte

// String renders a ClientID as lowercase colon-separated hex, the
// inverse of ParseClientIDHex.
func (id ClientID) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", id[0], id[1], id[2], id[3], id[4], id[5])
}

// ParseClientIDHex parses a hex-encoded MAC (with or without ':'
// separators) into a ClientID, for admin/debug surfaces that accept
// sensor ids as human-typed text.
func ParseClientIDHex(s string) (ClientID, error) {
	var id ClientID
	clean := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == ':' || s[i] == '-' {
			continue
		}
		clean = append(clean, s[i])
	}
	b, err := hex.DecodeString(string(clean))
	if err != nil {
		return id, fmt.Errorf("wire: invalid client id %q: %w", s, err)
	}
	if len(b) != clientIDSize {
		return id, fmt.Errorf("wire: client id %q must decode to %d bytes, got %d", s, clientIDSize, len(b))
	}
	copy(id[:], b)
	return id, nil
}

const (
	headerSize   = 2 // type, version
	clientIDSize = 6

	// MaxNameLen and MaxFirmwareLen bound the u8 length-prefixed strings
	// in HELLO, per spec §4.1 ("names/firmware capped at 255 each").
	MaxNameLen     = 255
	MaxFirmwareLen = 255

	// MaxDataSamples bounds DATA's sample_count so a frame never exceeds
	// a conservative single-UDP-datagram MTU budget (1472 bytes for a
	// standard Ethernet path, spec §4.1 "sample_count capped by MTU
	// budget"). Per-sample cost is 6 bytes (3 x int16 axes); the fixed
	// DATA overhead is header(2) + client id(6) + seq(4) + t0(8) +
	// sample_count(2) = 22 bytes.
	MaxDataSamples = (1472 - headerSize - clientIDSize - 4 - 8 - 2) / 6
)

var (
	ErrShortBuffer        = errors.New("wire: buffer too short")
	ErrUnknownType        = errors.New("wire: unknown frame type")
	ErrUnsupportedVersion = errors.New("wire: unsupported protocol version")
	ErrLengthMismatch     = errors.New("wire: declared length does not match buffer")
	ErrPayloadTooLong     = errors.New("wire: payload exceeds maximum length")
	ErrUnknownCmd         = errors.New("wire: unknown command id")
)

// Frame is the sum type produced by Parse and consumed by Encode.
// Exactly one of the embedded pointers is non-nil.
type Frame struct {
	Hello   *HelloFrame
	Data    *DataFrame
	Cmd     *CmdFrame
	Ack     *AckFrame
	DataAck *DataAckFrame
}

// Type returns the frame's wire type.
func (f Frame) Type() (FrameType, error) {
	switch {
	case f.Hello != nil:
		return TypeHello, nil
	case f.Data != nil:
		return TypeData, nil
	case f.Cmd != nil:
		return TypeCmd, nil
	case f.Ack != nil:
		return TypeAck, nil
	case f.DataAck != nil:
		return TypeDataAck, nil
	default:
		return 0, fmt.Errorf("wire: empty frame")
	}
}

// HelloFrame announces sensor identity and capability (spec §4.1 type 1).
type HelloFrame struct {
	ClientID           ClientID
	ControlPort        uint16
	SampleRateHz       uint16
	Name               string
	Firmware           string
	QueueOverflowDrops uint32
}

// DataFrame carries one batch of interleaved XYZ samples (spec §4.1
// type 2). XYZ has exactly 3*len(samples) int16 values: x0,y0,z0,x1,...
type DataFrame struct {
	ClientID ClientID
	Seq      uint32
	T0Us     uint64
	XYZ      []int16
}

// SampleCount returns the number of XYZ triples in the frame.
func (d *DataFrame) SampleCount() int { return len(d.XYZ) / 3 }

// CmdFrame is a control-plane command (spec §4.1 type 3, §4.4).
// Only the fields relevant to CmdID are populated by Parse; Encode
// only emits the fields relevant to CmdID.
type CmdFrame struct {
	ClientID ClientID
	CmdID    CmdID
	CmdSeq   uint32

	// DurationMs is used by CmdIdentify.
	DurationMs uint16
	// ServerTimeUs is used by CmdSyncClock.
	ServerTimeUs uint64
}

// AckFrame correlates a prior CmdFrame by CmdSeq (spec §4.1 type 4).
type AckFrame struct {
	ClientID ClientID
	CmdSeq   uint32
	Status   AckStatus
}

// DataAckFrame acknowledges receipt of a DataFrame by sequence number
// (spec §4.1 type 5).
type DataAckFrame struct {
	ClientID ClientID
	SeqEcho  uint32
}

// Parse decodes a single UDP datagram into a Frame. All errors are
// recoverable per spec §4.1 — the caller drops the datagram and bumps
// a counter.
func Parse(b []byte) (Frame, error) {
	if len(b) < headerSize+clientIDSize {
		return Frame{}, ErrShortBuffer
	}
	typ := FrameType(b[0])
	version := b[1]
	if version != CurrentVersion {
		return Frame{}, ErrUnsupportedVersion
	}

	var id ClientID
	copy(id[:], b[headerSize:headerSize+clientIDSize])
	body := b[headerSize+clientIDSize:]

	switch typ {
	case TypeHello:
		return parseHello(id, body)
	case TypeData:
		return parseData(id, body)
	case TypeCmd:
		return parseCmd(id, body)
	case TypeAck:
		return parseAck(id, body)
	case TypeDataAck:
		return parseDataAck(id, body)
	default:
		return Frame{}, ErrUnknownType
	}
}

func parseHello(id ClientID, b []byte) (Frame, error) {
	// control_port(2) + sample_rate_hz(2) + name_len(1)
	if len(b) < 5 {
		return Frame{}, ErrShortBuffer
	}
	controlPort := binary.LittleEndian.Uint16(b[0:2])
	sampleRate := binary.LittleEndian.Uint16(b[2:4])
	nameLen := int(b[4])
	off := 5
	if len(b) < off+nameLen+1 {
		return Frame{}, ErrShortBuffer
	}
	name := string(b[off : off+nameLen])
	off += nameLen

	fwLen := int(b[off])
	off++
	if len(b) < off+fwLen+4 {
		return Frame{}, ErrShortBuffer
	}
	fw := string(b[off : off+fwLen])
	off += fwLen

	drops := binary.LittleEndian.Uint32(b[off : off+4])
	off += 4
	if off != len(b) {
		return Frame{}, ErrLengthMismatch
	}

	return Frame{Hello: &HelloFrame{
		ClientID:           id,
		ControlPort:        controlPort,
		SampleRateHz:       sampleRate,
		Name:               name,
		Firmware:           fw,
		QueueOverflowDrops: drops,
	}}, nil
}

func parseData(id ClientID, b []byte) (Frame, error) {
	// seq(4) + t0_us(8) + sample_count(2)
	const fixed = 4 + 8 + 2
	if len(b) < fixed {
		return Frame{}, ErrShortBuffer
	}
	seq := binary.LittleEndian.Uint32(b[0:4])
	t0 := binary.LittleEndian.Uint64(b[4:12])
	sampleCount := binary.LittleEndian.Uint16(b[12:14])

	if int(sampleCount) > MaxDataSamples {
		return Frame{}, ErrPayloadTooLong
	}
	if sampleCount == 0 {
		return Frame{}, fmt.Errorf("wire: %w: sample_count must be >= 1", ErrLengthMismatch)
	}

	want := fixed + int(sampleCount)*3*2
	if len(b) != want {
		return Frame{}, ErrLengthMismatch
	}

	xyz := make([]int16, int(sampleCount)*3)
	off := fixed
	for i := range xyz {
		xyz[i] = int16(binary.LittleEndian.Uint16(b[off : off+2]))
		off += 2
	}

	return Frame{Data: &DataFrame{ClientID: id, Seq: seq, T0Us: t0, XYZ: xyz}}, nil
}

func parseCmd(id ClientID, b []byte) (Frame, error) {
	// cmd_id(1) + cmd_seq(4) + params...
	if len(b) < 5 {
		return Frame{}, ErrShortBuffer
	}
	cmdID := CmdID(b[0])
	cmdSeq := binary.LittleEndian.Uint32(b[1:5])
	params := b[5:]

	f := &CmdFrame{ClientID: id, CmdID: cmdID, CmdSeq: cmdSeq}
	switch cmdID {
	case CmdIdentify:
		if len(params) != 2 {
			return Frame{}, ErrLengthMismatch
		}
		f.DurationMs = binary.LittleEndian.Uint16(params)
	case CmdSyncClock:
		if len(params) != 8 {
			return Frame{}, ErrLengthMismatch
		}
		f.ServerTimeUs = binary.LittleEndian.Uint64(params)
	default:
		return Frame{}, ErrUnknownCmd
	}
	return Frame{Cmd: f}, nil
}

func parseAck(id ClientID, b []byte) (Frame, error) {
	if len(b) != 5 {
		if len(b) < 5 {
			return Frame{}, ErrShortBuffer
		}
		return Frame{}, ErrLengthMismatch
	}
	cmdSeq := binary.LittleEndian.Uint32(b[0:4])
	status := AckStatus(b[4])
	return Frame{Ack: &AckFrame{ClientID: id, CmdSeq: cmdSeq, Status: status}}, nil
}

func parseDataAck(id ClientID, b []byte) (Frame, error) {
	if len(b) != 4 {
		if len(b) < 4 {
			return Frame{}, ErrShortBuffer
		}
		return Frame{}, ErrLengthMismatch
	}
	return Frame{DataAck: &DataAckFrame{ClientID: id, SeqEcho: binary.LittleEndian.Uint32(b)}}, nil
}

// Encode serializes a Frame back to its wire form. Encode(Parse(b))
// == b for any b that Parse accepted (spec §8 round-trip invariant).
func Encode(f Frame) ([]byte, error) {
	typ, err := f.Type()
	if err != nil {
		return nil, err
	}

	var id ClientID
	var body []byte
	switch typ {
	case TypeHello:
		id = f.Hello.ClientID
		body, err = encodeHello(f.Hello)
	case TypeData:
		id = f.Data.ClientID
		body, err = encodeData(f.Data)
	case TypeCmd:
		id = f.Cmd.ClientID
		body, err = encodeCmd(f.Cmd)
	case TypeAck:
		id = f.Ack.ClientID
		body, err = encodeAck(f.Ack)
	case TypeDataAck:
		id = f.DataAck.ClientID
		body, err = encodeDataAck(f.DataAck)
	}
	if err != nil {
		return nil, err
	}

	out := make([]byte, headerSize+clientIDSize+len(body))
	out[0] = byte(typ)
	out[1] = CurrentVersion
	copy(out[headerSize:], id[:])
	copy(out[headerSize+clientIDSize:], body)
	return out, nil
}

func encodeHello(h *HelloFrame) ([]byte, error) {
	if len(h.Name) > MaxNameLen {
		return nil, fmt.Errorf("wire: name: %w", ErrPayloadTooLong)
	}
	if len(h.Firmware) > MaxFirmwareLen {
		return nil, fmt.Errorf("wire: firmware: %w", ErrPayloadTooLong)
	}
	buf := make([]byte, 0, 9+len(h.Name)+len(h.Firmware))
	var tmp [4]byte
	binary.LittleEndian.PutUint16(tmp[0:2], h.ControlPort)
	binary.LittleEndian.PutUint16(tmp[2:4], h.SampleRateHz)
	buf = append(buf, tmp[:4]...)
	buf = append(buf, byte(len(h.Name)))
	buf = append(buf, h.Name...)
	buf = append(buf, byte(len(h.Firmware)))
	buf = append(buf, h.Firmware...)
	var drops [4]byte
	binary.LittleEndian.PutUint32(drops[:], h.QueueOverflowDrops)
	buf = append(buf, drops[:]...)
	return buf, nil
}

func encodeData(d *DataFrame) ([]byte, error) {
	if d.SampleCount() == 0 || d.SampleCount() > MaxDataSamples {
		return nil, fmt.Errorf("wire: sample_count=%d: %w", d.SampleCount(), ErrPayloadTooLong)
	}
	buf := make([]byte, 4+8+2+len(d.XYZ)*2)
	binary.LittleEndian.PutUint32(buf[0:4], d.Seq)
	binary.LittleEndian.PutUint64(buf[4:12], d.T0Us)
	binary.LittleEndian.PutUint16(buf[12:14], uint16(d.SampleCount()))
	off := 14
	for _, v := range d.XYZ {
		binary.LittleEndian.PutUint16(buf[off:off+2], uint16(v))
		off += 2
	}
	return buf, nil
}

func encodeCmd(c *CmdFrame) ([]byte, error) {
	buf := make([]byte, 5)
	buf[0] = byte(c.CmdID)
	binary.LittleEndian.PutUint32(buf[1:5], c.CmdSeq)
	switch c.CmdID {
	case CmdIdentify:
		var p [2]byte
		binary.LittleEndian.PutUint16(p[:], c.DurationMs)
		buf = append(buf, p[:]...)
	case CmdSyncClock:
		var p [8]byte
		binary.LittleEndian.PutUint64(p[:], c.ServerTimeUs)
		buf = append(buf, p[:]...)
	default:
		return nil, ErrUnknownCmd
	}
	return buf, nil
}

func encodeAck(a *AckFrame) ([]byte, error) {
	buf := make([]byte, 5)
	binary.LittleEndian.PutUint32(buf[0:4], a.CmdSeq)
	buf[4] = byte(a.Status)
	return buf, nil
}

func encodeDataAck(a *DataAckFrame) ([]byte, error) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, a.SeqEcho)
	return buf, nil
}
