package wire

import (
	"bytes"
	"errors"
	"testing"
)

func sampleClientID() ClientID {
	return ClientID{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
}

func TestRoundTripHello(t *testing.T) {
	f := Frame{Hello: &HelloFrame{
		ClientID:           sampleClientID(),
		ControlPort:        9001,
		SampleRateHz:       800,
		Name:               "FL",
		Firmware:           "1.2.3",
		QueueOverflowDrops: 0,
	}}
	b, err := Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Parse(b)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	b2, err := Encode(got)
	if err != nil {
		t.Fatalf("re-encode: %v", err)
	}
	if !bytes.Equal(b, b2) {
		t.Fatalf("round trip not bit-exact: %x != %x", b, b2)
	}
	if got.Hello.Name != "FL" || got.Hello.Firmware != "1.2.3" {
		t.Fatalf("unexpected decoded hello: %+v", got.Hello)
	}
}

func TestRoundTripData(t *testing.T) {
	f := Frame{Data: &DataFrame{
		ClientID: sampleClientID(),
		Seq:      1,
		T0Us:     0,
		XYZ:      []int16{1000, 0, 0},
	}}
	b, err := Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Parse(b)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Data.SampleCount() != 1 {
		t.Fatalf("sample count = %d, want 1", got.Data.SampleCount())
	}
	b2, _ := Encode(got)
	if !bytes.Equal(b, b2) {
		t.Fatalf("round trip not bit-exact")
	}
}

func TestRoundTripCmdIdentify(t *testing.T) {
	f := Frame{Cmd: &CmdFrame{ClientID: sampleClientID(), CmdID: CmdIdentify, CmdSeq: 7, DurationMs: 500}}
	b, err := Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Parse(b)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Cmd.DurationMs != 500 || got.Cmd.CmdSeq != 7 {
		t.Fatalf("unexpected decoded cmd: %+v", got.Cmd)
	}
}

func TestRoundTripCmdSyncClock(t *testing.T) {
	f := Frame{Cmd: &CmdFrame{ClientID: sampleClientID(), CmdID: CmdSyncClock, CmdSeq: 9, ServerTimeUs: 123456789}}
	b, err := Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Parse(b)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Cmd.ServerTimeUs != 123456789 {
		t.Fatalf("unexpected decoded cmd: %+v", got.Cmd)
	}
}

func TestRoundTripAck(t *testing.T) {
	f := Frame{Ack: &AckFrame{ClientID: sampleClientID(), CmdSeq: 3, Status: AckOK}}
	b, _ := Encode(f)
	got, err := Parse(b)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.Ack.Status != AckOK || got.Ack.CmdSeq != 3 {
		t.Fatalf("unexpected decoded ack: %+v", got.Ack)
	}
}

func TestRoundTripDataAck(t *testing.T) {
	f := Frame{DataAck: &DataAckFrame{ClientID: sampleClientID(), SeqEcho: 42}}
	b, _ := Encode(f)
	got, err := Parse(b)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.DataAck.SeqEcho != 42 {
		t.Fatalf("unexpected decoded data_ack: %+v", got.DataAck)
	}
}

func TestParseShortBuffer(t *testing.T) {
	_, err := Parse([]byte{1})
	if !errors.Is(err, ErrShortBuffer) {
		t.Fatalf("want ErrShortBuffer, got %v", err)
	}
}

func TestParseUnknownType(t *testing.T) {
	b := make([]byte, 8)
	b[0] = 99
	b[1] = CurrentVersion
	_, err := Parse(b)
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("want ErrUnknownType, got %v", err)
	}
}

func TestParseUnsupportedVersion(t *testing.T) {
	b := make([]byte, 8)
	b[0] = byte(TypeHello)
	b[1] = 99
	_, err := Parse(b)
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("want ErrUnsupportedVersion, got %v", err)
	}
}

func TestParseDataLengthMismatch(t *testing.T) {
	f := Frame{Data: &DataFrame{ClientID: sampleClientID(), Seq: 1, XYZ: []int16{1, 2, 3}}}
	b, _ := Encode(f)
	// Truncate by one byte so the declared sample_count no longer
	// matches the remaining buffer.
	_, err := Parse(b[:len(b)-1])
	if !errors.Is(err, ErrLengthMismatch) {
		t.Fatalf("want ErrLengthMismatch, got %v", err)
	}
}

func TestParseDataZeroSamplesRejected(t *testing.T) {
	b := make([]byte, headerSize+clientIDSize+4+8+2)
	b[0] = byte(TypeData)
	b[1] = CurrentVersion
	_, err := Parse(b)
	if err == nil {
		t.Fatal("expected error for zero sample_count")
	}
}

func TestEncodeNameTooLong(t *testing.T) {
	f := Frame{Hello: &HelloFrame{ClientID: sampleClientID(), Name: string(make([]byte, 256))}}
	_, err := Encode(f)
	if !errors.Is(err, ErrPayloadTooLong) {
		t.Fatalf("want ErrPayloadTooLong, got %v", err)
	}
}

func TestEncodeDataTooManySamples(t *testing.T) {
	f := Frame{Data: &DataFrame{ClientID: sampleClientID(), XYZ: make([]int16, (MaxDataSamples+1)*3)}}
	_, err := Encode(f)
	if !errors.Is(err, ErrPayloadTooLong) {
		t.Fatalf("want ErrPayloadTooLong, got %v", err)
	}
}

func TestParseClientIDHexAcceptsColonSeparated(t *testing.T) {
	id, err := ParseClientIDHex("01:02:03:04:05:06")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != sampleClientID() {
		t.Fatalf("id = %x, want %x", id, sampleClientID())
	}
}

func TestParseClientIDHexRejectsWrongLength(t *testing.T) {
	if _, err := ParseClientIDHex("0102"); err == nil {
		t.Fatal("expected error for short id")
	}
}

func TestParseCmdUnknownID(t *testing.T) {
	f := Frame{Cmd: &CmdFrame{ClientID: sampleClientID(), CmdID: CmdIdentify, DurationMs: 10}}
	b, _ := Encode(f)
	b[headerSize+clientIDSize] = 99 // corrupt cmd_id
	_, err := Parse(b)
	if !errors.Is(err, ErrUnknownCmd) {
		t.Fatalf("want ErrUnknownCmd, got %v", err)
	}
}
