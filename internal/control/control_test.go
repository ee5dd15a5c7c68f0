package control

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/skamba/vibesense/internal/health"
	"github.com/skamba/vibesense/internal/registry"
	"github.com/skamba/vibesense/internal/timeutil"
	"github.com/skamba/vibesense/internal/wire"
)

type recordingSender struct {
	sent []sentFrame
}

type sentFrame struct {
	b    []byte
	addr *net.UDPAddr
}

func (s *recordingSender) SendTo(b []byte, addr *net.UDPAddr) error {
	s.sent = append(s.sent, sentFrame{b: b, addr: addr})
	return nil
}

func testAddr(port int) net.IP { return net.IPv4(127, 0, 0, 1) }

func TestIdentifyRoundTripSuccess(t *testing.T) {
	reg := registry.New(10*time.Second, nil)
	id := wire.ClientID{1, 2, 3, 4, 5, 6}
	reg.OnHello(&wire.HelloFrame{ClientID: id}, time.Now())

	sender := &recordingSender{}
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	c := New(sender, reg, health.New(), clock)
	c.UpdateAddr(id, testAddr(9001), 9001)

	resultCh := make(chan wire.AckStatus, 1)
	errCh := make(chan error, 1)
	go func() {
		status, err := c.Identify(context.Background(), id, 500)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- status
	}()

	// Let the goroutine register its pending entry before acking.
	time.Sleep(20 * time.Millisecond)
	if len(sender.sent) != 1 {
		t.Fatalf("expected one identify frame sent, got %d", len(sender.sent))
	}
	cmd, err := wire.Parse(sender.sent[0].b)
	if err != nil {
		t.Fatalf("sent frame did not parse: %v", err)
	}
	if cmd.Cmd == nil || cmd.Cmd.CmdID != wire.CmdIdentify {
		t.Fatalf("expected identify CMD, got %+v", cmd)
	}
	cf := cmd.Cmd

	c.OnAck(&wire.AckFrame{ClientID: id, CmdSeq: cf.CmdSeq, Status: wire.AckOK})

	select {
	case status := <-resultCh:
		if status != wire.AckOK {
			t.Fatalf("status = %v, want AckOK", status)
		}
	case err := <-errCh:
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Identify to return")
	}
}

func TestIdentifyTimesOutWithoutAck(t *testing.T) {
	reg := registry.New(10*time.Second, nil)
	id := wire.ClientID{9, 9, 9, 9, 9, 9}
	reg.OnHello(&wire.HelloFrame{ClientID: id}, time.Now())

	sender := &recordingSender{}
	clock := timeutil.NewMockClock(time.Unix(0, 0))
	h := health.New()
	c := New(sender, reg, h, clock)
	c.UpdateAddr(id, testAddr(9001), 9001)

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Identify(context.Background(), id, 500)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	clock.Advance(2 * time.Second)

	select {
	case err := <-errCh:
		if err != ErrTimeout {
			t.Fatalf("err = %v, want ErrTimeout", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for Identify to time out")
	}
}

func TestIdentifyUnknownAddressErrors(t *testing.T) {
	reg := registry.New(10*time.Second, nil)
	c := New(&recordingSender{}, reg, health.New(), nil)
	_, err := c.Identify(context.Background(), wire.ClientID{1}, 100)
	if err == nil {
		t.Fatal("expected error for sensor with no known control address")
	}
}

func TestBroadcastSyncClockSendsToEveryActiveSensor(t *testing.T) {
	reg := registry.New(10*time.Second, nil)
	idA, idB := wire.ClientID{1}, wire.ClientID{2}
	reg.OnHello(&wire.HelloFrame{ClientID: idA}, time.Now())
	reg.OnHello(&wire.HelloFrame{ClientID: idB}, time.Now())

	sender := &recordingSender{}
	c := New(sender, reg, health.New(), nil)
	c.UpdateAddr(idA, testAddr(9001), 9001)
	c.UpdateAddr(idB, testAddr(9001), 9001)

	c.BroadcastSyncClock(123456)
	if len(sender.sent) != 2 {
		t.Fatalf("expected sync_clock sent to both sensors, got %d", len(sender.sent))
	}
}

func TestOnAckForUnknownSeqIsIgnored(t *testing.T) {
	reg := registry.New(10*time.Second, nil)
	c := New(&recordingSender{}, reg, health.New(), nil)
	// Should not panic or block.
	c.OnAck(&wire.AckFrame{ClientID: wire.ClientID{1}, CmdSeq: 999, Status: wire.AckOK})
}
