package ssh

import (
	"bytes"
	"io"
	"sync"
	"testing"
	"time"
)

func TestCreditTakeAndGrant(t *testing.T) {
	c := newCredit(10)
	n, err := c.take(4)
	if err != nil || n != 4 {
		t.Fatalf("take = %d, %v", n, err)
	}
	n, err = c.take(100)
	if err != nil || n != 6 {
		t.Fatalf("take of remainder = %d, %v", n, err)
	}
	if !c.grant(3) {
		t.Fatal("grant refused")
	}
	n, err = c.take(1)
	if err != nil || n != 1 {
		t.Fatalf("take after grant = %d, %v", n, err)
	}
}

func TestCreditBlocksAtZero(t *testing.T) {
	c := newCredit(0)
	got := make(chan uint32, 1)
	go func() {
		n, _ := c.take(5)
		got <- n
	}()
	select {
	case n := <-got:
		t.Fatalf("take returned %d with no credit", n)
	case <-time.After(10 * time.Millisecond):
	}
	c.grant(2)
	if n := <-got; n != 2 {
		t.Errorf("unblocked take = %d, want 2", n)
	}
}

func TestCreditOverflowRefused(t *testing.T) {
	c := newCredit(1 << 31)
	if c.grant(1 << 31) {
		t.Error("overflowing grant accepted")
	}
}

func TestCreditFailUnblocks(t *testing.T) {
	c := newCredit(0)
	done := make(chan error, 1)
	go func() {
		_, err := c.take(1)
		done <- err
	}()
	time.Sleep(5 * time.Millisecond)
	c.fail(io.EOF)
	if err := <-done; err != io.EOF {
		t.Errorf("blocked take got %v, want EOF", err)
	}
}

// collectSender records everything a channel core sends.
type collectSender struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (s *collectSender) send(p []byte) error {
	s.mu.Lock()
	s.msgs = append(s.msgs, p)
	s.mu.Unlock()
	return nil
}

func (s *collectSender) byType(num byte) [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out [][]byte
	for _, m := range s.msgs {
		if m[0] == num {
			out = append(out, m)
		}
	}
	return out
}

func TestChannelCoreDataOrderAndEOF(t *testing.T) {
	sender := &collectSender{}
	core := newChannelCore(sender.send)
	core.connect(3, 1024, 256)

	core.pushData([]byte("first "), false)
	core.pushData([]byte("second"), false)
	core.markEOF()

	buf := make([]byte, 64)
	var got []byte
	for {
		n, err := core.readStream(false, buf)
		got = append(got, buf[:n]...)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("readStream: %v", err)
		}
	}
	if string(got) != "first second" {
		t.Errorf("got %q", got)
	}
}

func TestChannelCoreWindowOverflowIsFatal(t *testing.T) {
	core := newChannelCore((&collectSender{}).send)
	core.connect(3, 1024, 256)
	core.localWindow = 4
	if err := core.pushData([]byte("12345"), false); err == nil {
		t.Error("window overrun not reported")
	}
}

func TestChannelCoreReplenishesWindow(t *testing.T) {
	sender := &collectSender{}
	core := newChannelCore(sender.send)
	core.connect(3, 1024, 256)

	// Feed and consume just past half of the advertised window; a
	// WINDOW_ADJUST for the consumed amount must go out.
	chunk := make([]byte, 32*1024)
	total := 0
	buf := make([]byte, len(chunk))
	for total <= channelWindowSize/2 {
		if err := core.pushData(append([]byte{}, chunk...), false); err != nil {
			t.Fatalf("pushData: %v", err)
		}
		n, err := core.readStream(false, buf)
		if err != nil {
			t.Fatalf("readStream: %v", err)
		}
		total += n
	}

	adjusts := sender.byType(msgChannelWindowAdjust)
	if len(adjusts) == 0 {
		t.Fatal("no WINDOW_ADJUST sent after consuming half the window")
	}
	b := NewPacketBuffer(adjusts[0][1:])
	if id := b.Uint32(); id != 3 {
		t.Errorf("adjust addressed to %d", id)
	}
	if grant := b.Uint32(); int(grant) < channelWindowSize/2 {
		t.Errorf("grant = %d, want at least half the window", grant)
	}
}

func TestChannelCoreWriteSplitsPackets(t *testing.T) {
	sender := &collectSender{}
	core := newChannelCore(sender.send)
	core.connect(9, 1<<20, 100)

	payload := bytes.Repeat([]byte{0x42}, 350)
	n, err := core.writeData(append([]byte{}, payload...), false)
	if err != nil || n != len(payload) {
		t.Fatalf("writeData = %d, %v", n, err)
	}

	var reassembled []byte
	for _, m := range sender.byType(msgChannelData) {
		b := NewPacketBuffer(m[1:])
		if id := b.Uint32(); id != 9 {
			t.Fatalf("data addressed to %d", id)
		}
		part := b.Bytes()
		if len(part) > 100 {
			t.Errorf("chunk of %d bytes exceeds the peer's maximum", len(part))
		}
		reassembled = append(reassembled, part...)
	}
	if !bytes.Equal(reassembled, payload) {
		t.Error("reassembled stream differs from the original")
	}
}

func TestChannelCoreWriteBlocksOnWindow(t *testing.T) {
	sender := &collectSender{}
	core := newChannelCore(sender.send)
	core.connect(1, 8, 1<<15) // tiny send window

	done := make(chan struct{})
	go func() {
		core.writeData(make([]byte, 64), false)
		close(done)
	}()
	select {
	case <-done:
		t.Fatal("write finished without window credit")
	case <-time.After(10 * time.Millisecond):
	}
	core.adjustPeerWindow(1024)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("write still blocked after window adjust")
	}
}

func TestChannelTableLifecycle(t *testing.T) {
	table := newChannelTable()
	a := newChannelCore((&collectSender{}).send)
	b := newChannelCore((&collectSender{}).send)
	table.add(a)
	table.add(b)
	if a.localID == b.localID {
		t.Fatal("duplicate local ids")
	}
	if table.lookup(a.localID) != a || table.lookup(b.localID) != b {
		t.Fatal("lookup mismatch")
	}

	// The close handshake frees the id once both sides have sent
	// CLOSE.
	a.peerID = 77
	if done, _ := a.requestClose(); done {
		t.Error("close reported done before the peer's CLOSE")
	}
	if handled, err := table.dispatch(encodeChannelID(msgChannelClose, a.localID)); !handled || err != nil {
		t.Fatalf("dispatch(close): %v %v", handled, err)
	}
	if table.lookup(a.localID) != nil {
		t.Error("local id still allocated after both CLOSEs")
	}
	if table.lookup(b.localID) != b {
		t.Error("unrelated channel was dropped")
	}
}

func TestChannelDispatchIgnoresUnknownIDs(t *testing.T) {
	table := newChannelTable()
	handled, err := table.dispatch(encodeChannelID(msgChannelClose, 42))
	if !handled || err != nil {
		t.Errorf("close for unknown channel: handled=%v err=%v", handled, err)
	}
}

func TestChannelDispatchReassemblesRequests(t *testing.T) {
	table := newChannelTable()
	core := newChannelCore((&collectSender{}).send)
	table.add(core)

	// As sent by a peer, the request addresses our local id.
	payload := []byte{0, 0, 0, 15}
	msg := encodeChannelRequest(core.localID, "exit-status", false, payload)
	if handled, err := table.dispatch(msg); !handled || err != nil {
		t.Fatalf("dispatch: %v %v", handled, err)
	}

	req, ok := core.nextRequest()
	if !ok {
		t.Fatal("request not delivered")
	}
	if req.Request != "exit-status" || !bytes.Equal(req.Payload, payload) {
		t.Errorf("request = %+v", req)
	}
}
