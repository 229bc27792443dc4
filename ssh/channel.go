package ssh

import (
	"errors"
	"io"
	"sync"
)

// The connection layer of RFC 4254: channels multiplexed over one
// transport, each with its own flow control window in every direction.
// Client and server sides share a single channel core; the differences
// live in thin wrappers.

// channelWindowSize is the receive window we advertise when opening or
// accepting a channel, and channelMaxPacket the largest payload we ask
// a peer to send in one data message.
const (
	channelWindowSize = 1 << 21
	channelMaxPacket  = 1 << 15
)

// extStderr is the extended data type code for stderr, RFC 4254
// section 5.2.
const extStderr = 1

// RejectionReason is the code carried by CHANNEL_OPEN_FAILURE, RFC
// 4254 section 5.1.
type RejectionReason uint32

const (
	Prohibited RejectionReason = iota + 1
	ConnectionFailed
	UnknownChannelType
	ResourceShortage
)

func (r RejectionReason) String() string {
	switch r {
	case Prohibited:
		return "administratively prohibited"
	case ConnectionFailed:
		return "connect failed"
	case UnknownChannelType:
		return "unknown channel type"
	case ResourceShortage:
		return "resource shortage"
	}
	return "unknown reason"
}

// OpenChannelError reports the peer's rejection of a channel open.
type OpenChannelError struct {
	Reason  RejectionReason
	Message string
}

func (e *OpenChannelError) Error() string {
	return "ssh: rejected: " + e.Reason.String() + " (" + e.Message + ")"
}

// ChannelRequest is an out-of-band request on a channel. The
// server-side Channel.Read returns it as an error value, which keeps
// requests ordered relative to the data stream.
type ChannelRequest struct {
	Request   string
	WantReply bool
	Payload   []byte
}

func (ChannelRequest) Error() string {
	return "ssh: channel request received"
}

// A Channel is an ordered, reliable, duplex stream multiplexed over an
// SSH connection, as handed out by ServerConn.Accept.
type Channel interface {
	// Accept confirms the channel open request.
	Accept() error
	// Reject declines it; no other method may be used afterwards.
	Reject(reason RejectionReason, message string) error

	// Read may return a ChannelRequest as its error.
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error

	// Stderr writes with the extended data type set to stderr.
	Stderr() io.Writer

	// AckRequest answers the most recent request that wanted a reply.
	AckRequest(ok bool) error

	// SendRequest issues an out-of-band request, e.g. exit-status.
	SendRequest(name string, wantReply bool, payload []byte) error

	// ChannelType and ExtraData echo the peer's open request.
	ChannelType() string
	ExtraData() []byte
}

// credit is the peer-advertised send window: a counter that senders
// draw down and WINDOW_ADJUST replenishes. Draws block at zero.
type credit struct {
	mu     sync.Mutex
	more   *sync.Cond
	amount uint32
	err    error
}

func newCredit(initial uint32) *credit {
	c := &credit{amount: initial}
	c.more = sync.NewCond(&c.mu)
	return c
}

// take blocks until at least one byte of credit exists, then consumes
// up to want.
func (c *credit) take(want uint32) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.amount == 0 && c.err == nil {
		c.more.Wait()
	}
	if c.err != nil {
		return 0, c.err
	}
	if want > c.amount {
		want = c.amount
	}
	c.amount -= want
	return want, nil
}

// grant adds credit. It refuses adjustments that would overflow the
// 32-bit window, which RFC 4254 section 5.2 forbids.
func (c *credit) grant(n uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.amount+n < c.amount {
		return false
	}
	c.amount += n
	c.more.Broadcast()
	return true
}

// fail unblocks takers permanently.
func (c *credit) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.more.Broadcast()
	c.mu.Unlock()
}

// dataQueue is an in-order queue of inbound payload chunks.
type dataQueue struct {
	chunks [][]byte
	eof    bool
}

func (q *dataQueue) empty() bool { return len(q.chunks) == 0 }

func (q *dataQueue) push(p []byte) {
	if len(p) > 0 {
		q.chunks = append(q.chunks, p)
	}
}

// pop copies queued bytes into p.
func (q *dataQueue) pop(p []byte) int {
	n := 0
	for n < len(p) && len(q.chunks) > 0 {
		c := copy(p[n:], q.chunks[0])
		n += c
		if c == len(q.chunks[0]) {
			q.chunks = q.chunks[1:]
		} else {
			q.chunks[0] = q.chunks[0][c:]
		}
	}
	return n
}

// channelCore is the state shared by both ends' views of a channel.
type channelCore struct {
	localID uint32
	peerID  uint32

	// send transmits one connection message. It is a capability
	// handed in by the owning connection, so the core needs no back
	// pointer to it.
	send func([]byte) error

	peerWindow    *credit
	peerMaxPacket uint32

	mu   sync.Mutex
	wake *sync.Cond

	stream    dataQueue // ordinary data
	errStream dataQueue // extended data type 1

	requests []ChannelRequest
	replies  []byte // reply message numbers for requests we sent

	// localWindow is what the peer may still send us; consumed counts
	// delivered bytes not yet re-granted.
	localWindow uint32
	consumed    uint32

	opened chan error // open outcome for channels we initiate

	sentEOF   bool
	sentClose bool
	gotClose  bool
	broken    error
}

func newChannelCore(send func([]byte) error) *channelCore {
	c := &channelCore{
		send:        send,
		localWindow: channelWindowSize,
		peerWindow:  newCredit(0),
		opened:      make(chan error, 1),
	}
	c.wake = sync.NewCond(&c.mu)
	return c
}

// connect records the peer's identifiers from an open or open-confirm.
func (c *channelCore) connect(peerID, window, maxPacket uint32) {
	c.peerID = peerID
	c.peerMaxPacket = maxPacket
	c.peerWindow.grant(window)
}

// fail poisons the channel when the connection dies.
func (c *channelCore) fail(err error) {
	c.mu.Lock()
	if c.broken == nil {
		c.broken = err
	}
	c.stream.eof = true
	c.errStream.eof = true
	c.wake.Broadcast()
	c.mu.Unlock()
	c.peerWindow.fail(err)
	select {
	case c.opened <- err:
	default:
	}
}

// pushData queues an inbound payload, accounting it against our
// receive window. A peer overrunning the window is a protocol
// violation and fatal to the connection.
func (c *channelCore) pushData(p []byte, ext bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if uint32(len(p)) > c.localWindow {
		return ProtocolError("peer overflowed the channel window")
	}
	c.localWindow -= uint32(len(p))
	if ext {
		c.errStream.push(p)
	} else {
		c.stream.push(p)
	}
	c.wake.Broadcast()
	return nil
}

func (c *channelCore) pushRequest(req ChannelRequest) {
	c.mu.Lock()
	c.requests = append(c.requests, req)
	c.wake.Broadcast()
	c.mu.Unlock()
}

func (c *channelCore) pushReply(msgNum byte) {
	c.mu.Lock()
	c.replies = append(c.replies, msgNum)
	c.wake.Broadcast()
	c.mu.Unlock()
}

// takeReply waits for the answer to a request we sent with WantReply.
func (c *channelCore) takeReply() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.replies) == 0 {
		if c.broken != nil {
			return false, c.broken
		}
		if c.gotClose {
			return false, errors.New("ssh: channel closed while awaiting reply")
		}
		c.wake.Wait()
	}
	r := c.replies[0]
	c.replies = c.replies[1:]
	return r == msgChannelSuccess, nil
}

func (c *channelCore) markEOF() {
	c.mu.Lock()
	c.stream.eof = true
	c.errStream.eof = true
	c.wake.Broadcast()
	c.mu.Unlock()
}

func (c *channelCore) markClose() {
	c.mu.Lock()
	c.gotClose = true
	c.stream.eof = true
	c.errStream.eof = true
	c.wake.Broadcast()
	c.mu.Unlock()
	c.peerWindow.fail(io.EOF)
}

func (c *channelCore) adjustPeerWindow(n uint32) bool {
	return c.peerWindow.grant(n)
}

// readStream delivers in-order bytes from one of the two inbound
// streams, granting the peer fresh window once half of ours has been
// consumed.
func (c *channelCore) readStream(ext bool, p []byte) (int, error) {
	q := &c.stream
	if ext {
		q = &c.errStream
	}

	c.mu.Lock()
	for q.empty() && !q.eof && c.broken == nil {
		c.wake.Wait()
	}
	if c.broken != nil && q.empty() {
		err := c.broken
		c.mu.Unlock()
		return 0, err
	}
	n := q.pop(p)
	if n == 0 && q.eof {
		c.mu.Unlock()
		return 0, io.EOF
	}
	grant := c.noteConsumedLocked(uint32(n))
	c.mu.Unlock()

	return n, c.sendWindowGrant(grant)
}

// readMixed is the server-side read: channel requests are surfaced as
// errors in between data, preserving their order relative to it.
func (c *channelCore) readMixed(p []byte) (int, error) {
	c.mu.Lock()
	for {
		if c.broken != nil && c.stream.empty() && len(c.requests) == 0 {
			err := c.broken
			c.mu.Unlock()
			return 0, err
		}
		if len(c.requests) > 0 {
			req := c.requests[0]
			c.requests = c.requests[1:]
			c.mu.Unlock()
			return 0, req
		}
		if !c.stream.empty() {
			n := c.stream.pop(p)
			grant := c.noteConsumedLocked(uint32(n))
			c.mu.Unlock()
			return n, c.sendWindowGrant(grant)
		}
		if c.stream.eof {
			c.mu.Unlock()
			return 0, io.EOF
		}
		c.wake.Wait()
	}
}

// noteConsumedLocked tracks delivered bytes and decides when to
// replenish the peer's view of our window: once more than half the
// initial window is outstanding. Caller holds mu; the grant itself
// must happen after unlocking.
func (c *channelCore) noteConsumedLocked(n uint32) uint32 {
	c.consumed += n
	if c.consumed < channelWindowSize/2 {
		return 0
	}
	grant := c.consumed
	c.consumed = 0
	c.localWindow += grant
	return grant
}

func (c *channelCore) sendWindowGrant(grant uint32) error {
	if grant == 0 {
		return nil
	}
	return c.send(encodeWindowAdjust(c.peerID, grant))
}

// writeData sends a payload as one or more DATA (or EXTENDED_DATA)
// messages, honoring both the peer's window and its maximum packet
// size.
func (c *channelCore) writeData(p []byte, ext bool) (int, error) {
	written := 0
	for len(p) > 0 {
		c.mu.Lock()
		closed := c.sentEOF || c.sentClose || c.gotClose
		err := c.broken
		c.mu.Unlock()
		if err != nil {
			return written, err
		}
		if closed {
			return written, io.EOF
		}

		chunk := uint32(len(p))
		if max := c.peerMaxPacket; max > 0 && chunk > max {
			chunk = max
		}
		n, err := c.peerWindow.take(chunk)
		if err != nil {
			return written, err
		}

		var msg []byte
		if ext {
			msg = encodeExtendedData(c.peerID, extStderr, p[:n])
		} else {
			msg = encodeChannelData(c.peerID, p[:n])
		}
		if err := c.send(msg); err != nil {
			return written, err
		}
		p = p[n:]
		written += int(n)
	}
	return written, nil
}

// closeWrite sends EOF once.
func (c *channelCore) closeWrite() error {
	c.mu.Lock()
	if c.sentEOF || c.sentClose {
		c.mu.Unlock()
		return nil
	}
	c.sentEOF = true
	c.mu.Unlock()
	return c.send(encodeChannelID(msgChannelEOF, c.peerID))
}

// requestClose sends CLOSE once and reports whether the channel is now
// fully closed (both sides have sent CLOSE).
func (c *channelCore) requestClose() (done bool, err error) {
	c.mu.Lock()
	if c.sentClose {
		done := c.gotClose
		c.mu.Unlock()
		return done, nil
	}
	c.sentClose = true
	done = c.gotClose
	c.mu.Unlock()
	return done, c.send(encodeChannelID(msgChannelClose, c.peerID))
}

func (c *channelCore) sendRequest(name string, wantReply bool, payload []byte) error {
	return c.send(encodeChannelRequest(c.peerID, name, wantReply, payload))
}

// channelTable tracks a connection's live channels. Local ids come
// from a monotonically increasing counter; an id is released once both
// sides have sent CLOSE.
type channelTable struct {
	mu    sync.Mutex
	next  uint32
	chans map[uint32]*channelCore
}

func newChannelTable() *channelTable {
	return &channelTable{chans: make(map[uint32]*channelCore)}
}

func (t *channelTable) add(c *channelCore) {
	t.mu.Lock()
	c.localID = t.next
	t.next++
	t.chans[c.localID] = c
	t.mu.Unlock()
}

func (t *channelTable) lookup(id uint32) *channelCore {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.chans[id]
}

func (t *channelTable) drop(id uint32) {
	t.mu.Lock()
	delete(t.chans, id)
	t.mu.Unlock()
}

func (t *channelTable) failAll(err error) {
	t.mu.Lock()
	cores := make([]*channelCore, 0, len(t.chans))
	for _, c := range t.chans {
		cores = append(cores, c)
	}
	t.mu.Unlock()
	for _, c := range cores {
		c.fail(err)
	}
}

// dispatch routes a channel-addressed message to its core. Unknown
// recipients are dropped: a late message for a closed channel is not
// an error. The bool result reports whether the message number was one
// this function handles.
func (t *channelTable) dispatch(p []byte) (bool, error) {
	switch p[0] {
	case msgChannelData, msgChannelExtendedData, msgChannelWindowAdjust,
		msgChannelEOF, msgChannelClose, msgChannelRequest,
		msgChannelSuccess, msgChannelFailure,
		msgChannelOpenConfirm, msgChannelOpenFailure:
	default:
		return false, nil
	}

	b := NewPacketBuffer(p[1:])
	id := b.Uint32()
	if b.Err() != nil {
		return true, b.Err()
	}
	c := t.lookup(id)
	if c == nil {
		return true, nil
	}

	switch p[0] {
	case msgChannelData:
		payload := b.Bytes()
		if b.Err() != nil {
			return true, b.Err()
		}
		return true, c.pushData(payload, false)

	case msgChannelExtendedData:
		code := b.Uint32()
		payload := b.Bytes()
		if b.Err() != nil {
			return true, b.Err()
		}
		// Only stderr is defined; other codes are discarded, RFC
		// 4254 section 5.2.
		if code == extStderr {
			return true, c.pushData(payload, true)
		}
		return true, nil

	case msgChannelWindowAdjust:
		grant := b.Uint32()
		if b.Err() != nil {
			return true, b.Err()
		}
		if !c.adjustPeerWindow(grant) {
			return true, ProtocolError("window adjust overflows")
		}
		return true, nil

	case msgChannelEOF:
		c.markEOF()
		return true, nil

	case msgChannelClose:
		c.markClose()
		c.mu.Lock()
		finished := c.sentClose
		c.mu.Unlock()
		if finished {
			t.drop(id)
		}
		return true, nil

	case msgChannelRequest:
		req := ChannelRequest{Request: b.String(), WantReply: b.Bool()}
		req.Payload = b.Rest()
		if b.Err() != nil {
			return true, b.Err()
		}
		c.pushRequest(req)
		return true, nil

	case msgChannelSuccess, msgChannelFailure:
		c.pushReply(p[0])
		return true, nil

	case msgChannelOpenConfirm:
		c.connect(b.Uint32(), b.Uint32(), b.Uint32())
		if b.Err() != nil {
			return true, b.Err()
		}
		select {
		case c.opened <- nil:
		default:
		}
		return true, nil

	case msgChannelOpenFailure:
		reason := RejectionReason(b.Uint32())
		desc := b.String()
		t.drop(id)
		select {
		case c.opened <- &OpenChannelError{reason, safeString(desc)}:
		default:
		}
		return true, nil
	}
	return true, nil
}
