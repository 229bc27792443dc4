package ssh

import "fmt"

// SSH message numbers. Collected from RFC 4253 (transport), RFC 4252
// (userauth), RFC 4254 (connection), RFC 4419 (group exchange) and
// RFC 5656 (ECDH); the kex numbers 30..34 are reused between methods.
const (
	msgDisconnect     = 1
	msgIgnore         = 2
	msgUnimplemented  = 3
	msgDebug          = 4
	msgServiceRequest = 5
	msgServiceAccept  = 6

	msgKexInit = 20
	msgNewKeys = 21

	msgKexDHInit      = 30
	msgKexDHReply     = 31
	msgKexECDHInit    = 30
	msgKexECDHReply   = 31
	msgKexGexGroup    = 31
	msgKexGexInit     = 32
	msgKexGexReply    = 33
	msgKexGexRequest  = 34

	msgUserAuthRequest      = 50
	msgUserAuthFailure      = 51
	msgUserAuthSuccess      = 52
	msgUserAuthBanner       = 53
	msgUserAuthPubKeyOk     = 60
	msgUserAuthInfoRequest  = 60
	msgUserAuthInfoResponse = 61

	msgGlobalRequest  = 80
	msgRequestSuccess = 81
	msgRequestFailure = 82

	msgChannelOpen         = 90
	msgChannelOpenConfirm  = 91
	msgChannelOpenFailure  = 92
	msgChannelWindowAdjust = 93
	msgChannelData         = 94
	msgChannelExtendedData = 95
	msgChannelEOF          = 96
	msgChannelClose        = 97
	msgChannelRequest      = 98
	msgChannelSuccess      = 99
	msgChannelFailure      = 100
)

// openMessage strips the expected message number from p and returns a
// buffer positioned at the message body.
func openMessage(p []byte, want byte) (*PacketBuffer, error) {
	if len(p) == 0 {
		return nil, errShortPacket
	}
	if p[0] != want {
		return nil, ProtocolError(fmt.Sprintf("got message %d, expected %d", p[0], want))
	}
	return NewPacketBuffer(p[1:]), nil
}

// kexNegotiation carries the algorithm offers of one side's
// SSH_MSG_KEXINIT. See RFC 4253, section 7.1.
type kexNegotiation struct {
	cookie          [16]byte
	kexAlgos        []string
	hostKeyAlgos    []string
	ciphersCS       []string
	ciphersSC       []string
	macsCS          []string
	macsSC          []string
	compCS          []string
	compSC          []string
	langCS          []string
	langSC          []string
	firstKexFollows bool
}

func (m *kexNegotiation) encode() []byte {
	b := newMessage(msgKexInit)
	b.PutRaw(m.cookie[:])
	b.PutNameList(m.kexAlgos)
	b.PutNameList(m.hostKeyAlgos)
	b.PutNameList(m.ciphersCS)
	b.PutNameList(m.ciphersSC)
	b.PutNameList(m.macsCS)
	b.PutNameList(m.macsSC)
	b.PutNameList(m.compCS)
	b.PutNameList(m.compSC)
	b.PutNameList(m.langCS)
	b.PutNameList(m.langSC)
	b.PutBool(m.firstKexFollows)
	b.PutUint32(0) // reserved
	return b.Packet()
}

func parseKexNegotiation(p []byte) (*kexNegotiation, error) {
	b, err := openMessage(p, msgKexInit)
	if err != nil {
		return nil, err
	}
	m := &kexNegotiation{}
	copy(m.cookie[:], b.take(16))
	m.kexAlgos = b.NameList()
	m.hostKeyAlgos = b.NameList()
	m.ciphersCS = b.NameList()
	m.ciphersSC = b.NameList()
	m.macsCS = b.NameList()
	m.macsSC = b.NameList()
	m.compCS = b.NameList()
	m.compSC = b.NameList()
	m.langCS = b.NameList()
	m.langSC = b.NameList()
	m.firstKexFollows = b.Bool()
	b.Uint32() // reserved
	if b.Err() != nil || !b.Empty() {
		return nil, ProtocolError("malformed KEXINIT")
	}
	return m, nil
}

// DisconnectError is the SSH_MSG_DISCONNECT a peer sent before closing
// the connection. See RFC 4253, section 11.1.
type DisconnectError struct {
	Reason      uint32
	Description string
}

func (d *DisconnectError) Error() string {
	return fmt.Sprintf("ssh: remote disconnected (reason %d): %s", d.Reason, d.Description)
}

func encodeDisconnect(reason uint32, desc string) []byte {
	b := newMessage(msgDisconnect)
	b.PutUint32(reason)
	b.PutString(desc)
	b.PutString("") // language tag
	return b.Packet()
}

func parseDisconnect(p []byte) *DisconnectError {
	b, err := openMessage(p, msgDisconnect)
	if err != nil {
		return &DisconnectError{Description: "malformed disconnect"}
	}
	d := &DisconnectError{Reason: b.Uint32()}
	d.Description = safeString(b.String())
	return d
}

func encodeServiceMsg(t byte, service string) []byte {
	b := newMessage(t)
	b.PutString(service)
	return b.Packet()
}

func parseServiceMsg(p []byte, t byte) (string, error) {
	b, err := openMessage(p, t)
	if err != nil {
		return "", err
	}
	s := b.String()
	if b.Err() != nil {
		return "", b.Err()
	}
	return s, nil
}

// channelOpenInfo is a parsed SSH_MSG_CHANNEL_OPEN. See RFC 4254,
// section 5.1.
type channelOpenInfo struct {
	chanType  string
	senderID  uint32
	window    uint32
	maxPacket uint32
	extra     []byte
}

func parseChannelOpen(p []byte) (*channelOpenInfo, error) {
	b, err := openMessage(p, msgChannelOpen)
	if err != nil {
		return nil, err
	}
	o := &channelOpenInfo{
		chanType:  b.String(),
		senderID:  b.Uint32(),
		window:    b.Uint32(),
		maxPacket: b.Uint32(),
	}
	o.extra = b.Rest()
	if b.Err() != nil {
		return nil, b.Err()
	}
	return o, nil
}

func encodeChannelOpen(chanType string, senderID, window, maxPacket uint32, extra []byte) []byte {
	b := newMessage(msgChannelOpen)
	b.PutString(chanType)
	b.PutUint32(senderID)
	b.PutUint32(window)
	b.PutUint32(maxPacket)
	b.PutRaw(extra)
	return b.Packet()
}

func encodeOpenConfirm(peerID, localID, window, maxPacket uint32) []byte {
	b := newMessage(msgChannelOpenConfirm)
	b.PutUint32(peerID)
	b.PutUint32(localID)
	b.PutUint32(window)
	b.PutUint32(maxPacket)
	return b.Packet()
}

func encodeOpenFailure(peerID uint32, reason RejectionReason, desc string) []byte {
	b := newMessage(msgChannelOpenFailure)
	b.PutUint32(peerID)
	b.PutUint32(uint32(reason))
	b.PutString(desc)
	b.PutString("en")
	return b.Packet()
}

// encodeChannelID covers the fixed one-id messages: EOF, close,
// request success and request failure.
func encodeChannelID(t byte, peerID uint32) []byte {
	b := newMessage(t)
	b.PutUint32(peerID)
	return b.Packet()
}

func encodeWindowAdjust(peerID, grant uint32) []byte {
	b := newMessage(msgChannelWindowAdjust)
	b.PutUint32(peerID)
	b.PutUint32(grant)
	return b.Packet()
}

func encodeChannelData(peerID uint32, payload []byte) []byte {
	b := newMessage(msgChannelData)
	b.PutUint32(peerID)
	b.PutBytes(payload)
	return b.Packet()
}

func encodeExtendedData(peerID, code uint32, payload []byte) []byte {
	b := newMessage(msgChannelExtendedData)
	b.PutUint32(peerID)
	b.PutUint32(code)
	b.PutBytes(payload)
	return b.Packet()
}

func encodeChannelRequest(peerID uint32, name string, wantReply bool, payload []byte) []byte {
	b := newMessage(msgChannelRequest)
	b.PutUint32(peerID)
	b.PutString(name)
	b.PutBool(wantReply)
	b.PutRaw(payload)
	return b.Packet()
}

func encodeGlobalRequest(name string, wantReply bool, payload []byte) []byte {
	b := newMessage(msgGlobalRequest)
	b.PutString(name)
	b.PutBool(wantReply)
	b.PutRaw(payload)
	return b.Packet()
}
