package mesh

// PayloadType is the transport's application payload type nibble.
type PayloadType uint8

const (
	PayloadReq       PayloadType = 0x00
	PayloadResponse  PayloadType = 0x01
	PayloadTxtMsg    PayloadType = 0x02
	PayloadAck       PayloadType = 0x03
	PayloadAdvert    PayloadType = 0x04
	PayloadGrpTxt    PayloadType = 0x05
	PayloadGrpData   PayloadType = 0x06
	PayloadAnonReq   PayloadType = 0x07
	PayloadPath      PayloadType = 0x08
	PayloadTrace     PayloadType = 0x09
	PayloadMultipart PayloadType = 0x0A
)

// PacketInfo carries the transport-level facts a hook may need: routing
// mode, the hop path accumulated so far, and link quality.
type PacketInfo struct {
	RouteDirect bool
	Path        []byte
	RSSI        int16
	SNR         float32
}

// RouteFlood reports whether the packet arrived via flood dissemination.
func (p PacketInfo) RouteFlood() bool { return !p.RouteDirect }

// RawPacket is an undecrypted packet as seen ahead of the transport's own
// dispatch, for the interception hooks.
type RawPacket struct {
	Info        PacketInfo
	PayloadType PayloadType
	Payload     []byte
}

// Transport is the external mesh layer: identity, encryption, framing and
// flood routing all live behind it. The engine only shapes payloads.
type Transport interface {
	SelfPubKey() [32]byte
	// IdentityHash is the transport's hash of a node public key; the
	// first bytes key every peer table.
	IdentityHash(pub [32]byte) [8]byte
	// SharedSecret derives the ECDH secret between us and a peer.
	SharedSecret(peerPub [32]byte) ([32]byte, error)

	SendFloodDatagram(ptype PayloadType, peerPub, secret [32]byte, payload []byte) error
	SendDirectDatagram(ptype PayloadType, peerPub, secret [32]byte, payload []byte, path []byte) error
	// SendAnonDatagram carries our public key in the clear so a node
	// that has never seen us can still derive the secret.
	SendAnonDatagram(ptype PayloadType, peerPub, secret [32]byte, payload []byte) error
	SendGroupDatagram(ptype PayloadType, channelHash uint8, secret [32]byte, payload []byte) error
	SendRawBroadcast(payload []byte) error
	SendAck(ackTag uint32) error
	// SendPathReturn hands the sender its route back to us, with an
	// optional piggybacked payload.
	SendPathReturn(peerPub, secret [32]byte, path []byte, extraType PayloadType, extra []byte) error
	SendAdvert(appData []byte) error

	// DecryptGroup attempts channel decryption of a raw group payload.
	DecryptGroup(secret [32]byte, ciphertext []byte) ([]byte, bool)
	// ChannelHash is the transport's one-byte hash of a channel secret.
	ChannelHash(secret [32]byte) uint8
}
