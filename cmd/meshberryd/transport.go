package main

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"

	"github.com/nodakmesh/meshberry/internal/config"
	"github.com/nodakmesh/meshberry/internal/mesh"
)

// lanTransport is a development-grade mesh transport over UDP broadcast.
// It stands in for the LoRa radio stack: identity, shared secrets,
// datagram encryption, flood dissemination with a hop path, duplicate
// suppression and forwarding all live here, behind the engine's
// Transport interface.
//
// Wire format, one UDP datagram per packet:
//
//	[0]   header: bit7 route (0 flood, 1 direct), bits0-3 payload type
//	[1]   ttl
//	[2]   path length n
//	[3:]  path (n hop hash bytes), then the payload
const (
	maxHops     = 16
	defaultTTL  = 8
	seenSetSize = 256
)

type lanTransport struct {
	log  zerolog.Logger
	conn *net.UDPConn
	dest *net.UDPAddr

	priv [32]byte
	pub  [32]byte

	channels []config.ChannelConfig

	seen     [seenSetSize]uint32
	seenNext int

	// Digests of datagrams this node itself put on the wire. A broadcast
	// socket hears its own transmissions; a radio never would, so those
	// loopback copies are dropped before any engine hook sees them.
	sent     [seenSetSize]uint32
	sentNext int

	inbound chan []byte
}

func newLANTransport(log zerolog.Logger, listenAddr, broadcastAddr string,
	channels []config.ChannelConfig) (*lanTransport, error) {
	laddr, err := net.ResolveUDPAddr("udp4", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve listen addr: %w", err)
	}
	dest, err := net.ResolveUDPAddr("udp4", broadcastAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve broadcast addr: %w", err)
	}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen: %w", err)
	}

	t := &lanTransport{
		log:      log.With().Str("component", "transport").Logger(),
		conn:     conn,
		dest:     dest,
		channels: channels,
		inbound:  make(chan []byte, 64),
	}
	if _, err := rand.Read(t.priv[:]); err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: identity keygen: %w", err)
	}
	pub, err := curve25519.X25519(t.priv[:], curve25519.Basepoint)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: identity keygen: %w", err)
	}
	copy(t.pub[:], pub)

	go t.readLoop()
	return t, nil
}

func (t *lanTransport) Close() error { return t.conn.Close() }

// Inbound exposes raw datagrams for the foreground loop to dispatch.
func (t *lanTransport) Inbound() <-chan []byte { return t.inbound }

func (t *lanTransport) readLoop() {
	buf := make([]byte, 2048)
	for {
		n, _, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			close(t.inbound)
			return
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		select {
		case t.inbound <- pkt:
		default:
			t.log.Debug().Msg("inbound queue full, dropping packet")
		}
	}
}

// ---- mesh.Transport ----

func (t *lanTransport) SelfPubKey() [32]byte { return t.pub }

func (t *lanTransport) IdentityHash(pub [32]byte) [8]byte {
	sum := sha256.Sum256(pub[:])
	var out [8]byte
	copy(out[:], sum[:8])
	return out
}

func (t *lanTransport) SharedSecret(peerPub [32]byte) ([32]byte, error) {
	raw, err := curve25519.X25519(t.priv[:], peerPub[:])
	if err != nil {
		return [32]byte{}, fmt.Errorf("transport: ecdh: %w", err)
	}
	var out [32]byte
	copy(out[:], raw)
	return out, nil
}

func (t *lanTransport) ChannelHash(secret [32]byte) uint8 {
	sum := sha256.Sum256(secret[:])
	return sum[0]
}

func (t *lanTransport) SendFloodDatagram(ptype mesh.PayloadType, peerPub, secret [32]byte, payload []byte) error {
	body, err := t.sealPeerPayload(peerPub, secret, payload)
	if err != nil {
		return err
	}
	return t.broadcast(ptype, false, nil, body)
}

func (t *lanTransport) SendDirectDatagram(ptype mesh.PayloadType, peerPub, secret [32]byte, payload []byte, path []byte) error {
	body, err := t.sealPeerPayload(peerPub, secret, payload)
	if err != nil {
		return err
	}
	return t.broadcast(ptype, true, path, body)
}

func (t *lanTransport) SendAnonDatagram(ptype mesh.PayloadType, peerPub, secret [32]byte, payload []byte) error {
	// Anonymous requests carry our public key in the clear so the
	// receiver can derive the secret without having seen us.
	cipher, err := seal(secret, payload)
	if err != nil {
		return err
	}
	peerHash := t.IdentityHash(peerPub)
	body := make([]byte, 0, 1+32+len(cipher))
	body = append(body, peerHash[0])
	body = append(body, t.pub[:]...)
	body = append(body, cipher...)
	return t.broadcast(ptype, false, nil, body)
}

func (t *lanTransport) SendGroupDatagram(ptype mesh.PayloadType, channelHash uint8, secret [32]byte, payload []byte) error {
	cipher, err := seal(secret, payload)
	if err != nil {
		return err
	}
	body := append([]byte{channelHash}, cipher...)
	return t.broadcast(ptype, false, nil, body)
}

func (t *lanTransport) SendRawBroadcast(payload []byte) error {
	return t.broadcast(mesh.PayloadReq, false, nil, payload)
}

func (t *lanTransport) SendAck(ackTag uint32) error {
	var body [4]byte
	binary.LittleEndian.PutUint32(body[:], ackTag)
	return t.broadcast(mesh.PayloadAck, false, nil, body[:])
}

func (t *lanTransport) SendPathReturn(peerPub, secret [32]byte, path []byte, extraType mesh.PayloadType, extra []byte) error {
	inner := make([]byte, 0, 2+len(path)+1+len(extra))
	inner = append(inner, byte(len(path)))
	inner = append(inner, path...)
	inner = append(inner, byte(extraType))
	inner = append(inner, extra...)
	body, err := t.sealPeerPayload(peerPub, secret, inner)
	if err != nil {
		return err
	}
	return t.broadcast(mesh.PayloadPath, false, nil, body)
}

func (t *lanTransport) SendAdvert(appData []byte) error {
	var ts [4]byte
	binary.LittleEndian.PutUint32(ts[:], uint32(time.Now().Unix()))
	body := make([]byte, 0, 32+4+len(appData))
	body = append(body, t.pub[:]...)
	body = append(body, ts[:]...)
	body = append(body, appData...)
	return t.broadcast(mesh.PayloadAdvert, false, nil, body)
}

func (t *lanTransport) DecryptGroup(secret [32]byte, ciphertext []byte) ([]byte, bool) {
	plain, err := open(secret, ciphertext)
	if err != nil {
		return nil, false
	}
	return plain, true
}

// sealPeerPayload prefixes the destination hash byte so receivers can
// route to the right peer table before decrypting.
func (t *lanTransport) sealPeerPayload(peerPub, secret [32]byte, payload []byte) ([]byte, error) {
	cipher, err := seal(secret, payload)
	if err != nil {
		return nil, err
	}
	peerHash := t.IdentityHash(peerPub)
	return append([]byte{peerHash[0]}, cipher...), nil
}

func (t *lanTransport) broadcast(ptype mesh.PayloadType, direct bool, path, body []byte) error {
	if len(path) > maxHops {
		path = path[:maxHops]
	}
	header := byte(ptype) & 0x0F
	if direct {
		header |= 0x80
	}
	pkt := make([]byte, 0, 3+len(path)+len(body))
	pkt = append(pkt, header, defaultTTL, byte(len(path)))
	pkt = append(pkt, path...)
	pkt = append(pkt, body...)

	t.markSent(pkt)
	if _, err := t.conn.WriteToUDP(pkt, t.dest); err != nil {
		return fmt.Errorf("transport: send: %w", err)
	}
	return nil
}

// ---- inbound dispatch (runs on the foreground loop) ----

// Dispatch decodes one raw datagram and drives the engine hooks in the
// order the transport contract promises: flood filter, dedup, raw
// intercept, then the typed hook.
func (t *lanTransport) Dispatch(e *mesh.Engine, pkt []byte) {
	if len(pkt) < 3 {
		return
	}
	if t.isSelfOrigin(pkt) {
		return
	}
	header, ttl, pathLen := pkt[0], pkt[1], int(pkt[2])
	if len(pkt) < 3+pathLen {
		return
	}
	info := mesh.PacketInfo{
		RouteDirect: header&0x80 != 0,
		Path:        pkt[3 : 3+pathLen],
	}
	ptype := mesh.PayloadType(header & 0x0F)
	payload := pkt[3+pathLen:]
	raw := mesh.RawPacket{Info: info, PayloadType: ptype, Payload: payload}

	if info.RouteFlood() {
		if e.FilterRecvFloodPacket(raw) {
			return
		}
	}
	if t.hasSeen(pkt) {
		return
	}
	e.OnRecvPacket(raw)

	switch ptype {
	case mesh.PayloadAdvert:
		t.dispatchAdvert(e, info, payload)
	case mesh.PayloadGrpTxt:
		t.dispatchGroup(e, info, ptype, payload)
	case mesh.PayloadTxtMsg, mesh.PayloadResponse:
		t.dispatchPeer(e, info, ptype, payload)
	case mesh.PayloadAnonReq:
		t.dispatchAnon(e, info, payload)
	case mesh.PayloadAck:
		if info.RouteFlood() && len(payload) >= 4 {
			e.OnAckRecv(info, binary.LittleEndian.Uint32(payload[:4]))
		}
	case mesh.PayloadPath:
		t.dispatchPath(e, info, payload)
	case mesh.PayloadReq:
		// Raw broadcast, no addressee.
		if len(payload) > 0 {
			e.OnAnonDataRecv(info, ptype, [32]byte{}, payload)
		}
	}

	t.maybeForward(e, info, header, ttl, pkt)
}

func (t *lanTransport) dispatchAdvert(e *mesh.Engine, info mesh.PacketInfo, payload []byte) {
	if len(payload) < 36 {
		return
	}
	var pub [32]byte
	copy(pub[:], payload[:32])
	ts := binary.LittleEndian.Uint32(payload[32:36])
	e.OnAdvertRecv(info, pub, ts, payload[36:])
}

func (t *lanTransport) dispatchGroup(e *mesh.Engine, info mesh.PacketInfo, ptype mesh.PayloadType, payload []byte) {
	if len(payload) < 2 {
		return
	}
	channelHash := payload[0]
	for _, ch := range t.channels {
		secret := ch.SecretBytes()
		if t.ChannelHash(secret) != channelHash {
			continue
		}
		plain, err := open(secret, payload[1:])
		if err != nil {
			continue
		}
		e.OnGroupDataRecv(info, ptype, channelHash, plain)
		return
	}
}

func (t *lanTransport) dispatchPeer(e *mesh.Engine, info mesh.PacketInfo, ptype mesh.PayloadType, payload []byte) {
	if len(payload) < 2 {
		return
	}
	selfHash := t.IdentityHash(t.pub)
	if payload[0] != selfHash[0] {
		return
	}
	// The hop path identifies the sender; the engine resolves it to a
	// peer table and hands back the decryption secret.
	if e.SearchPeersByHash(info.Path) == 0 && e.SearchPeersByHash(payload[:1]) == 0 {
		return
	}
	secret, ok := e.PeerSharedSecret()
	if !ok {
		return
	}
	plain, err := open(secret, payload[1:])
	if err != nil {
		t.log.Debug().Msg("peer payload decrypt failed")
		return
	}
	e.OnPeerDataRecv(info, ptype, plain)
}

func (t *lanTransport) dispatchAnon(e *mesh.Engine, info mesh.PacketInfo, payload []byte) {
	if len(payload) < 33 {
		return
	}
	selfHash := t.IdentityHash(t.pub)
	if payload[0] != selfHash[0] {
		return
	}
	var senderPub [32]byte
	copy(senderPub[:], payload[1:33])
	secret, err := t.SharedSecret(senderPub)
	if err != nil {
		return
	}
	plain, err := open(secret, payload[33:])
	if err != nil {
		return
	}
	e.OnAnonDataRecv(info, mesh.PayloadAnonReq, senderPub, plain)
}

func (t *lanTransport) dispatchPath(e *mesh.Engine, info mesh.PacketInfo, payload []byte) {
	if len(payload) < 2 {
		return
	}
	selfHash := t.IdentityHash(t.pub)
	if payload[0] != selfHash[0] {
		return
	}
	if e.SearchPeersByHash(info.Path) == 0 {
		return
	}
	secret, ok := e.PeerSharedSecret()
	if !ok {
		return
	}
	plain, err := open(secret, payload[1:])
	if err != nil {
		return
	}
	if len(plain) < 2 {
		return
	}
	pathLen := int(plain[0])
	if len(plain) < 1+pathLen+1 {
		return
	}
	path := plain[1 : 1+pathLen]
	extraType := mesh.PayloadType(plain[1+pathLen])
	extra := plain[1+pathLen+1:]
	e.OnPeerPathRecv(info, path, extraType, extra)
}

// maybeForward relays flood traffic with our hop hash appended.
func (t *lanTransport) maybeForward(e *mesh.Engine, info mesh.PacketInfo, header, ttl byte, pkt []byte) {
	if info.RouteDirect || ttl == 0 {
		return
	}
	if !e.AllowPacketForward(info) {
		return
	}
	if len(info.Path) >= maxHops {
		return
	}
	selfHash := t.IdentityHash(t.pub)
	pathLen := int(pkt[2])
	out := make([]byte, 0, len(pkt)+1)
	out = append(out, header, ttl-1, byte(pathLen+1))
	out = append(out, pkt[3:3+pathLen]...)
	out = append(out, selfHash[0])
	out = append(out, pkt[3+pathLen:]...)
	t.markSent(out)
	if _, err := t.conn.WriteToUDP(out, t.dest); err != nil {
		t.log.Debug().Err(err).Msg("forward failed")
	}
}

// hasSeen is the duplicate filter: a small ring of packet digests.
func (t *lanTransport) hasSeen(pkt []byte) bool {
	digest := packetDigest(pkt)
	for _, s := range t.seen {
		if s == digest {
			return true
		}
	}
	t.seen[t.seenNext] = digest
	t.seenNext = (t.seenNext + 1) % seenSetSize
	return false
}

func (t *lanTransport) markSent(pkt []byte) {
	t.sent[t.sentNext] = packetDigest(pkt)
	t.sentNext = (t.sentNext + 1) % seenSetSize
}

// isSelfOrigin matches a datagram byte-for-byte against our own recent
// transmissions. A relayed copy has an appended hop and decremented ttl,
// so it never matches and still reaches the flood filter.
func (t *lanTransport) isSelfOrigin(pkt []byte) bool {
	digest := packetDigest(pkt)
	for _, s := range t.sent {
		if s == digest {
			return true
		}
	}
	return false
}

func packetDigest(pkt []byte) uint32 {
	sum := sha256.Sum256(pkt)
	return binary.LittleEndian.Uint32(sum[:4])
}

// ---- AEAD helpers ----

func seal(secret [32]byte, plain []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(secret[:])
	if err != nil {
		return nil, fmt.Errorf("transport: aead init: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("transport: nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plain, nil), nil
}

func open(secret [32]byte, box []byte) ([]byte, error) {
	if len(box) < chacha20poly1305.NonceSize {
		return nil, fmt.Errorf("transport: ciphertext too short")
	}
	aead, err := chacha20poly1305.New(secret[:])
	if err != nil {
		return nil, fmt.Errorf("transport: aead init: %w", err)
	}
	plain, err := aead.Open(nil, box[:chacha20poly1305.NonceSize], box[chacha20poly1305.NonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("transport: decrypt: %w", err)
	}
	return plain, nil
}
