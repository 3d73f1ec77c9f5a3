package mesh

import (
	"crypto/sha256"
	"encoding/binary"
	"testing"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/nodakmesh/meshberry/internal/config"
	"github.com/nodakmesh/meshberry/internal/mesh/directory"
	"github.com/nodakmesh/meshberry/internal/mesh/dm"
	"github.com/nodakmesh/meshberry/internal/mesh/repeater"
	"github.com/nodakmesh/meshberry/internal/testutil/testlog"
)

type sentDatagram struct {
	ptype   PayloadType
	direct  bool
	payload []byte
	path    []byte
}

// fakeTransport answers identity queries deterministically and records
// every send. Group "encryption" is the identity function so the flood
// filter path can be exercised without real crypto.
type fakeTransport struct {
	self      [32]byte
	datagrams []sentDatagram
	acks      []uint32
	pathRets  []sentDatagram
	adverts   [][]byte
	groups    []sentDatagram
	raw       [][]byte
}

func (f *fakeTransport) SelfPubKey() [32]byte { return f.self }

func (f *fakeTransport) IdentityHash(pub [32]byte) [8]byte {
	sum := sha256.Sum256(pub[:])
	var out [8]byte
	copy(out[:], sum[:8])
	return out
}

func (f *fakeTransport) SharedSecret(peerPub [32]byte) ([32]byte, error) {
	var out [32]byte
	for i := range out {
		out[i] = f.self[i] ^ peerPub[i]
	}
	return out, nil
}

func (f *fakeTransport) SendFloodDatagram(ptype PayloadType, peerPub, secret [32]byte, payload []byte) error {
	f.datagrams = append(f.datagrams, sentDatagram{ptype: ptype, payload: append([]byte(nil), payload...)})
	return nil
}

func (f *fakeTransport) SendDirectDatagram(ptype PayloadType, peerPub, secret [32]byte, payload []byte, path []byte) error {
	f.datagrams = append(f.datagrams, sentDatagram{
		ptype: ptype, direct: true,
		payload: append([]byte(nil), payload...),
		path:    append([]byte(nil), path...),
	})
	return nil
}

func (f *fakeTransport) SendAnonDatagram(ptype PayloadType, peerPub, secret [32]byte, payload []byte) error {
	f.datagrams = append(f.datagrams, sentDatagram{ptype: ptype, payload: append([]byte(nil), payload...)})
	return nil
}

func (f *fakeTransport) SendGroupDatagram(ptype PayloadType, channelHash uint8, secret [32]byte, payload []byte) error {
	f.groups = append(f.groups, sentDatagram{ptype: ptype, payload: append([]byte(nil), payload...)})
	return nil
}

func (f *fakeTransport) SendRawBroadcast(payload []byte) error {
	f.raw = append(f.raw, append([]byte(nil), payload...))
	return nil
}

func (f *fakeTransport) SendAck(ackTag uint32) error {
	f.acks = append(f.acks, ackTag)
	return nil
}

func (f *fakeTransport) SendPathReturn(peerPub, secret [32]byte, path []byte, extraType PayloadType, extra []byte) error {
	f.pathRets = append(f.pathRets, sentDatagram{
		ptype:   extraType,
		payload: append([]byte(nil), extra...),
		path:    append([]byte(nil), path...),
	})
	return nil
}

func (f *fakeTransport) SendAdvert(appData []byte) error {
	f.adverts = append(f.adverts, append([]byte(nil), appData...))
	return nil
}

func (f *fakeTransport) DecryptGroup(secret [32]byte, ciphertext []byte) ([]byte, bool) {
	return ciphertext, true
}

func (f *fakeTransport) ChannelHash(secret [32]byte) uint8 { return secret[0] }

type recordingEvents struct {
	NopEvents
	nodes    []directory.NodeInfo
	channels []string
	dms      []string
	repeats  []int
	reports  []bool
}

func (e *recordingEvents) OnNodeDiscovered(node directory.NodeInfo) {
	e.nodes = append(e.nodes, node)
}

func (e *recordingEvents) OnChannelMessage(channelIdx int, text string, timestamp uint32, hops uint8) {
	e.channels = append(e.channels, text)
}

func (e *recordingEvents) OnDirectMessage(contactID uint32, sender, text string, timestamp uint32) {
	e.dms = append(e.dms, text)
}

func (e *recordingEvents) OnChannelRepeat(channelIdx int, contentHash uint32, count int) {
	e.repeats = append(e.repeats, count)
}

func (e *recordingEvents) OnDeliveryReport(contactID, ackTag uint32, delivered bool, attempts int) {
	e.reports = append(e.reports, delivered)
}

func testKey(b byte) [32]byte {
	var k [32]byte
	k[0] = b
	return k
}

func testConfig() config.NodeConfig {
	cfg := config.DefaultNodeConfig()
	cfg.Name = "TestNode"
	cfg.Channels = []config.ChannelConfig{
		{Name: "general", Secret: "4141414141414141414141414141414141414141414141414141414141414141"},
	}
	return cfg
}

func newTestEngine(t *testing.T) (*Engine, *fakeTransport, *recordingEvents, *clock.Mock) {
	t.Helper()
	testlog.Start(t)
	mock := clock.NewMock()
	transport := &fakeTransport{self: testKey(0xAA)}
	events := &recordingEvents{}
	e := NewEngine(log.Logger, mock, testConfig(), transport, events)
	return e, transport, events, mock
}

func advertise(e *Engine, transport *fakeTransport, pub [32]byte, name string, nodeType directory.NodeType) uint32 {
	appData := BuildAdvert(nodeType, name, false, 0, 0)
	e.OnAdvertRecv(PacketInfo{}, pub, 1000, appData)
	hash := transport.IdentityHash(pub)
	return binary.LittleEndian.Uint32(hash[:4])
}

func TestAdvertPopulatesDirectory(t *testing.T) {
	e, transport, events, _ := newTestEngine(t)

	pub := testKey(1)
	id := advertise(e, transport, pub, "alice", directory.NodeTypeChat)

	node, ok := e.Directory().NodeByID(id)
	if !ok {
		t.Fatalf("advertised node missing from directory")
	}
	if node.Name != "alice" || node.Type != directory.NodeTypeChat {
		t.Fatalf("node = %+v", node)
	}
	if !node.HasPubKey() {
		t.Fatalf("advert pubkey not retained")
	}
	if len(events.nodes) != 1 {
		t.Fatalf("node events = %d, want 1", len(events.nodes))
	}
}

func TestSendDirectMessageCreatesPeerLazily(t *testing.T) {
	e, transport, _, _ := newTestEngine(t)
	id := advertise(e, transport, testKey(1), "alice", directory.NodeTypeChat)

	tag, ok := e.SendDirectMessage(id, "hello alice")
	if !ok || tag == 0 {
		t.Fatalf("send failed: tag=%d ok=%v", tag, ok)
	}
	if len(transport.datagrams) != 1 {
		t.Fatalf("datagrams = %d, want 1", len(transport.datagrams))
	}
	d := transport.datagrams[0]
	if d.ptype != PayloadTxtMsg || d.direct {
		t.Fatalf("dm datagram = %+v", d)
	}
	if got := string(d.payload[5:]); got != "hello alice" {
		t.Fatalf("dm text = %q", got)
	}

	// Unknown contacts are refused before any slot is reserved.
	if _, ok := e.SendDirectMessage(0xDEAD, "hi"); ok {
		t.Fatalf("send to unknown contact accepted")
	}
}

func TestDirectAckInterception(t *testing.T) {
	e, transport, events, _ := newTestEngine(t)
	id := advertise(e, transport, testKey(1), "alice", directory.NodeTypeChat)

	tag, ok := e.SendDirectMessage(id, "hello")
	if !ok {
		t.Fatalf("send failed")
	}

	selfHash := transport.IdentityHash(e.SelfPubKey())
	var payload [4]byte
	binary.LittleEndian.PutUint32(payload[:], tag)
	e.OnRecvPacket(RawPacket{
		Info:        PacketInfo{RouteDirect: true, Path: []byte{selfHash[0]}},
		PayloadType: PayloadAck,
		Payload:     payload[:],
	})

	if len(events.reports) != 1 || !events.reports[0] {
		t.Fatalf("delivery reports = %v, want one success", events.reports)
	}
	if e.PendingDMs() != 0 {
		t.Fatalf("pending slot not freed by intercepted ack")
	}

	// A direct ack addressed to someone else is left alone.
	tag2, _ := e.SendDirectMessage(id, "again")
	binary.LittleEndian.PutUint32(payload[:], tag2)
	e.OnRecvPacket(RawPacket{
		Info:        PacketInfo{RouteDirect: true, Path: []byte{^selfHash[0]}},
		PayloadType: PayloadAck,
		Payload:     payload[:],
	})
	if e.PendingDMs() != 1 {
		t.Fatalf("foreign ack consumed our pending slot")
	}
}

func TestMultipartAckInterception(t *testing.T) {
	e, transport, events, _ := newTestEngine(t)
	id := advertise(e, transport, testKey(1), "alice", directory.NodeTypeChat)

	tag, _ := e.SendDirectMessage(id, "hello")
	selfHash := transport.IdentityHash(e.SelfPubKey())

	payload := make([]byte, 5)
	payload[0] = byte(PayloadAck) & 0x0F
	binary.LittleEndian.PutUint32(payload[1:], tag)
	e.OnRecvPacket(RawPacket{
		Info:        PacketInfo{RouteDirect: true, Path: []byte{selfHash[0]}},
		PayloadType: PayloadMultipart,
		Payload:     payload,
	})

	if len(events.reports) != 1 || !events.reports[0] {
		t.Fatalf("multipart ack not intercepted")
	}
}

func TestChannelRoundTripAndRepeatDetection(t *testing.T) {
	e, transport, events, _ := newTestEngine(t)

	if !e.SendToChannel(0, "hello mesh") {
		t.Fatalf("channel send failed")
	}
	if len(transport.groups) != 1 {
		t.Fatalf("group datagrams = %d, want 1", len(transport.groups))
	}
	sent := transport.groups[0].payload
	if got := string(sent[5:]); got != "TestNode: hello mesh" {
		t.Fatalf("channel body = %q", got)
	}

	// The mesh echoes our own message back: the pre-dedup filter feeds
	// the repeat tracker and never filters.
	echo := append([]byte{0x41}, sent...) // channel hash byte then ciphertext
	for i := 1; i <= 3; i++ {
		filtered := e.FilterRecvFloodPacket(RawPacket{
			Info:        PacketInfo{Path: []byte{0x01}},
			PayloadType: PayloadGrpTxt,
			Payload:     echo,
		})
		if filtered {
			t.Fatalf("repeat filter claimed the packet")
		}
		if len(events.repeats) != i || events.repeats[i-1] != i {
			t.Fatalf("repeat counts = %v after echo %d", events.repeats, i)
		}
	}

	// Someone else's message on the channel is delivered, not counted.
	body := []byte{0, 0, 0, 0, 0}
	body = append(body, "bob: hi all"...)
	e.OnGroupDataRecv(PacketInfo{Path: []byte{0x01, 0x02}}, PayloadGrpTxt, 0x41, body)
	if len(events.channels) != 1 || events.channels[0] != "bob: hi all" {
		t.Fatalf("channel messages = %v", events.channels)
	}
	if len(events.repeats) != 3 {
		t.Fatalf("foreign message incremented repeat count")
	}
}

func TestInboundDMAckedViaPathReturn(t *testing.T) {
	e, transport, events, _ := newTestEngine(t)
	peerPub := testKey(1)
	advertise(e, transport, peerPub, "alice", directory.NodeTypeChat)

	// Flood-routed DM from alice. Resolving the hash lazily creates the
	// peer from the directory.
	hash := transport.IdentityHash(peerPub)
	if e.SearchPeersByHash(hash[:1]) != 1 {
		t.Fatalf("peer hash did not resolve")
	}

	payload := make([]byte, 5, 5+2)
	binary.LittleEndian.PutUint32(payload[:4], 7777)
	payload = append(payload, "yo"...)
	floodPath := []byte{0x10, 0x20}
	e.OnPeerDataRecv(PacketInfo{Path: floodPath}, PayloadTxtMsg, payload)

	if len(events.dms) != 1 || events.dms[0] != "yo" {
		t.Fatalf("dm events = %v", events.dms)
	}
	// Flood DMs are acked with a path return carrying the tag.
	if len(transport.pathRets) != 1 {
		t.Fatalf("path returns = %d, want 1", len(transport.pathRets))
	}
	ret := transport.pathRets[0]
	if ret.ptype != PayloadAck {
		t.Fatalf("path return extra type = %02X", ret.ptype)
	}
	wantTag := dm.AckTag(7777, 0, "yo", peerPub)
	if got := binary.LittleEndian.Uint32(ret.payload[:4]); got != wantTag {
		t.Fatalf("ack tag = %08X, want %08X", got, wantTag)
	}
	if len(transport.acks) != 0 {
		t.Fatalf("flood dm also sent a bare ack")
	}
}

func TestSearchPeersPrefersRepeaterSession(t *testing.T) {
	e, transport, _, _ := newTestEngine(t)
	repPub := testKey(9)
	id := advertise(e, transport, repPub, "Hilltop", directory.NodeTypeRepeater)

	if err := e.SendRepeaterLogin(id, "pw"); err != nil {
		t.Fatalf("SendRepeaterLogin: %v", err)
	}
	if e.RepeaterState() != repeater.LoginPending {
		t.Fatalf("state = %v", e.RepeaterState())
	}

	hash := transport.IdentityHash(repPub)
	if e.SearchPeersByHash(hash[:1]) != 1 {
		t.Fatalf("repeater hash did not resolve")
	}
	secret, ok := e.PeerSharedSecret()
	if !ok {
		t.Fatalf("no secret for matched repeater")
	}
	wantSecret, _ := transport.SharedSecret(repPub)
	if secret != wantSecret {
		t.Fatalf("repeater secret mismatch")
	}

	// A login response arriving through the peer-data hook connects.
	resp := make([]byte, 8)
	resp[4] = 0
	resp[7] = 3
	e.OnPeerDataRecv(PacketInfo{}, PayloadResponse, resp)
	if e.RepeaterState() != repeater.Connected {
		t.Fatalf("login response did not connect: %v", e.RepeaterState())
	}
}

func TestForwardingGate(t *testing.T) {
	e, _, _, _ := newTestEngine(t)

	if !e.AllowPacketForward(PacketInfo{RouteDirect: true}) {
		t.Fatalf("direct packet not forwarded")
	}
	if !e.AllowPacketForward(PacketInfo{}) {
		t.Fatalf("flood packet not forwarded with forwarding on")
	}
	e.SetForwarding(false)
	if e.AllowPacketForward(PacketInfo{}) {
		t.Fatalf("flood packet forwarded with forwarding off")
	}
	if !e.AllowPacketForward(PacketInfo{RouteDirect: true}) {
		t.Fatalf("forwarding flag gated a direct packet")
	}
}

func TestBroadcastRecordedInHistory(t *testing.T) {
	e, transport, events, _ := newTestEngine(t)

	if !e.SendBroadcast("anyone out there") {
		t.Fatalf("broadcast failed")
	}
	if len(transport.raw) != 1 {
		t.Fatalf("raw broadcasts = %d", len(transport.raw))
	}
	if e.Directory().MessageCount() != 1 {
		t.Fatalf("broadcast missing from history")
	}
	msg, _ := e.Directory().Message(0)
	if !msg.Outgoing || msg.Delivered {
		t.Fatalf("history entry = %+v", msg)
	}
	if len(events.reports) != 0 && len(events.channels) != 0 {
		t.Fatalf("broadcast produced stray events")
	}

	if e.SendBroadcast("") {
		t.Fatalf("empty broadcast accepted")
	}
}

func TestAdvertisementUsesCurrentName(t *testing.T) {
	e, transport, _, _ := newTestEngine(t)

	if err := e.SetNodeName("Basecamp"); err != nil {
		t.Fatalf("SetNodeName: %v", err)
	}
	if err := e.SendAdvertisement(); err != nil {
		t.Fatalf("SendAdvertisement: %v", err)
	}
	adv, ok := ParseAdvert(transport.adverts[0])
	if !ok {
		t.Fatalf("own advert unparseable")
	}
	if adv.Name != "Basecamp" || adv.Type != directory.NodeTypeChat {
		t.Fatalf("advert = %+v", adv)
	}
}
