// Package mesh is the session engine core: it owns the node directory,
// the channel repeat tracker, the DM delivery manager, the repeater admin
// session and the companion bridge, and wires them to the external mesh
// transport through the dispatch hooks.
//
// Everything here is confined to one foreground loop goroutine. The
// transport invokes the On*/Filter*/Allow* hooks synchronously from that
// loop; the host calls Tick once per pass to drive timeouts and the
// companion bridge.
package mesh

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/nodakmesh/meshberry/internal/companion"
	"github.com/nodakmesh/meshberry/internal/config"
	"github.com/nodakmesh/meshberry/internal/mesh/channel"
	"github.com/nodakmesh/meshberry/internal/mesh/directory"
	"github.com/nodakmesh/meshberry/internal/mesh/dm"
	"github.com/nodakmesh/meshberry/internal/mesh/repeater"
	"github.com/nodakmesh/meshberry/internal/observability"
)

const (
	txtTypePlain = 0
	txtTypeCLI   = 1
)

type channelEntry struct {
	name   string
	secret [32]byte
	hash   uint8
}

// matchKind remembers which table the last SearchPeersByHash hit, so the
// follow-up PeerSharedSecret and data hooks land on the right session.
type matchKind int

const (
	matchNone matchKind = iota
	matchRepeater
	matchDMPeer
)

// Engine is the application-level mesh session engine.
type Engine struct {
	log       zerolog.Logger
	clk       clock.Clock
	transport Transport
	events    Events

	nodeName   string
	selfPub    [32]byte
	forwarding bool

	dir     *directory.Directory
	tracker *channel.Tracker
	dms     *dm.Manager
	session *repeater.Session
	bridge  *companion.Bridge

	channels []channelEntry

	lastMatch matchKind
	lastPeer  *dm.Peer
}

func NewEngine(log zerolog.Logger, clk clock.Clock, cfg config.NodeConfig,
	transport Transport, events Events) *Engine {
	if events == nil {
		events = NopEvents{}
	}
	e := &Engine{
		log:        log.With().Str("component", "mesh").Logger(),
		clk:        clk,
		transport:  transport,
		events:     events,
		nodeName:   cfg.Name,
		selfPub:    transport.SelfPubKey(),
		forwarding: cfg.Forwarding,
		dir:        directory.New(log),
	}

	for _, ch := range cfg.Channels {
		secret := ch.SecretBytes()
		e.channels = append(e.channels, channelEntry{
			name:   ch.Name,
			secret: secret,
			hash:   transport.ChannelHash(secret),
		})
	}

	e.tracker = channel.NewTracker(log, clk, func(channelIdx int, contentHash uint32, count int) {
		observability.RecordChannelRepeat(e.nodeName, channelIdx)
		e.events.OnChannelRepeat(channelIdx, contentHash, count)
	})

	dmCfg := dm.Config{
		FloodTimeout:    cfg.Delivery.FloodTimeout.Std(),
		DirectTimeout:   cfg.Delivery.DirectTimeout.Std(),
		FloodRetries:    cfg.Delivery.FloodRetries,
		DirectRetryBase: cfg.Delivery.DirectRetryBase,
		DirectRetryCap:  cfg.Delivery.DirectRetryCap,
		PathTTL:         cfg.Delivery.PathTTL.Std(),
	}
	e.dms = dm.NewManager(log, clk, dmCfg, e.selfPub, dmRadio{e}, transport.IdentityHash,
		func(contactID, ackTag uint32, delivered bool, attempts int) {
			observability.RecordDMOutcome(e.nodeName, delivered)
			e.events.OnDeliveryReport(contactID, ackTag, delivered, attempts)
			if delivered && e.bridge != nil {
				e.bridge.NotifySendConfirmed(ackTag, 0)
			}
		})
	e.dms.OnRetry = func(contactID uint32, attempt int) {
		observability.RecordDMRetry(e.nodeName, "flood")
	}

	e.session = repeater.NewSession(log, clk, cfg.Repeater.LoginTimeout.Std(),
		repeaterRadio{e}, transport.SharedSecret, transport.IdentityHash,
		func(id uint32) string {
			if node, ok := e.dir.NodeByID(id); ok {
				return node.Name
			}
			return ""
		},
		e.events.OnLoginResult,
		e.events.OnCLIResponse,
	)
	return e
}

// dmRadio adapts the delivery manager onto the transport. DMs ride the
// text-message payload type on both routing modes.
type dmRadio struct{ e *Engine }

func (r dmRadio) SendFlood(peerPub, secret [32]byte, payload []byte) error {
	return r.e.transport.SendFloodDatagram(PayloadTxtMsg, peerPub, secret, payload)
}

func (r dmRadio) SendDirect(peerPub, secret [32]byte, payload []byte, path []byte) error {
	return r.e.transport.SendDirectDatagram(PayloadTxtMsg, peerPub, secret, payload, path)
}

// repeaterRadio adapts the admin session onto the transport.
type repeaterRadio struct{ e *Engine }

func (r repeaterRadio) SendLogin(peerPub, secret [32]byte, payload []byte) error {
	return r.e.transport.SendAnonDatagram(PayloadAnonReq, peerPub, secret, payload)
}

func (r repeaterRadio) SendCommand(peerPub, secret [32]byte, payload []byte) error {
	return r.e.transport.SendFloodDatagram(PayloadTxtMsg, peerPub, secret, payload)
}

// ---- host operations ----

func (e *Engine) NodeName() string     { return e.nodeName }
func (e *Engine) SelfPubKey() [32]byte { return e.selfPub }

func (e *Engine) SetNodeName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("mesh: empty node name")
	}
	if len(name) > directory.MaxNameLen {
		name = name[:directory.MaxNameLen]
	}
	e.nodeName = name
	return nil
}

// SetForwarding gates whether this node relays other nodes' flood traffic.
func (e *Engine) SetForwarding(enabled bool) {
	e.forwarding = enabled
	e.log.Info().Bool("enabled", enabled).Msg("forwarding changed")
}

func (e *Engine) Forwarding() bool { return e.forwarding }

// Directory exposes the node/message tables to the host layer.
func (e *Engine) Directory() *directory.Directory { return e.dir }

// RepeaterState reports the admin session state.
func (e *Engine) RepeaterState() repeater.State { return e.session.State() }

// PendingDMs reports active delivery-tracking slots.
func (e *Engine) PendingDMs() int { return e.dms.PendingCount() }

// Tick runs one scheduler pass: DM retry deadlines, the login timeout,
// and one bounded companion bridge pass. Retry latency is bounded below
// by how often the host loop calls this.
func (e *Engine) Tick() {
	e.dms.CheckPendingTimeouts()
	e.session.CheckTimeout()
	if e.bridge != nil {
		e.bridge.Poll()
	}
}

// SendBroadcast floods an unencrypted plain-text broadcast and records it
// in the message history.
func (e *Engine) SendBroadcast(text string) bool {
	if text == "" {
		return false
	}
	if len(text) > directory.MaxMessageLen {
		text = text[:directory.MaxMessageLen]
	}
	if err := e.transport.SendRawBroadcast([]byte(text)); err != nil {
		e.log.Warn().Err(err).Msg("broadcast send failed")
		return false
	}
	e.addMessage(directory.Message{
		Timestamp: uint32(e.clk.Now().Unix()),
		Text:      text,
		Outgoing:  true,
	})
	e.log.Info().Int("len", len(text)).Msg("broadcast sent")
	return true
}

// SendToChannel sends text on a configured channel as
// "NodeName: text" and tracks it for repeat counting.
func (e *Engine) SendToChannel(channelIdx int, text string) bool {
	if text == "" || channelIdx < 0 || channelIdx >= len(e.channels) {
		return false
	}
	ch := e.channels[channelIdx]

	body := e.nodeName + ": " + text
	payload := make([]byte, 5+len(body))
	binary.LittleEndian.PutUint32(payload[:4], uint32(e.clk.Now().Unix()))
	payload[4] = txtTypePlain
	copy(payload[5:], body)

	if err := e.transport.SendGroupDatagram(PayloadGrpTxt, ch.hash, ch.secret, payload); err != nil {
		e.log.Warn().Err(err).Str("channel", ch.name).Msg("channel send failed")
		return false
	}
	e.tracker.TrackSent(channelIdx, text)
	e.log.Info().Str("channel", ch.name).Int("len", len(text)).Msg("channel message sent")
	return true
}

// SendDirectMessage sends acknowledged text to a discovered contact.
// Returns the ack tag the delivery report will carry.
func (e *Engine) SendDirectMessage(contactID uint32, text string) (uint32, bool) {
	if _, ok := e.dms.Peer(contactID); !ok {
		if e.ensureDMPeer(contactID) == nil {
			return 0, false
		}
	}
	tag, ok := e.dms.Send(contactID, text)
	if ok {
		observability.RecordDMSent(e.nodeName, "auto")
	}
	return tag, ok
}

// SendAdvertisement floods our own advert (chat type, current name).
func (e *Engine) SendAdvertisement() error {
	appData := BuildAdvert(directory.NodeTypeChat, e.nodeName, false, 0, 0)
	if err := e.transport.SendAdvert(appData); err != nil {
		return fmt.Errorf("mesh: send advert: %w", err)
	}
	e.log.Info().Str("name", e.nodeName).Msg("advertisement sent")
	return nil
}

// SendRepeaterLogin starts an admin session against a discovered repeater.
func (e *Engine) SendRepeaterLogin(contactID uint32, password string) error {
	node, ok := e.dir.NodeByID(contactID)
	if !ok {
		return fmt.Errorf("mesh: unknown node %08X", contactID)
	}
	return e.session.SendLogin(contactID, node.PubKey, password)
}

// SendRepeaterCommand forwards CLI text to the connected repeater.
func (e *Engine) SendRepeaterCommand(text string) error {
	return e.session.SendCommand(text)
}

// DisconnectRepeater tears down the admin session from any state.
func (e *Engine) DisconnectRepeater() {
	e.session.Disconnect()
}

// StartCompanion attaches the companion bridge to a host-supplied link.
// The bridge is driven from Tick.
func (e *Engine) StartCompanion(link companion.Link) {
	e.bridge = companion.NewBridge(e.log, e.clk, link, e)
	e.bridge.Start()
	e.log.Info().Msg("companion bridge started")
}

// PollCompanion runs one bridge pass outside the regular Tick cadence,
// for hosts that drive the companion link on its own schedule.
func (e *Engine) PollCompanion() {
	if e.bridge != nil {
		e.bridge.Poll()
	}
}

// ---- companion.Mesh ----

func (e *Engine) ContactCount() int { return e.dir.NodeCount() }

func (e *Engine) Contact(i int) (companion.Contact, bool) {
	node, ok := e.dir.Node(i)
	if !ok {
		return companion.Contact{}, false
	}
	c := companion.Contact{
		PubKey:     node.PubKey,
		Type:       uint8(node.Type),
		OutPathLen: -1,
		Name:       node.Name,
		LastAdvert: node.LastHeard,
		LastMod:    node.LastHeard,
	}
	if node.HasLocation {
		c.Latitude = uint32(int32(node.Latitude * 1e6))
		c.Longitude = uint32(int32(node.Longitude * 1e6))
	}
	if peer, ok := e.dms.Peer(node.ID); ok {
		c.OutPathLen = peer.PathLen()
		copy(c.OutPath[:], peer.Path())
	}
	return c, true
}

func (e *Engine) SendTextToPrefix(pubKeyPrefix []byte, text string) (uint32, bool) {
	node, ok := e.nodeByKeyPrefix(pubKeyPrefix)
	if !ok {
		return 0, false
	}
	return e.SendDirectMessage(node.ID, text)
}

func (e *Engine) SendLoginToPrefix(pubKeyPrefix []byte, password string) error {
	node, ok := e.nodeByKeyPrefix(pubKeyPrefix)
	if !ok {
		return fmt.Errorf("mesh: no node with that key prefix")
	}
	return e.session.SendLogin(node.ID, node.PubKey, password)
}

// ---- dispatch hooks (called by the transport, on the loop) ----

// OnAdvertRecv feeds the node directory from an advertisement.
func (e *Engine) OnAdvertRecv(info PacketInfo, senderPub [32]byte, timestamp uint32, appData []byte) {
	adv, ok := ParseAdvert(appData)
	if !ok {
		adv.Name = "Unknown"
	}
	if adv.Name == "" {
		adv.Name = "Unknown"
	}

	hash := e.transport.IdentityHash(senderPub)
	node := directory.NodeInfo{
		ID:          binary.LittleEndian.Uint32(hash[:4]),
		Name:        adv.Name,
		Type:        adv.Type,
		RSSI:        info.RSSI,
		SNR:         info.SNR,
		LastHeard:   timestamp,
		HasLocation: adv.HasLocation,
		Latitude:    adv.Latitude,
		Longitude:   adv.Longitude,
		PubKey:      senderPub,
	}
	if !e.dir.Update(node) {
		return
	}
	e.log.Debug().
		Uint32("node_id", node.ID).
		Str("name", node.Name).
		Str("type", node.Type.String()).
		Msg("advert received")
	e.events.OnNodeDiscovered(node)
	if e.bridge != nil {
		e.bridge.NotifyAdvert(senderPub)
	}
}

// OnAnonDataRecv handles unauthenticated peer data: login responses while
// a login is pending, otherwise a plain fallback message.
func (e *Engine) OnAnonDataRecv(info PacketInfo, ptype PayloadType, senderPub [32]byte, data []byte) {
	if ptype == PayloadResponse && e.session.HandleLoginResponse(data) {
		return
	}

	hash := e.transport.IdentityHash(senderPub)
	text := string(data)
	if len(text) > directory.MaxMessageLen {
		text = text[:directory.MaxMessageLen]
	}
	e.addMessage(directory.Message{
		SenderID:  binary.LittleEndian.Uint32(hash[:4]),
		Timestamp: uint32(e.clk.Now().Unix()),
		Text:      text,
		Delivered: true,
	})
}

// OnRecvPacket sees every packet ahead of the transport's own dispatch.
// Direct-routed ACKs addressed to us are intercepted here: the transport
// releases them without invoking the ack hook. Never terminal.
func (e *Engine) OnRecvPacket(pkt RawPacket) {
	if !pkt.Info.RouteDirect || len(pkt.Info.Path) == 0 {
		return
	}
	selfHash := e.transport.IdentityHash(e.selfPub)
	if pkt.Info.Path[0] != selfHash[0] {
		return
	}

	switch pkt.PayloadType {
	case PayloadAck:
		if len(pkt.Payload) >= 4 {
			tag := binary.LittleEndian.Uint32(pkt.Payload[:4])
			e.log.Debug().Uint32("ack_tag", tag).Msg("direct ack intercepted")
			e.handleAck(tag, pkt.Info.Path)
		}
	case PayloadMultipart:
		if len(pkt.Payload) >= 5 && PayloadType(pkt.Payload[0]&0x0F) == PayloadAck {
			tag := binary.LittleEndian.Uint32(pkt.Payload[1:5])
			e.log.Debug().Uint32("ack_tag", tag).Msg("multipart ack intercepted")
			e.handleAck(tag, pkt.Info.Path)
		}
	}
}

// OnAckRecv is the transport's ordinary ack hook (flood-routed acks).
func (e *Engine) OnAckRecv(info PacketInfo, ackTag uint32) {
	e.handleAck(ackTag, info.Path)
}

func (e *Engine) handleAck(tag uint32, path []byte) {
	if e.dms.OnAckRecv(tag, path) {
		return
	}
	// Unmatched tag: legacy fallback marks the newest undelivered
	// outgoing history entry.
	e.dir.MarkLatestOutgoingDelivered()
}

// FilterRecvFloodPacket runs before the transport's duplicate filter, the
// only place an echo of our own channel message is still visible. It
// feeds the repeat tracker and never filters anything.
func (e *Engine) FilterRecvFloodPacket(pkt RawPacket) bool {
	if pkt.PayloadType != PayloadGrpTxt || len(pkt.Payload) < 2 {
		return false
	}
	channelHash := pkt.Payload[0]
	for idx := range e.channels {
		ch := &e.channels[idx]
		if ch.hash != channelHash {
			continue
		}
		plain, ok := e.transport.DecryptGroup(ch.secret, pkt.Payload[1:])
		if !ok || len(plain) <= 5 {
			continue
		}
		sender, msgText := splitSender(string(plain[5:]))
		if sender == e.nodeName {
			e.tracker.CheckRepeat(idx, msgText)
		}
		break
	}
	return false
}

// OnGroupDataRecv handles a decrypted channel message:
// [timestamp(4)] [flags] ["Sender: text"].
func (e *Engine) OnGroupDataRecv(info PacketInfo, ptype PayloadType, channelHash uint8, data []byte) {
	if ptype != PayloadGrpTxt || len(data) <= 5 {
		return
	}
	if data[4]>>2 != txtTypePlain {
		return
	}
	timestamp := binary.LittleEndian.Uint32(data[:4])
	text := string(data[5:])
	if len(text) > directory.MaxMessageLen {
		text = text[:directory.MaxMessageLen]
	}

	channelIdx := e.findChannelByHash(channelHash)
	var hops uint8
	if info.RouteFlood() {
		hops = uint8(len(info.Path))
	}

	e.log.Debug().Int("channel", channelIdx).Uint8("hops", hops).Msg("channel message received")
	if channelIdx >= 0 {
		e.events.OnChannelMessage(channelIdx, text, timestamp, hops)
		if e.bridge != nil {
			e.bridge.NotifyChannelMsg(channelIdx, hops, timestamp, text)
		}
	}
	e.addMessage(directory.Message{
		Timestamp: timestamp,
		Text:      text,
		Delivered: true,
	})
}

// OnPeerDataRecv handles authenticated peer data. The peer kind comes
// from the preceding SearchPeersByHash: repeater traffic (login
// responses, CLI output) or DM traffic (text plus ack emission).
func (e *Engine) OnPeerDataRecv(info PacketInfo, ptype PayloadType, data []byte) {
	if ptype == PayloadResponse && e.session.HandleLoginResponse(data) {
		return
	}
	if ptype != PayloadTxtMsg || len(data) <= 5 {
		return
	}

	if e.lastMatch == matchRepeater {
		flags := data[4] >> 2
		if flags == txtTypeCLI || flags == txtTypePlain {
			e.session.HandleCLI(data)
		}
		return
	}
	if e.lastMatch != matchDMPeer || e.lastPeer == nil {
		return
	}
	if data[4]>>2 != txtTypePlain {
		e.log.Debug().Uint8("flags", data[4]>>2).Msg("ignoring non-plain dm")
		return
	}

	peer := e.lastPeer
	timestamp := binary.LittleEndian.Uint32(data[:4])
	text := string(data[5:])

	if info.RouteFlood() && len(info.Path) > 0 {
		e.dms.LearnPath(peer.ContactID, info.Path)
	}

	sender := "Unknown"
	if node, ok := e.dir.NodeByID(peer.ContactID); ok {
		sender = node.Name
	}
	e.log.Info().
		Uint32("contact", peer.ContactID).
		Str("sender", sender).
		Msg("dm received")
	e.events.OnDirectMessage(peer.ContactID, sender, text, timestamp)
	if e.bridge != nil {
		e.bridge.NotifyDM(peer.PubKey, uint8(len(info.Path)), timestamp, text)
	}

	// Acknowledge. The tag is computed over the sender's key, the same
	// derivation the sender used when it reserved its pending slot.
	tag := dm.AckTag(timestamp, data[4]&0x03, text, peer.PubKey)
	if info.RouteFlood() && len(info.Path) > 0 {
		var tagBytes [4]byte
		binary.LittleEndian.PutUint32(tagBytes[:], tag)
		if err := e.transport.SendPathReturn(peer.PubKey, peer.Secret, info.Path, PayloadAck, tagBytes[:]); err != nil {
			e.log.Warn().Err(err).Msg("path+ack send failed")
		}
		return
	}
	if err := e.transport.SendAck(tag); err != nil {
		e.log.Warn().Err(err).Msg("ack send failed")
	}
}

// OnPeerPathRecv handles a path-return packet: an embedded login response
// or ack is processed first, then the carried route is learned.
func (e *Engine) OnPeerPathRecv(info PacketInfo, path []byte, extraType PayloadType, extra []byte) bool {
	if extraType == PayloadResponse && e.session.HandleLoginResponse(extra) {
		return true
	}
	if extraType == PayloadAck && len(extra) >= 4 {
		tag := binary.LittleEndian.Uint32(extra[:4])
		e.log.Debug().Uint32("ack_tag", tag).Msg("ack embedded in path return")
		e.handleAck(tag, path)
	}
	if len(path) > 0 && e.lastMatch == matchDMPeer && e.lastPeer != nil {
		e.dms.LearnPath(e.lastPeer.ContactID, path)
	}
	return true
}

// SearchPeersByHash resolves an inbound identity hash: the repeater
// session first, the DM peer table second, and finally lazy DM-peer
// creation from the directory. Returns the number of matches (0 or 1).
func (e *Engine) SearchPeersByHash(hash []byte) int {
	e.lastMatch = matchNone
	e.lastPeer = nil

	if e.session.MatchesHash(hash) {
		e.lastMatch = matchRepeater
		return 1
	}
	if peer, ok := e.dms.PeerByHash(hash); ok {
		e.lastMatch = matchDMPeer
		e.lastPeer = peer
		return 1
	}

	for i := 0; i < e.dir.NodeCount(); i++ {
		node, _ := e.dir.Node(i)
		if !node.HasPubKey() {
			continue
		}
		full := e.transport.IdentityHash(node.PubKey)
		if !hashPrefixMatch(full, hash) {
			continue
		}
		if peer := e.ensureDMPeer(node.ID); peer != nil {
			e.lastMatch = matchDMPeer
			e.lastPeer = peer
			return 1
		}
	}
	return 0
}

// PeerSharedSecret returns the secret for the last matched peer.
func (e *Engine) PeerSharedSecret() ([32]byte, bool) {
	switch e.lastMatch {
	case matchDMPeer:
		if e.lastPeer != nil {
			return e.lastPeer.Secret, true
		}
	case matchRepeater:
		return e.session.Secret(), true
	}
	return [32]byte{}, false
}

// AllowPacketForward gates relaying. Direct-routed packets always
// forward; they only traverse nodes named in their path. Flood traffic
// honors the forwarding flag.
func (e *Engine) AllowPacketForward(info PacketInfo) bool {
	if info.RouteDirect {
		return true
	}
	return e.forwarding
}

// ---- internals ----

func (e *Engine) addMessage(msg directory.Message) {
	e.dir.AddMessage(msg)
	e.events.OnMessage(msg)
}

func (e *Engine) ensureDMPeer(contactID uint32) *dm.Peer {
	node, ok := e.dir.NodeByID(contactID)
	if !ok || !node.HasPubKey() {
		e.log.Debug().Uint32("contact", contactID).Msg("cannot create dm peer, no pubkey")
		return nil
	}
	secret, err := e.transport.SharedSecret(node.PubKey)
	if err != nil {
		e.log.Warn().Err(err).Uint32("contact", contactID).Msg("secret derivation failed")
		return nil
	}
	return e.dms.EnsurePeer(contactID, node.PubKey, secret)
}

func (e *Engine) findChannelByHash(hash uint8) int {
	for i := range e.channels {
		if e.channels[i].hash == hash {
			return i
		}
	}
	return -1
}

func (e *Engine) nodeByKeyPrefix(prefix []byte) (directory.NodeInfo, bool) {
	if len(prefix) == 0 {
		return directory.NodeInfo{}, false
	}
	for i := 0; i < e.dir.NodeCount(); i++ {
		node, _ := e.dir.Node(i)
		if !node.HasPubKey() {
			continue
		}
		n := len(prefix)
		if n > len(node.PubKey) {
			n = len(node.PubKey)
		}
		if string(node.PubKey[:n]) == string(prefix[:n]) {
			return node, true
		}
	}
	return directory.NodeInfo{}, false
}

// splitSender parses the "Sender: text" channel convention. Without a
// recognizable prefix the whole body is the message and the sender is "".
func splitSender(body string) (sender, text string) {
	idx := strings.Index(body, ": ")
	if idx <= 0 || idx > directory.MaxNameLen {
		return "", body
	}
	return body[:idx], body[idx+2:]
}

func hashPrefixMatch(full [8]byte, prefix []byte) bool {
	if len(prefix) == 0 {
		return false
	}
	n := len(prefix)
	if n > len(full) {
		n = len(full)
	}
	for i := 0; i < n; i++ {
		if full[i] != prefix[i] {
			return false
		}
	}
	return true
}
