// Package companion bridges the mesh engine to a paired application over
// a serial-style frame link. The bridge owns payload semantics only; byte
// framing and connectivity belong to the Link implementation.
package companion

import (
	"encoding/binary"
	"errors"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/nodakmesh/meshberry/internal/observability"
)

const (
	// MaxFrameLen bounds one frame payload in either direction.
	MaxFrameLen = 172
	// QueueSize is the offline notification queue capacity. A full queue
	// refuses the newest entry.
	QueueSize = 16

	pubKeyPrefixLen = 6
	contactWireLen  = 147 // pubkey 32 + type + flags + pathlen + path 64 + name 32 + 4 u32
)

// ErrNoFrame is returned by Link.ReadFrame when no frame is pending.
var ErrNoFrame = errors.New("companion: no frame available")

// Link is the serial-style transport supplied by the host.
type Link interface {
	Connected() bool
	ReadFrame() ([]byte, error)
	WriteFrame(payload []byte) error
}

// Contact is one directory entry as the companion protocol sees it.
type Contact struct {
	PubKey     [32]byte
	Type       uint8
	Flags      uint8
	OutPathLen int8
	OutPath    [64]byte
	Name       string
	LastAdvert uint32
	Latitude   uint32
	Longitude  uint32
	LastMod    uint32
}

// Mesh is the engine surface the bridge dispatches inbound commands to.
type Mesh interface {
	SendTextToPrefix(pubKeyPrefix []byte, text string) (ackTag uint32, ok bool)
	SendToChannel(channelIdx int, text string) bool
	SendAdvertisement() error
	SetNodeName(name string) error
	SendLoginToPrefix(pubKeyPrefix []byte, password string) error
	ContactCount() int
	Contact(i int) (Contact, bool)
	NodeName() string
	SelfPubKey() [32]byte
}

type queuedFrame struct {
	frame     [MaxFrameLen]byte
	frameLen  int
	isChannel bool
}

type contactIterator struct {
	active bool
	cursor int
}

// Bridge dispatches companion frames and buffers outbound notifications
// while the link is down. Loop-confined, like the rest of the engine.
type Bridge struct {
	log  zerolog.Logger
	clk  clock.Clock
	link Link
	mesh Mesh

	queue    [QueueSize]queuedFrame
	queueLen int
	iter     contactIterator
	started  bool
}

func NewBridge(log zerolog.Logger, clk clock.Clock, link Link, mesh Mesh) *Bridge {
	return &Bridge{
		log:  log.With().Str("component", "companion").Logger(),
		clk:  clk,
		link: link,
		mesh: mesh,
	}
}

// Start marks the bridge active. Poll is a no-op before this.
func (b *Bridge) Start() { b.started = true }

// Poll runs one bridge pass: drain at most one queued notification, step
// the contact iterator by one, and handle at most one inbound frame.
// Bounded work per pass keeps the foreground loop responsive.
func (b *Bridge) Poll() {
	if !b.started || !b.link.Connected() {
		return
	}

	if b.queueLen > 0 {
		b.drainOne()
	}
	if b.iter.active {
		b.stepContactSync()
	}

	frame, err := b.link.ReadFrame()
	if err != nil {
		if !errors.Is(err, ErrNoFrame) {
			b.log.Debug().Err(err).Msg("link read failed")
		}
		return
	}
	b.HandleFrame(frame)
}

// HandleFrame parses one inbound request and dispatches it. Malformed
// frames are answered with Err and never fault.
func (b *Bridge) HandleFrame(payload []byte) {
	if len(payload) == 0 {
		return
	}
	cmd := payload[0]
	observability.RecordCompanionFrame(b.mesh.NodeName(), "in")

	switch cmd {
	case CmdAppStart:
		b.handleAppStart()
	case CmdSendTxtMsg:
		b.handleSendText(payload)
	case CmdSendChannelTxtMsg:
		b.handleSendChannelText(payload)
	case CmdGetContacts:
		b.iter = contactIterator{active: true}
		start := make([]byte, 5)
		start[0] = RespContactsStart
		binary.LittleEndian.PutUint32(start[1:], uint32(b.mesh.ContactCount()))
		b.write(start)
	case CmdGetDeviceTime:
		resp := make([]byte, 5)
		resp[0] = RespCurrTime
		binary.LittleEndian.PutUint32(resp[1:], uint32(b.clk.Now().Unix()))
		b.write(resp)
	case CmdSendSelfAdvert:
		if err := b.mesh.SendAdvertisement(); err != nil {
			b.writeErr()
			return
		}
		b.writeOk()
	case CmdSetAdvertName:
		if len(payload) < 2 {
			b.writeErr()
			return
		}
		if err := b.mesh.SetNodeName(string(payload[1:])); err != nil {
			b.writeErr()
			return
		}
		b.writeOk()
	case CmdSyncNextMessage:
		if b.queueLen > 0 {
			b.drainOne()
			return
		}
		b.write([]byte{RespNoMoreMessages})
	case CmdSendLogin:
		b.handleSendLogin(payload)
	default:
		b.log.Debug().Uint8("cmd", cmd).Msg("unknown companion command")
		b.writeErr()
	}
}

// NotifyDM queues a contact-message frame and, when connected, announces
// it with a MsgWaiting push. The companion pulls it via SyncNextMessage.
func (b *Bridge) NotifyDM(senderPub [32]byte, pathLen uint8, timestamp uint32, text string) bool {
	frame := make([]byte, 0, MaxFrameLen)
	frame = append(frame, RespContactMsgRecv)
	frame = append(frame, senderPub[:pubKeyPrefixLen]...)
	frame = append(frame, pathLen, 0)
	frame = appendU32(frame, timestamp)
	frame = appendText(frame, text)
	return b.enqueue(frame, false)
}

// NotifyChannelMsg queues a channel-message frame for the companion.
func (b *Bridge) NotifyChannelMsg(channelIdx int, pathLen uint8, timestamp uint32, text string) bool {
	frame := make([]byte, 0, MaxFrameLen)
	frame = append(frame, RespChannelMsgRecv, byte(channelIdx), pathLen, 0)
	frame = appendU32(frame, timestamp)
	frame = appendText(frame, text)
	return b.enqueue(frame, true)
}

// NotifyAdvert pushes a node-discovered event when the link is up.
func (b *Bridge) NotifyAdvert(pub [32]byte) {
	if !b.started || !b.link.Connected() {
		return
	}
	frame := make([]byte, 1+32)
	frame[0] = PushAdvert
	copy(frame[1:], pub[:])
	b.write(frame)
}

// NotifySendConfirmed pushes a delivery confirmation for a tracked send.
func (b *Bridge) NotifySendConfirmed(ackTag uint32, roundTripMillis uint32) {
	if !b.started || !b.link.Connected() {
		return
	}
	frame := make([]byte, 9)
	frame[0] = PushSendConfirmed
	binary.LittleEndian.PutUint32(frame[1:5], ackTag)
	binary.LittleEndian.PutUint32(frame[5:9], roundTripMillis)
	b.write(frame)
}

// QueueLen reports buffered notification frames.
func (b *Bridge) QueueLen() int { return b.queueLen }

func (b *Bridge) handleAppStart() {
	self := b.mesh.SelfPubKey()
	name := b.mesh.NodeName()
	frame := make([]byte, 0, MaxFrameLen)
	frame = append(frame, RespSelfInfo, 1, 0)
	frame = append(frame, self[:]...)
	frame = appendText(frame, name)
	b.write(frame)
	b.log.Info().Str("node", name).Msg("companion session started")
}

// [cmd][txt_type][attempt][timestamp(4)][pubkey prefix(6)][text]
func (b *Bridge) handleSendText(payload []byte) {
	if len(payload) < 1+1+1+4+pubKeyPrefixLen+1 {
		b.writeErr()
		return
	}
	prefix := payload[7 : 7+pubKeyPrefixLen]
	text := string(payload[7+pubKeyPrefixLen:])

	tag, ok := b.mesh.SendTextToPrefix(prefix, text)
	if !ok {
		b.writeErr()
		return
	}
	resp := make([]byte, 10)
	resp[0] = RespSent
	resp[1] = 0
	binary.LittleEndian.PutUint32(resp[2:6], tag)
	binary.LittleEndian.PutUint32(resp[6:10], 0)
	b.write(resp)
}

// [cmd][txt_type][channel_idx][timestamp(4)][text]
func (b *Bridge) handleSendChannelText(payload []byte) {
	if len(payload) < 1+1+1+4+1 {
		b.writeErr()
		return
	}
	channelIdx := int(payload[2])
	text := string(payload[7:])
	if !b.mesh.SendToChannel(channelIdx, text) {
		b.writeErr()
		return
	}
	b.writeOk()
}

// [cmd][pubkey prefix(6)][password]
func (b *Bridge) handleSendLogin(payload []byte) {
	if len(payload) < 1+pubKeyPrefixLen+1 {
		b.writeErr()
		return
	}
	prefix := payload[1 : 1+pubKeyPrefixLen]
	password := string(payload[1+pubKeyPrefixLen:])
	if err := b.mesh.SendLoginToPrefix(prefix, password); err != nil {
		b.log.Debug().Err(err).Msg("companion login refused")
		b.writeErr()
		return
	}
	b.writeOk()
}

// stepContactSync writes exactly one contact frame per pass so a full
// sync spreads over many loop iterations.
func (b *Bridge) stepContactSync() {
	contact, ok := b.mesh.Contact(b.iter.cursor)
	if !ok {
		b.iter = contactIterator{}
		b.write([]byte{RespEndOfContacts})
		return
	}
	b.iter.cursor++
	b.write(marshalContact(contact))
}

func marshalContact(c Contact) []byte {
	out := make([]byte, 1+contactWireLen)
	out[0] = RespContact
	p := out[1:]
	copy(p[0:32], c.PubKey[:])
	p[32] = c.Type
	p[33] = c.Flags
	p[34] = byte(c.OutPathLen)
	copy(p[35:99], c.OutPath[:])
	name := c.Name
	if len(name) > 32 {
		name = name[:32]
	}
	copy(p[99:131], name)
	binary.LittleEndian.PutUint32(p[131:135], c.LastAdvert)
	binary.LittleEndian.PutUint32(p[135:139], c.Latitude)
	binary.LittleEndian.PutUint32(p[139:143], c.Longitude)
	binary.LittleEndian.PutUint32(p[143:147], c.LastMod)
	return out
}

// enqueue admits one notification frame. When connected the companion is
// poked with MsgWaiting; the frame itself waits for SyncNextMessage.
func (b *Bridge) enqueue(frame []byte, isChannel bool) bool {
	if !b.started {
		return false
	}
	if b.queueLen >= QueueSize {
		observability.RecordOfflineRefused(b.mesh.NodeName())
		b.log.Debug().Bool("channel", isChannel).Msg("offline queue full, refusing")
		return false
	}
	q := &b.queue[b.queueLen]
	q.frameLen = copy(q.frame[:], frame)
	q.isChannel = isChannel
	b.queueLen++

	if b.link.Connected() {
		b.write([]byte{PushMsgWaiting})
	}
	return true
}

func (b *Bridge) drainOne() {
	q := b.queue[0]
	copy(b.queue[:], b.queue[1:b.queueLen])
	b.queueLen--
	b.write(q.frame[:q.frameLen])
}

func (b *Bridge) write(frame []byte) {
	if err := b.link.WriteFrame(frame); err != nil {
		b.log.Debug().Err(err).Msg("link write failed")
		return
	}
	observability.RecordCompanionFrame(b.mesh.NodeName(), "out")
}

func (b *Bridge) writeOk()  { b.write([]byte{RespOk}) }
func (b *Bridge) writeErr() { b.write([]byte{RespErr}) }

func appendU32(dst []byte, v uint32) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return append(dst, buf[:]...)
}

func appendText(dst []byte, text string) []byte {
	room := MaxFrameLen - len(dst)
	if len(text) > room {
		text = text[:room]
	}
	return append(dst, text...)
}
