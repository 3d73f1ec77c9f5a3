// Package dm owns acknowledged direct messaging: the peer/path cache and
// the pool of in-flight sends with their retry policy.
//
// Routing choice is made per attempt: a valid learned route goes direct,
// anything else floods, and a direct send that times out switches the
// slot to flood for every later attempt.
package dm

import (
	"crypto/sha256"
	"encoding/binary"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

const (
	// MaxPending bounds concurrent in-flight direct messages. A send
	// with all slots busy is refused; callers queue or drop.
	MaxPending = 4
	// MaxTextLen is the longest DM text; payload header adds 5 bytes.
	MaxTextLen = 249

	maxPayloadLen = 260
	payloadHeader = 5 // timestamp(4) + attempt byte
)

// Config tunes the retry policy. Table capacities are not configurable.
type Config struct {
	FloodTimeout    time.Duration
	DirectTimeout   time.Duration
	FloodRetries    int
	DirectRetryBase int
	DirectRetryCap  int
	PathTTL         time.Duration
}

func DefaultConfig() Config {
	return Config{
		FloodTimeout:    20 * time.Second,
		DirectTimeout:   10 * time.Second,
		FloodRetries:    3,
		DirectRetryBase: 2,
		DirectRetryCap:  8,
		PathTTL:         30 * time.Minute,
	}
}

// Radio sends one encrypted text datagram to a peer. Implemented by the
// engine on top of the mesh transport.
type Radio interface {
	SendFlood(peerPub, secret [32]byte, payload []byte) error
	SendDirect(peerPub, secret [32]byte, payload []byte, path []byte) error
}

// ReportFunc receives exactly one terminal outcome per tracked send.
type ReportFunc func(contactID, ackTag uint32, delivered bool, attempts int)

type pending struct {
	ackTag     uint32
	contactID  uint32
	sentAt     time.Time
	deadline   time.Time
	payload    [maxPayloadLen]byte
	payloadLen int
	attempts   int
	pathLen    uint8
	isFlood    bool
	active     bool
}

// Manager drives DM delivery. Single-goroutine: all methods are called
// from the host control loop.
type Manager struct {
	log     zerolog.Logger
	clk     clock.Clock
	cfg     Config
	selfPub [32]byte
	radio   Radio
	idHash  func(pub [32]byte) [8]byte
	report  ReportFunc

	// OnRetry, when set, observes every resend with the new attempt count.
	OnRetry func(contactID uint32, attempt int)

	peers   [MaxPeers]Peer
	pending [MaxPending]pending
}

func NewManager(log zerolog.Logger, clk clock.Clock, cfg Config, selfPub [32]byte,
	radio Radio, idHash func(pub [32]byte) [8]byte, report ReportFunc) *Manager {
	return &Manager{
		log:     log.With().Str("component", "dm").Logger(),
		clk:     clk,
		cfg:     cfg,
		selfPub: selfPub,
		radio:   radio,
		idHash:  idHash,
		report:  report,
	}
}

// AckTag derives the acknowledgement tag the recipient will echo back:
// first four bytes of SHA-256 over timestamp, attempt bits, text and the
// sender public key, read little-endian.
func AckTag(timestamp uint32, attempt byte, text string, senderPub [32]byte) uint32 {
	h := sha256.New()
	var ts [4]byte
	binary.LittleEndian.PutUint32(ts[:], timestamp)
	h.Write(ts[:])
	h.Write([]byte{attempt & 0x03})
	h.Write([]byte(text))
	h.Write(senderPub[:])
	sum := h.Sum(nil)
	return binary.LittleEndian.Uint32(sum[:4])
}

// Send transmits text to a contact whose peer entry must already exist
// (see EnsurePeer) and reserves a delivery-tracking slot. Returns the
// expected ack tag. Fails on empty text, unknown peer, a full pending
// table, or transport refusal, without mutating any active slot.
func (m *Manager) Send(contactID uint32, text string) (uint32, bool) {
	if text == "" {
		return 0, false
	}
	if len(text) > MaxTextLen {
		text = text[:MaxTextLen]
	}
	peer, ok := m.Peer(contactID)
	if !ok {
		m.log.Debug().Uint32("contact", contactID).Msg("send refused, no peer entry")
		return 0, false
	}

	slot := -1
	for i := range m.pending {
		if !m.pending[i].active {
			slot = i
			break
		}
	}
	if slot < 0 {
		m.log.Debug().Uint32("contact", contactID).Msg("send refused, pending table full")
		return 0, false
	}

	now := m.clk.Now()
	ts := uint32(now.Unix())
	payload := buildPayload(ts, 0, text)
	tag := AckTag(ts, 0, text, m.selfPub)

	useDirect := m.IsPathValid(peer.pathLen, peer.learnedAt)
	var err error
	if useDirect {
		err = m.radio.SendDirect(peer.PubKey, peer.Secret, payload, peer.Path())
	} else {
		err = m.radio.SendFlood(peer.PubKey, peer.Secret, payload)
	}
	if err != nil {
		m.log.Warn().Err(err).Uint32("contact", contactID).Msg("transport send failed")
		return 0, false
	}

	p := &m.pending[slot]
	p.ackTag = tag
	p.contactID = contactID
	p.sentAt = now
	p.attempts = 1
	p.isFlood = !useDirect
	p.pathLen = 0
	if useDirect {
		p.pathLen = uint8(peer.pathLen)
		p.deadline = now.Add(m.cfg.DirectTimeout)
	} else {
		p.deadline = now.Add(m.cfg.FloodTimeout)
	}
	p.payloadLen = copy(p.payload[:], payload)
	p.active = true

	m.log.Info().
		Uint32("contact", contactID).
		Uint32("ack_tag", tag).
		Bool("flood", p.isFlood).
		Msg("dm sent")
	return tag, true
}

// CheckPendingTimeouts is polled once per loop pass. Expired slots either
// retry (direct falls back to flood) or, past the retry ceiling, free the
// slot, invalidate the path and emit one failure report.
func (m *Manager) CheckPendingTimeouts() {
	now := m.clk.Now()
	for i := range m.pending {
		p := &m.pending[i]
		if !p.active || now.Before(p.deadline) {
			continue
		}

		maxRetries := m.maxRetries(p.isFlood, p.pathLen)
		if p.attempts > maxRetries {
			contactID, tag, attempts := p.contactID, p.ackTag, p.attempts
			p.active = false
			m.InvalidatePath(contactID)
			m.log.Info().
				Uint32("contact", contactID).
				Int("attempts", attempts).
				Msg("dm delivery failed")
			if m.report != nil {
				m.report(contactID, tag, false, attempts)
			}
			continue
		}

		if !p.isFlood {
			// Direct timed out: the recipient may lack a return path.
			p.isFlood = true
		}
		m.retryFlood(i)
	}
}

// OnAckRecv matches an inbound acknowledgement tag against the pending
// slots. On a match the slot is freed, any carried route is learned, and
// success is reported with the attempt count. Unmatched tags are no-ops.
func (m *Manager) OnAckRecv(tag uint32, path []byte) bool {
	for i := range m.pending {
		p := &m.pending[i]
		if !p.active || p.ackTag != tag {
			continue
		}
		contactID, attempts := p.contactID, p.attempts
		if len(path) > 0 {
			m.LearnPath(contactID, path)
		}
		p.active = false
		m.log.Info().
			Uint32("contact", contactID).
			Uint32("ack_tag", tag).
			Int("attempts", attempts).
			Msg("dm delivered")
		if m.report != nil {
			m.report(contactID, tag, true, attempts)
		}
		return true
	}
	return false
}

// PendingCount reports active delivery-tracking slots.
func (m *Manager) PendingCount() int {
	n := 0
	for i := range m.pending {
		if m.pending[i].active {
			n++
		}
	}
	return n
}

// maxRetries: floods retry a flat number of times; direct retries grow
// with hop count since every hop is a failure point, capped.
func (m *Manager) maxRetries(isFlood bool, pathLen uint8) int {
	if isFlood {
		return m.cfg.FloodRetries
	}
	retries := m.cfg.DirectRetryBase + int(pathLen)
	if retries > m.cfg.DirectRetryCap {
		retries = m.cfg.DirectRetryCap
	}
	return retries
}

func (m *Manager) retryFlood(idx int) {
	p := &m.pending[idx]
	peer, ok := m.Peer(p.contactID)
	if !ok {
		contactID, tag, attempts := p.contactID, p.ackTag, p.attempts
		p.active = false
		m.log.Warn().Uint32("contact", contactID).Msg("peer vanished during retry")
		if m.report != nil {
			m.report(contactID, tag, false, attempts)
		}
		return
	}

	if err := m.radio.SendFlood(peer.PubKey, peer.Secret, p.payload[:p.payloadLen]); err != nil {
		contactID, tag, attempts := p.contactID, p.ackTag, p.attempts
		p.active = false
		m.log.Warn().Err(err).Uint32("contact", contactID).Msg("retry send failed")
		if m.report != nil {
			m.report(contactID, tag, false, attempts)
		}
		return
	}

	now := m.clk.Now()
	p.attempts++
	p.isFlood = true
	p.sentAt = now
	p.deadline = now.Add(m.cfg.FloodTimeout)
	m.log.Debug().
		Uint32("contact", p.contactID).
		Int("attempt", p.attempts).
		Msg("dm retried via flood")
	if m.OnRetry != nil {
		m.OnRetry(p.contactID, p.attempts)
	}
}

func buildPayload(timestamp uint32, attempt byte, text string) []byte {
	out := make([]byte, payloadHeader+len(text))
	binary.LittleEndian.PutUint32(out[:4], timestamp)
	out[4] = attempt & 0x03
	copy(out[payloadHeader:], text)
	return out
}
