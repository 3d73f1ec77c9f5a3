package dm

import "time"

const (
	// MaxPeers bounds the DM peer table; the oldest slot is shifted out
	// when a new peer must be admitted to a full table.
	MaxPeers = 8
	// MaxPathLen is the longest learnable route, in hop hashes.
	MaxPathLen = 64
	// PathUnknown marks a peer with no learned route.
	PathUnknown int8 = -1
)

// Peer is one contact we exchange direct messages with: transport
// identity, derived shared secret, and the learned outbound route.
type Peer struct {
	ContactID uint32
	PubKey    [32]byte
	Secret    [32]byte
	Active    bool

	path      [MaxPathLen]byte
	pathLen   int8
	learnedAt time.Time
}

// Path returns the learned route, nil when unknown.
func (p *Peer) Path() []byte {
	if p.pathLen < 0 {
		return nil
	}
	return p.path[:p.pathLen]
}

// PathLen is the learned route length, PathUnknown when none.
func (p *Peer) PathLen() int8 { return p.pathLen }

// PathLearnedAt is when the current route was learned.
func (p *Peer) PathLearnedAt() time.Time { return p.learnedAt }

func (p *Peer) setPath(path []byte, at time.Time) {
	n := len(path)
	if n > MaxPathLen {
		n = MaxPathLen
	}
	copy(p.path[:], path[:n])
	p.pathLen = int8(n)
	p.learnedAt = at
}

func (p *Peer) clearPath() {
	p.path = [MaxPathLen]byte{}
	p.pathLen = PathUnknown
	p.learnedAt = time.Time{}
}

// EnsurePeer finds or creates the peer slot for a contact. A full table
// shifts out the oldest slot. Returns nil for an all-zero public key.
func (m *Manager) EnsurePeer(contactID uint32, pubKey, secret [32]byte) *Peer {
	for i := range m.peers {
		if m.peers[i].Active && m.peers[i].ContactID == contactID {
			return &m.peers[i]
		}
	}
	if !hasKey(pubKey) {
		m.log.Debug().Uint32("contact", contactID).Msg("refusing peer with empty pubkey")
		return nil
	}

	slot := -1
	for i := range m.peers {
		if !m.peers[i].Active {
			slot = i
			break
		}
	}
	if slot < 0 {
		copy(m.peers[:], m.peers[1:])
		slot = MaxPeers - 1
	}

	m.peers[slot] = Peer{
		ContactID: contactID,
		PubKey:    pubKey,
		Secret:    secret,
		Active:    true,
		pathLen:   PathUnknown,
	}
	m.log.Debug().Uint32("contact", contactID).Int("slot", slot).Msg("created dm peer")
	return &m.peers[slot]
}

// Peer returns the active peer for a contact, if any.
func (m *Manager) Peer(contactID uint32) (*Peer, bool) {
	for i := range m.peers {
		if m.peers[i].Active && m.peers[i].ContactID == contactID {
			return &m.peers[i], true
		}
	}
	return nil, false
}

// PeerByHash matches a transport identity hash against the peer table.
func (m *Manager) PeerByHash(hash []byte) (*Peer, bool) {
	for i := range m.peers {
		if !m.peers[i].Active {
			continue
		}
		if m.hashMatch(m.peers[i].PubKey, hash) {
			return &m.peers[i], true
		}
	}
	return nil, false
}

// LearnPath stores a route for a contact, truncated to MaxPathLen.
func (m *Manager) LearnPath(contactID uint32, path []byte) {
	if len(path) == 0 {
		return
	}
	for i := range m.peers {
		if m.peers[i].Active && m.peers[i].ContactID == contactID {
			m.peers[i].setPath(path, m.clk.Now())
			m.log.Debug().
				Uint32("contact", contactID).
				Int("hops", len(path)).
				Msg("learned path")
			return
		}
	}
}

// InvalidatePath clears the route so the next send falls back to flood
// and re-discovers one.
func (m *Manager) InvalidatePath(contactID uint32) {
	for i := range m.peers {
		if m.peers[i].Active && m.peers[i].ContactID == contactID {
			m.peers[i].clearPath()
			m.log.Debug().Uint32("contact", contactID).Msg("invalidated path")
			return
		}
	}
}

// IsPathValid reports whether a learned route may still be used for
// direct sends. Zero length with a zero learn time means never-learned.
func (m *Manager) IsPathValid(pathLen int8, learnedAt time.Time) bool {
	if pathLen < 0 {
		return false
	}
	if pathLen == 0 && learnedAt.IsZero() {
		return false
	}
	return m.clk.Now().Sub(learnedAt) < m.cfg.PathTTL
}

func (m *Manager) hashMatch(pub [32]byte, hash []byte) bool {
	if m.idHash == nil || len(hash) == 0 {
		return false
	}
	full := m.idHash(pub)
	n := len(hash)
	if n > len(full) {
		n = len(full)
	}
	for i := 0; i < n; i++ {
		if full[i] != hash[i] {
			return false
		}
	}
	return true
}

func hasKey(k [32]byte) bool {
	for _, b := range k {
		if b != 0 {
			return true
		}
	}
	return false
}
