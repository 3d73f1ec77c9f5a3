// Package directory tracks nodes discovered on the mesh and keeps a
// bounded ring of broadcast message history.
package directory

import "github.com/rs/zerolog"

const (
	MaxNodes      = 64
	MaxMessages   = 50
	MaxMessageLen = 200
	MaxNameLen    = 31
)

// NodeType mirrors the advertisement type nibble.
type NodeType uint8

const (
	NodeTypeUnknown NodeType = iota
	NodeTypeChat
	NodeTypeRepeater
	NodeTypeRoom
	NodeTypeSensor
)

func (t NodeType) String() string {
	switch t {
	case NodeTypeChat:
		return "chat"
	case NodeTypeRepeater:
		return "repeater"
	case NodeTypeRoom:
		return "room"
	case NodeTypeSensor:
		return "sensor"
	default:
		return "unknown"
	}
}

// NodeInfo is one discovered node. The public key is retained so the DM
// and repeater layers can derive shared secrets later; an all-zero key
// means the advertisement carried none.
type NodeInfo struct {
	ID          uint32
	Name        string
	Type        NodeType
	RSSI        int16
	SNR         float32
	LastHeard   uint32
	HasLocation bool
	Latitude    float64
	Longitude   float64
	PubKey      [32]byte
}

// HasPubKey reports whether a usable public key was ever seen for the node.
func (n NodeInfo) HasPubKey() bool {
	for _, b := range n.PubKey {
		if b != 0 {
			return true
		}
	}
	return false
}

// Message is one entry of the broadcast/channel history ring.
type Message struct {
	SenderID  uint32
	Timestamp uint32
	Text      string
	Outgoing  bool
	Delivered bool
}

// Directory is a fixed-capacity node table plus a circular message buffer.
// Admission to a full node table fails silently; the ring overwrites oldest.
type Directory struct {
	log       zerolog.Logger
	nodes     [MaxNodes]NodeInfo
	nodeCount int
	messages  [MaxMessages]Message
	msgCount  int
	msgHead   int
}

func New(log zerolog.Logger) *Directory {
	return &Directory{log: log.With().Str("component", "directory").Logger()}
}

// Update inserts or refreshes a node by ID. A zero incoming public key
// never clobbers a previously learned one. Returns false when the table
// is full and the node is new.
func (d *Directory) Update(node NodeInfo) bool {
	if len(node.Name) > MaxNameLen {
		node.Name = node.Name[:MaxNameLen]
	}
	for i := 0; i < d.nodeCount; i++ {
		if d.nodes[i].ID == node.ID {
			if !nodeHasKey(node.PubKey) {
				node.PubKey = d.nodes[i].PubKey
			}
			d.nodes[i] = node
			return true
		}
	}
	if d.nodeCount >= MaxNodes {
		d.log.Debug().Uint32("node_id", node.ID).Msg("node table full, dropping")
		return false
	}
	d.nodes[d.nodeCount] = node
	d.nodeCount++
	return true
}

func (d *Directory) NodeCount() int { return d.nodeCount }

// Node returns the node at index i in discovery order.
func (d *Directory) Node(i int) (NodeInfo, bool) {
	if i < 0 || i >= d.nodeCount {
		return NodeInfo{}, false
	}
	return d.nodes[i], true
}

// NodeByID looks a node up by its 32-bit identifier.
func (d *Directory) NodeByID(id uint32) (NodeInfo, bool) {
	for i := 0; i < d.nodeCount; i++ {
		if d.nodes[i].ID == id {
			return d.nodes[i], true
		}
	}
	return NodeInfo{}, false
}

// AddMessage appends to the history ring, overwriting the oldest entry
// once full.
func (d *Directory) AddMessage(msg Message) {
	if len(msg.Text) > MaxMessageLen {
		msg.Text = msg.Text[:MaxMessageLen]
	}
	d.messages[d.msgHead] = msg
	d.msgHead = (d.msgHead + 1) % MaxMessages
	if d.msgCount < MaxMessages {
		d.msgCount++
	}
}

func (d *Directory) MessageCount() int { return d.msgCount }

// Message returns the i-th retained message in arrival order.
func (d *Directory) Message(i int) (Message, bool) {
	if i < 0 || i >= d.msgCount {
		return Message{}, false
	}
	idx := (d.msgHead - d.msgCount + i + MaxMessages) % MaxMessages
	return d.messages[idx], true
}

// MarkLatestOutgoingDelivered flips the delivered flag on the most recent
// undelivered outgoing entry. Legacy ack fallback for broadcasts.
func (d *Directory) MarkLatestOutgoingDelivered() bool {
	for i := 0; i < d.msgCount; i++ {
		idx := (d.msgHead - 1 - i + MaxMessages) % MaxMessages
		if d.messages[idx].Outgoing && !d.messages[idx].Delivered {
			d.messages[idx].Delivered = true
			return true
		}
	}
	return false
}

func nodeHasKey(k [32]byte) bool {
	for _, b := range k {
		if b != 0 {
			return true
		}
	}
	return false
}
