// Package channel counts how often the mesh echoes back channel messages
// this node originated. The content hash is shared with the UI layer, so
// its algorithm is fixed bit-for-bit.
package channel

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

const (
	// MaxStats bounds the number of concurrently tracked sends.
	MaxStats = 8
	// StatsExpiry is how long an entry stays eligible for repeat matching.
	StatsExpiry = 60 * time.Second
)

// Hash is FNV-1a over the channel index then the message text. Stable:
// the UI correlates locally sent messages with repeat updates through it.
func Hash(channelIdx int, text string) uint32 {
	const prime = 0x01000193
	h := uint32(0x811C9DC5)
	h ^= uint32(channelIdx)
	h *= prime
	for i := 0; i < len(text); i++ {
		h ^= uint32(text[i])
		h *= prime
	}
	return h
}

// RepeatFunc receives the running repeat count for a tracked message.
type RepeatFunc func(channelIdx int, contentHash uint32, count int)

type stat struct {
	contentHash uint32
	sentAt      time.Time
	channelIdx  int
	repeatCount int
	active      bool
}

// Tracker is the fixed 8-slot send tracker. Expired slots are reused;
// active unexpired slots are never evicted, so admission can fail.
type Tracker struct {
	log      zerolog.Logger
	clk      clock.Clock
	onRepeat RepeatFunc
	slots    [MaxStats]stat
}

func NewTracker(log zerolog.Logger, clk clock.Clock, onRepeat RepeatFunc) *Tracker {
	return &Tracker{
		log:      log.With().Str("component", "channel").Logger(),
		clk:      clk,
		onRepeat: onRepeat,
	}
}

// TrackSent records a freshly sent channel message. Returns false when all
// slots hold active unexpired entries.
func (t *Tracker) TrackSent(channelIdx int, text string) bool {
	now := t.clk.Now()
	t.expire(now)

	slot := -1
	for i := range t.slots {
		if !t.slots[i].active {
			slot = i
			break
		}
	}
	if slot < 0 {
		t.log.Debug().Int("channel", channelIdx).Msg("stats table full, not tracking")
		return false
	}

	h := Hash(channelIdx, text)
	t.slots[slot] = stat{
		contentHash: h,
		sentAt:      now,
		channelIdx:  channelIdx,
		active:      true,
	}
	t.log.Debug().Int("channel", channelIdx).Uint32("hash", h).Msg("tracking sent message")
	return true
}

// CheckRepeat matches an observed echo against the tracked sends and, on a
// hit, bumps and reports the repeat count. Callers must already have
// established that the echo is self-originated content.
func (t *Tracker) CheckRepeat(channelIdx int, text string) (int, bool) {
	h := Hash(channelIdx, text)
	now := t.clk.Now()

	for i := range t.slots {
		s := &t.slots[i]
		if !s.active || s.channelIdx != channelIdx || s.contentHash != h {
			continue
		}
		if now.Sub(s.sentAt) > StatsExpiry {
			s.active = false
			continue
		}
		s.repeatCount++
		t.log.Debug().
			Int("channel", channelIdx).
			Uint32("hash", h).
			Int("count", s.repeatCount).
			Msg("heard our message repeated")
		if t.onRepeat != nil {
			t.onRepeat(channelIdx, h, s.repeatCount)
		}
		return s.repeatCount, true
	}
	return 0, false
}

// ActiveCount reports how many unexpired entries are currently tracked.
func (t *Tracker) ActiveCount() int {
	t.expire(t.clk.Now())
	n := 0
	for i := range t.slots {
		if t.slots[i].active {
			n++
		}
	}
	return n
}

func (t *Tracker) expire(now time.Time) {
	for i := range t.slots {
		if t.slots[i].active && now.Sub(t.slots[i].sentAt) > StatsExpiry {
			t.slots[i].active = false
		}
	}
}
