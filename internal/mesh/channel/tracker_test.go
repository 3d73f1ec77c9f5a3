package channel

import (
	"fmt"
	"hash/fnv"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/nodakmesh/meshberry/internal/testutil/testlog"
)

// Independent FNV-1a over the same byte sequence the tracker hashes:
// the channel index byte, then the text.
func referenceHash(channelIdx byte, text string) uint32 {
	h := fnv.New32a()
	h.Write([]byte{channelIdx})
	h.Write([]byte(text))
	return h.Sum32()
}

func TestHashMatchesReferenceAlgorithm(t *testing.T) {
	testlog.Start(t)

	cases := []struct {
		channel int
		text    string
	}{
		{0, "hello"},
		{0, ""},
		{1, "hello"},
		{7, "the quick brown fox"},
	}
	for _, tc := range cases {
		got := Hash(tc.channel, tc.text)
		want := referenceHash(byte(tc.channel), tc.text)
		if got != want {
			t.Fatalf("Hash(%d, %q) = %08X, want %08X", tc.channel, tc.text, got, want)
		}
	}
}

func TestHashIsPureAndChannelSensitive(t *testing.T) {
	testlog.Start(t)

	first := Hash(0, "hello")
	for i := 0; i < 100; i++ {
		if Hash(0, "hello") != first {
			t.Fatalf("hash not stable across calls")
		}
	}
	if Hash(0, "hello") == Hash(1, "hello") {
		t.Fatalf("hash ignores channel index")
	}
	if Hash(0, "hello") == Hash(0, "hello!") {
		t.Fatalf("hash ignores text")
	}
}

func TestRepeatCountingProgression(t *testing.T) {
	testlog.Start(t)
	mock := clock.NewMock()

	var reported []int
	tr := NewTracker(log.Logger, mock, func(channelIdx int, contentHash uint32, count int) {
		if channelIdx != 0 {
			t.Fatalf("callback channel = %d, want 0", channelIdx)
		}
		reported = append(reported, count)
	})

	if !tr.TrackSent(0, "hi") {
		t.Fatalf("TrackSent refused with empty table")
	}

	for want := 1; want <= 3; want++ {
		mock.Add(5 * time.Second)
		count, ok := tr.CheckRepeat(0, "hi")
		if !ok {
			t.Fatalf("echo %d did not match", want)
		}
		if count != want {
			t.Fatalf("repeat count = %d, want %d", count, want)
		}
	}
	if len(reported) != 3 {
		t.Fatalf("got %d callbacks, want 3", len(reported))
	}

	// Past expiry the entry no longer matches and nothing increments.
	mock.Add(50 * time.Second) // 65s since send
	if _, ok := tr.CheckRepeat(0, "hi"); ok {
		t.Fatalf("expired entry still matched")
	}
	if len(reported) != 3 {
		t.Fatalf("expired echo produced a callback")
	}
}

func TestRepeatIgnoresOtherContent(t *testing.T) {
	testlog.Start(t)
	mock := clock.NewMock()
	tr := NewTracker(log.Logger, mock, nil)

	tr.TrackSent(0, "hi")
	if _, ok := tr.CheckRepeat(0, "bye"); ok {
		t.Fatalf("different text matched")
	}
	if _, ok := tr.CheckRepeat(1, "hi"); ok {
		t.Fatalf("different channel matched")
	}
}

func TestAdmissionRefusedWhenAllSlotsActive(t *testing.T) {
	testlog.Start(t)
	mock := clock.NewMock()
	tr := NewTracker(log.Logger, mock, nil)

	for i := 0; i < MaxStats; i++ {
		if !tr.TrackSent(0, fmt.Sprintf("msg-%d", i)) {
			t.Fatalf("TrackSent %d refused below capacity", i)
		}
	}
	if tr.TrackSent(0, "one too many") {
		t.Fatalf("9th entry admitted while 8 active and unexpired")
	}
	if got := tr.ActiveCount(); got != MaxStats {
		t.Fatalf("ActiveCount = %d, want %d", got, MaxStats)
	}

	// Expired slots are eligible for reuse.
	mock.Add(StatsExpiry + time.Second)
	if !tr.TrackSent(0, "after expiry") {
		t.Fatalf("TrackSent refused after all entries expired")
	}
	if got := tr.ActiveCount(); got != 1 {
		t.Fatalf("ActiveCount after expiry = %d, want 1", got)
	}
}
