package dm

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog/log"

	"github.com/nodakmesh/meshberry/internal/testutil/testlog"
)

type sentCall struct {
	direct  bool
	payload []byte
	path    []byte
}

type fakeRadio struct {
	calls []sentCall
	fail  bool
}

func (r *fakeRadio) SendFlood(peerPub, secret [32]byte, payload []byte) error {
	if r.fail {
		return errors.New("radio down")
	}
	r.calls = append(r.calls, sentCall{payload: append([]byte(nil), payload...)})
	return nil
}

func (r *fakeRadio) SendDirect(peerPub, secret [32]byte, payload []byte, path []byte) error {
	if r.fail {
		return errors.New("radio down")
	}
	r.calls = append(r.calls, sentCall{
		direct:  true,
		payload: append([]byte(nil), payload...),
		path:    append([]byte(nil), path...),
	})
	return nil
}

type report struct {
	contactID uint32
	ackTag    uint32
	delivered bool
	attempts  int
}

func idHash(pub [32]byte) [8]byte {
	sum := sha256.Sum256(pub[:])
	var out [8]byte
	copy(out[:], sum[:8])
	return out
}

func testKey(b byte) [32]byte {
	var k [32]byte
	k[0] = b
	return k
}

type harness struct {
	m       *Manager
	radio   *fakeRadio
	mock    *clock.Mock
	reports *[]report
	retries *[]int
}

func newHarness(t *testing.T) harness {
	t.Helper()
	testlog.Start(t)
	mock := clock.NewMock()
	radio := &fakeRadio{}
	reports := &[]report{}
	retries := &[]int{}
	var self [32]byte
	self[31] = 0xAA
	m := NewManager(log.Logger, mock, DefaultConfig(), self, radio, idHash,
		func(contactID, ackTag uint32, delivered bool, attempts int) {
			*reports = append(*reports, report{contactID, ackTag, delivered, attempts})
		})
	m.OnRetry = func(contactID uint32, attempt int) {
		*retries = append(*retries, attempt)
	}
	return harness{m: m, radio: radio, mock: mock, reports: reports, retries: retries}
}

func TestPathValidity(t *testing.T) {
	h := newHarness(t)
	now := h.mock.Now()

	if !h.m.IsPathValid(3, now.Add(-29*time.Minute)) {
		t.Fatalf("29min old path reported invalid")
	}
	if h.m.IsPathValid(3, now.Add(-31*time.Minute)) {
		t.Fatalf("31min old path reported valid")
	}
	if h.m.IsPathValid(PathUnknown, now) {
		t.Fatalf("unknown path reported valid")
	}
	if h.m.IsPathValid(0, time.Time{}) {
		t.Fatalf("never-learned path reported valid")
	}
}

func TestSendChoosesDirectWithValidPath(t *testing.T) {
	h := newHarness(t)
	h.m.EnsurePeer(1, testKey(1), testKey(0x51))

	// Without a path the send floods.
	if _, ok := h.m.Send(1, "first"); !ok {
		t.Fatalf("flood send failed")
	}
	if h.radio.calls[0].direct {
		t.Fatalf("pathless send went direct")
	}

	h.m.LearnPath(1, []byte{0x10, 0x20})
	if _, ok := h.m.Send(1, "second"); !ok {
		t.Fatalf("direct send failed")
	}
	last := h.radio.calls[len(h.radio.calls)-1]
	if !last.direct {
		t.Fatalf("send with valid path did not go direct")
	}
	if len(last.path) != 2 {
		t.Fatalf("direct send path len = %d, want 2", len(last.path))
	}
}

func TestSendRefusals(t *testing.T) {
	h := newHarness(t)
	h.m.EnsurePeer(1, testKey(1), testKey(0x51))

	if _, ok := h.m.Send(1, ""); ok {
		t.Fatalf("empty text accepted")
	}
	if _, ok := h.m.Send(99, "hello"); ok {
		t.Fatalf("unknown contact accepted")
	}

	for i := 0; i < MaxPending; i++ {
		if _, ok := h.m.Send(1, fmt.Sprintf("msg-%d", i)); !ok {
			t.Fatalf("send %d refused below capacity", i)
		}
	}
	sent := len(h.radio.calls)
	if _, ok := h.m.Send(1, "fifth"); ok {
		t.Fatalf("5th concurrent send accepted with 4 slots active")
	}
	if h.m.PendingCount() != MaxPending {
		t.Fatalf("refused send disturbed active slots: pending = %d", h.m.PendingCount())
	}
	if len(h.radio.calls) != sent {
		t.Fatalf("refused send reached the radio")
	}
}

func TestRetryExhaustionReportsOnce(t *testing.T) {
	h := newHarness(t)
	h.m.EnsurePeer(1, testKey(1), testKey(0x51))

	if _, ok := h.m.Send(1, "hello"); !ok {
		t.Fatalf("send failed")
	}

	cfg := DefaultConfig()
	// Initial attempt plus FloodRetries resends, then one failure.
	for i := 0; i < cfg.FloodRetries; i++ {
		h.mock.Add(cfg.FloodTimeout + time.Second)
		h.m.CheckPendingTimeouts()
		if len(*h.reports) != 0 {
			t.Fatalf("premature report after retry %d", i+1)
		}
	}
	if got := len(h.radio.calls); got != 1+cfg.FloodRetries {
		t.Fatalf("radio calls = %d, want %d", got, 1+cfg.FloodRetries)
	}
	// Every resend is observed with its attempt number.
	if got := len(*h.retries); got != cfg.FloodRetries {
		t.Fatalf("retry observations = %d, want %d", got, cfg.FloodRetries)
	}
	if (*h.retries)[0] != 2 || (*h.retries)[cfg.FloodRetries-1] != 1+cfg.FloodRetries {
		t.Fatalf("retry attempt counts = %v", *h.retries)
	}

	h.mock.Add(cfg.FloodTimeout + time.Second)
	h.m.CheckPendingTimeouts()
	if len(*h.reports) != 1 {
		t.Fatalf("reports = %d, want exactly 1", len(*h.reports))
	}
	r := (*h.reports)[0]
	if r.delivered {
		t.Fatalf("exhaustion reported delivered=true")
	}
	if r.attempts != 1+cfg.FloodRetries {
		t.Fatalf("final attempts = %d, want %d", r.attempts, 1+cfg.FloodRetries)
	}
	if h.m.PendingCount() != 0 {
		t.Fatalf("slot not freed after exhaustion")
	}

	// Further passes must not re-report.
	h.mock.Add(cfg.FloodTimeout + time.Second)
	h.m.CheckPendingTimeouts()
	if len(*h.reports) != 1 {
		t.Fatalf("exhausted slot reported twice")
	}
}

func TestDirectTimeoutFallsBackToFlood(t *testing.T) {
	h := newHarness(t)
	h.m.EnsurePeer(1, testKey(1), testKey(0x51))
	h.m.LearnPath(1, []byte{0x10})

	if _, ok := h.m.Send(1, "hello"); !ok {
		t.Fatalf("send failed")
	}
	if !h.radio.calls[0].direct {
		t.Fatalf("first attempt not direct")
	}

	cfg := DefaultConfig()
	h.mock.Add(cfg.DirectTimeout + time.Second)
	h.m.CheckPendingTimeouts()

	if len(h.radio.calls) != 2 {
		t.Fatalf("radio calls = %d, want 2", len(h.radio.calls))
	}
	if h.radio.calls[1].direct {
		t.Fatalf("retry after direct timeout did not switch to flood")
	}
	if len(*h.retries) != 1 || (*h.retries)[0] != 2 {
		t.Fatalf("retry observations = %v, want [2]", *h.retries)
	}
}

func TestExhaustionInvalidatesPath(t *testing.T) {
	h := newHarness(t)
	h.m.EnsurePeer(1, testKey(1), testKey(0x51))
	h.m.LearnPath(1, []byte{0x10, 0x20, 0x30})

	if _, ok := h.m.Send(1, "hello"); !ok {
		t.Fatalf("send failed")
	}
	cfg := DefaultConfig()
	// Run until the terminal failure report arrives.
	for i := 0; i < 20 && len(*h.reports) == 0; i++ {
		h.mock.Add(cfg.FloodTimeout + time.Second)
		h.m.CheckPendingTimeouts()
	}
	if len(*h.reports) != 1 {
		t.Fatalf("no terminal report after exhaustion")
	}

	peer, _ := h.m.Peer(1)
	if peer.PathLen() != PathUnknown {
		t.Fatalf("path not invalidated after exhaustion: len=%d", peer.PathLen())
	}
}

func TestAckMatchIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.m.EnsurePeer(1, testKey(1), testKey(0x51))

	tag, ok := h.m.Send(1, "hello")
	if !ok {
		t.Fatalf("send failed")
	}

	if !h.m.OnAckRecv(tag, []byte{0x10, 0x20}) {
		t.Fatalf("ack did not match pending slot")
	}
	if len(*h.reports) != 1 || !(*h.reports)[0].delivered {
		t.Fatalf("ack did not produce one success report")
	}
	peer, _ := h.m.Peer(1)
	if peer.PathLen() != 2 {
		t.Fatalf("ack path not learned: len=%d", peer.PathLen())
	}

	if h.m.OnAckRecv(tag, nil) {
		t.Fatalf("second identical ack matched a freed slot")
	}
	if len(*h.reports) != 1 {
		t.Fatalf("second ack produced another report")
	}
}

func TestAckTagDerivation(t *testing.T) {
	testlog.Start(t)
	self := testKey(0xAA)

	a := AckTag(1234, 0, "hello", self)
	if a != AckTag(1234, 0, "hello", self) {
		t.Fatalf("ack tag not deterministic")
	}
	// Only the low two attempt bits participate.
	if AckTag(1234, 4, "hello", self) != AckTag(1234, 0, "hello", self) {
		t.Fatalf("attempt bits above mask changed the tag")
	}
	if AckTag(1234, 1, "hello", self) == a {
		t.Fatalf("attempt bit ignored")
	}
	if AckTag(1235, 0, "hello", self) == a {
		t.Fatalf("timestamp ignored")
	}
	if AckTag(1234, 0, "hello", testKey(0xBB)) == a {
		t.Fatalf("sender key ignored")
	}
}

func TestPeerTableEviction(t *testing.T) {
	h := newHarness(t)

	for i := 0; i < MaxPeers; i++ {
		if h.m.EnsurePeer(uint32(i+1), testKey(byte(i+1)), testKey(0x50)) == nil {
			t.Fatalf("peer %d refused below capacity", i)
		}
	}
	// A full table shifts the oldest slot out.
	if h.m.EnsurePeer(100, testKey(100), testKey(0x50)) == nil {
		t.Fatalf("peer refused on full table")
	}
	if _, ok := h.m.Peer(1); ok {
		t.Fatalf("oldest peer survived eviction")
	}
	if _, ok := h.m.Peer(100); !ok {
		t.Fatalf("newest peer missing after eviction")
	}

	if h.m.EnsurePeer(200, [32]byte{}, testKey(0x50)) != nil {
		t.Fatalf("peer with all-zero pubkey admitted")
	}
}

func TestPeerByHash(t *testing.T) {
	h := newHarness(t)
	pub := testKey(7)
	h.m.EnsurePeer(7, pub, testKey(0x50))

	full := idHash(pub)
	peer, ok := h.m.PeerByHash(full[:1])
	if !ok || peer.ContactID != 7 {
		t.Fatalf("one-byte hash prefix did not match peer")
	}
	if _, ok := h.m.PeerByHash([]byte{^full[0]}); ok {
		t.Fatalf("wrong hash matched a peer")
	}
}
