// Package repeater holds the single administration session against a
// remote repeater node: authenticated login, CLI command exchange, and
// the login timeout.
package repeater

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

const (
	// MaxPasswordLen is the longest login password carried on the wire.
	MaxPasswordLen = 15

	loginRespOK   = 0
	cliDataFlag   = 1 << 2 // CLI data marker in the upper flag bits
	payloadHeader = 4      // timestamp
)

// State is the session lifecycle. One transition chain:
// Disconnected -> LoginPending -> Connected -> Disconnected.
type State int

const (
	Disconnected State = iota
	LoginPending
	Connected
)

func (s State) String() string {
	switch s {
	case LoginPending:
		return "login_pending"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

var (
	ErrNotDisconnected = fmt.Errorf("repeater: session already in progress")
	ErrNotConnected    = fmt.Errorf("repeater: not connected")
	ErrNoPublicKey     = fmt.Errorf("repeater: no public key known for target")
	ErrEmptyPassword   = fmt.Errorf("repeater: empty password")
)

// Radio sends authenticated payloads to the session peer. Implemented by
// the engine on top of the mesh transport. Login rides an anonymous
// request (the repeater has not seen us yet); commands ride an ordinary
// peer datagram.
type Radio interface {
	SendLogin(peerPub, secret [32]byte, payload []byte) error
	SendCommand(peerPub, secret [32]byte, payload []byte) error
}

// SecretFunc derives the shared secret for a peer public key.
type SecretFunc func(pub [32]byte) ([32]byte, error)

// LoginResultFunc reports the outcome of a login attempt.
type LoginResultFunc func(ok bool, perms uint8, name string)

// CLIResponseFunc surfaces command output text from the connected repeater.
type CLIResponseFunc func(text string)

// NameFunc resolves a repeater's display name from its identifier.
// May return "" when the node is not in the directory.
type NameFunc func(id uint32) string

// Session is the singleton repeater administration session.
type Session struct {
	log          zerolog.Logger
	clk          clock.Clock
	loginTimeout time.Duration
	radio        Radio
	secretFn     SecretFunc
	idHash       func(pub [32]byte) [8]byte
	nameFn       NameFunc
	onLogin      LoginResultFunc
	onCLI        CLIResponseFunc

	state      State
	id         uint32
	name       string
	pubKey     [32]byte
	secret     [32]byte
	perms      uint8
	loginStart time.Time
}

func NewSession(log zerolog.Logger, clk clock.Clock, loginTimeout time.Duration,
	radio Radio, secretFn SecretFunc, idHash func(pub [32]byte) [8]byte,
	nameFn NameFunc, onLogin LoginResultFunc, onCLI CLIResponseFunc) *Session {
	return &Session{
		log:          log.With().Str("component", "repeater").Logger(),
		clk:          clk,
		loginTimeout: loginTimeout,
		radio:        radio,
		secretFn:     secretFn,
		idHash:       idHash,
		nameFn:       nameFn,
		onLogin:      onLogin,
		onCLI:        onCLI,
	}
}

func (s *Session) State() State { return s.state }

// ID returns the identifier of the session target, zero when disconnected.
func (s *Session) ID() uint32 { return s.id }

// Name returns the resolved display name of the session target.
func (s *Session) Name() string { return s.name }

// Perms returns the permission level granted at login (0 guest .. 3 admin).
func (s *Session) Perms() uint8 { return s.perms }

// Secret exposes the session shared secret for authenticated receives.
func (s *Session) Secret() [32]byte { return s.secret }

// SendLogin starts a login against the target repeater. Valid only from
// Disconnected, and only once an advertisement has supplied the target's
// public key. The payload carries the timestamp and the password.
func (s *Session) SendLogin(id uint32, pubKey [32]byte, password string) error {
	if s.state != Disconnected {
		return ErrNotDisconnected
	}
	if !hasKey(pubKey) {
		return ErrNoPublicKey
	}
	if password == "" {
		return ErrEmptyPassword
	}
	if len(password) > MaxPasswordLen {
		password = password[:MaxPasswordLen]
	}

	secret, err := s.secretFn(pubKey)
	if err != nil {
		return fmt.Errorf("repeater: derive secret: %w", err)
	}

	now := s.clk.Now()
	payload := make([]byte, payloadHeader+len(password))
	binary.LittleEndian.PutUint32(payload[:4], uint32(now.Unix()))
	copy(payload[payloadHeader:], password)

	if err := s.radio.SendLogin(pubKey, secret, payload); err != nil {
		return fmt.Errorf("repeater: send login: %w", err)
	}

	s.state = LoginPending
	s.id = id
	s.pubKey = pubKey
	s.secret = secret
	s.loginStart = now
	s.name = s.resolveName(id)
	s.log.Info().Uint32("repeater", id).Str("name", s.name).Msg("login sent")
	return nil
}

// SendCommand wraps command text as an authenticated CLI payload to the
// connected repeater. Responses arrive asynchronously via HandleCLI.
func (s *Session) SendCommand(text string) error {
	if s.state != Connected {
		return ErrNotConnected
	}
	if text == "" {
		return fmt.Errorf("repeater: empty command")
	}

	payload := make([]byte, payloadHeader+1+len(text))
	binary.LittleEndian.PutUint32(payload[:4], uint32(s.clk.Now().Unix()))
	payload[4] = cliDataFlag
	copy(payload[5:], text)

	if err := s.radio.SendCommand(s.pubKey, s.secret, payload); err != nil {
		return fmt.Errorf("repeater: send command: %w", err)
	}
	s.log.Debug().Uint32("repeater", s.id).Int("len", len(text)).Msg("command sent")
	return nil
}

// Disconnect zeroes the session from any state.
func (s *Session) Disconnect() {
	if s.state != Disconnected {
		s.log.Info().Uint32("repeater", s.id).Msg("session closed")
	}
	*s = Session{
		log:          s.log,
		clk:          s.clk,
		loginTimeout: s.loginTimeout,
		radio:        s.radio,
		secretFn:     s.secretFn,
		idHash:       s.idHash,
		nameFn:       s.nameFn,
		onLogin:      s.onLogin,
		onCLI:        s.onCLI,
	}
}

// CheckTimeout is polled from the loop. A login still pending past the
// timeout window tears the session down and reports failure once.
func (s *Session) CheckTimeout() {
	if s.state != LoginPending {
		return
	}
	if s.clk.Now().Sub(s.loginStart) < s.loginTimeout {
		return
	}
	name := s.name
	s.log.Warn().Uint32("repeater", s.id).Msg("login timed out")
	s.Disconnect()
	if s.onLogin != nil {
		s.onLogin(false, 0, name)
	}
}

// HandleLoginResponse decodes a login response payload:
// [timestamp(4)] [type] [keepalive] [isAdmin] [perms]. Type zero grants
// the session; anything else tears it down. Ignored unless LoginPending.
func (s *Session) HandleLoginResponse(payload []byte) bool {
	if s.state != LoginPending {
		return false
	}
	if len(payload) < 5 {
		s.log.Debug().Int("len", len(payload)).Msg("short login response")
		return false
	}

	respType := payload[4]
	if respType != loginRespOK {
		name := s.name
		s.log.Warn().Uint32("repeater", s.id).Uint8("type", respType).Msg("login rejected")
		s.Disconnect()
		if s.onLogin != nil {
			s.onLogin(false, 0, name)
		}
		return true
	}

	if len(payload) >= 8 {
		s.perms = payload[7]
	} else if len(payload) >= 7 && payload[6] != 0 {
		s.perms = 3
	}
	s.state = Connected
	s.log.Info().
		Uint32("repeater", s.id).
		Str("name", s.name).
		Uint8("perms", s.perms).
		Msg("login accepted")
	if s.onLogin != nil {
		s.onLogin(true, s.perms, s.name)
	}
	return true
}

// HandleCLI surfaces response text from the connected repeater.
// Payload: [timestamp(4)] [flags] [text].
func (s *Session) HandleCLI(payload []byte) bool {
	if s.state != Connected {
		return false
	}
	if len(payload) <= 5 {
		return false
	}
	text := string(payload[5:])
	s.log.Debug().Uint32("repeater", s.id).Int("len", len(text)).Msg("cli response")
	if s.onCLI != nil {
		s.onCLI(text)
	}
	return true
}

// MatchesHash reports whether a transport identity hash belongs to the
// current session peer. Always false when disconnected.
func (s *Session) MatchesHash(hash []byte) bool {
	if s.state == Disconnected || s.idHash == nil || len(hash) == 0 {
		return false
	}
	full := s.idHash(s.pubKey)
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

func (s *Session) resolveName(id uint32) string {
	if s.nameFn != nil {
		if name := s.nameFn(id); name != "" {
			return name
		}
	}
	return fmt.Sprintf("Repeater%04X", id&0xFFFF)
}

func hasKey(k [32]byte) bool {
	for _, b := range k {
		if b != 0 {
			return true
		}
	}
	return false
}
