package main

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/rs/zerolog"

	"github.com/nodakmesh/meshberry/internal/companion"
)

// Frame markers on the companion TCP stream, MeshCore serial convention:
// '<' for app-to-device, '>' for device-to-app, then a LE u16 length.
const (
	frameInbound  = 0x3c
	frameOutbound = 0x3e
)

// tcpLink is a companion.Link over one TCP client at a time. The listener
// goroutine owns the socket; frames cross to the foreground loop through
// a channel so the bridge never blocks on I/O.
type tcpLink struct {
	log      zerolog.Logger
	listener net.Listener

	mu     sync.Mutex
	conn   net.Conn
	frames chan []byte
}

func newTCPLink(log zerolog.Logger, addr string) (*tcpLink, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("companion link: listen %s: %w", addr, err)
	}
	l := &tcpLink{
		log:      log.With().Str("component", "companion_link").Logger(),
		listener: listener,
		frames:   make(chan []byte, 32),
	}
	go l.acceptLoop()
	return l, nil
}

func (l *tcpLink) Close() error { return l.listener.Close() }

func (l *tcpLink) acceptLoop() {
	for {
		conn, err := l.listener.Accept()
		if err != nil {
			return
		}
		l.mu.Lock()
		if l.conn != nil {
			// One companion at a time; newest wins.
			l.conn.Close()
		}
		l.conn = conn
		l.mu.Unlock()
		l.log.Info().Str("remote", conn.RemoteAddr().String()).Msg("companion connected")
		go l.readLoop(conn)
	}
}

func (l *tcpLink) readLoop(conn net.Conn) {
	defer func() {
		l.mu.Lock()
		if l.conn == conn {
			l.conn = nil
		}
		l.mu.Unlock()
		conn.Close()
		l.log.Info().Msg("companion disconnected")
	}()

	head := make([]byte, 3)
	for {
		if _, err := io.ReadFull(conn, head); err != nil {
			return
		}
		if head[0] != frameInbound {
			l.log.Debug().Uint8("marker", head[0]).Msg("bad frame marker")
			return
		}
		size := binary.LittleEndian.Uint16(head[1:3])
		if size == 0 || int(size) > companion.MaxFrameLen {
			l.log.Debug().Uint16("size", size).Msg("bad frame size")
			return
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(conn, payload); err != nil {
			return
		}
		select {
		case l.frames <- payload:
		default:
			l.log.Debug().Msg("inbound frame queue full, dropping")
		}
	}
}

// ---- companion.Link ----

func (l *tcpLink) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil
}

func (l *tcpLink) ReadFrame() ([]byte, error) {
	select {
	case frame, ok := <-l.frames:
		if !ok {
			return nil, companion.ErrNoFrame
		}
		return frame, nil
	default:
		return nil, companion.ErrNoFrame
	}
}

func (l *tcpLink) WriteFrame(payload []byte) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("companion link: not connected")
	}

	frame := make([]byte, 3+len(payload))
	frame[0] = frameOutbound
	binary.LittleEndian.PutUint16(frame[1:3], uint16(len(payload)))
	copy(frame[3:], payload)
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("companion link: write: %w", err)
	}
	return nil
}
