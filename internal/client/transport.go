package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/energizer-project/gignet/internal/protocol"
)

const (
	dialTimeout  = 10 * time.Second
	writeTimeout = 5 * time.Second
)

// errFinalClose marks a stream the server closed on purpose; the client
// does not reconnect after it.
var errFinalClose = errors.New("server closed the connection normally")

// stream is one framed connection to the server.
type stream interface {
	// read returns the next tag+body payload.
	read() ([]byte, error)
	// write sends one complete frame.
	write(frame []byte) error
	close() error
}

type tcpStream struct {
	conn     net.Conn
	reader   *bufio.Reader
	maxFrame int
	mu       sync.Mutex
}

func dialTCP(ctx context.Context, addr string, maxFrame int) (stream, error) {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}
	return &tcpStream{conn: conn, reader: bufio.NewReader(conn), maxFrame: maxFrame}, nil
}

func (s *tcpStream) read() ([]byte, error) {
	for {
		payload, err := protocol.ReadFrame(s.reader, s.maxFrame)
		if err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			return payload, nil
		}
	}
}

func (s *tcpStream) write(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := s.conn.Write(frame)
	return err
}

func (s *tcpStream) close() error { return s.conn.Close() }

type wsStream struct {
	conn     *websocket.Conn
	maxFrame int
	mu       sync.Mutex
}

func dialWS(ctx context.Context, url string, maxFrame int) (stream, error) {
	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}
	conn.SetReadLimit(int64(maxFrame) + protocol.LengthPrefixSize)
	return &wsStream{conn: conn, maxFrame: maxFrame}, nil
}

func (s *wsStream) read() ([]byte, error) {
	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil, errFinalClose
			}
			return nil, err
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		payload, err := protocol.DecodeFrame(data, s.maxFrame)
		if err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			return payload, nil
		}
	}
}

func (s *wsStream) write(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (s *wsStream) close() error {
	s.mu.Lock()
	s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.mu.Unlock()
	return s.conn.Close()
}
