// Package webtransport adapts github.com/quic-go/webtransport-go to the
// same WSConn method set internal/supervisor and nodeclient already
// drive over gorilla/websocket, so a node MAY register over WebTransport
// instead of WebSocket without either package knowing the difference
// (spec §9's transport-agnostic framing).
//
// Grounded on server/client.go's handleClient: a WebTransport session's
// first accepted stream carries newline-delimited JSON control
// messages. QUIC streams have no built-in message framing the way a
// websocket connection does, so Conn reproduces that same
// newline-delimited framing for protocol.Frame instead of websocket's
// text-frame boundaries.
package webtransport

import (
	"bufio"
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/webtransport-go"
)

// Conn wraps one WebTransport session and its control stream, presenting
// the same method set as *websocket.Conn's WSConn subset used elsewhere
// in this module.
type Conn struct {
	sess   *webtransport.Session
	stream *webtransport.Stream
	reader *bufio.Reader

	writeMu sync.Mutex
}

// New wraps an already-accepted session and its first stream.
func New(sess *webtransport.Session, stream *webtransport.Stream) *Conn {
	return &Conn{sess: sess, stream: stream, reader: bufio.NewReader(stream)}
}

// ReadMessage reads one newline-delimited frame. The returned message
// type is always 1 (text), matching websocket.TextMessage, since every
// frame on this transport is JSON.
func (c *Conn) ReadMessage() (int, []byte, error) {
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return 0, nil, err
	}
	return 1, bytes.TrimRight(line, "\n"), nil
}

// WriteMessage writes data followed by a newline. Safe for concurrent use.
func (c *Conn) WriteMessage(_ int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.stream.Write(append(append([]byte(nil), data...), '\n')); err != nil {
		return fmt.Errorf("webtransport: write: %w", err)
	}
	return nil
}

// WriteControl has no QUIC-native equivalent to a websocket close frame;
// it writes data (the close payload) as one final framed message, and
// the caller's subsequent Close tears down the session with a QUIC
// application error code instead of a websocket close code.
func (c *Conn) WriteControl(messageType int, data []byte, _ time.Time) error {
	return c.WriteMessage(messageType, data)
}

// SetReadDeadline forwards to the underlying stream.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.stream.SetReadDeadline(t)
}

// Close closes the control stream and the session.
func (c *Conn) Close() error {
	_ = c.stream.Close()
	return c.sess.CloseWithError(0, "closed")
}
