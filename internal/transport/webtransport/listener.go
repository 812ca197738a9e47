package webtransport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"

	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"
)

// Listener upgrades incoming HTTP/3 requests to WebTransport sessions
// and hands each one's first stream to onConn, mirroring
// server/client.go's handleClient: accept the control stream, hand off,
// let the caller (internal/supervisor.HandleConn) run the rest of the
// registration handshake transport-agnostically.
type Listener struct {
	wt *webtransport.Server
}

// NewListener builds a Listener bound to addr, serving h3 over tlsConfig.
// Register its handler with Handle before calling ListenAndServe.
func NewListener(addr string, tlsConfig *tls.Config) *Listener {
	return &Listener{
		wt: &webtransport.Server{
			H3: &http3.Server{
				Addr:      addr,
				TLSConfig: tlsConfig,
			},
		},
	}
}

// Handle registers path on the listener's HTTP/3 mux, accepting one
// control stream per session and invoking onConn with the adapted
// connection. onConn is responsible for the full connection lifecycle
// (it should block until the session ends, the way
// supervisor.HandleConn does for a websocket connection).
func (l *Listener) Handle(path string, onConn func(conn *Conn, remoteAddr string)) {
	mux, ok := l.wt.H3.Handler.(*http.ServeMux)
	if !ok {
		mux = http.NewServeMux()
		l.wt.H3.Handler = mux
	}
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		sess, err := l.wt.Upgrade(w, r)
		if err != nil {
			http.Error(w, "webtransport upgrade failed", http.StatusInternalServerError)
			return
		}
		stream, err := sess.AcceptStream(context.Background())
		if err != nil {
			sess.CloseWithError(0, "no control stream")
			return
		}
		onConn(New(sess, stream), r.RemoteAddr)
	})
}

// ListenAndServe blocks serving HTTP/3 until the process is stopped.
func (l *Listener) ListenAndServe() error {
	if err := l.wt.ListenAndServe(); err != nil {
		return fmt.Errorf("webtransport: listen: %w", err)
	}
	return nil
}

// Close tears down the listener.
func (l *Listener) Close() error {
	return l.wt.Close()
}
