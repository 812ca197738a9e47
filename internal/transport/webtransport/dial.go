package webtransport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"

	"github.com/quic-go/webtransport-go"
)

// Dial opens a WebTransport session to url and opens its control
// stream, for use as a nodeclient.Dial. Grounded on
// server_test.go's dialTestClient: webtransport.Dialer.Dial followed by
// OpenStream for the control channel.
func Dial(ctx context.Context, url string, tlsConfig *tls.Config) (*Conn, error) {
	d := webtransport.Dialer{TLSClientConfig: tlsConfig}
	_, sess, err := d.Dial(ctx, url, http.Header{})
	if err != nil {
		return nil, fmt.Errorf("webtransport: dial %s: %w", url, err)
	}
	stream, err := sess.OpenStreamSync(ctx)
	if err != nil {
		sess.CloseWithError(0, "no control stream")
		return nil, fmt.Errorf("webtransport: open control stream: %w", err)
	}
	return New(sess, stream), nil
}
