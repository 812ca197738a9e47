// Command node is a minimal example Node process built on nodeclient: it
// registers with a Gateway, logs every inbound lane message, and
// reconnects automatically on disconnect.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bken/agentmesh/internal/protocol"
	wtransport "github.com/bken/agentmesh/internal/transport/webtransport"
	"github.com/bken/agentmesh/nodeclient"
)

func main() {
	gatewayURL := flag.String("gateway", "ws://localhost:8443/ws", "Gateway WebSocket URL")
	nodeID := flag.String("node-id", "", "this node's identifier (required)")
	token := flag.String("token", "", "legacy bearer token, if the Gateway uses legacy/dual auth")
	useWebtransport := flag.Bool("webtransport", false, "dial the Gateway over WebTransport instead of WebSocket (-gateway must be an https:// URL)")
	flag.Parse()

	if *nodeID == "" {
		log.Fatal("[node] -node-id is required")
	}

	var dial nodeclient.Dial
	if *useWebtransport {
		dial = func(ctx context.Context) (nodeclient.WSConn, error) {
			conn, err := wtransport.Dial(ctx, *gatewayURL, &tls.Config{InsecureSkipVerify: true})
			if err != nil {
				return nil, err
			}
			return conn, nil
		}
	} else {
		dialer := websocket.DefaultDialer
		dial = func(ctx context.Context) (nodeclient.WSConn, error) {
			u, err := url.Parse(*gatewayURL)
			if err != nil {
				return nil, err
			}
			q := u.Query()
			q.Set("nodeId", *nodeID)
			u.RawQuery = q.Encode()
			hdr := http.Header{}
			if *token != "" {
				hdr.Set("Authorization", "Bearer "+*token)
			}
			conn, _, err := dialer.DialContext(ctx, u.String(), hdr)
			if err != nil {
				return nil, err
			}
			return conn, nil
		}
	}

	c := nodeclient.New(nodeclient.Config{
		NodeID: *nodeID,
		Token:  *token,
		Capabilities: protocol.Capabilities{
			AgentTypes:     []string{"example"},
			Tools:          []string{},
			MaxConcurrency: 4,
			Channels:       []string{"*"},
		},
	}, dial)

	c.SetHandlers(nodeclient.Handlers{
		OnConnected:    func(sessionID string) { slog.Info("connected", "session_id", sessionID) },
		OnReconnecting: func(attempt int, delay time.Duration) { slog.Info("reconnecting", "attempt", attempt, "delay", delay) },
		OnDisconnected: func(reason string) { slog.Warn("disconnected", "reason", reason) },
		OnMessage: func(msg protocol.LaneMessage) error {
			slog.Info("lane message received", "message_id", msg.ID, "lane", msg.Lane, "channel_id", msg.ChannelID)
			return nil
		},
		OnConfigChanged: func(fields []string) { slog.Info("config changed", "fields", fields) },
		OnError:         func(err error) { slog.Error("nodeclient error", "err", err) },
	})

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("node shutting down")
		c.Stop()
	}()

	if err := c.Start(context.Background()); err != nil && err != nodeclient.ErrStopped {
		log.Fatalf("[node] %v", err)
	}
}
