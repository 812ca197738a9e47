// Command gateway boots the Gateway process: an echo HTTP server
// upgrading /ws connections into the Connection Supervisor, an optional
// WebTransport listener for the same registration handshake, an SQLite
// device-key registry, and a hot-reloadable config store.
//
// Grounded on server/main.go's flag-based bootstrap shape (parse flags,
// open the store, wire callbacks, start background tickers, run until
// interrupted) and server/internal/ws/handler.go's echo Register
// pattern for the upgrade route.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/bken/agentmesh/internal/auth"
	"github.com/bken/agentmesh/internal/config"
	"github.com/bken/agentmesh/internal/keystore"
	"github.com/bken/agentmesh/internal/session"
	"github.com/bken/agentmesh/internal/supervisor"
	wtransport "github.com/bken/agentmesh/internal/transport/webtransport"
)

func main() {
	addr := flag.String("addr", ":8443", "HTTP/WebSocket listen address")
	dbPath := flag.String("db", "agentmesh.db", "SQLite device key store path")
	authMode := flag.String("auth-mode", "dual", "device auth mode: legacy, ed25519, or dual")
	token := flag.String("token", "", "legacy bearer token (required for legacy/dual auth mode)")
	maxConnections := flag.Int("max-connections", 1000, "maximum total node connections")
	perIPLimit := flag.Int("per-ip-limit", 20, "maximum node connections per IP")
	maxFramesPerSecond := flag.Int("max-frames-per-second", 100, "per-connection inbound frame rate limit")
	healthCheckInterval := flag.Duration("health-check-interval", 30*time.Second, "heartbeat ping interval")
	sessionTimeout := flag.Duration("session-timeout", 60*time.Second, "connected -> idle timeout")
	suspendTimeout := flag.Duration("suspend-timeout", 300*time.Second, "idle -> suspended timeout")
	laneCapacity := flag.Int("lane-capacity", 256, "per-lane queue capacity")
	ackTimeout := flag.Duration("ack-timeout", 0, "lane message ack timeout (default 2x health-check-interval)")
	webtransportAddr := flag.String("webtransport-addr", "", "optional WebTransport (HTTP/3) listen address; disabled if empty")
	flag.Parse()

	ks, err := keystore.Open(*dbPath)
	if err != nil {
		log.Fatalf("[keystore] %v", err)
	}
	defer ks.Close()

	seeded, err := ks.LoadAll()
	if err != nil {
		log.Fatalf("[keystore] load device keys: %v", err)
	}
	keyStore := auth.NewKeyStore(0, true)
	keyStore.Hydrate(seeded)
	keyStore.SetOnInstall(func(nodeID, publicKey string) {
		if err := ks.Install(nodeID, publicKey); err != nil {
			slog.Error("persist device key", "node_id", nodeID, "err", err)
		}
	})

	verifier := auth.NewVerifier(auth.Config{
		Mode:          auth.Mode(*authMode),
		ExpectedToken: *token,
	}, keyStore)

	sessions := session.NewManager(session.Config{
		SessionTimeout: *sessionTimeout,
		SuspendTimeout: *suspendTimeout,
	}, nil)

	cfgStore := config.NewStore(config.Hot{
		SessionTimeout:      *sessionTimeout,
		SuspendTimeout:      *suspendTimeout,
		HealthCheckInterval: *healthCheckInterval,
		LaneCapacity:        *laneCapacity,
		MaxFramesPerSecond:  *maxFramesPerSecond,
	})

	sv := supervisor.New(supervisor.Config{
		LaneCapacity:        *laneCapacity,
		MaxFramesPerSecond:  *maxFramesPerSecond,
		HealthCheckInterval: *healthCheckInterval,
		AckTimeout:          *ackTimeout,
		MaxConnections:      *maxConnections,
		PerIPLimit:          *perIPLimit,
	}, verifier, sessions)
	sessions.SetOnUpdate(sv.NotifySessionUpdate)

	sv.SetOnAudit(func(ev supervisor.AuditEvent) {
		slog.Info("audit", "type", ev.Type, "node_id", ev.NodeID, "remote", ev.RemoteAddr, "detail", ev.Detail)
	})

	upgrader := websocket.Upgrader{CheckOrigin: func(_ *http.Request) bool { return true }}

	e := echo.New()
	e.HideBanner = true
	e.GET("/ws", func(c echo.Context) error {
		acc := supervisor.Accept{
			RemoteAddr:  c.RealIP(),
			BearerToken: strings.TrimPrefix(c.Request().Header.Get("Authorization"), "Bearer "),
			NodeID:      c.QueryParam("nodeId"),
		}
		conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			slog.Error("ws upgrade failed", "remote", c.RealIP(), "err", err)
			return err
		}
		go func() {
			if err := sv.HandleConn(conn, acc); err != nil {
				slog.Debug("connection ended", "remote", acc.RemoteAddr, "err", err)
			}
		}()
		return nil
	})
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, sv.Stats())
	})
	e.POST("/admin/config", func(c echo.Context) error {
		var req struct {
			SessionTimeout      string `json:"sessionTimeout"`
			SuspendTimeout      string `json:"suspendTimeout"`
			HealthCheckInterval string `json:"healthCheckInterval"`
			LaneCapacity        int    `json:"laneCapacity"`
			MaxFramesPerSecond  int    `json:"maxFramesPerSecond"`
		}
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		parse := func(s string) (time.Duration, error) {
			if s == "" {
				return 0, nil
			}
			return time.ParseDuration(s)
		}
		sessT, err := parse(req.SessionTimeout)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "sessionTimeout: "+err.Error())
		}
		suspT, err := parse(req.SuspendTimeout)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "suspendTimeout: "+err.Error())
		}
		healthI, err := parse(req.HealthCheckInterval)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "healthCheckInterval: "+err.Error())
		}

		changed := cfgStore.Reload(func(next *config.Hot) {
			if sessT > 0 {
				next.SessionTimeout = sessT
			}
			if suspT > 0 {
				next.SuspendTimeout = suspT
			}
			if healthI > 0 {
				next.HealthCheckInterval = healthI
			}
			if req.LaneCapacity > 0 {
				next.LaneCapacity = req.LaneCapacity
			}
			if req.MaxFramesPerSecond > 0 {
				next.MaxFramesPerSecond = req.MaxFramesPerSecond
			}
		})
		if len(changed) > 0 {
			hot := cfgStore.Snapshot()
			sessions.SetConfig(session.Config{SessionTimeout: hot.SessionTimeout, SuspendTimeout: hot.SuspendTimeout})
			sv.UpdateHot(hot.LaneCapacity, hot.MaxFramesPerSecond, hot.HealthCheckInterval, 0)
			sv.BroadcastConfigChanged(changed)
			slog.Info("config reloaded", "changed", changed)
		}
		return c.JSON(http.StatusOK, map[string]any{"changed": changed})
	})

	var wtListener *wtransport.Listener
	if *webtransportAddr != "" {
		tlsConfig, err := wtransport.SelfSignedTLSConfig(90*24*time.Hour, "")
		if err != nil {
			log.Fatalf("[webtransport] %v", err)
		}
		wtListener = wtransport.NewListener(*webtransportAddr, tlsConfig)
		wtListener.Handle("/ws", func(conn *wtransport.Conn, remoteAddr string) {
			if err := sv.HandleConn(conn, supervisor.Accept{RemoteAddr: remoteAddr}); err != nil {
				slog.Debug("webtransport connection ended", "remote", remoteAddr, "err", err)
			}
		})
		go func() {
			slog.Info("gateway webtransport listening", "addr", *webtransportAddr)
			if err := wtListener.ListenAndServe(); err != nil {
				slog.Error("webtransport listener stopped", "err", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("gateway shutting down")
		_ = e.Shutdown(ctx)
		if wtListener != nil {
			_ = wtListener.Close()
		}
		cancel()
	}()

	slog.Info("gateway listening", "addr", *addr)
	if err := e.Start(*addr); err != nil && err != http.ErrServerClosed {
		log.Fatalf("[gateway] %v", err)
	}
}
