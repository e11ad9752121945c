// Package control implements the hub's WebSocket + HTTP control plane: node
// hello/keepalive/ota_status handling, outbound welcome/state/effects/zones
// messages, and a small HTTP diagnostic/admin surface.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"lightwaveos/internal/hubstate"
	"lightwaveos/internal/ota"
	"lightwaveos/internal/proto"
	"lightwaveos/internal/registry"
)

const writeTimeout = 5 * time.Second

// snapshotApplyAtLead gives a freshly-joined (or rejoining) node enough lead
// time to receive and schedule its state.snapshot before it's due, mirroring
// fanout.ApplyAtLead's role on the data plane for the same reason.
const snapshotApplyAtLead = 50 * time.Millisecond

// pendingJoin is the {nodeId, applyAtUs} pair queued by a node's
// WS-accept goroutine: the async network callback only enqueues, and the
// main loop (DrainPendingJoins, called from cmd/hub alongside
// registry.Sweep and hubstate.Coalesce) does the actual welcome+snapshot
// dispatch.
type pendingJoin struct {
	nodeID    string
	applyAtUs int64
}

// pendingJoinCap bounds the pending-join ring; overflow falls back to an
// inline send.
const pendingJoinCap = 4

// maxJoinsPerDrain caps how many queued joins a single DrainPendingJoins
// call dispatches, so one slow main-loop tick can't starve the rest of the
// ring.
const maxJoinsPerDrain = pendingJoinCap

// Server is the hub's control-plane listener.
type Server struct {
	reg       *registry.Registry
	st        *hubstate.Store
	rollout   *ota.Dispatcher
	manifests *ota.ManifestRepo
	otaBinDir string
	blobs     *ota.BlobStore

	fanoutStats func() (sent, skipped, overruns uint64)

	upgrader websocket.Upgrader
	echo     *echo.Echo
	http     *http.Server

	mu       sync.RWMutex
	sessions map[string]*session // nodeId -> session

	joins chan pendingJoin
}

// New constructs a Server bound to reg, st, and the OTA dispatcher/manifest
// repository. otaBinDir is the directory static .bin downloads are served
// from; pass "" to disable that endpoint.
func New(reg *registry.Registry, st *hubstate.Store, rollout *ota.Dispatcher, manifests *ota.ManifestRepo, otaBinDir string) *Server {
	s := &Server{
		reg:       reg,
		st:        st,
		rollout:   rollout,
		manifests: manifests,
		otaBinDir: otaBinDir,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
		sessions: make(map[string]*session),
		joins:    make(chan pendingJoin, pendingJoinCap),
	}
	s.echo = echo.New()
	s.echo.HideBanner = true
	s.registerRoutes()
	return s
}

// SetRollout binds the OTA dispatcher after construction, for callers that
// need a *Server to build the dispatcher's NodeUpdater in the first place
// (the dispatcher and the control server are mutually referential).
func (s *Server) SetRollout(rollout *ota.Dispatcher) {
	s.rollout = rollout
}

// SetBlobStore binds the OTA binary blob store, enabling POST /ota/upload.
func (s *Server) SetBlobStore(blobs *ota.BlobStore) {
	s.blobs = blobs
}

// SetFanoutStats binds a data-plane counter source (fanout.Fanout.Stats)
// so GET /metrics can aggregate it alongside the registry's counts.
func (s *Server) SetFanoutStats(fn func() (sent, skipped, overruns uint64)) {
	s.fanoutStats = fn
}

// registerRoutes wires the WebSocket endpoint and the HTTP diagnostic/admin
// surface.
func (s *Server) registerRoutes() {
	s.echo.GET("/ws", s.handleWebSocket)
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", s.handleMetrics)
	s.echo.GET("/nodes", s.handleNodes)
	s.echo.GET("/params", s.handleGetParams)
	s.echo.POST("/params", s.handleSetParams)
	s.echo.POST("/zones/:id", s.handleSetZone)
	s.echo.GET("/ota/manifest.json", s.handleOTAManifest)
	s.echo.POST("/ota/rollout", s.handleOTARollout)
	s.echo.POST("/ota/abort", s.handleOTAAbort)
	s.echo.GET("/ota/state", s.handleOTAState)
	s.echo.GET("/ota/bin/:file", s.handleOTABinary)
	s.echo.POST("/ota/upload", s.handleOTAUpload)
}

// Start begins serving on addr until the process exits or ctx is canceled.
func (s *Server) Start(ctx context.Context, addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.echo}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

func (s *Server) handleWebSocket(c echo.Context) error {
	remote := c.RealIP()
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Error("control ws upgrade failed", "remote", remote, "err", err)
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	s.serveConn(conn, remote)
	return nil
}

func (s *Server) serveConn(conn *websocket.Conn, remote string) {
	defer conn.Close()
	conn.SetReadLimit(1 << 16)

	var hello proto.Envelope
	if err := conn.ReadJSON(&hello); err != nil {
		slog.Debug("control ws read hello failed", "remote", remote, "err", err)
		writeErrorInline(conn, proto.CodeInvalidJSON, "first message must be a hello envelope")
		return
	}
	if hello.Type != proto.MsgHello {
		slog.Debug("control ws bad first message", "remote", remote, "type", hello.Type)
		writeErrorInline(conn, proto.CodeInvalidValue, "first message must be hello, got "+hello.Type)
		return
	}
	if hello.NodeID == "" {
		slog.Debug("control ws hello missing node id", "remote", remote)
		writeErrorInline(conn, proto.CodeMissingField, "hello requires nodeId")
		return
	}

	n := s.reg.RegisterNode(hello.NodeID, hello.FirmwareVer, hello.HardwareRev, hello.Capabilities)
	s.reg.SetTopology(hello.NodeID, hello.Leds, hello.Channels)
	s.reg.MarkAuthed(hello.NodeID, remote)
	slog.Info("node authed", "node_id", hello.NodeID, "remote", remote)

	sess := newSession(hello.NodeID)
	s.mu.Lock()
	s.sessions[hello.NodeID] = sess
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.sessions, hello.NodeID)
		s.mu.Unlock()
		s.reg.MarkLost(hello.NodeID)
		slog.Info("node disconnected, marked lost", "node_id", hello.NodeID)
	}()

	go s.writePump(conn, sess)

	// Enqueue the join rather than building and sending welcome+snapshot
	// right here in the WS-accept goroutine: the pending-join ring exists
	// precisely to move that work onto the main loop. A full ring falls
	// back to sending inline.
	applyAtUs := time.Now().Add(snapshotApplyAtLead).UnixMicro()
	select {
	case s.joins <- pendingJoin{nodeID: n.NodeID, applyAtUs: applyAtUs}:
	default:
		slog.Warn("pending-join queue full, sending welcome+snapshot inline", "node_id", n.NodeID)
		s.sendWelcomeAndSnapshot(n.NodeID, applyAtUs)
	}

	for {
		var in proto.Envelope
		if err := conn.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Debug("control ws unexpected close", "node_id", hello.NodeID, "err", err)
			}
			return
		}
		s.handleInbound(hello.NodeID, remote, in)
	}
}

func (s *Server) writePump(conn *websocket.Conn, sess *session) {
	for env := range sess.send {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, env.data); err != nil {
			slog.Debug("control ws write error", "node_id", sess.nodeID, "err", err)
			return
		}
		sess.drainPending()
	}
}

func (s *Server) sendTo(sess *session, env proto.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		slog.Error("control ws marshal failed", "node_id", sess.nodeID, "err", err)
		return
	}
	sess.enqueue(outboundEnvelope{data: data})
}

// DrainPendingJoins dispatches up to maxJoinsPerDrain queued joins,
// emitting welcome then state.snapshot for each. It is meant to be called
// once per main-loop iteration, alongside registry.Sweep and
// hubstate.Coalesce, so WS-accept goroutines never build or send those
// messages themselves.
func (s *Server) DrainPendingJoins() {
	for i := 0; i < maxJoinsPerDrain; i++ {
		select {
		case j := <-s.joins:
			s.sendWelcomeAndSnapshot(j.nodeID, j.applyAtUs)
		default:
			return
		}
	}
}

// sendWelcomeAndSnapshot emits welcome then state.snapshot to nodeID's
// live session. A node that disconnected again before its join was
// drained simply has no session left to send to.
func (s *Server) sendWelcomeAndSnapshot(nodeID string, applyAtUs int64) {
	s.mu.RLock()
	sess, ok := s.sessions[nodeID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	n := s.reg.Get(nodeID)
	if n == nil {
		return
	}

	g, zones := s.st.Snapshot()
	zoneMsgs := make([]proto.ZoneSettingsMsg, len(zones))
	for i, z := range zones {
		zoneMsgs[i] = proto.ZoneSettingsMsg{
			ZoneID:     i,
			Enabled:    z.Enabled,
			EffectID:   z.EffectID,
			Brightness: z.Brightness,
			Speed:      z.Speed,
			PaletteID:  z.PaletteID,
			BlendMode:  uint8(z.BlendMode),
		}
	}

	s.sendTo(sess, proto.Envelope{Type: proto.MsgWelcome, AssignedID: n.NodeID, Token: n.Token, ServerTime: time.Now().UnixMicro()})
	s.sendTo(sess, proto.Envelope{
		Type: proto.MsgStateSnapshot,
		Global: &proto.GlobalParamsMsg{
			Brightness: g.Brightness, Speed: g.Speed, Hue: g.Hue,
			Saturation: g.Saturation, PaletteID: g.PaletteID, EffectID: g.EffectID,
			Intensity: g.Intensity, Complexity: g.Complexity, Variation: g.Variation,
		},
		Zones:     zoneMsgs,
		ApplyAtUs: applyAtUs,
	})
}

func (s *Server) handleInbound(nodeID, remote string, in proto.Envelope) {
	switch in.Type {
	case proto.MsgHello:
		// Duplicate hello from an already-live node: idempotent, but
		// re-issues welcome+snapshot through the same pending-join path a
		// fresh connection takes.
		applyAtUs := time.Now().Add(snapshotApplyAtLead).UnixMicro()
		select {
		case s.joins <- pendingJoin{nodeID: nodeID, applyAtUs: applyAtUs}:
		default:
			slog.Warn("pending-join queue full, sending welcome+snapshot inline", "node_id", nodeID)
			s.sendWelcomeAndSnapshot(nodeID, applyAtUs)
		}
	case proto.MsgKeepalive:
		if !s.reg.ValidateToken(nodeID, in.Token) {
			slog.Warn("keepalive with mismatched token, dropping", "node_id", nodeID)
			s.sendError(nodeID, proto.CodeInvalidValue, "keepalive token does not match session credential")
			return
		}
		s.reg.UpdateKeepalive(nodeID, registry.KeepaliveTelemetry{
			RSSI: in.RSSI, LossPct: in.LossPct, DriftUs: in.DriftUs,
			TimeSyncLocked: in.TimeSyncLocked, UptimeS: in.UptimeS,
		})
		if n := s.reg.Get(nodeID); n != nil && n.UDPAddr == "" {
			s.reg.MarkReady(nodeID, udpAddrFor(remote, in.UDPPort))
		}
	case proto.MsgTSPing:
		// t2 is stamped here, as close to the read as this path allows; t3
		// immediately before the reply is enqueued. The dedicated UDP
		// responder (internal/timesync) remains the preferred path; this
		// one serves nodes whose UDP is firewalled off.
		t2 := time.Now().UnixMicro()
		if in.T1Us == 0 {
			s.sendError(nodeID, proto.CodeMissingField, "ts_ping requires t1Us")
			return
		}
		s.mu.RLock()
		sess, ok := s.sessions[nodeID]
		s.mu.RUnlock()
		if !ok {
			return
		}
		s.sendTo(sess, proto.Envelope{
			Type: proto.MsgTSPong, NodeID: nodeID, Seq: in.Seq,
			T1Us: in.T1Us, T2Us: t2, T3Us: time.Now().UnixMicro(),
		})
	case proto.MsgOTAStatus:
		s.reg.SetOTAState(nodeID, in.OTAState, in.OTAVersion)
		if in.OTAState == "error" {
			slog.Warn("node reported ota error", "node_id", nodeID, "err", in.OTAError)
			s.rollout.NotifyNodeError(nodeID, in.OTAError)
		} else {
			s.rollout.NotifyNodeStatus(nodeID, in.OTAState)
		}
	default:
		slog.Debug("control ws unhandled message", "node_id", nodeID, "type", in.Type)
	}
}

// sendError pushes a validation-error envelope to nodeID's session. Errors
// ride the same back-pressured send path as everything else; a dropped
// error reply is acceptable, partial state was never applied either way.
func (s *Server) sendError(nodeID, code, detail string) {
	s.mu.RLock()
	sess, ok := s.sessions[nodeID]
	s.mu.RUnlock()
	if !ok {
		return
	}
	s.sendTo(sess, proto.Envelope{Type: proto.MsgError, Code: code, Detail: detail})
}

// writeErrorInline writes an error envelope directly on a connection that
// has no session yet (hello rejection), best-effort before close.
func writeErrorInline(conn *websocket.Conn, code, detail string) {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = conn.WriteJSON(proto.Envelope{Type: proto.MsgError, Code: code, Detail: detail})
}

// udpAddrFor builds the node's fanout address from its WS control
// connection's remote host plus the UDP port it self-reported in its
// keepalive, since the TCP control connection's ephemeral source port is
// never the node's UDP listener port. Falls back to remote verbatim if the
// host can't be parsed or no port was reported.
func udpAddrFor(remote string, udpPort int) string {
	if udpPort <= 0 {
		return remote
	}
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return net.JoinHostPort(host, strconv.Itoa(udpPort))
}

// BroadcastAuthed implements hubstate.Broadcaster: it sends env to every
// node in Authed, Ready, or Degraded state.
func (s *Server) BroadcastAuthed(env proto.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		slog.Error("control ws marshal failed for broadcast", "err", err)
		return
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.reg.ForEachAuthed(func(n *registry.NodeEntry) {
		if sess, ok := s.sessions[n.NodeID]; ok {
			sess.enqueue(outboundEnvelope{data: data})
		}
	})
}

// SendOTAUpdate pushes an ota_update envelope to one node, used by the
// rollout dispatcher.
func (s *Server) SendOTAUpdate(nodeID, version, url, sha256 string) bool {
	s.mu.RLock()
	sess, ok := s.sessions[nodeID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	s.sendTo(sess, proto.Envelope{Type: proto.MsgOTAUpdate, OTAVersion: version, OTAURL: url, OTASHA256: sha256})
	return true
}
