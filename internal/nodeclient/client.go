package nodeclient

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"lightwaveos/internal/proto"
)

// Client is the node-side control-plane WebSocket connection, configured
// through callback setters before Run starts the read loop.
type Client struct {
	conn   *websocket.Conn
	nodeID string

	mu        sync.Mutex
	token     string // minted by the hub's welcome, echoed back on every ka
	onWelcome func(assignedID string, token string, serverTimeUs int64)
	onSnapshot func(global *proto.GlobalParamsMsg, zones []proto.ZoneSettingsMsg, applyAtUs int64)
	onEffectsSet func(effectID uint8, applyAtUs int64)
	onParamsSet  func(params map[string]float64, applyAtUs int64)
	onZoneUpdate func(zoneID int, mask uint8, z proto.ZoneSettingsMsg, applyAtUs int64)
	onTSPong     func(env proto.Envelope)
	onOTAUpdate  func(version, url, sha256 string)
}

// NewClient dials the hub's control-plane WebSocket endpoint.
func NewClient(hubURL, nodeID string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.Dial(hubURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial control plane: %w", err)
	}
	return &Client{conn: conn, nodeID: nodeID}, nil
}

// SetOnWelcome registers the welcome-message callback. token is the opaque
// per-session credential minted by the hub; Token() exposes it afterward
// for anything (the ka sender, the UDP time-sync/fanout sockets) that
// needs to prove the session.
func (c *Client) SetOnWelcome(fn func(assignedID string, token string, serverTimeUs int64)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onWelcome = fn
}

// Token returns the credential minted by the hub's welcome, or "" before
// welcome arrives.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// SetOnSnapshot registers the state.snapshot callback.
func (c *Client) SetOnSnapshot(fn func(global *proto.GlobalParamsMsg, zones []proto.ZoneSettingsMsg, applyAtUs int64)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSnapshot = fn
}

// SetOnEffectsSetCurrent registers the effects.setCurrent callback.
func (c *Client) SetOnEffectsSetCurrent(fn func(effectID uint8, applyAtUs int64)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onEffectsSet = fn
}

// SetOnParametersSet registers the parameters.set callback.
func (c *Client) SetOnParametersSet(fn func(params map[string]float64, applyAtUs int64)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onParamsSet = fn
}

// SetOnZonesUpdate registers the zones.update callback. mask marks which of
// z's fields are actually dirty (see proto.Envelope.ZoneMask); callers
// should only apply the set bits and leave the rest of the node's existing
// zone state alone.
func (c *Client) SetOnZonesUpdate(fn func(zoneID int, mask uint8, z proto.ZoneSettingsMsg, applyAtUs int64)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onZoneUpdate = fn
}

// SetOnTSPong registers the ts_pong callback (used if time sync rides the
// control plane rather than raw UDP, e.g. behind a restrictive firewall).
func (c *Client) SetOnTSPong(fn func(env proto.Envelope)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTSPong = fn
}

// SetOnOTAUpdate registers the ota_update callback.
func (c *Client) SetOnOTAUpdate(fn func(version, url, sha256 string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOTAUpdate = fn
}

// Hello sends the initial hello handshake, announcing firmware, hardware,
// capability bits, and LED topology.
func (c *Client) Hello(fwVer, hwRev string, caps uint32, leds, channels int) error {
	return c.writeCtrl(proto.Envelope{
		Type: proto.MsgHello, NodeID: c.nodeID, FirmwareVer: fwVer, HardwareRev: hwRev,
		Capabilities: caps, Leds: leds, Channels: channels,
	})
}

// TSPing sends a control-plane time-sync ping; the reply lands on the
// SetOnTSPong callback. Used when the dedicated UDP path is unavailable.
func (c *Client) TSPing(seq uint32, t1Us int64) error {
	return c.writeCtrl(proto.Envelope{Type: proto.MsgTSPing, NodeID: c.nodeID, Seq: seq, T1Us: t1Us})
}

// Telemetry is the node's self-reported link-quality snapshot, sent with
// every keepalive.
type Telemetry struct {
	UDPPort        int
	RSSI           int
	LossPct        float64
	DriftUs        int64
	TimeSyncLocked bool
	UptimeS        int64
}

// Keepalive sends a keepalive carrying the node's current telemetry and
// the token issued at welcome, so the hub can validate the session.
func (c *Client) Keepalive(t Telemetry) error {
	return c.writeCtrl(proto.Envelope{
		Type: proto.MsgKeepalive, Token: c.Token(),
		UDPPort: t.UDPPort, RSSI: t.RSSI, LossPct: t.LossPct,
		DriftUs: t.DriftUs, TimeSyncLocked: t.TimeSyncLocked, UptimeS: t.UptimeS,
	})
}

// ReportOTAStatus sends an ota_status update.
func (c *Client) ReportOTAStatus(state, version, errMsg string) error {
	return c.writeCtrl(proto.Envelope{Type: proto.MsgOTAStatus, OTAState: state, OTAVersion: version, OTAError: errMsg})
}

func (c *Client) writeCtrl(env proto.Envelope) error {
	c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteJSON(env)
}

// Close closes the underlying connection.
func (c *Client) Close() error { return c.conn.Close() }

// Run reads inbound messages and dispatches them to the registered
// callbacks until the connection closes or an unrecoverable read error
// occurs.
func (c *Client) Run() error {
	for {
		var env proto.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			return err
		}
		c.dispatch(env)
	}
}

func (c *Client) dispatch(env proto.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch env.Type {
	case proto.MsgWelcome:
		c.token = env.Token
		if c.onWelcome != nil {
			c.onWelcome(env.AssignedID, env.Token, env.ServerTime)
		}
	case proto.MsgStateSnapshot:
		if c.onSnapshot != nil {
			c.onSnapshot(env.Global, env.Zones, env.ApplyAtUs)
		}
	case proto.MsgEffectsSetCur:
		if c.onEffectsSet != nil {
			c.onEffectsSet(env.EffectID, env.ApplyAtUs)
		}
	case proto.MsgParametersSet:
		if c.onParamsSet != nil {
			c.onParamsSet(env.Params, env.ApplyAtUs)
		}
	case proto.MsgZonesUpdate:
		if c.onZoneUpdate != nil && len(env.Zones) > 0 {
			c.onZoneUpdate(env.ZoneID, env.ZoneMask, env.Zones[0], env.ApplyAtUs)
		}
	case proto.MsgTSPong:
		if c.onTSPong != nil {
			c.onTSPong(env)
		}
	case proto.MsgOTAUpdate:
		if c.onOTAUpdate != nil {
			c.onOTAUpdate(env.OTAVersion, env.OTAURL, env.OTASHA256)
		}
	case proto.MsgError:
		log.Printf("[nodeclient] hub rejected a message: %s (%s)", env.Code, env.Detail)
	default:
		log.Printf("[nodeclient] unhandled message type %q", env.Type)
	}
}
