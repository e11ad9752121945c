package proto

// Control-plane message kinds, carried in Envelope.Type ("t" on the wire).
// Node → Hub.
const (
	MsgHello     = "hello"
	MsgKeepalive = "ka"
	MsgTSPing    = "ts_ping"
	MsgOTAStatus = "ota_status"
)

// Hub → Node.
const (
	MsgWelcome          = "welcome"
	MsgStateSnapshot    = "state.snapshot"
	MsgEffectsSetCur    = "effects.setCurrent"
	MsgParametersSet    = "parameters.set"
	MsgZonesUpdate      = "zones.update"
	MsgTSPong           = "ts_pong"
	MsgOTAUpdate        = "ota_update"
	MsgError            = "error"
)

// Error codes carried by an "error" envelope's Code field when an inbound
// control-plane message fails validation. Partial state is never applied on
// any of these; the sender's message had no effect.
const (
	CodeMissingField    = "MISSING_FIELD"
	CodeOutOfRange      = "OUT_OF_RANGE"
	CodeInvalidValue    = "INVALID_VALUE"
	CodeInvalidJSON     = "INVALID_JSON"
	CodeFeatureDisabled = "FEATURE_DISABLED"
	CodeInternalError   = "INTERNAL_ERROR"
	CodeOperationFailed = "OPERATION_FAILED"
	CodeSystemNotReady  = "SYSTEM_NOT_READY"
)

// Capability bits a node announces in hello's caps field.
const (
	CapUDP uint32 = 1 << iota // listens for PARAM_DELTA fanout
	CapOTA                    // accepts ota_update dispatch
	CapClock                  // runs time-sync rounds
)

// Envelope is the single flat JSON message shape exchanged over the
// WebSocket control plane: one struct, one discriminant field, everything
// else optional.
type Envelope struct {
	Type string `json:"t"`

	// hello
	Mac          string `json:"mac,omitempty"`
	NodeID       string `json:"nodeId,omitempty"`
	FirmwareVer  string `json:"fwVer,omitempty"`
	HardwareRev  string `json:"hwRev,omitempty"`
	Capabilities uint32 `json:"caps,omitempty"`

	// hello topology: how many LEDs this node drives and across how many
	// physical output channels (strips).
	Leds     int `json:"leds,omitempty"`
	Channels int `json:"channels,omitempty"`

	// welcome (Token here), ka (Token echoed back for validation)
	AssignedID string `json:"assignedId,omitempty"`
	Token      string `json:"token,omitempty"`
	ServerTime int64  `json:"serverTimeUs,omitempty"`

	// ts_ping / ts_pong: round sequence number plus the NTP-style
	// timestamps, for nodes whose time sync rides the control plane
	// instead of the raw UDP socket.
	Seq  uint32 `json:"seq,omitempty"`
	T1Us int64  `json:"t1Us,omitempty"`
	T2Us int64  `json:"t2Us,omitempty"`
	T3Us int64  `json:"t3Us,omitempty"`

	// ka telemetry: the UDP port the node is listening on for fanout
	// packets (the hub cannot infer this from the WS control connection's
	// ephemeral TCP source port), plus link-quality telemetry.
	UDPPort       int     `json:"udpPort,omitempty"`
	RSSI          int     `json:"rssi,omitempty"`
	LossPct       float64 `json:"lossPct,omitempty"`
	DriftUs       int64   `json:"driftUs,omitempty"`
	TimeSyncLocked bool   `json:"timeSyncLocked,omitempty"`
	UptimeS       int64   `json:"uptimeS,omitempty"`

	// state.snapshot
	Global *GlobalParamsMsg `json:"global,omitempty"`
	Zones  []ZoneSettingsMsg `json:"zones,omitempty"`

	// effects.setCurrent
	EffectID  uint8 `json:"effectId,omitempty"`
	ApplyAtUs int64 `json:"applyAtUs,omitempty"`

	// parameters.set
	Params map[string]float64 `json:"params,omitempty"`

	// zones.update: ZoneMask marks which ZoneSettingsMsg fields in Zones[0]
	// are actually dirty, using hubstate's ZoneDirty* bit positions
	// (ZoneDirtyEffectID=1, ZoneDirtyBrightness=2, ZoneDirtySpeed=4,
	// ZoneDirtyPaletteID=8, ZoneDirtyBlendMode=16, ZoneDirtyEnabled=32) so a
	// receiver applies only the subset that actually changed.
	ZoneID   int   `json:"zoneId,omitempty"`
	ZoneMask uint8 `json:"zoneMask,omitempty"`

	// ota_status / ota_update
	OTAState   string `json:"otaState,omitempty"`
	OTAVersion string `json:"otaVersion,omitempty"`
	OTAURL     string `json:"otaUrl,omitempty"`
	OTASHA256  string `json:"otaSha256,omitempty"`
	OTAError   string `json:"otaError,omitempty"`

	// error replies: one of the Code* constants plus a human-readable
	// detail string.
	Code   string `json:"code,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// GlobalParamsMsg is the wire representation of hubstate.GlobalParams.
type GlobalParamsMsg struct {
	Brightness float64 `json:"brightness"`
	Speed      float64 `json:"speed"`
	Hue        float64 `json:"hue"`
	Saturation float64 `json:"saturation"`
	PaletteID  uint8   `json:"paletteId"`
	EffectID   uint8   `json:"effectId"`
	Intensity  float64 `json:"intensity"`
	Complexity float64 `json:"complexity"`
	Variation  float64 `json:"variation"`
}

// ZoneSettingsMsg is the wire representation of hubstate.ZoneSettings.
type ZoneSettingsMsg struct {
	ZoneID     int     `json:"zoneId"`
	Enabled    bool    `json:"enabled"`
	EffectID   uint8   `json:"effectId"`
	Brightness float64 `json:"brightness"`
	Speed      float64 `json:"speed"`
	PaletteID  uint8   `json:"paletteId"`
	BlendMode  uint8   `json:"blendMode"`
}
