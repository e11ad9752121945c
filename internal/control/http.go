package control

import (
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"lightwaveos/internal/hubstate"
	"lightwaveos/internal/ota"
	"lightwaveos/internal/registry"
)

// nodeSummary is the JSON shape returned by GET /nodes.
type nodeSummary struct {
	NodeID         string  `json:"nodeId"`
	State          string  `json:"state"`
	FirmwareVer    string  `json:"fwVer"`
	Leds           int     `json:"leds"`
	Channels       int     `json:"channels"`
	OTAState       string  `json:"otaState"`
	RSSI           int     `json:"rssi"`
	LossPct        float64 `json:"lossPct"`
	DriftUs        int64   `json:"driftUs"`
	TimeSyncLocked bool    `json:"timeSyncLocked"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(c echo.Context) error {
	metrics := map[string]any{"nodeCount": s.reg.Count()}
	if s.fanoutStats != nil {
		sent, skipped, overruns := s.fanoutStats()
		metrics["fanoutSent"] = sent
		metrics["fanoutSkipped"] = skipped
		metrics["fanoutOverruns"] = overruns
	}
	return c.JSON(http.StatusOK, metrics)
}

func (s *Server) handleNodes(c echo.Context) error {
	var out []nodeSummary
	s.reg.ForEachAll(func(n *registry.NodeEntry) {
		out = append(out, nodeSummary{
			NodeID:         n.NodeID,
			State:          n.State.String(),
			FirmwareVer:    n.FirmwareVer,
			Leds:           n.Leds,
			Channels:       n.Channels,
			OTAState:       n.OTAState,
			RSSI:           n.RSSI,
			LossPct:        n.LossPct,
			DriftUs:        n.DriftUs,
			TimeSyncLocked: n.TimeSyncLocked,
		})
	})
	return c.JSON(http.StatusOK, out)
}

// paramsRequest is the POST /params body: every field optional, only the
// present ones are applied and marked dirty. This surface stands in for the
// hub's physical encoders (named-interface-only hardware); mutations land
// in the same store and ride the same coalescer as any other source.
type paramsRequest struct {
	EffectID   *uint8   `json:"effectId"`
	Brightness *float64 `json:"brightness"`
	Speed      *float64 `json:"speed"`
	Hue        *float64 `json:"hue"`
	Saturation *float64 `json:"saturation"`
	PaletteID  *uint8   `json:"paletteId"`
	Intensity  *float64 `json:"intensity"`
	Complexity *float64 `json:"complexity"`
	Variation  *float64 `json:"variation"`
}

func (s *Server) handleSetParams(c echo.Context) error {
	var req paramsRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	applied := 0
	set := func(bit uint16, fn func(*hubstate.GlobalParams)) {
		s.st.SetGlobal(bit, fn)
		applied++
	}
	if req.EffectID != nil {
		set(hubstate.DirtyEffectID, func(g *hubstate.GlobalParams) { g.EffectID = *req.EffectID })
	}
	if req.Brightness != nil {
		set(hubstate.DirtyBrightness, func(g *hubstate.GlobalParams) { g.Brightness = *req.Brightness })
	}
	if req.Speed != nil {
		set(hubstate.DirtySpeed, func(g *hubstate.GlobalParams) { g.Speed = *req.Speed })
	}
	if req.Hue != nil {
		set(hubstate.DirtyHue, func(g *hubstate.GlobalParams) { g.Hue = *req.Hue })
	}
	if req.Saturation != nil {
		set(hubstate.DirtySaturation, func(g *hubstate.GlobalParams) { g.Saturation = *req.Saturation })
	}
	if req.PaletteID != nil {
		set(hubstate.DirtyPaletteID, func(g *hubstate.GlobalParams) { g.PaletteID = *req.PaletteID })
	}
	if req.Intensity != nil {
		set(hubstate.DirtyIntensity, func(g *hubstate.GlobalParams) { g.Intensity = *req.Intensity })
	}
	if req.Complexity != nil {
		set(hubstate.DirtyComplexity, func(g *hubstate.GlobalParams) { g.Complexity = *req.Complexity })
	}
	if req.Variation != nil {
		set(hubstate.DirtyVariation, func(g *hubstate.GlobalParams) { g.Variation = *req.Variation })
	}
	if applied == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "no recognized parameter fields in body"})
	}
	return c.JSON(http.StatusOK, map[string]int{"applied": applied})
}

func (s *Server) handleGetParams(c echo.Context) error {
	g := s.st.Global()
	return c.JSON(http.StatusOK, g)
}

// zoneRequest is the POST /zones/:id body, same optional-field convention
// as paramsRequest.
type zoneRequest struct {
	Enabled    *bool    `json:"enabled"`
	EffectID   *uint8   `json:"effectId"`
	Brightness *float64 `json:"brightness"`
	Speed      *float64 `json:"speed"`
	PaletteID  *uint8   `json:"paletteId"`
	BlendMode  *uint8   `json:"blendMode"`
}

func (s *Server) handleSetZone(c echo.Context) error {
	zoneID, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "zone id must be an integer"})
	}
	if zoneID < 0 || zoneID >= hubstate.NumZones {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "zone id out of range"})
	}

	var req zoneRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}

	applied := 0
	set := func(bit uint8, fn func(*hubstate.ZoneSettings)) {
		s.st.SetZone(zoneID, bit, fn)
		applied++
	}
	if req.Enabled != nil {
		set(hubstate.ZoneDirtyEnabled, func(z *hubstate.ZoneSettings) { z.Enabled = *req.Enabled })
	}
	if req.EffectID != nil {
		set(hubstate.ZoneDirtyEffectID, func(z *hubstate.ZoneSettings) { z.EffectID = *req.EffectID })
	}
	if req.Brightness != nil {
		set(hubstate.ZoneDirtyBrightness, func(z *hubstate.ZoneSettings) { z.Brightness = *req.Brightness })
	}
	if req.Speed != nil {
		set(hubstate.ZoneDirtySpeed, func(z *hubstate.ZoneSettings) { z.Speed = *req.Speed })
	}
	if req.PaletteID != nil {
		set(hubstate.ZoneDirtyPaletteID, func(z *hubstate.ZoneSettings) { z.PaletteID = *req.PaletteID })
	}
	if req.BlendMode != nil {
		set(hubstate.ZoneDirtyBlendMode, func(z *hubstate.ZoneSettings) { z.BlendMode = hubstate.BlendMode(*req.BlendMode) })
	}
	if applied == 0 {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "no recognized zone fields in body"})
	}
	return c.JSON(http.StatusOK, map[string]int{"applied": applied})
}

func (s *Server) handleOTAManifest(c echo.Context) error {
	if s.manifests == nil {
		return c.JSON(http.StatusOK, []ota.Manifest{})
	}
	return c.JSON(http.StatusOK, s.manifests.List())
}

type rolloutRequest struct {
	Platform string   `json:"platform"`
	Track    string   `json:"track"`
	NodeIDs  []string `json:"nodeIds"`
}

func (s *Server) handleOTARollout(c echo.Context) error {
	var req rolloutRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	if s.manifests == nil || s.rollout == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "ota not configured"})
	}
	manifest, ok := s.manifests.Get(req.Platform, req.Track)
	if !ok {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "no manifest for platform/track"})
	}
	if err := s.rollout.Start(manifest, req.NodeIDs); err != nil {
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "started"})
}

// handleOTAAbort always answers 200 once a dispatcher exists; Abort
// itself is unconditional, so there is no failure state left to surface
// here.
func (s *Server) handleOTAAbort(c echo.Context) error {
	if s.rollout == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "ota not configured"})
	}
	s.rollout.Abort()
	return c.JSON(http.StatusOK, map[string]string{"status": "aborted"})
}

func (s *Server) handleOTAState(c echo.Context) error {
	if s.rollout == nil {
		return c.JSON(http.StatusOK, map[string]string{"state": "idle"})
	}
	state, outcomes := s.rollout.Status()
	return c.JSON(http.StatusOK, map[string]any{"state": state.String(), "outcomes": outcomes})
}

type uploadRequest struct {
	Platform string `json:"platform" form:"platform"`
	Track    string `json:"track" form:"track"`
	Version  string `json:"version" form:"version"`
}

// handleOTAUpload accepts a multipart-form binary upload, stores its bytes
// and sha256 in the blob store, and publishes a matching manifest pointing
// at /ota/bin/:id so a rollout can dispatch it immediately.
func (s *Server) handleOTAUpload(c echo.Context) error {
	if s.blobs == nil || s.manifests == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "ota upload not configured"})
	}
	var req uploadRequest
	if err := c.Bind(&req); err != nil || req.Platform == "" || req.Track == "" || req.Version == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "platform, track, and version are required"})
	}
	fh, err := c.FormFile("file")
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "missing file field"})
	}
	f, err := fh.Open()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	defer f.Close()

	meta, err := s.blobs.Put(c.Request().Context(), req.Version, f)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	manifest := ota.Manifest{
		Platform: req.Platform, Track: req.Track, Version: req.Version,
		URL: "/ota/bin/" + meta.ID, SHA256: meta.SHA256, SizeBytes: meta.SizeBytes,
	}
	if err := s.manifests.Set(manifest); err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusCreated, manifest)
}

func (s *Server) handleOTABinary(c echo.Context) error {
	if s.otaBinDir == "" {
		return c.NoContent(http.StatusNotFound)
	}
	name := c.Param("file")
	path, err := ota.SafeJoin(s.otaBinDir, name)
	if err != nil || strings.Contains(name, "/") {
		return c.NoContent(http.StatusBadRequest)
	}
	if _, err := os.Stat(path); err != nil {
		return c.NoContent(http.StatusNotFound)
	}
	return c.File(path)
}
