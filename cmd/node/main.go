// Command node runs one LightwaveOS node process: the control-plane
// WebSocket client, the UDP time-sync estimator, the UDP PARAM_DELTA
// fanout receiver, the applyAt pending-edit scheduler, the render engine,
// and the audio-reactive feature pipeline.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"lightwaveos/internal/audio"
	"lightwaveos/internal/hubstate"
	"lightwaveos/internal/kv"
	"lightwaveos/internal/nodeclient"
	"lightwaveos/internal/proto"
	"lightwaveos/internal/render"
	"lightwaveos/internal/render/effects"
	"lightwaveos/internal/timesync"
)

const renderTickRate = 60 * time.Millisecond

// nodeState is the node's locally-applied copy of the hub's authoritative
// parameters: every scheduled edit from the WS control plane or the UDP
// fanout lands here before the next render frame reads it.
type nodeState struct {
	mu sync.Mutex

	effectID   uint8
	brightness float64
	speed      float64
	hue        float64
	saturation float64
	paletteID  uint8
	intensity  float64
	complexity float64
	variation  float64

	zonesEnabled bool
	zones        [5]zoneState
}

type zoneState struct {
	enabled    bool
	effectID   uint8
	brightness float64
	speed      float64
	paletteID  uint8
	blendMode  uint8
}

// globalsMsg snapshots the node's applied global parameters in wire shape,
// for preset capture and persistence.
func (s *nodeState) globalsMsg() proto.GlobalParamsMsg {
	s.mu.Lock()
	defer s.mu.Unlock()
	return proto.GlobalParamsMsg{
		Brightness: s.brightness, Speed: s.speed, Hue: s.hue,
		Saturation: s.saturation, PaletteID: s.paletteID, EffectID: s.effectID,
		Intensity: s.intensity, Complexity: s.complexity, Variation: s.variation,
	}
}

// applyGlobalsMsg overwrites the applied global parameters from wire shape.
func (s *nodeState) applyGlobalsMsg(g proto.GlobalParamsMsg) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.brightness = g.Brightness
	s.speed = g.Speed
	s.hue = g.Hue
	s.saturation = g.Saturation
	s.paletteID = g.PaletteID
	s.effectID = g.EffectID
	s.intensity = g.Intensity
	s.complexity = g.Complexity
	s.variation = g.Variation
}

func newNodeState() *nodeState {
	s := &nodeState{brightness: 0.5, speed: 1, saturation: 1, intensity: 0.5, complexity: 0.5, variation: 0.5}
	for i := range s.zones {
		s.zones[i] = zoneState{enabled: true, brightness: 1, speed: 1}
	}
	return s
}

func main() {
	hubWS := flag.String("hub-ws", "ws://127.0.0.1:8787/ws", "hub control-plane WebSocket URL")
	hubTimesync := flag.String("hub-timesync", "127.0.0.1:8788", "hub UDP time-sync responder address")
	nodeID := flag.String("node-id", "", "stable node identifier (defaults to hostname)")
	fwVer := flag.String("fw-ver", "1.0.0", "reported firmware version")
	hwRev := flag.String("hw-rev", "dev", "reported hardware revision")
	dbPath := flag.String("db", "lightwaveos-node.db", "sqlite database path for presets/crash state")
	fanoutListen := flag.String("fanout-listen", ":0", "local UDP address to receive PARAM_DELTA fanout on")
	zonesEnabled := flag.Bool("zones-enabled", false, "render per-zone effects in addition to the global effect")
	keepaliveInterval := flag.Duration("keepalive-interval", 2*time.Second, "interval between ka keepalives")
	timeSyncInterval := flag.Duration("timesync-interval", 1*time.Second, "interval between time-sync ping/pong rounds")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, nil)))

	if *nodeID == "" {
		if h, err := os.Hostname(); err == nil {
			*nodeID = h
		} else {
			*nodeID = "node-unknown"
		}
	}

	store, err := kv.Open(*dbPath)
	if err != nil {
		log.Fatalf("[node] open kv store: %v", err)
	}
	defer store.Close()

	guard := effects.NewCrashGuard(store, 5, 5*time.Minute)
	registry := effects.NewDefaultRegistry()
	engine := render.NewEngine(registry, guard)

	recv, err := nodeclient.NewReceiver(*fanoutListen)
	if err != nil {
		log.Fatalf("[node] open fanout receiver: %v", err)
	}
	defer recv.Close()

	estimator, err := timesync.NewEstimator(*hubTimesync)
	if err != nil {
		log.Fatalf("[node] open time-sync estimator: %v", err)
	}
	defer estimator.Close()

	scheduler := nodeclient.NewScheduler()
	state := newNodeState()
	state.zonesEnabled = *zonesEnabled

	// Restore the last debounced parameter snapshot, if one survives from a
	// prior run; a corrupt record falls back to the defaults above.
	if raw, ok := store.Get(context.Background(), kv.NamespaceConfig, "params"); ok {
		var g proto.GlobalParamsMsg
		if err := json.Unmarshal(raw, &g); err != nil {
			slog.Warn("persisted params corrupt, using defaults", "err", err)
		} else {
			state.applyGlobalsMsg(g)
			engine.SetEffect(g.EffectID, render.TransitionFade, 0)
		}
	}

	paramsSaver := kv.NewDebouncer(store, kv.NamespaceConfig, "params")
	defer paramsSaver.Flush()
	persist := func() {
		raw, err := json.Marshal(state.globalsMsg())
		if err != nil {
			return
		}
		paramsSaver.Mark(raw)
	}

	presets := kv.NewPresetStore(store)

	client, err := nodeclient.NewClient(*hubWS, *nodeID)
	if err != nil {
		log.Fatalf("[node] dial hub control plane: %v", err)
	}
	defer client.Close()

	wireCallbacks(client, scheduler, state, engine, recv, estimator, persist)

	// SIGUSR1 captures the applied parameters into preset slot 0; SIGUSR2
	// recalls it. Physical encoder/button input is a named-interface-only
	// hardware concern, so signals are the headless stand-in.
	presetCh := make(chan os.Signal, 1)
	signal.Notify(presetCh, syscall.SIGUSR1, syscall.SIGUSR2)
	go func() {
		for sig := range presetCh {
			switch sig {
			case syscall.SIGUSR1:
				if err := presets.Save(context.Background(), 0, state.globalsMsg()); err != nil {
					slog.Error("preset save failed", "err", err)
				} else {
					slog.Info("captured parameters into preset slot 0")
				}
			case syscall.SIGUSR2:
				g, ok := presets.Load(context.Background(), 0)
				if !ok {
					slog.Warn("preset slot 0 empty or corrupt, nothing recalled")
					continue
				}
				scheduler.Push(nodeclient.PendingEdit{ApplyAtUs: 0, Apply: func() {
					state.applyGlobalsMsg(g)
					engine.SetEffect(g.EffectID, render.TransitionFade, 0.5)
				}})
				slog.Info("recalled preset slot 0")
			}
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("node shutting down")
		cancel()
	}()

	caps := proto.CapUDP | proto.CapOTA | proto.CapClock
	if err := client.Hello(*fwVer, *hwRev, caps, render.NumLEDs, 2); err != nil {
		log.Fatalf("[node] send hello: %v", err)
	}

	go func() {
		if err := client.Run(); err != nil {
			slog.Warn("control client closed", "err", err)
			cancel()
		}
	}()

	go runKeepalives(ctx, client, estimator, recv, *keepaliveInterval, recv.Port())
	go runTimeSync(ctx, estimator, *timeSyncInterval)
	go runFanoutReceiver(ctx, recv, scheduler, state, engine)

	audioBus := startAudioPipeline(ctx)

	runRenderLoop(ctx, engine, scheduler, estimator, state, audioBus)
}

// wireCallbacks registers every hub->node control-plane message handler.
// Each handler's only job is to push a scheduled edit (snapshots included)
// — never to touch the render engine's buffer directly from this
// network-context goroutine.
func wireCallbacks(client *nodeclient.Client, scheduler *nodeclient.Scheduler, state *nodeState, engine *render.Engine, recv *nodeclient.Receiver, estimator *timesync.Estimator, persist func()) {
	client.SetOnWelcome(func(assignedID, token string, serverTimeUs int64) {
		slog.Info("welcomed by hub", "assigned_id", assignedID)
		hash := proto.HashToken(token)
		recv.SetExpectedTokenHash(hash)
		estimator.SetTokenHash(hash)
	})

	client.SetOnSnapshot(func(global *proto.GlobalParamsMsg, zones []proto.ZoneSettingsMsg, applyAtUs int64) {
		scheduler.Push(nodeclient.PendingEdit{ApplyAtUs: applyAtUs, Apply: func() {
			applyGlobalSnapshot(state, engine, global, zones)
			persist()
		}})
	})

	client.SetOnEffectsSetCurrent(func(effectID uint8, applyAtUs int64) {
		scheduler.Push(nodeclient.PendingEdit{ApplyAtUs: applyAtUs, Apply: func() {
			state.mu.Lock()
			state.effectID = effectID
			state.mu.Unlock()
			engine.SetEffect(effectID, render.TransitionFade, 1.0)
			persist()
		}})
	})

	client.SetOnParametersSet(func(params map[string]float64, applyAtUs int64) {
		scheduler.Push(nodeclient.PendingEdit{ApplyAtUs: applyAtUs, Apply: func() {
			applyGlobalParams(state, params)
			persist()
		}})
	})

	client.SetOnZonesUpdate(func(zoneID int, mask uint8, z proto.ZoneSettingsMsg, applyAtUs int64) {
		if zoneID < 0 || zoneID >= len(state.zones) {
			slog.Warn("zones.update for out-of-range zone id, dropping", "zone_id", zoneID)
			return
		}
		scheduler.Push(nodeclient.PendingEdit{ApplyAtUs: applyAtUs, Apply: func() {
			applyZoneUpdate(state, zoneID, mask, z)
		}})
	})

	client.SetOnOTAUpdate(func(version, url, sha256 string) {
		slog.Info("ota_update received", "version", version, "url", url)
		go simulateOTAInstall(client, version)
	})
}

// simulateOTAInstall reports a plausible ota_status progression. The
// actual binary fetch/flash/reboot cycle lives in hardware-specific code
// (NVS/flash write, bootloader handoff) explicitly out of scope here; this
// keeps the dispatcher's per-node state machine exercised end to end.
func simulateOTAInstall(client *nodeclient.Client, version string) {
	client.ReportOTAStatus("downloading", version, "")
	time.Sleep(200 * time.Millisecond)
	client.ReportOTAStatus("installing", version, "")
	time.Sleep(200 * time.Millisecond)
	client.ReportOTAStatus("complete", version, "")
}

func applyGlobalSnapshot(state *nodeState, engine *render.Engine, global *proto.GlobalParamsMsg, zones []proto.ZoneSettingsMsg) {
	state.mu.Lock()
	if global != nil {
		state.effectID = global.EffectID
		state.brightness = global.Brightness
		state.speed = global.Speed
		state.hue = global.Hue
		state.saturation = global.Saturation
		state.paletteID = global.PaletteID
		state.intensity = global.Intensity
		state.complexity = global.Complexity
		state.variation = global.Variation
	}
	for _, z := range zones {
		if z.ZoneID < 0 || z.ZoneID >= len(state.zones) {
			continue
		}
		state.zones[z.ZoneID] = zoneState{
			enabled: z.Enabled, effectID: z.EffectID, brightness: z.Brightness,
			speed: z.Speed, paletteID: z.PaletteID, blendMode: z.BlendMode,
		}
	}
	state.mu.Unlock()

	if global != nil {
		engine.SetEffect(global.EffectID, render.TransitionFade, 0.5)
	}
}

func applyGlobalParams(state *nodeState, params map[string]float64) {
	state.mu.Lock()
	defer state.mu.Unlock()
	for k, v := range params {
		switch k {
		case "brightness":
			state.brightness = v
		case "speed":
			state.speed = v
		case "hue":
			state.hue = v
		case "saturation":
			state.saturation = v
		case "paletteId":
			state.paletteID = uint8(v)
		case "intensity":
			state.intensity = v
		case "complexity":
			state.complexity = v
		case "variation":
			state.variation = v
		}
	}
}

func applyZoneUpdate(state *nodeState, zoneID int, mask uint8, z proto.ZoneSettingsMsg) {
	state.mu.Lock()
	defer state.mu.Unlock()

	if !state.zonesEnabled {
		slog.Warn("zones.update for disabled zone plane, ignoring", "zone_id", zoneID)
		return
	}

	const (
		dirtyEffectID uint8 = 1 << iota
		dirtyBrightness
		dirtySpeed
		dirtyPaletteID
		dirtyBlendMode
		dirtyEnabled
	)

	cur := &state.zones[zoneID]
	if mask&dirtyEffectID != 0 {
		cur.effectID = z.EffectID
	}
	if mask&dirtyBrightness != 0 {
		cur.brightness = z.Brightness
	}
	if mask&dirtySpeed != 0 {
		cur.speed = z.Speed
	}
	if mask&dirtyPaletteID != 0 {
		cur.paletteID = z.PaletteID
	}
	if mask&dirtyBlendMode != 0 {
		cur.blendMode = z.BlendMode
	}
	if mask&dirtyEnabled != 0 {
		cur.enabled = z.Enabled
	}
}

func runKeepalives(ctx context.Context, client *nodeclient.Client, estimator *timesync.Estimator, recv *nodeclient.Receiver, interval time.Duration, udpPort int) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			received, dropped, stale, untrusted := recv.Stats()
			lossPct := 0.0
			if received > 0 {
				lossPct = float64(dropped+stale+untrusted) / float64(received) * 100
			}
			err := client.Keepalive(nodeclient.Telemetry{
				UDPPort:        udpPort,
				DriftUs:        int64(estimator.Delay()),
				TimeSyncLocked: estimator.Locked(),
				UptimeS:        int64(time.Since(start).Seconds()),
				LossPct:        lossPct,
			})
			if err != nil {
				slog.Warn("keepalive send failed", "err", err)
			}
		}
	}
}

func runTimeSync(ctx context.Context, estimator *timesync.Estimator, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := estimator.Round(500 * time.Millisecond); err != nil {
				slog.Debug("time-sync round failed", "err", err)
			}
		}
	}
}

// runFanoutReceiver applies each accepted PARAM_DELTA packet's snapshot
// through the same applyAt scheduler the WS control plane uses. Fanout is
// stateless w.r.t. deltas (every packet carries the full authoritative
// global snapshot), so applying one is an unconditional overwrite of the
// global fields, never a merge.
func runFanoutReceiver(ctx context.Context, recv *nodeclient.Receiver, scheduler *nodeclient.Scheduler, state *nodeState, engine *render.Engine) {
	done := make(chan struct{})
	go func() {
		recv.Serve(func(pkt proto.ShowPacket) {
			payload := pkt.Payload
			scheduler.Push(nodeclient.PendingEdit{
				ApplyAtUs: int64(pkt.Header.ApplyAtUs),
				Apply: func() {
					state.mu.Lock()
					state.effectID = payload.EffectID
					state.brightness = float64(payload.Brightness) / 255
					state.speed = float64(payload.Speed) / 255 * 4 // inverse of fanout.go's /4 compression
					state.hue = float64(payload.Hue)
					state.paletteID = payload.PaletteID
					state.mu.Unlock()
					engine.SetEffect(payload.EffectID, render.TransitionFade, 0.3)
				},
			})
		})
		close(done)
	}()
	select {
	case <-ctx.Done():
		recv.Close()
	case <-done:
	}
}

// audioFeed publishes the most recent smoothed AudioSnapshot for the
// render loop to read. A mutex rather than a lock-free structure is fine
// here: the audio thread writes at ~86Hz (512 samples @ 44.1kHz) and the
// render loop reads at ~16Hz, so contention is negligible.
type audioFeed struct {
	mu   sync.Mutex
	snap audio.AudioSnapshot
}

func (f *audioFeed) set(s audio.AudioSnapshot) {
	f.mu.Lock()
	f.snap = s
	f.mu.Unlock()
}

func (f *audioFeed) get() audio.AudioSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

// startAudioPipeline runs the capture->extract->control-bus chain in its
// own goroutine and returns a feed the render loop polls once per frame.
func startAudioPipeline(ctx context.Context) *audioFeed {
	feed := &audioFeed{}
	ring := audio.NewRing()
	source := audio.NewSyntheticSource()
	extractor := audio.NewExtractor()
	bus := audio.NewControlBus()

	go func() {
		buf := make([]float32, audio.FrameSize)
		pace := time.NewTicker(audio.HopInterval)
		defer pace.Stop()
		for {
			select {
			case <-ctx.Done():
				source.Close()
				return
			case <-pace.C:
			}
			if err := source.Read(buf); err != nil {
				slog.Warn("audio capture read failed", "err", err)
				return
			}
			ring.Push(buf)
		}
	}()

	go func() {
		lastHop := time.Now()
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			frame, ok := ring.Pop()
			if !ok {
				time.Sleep(time.Millisecond)
				continue
			}
			now := time.Now()
			dt := now.Sub(lastHop).Seconds()
			lastHop = now

			feat, flux := extractor.Extract(frame[:])
			feed.set(bus.Process(feat, flux, dt))
		}
	}()

	return feed
}

func runRenderLoop(ctx context.Context, engine *render.Engine, scheduler *nodeclient.Scheduler, estimator *timesync.Estimator, state *nodeState, feed *audioFeed) {
	ticker := time.NewTicker(renderTickRate)
	defer ticker.Stop()
	last := time.Now()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			dt := now.Sub(last).Seconds()
			last = now

			hubNowUs := estimator.HubNow(now.UnixMicro())
			scheduler.Tick(hubNowUs)

			state.mu.Lock()
			zonesEnabled := state.zonesEnabled
			knobs := render.GlobalKnobs{
				Brightness: state.brightness, Speed: state.speed, Hue: state.hue,
				Saturation: state.saturation, PaletteID: state.paletteID,
				Intensity: state.intensity, Complexity: state.complexity, Variation: state.variation,
			}
			var zones [hubstate.NumZones]hubstate.ZoneSettings
			for i, z := range state.zones {
				zones[i] = hubstate.ZoneSettings{
					Enabled: z.enabled, EffectID: z.effectID, Brightness: z.brightness,
					Speed: z.speed, PaletteID: z.paletteID, BlendMode: hubstate.BlendMode(z.blendMode),
				}
			}
			state.mu.Unlock()

			// The rendered buffer's destination is the physical LED driver
			// (PWM/RMT), named-interface-only and out of scope here.
			engine.RenderFrame(dt, feed.get(), knobs, zonesEnabled, zones)
		}
	}
}
