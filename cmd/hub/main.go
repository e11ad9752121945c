// Command hub runs the LightwaveOS hub process: the authoritative show
// state store, the node registry, the WebSocket control plane, the 100Hz
// UDP fanout, the time-sync responder, and the OTA manifest/rollout admin
// surface.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"lightwaveos/internal/control"
	"lightwaveos/internal/fanout"
	"lightwaveos/internal/hubstate"
	"lightwaveos/internal/kv"
	"lightwaveos/internal/ota"
	"lightwaveos/internal/registry"
	"lightwaveos/internal/timesync"
)

func main() {
	controlAddr := flag.String("control-addr", ":8787", "WebSocket/HTTP control-plane listen address")
	timesyncAddr := flag.String("timesync-addr", ":8788", "UDP time-sync responder listen address")
	dbPath := flag.String("db", "lightwaveos-hub.db", "sqlite database path for config/presets/OTA state")
	manifestPath := flag.String("ota-manifest", "ota-manifest.json", "OTA manifest repository file path")
	otaBinDir := flag.String("ota-bin-dir", "ota-bin", "directory static OTA .bin downloads are served from (empty to disable)")
	fanoutEnabled := flag.Bool("fanout-enabled", true, "broadcast PARAM_DELTA over UDP (the WS control plane and time-sync run regardless)")
	sweepInterval := flag.Duration("sweep-interval", 2*time.Second, "registry keepalive-sweep interval")
	coalesceInterval := flag.Duration("coalesce-interval", 50*time.Millisecond, "state-delta coalescer tick interval")
	joinDrainInterval := flag.Duration("join-drain-interval", 20*time.Millisecond, "pending-join ring drain interval")
	flag.Parse()

	if RunCLI(flag.Args(), apiAddrFrom(*controlAddr)) {
		return
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, nil)))

	store, err := kv.Open(*dbPath)
	if err != nil {
		log.Fatalf("[hub] open kv store: %v", err)
	}
	defer store.Close()

	manifests, err := ota.NewManifestRepo(*manifestPath)
	if err != nil {
		log.Fatalf("[hub] open manifest repo: %v", err)
	}

	blobs, err := ota.NewBlobStore(*otaBinDir, store)
	if err != nil {
		log.Fatalf("[hub] open ota blob store: %v", err)
	}

	reg := registry.New()
	state := hubstate.New()
	restoreShowState(store, state)
	stateSaver := kv.NewDebouncer(store, kv.NamespaceConfig, "show_state")
	defer stateSaver.Flush()

	ctrl := control.New(reg, state, nil, manifests, *otaBinDir)
	ctrl.SetBlobStore(blobs)
	rollout := ota.NewDispatcher(ctrl)
	ctrl.SetRollout(rollout)

	fan, err := fanout.New(reg, state)
	if err != nil {
		log.Fatalf("[hub] open fanout socket: %v", err)
	}
	defer fan.Close()
	fan.SetEnabled(*fanoutEnabled)
	ctrl.SetFanoutStats(fan.Stats)
	go fan.Run()

	responder, err := timesync.NewHubResponder(*timesyncAddr)
	if err != nil {
		log.Fatalf("[hub] open time-sync socket: %v", err)
	}
	defer responder.Close()
	go responder.Serve()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("hub shutting down")
		cancel()
	}()

	go func() {
		ticker := time.NewTicker(*sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				reg.Sweep()
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(*coalesceInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if hubstate.Coalesce(state, ctrl) > 0 {
					persistShowState(stateSaver, state)
				}
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(*joinDrainInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				ctrl.DrainPendingJoins()
			}
		}
	}()

	slog.Info("hub control plane listening", "addr", *controlAddr)
	if err := ctrl.Start(ctx, *controlAddr); err != nil {
		log.Fatalf("[hub] control server: %v", err)
	}
}

// persistedShowState is the cfg-namespace shape of the authoritative show
// state: global params plus the full zone layout.
type persistedShowState struct {
	Global hubstate.GlobalParams                   `json:"global"`
	Zones  [hubstate.NumZones]hubstate.ZoneSettings `json:"zones"`
}

// restoreShowState reloads the last persisted show state, if any; a missing
// or corrupt record leaves the defaults in place.
func restoreShowState(store *kv.Store, state *hubstate.Store) {
	raw, ok := store.Get(context.Background(), kv.NamespaceConfig, "show_state")
	if !ok {
		return
	}
	var p persistedShowState
	if err := json.Unmarshal(raw, &p); err != nil {
		slog.Warn("persisted show state corrupt, using defaults", "err", err)
		return
	}
	state.Restore(p.Global, p.Zones)
	slog.Info("restored show state from kv store")
}

func persistShowState(saver *kv.Debouncer, state *hubstate.Store) {
	g, zones := state.Snapshot()
	raw, err := json.Marshal(persistedShowState{Global: g, Zones: zones})
	if err != nil {
		return
	}
	saver.Mark(raw)
}
