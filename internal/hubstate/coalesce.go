package hubstate

import (
	"time"

	"lightwaveos/internal/proto"
)

// Broadcaster is the minimal interface the coalescer needs to emit
// control-plane envelopes; internal/control's hub server implements it.
type Broadcaster interface {
	BroadcastAuthed(env proto.Envelope)
}

// CoalesceApplyAtLead is how far into the future a coalesced delta's
// ApplyAtUs is stamped, mirroring fanout.ApplyAtLead and
// control.snapshotApplyAtLead's role on the data plane and the join
// snapshot respectively, so every message the hub emits carries the same
// lead window.
const CoalesceApplyAtLead = 50 * time.Millisecond

// Coalesce drains the dirty masks and emits at most one parameters.set
// envelope (if any global field changed) and at most one zones.update
// envelope per dirty zone. It is meant to be called once per tick from the
// hub's main loop, and returns how many envelopes it emitted so the caller
// can tell a quiet tick from one that changed state (e.g. to schedule a
// debounced persist).
func Coalesce(s *Store, b Broadcaster) int {
	globalMask, zoneMasks := s.DrainDirty()
	applyAtUs := time.Now().Add(CoalesceApplyAtLead).UnixMicro()
	emitted := 0

	if globalMask&DirtyEffectID != 0 {
		g := s.Global()
		b.BroadcastAuthed(proto.Envelope{Type: proto.MsgEffectsSetCur, EffectID: g.EffectID, ApplyAtUs: applyAtUs})
		emitted++
	}

	if remaining := globalMask &^ DirtyEffectID; remaining != 0 {
		g := s.Global()
		params := make(map[string]float64, 8)
		if remaining&DirtyBrightness != 0 {
			params["brightness"] = g.Brightness
		}
		if remaining&DirtySpeed != 0 {
			params["speed"] = g.Speed
		}
		if remaining&DirtyHue != 0 {
			params["hue"] = g.Hue
		}
		if remaining&DirtySaturation != 0 {
			params["saturation"] = g.Saturation
		}
		if remaining&DirtyPaletteID != 0 {
			params["paletteId"] = float64(g.PaletteID)
		}
		if remaining&DirtyIntensity != 0 {
			params["intensity"] = g.Intensity
		}
		if remaining&DirtyComplexity != 0 {
			params["complexity"] = g.Complexity
		}
		if remaining&DirtyVariation != 0 {
			params["variation"] = g.Variation
		}
		if len(params) > 0 {
			b.BroadcastAuthed(proto.Envelope{Type: proto.MsgParametersSet, Params: params, ApplyAtUs: applyAtUs})
			emitted++
		}
	}

	for zoneID, mask := range zoneMasks {
		if mask == 0 {
			continue
		}
		z, _ := s.Zone(zoneID)
		b.BroadcastAuthed(proto.Envelope{
			Type:      proto.MsgZonesUpdate,
			ZoneID:    zoneID,
			ZoneMask:  mask,
			ApplyAtUs: applyAtUs,
			Zones: []proto.ZoneSettingsMsg{{
				ZoneID:     zoneID,
				Enabled:    z.Enabled,
				EffectID:   z.EffectID,
				Brightness: z.Brightness,
				Speed:      z.Speed,
				PaletteID:  z.PaletteID,
				BlendMode:  uint8(z.BlendMode),
			}},
		})
		emitted++
	}
	return emitted
}
