package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"log/slog"
	"strconv"
	"time"

	"lightwaveos/internal/proto"
)

// presetMagic marks a preset record as ours; a record that doesn't open
// with it is treated as corrupt and ignored, never parsed further.
const presetMagic = 0x4C575053 // "LWPS"

// presetVersion is bumped whenever PresetRecord's params layout changes;
// records from a different version fall back to unoccupied.
const presetVersion = 1

// NumPresetSlots is how many preset slots each node keeps.
const NumPresetSlots = 8

// PresetRecord is the serialized shape of one preset slot. Checksum covers
// the params payload so a torn or bit-rotted write is detected on load
// rather than applied.
type PresetRecord struct {
	Magic       uint32                `json:"magic"`
	Version     uint8                 `json:"version"`
	Occupied    bool                  `json:"occupied"`
	TimestampMs int64                 `json:"timestampMs"`
	Params      proto.GlobalParamsMsg `json:"params"`
	Checksum    uint32                `json:"checksum"`
}

// PresetStore reads and writes preset slots in the "presets" namespace.
type PresetStore struct {
	store *Store
}

// NewPresetStore wraps store with the preset slot codec.
func NewPresetStore(store *Store) *PresetStore {
	return &PresetStore{store: store}
}

func slotKey(slot int) string {
	return "slot" + strconv.Itoa(slot)
}

func paramsChecksum(p proto.GlobalParamsMsg) uint32 {
	raw, err := json.Marshal(p)
	if err != nil {
		return 0
	}
	return crc32.ChecksumIEEE(raw)
}

// Save captures params into slot. Slot indexes outside [0, NumPresetSlots)
// are rejected without touching storage.
func (ps *PresetStore) Save(ctx context.Context, slot int, params proto.GlobalParamsMsg) error {
	if slot < 0 || slot >= NumPresetSlots {
		return fmt.Errorf("preset slot %d out of range [0,%d)", slot, NumPresetSlots)
	}
	rec := PresetRecord{
		Magic:       presetMagic,
		Version:     presetVersion,
		Occupied:    true,
		TimestampMs: time.Now().UnixMilli(),
		Params:      params,
		Checksum:    paramsChecksum(params),
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode preset slot %d: %w", slot, err)
	}
	return ps.store.Put(ctx, NamespacePresets, slotKey(slot), raw)
}

// Load returns the params captured in slot, or ok=false for an empty,
// corrupt, out-of-range, or version-mismatched slot. Corruption is logged
// and swallowed; a bad record never fails the caller's bring-up.
func (ps *PresetStore) Load(ctx context.Context, slot int) (proto.GlobalParamsMsg, bool) {
	var zero proto.GlobalParamsMsg
	if slot < 0 || slot >= NumPresetSlots {
		return zero, false
	}
	raw, ok := ps.store.Get(ctx, NamespacePresets, slotKey(slot))
	if !ok {
		return zero, false
	}
	var rec PresetRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		slog.Warn("preset slot corrupt, ignoring", "slot", slot, "err", err)
		return zero, false
	}
	if rec.Magic != presetMagic || rec.Version != presetVersion || !rec.Occupied {
		slog.Warn("preset slot unusable, ignoring",
			"slot", slot, "magic_ok", rec.Magic == presetMagic,
			"version", rec.Version, "occupied", rec.Occupied)
		return zero, false
	}
	if rec.Checksum != paramsChecksum(rec.Params) {
		slog.Warn("preset slot failed checksum, ignoring", "slot", slot)
		return zero, false
	}
	return rec.Params, true
}

// Clear empties slot.
func (ps *PresetStore) Clear(ctx context.Context, slot int) error {
	if slot < 0 || slot >= NumPresetSlots {
		return fmt.Errorf("preset slot %d out of range [0,%d)", slot, NumPresetSlots)
	}
	return ps.store.Delete(ctx, NamespacePresets, slotKey(slot))
}

// Occupancy reports which slots currently hold a loadable preset.
func (ps *PresetStore) Occupancy(ctx context.Context) [NumPresetSlots]bool {
	var out [NumPresetSlots]bool
	for i := range out {
		_, out[i] = ps.Load(ctx, i)
	}
	return out
}
