package kv

import (
	"context"
	"encoding/json"
	"testing"

	"lightwaveos/internal/proto"
)

func testParams() proto.GlobalParamsMsg {
	return proto.GlobalParamsMsg{
		Brightness: 0.71, Speed: 1.5, Hue: 210, Saturation: 0.9,
		PaletteID: 3, EffectID: 5, Intensity: 0.4, Complexity: 0.6, Variation: 0.2,
	}
}

func TestPresetSaveLoadRoundTrip(t *testing.T) {
	ps := NewPresetStore(openTestStore(t))
	ctx := context.Background()

	want := testParams()
	if err := ps.Save(ctx, 0, want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, ok := ps.Load(ctx, 0)
	if !ok {
		t.Fatal("Load returned ok=false for a just-saved slot")
	}
	if got != want {
		t.Fatalf("loaded params = %+v, want %+v", got, want)
	}
}

func TestPresetLoadEmptySlot(t *testing.T) {
	ps := NewPresetStore(openTestStore(t))
	if _, ok := ps.Load(context.Background(), 1); ok {
		t.Fatal("Load of an empty slot returned ok=true")
	}
}

func TestPresetSaveSlotOutOfRange(t *testing.T) {
	ps := NewPresetStore(openTestStore(t))
	ctx := context.Background()
	if err := ps.Save(ctx, -1, testParams()); err == nil {
		t.Fatal("Save(-1) did not error")
	}
	if err := ps.Save(ctx, NumPresetSlots, testParams()); err == nil {
		t.Fatalf("Save(%d) did not error", NumPresetSlots)
	}
}

func TestPresetLoadCorruptRecordFallsBack(t *testing.T) {
	store := openTestStore(t)
	ps := NewPresetStore(store)
	ctx := context.Background()

	store.Put(ctx, NamespacePresets, slotKey(2), []byte("{not json"))
	if _, ok := ps.Load(ctx, 2); ok {
		t.Fatal("Load of a corrupt slot returned ok=true")
	}
}

func TestPresetLoadChecksumMismatchFallsBack(t *testing.T) {
	store := openTestStore(t)
	ps := NewPresetStore(store)
	ctx := context.Background()

	if err := ps.Save(ctx, 3, testParams()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	// Rewrite the params payload without re-stamping the checksum.
	raw, _ := store.Get(ctx, NamespacePresets, slotKey(3))
	var rec PresetRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		t.Fatalf("decode stored record: %v", err)
	}
	rec.Params.Brightness += 0.25
	tampered, _ := json.Marshal(rec)
	store.Put(ctx, NamespacePresets, slotKey(3), tampered)
	if _, ok := ps.Load(ctx, 3); ok {
		t.Fatal("Load of a checksum-mismatched slot returned ok=true")
	}
}

func TestPresetClearAndOccupancy(t *testing.T) {
	ps := NewPresetStore(openTestStore(t))
	ctx := context.Background()

	ps.Save(ctx, 0, testParams())
	ps.Save(ctx, 4, testParams())
	occ := ps.Occupancy(ctx)
	if !occ[0] || !occ[4] || occ[1] {
		t.Fatalf("occupancy = %v, want slots 0 and 4 only", occ)
	}

	if err := ps.Clear(ctx, 4); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, ok := ps.Load(ctx, 4); ok {
		t.Fatal("Load after Clear returned ok=true")
	}
}
