package hubstate

import "testing"

func TestSetGlobalMarksDirty(t *testing.T) {
	s := New()
	s.SetGlobal(DirtyBrightness, func(g *GlobalParams) { g.Brightness = 0.9 })

	mask, _ := s.DrainDirty()
	if mask&DirtyBrightness == 0 {
		t.Fatalf("expected DirtyBrightness set, got mask=%b", mask)
	}
	if s.Global().Brightness != 0.9 {
		t.Fatalf("Brightness = %v, want 0.9", s.Global().Brightness)
	}
}

func TestDrainDirtyIsIdempotentWhenQuiet(t *testing.T) {
	s := New()
	s.SetGlobal(DirtySpeed, func(g *GlobalParams) { g.Speed = 2.0 })
	_, _ = s.DrainDirty()

	mask, zoneMasks := s.DrainDirty()
	if mask != 0 {
		t.Fatalf("second drain with no mutation: global mask = %b, want 0", mask)
	}
	for i, zm := range zoneMasks {
		if zm != 0 {
			t.Fatalf("second drain with no mutation: zone %d mask = %b, want 0", i, zm)
		}
	}
}

func TestSetZoneOutOfRange(t *testing.T) {
	s := New()
	if s.SetZone(NumZones, ZoneDirtyEnabled, func(z *ZoneSettings) { z.Enabled = false }) {
		t.Fatal("SetZone should reject an out-of-range zoneID")
	}
	if _, ok := s.Zone(-1); ok {
		t.Fatal("Zone should reject a negative zoneID")
	}
}

func TestDrainDirtyPerZoneIsolated(t *testing.T) {
	s := New()
	s.SetZone(0, ZoneDirtyBrightness, func(z *ZoneSettings) { z.Brightness = 0.1 })

	_, zoneMasks := s.DrainDirty()
	if zoneMasks[0]&ZoneDirtyBrightness == 0 {
		t.Fatalf("zone 0 mask = %b, want ZoneDirtyBrightness set", zoneMasks[0])
	}
	for i := 1; i < NumZones; i++ {
		if zoneMasks[i] != 0 {
			t.Fatalf("zone %d mask = %b, want 0 (untouched zone)", i, zoneMasks[i])
		}
	}
}

func TestSnapshotReturnsConsistentCopy(t *testing.T) {
	s := New()
	s.SetGlobal(DirtyHue, func(g *GlobalParams) { g.Hue = 180 })
	g, zones := s.Snapshot()
	if g.Hue != 180 {
		t.Fatalf("Snapshot global Hue = %v, want 180", g.Hue)
	}
	if len(zones) != NumZones {
		t.Fatalf("Snapshot zones len = %d, want %d", len(zones), NumZones)
	}
}
