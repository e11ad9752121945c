package render

import (
	"fmt"

	"lightwaveos/internal/hubstate"
)

// ZoneRange places one zone in a layout: inclusive strip-local sub-ranges
// on the left and right of the centre pair, mirrored onto both physical
// strips so zones stay symmetric, plus the LED total the layout author
// expects the zone to cover across both strips (cross-checked on install;
// zero skips the check).
type ZoneRange struct {
	ZoneID       int
	S1LeftStart  int // within [0, StripLen/2-1], left of centre
	S1LeftEnd    int
	S1RightStart int // within [StripLen/2, StripLen-1], right of centre
	S1RightEnd   int
	TotalLeds    int
}

// span is a half-open run of buffer indices a zone renders into.
type span struct {
	start, end int
}

// ZoneCompositor owns the active zone layout and blends per-zone effect
// output onto a shared base buffer using each zone's configured blend
// mode. It is owned by the render loop; layout changes go through
// SetLayout, which validates the whole candidate before touching the
// active table, so a rejected layout leaves the previous one fully intact.
type ZoneCompositor struct {
	spans [hubstate.NumZones][]span
}

// NewZoneCompositor starts on DefaultLayout.
func NewZoneCompositor() *ZoneCompositor {
	c := &ZoneCompositor{}
	if err := c.SetLayout(DefaultLayout()); err != nil {
		// DefaultLayout is a compile-time-known valid layout.
		panic(fmt.Sprintf("default zone layout invalid: %v", err))
	}
	return c
}

// DefaultLayout divides the centre-origin distance axis into
// hubstate.NumZones equal bands: zone 0 hugs the centre pair, the last
// zone covers the strip ends, every LED on both strips covered exactly
// once.
func DefaultLayout() []ZoneRange {
	const half = StripLen / 2
	band := half / hubstate.NumZones
	layout := make([]ZoneRange, hubstate.NumZones)
	for i := range layout {
		dLo := i * band
		dHi := (i+1)*band - 1
		if i == hubstate.NumZones-1 {
			dHi = half - 1 // absorb any remainder into the outermost band
		}
		layout[i] = ZoneRange{
			ZoneID:       i,
			S1LeftStart:  halfLo - dHi,
			S1LeftEnd:    halfLo - dLo,
			S1RightStart: halfHi + dLo,
			S1RightEnd:   halfHi + dHi,
			TotalLeds:    (dHi - dLo + 1) * 4,
		}
	}
	return layout
}

// SetLayout validates layout and installs it atomically: every range is
// bounds-checked, zone ids must be unique and in range, no two zones may
// claim the same LED, and a non-zero TotalLeds must match the ranges.
// Any violation rejects the whole layout and keeps the current one. Zones
// absent from the layout become empty (gaps are allowed; overlap is not).
func (c *ZoneCompositor) SetLayout(layout []ZoneRange) error {
	var next [hubstate.NumZones][]span
	var seen [hubstate.NumZones]bool
	var occupied [NumLEDs]bool

	for _, zr := range layout {
		if zr.ZoneID < 0 || zr.ZoneID >= hubstate.NumZones {
			return fmt.Errorf("zone id %d out of range [0,%d)", zr.ZoneID, hubstate.NumZones)
		}
		if seen[zr.ZoneID] {
			return fmt.Errorf("zone %d appears twice in layout", zr.ZoneID)
		}
		seen[zr.ZoneID] = true

		if zr.S1LeftStart < 0 || zr.S1LeftEnd < zr.S1LeftStart || zr.S1LeftEnd > halfLo {
			return fmt.Errorf("zone %d left range [%d,%d] outside [0,%d]",
				zr.ZoneID, zr.S1LeftStart, zr.S1LeftEnd, halfLo)
		}
		if zr.S1RightStart < halfHi || zr.S1RightEnd < zr.S1RightStart || zr.S1RightEnd > StripLen-1 {
			return fmt.Errorf("zone %d right range [%d,%d] outside [%d,%d]",
				zr.ZoneID, zr.S1RightStart, zr.S1RightEnd, halfHi, StripLen-1)
		}

		perStrip := (zr.S1LeftEnd - zr.S1LeftStart + 1) + (zr.S1RightEnd - zr.S1RightStart + 1)
		if zr.TotalLeds != 0 && zr.TotalLeds != perStrip*2 {
			return fmt.Errorf("zone %d declares %d LEDs but its ranges cover %d",
				zr.ZoneID, zr.TotalLeds, perStrip*2)
		}

		spans := []span{
			{zr.S1LeftStart, zr.S1LeftEnd + 1},
			{zr.S1RightStart, zr.S1RightEnd + 1},
			{StripLen + zr.S1LeftStart, StripLen + zr.S1LeftEnd + 1},
			{StripLen + zr.S1RightStart, StripLen + zr.S1RightEnd + 1},
		}
		for _, sp := range spans {
			for i := sp.start; i < sp.end; i++ {
				if occupied[i] {
					return fmt.Errorf("zone %d overlaps another zone at LED %d", zr.ZoneID, i)
				}
				occupied[i] = true
			}
		}
		next[zr.ZoneID] = spans
	}

	c.spans = next
	return nil
}

// HasZone reports whether zoneID is in range and covered by the active
// layout.
func (c *ZoneCompositor) HasZone(zoneID int) bool {
	return zoneID >= 0 && zoneID < hubstate.NumZones && len(c.spans[zoneID]) > 0
}

// Composite blends src onto dst within zoneID's spans using the zone's
// blend mode and brightness multiplier, leaving dst untouched outside
// those spans, for a disabled zone, and for a zone the layout doesn't
// place.
func (c *ZoneCompositor) Composite(dst, src *Buffer, zoneID int, settings hubstate.ZoneSettings) {
	if !settings.Enabled || !c.HasZone(zoneID) {
		return
	}
	for _, sp := range c.spans[zoneID] {
		for i := sp.start; i < sp.end && i < NumLEDs; i++ {
			a := dst.Get(i)
			b := Scale(src.Get(i), settings.Brightness)
			dst.Set(i, blend(a, b, settings.BlendMode))
		}
	}
}

func blend(a, b RGB, mode hubstate.BlendMode) RGB {
	switch mode {
	case hubstate.BlendAdditive:
		return RGB{addClamp(a.R, b.R), addClamp(a.G, b.G), addClamp(a.B, b.B)}
	case hubstate.BlendMultiply:
		return RGB{mulChannel(a.R, b.R), mulChannel(a.G, b.G), mulChannel(a.B, b.B)}
	case hubstate.BlendScreen:
		return RGB{screenChannel(a.R, b.R), screenChannel(a.G, b.G), screenChannel(a.B, b.B)}
	case hubstate.BlendSubtract:
		return RGB{subClamp(a.R, b.R), subClamp(a.G, b.G), subClamp(a.B, b.B)}
	case hubstate.BlendMin:
		return RGB{minChannel(a.R, b.R), minChannel(a.G, b.G), minChannel(a.B, b.B)}
	case hubstate.BlendMax:
		return RGB{maxChannel(a.R, b.R), maxChannel(a.G, b.G), maxChannel(a.B, b.B)}
	case hubstate.BlendAlpha:
		// Treat src's average luminance as the alpha weight.
		alpha := (float64(b.R) + float64(b.G) + float64(b.B)) / (3 * 255)
		return RGB{
			lerpChannel(a.R, b.R, alpha),
			lerpChannel(a.G, b.G, alpha),
			lerpChannel(a.B, b.B, alpha),
		}
	default: // BlendReplace
		return b
	}
}

func addClamp(a, b uint8) uint8 {
	sum := int(a) + int(b)
	if sum > 255 {
		return 255
	}
	return uint8(sum)
}

func mulChannel(a, b uint8) uint8 {
	return uint8((int(a) * int(b)) / 255)
}

func screenChannel(a, b uint8) uint8 {
	return uint8(255 - (int(255-a)*int(255-b))/255)
}

func subClamp(a, b uint8) uint8 {
	diff := int(a) - int(b)
	if diff < 0 {
		return 0
	}
	return uint8(diff)
}

func minChannel(a, b uint8) uint8 {
	if a < b {
		return a
	}
	return b
}

func maxChannel(a, b uint8) uint8 {
	if a > b {
		return a
	}
	return b
}

func lerpChannel(a, b uint8, t float64) uint8 {
	return uint8(float64(a)*(1-t) + float64(b)*t)
}
