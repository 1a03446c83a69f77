package physics

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Quantity is a value with a unit suffix, e.g. "2.5arcsec".
type Quantity struct {
	Value float64
	Unit  string
}

func (q Quantity) String() string {
	return strconv.FormatFloat(q.Value, 'g', -1, 64) + q.Unit
}

// ParseQuantity splits a leading number from its unit suffix.
func ParseQuantity(raw string) (Quantity, error) {
	raw = strings.TrimSpace(raw)
	end := 0
	for end < len(raw) {
		c := raw[end]
		isNum := (c >= '0' && c <= '9') || c == '.' || c == '-' || c == '+'
		isExp := (c == 'e' || c == 'E') && end > 0 && end+1 < len(raw) &&
			(raw[end+1] == '-' || raw[end+1] == '+' || (raw[end+1] >= '0' && raw[end+1] <= '9'))
		if !isNum && !isExp {
			break
		}
		end++
	}
	if end == 0 {
		return Quantity{}, fmt.Errorf("%w: %q has no numeric value", ErrInvalidInput, raw)
	}
	v, err := strconv.ParseFloat(raw[:end], 64)
	if err != nil {
		return Quantity{}, fmt.Errorf("%w: %q: %v", ErrInvalidInput, raw, err)
	}
	return Quantity{Value: v, Unit: strings.TrimSpace(raw[end:])}, nil
}

// UnitsAgree reports whether a pixel size string is expressed in unit.
func UnitsAgree(pixSize, unit string) bool {
	return unit != "" && strings.HasSuffix(strings.TrimSpace(pixSize), unit)
}

// PixelsAcrossBeam is the number of pixels spanning a beam axis.
func PixelsAcrossBeam(beamAxis, pixSize float64) float64 {
	if pixSize <= 0 {
		return 0
	}
	return beamAxis / pixSize
}

// UndersampledBeam reports fewer than five pixels across the beam minor axis.
func UndersampledBeam(beamMinor, pixSize float64) bool {
	return pixSize > 0.2*beamMinor
}

// BeamScalesToPixels converts scales in beam diameters to whole pixels.
// Fractions are truncated.
func BeamScalesToPixels(beamScales []float64, pixPerBeam float64) []int {
	out := make([]int, len(beamScales))
	for i, s := range beamScales {
		out[i] = int(s * pixPerBeam)
	}
	return out
}

// EnsurePointScale appends the zero scale when it is missing.
func EnsurePointScale(scales []float64) ([]float64, bool) {
	for _, s := range scales {
		if s == 0 {
			return scales, false
		}
	}
	out := append(append([]float64(nil), scales...), 0)
	return out, true
}

// FilterScales drops pixel scales whose angular size exceeds maxArcsec. The
// zero scale is always kept and is added when anything was dropped. Order is
// preserved and duplicates are removed.
func FilterScales(scales []int, pixArcsec, maxArcsec float64) (kept, dropped []int) {
	seen := make(map[int]bool, len(scales))
	hasZero := false
	for _, s := range scales {
		if s != 0 && float64(s)*pixArcsec > maxArcsec {
			dropped = append(dropped, s)
			continue
		}
		if seen[s] {
			continue
		}
		seen[s] = true
		if s == 0 {
			hasZero = true
		}
		kept = append(kept, s)
	}
	if len(dropped) > 0 && !hasZero {
		kept = append(kept, 0)
	}
	return kept, dropped
}

// NoiseRange is the include window for moment maps: pixels between
// thresh*noise and thresh*1e6*noise.
func NoiseRange(noise, thresh float64) [2]float64 {
	return [2]float64{thresh * noise, thresh * 1e6 * noise}
}

// RoundSig trims float noise for logging and task parameters.
func RoundSig(v float64, digits int) float64 {
	if v == 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	p, _ := strconv.ParseFloat(strconv.FormatFloat(v, 'g', digits, 64), 64)
	return p
}
