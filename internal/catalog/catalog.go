// Package catalog exposes read-only metadata about an observed dataset:
// fields, antennas, spectral windows and baselines.
//
// Ownership boundary:
// - the Catalog query interface consumed by resolvers and calculators
//
// - a TOML sidecar backed implementation (Dataset)
//
// Nothing in this package mutates a dataset.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
)

var ErrNoMetadata = errors.New("dataset metadata unavailable")

// SPW is one spectral window. Frequencies and widths are in Hz.
type SPW struct {
	ID         int       `toml:"id"`
	Name       string    `toml:"name"`
	ChanFreqs  []float64 `toml:"chan_freqs"`
	ChanWidths []float64 `toml:"chan_widths"`
	Fields     []string  `toml:"fields"`
}

// Label is how operators see a window, e.g. "0 (EVLA_L#A0C0#0)".
func (s SPW) Label() string {
	if s.Name == "" {
		return strconv.Itoa(s.ID)
	}
	return fmt.Sprintf("%d (%s)", s.ID, s.Name)
}

// MinFreq is the lowest channel frequency.
func (s SPW) MinFreq() float64 {
	if len(s.ChanFreqs) == 0 {
		return 0
	}
	return slices.Min(s.ChanFreqs)
}

// MeanChanWidth is the average absolute channel width.
func (s SPW) MeanChanWidth() float64 {
	if len(s.ChanWidths) == 0 {
		return 0
	}
	sum := 0.0
	for _, w := range s.ChanWidths {
		sum += math.Abs(w)
	}
	return sum / float64(len(s.ChanWidths))
}

// Quantity is a value reported with its unit.
type Quantity struct {
	Value float64 `toml:"value"`
	Unit  string  `toml:"unit"`
}

// Catalog is the metadata query surface of one dataset.
type Catalog interface {
	FieldNames() []string
	AntennaNames() []string
	SpectralWindows() []SPW
	SPWsForField(field string) []int
	FieldsForSPW(id int) []string
	AntennaCount() int
	EffectiveExposure() Quantity
	// BaselineLengths are in metres, shortest first.
	BaselineLengths() []float64
}

// Source opens the catalog of a dataset path.
type Source interface {
	Open(ctx context.Context, vis string) (Catalog, error)
}

// HasField reports whether name is a field of c.
func HasField(c Catalog, name string) bool {
	return slices.Contains(c.FieldNames(), name)
}

// HasAntenna reports whether name is an antenna of c.
func HasAntenna(c Catalog, name string) bool {
	return slices.Contains(c.AntennaNames(), name)
}

// Window returns the spectral window with the given id.
func Window(c Catalog, id int) (SPW, bool) {
	for _, spw := range c.SpectralWindows() {
		if spw.ID == id {
			return spw, true
		}
	}
	return SPW{}, false
}

// SPWsInUse is the sorted union of windows observing any of fields.
func SPWsInUse(c Catalog, fields []string) []int {
	seen := map[int]bool{}
	var ids []int
	for _, f := range fields {
		for _, id := range c.SPWsForField(f) {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	slices.Sort(ids)
	return ids
}

// MinFrequency is the lowest channel frequency over the windows of field.
func MinFrequency(c Catalog, field string) float64 {
	fMin := 0.0
	for _, id := range c.SPWsForField(field) {
		spw, ok := Window(c, id)
		if !ok {
			continue
		}
		if f := spw.MinFreq(); f > 0 && (fMin == 0 || f < fMin) {
			fMin = f
		}
	}
	return fMin
}

// ShortestBaseline returns the shortest baseline in metres, or 0.
func ShortestBaseline(c Catalog) float64 {
	lengths := c.BaselineLengths()
	if len(lengths) == 0 {
		return 0
	}
	return slices.Min(lengths)
}
