package catalog

import (
	"context"
	"fmt"
	"os"
	"slices"

	"github.com/pelletier/go-toml/v2"
)

// Dataset is a catalog decoded from a metadata sidecar written next to the
// dataset by the toolkit.
type Dataset struct {
	Vis       string    `toml:"vis"`
	Fields    []string  `toml:"fields"`
	Antennas  []string  `toml:"antennas"`
	Windows   []SPW     `toml:"spw"`
	Exposure  Quantity  `toml:"exposure"`
	Baselines []float64 `toml:"baselines"`
}

// SidecarPath is where the metadata of vis lives.
func SidecarPath(vis string) string {
	return vis + ".meta.toml"
}

func LoadFile(path string) (*Dataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w (%s): %v", ErrNoMetadata, path, err)
	}
	var d Dataset
	if err := toml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("catalog parse failed (%s): %w", path, err)
	}
	if len(d.Fields) == 0 {
		return nil, fmt.Errorf("%w (%s): no fields listed", ErrNoMetadata, path)
	}
	return &d, nil
}

// WriteFile stores d as a sidecar.
func (d *Dataset) WriteFile(path string) error {
	data, err := toml.Marshal(d)
	if err != nil {
		return fmt.Errorf("catalog encode failed: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func (d *Dataset) FieldNames() []string { return slices.Clone(d.Fields) }

func (d *Dataset) AntennaNames() []string { return slices.Clone(d.Antennas) }

func (d *Dataset) SpectralWindows() []SPW { return slices.Clone(d.Windows) }

func (d *Dataset) AntennaCount() int { return len(d.Antennas) }

func (d *Dataset) EffectiveExposure() Quantity { return d.Exposure }

func (d *Dataset) SPWsForField(field string) []int {
	var ids []int
	for _, spw := range d.Windows {
		if slices.Contains(spw.Fields, field) {
			ids = append(ids, spw.ID)
		}
	}
	return ids
}

func (d *Dataset) FieldsForSPW(id int) []string {
	for _, spw := range d.Windows {
		if spw.ID == id {
			return slices.Clone(spw.Fields)
		}
	}
	return nil
}

func (d *Dataset) BaselineLengths() []float64 {
	out := slices.Clone(d.Baselines)
	slices.Sort(out)
	return out
}

// FileSource opens sidecars that already exist on disk.
type FileSource struct{}

func (FileSource) Open(_ context.Context, vis string) (Catalog, error) {
	d, err := LoadFile(SidecarPath(vis))
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Static serves fixed catalogs by dataset path.
type Static map[string]Catalog

func (s Static) Open(_ context.Context, vis string) (Catalog, error) {
	c, ok := s[vis]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoMetadata, vis)
	}
	return c, nil
}
