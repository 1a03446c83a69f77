package toolkit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/danmuck/hipipe/internal/catalog"
	"github.com/danmuck/hipipe/internal/physics"
)

// Beam is the restoring beam of an image.
type Beam struct {
	Major physics.Quantity
	Minor physics.Quantity
	PA    physics.Quantity
}

type jsonQuantity struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

func (q jsonQuantity) quantity() physics.Quantity {
	return physics.Quantity{Value: q.Value, Unit: q.Unit}
}

func returnValue(res Result, v any) error {
	if len(res.Return) == 0 {
		return fmt.Errorf("%w: %s returned no value", ErrFailed, res.Task)
	}
	if err := json.Unmarshal(res.Return, v); err != nil {
		return fmt.Errorf("%w: %s return value: %v", ErrFailed, res.Task, err)
	}
	return nil
}

func header(image, key string) Task {
	return NewTask("imhead").With("imagename", image).With("mode", "get").With("hdkey", key)
}

// RestoringBeam reads the beam of an image header.
func RestoringBeam(ctx context.Context, c Client, image string) (Beam, error) {
	res, err := c.Run(ctx, header(image, "restoringbeam"))
	if err != nil {
		return Beam{}, err
	}
	var raw struct {
		Major jsonQuantity `json:"major"`
		Minor jsonQuantity `json:"minor"`
		PA    jsonQuantity `json:"positionangle"`
	}
	if err := returnValue(res, &raw); err != nil {
		return Beam{}, err
	}
	return Beam{Major: raw.Major.quantity(), Minor: raw.Minor.quantity(), PA: raw.PA.quantity()}, nil
}

// ReferenceFrame reads the equinox of an image, e.g. "J2000".
func ReferenceFrame(ctx context.Context, c Client, image string) (string, error) {
	res, err := c.Run(ctx, header(image, "equinox"))
	if err != nil {
		return "", err
	}
	var frame string
	if err := returnValue(res, &frame); err != nil {
		return "", err
	}
	return frame, nil
}

// MetadataSource asks the toolkit to describe a dataset, then reads the
// sidecar it wrote.
type MetadataSource struct {
	Client Client
}

func (s MetadataSource) Open(ctx context.Context, vis string) (catalog.Catalog, error) {
	task := NewTask("msinfo").With("vis", vis).With("outfile", catalog.SidecarPath(vis))
	if _, err := s.Client.Run(ctx, task); err != nil {
		return nil, err
	}
	return catalog.FileSource{}.Open(ctx, vis)
}

// FluxDensity is one bootstrapped calibrator flux from fluxscale.
type FluxDensity struct {
	FieldID string
	Field   string
	Flux    float64
	Err     float64
}

// DecodeFluxScale extracts the flux densities of spw from a fluxscale
// return value. Entries without a measurement in spw are skipped.
func DecodeFluxScale(raw json.RawMessage, spw int) ([]FluxDensity, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return nil, fmt.Errorf("fluxscale return value: %w", err)
	}
	spwKey := strconv.Itoa(spw)
	var out []FluxDensity
	for key, body := range top {
		if strings.Contains(key, "spw") || strings.Contains(key, "freq") {
			continue
		}
		var entry map[string]json.RawMessage
		if err := json.Unmarshal(body, &entry); err != nil {
			continue
		}
		var name string
		_ = json.Unmarshal(entry["fieldName"], &name)
		var meas struct {
			Fluxd    []float64 `json:"fluxd"`
			FluxdErr []float64 `json:"fluxdErr"`
		}
		if err := json.Unmarshal(entry[spwKey], &meas); err != nil || len(meas.Fluxd) == 0 {
			continue
		}
		fd := FluxDensity{FieldID: key, Field: name, Flux: meas.Fluxd[0]}
		if len(meas.FluxdErr) > 0 {
			fd.Err = meas.FluxdErr[0]
		}
		out = append(out, fd)
	}
	sort.Slice(out, func(i, j int) bool {
		a, errA := strconv.Atoi(out[i].FieldID)
		b, errB := strconv.Atoi(out[j].FieldID)
		if errA == nil && errB == nil {
			return a < b
		}
		return out[i].FieldID < out[j].FieldID
	})
	return out, nil
}

// AppendFluxSummary adds one window's flux densities to a summary file.
func AppendFluxSummary(path string, spw int, densities []FluxDensity) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	var b strings.Builder
	fmt.Fprintf(&b, "Spectral window: %d\n", spw)
	for _, d := range densities {
		fmt.Fprintf(&b, "Flux density for %s: %g +/- %g Jy\n\n", d.Field, d.Flux, d.Err)
	}
	_, err = f.WriteString(b.String())
	return err
}
