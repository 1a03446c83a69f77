// Package physics derives thresholds and scale limits from dataset metadata.
// Every function is pure.
package physics

import (
	"errors"
	"fmt"
	"math"
)

// SpeedOfLight in m/s.
const SpeedOfLight = 299792458.0

var ErrInvalidInput = errors.New("invalid physical input")

// SmoothingFactor corrects the noise estimate for correlated channels.
// chanAvg is the number of channels averaged after smoothing; values below
// two mean no averaging.
func SmoothingFactor(hanning bool, chanAvg int) float64 {
	if !hanning {
		return 1.0
	}
	if chanAvg > 1 {
		n := float64(chanAvg)
		return n / ((n - 2) + 2*(9.0/16.0) + 2*(1.0/16.0))
	}
	return 8.0 / 3.0
}

// NoiseInput collects the terms of the radiometer equation.
type NoiseInput struct {
	SEFD        float64 // Jy
	CorrEff     float64
	Antennas    int
	Integration float64 // seconds
	ChanWidth   float64 // Hz
	Smoothing   float64
}

// ThermalNoise returns the expected rms in Jy/beam.
func ThermalNoise(in NoiseInput) (float64, error) {
	switch {
	case in.SEFD <= 0:
		return 0, fmt.Errorf("%w: sefd must be positive, got %g", ErrInvalidInput, in.SEFD)
	case in.CorrEff <= 0:
		return 0, fmt.Errorf("%w: corr_eff must be positive, got %g", ErrInvalidInput, in.CorrEff)
	case in.Antennas < 2:
		return 0, fmt.Errorf("%w: need at least two antennas, got %d", ErrInvalidInput, in.Antennas)
	case in.Integration <= 0:
		return 0, fmt.Errorf("%w: integration time must be positive, got %g", ErrInvalidInput, in.Integration)
	case in.ChanWidth == 0:
		return 0, fmt.Errorf("%w: channel width is zero", ErrInvalidInput)
	}
	smoothing := in.Smoothing
	if smoothing <= 0 {
		smoothing = 1.0
	}
	n := float64(in.Antennas)
	// channel widths are negative for descending frequency axes
	width := math.Abs(in.ChanWidth)
	return in.SEFD / (in.CorrEff * math.Sqrt(smoothing*2*n*(n-1)*in.Integration*width)), nil
}

// MaxRecoverableScale returns the largest angular scale in arcsec that an
// array with shortest baseline bMin metres recovers at frequency fMin Hz.
func MaxRecoverableScale(fMin, bMin float64) (float64, error) {
	if fMin <= 0 || bMin <= 0 {
		return 0, fmt.Errorf("%w: frequency %g Hz and baseline %g m must be positive", ErrInvalidInput, fMin, bMin)
	}
	return 180 * 3600 * SpeedOfLight / (1.2 * math.Pi * fMin * bMin), nil
}
