package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalid = errors.New("invalid configuration")

// Duration is a time.Duration that reads from TOML strings like "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the full pipeline parameter set, one struct per file section.
type Config struct {
	Global      GlobalConfig      `toml:"global"`
	ImportData  ImportConfig      `toml:"importdata"`
	Flagging    FlaggingConfig    `toml:"flagging"`
	Calibration CalibrationConfig `toml:"calibration"`
	ContSub     ContSubConfig     `toml:"continuum_subtraction"`
	Clean       CleanConfig       `toml:"clean"`
	Moment      MomentConfig      `toml:"moment"`
	Toolkit     ToolkitConfig     `toml:"toolkit"`
}

type GlobalConfig struct {
	ProjectName         string `toml:"project_name"`
	Interactive         bool   `toml:"interactive"`
	SrcDir              string `toml:"src_dir"`
	ImgDir              string `toml:"img_dir"`
	MomDir              string `toml:"mom_dir"`
	RestFreq            string `toml:"rest_freq"`
	CleanupLevel        int    `toml:"cleanup_level"`
	IgnoreToolkitErrors bool   `toml:"ignore_toolkit_errors"`
	MetricsFile         string `toml:"metrics_file,omitempty"`
}

type ImportConfig struct {
	DataPath    string   `toml:"data_path"`
	JVLA        bool     `toml:"jvla"`
	MSTransform bool     `toml:"mstransform"`
	KeepObs     []string `toml:"keep_obs"`
	KeepSPWs    []string `toml:"keep_spws"`
	KeepFields  []string `toml:"keep_fields"`
	Hanning     bool     `toml:"hanning"`
	ChanAvg     int      `toml:"chanavg"`
}

type FlaggingConfig struct {
	ManualFlags string  `toml:"manual_flags"`
	ShadowTol   float64 `toml:"shadow_tol"`
	QuackInt    float64 `toml:"quack_int"`
	TimeCutoff  float64 `toml:"timecutoff"`
	FreqCutoff  float64 `toml:"freqcutoff"`
	RThresh     float64 `toml:"rthresh"`
}

type CalibrationConfig struct {
	RefAnt      string   `toml:"refant"`
	FluxCal     []string `toml:"fluxcal"`
	FluxMod     []string `toml:"fluxmod"`
	ManMod      bool     `toml:"man_mod"`
	BandCal     []string `toml:"bandcal"`
	PhaseCal    []string `toml:"phasecal"`
	Targets     []string `toml:"targets"`
	TargetNames []string `toml:"target_names"`
}

type ContSubConfig struct {
	LineFreeCh []string `toml:"linefree_ch"`
	FitOrder   int      `toml:"fitorder"`
	SaveCont   bool     `toml:"save_cont"`
}

type CleanConfig struct {
	PixSize     []string  `toml:"pix_size"`
	ImSize      []int     `toml:"im_size"`
	LineCh      []string  `toml:"line_ch"`
	Robust      float64   `toml:"robust"`
	PhaseCenter string    `toml:"phasecenter"`
	Multiscale  bool      `toml:"multiscale"`
	BeamScales  []float64 `toml:"beam_scales"`
	SEFD        float64   `toml:"sefd"`
	CorrEff     float64   `toml:"corr_eff"`
	Thresh      float64   `toml:"thresh"`
	AutomaskSL  *float64  `toml:"automask_sl,omitempty"`
	AutomaskNS  *float64  `toml:"automask_ns,omitempty"`
	AutomaskLNS *float64  `toml:"automask_lns,omitempty"`
	AutomaskMBF *float64  `toml:"automask_mbf,omitempty"`
	AutomaskNeg *float64  `toml:"automask_neg,omitempty"`
	Noise       []float64 `toml:"noise,omitempty"`
}

type MomentConfig struct {
	MomThresh float64  `toml:"mom_thresh"`
	MomChans  []string `toml:"mom_chans"`
}

// ToolkitConfig says how to reach the processing toolkit. An empty Host
// runs it locally.
type ToolkitConfig struct {
	Command                     string   `toml:"command"`
	Args                        []string `toml:"args"`
	Driver                      string   `toml:"driver"`
	WorkDir                     string   `toml:"workdir,omitempty"`
	Host                        string   `toml:"host,omitempty"`
	Port                        string   `toml:"port,omitempty"`
	User                        string   `toml:"user,omitempty"`
	KeyPath                     string   `toml:"key_path,omitempty"`
	KnownHostsPath              string   `toml:"known_hosts,omitempty"`
	InsecureSkipHostKeyChecking bool     `toml:"insecure_skip_host_key_checking,omitempty"`
	Timeout                     Duration `toml:"timeout"`
}

// Default returns the values used for keys a file leaves out.
func Default() Config {
	return Config{
		Global: GlobalConfig{
			SrcDir:   "sources",
			ImgDir:   "images",
			MomDir:   "moments",
			RestFreq: "1.420405752GHz",
		},
		Flagging: FlaggingConfig{
			ManualFlags: "manual_flags.txt",
			ShadowTol:   0.0,
			QuackInt:    5.0,
			TimeCutoff:  4.0,
			FreqCutoff:  3.0,
			RThresh:     4.0,
		},
		ContSub: ContSubConfig{FitOrder: 1},
		Clean: CleanConfig{
			Robust:  0.5,
			SEFD:    420.0,
			CorrEff: 0.9,
			Thresh:  2.5,
		},
		Moment: MomentConfig{MomThresh: 2.0},
		Toolkit: ToolkitConfig{
			Command: "casa",
			Args:    []string{"--nologger", "--nogui", "-c"},
			Driver:  "hipipe_driver.py",
			Timeout: Duration{Duration: 10 * time.Second},
		},
	}
}

// MSFile is the name of the project measurement set.
func (c *Config) MSFile() string {
	return c.Global.ProjectName + ".ms"
}

// Validate checks the keys every stage relies on.
func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Global.ProjectName) == "" {
		return fmt.Errorf("%w: global.project_name is required", ErrInvalid)
	}
	if strings.ContainsAny(cfg.Global.ProjectName, `/\`) {
		return fmt.Errorf("%w: global.project_name must not contain path separators", ErrInvalid)
	}
	if cfg.Global.CleanupLevel < 0 || cfg.Global.CleanupLevel > 3 {
		return fmt.Errorf("%w: global.cleanup_level must be 0-3, got %d", ErrInvalid, cfg.Global.CleanupLevel)
	}
	if cfg.ImportData.ChanAvg < 0 {
		return fmt.Errorf("%w: importdata.chanavg must not be negative", ErrInvalid)
	}
	if cfg.ContSub.FitOrder < 0 {
		return fmt.Errorf("%w: continuum_subtraction.fitorder must not be negative", ErrInvalid)
	}
	for i, size := range cfg.Clean.ImSize {
		if size < 0 {
			return fmt.Errorf("%w: clean.im_size[%d] must not be negative", ErrInvalid, i)
		}
	}
	if strings.TrimSpace(cfg.Toolkit.Command) == "" {
		return fmt.Errorf("%w: toolkit.command is required", ErrInvalid)
	}
	if cfg.Toolkit.Host != "" && cfg.Toolkit.User == "" {
		return fmt.Errorf("%w: toolkit.user is required when toolkit.host is set", ErrInvalid)
	}
	return nil
}

// Automask holds the auto-multithresh parameters passed to deconvolution.
type Automask struct {
	SidelobeThreshold float64
	NoiseThreshold    float64
	LowNoiseThreshold float64
	MinBeamFrac       float64
	NegativeThreshold float64
}

var automaskDefaults = Automask{
	SidelobeThreshold: 2.0,
	NoiseThreshold:    4.25,
	LowNoiseThreshold: 1.5,
	MinBeamFrac:       0.3,
	NegativeThreshold: 15.0,
}

// Automask resolves unset thresholds to their defaults and names the keys
// that were defaulted. The config itself is not modified.
func (c CleanConfig) Automask() (Automask, []string) {
	out := automaskDefaults
	var defaulted []string
	apply := func(key string, v *float64, dst *float64) {
		if v == nil {
			defaulted = append(defaulted, key)
			return
		}
		*dst = *v
	}
	apply("automask_sl", c.AutomaskSL, &out.SidelobeThreshold)
	apply("automask_ns", c.AutomaskNS, &out.NoiseThreshold)
	apply("automask_lns", c.AutomaskLNS, &out.LowNoiseThreshold)
	apply("automask_mbf", c.AutomaskMBF, &out.MinBeamFrac)
	apply("automask_neg", c.AutomaskNeg, &out.NegativeThreshold)
	return out, defaulted
}
