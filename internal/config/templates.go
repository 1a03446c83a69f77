package config

import (
	"fmt"
	"os"
	"strings"
)

// Template returns a starter parameter file. Kinds are "local" and
// "remote"; the latter reaches the toolkit over SSH.
func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "local":
		return baseTemplate + localToolkitTemplate, nil
	case "remote":
		return baseTemplate + remoteToolkitTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o644)
}

const baseTemplate = `[global]
project_name = "project"
interactive = true
src_dir = "sources"
img_dir = "images"
mom_dir = "moments"
rest_freq = "1.420405752GHz"
cleanup_level = 0
ignore_toolkit_errors = false

[importdata]
data_path = "./raw/"
jvla = true
mstransform = false
keep_obs = []
keep_spws = []
keep_fields = []
hanning = false
chanavg = 1

[flagging]
manual_flags = "manual_flags.txt"
shadow_tol = 0.0
quack_int = 5.0
timecutoff = 4.0
freqcutoff = 3.0
rthresh = 4.0

[calibration]
refant = ""
fluxcal = []
fluxmod = []
man_mod = false
bandcal = []
phasecal = []
targets = []
target_names = []

[continuum_subtraction]
linefree_ch = []
fitorder = 1
save_cont = false

[clean]
pix_size = []
im_size = []
line_ch = []
robust = 0.5
phasecenter = ""
multiscale = true
beam_scales = [0.0, 1.0, 5.0]
sefd = 420.0
corr_eff = 0.9
thresh = 2.5

[moment]
mom_thresh = 2.0
mom_chans = []
`

const localToolkitTemplate = `
[toolkit]
command = "casa"
args = ["--nologger", "--nogui", "-c"]
driver = "hipipe_driver.py"
timeout = "10s"
`

const remoteToolkitTemplate = `
[toolkit]
command = "casa"
args = ["--nologger", "--nogui", "-c"]
driver = "hipipe_driver.py"
workdir = "/data/project"
host = "reduction.example.org"
port = "22"
user = "observer"
key_path = "~/.ssh/id_ed25519"
known_hosts = "~/.ssh/known_hosts"
timeout = "10s"
`
