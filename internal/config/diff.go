package config

import (
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"

	gotoml "github.com/pelletier/go-toml/v2"
)

// StageOrder lists the pipeline stages in execution order.
var StageOrder = []string{"import", "calibrate", "contimage", "contsub", "clean", "moment", "cleanup"}

// stageKeys maps each stage to the keys it is the first consumer of. A
// trailing underscore matches any key with that prefix.
var stageKeys = map[string][]string{
	"import":    {"project_name", "data_path", "jvla", "mstransform", "keep_", "hanning", "chanavg"},
	"calibrate": {"src_dir", "shadow_tol", "quack_int", "timecutoff", "freqcutoff", "rthresh", "manual_flags", "refant", "fluxcal", "fluxmod", "man_mod", "bandcal", "phasecal", "targets", "target_names"},
	"contimage": {"rest_freq", "img_dir", "phasecenter", "pix_size", "im_size", "robust"},
	"contsub":   {"linefree_ch", "fitorder", "save_cont", "line_ch"},
	"clean":     {"automask_", "multiscale", "beam_scales", "sefd", "corr_eff", "thresh", "noise"},
	"moment":    {"mom_thresh", "mom_chans", "mom_dir"},
	"cleanup":   {"cleanup_level"},
}

// Change is one key that differs between two parameter files.
type Change struct {
	Key   string
	Old   any
	New   any
	Stage string
}

func (c Change) String() string {
	return fmt.Sprintf("%s: %v -> %v", c.Key, c.Old, c.New)
}

// StageForKey names the earliest stage that reads key ("section.name" or
// "name"). Keys no stage reads, like toolkit settings, map to "".
func StageForKey(key string) string {
	section, name := "", key
	if i := strings.LastIndex(key, "."); i >= 0 {
		section, name = key[:i], key[i+1:]
	}
	if section == "toolkit" {
		return ""
	}
	for _, stage := range StageOrder {
		for _, k := range stageKeys[stage] {
			if name == k || (strings.HasSuffix(k, "_") && strings.HasPrefix(name, k)) {
				return stage
			}
		}
	}
	return ""
}

// EarliestStage returns the first stage in StageOrder affected by changes,
// or "" when none is.
func EarliestStage(changes []Change) string {
	best := -1
	for _, c := range changes {
		for i, stage := range StageOrder {
			if stage == c.Stage && (best < 0 || i < best) {
				best = i
			}
		}
	}
	if best < 0 {
		return ""
	}
	return StageOrder[best]
}

// DiffFiles lists every key whose value differs between two parameter
// files, sorted by key.
func DiffFiles(oldPath, newPath string) ([]Change, error) {
	oldDoc, err := readDoc(oldPath)
	if err != nil {
		return nil, err
	}
	newDoc, err := readDoc(newPath)
	if err != nil {
		return nil, err
	}
	return diffDocs(oldDoc, newDoc), nil
}

func readDoc(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config diff failed (%s): %w", path, err)
	}
	doc := map[string]any{}
	if err := gotoml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: config diff parse failed (%s): %v", ErrInvalid, path, err)
	}
	return doc, nil
}

func diffDocs(oldDoc, newDoc map[string]any) []Change {
	oldFlat := map[string]any{}
	newFlat := map[string]any{}
	flatten("", oldDoc, oldFlat)
	flatten("", newDoc, newFlat)

	keys := map[string]struct{}{}
	for k := range oldFlat {
		keys[k] = struct{}{}
	}
	for k := range newFlat {
		keys[k] = struct{}{}
	}

	var changes []Change
	for k := range keys {
		o, n := oldFlat[k], newFlat[k]
		if reflect.DeepEqual(o, n) {
			continue
		}
		changes = append(changes, Change{Key: k, Old: o, New: n, Stage: StageForKey(k)})
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Key < changes[j].Key })
	return changes
}

func flatten(prefix string, in map[string]any, out map[string]any) {
	for k, v := range in {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := v.(map[string]any); ok {
			flatten(key, sub, out)
			continue
		}
		out[key] = v
	}
}
