package stage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/danmuck/hipipe/internal/config"
	"github.com/danmuck/hipipe/internal/logging"
	"github.com/danmuck/hipipe/internal/toolkit"
)

type importStage struct {
	archives []string
}

func (s *importStage) Validate(ctx context.Context, j *Job) error {
	cfg := j.Config()
	imp := &cfg.ImportData
	p := j.Prompter()

	if strings.TrimSpace(imp.DataPath) == "" {
		if !j.Interactive() {
			logging.Critical(j.Log()).Msg("No data path is set.")
			return fmt.Errorf("%w: importdata.data_path is required", config.ErrInvalid)
		}
		path, err := p.Ask("Path to the archive data", "")
		if err != nil {
			return err
		}
		imp.DataPath = path
		j.MarkChanged("importdata.data_path")
	}

	if !imp.JVLA {
		matches, err := filepath.Glob(filepath.Join(j.Path(imp.DataPath), "*"))
		if err != nil {
			return fmt.Errorf("%w: importdata.data_path: %v", config.ErrInvalid, err)
		}
		if len(matches) == 0 {
			logging.Critical(j.Log()).Str("data_path", imp.DataPath).Msg("No archive files found.")
			return fmt.Errorf("%w: no archive files in %s", config.ErrInvalid, imp.DataPath)
		}
		sort.Strings(matches)
		s.archives = make([]string, len(matches))
		for i, m := range matches {
			s.archives[i] = filepath.Join(imp.DataPath, filepath.Base(m))
		}
		j.Log().Info().Strs("files", s.archives).Msg("Input files.")
	}

	if !j.Interactive() {
		return nil
	}
	if !imp.MSTransform {
		p.Say("You may want to review the listobs summary of the imported data to decide if certain observations, SPWs, or fields should be removed.")
		ok, err := p.Confirm("Do you want to transform the data set")
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		imp.MSTransform = true
		j.MarkChanged("importdata.mstransform")
	}

	p.Say("Select which observations, SPWs, and fields to keep in the MS.")
	p.Say("Blank strings mean all.")
	keep := []struct {
		key   string
		label string
		list  *[]string
	}{
		{"importdata.keep_obs", "The following observations will be kept", &imp.KeepObs},
		{"importdata.keep_spws", "The following SPWs will be kept", &imp.KeepSPWs},
		{"importdata.keep_fields", "The following fields will be kept", &imp.KeepFields},
	}
	for _, k := range keep {
		raw, err := p.Ask(k.label, strings.Join(*k.list, ","))
		if err != nil {
			return err
		}
		next := splitList(raw)
		if strings.Join(next, ",") != strings.Join(*k.list, ",") {
			*k.list = next
			j.MarkChanged(k.key)
		}
	}

	avg, err := p.Confirm("Do you want to perform channel averaging")
	if err != nil {
		return err
	}
	if avg {
		for {
			raw, err := p.Ask("Enter the number of channels to be averaged together", strconv.Itoa(imp.ChanAvg))
			if err != nil {
				return err
			}
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				p.Say("Invalid channel count %q.", raw)
				continue
			}
			if n != imp.ChanAvg {
				imp.ChanAvg = n
				j.MarkChanged("importdata.chanavg")
			}
			break
		}
	}
	return nil
}

func (s *importStage) Execute(ctx context.Context, j *Job) error {
	cfg := j.Config()
	imp := cfg.ImportData
	ms := cfg.MSFile()
	log := j.Log()

	if _, err := j.RemoveArtifacts("summary", "plots", ms, ms+".flagversions"); err != nil {
		return err
	}
	for _, dir := range []string{"summary", "plots"} {
		if err := j.MakeDir(dir); err != nil {
			return err
		}
	}

	if imp.JVLA {
		for _, name := range []string{ms, ms + ".flagversions"} {
			src := filepath.Join(j.Path(imp.DataPath), name)
			log.Info().Str("source", src).Msg("Linking existing dataset.")
			if err := os.Symlink(src, j.Path(name)); err != nil {
				return fmt.Errorf("link %s: %w", name, err)
			}
		}
	} else {
		log.Info().Str("vis", ms).Msg("Starting import vla data.")
		task := toolkit.NewTask("importvla").With("archivefiles", s.archives).With("vis", ms)
		if _, err := j.Dispatch(ctx, task); err != nil {
			return err
		}
		log.Info().Msg("Completed import vla data.")
	}

	if err := listobs(ctx, j, ms, filepath.Join("summary", ms+".listobs.summary")); err != nil {
		return err
	}

	switch {
	case imp.MSTransform:
		task := toolkit.NewTask("mstransform").
			With("vis", ms).
			With("outputvis", ms+"_1").
			With("field", strings.Join(imp.KeepFields, ",")).
			With("spw", strings.Join(imp.KeepSPWs, ",")).
			With("observation", strings.Join(imp.KeepObs, ",")).
			With("datacolumn", "data")
		if imp.Hanning {
			task = task.With("hanning", true)
		}
		if imp.ChanAvg > 1 {
			task = task.With("chanaverage", true).With("chanbin", imp.ChanAvg)
		}
		if _, err := j.Dispatch(ctx, task); err != nil {
			return err
		}
		if err := replaceDataset(j, ms); err != nil {
			return err
		}
		log.Info().Msg("Completed data transformation.")
		if err := listobs(ctx, j, ms, filepath.Join("summary", ms+".listobs.summary")); err != nil {
			return err
		}
	case imp.Hanning:
		log.Info().Msg("Starting Hanning smoothing.")
		task := toolkit.NewTask("hanningsmooth").With("vis", ms).With("outputvis", ms+"_1")
		if _, err := j.Dispatch(ctx, task); err != nil {
			return err
		}
		if err := replaceDataset(j, ms); err != nil {
			return err
		}
		log.Info().Msg("Completed Hanning smoothing.")
	default:
		log.Info().Msg("No transformation made.")
	}

	c, err := j.Catalog(ctx, ms)
	if err != nil {
		return err
	}
	log.Info().Strs("sources", c.FieldNames()).Int("spws", len(c.SpectralWindows())).
		Int("antennas", c.AntennaCount()).Msg("Dataset summary.")

	plots := []toolkit.Task{
		toolkit.NewTask("plotms").
			With("vis", ms).
			With("xaxis", "time").
			With("yaxis", "elevation").
			With("coloraxis", "field").
			With("plotrange", []int{-1, -1, 0, 90}).
			With("averagedata", true).
			With("avgtime", "16").
			With("plotfile", filepath.Join("plots", ms+"_elevation.png")).
			With("expformat", "png").
			With("overwrite", true).
			With("showgui", false).
			With("exprange", "all").
			With("iteraxis", "spw"),
		toolkit.NewTask("plotants").
			With("vis", ms).
			With("figfile", filepath.Join("plots", ms+"_antpos.png")),
	}
	for _, task := range plots {
		if _, err := j.Dispatch(ctx, task); err != nil {
			return err
		}
	}
	return nil
}

// replaceDataset swaps the transformed copy in for the original.
func replaceDataset(j *Job, ms string) error {
	out := ms + "_1"
	if !j.Exists(out) {
		return fmt.Errorf("%w: %s was not written", toolkit.ErrFailed, out)
	}
	if _, err := j.RemoveArtifacts(ms+".flagversions", ms); err != nil {
		return err
	}
	if err := j.MakeDir(ms + ".flagversions"); err != nil {
		return err
	}
	if err := os.Rename(j.Path(out), j.Path(ms)); err != nil {
		return fmt.Errorf("replace %s: %w", ms, err)
	}
	return nil
}

func listobs(ctx context.Context, j *Job, vis, listfile string) error {
	if _, err := j.RemoveArtifacts(listfile); err != nil {
		return err
	}
	j.Log().Info().Str("listfile", listfile).Msg("Writing listobs summary.")
	_, err := j.Dispatch(ctx, toolkit.NewTask("listobs").With("vis", vis).With("listfile", listfile))
	return err
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
