package stage

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/danmuck/hipipe/internal/config"
)

type cleanupStage struct {
	level int
}

// cleanupStep is one group of products removed from a given level up.
type cleanupStep struct {
	level    int
	what     string
	patterns []string
}

func cleanupSteps(cfg *config.Config) []cleanupStep {
	ms := cfg.MSFile()
	img := func(pattern string) string { return filepath.Join(cfg.Global.ImgDir, pattern) }
	return []cleanupStep{
		{1, "toolkit .last files", []string{"*.last"}},
		{1, "calibration tables", []string{calTables}},
		{1, "flag tables", []string{ms + ".flagversions"}},
		{2, "full measurement set", []string{ms}},
		{2, "dirty images", []string{img("*.dirty.*")}},
		{2, "CLEANing masks", []string{img("*.mask")}},
		{2, "CLEAN models", []string{img("*.model")}},
		{2, "primary beam and PSF models", []string{img("*.pb"), img("*.psf")}},
		{2, "weighting", []string{img("*.sumwt")}},
		{3, "split measurement sets", []string{cfg.Global.SrcDir}},
		{3, "CLEAN residuals", []string{img("*.residual")}},
		{3, "image files (except fits)", []string{img("*.image*")}},
	}
}

func (s *cleanupStage) Validate(_ context.Context, j *Job) error {
	s.level = j.Config().Global.CleanupLevel
	if s.level < 0 || s.level > 3 {
		return fmt.Errorf("%w: global.cleanup_level must be between 0 and 3, got %d", config.ErrInvalid, s.level)
	}
	return nil
}

func (s *cleanupStage) Execute(_ context.Context, j *Job) error {
	log := j.Log()
	log.Info().Int("level", s.level).Msgf("Starting level %d cleanup.", s.level)
	removed := 0
	for _, step := range cleanupSteps(j.Config()) {
		if step.level > s.level {
			continue
		}
		log.Info().Msgf("Deleting %s.", step.what)
		paths, err := j.RemoveArtifacts(step.patterns...)
		if err != nil {
			return err
		}
		removed += len(paths)
	}
	log.Info().Int("removed", removed).Msg("Cleanup completed.")
	return nil
}
