package toolkit

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// FlagCount is a flagged/total visibility count.
type FlagCount struct {
	Flagged float64 `json:"flagged"`
	Total   float64 `json:"total"`
}

// Fraction is the flagged share, 0 when nothing was counted.
func (c FlagCount) Fraction() float64 {
	if c.Total <= 0 {
		return 0
	}
	return c.Flagged / c.Total
}

// FlagSummary is the return value of flagdata in summary mode.
type FlagSummary struct {
	FlagCount
	SPW     map[string]FlagCount `json:"spw"`
	Field   map[string]FlagCount `json:"field"`
	Antenna map[string]FlagCount `json:"antenna"`
}

func DecodeFlagSummary(raw json.RawMessage) (FlagSummary, error) {
	var s FlagSummary
	if len(raw) == 0 {
		return s, fmt.Errorf("%w: flagdata summary returned no value", ErrFailed)
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return s, fmt.Errorf("%w: flagdata summary: %v", ErrFailed, err)
	}
	return s, nil
}

// WriteFile writes the summary as plain text, one section per axis.
func (s FlagSummary) WriteFile(path string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Total flagged data: %.2f%%\n\n", 100*s.Fraction())
	section := func(title, prefix string, counts map[string]FlagCount) {
		fmt.Fprintf(&b, "%s\n", title)
		keys := make([]string, 0, len(counts))
		for k := range counts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "%s%s: %.2f%%\n", prefix, k, 100*counts[k].Fraction())
		}
	}
	section("Flagging per spectral window", "SPW ", s.SPW)
	b.WriteString("\n")
	section("Flagging per field", "", s.Field)
	b.WriteString("\n")
	section("Flagging per antenna", "", s.Antenna)
	return os.WriteFile(path, []byte(b.String()), 0o644)
}
