// Package reconcile aligns per-unit parameter lists with the number of units
// (targets or spectral windows) they describe.
//
// Ownership boundary:
// - pad, truncate and revise a list to an exact length
//
// - fail fast when a mismatch is found and no operator is available
//
// Index i of a reconciled list always belongs to unit i; nothing here reorders.
package reconcile

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/danmuck/hipipe/internal/logging"
	"github.com/danmuck/hipipe/internal/prompt"
	"github.com/rs/zerolog"
)

var (
	ErrCardinality  = errors.New("list length does not match required count")
	ErrNoUnits      = errors.New("no units to reconcile against")
	ErrInvalidEntry = errors.New("invalid list entry")
)

// Policy decides what a non-interactive mismatch does.
type Policy int

const (
	// Strict treats a non-interactive mismatch as a fatal configuration error.
	Strict Policy = iota
	// Lenient pads or truncates and carries on.
	Lenient
)

// Session is the per-stage context a reconciliation runs in.
type Session struct {
	Log         *zerolog.Logger
	Prompter    prompt.Prompter
	Interactive bool
}

func (s Session) logger() *zerolog.Logger {
	if s.Log == nil {
		nop := zerolog.Nop()
		return &nop
	}
	return s.Log
}

func (s Session) prompter() prompt.Prompter {
	if s.Prompter == nil {
		return prompt.Disabled{}
	}
	return s.Prompter
}

// Codec converts list entries to and from operator text.
type Codec[T any] struct {
	Parse  func(string) (T, error)
	Format func(T) string
}

var (
	Strings = Codec[string]{
		Parse:  func(raw string) (string, error) { return strings.TrimSpace(raw), nil },
		Format: func(v string) string { return v },
	}
	Ints = Codec[int]{
		Parse: func(raw string) (int, error) {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				return 0, nil
			}
			return strconv.Atoi(raw)
		},
		Format: func(v int) string {
			if v == 0 {
				return ""
			}
			return strconv.Itoa(v)
		},
	}
)

// List describes one reconciliation: which list, against which units.
type List[T any] struct {
	// Name is the plural used in messages, e.g. "pixel sizes".
	Name string
	// Key is the config key the list is stored under.
	Key string
	// Prompt is the per-unit question prefix, e.g. "Pixel size".
	Prompt string
	// Units labels every required entry; len(Units) is the required count.
	Units    []string
	Policy   Policy
	Codec    Codec[T]
	Hint     string
	Note     func(i int) string
	Validate func(T) error
}

// Fit pads list with zero values or truncates it to exactly n entries. The
// discarded tail is returned for logging.
func Fit[T any](list []T, n int) ([]T, []T) {
	if n < 0 {
		n = 0
	}
	out := make([]T, n)
	copy(out, list)
	if len(list) > n {
		discarded := make([]T, len(list)-n)
		copy(discarded, list[n:])
		return out, discarded
	}
	return out, nil
}

// Reconcile returns a list of exactly len(l.Units) entries and whether it
// differs from what the caller stored. On error the input is returned as is.
func Reconcile[T any](s Session, list []T, l List[T]) ([]T, bool, error) {
	log := s.logger()
	n := len(l.Units)
	if n == 0 {
		return list, false, fmt.Errorf("%w: %s", ErrNoUnits, l.Key)
	}

	out := list
	changed := false
	revise := false

	if len(list) != n {
		if !s.Interactive && l.Policy == Strict {
			logging.Critical(log).
				Str("key", l.Key).
				Int("have", len(list)).
				Int("want", n).
				Interface("values", list).
				Strs("units", l.Units).
				Msgf("The number of %s provided does not match the number of units.", l.Name)
			return list, false, fmt.Errorf("%w: %s has %d entries for %d units", ErrCardinality, l.Key, len(list), n)
		}
		var discarded []T
		out, discarded = Fit(list, n)
		changed = true
		if len(list) < n {
			log.Warn().Str("key", l.Key).Int("padded", n-len(list)).
				Msgf("There are more units than %s. Appending blanks.", l.Name)
		} else {
			log.Warn().Str("key", l.Key).Interface("discarded", discarded).
				Msgf("There are more %s than units. The list has been truncated.", l.Name)
		}
		revise = s.Interactive
	} else {
		out = append([]T(nil), list...)
		invalid := invalidEntries(out, l)
		if len(invalid) > 0 && !s.Interactive {
			logging.Critical(log).Str("key", l.Key).Ints("indexes", invalid).
				Msgf("Invalid %s in configuration.", l.Name)
			return list, false, fmt.Errorf("%w: %s[%d]: %w", ErrInvalidEntry, l.Key, invalid[0], l.Validate(list[invalid[0]]))
		}
		if len(invalid) > 0 {
			log.Warn().Str("key", l.Key).Ints("indexes", invalid).Msgf("Invalid %s in configuration.", l.Name)
			revise = true
		} else if s.Interactive {
			p := s.prompter()
			p.Say("Current %s set as:", l.Name)
			for i, unit := range l.Units {
				p.Say("%s: %s", unit, l.Codec.Format(out[i]))
			}
			ok, err := p.Confirm(fmt.Sprintf("Do you want to revise the %s", l.Name))
			if err != nil {
				return list, false, err
			}
			revise = ok
		}
	}

	if revise {
		p := s.prompter()
		if l.Hint != "" {
			p.Say("%s", l.Hint)
		}
		for i := range out {
			if l.Note != nil {
				if note := l.Note(i); note != "" {
					p.Say("Note: %s", note)
				}
			}
			v, err := askUnit(s, l, i, out[i])
			if err != nil {
				return list, false, err
			}
			out[i] = v
			log.Info().Str("key", l.Key).Str("unit", l.Units[i]).Str("value", l.Codec.Format(v)).
				Msgf("Setting %s.", l.Name)
		}
		changed = true
	}

	log.Info().Str("key", l.Key).Interface("values", out).Strs("units", l.Units).
		Bool("changed", changed).Msgf("%s set.", capitalize(l.Name))
	return out, changed, nil
}

func invalidEntries[T any](list []T, l List[T]) []int {
	if l.Validate == nil {
		return nil
	}
	var bad []int
	for i, v := range list {
		if err := l.Validate(v); err != nil {
			bad = append(bad, i)
		}
	}
	return bad
}

func askUnit[T any](s Session, l List[T], i int, current T) (T, error) {
	p := s.prompter()
	label := l.Prompt
	if label == "" {
		label = capitalize(l.Name)
	}
	question := fmt.Sprintf("%s for %s", label, l.Units[i])
	def := l.Codec.Format(current)
	for {
		raw, err := p.Ask(question, def)
		if err != nil {
			return current, err
		}
		v, err := l.Codec.Parse(raw)
		if err != nil {
			p.Say("Invalid value %q: %v", raw, err)
			continue
		}
		if l.Validate != nil {
			if err := l.Validate(v); err != nil {
				p.Say("%v", err)
				continue
			}
		}
		return v, nil
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
