package stage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrStageExists       = errors.New("stage already registered")
	ErrInvalidDefinition = errors.New("invalid stage definition")
)

// Stage is one pipeline step. Validate resolves every parameter the step
// needs and may ask the operator. Execute only dispatches work.
type Stage interface {
	Validate(ctx context.Context, job *Job) error
	Execute(ctx context.Context, job *Job) error
}

// Definition describes a registered stage. New builds a fresh Stage for
// every run so validated state never leaks between runs.
type Definition struct {
	Name        string
	Description string
	Order       int
	// FreshLog truncates the project log instead of appending to it.
	FreshLog bool
	New      func() Stage
}

// Registry stores stage definitions by name.
type Registry struct {
	items map[string]Definition
}

func NewRegistry() *Registry {
	return &Registry{items: make(map[string]Definition)}
}

// DefaultRegistry holds the pipeline stages in run order.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	defs := []Definition{
		{Name: "import", Description: "Import archive data, transform and smooth the dataset", Order: 1, FreshLog: true,
			New: func() Stage { return &importStage{} }},
		{Name: "calibrate", Description: "Flag, resolve calibrators, calibrate and split targets", Order: 2,
			New: func() Stage { return &calibrateStage{} }},
		{Name: "contimage", Description: "Dirty continuum image of every target", Order: 3,
			New: func() Stage { return &contImageStage{} }},
		{Name: "contsub", Description: "Continuum subtraction and dirty line cubes", Order: 4,
			New: func() Stage { return &contSubStage{} }},
		{Name: "clean", Description: "Deconvolve and export line cubes", Order: 5,
			New: func() Stage { return &cleanStage{} }},
		{Name: "moment", Description: "Moment zero maps", Order: 6,
			New: func() Stage { return &momentStage{} }},
		{Name: "cleanup", Description: "Remove intermediate products", Order: 7,
			New: func() Stage { return &cleanupStage{} }},
	}
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			panic(err)
		}
	}
	return r
}

// ValidateDefinition checks the name format and required fields.
func ValidateDefinition(def Definition) error {
	name := strings.TrimSpace(def.Name)
	if name == "" || strings.TrimSpace(def.Description) == "" {
		return fmt.Errorf("%w: name and description are required", ErrInvalidDefinition)
	}
	if !isValidName(name) {
		return fmt.Errorf("%w: invalid name format %q", ErrInvalidDefinition, name)
	}
	if def.New == nil {
		return fmt.Errorf("%w: %s has no constructor", ErrInvalidDefinition, name)
	}
	return nil
}

func (r *Registry) Register(def Definition) error {
	if err := ValidateDefinition(def); err != nil {
		return err
	}
	if _, ok := r.items[def.Name]; ok {
		return fmt.Errorf("%w: %s", ErrStageExists, def.Name)
	}
	r.items[def.Name] = def
	return nil
}

func (r *Registry) Resolve(name string) (Definition, bool) {
	def, ok := r.items[name]
	return def, ok
}

// List returns definitions in pipeline order.
func (r *Registry) List() []Definition {
	list := make([]Definition, 0, len(r.items))
	for _, def := range r.items {
		list = append(list, def)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Order != list[j].Order {
			return list[i].Order < list[j].Order
		}
		return list[i].Name < list[j].Name
	})
	return list
}

func isValidName(name string) bool {
	for i := 0; i < len(name); i++ {
		c := name[i]
		isLower := c >= 'a' && c <= 'z'
		isDigit := c >= '0' && c <= '9'
		if !(isLower || isDigit || (c == '-' && i > 0 && i < len(name)-1)) {
			return false
		}
	}
	return name != ""
}
