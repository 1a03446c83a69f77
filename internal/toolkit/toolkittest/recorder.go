// Package toolkittest provides a toolkit client that records tasks instead
// of running them.
package toolkittest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/danmuck/hipipe/internal/toolkit"
)

// Recorder is a toolkit.Client for tests. Responses and Errors are keyed
// by task name; Func, when set, overrides both.
type Recorder struct {
	mu        sync.Mutex
	Tasks     []toolkit.Task
	Responses map[string]toolkit.Result
	Errors    map[string]error
	Func      func(task toolkit.Task) (toolkit.Result, error)
}

func (r *Recorder) Run(_ context.Context, task toolkit.Task) (toolkit.Result, error) {
	r.mu.Lock()
	r.Tasks = append(r.Tasks, task)
	fn := r.Func
	res, hasRes := r.Responses[task.Name]
	err := r.Errors[task.Name]
	r.mu.Unlock()

	if fn != nil {
		return fn(task)
	}
	if !hasRes {
		res = toolkit.Result{}
	}
	res.Task = task.Name
	return res, err
}

// Names lists the recorded task names in call order.
func (r *Recorder) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.Tasks))
	for i, t := range r.Tasks {
		names[i] = t.Name
	}
	return names
}

// Find returns every recorded task called name.
func (r *Recorder) Find(name string) []toolkit.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []toolkit.Task
	for _, t := range r.Tasks {
		if t.Name == name {
			out = append(out, t)
		}
	}
	return out
}

// Returning builds a result whose return value is v encoded as JSON.
func Returning(v any) toolkit.Result {
	raw, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return toolkit.Result{Return: raw}
}
