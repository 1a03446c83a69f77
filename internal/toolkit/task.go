// Package toolkit is the boundary to the external processing toolkit.
//
// Ownership boundary:
// - typed task records: a task name plus ordered keyword parameters
//
// - a client that ships a task to the toolkit driver and collects its log
// lines, artifacts and return value
//
// - severity scanning of toolkit logs and small queries built on tasks
//
// Tasks are data. Nothing here builds source text for the toolkit to
// evaluate.
package toolkit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Param is one keyword argument of a task.
type Param struct {
	Key   string
	Value any
}

// Task is a fully resolved toolkit call.
type Task struct {
	Name   string
	Params []Param
}

func NewTask(name string) Task {
	return Task{Name: name}
}

// With returns t with key set to value. An existing key is replaced in
// place so parameter order stays stable.
func (t Task) With(key string, value any) Task {
	params := make([]Param, len(t.Params), len(t.Params)+1)
	copy(params, t.Params)
	for i := range params {
		if params[i].Key == key {
			params[i].Value = value
			return Task{Name: t.Name, Params: params}
		}
	}
	return Task{Name: t.Name, Params: append(params, Param{Key: key, Value: value})}
}

func (t Task) Get(key string) (any, bool) {
	for _, p := range t.Params {
		if p.Key == key {
			return p.Value, true
		}
	}
	return nil, false
}

// String renders the call for logs, e.g. listobs(vis='a.ms').
func (t Task) String() string {
	var b strings.Builder
	b.WriteString(t.Name)
	b.WriteByte('(')
	for i, p := range t.Params {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(p.Key)
		b.WriteByte('=')
		b.WriteString(formatValue(p.Value))
	}
	b.WriteByte(')')
	return b.String()
}

func formatValue(v any) string {
	switch x := v.(type) {
	case string:
		return "'" + x + "'"
	case []string:
		quoted := make([]string, len(x))
		for i, s := range x {
			quoted[i] = "'" + s + "'"
		}
		return "[" + strings.Join(quoted, ", ") + "]"
	default:
		return fmt.Sprint(v)
	}
}

// MarshalJSON writes {"task": name, "params": {...}} keeping parameter
// order.
func (t Task) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	name, err := json.Marshal(t.Name)
	if err != nil {
		return nil, err
	}
	buf.WriteString(`{"task":`)
	buf.Write(name)
	buf.WriteString(`,"params":{`)
	for i, p := range t.Params {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(p.Key)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(p.Value)
		if err != nil {
			return nil, fmt.Errorf("task %s param %s: %w", t.Name, p.Key, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteString("}}")
	return buf.Bytes(), nil
}
