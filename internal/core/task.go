package core

import (
	"slices"
	"sync"
	"sync/atomic"
)

// Loader names the source language of a script task.
type Loader string

const (
	LoaderJS Loader = "js"
	LoaderTS Loader = "ts"
)

// Task is the descriptor of a function to offload.
//
// Source is a JavaScript (or TypeScript) function expression. Closures
// over outer variables are not captured: everything the function needs
// must come from Helpers, Dependencies, or its arguments.
// Name selects a registered native task instead of Source.
type Task struct {
	Source       string
	Dependencies []string
	Helpers      []string
	Name         string
	Loader       Loader
}

// Native reports whether the task refers to a registered Go function.
func (t Task) Native() bool { return t.Name != "" && t.Source == "" }

// Clone returns a deep copy so callers cannot mutate a controller's task.
func (t Task) Clone() Task {
	t.Dependencies = slices.Clone(t.Dependencies)
	t.Helpers = slices.Clone(t.Helpers)
	return t
}

// CodeKind distinguishes generated scripts from native references.
type CodeKind int

const (
	CodeScript CodeKind = iota
	CodeNative
)

// CodeRef is a loadable reference to generated code. One CodeRef is
// shared by every handle spawned for equal task fingerprints.
type CodeRef struct {
	Key    string
	Kind   CodeKind
	URL    string
	Source string // generated module text (CodeScript)
	Name   string // registered task name (CodeNative)

	handles  atomic.Int64
	once     sync.Once
	released chan struct{}
}

// NewCodeRef creates a live reference.
func NewCodeRef(key string, kind CodeKind, source, name string) *CodeRef {
	prefix := key
	if len(prefix) > 16 {
		prefix = prefix[:16]
	}
	return &CodeRef{
		Key:      key,
		Kind:     kind,
		URL:      "offload:code/" + prefix,
		Source:   source,
		Name:     name,
		released: make(chan struct{}),
	}
}

// Retain records a handle using the reference.
func (r *CodeRef) Retain() { r.handles.Add(1) }

// Drop records that a handle no longer uses the reference.
func (r *CodeRef) Drop() { r.handles.Add(-1) }

// Handles returns the number of live handles holding the reference.
func (r *CodeRef) Handles() int64 { return r.handles.Load() }

// Release marks the reference as released. Idempotent.
func (r *CodeRef) Release() {
	r.once.Do(func() { close(r.released) })
}

// Released is closed once the reference has been released.
func (r *CodeRef) Released() <-chan struct{} { return r.released }

// IsReleased reports whether Release has been called.
func (r *CodeRef) IsReleased() bool {
	select {
	case <-r.released:
		return true
	default:
		return false
	}
}
