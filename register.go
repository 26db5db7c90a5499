package offload

import "github.com/cryguy/offload/internal/native"

// Register adds a native task to the package registry used by engines
// created without EngineConfig.Registry. A Task with Name set and no
// Source runs it.
func Register(name string, fn TaskFunc) error {
	return defaultRegistry.Register(name, fn)
}

// MustRegister is like Register but panics on error. Meant for init.
func MustRegister(name string, fn TaskFunc) {
	if err := Register(name, fn); err != nil {
		panic(err)
	}
}

// NewRegistry creates an empty native task registry for EngineConfig.
func NewRegistry() *Registry { return native.NewRegistry() }

// MustRegisterIn registers fn in reg and panics on error.
func MustRegisterIn(reg *Registry, name string, fn TaskFunc) {
	if err := reg.Register(name, fn); err != nil {
		panic(err)
	}
}
