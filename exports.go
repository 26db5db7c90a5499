package offload

import (
	"github.com/cryguy/offload/internal/core"
	"github.com/cryguy/offload/internal/deps"
	"github.com/cryguy/offload/internal/native"
)

// Type aliases re-exporting internal types so callers can build tasks
// and inspect failures without importing internal packages.

type Task = core.Task
type Loader = core.Loader
type Status = core.Status
type Message = core.Message
type Failure = core.Failure
type Kind = core.Kind
type Envelope = core.Envelope
type ScriptLoader = core.ScriptLoader
type UnitFactory = core.UnitFactory
type Unit = core.Unit
type UnitCallbacks = core.UnitCallbacks
type CodeRef = core.CodeRef

type TaskFunc = native.TaskFunc
type Emitter = native.Emitter
type Registry = native.Registry

type Store = deps.Store

const (
	LoaderJS = core.LoaderJS
	LoaderTS = core.LoaderTS
)

const (
	StatusPending        = core.StatusPending
	StatusRunning        = core.StatusRunning
	StatusSuccess        = core.StatusSuccess
	StatusError          = core.StatusError
	StatusTimeoutExpired = core.StatusTimeoutExpired
)

const (
	KindGeneration     = core.KindGeneration
	KindAlreadyRunning = core.KindAlreadyRunning
	KindRuntime        = core.KindRuntime
	KindUnitFault      = core.KindUnitFault
	KindTimeout        = core.KindTimeout
	KindCancelled      = core.KindCancelled
)

var (
	ErrGeneration     = core.ErrGeneration
	ErrAlreadyRunning = core.ErrAlreadyRunning
	ErrRuntime        = core.ErrRuntime
	ErrUnitFault      = core.ErrUnitFault
	ErrTimeout        = core.ErrTimeout
	ErrCancelled      = core.ErrCancelled
	ErrClosed         = core.ErrClosed
)

// KindOf returns the failure kind of err, or 0.
var KindOf = core.KindOf

// OpenStore opens the SQLite dependency store at path (":memory:" for
// an in-process store).
var OpenStore = deps.OpenStore
