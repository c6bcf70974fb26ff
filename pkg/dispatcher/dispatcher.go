// Package dispatcher implements the Dispatcher & Lifecycle Pipeline (spec
// component C9): a type-driven in-process router that runs each incoming
// envelope through an ordered sequence of lifecycle stages, invoking
// whatever handlers are registered for the envelope's payload type (or a
// supertype interface) at each stage.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/whizbang-io/whizbang/pkg/envelope"
	"github.com/whizbang-io/whizbang/pkg/metrics"
)

// Stage is one point in an envelope's lifecycle. Stages always run in this
// fixed order for a given envelope; only the handler set per stage varies.
type Stage int

const (
	StagePreValidate Stage = iota
	StageDistribute
	StagePostDistributeInline
	StageReceptorInvoke
	StagePostPerspectiveInline
	StagePostHandle

	stageCount
)

func (s Stage) String() string {
	switch s {
	case StagePreValidate:
		return "PreValidate"
	case StageDistribute:
		return "Distribute"
	case StagePostDistributeInline:
		return "PostDistributeInline"
	case StageReceptorInvoke:
		return "ReceptorInvoke"
	case StagePostPerspectiveInline:
		return "PostPerspectiveInline"
	case StagePostHandle:
		return "PostHandle"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// Envelope is the currency the dispatcher routes: a payload carried as
// `any` (already materialized to its concrete type by the caller, usually
// via an envelope.TypeRegistry decode) plus its hop trail.
type Envelope = envelope.MessageEnvelope[any]

// ReceptorOutcome is one handler's result at StageReceptorInvoke, the stage
// spec §4.1 tracks separately from the envelope's overall inbox completion
// via receptor_completions/receptor_failures: several receptors can run for
// one inbound message, and each one's success or failure is reported on its
// own rather than folded into the single inbox-level outcome.
type ReceptorOutcome struct {
	HandlerName string
	Err         error
}

// Named lets a StageReceptorInvoke handler report a stable name for
// per-handler outcome tracking; handlers that don't implement it are
// identified by their Go type name instead.
type Named interface {
	Name() string
}

type receptorOutcomesKey struct{}

// WithReceptorOutcomes returns a context that Dispatch will use to record
// one ReceptorOutcome per StageReceptorInvoke handler invoked while
// dispatching with it. Callers (the worker loop, for inbox items) read
// *outcomes back after Dispatch returns to report them on the Coordinator
// Strategy.
func WithReceptorOutcomes(ctx context.Context) (context.Context, *[]ReceptorOutcome) {
	outcomes := new([]ReceptorOutcome)
	return context.WithValue(ctx, receptorOutcomesKey{}, outcomes), outcomes
}

func handlerName(h Handler) string {
	if n, ok := h.(Named); ok {
		return n.Name()
	}
	t := reflect.TypeOf(h)
	if t == nil {
		return "unknown"
	}
	return t.String()
}

// Handler processes one envelope at one stage. A handler that needs to
// spawn further work enqueues new envelopes itself, deriving them from env
// via envelope.DeriveChild so correlation/causation propagate correctly.
type Handler interface {
	Handle(ctx context.Context, env *Envelope) error
}

// HandlerFunc adapts a plain function to the Handler interface.
type HandlerFunc func(ctx context.Context, env *Envelope) error

func (f HandlerFunc) Handle(ctx context.Context, env *Envelope) error { return f(ctx, env) }

type registration struct {
	payloadType reflect.Type
	handler     Handler
}

// Dispatcher routes envelopes through the six fixed lifecycle stages,
// invoking handlers in registration order within each stage. Safe for
// concurrent use: Register/Unregister may be called while Dispatch is
// in-flight, per spec §6.3's "safe to call at any time" contract, though a
// registration only takes effect for envelopes dispatched after the call
// returns.
type Dispatcher struct {
	mu    sync.RWMutex
	stages [int(stageCount)][]registration
}

// New returns an empty Dispatcher.
func New() *Dispatcher {
	return &Dispatcher{}
}

// Register adds h for payloadType at stage, appended after any handler
// already registered for the same (payloadType, stage) pair. payloadType
// may be a concrete type or an interface type; in the latter case h also
// runs for every payload whose concrete type implements that interface.
func (d *Dispatcher) Register(payloadType reflect.Type, stage Stage, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stages[stage] = append(d.stages[stage], registration{payloadType: payloadType, handler: h})
}

// Unregister removes the first registration matching (payloadType, stage, h).
// h is compared by reflect.Value pointer identity for func-backed handlers,
// so a HandlerFunc must be unregistered with the exact value passed to
// Register.
func (d *Dispatcher) Unregister(payloadType reflect.Type, stage Stage, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	regs := d.stages[stage]
	for i, r := range regs {
		if r.payloadType == payloadType && sameHandler(r.handler, h) {
			d.stages[stage] = append(regs[:i:i], regs[i+1:]...)
			return
		}
	}
}

func sameHandler(a, b Handler) bool {
	return reflect.ValueOf(a).Pointer() == reflect.ValueOf(b).Pointer()
}

// Dispatch appends a hop recording this dispatch, then runs env through
// every lifecycle stage in order, invoking matching handlers in
// registration order within each stage. Per spec §4.7, a handler failure
// marks its stage failed but does not stop other independent handlers
// registered at the same stage from running; every handler in the stage is
// invoked and their errors are joined. Only once a stage has fully run does
// a failure there abort the remaining stages; earlier stages' side effects
// (e.g. new outbox rows) stand regardless.
func (d *Dispatcher) Dispatch(ctx context.Context, env *Envelope) error {
	hop := envelope.Hop{
		Type:          envelope.HopCurrent,
		CorrelationID: env.CurrentCorrelationID(),
		CausationID:   env.CurrentCausationID(),
		Timestamp:     time.Now().UTC(),
	}
	env.AppendHop(hop)

	payloadType := reflect.TypeOf(env.Payload)
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.DispatchDuration, payloadType.String())

	outcomes, _ := ctx.Value(receptorOutcomesKey{}).(*[]ReceptorOutcome)

	for stage := Stage(0); stage < stageCount; stage++ {
		handlers := d.handlersFor(stage, payloadType)
		var stageErrs []error
		for _, h := range handlers {
			err := h.Handle(ctx, env)
			if stage == StageReceptorInvoke && outcomes != nil {
				*outcomes = append(*outcomes, ReceptorOutcome{HandlerName: handlerName(h), Err: err})
			}
			if err != nil {
				metrics.DispatchErrorsTotal.WithLabelValues(stage.String()).Inc()
				stageErrs = append(stageErrs, err)
			}
		}
		if len(stageErrs) > 0 {
			return fmt.Errorf("dispatcher: stage %s: %w", stage, errors.Join(stageErrs...))
		}
	}
	return nil
}

// handlersFor returns, in registration order, every handler registered for
// stage whose payloadType equals the envelope's concrete payload type or is
// an interface the payload type implements.
func (d *Dispatcher) handlersFor(stage Stage, payloadType reflect.Type) []Handler {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []Handler
	for _, r := range d.stages[stage] {
		if r.payloadType == payloadType {
			out = append(out, r.handler)
			continue
		}
		if r.payloadType != nil && r.payloadType.Kind() == reflect.Interface && payloadType != nil && payloadType.Implements(r.payloadType) {
			out = append(out, r.handler)
		}
	}
	return out
}
