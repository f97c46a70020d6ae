package runtime

import "context"

// rpcKey identifies a registered RPC handler by namespace and function
// name. The registry is explicit and populated at actor startup rather
// than resolved dynamically by string at call time.
type rpcKey struct {
	NS   string
	Func string
}

// handlerKind distinguishes the three return shapes a handler can take.
type handlerKind int

const (
	// kindSingle is an async function executed to completion; its result
	// is sent as a single {return} frame.
	kindSingle handlerKind = iota

	// kindBlocking is a synchronous function. Declared non-blocking
	// handlers run inline on the RPC's own dispatch goroutine; all others
	// are offloaded to the actor's worker pool. Either way the result is
	// sent as {return}.
	kindBlocking

	// kindStream is an async lazy sequence producer: each produced value
	// is sent as {yield}; completion sends {stop}; a {cancel} from the
	// caller cancels the producing task.
	kindStream
)

// SingleFunc is a single-result RPC handler.
type SingleFunc func(ctx context.Context, kwargs map[string]any) (any, error)

// StreamFunc is a streaming RPC handler. It calls yield for each produced
// value; yield returns false once the consumer has cancelled, at which
// point StreamFunc should stop producing and return promptly.
type StreamFunc func(
	ctx context.Context, kwargs map[string]any, yield func(any) bool,
) error

type dispatcher struct {
	kind        handlerKind
	single      SingleFunc
	stream      StreamFunc
	nonBlocking bool

	// shielded exempts the running handler from service-scope
	// cancellation: only an explicit {cancel} for its cid or the caller's
	// channel closing stops it. Used
	// by the debug mutex holder, which must survive a cancelling nursery
	// until the debugger releases the tty.
	shielded bool
}

// Registry holds the RPC handlers an actor carries and the subset of
// module namespaces it actually exposes to peers. Registration happens at
// actor startup; exposure is decided separately (a spawning parent names
// the modules its child serves), so a handler can be compiled in yet still
// unreachable until its namespace is exposed.
type Registry struct {
	handlers map[rpcKey]dispatcher
	known    map[string]struct{}
	exposed  map[string]struct{}
}

func newRegistry() *Registry {
	return &Registry{
		handlers: make(map[rpcKey]dispatcher),
		known:    make(map[string]struct{}),
		exposed:  make(map[string]struct{}),
	}
}

// RegisterFunc registers a single-result async handler under ns.funcName.
func (r *Registry) RegisterFunc(ns, funcName string, fn SingleFunc) {
	r.known[ns] = struct{}{}
	r.handlers[rpcKey{ns, funcName}] = dispatcher{
		kind: kindSingle, single: fn,
	}
}

// RegisterBlocking registers a synchronous handler. nonBlocking marks it
// safe to run inline on the channel dispatch goroutine; all others are
// offloaded to the actor's worker pool.
func (r *Registry) RegisterBlocking(
	ns, funcName string, fn SingleFunc, nonBlocking bool,
) {
	r.known[ns] = struct{}{}
	r.handlers[rpcKey{ns, funcName}] = dispatcher{
		kind: kindBlocking, single: fn, nonBlocking: nonBlocking,
	}
}

// RegisterStream registers a streaming handler under ns.funcName.
func (r *Registry) RegisterStream(ns, funcName string, fn StreamFunc) {
	r.known[ns] = struct{}{}
	r.handlers[rpcKey{ns, funcName}] = dispatcher{
		kind: kindStream, stream: fn,
	}
}

// RegisterStreamShielded registers a streaming handler whose running task
// ignores service-scope cancellation, stopping only on an explicit
// {cancel} from its caller or when the caller's channel closes.
func (r *Registry) RegisterStreamShielded(ns, funcName string, fn StreamFunc) {
	r.known[ns] = struct{}{}
	r.handlers[rpcKey{ns, funcName}] = dispatcher{
		kind: kindStream, stream: fn, shielded: true,
	}
}

// Expose marks the given module namespaces servable. Unknown names are
// recorded anyway so exposure order doesn't matter relative to
// registration.
func (r *Registry) Expose(namespaces ...string) {
	for _, ns := range namespaces {
		r.exposed[ns] = struct{}{}
	}
}

// ExposeAll exposes every registered module namespace.
func (r *Registry) ExposeAll() {
	for ns := range r.known {
		r.exposed[ns] = struct{}{}
	}
}

// Exposed returns the currently exposed module namespaces.
func (r *Registry) Exposed() []string {
	out := make([]string, 0, len(r.exposed))
	for ns := range r.exposed {
		out = append(out, ns)
	}
	return out
}

// Names returns every "ns.func" this registry exposes, for the builtin
// actor.Functions introspection RPC.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		if _, ok := r.exposed[k.NS]; !ok {
			continue
		}
		names = append(names, k.NS+"."+k.Func)
	}
	return names
}

func (r *Registry) lookup(ns, funcName string) (dispatcher, error) {
	if _, ok := r.exposed[ns]; !ok {
		return dispatcher{}, errModuleNotExposed(ns)
	}
	d, ok := r.handlers[rpcKey{ns, funcName}]
	if !ok {
		return dispatcher{}, errFuncNotFound(ns, funcName)
	}
	return d, nil
}
