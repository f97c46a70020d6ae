// Package arbiter implements the per-host name registry: a distinguished
// actor bound at a well-known endpoint mapping logical actor names to
// (host, port). Every actor registers on startup, unregisters on clean
// shutdown, and resolves peers through find.
package arbiter

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/btcsuite/btclog/v2"
	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/roasbeef/nursery/internal/runtime"
	"github.com/roasbeef/nursery/internal/sched"
)

var log = btclog.Disabled

// UseLogger installs a logger for arbiter events.
func UseLogger(logger btclog.Logger) {
	log = logger
}

// DefaultAddr is the well-known arbiter endpoint, overridable with the
// ARBITER_ADDR environment variable.
const DefaultAddr = "127.0.0.1:7627"

// Endpoint is a registered actor's listening address.
type Endpoint struct {
	Host string
	Port int
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// ParseEndpoint splits a "host:port" string.
func ParseEndpoint(addr string) (Endpoint, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("arbiter: bad endpoint %q: %w",
			addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return Endpoint{}, fmt.Errorf("arbiter: bad port in %q: %w",
			addr, err)
	}
	return Endpoint{Host: host, Port: port}, nil
}

// regMsg is the message type the registry task serializes all mutations
// and lookups through, the same single-goroutine discipline the statespace
// uses.
type regMsg struct {
	sched.BaseMessage

	op   regOp
	name string
	ep   Endpoint

	// onlyIfEp restricts an unregister to the case where the table still
	// maps name to ep, so a stale channel-close can't evict a newer
	// last-writer-wins registration.
	onlyIfEp bool
}

func (regMsg) MessageType() string { return "arbiter.registry" }

type regOp int

const (
	opRegister regOp = iota
	opUnregister
	opFind
	opList
)

type regResult struct {
	ep    Endpoint
	found bool
	all   map[string]Endpoint
}

// regBehavior owns the in-memory table and writes through to the optional
// persistent store.
type regBehavior struct {
	table map[string]Endpoint
	store *Store
}

func (b *regBehavior) Receive(
	_ context.Context, msg regMsg,
) fn.Result[regResult] {

	switch msg.op {
	case opRegister:
		b.table[msg.name] = msg.ep
		if b.store != nil {
			if err := b.store.Upsert(
				msg.name, msg.ep.Host, msg.ep.Port,
			); err != nil {
				log.Warnf("arbiter: persist %s: %v",
					msg.name, err)
			}
		}
		return fn.Ok(regResult{})

	case opUnregister:
		if msg.onlyIfEp {
			if cur, ok := b.table[msg.name]; !ok || cur != msg.ep {
				return fn.Ok(regResult{})
			}
		}
		delete(b.table, msg.name)
		if b.store != nil {
			if err := b.store.Delete(msg.name); err != nil {
				log.Warnf("arbiter: unpersist %s: %v",
					msg.name, err)
			}
		}
		return fn.Ok(regResult{})

	case opFind:
		ep, ok := b.table[msg.name]
		return fn.Ok(regResult{ep: ep, found: ok})

	case opList:
		all := make(map[string]Endpoint, len(b.table))
		for k, v := range b.table {
			all[k] = v
		}
		return fn.Ok(regResult{all: all})

	default:
		return fn.Err[regResult](fmt.Errorf(
			"arbiter: unknown op %v", msg.op,
		))
	}
}

// Service is a live arbiter hosted inside one actor process.
type Service struct {
	ref   sched.Ref[regMsg, regResult]
	store *Store
}

// Host turns a into the host-local arbiter: the in-memory table is
// rehydrated from store (which may be nil for ephemeral registries), the
// registry task is spawned on the actor's scheduler, and the "arbiter"
// RPC module is registered and exposed.
func Host(a *runtime.Actor, store *Store) (*Service, error) {
	table := make(map[string]Endpoint)
	if store != nil {
		persisted, err := store.All()
		if err != nil {
			return nil, err
		}
		table = persisted
		if len(table) > 0 {
			log.Infof("arbiter: rehydrated %d registration(s)",
				len(table))
		}
	}

	svc := &Service{
		ref: sched.Spawn[regMsg, regResult](
			a.Scheduler(), "arbiter.registry",
			&regBehavior{table: table, store: store}, 32,
		),
		store: store,
	}

	svc.registerRPC(a)
	return svc, nil
}

// registerRPC exposes the arbiter's four operations (register, unregister,
// find, list) as RPC handlers on the hosting actor.
func (s *Service) registerRPC(a *runtime.Actor) {
	a.Registry.RegisterFunc("arbiter", "Register",
		func(ctx context.Context, kwargs map[string]any) (any, error) {
			name, ep, err := endpointArgs(kwargs)
			if err != nil {
				return nil, err
			}
			_, err = sched.AskAwait(ctx, s.ref, regMsg{
				op: opRegister, name: name, ep: ep,
			})
			if err != nil {
				return nil, err
			}

			// A record lives only as long as the registering
			// actor's channel to the arbiter: when that channel
			// closes, the name is dropped.
			if ch, ok := runtime.ChannelFromContext(ctx); ok {
				go func() {
					<-ch.Done()
					s.ref.Tell(context.Background(), regMsg{
						op: opUnregister, name: name,
						ep: ep, onlyIfEp: true,
					})
				}()
			}

			return "ok", nil
		},
	)

	a.Registry.RegisterFunc("arbiter", "Unregister",
		func(ctx context.Context, kwargs map[string]any) (any, error) {
			name, _ := kwargs["name"].(string)
			_, err := sched.AskAwait(ctx, s.ref, regMsg{
				op: opUnregister, name: name,
			})
			return "ok", err
		},
	)

	a.Registry.RegisterFunc("arbiter", "Find",
		func(ctx context.Context, kwargs map[string]any) (any, error) {
			name, _ := kwargs["name"].(string)
			res, err := sched.AskAwait(ctx, s.ref, regMsg{
				op: opFind, name: name,
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{
				"found": res.found,
				"host":  res.ep.Host,
				"port":  res.ep.Port,
			}, nil
		},
	)

	a.Registry.RegisterFunc("arbiter", "List",
		func(ctx context.Context, kwargs map[string]any) (any, error) {
			res, err := sched.AskAwait(ctx, s.ref, regMsg{
				op: opList,
			})
			if err != nil {
				return nil, err
			}
			out := make(map[string]any, len(res.all))
			for name, ep := range res.all {
				out[name] = map[string]any{
					"host": ep.Host,
					"port": ep.Port,
				}
			}
			return out, nil
		},
	)

	a.Registry.Expose("arbiter")
}

// Lookup resolves name directly against the local table, for hosting-side
// callers (the dashboard, introspection tools).
func (s *Service) Lookup(ctx context.Context, name string) (fn.Option[Endpoint], error) {
	res, err := sched.AskAwait(ctx, s.ref, regMsg{op: opFind, name: name})
	if err != nil {
		return fn.None[Endpoint](), err
	}
	if !res.found {
		return fn.None[Endpoint](), nil
	}
	return fn.Some(res.ep), nil
}

// Snapshot returns the full registry table.
func (s *Service) Snapshot(ctx context.Context) (map[string]Endpoint, error) {
	res, err := sched.AskAwait(ctx, s.ref, regMsg{op: opList})
	if err != nil {
		return nil, err
	}
	return res.all, nil
}

func endpointArgs(kwargs map[string]any) (string, Endpoint, error) {
	name, ok := kwargs["name"].(string)
	if !ok || name == "" {
		return "", Endpoint{}, fmt.Errorf("arbiter: missing name")
	}
	host, _ := kwargs["host"].(string)

	var port int
	switch v := kwargs["port"].(type) {
	case int:
		port = v
	case int8:
		port = int(v)
	case int16:
		port = int(v)
	case int32:
		port = int(v)
	case int64:
		port = int(v)
	case uint16:
		port = int(v)
	case uint32:
		port = int(v)
	case uint64:
		port = int(v)
	case float64:
		port = int(v)
	default:
		return "", Endpoint{}, fmt.Errorf(
			"arbiter: bad port %T", kwargs["port"],
		)
	}

	return name, Endpoint{Host: host, Port: port}, nil
}
