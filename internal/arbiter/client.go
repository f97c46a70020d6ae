package arbiter

import (
	"context"

	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/roasbeef/nursery/internal/portal"
	"github.com/roasbeef/nursery/internal/rtid"
	"github.com/roasbeef/nursery/internal/runtime"
)

// Client is an actor's handle to the host-local arbiter, whether that
// arbiter lives in this process or another one.
type Client struct {
	portal *portal.Portal
}

// Connect dials the arbiter endpoint and wraps the resulting channel.
func Connect(a *runtime.Actor, addr string) (*Client, error) {
	ch, err := a.Connect(addr, rtid.UID{})
	if err != nil {
		return nil, err
	}
	return &Client{portal: portal.New(a, ch)}, nil
}

// NewClient wraps an existing portal pointing at the arbiter.
func NewClient(p *portal.Portal) *Client {
	return &Client{portal: p}
}

// Register adds or updates name → ep. Idempotent.
func (c *Client) Register(ctx context.Context, name string, ep Endpoint) error {
	_, _, err := c.portal.Run(ctx, "arbiter", "Register", map[string]any{
		"name": name,
		"host": ep.Host,
		"port": ep.Port,
	})
	return err
}

// Unregister removes name's mapping.
func (c *Client) Unregister(ctx context.Context, name string) error {
	_, _, err := c.portal.Run(ctx, "arbiter", "Unregister", map[string]any{
		"name": name,
	})
	return err
}

// Find looks up name, returning None when unregistered.
func (c *Client) Find(ctx context.Context, name string) (fn.Option[Endpoint], error) {
	val, _, err := c.portal.Run(ctx, "arbiter", "Find", map[string]any{
		"name": name,
	})
	if err != nil {
		return fn.None[Endpoint](), err
	}

	m, ok := anyToStringMap(val)
	if !ok {
		return fn.None[Endpoint](), nil
	}
	found, _ := m["found"].(bool)
	if !found {
		return fn.None[Endpoint](), nil
	}

	host, _ := m["host"].(string)
	return fn.Some(Endpoint{Host: host, Port: anyToInt(m["port"])}), nil
}

// List returns every registered mapping.
func (c *Client) List(ctx context.Context) (map[string]Endpoint, error) {
	val, _, err := c.portal.Run(ctx, "arbiter", "List", nil)
	if err != nil {
		return nil, err
	}

	out := make(map[string]Endpoint)
	m, ok := anyToStringMap(val)
	if !ok {
		return out, nil
	}
	for name, v := range m {
		entry, ok := anyToStringMap(v)
		if !ok {
			continue
		}
		host, _ := entry["host"].(string)
		out[name] = Endpoint{Host: host, Port: anyToInt(entry["port"])}
	}
	return out, nil
}

// Close tears down the client's channel to the arbiter, which also drops
// the registrations made over it once the arbiter side sees that channel
// close.
func (c *Client) Close() error {
	return c.portal.Close()
}

// FindActor resolves name through the arbiter and opens a portal to the
// resolved endpoint, or None when the name is unregistered.
func FindActor(
	ctx context.Context, a *runtime.Actor, c *Client, name string,
) (fn.Option[*portal.Portal], error) {

	ep, err := c.Find(ctx, name)
	if err != nil {
		return fn.None[*portal.Portal](), err
	}

	var found fn.Option[*portal.Portal]
	err = nil
	ep.WhenSome(func(e Endpoint) {
		ch, connErr := a.Connect(e.String(), rtid.UID{})
		if connErr != nil {
			err = connErr
			return
		}
		found = fn.Some(portal.New(a, ch))
	})

	return found, err
}

// anyToStringMap normalizes the two map shapes the codec can hand back.
func anyToStringMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			ks, ok := k.(string)
			if !ok {
				continue
			}
			out[ks] = val
		}
		return out, true
	default:
		return nil, false
	}
}

func anyToInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int8:
		return int(n)
	case int16:
		return int(n)
	case int32:
		return int(n)
	case int64:
		return int(n)
	case uint8:
		return int(n)
	case uint16:
		return int(n)
	case uint32:
		return int(n)
	case uint64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
