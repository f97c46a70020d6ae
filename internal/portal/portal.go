// Package portal implements the client handle to a remote actor: a
// Portal turns a remote function into a local awaitable single result or a
// lazy sequence, backed by the runtime Actor's outbound context table.
package portal

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"

	"github.com/roasbeef/nursery/internal/rterr"
	"github.com/roasbeef/nursery/internal/rtid"
	"github.com/roasbeef/nursery/internal/runtime"
	"github.com/roasbeef/nursery/internal/wire"
)

// Portal holds a channel to a peer actor and issues RPCs against it.
type Portal struct {
	owner   *runtime.Actor
	channel *runtime.Channel
	peerUID rtid.UID

	mainOnce    sync.Once
	mainMailbox <-chan wire.EnvelopeOrErr
}

// New wraps an already-handshaked channel into a Portal the owning actor
// can issue RPCs through.
func New(owner *runtime.Actor, ch *runtime.Channel) *Portal {
	return &Portal{owner: owner, channel: ch, peerUID: ch.PeerUID()}
}

// prepareMain installs the mailbox for the peer's main-task context. It
// must run before the peer can possibly reply on that context, or the
// message loop would drop the terminal frame as unroutable.
func (p *Portal) prepareMain() {
	p.mainOnce.Do(func() {
		cid := rtid.MainCID(p.peerUID)
		p.mainMailbox = p.owner.RegisterOutbound(cid, p.channel)
	})
}

// StartMain enqueues ns.func(kwargs) as the peer's main task: the request
// frame is sent on the well-known main context, and the terminal result is
// later collected with Result. Used by the nursery's run_in_actor.
func (p *Portal) StartMain(ns, fn string, kwargs map[string]any) error {
	p.prepareMain()

	err := p.channel.Send(wire.TagCmd, wire.Cmd{
		NS: ns, Func: fn, Kwargs: kwargs, CID: rtid.MainCID(p.peerUID),
	})
	if err != nil {
		return rterr.Wrap(rterr.KindTransportClosed, "send main cmd", err)
	}
	return nil
}

// PeerUID returns the uid of the actor this portal points at.
func (p *Portal) PeerUID() rtid.UID { return p.peerUID }

// Run issues ns.func(kwargs) against the peer. If the peer's first reply
// frame is {return}, the value is returned directly. If it is {yield}, Run
// returns a lazy sequence instead — callers distinguish the two by which
// return value is non-nil.
func (p *Portal) Run(
	ctx context.Context, ns, fn string, kwargs map[string]any,
) (any, iter.Seq2[any, error], error) {

	cid := rtid.NewCID(p.owner.UID)
	mailbox := p.owner.RegisterOutbound(cid, p.channel)
	cleanup := func() { p.owner.UnregisterOutbound(cid) }

	if err := p.channel.Send(wire.TagCmd, wire.Cmd{
		NS: ns, Func: fn, Kwargs: kwargs, CID: cid,
	}); err != nil {
		cleanup()
		return nil, nil, rterr.Wrap(
			rterr.KindTransportClosed, "send cmd", err,
		)
	}

	first, err := recvOne(ctx, mailbox)
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	switch v := first.Value.(type) {
	case wire.Return:
		cleanup()
		return v.Value, nil, nil

	case wire.Yield:
		seq := p.streamSeq(ctx, cid, mailbox, cleanup, v)
		return nil, seq, nil

	case wire.Error:
		cleanup()
		return nil, nil, remoteErrFromPayload(p.peerUID, v.Payload)

	case wire.Stop:
		cleanup()
		// An empty stream: {stop} with no prior {yield}.
		return nil, emptySeq(), nil

	default:
		cleanup()
		return nil, nil, fmt.Errorf(
			"portal: unexpected first reply frame %T", v,
		)
	}
}

func emptySeq() iter.Seq2[any, error] {
	return func(yield func(any, error) bool) {}
}

// streamSeq returns an iter.Seq2 that yields every subsequent {yield}
// payload and terminates on {stop}. Breaking out of the range loop early
// sends {cancel} via the sequence's cleanup path.
func (p *Portal) streamSeq(
	ctx context.Context, cid rtid.CID,
	mailbox <-chan wire.EnvelopeOrErr, cleanup func(), first wire.Yield,
) iter.Seq2[any, error] {

	return func(yield func(any, error) bool) {
		defer cleanup()

		if !yield(first.Value, nil) {
			p.owner.SendCancel(p.channel, cid)
			return
		}

		for {
			eoe, err := recvOne(ctx, mailbox)
			if err != nil {
				yield(nil, err)
				return
			}

			switch v := eoe.Value.(type) {
			case wire.Yield:
				if !yield(v.Value, nil) {
					p.owner.SendCancel(p.channel, cid)
					return
				}
			case wire.Stop:
				return
			case wire.Error:
				yield(nil, remoteErrFromPayload(
					p.peerUID, v.Payload,
				))
				return
			default:
				yield(nil, fmt.Errorf(
					"portal: unexpected frame %T mid-stream", v,
				))
				return
			}
		}
	}
}

// Result waits for the single terminal value produced by the peer's "main"
// task, set up by Nursery.RunInActor via the well-known main CID.
func (p *Portal) Result(ctx context.Context) (any, error) {
	p.prepareMain()
	defer p.owner.UnregisterOutbound(rtid.MainCID(p.peerUID))

	env, err := recvOne(ctx, p.mainMailbox)
	if err != nil {
		return nil, err
	}

	switch v := env.Value.(type) {
	case wire.Return:
		return v.Value, nil
	case wire.Error:
		return nil, remoteErrFromPayload(p.peerUID, v.Payload)
	default:
		return nil, fmt.Errorf(
			"portal: unexpected main-task frame %T", v,
		)
	}
}

// CancelActor sends an RPC asking the peer to cancel its root scope, then
// closes the channel. The peer tearing the transport down before the reply
// lands is the expected outcome, not a failure.
func (p *Portal) CancelActor(ctx context.Context) error {
	_, _, err := p.Run(ctx, "actor", "CancelRoot", nil)
	p.channel.Close()

	switch {
	case err == nil:
	case rterr.IsCancelled(err):
	case errors.Is(err, rterr.New(rterr.KindTransportClosed, "")):
	default:
		return err
	}
	return nil
}

// Close closes the underlying channel. Any outstanding streamed sequences
// will observe a transport-closed error on their next receive.
func (p *Portal) Close() error {
	return p.channel.Close()
}

func recvOne(
	ctx context.Context, mailbox <-chan wire.EnvelopeOrErr,
) (wire.Envelope, error) {

	select {
	case <-ctx.Done():
		return wire.Envelope{}, ctx.Err()
	case eoe, ok := <-mailbox:
		if !ok {
			return wire.Envelope{}, rterr.New(
				rterr.KindTransportClosed, "mailbox closed",
			)
		}
		if eoe.Err != nil {
			return wire.Envelope{}, eoe.Err
		}
		return eoe.Env, nil
	}
}

func remoteErrFromPayload(origin rtid.UID, p wire.ErrorPayload) error {
	return &rterr.RemoteError{
		OriginUID:     origin,
		OriginKind:    p.Kind,
		Message:       p.Message,
		TracebackText: p.Traceback,
	}
}
