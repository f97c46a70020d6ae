package runtime

import (
	"context"
	"fmt"

	"github.com/roasbeef/nursery/internal/rterr"
	"github.com/roasbeef/nursery/internal/rtid"
	"github.com/roasbeef/nursery/internal/wire"
)

// runMessageLoop is the one-instance-per-channel dispatcher. It reads
// frames, routing cmd frames to a newly spawned RPC
// task and all other frames to the existing context's mailbox. The loop
// exits when the transport closes or the actor's root scope cancels; on
// exit it propagates "channel closed" to every outbound context still
// waiting on this channel.
func (a *Actor) runMessageLoop(ch *Channel) error {
	frames := make(chan wire.Envelope)
	readErrCh := make(chan error, 1)

	go func() {
		for {
			env, err := wire.ReadFrame(ch.conn)
			if err != nil {
				if wire.IsUnknownTag(err) {
					log.Warnf("runtime: %v", err)
					continue
				}
				readErrCh <- err
				return
			}
			select {
			case frames <- env:
			case <-a.rootCtx.Done():
				return
			}
		}
	}()

	defer func() {
		ch.Close()
		a.closeOutboundOnChannel(ch, rterr.New(
			rterr.KindTransportClosed, "channel closed",
		))
		a.cancelInflightOnChannel(ch)
	}()

	for {
		select {
		case <-a.rootCtx.Done():
			return a.rootCtx.Err()

		case err := <-readErrCh:
			return err

		case env := <-frames:
			a.dispatchFrame(ch, env)
		}
	}
}

func (a *Actor) dispatchFrame(ch *Channel, env wire.Envelope) {
	switch env.Tag {
	case wire.TagCmd:
		cmd := env.Value.(wire.Cmd)
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.serveRPC(ch, cmd)
		}()

	case wire.TagCancel:
		c := env.Value.(wire.Cancel)
		a.inflightMu.Lock()
		entry, ok := a.inflight[c.CID]
		a.inflightMu.Unlock()
		if ok {
			entry.cancel()
		}

	default:
		cid, ok := env.CIDOf()
		if !ok {
			return
		}
		a.routeToOutbound(cid, wire.EnvelopeOrErr{Env: env})
	}
}

type (
	callerUIDKey     struct{}
	callerChannelKey struct{}
)

// CallerFromContext returns the uid of the peer whose RPC invocation the
// given handler context belongs to.
func CallerFromContext(ctx context.Context) (rtid.UID, bool) {
	uid, ok := ctx.Value(callerUIDKey{}).(rtid.UID)
	return uid, ok
}

// ChannelFromContext returns the channel the current RPC arrived on. The
// arbiter uses it to drop a peer's registrations when that peer's channel
// closes.
func ChannelFromContext(ctx context.Context) (*Channel, bool) {
	ch, ok := ctx.Value(callerChannelKey{}).(*Channel)
	return ch, ok
}

// serveRPC looks up ns.func in the registry and executes it, honoring the
// three return shapes the envelope contract distinguishes. Completing the
// well-known "main" conversation additionally signals MainDone so a child
// process knows its enqueued main task has run.
func (a *Actor) serveRPC(ch *Channel, cmd wire.Cmd) {
	var taskErr error
	if cmd.CID.ConversationID == rtid.MainConversationID {
		defer func() { a.signalMainDone(taskErr) }()
	}

	d, err := a.Registry.lookup(cmd.NS, cmd.Func)
	if err != nil {
		taskErr = err
		a.sendError(ch, cmd.CID, err)
		return
	}

	// Shielded handlers (the debug mutex holder) ignore service-scope
	// cancellation; only an explicit {cancel} for their cid, or their
	// caller's channel closing, stops them.
	base := a.serviceCtx
	if d.shielded {
		base = context.WithoutCancel(a.serviceCtx)
	}

	taskCtx, cancel := context.WithCancel(base)
	taskCtx = context.WithValue(taskCtx, callerUIDKey{}, cmd.CID.CallerUID)
	taskCtx = context.WithValue(taskCtx, callerChannelKey{}, ch)
	a.inflightMu.Lock()
	a.inflight[cmd.CID] = inflightEntry{cancel: cancel, channel: ch}
	a.inflightMu.Unlock()
	defer func() {
		cancel()
		a.inflightMu.Lock()
		delete(a.inflight, cmd.CID)
		a.inflightMu.Unlock()
	}()

	switch d.kind {
	case kindSingle:
		taskErr = a.serveSingle(taskCtx, ch, cmd, d.single)

	case kindBlocking:
		// A handler declared non-blocking runs inline on the dispatch
		// goroutine; anything else is offloaded to the actor's worker
		// pool so a long synchronous call never stalls frame dispatch
		// for the other contexts multiplexed on this channel.
		if d.nonBlocking {
			taskErr = a.serveSingle(taskCtx, ch, cmd, d.single)
			return
		}
		taskErr = a.serveSingle(taskCtx, ch, cmd, func(
			ctx context.Context, kwargs map[string]any,
		) (any, error) {

			return a.offload(ctx, d.single, kwargs)
		})

	case kindStream:
		taskErr = a.serveStream(taskCtx, ch, cmd, d.stream)
	}
}

func (a *Actor) serveSingle(
	ctx context.Context, ch *Channel, cmd wire.Cmd, fn SingleFunc,
) error {

	val, err := func() (val any, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return fn(ctx, cmd.Kwargs)
	}()

	if err != nil {
		a.sendError(ch, cmd.CID, err)
		return err
	}

	if sendErr := ch.Send(wire.TagReturn, wire.Return{
		CID: cmd.CID, Value: val,
	}); sendErr != nil {
		log.Debugf("runtime: send return for %s: %v", cmd.CID, sendErr)
	}
	return nil
}

func (a *Actor) serveStream(
	ctx context.Context, ch *Channel, cmd wire.Cmd, fn StreamFunc,
) error {

	yield := func(v any) bool {
		if ctx.Err() != nil {
			return false
		}
		if err := ch.Send(wire.TagYield, wire.Yield{
			CID: cmd.CID, Value: v,
		}); err != nil {
			log.Debugf("runtime: send yield for %s: %v", cmd.CID, err)
			return false
		}
		return true
	}

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return fn(ctx, cmd.Kwargs, yield)
	}()

	if err != nil && ctx.Err() == nil {
		a.sendError(ch, cmd.CID, err)
		return err
	}

	if sendErr := ch.Send(wire.TagStop, wire.Stop{CID: cmd.CID}); sendErr != nil {
		log.Debugf("runtime: send stop for %s: %v", cmd.CID, sendErr)
	}
	return nil
}

func (a *Actor) sendError(ch *Channel, cid rtid.CID, err error) {
	kind, msg := classifyError(err)
	sendErr := ch.Send(wire.TagError, wire.Error{
		CID: cid,
		Payload: wire.ErrorPayload{
			Kind:      kind,
			Message:   msg,
			Traceback: fmt.Sprintf("%+v", err),
		},
	})
	if sendErr != nil {
		log.Debugf("runtime: send error for %s: %v", cid, sendErr)
	}
}

func classifyError(err error) (kind, msg string) {
	var re *rterr.RuntimeError
	if ok := asRuntimeError(err, &re); ok {
		return string(re.Kind), re.Msg
	}
	return "error", err.Error()
}

func asRuntimeError(err error, target **rterr.RuntimeError) bool {
	for err != nil {
		if re, ok := err.(*rterr.RuntimeError); ok {
			*target = re
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

func errModuleNotExposed(ns string) error {
	return rterr.New(rterr.KindModuleNotExposed,
		fmt.Sprintf("module %q not exposed", ns))
}

func errFuncNotFound(ns, fn string) error {
	return rterr.New(rterr.KindFuncNotFound,
		fmt.Sprintf("function %s.%s not found", ns, fn))
}

// --- outbound context table, used by the portal package ---

// RegisterOutbound installs a bounded mailbox for cid, returning a channel
// the Portal reads replies from. Call UnregisterOutbound once the RPC
// completes or is abandoned.
func (a *Actor) RegisterOutbound(cid rtid.CID, ch *Channel) <-chan wire.EnvelopeOrErr {
	mailbox := make(chan wire.EnvelopeOrErr, outboundMailboxSize)
	a.pendingMu.Lock()
	a.pending[cid] = &pendingCall{mailbox: mailbox, channel: ch}
	a.pendingMu.Unlock()
	return mailbox
}

// UnregisterOutbound removes cid's mailbox registration.
func (a *Actor) UnregisterOutbound(cid rtid.CID) {
	a.pendingMu.Lock()
	delete(a.pending, cid)
	a.pendingMu.Unlock()
}

// SendCancel sends {cancel, cid} over ch, used by a Portal dropping a
// streamed sequence early.
func (a *Actor) SendCancel(ch *Channel, cid rtid.CID) error {
	return ch.Send(wire.TagCancel, wire.Cancel{CID: cid})
}

func (a *Actor) routeToOutbound(cid rtid.CID, eoe wire.EnvelopeOrErr) {
	a.pendingMu.Lock()
	pc, ok := a.pending[cid]
	a.pendingMu.Unlock()
	if !ok {
		log.Debugf("runtime: no pending context for %s, dropping frame", cid)
		return
	}

	select {
	case pc.mailbox <- eoe:
	default:
		// Mailbox full: suspend here, which suspends the message
		// loop, which suspends the channel read — transport-level
		// backpressure against a slow consumer. Root cancellation is
		// the only way out so teardown never hangs on a full mailbox.
		select {
		case pc.mailbox <- eoe:
		case <-a.rootCtx.Done():
		}
	}
}

// cancelInflightOnChannel tears down every serving-side task whose caller
// sat on the now-dead channel. This is what finally stops a shielded
// handler whose peer process died without sending {cancel}.
func (a *Actor) cancelInflightOnChannel(ch *Channel) {
	a.inflightMu.Lock()
	defer a.inflightMu.Unlock()

	for _, entry := range a.inflight {
		if entry.channel == ch {
			entry.cancel()
		}
	}
}

func (a *Actor) closeOutboundOnChannel(ch *Channel, cause error) {
	a.pendingMu.Lock()
	defer a.pendingMu.Unlock()

	for cid, pc := range a.pending {
		if pc.channel != ch {
			continue
		}
		select {
		case pc.mailbox <- wire.EnvelopeOrErr{Err: cause}:
		default:
		}
		delete(a.pending, cid)
	}
}
