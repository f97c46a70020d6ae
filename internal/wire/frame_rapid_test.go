package wire_test

import (
	"bytes"
	"testing"

	"pgregory.net/rapid"

	"github.com/roasbeef/nursery/internal/rtid"
	"github.com/roasbeef/nursery/internal/wire"
)

// Any cmd envelope survives a frame round trip with its routing fields
// intact, for arbitrary namespaces, function names, and kwargs built from
// the codec's value domain.
func TestCmdFrameRoundTripProperty(t *testing.T) {
	t.Parallel()

	kwargValue := rapid.OneOf(
		rapid.String().AsAny(),
		rapid.Int64().AsAny(),
		rapid.Bool().AsAny(),
		rapid.Float64().AsAny(),
	)

	rapid.Check(t, func(rt *rapid.T) {
		cmd := wire.Cmd{
			NS:   rapid.StringMatching(`[a-z][a-z0-9_]{0,15}`).Draw(rt, "ns"),
			Func: rapid.StringMatching(`[A-Z][A-Za-z0-9]{0,15}`).Draw(rt, "fn"),
			Kwargs: rapid.MapOf(
				rapid.StringMatching(`[a-z]{1,8}`), kwargValue,
			).Draw(rt, "kwargs"),
			CID: rtid.CID{
				CallerUID: rtid.UID{
					Name:       rapid.StringMatching(`[a-z]{1,12}`).Draw(rt, "name"),
					InstanceID: rapid.StringMatching(`[0-9a-f]{8}`).Draw(rt, "inst"),
				},
				ConversationID: rapid.StringMatching(`[0-9a-f]{8}`).Draw(rt, "conv"),
			},
		}

		var buf bytes.Buffer
		if err := wire.WriteFrame(&buf, wire.TagCmd, cmd); err != nil {
			rt.Fatalf("write: %v", err)
		}

		env, err := wire.ReadFrame(&buf)
		if err != nil {
			rt.Fatalf("read: %v", err)
		}
		if env.Tag != wire.TagCmd {
			rt.Fatalf("tag changed: %v", env.Tag)
		}

		got, ok := env.Value.(wire.Cmd)
		if !ok {
			rt.Fatalf("decoded %T", env.Value)
		}
		if got.NS != cmd.NS || got.Func != cmd.Func {
			rt.Fatalf("target changed: %s.%s → %s.%s",
				cmd.NS, cmd.Func, got.NS, got.Func)
		}
		if got.CID != cmd.CID {
			rt.Fatalf("cid changed: %v → %v", cmd.CID, got.CID)
		}
		if len(got.Kwargs) != len(cmd.Kwargs) {
			rt.Fatalf("kwargs size changed: %d → %d",
				len(cmd.Kwargs), len(got.Kwargs))
		}

		cid, ok := env.CIDOf()
		if !ok || cid != cmd.CID {
			rt.Fatalf("CIDOf mismatch: %v", cid)
		}
	})
}

// Yield payload values keep their identity through the codec for the
// numeric and string domains handlers actually exchange.
func TestYieldValueRoundTripProperty(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		want := rapid.Int64().Draw(rt, "value")

		var buf bytes.Buffer
		y := wire.Yield{
			CID:   rtid.NewCID(rtid.NewUID("p")),
			Value: want,
		}
		if err := wire.WriteFrame(&buf, wire.TagYield, y); err != nil {
			rt.Fatalf("write: %v", err)
		}

		env, err := wire.ReadFrame(&buf)
		if err != nil {
			rt.Fatalf("read: %v", err)
		}

		got, ok := wire.AsInt64(env.Value.(wire.Yield).Value)
		if !ok {
			rt.Fatalf("value type %T", env.Value.(wire.Yield).Value)
		}
		if got != want {
			rt.Fatalf("value changed: %d → %d", want, got)
		}
	})
}
