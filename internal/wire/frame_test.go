package wire_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roasbeef/nursery/internal/rtid"
	"github.com/roasbeef/nursery/internal/wire"
)

func TestFrameRoundTrip(t *testing.T) {
	caller := rtid.NewUID("parent")
	cid := rtid.NewCID(caller)

	cases := []struct {
		name string
		tag  wire.Tag
		val  any
	}{
		{"cmd", wire.TagCmd, wire.Cmd{
			NS: "mathmod", Func: "Double",
			Kwargs: map[string]any{"x": int64(21)},
			CID:    cid,
		}},
		{"return", wire.TagReturn, wire.Return{CID: cid, Value: "hello"}},
		{"yield", wire.TagYield, wire.Yield{CID: cid, Value: int64(7)}},
		{"stop", wire.TagStop, wire.Stop{CID: cid}},
		{"error", wire.TagError, wire.Error{
			CID: cid,
			Payload: wire.ErrorPayload{
				Kind: "assertion", Message: "boom",
			},
		}},
		{"cancel", wire.TagCancel, wire.Cancel{CID: cid}},
		{"functions", wire.TagFunctions, wire.Functions{
			CID: cid, Names: []string{"a", "b"},
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, wire.WriteFrame(&buf, tc.tag, tc.val))

			env, err := wire.ReadFrame(&buf)
			require.NoError(t, err)
			require.Equal(t, tc.tag, env.Tag)

			gotCID, ok := env.CIDOf()
			require.True(t, ok)
			require.Equal(t, cid, gotCID)
		})
	}
}

func TestHandshakeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	uid := rtid.NewUID("some_linguist")

	require.NoError(t, wire.WriteHandshake(&buf, wire.Handshake{UID: uid}))

	hs, err := wire.ReadHandshake(&buf)
	require.NoError(t, err)
	require.Equal(t, uid, hs.UID)
}

func TestReadFrameUnknownTag(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, wire.WriteFrame(&buf, wire.Tag(200), struct{}{}))

	_, err := wire.ReadFrame(&buf)
	require.Error(t, err)
	require.True(t, wire.IsUnknownTag(err))
}
