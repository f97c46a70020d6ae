package web

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	tree  TreeSnapshot
	table map[string]string
}

func (f *fakeSource) Tree(context.Context) (TreeSnapshot, error) {
	return f.tree, nil
}

func (f *fakeSource) ArbiterTable(context.Context) (map[string]string, error) {
	return f.table, nil
}

func newTestServer() (*Server, *fakeSource) {
	src := &fakeSource{
		tree: TreeSnapshot{
			Actor: ActorInfo{
				Name:       "root",
				InstanceID: "abc123",
				ListenAddr: "127.0.0.1:4000",
				Modules:    []string{"actor", "arbiter"},
			},
			Nurseries: []NurserySnapshot{{
				Children: []ChildSnapshot{{
					Name:  "worker",
					State: "running",
					PID:   42,
				}},
			}},
		},
		table: map[string]string{"root": "127.0.0.1:4000"},
	}
	return NewServer(Config{Addr: "127.0.0.1:0", Source: src}), src
}

func TestTreeEndpoint(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer()

	req := httptest.NewRequest("GET", "/api/v1/tree", nil)
	rec := httptest.NewRecorder()
	s.httpSrv.Handler.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)

	var snap TreeSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	require.Equal(t, "root", snap.Actor.Name)
	require.Len(t, snap.Nurseries, 1)
	require.Equal(t, "worker", snap.Nurseries[0].Children[0].Name)
}

func TestArbiterEndpoint(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer()

	req := httptest.NewRequest("GET", "/api/v1/arbiter", nil)
	rec := httptest.NewRecorder()
	s.httpSrv.Handler.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)

	var table map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &table))
	require.Equal(t, "127.0.0.1:4000", table["root"])
}

func TestCrashReportRendersTraceback(t *testing.T) {
	t.Parallel()

	s, _ := newTestServer()

	s.RecordCrash("worker/abc", "remote_error",
		"assertion failed", "line 1\nline 2")

	req := httptest.NewRequest("GET", "/api/v1/crashes", nil)
	rec := httptest.NewRecorder()
	s.httpSrv.Handler.ServeHTTP(rec, req)

	require.Equal(t, 200, rec.Code)

	var reports []CrashReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &reports))
	require.Len(t, reports, 1)
	require.Equal(t, "worker/abc", reports[0].Origin)
	require.Contains(t, reports[0].HTML, "<code>")
	require.Contains(t, reports[0].HTML, "line 1")
}

func TestCrashLogBounded(t *testing.T) {
	t.Parallel()

	l := newCrashLog()
	for i := 0; i < maxCrashReports+10; i++ {
		l.add("o", "k", "m", "t")
	}
	require.Len(t, l.all(), maxCrashReports)
}
