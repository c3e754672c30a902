package registry

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"mini-mesh/schema"
)

func connected(t *testing.T, mc *MemCluster) *Registry {
	t.Helper()
	r := New(mc.Session(), zaptest.NewLogger(t))
	require.NoError(t, r.Connect(context.Background()))
	t.Cleanup(func() { r.Close() })
	return r
}

func next(t *testing.T, ch <-chan ServicesByRoute) ServicesByRoute {
	t.Helper()
	select {
	case s, ok := <-ch:
		require.True(t, ok, "watch closed")
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot")
		return nil
	}
}

func TestRegisterAndWatch(t *testing.T) {
	mc := NewMemCluster()
	watcher := connected(t, mc)
	publisher := connected(t, mc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := watcher.WatchServices(ctx)
	assert.Empty(t, next(t, ch))

	node, err := publisher.Register(ctx, "10.0.0.1", 4000, []Registration{
		{ServiceName: "test.Echo", Routes: []string{"R1", "R1b"}, Schema: []byte(`{"services":{}}`), LoadOptions: schema.LoadOptions{Longs: schema.ReprString}},
		{ServiceName: schema.HealthService, Routes: []string{"health"}, Internal: true},
	})
	require.NoError(t, err)
	assert.Equal(t, "/services/service-0000000000", node)

	snap := next(t, ch)
	require.Len(t, snap["R1"], 1)
	sr := snap["R1"][0]
	assert.Equal(t, "10.0.0.1:4000", sr.Addr())
	assert.Equal(t, node, sr.ServiceZnode)
	assert.Equal(t, "/proto/buffer-0000000000", sr.SchemaRef)
	assert.Equal(t, schema.ReprString, sr.LoadOptions.Longs)
	assert.Equal(t, snap["R1"][0].SchemaRef, snap["R1b"][0].SchemaRef)
	assert.True(t, snap["health"][0].Internal)
	assert.Empty(t, snap["health"][0].SchemaRef)
	assert.True(t, snap.HasNode(node))

	blob, err := watcher.FetchSchema(ctx, sr.SchemaRef)
	require.NoError(t, err)
	assert.Equal(t, `{"services":{}}`, string(blob))

	// Closing the publisher removes its entry and its schema blob.
	require.NoError(t, publisher.Close())
	assert.Empty(t, next(t, ch))
	_, err = watcher.FetchSchema(ctx, sr.SchemaRef)
	assert.ErrorIs(t, err, ErrServiceGone)
}

func TestRegisterSchemaTooLarge(t *testing.T) {
	r := connected(t, NewMemCluster())
	_, err := r.Register(context.Background(), "h", 1, []Registration{
		{ServiceName: "big", Routes: []string{"big"}, Schema: make([]byte, MaxSchemaSize)},
	})
	assert.ErrorIs(t, err, ErrSchemaTooLarge)

	_, err = r.Register(context.Background(), "h", 1, []Registration{
		{ServiceName: "fits", Routes: []string{"fits"}, Schema: make([]byte, MaxSchemaSize-1)},
	})
	assert.NoError(t, err)
}

func TestRegisterDuplicateRoute(t *testing.T) {
	r := connected(t, NewMemCluster())
	_, err := r.Register(context.Background(), "h", 1, []Registration{
		{ServiceName: "a", Routes: []string{"R"}, Schema: []byte("{}")},
		{ServiceName: "b", Routes: []string{"R"}, Schema: []byte("{}")},
	})
	assert.Error(t, err)
}

func TestWatchSkipsMalformedEntries(t *testing.T) {
	mc := NewMemCluster()
	r := connected(t, mc)

	raw := mc.Session()
	require.NoError(t, raw.Connect(context.Background()))
	_, err := raw.CreateEphemeralSequential(context.Background(), ServicesPath+"/service-", []byte("not json"))
	require.NoError(t, err)

	legacy, err := json.Marshal(map[string]any{
		"host": "10.0.0.2", "port": 5000,
		"routes": map[string]any{"R": map[string]any{"serviceName": "test.Echo", "protoZnode": "/proto/buffer-0000000042"}},
	})
	require.NoError(t, err)
	_, err = raw.CreateEphemeralSequential(context.Background(), ServicesPath+"/service-", legacy)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	snap := next(t, r.WatchServices(ctx))
	require.Len(t, snap["R"], 1)
	assert.Equal(t, "/proto/buffer-0000000042", snap["R"][0].SchemaRef)
}

func TestEntryCarriesLegacySchemaKey(t *testing.T) {
	mc := NewMemCluster()
	r := connected(t, mc)
	ctx := context.Background()

	node, err := r.Register(ctx, "10.0.0.1", 4000, []Registration{
		{ServiceName: "test.Echo", Routes: []string{"R"}, Schema: []byte("{}")},
		{ServiceName: "test.Health", Routes: []string{"H"}, Internal: true},
	})
	require.NoError(t, err)

	raw := mc.Session()
	require.NoError(t, raw.Connect(ctx))
	defer raw.Close()
	data, err := raw.Get(ctx, node)
	require.NoError(t, err)

	var entry struct {
		Routes map[string]map[string]any `json:"routes"`
	}
	require.NoError(t, json.Unmarshal(data, &entry))
	ref := entry.Routes["R"]["schemaRef"]
	assert.NotEmpty(t, ref)
	assert.Equal(t, ref, entry.Routes["R"]["protoZnode"])
	assert.NotContains(t, entry.Routes["H"], "protoZnode")

	var decoded Entry
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, ref, decoded.Routes["R"].SchemaRef)
}

func TestConflictingServiceNameOldestWins(t *testing.T) {
	mc := NewMemCluster()
	first := connected(t, mc)
	second := connected(t, mc)
	ctx := context.Background()

	_, err := first.Register(ctx, "a", 1, []Registration{{ServiceName: "test.A", Routes: []string{"R"}, Schema: []byte("{}")}})
	require.NoError(t, err)
	_, err = second.Register(ctx, "b", 2, []Registration{{ServiceName: "test.B", Routes: []string{"R"}, Schema: []byte("{}")}})
	require.NoError(t, err)

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()
	snap := next(t, first.WatchServices(wctx))
	require.Len(t, snap["R"], 1)
	assert.Equal(t, "test.A", snap["R"][0].ServiceName)
}

func TestWatchStopsOnClose(t *testing.T) {
	r := connected(t, NewMemCluster())
	ch := r.WatchServices(context.Background())
	next(t, ch)
	require.NoError(t, r.Close())

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestStoreNotConnected(t *testing.T) {
	s := NewMemCluster().Session()
	_, err := s.Get(context.Background(), "/x")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestExpire(t *testing.T) {
	mc := NewMemCluster()
	s := mc.Session()
	require.NoError(t, s.Connect(context.Background()))
	r := New(s, nil)

	s.Expire()
	select {
	case <-r.Expired():
	default:
		t.Fatal("expired channel not closed")
	}
}
