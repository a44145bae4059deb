package session

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chronologos/telem/internal/framer"
	"github.com/chronologos/telem/internal/telem"
	"github.com/chronologos/telem/internal/transport"
)

var testChannels = []framer.Channel{
	{Key: 1, DataType: telem.Int32T},
	{Key: 2, DataType: telem.Float64T},
}

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := NewRegistry(testChannels...)
	require.NoError(t, err)
	return reg
}

// startRelay serves a relay over an httptest server and returns a client
// transport for it.
func startRelay(t *testing.T) (*Relay, *transport.Transport) {
	t.Helper()
	relay := New(testRegistry(t), Config{}, zerolog.Nop())
	cfg := transport.DefaultServerConfig()
	cfg.CloseTimeout = time.Second
	srv := transport.NewServer(cfg, relay.Codecs(), zerolog.Nop())
	relay.Register(srv)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	tr, err := transport.New(ts.URL, transport.WithHandshakeTimeout(2*time.Second))
	require.NoError(t, err)
	return relay, tr
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func testSchema(t *testing.T) *framer.Schema {
	t.Helper()
	s, err := framer.NewSchemaFromChannels(testChannels...)
	require.NoError(t, err)
	return s
}

func TestRegistryResolve(t *testing.T) {
	reg := testRegistry(t)

	s, err := reg.Resolve([]telem.ChannelKey{2, 1})
	require.NoError(t, err)
	assert.Equal(t, []telem.ChannelKey{2, 1}, s.Keys())

	_, err = reg.Resolve([]telem.ChannelKey{1, 9})
	assert.ErrorIs(t, err, ErrChannelNotFound)
}

func TestRegistryAdd(t *testing.T) {
	reg := testRegistry(t)

	require.NoError(t, reg.Add(framer.Channel{Key: 1, DataType: telem.Int32T}))
	assert.Error(t, reg.Add(framer.Channel{Key: 1, DataType: telem.Int64T}))
	assert.Error(t, reg.Add(framer.Channel{Key: 3, DataType: telem.UnknownT}))

	require.NoError(t, reg.Add(framer.Channel{Key: 3, DataType: telem.StringT}))
	assert.Len(t, reg.Channels(), 3)
}

func TestControllerHighestAuthorityWins(t *testing.T) {
	c := newController()
	c.set("a", []telem.ChannelKey{1, 2}, []uint8{100})
	c.set("b", []telem.ChannelKey{1}, []uint8{200})

	assert.False(t, c.authorized("a", 1))
	assert.True(t, c.authorized("b", 1))
	assert.True(t, c.authorized("a", 2))
	assert.False(t, c.authorizedAll("a", []telem.ChannelKey{1, 2}))

	c.release("b")
	assert.True(t, c.authorized("a", 1))
}

func TestControllerTiesGoToFirstWriter(t *testing.T) {
	c := newController()
	c.set("a", []telem.ChannelKey{1}, []uint8{50})
	c.set("b", []telem.ChannelKey{1}, []uint8{50})

	assert.True(t, c.authorized("a", 1))
	assert.False(t, c.authorized("b", 1))
}

func TestControllerZeroAuthorityNeverControls(t *testing.T) {
	c := newController()
	c.set("a", []telem.ChannelKey{1}, []uint8{0})
	assert.False(t, c.authorized("a", 1))
	assert.False(t, c.authorized("nobody", 1))
}

func TestRelayWriteToStreamer(t *testing.T) {
	relay, tr := startRelay(t)
	ctx := testContext(t)
	schema := testSchema(t)

	streamer, err := framer.OpenStreamer(ctx, tr, []telem.ChannelKey{1}, schema)
	require.NoError(t, err)
	defer streamer.Close()
	require.Equal(t, 1, relay.Subscribers())

	w, err := framer.OpenWriter(ctx, tr, framer.WriterConfig{Keys: []telem.ChannelKey{1, 2}}, schema)
	require.NoError(t, err)

	s1 := telem.NewSeriesV[int32](1, 2, 3)
	s1.TimeRange = telem.TimeRange{Start: 10, End: 20}
	s2 := telem.NewSeriesV(1.5, 2.5)
	s2.TimeRange = telem.TimeRange{Start: 10, End: 30}
	f := telem.UnaryFrame(1, s1)
	f.Append(2, s2)
	require.NoError(t, w.Write(f))

	end, err := w.Commit()
	require.NoError(t, err)
	assert.Equal(t, telem.TimeStamp(30), end)

	got, err := streamer.Read()
	require.NoError(t, err)
	assert.Equal(t, []telem.ChannelKey{1}, got.Keys)
	values, err := telem.Samples[int32](got.Series[0])
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 2, 3}, values)

	require.NoError(t, w.Close())
}

func TestRelayReorderedAndSubsetKeys(t *testing.T) {
	_, tr := startRelay(t)
	ctx := testContext(t)
	schema := testSchema(t)

	only1, err := framer.OpenStreamer(ctx, tr, []telem.ChannelKey{1}, schema)
	require.NoError(t, err)
	defer only1.Close()
	both, err := framer.OpenStreamer(ctx, tr, []telem.ChannelKey{2, 1}, schema)
	require.NoError(t, err)
	defer both.Close()

	w, err := framer.OpenWriter(ctx, tr, framer.WriterConfig{Keys: []telem.ChannelKey{2, 1}}, schema)
	require.NoError(t, err)
	f := telem.UnaryFrame(1, telem.NewSeriesV[int32](1, 2))
	f.Append(2, telem.NewSeriesV(1.5))
	require.NoError(t, w.Write(f))
	_, err = w.Commit()
	require.NoError(t, err)
	require.NoError(t, w.Close())

	got, err := only1.Read()
	require.NoError(t, err)
	require.Equal(t, []telem.ChannelKey{1}, got.Keys)
	ints, err := telem.Samples[int32](got.Series[0])
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 2}, ints)

	got, err = both.Read()
	require.NoError(t, err)
	require.Len(t, got.Get(1), 1)
	require.Len(t, got.Get(2), 1)
	ints, err = telem.Samples[int32](got.Get(1)[0])
	require.NoError(t, err)
	assert.Equal(t, []int32{1, 2}, ints)
	floats, err := telem.Samples[float64](got.Get(2)[0])
	require.NoError(t, err)
	assert.Equal(t, []float64{1.5}, floats)
}

func TestRelayUnauthorizedWrite(t *testing.T) {
	_, tr := startRelay(t)
	ctx := testContext(t)
	schema := testSchema(t)
	keys := []telem.ChannelKey{1}

	owner, err := framer.OpenWriter(ctx, tr, framer.WriterConfig{Keys: keys}, schema)
	require.NoError(t, err)
	defer owner.Close()

	w, err := framer.OpenWriter(ctx, tr, framer.WriterConfig{
		Keys:              keys,
		Authorities:       []uint8{10},
		ErrOnUnauthorized: true,
	}, schema)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Write(telem.UnaryFrame(1, telem.NewSeriesV[int32](7))))
	_, err = w.Commit()
	assert.ErrorIs(t, err, framer.ErrUnauthorized)
}

func TestRelaySetAuthorityTakesControl(t *testing.T) {
	relay, tr := startRelay(t)
	ctx := testContext(t)
	schema := testSchema(t)
	keys := []telem.ChannelKey{1}

	streamer, err := framer.OpenStreamer(ctx, tr, keys, schema)
	require.NoError(t, err)
	defer streamer.Close()

	owner, err := framer.OpenWriter(ctx, tr, framer.WriterConfig{Keys: keys, Authorities: []uint8{100}}, schema)
	require.NoError(t, err)
	defer owner.Close()

	w, err := framer.OpenWriter(ctx, tr, framer.WriterConfig{Keys: keys, Authorities: []uint8{10}}, schema)
	require.NoError(t, err)

	// Dropped silently while the owner holds control.
	require.NoError(t, w.Write(telem.UnaryFrame(1, telem.NewSeriesV[int32](1))))
	require.NoError(t, w.SetAuthority(map[telem.ChannelKey]uint8{0: 200}))
	require.NoError(t, w.Write(telem.UnaryFrame(1, telem.NewSeriesV[int32](2))))
	_, err = w.Commit()
	require.NoError(t, err)

	got, err := streamer.Read()
	require.NoError(t, err)
	values, err := telem.Samples[int32](got.Series[0])
	require.NoError(t, err)
	assert.Equal(t, []int32{2}, values)
	require.NoError(t, w.Close())
	assert.Equal(t, 1, relay.Subscribers())
}

func TestRelayRejectsUnknownChannel(t *testing.T) {
	_, tr := startRelay(t)
	schema, err := framer.NewSchemaFromChannels(framer.Channel{Key: 9, DataType: telem.Int32T})
	require.NoError(t, err)

	_, err = framer.OpenWriter(testContext(t), tr, framer.WriterConfig{Keys: []telem.ChannelKey{9}}, schema)
	assert.ErrorIs(t, err, ErrChannelNotFound)
}

func TestRelayStreamerCloseUnsubscribes(t *testing.T) {
	relay, tr := startRelay(t)
	streamer, err := framer.OpenStreamer(testContext(t), tr, []telem.ChannelKey{2}, testSchema(t))
	require.NoError(t, err)
	require.Equal(t, 1, relay.Subscribers())

	require.NoError(t, streamer.Close())
	assert.Eventually(t, func() bool { return relay.Subscribers() == 0 }, 2*time.Second, 10*time.Millisecond)
}
