package router_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/registry"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/registry/registrytest"
	"github.com/wilsonzlin/aero/proxy/webrtc-signaling-relay/internal/router"
)

type fixture struct {
	reg        *registry.Registry
	router     *router.Router
	metrics    *metrics.Metrics
	transports map[string]*registrytest.Transport
}

func newFixture(t *testing.T, sessionIDs ...string) *fixture {
	t.Helper()
	f := &fixture{
		reg:        registry.New(),
		metrics:    metrics.New(),
		transports: make(map[string]*registrytest.Transport),
	}
	f.router = router.New(router.Config{Registry: f.reg, Metrics: f.metrics})
	for _, id := range sessionIDs {
		f.connect(t, id)
	}
	return f
}

func (f *fixture) connect(t *testing.T, id string) *registrytest.Transport {
	t.Helper()
	tr := registrytest.New()
	_, err := f.reg.Register(id, tr, "127.0.0.1:0")
	require.NoError(t, err)
	f.transports[id] = tr
	return tr
}

func (f *fixture) received(id string) []string {
	return f.transports[id].Strings()
}

func TestRoute_PresenceBroadcastsToAllOthers(t *testing.T) {
	f := newFixture(t, "a", "b", "c", "d")
	frame := `{"type":"presence","nodeId":"nodeA"}`

	out := f.router.Route("a", []byte(frame))

	assert.Equal(t, router.Outcome{Routed: true, Discipline: router.Broadcast, Delivered: 3}, out)
	assert.Empty(t, f.received("a"))
	for _, id := range []string{"b", "c", "d"} {
		assert.Equal(t, []string{frame}, f.received(id), "session %s", id)
	}
}

func TestRoute_AssignsLogicalIDOnFirstMessageOnly(t *testing.T) {
	f := newFixture(t, "a")

	f.router.Route("a", []byte(`{"type":"presence"}`))
	sess, _ := f.reg.Get("a")
	_, ok := sess.LogicalID()
	assert.False(t, ok, "message without nodeId must not identify")
	assert.Equal(t, registry.StateAccepted, sess.State())

	f.router.Route("a", []byte(`{"type":"presence","nodeId":"first"}`))
	f.router.Route("a", []byte(`{"type":"presence","nodeId":"second"}`))

	id, ok := sess.LogicalID()
	require.True(t, ok)
	assert.Equal(t, "first", id)
	assert.Equal(t, registry.StateIdentified, sess.State())
	assert.Equal(t, uint64(1), f.metrics.Get(metrics.PeersIdentified))
}

func TestRoute_TargetedDeliversOnlyToTarget(t *testing.T) {
	f := newFixture(t, "a", "b", "c")
	f.router.Route("a", []byte(`{"type":"presence","nodeId":"X"}`))
	f.router.Route("b", []byte(`{"type":"presence","nodeId":"Y"}`))
	f.router.Route("c", []byte(`{"type":"presence","nodeId":"Z"}`))
	before := map[string]int{}
	for id, tr := range f.transports {
		before[id] = len(tr.Frames())
	}

	for _, typ := range []string{"offer", "answer", "ice-candidate"} {
		frame := `{"type":"` + typ + `","nodeId":"X","targetId":"Y","sdp":{"type":"offer","sdp":"v=0"}}`
		out := f.router.Route("a", []byte(frame))
		assert.Equal(t, router.Outcome{Routed: true, Discipline: router.Targeted, Delivered: 1}, out, typ)
	}

	assert.Len(t, f.transports["a"].Frames(), before["a"])
	assert.Len(t, f.transports["c"].Frames(), before["c"])
	got := f.received("b")[before["b"]:]
	require.Len(t, got, 3)
	assert.JSONEq(t, `{"type":"ice-candidate","nodeId":"X","targetId":"Y","sdp":{"type":"offer","sdp":"v=0"}}`, got[2])
}

func TestRoute_UnresolvedTargetIsSilentlyDropped(t *testing.T) {
	f := newFixture(t, "a", "b")
	f.router.Route("b", []byte(`{"type":"presence","nodeId":"Y"}`))

	out := f.router.Route("a", []byte(`{"type":"offer","nodeId":"X","targetId":"Z"}`))
	assert.Equal(t, router.Outcome{Routed: true, Discipline: router.Targeted}, out)

	out = f.router.Route("a", []byte(`{"type":"answer","nodeId":"X"}`))
	assert.Equal(t, 0, out.Delivered, "missing targetId resolves to nobody")

	assert.Empty(t, f.received("a"))
	assert.Empty(t, f.received("b"))
	assert.Equal(t, uint64(2), f.metrics.Get(metrics.TargetsUnresolved))
	assert.Zero(t, f.metrics.Get(metrics.DeliveriesFailed))
}

func TestRoute_UnknownTypeFallsBackToBroadcast(t *testing.T) {
	f := newFixture(t, "a", "b", "c")

	for _, frame := range []string{
		`{"type":"mesh-update","nodeId":"X","payload":[1,2,3]}`,
		`{"nodeId":"X"}`,
	} {
		out := f.router.Route("a", []byte(frame))
		assert.Equal(t, router.Broadcast, out.Discipline)
		assert.Equal(t, 2, out.Delivered)
	}
	assert.Len(t, f.received("b"), 2)
	assert.Len(t, f.received("c"), 2)
}

func TestRoute_EnvelopeKeysMatchExactly(t *testing.T) {
	f := newFixture(t, "a", "b", "c")
	f.router.Route("b", []byte(`{"type":"presence","nodeId":"Y"}`))
	bBefore, cBefore := len(f.received("b")), len(f.received("c"))
	frame := `{"type":"presence","Type":"offer","TargetID":"Y","NODEID":"evil"}`

	out := f.router.Route("a", []byte(frame))

	assert.Equal(t, router.Outcome{Routed: true, Discipline: router.Broadcast, Delivered: 2}, out)
	assert.Len(t, f.received("b"), bBefore+1)
	assert.Len(t, f.received("c"), cBefore+1)
	sess, ok := f.reg.Get("a")
	require.True(t, ok)
	_, identified := sess.LogicalID()
	assert.False(t, identified, "case-variant nodeId key must not identify")
}

func TestParseMessage_IgnoresCaseVariantKeys(t *testing.T) {
	msg, err := router.ParseMessage([]byte(`{"TYPE":"offer","NodeId":"x","targetid":"y","extra":1}`))
	require.NoError(t, err)
	assert.Equal(t, router.MessageType(""), msg.Type)
	assert.Empty(t, msg.NodeID)
	assert.Empty(t, msg.TargetID)
	assert.Equal(t, router.Broadcast, msg.Discipline())

	msg, err = router.ParseMessage([]byte(`{"type":"answer","nodeId":"x","targetId":"y"}`))
	require.NoError(t, err)
	assert.Equal(t, router.TypeAnswer, msg.Type)
	assert.Equal(t, "x", msg.NodeID)
	assert.Equal(t, "y", msg.TargetID)
	assert.Equal(t, router.Targeted, msg.Discipline())
}

func TestRoute_FramesAreRelayedVerbatim(t *testing.T) {
	f := newFixture(t, "a", "b")
	frame := "{ \"type\" : \"presence\",\n \"nodeId\":\"X\", \"extra\": {\"z\":1,\"a\":[true,null]} }"

	f.router.Route("a", []byte(frame))

	assert.Equal(t, []string{frame}, f.received("b"))
}

func TestRoute_MalformedFrameLeavesSessionUsable(t *testing.T) {
	f := newFixture(t, "a", "b")

	for _, frame := range []string{
		`not json`,
		`{"type":"presence"`,
		`null`,
		`[1,2]`,
		`"presence"`,
		``,
		`{"type":"offer","targetId":42}`,
	} {
		out := f.router.Route("a", []byte(frame))
		assert.False(t, out.Routed, "frame %q", frame)
	}
	assert.Equal(t, uint64(7), f.metrics.Get(metrics.MessagesMalformed))
	assert.Empty(t, f.received("b"))
	assert.Equal(t, 2, f.reg.Len())

	out := f.router.Route("a", []byte(`{"type":"presence","nodeId":"X"}`))
	assert.Equal(t, 1, out.Delivered)
	sess, ok := f.reg.Get("a")
	require.True(t, ok)
	id, _ := sess.LogicalID()
	assert.Equal(t, "X", id)
}

func TestRoute_UnknownSourceIsDiscarded(t *testing.T) {
	f := newFixture(t, "b")

	out := f.router.Route("gone", []byte(`{"type":"presence","nodeId":"X"}`))

	assert.False(t, out.Routed)
	assert.Empty(t, f.received("b"))
	assert.Equal(t, uint64(1), f.metrics.Get(metrics.MessagesOrphaned))
	_, ok := f.reg.FindByLogicalID("X")
	assert.False(t, ok)
}

func TestRoute_DeliveryFailureDoesNotAbortBroadcast(t *testing.T) {
	f := newFixture(t, "a", "b", "c", "d")
	f.transports["b"].FailSends(errors.New("broken pipe"))
	f.transports["c"].SetOpen(false)

	out := f.router.Route("a", []byte(`{"type":"presence"}`))

	assert.Equal(t, 1, out.Delivered)
	assert.Equal(t, 1, out.Failed)
	assert.Empty(t, f.received("b"))
	assert.Empty(t, f.received("c"))
	assert.Len(t, f.received("d"), 1)
	assert.Equal(t, uint64(1), f.metrics.Get(metrics.DeliveriesFailed))
	assert.Equal(t, uint64(1), f.metrics.Get(metrics.DeliveriesSkipped))

	// The next message from the same sender is processed normally.
	f.transports["b"].FailSends(nil)
	out = f.router.Route("a", []byte(`{"type":"presence"}`))
	assert.Equal(t, 2, out.Delivered)
}

func TestRoute_TargetNotOpenIsNotAttempted(t *testing.T) {
	f := newFixture(t, "a", "b")
	f.router.Route("b", []byte(`{"type":"presence","nodeId":"Y"}`))
	f.transports["b"].SetOpen(false)

	out := f.router.Route("a", []byte(`{"type":"offer","targetId":"Y"}`))

	assert.Equal(t, 0, out.Delivered)
	assert.Equal(t, 0, out.Failed)
	assert.Empty(t, f.received("b"))
}

func TestRoute_ThreePeerScenario(t *testing.T) {
	f := newFixture(t, "A", "B", "C")

	f.router.Route("A", []byte(`{"type":"presence","nodeId":"nodeA"}`))
	assert.Len(t, f.received("B"), 1)
	assert.Len(t, f.received("C"), 1)
	sessA, _ := f.reg.Get("A")
	id, _ := sessA.LogicalID()
	assert.Equal(t, "nodeA", id)

	f.router.Route("B", []byte(`{"type":"offer","nodeId":"nodeB","targetId":"nodeA"}`))
	assert.Equal(t, []string{`{"type":"offer","nodeId":"nodeB","targetId":"nodeA"}`}, f.received("A"))
	assert.Len(t, f.received("C"), 1)

	f.reg.Remove("C")
	f.router.Route("A", []byte(`{"type":"presence","nodeId":"nodeA"}`))
	assert.Len(t, f.received("B"), 2)
	assert.Len(t, f.received("C"), 1)
}

func TestRoute_DuplicateLogicalIDResolvesToEarliestSession(t *testing.T) {
	f := newFixture(t, "old", "new", "sender")
	f.router.Route("old", []byte(`{"type":"presence","nodeId":"peer"}`))
	f.router.Route("new", []byte(`{"type":"presence","nodeId":"peer"}`))
	oldBefore, newBefore := len(f.received("old")), len(f.received("new"))

	f.router.Route("sender", []byte(`{"type":"offer","targetId":"peer"}`))

	assert.Len(t, f.received("old"), oldBefore+1)
	assert.Len(t, f.received("new"), newBefore)
}

func TestShortNodeID(t *testing.T) {
	assert.Equal(t, "abcdefgh", router.ShortNodeID("0123456789abcdefgh"))
	assert.Equal(t, "short", router.ShortNodeID("short"))
	assert.Equal(t, "", router.ShortNodeID(""))
}
