package cpg

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-cpg/internal/testutil"
	"github.com/i5heu/ouroboros-cpg/internal/transport"
	"github.com/i5heu/ouroboros-cpg/internal/wire"
	"github.com/i5heu/ouroboros-cpg/pkg/interfaces"
	"github.com/i5heu/ouroboros-cpg/pkg/types"
)

const waitFor = 10 * time.Second

type change struct { // A
	group   types.GroupName
	members []types.Address
	left    []types.Address
	joined  []types.Address
}

type listing struct { // A
	index int
	total int
	group types.GroupName
	size  int
}

// recorder implements every callback interface.
type recorder struct { // A
	mu      sync.Mutex
	msgs    []string
	senders []types.Address
	changes []change
	flows   []types.FlowControlState
	lists   []listing
}

func (r *recorder) Deliver( // A
	_ types.GroupName,
	nodeID uint32,
	processID uint32,
	payload []byte,
) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, string(payload))
	r.senders = append(r.senders, types.Address{NodeID: nodeID, ProcessID: processID})
}

func (r *recorder) ConfigChange( // A
	group types.GroupName,
	members []types.Address,
	left []types.Address,
	joined []types.Address,
) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, change{group, members, left, joined})
}

func (r *recorder) FlowControl(state types.FlowControlState) { // A
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flows = append(r.flows, state)
}

func (r *recorder) GroupList( // A
	index int,
	total int,
	group types.GroupName,
	members []types.Address,
) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lists = append(r.lists, listing{index, total, group, len(members)})
}

func (r *recorder) messages() []string { // A
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.msgs...)
}

func (r *recorder) messageCount() int { // A
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func (r *recorder) lastChange() (change, bool) { // A
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.changes) == 0 {
		return change{}, false
	}
	return r.changes[len(r.changes)-1], true
}

func (r *recorder) memberCount() int { // A
	c, ok := r.lastChange()
	if !ok {
		return 0
	}
	return len(c.members)
}

func (r *recorder) flowStates() []types.FlowControlState { // A
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.FlowControlState(nil), r.flows...)
}

// countingTransport counts every packet handed to the wrapped transport.
type countingTransport struct { // A
	interfaces.Transport
	calls atomic.Int64
}

func (c *countingTransport) Send(ctx context.Context, to uint32, data []byte) error { // A
	c.calls.Add(1)
	return c.Transport.Send(ctx, to, data)
}

func (c *countingTransport) Broadcast(ctx context.Context, data []byte) error { // A
	c.calls.Add(1)
	return c.Transport.Broadcast(ctx, data)
}

// lossyTransport silently drops the next proposal it is asked to
// broadcast once armed. The failure detector never notices.
type lossyTransport struct { // A
	interfaces.Transport
	armed   atomic.Bool
	dropped atomic.Int64
}

func (l *lossyTransport) Broadcast(ctx context.Context, data []byte) error { // A
	if p, err := wire.Decode(data); err == nil && p.Type == wire.PacketProposal &&
		l.armed.CompareAndSwap(true, false) {
		l.dropped.Add(1)
		return nil
	}
	return l.Transport.Broadcast(ctx, data)
}

func newService( // A
	t *testing.T,
	tr interfaces.Transport,
	mutate func(*Config),
) *Service {
	t.Helper()
	cfg := Config{
		Transport:     tr,
		Logger:        testutil.Logger(),
		TickInterval:  10 * time.Millisecond,
		FlushTimeout:  500 * time.Millisecond,
		ProcessIDBase: 100,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func waitRing(t *testing.T, services ...*Service) { // A
	t.Helper()
	require.Eventually(t, func() bool {
		for _, s := range services {
			_, members := s.node.Ring()
			if len(members) != len(services) {
				return false
			}
		}
		return true
	}, waitFor, 5*time.Millisecond)
}

// pump dispatches h until cond holds.
func pump(t *testing.T, s *Service, h Handle, cond func() bool) { // A
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for !cond() {
		require.True(t, time.Now().Before(deadline), "condition not reached")
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		_, err := s.Dispatch(ctx, h, types.DispatchBlocking)
		cancel()
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			require.NoError(t, err)
		}
	}
}

func joinAndWait( // A
	t *testing.T,
	s *Service,
	rec *recorder,
	group types.GroupName,
	members int,
) Handle {
	t.Helper()
	h, err := s.Initialize(rec)
	require.NoError(t, err)
	require.NoError(t, s.Join(h, group))
	pump(t, s, h, func() bool { return rec.memberCount() == members })
	return h
}

func TestFIFOSingleMember(t *testing.T) { // A
	s := newService(t, nil, nil)
	rec := &recorder{}
	h := joinAndWait(t, s, rec, types.MustGroupName("g"), 1)

	for _, p := range []string{"1", "2", "3"} {
		require.NoError(t, s.Multicast(h, types.GuaranteeFIFO, []byte(p)))
	}
	pump(t, s, h, func() bool { return len(rec.messages()) == 3 })
	require.Equal(t, []string{"1", "2", "3"}, rec.messages())
	require.Equal(t, types.Address{NodeID: 1, ProcessID: 100}, rec.senders[0])
}

func TestAgreedOrderIdenticalAtEveryMember(t *testing.T) { // A
	hub := transport.NewHub(transport.HubConfig{})
	a := newService(t, hub.Transport(1), nil)
	b := newService(t, hub.Transport(2), nil)
	waitRing(t, a, b)
	group := types.MustGroupName("g")

	recA, recB := &recorder{}, &recorder{}
	ha := joinAndWait(t, a, recA, group, 1)
	hb := joinAndWait(t, b, recB, group, 2)
	pump(t, a, ha, func() bool { return recA.memberCount() == 2 })

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.NoError(t, a.Multicast(ha, types.GuaranteeAgreed, []byte("x")))
	}()
	go func() {
		defer wg.Done()
		assert.NoError(t, b.Multicast(hb, types.GuaranteeAgreed, []byte("y")))
	}()
	wg.Wait()

	pump(t, a, ha, func() bool { return len(recA.messages()) == 2 })
	pump(t, b, hb, func() bool { return len(recB.messages()) == 2 })
	require.ElementsMatch(t, []string{"x", "y"}, recA.messages())
	require.Equal(t, recA.messages(), recB.messages())
}

func TestLostFrameIsRepaired(t *testing.T) { // A
	hub := transport.NewHub(transport.HubConfig{})
	tr := &lossyTransport{Transport: hub.Transport(2)}
	a := newService(t, hub.Transport(1), nil)
	b := newService(t, tr, func(c *Config) { c.ProcessIDBase = 200 })
	waitRing(t, a, b)
	group := types.MustGroupName("g")

	recA, recB := &recorder{}, &recorder{}
	ha := joinAndWait(t, a, recA, group, 1)
	hb := joinAndWait(t, b, recB, group, 2)
	pump(t, a, ha, func() bool { return recA.memberCount() == 2 })

	tr.armed.Store(true)
	require.NoError(t, b.Multicast(hb, types.GuaranteeFIFO, []byte("lost")))
	require.NoError(t, b.Multicast(hb, types.GuaranteeAgreed, []byte("after")))
	require.Equal(t, int64(1), tr.dropped.Load())

	pump(t, a, ha, func() bool { return recA.messageCount() == 2 })
	pump(t, b, hb, func() bool { return recB.messageCount() == 2 })
	require.Equal(t, []string{"lost", "after"}, recA.messages())
	require.Equal(t, recA.messages(), recB.messages())
}

func TestLaterJoinerSeenByBoth(t *testing.T) { // A
	hub := transport.NewHub(transport.HubConfig{})
	a := newService(t, hub.Transport(1), nil)
	b := newService(t, hub.Transport(2), func(c *Config) { c.ProcessIDBase = 200 })
	waitRing(t, a, b)
	group := types.MustGroupName("g")

	recA, recB := &recorder{}, &recorder{}
	ha := joinAndWait(t, a, recA, group, 1)
	joinAndWait(t, b, recB, group, 2)
	pump(t, a, ha, func() bool { return recA.memberCount() == 2 })

	wantMembers := []types.Address{
		{NodeID: 1, ProcessID: 100},
		{NodeID: 2, ProcessID: 200},
	}
	wantJoined := []types.Address{
		{NodeID: 2, ProcessID: 200, Reason: types.ReasonJoin},
	}
	for _, rec := range []*recorder{recA, recB} {
		c, ok := rec.lastChange()
		require.True(t, ok)
		require.Equal(t, group, c.group)
		require.Equal(t, wantMembers, c.members)
		require.Equal(t, wantJoined, c.joined)
		require.Empty(t, c.left)
	}
	members, err := a.MembershipGet(ha, group)
	require.NoError(t, err)
	require.Equal(t, wantMembers, members)
}

func TestFinalizeReportsProcDown(t *testing.T) { // A
	hub := transport.NewHub(transport.HubConfig{})
	a := newService(t, hub.Transport(1), nil)
	b := newService(t, hub.Transport(2), func(c *Config) { c.ProcessIDBase = 200 })
	waitRing(t, a, b)
	group := types.MustGroupName("g")

	recA := &recorder{}
	ha := joinAndWait(t, a, recA, group, 1)
	hb := joinAndWait(t, b, &recorder{}, group, 2)
	pump(t, a, ha, func() bool { return recA.memberCount() == 2 })

	require.NoError(t, b.Finalize(hb))
	pump(t, a, ha, func() bool { return recA.memberCount() == 1 })
	c, _ := recA.lastChange()
	require.Equal(t,
		[]types.Address{{NodeID: 2, ProcessID: 200, Reason: types.ReasonProcDown}},
		c.left)
}

func TestFlowControlWatermarks(t *testing.T) { // A
	s := newService(t, nil, func(c *Config) {
		c.Backlog = Watermarks{High: 3, Low: 1}
	})
	rec := &recorder{}
	h := joinAndWait(t, s, rec, types.MustGroupName("g"), 1)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Multicast(h, types.GuaranteeFIFO, []byte{byte('a' + i)}))
	}
	require.Eventually(t, func() bool {
		st, err := s.FlowControlStateGet(h)
		return err == nil && st == types.FlowControlEnabled
	}, waitFor, 5*time.Millisecond)

	pump(t, s, h, func() bool {
		return len(rec.messages()) == 5 && len(rec.flowStates()) == 2
	})
	require.Equal(t,
		[]types.FlowControlState{types.FlowControlEnabled, types.FlowControlDisabled},
		rec.flowStates())
	st, err := s.FlowControlStateGet(h)
	require.NoError(t, err)
	require.Equal(t, types.FlowControlDisabled, st)
}

func TestMulticastPayloads(t *testing.T) { // A
	s := newService(t, nil, nil)
	rec := &recorder{}
	h := joinAndWait(t, s, rec, types.MustGroupName("g"), 1)

	require.NoError(t, s.Multicast(h, types.GuaranteeAgreed))
	require.NoError(t, s.Multicast(h, types.GuaranteeAgreed, []byte("ab"), nil, []byte("cd")))
	pump(t, s, h, func() bool { return len(rec.messages()) == 2 })
	require.Equal(t, []string{"", "abcd"}, rec.messages())

	err := s.Multicast(h, types.GuaranteeSafe, []byte("x"))
	require.ErrorIs(t, err, types.ErrUnsupported)
	err = s.Multicast(h, types.GuaranteeUnordered, []byte("x"))
	require.ErrorIs(t, err, types.ErrUnsupported)
}

func TestOversizeRejectedBeforeTransport(t *testing.T) { // A
	hub := transport.NewHub(transport.HubConfig{MaxMessageSize: 64})
	tr := &countingTransport{Transport: hub.Transport(1)}
	s := newService(t, tr, func(c *Config) { c.TickInterval = time.Hour })
	h, err := s.Initialize(&recorder{})
	require.NoError(t, err)

	before := tr.calls.Load()
	err = s.Multicast(h, types.GuaranteeAgreed, make([]byte, 40), make([]byte, 25))
	require.ErrorIs(t, err, types.ErrTooBig)
	require.Equal(t, before, tr.calls.Load())

	err = s.Multicast(h, types.GuaranteeAgreed, make([]byte, 64))
	require.ErrorIs(t, err, types.ErrNotMember)
}

func TestMembershipErrors(t *testing.T) { // A
	s := newService(t, nil, nil)
	rec := &recorder{}
	group := types.MustGroupName("g")
	h, err := s.Initialize(rec)
	require.NoError(t, err)

	require.ErrorIs(t, s.Leave(h, group), types.ErrNotMember)
	require.NoError(t, s.Join(h, group))
	require.ErrorIs(t, s.Join(h, group), types.ErrAlreadyMember)
	pump(t, s, h, func() bool { return rec.memberCount() == 1 })

	require.NoError(t, s.Leave(h, group))
	require.ErrorIs(t, s.Leave(h, group), types.ErrNotMember)
	pump(t, s, h, func() bool { return len(rec.changes) == 2 })
	c, _ := rec.lastChange()
	require.Empty(t, c.members)
	require.Equal(t,
		[]types.Address{{NodeID: 1, ProcessID: 100, Reason: types.ReasonLeave}},
		c.left)
	require.ErrorIs(t, s.Multicast(h, types.GuaranteeFIFO, []byte("x")), types.ErrNotMember)
}

func TestHandleLifecycle(t *testing.T) { // A
	s := newService(t, nil, nil)
	_, err := s.Initialize(nil)
	require.Error(t, err)

	h, err := s.Initialize(&recorder{})
	require.NoError(t, err)
	id, err := s.LocalGet(h)
	require.NoError(t, err)
	require.Equal(t, uint32(1), id)
	require.Equal(t, s.NodeID(), id)

	require.NoError(t, s.ContextSet(h, "ctx"))
	v, err := s.ContextGet(h)
	require.NoError(t, err)
	require.Equal(t, "ctx", v)

	n, err := s.Dispatch(context.Background(), h, types.DispatchOne)
	require.NoError(t, err)
	require.Zero(t, n)
	n, err = s.Dispatch(context.Background(), h, types.DispatchAll)
	require.NoError(t, err)
	require.Zero(t, n)
	_, err = s.Dispatch(context.Background(), h, types.DispatchMode(9))
	require.ErrorIs(t, err, types.ErrUnsupported)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Dispatch(ctx, h, types.DispatchBlocking)
	require.ErrorIs(t, err, context.Canceled)

	require.NoError(t, s.Finalize(h))
	require.ErrorIs(t, s.Finalize(h), types.ErrInvalidHandle)
	group := types.MustGroupName("g")
	require.ErrorIs(t, s.Join(h, group), types.ErrInvalidHandle)
	_, err = s.MembershipGet(h, group)
	require.ErrorIs(t, err, types.ErrInvalidHandle)
	_, err = s.ContextGet(h)
	require.ErrorIs(t, err, types.ErrInvalidHandle)
	_, err = s.Dispatch(context.Background(), h, types.DispatchAll)
	require.ErrorIs(t, err, types.ErrInvalidHandle)

	h2, err := s.Initialize(&recorder{})
	require.NoError(t, err)
	require.NotEqual(t, h, h2)
}

func TestDispatchOneHandlesSingleUnit(t *testing.T) { // A
	s := newService(t, nil, nil)
	rec := &recorder{}
	h := joinAndWait(t, s, rec, types.MustGroupName("g"), 1)
	notify, err := s.Notify(h)
	require.NoError(t, err)

	require.NoError(t, s.Multicast(h, types.GuaranteeFIFO, []byte("1")))
	require.NoError(t, s.Multicast(h, types.GuaranteeFIFO, []byte("2")))
	require.Eventually(t, func() bool {
		ss, _ := s.sessions.Get(h)
		return ss.queue.Len() == 2
	}, waitFor, 5*time.Millisecond)
	select {
	case <-notify:
	default:
		t.Fatal("notify channel not signalled")
	}

	n, err := s.Dispatch(context.Background(), h, types.DispatchOne)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []string{"1"}, rec.messages())
	n, err = s.Dispatch(context.Background(), h, types.DispatchAll)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, []string{"1", "2"}, rec.messages())
}

func TestGroupsGetListsGroups(t *testing.T) { // A
	s := newService(t, nil, nil)
	rec := &recorder{}
	h := joinAndWait(t, s, rec, types.MustGroupName("b"), 1)
	require.NoError(t, s.Join(h, types.MustGroupName("a")))
	pump(t, s, h, func() bool { return len(rec.changes) == 2 })

	total, err := s.GroupsGet(h)
	require.NoError(t, err)
	require.Equal(t, 2, total)
	n, err := s.Dispatch(context.Background(), h, types.DispatchAll)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []listing{
		{index: 0, total: 2, group: types.MustGroupName("a"), size: 1},
		{index: 1, total: 2, group: types.MustGroupName("b"), size: 1},
	}, rec.lists)
}

func TestQueueOverflowInvalidatesHandle(t *testing.T) { // A
	s := newService(t, nil, func(c *Config) { c.MaxQueuedDeliveries = 2 })
	rec := &recorder{}
	h := joinAndWait(t, s, rec, types.MustGroupName("g"), 1)

	for i := 0; i < 4; i++ {
		require.NoError(t, s.Multicast(h, types.GuaranteeFIFO, []byte{byte(i)}))
	}
	require.Eventually(t, func() bool {
		ss, _ := s.sessions.Get(h)
		return ss.queue.Err() != nil
	}, waitFor, 5*time.Millisecond)

	_, err := s.Dispatch(context.Background(), h, types.DispatchAll)
	require.ErrorIs(t, err, types.ErrNoMemory)
	_, err = s.Dispatch(context.Background(), h, types.DispatchAll)
	require.ErrorIs(t, err, types.ErrInvalidHandle)
	require.ErrorIs(t, s.Multicast(h, types.GuaranteeFIFO, []byte("x")), types.ErrInvalidHandle)
	require.NoError(t, s.Finalize(h))
}

func TestCloseFinalizesSessions(t *testing.T) { // A
	s, err := New(Config{Logger: testutil.Logger(), ProcessIDBase: 1})
	require.NoError(t, err)
	h, err := s.Initialize(&recorder{})
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	_, err = s.LocalGet(h)
	require.ErrorIs(t, err, types.ErrInvalidHandle)
	_, err = s.Initialize(&recorder{})
	require.ErrorIs(t, err, types.ErrLibrary)
}

func TestServiceWithDataDir(t *testing.T) { // A
	dir := t.TempDir()
	s, err := New(Config{DataDir: dir, Logger: testutil.Logger()})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = New(Config{DataDir: dir, Logger: testutil.Logger()})
	require.NoError(t, err)
	require.NoError(t, s.Close())
}
