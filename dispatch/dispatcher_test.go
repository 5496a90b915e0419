package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hupe1980/companionkit/agent"
	"github.com/hupe1980/companionkit/core"
	"github.com/hupe1980/companionkit/gateway"
	"github.com/hupe1980/companionkit/notify"
	"github.com/hupe1980/companionkit/tool"
	"github.com/hupe1980/companionkit/trigger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recorder collects executed agent IDs across goroutines.
type recorder struct {
	mu  sync.Mutex
	ids []string
	ch  chan string
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan string, 32)}
}

func (r *recorder) record(id string) {
	r.mu.Lock()
	r.ids = append(r.ids, id)
	r.mu.Unlock()
	r.ch <- id
}

func (r *recorder) wait(t *testing.T, n int) []string {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %d executions, got %d", n, i)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

// testAgent wires a Base with a configurable OnExecute.
type testAgent struct {
	*agent.Base
	exec    func(ctx context.Context, actx core.AgentContext) (core.AgentResult, error)
	gate    func(actx core.AgentContext) bool
	initErr error
}

func (a *testAgent) OnInitialize(ctx context.Context) error { return a.initErr }

func (a *testAgent) ShouldTrigger(ctx context.Context, actx core.AgentContext) bool {
	if a.gate != nil {
		return a.gate(actx)
	}
	return true
}

func (a *testAgent) OnExecute(ctx context.Context, actx core.AgentContext) (core.AgentResult, error) {
	if a.exec != nil {
		return a.exec(ctx, actx)
	}
	return core.OK("ok"), nil
}

func newTestAgent(id string, priority agent.Priority, rec *recorder, triggers ...trigger.Trigger) *testAgent {
	a := &testAgent{
		Base: agent.NewBase(agent.Metadata{ID: id, Name: id, Priority: priority}, triggers...),
	}
	if rec != nil {
		a.exec = func(ctx context.Context, actx core.AgentContext) (core.AgentResult, error) {
			rec.record(id)
			return core.OK("done"), nil
		}
	}
	return a
}

func newDispatcher(t *testing.T, optFns ...func(o *Options)) *Dispatcher {
	t.Helper()
	tm := trigger.NewManager(trigger.WithTickInterval(time.Hour))
	d := New(tm, tool.NewRegistry(), gateway.New(gateway.WithConfirmer(gateway.AutoApprove)), optFns...)
	d.Start(context.Background())
	t.Cleanup(d.Stop)
	return d
}

// -------------------- Registration Tests --------------------

func TestDispatcher_RegisterDuplicate(t *testing.T) {
	d := newDispatcher(t)
	ctx := context.Background()

	require.NoError(t, d.Register(ctx, newTestAgent("a1", agent.PriorityNormal, nil)))
	err := d.Register(ctx, newTestAgent("a1", agent.PriorityNormal, nil))
	assert.ErrorIs(t, err, ErrDuplicateAgent)
}

func TestDispatcher_RegisterInitFailure(t *testing.T) {
	d := newDispatcher(t)
	ctx := context.Background()

	a := newTestAgent("a1", agent.PriorityNormal, nil)
	a.initErr = errors.New("no database")
	require.Error(t, d.Register(ctx, a))

	// The slot is released, so a retry can succeed.
	a.initErr = nil
	assert.NoError(t, d.Register(ctx, a))

	state, err := d.AgentState("a1")
	require.NoError(t, err)
	assert.Equal(t, agent.StateIdle, state)
}

func TestDispatcher_Unregister(t *testing.T) {
	d := newDispatcher(t)
	ctx := context.Background()

	require.NoError(t, d.Register(ctx, newTestAgent("a1", agent.PriorityNormal, nil)))
	require.NoError(t, d.Unregister("a1"))
	assert.ErrorIs(t, d.Unregister("a1"), ErrUnknownAgent)
}

// -------------------- Dispatch Tests --------------------

func TestDispatcher_PriorityOrdering(t *testing.T) {
	d := newDispatcher(t)
	ctx := context.Background()
	rec := newRecorder()

	// Registered low first to prove priority beats registration order.
	require.NoError(t, d.Register(ctx, newTestAgent("low", agent.PriorityLow, rec, trigger.NewUserMessage("t", "ping"))))
	require.NoError(t, d.Register(ctx, newTestAgent("normal", agent.PriorityNormal, rec, trigger.NewUserMessage("t", "ping"))))
	require.NoError(t, d.Register(ctx, newTestAgent("high", agent.PriorityHigh, rec, trigger.NewUserMessage("t", "ping"))))

	require.NoError(t, d.HandleUserMessage("ping"))

	assert.Equal(t, []string{"high", "normal", "low"}, rec.wait(t, 3))
}

func TestDispatcher_RegistrationOrderBreaksTies(t *testing.T) {
	d := newDispatcher(t)
	ctx := context.Background()
	rec := newRecorder()

	require.NoError(t, d.Register(ctx, newTestAgent("first", agent.PriorityNormal, rec, trigger.NewUserMessage("t", "ping"))))
	require.NoError(t, d.Register(ctx, newTestAgent("second", agent.PriorityNormal, rec, trigger.NewUserMessage("t", "ping"))))

	require.NoError(t, d.HandleUserMessage("ping"))
	assert.Equal(t, []string{"first", "second"}, rec.wait(t, 2))
}

func TestDispatcher_DisabledAgentSkipped(t *testing.T) {
	d := newDispatcher(t)
	ctx := context.Background()
	rec := newRecorder()

	require.NoError(t, d.Register(ctx, newTestAgent("off", agent.PriorityNormal, rec, trigger.NewUserMessage("t", "ping"))))
	require.NoError(t, d.Register(ctx, newTestAgent("on", agent.PriorityNormal, rec, trigger.NewUserMessage("t", "ping"))))
	require.NoError(t, d.SetEnabled("off", false))

	require.NoError(t, d.HandleUserMessage("ping"))
	assert.Equal(t, []string{"on"}, rec.wait(t, 1))
}

func TestDispatcher_SystemAgentCannotBeDisabled(t *testing.T) {
	d := newDispatcher(t)
	ctx := context.Background()

	a := &testAgent{Base: agent.NewBase(agent.Metadata{ID: "sys", IsSystem: true})}
	require.NoError(t, d.Register(ctx, a))
	assert.Error(t, d.SetEnabled("sys", false))
	assert.NoError(t, d.SetEnabled("sys", true))
}

func TestDispatcher_ShouldTriggerVeto(t *testing.T) {
	d := newDispatcher(t)
	ctx := context.Background()
	rec := newRecorder()

	vetoed := newTestAgent("vetoed", agent.PriorityHigh, rec, trigger.NewUserMessage("t", "ping"))
	vetoed.gate = func(core.AgentContext) bool { return false }
	require.NoError(t, d.Register(ctx, vetoed))
	require.NoError(t, d.Register(ctx, newTestAgent("willing", agent.PriorityLow, rec, trigger.NewUserMessage("t", "ping"))))

	require.NoError(t, d.HandleUserMessage("ping"))
	assert.Equal(t, []string{"willing"}, rec.wait(t, 1))
}

func TestDispatcher_PanicIsolation(t *testing.T) {
	d := newDispatcher(t)
	ctx := context.Background()
	rec := newRecorder()

	bad := newTestAgent("bad", agent.PriorityHigh, nil, trigger.NewUserMessage("t", "ping"))
	bad.exec = func(context.Context, core.AgentContext) (core.AgentResult, error) {
		panic("agent bug")
	}
	require.NoError(t, d.Register(ctx, bad))
	require.NoError(t, d.Register(ctx, newTestAgent("good", agent.PriorityLow, rec, trigger.NewUserMessage("t", "ping"))))

	require.NoError(t, d.HandleUserMessage("ping"))
	assert.Equal(t, []string{"good"}, rec.wait(t, 1))
}

func TestDispatcher_TimeoutDoesNotBlockNextCandidate(t *testing.T) {
	d := newDispatcher(t, WithDefaultTimeout(50*time.Millisecond))
	ctx := context.Background()
	rec := newRecorder()

	slow := newTestAgent("slow", agent.PriorityHigh, nil, trigger.NewUserMessage("t", "ping"))
	slow.exec = func(ctx context.Context, actx core.AgentContext) (core.AgentResult, error) {
		<-ctx.Done()
		return core.AgentResult{}, ctx.Err()
	}
	require.NoError(t, d.Register(ctx, slow))
	require.NoError(t, d.Register(ctx, newTestAgent("fast", agent.PriorityLow, rec, trigger.NewUserMessage("t", "ping"))))

	require.NoError(t, d.HandleUserMessage("ping"))
	assert.Equal(t, []string{"fast"}, rec.wait(t, 1))
}

func TestDispatcher_RogueAgentAbandonedAtDeadline(t *testing.T) {
	d := newDispatcher(t, WithDefaultTimeout(20*time.Millisecond))
	ctx := context.Background()
	rec := newRecorder()

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	// Ignores cancellation entirely; the dispatcher must abandon it at the
	// deadline instead of waiting for it to return.
	rogue := newTestAgent("rogue", agent.PriorityHigh, nil, trigger.NewUserMessage("t", "ping"))
	rogue.exec = func(context.Context, core.AgentContext) (core.AgentResult, error) {
		<-release
		return core.OK(""), nil
	}
	require.NoError(t, d.Register(ctx, rogue))
	require.NoError(t, d.Register(ctx, newTestAgent("next", agent.PriorityLow, rec, trigger.NewUserMessage("t", "ping"))))

	start := time.Now()
	require.NoError(t, d.HandleUserMessage("ping"))
	assert.Equal(t, []string{"next"}, rec.wait(t, 1))
	assert.Less(t, time.Since(start), time.Second)
}

// -------------------- Event & Manual Tests --------------------

func TestDispatcher_EmitEventContext(t *testing.T) {
	d := newDispatcher(t)
	ctx := context.Background()

	got := make(chan core.AgentContext, 1)
	a := newTestAgent("watcher", agent.PriorityNormal, nil, trigger.NewEvent("on-focus", "app_focus", nil))
	a.exec = func(ctx context.Context, actx core.AgentContext) (core.AgentResult, error) {
		got <- actx
		return core.OK(""), nil
	}
	require.NoError(t, d.Register(ctx, a))

	require.NoError(t, d.EmitEvent("app_focus", map[string]any{"app": "editor"}))

	select {
	case actx := <-got:
		assert.Equal(t, core.SourceEvent, actx.TriggerSource)
		assert.Equal(t, "app_focus", actx.EventName)
		assert.Equal(t, "editor", actx.EventPayload["app"])
		assert.Equal(t, "on-focus", actx.TriggerID)
	case <-time.After(2 * time.Second):
		t.Fatal("agent never executed")
	}
}

func TestDispatcher_InvokeAndFollowUps(t *testing.T) {
	d := newDispatcher(t)
	ctx := context.Background()

	followed := make(chan core.AgentContext, 1)
	follower := newTestAgent("follower", agent.PriorityNormal, nil)
	follower.exec = func(ctx context.Context, actx core.AgentContext) (core.AgentResult, error) {
		followed <- actx
		return core.OK(""), nil
	}
	require.NoError(t, d.Register(ctx, follower))

	leader := newTestAgent("leader", agent.PriorityNormal, nil)
	leader.exec = func(ctx context.Context, actx core.AgentContext) (core.AgentResult, error) {
		return core.AgentResult{
			Success:   true,
			FollowUps: []core.FollowUp{{AgentID: "follower", Payload: map[string]any{"reason": "handoff"}}},
		}, nil
	}
	require.NoError(t, d.Register(ctx, leader))

	require.NoError(t, d.Invoke("leader", core.AgentContext{}))

	select {
	case actx := <-followed:
		assert.Equal(t, core.SourceManual, actx.TriggerSource)
		assert.Equal(t, "handoff", actx.Metadata["reason"])
	case <-time.After(2 * time.Second):
		t.Fatal("follow-up never dispatched")
	}

	assert.ErrorIs(t, d.Invoke("ghost", core.AgentContext{}), ErrUnknownAgent)
}

// -------------------- Notification Tests --------------------

func TestDispatcher_ResultMessageNotified(t *testing.T) {
	sink := notify.NewChanSink(4)
	d := newDispatcher(t, WithNotifier(sink))
	ctx := context.Background()

	a := newTestAgent("npc", agent.PriorityNormal, nil, trigger.NewUserMessage("t", "ping"))
	a.exec = func(context.Context, core.AgentContext) (core.AgentResult, error) {
		return core.OK("hello from npc"), nil
	}
	require.NoError(t, d.Register(ctx, a))
	require.NoError(t, d.HandleUserMessage("ping"))

	select {
	case n := <-sink.C():
		assert.Equal(t, "hello from npc", n.Body)
	case <-time.After(2 * time.Second):
		t.Fatal("no notification delivered")
	}
}

func TestDispatcher_NotRunning(t *testing.T) {
	tm := trigger.NewManager()
	d := New(tm, tool.NewRegistry(), gateway.New())
	require.NoError(t, d.Register(context.Background(), newTestAgent("a1", agent.PriorityNormal, nil, trigger.NewUserMessage("t", "ping"))))

	assert.ErrorIs(t, d.HandleUserMessage("ping"), ErrNotRunning)
}
