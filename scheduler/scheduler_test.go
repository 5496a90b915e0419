package scheduler

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/hupe1980/companionkit/bus"
	"github.com/hupe1980/companionkit/core"
	"github.com/hupe1980/companionkit/notify"
	"github.com/hupe1980/companionkit/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "tasks.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// -------------------- Next Run Tests --------------------

func TestComputeNextRun_Interval(t *testing.T) {
	from := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	next, err := ComputeNextRun(TriggerInterval, `{"seconds": 90}`, from)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, from.Add(90*time.Second), *next)

	// Non-positive intervals never fire.
	next, err = ComputeNextRun(TriggerInterval, `{"seconds": 0}`, from)
	require.NoError(t, err)
	assert.Nil(t, next)

	_, err = ComputeNextRun(TriggerInterval, `not json`, from)
	assert.Error(t, err)
}

func TestComputeNextRun_Cron(t *testing.T) {
	from := time.Date(2025, 6, 1, 12, 30, 0, 0, time.UTC)

	// Daily at 09:00.
	next, err := ComputeNextRun(TriggerCron, `{"expression": "0 9 * * *"}`, from)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC), next.UTC())

	_, err = ComputeNextRun(TriggerCron, `{"expression": "not a cron"}`, from)
	assert.Error(t, err)
}

func TestComputeNextRun_ManualAndEvent(t *testing.T) {
	from := time.Now()

	next, err := ComputeNextRun(TriggerManual, `{}`, from)
	require.NoError(t, err)
	assert.Nil(t, next)

	next, err = ComputeNextRun(TriggerEvent, `{}`, from)
	require.NoError(t, err)
	assert.Nil(t, next)

	_, err = ComputeNextRun("bogus", `{}`, from)
	assert.Error(t, err)
}

// -------------------- Runner Tests --------------------

func TestRunner_CreateTaskComputesNextRun(t *testing.T) {
	st := openTestStore(t)
	r := NewRunner(st)

	task, err := r.CreateTask(store.Task{
		Name:          "water reminder",
		TriggerType:   TriggerInterval,
		TriggerConfig: `{"seconds": 3600}`,
		ActionType:    ActionNotification,
		ActionConfig:  `{"title":"Hydrate","body":"drink water"}`,
		Enabled:       true,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, task.ID)
	require.NotNil(t, task.NextRun)

	stored, err := st.GetTask(task.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.NextRun)
}

func TestRunner_CreateTaskValidation(t *testing.T) {
	st := openTestStore(t)
	r := NewRunner(st)

	_, err := r.CreateTask(store.Task{TriggerType: TriggerManual, ActionType: ActionNotification})
	assert.Error(t, err)

	_, err = r.CreateTask(store.Task{
		Name:         "bad workflow",
		TriggerType:  TriggerManual,
		ActionType:   ActionWorkflow,
		ActionConfig: `not json`,
	})
	assert.Error(t, err)
}

func TestRunner_ExecuteNow_Notification(t *testing.T) {
	st := openTestStore(t)
	sink := notify.NewChanSink(4)
	b := bus.New()
	r := NewRunner(st, WithNotifier(sink), WithBus(b))

	completed := make(chan bus.Event, 1)
	b.Subscribe(TopicTaskCompleted, func(e bus.Event) { completed <- e })

	task, err := r.CreateTask(store.Task{
		Name:          "ping",
		TriggerType:   TriggerManual,
		TriggerConfig: `{}`,
		ActionType:    ActionNotification,
		ActionConfig:  `{"title":"Ping","body":"manual run"}`,
	})
	require.NoError(t, err)

	require.NoError(t, r.ExecuteNow(task.ID))

	select {
	case n := <-sink.C():
		assert.Equal(t, "Ping", n.Title)
	default:
		t.Fatal("no notification delivered")
	}
	select {
	case e := <-completed:
		assert.Equal(t, task.ID, e.Payload["task_id"])
	default:
		t.Fatal("no completion event published")
	}

	execs, err := st.ListExecutions(task.ID, 10)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, "success", execs[0].Status)
}

type fakeInvoker struct {
	calls chan string
}

func (f *fakeInvoker) Invoke(agentID string, actx core.AgentContext) error {
	f.calls <- agentID
	return nil
}

func TestRunner_ExecuteNow_AgentTask(t *testing.T) {
	st := openTestStore(t)
	inv := &fakeInvoker{calls: make(chan string, 1)}
	r := NewRunner(st, WithInvoker(inv))

	task, err := r.CreateTask(store.Task{
		Name:          "wake the greeter",
		TriggerType:   TriggerManual,
		TriggerConfig: `{}`,
		ActionType:    ActionAgentTask,
		ActionConfig:  `{"agent_id":"greeter"}`,
	})
	require.NoError(t, err)
	require.NoError(t, r.ExecuteNow(task.ID))

	assert.Equal(t, "greeter", <-inv.calls)
}

func TestRunner_UnsupportedActionRecordedAsFailed(t *testing.T) {
	st := openTestStore(t)
	r := NewRunner(st)

	task, err := r.CreateTask(store.Task{
		Name:          "legacy script",
		TriggerType:   TriggerManual,
		TriggerConfig: `{}`,
		ActionType:    "script",
		ActionConfig:  `{"path":"/tmp/x.sh"}`,
	})
	require.NoError(t, err)
	require.NoError(t, r.ExecuteNow(task.ID))

	execs, err := st.ListExecutions(task.ID, 10)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, "failed", execs[0].Status)
	assert.Contains(t, execs[0].Error, "unsupported action")
}

func TestRunner_PollExecutesDueTaskAndRollsForward(t *testing.T) {
	st := openTestStore(t)
	sink := notify.NewChanSink(4)
	r := NewRunner(st, WithNotifier(sink), WithTickInterval(10*time.Millisecond))

	task, err := r.CreateTask(store.Task{
		Name:          "recurring",
		TriggerType:   TriggerInterval,
		TriggerConfig: `{"seconds": 3600}`,
		ActionType:    ActionNotification,
		ActionConfig:  `{"title":"T","body":"b"}`,
		Enabled:       true,
	})
	require.NoError(t, err)

	// Make it immediately due.
	past := time.Now().Add(-time.Minute)
	require.NoError(t, st.UpdateTaskRunInfo(task.ID, past, &past))

	r.Start(context.Background())
	defer r.Stop()

	select {
	case <-sink.C():
	case <-time.After(2 * time.Second):
		t.Fatal("due task never executed")
	}

	assert.Eventually(t, func() bool {
		got, err := st.GetTask(task.ID)
		if err != nil || got.NextRun == nil {
			return false
		}
		return got.NextRun.After(time.Now().Add(55 * time.Minute))
	}, 2*time.Second, 20*time.Millisecond)
}

func TestRunner_Workflow(t *testing.T) {
	st := openTestStore(t)
	sink := notify.NewChanSink(8)
	inv := &fakeInvoker{calls: make(chan string, 1)}
	r := NewRunner(st, WithNotifier(sink), WithInvoker(inv))

	task, err := r.CreateTask(store.Task{
		Name:          "morning routine",
		TriggerType:   TriggerManual,
		TriggerConfig: `{}`,
		ActionType:    ActionWorkflow,
		ActionConfig: `{"steps":[
			{"action_type":"notification","action_config":{"title":"Good morning","body":"rise"}},
			{"action_type":"agent_task","action_config":{"agent_id":"weather"}}
		]}`,
	})
	require.NoError(t, err)
	require.NoError(t, r.ExecuteNow(task.ID))

	select {
	case n := <-sink.C():
		assert.Equal(t, "Good morning", n.Title)
	default:
		t.Fatal("workflow notification step did not run")
	}
	assert.Equal(t, "weather", <-inv.calls)

	execs, err := st.ListExecutions(task.ID, 10)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, "success", execs[0].Status)
}
