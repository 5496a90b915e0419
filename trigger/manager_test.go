package trigger

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeClock is an adjustable time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// -------------------- Validation Tests --------------------

func TestTrigger_Validate(t *testing.T) {
	assert.NoError(t, NewSchedule("s", time.Minute).Validate())
	assert.NoError(t, NewCondition("c", "hunger > 70", time.Second, time.Minute).Validate())
	assert.NoError(t, NewUserMessage("u", "hello").Validate())
	assert.NoError(t, NewEvent("e", "app_focus", nil).Validate())

	assert.ErrorIs(t, NewSchedule("s", 0).Validate(), ErrInvalid)
	assert.ErrorIs(t, NewCondition("c", "", time.Second, 0).Validate(), ErrInvalid)
	assert.ErrorIs(t, NewEvent("e", "", nil).Validate(), ErrInvalid)
	assert.ErrorIs(t, Trigger{ID: "x", Type: "bogus"}.Validate(), ErrInvalid)
	assert.ErrorIs(t, Trigger{Type: TypeSchedule}.Validate(), ErrInvalid)
}

func TestManager_SkipsInvalidTriggers(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(WithClock(clock.Now))

	m.Register("a1", []Trigger{
		NewSchedule("bad", 0),
		NewSchedule("good", time.Minute),
	}, nil)

	matches := m.EvaluateTick(clock.Advance(2 * time.Minute))
	require.Len(t, matches, 1)
	assert.Equal(t, "good", matches[0].TriggerID)
}

// -------------------- Schedule Tests --------------------

func TestManager_ScheduleFiresOnInterval(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(WithClock(clock.Now))
	m.Register("a1", []Trigger{NewSchedule("every-min", time.Minute)}, nil)

	// Not yet due.
	assert.Empty(t, m.EvaluateTick(clock.Advance(30*time.Second)))

	// Due now.
	matches := m.EvaluateTick(clock.Advance(30 * time.Second))
	require.Len(t, matches, 1)
	assert.Equal(t, Match{AgentID: "a1", TriggerID: "every-min", Type: TypeSchedule}, matches[0])

	// Slot consumed: immediately after firing, nothing is due.
	assert.Empty(t, m.EvaluateTick(clock.Now()))

	// Due again a full interval later.
	assert.Len(t, m.EvaluateTick(clock.Advance(time.Minute)), 1)
}

func TestManager_ScheduleFireCountOverWindow(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(WithClock(clock.Now))

	const interval = 7 * time.Second
	m.Register("a1", []Trigger{NewSchedule("s", interval)}, nil)

	// 1s ticks over a 60s window: floor(60/7) = 8 fires.
	fired := 0
	for i := 0; i < 60; i++ {
		fired += len(m.EvaluateTick(clock.Advance(time.Second)))
	}
	assert.Equal(t, 8, fired)
}

// -------------------- Condition Tests --------------------

func TestManager_ConditionRespectsCheckIntervalAndCooldown(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(WithClock(clock.Now))

	evalCount := 0
	hold := true
	m.Register("a1", []Trigger{
		NewCondition("hungry", "hunger > 70", 10*time.Second, time.Minute),
	}, func(expr string) bool {
		evalCount++
		assert.Equal(t, "hunger > 70", expr)
		return hold
	})

	// Before the check interval elapses the predicate is not even polled.
	m.EvaluateTick(clock.Advance(5 * time.Second))
	assert.Equal(t, 0, evalCount)

	// First poll: the predicate holds and no fire precedes it, so it fires.
	matches := m.EvaluateTick(clock.Advance(5 * time.Second))
	require.Len(t, matches, 1)
	assert.Equal(t, TypeCondition, matches[0].Type)
	assert.Equal(t, 1, evalCount)

	// Still true on the next poll, but within the cooldown.
	assert.Empty(t, m.EvaluateTick(clock.Advance(10*time.Second)))
	assert.Equal(t, 2, evalCount)

	// Cooldown consumed only by actual firing: a false predicate right
	// after does not fire and does not reset anything.
	hold = false
	assert.Empty(t, m.EvaluateTick(clock.Advance(10*time.Second)))

	hold = true
	assert.Len(t, m.EvaluateTick(clock.Advance(50*time.Second)), 1)
}

func TestManager_ConditionTrueAtStartupFiresOnFirstPoll(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(WithClock(clock.Now))
	m.Register("a1", []Trigger{
		NewCondition("late", "late_night_active", time.Second, time.Hour),
	}, func(string) bool { return true })

	matches := m.EvaluateTick(clock.Advance(time.Second))
	require.Len(t, matches, 1)
	assert.Equal(t, "late", matches[0].TriggerID)

	// The hour-long cooldown starts with that first fire.
	assert.Empty(t, m.EvaluateTick(clock.Advance(30*time.Minute)))
	assert.Len(t, m.EvaluateTick(clock.Advance(31*time.Minute)), 1)
}

func TestManager_ConditionFiresSpacedByCooldown(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(WithClock(clock.Now))

	const cooldown = 30 * time.Second
	m.Register("a1", []Trigger{
		NewCondition("c", "always", time.Millisecond, cooldown),
	}, func(string) bool { return true })

	// Randomized tick sequence: fires must stay >= cooldown apart no matter
	// how irregular the polling is.
	rng := rand.New(rand.NewSource(42))
	var fires []time.Time
	for i := 0; i < 500; i++ {
		now := clock.Advance(time.Duration(rng.Intn(5000)+100) * time.Millisecond)
		if len(m.EvaluateTick(now)) > 0 {
			fires = append(fires, now)
		}
	}

	require.NotEmpty(t, fires)
	for i := 1; i < len(fires); i++ {
		assert.GreaterOrEqual(t, fires[i].Sub(fires[i-1]), cooldown)
	}
}

func TestManager_ConditionWithoutEvaluatorNeverFires(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(WithClock(clock.Now))
	m.Register("a1", []Trigger{NewCondition("c", "x", time.Second, 0)}, nil)

	assert.Empty(t, m.EvaluateTick(clock.Advance(time.Hour)))
}

// -------------------- User Message Tests --------------------

func TestManager_MatchUserMessage(t *testing.T) {
	m := NewManager()
	m.Register("greeter", []Trigger{NewUserMessage("greet", "hello", "hi")}, nil)
	m.Register("chatty", []Trigger{NewUserMessage("any")}, nil) // no keywords: match all

	matches := m.MatchUserMessage("Well HELLO there")
	require.Len(t, matches, 2)
	assert.Equal(t, "greeter", matches[0].AgentID)
	assert.Equal(t, "chatty", matches[1].AgentID)

	matches = m.MatchUserMessage("goodbye")
	require.Len(t, matches, 1)
	assert.Equal(t, "chatty", matches[0].AgentID)
}

// -------------------- Event Tests --------------------

func TestManager_MatchEvent(t *testing.T) {
	m := NewManager()
	m.Register("watcher", []Trigger{
		NewEvent("on-focus", "app_focus", map[string]any{"app": "editor"}),
	}, nil)

	assert.Empty(t, m.MatchEvent("app_blur", map[string]any{"app": "editor"}))
	assert.Empty(t, m.MatchEvent("app_focus", map[string]any{"app": "browser"}))
	assert.Empty(t, m.MatchEvent("app_focus", nil))

	matches := m.MatchEvent("app_focus", map[string]any{"app": "editor", "extra": 1})
	require.Len(t, matches, 1)
	assert.Equal(t, "watcher", matches[0].AgentID)
}

func TestManager_MatchEventStructuredFilterValues(t *testing.T) {
	// Decoded JSON payloads carry []any values, which == cannot compare.
	m := NewManager()
	m.Register("watcher", []Trigger{
		NewEvent("on-tags", "tagged", map[string]any{"tags": []any{"a", "b"}}),
	}, nil)

	assert.NotPanics(t, func() {
		matches := m.MatchEvent("tagged", map[string]any{"tags": []any{"a", "b"}})
		assert.Len(t, matches, 1)
		assert.Empty(t, m.MatchEvent("tagged", map[string]any{"tags": []any{"a"}}))
	})
}

// -------------------- Lifecycle Tests --------------------

func TestManager_Unregister(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(WithClock(clock.Now))
	m.Register("a1", []Trigger{NewSchedule("s", time.Second)}, nil)
	m.Unregister("a1")

	assert.Empty(t, m.EvaluateTick(clock.Advance(time.Hour)))
	assert.Empty(t, m.MatchUserMessage("anything"))
}

func TestManager_StartStop(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(WithClock(clock.Now), WithTickInterval(5*time.Millisecond))
	m.Register("a1", []Trigger{NewSchedule("s", time.Second)}, nil)

	var mu sync.Mutex
	var got []Match
	clock.Advance(2 * time.Second)

	m.Start(context.Background(), func(matches []Match) {
		mu.Lock()
		got = append(got, matches...)
		mu.Unlock()
	})

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) >= 1
	}, time.Second, 5*time.Millisecond)

	m.Stop()
	m.Stop() // idempotent
}
