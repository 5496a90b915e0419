package trigger

import (
	"context"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/companionkit/logging"
)

// ConditionEvaluator evaluates one agent's condition expression against the
// companion's current state.
type ConditionEvaluator func(expression string) bool

// Match names an agent/trigger pair that fired.
type Match struct {
	AgentID   string
	TriggerID string
	Type      Type
}

// SinkFunc receives matches produced by the tick loop. It must not block;
// dispatching happens elsewhere.
type SinkFunc func(matches []Match)

// scheduleState tracks per-trigger firing bookkeeping.
type scheduleState struct {
	lastFire  time.Time
	lastCheck time.Time
}

type registration struct {
	agentID  string
	triggers []Trigger
	eval     ConditionEvaluator
	order    int
}

// ManagerOptions configure a Manager.
type ManagerOptions struct {
	Logger logging.Logger
	// Now is the clock. Injectable for tests.
	Now func() time.Time
	// TickInterval is the cadence of the background evaluation loop.
	TickInterval time.Duration
}

// Manager evaluates registered triggers. Schedule and condition triggers are
// driven by EvaluateTick; user message and event triggers are matched on
// demand.
type Manager struct {
	mu        sync.Mutex
	regs      map[string]*registration
	states    map[string]*scheduleState // keyed by agentID + "\x00" + triggerID
	nextOrder int

	logger logging.Logger
	now    func() time.Time
	tick   time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a Manager.
func NewManager(optFns ...func(o *ManagerOptions)) *Manager {
	opts := ManagerOptions{
		Logger:       logging.NoOpLogger{},
		Now:          time.Now,
		TickInterval: time.Second,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Manager{
		regs:   make(map[string]*registration),
		states: make(map[string]*scheduleState),
		logger: opts.Logger,
		now:    opts.Now,
		tick:   opts.TickInterval,
	}
}

// WithManagerLogger sets the logger.
func WithManagerLogger(l logging.Logger) func(o *ManagerOptions) {
	return func(o *ManagerOptions) { o.Logger = l }
}

// WithClock injects the time source.
func WithClock(now func() time.Time) func(o *ManagerOptions) {
	return func(o *ManagerOptions) { o.Now = now }
}

// WithTickInterval sets the background loop cadence.
func WithTickInterval(d time.Duration) func(o *ManagerOptions) {
	return func(o *ManagerOptions) { o.TickInterval = d }
}

// Register records an agent's triggers. Malformed triggers are logged and
// skipped; they never fire. eval may be nil when the agent declares no
// condition triggers.
func (m *Manager) Register(agentID string, triggers []Trigger, eval ConditionEvaluator) {
	m.mu.Lock()
	defer m.mu.Unlock()

	valid := make([]Trigger, 0, len(triggers))
	now := m.now()
	for _, t := range triggers {
		if err := t.Validate(); err != nil {
			m.logger.Warn("skipping invalid trigger", "agent", agentID, "trigger", t.ID, "error", err)
			continue
		}
		valid = append(valid, t)
		switch t.Type {
		case TypeSchedule:
			m.states[stateKey(agentID, t.ID)] = &scheduleState{lastFire: now, lastCheck: now}
		case TypeCondition:
			// lastFire stays zero: cooldown spaces successive fires, so a
			// predicate that is already true may fire on the first poll.
			m.states[stateKey(agentID, t.ID)] = &scheduleState{lastCheck: now}
		}
	}

	m.regs[agentID] = &registration{
		agentID:  agentID,
		triggers: valid,
		eval:     eval,
		order:    m.nextOrder,
	}
	m.nextOrder++
}

// Unregister removes an agent's triggers and state.
func (m *Manager) Unregister(agentID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg, ok := m.regs[agentID]
	if !ok {
		return
	}
	for _, t := range reg.triggers {
		delete(m.states, stateKey(agentID, t.ID))
	}
	delete(m.regs, agentID)
}

// MatchUserMessage returns matches for agents whose user message triggers
// hit, in registration order.
func (m *Manager) MatchUserMessage(message string) []Match {
	m.mu.Lock()
	defer m.mu.Unlock()

	lower := strings.ToLower(message)
	var matches []Match
	for _, reg := range m.sortedRegs() {
		for _, t := range reg.triggers {
			if t.Type != TypeUserMessage {
				continue
			}
			if matchKeywords(lower, t.UserMessage.Keywords) {
				matches = append(matches, Match{AgentID: reg.agentID, TriggerID: t.ID, Type: TypeUserMessage})
				break
			}
		}
	}
	return matches
}

// MatchEvent returns matches for agents whose event triggers accept the
// named event and payload.
func (m *Manager) MatchEvent(name string, payload map[string]any) []Match {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matches []Match
	for _, reg := range m.sortedRegs() {
		for _, t := range reg.triggers {
			if t.Type != TypeEvent || t.Event.EventName != name {
				continue
			}
			if matchFilter(payload, t.Event.Filter) {
				matches = append(matches, Match{AgentID: reg.agentID, TriggerID: t.ID, Type: TypeEvent})
				break
			}
		}
	}
	return matches
}

// EvaluateTick advances schedule and condition triggers to now and returns
// the matches that fired. A schedule trigger consumes its slot when the
// interval elapses even if downstream gating later declines the run; a
// condition trigger only consumes its cooldown when the predicate holds.
func (m *Manager) EvaluateTick(now time.Time) []Match {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matches []Match
	for _, reg := range m.sortedRegs() {
		for _, t := range reg.triggers {
			key := stateKey(reg.agentID, t.ID)
			st := m.states[key]
			if st == nil {
				continue
			}
			switch t.Type {
			case TypeSchedule:
				if now.Sub(st.lastFire) >= t.Schedule.Interval {
					st.lastFire = now
					matches = append(matches, Match{AgentID: reg.agentID, TriggerID: t.ID, Type: TypeSchedule})
				}
			case TypeCondition:
				if now.Sub(st.lastCheck) < t.Condition.CheckInterval {
					continue
				}
				st.lastCheck = now
				if reg.eval == nil || !reg.eval(t.Condition.Expression) {
					continue
				}
				if now.Sub(st.lastFire) < t.Condition.Cooldown {
					continue
				}
				st.lastFire = now
				matches = append(matches, Match{AgentID: reg.agentID, TriggerID: t.ID, Type: TypeCondition})
			}
		}
	}
	return matches
}

// Start runs the background tick loop, delivering matches to sink until Stop
// or context cancellation.
func (m *Manager) Start(ctx context.Context, sink SinkFunc) {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if matches := m.EvaluateTick(m.now()); len(matches) > 0 {
					sink(matches)
				}
			}
		}
	}()
}

// Stop halts the tick loop and waits for it to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// sortedRegs returns registrations in registration order. Caller holds mu.
func (m *Manager) sortedRegs() []*registration {
	regs := make([]*registration, 0, len(m.regs))
	for _, r := range m.regs {
		regs = append(regs, r)
	}
	for i := 1; i < len(regs); i++ {
		for j := i; j > 0 && regs[j-1].order > regs[j].order; j-- {
			regs[j-1], regs[j] = regs[j], regs[j-1]
		}
	}
	return regs
}

func matchKeywords(lowerMessage string, keywords []string) bool {
	if len(keywords) == 0 {
		return true
	}
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(lowerMessage, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

func matchFilter(payload, filter map[string]any) bool {
	for k, want := range filter {
		got, ok := payload[k]
		if !ok || !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

func stateKey(agentID, triggerID string) string {
	return agentID + "\x00" + triggerID
}
