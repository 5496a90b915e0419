package scheduler

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// Trigger types a task row may carry.
const (
	TriggerInterval = "interval"
	TriggerCron     = "cron"
	TriggerManual   = "manual"
	TriggerEvent    = "event"
)

type intervalTrigger struct {
	Seconds int64 `json:"seconds"`
}

type cronTrigger struct {
	Expression string `json:"expression"`
}

// ComputeNextRun returns the next firing time after from, or nil for tasks
// that do not self-schedule (manual, event) or carry an unusable config.
func ComputeNextRun(triggerType, triggerConfig string, from time.Time) (*time.Time, error) {
	switch triggerType {
	case TriggerInterval:
		var cfg intervalTrigger
		if err := json.Unmarshal([]byte(triggerConfig), &cfg); err != nil {
			return nil, fmt.Errorf("invalid interval config: %w", err)
		}
		if cfg.Seconds <= 0 {
			return nil, nil
		}
		next := from.Add(time.Duration(cfg.Seconds) * time.Second)
		return &next, nil

	case TriggerCron:
		var cfg cronTrigger
		if err := json.Unmarshal([]byte(triggerConfig), &cfg); err != nil {
			return nil, fmt.Errorf("invalid cron config: %w", err)
		}
		sched, err := cron.ParseStandard(cfg.Expression)
		if err != nil {
			return nil, fmt.Errorf("invalid cron expression %q: %w", cfg.Expression, err)
		}
		next := sched.Next(from)
		if next.IsZero() {
			return nil, nil
		}
		return &next, nil

	case TriggerManual, TriggerEvent:
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown trigger type %q", triggerType)
	}
}
