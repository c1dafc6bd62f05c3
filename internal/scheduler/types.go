// Package scheduler runs durable, time-triggered jobs: a schedule store
// plus a tick loop that evaluates every/cron/at triggers and dispatches
// due schedules through an injected session factory, per spec.md §4.F.
package scheduler

import "time"

// TriggerKind identifies how a Schedule's next run is computed.
type TriggerKind string

const (
	TriggerEvery TriggerKind = "every"
	TriggerCron  TriggerKind = "cron"
	TriggerAt    TriggerKind = "at"
)

// Trigger is one of the three schedule kinds spec.md §3 defines.
type Trigger struct {
	Kind TriggerKind `json:"type"`

	// Interval is the parsed "every" duration (source: IntervalText, a
	// "<N><s|m|h|d>" string).
	IntervalText string        `json:"interval,omitempty"`
	Interval     time.Duration `json:"-"`

	CronExpr string `json:"expression,omitempty"`
	Timezone string `json:"timezone,omitempty"`

	At time.Time `json:"at,omitempty"`
}

// ActionKind identifies what a due Schedule does.
type ActionKind string

const (
	ActionCreateSession ActionKind = "createSession"
	ActionEmitEvent     ActionKind = "emitEvent"
)

// Action is the work a Schedule performs when it fires.
type Action struct {
	Kind ActionKind `json:"type"`

	// TaskText is used by ActionCreateSession.
	TaskText string `json:"task_text,omitempty"`

	// SessionID, EventType, Payload are used by ActionEmitEvent.
	SessionID string         `json:"session_id,omitempty"`
	EventType string         `json:"event_type,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// MissedPolicy governs behavior when a tick discovers a schedule whose
// next_run_at fell further in the past than the grace period allows.
type MissedPolicy string

const (
	MissedSkip       MissedPolicy = "skip"
	MissedCatchupOne MissedPolicy = "catchup_one"
	MissedCatchupAll MissedPolicy = "catchup_all"
)

// Options are the per-schedule behavior knobs of spec.md §3.
type Options struct {
	MaxFailures    int          `json:"max_failures"`
	MissedPolicy   MissedPolicy `json:"missed_policy"`
	DeleteAfterRun bool         `json:"delete_after_run,omitempty"`
	Description    string       `json:"description,omitempty"`
	Tags           []string     `json:"tags,omitempty"`
}

// DefaultOptions mirrors spec.md §3's defaults: max_failures=3,
// missed_policy=skip.
func DefaultOptions() Options {
	return Options{MaxFailures: 3, MissedPolicy: MissedSkip}
}

// Status is a Schedule's lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Schedule is the durable, time-triggered job record of spec.md §3.
type Schedule struct {
	ScheduleID string  `json:"schedule_id"`
	Name       string  `json:"name"`
	Trigger    Trigger `json:"trigger"`
	Action     Action  `json:"action"`
	Options    Options `json:"options"`

	Status        Status     `json:"status"`
	RunCount      int        `json:"run_count"`
	FailureCount  int        `json:"failure_count"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	LastSessionID string     `json:"last_session_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// clone returns a deep-enough copy for safe handoff across the store's
// lock boundary (mirrors internal/cron's cloneExecution/Jobs snapshot
// pattern).
func (s *Schedule) clone() *Schedule {
	if s == nil {
		return nil
	}
	out := *s
	if s.LastRunAt != nil {
		t := *s.LastRunAt
		out.LastRunAt = &t
	}
	if s.NextRunAt != nil {
		t := *s.NextRunAt
		out.NextRunAt = &t
	}
	if s.Trigger.CronExpr != "" || s.Trigger.Timezone != "" {
		out.Trigger = s.Trigger
	}
	if s.Action.Payload != nil {
		payload := make(map[string]any, len(s.Action.Payload))
		for k, v := range s.Action.Payload {
			payload[k] = v
		}
		out.Action.Payload = payload
	}
	if s.Options.Tags != nil {
		tags := make([]string, len(s.Options.Tags))
		copy(tags, s.Options.Tags)
		out.Options.Tags = tags
	}
	return &out
}
