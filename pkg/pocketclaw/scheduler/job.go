// Package scheduler runs durable one-time, interval and cron jobs. Each firing
// invokes the agent directly (bypassing the message bus) and, when the job
// asks for delivery, publishes the result as an outbound message.
//
// The job list lives in a single JSON document that is rewritten wholesale
// on every mutation.
package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ScheduleKind selects how the next run time is computed.
type ScheduleKind string

const (
	// KindAt fires once at AtMs.
	KindAt ScheduleKind = "at"

	// KindEvery fires every EveryMs milliseconds.
	KindEvery ScheduleKind = "every"

	// KindCron fires on the cron expression Expr, evaluated in TZ.
	KindCron ScheduleKind = "cron"
)

// PayloadAgentTurn is the only payload kind: run the message as an agent turn.
const PayloadAgentTurn = "agent_turn"

// cronParser accepts standard 5-field expressions and descriptors
// (@daily, @every 5m).
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Schedule is a tagged variant: exactly one of AtMs, EveryMs or Expr is
// meaningful, selected by Kind.
type Schedule struct {
	Kind    ScheduleKind `json:"kind"`
	AtMs    int64        `json:"atMs,omitempty"`
	EveryMs int64        `json:"everyMs,omitempty"`
	Expr    string       `json:"expr,omitempty"`
	TZ      string       `json:"tz,omitempty"`
}

// Validate checks that the variant is well formed.
func (s Schedule) Validate() error {
	switch s.Kind {
	case KindAt:
		if s.AtMs <= 0 {
			return fmt.Errorf("at schedule requires atMs")
		}
	case KindEvery:
		if s.EveryMs <= 0 {
			return fmt.Errorf("every schedule requires a positive everyMs")
		}
	case KindCron:
		if s.Expr == "" {
			return fmt.Errorf("cron schedule requires expr")
		}
		if _, err := cronParser.Parse(s.Expr); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", s.Expr, err)
		}
		if s.TZ != "" {
			if _, err := time.LoadLocation(s.TZ); err != nil {
				return fmt.Errorf("invalid timezone %q: %w", s.TZ, err)
			}
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	return nil
}

// Next returns the first run time strictly after now, or zero when the
// schedule will not fire again.
func (s Schedule) Next(now time.Time) time.Time {
	switch s.Kind {
	case KindAt:
		at := time.UnixMilli(s.AtMs)
		// A past "at" still fires once, on the next tick.
		return at
	case KindEvery:
		if s.EveryMs <= 0 {
			return time.Time{}
		}
		return now.Add(time.Duration(s.EveryMs) * time.Millisecond)
	case KindCron:
		sched, err := cronParser.Parse(s.Expr)
		if err != nil {
			return time.Time{}
		}
		ref := now
		if s.TZ != "" {
			if loc, err := time.LoadLocation(s.TZ); err == nil {
				ref = now.In(loc)
			}
		}
		return sched.Next(ref)
	}
	return time.Time{}
}

// Describe renders the schedule for listings.
func (s Schedule) Describe() string {
	switch s.Kind {
	case KindAt:
		return "at " + time.UnixMilli(s.AtMs).Format(time.RFC3339)
	case KindEvery:
		return "every " + (time.Duration(s.EveryMs) * time.Millisecond).String()
	case KindCron:
		if s.TZ != "" {
			return fmt.Sprintf("cron %s (%s)", s.Expr, s.TZ)
		}
		return "cron " + s.Expr
	}
	return string(s.Kind)
}

// Payload is what a job does when it fires.
type Payload struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`

	// Deliver publishes the agent's answer to Channel/To.
	Deliver bool   `json:"deliver"`
	Channel string `json:"channel,omitempty"`
	To      string `json:"to,omitempty"`
}

// JobState is the mutable run bookkeeping.
type JobState struct {
	NextRunAtMs *int64 `json:"nextRunAtMs,omitempty"`
	LastRunAtMs *int64 `json:"lastRunAtMs,omitempty"`
	LastStatus  string `json:"lastStatus,omitempty"` // "ok", "error", "skipped"
	LastError   string `json:"lastError,omitempty"`
}

// Job is one scheduled task.
type Job struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Enabled        bool     `json:"enabled"`
	Schedule       Schedule `json:"schedule"`
	Payload        Payload  `json:"payload"`
	State          JobState `json:"state"`
	CreatedAtMs    int64    `json:"createdAtMs"`
	UpdatedAtMs    int64    `json:"updatedAtMs"`
	DeleteAfterRun bool     `json:"deleteAfterRun,omitempty"`
}

// Clone returns a deep copy.
func (j *Job) Clone() *Job {
	cp := *j
	if j.State.NextRunAtMs != nil {
		v := *j.State.NextRunAtMs
		cp.State.NextRunAtMs = &v
	}
	if j.State.LastRunAtMs != nil {
		v := *j.State.LastRunAtMs
		cp.State.LastRunAtMs = &v
	}
	return &cp
}

// NextRun returns the next run time, or zero when none is scheduled.
func (j *Job) NextRun() time.Time {
	if j.State.NextRunAtMs == nil {
		return time.Time{}
	}
	return time.UnixMilli(*j.State.NextRunAtMs)
}

// SessionKey is the conversation a job's turns are recorded under.
func (j *Job) SessionKey() string { return "cron:" + j.ID }

func msPtr(t time.Time) *int64 {
	if t.IsZero() {
		return nil
	}
	v := t.UnixMilli()
	return &v
}
