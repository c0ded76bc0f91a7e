package sla

import (
	"strings"
	"time"
)

type Metric string

const (
	MetricPickup        Metric = "pickup"
	MetricFirstResponse Metric = "first_response"
	MetricAvgResponse   Metric = "avg_response"
	MetricResolution    Metric = "resolution"
)

var AllMetrics = []Metric{MetricPickup, MetricFirstResponse, MetricAvgResponse, MetricResolution}

// Thresholds are expressed in minutes. Zero means not set at that level, so
// lookups fall through to the next precedence level.
type Thresholds struct {
	Pickup        int `mapstructure:"pickup" json:"pickup"`
	FirstResponse int `mapstructure:"first_response" json:"firstResponse"`
	AvgResponse   int `mapstructure:"avg_response" json:"avgResponse"`
	Resolution    int `mapstructure:"resolution" json:"resolution"`
}

func (t Thresholds) value(m Metric) int {
	switch m {
	case MetricPickup:
		return t.Pickup
	case MetricFirstResponse:
		return t.FirstResponse
	case MetricAvgResponse:
		return t.AvgResponse
	case MetricResolution:
		return t.Resolution
	}
	return 0
}

// Config is the read-only SLA policy: which metrics are evaluated, the
// threshold table (global plus per-channel and per-priority overrides) and
// the office-hours calendar inputs.
type Config struct {
	EnabledMetrics    []string              `mapstructure:"enabled_metrics" json:"enabledMetrics"`
	Thresholds        Thresholds            `mapstructure:"thresholds" json:"thresholds"`
	ChannelOverrides  map[string]Thresholds `mapstructure:"channel_overrides" json:"channelOverrides"`
	PriorityOverrides map[string]Thresholds `mapstructure:"priority_overrides" json:"priorityOverrides"`
	OfficeHours       ScheduleConfig        `mapstructure:"office_hours" json:"officeHours"`
	Holidays          HolidayConfig         `mapstructure:"holidays" json:"holidays"`
}

// ResponseEvent is one agent reply to a contact message: AskedAt is the
// earliest unanswered contact message, RepliedAt the agent message that
// answered it.
type ResponseEvent struct {
	AskedAt   time.Time
	RepliedAt time.Time
}

// ChatTimes carries the lifecycle instants a chat has produced so far. Nil
// pointers mean the event has not happened.
type ChatTimes struct {
	OpenedAt        time.Time
	PickedUpAt      *time.Time
	FirstResponseAt *time.Time
	ClosedAt        *time.Time
	ResponseEvents  []ResponseEvent
}

// Result carries elapsed metrics in seconds plus nullable compliance flags.
// A nil metric means the underlying event has not happened; its flag stays
// nil so missing data is never reported as a violation.
type Result struct {
	TimeToPickup        *int64
	TimeToFirstResponse *int64
	AvgResponseTime     *int64
	TimeToResolution    *int64

	BusinessTimeToPickup        *int64
	BusinessTimeToFirstResponse *int64
	BusinessAvgResponseTime     *int64
	BusinessTimeToResolution    *int64

	PickupSLA        *bool
	FirstResponseSLA *bool
	AvgResponseSLA   *bool
	ResolutionSLA    *bool
	OverallSLA       *bool

	BusinessPickupSLA        *bool
	BusinessFirstResponseSLA *bool
	BusinessAvgResponseSLA   *bool
	BusinessResolutionSLA    *bool
	BusinessOverallSLA       *bool
}

type Evaluator struct {
	cfg     Config
	cal     *Calendar
	enabled map[Metric]bool
}

// NewEvaluator builds an evaluator over an already-constructed calendar.
// An empty EnabledMetrics list enables every metric.
func NewEvaluator(cfg Config, cal *Calendar) *Evaluator {
	enabled := make(map[Metric]bool, len(AllMetrics))
	for _, m := range cfg.EnabledMetrics {
		enabled[Metric(strings.ToLower(m))] = true
	}
	if len(enabled) == 0 {
		for _, m := range AllMetrics {
			enabled[m] = true
		}
	}
	return &Evaluator{cfg: cfg, cal: cal, enabled: enabled}
}

// Evaluate computes elapsed metrics and compliance flags for one chat.
// Channel and priority pick threshold overrides; priority wins over channel,
// channel over the global table.
func (e *Evaluator) Evaluate(times ChatTimes, channel, priority string) Result {
	var r Result

	r.TimeToPickup = wallSeconds(times.OpenedAt, times.PickedUpAt)
	r.TimeToFirstResponse = wallSeconds(times.OpenedAt, times.FirstResponseAt)
	r.TimeToResolution = wallSeconds(times.OpenedAt, times.ClosedAt)
	r.AvgResponseTime = avgSeconds(times.ResponseEvents, nil)

	// A calendar with zero capacity (every day disabled) cannot produce a
	// meaningful business measurement, so business metrics stay null.
	if e.cal.HasBusinessTime() {
		r.BusinessTimeToPickup = e.businessSeconds(times.OpenedAt, times.PickedUpAt)
		r.BusinessTimeToFirstResponse = e.businessSeconds(times.OpenedAt, times.FirstResponseAt)
		r.BusinessTimeToResolution = e.businessSeconds(times.OpenedAt, times.ClosedAt)
		r.BusinessAvgResponseTime = avgSeconds(times.ResponseEvents, e.cal)
	}

	r.PickupSLA = e.flag(MetricPickup, r.TimeToPickup, channel, priority)
	r.FirstResponseSLA = e.flag(MetricFirstResponse, r.TimeToFirstResponse, channel, priority)
	r.AvgResponseSLA = e.flag(MetricAvgResponse, r.AvgResponseTime, channel, priority)
	r.ResolutionSLA = e.flag(MetricResolution, r.TimeToResolution, channel, priority)
	r.OverallSLA = e.overall(map[Metric]*bool{
		MetricPickup:        r.PickupSLA,
		MetricFirstResponse: r.FirstResponseSLA,
		MetricAvgResponse:   r.AvgResponseSLA,
		MetricResolution:    r.ResolutionSLA,
	})

	r.BusinessPickupSLA = e.flag(MetricPickup, r.BusinessTimeToPickup, channel, priority)
	r.BusinessFirstResponseSLA = e.flag(MetricFirstResponse, r.BusinessTimeToFirstResponse, channel, priority)
	r.BusinessAvgResponseSLA = e.flag(MetricAvgResponse, r.BusinessAvgResponseTime, channel, priority)
	r.BusinessResolutionSLA = e.flag(MetricResolution, r.BusinessTimeToResolution, channel, priority)
	r.BusinessOverallSLA = e.overall(map[Metric]*bool{
		MetricPickup:        r.BusinessPickupSLA,
		MetricFirstResponse: r.BusinessFirstResponseSLA,
		MetricAvgResponse:   r.BusinessAvgResponseSLA,
		MetricResolution:    r.BusinessResolutionSLA,
	})

	return r
}

// Threshold returns the effective threshold in minutes for a metric, or 0
// when no level defines one.
func (e *Evaluator) Threshold(m Metric, channel, priority string) int {
	if t, ok := e.cfg.PriorityOverrides[strings.ToLower(priority)]; ok {
		if v := t.value(m); v > 0 {
			return v
		}
	}
	if t, ok := e.cfg.ChannelOverrides[strings.ToLower(channel)]; ok {
		if v := t.value(m); v > 0 {
			return v
		}
	}
	return e.cfg.Thresholds.value(m)
}

func (e *Evaluator) flag(m Metric, seconds *int64, channel, priority string) *bool {
	if !e.enabled[m] || seconds == nil {
		return nil
	}
	threshold := e.Threshold(m, channel, priority)
	if threshold <= 0 {
		return nil
	}
	ok := *seconds <= int64(threshold)*60
	return &ok
}

// overall is the conjunction over enabled metrics; nil as soon as any
// enabled metric has no flag.
func (e *Evaluator) overall(flags map[Metric]*bool) *bool {
	out := true
	for m, f := range flags {
		if !e.enabled[m] {
			continue
		}
		if f == nil {
			return nil
		}
		out = out && *f
	}
	return &out
}

func wallSeconds(start time.Time, end *time.Time) *int64 {
	if end == nil || start.IsZero() || end.IsZero() {
		return nil
	}
	secs := int64(end.Sub(start) / time.Second)
	if secs < 0 {
		secs = 0
	}
	return &secs
}

func (e *Evaluator) businessSeconds(start time.Time, end *time.Time) *int64 {
	if end == nil || start.IsZero() || end.IsZero() {
		return nil
	}
	secs := int64(e.cal.BusinessDuration(start, *end) / time.Second)
	return &secs
}

// avgSeconds averages response events, in business time when cal is
// non-nil. Fewer than two events yield no average.
func avgSeconds(events []ResponseEvent, cal *Calendar) *int64 {
	if len(events) < 2 {
		return nil
	}
	var sum time.Duration
	for _, ev := range events {
		if cal != nil {
			sum += cal.BusinessDuration(ev.AskedAt, ev.RepliedAt)
			continue
		}
		if d := ev.RepliedAt.Sub(ev.AskedAt); d > 0 {
			sum += d
		}
	}
	avg := int64(sum/time.Duration(len(events))) / int64(time.Second)
	return &avg
}
