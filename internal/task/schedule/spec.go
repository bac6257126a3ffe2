// Package schedule normalizes absolute times, cron expressions and recurrence
// phrases into one representation with a Next function.
package schedule

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidScheduleFormat is returned for malformed expressions and for schedules
// without any future occurrence.
var ErrInvalidScheduleFormat = errors.New("Invalid schedule format") //nolint:staticcheck // message is part of the public contract

// SpecKind tells how a Spec was given.
type SpecKind int

const (
	SpecNone SpecKind = iota
	// SpecAt is an absolute point in time; it is never parsed.
	SpecAt
	// SpecExpr is free text, classified as cron or phrase at normalization time.
	SpecExpr
	SpecCron
	SpecPhrase
)

// Spec is what the caller asked for: an absolute time, a cron expression or a
// recurrence phrase such as "every 5 minutes".
type Spec struct {
	kind SpecKind
	at   time.Time
	text string
}

func At(t time.Time) Spec      { return Spec{kind: SpecAt, at: t} }
func Expr(s string) Spec       { return Spec{kind: SpecExpr, text: strings.TrimSpace(s)} }
func Cron(s string) Spec       { return Spec{kind: SpecCron, text: strings.TrimSpace(s)} }
func Phrase(s string) Spec     { return Spec{kind: SpecPhrase, text: strings.TrimSpace(s)} }
func (s Spec) Kind() SpecKind  { return s.kind }
func (s Spec) Time() time.Time { return s.at }
func (s Spec) Text() string    { return s.text }
func (s Spec) IsAbsolute() bool {
	return s.kind == SpecAt
}

func (s Spec) String() string {
	if s.kind == SpecAt {
		return s.at.Format(time.RFC3339)
	}
	return s.text
}

// Kind is the normalized shape of a schedule.
type Kind int

const (
	KindOnce Kind = iota
	KindCron
	KindInterval
	KindCalendar
)

func (k Kind) String() string {
	switch k {
	case KindOnce:
		return "once"
	case KindCron:
		return "cron"
	case KindInterval:
		return "interval"
	case KindCalendar:
		return "calendar"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Normalized is the internal, validated representation of "when to run next".
type Normalized struct {
	Kind        Kind
	Schedule    cron.Schedule
	Description string
	Source      string
}

// Recurring reports whether the schedule fires more than once.
func (n Normalized) Recurring() bool { return n.Kind != KindOnce }

// Next returns the first fire time strictly after t, or the zero time if there is none.
func (n Normalized) Next(t time.Time) time.Time {
	if n.Schedule == nil {
		return time.Time{}
	}
	return n.Schedule.Next(t)
}

// Valid reports whether at least one occurrence follows now.
func (n Normalized) Valid(now time.Time) bool {
	return !n.Next(now).IsZero()
}

// Preview returns up to count upcoming fire times after from.
func (n Normalized) Preview(from time.Time, count int) []time.Time {
	out := make([]time.Time, 0, count)
	t := from
	for i := 0; i < count; i++ {
		t = n.Next(t)
		if t.IsZero() {
			break
		}
		out = append(out, t)
		if !n.Recurring() {
			break
		}
	}
	return out
}

// onceSchedule fires a single time.
type onceSchedule struct{ at time.Time }

func (o onceSchedule) Next(t time.Time) time.Time {
	if t.Before(o.at) {
		return o.at
	}
	return time.Time{}
}

// Once wraps an absolute time. A time in the past still yields a schedule; the
// coordinator decides what to do with it.
func Once(at time.Time) Normalized {
	return Normalized{
		Kind:        KindOnce,
		Schedule:    onceSchedule{at: at},
		Description: "once at " + at.Format(time.RFC3339),
		Source:      at.Format(time.RFC3339),
	}
}

// cronFieldRe matches one crontab field: numbers, ranges, steps, lists, wildcards,
// or three-letter month/day names.
var cronFieldRe = regexp.MustCompile(`^(?:[0-9*?LW#/,\-]+|[A-Za-z]{3}(?:[-,/][A-Za-z0-9]{1,3})*)$`)

// IsCronExpression is a purely syntactic check: five or six crontab fields (the
// leading seconds field is optional), or an @descriptor such as "@hourly".
func IsCronExpression(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	if strings.HasPrefix(s, "@") {
		return true
	}
	if strings.HasPrefix(s, "CRON_TZ=") || strings.HasPrefix(s, "TZ=") {
		if i := strings.IndexAny(s, " \t"); i > 0 {
			s = strings.TrimSpace(s[i:])
		}
	}
	fields := strings.Fields(s)
	if len(fields) != 5 && len(fields) != 6 {
		return false
	}
	numeric := false
	for _, f := range fields {
		if !cronFieldRe.MatchString(f) {
			return false
		}
		if strings.ContainsAny(f, "0123456789*?") {
			numeric = true
		}
	}
	return numeric
}

// Normalize turns spec into a Normalized schedule.
//
// Absolute times bypass parsing. Free text may force a parser with a "cron:" or
// "every:" prefix. Otherwise cron-like text always goes to ParseCron, even when it
// later fails, and everything else is treated as a recurrence phrase. The result
// must have at least one occurrence after now.
func Normalize(spec Spec, p Parser, now time.Time) (Normalized, error) {
	if p == nil {
		p = NewParser()
	}
	var (
		n   Normalized
		err error
	)
	switch spec.kind {
	case SpecAt:
		if spec.at.IsZero() {
			return Normalized{}, fmt.Errorf("%w: zero time", ErrInvalidScheduleFormat)
		}
		return Once(spec.at), nil
	case SpecCron:
		n, err = p.ParseCron(spec.text)
	case SpecPhrase:
		n, err = p.ParseRecurrencePhrase(spec.text)
	case SpecExpr:
		low := strings.ToLower(spec.text)
		switch {
		case strings.HasPrefix(low, "cron:"):
			n, err = p.ParseCron(spec.text[len("cron:"):])
		case strings.HasPrefix(low, "every:"):
			n, err = p.ParseRecurrencePhrase("every " + strings.TrimSpace(spec.text[len("every:"):]))
		case IsCronExpression(spec.text):
			n, err = p.ParseCron(spec.text)
		default:
			n, err = p.ParseRecurrencePhrase(spec.text)
		}
	default:
		return Normalized{}, fmt.Errorf("%w: empty schedule", ErrInvalidScheduleFormat)
	}
	if err != nil {
		if !errors.Is(err, ErrInvalidScheduleFormat) {
			err = fmt.Errorf("%w: %v", ErrInvalidScheduleFormat, err)
		}
		return Normalized{}, err
	}
	if !n.Valid(now) {
		return Normalized{}, fmt.Errorf("%w: %q has no future occurrence", ErrInvalidScheduleFormat, spec.text)
	}
	return n, nil
}
