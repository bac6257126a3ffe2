package schedule

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Parser turns schedule text into a Normalized schedule. Both methods wrap
// ErrInvalidScheduleFormat on failure.
type Parser interface {
	ParseCron(text string) (Normalized, error)
	ParseRecurrencePhrase(text string) (Normalized, error)
}

// DefaultParser understands cron with an optional seconds field and a small
// English phrase grammar ("every 5 minutes", "every weekday at 9:30am").
type DefaultParser struct {
	cron cron.Parser
}

func NewParser() *DefaultParser {
	return &DefaultParser{
		cron: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (p *DefaultParser) ParseCron(text string) (Normalized, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Normalized{}, fmt.Errorf("%w: empty expression", ErrInvalidScheduleFormat)
	}
	s, err := p.cron.Parse(text)
	if err != nil {
		return Normalized{}, fmt.Errorf("%w: %v", ErrInvalidScheduleFormat, err)
	}
	kind := KindCron
	desc := "cron " + text
	if d, ok := s.(cron.ConstantDelaySchedule); ok {
		kind = KindInterval
		desc = "every " + d.Delay.String()
	}
	return Normalized{Kind: kind, Schedule: s, Description: desc, Source: text}, nil
}

var (
	spaceRe    = regexp.MustCompile(`\s+`)
	intervalRe = regexp.MustCompile(`^every(?:\s+(\d+))?\s+(seconds?|secs?|minutes?|mins?|hours?|hrs?|days?|weeks?)$`)
	everyDayRe = regexp.MustCompile(`^every\s+([a-z]+)(?:\s+at\s+(.+))?$`)
	onDayRe    = regexp.MustCompile(`^(?:on\s+)?([a-z]+?)s?\s+at\s+(.+)$`)
	atRe       = regexp.MustCompile(`^at\s+(.+?)(?:\s+(?:on|every)\s+([a-z]+))?$`)
	clockRe    = regexp.MustCompile(`^(\d{1,2})(?::(\d{2}))?(?::(\d{2}))?\s*(am|pm)?$`)
)

var dayNames = map[string]string{
	"sunday": "0", "sun": "0",
	"monday": "1", "mon": "1",
	"tuesday": "2", "tue": "2", "tues": "2",
	"wednesday": "3", "wed": "3",
	"thursday": "4", "thu": "4", "thur": "4", "thurs": "4",
	"friday": "5", "fri": "5",
	"saturday": "6", "sat": "6",
	"day":     "*",
	"weekday": "1-5",
	"weekend": "0,6",
}

func (p *DefaultParser) ParseRecurrencePhrase(text string) (Normalized, error) {
	src := strings.TrimSpace(text)
	s := spaceRe.ReplaceAllString(strings.ToLower(src), " ")
	if s == "" {
		return Normalized{}, fmt.Errorf("%w: empty phrase", ErrInvalidScheduleFormat)
	}

	// "every 90s" / "every 1h30m"
	if rest, ok := strings.CutPrefix(s, "every "); ok {
		if d, err := time.ParseDuration(strings.ReplaceAll(rest, " ", "")); err == nil {
			if d < time.Second {
				return Normalized{}, fmt.Errorf("%w: interval %s below one second", ErrInvalidScheduleFormat, d)
			}
			return Normalized{Kind: KindInterval, Schedule: cron.Every(d), Description: "every " + d.String(), Source: src}, nil
		}
	}

	if m := intervalRe.FindStringSubmatch(s); m != nil {
		n := 1
		if m[1] != "" {
			v, err := strconv.Atoi(m[1])
			if err != nil || v <= 0 {
				return Normalized{}, fmt.Errorf("%w: bad count in %q", ErrInvalidScheduleFormat, src)
			}
			n = v
		}
		unit := unitOf(m[2])
		if int64(n) > math.MaxInt64/int64(unit) {
			return Normalized{}, fmt.Errorf("%w: interval in %q out of range", ErrInvalidScheduleFormat, src)
		}
		d := time.Duration(n) * unit
		return Normalized{
			Kind:        KindInterval,
			Schedule:    cron.Every(d),
			Description: "every " + d.String(),
			Source:      src,
		}, nil
	}

	var dayWord, clock string
	switch {
	case everyDayRe.MatchString(s):
		m := everyDayRe.FindStringSubmatch(s)
		dayWord, clock = m[1], m[2]
	case atRe.MatchString(s):
		m := atRe.FindStringSubmatch(s)
		clock, dayWord = m[1], m[2]
		if dayWord == "" {
			dayWord = "day"
		}
	case onDayRe.MatchString(s):
		m := onDayRe.FindStringSubmatch(s)
		dayWord, clock = m[1], m[2]
	default:
		return Normalized{}, fmt.Errorf("%w: unrecognized phrase %q", ErrInvalidScheduleFormat, src)
	}

	dow, ok := lookupDay(dayWord)
	if !ok {
		return Normalized{}, fmt.Errorf("%w: unknown day %q", ErrInvalidScheduleFormat, dayWord)
	}
	h, mi, sec := 0, 0, 0
	if clock != "" {
		var err error
		h, mi, sec, err = parseClock(clock)
		if err != nil {
			return Normalized{}, fmt.Errorf("%w: %v", ErrInvalidScheduleFormat, err)
		}
	}

	spec := fmt.Sprintf("%d %d %d * * %s", sec, mi, h, dow)
	sched, err := p.cron.Parse(spec)
	if err != nil {
		return Normalized{}, fmt.Errorf("%w: %v", ErrInvalidScheduleFormat, err)
	}
	return Normalized{
		Kind:        KindCalendar,
		Schedule:    sched,
		Description: fmt.Sprintf("at %02d:%02d:%02d on %s", h, mi, sec, dayWord),
		Source:      src,
	}, nil
}

func unitOf(u string) time.Duration {
	switch {
	case strings.HasPrefix(u, "s"):
		return time.Second
	case strings.HasPrefix(u, "m"):
		return time.Minute
	case strings.HasPrefix(u, "h"):
		return time.Hour
	case strings.HasPrefix(u, "d"):
		return 24 * time.Hour
	default:
		return 7 * 24 * time.Hour
	}
}

func lookupDay(w string) (string, bool) {
	if v, ok := dayNames[w]; ok {
		return v, true
	}
	// plural forms: "mondays", "weekdays", "weekends"
	if strings.HasSuffix(w, "s") {
		if v, ok := dayNames[strings.TrimSuffix(w, "s")]; ok && w != "days" {
			return v, true
		}
	}
	return "", false
}

func parseClock(s string) (h, m, sec int, err error) {
	switch s {
	case "noon":
		return 12, 0, 0, nil
	case "midnight":
		return 0, 0, 0, nil
	}
	c := clockRe.FindStringSubmatch(s)
	if c == nil {
		return 0, 0, 0, fmt.Errorf("bad time of day %q", s)
	}
	h, _ = strconv.Atoi(c[1])
	if c[2] != "" {
		m, _ = strconv.Atoi(c[2])
	}
	if c[3] != "" {
		sec, _ = strconv.Atoi(c[3])
	}
	switch c[4] {
	case "am", "pm":
		if h < 1 || h > 12 {
			return 0, 0, 0, fmt.Errorf("bad hour %d in %q", h, s)
		}
		if c[4] == "am" && h == 12 {
			h = 0
		} else if c[4] == "pm" && h != 12 {
			h += 12
		}
	default:
		if c[2] == "" {
			return 0, 0, 0, fmt.Errorf("bad time of day %q", s)
		}
	}
	if h > 23 || m > 59 || sec > 59 {
		return 0, 0, 0, fmt.Errorf("time of day out of range %q", s)
	}
	return h, m, sec, nil
}
