package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRecurrencePhrase(t *testing.T) {
	t.Parallel()
	p := NewParser()
	tests := []struct {
		phrase string
		kind   Kind
		next   time.Time
	}{
		{"every 5 seconds", KindInterval, refNow.Add(5 * time.Second)},
		{"every second", KindInterval, refNow.Add(time.Second)},
		{"every 10 mins", KindInterval, refNow.Add(10 * time.Minute)},
		{"Every 3 Hours", KindInterval, refNow.Add(3 * time.Hour)},
		{"every 2 days", KindInterval, refNow.Add(48 * time.Hour)},
		{"every week", KindInterval, refNow.Add(7 * 24 * time.Hour)},
		{"every 90s", KindInterval, refNow.Add(90 * time.Second)},
		{"every day at 10:15", KindCalendar, time.Date(2026, 3, 10, 10, 15, 0, 0, time.UTC)},
		{"every day at 7am", KindCalendar, time.Date(2026, 3, 11, 7, 0, 0, 0, time.UTC)},
		{"every weekday at 9:30:15 am", KindCalendar, time.Date(2026, 3, 10, 9, 30, 15, 0, time.UTC)},
		{"every weekend at noon", KindCalendar, time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)},
		{"every friday", KindCalendar, time.Date(2026, 3, 13, 0, 0, 0, 0, time.UTC)},
		{"at 12:00am", KindCalendar, time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)},
		{"at 17:45 on mondays", KindCalendar, time.Date(2026, 3, 16, 17, 45, 0, 0, time.UTC)},
		{"on Wednesday at 6pm", KindCalendar, time.Date(2026, 3, 11, 18, 0, 0, 0, time.UTC)},
		{"sundays at midnight", KindCalendar, time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.phrase, func(t *testing.T) {
			t.Parallel()
			n, err := p.ParseRecurrencePhrase(tt.phrase)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, n.Kind)
			assert.True(t, n.Recurring())
			assert.Equal(t, tt.next, n.Next(refNow))
		})
	}
}

func TestParseRecurrencePhraseInvalid(t *testing.T) {
	t.Parallel()
	p := NewParser()
	for _, in := range []string{
		"invalid expression",
		"every 0 minutes",
		"every 100ms",
		"every someday",
		"at 9",
		"on funday at 10:00",
		"at 10:61",
		"every 9999999999 weeks",
		"every 2562048 hours",
	} {
		_, err := p.ParseRecurrencePhrase(in)
		require.ErrorIs(t, err, ErrInvalidScheduleFormat, in)
	}
}

func TestParseCronDescriptorEvery(t *testing.T) {
	t.Parallel()
	n, err := NewParser().ParseCron("@every 1m30s")
	require.NoError(t, err)
	assert.Equal(t, KindInterval, n.Kind)
	assert.Equal(t, "every 1m30s", n.Description)
}

func TestParseClock(t *testing.T) {
	t.Parallel()
	h, m, s, err := parseClock("11:05:09 pm")
	require.NoError(t, err)
	assert.Equal(t, []int{23, 5, 9}, []int{h, m, s})

	_, _, _, err = parseClock("24:00")
	require.Error(t, err)
}
