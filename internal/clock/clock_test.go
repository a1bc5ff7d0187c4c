package clock

import (
	"testing"
	"time"
)

func atHour(hour int) time.Time {
	return time.Date(2026, 3, 10, hour, 30, 0, 0, time.UTC)
}

func TestIsWithinQuietHours_Wraparound(t *testing.T) {
	// Window 21:00-09:00 crosses midnight.
	cases := []struct {
		hour int
		want bool
	}{
		{22, true},
		{8, true},
		{10, false},
		{20, false},
		{21, true},
		{9, false},
		{0, true},
	}

	for _, tc := range cases {
		got := IsWithinQuietHours(atHour(tc.hour), time.UTC, 21, 9)
		if got != tc.want {
			t.Errorf("hour=%d: got %v, want %v", tc.hour, got, tc.want)
		}
	}
}

func TestIsWithinQuietHours_NormalRange(t *testing.T) {
	// Window 9:00-17:00 does not cross midnight.
	if !IsWithinQuietHours(atHour(12), time.UTC, 9, 17) {
		t.Error("hour=12 should be inside 9-17 window")
	}
	if IsWithinQuietHours(atHour(18), time.UTC, 9, 17) {
		t.Error("hour=18 should be outside 9-17 window")
	}
}

func TestNextAllowedSendTime_Evening(t *testing.T) {
	// 22:30 inside the 21-9 window: next allowed is 09:00 tomorrow.
	now := atHour(22)
	next := NextAllowedSendTime(now, time.UTC, 21, 9)

	want := time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("got %v, want %v", next, want)
	}
}

func TestNextAllowedSendTime_Morning(t *testing.T) {
	// 08:30: next allowed is 09:00 the same day.
	now := atHour(8)
	next := NextAllowedSendTime(now, time.UTC, 21, 9)

	want := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("got %v, want %v", next, want)
	}
}

func TestNextAllowedSendTime_OutsideWindow(t *testing.T) {
	now := atHour(11)
	if got := NextAllowedSendTime(now, time.UTC, 21, 9); !got.Equal(now) {
		t.Errorf("outside quiet hours should return now, got %v", got)
	}
}

func TestWarmupLimit(t *testing.T) {
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	cases := []struct {
		daysLater int
		want      int
	}{
		{0, 50},
		{1, 100},
		{2, 200},
		{3, 300},
		{30, 300},
	}

	for _, tc := range cases {
		now := start.AddDate(0, 0, tc.daysLater)
		if got := WarmupLimit(start, now); got != tc.want {
			t.Errorf("day %d: got %d, want %d", tc.daysLater, got, tc.want)
		}
	}
}

func TestSuppressionEnds(t *testing.T) {
	sent := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	want := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	if got := SuppressionEnds(sent); !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestStartOfDayAndMonth(t *testing.T) {
	loc := LoadLocation("Australia/Sydney")
	// 2026-03-10 01:00 UTC is 2026-03-10 12:00 in Sydney (AEDT, +11).
	now := time.Date(2026, 3, 10, 1, 0, 0, 0, time.UTC)

	day := StartOfDay(now, loc)
	if day.In(loc).Hour() != 0 || day.In(loc).Day() != 10 {
		t.Errorf("unexpected start of day: %v", day.In(loc))
	}

	month := StartOfMonth(now, loc)
	if month.In(loc).Day() != 1 || month.In(loc).Month() != time.March {
		t.Errorf("unexpected start of month: %v", month.In(loc))
	}
}

func TestLoadLocation_Fallback(t *testing.T) {
	if LoadLocation("Not/AZone") == nil {
		t.Fatal("expected fallback location")
	}
	if LoadLocation("") == nil {
		t.Fatal("expected default location")
	}
}
