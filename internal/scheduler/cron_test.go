package scheduler

import (
	"testing"
	"time"
)

func TestParseCronRejectsMalformed(t *testing.T) {
	for _, expr := range []string{
		"",
		"*/15 * *",
		"60 * * * *",
		"0 24 * * *",
		"30 6 32 * *",
		"30 6 * 13 *",
		"30 6 * * 7",
		"*/0 * * * *",
		"30-10 * * * *",
		"abc * * * *",
		"@yearly",
	} {
		if _, err := ParseCron(expr); err == nil {
			t.Errorf("ParseCron(%q) should fail", expr)
		}
	}
}

func TestDefaultSchedulesMatch(t *testing.T) {
	sch := DefaultSchedules()
	// Monday 2026-03-02.
	day := func(h, m int) time.Time { return time.Date(2026, 3, 2, h, m, 0, 0, time.UTC) }

	tests := []struct {
		name  string
		expr  string
		match []time.Time
		miss  []time.Time
	}{
		{JobEvaluatePending, sch.EvaluatePending, []time.Time{day(0, 0), day(9, 15), day(23, 45)}, []time.Time{day(9, 14), day(9, 50)}},
		{JobAbsorbSweep, sch.AbsorbSweep, []time.Time{day(0, 0), day(13, 0)}, []time.Time{day(13, 1), day(13, 30)}},
		{JobStagingExpiry, sch.StagingExpiry, []time.Time{day(10, 5), day(10, 55)}, []time.Time{day(10, 7)}},
		{JobCandidateDiscovery, sch.CandidateDiscovery, []time.Time{day(6, 30)}, []time.Time{day(6, 0), day(18, 30)}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			c, err := ParseCron(tc.expr)
			if err != nil {
				t.Fatalf("parse %q: %v", tc.expr, err)
			}
			if c.String() != tc.expr {
				t.Fatalf("String() = %q, want %q", c.String(), tc.expr)
			}
			for _, at := range tc.match {
				if !c.Matches(at) {
					t.Errorf("%q should match %s", tc.expr, at.Format("15:04"))
				}
			}
			for _, at := range tc.miss {
				if c.Matches(at) {
					t.Errorf("%q should not match %s", tc.expr, at.Format("15:04"))
				}
			}
		})
	}
}

func TestCronListsRangesAndWeekdays(t *testing.T) {
	// Working-hours sweep every 20 minutes, plus a 1st/15th report slot.
	c, err := ParseCron("0-40/20 9-17 * * 1-5")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	monday := time.Date(2026, 3, 2, 10, 20, 0, 0, time.UTC)
	saturday := time.Date(2026, 3, 7, 10, 20, 0, 0, time.UTC)
	if !c.Matches(monday) || c.Matches(saturday) || c.Matches(monday.Add(10*time.Minute)) {
		t.Fatalf("weekday range mismatch")
	}

	report, err := ParseCron("30 4 1,15 * *")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !report.Matches(time.Date(2026, 3, 15, 4, 30, 0, 0, time.UTC)) || report.Matches(time.Date(2026, 3, 2, 4, 30, 0, 0, time.UTC)) {
		t.Fatalf("list mismatch")
	}

	daily, err := ParseCron("@daily")
	if err != nil {
		t.Fatalf("parse alias: %v", err)
	}
	if !daily.Matches(time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)) || daily.String() != "@daily" {
		t.Fatalf("alias mismatch")
	}
}

func TestCronNext(t *testing.T) {
	sch := DefaultSchedules()
	tests := []struct {
		expr string
		from time.Time
		want time.Time
	}{
		{sch.EvaluatePending, time.Date(2026, 3, 2, 10, 14, 59, 0, time.UTC), time.Date(2026, 3, 2, 10, 15, 0, 0, time.UTC)},
		{sch.EvaluatePending, time.Date(2026, 3, 2, 10, 15, 0, 0, time.UTC), time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)},
		{sch.AbsorbSweep, time.Date(2026, 3, 2, 23, 30, 0, 0, time.UTC), time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)},
		{sch.CandidateDiscovery, time.Date(2026, 3, 2, 6, 31, 0, 0, time.UTC), time.Date(2026, 3, 3, 6, 30, 0, 0, time.UTC)},
		{"0 0 1 1 *", time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"0 0 31 2 *", time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), time.Time{}},
	}
	for _, tc := range tests {
		c, err := ParseCron(tc.expr)
		if err != nil {
			t.Fatalf("parse %q: %v", tc.expr, err)
		}
		if got := c.Next(tc.from); !got.Equal(tc.want) {
			t.Errorf("%q.Next(%s) = %s, want %s", tc.expr, tc.from.Format(time.RFC3339), got.Format(time.RFC3339), tc.want.Format(time.RFC3339))
		}
	}
}
