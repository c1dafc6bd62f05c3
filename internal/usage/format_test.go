package usage

import "testing"

func TestFormatBudgetUsed(t *testing.T) {
	cases := []struct {
		spent, max float64
		want       string
	}{
		{0.0001, 10, "0.00% of budget"},
		{0.5, 10, "5.0% of budget"},
		{9, 10, "90% of budget"},
		{3, 0, "$3.0000"},
	}
	for _, c := range cases {
		got := FormatBudgetUsed(c.spent, c.max)
		if got != c.want {
			t.Errorf("FormatBudgetUsed(%v, %v) = %q, want %q", c.spent, c.max, got, c.want)
		}
	}
}

func TestFormatElapsed(t *testing.T) {
	cases := []struct {
		ms   int64
		want string
	}{
		{500, "500ms"},
		{1500, "1.5s"},
		{90000, "1.5m"},
		{7200000, "2.0h"},
	}
	for _, c := range cases {
		got := FormatElapsed(c.ms)
		if got != c.want {
			t.Errorf("FormatElapsed(%d) = %q, want %q", c.ms, got, c.want)
		}
	}
}
