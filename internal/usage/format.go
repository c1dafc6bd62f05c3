package usage

import "fmt"

// FormatBudgetUsed renders spentUSD against a session's max_cost_usd
// limit as a percentage, scaling the precision down as the number
// grows so a near-zero spend doesn't round away to "0%".
func FormatBudgetUsed(spentUSD, maxUSD float64) string {
	if maxUSD <= 0 {
		return fmt.Sprintf("$%.4f", spentUSD)
	}
	pct := spentUSD / maxUSD * 100
	switch {
	case pct < 1:
		return fmt.Sprintf("%.2f%% of budget", pct)
	case pct < 10:
		return fmt.Sprintf("%.1f%% of budget", pct)
	default:
		return fmt.Sprintf("%.0f%% of budget", pct)
	}
}

// FormatElapsed renders a session's wall-clock duration, widening the
// unit as the run grows so a long-lived session prints minutes or
// hours instead of a six-digit millisecond count.
func FormatElapsed(elapsedMS int64) string {
	switch {
	case elapsedMS < 1000:
		return fmt.Sprintf("%dms", elapsedMS)
	case elapsedMS < 60000:
		return fmt.Sprintf("%.1fs", float64(elapsedMS)/1000)
	case elapsedMS < 3600000:
		return fmt.Sprintf("%.1fm", float64(elapsedMS)/60000)
	default:
		return fmt.Sprintf("%.1fh", float64(elapsedMS)/3600000)
	}
}
