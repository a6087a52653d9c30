package main

import (
	"fmt"
	"time"

	"github.com/chaserhq/chaser/db"
)

// truncate shortens a string to n runes for fixed-width listings
func truncate(s string, n int) string {
	if n <= 3 {
		n = 4
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-3]) + "..."
}

// formatWhen formats an optional timestamp in local time
func formatWhen(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

// reminderProgress formats sent-vs-cap, e.g. "1/3" or "2" when uncapped
func reminderProgress(te *db.TrackedEmail) string {
	if te.MaxReminders == nil {
		return fmt.Sprintf("%d", te.ReminderCount)
	}
	return fmt.Sprintf("%d/%d", te.ReminderCount, *te.MaxReminders)
}
