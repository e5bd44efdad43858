package ticker

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// NextRun computes the next occurrence for a recurrence spec, as epoch
// seconds after the given instant. Supported forms:
//
//	""                one-shot, no next occurrence
//	"every:<seconds>" fixed interval
//	"cron:<expr>"     five-field cron expression
func NextRun(recurrence string, after time.Time) (int64, error) {
	if recurrence == "" {
		return 0, nil
	}

	switch {
	case strings.HasPrefix(recurrence, "every:"):
		seconds, err := strconv.ParseInt(strings.TrimPrefix(recurrence, "every:"), 10, 64)
		if err != nil || seconds <= 0 {
			return 0, fmt.Errorf("invalid interval in %q", recurrence)
		}
		return after.Unix() + seconds, nil

	case strings.HasPrefix(recurrence, "cron:"):
		expr := strings.TrimPrefix(recurrence, "cron:")
		parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
		sched, err := parser.Parse(expr)
		if err != nil {
			return 0, fmt.Errorf("invalid cron expression %q: %w", expr, err)
		}
		return sched.Next(after).Unix(), nil

	default:
		return 0, fmt.Errorf("unknown recurrence form %q", recurrence)
	}
}

// ValidateRecurrence checks a recurrence spec without computing a time.
func ValidateRecurrence(recurrence string) error {
	_, err := NextRun(recurrence, time.Now())
	return err
}
