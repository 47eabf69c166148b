package utils

import "time"

func NowUTC() time.Time {
	return time.Now().UTC()
}

// HourBucket collapses a timestamp to its UTC hour, for idempotency keys
// that must repeat within the same hour.
func HourBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02T15")
}

// DayBucket collapses a timestamp to its UTC day.
func DayBucket(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
