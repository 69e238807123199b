package aggregation

import (
	"fmt"
	"time"
)

type Granularity string

const (
	Hour  Granularity = "hour"
	Day   Granularity = "day"
	Week  Granularity = "week"
	Month Granularity = "month"
)

// DefaultGranularity is used when a metric key does not name one.
const DefaultGranularity = Day

func ParseGranularity(s string) (Granularity, error) {
	switch g := Granularity(s); g {
	case "":
		return DefaultGranularity, nil
	case Hour, Day, Week, Month:
		return g, nil
	default:
		return "", fmt.Errorf("%w: unknown granularity %q", ErrInvalidKey, s)
	}
}

// Period is one bucket of a granularity, identified by its UTC start.
type Period struct {
	Granularity Granularity
	Start       time.Time
}

// BucketFor returns the bucket of granularity g containing t. Weeks start
// on Monday.
func BucketFor(g Granularity, t time.Time) Period {
	t = t.UTC()
	var start time.Time
	switch g {
	case Hour:
		start = t.Truncate(time.Hour)
	case Week:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7
		start = day.AddDate(0, 0, -offset)
	case Month:
		start = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		g = Day
		start = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
	return Period{Granularity: g, Start: start}
}

func (p Period) End() time.Time {
	switch p.Granularity {
	case Hour:
		return p.Start.Add(time.Hour)
	case Week:
		return p.Start.AddDate(0, 0, 7)
	case Month:
		return p.Start.AddDate(0, 1, 0)
	default:
		return p.Start.AddDate(0, 0, 1)
	}
}

// Label renders the bucket as granularity:start, e.g. day:2026-10-17.
func (p Period) Label() string {
	switch p.Granularity {
	case Hour:
		return "hour:" + p.Start.Format("2006-01-02T15")
	case Month:
		return "month:" + p.Start.Format("2006-01")
	default:
		return string(p.Granularity) + ":" + p.Start.Format("2006-01-02")
	}
}
