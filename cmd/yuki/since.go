package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

var naturalTime = newNaturalTime()

func newNaturalTime() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}

// parseSince turns a --since argument into an absolute time. It accepts a
// Go duration counted back from now ("90m"), an RFC 3339 time, a date
// ("2024-05-01"), or an English phrase ("yesterday", "3 days ago").
func parseSince(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty --since")
	}

	if d, err := time.ParseDuration(s); err == nil {
		if d < 0 {
			d = -d
		}
		return now.Add(-d), nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	if t, err := time.ParseInLocation(time.DateOnly, s, now.Location()); err == nil {
		return t, nil
	}

	r, err := naturalTime.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("cannot parse --since %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("cannot parse --since %q", s)
	}
	return r.Time, nil
}
