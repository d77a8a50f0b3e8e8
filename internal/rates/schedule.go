// Package rates resolves a time of day to an energy price.
//
// Rules are half-open [start, end) minute intervals that must partition the
// full 24-hour clock; this is validated once when the schedule is built, so a
// lookup always resolves to exactly one rule.
package rates

import (
	"fmt"
	"time"

	"metersim/config"
)

const minutesPerDay = 24 * 60

// Rule is a resolved rate rule: a price band over [Start, End) minutes of day.
type Rule struct {
	Name  string
	Price float64
	Start int
	End   int
}

type Schedule struct {
	rules []Rule
	// byMinute maps every minute of the day to an index into rules.
	byMinute [minutesPerDay]int
}

// NewSchedule parses and validates the configured rules. It fails when a rule
// has a malformed time, or when the rules overlap or leave a gap anywhere in
// the 24-hour clock.
func NewSchedule(rules []config.RateRule) (*Schedule, error) {
	if len(rules) == 0 {
		return nil, fmt.Errorf("rate schedule: no rules configured")
	}

	s := &Schedule{}
	owner := make([]int, minutesPerDay)
	for i := range owner {
		owner[i] = -1
	}

	for i, r := range rules {
		start, err := parseMinute(r.Start)
		if err != nil {
			return nil, fmt.Errorf("rate rule %q: bad start: %w", r.Name, err)
		}
		end, err := parseMinute(r.End)
		if err != nil {
			return nil, fmt.Errorf("rate rule %q: bad end: %w", r.Name, err)
		}
		if r.Price < 0 {
			return nil, fmt.Errorf("rate rule %q: negative price", r.Name)
		}
		s.rules = append(s.rules, Rule{Name: r.Name, Price: r.Price, Start: start, End: end})

		// End 00:00 means end of day; start >= end wraps past midnight.
		for m := start; ; m = (m + 1) % minutesPerDay {
			if owner[m] != -1 {
				return nil, fmt.Errorf("rate rules %q and %q overlap at %02d:%02d",
					rules[owner[m]].Name, r.Name, m/60, m%60)
			}
			owner[m] = i
			if (m+1)%minutesPerDay == end {
				break
			}
		}
	}

	for m, idx := range owner {
		if idx == -1 {
			return nil, fmt.Errorf("rate rules leave a gap at %02d:%02d", m/60, m%60)
		}
		s.byMinute[m] = idx
	}

	return s, nil
}

// RuleAt returns the rule covering the given wall-clock instant.
func (s *Schedule) RuleAt(t time.Time) Rule {
	return s.rules[s.byMinute[t.Hour()*60+t.Minute()]]
}

// PriceAt returns the price per kWh at the given wall-clock instant.
func (s *Schedule) PriceAt(t time.Time) float64 {
	return s.RuleAt(t).Price
}

// Rules returns the parsed rules in declaration order.
func (s *Schedule) Rules() []Rule {
	return s.rules
}

func parseMinute(hhmm string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(hhmm, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("expected HH:MM, got %q", hhmm)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("time %q out of range", hhmm)
	}
	return h*60 + m, nil
}
