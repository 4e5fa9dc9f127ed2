package emitter

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// scheduleRule is one config entry: a cron expression (and optional
// timezone), or a one-shot ISO-8601 timestamp (and optional timezone
// used to interpret it when it carries no offset of its own).
type scheduleRule struct {
	Cron     string
	Timezone string
	ISO      string
}

// Schedule is the shared-worker cron/one-shot emitter: a single
// goroutine ticks every wall-clock minute for the whole process,
// because the heartbeat itself doesn't depend on any workflow's rule
// set. Each subscribed workflow's rules are matched independently in
// Payload.
type Schedule struct {
	parser cron.Parser
}

func NewSchedule() *Schedule {
	return &Schedule{parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)}
}

func (s *Schedule) Identity() string {
	return "schedule"
}

// WorkerConfig is always nil: every schedule subscriber shares the
// one per-process minute ticker, independent of its own rule set.
func (s *Schedule) WorkerConfig(eventName string, config interface{}) (interface{}, error) {
	rules, err := s.parseRules(config)
	if err != nil {
		return nil, &ConfigError{EventName: eventName, Err: err}
	}
	for _, r := range rules {
		if r.Cron != "" {
			if _, err := s.parser.Parse(r.Cron); err != nil {
				return nil, &ConfigError{EventName: eventName, Err: fmt.Errorf("invalid cron %q: %w", r.Cron, err)}
			}
		}
		if r.Timezone != "" {
			if _, err := time.LoadLocation(r.Timezone); err != nil {
				return nil, &ConfigError{EventName: eventName, Err: fmt.Errorf("invalid timezone %q: %w", r.Timezone, err)}
			}
		}
	}
	return nil, nil
}

// Events yields the current UTC timestamp (RFC3339) at every wall-clock
// transition into a new minute, sleeping 1 second between checks to
// avoid drift (a full-minute sleep would eventually drift).
func (s *Schedule) Events(ctx context.Context, workerArgs interface{}) <-chan Event {
	ch := make(chan Event)

	go func() {
		defer close(ch)
		previous := time.Now().UTC().Truncate(time.Minute)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				now := time.Now().UTC()
				truncated := now.Truncate(time.Minute)
				if !truncated.Equal(previous) {
					previous = truncated
					select {
					case <-ctx.Done():
						return
					case ch <- Event{Args: now.Format(time.RFC3339)}:
					}
				}
			}
		}
	}()

	return ch
}

// Payload checks now_utc against every configured rule in turn: a
// cron rule matches when its schedule fires at the start of the minute
// now falls in (evaluated in the rule's timezone, UTC by default); an
// iso rule matches when it equals now at minute precision. The first
// matching rule wins.
func (s *Schedule) Payload(config interface{}, eventArgs interface{}) (interface{}, error) {
	rules, err := s.parseRules(config)
	if err != nil {
		return nil, err
	}

	nowUTCStr, ok := eventArgs.(string)
	if !ok {
		return nil, fmt.Errorf("expected an RFC3339 timestamp, got %T", eventArgs)
	}
	nowUTC, err := time.Parse(time.RFC3339, nowUTCStr)
	if err != nil {
		return nil, fmt.Errorf("malformed timestamp %q: %w", nowUTCStr, err)
	}

	for _, rule := range rules {
		tzName := rule.Timezone
		if tzName == "" {
			tzName = "UTC"
		}
		loc, err := time.LoadLocation(tzName)
		if err != nil {
			return nil, &ConfigError{Err: fmt.Errorf("invalid timezone %q: %w", tzName, err)}
		}
		now := nowUTC.In(loc)

		if rule.Cron != "" {
			matched, err := s.cronMatches(rule.Cron, now)
			if err != nil {
				return nil, err
			}
			if matched {
				return payloadForTime(now), nil
			}
			continue
		}

		if rule.ISO != "" {
			matched, err := isoMatches(rule.ISO, loc, now)
			if err != nil {
				return nil, err
			}
			if matched {
				return payloadForTime(now), nil
			}
		}
	}

	return nil, &NotSatisfiedError{Reason: "no schedule rule matched"}
}

// cronMatches reports whether spec would trigger exactly at the
// minute boundary now falls on, by asking the parsed schedule for its
// next activation starting one tick before that boundary and checking
// it lands there.
func (s *Schedule) cronMatches(spec string, now time.Time) (bool, error) {
	schedule, err := s.parser.Parse(spec)
	if err != nil {
		return false, &ConfigError{Err: fmt.Errorf("invalid cron %q: %w", spec, err)}
	}
	boundary := now.Truncate(time.Minute)
	next := schedule.Next(boundary.Add(-time.Second))
	return next.Equal(boundary), nil
}

func isoMatches(iso string, loc *time.Location, now time.Time) (bool, error) {
	parsed, err := time.ParseInLocation(time.RFC3339, iso, loc)
	if err != nil {
		parsed, err = time.ParseInLocation("2006-01-02T15:04:05", iso, loc)
		if err != nil {
			return false, fmt.Errorf("malformed iso timestamp %q: %w", iso, err)
		}
	}
	return parsed.Truncate(time.Minute).Equal(now.Truncate(time.Minute)), nil
}

func payloadForTime(now time.Time) map[string]interface{} {
	return map[string]interface{}{
		"iso": now.Format(time.RFC3339),
		"m":   int64(now.Minute()),
		"h":   int64(now.Hour()),
		"dom": int64(now.Day()),
		"mon": int64(now.Month()),
		"dow": int64(isoWeekday(now)),
	}
}

// isoWeekday returns Mon=1 ... Sun=7, matching Python's isoweekday().
func isoWeekday(t time.Time) int {
	wd := int(t.Weekday())
	if wd == 0 {
		return 7
	}
	return wd
}

func (s *Schedule) parseRules(config interface{}) ([]scheduleRule, error) {
	list, ok := config.([]interface{})
	if !ok {
		return nil, fmt.Errorf("schedule config must be a list of rules, got %T", config)
	}

	rules := make([]scheduleRule, 0, len(list))
	for _, item := range list {
		entry, ok := item.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("schedule rule must be an object, got %T", item)
		}
		var rule scheduleRule
		if v, ok := entry["cron"].(string); ok {
			rule.Cron = v
		}
		if v, ok := entry["timezone"].(string); ok {
			rule.Timezone = v
		}
		if v, ok := entry["iso"].(string); ok {
			rule.ISO = v
		}
		if rule.Cron == "" && rule.ISO == "" {
			return nil, fmt.Errorf("schedule rule must set cron or iso")
		}
		rules = append(rules, rule)
	}
	return rules, nil
}
