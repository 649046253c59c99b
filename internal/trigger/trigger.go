package trigger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalid is returned for trigger specifications that cannot be armed.
var ErrInvalid = errors.New("invalid trigger")

type Kind string

const (
	KindInterval Kind = "interval"
	KindCron     Kind = "cron"
	KindDate     Kind = "date"
)

// Spec is the stored form of a trigger.
//
// Interval triggers accept either unit+amount:
//
//	{"type":"interval","unit":"minutes","amount":5}
//
// or per-unit fields which are summed:
//
//	{"type":"interval","hours":1,"minutes":30}
//
// Cron triggers carry a 5 or 6 field expression (or a descriptor like @hourly):
//
//	{"type":"cron","expression":"*/15 * * * *","timezone":"Europe/Rome"}
//
// Date triggers fire once:
//
//	{"type":"date","run_at":"2026-01-02T15:04:05Z"}
type Spec struct {
	Type Kind `json:"type"`

	Unit   string `json:"unit,omitempty"`
	Amount int64  `json:"amount,omitempty"`

	Weeks   int64 `json:"weeks,omitempty"`
	Days    int64 `json:"days,omitempty"`
	Hours   int64 `json:"hours,omitempty"`
	Minutes int64 `json:"minutes,omitempty"`
	Seconds int64 `json:"seconds,omitempty"`

	Expression string `json:"expression,omitempty"`
	Timezone   string `json:"timezone,omitempty"`

	RunAt string `json:"run_at,omitempty"`
}

var units = map[string]time.Duration{
	"second": time.Second,
	"minute": time.Minute,
	"hour":   time.Hour,
	"day":    24 * time.Hour,
	"week":   7 * 24 * time.Hour,
}

// cronParser accepts an optional seconds field plus descriptors (@daily, @every 5m).
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// cronHorizon bounds the search for a first occurrence. robfig/cron gives up
// after five years and returns the zero time for impossible expressions.
const cronHorizon = 5 * 365 * 24 * time.Hour

// maxInterval keeps interval arithmetic far from int64 overflow.
const maxInterval = 100 * 365 * 24 * time.Hour

// Parse turns spec into a schedule whose Next(after) is the next fire time
// strictly after after, or the zero time when the trigger is exhausted.
// loc applies to cron triggers that carry no timezone of their own.
func Parse(spec *Spec, loc *time.Location) (cron.Schedule, error) {
	if spec == nil {
		return nil, fmt.Errorf("%w: missing trigger", ErrInvalid)
	}
	if loc == nil {
		loc = time.Local
	}
	switch Kind(strings.ToLower(strings.TrimSpace(string(spec.Type)))) {
	case KindInterval:
		d, err := spec.interval()
		if err != nil {
			return nil, err
		}
		return Every(d), nil
	case KindCron:
		return parseCron(spec, loc)
	case KindDate:
		at, err := time.Parse(time.RFC3339, strings.TrimSpace(spec.RunAt))
		if err != nil {
			return nil, fmt.Errorf("%w: run_at: %v", ErrInvalid, err)
		}
		return Once(at), nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrInvalid)
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalid, spec.Type)
	}
}

// Validate reports whether spec can be parsed.
func Validate(spec *Spec, loc *time.Location) error {
	_, err := Parse(spec, loc)
	return err
}

func (s *Spec) interval() (time.Duration, error) {
	var d time.Duration
	if u := strings.TrimSpace(s.Unit); u != "" {
		base, ok := units[strings.TrimSuffix(strings.ToLower(u), "s")]
		if !ok {
			return 0, fmt.Errorf("%w: unknown interval unit %q", ErrInvalid, s.Unit)
		}
		if s.Amount <= 0 {
			return 0, fmt.Errorf("%w: interval amount must be > 0", ErrInvalid)
		}
		if s.Amount > int64(maxInterval/base) {
			return 0, fmt.Errorf("%w: interval exceeds %s", ErrInvalid, maxInterval)
		}
		d += time.Duration(s.Amount) * base
	}
	for _, p := range []struct {
		n    int64
		unit time.Duration
	}{
		{s.Weeks, units["week"]},
		{s.Days, units["day"]},
		{s.Hours, time.Hour},
		{s.Minutes, time.Minute},
		{s.Seconds, time.Second},
	} {
		if p.n < 0 {
			return 0, fmt.Errorf("%w: negative interval field", ErrInvalid)
		}
		if p.n > int64(maxInterval/p.unit) {
			return 0, fmt.Errorf("%w: interval exceeds %s", ErrInvalid, maxInterval)
		}
		d += time.Duration(p.n) * p.unit
		if d > maxInterval {
			return 0, fmt.Errorf("%w: interval exceeds %s", ErrInvalid, maxInterval)
		}
	}
	if d <= 0 {
		return 0, fmt.Errorf("%w: interval must be > 0", ErrInvalid)
	}
	return d, nil
}

func parseCron(spec *Spec, loc *time.Location) (cron.Schedule, error) {
	expr := strings.TrimSpace(spec.Expression)
	if expr == "" {
		return nil, fmt.Errorf("%w: empty cron expression", ErrInvalid)
	}
	if tz := strings.TrimSpace(spec.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("%w: timezone: %v", ErrInvalid, err)
		}
		loc = l
	}
	if strings.HasPrefix(expr, "TZ=") || strings.HasPrefix(expr, "CRON_TZ=") {
		return nil, fmt.Errorf("%w: use the timezone field instead of a TZ= prefix", ErrInvalid)
	}
	sched, err := cronParser.Parse("CRON_TZ=" + loc.String() + " " + expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	// Expressions like "0 0 30 2 *" parse but never match.
	now := time.Now()
	if next := sched.Next(now); next.IsZero() || next.Sub(now) > cronHorizon {
		return nil, fmt.Errorf("%w: cron expression %q never fires", ErrInvalid, expr)
	}
	return sched, nil
}

// Every is a fixed interval schedule. Unlike cron.Every it keeps sub-second
// precision and never rounds.
type Every time.Duration

func (e Every) Next(t time.Time) time.Time { return t.Add(time.Duration(e)) }

// Once fires a single time.
type Once time.Time

func (o Once) Next(t time.Time) time.Time {
	at := time.Time(o)
	if at.After(t) {
		return at
	}
	return time.Time{}
}

// Fingerprint identifies a trigger's semantics. Two specs with equal
// fingerprints produce the same fire times.
func Fingerprint(spec *Spec, loc *time.Location) string {
	if spec == nil {
		return ""
	}
	var buf bytes.Buffer
	_ = json.NewEncoder(&buf).Encode(spec)
	if loc != nil {
		buf.WriteString(loc.String())
	}
	h := fnv.New64a()
	_, _ = h.Write(buf.Bytes())
	return fmt.Sprintf("%016x", h.Sum64())
}
