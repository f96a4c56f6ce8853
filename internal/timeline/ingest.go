package timeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/mrcode/therapy-settings/internal/errors"
	"github.com/mrcode/therapy-settings/internal/models"
)

// RawEvent is one already-decoded device data record
type RawEvent map[string]interface{}

// RawNote is one already-decoded message record
type RawNote map[string]interface{}

// Type returns the event type discriminator
func (e RawEvent) Type() string {
	s, _ := e["type"].(string)
	return s
}

// SubType returns the event subType, if any
func (e RawEvent) SubType() string {
	s, _ := e["subType"].(string)
	return s
}

// DuplicatePolicy decides what happens to events sharing a timestamp within one timeline
type DuplicatePolicy int

const (
	// KeepAll keeps every event, in ingestion order
	KeepAll DuplicatePolicy = iota
	// KeepFirst keeps the first event seen at a timestamp
	KeepFirst
	// KeepLast keeps the last event seen at a timestamp
	KeepLast
	// Reject fails ingestion on a duplicate timestamp
	Reject
)

// ParseDuplicatePolicy parses a policy name
func ParseDuplicatePolicy(s string) (DuplicatePolicy, error) {
	switch strings.ToLower(s) {
	case "", "keep_all", "all":
		return KeepAll, nil
	case "keep_first", "first":
		return KeepFirst, nil
	case "keep_last", "last":
		return KeepLast, nil
	case "reject":
		return Reject, nil
	}
	return KeepAll, fmt.Errorf("unknown duplicate policy %q", s)
}

// IngestOptions controls how raw events are turned into timelines
type IngestOptions struct {
	Duplicates DuplicatePolicy
	// IgnoreTypes lists event types the caller knowingly skips, either a
	// bare type ("upload") or type/subType ("deviceEvent/alarm").
	IgnoreTypes []string
	// Demographics are attached to the user unchanged
	Demographics models.Demographics
}

func (o IngestOptions) ignores(e RawEvent) bool {
	typ, sub := e.Type(), e.SubType()
	for _, t := range o.IgnoreTypes {
		if t == typ || (sub != "" && t == typ+"/"+sub) {
			return true
		}
	}
	return false
}

// Ingestion sentinels
var (
	ErrUnknownType        = errors.New("unknown event type")
	ErrMissingField       = errors.New("missing field")
	ErrDuplicateTimestamp = errors.New("duplicate timestamp")
)

// IngestError identifies the record that stopped ingestion
type IngestError struct {
	Index int // position in the input list; -1 when not tied to one record
	Type  string
	Err   error
}

func (e *IngestError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("ingesting %s: %v", e.Type, e.Err)
	}
	return fmt.Sprintf("ingesting event %d (%s): %v", e.Index, e.Type, e.Err)
}

// Unwrap returns the underlying cause
func (e *IngestError) Unwrap() error {
	return e.Err
}

// Kind implements errors.Kinder
func (e *IngestError) Kind() apperrors.Kind {
	return apperrors.KindIngestion
}

type staged[T any] struct {
	entries []Entry[T]
	index   []int
}

func (s *staged[T]) add(t time.Time, v T, idx int) {
	s.entries = append(s.entries, Entry[T]{Time: t, Value: v})
	s.index = append(s.index, idx)
}

// build sorts the staged entries and applies the duplicate policy
func (s *staged[T]) build(name string, policy DuplicatePolicy) (Timeline[T], error) {
	order := make([]int, len(s.entries))
	for i := range order {
		order[i] = i
	}
	sortStable(order, func(a, b int) bool {
		return s.entries[a].Time.Before(s.entries[b].Time)
	})

	out := make([]Entry[T], 0, len(order))
	for _, i := range order {
		e := s.entries[i]
		if n := len(out); n > 0 && out[n-1].Time.Equal(e.Time) {
			switch policy {
			case KeepFirst:
				continue
			case KeepLast:
				out[n-1] = e
				continue
			case Reject:
				return Timeline[T]{}, &IngestError{
					Index: s.index[i],
					Type:  name,
					Err:   fmt.Errorf("%w at %s", ErrDuplicateTimestamp, e.Time.Format(time.RFC3339Nano)),
				}
			}
		}
		out = append(out, e)
	}
	return Timeline[T]{entries: out}, nil
}

// Ingest builds a user record from raw device events and optional notes.
// A nil notes slice skips note parsing. Any unrecognized or malformed record
// fails the whole ingestion; no partial user is returned.
func Ingest(id string, events []RawEvent, notes []RawNote, opts IngestOptions) (*User, error) {
	var (
		glucose   staged[models.Glucose]
		bolus     staged[models.Bolus]
		basal     staged[models.Basal]
		carbs     staged[models.Carb]
		zones     staged[models.TimeZoneChange]
		reservoir staged[models.ReservoirChange]
		noteTL    staged[models.Note]
	)
	ignored := 0

	for i, ev := range events {
		if opts.ignores(ev) {
			ignored++
			continue
		}

		typ := ev.Type()
		fail := func(err error) error {
			return &IngestError{Index: i, Type: typ, Err: err}
		}

		ts, err := eventTime(ev, "time")
		if err != nil {
			return nil, fail(err)
		}

		switch typ {
		case "smbg", "cbg":
			source := models.SourceManual
			if typ == "cbg" {
				source = models.SourceCGM
			}
			value, err := number(ev, "value")
			if err != nil {
				return nil, fail(err)
			}
			units, err := str(ev, "units")
			if err != nil {
				return nil, fail(err)
			}
			g, err := models.NewGlucose(value, units, source)
			if err != nil {
				return nil, fail(err)
			}
			glucose.add(ts, g, i)

		case "food":
			c, err := parseFood(ev)
			if err != nil {
				return nil, fail(err)
			}
			carbs.add(ts, c, i)

		case "basal":
			b, err := parseBasal(ev)
			if err != nil {
				return nil, fail(err)
			}
			basal.add(ts, b, i)

		case "bolus":
			b, err := parseBolus(ev)
			if err != nil {
				return nil, fail(err)
			}
			bolus.add(ts, b, i)

		case "deviceEvent":
			switch {
			case ev.SubType() == "reservoirChange":
				reservoir.add(ts, models.ReservoirChange{}, i)
			case ev.SubType() == "timeChange" || ev["from"] != nil:
				from, err := str(ev, "from", "timeZoneName")
				if err != nil {
					return nil, fail(err)
				}
				to, err := str(ev, "to", "timeZoneName")
				if err != nil {
					return nil, fail(err)
				}
				zones.add(ts, models.TimeZoneChange{From: from, To: to}, i)
			default:
				return nil, fail(fmt.Errorf("%w: deviceEvent/%s", ErrUnknownType, ev.SubType()))
			}

		default:
			return nil, fail(fmt.Errorf("%w: %q", ErrUnknownType, typ))
		}
	}

	if notes != nil {
		for i, raw := range notes {
			n, err := parseNote(raw)
			if err != nil {
				return nil, &IngestError{Index: i, Type: "note", Err: err}
			}
			noteTL.add(n.Timestamp(), n, i)
		}
	}

	u := &User{ID: id, Demographics: opts.Demographics}
	var err error
	if u.Glucose, err = glucose.build("glucose", opts.Duplicates); err != nil {
		return nil, err
	}
	if u.Bolus, err = bolus.build("bolus", opts.Duplicates); err != nil {
		return nil, err
	}
	if u.Basal, err = basal.build("basal", opts.Duplicates); err != nil {
		return nil, err
	}
	if u.Carbs, err = carbs.build("food", opts.Duplicates); err != nil {
		return nil, err
	}
	if u.TimeZoneChanges, err = zones.build("timeChange", opts.Duplicates); err != nil {
		return nil, err
	}
	if u.ReservoirChanges, err = reservoir.build("reservoirChange", opts.Duplicates); err != nil {
		return nil, err
	}
	// Several notes may legitimately share a timestamp
	if u.Notes, err = noteTL.build("note", KeepAll); err != nil {
		return nil, err
	}

	log.Debug().
		Str("user", id).
		Int("events", len(events)).
		Int("ignored", ignored).
		Int("glucose", u.Glucose.Len()).
		Int("bolus", u.Bolus.Len()).
		Int("basal", u.Basal.Len()).
		Int("carbs", u.Carbs.Len()).
		Int("notes", u.Notes.Len()).
		Msg("ingested user")

	return u, nil
}

func parseFood(ev RawEvent) (models.Carb, error) {
	grams, err := number(ev, "nutrition", "carbohydrate", "net")
	if err != nil {
		return models.Carb{}, err
	}
	units, err := str(ev, "nutrition", "carbohydrate", "units")
	if err != nil {
		return models.Carb{}, err
	}

	var absorption time.Duration
	if _, ok := lookup(ev, "nutrition", "estimatedAbsorptionDuration"); ok {
		secs, err := number(ev, "nutrition", "estimatedAbsorptionDuration")
		if err != nil {
			return models.Carb{}, err
		}
		absorption = time.Duration(secs * float64(time.Second))
	}

	return models.NewCarb(grams, units, absorption)
}

func parseBasal(ev RawEvent) (models.Basal, error) {
	durationMs, err := number(ev, "duration")
	if err != nil {
		return models.Basal{}, err
	}

	rate, err := number(ev, "rate")
	if err != nil {
		// Suspended delivery carries no rate
		if dt, _ := ev["deliveryType"].(string); dt != "suspend" {
			return models.Basal{}, err
		}
		rate = 0
	}

	return models.NewBasal(rate, time.Duration(durationMs*float64(time.Millisecond)))
}

func parseBolus(ev RawEvent) (models.Bolus, error) {
	normal, normalErr := number(ev, "normal")
	extended, extendedErr := number(ev, "extended")
	if normalErr != nil && extendedErr != nil {
		return models.Bolus{}, normalErr
	}
	total := 0.0
	if normalErr == nil {
		total += normal
	}
	if extendedErr == nil {
		total += extended
	}
	return models.NewBolus(total)
}

func parseNote(raw RawNote) (models.Note, error) {
	m := RawEvent(raw)
	ts, err := eventTime(m, "timestamp")
	if err != nil {
		return models.Note{}, err
	}

	created := ts
	if _, ok := m["createdtime"]; ok {
		if created, err = eventTime(m, "createdtime"); err != nil {
			return models.Note{}, err
		}
	}

	text, _ := m["messagetext"].(string)
	id, _ := m["id"].(string)
	return models.NewNote(id, text, ts, created), nil
}

func eventTime(ev RawEvent, field string) (time.Time, error) {
	s, err := str(ev, field)
	if err != nil {
		return time.Time{}, err
	}
	return ParseTimestamp(s)
}

func lookup(ev RawEvent, path ...string) (interface{}, bool) {
	var cur interface{} = map[string]interface{}(ev)
	for _, key := range path {
		m, ok := cur.(map[string]interface{})
		if !ok {
			if rm, isRaw := cur.(RawEvent); isRaw {
				m = rm
			} else {
				return nil, false
			}
		}
		cur, ok = m[key]
		if !ok || cur == nil {
			return nil, false
		}
	}
	return cur, true
}

func number(ev RawEvent, path ...string) (float64, error) {
	v, ok := lookup(ev, path...)
	if !ok {
		return 0, fmt.Errorf("%w %s", ErrMissingField, strings.Join(path, "."))
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	}
	return 0, fmt.Errorf("field %s: expected number, got %T", strings.Join(path, "."), v)
}

func str(ev RawEvent, path ...string) (string, error) {
	v, ok := lookup(ev, path...)
	if !ok {
		return "", fmt.Errorf("%w %s", ErrMissingField, strings.Join(path, "."))
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("field %s: expected string, got %T", strings.Join(path, "."), v)
	}
	return s, nil
}
