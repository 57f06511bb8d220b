// Package interval implements half-open time ranges [Start, End) and the
// set operations the scheduler needs on them.
package interval

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// ErrEmpty is returned when an interval does not satisfy End > Start.
var ErrEmpty = errors.New("interval end must be after start")

// Interval is a half-open range of absolute instants.
type Interval struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// New builds an interval, rejecting zero and negative durations.
func New(start, end time.Time) (Interval, error) {
	iv := Interval{Start: start, End: end}
	if err := iv.Validate(); err != nil {
		return Interval{}, err
	}
	return iv, nil
}

func (i Interval) Validate() error {
	if i.Start.IsZero() || i.End.IsZero() {
		return fmt.Errorf("start and end are required: %w", ErrEmpty)
	}
	if !i.End.After(i.Start) {
		return ErrEmpty
	}
	return nil
}

func (i Interval) Duration() time.Duration { return i.End.Sub(i.Start) }

// Overlaps reports whether [a,b) and [c,d) share an instant: a < d && c < b.
func (i Interval) Overlaps(o Interval) bool {
	return i.Start.Before(o.End) && o.Start.Before(i.End)
}

// Contains reports whether o lies entirely inside i.
func (i Interval) Contains(o Interval) bool {
	return !o.Start.Before(i.Start) && !o.End.After(i.End)
}

func (i Interval) String() string {
	return fmt.Sprintf("[%s, %s)", i.Start.Format(time.RFC3339), i.End.Format(time.RFC3339))
}

// Merge sorts the input and joins intervals that overlap or touch.
// Invalid intervals are dropped.
func Merge(in []Interval) []Interval {
	items := make([]Interval, 0, len(in))
	for _, iv := range in {
		if iv.End.After(iv.Start) {
			items = append(items, iv)
		}
	}
	if len(items) == 0 {
		return nil
	}
	sort.Slice(items, func(a, b int) bool { return items[a].Start.Before(items[b].Start) })

	out := []Interval{items[0]}
	for _, iv := range items[1:] {
		last := &out[len(out)-1]
		if !iv.Start.After(last.End) {
			if iv.End.After(last.End) {
				last.End = iv.End
			}
			continue
		}
		out = append(out, iv)
	}
	return out
}

// Subtract removes every cut from base and returns the ordered remainder.
func Subtract(base, cuts []Interval) []Interval {
	rest := Merge(base)
	for _, cut := range Merge(cuts) {
		var next []Interval
		for _, iv := range rest {
			if !iv.Overlaps(cut) {
				next = append(next, iv)
				continue
			}
			if iv.Start.Before(cut.Start) {
				next = append(next, Interval{Start: iv.Start, End: cut.Start})
			}
			if cut.End.Before(iv.End) {
				next = append(next, Interval{Start: cut.End, End: iv.End})
			}
		}
		rest = next
	}
	return rest
}
