package resource

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Kind classifies a bookable resource.
type Kind string

const (
	KindProvider  Kind = "provider"
	KindRoom      Kind = "room"
	KindEquipment Kind = "equipment"
)

var validKinds = map[Kind]bool{
	KindProvider: true, KindRoom: true, KindEquipment: true,
}

// ErrUnknownResource is returned for ids the registry does not know.
var ErrUnknownResource = errors.New("unknown resource")

// ErrResourceInUse is returned when removing a resource that active
// appointments still reference.
var ErrResourceInUse = errors.New("resource in use")

// ClockTime is a local wall-clock time expressed in minutes after midnight.
// 1440 ("24:00") marks the end of the day.
type ClockTime int

const endOfDay ClockTime = 24 * 60

// ParseClock parses "HH:MM". "24:00" is accepted as end of day.
func ParseClock(s string) (ClockTime, error) {
	h, m, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("invalid clock time %q: expected HH:MM", s)
	}
	hh, err := strconv.Atoi(h)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q: %w", s, err)
	}
	mm, err := strconv.Atoi(m)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q: %w", s, err)
	}
	if hh < 0 || mm < 0 || mm > 59 || hh > 24 || (hh == 24 && mm != 0) {
		return 0, fmt.Errorf("invalid clock time %q: out of range", s)
	}
	return ClockTime(hh*60 + mm), nil
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", int(c)/60, int(c)%60)
}

func (c ClockTime) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *ClockTime) UnmarshalText(b []byte) error {
	v, err := ParseClock(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// on returns the instant of c on the given local calendar day.
func (c ClockTime) on(y int, m time.Month, d int, loc *time.Location) time.Time {
	return time.Date(y, m, d, int(c)/60, int(c)%60, 0, 0, loc)
}

// Window is a recurring weekly availability window in local time.
type Window struct {
	Weekday time.Weekday `json:"weekday"`
	Start   ClockTime    `json:"start"`
	End     ClockTime    `json:"end"`
}

// Block is a one-off unavailable period such as vacation or maintenance.
type Block struct {
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	Reason string    `json:"reason,omitempty"`
}

// Resource maps to the resource table.
type Resource struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	Kind      Kind      `db:"kind" json:"kind"`
	Scope     string    `db:"scope" json:"scope"`
	Timezone  string    `db:"timezone" json:"timezone,omitempty"`
	Windows   []Window  `db:"windows" json:"windows"`
	Blocks    []Block   `db:"blocks" json:"blocks,omitempty"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`

	loc *time.Location
}

// Validate checks the resource definition and resolves its timezone.
func (r *Resource) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if !validKinds[r.Kind] {
		return fmt.Errorf("invalid resource kind: %s", r.Kind)
	}
	if r.Scope == "" {
		return fmt.Errorf("scope is required")
	}
	for _, w := range r.Windows {
		if w.Weekday < time.Sunday || w.Weekday > time.Saturday {
			return fmt.Errorf("invalid weekday: %d", w.Weekday)
		}
		if w.End <= w.Start || w.End > endOfDay {
			return fmt.Errorf("invalid window %s-%s on %s", w.Start, w.End, w.Weekday)
		}
	}
	for _, b := range r.Blocks {
		if !b.End.After(b.Start) {
			return fmt.Errorf("invalid block %s-%s", b.Start.Format(time.RFC3339), b.End.Format(time.RFC3339))
		}
	}
	if r.Timezone != "" {
		loc, err := time.LoadLocation(r.Timezone)
		if err != nil {
			return fmt.Errorf("invalid timezone %q: %w", r.Timezone, err)
		}
		r.loc = loc
	}
	return nil
}

func (r *Resource) clone() *Resource {
	c := *r
	c.Windows = append([]Window(nil), r.Windows...)
	c.Blocks = append([]Block(nil), r.Blocks...)
	return &c
}
