package scheduling

import (
	"sort"

	"github.com/google/uuid"
)

type slotEntry struct {
	rng           TimeRange
	appointmentID uuid.UUID
}

// slotIndex is the occupancy of one resource: entries sorted by start that
// never overlap. Because of that, ends are sorted too and the first entry
// that can overlap a range is found by binary search.
type slotIndex struct {
	entries []slotEntry
}

// overlapping returns the appointments whose ranges overlap r, skipping exclude.
func (x *slotIndex) overlapping(r TimeRange, exclude uuid.UUID) []uuid.UUID {
	i := sort.Search(len(x.entries), func(i int) bool {
		return x.entries[i].rng.End.After(r.Start)
	})
	var out []uuid.UUID
	for ; i < len(x.entries) && x.entries[i].rng.Start.Before(r.End); i++ {
		if x.entries[i].appointmentID != exclude {
			out = append(out, x.entries[i].appointmentID)
		}
	}
	return out
}

// insert adds an entry. Callers check overlapping first.
func (x *slotIndex) insert(r TimeRange, id uuid.UUID) {
	i := sort.Search(len(x.entries), func(i int) bool {
		return !x.entries[i].rng.Start.Before(r.Start)
	})
	x.entries = append(x.entries, slotEntry{})
	copy(x.entries[i+1:], x.entries[i:])
	x.entries[i] = slotEntry{rng: r, appointmentID: id}
}

// remove drops the entry of an appointment, reporting whether it existed.
func (x *slotIndex) remove(id uuid.UUID) bool {
	for i, e := range x.entries {
		if e.appointmentID == id {
			x.entries = append(x.entries[:i], x.entries[i+1:]...)
			return true
		}
	}
	return false
}

// busy returns the occupied ranges that overlap r, in order.
func (x *slotIndex) busy(r TimeRange) []TimeRange {
	i := sort.Search(len(x.entries), func(i int) bool {
		return x.entries[i].rng.End.After(r.Start)
	})
	var out []TimeRange
	for ; i < len(x.entries) && x.entries[i].rng.Start.Before(r.End); i++ {
		out = append(out, x.entries[i].rng)
	}
	return out
}

func (x *slotIndex) len() int { return len(x.entries) }
