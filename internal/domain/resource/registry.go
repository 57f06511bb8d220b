package resource

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/scheduler/pkg/interval"
)

// Registry is the in-memory source of truth for bookable resources and
// their availability. All queries are pure functions of the registered data.
type Registry struct {
	mu         sync.RWMutex
	resources  map[uuid.UUID]*Resource
	defaultLoc *time.Location
}

// NewRegistry creates a registry. Resources without their own timezone use loc.
func NewRegistry(loc *time.Location) *Registry {
	if loc == nil {
		loc = time.UTC
	}
	return &Registry{
		resources:  make(map[uuid.UUID]*Resource),
		defaultLoc: loc,
	}
}

// Register adds a new resource, assigning an id when none is set.
func (r *Registry) Register(res *Resource) error {
	if err := res.Validate(); err != nil {
		return err
	}
	if res.ID == uuid.Nil {
		res.ID = uuid.New()
	}
	now := time.Now().UTC()
	if res.CreatedAt.IsZero() {
		res.CreatedAt = now
	}
	res.UpdatedAt = now

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.resources[res.ID]; exists {
		return fmt.Errorf("resource %s already registered", res.ID)
	}
	r.resources[res.ID] = res.clone()
	return nil
}

// Update replaces the definition of an existing resource.
func (r *Registry) Update(res *Resource) error {
	if err := res.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.resources[res.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownResource, res.ID)
	}
	res.CreatedAt = existing.CreatedAt
	res.UpdatedAt = time.Now().UTC()
	r.resources[res.ID] = res.clone()
	return nil
}

func (r *Registry) Remove(id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.resources[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownResource, id)
	}
	delete(r.resources, id)
	return nil
}

// Load replaces the registry contents, typically with rows read at startup.
// Invalid rows are skipped and reported.
func (r *Registry) Load(items []*Resource) error {
	next := make(map[uuid.UUID]*Resource, len(items))
	var firstErr error
	for _, res := range items {
		if err := res.Validate(); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("resource %s: %w", res.ID, err)
			}
			continue
		}
		next[res.ID] = res.clone()
	}
	r.mu.Lock()
	r.resources = next
	r.mu.Unlock()
	return firstErr
}

func (r *Registry) Get(id uuid.UUID) (*Resource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.resources[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownResource, id)
	}
	return res.clone(), nil
}

// List returns all resources ordered by name.
func (r *Registry) List() []*Resource {
	r.mu.RLock()
	out := make([]*Resource, 0, len(r.resources))
	for _, res := range r.resources {
		out = append(out, res.clone())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Scope returns the clinic/department reference used for permission checks.
func (r *Registry) Scope(id uuid.UUID) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.resources[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownResource, id)
	}
	return res.Scope, nil
}

// AvailabilityWindows returns the ordered open intervals of a resource on
// the calendar day date.Date() in the resource's timezone: recurring
// windows minus blocks.
func (r *Registry) AvailabilityWindows(id uuid.UUID, date time.Time) ([]interval.Interval, error) {
	r.mu.RLock()
	res, ok := r.resources[id]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownResource, id)
	}
	return r.windowsOn(res, date), nil
}

// Covers reports whether iv fits inside one contiguous open interval of the
// resource. Windows of consecutive days are stitched, so a booking may run
// across midnight when both days are open.
func (r *Registry) Covers(id uuid.UUID, iv interval.Interval) (bool, error) {
	r.mu.RLock()
	res, ok := r.resources[id]
	r.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownResource, id)
	}

	loc := r.location(res)
	local := iv.Start.In(loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)

	var open []interval.Interval
	for ; day.Before(iv.End); day = day.AddDate(0, 0, 1) {
		open = append(open, r.windowsOn(res, day)...)
	}
	for _, o := range interval.Merge(open) {
		if o.Contains(iv) {
			return true, nil
		}
	}
	return false, nil
}

func (r *Registry) location(res *Resource) *time.Location {
	if res.loc != nil {
		return res.loc
	}
	return r.defaultLoc
}

func (r *Registry) windowsOn(res *Resource, date time.Time) []interval.Interval {
	loc := r.location(res)
	y, m, d := date.Date()
	weekday := time.Date(y, m, d, 0, 0, 0, 0, loc).Weekday()

	var open []interval.Interval
	for _, w := range res.Windows {
		if w.Weekday != weekday {
			continue
		}
		open = append(open, interval.Interval{Start: w.Start.on(y, m, d, loc), End: w.End.on(y, m, d, loc)})
	}
	if len(open) == 0 {
		return nil
	}

	blocks := make([]interval.Interval, 0, len(res.Blocks))
	for _, b := range res.Blocks {
		blocks = append(blocks, interval.Interval{Start: b.Start, End: b.End})
	}
	return interval.Subtract(open, blocks)
}
