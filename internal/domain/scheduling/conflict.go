package scheduling

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/ehr/scheduler/internal/domain/resource"
)

// Detector checks a proposed booking against availability and occupancy.
// Callers hold the writer slot of every resource they pass in.
type Detector struct {
	registry        *resource.Registry
	lanes           *laneSet
	bypassEmergency bool
}

func NewDetector(reg *resource.Registry, lanes *laneSet, bypassEmergency bool) *Detector {
	return &Detector{registry: reg, lanes: lanes, bypassEmergency: bypassEmergency}
}

// Check returns every (resource, appointment) pair that overlaps r, ignoring
// exclude. It fails with ErrOutsideAvailability when r is not covered by a
// resource's open hours; emergencies skip that step when bypass is enabled.
// An empty result means the booking may proceed.
func (d *Detector) Check(resourceIDs []uuid.UUID, r TimeRange, exclude uuid.UUID, typ Type) ([]Conflict, error) {
	for _, id := range resourceIDs {
		if typ == TypeEmergency && d.bypassEmergency {
			if _, err := d.registry.Get(id); err != nil {
				return nil, err
			}
			continue
		}
		ok, err := d.registry.Covers(id, r)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: resource %s is not open for %s", ErrOutsideAvailability, id, r)
		}
	}

	var conflicts []Conflict
	for _, id := range resourceIDs {
		for _, other := range d.lanes.get(id).index.overlapping(r, exclude) {
			conflicts = append(conflicts, Conflict{ResourceID: id, AppointmentID: other})
		}
	}
	return conflicts, nil
}
