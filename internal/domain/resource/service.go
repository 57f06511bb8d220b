package resource

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/scheduler/pkg/interval"
)

// Service is the administrative surface of the registry. Changes are applied
// to the registry and written through to the repository; a failed write
// restores the previous registry state.
type Service struct {
	registry *Registry
	repo     Repository
	guard    Guard
	logger   zerolog.Logger
}

// Guard serializes removal against bookings. RetireResource runs remove only
// when no active appointment references id.
type Guard interface {
	RetireResource(ctx context.Context, id uuid.UUID, remove func() error) error
}

type unguarded struct{}

func (unguarded) RetireResource(_ context.Context, _ uuid.UUID, remove func() error) error { return remove() }

func NewService(reg *Registry, repo Repository, logger zerolog.Logger) *Service {
	return &Service{registry: reg, repo: repo, guard: unguarded{}, logger: logger}
}

// SetGuard installs the booking-side check consulted by DeleteResource.
func (s *Service) SetGuard(g Guard) {
	s.guard = g
}

// Hydrate loads all persisted resources into the registry.
func (s *Service) Hydrate(ctx context.Context) error {
	items, err := s.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("list resources: %w", err)
	}
	if err := s.registry.Load(items); err != nil {
		s.logger.Warn().Err(err).Msg("skipped invalid resource rows")
	}
	s.logger.Info().Int("count", len(items)).Msg("resources loaded")
	return nil
}

func (s *Service) CreateResource(ctx context.Context, res *Resource) error {
	if err := s.registry.Register(res); err != nil {
		return err
	}
	if err := s.repo.Save(ctx, res); err != nil {
		_ = s.registry.Remove(res.ID)
		return fmt.Errorf("save resource: %w", err)
	}
	return nil
}

func (s *Service) UpdateResource(ctx context.Context, res *Resource) error {
	prev, err := s.registry.Get(res.ID)
	if err != nil {
		return err
	}
	if err := s.registry.Update(res); err != nil {
		return err
	}
	if err := s.repo.Save(ctx, res); err != nil {
		_ = s.registry.Update(prev)
		return fmt.Errorf("save resource: %w", err)
	}
	return nil
}

// DeleteResource removes a resource that no active appointment uses.
func (s *Service) DeleteResource(ctx context.Context, id uuid.UUID) error {
	prev, err := s.registry.Get(id)
	if err != nil {
		return err
	}
	return s.guard.RetireResource(ctx, id, func() error {
		if err := s.registry.Remove(id); err != nil {
			return err
		}
		if err := s.repo.Delete(ctx, id); err != nil {
			_ = s.registry.Register(prev)
			return fmt.Errorf("delete resource: %w", err)
		}
		s.logger.Info().Str("resource_id", id.String()).Msg("resource removed")
		return nil
	})
}

func (s *Service) GetResource(id uuid.UUID) (*Resource, error) {
	return s.registry.Get(id)
}

func (s *Service) ListResources() []*Resource {
	return s.registry.List()
}

func (s *Service) AvailabilityWindows(id uuid.UUID, date time.Time) ([]interval.Interval, error) {
	return s.registry.AvailabilityWindows(id, date)
}
