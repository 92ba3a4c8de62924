package patient

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ChangeListener is invoked after a patient's attributes change, with the
// updated record. The access engine hooks in here to re-evaluate pending
// requests when a record is flagged more restrictive.
type ChangeListener func(ctx context.Context, p *Patient)

type Service struct {
	repo     Repository
	listener ChangeListener
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// SetChangeListener attaches an optional attribute-change listener.
func (s *Service) SetChangeListener(l ChangeListener) {
	s.listener = l
}

func (s *Service) Create(ctx context.Context, p *Patient) error {
	if err := validate(p); err != nil {
		return err
	}
	return s.repo.Create(ctx, p)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) GetByMRN(ctx context.Context, mrn string) (*Patient, error) {
	return s.repo.GetByMRN(ctx, mrn)
}

func (s *Service) Update(ctx context.Context, p *Patient) error {
	if p.ID == uuid.Nil {
		return fmt.Errorf("id is required")
	}
	if err := validate(p); err != nil {
		return err
	}
	if err := s.repo.Update(ctx, p); err != nil {
		return err
	}
	if s.listener != nil {
		s.listener(ctx, p)
	}
	return nil
}

func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	return s.repo.Delete(ctx, id)
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]*Patient, int, error) {
	return s.repo.List(ctx, limit, offset)
}

func (s *Service) Search(ctx context.Context, params map[string]string, limit, offset int) ([]*Patient, int, error) {
	return s.repo.Search(ctx, params, limit, offset)
}

func validate(p *Patient) error {
	if p.MRN == "" {
		return fmt.Errorf("mrn is required")
	}
	if p.FirstName == "" || p.LastName == "" {
		return fmt.Errorf("first_name and last_name are required")
	}
	if p.BirthDate.IsZero() {
		return fmt.Errorf("birth_date is required")
	}
	if p.BirthDate.After(time.Now()) {
		return fmt.Errorf("birth_date may not be in the future")
	}
	if p.DeceasedDate != nil && !p.Deceased {
		return fmt.Errorf("deceased_date set on a patient not marked deceased")
	}
	return nil
}
