package plans

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	pgrepo "github.com/omarrayhanuddin/spineai-backend/internal/repo/postgres"
)

var (
	ErrValidation   = errors.New("validation error")
	ErrPlanNotFound = errors.New("plan not found")
	ErrPlanExists   = errors.New("plan already exists")
)

type PlanStore interface {
	FindByID(ctx context.Context, planID int64) (pgrepo.PlanRecord, error)
	List(ctx context.Context) ([]pgrepo.PlanRecord, error)
	Create(ctx context.Context, record pgrepo.PlanRecord) (pgrepo.PlanRecord, error)
	Update(ctx context.Context, record pgrepo.PlanRecord) (pgrepo.PlanRecord, error)
}

type Service struct {
	plans PlanStore
}

func NewService(plans PlanStore) *Service {
	return &Service{plans: plans}
}

type Input struct {
	Name              string
	Description       *string
	Price             decimal.Decimal
	StripePriceID     string
	ChatModel         *string
	MessageLimit      int
	ImageLimit        int
	FileLimit         int
	WeeklyReminder    bool
	TreatmentPlan     bool
	CommissionPercent int
}

func (s *Service) List(ctx context.Context) ([]pgrepo.PlanRecord, error) {
	if s.plans == nil {
		return nil, fmt.Errorf("plan store is nil")
	}
	return s.plans.List(ctx)
}

func (s *Service) Get(ctx context.Context, planID int64) (pgrepo.PlanRecord, error) {
	if s.plans == nil {
		return pgrepo.PlanRecord{}, fmt.Errorf("plan store is nil")
	}

	record, err := s.plans.FindByID(ctx, planID)
	if err != nil {
		if errors.Is(err, pgrepo.ErrPlanNotFound) {
			return pgrepo.PlanRecord{}, ErrPlanNotFound
		}
		return pgrepo.PlanRecord{}, err
	}
	return record, nil
}

func (s *Service) Create(ctx context.Context, in Input) (pgrepo.PlanRecord, error) {
	if s.plans == nil {
		return pgrepo.PlanRecord{}, fmt.Errorf("plan store is nil")
	}
	if err := validateInput(in); err != nil {
		return pgrepo.PlanRecord{}, err
	}

	record, err := s.plans.Create(ctx, recordFromInput(0, in))
	if err != nil {
		if errors.Is(err, pgrepo.ErrPlanExists) {
			return pgrepo.PlanRecord{}, ErrPlanExists
		}
		return pgrepo.PlanRecord{}, err
	}
	return record, nil
}

func (s *Service) Update(ctx context.Context, planID int64, in Input) (pgrepo.PlanRecord, error) {
	if s.plans == nil {
		return pgrepo.PlanRecord{}, fmt.Errorf("plan store is nil")
	}
	if planID <= 0 {
		return pgrepo.PlanRecord{}, ErrValidation
	}
	if err := validateInput(in); err != nil {
		return pgrepo.PlanRecord{}, err
	}

	record, err := s.plans.Update(ctx, recordFromInput(planID, in))
	if err != nil {
		if errors.Is(err, pgrepo.ErrPlanNotFound) {
			return pgrepo.PlanRecord{}, ErrPlanNotFound
		}
		if errors.Is(err, pgrepo.ErrPlanExists) {
			return pgrepo.PlanRecord{}, ErrPlanExists
		}
		return pgrepo.PlanRecord{}, err
	}
	return record, nil
}

func validateInput(in Input) error {
	if strings.TrimSpace(in.Name) == "" || strings.TrimSpace(in.StripePriceID) == "" {
		return ErrValidation
	}
	if in.Price.IsNegative() {
		return ErrValidation
	}
	if in.CommissionPercent < 0 || in.CommissionPercent > 100 {
		return ErrValidation
	}
	return nil
}

func recordFromInput(planID int64, in Input) pgrepo.PlanRecord {
	return pgrepo.PlanRecord{
		ID:                planID,
		Name:              strings.TrimSpace(in.Name),
		Description:       in.Description,
		Price:             in.Price,
		StripePriceID:     strings.TrimSpace(in.StripePriceID),
		ChatModel:         in.ChatModel,
		MessageLimit:      in.MessageLimit,
		ImageLimit:        in.ImageLimit,
		FileLimit:         in.FileLimit,
		WeeklyReminder:    in.WeeklyReminder,
		TreatmentPlan:     in.TreatmentPlan,
		CommissionPercent: in.CommissionPercent,
	}
}
