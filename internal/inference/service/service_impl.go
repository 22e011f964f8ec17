package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
	accountdomain "github.com/smallbiznis/billingsync/internal/account/domain"
	"github.com/smallbiznis/billingsync/internal/costguard"
	"github.com/smallbiznis/billingsync/internal/inference/domain"
	"github.com/smallbiznis/billingsync/internal/usagereport"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Breaker    *costguard.Breaker
	Reporter   *usagereport.Service
	Completion domain.CompletionClient
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	breaker    *costguard.Breaker
	reporter   *usagereport.Service
	completion domain.CompletionClient
}

func NewService(p ServiceParam) domain.Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("inference.service"),
		genID:      p.GenID,
		breaker:    p.Breaker,
		reporter:   p.Reporter,
		completion: p.Completion,
	}
}

// Execute runs one paid inference call for an account: budget check, the
// call itself, the spend record and the usage report. Spend recording and
// usage reporting are best effort; once the completion succeeded, nothing
// downstream of it may fail the call.
func (s *Service) Execute(ctx context.Context, accountID snowflake.ID, model, prompt string) (*domain.Execution, error) {
	var account accountdomain.Account
	if err := s.db.WithContext(ctx).Where("id = ?", accountID).First(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, err
	}

	decision := s.breaker.CheckBudget(ctx, accountID)
	if !decision.Allowed {
		return nil, fmt.Errorf("%w: layer=%s current=%.4f limit=%.4f",
			domain.ErrBudgetExhausted, decision.Layer, decision.CurrentCost, decision.Limit)
	}

	result, err := s.completion.Complete(ctx, model, prompt)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCompletionFailed, err)
	}

	call := domain.InferenceCall{
		ID:        s.genID.Generate(),
		AccountID: accountID,
		Model:     model,
		Cost:      result.Cost,
	}
	if err := s.db.WithContext(ctx).Create(&call).Error; err != nil {
		return nil, err
	}

	s.breaker.RecordSpend(ctx, accountID, result.Cost)

	if err := s.reporter.Report(ctx, accountID, call.ID); err != nil {
		// The sweep picks unreported calls up later.
		s.log.Warn("usage report deferred",
			zap.String("account_id", accountID.String()),
			zap.String("call_id", call.ID.String()),
			zap.Error(err),
		)
	}

	return &domain.Execution{
		CallID: call.ID,
		Output: result.Output,
		Cost:   result.Cost,
	}, nil
}
