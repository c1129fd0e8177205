package middleware

import (
	"context"

	"gymdesk/pkg/contracts/domain"
)

// OutcomeSource supplies the current license outcome for request gating
type OutcomeSource interface {
	CurrentOutcome(ctx context.Context) domain.ValidationOutcome
}
