// Package fee resolves applicable fee rates and computes fees on settlement
// proceeds.
package fee

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/moneta-io/moneta/errs"
	"github.com/moneta-io/moneta/internal/domain/feestore"
)

const component = "fee"

// Precision is the fixed decimal scale of computed fees.
const Precision = 8

// Engine computes fees from the persisted configuration.
type Engine struct {
	store feestore.Store
}

// NewEngine constructs an Engine over the given store.
func NewEngine(store feestore.Store) *Engine {
	return &Engine{store: store}
}

// Result reports one fee computation.
type Result struct {
	FeeAmount   decimal.Decimal
	RateApplied decimal.Decimal
}

// Compute resolves the applicable rate for the category and computes the fee
// on the notional. Override keys are consulted in order; the first enabled
// override wins over the category default. A globally disabled category
// always yields a zero fee regardless of overrides. The fee is truncated to
// Precision decimals so rounding never inflates the effective rate.
func (e *Engine) Compute(ctx context.Context, category feestore.Category, notional decimal.Decimal, overrideKeys ...string) (Result, error) {
	if notional.IsNegative() {
		return Result{}, errs.New(component, errs.CodeInvalid,
			errs.WithMessage("negative notional "+notional.String()))
	}
	config, err := e.store.GetConfig(ctx)
	if err != nil {
		return Result{}, errs.New(component, errs.CodeUnavailable,
			errs.WithMessage("load config"), errs.WithCause(err))
	}
	rate, enabled := config.Rate(category)
	if !enabled {
		return Result{FeeAmount: decimal.Zero, RateApplied: decimal.Zero}, nil
	}
	for _, key := range overrideKeys {
		override, ok, err := e.store.GetOverride(ctx, category, key)
		if err != nil {
			return Result{}, errs.New(component, errs.CodeUnavailable,
				errs.WithMessage("load override "+string(category)+"/"+key), errs.WithCause(err))
		}
		if ok && override.Enabled {
			rate = override.Rate
			break
		}
	}
	if rate.IsNegative() {
		return Result{}, errs.New(component, errs.CodeInvalid,
			errs.WithMessage("negative rate "+rate.String()+" for category "+string(category)))
	}
	fee := notional.Mul(rate).RoundDown(Precision)
	return Result{FeeAmount: fee, RateApplied: rate}, nil
}
