// Package memo implements the versioned, checksummed wire protocol that packs
// a trading instruction into a payment network memo string.
package memo

import (
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/moneta-io/moneta/errs"
)

// Kind identifies the trading instruction family carried by a memo.
type Kind string

const (
	KindSpot         Kind = "spot"
	KindSwap         Kind = "swap"
	KindMarketMaking Kind = "market_making"
	KindArbitrage    Kind = "arbitrage"
	KindLeverage     Kind = "leverage"
	KindPerpetual    Kind = "perpetual"
	KindWithdrawal   Kind = "withdrawal"
)

// SpotSubtype identifies the order shape of a spot or swap instruction.
type SpotSubtype string

const (
	SpotLimitBuy   SpotSubtype = "limit_buy"
	SpotLimitSell  SpotSubtype = "limit_sell"
	SpotMarketBuy  SpotSubtype = "market_buy"
	SpotMarketSell SpotSubtype = "market_sell"
)

// IsLimit reports whether the subtype carries a limit price on the wire.
func (s SpotSubtype) IsLimit() bool {
	return s == SpotLimitBuy || s == SpotLimitSell
}

// Side returns the trade side implied by the subtype.
func (s SpotSubtype) Side() string {
	if s == SpotLimitBuy || s == SpotMarketBuy {
		return "buy"
	}
	return "sell"
}

// StrategySubtype identifies the operation applied to a strategy instance.
type StrategySubtype string

const (
	StrategyCreate   StrategySubtype = "create"
	StrategyDeposit  StrategySubtype = "deposit"
	StrategyWithdraw StrategySubtype = "withdraw"
)

// SpotPayload carries the fields of a spot or swap order instruction.
// LimitPrice is meaningful only for limit subtypes; market subtypes never
// carry a price on the wire.
type SpotPayload struct {
	Subtype    SpotSubtype
	Exchange   string
	Symbol     string
	LimitPrice decimal.Decimal
}

// StrategyPayload carries the fields of a strategy lifecycle instruction.
// RoutingID is the opaque correlation key tying the payment to a strategy
// instance known off-chain.
type StrategyPayload struct {
	Subtype   StrategySubtype
	Exchange  string
	Symbol    string
	RoutingID string
}

// Instruction is the decoded form of a memo. Exactly one payload pointer is
// set, selected by Kind; instructions are immutable once decoded.
type Instruction struct {
	Version  uint8
	Kind     Kind
	Spot     *SpotPayload
	Strategy *StrategyPayload
}

// SpotInstruction constructs a version-1 spot instruction.
func SpotInstruction(payload SpotPayload) Instruction {
	return Instruction{Version: Version1, Kind: KindSpot, Spot: &payload}
}

// SwapInstruction constructs a version-1 swap instruction.
func SwapInstruction(payload SpotPayload) Instruction {
	return Instruction{Version: Version1, Kind: KindSwap, Spot: &payload}
}

// StrategyInstruction constructs a version-1 strategy instruction of the
// given kind.
func StrategyInstruction(kind Kind, payload StrategyPayload) Instruction {
	return Instruction{Version: Version1, Kind: kind, Strategy: &payload}
}

func (in Instruction) validate() error {
	if in.Version != Version1 {
		return errs.New(component, errs.CodeProtocol,
			errs.WithCanonicalCode(errs.CanonicalUnsupportedVersion),
			errs.WithField("version", strconv.Itoa(int(in.Version))))
	}
	layout, ok := layoutFor(in.Kind)
	if !ok {
		return errs.New(component, errs.CodeProtocol,
			errs.WithCanonicalCode(errs.CanonicalUnknownCode),
			errs.WithMessage("unknown instruction kind"),
			errs.WithField("kind", string(in.Kind)))
	}
	return layout.validate(in)
}
