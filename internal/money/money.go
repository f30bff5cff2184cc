package money

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"
)

type Currency string

const (
	BTC Currency = "BTC"
	USD Currency = "USD"
	EUR Currency = "EUR"
	GBP Currency = "GBP"
)

// BTC is carried to the millisatoshi, fiat to the milli-cent.
const (
	btcPlaces  int32 = 11
	fiatPlaces int32 = 5

	SatsPerBTC = 100_000_000
	MsatPerSat = 1_000
)

var (
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrTooManyDecimals = errors.New("amount has too many decimal places")
	ErrUnknownCurrency = errors.New("unknown currency")
	ErrUnsupportedPair = errors.New("conversion must be between BTC and a fiat currency")
)

var supported = []Currency{BTC, USD, EUR, GBP}

func Supported() []Currency {
	out := make([]Currency, len(supported))
	copy(out, supported)
	return out
}

func ParseCurrency(raw string) (Currency, error) {
	c := Currency(strings.ToUpper(strings.TrimSpace(raw)))
	if !c.Valid() {
		return "", ErrUnknownCurrency
	}
	return c, nil
}

func (c Currency) Valid() bool {
	for _, s := range supported {
		if c == s {
			return true
		}
	}
	return false
}

func (c Currency) IsFiat() bool {
	return c.Valid() && c != BTC
}

func (c Currency) Places() int32 {
	if c == BTC {
		return btcPlaces
	}
	return fiatPlaces
}

// Unit is the smallest amount the ledger can represent in c.
func (c Currency) Unit() decimal.Decimal {
	return decimal.New(1, -c.Places())
}

func (c Currency) String() string {
	return string(c)
}

// Round applies banker's rounding at the currency's precision.
func Round(c Currency, amount decimal.Decimal) decimal.Decimal {
	return amount.RoundBank(c.Places())
}

// RoundUp rounds away from zero at the currency's precision. Used for
// amounts the bank charges so it never under-collects.
func RoundUp(c Currency, amount decimal.Decimal) decimal.Decimal {
	return amount.RoundUp(c.Places())
}

func Parse(c Currency, raw string) (decimal.Decimal, error) {
	if !c.Valid() {
		return decimal.Zero, ErrUnknownCurrency
	}
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return decimal.Zero, ErrInvalidAmount
	}
	amount, err := decimal.NewFromString(trimmed)
	if err != nil {
		return decimal.Zero, ErrInvalidAmount
	}
	if amount.Exponent() < -c.Places() {
		return decimal.Zero, ErrTooManyDecimals
	}
	return amount, nil
}

func Format(c Currency, amount decimal.Decimal) string {
	return amount.StringFixed(c.Places())
}

func FromMsat(msat int64) decimal.Decimal {
	return decimal.New(msat, -btcPlaces)
}

func FromSats(sats int64) decimal.Decimal {
	return decimal.New(sats, -8)
}

// ToMsat converts a BTC amount to millisatoshi, rounding up any remainder.
func ToMsat(btc decimal.Decimal) int64 {
	return btc.Shift(btcPlaces).RoundUp(0).IntPart()
}

func ToSats(btc decimal.Decimal) int64 {
	return btc.Shift(8).RoundUp(0).IntPart()
}

// Convert multiplies by rate and rounds to the target currency.
func Convert(amount, rate decimal.Decimal, to Currency) decimal.Decimal {
	return Round(to, amount.Mul(rate))
}

// WithinUnit reports whether a and b differ by less than one minimal unit of c.
func WithinUnit(c Currency, a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThan(c.Unit())
}

type Pair struct {
	From Currency `json:"from"`
	To   Currency `json:"to"`
}

func NewPair(from, to Currency) (Pair, error) {
	if !from.Valid() || !to.Valid() {
		return Pair{}, ErrUnknownCurrency
	}
	if from == to {
		return Pair{}, ErrUnsupportedPair
	}
	if from != BTC && to != BTC {
		return Pair{}, ErrUnsupportedPair
	}
	return Pair{From: from, To: to}, nil
}

func (p Pair) Fiat() Currency {
	if p.From == BTC {
		return p.To
	}
	return p.From
}

// Symbol is the dealer's instrument name for the pair.
func (p Pair) Symbol() string {
	return "BTC" + string(p.Fiat())
}

func (p Pair) String() string {
	return string(p.From) + "/" + string(p.To)
}
