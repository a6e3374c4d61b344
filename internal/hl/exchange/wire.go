package exchange

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

const maxWireDecimals = 8

var cloidPattern = regexp.MustCompile(`^0x[0-9a-f]{32}$`)

// OrderSpec is one order before wire encoding. Price and Size are expected to
// be normalized to the asset's price and lot precision already.
type OrderSpec struct {
	Asset      int
	IsBuy      bool
	Price      decimal.Decimal
	Size       decimal.Decimal
	ReduceOnly bool
	Tif        Tif
	Cloid      string
}

// Wire builds the wire form. Market orders are limits with TifIoc priced
// through the book.
func (s OrderSpec) Wire() (OrderWire, error) {
	if s.Tif == "" {
		return OrderWire{}, errors.New("tif is required")
	}
	if s.Asset < 0 {
		return OrderWire{}, fmt.Errorf("asset %d: invalid index", s.Asset)
	}
	if s.Cloid != "" && !cloidPattern.MatchString(s.Cloid) {
		return OrderWire{}, fmt.Errorf("cloid %q: want 0x followed by 32 lowercase hex digits", s.Cloid)
	}
	if !s.Price.IsPositive() {
		return OrderWire{}, fmt.Errorf("limit price %s must be positive", s.Price)
	}
	if !s.Size.IsPositive() {
		return OrderWire{}, fmt.Errorf("size %s must be positive", s.Size)
	}
	price, err := decimalToWire(s.Price)
	if err != nil {
		return OrderWire{}, fmt.Errorf("limit price: %w", err)
	}
	size, err := decimalToWire(s.Size)
	if err != nil {
		return OrderWire{}, fmt.Errorf("size: %w", err)
	}
	return OrderWire{
		Asset:      s.Asset,
		IsBuy:      s.IsBuy,
		Price:      price,
		Size:       size,
		ReduceOnly: s.ReduceOnly,
		OrderType:  OrderTypeWire{Limit: &LimitOrderType{Tif: s.Tif}},
		Cloid:      s.Cloid,
	}, nil
}

// decimalToWire renders d without trailing zeros. More than eight decimals is
// an error, never a silent rounding.
func decimalToWire(d decimal.Decimal) (string, error) {
	if !d.Round(maxWireDecimals).Equal(d) {
		return "", fmt.Errorf("%s has more than %d decimals", d, maxWireDecimals)
	}
	if d.IsZero() {
		return "0", nil
	}
	return d.String(), nil
}

func equalFold(a, b string) bool {
	return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
