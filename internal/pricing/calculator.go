package pricing

import (
	"errors"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/angelmondragon/storefront-backend/pkg/config"
)

var hundred = decimal.NewFromInt(100)

// Calculator applies the marketplace money rules. Every amount it returns is
// rounded half-up to two decimal places.
type Calculator struct {
	currency              string
	commissionRate        decimal.Decimal
	taxRate               decimal.Decimal
	shippingCharge        decimal.Decimal
	freeShippingThreshold decimal.Decimal
}

// LineAmounts is the money split of a single order line.
type LineAmounts struct {
	UnitPrice    decimal.Decimal
	Quantity     int
	LineTotal    decimal.Decimal
	Commission   decimal.Decimal
	SellerAmount decimal.Decimal
}

// Totals is the order-level breakdown. Total always equals
// Subtotal - Discount + Tax + Shipping.
type Totals struct {
	Subtotal decimal.Decimal
	Discount decimal.Decimal
	Shipping decimal.Decimal
	Tax      decimal.Decimal
	Total    decimal.Decimal
}

// NewCalculator builds a calculator from the pricing config.
func NewCalculator(cfg config.PricingConfig) (*Calculator, error) {
	one := decimal.NewFromInt(1)
	if cfg.CommissionRate.IsNegative() || cfg.CommissionRate.GreaterThan(one) {
		return nil, errors.New("commission rate must be between 0 and 1")
	}
	if cfg.TaxRate.IsNegative() || cfg.TaxRate.GreaterThan(one) {
		return nil, errors.New("tax rate must be between 0 and 1")
	}
	if cfg.ShippingCharge.IsNegative() || cfg.FreeShippingThreshold.IsNegative() {
		return nil, errors.New("shipping amounts must not be negative")
	}
	currency := strings.ToUpper(strings.TrimSpace(cfg.Currency))
	if currency == "" {
		return nil, errors.New("currency is required")
	}
	return &Calculator{
		currency:              currency,
		commissionRate:        cfg.CommissionRate,
		taxRate:               cfg.TaxRate,
		shippingCharge:        cfg.ShippingCharge,
		freeShippingThreshold: cfg.FreeShippingThreshold,
	}, nil
}

// Currency returns the ISO code every order is priced in.
func (c *Calculator) Currency() string {
	return c.currency
}

// Line prices qty units at unitPrice and splits the line between seller and
// platform.
func (c *Calculator) Line(unitPrice decimal.Decimal, qty int) LineAmounts {
	unit := Round2(unitPrice)
	lineTotal := Round2(unit.Mul(decimal.NewFromInt(int64(qty))))
	commission := Round2(lineTotal.Mul(c.commissionRate))
	return LineAmounts{
		UnitPrice:    unit,
		Quantity:     qty,
		LineTotal:    lineTotal,
		Commission:   commission,
		SellerAmount: lineTotal.Sub(commission),
	}
}

// Subtotal sums line totals.
func (c *Calculator) Subtotal(lines []LineAmounts) decimal.Decimal {
	sum := decimal.Zero
	for _, line := range lines {
		sum = sum.Add(line.LineTotal)
	}
	return sum
}

// Totals computes shipping, tax and total for a subtotal. The discount is
// clamped to [0, subtotal]; shipping is waived once the subtotal reaches the
// free-shipping threshold.
func (c *Calculator) Totals(subtotal, discount decimal.Decimal) Totals {
	subtotal = Round2(subtotal)
	discount = Round2(discount)
	if discount.IsNegative() {
		discount = decimal.Zero
	}
	if discount.GreaterThan(subtotal) {
		discount = subtotal
	}

	shipping := Round2(c.shippingCharge)
	if subtotal.GreaterThanOrEqual(c.freeShippingThreshold) {
		shipping = decimal.Zero
	}

	tax := Round2(subtotal.Sub(discount).Mul(c.taxRate))
	return Totals{
		Subtotal: subtotal,
		Discount: discount,
		Shipping: shipping,
		Tax:      tax,
		Total:    subtotal.Sub(discount).Add(tax).Add(shipping),
	}
}

// ToMinorUnits converts an amount to the gateway's integer unit (paise, cents).
func ToMinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(hundred).Round(0).IntPart()
}

// FromMinorUnits is the inverse of ToMinorUnits.
func FromMinorUnits(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}

// Round2 rounds half away from zero to two decimal places.
func Round2(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(2)
}
