// Package tariff prices disbursements by amount band and channel.
package tariff

import (
	"github.com/shopspring/decimal"

	"paygate/internal/domain"
	"paygate/pkg/errors"
)

// band charges fee for amounts up to and including max.
type band struct {
	max int64
	fee int64
}

// Bands are contiguous: each covers (previous max, max].
var b2cBands = []band{
	{49, 0},
	{100, 0},
	{500, 5},
	{1000, 5},
	{1500, 5},
	{2500, 9},
	{3500, 9},
	{5000, 9},
	{7500, 11},
	{10000, 11},
	{15000, 11},
	{20000, 11},
	{25000, 13},
	{30000, 13},
	{35000, 13},
	{40000, 13},
	{45000, 13},
	{50000, 13},
	{70000, 13},
	{250000, 13},
}

var b2bBands = []band{
	{49, 2},
	{100, 3},
	{500, 8},
	{1000, 13},
	{1500, 18},
	{2500, 25},
	{3500, 30},
	{5000, 39},
	{7500, 48},
	{10000, 115},
	{15000, 115},
	{20000, 115},
	{25000, 115},
	{30000, 115},
	{35000, 115},
	{40000, 115},
	{45000, 115},
	{50000, 115},
	{70000, 115},
	{150000, 115},
	{250000, 115},
	{500000, 115},
	{1000000, 115},
	{3000000, 115},
	{5000000, 115},
	{20000000, 115},
	{50000000, 115},
}

func bands(ch domain.Channel) []band {
	if ch == domain.ChannelBusiness {
		return b2bBands
	}
	return b2cBands
}

// Fee returns the charge for moving amount over ch. Amounts that are not
// positive or exceed the top band yield errors.ErrTariffNotApplicable.
func Fee(amount decimal.Decimal, ch domain.Channel) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, errors.ErrTariffNotApplicable
	}
	for _, b := range bands(ch) {
		if amount.LessThanOrEqual(decimal.NewFromInt(b.max)) {
			return decimal.NewFromInt(b.fee), nil
		}
	}
	return decimal.Zero, errors.ErrTariffNotApplicable
}

// MaxAmount is the largest amount ch can carry.
func MaxAmount(ch domain.Channel) decimal.Decimal {
	b := bands(ch)
	return decimal.NewFromInt(b[len(b)-1].max)
}
