package domain

// FeeConfig is the marketplace fee applied to a captured winning deposit.
// It is loaded from the settings store once per settlement run and passed by
// value, never read from ambient state mid-run.
type FeeConfig struct {
	// BasisPoints of the captured amount (250 = 2.5%).
	BasisPoints int64
	// MinimumFee in minor units, applied when the percentage fee is lower.
	MinimumFee int64
}

// Fee returns the marketplace fee for a captured amount.
func (c FeeConfig) Fee(amount int64) int64 {
	if amount <= 0 {
		return 0
	}
	fee := amount * c.BasisPoints / 10000
	if fee < c.MinimumFee {
		fee = c.MinimumFee
	}
	if fee > amount {
		fee = amount
	}
	return fee
}
