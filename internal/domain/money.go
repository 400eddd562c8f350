package domain

// Cents is a signed monetary amount in the deal currency's minor unit.
type Cents = int64

// BasisPoints encodes 0%..100% as 0..10000.
type BasisPoints = int64

const (
	// MaxBP is 100% in basis points.
	MaxBP BasisPoints = 10000
)

// ClampBP clamps v into [0, MaxBP].
func ClampBP(v int64) BasisPoints {
	if v < 0 {
		return 0
	}
	if v > MaxBP {
		return MaxBP
	}
	return v
}

// AbsCents returns |c|.
func AbsCents(c Cents) Cents {
	if c < 0 {
		return -c
	}
	return c
}
