package media

import (
	"fmt"
	"math/big"
	"time"
)

// NanosecondScale is the timescale used for timestamps derived from wall or monotonic clocks.
const NanosecondScale = int64(time.Second)

// Time is a rational presentation timestamp expressed as Value/Scale seconds.
// The zero Time is invalid; use Zero for a valid timestamp at 0.
type Time struct {
	Value int64
	Scale int64
}

// Zero is the valid timestamp 0/1.
var Zero = Time{Value: 0, Scale: 1}

// NewTime returns value/scale seconds.
func NewTime(value, scale int64) Time {
	return Time{Value: value, Scale: scale}
}

// FromDuration converts a time.Duration into a nanosecond-scale Time.
func FromDuration(d time.Duration) Time {
	return Time{Value: int64(d), Scale: NanosecondScale}
}

// Valid reports whether the timestamp has a usable scale.
func (t Time) Valid() bool {
	return t.Scale > 0
}

func (t Time) rat() *big.Rat {
	if !t.Valid() {
		return new(big.Rat)
	}
	return big.NewRat(t.Value, t.Scale)
}

func fromRat(r *big.Rat) Time {
	num, den := r.Num(), r.Denom()
	if num.IsInt64() && den.IsInt64() {
		return Time{Value: num.Int64(), Scale: den.Int64()}
	}
	// Fall back to nanosecond precision when the exact fraction overflows.
	scaled := new(big.Rat).Mul(r, new(big.Rat).SetInt64(NanosecondScale))
	f, _ := scaled.Float64()
	return Time{Value: int64(f), Scale: NanosecondScale}
}

// Add returns t + o.
func (t Time) Add(o Time) Time {
	return fromRat(new(big.Rat).Add(t.rat(), o.rat()))
}

// Sub returns t - o.
func (t Time) Sub(o Time) Time {
	return fromRat(new(big.Rat).Sub(t.rat(), o.rat()))
}

// Cmp compares t and o and returns -1, 0 or +1.
func (t Time) Cmp(o Time) int {
	return t.rat().Cmp(o.rat())
}

// Before reports whether t < o.
func (t Time) Before(o Time) bool { return t.Cmp(o) < 0 }

// After reports whether t > o.
func (t Time) After(o Time) bool { return t.Cmp(o) > 0 }

// Equal reports whether t and o denote the same instant regardless of scale.
func (t Time) Equal(o Time) bool { return t.Cmp(o) == 0 }

// Positive reports whether t > 0.
func (t Time) Positive() bool {
	return t.Valid() && t.Value > 0
}

// Seconds returns the timestamp as floating point seconds.
func (t Time) Seconds() float64 {
	f, _ := t.rat().Float64()
	return f
}

// Duration converts the timestamp into a time.Duration, truncating below one nanosecond.
func (t Time) Duration() time.Duration {
	return time.Duration(t.Rescale(NanosecondScale))
}

// Rescale returns the timestamp expressed in ticks of the given timescale, rounded to nearest.
func (t Time) Rescale(scale int64) int64 {
	if !t.Valid() || scale <= 0 {
		return 0
	}
	r := new(big.Rat).Mul(t.rat(), new(big.Rat).SetInt64(scale))
	q, m := new(big.Int).QuoRem(r.Num(), r.Denom(), new(big.Int))
	// round half away from zero
	if new(big.Int).Mul(new(big.Int).Abs(m), big.NewInt(2)).Cmp(r.Denom()) >= 0 {
		if r.Sign() >= 0 {
			q.Add(q, big.NewInt(1))
		} else {
			q.Sub(q, big.NewInt(1))
		}
	}
	return q.Int64()
}

func (t Time) String() string {
	if !t.Valid() {
		return "invalid"
	}
	return fmt.Sprintf("%.6fs", t.Seconds())
}
