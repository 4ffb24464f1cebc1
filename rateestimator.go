package main

import (
	"math/big"
	"time"
)

const (
	panicZeroRate         = "rate can't be zero"
	panicNegativeAdjustTo = "adjustTo can't be negative or zero"
)

// estimate converts a rate in requests per second into a token bucket
// fill interval and quantum. The interval is the shortest exact one,
// stretched by whole multiples as long as it stays within adjustTo.
func estimate(rate uint64, adjustTo time.Duration) (time.Duration, uint64) {
	if rate == 0 {
		panic(panicZeroRate)
	}
	if adjustTo <= 0 {
		panic(panicNegativeAdjustTo)
	}
	second := uint64(oneSecond.Nanoseconds())
	gcd := new(big.Int).GCD(nil, nil,
		new(big.Int).SetUint64(rate),
		new(big.Int).SetUint64(second),
	).Uint64()
	quantum, interval := rate/gcd, second/gcd
	target := uint64(adjustTo.Nanoseconds())
	if interval >= target {
		return time.Duration(interval), quantum
	}
	k := target / interval
	return time.Duration(k * interval), k * quantum
}
