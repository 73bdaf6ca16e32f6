// Package util contains helper functions used around the code.
package util

import (
	"math/big"
	"sort"
	"sync"
)

// BpsDenominator is the number of basis points in a whole.
const BpsDenominator = 10000

// In returns true if s is found in ss, false otherwise
func In(ss []string, s string) bool {
	for _, v := range ss {
		if s == v {
			return true
		}
	}

	return false
}

// Unique returns ss without repeated or empty entries, keeping the first occurrence order.
func Unique(ss []string) []string {
	seen := make(map[string]struct{}, len(ss))
	out := make([]string, 0, len(ss))

	for _, s := range ss {
		if s == "" {
			continue
		}

		if _, ok := seen[s]; ok {
			continue
		}

		seen[s] = struct{}{}
		out = append(out, s)
	}

	return out
}

// Sorted returns a sorted copy of ss.
func Sorted(ss []string) []string {
	out := append([]string(nil), ss...)
	sort.Strings(out)

	return out
}

// Clamp limits v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}

	if v > hi {
		return hi
	}

	return v
}

// Bps returns amount * bps / 10000 rounded down.
func Bps(amount *big.Int, bps int64) *big.Int {
	v := new(big.Int).Mul(amount, big.NewInt(bps))

	return v.Quo(v, big.NewInt(BpsDenominator))
}

// Split divides amount evenly among the sorted recipients. The remainder is handed out one unit at a time from the
// first recipient on, so the parts always add up to amount.
func Split(amount *big.Int, recipients []string) map[string]*big.Int {
	out := make(map[string]*big.Int, len(recipients))
	if len(recipients) == 0 {
		return out
	}

	sorted := Sorted(recipients)
	n := big.NewInt(int64(len(sorted)))
	share, rem := new(big.Int).QuoRem(amount, n, new(big.Int))
	extra := int(rem.Int64())

	for i, r := range sorted {
		v := new(big.Int).Set(share)
		if i < extra {
			v.Add(v, big.NewInt(1))
		}

		out[r] = v
	}

	return out
}

// SplitWeighted divides amount in proportion to the weights, which are expressed in basis points. The remainder is
// handed out like in Split. Recipients with a zero weight get nothing unless every weight is zero, in which case
// the split is even.
func SplitWeighted(amount *big.Int, weights map[string]int64) map[string]*big.Int {
	recipients := make([]string, 0, len(weights))
	total := new(big.Int)

	for r, w := range weights {
		recipients = append(recipients, r)
		total.Add(total, big.NewInt(w))
	}

	if total.Sign() == 0 {
		return Split(amount, recipients)
	}

	sorted := Sorted(recipients)
	out := make(map[string]*big.Int, len(sorted))
	assigned := new(big.Int)

	for _, r := range sorted {
		v := new(big.Int).Mul(amount, big.NewInt(weights[r]))
		v.Quo(v, total)
		out[r] = v
		assigned.Add(assigned, v)
	}

	rem := new(big.Int).Sub(amount, assigned)
	for i := 0; rem.Sign() > 0; i = (i + 1) % len(sorted) {
		if weights[sorted[i]] == 0 {
			continue
		}

		out[sorted[i]].Add(out[sorted[i]], big.NewInt(1))
		rem.Sub(rem, big.NewInt(1))
	}

	return out
}

// Locks hands out one mutex per key, so operations on unrelated entities never wait on each other.
type Locks struct {
	m sync.Map
}

// Lock locks the mutex of key and returns its unlock function.
func (l *Locks) Lock(key string) func() {
	mu, _ := l.m.LoadOrStore(key, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()

	return mu.(*sync.Mutex).Unlock
}
