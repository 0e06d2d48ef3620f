//go:build property

package aggregate

import (
	"math/big"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// splitScale turns arbitrary cut points into a vector that sums to scale.
func splitScale(scale int64, cuts []int64) []*big.Int {
	out := make([]*big.Int, 0, len(cuts)+1)
	remaining := scale
	for _, c := range cuts {
		if remaining == 0 {
			out = append(out, big.NewInt(0))
			continue
		}
		part := c % (remaining + 1)
		out = append(out, big.NewInt(part))
		remaining -= part
	}
	return append(out, big.NewInt(remaining))
}

func TestAggregateSumsToScale(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("aggregate sums to the claim scale", prop.ForAll(
		func(scale int64, cuts []int64, stakes []int64) bool {
			if len(stakes) == 0 {
				return true
			}
			participants := make([]Weighted, len(stakes))
			for i, s := range stakes {
				k := i % len(cuts)
				rotated := append(append([]int64{}, cuts[k:]...), cuts[:k]...)
				participants[i] = Weighted{
					Claim: Claim{Weights: splitScale(scale, rotated)},
					Stake: big.NewInt(s),
				}
			}

			out, err := ComputeStakeWeighted(participants, len(cuts)+1)
			if err != nil {
				return false
			}
			if sum(out).Cmp(big.NewInt(scale)) != 0 {
				return false
			}
			for _, v := range out {
				if v.Sign() < 0 {
					return false
				}
			}
			return true
		},
		gen.Int64Range(1, 1_000_000),
		gen.SliceOfN(5, gen.Int64Range(0, 1_000_000)),
		gen.SliceOf(gen.Int64Range(1, 10_000)),
	))

	properties.Property("participant order does not change the aggregate", prop.ForAll(
		func(a, b []int64, stakeA, stakeB int64) bool {
			pa := Weighted{Claim: Claim{Weights: splitScale(10_000, a)}, Stake: big.NewInt(stakeA)}
			pb := Weighted{Claim: Claim{Weights: splitScale(10_000, b)}, Stake: big.NewInt(stakeB)}

			ab, err := ComputeStakeWeighted([]Weighted{pa, pb}, len(a)+1)
			if err != nil {
				return false
			}
			ba, err := ComputeStakeWeighted([]Weighted{pb, pa}, len(a)+1)
			if err != nil {
				return false
			}
			for i := range ab {
				if ab[i].Cmp(ba[i]) != 0 {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(3, gen.Int64Range(0, 10_000)),
		gen.SliceOfN(3, gen.Int64Range(0, 10_000)),
		gen.Int64Range(1, 1_000),
		gen.Int64Range(1, 1_000),
	))

	properties.TestingRun(t)
}
