// Package aggregate holds the pure claim filtering and stake-weighted
// aggregation math. Nothing here does I/O.
package aggregate

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"
)

var (
	ErrNoParticipants     = errors.New("cannot compute aggregate with zero participants")
	ErrNonPositiveStake   = errors.New("total stake must be positive")
	ErrNonPositiveDims    = errors.New("targetWeights dimension must be positive")
	ErrDimensionMismatch  = errors.New("targetWeights dimension mismatch")
	ErrNonPositiveScale   = errors.New("targetWeights sum must be positive")
	ErrScaleMismatch      = errors.New("targetWeights sum mismatch across participants")
	ErrNegativeComponents = errors.New("targetWeights must be non-negative")
)

// Claim is one participant's weight vector.
type Claim struct {
	Participant string
	Weights     []*big.Int
	ClaimHash   string
	CreatedAt   time.Time
}

// Weighted is a claim paired with the stake it is weighed by.
type Weighted struct {
	Claim
	Stake *big.Int
}

type FilterInput struct {
	Claims []Claim
	// Registered restricts participation. A nil set admits everyone.
	Registered map[string]struct{}
	Stakes     map[string]*big.Int
	// ExpectedDimensions is resolved from the first admitted claim when zero.
	ExpectedDimensions int
}

type Skipped struct {
	Unregistered      []string `json:"unregistered"`
	NoStake           []string `json:"noStake"`
	DimensionMismatch []string `json:"dimensionMismatch"`
}

type FilterOutput struct {
	Included []Weighted
	Skipped  Skipped
}

// FilterAndWeighClaims drops unregistered participants, participants without
// positive stake and vectors of the wrong dimension.
func FilterAndWeighClaims(input FilterInput) FilterOutput {
	var out FilterOutput
	dims := input.ExpectedDimensions

	for _, claim := range input.Claims {
		key := strings.ToLower(claim.Participant)

		if input.Registered != nil {
			if _, ok := input.Registered[key]; !ok {
				out.Skipped.Unregistered = append(out.Skipped.Unregistered, key)
				continue
			}
		}

		stake := input.Stakes[key]
		if stake == nil || stake.Sign() <= 0 {
			out.Skipped.NoStake = append(out.Skipped.NoStake, key)
			continue
		}

		if dims == 0 {
			dims = len(claim.Weights)
		}
		if len(claim.Weights) != dims {
			out.Skipped.DimensionMismatch = append(out.Skipped.DimensionMismatch, key)
			continue
		}

		out.Included = append(out.Included, Weighted{Claim: claim, Stake: new(big.Int).Set(stake)})
	}
	return out
}

// LatestPerParticipant keeps one claim per participant: the latest by
// CreatedAt, and on equal timestamps the one with the highest claim hash.
// The result is ordered by participant.
func LatestPerParticipant(claims []Claim) []Claim {
	latest := make(map[string]Claim, len(claims))
	for _, c := range claims {
		key := strings.ToLower(c.Participant)
		prev, ok := latest[key]
		if !ok || supersedes(c, prev) {
			c.Participant = key
			latest[key] = c
		}
	}

	out := make([]Claim, 0, len(latest))
	for _, c := range latest {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Participant < out[j].Participant })
	return out
}

func supersedes(c, prev Claim) bool {
	if c.CreatedAt.After(prev.CreatedAt) {
		return true
	}
	if c.CreatedAt.Equal(prev.CreatedAt) {
		return strings.ToLower(c.ClaimHash) > strings.ToLower(prev.ClaimHash)
	}
	return false
}

// CheckShape verifies every vector has the same positive dimension and the
// same positive sum, returning both. One bad vector fails the whole set.
func CheckShape(claims []Claim) (int, *big.Int, error) {
	if len(claims) == 0 {
		return 0, nil, ErrNoParticipants
	}
	dims := len(claims[0].Weights)
	if dims == 0 {
		return 0, nil, ErrNonPositiveDims
	}
	for _, c := range claims {
		if len(c.Weights) != dims {
			return 0, nil, fmt.Errorf("%w (claim %s)", ErrDimensionMismatch, c.ClaimHash)
		}
		for _, w := range c.Weights {
			if w == nil || w.Sign() < 0 {
				return 0, nil, fmt.Errorf("%w (claim %s)", ErrNegativeComponents, c.ClaimHash)
			}
		}
	}

	scale := sum(claims[0].Weights)
	if scale.Sign() <= 0 {
		return 0, nil, ErrNonPositiveScale
	}
	for _, c := range claims {
		if sum(c.Weights).Cmp(scale) != 0 {
			return 0, nil, fmt.Errorf("%w (claim %s)", ErrScaleMismatch, c.ClaimHash)
		}
	}
	return dims, scale, nil
}

// ComputeStakeWeighted returns floor(sum(w[i]*stake)/totalStake) per
// dimension, with the rounding remainder added to index 0 so the result sums
// to the claim scale of the first participant.
func ComputeStakeWeighted(participants []Weighted, dims int) ([]*big.Int, error) {
	if len(participants) == 0 {
		return nil, ErrNoParticipants
	}
	if dims <= 0 {
		return nil, ErrNonPositiveDims
	}

	totalStake := new(big.Int)
	for _, p := range participants {
		if len(p.Weights) != dims {
			return nil, ErrDimensionMismatch
		}
		if p.Stake != nil {
			totalStake.Add(totalStake, p.Stake)
		}
	}
	if totalStake.Sign() <= 0 {
		return nil, ErrNonPositiveStake
	}

	numerators := make([]*big.Int, dims)
	for i := range numerators {
		numerators[i] = new(big.Int)
	}
	term := new(big.Int)
	for _, p := range participants {
		if p.Stake == nil {
			continue
		}
		for i := 0; i < dims; i++ {
			numerators[i].Add(numerators[i], term.Mul(p.Weights[i], p.Stake))
		}
	}

	result := make([]*big.Int, dims)
	for i, n := range numerators {
		result[i] = new(big.Int).Quo(n, totalStake)
	}

	remainder := new(big.Int).Sub(sum(participants[0].Weights), sum(result))
	if remainder.Sign() != 0 {
		result[0].Add(result[0], remainder)
	}
	return result, nil
}

func sum(values []*big.Int) *big.Int {
	total := new(big.Int)
	for _, v := range values {
		if v != nil {
			total.Add(total, v)
		}
	}
	return total
}
