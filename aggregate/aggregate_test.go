package aggregate

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ints(values ...int64) []*big.Int {
	out := make([]*big.Int, len(values))
	for i, v := range values {
		out[i] = big.NewInt(v)
	}
	return out
}

func strs(values []*big.Int) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = v.String()
	}
	return out
}

func TestComputeStakeWeighted(t *testing.T) {
	tests := []struct {
		name         string
		participants []Weighted
		dims         int
		want         []*big.Int
		wantErr      error
	}{
		{
			name: "three participants six dimensions",
			participants: []Weighted{
				{Claim: Claim{Participant: "a", Weights: ints(5000, 2000, 1000, 1000, 500, 500)}, Stake: big.NewInt(100)},
				{Claim: Claim{Participant: "b", Weights: ints(1000, 1000, 2000, 2000, 2000, 2000)}, Stake: big.NewInt(200)},
				{Claim: Claim{Participant: "c", Weights: ints(2500, 2500, 2500, 2500, 0, 0)}, Stake: big.NewInt(300)},
			},
			dims: 6,
			// numerators 1450000,1150000,1250000,1250000,450000,450000 over 600
			want: ints(2418, 1916, 2083, 2083, 750, 750),
		},
		{
			name: "single participant returns its own vector",
			participants: []Weighted{
				{Claim: Claim{Weights: ints(7, 3)}, Stake: big.NewInt(9)},
			},
			dims: 2,
			want: ints(7, 3),
		},
		{
			name: "remainder goes to index zero",
			participants: []Weighted{
				{Claim: Claim{Weights: ints(1, 1, 1)}, Stake: big.NewInt(1)},
				{Claim: Claim{Weights: ints(0, 0, 3)}, Stake: big.NewInt(2)},
			},
			dims: 3,
			// floor(1/3)=0, floor(1/3)=0, floor(7/3)=2, remainder 1
			want: ints(1, 0, 2),
		},
		{
			name:    "no participants",
			dims:    2,
			wantErr: ErrNoParticipants,
		},
		{
			name: "zero total stake",
			participants: []Weighted{
				{Claim: Claim{Weights: ints(1, 1)}, Stake: big.NewInt(0)},
			},
			dims:    2,
			wantErr: ErrNonPositiveStake,
		},
		{
			name: "dimension mismatch",
			participants: []Weighted{
				{Claim: Claim{Weights: ints(1, 1)}, Stake: big.NewInt(1)},
			},
			dims:    3,
			wantErr: ErrDimensionMismatch,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ComputeStakeWeighted(tt.participants, tt.dims)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, strs(tt.want), strs(got))
			assert.Equal(t, 0, sum(got).Cmp(sum(tt.participants[0].Weights)))
		})
	}
}

func TestFilterAndWeighClaims(t *testing.T) {
	claims := []Claim{
		{Participant: "0xAA", Weights: ints(5, 5)},
		{Participant: "0xbb", Weights: ints(10)},
		{Participant: "0xcc", Weights: ints(2, 8)},
		{Participant: "0xdd", Weights: ints(4, 6)},
		{Participant: "0xee", Weights: ints(1, 9)},
	}

	out := FilterAndWeighClaims(FilterInput{
		Claims: claims,
		Registered: map[string]struct{}{
			"0xaa": {}, "0xbb": {}, "0xcc": {}, "0xdd": {},
		},
		Stakes: map[string]*big.Int{
			"0xaa": big.NewInt(10),
			"0xbb": big.NewInt(10),
			"0xcc": big.NewInt(0),
			"0xdd": big.NewInt(5),
			"0xee": big.NewInt(4),
		},
	})

	require.Len(t, out.Included, 2)
	assert.Equal(t, "0xAA", out.Included[0].Participant)
	assert.Equal(t, "10", out.Included[0].Stake.String())
	assert.Equal(t, "0xdd", out.Included[1].Participant)
	assert.Equal(t, []string{"0xee"}, out.Skipped.Unregistered)
	assert.Equal(t, []string{"0xcc"}, out.Skipped.NoStake)
	assert.Equal(t, []string{"0xbb"}, out.Skipped.DimensionMismatch)
}

func TestFilterAndWeighClaimsMissingStake(t *testing.T) {
	out := FilterAndWeighClaims(FilterInput{
		Claims: []Claim{{Participant: "0xdd", Weights: ints(4, 6)}},
		Stakes: map[string]*big.Int{},
	})
	assert.Empty(t, out.Included)
	assert.Equal(t, []string{"0xdd"}, out.Skipped.NoStake)
}

func TestFilterAndWeighClaimsExpectedDimensions(t *testing.T) {
	out := FilterAndWeighClaims(FilterInput{
		Claims: []Claim{
			{Participant: "0x01", Weights: ints(1, 1)},
			{Participant: "0x02", Weights: ints(1, 1, 1)},
		},
		Stakes:             map[string]*big.Int{"0x01": big.NewInt(1), "0x02": big.NewInt(1)},
		ExpectedDimensions: 3,
	})
	require.Len(t, out.Included, 1)
	assert.Equal(t, "0x02", out.Included[0].Participant)
	assert.Equal(t, []string{"0x01"}, out.Skipped.DimensionMismatch)
	assert.Nil(t, out.Skipped.Unregistered)
}

func TestLatestPerParticipant(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	claims := []Claim{
		{Participant: "0xB", ClaimHash: "0x01", CreatedAt: t0},
		{Participant: "0xa", ClaimHash: "0x02", CreatedAt: t0},
		{Participant: "0xA", ClaimHash: "0x03", CreatedAt: t0.Add(time.Minute)},
		{Participant: "0xb", ClaimHash: "0x0f", CreatedAt: t0},
		{Participant: "0xb", ClaimHash: "0x0a", CreatedAt: t0},
	}

	latest := LatestPerParticipant(claims)
	require.Len(t, latest, 2)
	assert.Equal(t, "0xa", latest[0].Participant)
	assert.Equal(t, "0x03", latest[0].ClaimHash)
	assert.Equal(t, "0xb", latest[1].Participant)
	assert.Equal(t, "0x0f", latest[1].ClaimHash)
}

func TestCheckShape(t *testing.T) {
	dims, scale, err := CheckShape([]Claim{
		{Weights: ints(3, 7)},
		{Weights: ints(10, 0)},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, dims)
	assert.Equal(t, "10", scale.String())

	_, _, err = CheckShape(nil)
	assert.ErrorIs(t, err, ErrNoParticipants)

	_, _, err = CheckShape([]Claim{{Weights: nil}})
	assert.ErrorIs(t, err, ErrNonPositiveDims)

	_, _, err = CheckShape([]Claim{{Weights: ints(1, 1)}, {ClaimHash: "0xbad", Weights: ints(2)}})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	assert.Contains(t, err.Error(), "0xbad")

	_, _, err = CheckShape([]Claim{{Weights: ints(0, 0)}})
	assert.ErrorIs(t, err, ErrNonPositiveScale)

	_, _, err = CheckShape([]Claim{{Weights: ints(1, 1)}, {Weights: ints(1, 2)}})
	assert.ErrorIs(t, err, ErrScaleMismatch)

	_, _, err = CheckShape([]Claim{{Weights: []*big.Int{big.NewInt(2), big.NewInt(-1)}}})
	assert.ErrorIs(t, err, ErrNegativeComponents)
}
