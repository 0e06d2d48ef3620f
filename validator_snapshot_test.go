package relayer

import (
	"fmt"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseValidatorWeights(t *testing.T) {
	upper := "0x" + fmt.Sprintf("%040X", 0xabc)
	weights, err := ParseValidatorWeights(fmt.Sprintf(" %s:1 ,, %s:7,%s:2", verifier(1), upper, verifier(1)))
	require.NoError(t, err)
	require.Len(t, weights, 2)
	assert.Equal(t, "2", weights[verifier(1)].String(), "last entry wins")
	assert.Equal(t, "7", weights[fmt.Sprintf("0x%040x", 0xabc)].String())

	empty, err := ParseValidatorWeights("")
	require.NoError(t, err)
	assert.Empty(t, empty)

	for _, raw := range []string{
		"nocolon",
		verifier(1) + ":",
		":5",
		"0x1234:5",
		verifier(1) + ":-3",
		verifier(1) + ":1.5",
	} {
		_, err := ParseValidatorWeights(raw)
		assert.Error(t, err, raw)
	}
}

func TestValidatorSnapshotWeights(t *testing.T) {
	snapshot := &ValidatorSnapshot{
		ThresholdWeight: big.NewInt(4),
		Weights: map[string]*big.Int{
			verifier(1): big.NewInt(1),
			verifier(3): big.NewInt(3),
		},
	}

	w := snapshot.WeightOf(verifier(3))
	assert.Equal(t, "3", w.String())
	w.SetInt64(100)
	assert.Equal(t, "3", snapshot.WeightOf(verifier(3)).String(), "WeightOf returns a copy")
	assert.Zero(t, snapshot.WeightOf(verifier(9)).Sign())

	assert.False(t, snapshot.Reached([]string{verifier(3)}))
	assert.False(t, snapshot.Reached([]string{verifier(3), verifier(3)}))
	assert.True(t, snapshot.Reached([]string{verifier(3), verifier(1)}))
	assert.True(t, snapshot.Reached([]string{verifier(9), verifier(1), verifier(3)}))
}
