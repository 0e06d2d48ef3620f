package ledger

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wiimdy/openfunderse-sub000/model"
)

func sampleIntentAndRoute() (model.TradeIntent, model.ExecutionRoute) {
	intent := model.TradeIntent{
		TokenIn:      "0x0000000000000000000000000000000000000001",
		TokenOut:     "0x0000000000000000000000000000000000000002",
		AmountIn:     big.NewInt(100),
		MinAmountOut: big.NewInt(90),
	}
	route := model.ExecutionRoute{
		TokenIn:        intent.TokenIn,
		TokenOut:       intent.TokenOut,
		QuoteAmountOut: big.NewInt(95),
		MinAmountOut:   big.NewInt(90),
		Adapter:        "0x0000000000000000000000000000000000000003",
		AdapterData:    "0xabcd",
	}
	return intent, route
}

func TestBuildExecutionRequest(t *testing.T) {
	intent, route := sampleIntentAndRoute()

	req, err := BuildExecutionRequest(intent, route)
	require.NoError(t, err)
	assert.Equal(t, "100", req.AmountIn.String())
	assert.Equal(t, []byte{0xab, 0xcd}, req.AdapterData)
	assert.Equal(t, "0x0000000000000000000000000000000000000003", req.Adapter.Hex())
}

func TestBuildExecutionRequest_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*model.TradeIntent, *model.ExecutionRoute)
		errMsg string
	}{
		{
			name:   "zero amount in",
			mutate: func(i *model.TradeIntent, _ *model.ExecutionRoute) { i.AmountIn = big.NewInt(0) },
			errMsg: "amountIn must be positive",
		},
		{
			name:   "token in mismatch",
			mutate: func(_ *model.TradeIntent, r *model.ExecutionRoute) {
				r.TokenIn = "0x0000000000000000000000000000000000000009"
			},
			errMsg: "executionRoute.tokenIn must match intent.tokenIn",
		},
		{
			name:   "min out mismatch",
			mutate: func(_ *model.TradeIntent, r *model.ExecutionRoute) { r.MinAmountOut = big.NewInt(91) },
			errMsg: "executionRoute.minAmountOut must match intent.minAmountOut",
		},
		{
			name:   "bad adapter data",
			mutate: func(_ *model.TradeIntent, r *model.ExecutionRoute) { r.AdapterData = "0xabc" },
			errMsg: "executionRoute.adapterData",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			intent, route := sampleIntentAndRoute()
			tt.mutate(&intent, &route)
			_, err := BuildExecutionRequest(intent, route)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestDecodeHexBytes(t *testing.T) {
	b, err := DecodeHexBytes("0x")
	require.NoError(t, err)
	assert.Empty(t, b)

	b, err = DecodeHexBytes("0xFF00")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xff, 0x00}, b)
}
