/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ledger

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"

	"github.com/wiimdy/openfunderse-sub000/model"
)

// BuildExecutionRequest combines an approved intent with its execution route.
// The route must agree with the intent on tokens and minimum output.
func BuildExecutionRequest(intent model.TradeIntent, route model.ExecutionRoute) (ExecutionRequest, error) {
	checks := []struct {
		name  string
		value *big.Int
	}{
		{"amountIn", intent.AmountIn},
		{"minAmountOut", intent.MinAmountOut},
		{"quoteAmountOut", route.QuoteAmountOut},
		{"route.minAmountOut", route.MinAmountOut},
	}
	for _, check := range checks {
		if check.value == nil || check.value.Sign() <= 0 {
			return ExecutionRequest{}, errors.Errorf("%s must be positive", check.name)
		}
	}
	if route.TokenIn != intent.TokenIn {
		return ExecutionRequest{}, errors.New("executionRoute.tokenIn must match intent.tokenIn")
	}
	if route.TokenOut != intent.TokenOut {
		return ExecutionRequest{}, errors.New("executionRoute.tokenOut must match intent.tokenOut")
	}
	if route.MinAmountOut.Cmp(intent.MinAmountOut) != 0 {
		return ExecutionRequest{}, errors.New("executionRoute.minAmountOut must match intent.minAmountOut")
	}
	if !model.IsAddress(route.TokenIn) || !model.IsAddress(route.TokenOut) || !model.IsAddress(route.Adapter) {
		return ExecutionRequest{}, errors.New("executionRoute addresses must be 20-byte hex")
	}
	adapterData, err := DecodeHexBytes(route.AdapterData)
	if err != nil {
		return ExecutionRequest{}, errors.Wrap(err, "executionRoute.adapterData")
	}

	return ExecutionRequest{
		TokenIn:        common.HexToAddress(route.TokenIn),
		TokenOut:       common.HexToAddress(route.TokenOut),
		AmountIn:       intent.AmountIn,
		QuoteAmountOut: route.QuoteAmountOut,
		MinAmountOut:   route.MinAmountOut,
		Adapter:        common.HexToAddress(route.Adapter),
		AdapterData:    adapterData,
	}, nil
}
