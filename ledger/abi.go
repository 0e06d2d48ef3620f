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
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

const snapshotBookABI = `[
  {"type":"function","name":"publishSnapshot","stateMutability":"nonpayable",
   "inputs":[{"name":"snapshotRoot","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"isSnapshotFinalized","stateMutability":"view",
   "inputs":[{"name":"snapshotHash","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]}
]`

const executionRequestComponents = `[
  {"name":"tokenIn","type":"address"},
  {"name":"tokenOut","type":"address"},
  {"name":"amountIn","type":"uint256"},
  {"name":"quoteAmountOut","type":"uint256"},
  {"name":"minAmountOut","type":"uint256"},
  {"name":"adapter","type":"address"},
  {"name":"adapterData","type":"bytes"}
]`

const coreABI = `[
  {"type":"function","name":"validateIntentExecution","stateMutability":"view",
   "inputs":[
     {"name":"intentHash","type":"bytes32"},
     {"name":"req","type":"tuple","components":` + executionRequestComponents + `}
   ],
   "outputs":[{"name":"","type":"tuple","components":[
     {"name":"exists","type":"bool"},
     {"name":"approved","type":"bool"},
     {"name":"notExpired","type":"bool"},
     {"name":"notExecuted","type":"bool"},
     {"name":"withinNotional","type":"bool"},
     {"name":"slippageOk","type":"bool"},
     {"name":"allowlistOk","type":"bool"},
     {"name":"snapshotHash","type":"bytes32"},
     {"name":"deadline","type":"uint64"},
     {"name":"maxSlippageBps","type":"uint16"},
     {"name":"maxNotional","type":"uint256"},
     {"name":"expectedAllowlistHash","type":"bytes32"},
     {"name":"computedAllowlistHash","type":"bytes32"}
   ]}]},
  {"type":"function","name":"executeIntent","stateMutability":"nonpayable",
   "inputs":[
     {"name":"intentHash","type":"bytes32"},
     {"name":"req","type":"tuple","components":` + executionRequestComponents + `}
   ],
   "outputs":[{"name":"amountOut","type":"uint256"}]}
]`

const claimBookABI = `[
  {"type":"function","name":"attestClaim","stateMutability":"nonpayable",
   "inputs":[
     {"name":"claimHash","type":"bytes32"},
     {"name":"verifiers","type":"address[]"},
     {"name":"sigs","type":"bytes[]"}
   ],"outputs":[]}
]`

var (
	SnapshotBookABI = mustParseABI(snapshotBookABI)
	CoreABI         = mustParseABI(coreABI)
	ClaimBookABI    = mustParseABI(claimBookABI)
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
