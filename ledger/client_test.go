package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wiimdy/openfunderse-sub000/config"
)

const (
	testRPC    = "http://rpc.test"
	testKey    = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	testTxHash = "0x88df016429689c079f3b2f6ad39fa052532c56795b733da78a91ebe6a713944b"
)

var (
	bookAddress = common.HexToAddress("0x00000000000000000000000000000000000000b0")
	coreAddress = common.HexToAddress("0x00000000000000000000000000000000000000c0")
)

type rpcHandler func(params []json.RawMessage) (interface{}, error)

type rpcServer struct {
	mu       sync.Mutex
	handlers map[string]rpcHandler
	calls    map[string]int
}

func newRPCServer(handlers map[string]rpcHandler) *rpcServer {
	return &rpcServer{handlers: handlers, calls: map[string]int{}}
}

func (s *rpcServer) responder(req *http.Request) (*http.Response, error) {
	var call struct {
		ID     json.RawMessage   `json:"id"`
		Method string            `json:"method"`
		Params []json.RawMessage `json:"params"`
	}
	if err := json.NewDecoder(req.Body).Decode(&call); err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.calls[call.Method]++
	handler, ok := s.handlers[call.Method]
	s.mu.Unlock()

	body := map[string]interface{}{"jsonrpc": "2.0", "id": call.ID}
	if !ok {
		body["error"] = map[string]interface{}{"code": -32601, "message": "method not found: " + call.Method}
		return httpmock.NewJsonResponse(200, body)
	}
	result, err := handler(call.Params)
	if err != nil {
		body["error"] = map[string]interface{}{"code": 3, "message": err.Error()}
	} else {
		body["result"] = result
	}
	return httpmock.NewJsonResponse(200, body)
}

func (s *rpcServer) count(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

func setupClient(t *testing.T, handlers map[string]rpcHandler) (*Client, *rpcServer) {
	t.Helper()
	httpmock.Activate()
	t.Cleanup(httpmock.DeactivateAndReset)

	server := newRPCServer(handlers)
	httpmock.RegisterResponder("POST", "=~^"+testRPC, server.responder)

	rps := 1000.0
	burst := 100
	client, err := Dial(context.Background(), config.ChainConfig{
		ChainID:             10143,
		RpcUrl:              testRPC,
		RequestsPerSecond:   &rps,
		Burst:               &burst,
		ReceiptTimeoutSec:   2,
		ReceiptPollInterval: 5,
	})
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client, server
}

func boolWord(v bool) string {
	if v {
		return "0x" + strings.Repeat("0", 63) + "1"
	}
	return "0x" + strings.Repeat("0", 64)
}

func receipt(status string) map[string]interface{} {
	return map[string]interface{}{
		"transactionHash":   testTxHash,
		"transactionIndex":  "0x0",
		"blockHash":         "0x" + strings.Repeat("1", 64),
		"blockNumber":       "0x10",
		"status":            status,
		"cumulativeGasUsed": "0x5208",
		"gasUsed":           "0x5208",
		"logsBloom":         "0x" + strings.Repeat("0", 512),
		"logs":              []interface{}{},
		"type":              "0x0",
	}
}

func txHandlers(receiptStatus string) map[string]rpcHandler {
	return map[string]rpcHandler{
		"eth_call":                func([]json.RawMessage) (interface{}, error) { return "0x", nil },
		"eth_estimateGas":         func([]json.RawMessage) (interface{}, error) { return "0x5208", nil },
		"eth_getTransactionCount": func([]json.RawMessage) (interface{}, error) { return "0x7", nil },
		"eth_gasPrice":            func([]json.RawMessage) (interface{}, error) { return "0x3b9aca00", nil },
		"eth_sendRawTransaction":  func([]json.RawMessage) (interface{}, error) { return testTxHash, nil },
		"eth_getTransactionReceipt": func([]json.RawMessage) (interface{}, error) {
			return receipt(receiptStatus), nil
		},
	}
}

func testSigner(t *testing.T) Signer {
	t.Helper()
	signer, err := NewKeySigner(testKey)
	require.NoError(t, err)
	return signer
}

func TestNewKeySigner(t *testing.T) {
	signer := testSigner(t)
	assert.Equal(t, "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23", signer.Address().Hex())

	_, err := NewKeySigner("0x1234")
	assert.Error(t, err)
}

func TestValidateSnapshotBook_NoCode(t *testing.T) {
	client, _ := setupClient(t, map[string]rpcHandler{
		"eth_getCode": func([]json.RawMessage) (interface{}, error) { return "0x", nil },
	})

	v := client.ValidateSnapshotBook(context.Background(), bookAddress)
	assert.False(t, v.Valid())
	assert.False(t, v.HasCode)
	require.Len(t, v.Errors, 1)
	assert.Contains(t, v.Errors[0], "no deployed bytecode")
}

func TestValidateSnapshotBook_Reverts(t *testing.T) {
	client, _ := setupClient(t, map[string]rpcHandler{
		"eth_getCode": func([]json.RawMessage) (interface{}, error) { return "0x6080", nil },
		"eth_call": func([]json.RawMessage) (interface{}, error) {
			return nil, fmt.Errorf("execution reverted")
		},
	})

	v := client.ValidateSnapshotBook(context.Background(), bookAddress)
	assert.True(t, v.HasCode)
	assert.False(t, v.IsSnapshotFinalizedCallable)
	assert.False(t, v.Valid())
	require.Len(t, v.Errors, 1)
	assert.Contains(t, v.Errors[0], "isSnapshotFinalized(bytes32(0)) reverted")
}

func TestValidateSnapshotBook_Valid(t *testing.T) {
	client, _ := setupClient(t, map[string]rpcHandler{
		"eth_getCode": func([]json.RawMessage) (interface{}, error) { return "0x6080", nil },
		"eth_call":    func([]json.RawMessage) (interface{}, error) { return boolWord(false), nil },
	})

	v := client.ValidateSnapshotBook(context.Background(), bookAddress)
	assert.True(t, v.Valid())
	assert.Equal(t, "0x00000000000000000000000000000000000000b0", v.Address)
}

func TestIsSnapshotFinalized(t *testing.T) {
	var sawData string
	client, _ := setupClient(t, map[string]rpcHandler{
		"eth_call": func(params []json.RawMessage) (interface{}, error) {
			var msg struct {
				Input string `json:"input"`
				Data  string `json:"data"`
			}
			_ = json.Unmarshal(params[0], &msg)
			sawData = msg.Input + msg.Data
			return boolWord(true), nil
		},
	})

	var h [32]byte
	h[31] = 0x42
	finalized, err := client.IsSnapshotFinalized(context.Background(), bookAddress, h)
	require.NoError(t, err)
	assert.True(t, finalized)

	packed, err := SnapshotBookABI.Pack("isSnapshotFinalized", h)
	require.NoError(t, err)
	assert.Contains(t, sawData, hexutil.Encode(packed))
}

func TestPublishSnapshot(t *testing.T) {
	client, server := setupClient(t, txHandlers("0x1"))

	txHash, err := client.PublishSnapshot(context.Background(), testSigner(t), bookAddress, [32]byte{1})
	require.NoError(t, err)
	assert.Len(t, txHash, 66)
	assert.Equal(t, 1, server.count("eth_sendRawTransaction"))
	assert.Equal(t, 1, server.count("eth_call"), "transaction must be simulated before submit")
}

func TestPublishSnapshot_Reverted(t *testing.T) {
	client, _ := setupClient(t, txHandlers("0x0"))

	txHash, err := client.PublishSnapshot(context.Background(), testSigner(t), bookAddress, [32]byte{1})
	assert.ErrorIs(t, err, ErrTxReverted)
	assert.NotEmpty(t, txHash)
}

func TestPublishSnapshot_SimulationFails(t *testing.T) {
	handlers := txHandlers("0x1")
	handlers["eth_call"] = func([]json.RawMessage) (interface{}, error) {
		return nil, fmt.Errorf("execution reverted: not publisher")
	}
	client, server := setupClient(t, handlers)

	txHash, err := client.PublishSnapshot(context.Background(), testSigner(t), bookAddress, [32]byte{1})
	require.Error(t, err)
	assert.Empty(t, txHash)
	assert.Contains(t, err.Error(), "simulation failed")
	assert.Equal(t, 0, server.count("eth_sendRawTransaction"))
}

func TestWaitMined_PollsUntilReceipt(t *testing.T) {
	handlers := txHandlers("0x1")
	polls := 0
	handlers["eth_getTransactionReceipt"] = func([]json.RawMessage) (interface{}, error) {
		polls++
		if polls < 3 {
			return nil, nil
		}
		return receipt("0x1"), nil
	}
	client, _ := setupClient(t, handlers)

	r, err := client.WaitMined(context.Background(), common.HexToHash(testTxHash))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r.Status)
	assert.Equal(t, 3, polls)
}

func TestValidateIntentExecution(t *testing.T) {
	want := IntentPreflight{
		Exists:         true,
		Approved:       true,
		NotExpired:     true,
		NotExecuted:    false,
		WithinNotional: true,
		SlippageOk:     true,
		AllowlistOk:    true,
		Deadline:       1700000000,
		MaxSlippageBps: 50,
		MaxNotional:    big.NewInt(1000),
	}
	encoded, err := CoreABI.Methods["validateIntentExecution"].Outputs.Pack(want)
	require.NoError(t, err)

	client, _ := setupClient(t, map[string]rpcHandler{
		"eth_call": func([]json.RawMessage) (interface{}, error) { return hexutil.Encode(encoded), nil },
	})

	got, err := client.ValidateIntentExecution(context.Background(), coreAddress, [32]byte{9}, sampleRequest())
	require.NoError(t, err)
	assert.False(t, got.Passed())
	assert.True(t, got.Exists)
	assert.Equal(t, uint64(1700000000), got.Deadline)
	assert.Equal(t, uint16(50), got.MaxSlippageBps)
	assert.Equal(t, "1000", got.MaxNotional.String())
	assert.Equal(t,
		"preflight failed: exists=true approved=true notExpired=true notExecuted=false withinNotional=true slippageOk=true allowlistOk=true",
		got.FailureMessage())
}

func TestExecuteIntent(t *testing.T) {
	client, server := setupClient(t, txHandlers("0x1"))

	txHash, err := client.ExecuteIntent(context.Background(), testSigner(t), coreAddress, [32]byte{9}, sampleRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, txHash)
	assert.Equal(t, 1, server.count("eth_getTransactionReceipt"))
}

func TestAttestClaim_LengthMismatch(t *testing.T) {
	client, _ := setupClient(t, txHandlers("0x1"))

	_, err := client.AttestClaim(context.Background(), testSigner(t), bookAddress, [32]byte{1},
		[]common.Address{bookAddress}, nil)
	assert.Error(t, err)
}

func sampleRequest() ExecutionRequest {
	return ExecutionRequest{
		TokenIn:        common.HexToAddress("0x0000000000000000000000000000000000000001"),
		TokenOut:       common.HexToAddress("0x0000000000000000000000000000000000000002"),
		AmountIn:       big.NewInt(100),
		QuoteAmountOut: big.NewInt(95),
		MinAmountOut:   big.NewInt(90),
		Adapter:        common.HexToAddress("0x0000000000000000000000000000000000000003"),
		AdapterData:    []byte{},
	}
}
