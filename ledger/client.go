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
	"context"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/wiimdy/openfunderse-sub000/config"
)

var (
	ErrTxReverted      = errors.New("transaction reverted")
	ErrReceiptTimeout  = errors.New("timed out waiting for transaction receipt")
	ErrNoCode          = errors.New("no deployed bytecode")
	ErrInvalidContract = errors.New("contract does not implement the expected interface")
)

// Client is a rate limited JSON-RPC connection to one chain.
type Client struct {
	eth            *ethclient.Client
	chainID        *big.Int
	receiptTimeout time.Duration
	pollInterval   time.Duration
}

// limitedTransport throttles outgoing RPC requests. It resolves the default
// transport on every call so a swapped http.DefaultTransport is honoured.
type limitedTransport struct {
	limiter *rate.Limiter
	next    http.RoundTripper
}

func (t *limitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.limiter != nil {
		if err := t.limiter.Wait(req.Context()); err != nil {
			return nil, err
		}
	}
	next := t.next
	if next == nil {
		next = http.DefaultTransport
	}
	return next.RoundTrip(req)
}

// Dial connects to the configured RPC endpoint. The chain config must already
// be validated.
func Dial(ctx context.Context, cfg config.ChainConfig) (*Client, error) {
	transport := &limitedTransport{}
	if cfg.RequestsPerSecond != nil && *cfg.RequestsPerSecond > 0 {
		burst := 1
		if cfg.Burst != nil && *cfg.Burst > 0 {
			burst = *cfg.Burst
		}
		transport.limiter = rate.NewLimiter(rate.Limit(*cfg.RequestsPerSecond), burst)
	}

	rpcClient, err := rpc.DialOptions(ctx, cfg.RpcUrl, rpc.WithHTTPClient(&http.Client{Transport: transport}))
	if err != nil {
		return nil, errors.Wrapf(err, "dial rpc %s", cfg.RpcUrl)
	}

	receiptTimeout := time.Duration(cfg.ReceiptTimeoutSec) * time.Second
	if receiptTimeout <= 0 {
		receiptTimeout = config.DEFAULT_RECEIPT_TIMEOUT_SEC * time.Second
	}
	pollInterval := time.Duration(cfg.ReceiptPollInterval) * time.Millisecond
	if pollInterval <= 0 {
		pollInterval = config.DEFAULT_RECEIPT_POLL_MS * time.Millisecond
	}

	return &Client{
		eth:            ethclient.NewClient(rpcClient),
		chainID:        big.NewInt(cfg.ChainID),
		receiptTimeout: receiptTimeout,
		pollInterval:   pollInterval,
	}, nil
}

func (c *Client) Close() {
	c.eth.Close()
}

func (c *Client) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

// HasCode reports whether address carries deployed bytecode at the latest block.
func (c *Client) HasCode(ctx context.Context, address common.Address) (bool, error) {
	code, err := c.eth.CodeAt(ctx, address, nil)
	if err != nil {
		return false, errors.Wrapf(err, "eth_getCode(%s)", strings.ToLower(address.Hex()))
	}
	return len(code) > 0, nil
}

// Call runs a read-only call against the latest block.
func (c *Client) Call(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	out, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, errors.Wrap(err, "eth_call")
	}
	return out, nil
}

// Transact simulates the call from the signer, then signs and broadcasts it.
// It returns the transaction hash without waiting for inclusion.
func (c *Client) Transact(ctx context.Context, signer Signer, to common.Address, data []byte) (common.Hash, error) {
	from := signer.Address()
	msg := ethereum.CallMsg{From: from, To: &to, Data: data}

	if _, err := c.eth.CallContract(ctx, msg, nil); err != nil {
		return common.Hash{}, errors.Wrap(err, "simulation failed")
	}

	gas, err := c.eth.EstimateGas(ctx, msg)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "estimate gas")
	}
	nonce, err := c.eth.PendingNonceAt(ctx, from)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "pending nonce")
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "gas price")
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &to,
		Data:     data,
	})
	signed, err := signer.SignTx(tx, c.ChainID())
	if err != nil {
		return common.Hash{}, errors.Wrap(err, "sign transaction")
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return signed.Hash(), errors.Wrap(err, "send transaction")
	}

	logrus.WithFields(logrus.Fields{
		"tx_hash": signed.Hash().Hex(),
		"to":      strings.ToLower(to.Hex()),
		"nonce":   nonce,
	}).Info("transaction submitted")
	return signed.Hash(), nil
}

// WaitMined polls for the receipt until it appears or the receipt timeout
// elapses. A reverted receipt is returned together with ErrTxReverted.
func (c *Client) WaitMined(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, c.receiptTimeout)
	defer cancel()

	var receipt *types.Receipt
	operation := func() error {
		r, err := c.eth.TransactionReceipt(ctx, txHash)
		if err != nil {
			if errors.Is(err, ethereum.NotFound) {
				return err
			}
			return backoff.Permanent(err)
		}
		receipt = r
		return nil
	}

	policy := backoff.WithContext(backoff.NewConstantBackOff(c.pollInterval), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		if ctx.Err() != nil {
			return nil, errors.Wrapf(ErrReceiptTimeout, "tx %s", txHash.Hex())
		}
		return nil, errors.Wrapf(err, "receipt for tx %s", txHash.Hex())
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, errors.Wrapf(ErrTxReverted, "tx %s", txHash.Hex())
	}
	return receipt, nil
}

// TransactAndWait submits and waits for a successful receipt. The hash is
// returned whenever a transaction was broadcast, including on revert.
func (c *Client) TransactAndWait(ctx context.Context, signer Signer, to common.Address, data []byte) (string, error) {
	txHash, err := c.Transact(ctx, signer, to, data)
	if err != nil {
		if txHash == (common.Hash{}) {
			return "", err
		}
		return txHash.Hex(), err
	}
	if _, err := c.WaitMined(ctx, txHash); err != nil {
		return txHash.Hex(), err
	}
	return txHash.Hex(), nil
}
