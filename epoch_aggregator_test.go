package relayer

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wiimdy/openfunderse-sub000/aggregate"
	"github.com/wiimdy/openfunderse-sub000/config"
	"github.com/wiimdy/openfunderse-sub000/internal/apierror"
	"github.com/wiimdy/openfunderse-sub000/internal/hash"
	"github.com/wiimdy/openfunderse-sub000/ledger"
	"github.com/wiimdy/openfunderse-sub000/model"
)

// insertClaim stores a claim directly, opening the epoch on first use.
func (e *testEnv) insertClaim(t *testing.T, fundID string, epochID uint64, n int, at time.Time, weights []*big.Int) {
	t.Helper()
	ctx := context.Background()
	if _, err := e.store.GetOpenEpoch(ctx, fundID); apierror.Is(err, apierror.ErrNotFound) {
		_, err := e.store.CreateEpoch(ctx, model.EpochLifecycle{FundID: fundID, EpochID: epochID, OpenedAt: e.now, ClosesAt: e.now.Add(time.Hour)})
		require.NoError(t, err)
	}
	_, _, err := e.store.InsertClaim(ctx, model.AllocationClaim{
		FundID:      fundID,
		ClaimHash:   fmt.Sprintf("0x%064x", int64(n)*1000+at.Unix()%1000),
		EpochID:     epochID,
		Participant: participant(n),
		ClaimJSON:   model.NewClaimJSON(weights),
		CreatedAt:   at,
	})
	require.NoError(t, err)
}

func (e *testEnv) stake(t *testing.T, fundID string, n int, weight int64) {
	t.Helper()
	require.NoError(t, e.store.UpsertStakeWeight(context.Background(), model.StakeWeight{
		FundID: fundID, Participant: participant(n), Weight: big.NewInt(weight),
	}))
}

func (e *testEnv) threeParticipantEpoch(t *testing.T, fundID string) {
	e.insertClaim(t, fundID, 1, 1, e.now, bigs(5000, 2000, 1000, 1000, 500, 500))
	e.insertClaim(t, fundID, 1, 2, e.now, bigs(1000, 1000, 2000, 2000, 2000, 2000))
	e.insertClaim(t, fundID, 1, 3, e.now, bigs(2500, 2500, 2500, 2500, 0, 0))
	e.stake(t, fundID, 1, 100)
	e.stake(t, fundID, 2, 200)
	e.stake(t, fundID, 3, 300)
}

func TestComputeEpochAggregate(t *testing.T) {
	env := newTestEnv(t, nil)
	fund := env.createFund(t, nil)
	env.threeParticipantEpoch(t, fund.FundID)

	agg, err := env.relayer.ComputeEpochAggregate(context.Background(), fund.FundID, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"2418", "1916", "2083", "2083", "750", "750"}, model.BigIntStrings(agg.AggregateWeights))
	assert.Equal(t, "10000", model.SumBigInts(agg.AggregateWeights).String())
	assert.Equal(t, "10000", agg.ClaimScale.String())
	assert.Equal(t, 3, agg.ParticipantCount)
	assert.Equal(t, 3, agg.ClaimCount)

	expected, _, err := hash.EpochStateHash(1, agg.ClaimHashes)
	require.NoError(t, err)
	assert.Equal(t, expected.Hex(), agg.EpochStateHash)

	again, err := env.relayer.ComputeEpochAggregate(context.Background(), fund.FundID, 1)
	require.NoError(t, err)
	assert.Equal(t, agg.EpochStateHash, again.EpochStateHash)
	assert.Equal(t, model.BigIntStrings(agg.AggregateWeights), model.BigIntStrings(again.AggregateWeights))
}

func TestComputeEpochAggregateLatestClaimWins(t *testing.T) {
	env := newTestEnv(t, nil)
	fund := env.createFund(t, nil)
	env.insertClaim(t, fund.FundID, 1, 1, env.now, bigs(10, 0))
	env.insertClaim(t, fund.FundID, 1, 1, env.now.Add(time.Second), bigs(0, 10))
	env.stake(t, fund.FundID, 1, 5)

	agg, err := env.relayer.ComputeEpochAggregate(context.Background(), fund.FundID, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"0", "10"}, model.BigIntStrings(agg.AggregateWeights))
	assert.Equal(t, 1, agg.ClaimCount)
}

func TestComputeEpochAggregateStakePolicy(t *testing.T) {
	t.Run("exclude skips participants without stake", func(t *testing.T) {
		env := newTestEnv(t, nil)
		fund := env.createFund(t, nil)
		env.insertClaim(t, fund.FundID, 1, 1, env.now, bigs(10, 0))
		env.insertClaim(t, fund.FundID, 1, 2, env.now, bigs(0, 10))
		env.stake(t, fund.FundID, 1, 5)

		agg, err := env.relayer.ComputeEpochAggregate(context.Background(), fund.FundID, 1)
		require.NoError(t, err)
		assert.Equal(t, []string{"10", "0"}, model.BigIntStrings(agg.AggregateWeights))
		assert.Equal(t, []string{participant(2)}, agg.Skipped.NoStake)
	})

	t.Run("unit counts missing stake as one", func(t *testing.T) {
		env := newTestEnv(t, func(c *config.Configuration) { c.Epoch.StakePolicy = config.StakePolicyUnit })
		fund := env.createFund(t, nil)
		env.insertClaim(t, fund.FundID, 1, 1, env.now, bigs(10, 0))
		env.insertClaim(t, fund.FundID, 1, 2, env.now, bigs(0, 10))
		env.stake(t, fund.FundID, 1, 1)

		agg, err := env.relayer.ComputeEpochAggregate(context.Background(), fund.FundID, 1)
		require.NoError(t, err)
		assert.Equal(t, []string{"5", "5"}, model.BigIntStrings(agg.AggregateWeights))
		assert.Empty(t, agg.Skipped.NoStake)
	})

	t.Run("nobody staked", func(t *testing.T) {
		env := newTestEnv(t, nil)
		fund := env.createFund(t, nil)
		env.insertClaim(t, fund.FundID, 1, 1, env.now, bigs(10, 0))

		_, err := env.relayer.ComputeEpochAggregate(context.Background(), fund.FundID, 1)
		require.Error(t, err)
		assert.True(t, apierror.Is(err, apierror.ErrBadRequest))

		var apiErr apierror.APIError
		require.ErrorAs(t, err, &apiErr)
		skipped, ok := apiErr.Details.(aggregate.Skipped)
		require.True(t, ok)
		assert.Equal(t, []string{participant(1)}, skipped.NoStake)
	})
}

func TestComputeEpochAggregateRegistry(t *testing.T) {
	env := newTestEnv(t, nil)
	fund := env.createFund(t, nil)
	ctx := context.Background()
	env.insertClaim(t, fund.FundID, 1, 1, env.now, bigs(10, 0))
	env.insertClaim(t, fund.FundID, 1, 2, env.now, bigs(0, 10))
	env.stake(t, fund.FundID, 1, 1)
	env.stake(t, fund.FundID, 2, 1)
	require.NoError(t, env.relayer.RegisterParticipant(ctx, fund.FundID, participant(2)))

	agg, err := env.relayer.ComputeEpochAggregate(ctx, fund.FundID, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"0", "10"}, model.BigIntStrings(agg.AggregateWeights))
	assert.Equal(t, []string{participant(1)}, agg.Skipped.Unregistered)
}

func TestComputeEpochAggregateRejectsBadShapes(t *testing.T) {
	tests := []struct {
		name    string
		claims  [][]*big.Int
		message string
	}{
		{name: "dimension mismatch", claims: [][]*big.Int{bigs(5, 5), bigs(10)}, message: "dimension mismatch"},
		{name: "scale mismatch", claims: [][]*big.Int{bigs(5, 5), bigs(5, 6)}, message: "sum mismatch"},
		{name: "zero scale", claims: [][]*big.Int{bigs(0, 0)}, message: "sum must be positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			fund := env.createFund(t, nil)
			for i, w := range tt.claims {
				env.insertClaim(t, fund.FundID, 1, i+1, env.now, w)
				env.stake(t, fund.FundID, i+1, 1)
			}
			_, err := env.relayer.ComputeEpochAggregate(context.Background(), fund.FundID, 1)
			require.Error(t, err)
			assert.True(t, apierror.Is(err, apierror.ErrBadRequest))
			assert.Contains(t, err.Error(), tt.message)
		})
	}

	env := newTestEnv(t, nil)
	fund := env.createFund(t, nil)
	_, err := env.relayer.ComputeEpochAggregate(context.Background(), fund.FundID, 1)
	assert.True(t, apierror.Is(err, apierror.ErrBadRequest))
}

func TestAggregateEpochIsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	fund := env.createFund(t, nil)
	env.threeParticipantEpoch(t, fund.FundID)
	ctx := context.Background()

	first, err := env.relayer.AggregateEpoch(ctx, fund.FundID, 1)
	require.NoError(t, err)
	assert.Equal(t, AggregateOK, first.Status)
	assert.False(t, first.SnapshotPublish.AlreadyPublished)
	assert.Equal(t, env.gateway.publishTx, first.SnapshotPublish.TxHash)
	assert.Equal(t, testBook, first.SnapshotBookAddress)

	second, err := env.relayer.AggregateEpoch(ctx, fund.FundID, 1)
	require.NoError(t, err)
	assert.Equal(t, AggregateAlreadyAggregated, second.Status)
	assert.Equal(t, first.EpochStateHash, second.EpochStateHash)

	publish, _, _ := env.gateway.calls()
	assert.Equal(t, 1, publish)
	assert.EqualValues(t, 1, env.relayer.Metrics().Snapshot()[CounterOnchainSubmitSuccess])
}

func TestClaimProof(t *testing.T) {
	env := newTestEnv(t, nil)
	fund := env.createFund(t, nil)
	env.threeParticipantEpoch(t, fund.FundID)
	ctx := context.Background()

	result, err := env.relayer.AggregateEpoch(ctx, fund.FundID, 1)
	require.NoError(t, err)
	require.Len(t, result.ClaimHashes, 3)

	for _, claim := range result.ClaimHashes {
		inclusion, err := env.relayer.ClaimProof(ctx, fund.FundID, 1, strings.ToUpper(claim))
		require.NoError(t, err)
		assert.Equal(t, result.EpochStateHash, inclusion.EpochStateHash)
		assert.Equal(t, strings.ToLower(claim), inclusion.ClaimHash)

		root, err := hash.Parse(inclusion.MerkleRoot)
		require.NoError(t, err)
		leaf, err := hash.Parse(claim)
		require.NoError(t, err)
		path := make([]hash.Hash, len(inclusion.Proof))
		for i, p := range inclusion.Proof {
			path[i], err = hash.Parse(p)
			require.NoError(t, err)
		}
		assert.True(t, hash.VerifyProof(root, leaf, path))
	}

	_, err = env.relayer.ClaimProof(ctx, fund.FundID, 1, fmt.Sprintf("0x%064x", 99))
	assert.True(t, apierror.Is(err, apierror.ErrNotFound))
	_, err = env.relayer.ClaimProof(ctx, fund.FundID, 2, result.ClaimHashes[0])
	assert.True(t, apierror.Is(err, apierror.ErrNotFound), "epoch 2 has no aggregate")
	_, err = env.relayer.ClaimProof(ctx, fund.FundID, 1, "0x1234")
	assert.True(t, apierror.Is(err, apierror.ErrBadRequest))
}

func TestAggregateEpochAlreadyFinalizedOnchain(t *testing.T) {
	env := newTestEnv(t, nil)
	fund := env.createFund(t, nil)
	env.threeParticipantEpoch(t, fund.FundID)
	ctx := context.Background()

	agg, err := env.relayer.ComputeEpochAggregate(ctx, fund.FundID, 1)
	require.NoError(t, err)
	h, err := hash.Parse(agg.EpochStateHash)
	require.NoError(t, err)
	env.gateway.finalized[h] = true

	result, err := env.relayer.AggregateEpoch(ctx, fund.FundID, 1)
	require.NoError(t, err)
	assert.Equal(t, AggregateOK, result.Status)
	assert.True(t, result.SnapshotPublish.AlreadyPublished)
	assert.Empty(t, result.SnapshotPublish.TxHash)

	publish, _, _ := env.gateway.calls()
	assert.Zero(t, publish)

	state, err := env.store.GetEpochState(ctx, fund.FundID, 1)
	require.NoError(t, err)
	assert.Equal(t, agg.EpochStateHash, state.EpochStateHash)
}

func TestAggregateEpochFailures(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(env *testEnv, fundID string)
		mutate  func(*config.Configuration)
		code    apierror.ErrorCode
		message string
	}{
		{
			name: "invalid deployment address",
			setup: func(env *testEnv, fundID string) {
				require.NoError(t, env.store.UpsertFundDeployment(context.Background(), model.FundDeployment{FundID: fundID, SnapshotBookAddress: "0x1234"}))
			},
			code:    apierror.ErrBadRequest,
			message: "invalid snapshotBook address",
		},
		{
			name:    "missing rpc",
			mutate:  func(c *config.Configuration) { c.Chain.RpcUrl = "" },
			code:    apierror.ErrConfig,
			message: "RPC_URL",
		},
		{
			name:    "missing signer",
			mutate:  func(c *config.Configuration) { c.Signer = config.SignerConfig{} },
			code:    apierror.ErrConfig,
			message: "missing required key to publish snapshot",
		},
		{
			name:    "invalid snapshot book",
			setup:   func(env *testEnv, _ string) { env.gateway.invalidBook = true },
			code:    apierror.ErrOnchain,
			message: "does not implement SnapshotBook interface",
		},
		{
			name:    "finalization read fails",
			setup:   func(env *testEnv, _ string) { env.gateway.finalizedErr = errors.New("eth_call failed") },
			code:    apierror.ErrOnchain,
			message: "failed to read snapshot finalization status",
		},
		{
			name:    "publish reverts",
			setup:   func(env *testEnv, _ string) { env.gateway.publishErr = errors.Wrap(ledger.ErrTxReverted, "tx") },
			code:    apierror.ErrOnchain,
			message: "publishSnapshot reverted",
		},
		{
			name:    "read back fails",
			setup:   func(env *testEnv, _ string) { env.gateway.skipFinalize = true },
			code:    apierror.ErrOnchain,
			message: "read-back check failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.mutate)
			fund := env.createFund(t, nil)
			env.threeParticipantEpoch(t, fund.FundID)
			if tt.setup != nil {
				tt.setup(env, fund.FundID)
			}

			_, err := env.relayer.AggregateEpoch(context.Background(), fund.FundID, 1)
			require.Error(t, err)
			assert.Equal(t, tt.code, apierror.CodeOf(err))
			assert.Contains(t, err.Error(), tt.message)

			_, err = env.store.GetEpochState(context.Background(), fund.FundID, 1)
			assert.True(t, apierror.Is(err, apierror.ErrNotFound), "a failed aggregation must not store state")
		})
	}
}

func TestAggregateEpochOnchainErrorCarriesTxHash(t *testing.T) {
	env := newTestEnv(t, nil)
	fund := env.createFund(t, nil)
	env.threeParticipantEpoch(t, fund.FundID)
	env.gateway.skipFinalize = true

	_, err := env.relayer.AggregateEpoch(context.Background(), fund.FundID, 1)
	var apiErr apierror.APIError
	require.ErrorAs(t, err, &apiErr)
	details, ok := apiErr.Details.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, env.gateway.publishTx, details["txHash"])
}
