package relayer

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	"github.com/wiimdy/openfunderse-sub000/internal/apierror"
	"github.com/wiimdy/openfunderse-sub000/model"
)

// ValidatorSnapshot is the verifier weight table a subject is voted on with.
type ValidatorSnapshot struct {
	SnapshotID      string
	ThresholdWeight *big.Int
	TotalWeight     *big.Int
	Weights         map[string]*big.Int
}

// WeightOf returns the verifier's weight, zero when it is not in the snapshot.
func (s *ValidatorSnapshot) WeightOf(verifier string) *big.Int {
	if w, ok := s.Weights[model.NormalizeAddress(verifier)]; ok {
		return new(big.Int).Set(w)
	}
	return new(big.Int)
}

// Reached reports whether the distinct verifiers together carry at least the
// threshold weight.
func (s *ValidatorSnapshot) Reached(verifiers []string) bool {
	seen := make(map[string]struct{}, len(verifiers))
	total := new(big.Int)
	for _, v := range verifiers {
		v = model.NormalizeAddress(v)
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		total.Add(total, s.WeightOf(v))
	}
	return total.Cmp(s.ThresholdWeight) >= 0
}

// ParseValidatorWeights reads a comma separated address:weight list. Repeated
// addresses keep the last weight.
func ParseValidatorWeights(raw string) (map[string]*big.Int, error) {
	weights := make(map[string]*big.Int)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		addr, weightRaw, ok := strings.Cut(entry, ":")
		if !ok || strings.TrimSpace(addr) == "" || strings.TrimSpace(weightRaw) == "" {
			return nil, fmt.Errorf("invalid VERIFIER_WEIGHT_SNAPSHOT entry: %s", entry)
		}
		if !model.IsAddress(addr) {
			return nil, fmt.Errorf("invalid validator address in VERIFIER_WEIGHT_SNAPSHOT: %s", entry)
		}
		weight, err := model.ParseBigInt(weightRaw)
		if err != nil {
			return nil, fmt.Errorf("invalid weight in VERIFIER_WEIGHT_SNAPSHOT: %s", entry)
		}
		weights[model.NormalizeAddress(addr)] = weight
	}
	return weights, nil
}

// LoadValidatorSnapshot builds the snapshot for a fund's claims or intents.
// Weights come from configuration; the threshold is the fund's own when set,
// otherwise the configured default.
func (r *Relayer) LoadValidatorSnapshot(ctx context.Context, fundID string, subjectType model.SubjectType, epochID uint64) (*ValidatorSnapshot, error) {
	fund, err := r.GetFund(ctx, fundID)
	if err != nil && !apierror.Is(err, apierror.ErrNotFound) {
		return nil, err
	}

	var (
		threshold  *big.Int
		fallback   string
		snapshotID string
	)
	switch subjectType {
	case model.SubjectClaim:
		fallback = r.config.Consensus.ClaimThresholdWeight
		snapshotID = fmt.Sprintf("%s:%d:claim", fundID, epochID)
		if fund != nil {
			threshold = fund.ClaimThresholdWeight
		}
	case model.SubjectIntent:
		fallback = r.config.Consensus.IntentThresholdWeight
		snapshotID = fundID + ":intent"
		if fund != nil {
			threshold = fund.IntentThresholdWeight
		}
	default:
		return nil, badRequest(fmt.Sprintf("unknown subject type %q", subjectType), nil)
	}

	if threshold == nil {
		threshold, err = model.ParseBigInt(fallback)
		if err != nil {
			return nil, apierror.NewAPIError(apierror.ErrConfig, fmt.Sprintf("invalid %s threshold weight %q", strings.ToLower(string(subjectType)), fallback), nil)
		}
	}

	weights, err := ParseValidatorWeights(r.config.Consensus.VerifierWeights)
	if err != nil {
		return nil, apierror.NewAPIError(apierror.ErrConfig, err.Error(), nil)
	}
	if len(weights) == 0 {
		return nil, apierror.NewAPIError(apierror.ErrConfig, "VERIFIER_WEIGHT_SNAPSHOT is required for weighted attestation mode", nil)
	}

	total := new(big.Int)
	for _, w := range weights {
		total.Add(total, w)
	}
	if threshold.Cmp(total) > 0 {
		return nil, apierror.NewAPIError(apierror.ErrConfig,
			fmt.Sprintf("thresholdWeight exceeds snapshot totalWeight (%s > %s)", threshold, total), nil)
	}

	return &ValidatorSnapshot{
		SnapshotID:      snapshotID,
		ThresholdWeight: new(big.Int).Set(threshold),
		TotalWeight:     total,
		Weights:         weights,
	}, nil
}
