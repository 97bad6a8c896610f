package contract

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"medconsult/model"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"
)

// Reputation deltas. Opinion verification pays once per opinion; each
// vote received moves the score by one point, floored at zero.
const (
	opinionVerifiedReward       = 50
	voteReputationDelta         = 1
	defaultEligibilityThreshold = 500

	eligibilityThresholdSetting = "eligibilityThreshold"
)

func (s *ConsultationSmartContract) createReputationKey(ctx contractapi.TransactionContextInterface, expertID uint64) (string, error) {
	return ctx.GetStub().CreateCompositeKey(reputationObjectType, []string{padID(expertID)})
}

// getReputationRecord returns the stored record for an expert, or nil
// (with no error) when the expert has no record yet.
func (s *ConsultationSmartContract) getReputationRecord(ctx contractapi.TransactionContextInterface, expertID uint64) (*model.ReputationRecord, error) {
	key, err := s.createReputationKey(ctx, expertID)
	if err != nil {
		return nil, fmt.Errorf("failed to create reputation key for expert %d: %w", expertID, err)
	}
	raw, err := ctx.GetStub().GetState(key)
	if err != nil {
		return nil, fmt.Errorf("ledger error reading reputation of expert %d: %w", expertID, err)
	}
	if raw == nil {
		return nil, nil
	}
	var rec model.ReputationRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal reputation of expert %d: %w", expertID, err)
	}
	return &rec, nil
}

func (s *ConsultationSmartContract) putReputationRecord(ctx contractapi.TransactionContextInterface, rec *model.ReputationRecord) error {
	key, err := s.createReputationKey(ctx, rec.ExpertID)
	if err != nil {
		return fmt.Errorf("failed to create reputation key for expert %d: %w", rec.ExpertID, err)
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal reputation of expert %d: %w", rec.ExpertID, err)
	}
	if err := ctx.GetStub().PutState(key, raw); err != nil {
		return fmt.Errorf("failed to save reputation of expert %d: %w", rec.ExpertID, err)
	}
	return nil
}

// loadOrCreateReputation fetches an expert's record, creating a zeroed
// one on first touch. Experts accrue reputation the moment they act; no
// explicit initialization is required.
func (s *ConsultationSmartContract) loadOrCreateReputation(ctx contractapi.TransactionContextInterface, expertID uint64, now time.Time) (*model.ReputationRecord, error) {
	rec, err := s.getReputationRecord(ctx, expertID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		rec = &model.ReputationRecord{
			ObjectType: reputationObjectType,
			ExpertID:   expertID,
			IsActive:   true,
			CreatedAt:  now,
		}
	}
	return rec, nil
}

// recordOpinionSubmitted bumps an expert's opinion counter. Opinion
// registry only.
func (s *ConsultationSmartContract) recordOpinionSubmitted(ctx contractapi.TransactionContextInterface, caller component, expertID uint64, now time.Time) error {
	if caller != componentExpertOpinion {
		return fmt.Errorf("%w: component '%s' may not record opinion submissions", ErrUnauthorized, caller)
	}
	rec, err := s.loadOrCreateReputation(ctx, expertID, now)
	if err != nil {
		return err
	}
	rec.TotalOpinions++
	rec.LastUpdatedAt = now
	return s.putReputationRecord(ctx, rec)
}

// updateReputationForOpinion credits an expert when one of their
// opinions is verified. Voting registry only (verification is a vote
// outcome). An unverified update is a timestamp-only touch.
func (s *ConsultationSmartContract) updateReputationForOpinion(ctx contractapi.TransactionContextInterface, caller component, expertID uint64, verified bool, now time.Time) error {
	if caller != componentVoting && caller != componentExpertOpinion {
		return fmt.Errorf("%w: component '%s' may not update opinion reputation", ErrUnauthorized, caller)
	}
	rec, err := s.loadOrCreateReputation(ctx, expertID, now)
	if err != nil {
		return err
	}
	if verified {
		rec.VerifiedOpinions++
		rec.Score += opinionVerifiedReward
	}
	rec.LastUpdatedAt = now
	return s.putReputationRecord(ctx, rec)
}

// updateReputationForVote moves an expert's score by one point per vote
// received. Voting registry only. Score never drops below zero.
func (s *ConsultationSmartContract) updateReputationForVote(ctx contractapi.TransactionContextInterface, caller component, expertID uint64, approve bool, now time.Time) error {
	if caller != componentVoting {
		return fmt.Errorf("%w: component '%s' may not update vote reputation", ErrUnauthorized, caller)
	}
	rec, err := s.loadOrCreateReputation(ctx, expertID, now)
	if err != nil {
		return err
	}
	rec.TotalVotes++
	if approve {
		rec.PositiveVotes++
		rec.Score += voteReputationDelta
	} else {
		rec.Score -= voteReputationDelta
		if rec.Score < 0 {
			rec.Score = 0
		}
	}
	rec.LastUpdatedAt = now
	return s.putReputationRecord(ctx, rec)
}

// InitializeExpert seeds an expert's reputation with a starting score.
// Admin only, and only before the expert has any record; an expert who
// already accrued reputation cannot be re-seeded.
func (s *ConsultationSmartContract) InitializeExpert(ctx contractapi.TransactionContextInterface, expertID uint64, score int64) error {
	am := NewAccessManager(ctx)
	callerID, err := am.RequireRole(model.RoleAdmin)
	if err != nil {
		return fmt.Errorf("InitializeExpert: %w", err)
	}
	if expertID == 0 {
		return fmt.Errorf("%w: expert ID must be positive", ErrInvalidArgument)
	}
	if score < 0 {
		return fmt.Errorf("%w: starting score cannot be negative", ErrInvalidArgument)
	}

	existing, err := s.getReputationRecord(ctx, expertID)
	if err != nil {
		return fmt.Errorf("InitializeExpert: %w", err)
	}
	if existing != nil {
		return fmt.Errorf("%w: expert %d already has a reputation record", ErrAlreadyInitialized, expertID)
	}

	now, err := s.getCurrentTxTimestamp(ctx)
	if err != nil {
		return fmt.Errorf("InitializeExpert: %w", err)
	}
	rec := model.ReputationRecord{
		ObjectType:    reputationObjectType,
		ExpertID:      expertID,
		Score:         score,
		IsActive:      true,
		CreatedAt:     now,
		LastUpdatedAt: now,
	}
	if err := s.putReputationRecord(ctx, &rec); err != nil {
		return fmt.Errorf("InitializeExpert: %w", err)
	}

	s.emitEvent(ctx, "ExpertInitialized", map[string]interface{}{
		"expertId":      expertID,
		"score":         score,
		"initializedBy": callerID,
	})
	logger.Infof("Expert %d initialized with score %d by admin '%s'", expertID, score, callerID)
	return nil
}

// GetReputation returns an expert's current score. Experts with no
// record score zero; this never fails on absence.
func (s *ConsultationSmartContract) GetReputation(ctx contractapi.TransactionContextInterface, expertID uint64) (int64, error) {
	rec, err := s.getReputationRecord(ctx, expertID)
	if err != nil {
		return 0, err
	}
	if rec == nil {
		return 0, nil
	}
	return rec.Score, nil
}

// GetExpertStats returns the full reputation record of an expert.
func (s *ConsultationSmartContract) GetExpertStats(ctx contractapi.TransactionContextInterface, expertID uint64) (*model.ReputationRecord, error) {
	logger.Debugf("Chaincode Call: GetExpertStats %d", expertID)
	rec, err := s.getReputationRecord(ctx, expertID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: expert %d has no reputation record", ErrNotFound, expertID)
	}
	return rec, nil
}

// GetAllExperts returns the IDs of every expert with a reputation
// record, in ascending ID order.
func (s *ConsultationSmartContract) GetAllExperts(ctx contractapi.TransactionContextInterface) ([]uint64, error) {
	logger.Debug("Chaincode Call: GetAllExperts")
	iterator, err := ctx.GetStub().GetStateByPartialCompositeKey(reputationObjectType, []string{})
	if err != nil {
		return nil, fmt.Errorf("GetAllExperts: failed to get reputation iterator: %w", err)
	}
	defer iterator.Close()

	expertIDs := []uint64{}
	for iterator.HasNext() {
		entry, iterErr := iterator.Next()
		if iterErr != nil {
			logger.Warningf("GetAllExperts: failed to get next record: %v. Skipping.", iterErr)
			continue
		}
		var rec model.ReputationRecord
		if err := json.Unmarshal(entry.Value, &rec); err != nil {
			logger.Warningf("GetAllExperts: failed to unmarshal record at key '%s': %v. Skipping.", entry.Key, err)
			continue
		}
		expertIDs = append(expertIDs, rec.ExpertID)
	}
	return expertIDs, nil
}

// eligibilityThreshold returns the configured minimum score, falling
// back to the default when no admin has set one.
func (s *ConsultationSmartContract) eligibilityThreshold(ctx contractapi.TransactionContextInterface) (int64, error) {
	key, err := ctx.GetStub().CreateCompositeKey(platformConfigObjectType, []string{eligibilityThresholdSetting})
	if err != nil {
		return 0, fmt.Errorf("failed to create config key: %w", err)
	}
	raw, err := ctx.GetStub().GetState(key)
	if err != nil {
		return 0, fmt.Errorf("ledger error reading eligibility threshold: %w", err)
	}
	if raw == nil {
		return defaultEligibilityThreshold, nil
	}
	threshold, parseErr := strconv.ParseInt(string(raw), 10, 64)
	if parseErr != nil {
		return 0, fmt.Errorf("corrupt eligibility threshold value '%s': %w", string(raw), parseErr)
	}
	return threshold, nil
}

// SetEligibilityThreshold overrides the minimum score an expert needs to
// qualify for category eligibility. Admin only.
func (s *ConsultationSmartContract) SetEligibilityThreshold(ctx contractapi.TransactionContextInterface, threshold int64) error {
	am := NewAccessManager(ctx)
	callerID, err := am.RequireRole(model.RoleAdmin)
	if err != nil {
		return fmt.Errorf("SetEligibilityThreshold: %w", err)
	}
	if threshold < 0 {
		return fmt.Errorf("%w: threshold cannot be negative", ErrInvalidArgument)
	}
	key, err := ctx.GetStub().CreateCompositeKey(platformConfigObjectType, []string{eligibilityThresholdSetting})
	if err != nil {
		return fmt.Errorf("SetEligibilityThreshold: failed to create config key: %w", err)
	}
	if err := ctx.GetStub().PutState(key, []byte(strconv.FormatInt(threshold, 10))); err != nil {
		return fmt.Errorf("SetEligibilityThreshold: failed to save threshold: %w", err)
	}
	logger.Infof("Eligibility threshold set to %d by admin '%s'", threshold, callerID)
	return nil
}

// IsEligibleForCategory reports whether an expert's score meets the
// configured threshold for the given category. The category must be
// named but does not carry per-category thresholds; eligibility is a
// single global bar.
func (s *ConsultationSmartContract) IsEligibleForCategory(ctx contractapi.TransactionContextInterface, expertID uint64, category string) (bool, error) {
	if err := s.validateRequiredString(category, "category", maxStringInputLength); err != nil {
		return false, err
	}
	score, err := s.GetReputation(ctx, expertID)
	if err != nil {
		return false, err
	}
	threshold, err := s.eligibilityThreshold(ctx)
	if err != nil {
		return false, err
	}
	return score >= threshold, nil
}
