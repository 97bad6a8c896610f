package contract

import (
	"encoding/json"
	"fmt"
	"time"

	"medconsult/model"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"
)

// --- Expert wallet mapping ---

// RegisterExpertWallet binds a numeric expert ID to a ledger identity.
// Admin only. The identity must already hold the expert role, and both
// sides of the mapping must be unused; the binding is permanent.
func (s *ConsultationSmartContract) RegisterExpertWallet(ctx contractapi.TransactionContextInterface, expertID uint64, user string) error {
	am := NewAccessManager(ctx)
	callerID, err := am.RequireRole(model.RoleAdmin)
	if err != nil {
		return fmt.Errorf("RegisterExpertWallet: %w", err)
	}
	if expertID == 0 {
		return fmt.Errorf("%w: expert ID must be positive", ErrInvalidArgument)
	}
	if err := s.validateRequiredString(user, "user", maxStringInputLength*2); err != nil {
		return err
	}
	role, err := am.GetRole(user)
	if err != nil {
		return fmt.Errorf("RegisterExpertWallet: failed to resolve role of '%s': %w", user, err)
	}
	if role != model.RoleExpert {
		return fmt.Errorf("%w: identity '%s' does not hold the expert role", ErrInvalidArgument, user)
	}

	forwardKey, err := ctx.GetStub().CreateCompositeKey(expertWalletObjectType, []string{padID(expertID)})
	if err != nil {
		return fmt.Errorf("RegisterExpertWallet: failed to create wallet key: %w", err)
	}
	reverseKey, err := ctx.GetStub().CreateCompositeKey(walletExpertObjectType, []string{user})
	if err != nil {
		return fmt.Errorf("RegisterExpertWallet: failed to create reverse wallet key: %w", err)
	}
	existing, err := ctx.GetStub().GetState(forwardKey)
	if err != nil {
		return fmt.Errorf("RegisterExpertWallet: ledger error reading expert %d: %w", expertID, err)
	}
	if existing != nil {
		return fmt.Errorf("%w: expert ID %d is already bound to '%s'", ErrAlreadyExists, expertID, string(existing))
	}
	existing, err = ctx.GetStub().GetState(reverseKey)
	if err != nil {
		return fmt.Errorf("RegisterExpertWallet: ledger error reading identity '%s': %w", user, err)
	}
	if existing != nil {
		return fmt.Errorf("%w: identity '%s' is already bound to expert ID %s", ErrAlreadyExists, user, string(existing))
	}

	if err := ctx.GetStub().PutState(forwardKey, []byte(user)); err != nil {
		return fmt.Errorf("RegisterExpertWallet: failed to save wallet mapping: %w", err)
	}
	if err := ctx.GetStub().PutState(reverseKey, []byte(padID(expertID))); err != nil {
		return fmt.Errorf("RegisterExpertWallet: failed to save reverse wallet mapping: %w", err)
	}

	s.emitEvent(ctx, "ExpertWalletRegistered", map[string]interface{}{
		"expertId":     expertID,
		"userId":       user,
		"registeredBy": callerID,
	})
	logger.Infof("Expert %d bound to identity '%s' by admin '%s'", expertID, user, callerID)
	return nil
}

// getExpertWallet resolves an expert ID to its bound identity, or
// ErrNotFound when the ID was never registered.
func (s *ConsultationSmartContract) getExpertWallet(ctx contractapi.TransactionContextInterface, expertID uint64) (string, error) {
	key, err := ctx.GetStub().CreateCompositeKey(expertWalletObjectType, []string{padID(expertID)})
	if err != nil {
		return "", fmt.Errorf("failed to create wallet key for expert %d: %w", expertID, err)
	}
	raw, err := ctx.GetStub().GetState(key)
	if err != nil {
		return "", fmt.Errorf("ledger error reading wallet of expert %d: %w", expertID, err)
	}
	if raw == nil {
		return "", fmt.Errorf("%w: expert ID %d is not registered", ErrNotFound, expertID)
	}
	return string(raw), nil
}

// resolveExpertID maps a ledger identity back to its expert ID.
func (s *ConsultationSmartContract) resolveExpertID(ctx contractapi.TransactionContextInterface, user string) (uint64, error) {
	key, err := ctx.GetStub().CreateCompositeKey(walletExpertObjectType, []string{user})
	if err != nil {
		return 0, fmt.Errorf("failed to create reverse wallet key for '%s': %w", user, err)
	}
	raw, err := ctx.GetStub().GetState(key)
	if err != nil {
		return 0, fmt.Errorf("ledger error reading expert ID of '%s': %w", user, err)
	}
	if raw == nil {
		return 0, fmt.Errorf("%w: identity '%s' has no registered expert ID", ErrNotFound, user)
	}
	return parsePaddedID(string(raw))
}

// GetExpertWallet returns the identity bound to an expert ID.
func (s *ConsultationSmartContract) GetExpertWallet(ctx contractapi.TransactionContextInterface, expertID uint64) (string, error) {
	return s.getExpertWallet(ctx, expertID)
}

// --- Opinion registry ---

func (s *ConsultationSmartContract) getOpinionByID(ctx contractapi.TransactionContextInterface, opinionID uint64) (*model.Opinion, error) {
	if opinionID == 0 {
		return nil, fmt.Errorf("%w: opinion ID 0 does not exist", ErrNotFound)
	}
	key, err := ctx.GetStub().CreateCompositeKey(opinionObjectType, []string{padID(opinionID)})
	if err != nil {
		return nil, fmt.Errorf("failed to create opinion key for %d: %w", opinionID, err)
	}
	raw, err := ctx.GetStub().GetState(key)
	if err != nil {
		return nil, fmt.Errorf("ledger error reading opinion %d: %w", opinionID, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: opinion %d does not exist", ErrNotFound, opinionID)
	}
	var op model.Opinion
	if err := json.Unmarshal(raw, &op); err != nil {
		return nil, fmt.Errorf("failed to unmarshal opinion %d: %w", opinionID, err)
	}
	return &op, nil
}

func (s *ConsultationSmartContract) putOpinion(ctx contractapi.TransactionContextInterface, op *model.Opinion) error {
	key, err := ctx.GetStub().CreateCompositeKey(opinionObjectType, []string{padID(op.OpinionID)})
	if err != nil {
		return fmt.Errorf("failed to create opinion key for %d: %w", op.OpinionID, err)
	}
	raw, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to marshal opinion %d: %w", op.OpinionID, err)
	}
	if err := ctx.GetStub().PutState(key, raw); err != nil {
		return fmt.Errorf("failed to save opinion %d: %w", op.OpinionID, err)
	}
	return nil
}

// caseExpertOpinion returns the opinion ID an expert already submitted
// on a case, or 0 when none exists.
func (s *ConsultationSmartContract) caseExpertOpinion(ctx contractapi.TransactionContextInterface, caseID, expertID uint64) (uint64, error) {
	key, err := ctx.GetStub().CreateCompositeKey(caseExpertObjectType, []string{padID(caseID), padID(expertID)})
	if err != nil {
		return 0, fmt.Errorf("failed to create case-expert key: %w", err)
	}
	raw, err := ctx.GetStub().GetState(key)
	if err != nil {
		return 0, fmt.Errorf("ledger error reading case-expert index: %w", err)
	}
	if raw == nil {
		return 0, nil
	}
	return parsePaddedID(string(raw))
}

// SubmitOpinion records an expert's opinion on an open case. Expert only,
// wallet registration required. One active opinion per (case, expert);
// closed or expired cases reject submission. Returns the new sequential
// opinion ID.
func (s *ConsultationSmartContract) SubmitOpinion(ctx contractapi.TransactionContextInterface,
	caseID uint64, contentHash, confidence string) (uint64, error) {

	am := NewAccessManager(ctx)
	callerID, err := am.RequireRole(model.RoleExpert)
	if err != nil {
		return 0, fmt.Errorf("SubmitOpinion: %w", err)
	}
	expertID, err := s.resolveExpertID(ctx, callerID)
	if err != nil {
		return 0, fmt.Errorf("SubmitOpinion: %w", err)
	}

	if err := s.validateContentHash(contentHash, "contentHash"); err != nil {
		return 0, err
	}
	parsedConfidence, ok := model.ParseConfidence(confidence)
	if !ok {
		return 0, fmt.Errorf("%w: confidence '%s' is not one of LOW, MEDIUM, HIGH", ErrInvalidArgument, confidence)
	}

	c, err := s.getCaseByID(ctx, caseID)
	if err != nil {
		return 0, fmt.Errorf("SubmitOpinion: %w", err)
	}
	now, err := s.getCurrentTxTimestamp(ctx)
	if err != nil {
		return 0, fmt.Errorf("SubmitOpinion: %w", err)
	}
	if !c.IsOpen(now) {
		if c.Closed {
			return 0, fmt.Errorf("%w: case %d was closed by '%s'", ErrCaseClosed, caseID, c.ClosedBy)
		}
		return 0, fmt.Errorf("%w: case %d expired at %s", ErrCaseClosed, caseID, c.ExpiryTime.Format(time.RFC3339))
	}

	existingOpinion, err := s.caseExpertOpinion(ctx, caseID, expertID)
	if err != nil {
		return 0, fmt.Errorf("SubmitOpinion: %w", err)
	}
	if existingOpinion != 0 {
		return 0, fmt.Errorf("%w: expert %d already submitted opinion %d on case %d", ErrAlreadyExists, expertID, existingOpinion, caseID)
	}

	opinionID, err := s.nextSequence(ctx, opinionSequence)
	if err != nil {
		return 0, fmt.Errorf("SubmitOpinion: %w", err)
	}

	op := model.Opinion{
		ObjectType:  opinionObjectType,
		OpinionID:   opinionID,
		CaseID:      caseID,
		ExpertID:    expertID,
		ExpertUser:  callerID,
		ContentHash: contentHash,
		Confidence:  parsedConfidence,
		SubmittedAt: now,
		IsActive:    true,
	}
	if err := s.putOpinion(ctx, &op); err != nil {
		return 0, fmt.Errorf("SubmitOpinion: %w", err)
	}

	indexes := []struct {
		objectType string
		attrs      []string
	}{
		{caseOpinionObjectType, []string{padID(caseID), padID(opinionID)}},
		{expertOpinionObjectType, []string{padID(expertID), padID(opinionID)}},
		{caseExpertObjectType, []string{padID(caseID), padID(expertID)}},
	}
	for _, idx := range indexes {
		key, keyErr := ctx.GetStub().CreateCompositeKey(idx.objectType, idx.attrs)
		if keyErr != nil {
			return 0, fmt.Errorf("SubmitOpinion: failed to create %s index key: %w", idx.objectType, keyErr)
		}
		if err := ctx.GetStub().PutState(key, []byte(padID(opinionID))); err != nil {
			return 0, fmt.Errorf("SubmitOpinion: failed to save %s index entry: %w", idx.objectType, err)
		}
	}

	if err := s.incrementOpinionCount(ctx, componentExpertOpinion, caseID); err != nil {
		return 0, fmt.Errorf("SubmitOpinion: %w", err)
	}
	hr := NewHashRegistry(ctx)
	if err := hr.store(componentExpertOpinion, entityOpinion, padID(opinionID), contentHash); err != nil {
		return 0, fmt.Errorf("SubmitOpinion: %w", err)
	}
	if err := s.recordOpinionSubmitted(ctx, componentExpertOpinion, expertID, now); err != nil {
		return 0, fmt.Errorf("SubmitOpinion: %w", err)
	}

	s.emitEvent(ctx, "OpinionSubmitted", map[string]interface{}{
		"opinionId":  opinionID,
		"caseId":     caseID,
		"expertId":   expertID,
		"confidence": string(parsedConfidence),
	})
	logger.Infof("Opinion %d submitted on case %d by expert %d ('%s')", opinionID, caseID, expertID, callerID)
	return opinionID, nil
}

// GetOpinion returns an opinion by ID.
func (s *ConsultationSmartContract) GetOpinion(ctx contractapi.TransactionContextInterface, opinionID uint64) (*model.Opinion, error) {
	logger.Debugf("Chaincode Call: GetOpinion %d", opinionID)
	return s.getOpinionByID(ctx, opinionID)
}

// GetOpinionsForCase returns the IDs of every opinion on a case, in
// submission order.
func (s *ConsultationSmartContract) GetOpinionsForCase(ctx contractapi.TransactionContextInterface, caseID uint64) ([]uint64, error) {
	if _, err := s.getCaseByID(ctx, caseID); err != nil {
		return nil, err
	}
	return s.collectOpinionIndex(ctx, caseOpinionObjectType, padID(caseID))
}

// GetOpinionsByExpert returns the IDs of every opinion submitted by an
// expert, in submission order.
func (s *ConsultationSmartContract) GetOpinionsByExpert(ctx contractapi.TransactionContextInterface, expertID uint64) ([]uint64, error) {
	if _, err := s.getExpertWallet(ctx, expertID); err != nil {
		return nil, err
	}
	return s.collectOpinionIndex(ctx, expertOpinionObjectType, padID(expertID))
}

func (s *ConsultationSmartContract) collectOpinionIndex(ctx contractapi.TransactionContextInterface, objectType, prefix string) ([]uint64, error) {
	iterator, err := ctx.GetStub().GetStateByPartialCompositeKey(objectType, []string{prefix})
	if err != nil {
		return nil, fmt.Errorf("failed to get %s iterator: %w", objectType, err)
	}
	defer iterator.Close()

	opinionIDs := []uint64{}
	for iterator.HasNext() {
		entry, iterErr := iterator.Next()
		if iterErr != nil {
			logger.Warningf("collectOpinionIndex: failed to get next %s entry: %v. Skipping.", objectType, iterErr)
			continue
		}
		id, parseErr := parsePaddedID(string(entry.Value))
		if parseErr != nil {
			logger.Warningf("collectOpinionIndex: %v. Skipping.", parseErr)
			continue
		}
		opinionIDs = append(opinionIDs, id)
	}
	return opinionIDs, nil
}

// markOpinionApproved flips an opinion to verified and credits the
// expert's reputation. Only the voting registry may call it; a second
// approval of an already verified opinion is a no-op, so the reward is
// paid at most once.
func (s *ConsultationSmartContract) markOpinionApproved(ctx contractapi.TransactionContextInterface, caller component, opinionID uint64) error {
	if caller != componentVoting {
		return fmt.Errorf("%w: component '%s' may not approve opinions", ErrUnauthorized, caller)
	}
	op, err := s.getOpinionByID(ctx, opinionID)
	if err != nil {
		return err
	}
	if op.Verified {
		return nil
	}
	op.Verified = true
	if err := s.putOpinion(ctx, op); err != nil {
		return err
	}
	now, err := s.getCurrentTxTimestamp(ctx)
	if err != nil {
		return err
	}
	if err := s.updateReputationForOpinion(ctx, componentVoting, op.ExpertID, true, now); err != nil {
		return err
	}
	s.emitEvent(ctx, "OpinionVerified", map[string]interface{}{
		"opinionId": opinionID,
		"caseId":    op.CaseID,
		"expertId":  op.ExpertID,
	})
	logger.Infof("Opinion %d on case %d verified; expert %d credited", opinionID, op.CaseID, op.ExpertID)
	return nil
}
