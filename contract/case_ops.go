package contract

import (
	"encoding/json"
	"fmt"
	"time"

	"medconsult/model"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"
)

// --- Case registry ---

func (s *ConsultationSmartContract) createCaseKey(ctx contractapi.TransactionContextInterface, caseID uint64) (string, error) {
	return ctx.GetStub().CreateCompositeKey(caseObjectType, []string{padID(caseID)})
}

// getCaseByID retrieves and unmarshals a case. Case IDs start at 1, so 0
// and anything past the counter resolve to ErrNotFound.
func (s *ConsultationSmartContract) getCaseByID(ctx contractapi.TransactionContextInterface, caseID uint64) (*model.Case, error) {
	if caseID == 0 {
		return nil, fmt.Errorf("%w: case ID 0 does not exist", ErrNotFound)
	}
	key, err := s.createCaseKey(ctx, caseID)
	if err != nil {
		return nil, fmt.Errorf("failed to create case key for %d: %w", caseID, err)
	}
	raw, err := ctx.GetStub().GetState(key)
	if err != nil {
		return nil, fmt.Errorf("ledger error reading case %d: %w", caseID, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: case %d does not exist", ErrNotFound, caseID)
	}
	var c model.Case
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("failed to unmarshal case %d: %w", caseID, err)
	}
	if c.AssignedExpertIDs == nil {
		c.AssignedExpertIDs = []uint64{}
	}
	return &c, nil
}

func (s *ConsultationSmartContract) putCase(ctx contractapi.TransactionContextInterface, c *model.Case) error {
	key, err := s.createCaseKey(ctx, c.CaseID)
	if err != nil {
		return fmt.Errorf("failed to create case key for %d: %w", c.CaseID, err)
	}
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal case %d: %w", c.CaseID, err)
	}
	if err := ctx.GetStub().PutState(key, raw); err != nil {
		return fmt.Errorf("failed to save case %d: %w", c.CaseID, err)
	}
	return nil
}

// SubmitCase registers a new consultation case. Physician only. The
// content hash references the off-ledger case file; durationDays sets
// the expiry window (a zero duration yields an immediately expired
// case, which is permitted). Returns the new sequential case ID.
func (s *ConsultationSmartContract) SubmitCase(ctx contractapi.TransactionContextInterface,
	contentHash, category, specialty, urgency string, durationDays uint64) (uint64, error) {

	am := NewAccessManager(ctx)
	callerID, err := am.RequireRole(model.RolePhysician)
	if err != nil {
		return 0, fmt.Errorf("SubmitCase: %w", err)
	}

	if err := s.validateContentHash(contentHash, "contentHash"); err != nil {
		return 0, err
	}
	if err := s.validateRequiredString(category, "category", maxStringInputLength); err != nil {
		return 0, err
	}
	if err := s.validateRequiredString(specialty, "specialty", maxStringInputLength); err != nil {
		return 0, err
	}
	parsedUrgency, ok := model.ParseUrgency(urgency)
	if !ok {
		return 0, fmt.Errorf("%w: urgency '%s' is not one of LOW, MEDIUM, HIGH, CRITICAL", ErrInvalidArgument, urgency)
	}
	if durationDays > maxCaseDurationDays {
		return 0, fmt.Errorf("%w: durationDays %d exceeds maximum %d", ErrInvalidArgument, durationDays, maxCaseDurationDays)
	}

	now, err := s.getCurrentTxTimestamp(ctx)
	if err != nil {
		return 0, fmt.Errorf("SubmitCase: %w", err)
	}

	// All preconditions hold; only now is an ID consumed.
	caseID, err := s.nextSequence(ctx, caseSequence)
	if err != nil {
		return 0, fmt.Errorf("SubmitCase: %w", err)
	}

	c := model.Case{
		ObjectType:        caseObjectType,
		CaseID:            caseID,
		ContentHash:       contentHash,
		SubmittedBy:       callerID,
		Category:          category,
		Specialty:         specialty,
		Urgency:           parsedUrgency,
		SubmittedAt:       now,
		ExpiryTime:        now.Add(time.Duration(durationDays) * 24 * time.Hour),
		AssignedExpertIDs: []uint64{},
	}
	if err := s.putCase(ctx, &c); err != nil {
		return 0, fmt.Errorf("SubmitCase: %w", err)
	}

	indexKey, err := ctx.GetStub().CreateCompositeKey(physicianCaseObjectType, []string{callerID, padID(caseID)})
	if err != nil {
		return 0, fmt.Errorf("SubmitCase: failed to create physician index key: %w", err)
	}
	if err := ctx.GetStub().PutState(indexKey, []byte(padID(caseID))); err != nil {
		return 0, fmt.Errorf("SubmitCase: failed to save physician index entry: %w", err)
	}

	hr := NewHashRegistry(ctx)
	if err := hr.store(componentMedicalCase, entityCase, padID(caseID), contentHash); err != nil {
		return 0, fmt.Errorf("SubmitCase: %w", err)
	}

	s.emitEvent(ctx, "CaseSubmitted", map[string]interface{}{
		"caseId":      caseID,
		"submittedBy": callerID,
		"category":    category,
		"specialty":   specialty,
		"urgency":     string(parsedUrgency),
		"expiryTime":  c.ExpiryTime,
	})
	logger.Infof("Case %d submitted by physician '%s' (category: %s, expires: %s)", caseID, callerID, category, c.ExpiryTime.Format(time.RFC3339))
	return caseID, nil
}

// GetCase returns a case by ID.
func (s *ConsultationSmartContract) GetCase(ctx contractapi.TransactionContextInterface, caseID uint64) (*model.Case, error) {
	logger.Debugf("Chaincode Call: GetCase %d", caseID)
	return s.getCaseByID(ctx, caseID)
}

// IsCaseOpen derives openness from the stored expiry and closure flag
// against the transaction timestamp. Closure is lazy: nothing rewrites a
// case when its expiry passes, so every reader re-derives.
func (s *ConsultationSmartContract) IsCaseOpen(ctx contractapi.TransactionContextInterface, caseID uint64) (bool, error) {
	c, err := s.getCaseByID(ctx, caseID)
	if err != nil {
		return false, err
	}
	now, err := s.getCurrentTxTimestamp(ctx)
	if err != nil {
		return false, err
	}
	return c.IsOpen(now), nil
}

// GetOpenCases returns the IDs of all currently open cases. This is a
// full scan over the case table; acceptable at expected scale, but it is
// O(n) in the number of cases ever submitted.
func (s *ConsultationSmartContract) GetOpenCases(ctx contractapi.TransactionContextInterface) ([]uint64, error) {
	logger.Debug("Chaincode Call: GetOpenCases")
	now, err := s.getCurrentTxTimestamp(ctx)
	if err != nil {
		return nil, err
	}

	iterator, err := ctx.GetStub().GetStateByPartialCompositeKey(caseObjectType, []string{})
	if err != nil {
		return nil, fmt.Errorf("GetOpenCases: failed to get case iterator: %w", err)
	}
	defer iterator.Close()

	openIDs := []uint64{}
	for iterator.HasNext() {
		entry, iterErr := iterator.Next()
		if iterErr != nil {
			logger.Warningf("GetOpenCases: failed to get next case: %v. Skipping.", iterErr)
			continue
		}
		var c model.Case
		if err := json.Unmarshal(entry.Value, &c); err != nil {
			logger.Warningf("GetOpenCases: failed to unmarshal case at key '%s': %v. Skipping.", entry.Key, err)
			continue
		}
		if c.IsOpen(now) {
			openIDs = append(openIDs, c.CaseID)
		}
	}
	return openIDs, nil
}

// GetCasesByPhysician returns the IDs of every case submitted by the
// given physician, in submission order.
func (s *ConsultationSmartContract) GetCasesByPhysician(ctx contractapi.TransactionContextInterface, physician string) ([]uint64, error) {
	if err := s.validateRequiredString(physician, "physician", maxStringInputLength*2); err != nil {
		return nil, err
	}
	iterator, err := ctx.GetStub().GetStateByPartialCompositeKey(physicianCaseObjectType, []string{physician})
	if err != nil {
		return nil, fmt.Errorf("GetCasesByPhysician: failed to get index iterator: %w", err)
	}
	defer iterator.Close()

	caseIDs := []uint64{}
	for iterator.HasNext() {
		entry, iterErr := iterator.Next()
		if iterErr != nil {
			logger.Warningf("GetCasesByPhysician: failed to get next index entry: %v. Skipping.", iterErr)
			continue
		}
		id, parseErr := parsePaddedID(string(entry.Value))
		if parseErr != nil {
			logger.Warningf("GetCasesByPhysician: %v. Skipping.", parseErr)
			continue
		}
		caseIDs = append(caseIDs, id)
	}
	return caseIDs, nil
}

// AssignExpert adds an expert to a case's assignment set. Admin only.
// Assignment has set semantics: assigning the same expert twice is a
// no-op, not an error. The expert ID must be wallet-registered and its
// identity must currently hold the expert role.
func (s *ConsultationSmartContract) AssignExpert(ctx contractapi.TransactionContextInterface, caseID, expertID uint64) error {
	am := NewAccessManager(ctx)
	callerID, err := am.RequireRole(model.RoleAdmin)
	if err != nil {
		return fmt.Errorf("AssignExpert: %w", err)
	}

	expertUser, err := s.getExpertWallet(ctx, expertID)
	if err != nil {
		return fmt.Errorf("AssignExpert: %w", err)
	}
	role, err := am.GetRole(expertUser)
	if err != nil {
		return fmt.Errorf("AssignExpert: failed to resolve role of expert %d: %w", expertID, err)
	}
	if role != model.RoleExpert {
		return fmt.Errorf("%w: identity '%s' behind expert %d does not hold the expert role", ErrInvalidArgument, expertUser, expertID)
	}

	c, err := s.getCaseByID(ctx, caseID)
	if err != nil {
		return fmt.Errorf("AssignExpert: %w", err)
	}
	for _, assigned := range c.AssignedExpertIDs {
		if assigned == expertID {
			logger.Infof("Expert %d already assigned to case %d. No action needed.", expertID, caseID)
			return nil
		}
	}
	c.AssignedExpertIDs = append(c.AssignedExpertIDs, expertID)
	if err := s.putCase(ctx, c); err != nil {
		return fmt.Errorf("AssignExpert: %w", err)
	}

	s.emitEvent(ctx, "ExpertAssigned", map[string]interface{}{
		"caseId":     caseID,
		"expertId":   expertID,
		"assignedBy": callerID,
	})
	logger.Infof("Expert %d assigned to case %d by admin '%s'", expertID, caseID, callerID)
	return nil
}

// GetExpertCount returns how many experts are assigned to a case.
func (s *ConsultationSmartContract) GetExpertCount(ctx contractapi.TransactionContextInterface, caseID uint64) (uint64, error) {
	c, err := s.getCaseByID(ctx, caseID)
	if err != nil {
		return 0, err
	}
	return uint64(len(c.AssignedExpertIDs)), nil
}

// CloseCase closes a case explicitly, ahead of or after its expiry.
// Only an admin or the submitting physician may close; the transition is
// one-way, so closing an already-closed case fails.
func (s *ConsultationSmartContract) CloseCase(ctx contractapi.TransactionContextInterface, caseID uint64) error {
	am := NewAccessManager(ctx)
	callerID, err := am.RequireAnyRole(model.RoleAdmin, model.RolePhysician)
	if err != nil {
		return fmt.Errorf("CloseCase: %w", err)
	}

	c, err := s.getCaseByID(ctx, caseID)
	if err != nil {
		return fmt.Errorf("CloseCase: %w", err)
	}
	role, err := am.GetRole(callerID)
	if err != nil {
		return fmt.Errorf("CloseCase: %w", err)
	}
	if role != model.RoleAdmin && c.SubmittedBy != callerID {
		return fmt.Errorf("%w: only an admin or the submitting physician may close case %d", ErrUnauthorized, caseID)
	}
	if c.Closed {
		return fmt.Errorf("%w: case %d is already closed", ErrCaseClosed, caseID)
	}

	c.Closed = true
	c.ClosedBy = callerID
	if err := s.putCase(ctx, c); err != nil {
		return fmt.Errorf("CloseCase: %w", err)
	}

	s.emitEvent(ctx, "CaseClosed", map[string]interface{}{
		"caseId":   caseID,
		"closedBy": callerID,
	})
	logger.Infof("Case %d closed by '%s'", caseID, callerID)
	return nil
}

// incrementOpinionCount bumps a case's accepted-opinion counter. Only
// the opinion registry may call it; the increment happens in the same
// transaction as the opinion write, so both land or neither does.
func (s *ConsultationSmartContract) incrementOpinionCount(ctx contractapi.TransactionContextInterface, caller component, caseID uint64) error {
	if caller != componentExpertOpinion {
		return fmt.Errorf("%w: component '%s' may not increment opinion counts", ErrUnauthorized, caller)
	}
	c, err := s.getCaseByID(ctx, caseID)
	if err != nil {
		return err
	}
	c.OpinionCount++
	return s.putCase(ctx, c)
}
