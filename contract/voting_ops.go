package contract

import (
	"encoding/json"
	"fmt"

	"medconsult/model"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"
)

// tallyVotes counts the approvals and rejections stored for an expert's
// opinion on a case. It only sees committed state: writes from the
// current transaction are not yet visible, so CastVote must add its own
// vote to the result by hand.
func (s *ConsultationSmartContract) tallyVotes(ctx contractapi.TransactionContextInterface, caseID, expertID uint64) (*model.VoteTally, error) {
	iterator, err := ctx.GetStub().GetStateByPartialCompositeKey(voteObjectType, []string{padID(caseID), padID(expertID)})
	if err != nil {
		return nil, fmt.Errorf("failed to get vote iterator for case %d expert %d: %w", caseID, expertID, err)
	}
	defer iterator.Close()

	tally := model.VoteTally{CaseID: caseID, ExpertID: expertID}
	for iterator.HasNext() {
		entry, iterErr := iterator.Next()
		if iterErr != nil {
			logger.Warningf("tallyVotes: failed to get next vote: %v. Skipping.", iterErr)
			continue
		}
		var v model.Vote
		if err := json.Unmarshal(entry.Value, &v); err != nil {
			logger.Warningf("tallyVotes: failed to unmarshal vote at key '%s': %v. Skipping.", entry.Key, err)
			continue
		}
		if v.Approve {
			tally.Approvals++
		} else {
			tally.Rejections++
		}
	}
	return &tally, nil
}

// CastVote records a peer vote on an expert's opinion for a case. Experts
// and admins may vote; each voter votes at most once per (case, expert)
// pair. When approvals outnumber rejections after this vote, the opinion
// is verified. The target expert's vote-derived reputation moves by one
// point either way.
func (s *ConsultationSmartContract) CastVote(ctx contractapi.TransactionContextInterface, caseID, expertID uint64, approve bool) error {
	am := NewAccessManager(ctx)
	callerID, err := am.RequireAnyRole(model.RoleExpert, model.RoleAdmin)
	if err != nil {
		return fmt.Errorf("CastVote: %w", err)
	}

	opinionID, err := s.caseExpertOpinion(ctx, caseID, expertID)
	if err != nil {
		return fmt.Errorf("CastVote: %w", err)
	}
	if opinionID == 0 {
		return fmt.Errorf("%w: expert %d has no opinion on case %d", ErrNotFound, expertID, caseID)
	}

	voteKey, err := ctx.GetStub().CreateCompositeKey(voteObjectType, []string{padID(caseID), padID(expertID), callerID})
	if err != nil {
		return fmt.Errorf("CastVote: failed to create vote key: %w", err)
	}
	existing, err := ctx.GetStub().GetState(voteKey)
	if err != nil {
		return fmt.Errorf("CastVote: ledger error reading vote: %w", err)
	}
	if existing != nil {
		return fmt.Errorf("%w: '%s' already voted on expert %d for case %d", ErrAlreadyVoted, callerID, expertID, caseID)
	}

	now, err := s.getCurrentTxTimestamp(ctx)
	if err != nil {
		return fmt.Errorf("CastVote: %w", err)
	}

	// Tally committed votes first, then fold this vote in.
	tally, err := s.tallyVotes(ctx, caseID, expertID)
	if err != nil {
		return fmt.Errorf("CastVote: %w", err)
	}
	if approve {
		tally.Approvals++
	} else {
		tally.Rejections++
	}

	vote := model.Vote{
		ObjectType: voteObjectType,
		CaseID:     caseID,
		ExpertID:   expertID,
		Voter:      callerID,
		Approve:    approve,
		CastAt:     now,
	}
	raw, err := json.Marshal(&vote)
	if err != nil {
		return fmt.Errorf("CastVote: failed to marshal vote: %w", err)
	}
	if err := ctx.GetStub().PutState(voteKey, raw); err != nil {
		return fmt.Errorf("CastVote: failed to save vote: %w", err)
	}

	if tally.Approvals > tally.Rejections {
		if err := s.markOpinionApproved(ctx, componentVoting, opinionID); err != nil {
			return fmt.Errorf("CastVote: %w", err)
		}
	}
	if err := s.updateReputationForVote(ctx, componentVoting, expertID, approve, now); err != nil {
		return fmt.Errorf("CastVote: %w", err)
	}

	s.emitEvent(ctx, "VoteCast", map[string]interface{}{
		"caseId":     caseID,
		"expertId":   expertID,
		"voter":      callerID,
		"approve":    approve,
		"approvals":  tally.Approvals,
		"rejections": tally.Rejections,
	})
	logger.Infof("Vote by '%s' on expert %d for case %d (approve: %t, tally now %d/%d)",
		callerID, expertID, caseID, approve, tally.Approvals, tally.Rejections)
	return nil
}

// GetVoteTally returns the committed approval and rejection counts for an
// expert's opinion on a case.
func (s *ConsultationSmartContract) GetVoteTally(ctx contractapi.TransactionContextInterface, caseID, expertID uint64) (*model.VoteTally, error) {
	opinionID, err := s.caseExpertOpinion(ctx, caseID, expertID)
	if err != nil {
		return nil, err
	}
	if opinionID == 0 {
		return nil, fmt.Errorf("%w: expert %d has no opinion on case %d", ErrNotFound, expertID, caseID)
	}
	return s.tallyVotes(ctx, caseID, expertID)
}
