package contract

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"
)

// component identifies which registry inside the chaincode is making an
// internal call. Mutations that belong to one component (for example
// incrementing a case's opinion count, which only the opinion registry
// may do) check the caller component explicitly instead of trusting the
// call site.
type component string

const (
	componentAccessControl component = "AccessControl"
	componentMedicalCase   component = "MedicalCase"
	componentExpertOpinion component = "ExpertOpinion"
	componentVoting        component = "Voting"
	componentReputation    component = "ReputationSystem"
)

// Object types for composite keys, also usable as 'docType' in CouchDB.
const (
	userProfileObjectType    = "UserProfile"    // attribute: userID
	userIndexObjectType      = "UserIndex"      // attribute: padded sequence -> userID
	contentHashObjectType    = "ContentHash"    // attributes: entity kind, entity ID
	caseObjectType           = "Case"           // attribute: padded caseID
	physicianCaseObjectType  = "PhysicianCase"  // attributes: userID, padded caseID
	opinionObjectType        = "Opinion"        // attribute: padded opinionID
	caseOpinionObjectType    = "CaseOpinion"    // attributes: padded caseID, padded opinionID
	expertOpinionObjectType  = "ExpertOpinion"  // attributes: padded expertID, padded opinionID
	caseExpertObjectType     = "CaseExpert"     // attributes: padded caseID, padded expertID -> opinionID
	expertWalletObjectType   = "ExpertWallet"   // attribute: padded expertID -> userID
	walletExpertObjectType   = "WalletExpert"   // attribute: userID -> padded expertID
	voteObjectType           = "Vote"           // attributes: padded caseID, padded expertID, voter
	reputationObjectType     = "Reputation"     // attribute: padded expertID
	counterObjectType        = "Counter"        // attribute: sequence name
	platformConfigObjectType = "PlatformConfig" // attribute: setting name
)

// Sequence names for the monotonic ID counters.
const (
	userSequence    = "users"
	caseSequence    = "cases"
	opinionSequence = "opinions"
)

// Input limits.
const (
	maxStringInputLength = 256
	maxHashInputLength   = 512
	maxCaseDurationDays  = 3650
)

// padID renders a numeric ID with fixed width so lexicographic composite
// key ordering matches numeric ordering.
func padID(id uint64) string {
	return fmt.Sprintf("%012d", id)
}

func parsePaddedID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed padded ID '%s': %w", s, err)
	}
	return id, nil
}

// getCurrentTxTimestamp retrieves the transaction timestamp from the
// stub. This is the only notion of "now" inside the contract; openness
// and expiry are always evaluated against it.
func (s *ConsultationSmartContract) getCurrentTxTimestamp(ctx contractapi.TransactionContextInterface) (time.Time, error) {
	ts, err := ctx.GetStub().GetTxTimestamp()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get transaction timestamp: %w", err)
	}
	return ts.AsTime(), nil
}

// getCallerID retrieves the full client identity ID of the transactor.
func (s *ConsultationSmartContract) getCallerID(ctx contractapi.TransactionContextInterface) (string, error) {
	clientIdentity := ctx.GetClientIdentity()
	if clientIdentity == nil {
		return "", fmt.Errorf("%w: client identity is nil from context", ErrUnauthorized)
	}
	id, err := clientIdentity.GetID()
	if err != nil {
		return "", fmt.Errorf("failed to get client identity ID from context: %w", err)
	}
	if id == "" {
		return "", fmt.Errorf("%w: client identity ID from context is empty", ErrUnauthorized)
	}
	return id, nil
}

// nextSequence advances the named counter and returns the new value.
// Counters start at 1 and are never reused; callers must complete every
// precondition check before advancing, so a rejected operation does not
// consume an ID.
func (s *ConsultationSmartContract) nextSequence(ctx contractapi.TransactionContextInterface, name string) (uint64, error) {
	key, err := ctx.GetStub().CreateCompositeKey(counterObjectType, []string{name})
	if err != nil {
		return 0, fmt.Errorf("failed to create counter key for '%s': %w", name, err)
	}
	raw, err := ctx.GetStub().GetState(key)
	if err != nil {
		return 0, fmt.Errorf("failed to read counter '%s': %w", name, err)
	}
	var next uint64 = 1
	if raw != nil {
		current, parseErr := strconv.ParseUint(string(raw), 10, 64)
		if parseErr != nil {
			return 0, fmt.Errorf("corrupt counter '%s' value '%s': %w", name, string(raw), parseErr)
		}
		next = current + 1
	}
	if err := ctx.GetStub().PutState(key, []byte(strconv.FormatUint(next, 10))); err != nil {
		return 0, fmt.Errorf("failed to save counter '%s': %w", name, err)
	}
	return next, nil
}

// readSequence returns the current value of the named counter without
// advancing it.
func (s *ConsultationSmartContract) readSequence(ctx contractapi.TransactionContextInterface, name string) (uint64, error) {
	key, err := ctx.GetStub().CreateCompositeKey(counterObjectType, []string{name})
	if err != nil {
		return 0, fmt.Errorf("failed to create counter key for '%s': %w", name, err)
	}
	raw, err := ctx.GetStub().GetState(key)
	if err != nil {
		return 0, fmt.Errorf("failed to read counter '%s': %w", name, err)
	}
	if raw == nil {
		return 0, nil
	}
	current, parseErr := strconv.ParseUint(string(raw), 10, 64)
	if parseErr != nil {
		return 0, fmt.Errorf("corrupt counter '%s' value '%s': %w", name, string(raw), parseErr)
	}
	return current, nil
}

// --- Validation helpers ---

func (s *ConsultationSmartContract) validateRequiredString(input, field string, max int) error {
	if strings.TrimSpace(input) == "" {
		return fmt.Errorf("%w: %s cannot be empty", ErrInvalidArgument, field)
	}
	if len(input) > max {
		return fmt.Errorf("%w: %s exceeds max length %d", ErrInvalidArgument, field, max)
	}
	return nil
}

// validateContentHash checks an off-ledger content reference. The hash is
// opaque: it is stored and compared, never interpreted.
func (s *ConsultationSmartContract) validateContentHash(hash, field string) error {
	return s.validateRequiredString(hash, field, maxHashInputLength)
}

// emitEvent sends a chaincode event for off-ledger indexers. Event
// delivery is best effort; a marshalling failure is logged and never
// fails the transaction that produced the state change.
func (s *ConsultationSmartContract) emitEvent(ctx contractapi.TransactionContextInterface, eventName string, payload map[string]interface{}) {
	for k, v := range payload {
		if t, ok := v.(time.Time); ok {
			payload[k] = t.Format(time.RFC3339)
		}
	}
	eventBytes, err := json.Marshal(payload)
	if err != nil {
		logger.Warningf("emitEvent: failed to marshal payload for event '%s': %v", eventName, err)
		return
	}
	if errSet := ctx.GetStub().SetEvent(eventName, eventBytes); errSet != nil {
		logger.Warningf("emitEvent: failed to set event '%s': %v", eventName, errSet)
	}
}
