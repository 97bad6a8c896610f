package contract

import (
	"errors"
	"fmt"

	"medconsult/model"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"
	"github.com/hyperledger/fabric/common/flogging"
)

var logger = flogging.MustGetLogger("medconsult.contract")

// ConsultationSmartContract coordinates medical case consultations:
// roles, cases, expert opinions, peer votes, and expert reputations live
// on the ledger; case files, opinion documents, and profiles live
// off-ledger and are referenced by content-addressed hashes.
type ConsultationSmartContract struct {
	contractapi.Contract
}

// Instantiate is called during chaincode instantiation.
func (s *ConsultationSmartContract) Instantiate(ctx contractapi.TransactionContextInterface) {
	logger.Info("ConsultationSmartContract Instantiated/Upgraded")
}

// BootstrapLedger makes the caller the first admin when none exists yet.
// The deploying identity runs this once right after instantiation; any
// later call fails.
func (s *ConsultationSmartContract) BootstrapLedger(ctx contractapi.TransactionContextInterface) error {
	am := NewAccessManager(ctx)
	exists, err := am.anyAdminExists()
	if err != nil {
		return fmt.Errorf("BootstrapLedger: failed to check for existing admins: %w", err)
	}
	if exists {
		return errors.New("system already has admins or is bootstrapped. BootstrapLedger should not be re-run")
	}
	callerID, err := am.CallerID()
	if err != nil {
		return fmt.Errorf("BootstrapLedger: failed to get caller identity: %w", err)
	}
	if err := am.bootstrapAdmin(callerID); err != nil {
		return fmt.Errorf("BootstrapLedger: %w", err)
	}
	s.emitEvent(ctx, "RoleAssigned", map[string]interface{}{
		"userId":     callerID,
		"role":       model.RoleAdmin.String(),
		"assignedBy": callerID,
	})
	logger.Infof("Ledger bootstrapped. Identity '%s' is now an admin.", callerID)
	return nil
}

// --- Access control wrappers (delegating to AccessManager) ---

// AssignRole assigns or overwrites the role of an identity. Admin only.
// The content hash references the user's off-ledger profile document.
func (s *ConsultationSmartContract) AssignRole(ctx contractapi.TransactionContextInterface, user string, role uint8, contentHash string) error {
	logger.Infof("Chaincode Call: AssignRole %d to '%s'", role, user)
	am := NewAccessManager(ctx)
	if err := s.validateRequiredString(user, "user", maxStringInputLength*2); err != nil {
		return err
	}
	if err := am.AssignRole(user, model.Role(role), contentHash); err != nil {
		return err
	}
	callerID, _ := am.CallerID()
	s.emitEvent(ctx, "RoleAssigned", map[string]interface{}{
		"userId":     user,
		"role":       model.Role(role).String(),
		"assignedBy": callerID,
	})
	return nil
}

// GetRole resolves the role of an identity. Unknown identities resolve
// to RoleNone; this never fails on absence.
func (s *ConsultationSmartContract) GetRole(ctx contractapi.TransactionContextInterface, user string) (uint8, error) {
	role, err := NewAccessManager(ctx).GetRole(user)
	return uint8(role), err
}

// GetUserProfile returns the full profile of a registered identity.
func (s *ConsultationSmartContract) GetUserProfile(ctx contractapi.TransactionContextInterface, user string) (*model.UserProfile, error) {
	logger.Debugf("Chaincode Call: GetUserProfile for '%s'", user)
	return NewAccessManager(ctx).GetProfile(user)
}

// GetAllUsers lists registered identities in order of first assignment.
func (s *ConsultationSmartContract) GetAllUsers(ctx contractapi.TransactionContextInterface) ([]string, error) {
	logger.Debug("Chaincode Call: GetAllUsers")
	return NewAccessManager(ctx).AllUsers()
}

// GetUserCount returns the number of registered identities.
func (s *ConsultationSmartContract) GetUserCount(ctx contractapi.TransactionContextInterface) (uint64, error) {
	return NewAccessManager(ctx).UserCount()
}

// DeactivateUser flips an identity's activity flag off. Admin only. The
// profile and its history remain on the ledger.
func (s *ConsultationSmartContract) DeactivateUser(ctx contractapi.TransactionContextInterface, user string) error {
	logger.Infof("Chaincode Call: DeactivateUser '%s'", user)
	return NewAccessManager(ctx).SetActive(user, false)
}

// ReactivateUser flips an identity's activity flag back on. Admin only.
func (s *ConsultationSmartContract) ReactivateUser(ctx contractapi.TransactionContextInterface, user string) error {
	logger.Infof("Chaincode Call: ReactivateUser '%s'", user)
	return NewAccessManager(ctx).SetActive(user, true)
}

// GetCaseCount returns the total number of cases ever submitted.
func (s *ConsultationSmartContract) GetCaseCount(ctx contractapi.TransactionContextInterface) (uint64, error) {
	return s.readSequence(ctx, caseSequence)
}

// GetOpinionCount returns the total number of opinions ever submitted.
func (s *ConsultationSmartContract) GetOpinionCount(ctx contractapi.TransactionContextInterface) (uint64, error) {
	return s.readSequence(ctx, opinionSequence)
}

// --- Hash registry read wrappers (reads are public) ---

// GetUserProfileHash returns the off-ledger profile reference for an
// identity.
func (s *ConsultationSmartContract) GetUserProfileHash(ctx contractapi.TransactionContextInterface, user string) (string, error) {
	return NewHashRegistry(ctx).get(entityProfile, user)
}

// GetCaseDataHash returns the off-ledger content reference for a case.
func (s *ConsultationSmartContract) GetCaseDataHash(ctx contractapi.TransactionContextInterface, caseID uint64) (string, error) {
	return NewHashRegistry(ctx).get(entityCase, padID(caseID))
}

// GetOpinionHash returns the off-ledger content reference for an opinion.
func (s *ConsultationSmartContract) GetOpinionHash(ctx contractapi.TransactionContextInterface, opinionID uint64) (string, error) {
	return NewHashRegistry(ctx).get(entityOpinion, padID(opinionID))
}
