package contract

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"medconsult/model"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"
	"github.com/hyperledger/fabric/common/flogging"
)

var acLogger = flogging.MustGetLogger("medconsult.accesscontrol")

// AccessManager is the role registry: the single source of truth for who
// can do what. Every other registry resolves the caller through it before
// allowing a mutating call.
type AccessManager struct {
	Ctx contractapi.TransactionContextInterface
}

// NewAccessManager creates a new instance of AccessManager.
func NewAccessManager(ctx contractapi.TransactionContextInterface) *AccessManager {
	return &AccessManager{Ctx: ctx}
}

func (am *AccessManager) getCurrentTxTimestamp() (time.Time, error) {
	ts, err := am.Ctx.GetStub().GetTxTimestamp()
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get transaction timestamp: %w", err)
	}
	return ts.AsTime(), nil
}

func (am *AccessManager) createProfileKey(userID string) (string, error) {
	return am.Ctx.GetStub().CreateCompositeKey(userProfileObjectType, []string{userID})
}

func (am *AccessManager) createIndexKey(seq uint64) (string, error) {
	return am.Ctx.GetStub().CreateCompositeKey(userIndexObjectType, []string{padID(seq)})
}

// CallerID retrieves the full client identity ID of the transactor.
func (am *AccessManager) CallerID() (string, error) {
	clientIdentity := am.Ctx.GetClientIdentity()
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

// GetProfile returns the stored profile for an identity. An identity that
// was never assigned a role has no profile; that is a distinct condition
// from GetRole returning RoleNone.
func (am *AccessManager) GetProfile(userID string) (*model.UserProfile, error) {
	key, err := am.createProfileKey(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to create profile key for '%s': %w", userID, err)
	}
	raw, err := am.Ctx.GetStub().GetState(key)
	if err != nil {
		return nil, fmt.Errorf("ledger error reading profile for '%s': %w", userID, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: no profile for identity '%s'", ErrNotFound, userID)
	}
	var profile model.UserProfile
	if err := json.Unmarshal(raw, &profile); err != nil {
		return nil, fmt.Errorf("failed to unmarshal profile for '%s': %w", userID, err)
	}
	return &profile, nil
}

// GetRole is a pure lookup. Unknown identities resolve to RoleNone; this
// never fails on absence.
func (am *AccessManager) GetRole(userID string) (model.Role, error) {
	profile, err := am.GetProfile(userID)
	if err != nil {
		if isNotFound(err) {
			return model.RoleNone, nil
		}
		return model.RoleNone, err
	}
	return profile.Role, nil
}

// AssignRole assigns or overwrites the role for an identity. Only admins
// may call it; the contract deployer becomes the first admin through
// BootstrapLedger. The profile content hash is stored in the hash
// registry under this component's authority.
func (am *AccessManager) AssignRole(target string, role model.Role, contentHash string) error {
	callerID, err := am.RequireRole(model.RoleAdmin)
	if err != nil {
		return fmt.Errorf("AssignRole: %w", err)
	}
	if !role.Valid() {
		return fmt.Errorf("%w: role %d is out of range", ErrInvalidArgument, role)
	}

	now, err := am.getCurrentTxTimestamp()
	if err != nil {
		return err
	}

	key, err := am.createProfileKey(target)
	if err != nil {
		return fmt.Errorf("failed to create profile key for '%s': %w", target, err)
	}
	existing, err := am.Ctx.GetStub().GetState(key)
	if err != nil {
		return fmt.Errorf("failed to check existing profile for '%s': %w", target, err)
	}

	var profile model.UserProfile
	if existing == nil {
		seq, seqErr := am.nextUserSequence()
		if seqErr != nil {
			return seqErr
		}
		indexKey, keyErr := am.createIndexKey(seq)
		if keyErr != nil {
			return fmt.Errorf("failed to create user index key: %w", keyErr)
		}
		if err := am.Ctx.GetStub().PutState(indexKey, []byte(target)); err != nil {
			return fmt.Errorf("failed to save user index entry for '%s': %w", target, err)
		}
		profile = model.UserProfile{
			ObjectType:    userProfileObjectType,
			UserID:        target,
			Role:          role,
			ContentHash:   contentHash,
			IsActive:      true,
			RegisteredAt:  now,
			LastUpdatedAt: now,
			AssignedBy:    callerID,
		}
		acLogger.Infof("Registering identity '%s' with role '%s' by admin '%s'", target, role, callerID)
	} else {
		if err := json.Unmarshal(existing, &profile); err != nil {
			return fmt.Errorf("failed to unmarshal existing profile for '%s': %w", target, err)
		}
		profile.Role = role
		// An empty hash keeps the existing off-ledger reference, so the
		// profile and the hash registry never disagree.
		if contentHash != "" {
			profile.ContentHash = contentHash
		}
		profile.IsActive = true
		profile.LastUpdatedAt = now
		profile.AssignedBy = callerID
		acLogger.Infof("Overwriting role of identity '%s' to '%s' by admin '%s'", target, role, callerID)
	}

	raw, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("failed to marshal profile for '%s': %w", target, err)
	}
	if err := am.Ctx.GetStub().PutState(key, raw); err != nil {
		return fmt.Errorf("failed to save profile for '%s': %w", target, err)
	}

	if contentHash != "" {
		hr := NewHashRegistry(am.Ctx)
		if err := hr.store(componentAccessControl, entityProfile, target, contentHash); err != nil {
			return fmt.Errorf("failed to store profile hash for '%s': %w", target, err)
		}
	}
	return nil
}

// SetActive flips the activity flag on a profile. Profiles are never
// physically deleted; a deactivated identity keeps its history but fails
// every role gate until reactivated.
func (am *AccessManager) SetActive(target string, active bool) error {
	callerID, err := am.RequireRole(model.RoleAdmin)
	if err != nil {
		return fmt.Errorf("SetActive: %w", err)
	}

	profile, err := am.GetProfile(target)
	if err != nil {
		return err
	}
	if profile.IsActive == active {
		acLogger.Infof("Identity '%s' activity flag already %v. No action needed.", target, active)
		return nil
	}
	now, err := am.getCurrentTxTimestamp()
	if err != nil {
		return err
	}
	profile.IsActive = active
	profile.LastUpdatedAt = now

	key, err := am.createProfileKey(target)
	if err != nil {
		return fmt.Errorf("failed to create profile key for '%s': %w", target, err)
	}
	raw, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("failed to marshal profile for '%s': %w", target, err)
	}
	if err := am.Ctx.GetStub().PutState(key, raw); err != nil {
		return fmt.Errorf("failed to save profile for '%s': %w", target, err)
	}
	acLogger.Infof("Identity '%s' activity flag set to %v by admin '%s'", target, active, callerID)
	return nil
}

// RequireRole resolves the caller and rejects unless they hold exactly
// the required role and are active. There is no admin bypass: roles are
// exclusive, so an admin is not a physician.
func (am *AccessManager) RequireRole(required model.Role) (string, error) {
	return am.RequireAnyRole(required)
}

// RequireAnyRole is RequireRole over a set of acceptable roles.
func (am *AccessManager) RequireAnyRole(accepted ...model.Role) (string, error) {
	callerID, err := am.CallerID()
	if err != nil {
		return "", err
	}
	profile, err := am.GetProfile(callerID)
	if err != nil {
		if isNotFound(err) {
			return "", fmt.Errorf("%w: identity '%s' has no assigned role", ErrUnauthorized, callerID)
		}
		return "", err
	}
	if !profile.IsActive {
		return "", fmt.Errorf("%w: identity '%s' is deactivated", ErrUnauthorized, callerID)
	}
	for _, role := range accepted {
		if profile.Role == role {
			return callerID, nil
		}
	}
	return "", fmt.Errorf("%w: identity '%s' holds role '%s', which does not permit this operation", ErrUnauthorized, callerID, profile.Role)
}

// AllUsers returns every registered identity in insertion order of first
// assignment. The index is keyed by a zero-padded sequence number so a
// range scan yields registration order.
func (am *AccessManager) AllUsers() ([]string, error) {
	iterator, err := am.Ctx.GetStub().GetStateByPartialCompositeKey(userIndexObjectType, []string{})
	if err != nil {
		return nil, fmt.Errorf("failed to get user index iterator: %w", err)
	}
	defer iterator.Close()

	users := []string{}
	for iterator.HasNext() {
		entry, iterErr := iterator.Next()
		if iterErr != nil {
			acLogger.Warningf("AllUsers: failed to get next index entry: %v. Skipping.", iterErr)
			continue
		}
		users = append(users, string(entry.Value))
	}
	return users, nil
}

// UserCount returns the number of registered identities.
func (am *AccessManager) UserCount() (uint64, error) {
	key, err := am.Ctx.GetStub().CreateCompositeKey(counterObjectType, []string{userSequence})
	if err != nil {
		return 0, fmt.Errorf("failed to create user counter key: %w", err)
	}
	raw, err := am.Ctx.GetStub().GetState(key)
	if err != nil {
		return 0, fmt.Errorf("failed to read user counter: %w", err)
	}
	if raw == nil {
		return 0, nil
	}
	count, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt user counter value '%s': %w", string(raw), err)
	}
	return count, nil
}

// anyAdminExists scans registered profiles for an active admin. Only the
// bootstrap path calls this, on an empty or near-empty ledger.
func (am *AccessManager) anyAdminExists() (bool, error) {
	iterator, err := am.Ctx.GetStub().GetStateByPartialCompositeKey(userProfileObjectType, []string{})
	if err != nil {
		return false, fmt.Errorf("failed to get profile iterator: %w", err)
	}
	defer iterator.Close()

	for iterator.HasNext() {
		entry, iterErr := iterator.Next()
		if iterErr != nil {
			return false, fmt.Errorf("failed to iterate profiles: %w", iterErr)
		}
		var profile model.UserProfile
		if err := json.Unmarshal(entry.Value, &profile); err != nil {
			acLogger.Warningf("anyAdminExists: failed to unmarshal profile at key '%s': %v. Skipping.", entry.Key, err)
			continue
		}
		if profile.Role == model.RoleAdmin && profile.IsActive {
			return true, nil
		}
	}
	return false, nil
}

// bootstrapAdmin writes the first admin profile directly, bypassing the
// admin gate. Callers must have verified no admin exists yet.
func (am *AccessManager) bootstrapAdmin(callerID string) error {
	now, err := am.getCurrentTxTimestamp()
	if err != nil {
		return err
	}
	seq, err := am.nextUserSequence()
	if err != nil {
		return err
	}
	indexKey, err := am.createIndexKey(seq)
	if err != nil {
		return fmt.Errorf("failed to create user index key for bootstrap admin: %w", err)
	}
	if err := am.Ctx.GetStub().PutState(indexKey, []byte(callerID)); err != nil {
		return fmt.Errorf("failed to save user index entry for bootstrap admin: %w", err)
	}

	profile := model.UserProfile{
		ObjectType:    userProfileObjectType,
		UserID:        callerID,
		Role:          model.RoleAdmin,
		IsActive:      true,
		RegisteredAt:  now,
		LastUpdatedAt: now,
		AssignedBy:    callerID, // self-assigned during bootstrap
	}
	key, err := am.createProfileKey(callerID)
	if err != nil {
		return fmt.Errorf("failed to create profile key for bootstrap admin: %w", err)
	}
	raw, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("failed to marshal bootstrap admin profile: %w", err)
	}
	if err := am.Ctx.GetStub().PutState(key, raw); err != nil {
		return fmt.Errorf("failed to save bootstrap admin profile: %w", err)
	}
	acLogger.Infof("Bootstrap: identity '%s' is now the first admin", callerID)
	return nil
}

func (am *AccessManager) nextUserSequence() (uint64, error) {
	key, err := am.Ctx.GetStub().CreateCompositeKey(counterObjectType, []string{userSequence})
	if err != nil {
		return 0, fmt.Errorf("failed to create user counter key: %w", err)
	}
	raw, err := am.Ctx.GetStub().GetState(key)
	if err != nil {
		return 0, fmt.Errorf("failed to read user counter: %w", err)
	}
	var next uint64 = 1
	if raw != nil {
		current, parseErr := strconv.ParseUint(string(raw), 10, 64)
		if parseErr != nil {
			return 0, fmt.Errorf("corrupt user counter value '%s': %w", string(raw), parseErr)
		}
		next = current + 1
	}
	if err := am.Ctx.GetStub().PutState(key, []byte(strconv.FormatUint(next, 10))); err != nil {
		return 0, fmt.Errorf("failed to save user counter: %w", err)
	}
	return next, nil
}
