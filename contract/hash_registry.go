package contract

import (
	"fmt"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"
	"github.com/hyperledger/fabric/common/flogging"
)

var hashLogger = flogging.MustGetLogger("medconsult.hashregistry")

// entityKind namespaces the hash registry. Each kind is governed by
// exactly one component; only that component may write hashes for it.
type entityKind string

const (
	entityProfile entityKind = "profile"
	entityCase    entityKind = "case"
	entityOpinion entityKind = "opinion"
)

// governingComponent is the write capability table, fixed at compile
// time: the registry trusts a store call only when it names the
// component that owns the entity kind.
var governingComponent = map[entityKind]component{
	entityProfile: componentAccessControl,
	entityCase:    componentMedicalCase,
	entityOpinion: componentExpertOpinion,
}

// HashRegistry maps (entity kind, entity ID) to an off-ledger content
// hash. Hashes are opaque strings: stored, returned, compared, never
// interpreted. Overwriting replaces the mapping; no history is kept at
// this layer.
type HashRegistry struct {
	Ctx contractapi.TransactionContextInterface
}

// NewHashRegistry creates a new instance of HashRegistry.
func NewHashRegistry(ctx contractapi.TransactionContextInterface) *HashRegistry {
	return &HashRegistry{Ctx: ctx}
}

func (hr *HashRegistry) createHashKey(kind entityKind, entityID string) (string, error) {
	return hr.Ctx.GetStub().CreateCompositeKey(contentHashObjectType, []string{string(kind), entityID})
}

// store records a content hash under the given entity. Writes are
// restricted to the governing component; reads are public.
func (hr *HashRegistry) store(caller component, kind entityKind, entityID, contentHash string) error {
	governor, ok := governingComponent[kind]
	if !ok {
		return fmt.Errorf("%w: unknown entity kind '%s'", ErrInvalidArgument, kind)
	}
	if caller != governor {
		return fmt.Errorf("%w: component '%s' may not store %s hashes (governed by '%s')", ErrUnauthorized, caller, kind, governor)
	}
	if contentHash == "" {
		return fmt.Errorf("%w: content hash for %s '%s' cannot be empty", ErrInvalidArgument, kind, entityID)
	}
	key, err := hr.createHashKey(kind, entityID)
	if err != nil {
		return fmt.Errorf("failed to create hash key for %s '%s': %w", kind, entityID, err)
	}
	if err := hr.Ctx.GetStub().PutState(key, []byte(contentHash)); err != nil {
		return fmt.Errorf("failed to save hash for %s '%s': %w", kind, entityID, err)
	}
	hashLogger.Debugf("Stored %s hash for '%s'", kind, entityID)
	return nil
}

// get returns the stored hash for an entity, or ErrNotFound if no hash
// was ever stored for it.
func (hr *HashRegistry) get(kind entityKind, entityID string) (string, error) {
	key, err := hr.createHashKey(kind, entityID)
	if err != nil {
		return "", fmt.Errorf("failed to create hash key for %s '%s': %w", kind, entityID, err)
	}
	raw, err := hr.Ctx.GetStub().GetState(key)
	if err != nil {
		return "", fmt.Errorf("ledger error reading hash for %s '%s': %w", kind, entityID, err)
	}
	if raw == nil {
		return "", fmt.Errorf("%w: no stored hash for %s '%s'", ErrNotFound, kind, entityID)
	}
	return string(raw), nil
}
