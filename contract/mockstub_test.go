package contract

import (
	"crypto/x509"
	"errors"
	"fmt"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/golang/protobuf/ptypes/timestamp"
	"github.com/hyperledger/fabric-chaincode-go/pkg/cid"
	"github.com/hyperledger/fabric-chaincode-go/shim"
	"github.com/hyperledger/fabric-contract-api-go/contractapi"
	"github.com/hyperledger/fabric-protos-go/ledger/queryresult"
	"github.com/hyperledger/fabric-protos-go/peer"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// compositeKeyNamespace mirrors the stub's composite key encoding: a
// leading U+0000, then the object type and each attribute, each
// terminated by U+0000.
const compositeKeyNamespace = "\x00"

// mockStub is an in-memory shim.ChaincodeStubInterface good enough for
// contract logic: state, composite keys, partial key scans in key order,
// events, and a settable transaction timestamp.
type mockStub struct {
	state  map[string][]byte
	events map[string][]byte
	txTime time.Time
	txID   string
}

func newMockStub() *mockStub {
	return &mockStub{
		state:  map[string][]byte{},
		events: map[string][]byte{},
		txTime: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		txID:   "tx0",
	}
}

func (m *mockStub) GetState(key string) ([]byte, error) {
	value, ok := m.state[key]
	if !ok {
		return nil, nil
	}
	return value, nil
}

func (m *mockStub) PutState(key string, value []byte) error {
	if key == "" {
		return errors.New("empty key")
	}
	m.state[key] = value
	return nil
}

func (m *mockStub) DelState(key string) error {
	delete(m.state, key)
	return nil
}

func (m *mockStub) CreateCompositeKey(objectType string, attributes []string) (string, error) {
	key := compositeKeyNamespace + objectType + compositeKeyNamespace
	for _, attr := range attributes {
		key += attr + compositeKeyNamespace
	}
	return key, nil
}

func (m *mockStub) SplitCompositeKey(compositeKey string) (string, []string, error) {
	parts := strings.Split(strings.Trim(compositeKey, compositeKeyNamespace), compositeKeyNamespace)
	if len(parts) == 0 {
		return "", nil, errors.New("malformed composite key")
	}
	return parts[0], parts[1:], nil
}

func (m *mockStub) GetStateByPartialCompositeKey(objectType string, keys []string) (shim.StateQueryIteratorInterface, error) {
	prefix, err := m.CreateCompositeKey(objectType, keys)
	if err != nil {
		return nil, err
	}
	matched := []string{}
	for key := range m.state {
		if strings.HasPrefix(key, prefix) {
			matched = append(matched, key)
		}
	}
	sort.Strings(matched)
	entries := make([]*queryresult.KV, len(matched))
	for i, key := range matched {
		entries[i] = &queryresult.KV{Key: key, Value: m.state[key]}
	}
	return &mockIterator{entries: entries}, nil
}

func (m *mockStub) GetTxTimestamp() (*timestamp.Timestamp, error) {
	return timestamppb.New(m.txTime), nil
}

func (m *mockStub) SetEvent(name string, payload []byte) error {
	if name == "" {
		return errors.New("empty event name")
	}
	m.events[name] = payload
	return nil
}

func (m *mockStub) GetTxID() string      { return m.txID }
func (m *mockStub) GetChannelID() string { return "testchannel" }

// Remainder of the interface, unused by the contract.

func (m *mockStub) GetArgs() [][]byte                           { return nil }
func (m *mockStub) GetStringArgs() []string                     { return nil }
func (m *mockStub) GetFunctionAndParameters() (string, []string) { return "", nil }
func (m *mockStub) GetArgsSlice() ([]byte, error)               { return nil, nil }
func (m *mockStub) InvokeChaincode(string, [][]byte, string) peer.Response {
	return peer.Response{Status: shim.ERROR, Message: "not implemented"}
}
func (m *mockStub) SetStateValidationParameter(string, []byte) error { return errNotImplemented }
func (m *mockStub) GetStateValidationParameter(string) ([]byte, error) {
	return nil, errNotImplemented
}
func (m *mockStub) GetStateByRange(string, string) (shim.StateQueryIteratorInterface, error) {
	return nil, errNotImplemented
}
func (m *mockStub) GetStateByRangeWithPagination(string, string, int32, string) (shim.StateQueryIteratorInterface, *peer.QueryResponseMetadata, error) {
	return nil, nil, errNotImplemented
}
func (m *mockStub) GetStateByPartialCompositeKeyWithPagination(string, []string, int32, string) (shim.StateQueryIteratorInterface, *peer.QueryResponseMetadata, error) {
	return nil, nil, errNotImplemented
}
func (m *mockStub) GetQueryResult(string) (shim.StateQueryIteratorInterface, error) {
	return nil, errNotImplemented
}
func (m *mockStub) GetQueryResultWithPagination(string, int32, string) (shim.StateQueryIteratorInterface, *peer.QueryResponseMetadata, error) {
	return nil, nil, errNotImplemented
}
func (m *mockStub) GetHistoryForKey(string) (shim.HistoryQueryIteratorInterface, error) {
	return nil, errNotImplemented
}
func (m *mockStub) GetPrivateData(string, string) ([]byte, error)     { return nil, errNotImplemented }
func (m *mockStub) GetPrivateDataHash(string, string) ([]byte, error) { return nil, errNotImplemented }
func (m *mockStub) PutPrivateData(string, string, []byte) error       { return errNotImplemented }
func (m *mockStub) DelPrivateData(string, string) error               { return errNotImplemented }
func (m *mockStub) PurgePrivateData(string, string) error             { return errNotImplemented }
func (m *mockStub) SetPrivateDataValidationParameter(string, string, []byte) error {
	return errNotImplemented
}
func (m *mockStub) GetPrivateDataValidationParameter(string, string) ([]byte, error) {
	return nil, errNotImplemented
}
func (m *mockStub) GetPrivateDataByRange(string, string, string) (shim.StateQueryIteratorInterface, error) {
	return nil, errNotImplemented
}
func (m *mockStub) GetPrivateDataByPartialCompositeKey(string, string, []string) (shim.StateQueryIteratorInterface, error) {
	return nil, errNotImplemented
}
func (m *mockStub) GetPrivateDataQueryResult(string, string) (shim.StateQueryIteratorInterface, error) {
	return nil, errNotImplemented
}
func (m *mockStub) GetCreator() ([]byte, error)               { return nil, errNotImplemented }
func (m *mockStub) GetTransient() (map[string][]byte, error)  { return nil, nil }
func (m *mockStub) GetBinding() ([]byte, error)               { return nil, errNotImplemented }
func (m *mockStub) GetDecorations() map[string][]byte         { return nil }
func (m *mockStub) GetSignedProposal() (*peer.SignedProposal, error) {
	return nil, errNotImplemented
}

var errNotImplemented = errors.New("not implemented in mock stub")

type mockIterator struct {
	entries []*queryresult.KV
	pos     int
}

func (it *mockIterator) HasNext() bool { return it.pos < len(it.entries) }

func (it *mockIterator) Next() (*queryresult.KV, error) {
	if !it.HasNext() {
		return nil, errors.New("no more entries")
	}
	entry := it.entries[it.pos]
	it.pos++
	return entry, nil
}

func (it *mockIterator) Close() error { return nil }

// mockClientIdentity satisfies cid.ClientIdentity with a fixed ID.
type mockClientIdentity struct {
	id string
}

func (c *mockClientIdentity) GetID() (string, error)    { return c.id, nil }
func (c *mockClientIdentity) GetMSPID() (string, error) { return "TestMSP", nil }
func (c *mockClientIdentity) GetAttributeValue(string) (string, bool, error) {
	return "", false, nil
}
func (c *mockClientIdentity) AssertAttributeValue(string, string) error { return nil }
func (c *mockClientIdentity) GetX509Certificate() (*x509.Certificate, error) {
	return nil, errNotImplemented
}

var _ shim.ChaincodeStubInterface = (*mockStub)(nil)
var _ cid.ClientIdentity = (*mockClientIdentity)(nil)

// Well-known identities used across the tests.
const (
	adminID      = "x509::CN=admin::CN=ca.test"
	physicianID  = "x509::CN=dr-house::CN=ca.test"
	physician2ID = "x509::CN=dr-wilson::CN=ca.test"
	expertID1    = "x509::CN=expert-one::CN=ca.test"
	expertID2    = "x509::CN=expert-two::CN=ca.test"
	patientID    = "x509::CN=patient::CN=ca.test"
	strangerID   = "x509::CN=stranger::CN=ca.test"
)

// testEnv wires a contract, a shared mock stub, and per-identity
// transaction contexts over it.
type testEnv struct {
	t    *testing.T
	stub *mockStub
	cc   *ConsultationSmartContract
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return &testEnv{
		t:    t,
		stub: newMockStub(),
		cc:   &ConsultationSmartContract{},
	}
}

// ctxFor returns a transaction context acting as the given identity. All
// contexts share the same stub, so state persists across calls.
func (e *testEnv) ctxFor(identity string) *contractapi.TransactionContext {
	ctx := &contractapi.TransactionContext{}
	ctx.SetStub(e.stub)
	ctx.SetClientIdentity(&mockClientIdentity{id: identity})
	return ctx
}

// advance moves the mock transaction clock forward.
func (e *testEnv) advance(d time.Duration) {
	e.stub.txTime = e.stub.txTime.Add(d)
}

// event returns the captured payload of a named chaincode event, or ""
// when it was never emitted.
func (e *testEnv) event(name string) string {
	return string(e.stub.events[name])
}

// bootstrappedEnv returns an env whose ledger already has the admin plus
// the standard cast of role holders.
func bootstrappedEnv(t *testing.T) *testEnv {
	t.Helper()
	env := newTestEnv(t)
	if err := env.cc.BootstrapLedger(env.ctxFor(adminID)); err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}
	adminCtx := env.ctxFor(adminID)
	assignments := []struct {
		user string
		role uint8
	}{
		{physicianID, 1},
		{physician2ID, 1},
		{expertID1, 2},
		{expertID2, 2},
		{patientID, 4},
	}
	for _, a := range assignments {
		if err := env.cc.AssignRole(adminCtx, a.user, a.role, fmt.Sprintf("Qm%sProfile", a.user[10:16])); err != nil {
			t.Fatalf("assigning role %d to %s failed: %v", a.role, a.user, err)
		}
	}
	return env
}

// registeredExpertsEnv extends bootstrappedEnv with wallet bindings for
// both experts.
func registeredExpertsEnv(t *testing.T) *testEnv {
	t.Helper()
	env := bootstrappedEnv(t)
	adminCtx := env.ctxFor(adminID)
	if err := env.cc.RegisterExpertWallet(adminCtx, 101, expertID1); err != nil {
		t.Fatalf("registering expert 101 failed: %v", err)
	}
	if err := env.cc.RegisterExpertWallet(adminCtx, 102, expertID2); err != nil {
		t.Fatalf("registering expert 102 failed: %v", err)
	}
	return env
}
