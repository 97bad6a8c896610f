package contract

import (
	"testing"
	"time"

	"medconsult/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterExpertWalletBindsBothDirections(t *testing.T) {
	env := bootstrappedEnv(t)
	adminCtx := env.ctxFor(adminID)

	require.NoError(t, env.cc.RegisterExpertWallet(adminCtx, 101, expertID1))

	user, err := env.cc.GetExpertWallet(adminCtx, 101)
	require.NoError(t, err)
	assert.Equal(t, expertID1, user)
	assert.NotEmpty(t, env.event("ExpertWalletRegistered"))
}

func TestRegisterExpertWalletRejectsDuplicates(t *testing.T) {
	env := bootstrappedEnv(t)
	adminCtx := env.ctxFor(adminID)

	require.NoError(t, env.cc.RegisterExpertWallet(adminCtx, 101, expertID1))

	// Same ID, different identity.
	err := env.cc.RegisterExpertWallet(adminCtx, 101, expertID2)
	require.ErrorIs(t, err, ErrAlreadyExists)

	// Same identity, different ID.
	err = env.cc.RegisterExpertWallet(adminCtx, 202, expertID1)
	require.ErrorIs(t, err, ErrAlreadyExists)
}

func TestRegisterExpertWalletValidates(t *testing.T) {
	env := bootstrappedEnv(t)
	adminCtx := env.ctxFor(adminID)

	err := env.cc.RegisterExpertWallet(env.ctxFor(expertID1), 101, expertID1)
	require.ErrorIs(t, err, ErrUnauthorized)

	err = env.cc.RegisterExpertWallet(adminCtx, 0, expertID1)
	require.ErrorIs(t, err, ErrInvalidArgument)

	// The identity must hold the expert role.
	err = env.cc.RegisterExpertWallet(adminCtx, 101, physicianID)
	require.ErrorIs(t, err, ErrInvalidArgument)

	err = env.cc.RegisterExpertWallet(adminCtx, 101, strangerID)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestSubmitOpinionHappyPath(t *testing.T) {
	env := registeredExpertsEnv(t)

	caseID, err := env.cc.SubmitCase(env.ctxFor(physicianID), "QmCase", "cardiology", "echo", "HIGH", 7)
	require.NoError(t, err)

	opinionID, err := env.cc.SubmitOpinion(env.ctxFor(expertID1), caseID, "QmOpinion", "HIGH")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), opinionID)

	op, err := env.cc.GetOpinion(env.ctxFor(adminID), opinionID)
	require.NoError(t, err)
	assert.Equal(t, caseID, op.CaseID)
	assert.Equal(t, uint64(101), op.ExpertID)
	assert.Equal(t, expertID1, op.ExpertUser)
	assert.Equal(t, "QmOpinion", op.ContentHash)
	assert.Equal(t, model.ConfidenceHigh, op.Confidence)
	assert.False(t, op.Verified)
	assert.True(t, op.IsActive)

	c, err := env.cc.GetCase(env.ctxFor(adminID), caseID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), c.OpinionCount)

	hash, err := env.cc.GetOpinionHash(env.ctxFor(adminID), opinionID)
	require.NoError(t, err)
	assert.Equal(t, "QmOpinion", hash)

	// Submission counts toward reputation stats without scoring.
	stats, err := env.cc.GetExpertStats(env.ctxFor(adminID), 101)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.TotalOpinions)
	assert.Zero(t, stats.Score)
}

func TestSubmitOpinionRequiresRegisteredExpert(t *testing.T) {
	env := bootstrappedEnv(t)

	caseID, err := env.cc.SubmitCase(env.ctxFor(physicianID), "QmCase", "cardiology", "echo", "HIGH", 7)
	require.NoError(t, err)

	// Holds the expert role but has no wallet binding.
	_, err = env.cc.SubmitOpinion(env.ctxFor(expertID1), caseID, "QmOpinion", "HIGH")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = env.cc.SubmitOpinion(env.ctxFor(physicianID), caseID, "QmOpinion", "HIGH")
	require.ErrorIs(t, err, ErrUnauthorized)
}

func TestSubmitOpinionRejectsClosedOrExpiredCase(t *testing.T) {
	env := registeredExpertsEnv(t)

	expiring, err := env.cc.SubmitCase(env.ctxFor(physicianID), "QmCase", "cardiology", "echo", "HIGH", 1)
	require.NoError(t, err)
	closed, err := env.cc.SubmitCase(env.ctxFor(physicianID), "QmOther", "cardiology", "echo", "HIGH", 30)
	require.NoError(t, err)
	require.NoError(t, env.cc.CloseCase(env.ctxFor(physicianID), closed))

	_, err = env.cc.SubmitOpinion(env.ctxFor(expertID1), closed, "QmOpinion", "HIGH")
	require.ErrorIs(t, err, ErrCaseClosed)

	env.advance(36 * time.Hour)
	_, err = env.cc.SubmitOpinion(env.ctxFor(expertID1), expiring, "QmOpinion", "HIGH")
	require.ErrorIs(t, err, ErrCaseClosed)
	assert.Contains(t, err.Error(), "expired")
}

func TestSubmitOpinionRejectsDuplicatePerCase(t *testing.T) {
	env := registeredExpertsEnv(t)

	caseID, err := env.cc.SubmitCase(env.ctxFor(physicianID), "QmCase", "cardiology", "echo", "HIGH", 7)
	require.NoError(t, err)

	_, err = env.cc.SubmitOpinion(env.ctxFor(expertID1), caseID, "QmOpinion", "HIGH")
	require.NoError(t, err)

	_, err = env.cc.SubmitOpinion(env.ctxFor(expertID1), caseID, "QmSecondThoughts", "LOW")
	require.ErrorIs(t, err, ErrAlreadyExists)

	// A different expert may still weigh in.
	secondID, err := env.cc.SubmitOpinion(env.ctxFor(expertID2), caseID, "QmOther", "MEDIUM")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), secondID)

	c, err := env.cc.GetCase(env.ctxFor(adminID), caseID)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), c.OpinionCount)

	// And the same expert may opine on a different case.
	otherCase, err := env.cc.SubmitCase(env.ctxFor(physicianID), "QmOtherCase", "neurology", "mri", "LOW", 7)
	require.NoError(t, err)
	_, err = env.cc.SubmitOpinion(env.ctxFor(expertID1), otherCase, "QmFresh", "HIGH")
	require.NoError(t, err)
}

func TestSubmitOpinionRejectsBadInput(t *testing.T) {
	env := registeredExpertsEnv(t)

	caseID, err := env.cc.SubmitCase(env.ctxFor(physicianID), "QmCase", "cardiology", "echo", "HIGH", 7)
	require.NoError(t, err)

	_, err = env.cc.SubmitOpinion(env.ctxFor(expertID1), caseID, "", "HIGH")
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = env.cc.SubmitOpinion(env.ctxFor(expertID1), caseID, "QmOpinion", "VERY_SURE")
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = env.cc.SubmitOpinion(env.ctxFor(expertID1), 999, "QmOpinion", "HIGH")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestOpinionListings(t *testing.T) {
	env := registeredExpertsEnv(t)

	caseA, err := env.cc.SubmitCase(env.ctxFor(physicianID), "QmA", "cardiology", "echo", "HIGH", 7)
	require.NoError(t, err)
	caseB, err := env.cc.SubmitCase(env.ctxFor(physicianID), "QmB", "neurology", "mri", "LOW", 7)
	require.NoError(t, err)

	op1, err := env.cc.SubmitOpinion(env.ctxFor(expertID1), caseA, "QmOp1", "HIGH")
	require.NoError(t, err)
	op2, err := env.cc.SubmitOpinion(env.ctxFor(expertID2), caseA, "QmOp2", "LOW")
	require.NoError(t, err)
	op3, err := env.cc.SubmitOpinion(env.ctxFor(expertID1), caseB, "QmOp3", "MEDIUM")
	require.NoError(t, err)

	forCase, err := env.cc.GetOpinionsForCase(env.ctxFor(adminID), caseA)
	require.NoError(t, err)
	assert.Equal(t, []uint64{op1, op2}, forCase)

	byExpert, err := env.cc.GetOpinionsByExpert(env.ctxFor(adminID), 101)
	require.NoError(t, err)
	assert.Equal(t, []uint64{op1, op3}, byExpert)

	_, err = env.cc.GetOpinionsForCase(env.ctxFor(adminID), 999)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = env.cc.GetOpinionsByExpert(env.ctxFor(adminID), 999)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestOpinionApprovalOnlyByVoting(t *testing.T) {
	env := registeredExpertsEnv(t)

	caseID, err := env.cc.SubmitCase(env.ctxFor(physicianID), "QmCase", "cardiology", "echo", "HIGH", 7)
	require.NoError(t, err)
	opinionID, err := env.cc.SubmitOpinion(env.ctxFor(expertID1), caseID, "QmOpinion", "HIGH")
	require.NoError(t, err)

	err = env.cc.markOpinionApproved(env.ctxFor(adminID), componentMedicalCase, opinionID)
	require.ErrorIs(t, err, ErrUnauthorized)

	op, err := env.cc.GetOpinion(env.ctxFor(adminID), opinionID)
	require.NoError(t, err)
	assert.False(t, op.Verified)
}
