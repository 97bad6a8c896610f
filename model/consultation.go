package model

import "time"

// Urgency classifies how quickly a case needs expert attention.
type Urgency string

const (
	UrgencyLow      Urgency = "LOW"
	UrgencyMedium   Urgency = "MEDIUM"
	UrgencyHigh     Urgency = "HIGH"
	UrgencyCritical Urgency = "CRITICAL"
)

// ParseUrgency maps a client-supplied urgency string to its enum value.
// The empty string and unknown values are rejected by returning false.
func ParseUrgency(s string) (Urgency, bool) {
	switch Urgency(s) {
	case UrgencyLow, UrgencyMedium, UrgencyHigh, UrgencyCritical:
		return Urgency(s), true
	}
	return "", false
}

// Confidence is an expert's self-assessed certainty in an opinion.
type Confidence string

const (
	ConfidenceLow    Confidence = "LOW"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceHigh   Confidence = "HIGH"
)

func ParseConfidence(s string) (Confidence, bool) {
	switch Confidence(s) {
	case ConfidenceLow, ConfidenceMedium, ConfidenceHigh:
		return Confidence(s), true
	}
	return "", false
}

// Case is a physician-submitted consultation request. The case content
// itself lives off-ledger; ContentHash is the opaque reference to it.
// Openness is never stored: it is derived from ExpiryTime and the Closed
// flag against the transaction timestamp (see IsOpen).
type Case struct {
	ObjectType        string    `json:"objectType"` // "Case"
	CaseID            uint64    `json:"caseId"`
	ContentHash       string    `json:"contentHash"`
	SubmittedBy       string    `json:"submittedBy"`
	Category          string    `json:"category"`
	Specialty         string    `json:"specialty"`
	Urgency           Urgency   `json:"urgency"`
	SubmittedAt       time.Time `json:"submittedAt"`
	ExpiryTime        time.Time `json:"expiryTime"`
	Closed            bool      `json:"closed"` // explicit one-way closure
	ClosedBy          string    `json:"closedBy"`
	AssignedExpertIDs []uint64  `json:"assignedExpertIds"`
	OpinionCount      uint64    `json:"opinionCount"`
}

// IsOpen reports whether the case accepts opinions at the given time.
// Expiry is evaluated lazily on every read; there is no scheduled close.
func (c *Case) IsOpen(now time.Time) bool {
	return !c.Closed && now.Before(c.ExpiryTime)
}

// Opinion is an expert's response to an open case. Verified is the only
// field mutated after creation; it is set by the vote tally.
type Opinion struct {
	ObjectType  string     `json:"objectType"` // "Opinion"
	OpinionID   uint64     `json:"opinionId"`
	CaseID      uint64     `json:"caseId"`
	ExpertID    uint64     `json:"expertId"`
	ExpertUser  string     `json:"expertUser"` // identity of the submitting expert
	ContentHash string     `json:"contentHash"`
	Confidence  Confidence `json:"confidence"`
	SubmittedAt time.Time  `json:"submittedAt"`
	Verified    bool       `json:"verified"`
	IsActive    bool       `json:"isActive"`
}

// Vote is a single peer-review judgement on the opinion an expert gave
// for a case. Votes are immutable once cast; one vote per voter per
// (case, expert) pair.
type Vote struct {
	ObjectType string    `json:"objectType"` // "Vote"
	CaseID     uint64    `json:"caseId"`
	ExpertID   uint64    `json:"expertId"`
	Voter      string    `json:"voter"`
	Approve    bool      `json:"approve"`
	CastAt     time.Time `json:"castAt"`
}

// VoteTally is the running count of votes for an opinion.
type VoteTally struct {
	CaseID     uint64 `json:"caseId"`
	ExpertID   uint64 `json:"expertId"`
	Approvals  uint64 `json:"approvals"`
	Rejections uint64 `json:"rejections"`
}

// ReputationRecord tracks an expert's standing. Score never goes below
// zero; verified opinions and cast votes adjust it by fixed deltas.
type ReputationRecord struct {
	ObjectType       string    `json:"objectType"` // "Reputation"
	ExpertID         uint64    `json:"expertId"`
	Score            int64     `json:"score"`
	TotalOpinions    uint64    `json:"totalOpinions"`
	VerifiedOpinions uint64    `json:"verifiedOpinions"`
	TotalVotes       uint64    `json:"totalVotes"`
	PositiveVotes    uint64    `json:"positiveVotes"`
	IsActive         bool      `json:"isActive"`
	CreatedAt        time.Time `json:"createdAt"`
	LastUpdatedAt    time.Time `json:"lastUpdatedAt"`
}
