package arbitration

import "time"

type DisputeStatus string

const (
	StatusOpen               DisputeStatus = "open"
	StatusVoting             DisputeStatus = "voting"
	StatusResolvedClient     DisputeStatus = "resolved_client"
	StatusResolvedFreelancer DisputeStatus = "resolved_freelancer"
	StatusAppealed           DisputeStatus = "appealed"
	StatusFinal              DisputeStatus = "final"
)

// Side is a vote choice and, after resolution, the winning party of a round.
type Side string

const (
	SideClient     Side = "client"
	SideFreelancer Side = "freelancer"
)

const (
	// MinVoteFloor is the smallest quorum a dispute may be raised with.
	MinVoteFloor = 3
	// DefaultMaxAppeals bounds the escalation rounds before a resolution
	// becomes final.
	DefaultMaxAppeals = 2
	// AppealWindowOps is the length of the appeal window, measured in
	// registry operations on the shared sequence.
	AppealWindowOps = 100
)

// Outbox topics emitted for downstream consumers.
const (
	TopicDisputeResolved = "dispute.resolved"
	TopicDisputeFinal    = "dispute.final"
)

// Dispute mirrors the `disputes` table. Tallies always count the current
// round only; an appeal zeroes them and discards the round's votes. Fee and
// PenaltyStake record what was escrowed at raise time and never change, even
// after the funds leave dispute custody; FeeRefunded and StakeSettled say
// whether they already have.
type Dispute struct {
	ID                 string
	JobID              string
	ClientID           string
	FreelancerID       string
	InitiatorID        string
	Reason             string
	Status             DisputeStatus
	VotesForClient     int
	VotesForFreelancer int
	MinVotes           int
	Fee                int64
	PenaltyStake       int64
	Asset              string
	AppealCount        int
	MaxAppeals         int
	AppealDeadlineSeq  *int64
	ResolutionAt       *time.Time
	Malicious          bool
	FeeRefunded        bool
	StakeSettled       bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// RequiredVotes is the quorum for the current round: the raise-time minimum
// doubled once per appeal.
func (d Dispute) RequiredVotes() int {
	return d.MinVotes << d.AppealCount
}

// Resolved reports whether the dispute carries a resolution, final or not.
func (d Dispute) Resolved() bool {
	switch d.Status {
	case StatusResolvedClient, StatusResolvedFreelancer, StatusFinal:
		return true
	}
	return false
}

// Vote mirrors the `dispute_votes` table. One row per (dispute, voter) in
// the current round.
type Vote struct {
	DisputeID string
	VoterID   string
	Choice    Side
	Reason    string
	CreatedAt time.Time
}

// Config is the registry singleton: the admin principal and the percentage
// of against-initiator votes beyond which a dispute counts as malicious.
type Config struct {
	AdminID            string
	MaliciousThreshold int
	UpdatedAt          time.Time
}

// DefaultMaliciousThreshold is used when the registry is initialized without
// an explicit threshold.
const DefaultMaliciousThreshold = 80
