package escrow

import "time"

type JobStatus string

const (
	StatusCreated    JobStatus = "created"
	StatusFunded     JobStatus = "funded"
	StatusInProgress JobStatus = "in_progress"
	StatusCompleted  JobStatus = "completed"
	StatusDisputed   JobStatus = "disputed"
	StatusCancelled  JobStatus = "cancelled"
)

type MilestoneStatus string

const (
	MilestonePending    MilestoneStatus = "pending"
	MilestoneInProgress MilestoneStatus = "in_progress"
	MilestoneSubmitted  MilestoneStatus = "submitted"
	MilestoneApproved   MilestoneStatus = "approved"
)

type ProposalStatus string

const (
	ProposalPending  ProposalStatus = "pending"
	ProposalAccepted ProposalStatus = "accepted"
	ProposalRejected ProposalStatus = "rejected"
)

// Outbox topics emitted for downstream consumers, primarily the reputation
// service.
const (
	TopicJobFunded         = "job.funded"
	TopicJobCompleted      = "job.completed"
	TopicJobCancelled      = "job.cancelled"
	TopicJobDisputed       = "job.disputed"
	TopicMilestoneApproved = "milestone.approved"
	TopicSettlementApplied = "settlement.applied"
)

// Job mirrors the `jobs` table. TotalAmount always equals the sum of the
// milestone amounts; revisions rebalance both together.
type Job struct {
	ID           string
	ClientID     string
	FreelancerID string
	Asset        string
	TotalAmount  int64
	Status       JobStatus
	JobDeadline  time.Time
	GraceSeconds int64
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Milestones   []Milestone
}

// RefundEligibleAt is the instant after which an abandoned job becomes
// refundable by the client.
func (j Job) RefundEligibleAt() time.Time {
	return j.JobDeadline.Add(time.Duration(j.GraceSeconds) * time.Second)
}

// Milestone mirrors the `milestones` table. Milestones are addressed by their
// position within the job.
type Milestone struct {
	Idx         int
	Description string
	Amount      int64
	Status      MilestoneStatus
	Deadline    time.Time
}

// MilestoneInput is the caller-supplied shape for creating or revising
// milestones.
type MilestoneInput struct {
	Description string    `json:"description"`
	Amount      int64     `json:"amount"`
	Deadline    time.Time `json:"deadline"`
}

// RevisionProposal mirrors the `revision_proposals` table. At most one
// pending proposal exists per job; the partial unique index enforces it.
type RevisionProposal struct {
	ID            string
	JobID         string
	ProposerID    string
	NewTotal      int64
	NewMilestones []MilestoneInput
	Status        ProposalStatus
	CreatedAt     time.Time
	ResolvedAt    *time.Time
}

// DeadlineExtension mirrors the `deadline_extensions` table: a milestone
// deadline change proposed by one party and awaiting the other's confirmation.
type DeadlineExtension struct {
	JobID        string
	MilestoneIdx int
	ProposerID   string
	NewDeadline  time.Time
	CreatedAt    time.Time
}

// Config is the platform singleton: the admin principal, the fee taken from
// every milestone release, and the treasury owner the fee routes to.
type Config struct {
	AdminID     string
	FeeBps      int
	TreasuryRef string
	UpdatedAt   time.Time
}

// MaxFeeBps caps the platform fee at 10%.
const MaxFeeBps = 1000
