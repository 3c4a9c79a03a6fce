package main

import (
	"context"
	"net/http"
	"time"

	"fairlance/arbitration"
	"fairlance/auth"
	"fairlance/escrow"
	"fairlance/ledger"
	"fairlance/lib"
)

// AuthService is the slice of fairlance/auth the API consumes.
type AuthService interface {
	Register(ctx context.Context, req auth.RegisterRequest) (*auth.User, error)
	Login(ctx context.Context, req auth.LoginRequest) (auth.LoginResult, error)
	VerifyToken(token string) (string, auth.Role, error)
	GetUserByID(ctx context.Context, userID string) (*auth.User, error)
}

// WalletService is the slice of fairlance/ledger the API consumes.
type WalletService interface {
	Deposit(ctx context.Context, userID, asset string, amount int64) (string, error)
	AccountFor(ctx context.Context, kind ledger.AccountKind, ownerRef, asset string) (ledger.Account, error)
}

// JobService is the slice of fairlance/escrow the API consumes.
type JobService interface {
	CreateJob(ctx context.Context, params escrow.CreateJobParams) (escrow.Job, error)
	FundJob(ctx context.Context, jobID, callerID string) error
	CancelJob(ctx context.Context, jobID, callerID string) error
	ClaimRefund(ctx context.Context, jobID, callerID string) error
	MarkDisputed(ctx context.Context, jobID, callerID string) error

	SubmitMilestone(ctx context.Context, jobID string, idx int, callerID string) error
	ApproveMilestone(ctx context.Context, jobID string, idx int, callerID string) (int64, error)
	ApproveMilestonesBatch(ctx context.Context, jobID string, indices []int, callerID string) (int64, error)
	IsMilestoneOverdue(ctx context.Context, jobID string, idx int) (bool, error)
	ProposeExtension(ctx context.Context, jobID string, idx int, newDeadline time.Time, callerID string) error
	ConfirmExtension(ctx context.Context, jobID, callerID string) error
	CancelExtension(ctx context.Context, jobID, callerID string) error

	ProposeRevision(ctx context.Context, jobID string, milestones []escrow.MilestoneInput, callerID string) (escrow.RevisionProposal, error)
	AcceptRevision(ctx context.Context, jobID, callerID string) error
	RejectRevision(ctx context.Context, jobID, callerID string) error
	GetRevisionProposal(ctx context.Context, jobID string) (escrow.RevisionProposal, error)

	GetJob(ctx context.Context, jobID string) (escrow.Job, error)
	ListJobsForUser(ctx context.Context, userID string, page, pageSize int) (escrow.JobList, error)

	InitializeConfig(ctx context.Context, adminID string, feeBps int, treasuryRef string) (escrow.Config, error)
	SetFeeBps(ctx context.Context, callerID string, feeBps int) (escrow.Config, error)
	SetTreasury(ctx context.Context, callerID, treasuryRef string) (escrow.Config, error)
	SetAdmin(ctx context.Context, callerID, newAdminID string) (escrow.Config, error)
	PlatformConfig(ctx context.Context) (escrow.Config, error)
	Settle(ctx context.Context, jobID string, outcome escrow.Outcome, callerID string) (escrow.SettlementResult, error)
}

// DisputeService is the slice of fairlance/arbitration the API consumes.
type DisputeService interface {
	RaiseDispute(ctx context.Context, params arbitration.RaiseDisputeParams) (arbitration.Dispute, error)
	CastVote(ctx context.Context, disputeID, voterID string, choice arbitration.Side, reason string) error
	ResolveDispute(ctx context.Context, disputeID string, maliciousFlag bool) (arbitration.Dispute, error)
	RaiseAppeal(ctx context.Context, disputeID, appellantID string) error
	ClaimVoterReward(ctx context.Context, disputeID, voterID string) (int64, error)
	GetClaimableReward(ctx context.Context, disputeID, voterID string) (int64, error)

	GetDispute(ctx context.Context, disputeID string) (arbitration.Dispute, error)
	ListVotes(ctx context.Context, disputeID string) ([]arbitration.Vote, error)
	ListDisputesForJob(ctx context.Context, jobID string) ([]arbitration.Dispute, error)

	InitializeConfig(ctx context.Context, adminID string, maliciousThreshold int) (arbitration.Config, error)
	SetMaliciousThreshold(ctx context.Context, callerID string, threshold int) (arbitration.Config, error)
	SetAdmin(ctx context.Context, callerID, newAdminID string) (arbitration.Config, error)
	RegistryConfig(ctx context.Context) (arbitration.Config, error)
}

// Server carries the HTTP handlers and their service dependencies.
type Server struct {
	log            *lib.Logger
	authService    AuthService
	walletService  WalletService
	jobService     JobService
	disputeService DisputeService
}

func NewServer(log *lib.Logger, authSvc AuthService, wallet WalletService, jobs JobService, disputes DisputeService) *Server {
	return &Server{
		log:            log,
		authService:    authSvc,
		walletService:  wallet,
		jobService:     jobs,
		disputeService: disputes,
	}
}

// Routes assembles the route table. Everything under /api/v1/ except the
// auth endpoints requires a bearer token; role gates sit on top of that.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /api/v1/auth/register", s.handleRegister)
	mux.HandleFunc("POST /api/v1/auth/login", s.handleLogin)

	protected := http.NewServeMux()
	protected.HandleFunc("GET /api/v1/me", s.handleMe)
	protected.HandleFunc("GET /api/v1/wallet", s.handleWallet)

	protected.HandleFunc("POST /api/v1/jobs", requireRole(s.handleCreateJob, auth.RoleClient))
	protected.HandleFunc("GET /api/v1/jobs", s.handleListJobs)
	protected.HandleFunc("GET /api/v1/jobs/{job_id}", s.handleGetJob)
	protected.HandleFunc("POST /api/v1/jobs/{job_id}/fund", s.handleFundJob)
	protected.HandleFunc("POST /api/v1/jobs/{job_id}/cancel", s.handleCancelJob)
	protected.HandleFunc("POST /api/v1/jobs/{job_id}/refund", s.handleClaimRefund)
	protected.HandleFunc("POST /api/v1/jobs/{job_id}/dispute", s.handleMarkDisputed)

	protected.HandleFunc("POST /api/v1/jobs/{job_id}/milestones/{idx}/submit", s.handleSubmitMilestone)
	protected.HandleFunc("POST /api/v1/jobs/{job_id}/milestones/{idx}/approve", s.handleApproveMilestone)
	protected.HandleFunc("POST /api/v1/jobs/{job_id}/milestones/approve-batch", s.handleApproveBatch)
	protected.HandleFunc("GET /api/v1/jobs/{job_id}/milestones/{idx}/overdue", s.handleMilestoneOverdue)
	protected.HandleFunc("POST /api/v1/jobs/{job_id}/milestones/{idx}/extension", s.handleProposeExtension)
	protected.HandleFunc("POST /api/v1/jobs/{job_id}/extension/confirm", s.handleConfirmExtension)
	protected.HandleFunc("POST /api/v1/jobs/{job_id}/extension/cancel", s.handleCancelExtension)

	protected.HandleFunc("POST /api/v1/jobs/{job_id}/revision", s.handleProposeRevision)
	protected.HandleFunc("GET /api/v1/jobs/{job_id}/revision", s.handleGetRevision)
	protected.HandleFunc("POST /api/v1/jobs/{job_id}/revision/accept", s.handleAcceptRevision)
	protected.HandleFunc("POST /api/v1/jobs/{job_id}/revision/reject", s.handleRejectRevision)

	protected.HandleFunc("POST /api/v1/disputes", s.handleRaiseDispute)
	protected.HandleFunc("GET /api/v1/disputes/{dispute_id}", s.handleGetDispute)
	protected.HandleFunc("GET /api/v1/jobs/{job_id}/disputes", s.handleListJobDisputes)
	protected.HandleFunc("POST /api/v1/disputes/{dispute_id}/votes", requireRole(s.handleCastVote, auth.RoleArbiter))
	protected.HandleFunc("GET /api/v1/disputes/{dispute_id}/votes", s.handleListVotes)
	protected.HandleFunc("POST /api/v1/disputes/{dispute_id}/resolve", requireRole(s.handleResolveDispute, auth.RoleArbiter, auth.RoleAdmin))
	protected.HandleFunc("POST /api/v1/disputes/{dispute_id}/appeal", s.handleRaiseAppeal)
	protected.HandleFunc("POST /api/v1/disputes/{dispute_id}/reward/claim", requireRole(s.handleClaimReward, auth.RoleArbiter))
	protected.HandleFunc("GET /api/v1/disputes/{dispute_id}/reward", s.handleGetReward)

	admin := func(h http.HandlerFunc) http.HandlerFunc { return requireRole(h, auth.RoleAdmin) }
	protected.HandleFunc("POST /api/v1/admin/escrow/config", admin(s.handleInitEscrowConfig))
	protected.HandleFunc("GET /api/v1/admin/escrow/config", admin(s.handleGetEscrowConfig))
	protected.HandleFunc("PUT /api/v1/admin/escrow/config/fee", admin(s.handleSetFee))
	protected.HandleFunc("PUT /api/v1/admin/escrow/config/treasury", admin(s.handleSetTreasury))
	protected.HandleFunc("PUT /api/v1/admin/escrow/config/admin", admin(s.handleSetEscrowAdmin))
	protected.HandleFunc("POST /api/v1/admin/arbitration/config", admin(s.handleInitRegistryConfig))
	protected.HandleFunc("GET /api/v1/admin/arbitration/config", admin(s.handleGetRegistryConfig))
	protected.HandleFunc("PUT /api/v1/admin/arbitration/config/threshold", admin(s.handleSetThreshold))
	protected.HandleFunc("PUT /api/v1/admin/arbitration/config/admin", admin(s.handleSetRegistryAdmin))
	protected.HandleFunc("POST /api/v1/admin/deposits", admin(s.handleAdminDeposit))
	protected.HandleFunc("POST /api/v1/admin/jobs/{job_id}/settle", admin(s.handleAdminSettle))

	mux.Handle("/api/v1/", s.authMiddleware(protected))

	return requestIDMiddleware(s.loggingMiddleware(s.recoverMiddleware(mux)))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
