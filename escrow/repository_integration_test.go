package escrow

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"fairlance/ledger"
)

// TestEscrowLifecycle_Integration connects to a real PostgreSQL via
// DATABASE_URL and walks a job through funding, a milestone release, and
// cancellation, checking custody conservation against the ledger tables.
func TestEscrowLifecycle_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	for _, table := range []string{"jobs", "milestones", "escrow_config", "accounts", "transfers"} {
		if !tableExists(ctx, t, pool, table) {
			t.Skipf("database schema missing table %s; apply migrations first", table)
		}
	}

	clientID := uuid.NewString()
	freelancerID := uuid.NewString()
	adminID := uuid.NewString()
	treasuryRef := fmt.Sprintf("itest-treasury-%d", time.Now().UnixNano())

	seedUser := func(id, role string) {
		if _, err := pool.Exec(ctx,
			`INSERT INTO users (id, email, password_hash, display_name, role) VALUES ($1, $2, 'x', 'itest', $3::user_role)`,
			id, fmt.Sprintf("itest+%s@example.com", id), role,
		); err != nil {
			t.Fatalf("seed %s user: %v", role, err)
		}
	}
	seedUser(clientID, "client")
	seedUser(freelancerID, "freelancer")

	// The config singleton is shared; claim it for this run.
	if _, err := pool.Exec(ctx, `DELETE FROM escrow_config`); err != nil {
		t.Fatalf("clear config: %v", err)
	}

	var jobID string
	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		owners := []string{clientID, freelancerID, jobID, treasuryRef}
		pool.Exec(ctx2, `DELETE FROM transfers WHERE from_account IN (SELECT id FROM accounts WHERE owner_ref = ANY($1)) OR to_account IN (SELECT id FROM accounts WHERE owner_ref = ANY($1))`, owners)
		pool.Exec(ctx2, `DELETE FROM accounts WHERE owner_ref = ANY($1)`, owners)
		pool.Exec(ctx2, `DELETE FROM outbox WHERE payload->>'job_id' = $1`, jobID)
		pool.Exec(ctx2, `DELETE FROM jobs WHERE id = $1`, jobID)
		pool.Exec(ctx2, `DELETE FROM escrow_config`)
		pool.Exec(ctx2, `DELETE FROM users WHERE id IN ($1, $2)`, clientID, freelancerID)
	})

	svc := NewService(pool, nil, nil)
	ledgerSvc := ledger.NewService(pool, nil)

	if _, err := svc.InitializeConfig(ctx, adminID, 250, treasuryRef); err != nil {
		t.Fatalf("initialize config: %v", err)
	}

	if _, err := ledgerSvc.Deposit(ctx, clientID, "USD", 100_000); err != nil {
		t.Fatalf("seed client wallet: %v", err)
	}

	deadline := time.Now().Add(48 * time.Hour)
	job, err := svc.CreateJob(ctx, CreateJobParams{
		ClientID:     clientID,
		FreelancerID: freelancerID,
		Asset:        "USD",
		Milestones: []MilestoneInput{
			{Description: "design", Amount: 2500, Deadline: deadline},
			{Description: "build", Amount: 7500, Deadline: deadline},
		},
		JobDeadline:  deadline,
		GraceSeconds: 3600,
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	jobID = job.ID
	if job.TotalAmount != 10_000 {
		t.Fatalf("expected total 10000, got %d", job.TotalAmount)
	}

	balance := func(kind ledger.AccountKind, ownerRef string) int64 {
		var b int64
		err := pool.QueryRow(ctx,
			`SELECT balance FROM accounts WHERE kind = $1::account_kind AND owner_ref = $2 AND asset = 'USD'`,
			kind, ownerRef,
		).Scan(&b)
		if err != nil {
			t.Fatalf("read %s/%s balance: %v", kind, ownerRef, err)
		}
		return b
	}

	if err := svc.FundJob(ctx, job.ID, clientID); err != nil {
		t.Fatalf("fund job: %v", err)
	}
	if got := balance(ledger.KindJobCustody, job.ID); got != 10_000 {
		t.Fatalf("expected custody 10000, got %d", got)
	}
	if got := balance(ledger.KindWallet, clientID); got != 90_000 {
		t.Fatalf("expected client wallet 90000, got %d", got)
	}

	if err := svc.SubmitMilestone(ctx, job.ID, 0, freelancerID); err != nil {
		t.Fatalf("submit milestone: %v", err)
	}
	released, err := svc.ApproveMilestone(ctx, job.ID, 0, clientID)
	if err != nil {
		t.Fatalf("approve milestone: %v", err)
	}
	if released != 2500 {
		t.Fatalf("expected gross release 2500, got %d", released)
	}

	// 250 bps of 2500 is 62 for the treasury, 2438 for the freelancer.
	if got := balance(ledger.KindTreasury, treasuryRef); got != 62 {
		t.Fatalf("expected treasury 62, got %d", got)
	}
	if got := balance(ledger.KindWallet, freelancerID); got != 2438 {
		t.Fatalf("expected freelancer wallet 2438, got %d", got)
	}

	// Conservation: custody always equals total minus approved.
	var approved int64
	if err := pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM milestones WHERE job_id = $1 AND status = 'approved'`, job.ID,
	).Scan(&approved); err != nil {
		t.Fatalf("sum approved: %v", err)
	}
	if got := balance(ledger.KindJobCustody, job.ID); got != job.TotalAmount-approved {
		t.Fatalf("conservation broken: custody %d, total %d, approved %d", got, job.TotalAmount, approved)
	}

	if err := svc.CancelJob(ctx, job.ID, clientID); err != nil {
		t.Fatalf("cancel job: %v", err)
	}
	if got := balance(ledger.KindJobCustody, job.ID); got != 0 {
		t.Fatalf("expected drained custody after cancel, got %d", got)
	}
	if got := balance(ledger.KindWallet, clientID); got != 97_500 {
		t.Fatalf("expected client wallet 97500 after refund, got %d", got)
	}

	var status string
	if err := pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, job.ID).Scan(&status); err != nil {
		t.Fatalf("read job status: %v", err)
	}
	if status != "cancelled" {
		t.Fatalf("expected cancelled job, got %q", status)
	}

	var events int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM job_timeline_events WHERE job_id = $1`, job.ID).Scan(&events); err != nil {
		t.Fatalf("count timeline events: %v", err)
	}
	if events < 4 {
		t.Fatalf("expected at least 4 timeline events, got %d", events)
	}

	var outbox int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE topic = $1 AND payload->>'job_id' = $2`, TopicJobCancelled, job.ID).Scan(&outbox); err != nil {
		t.Fatalf("count outbox: %v", err)
	}
	if outbox != 1 {
		t.Fatalf("expected 1 %s outbox message, got %d", TopicJobCancelled, outbox)
	}
}

func tableExists(ctx context.Context, t *testing.T, pool *pgxpool.Pool, name string) bool {
	t.Helper()
	var exists bool
	err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)`, name).Scan(&exists)
	if err != nil {
		t.Fatalf("check table %s: %v", name, err)
	}
	return exists
}
