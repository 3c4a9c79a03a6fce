// Package oracles holds the cross-table invariants the stress run checks
// while the actors hammer the database. Each query returns rows only when its
// invariant is violated. Non-negative balances are not checked here; the
// accounts table enforces that itself.
package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			// Every unit on the ledger entered through an external
			// deposit; transfers only move value around.
			Name: "O1_ledger_conservation",
			SQL: `SELECT s.total_balance, d.total_deposited
                  FROM (SELECT COALESCE(SUM(balance), 0) AS total_balance FROM accounts) s,
                       (SELECT COALESCE(SUM(amount), 0) AS total_deposited FROM transfers WHERE from_account IS NULL) d
                  WHERE s.total_balance <> d.total_deposited`,
		},
		{
			Name: "O2_no_self_transfer",
			SQL:  `SELECT id FROM transfers WHERE from_account = to_account`,
		},
		{
			// Custody of a live job holds exactly the unreleased
			// remainder; terminal and unfunded jobs hold nothing.
			Name: "O3_job_custody",
			SQL: `SELECT j.id, j.status, a.balance, j.total_amount, COALESCE(rel.amt, 0) AS released
                  FROM jobs j
                  JOIN accounts a ON a.kind = 'job_custody' AND a.owner_ref = j.id::text AND a.asset = j.asset
                  LEFT JOIN (SELECT job_id, SUM(amount) AS amt FROM milestones
                             WHERE status = 'approved' GROUP BY job_id) rel ON rel.job_id = j.id
                  WHERE (j.status IN ('funded','in_progress','disputed') AND a.balance <> j.total_amount - COALESCE(rel.amt, 0))
                     OR (j.status IN ('created','completed','cancelled') AND a.balance <> 0)`,
		},
		{
			Name: "O4_milestone_totals",
			SQL: `SELECT j.id, j.total_amount, m.milestone_total
                  FROM jobs j
                  JOIN (SELECT job_id, SUM(amount) AS milestone_total FROM milestones GROUP BY job_id) m
                    ON m.job_id = j.id
                  WHERE j.total_amount <> m.milestone_total`,
		},
		{
			// Dispute custody = fee + stake, minus the stake once
			// settled, minus paid claims, minus the fee refund (which
			// is itself fee less claims paid before the refund).
			Name: "O5_dispute_custody",
			SQL: `SELECT d.id, d.status, a.balance
                  FROM disputes d
                  JOIN accounts a ON a.kind = 'dispute_custody' AND a.owner_ref = d.id::text AND a.asset = d.asset
                  LEFT JOIN (SELECT dispute_id, SUM(amount) AS amt FROM dispute_reward_claims
                             GROUP BY dispute_id) c ON c.dispute_id = d.id
                  WHERE a.balance <> d.fee + d.penalty_stake
                        - CASE WHEN d.stake_settled THEN d.penalty_stake ELSE 0 END
                        - COALESCE(c.amt, 0)
                        - CASE WHEN d.fee_refunded THEN d.fee - COALESCE(c.amt, 0) ELSE 0 END`,
		},
		{
			Name: "O6_vote_tallies",
			SQL: `SELECT d.id, d.votes_for_client, d.votes_for_freelancer
                  FROM disputes d
                  LEFT JOIN (SELECT dispute_id,
                                    COUNT(*) FILTER (WHERE choice = 'client') AS fc,
                                    COUNT(*) FILTER (WHERE choice = 'freelancer') AS ff
                             FROM dispute_votes GROUP BY dispute_id) v ON v.dispute_id = d.id
                  WHERE d.votes_for_client <> COALESCE(v.fc, 0)
                     OR d.votes_for_freelancer <> COALESCE(v.ff, 0)`,
		},
		{
			Name: "O7_no_party_votes",
			SQL: `SELECT v.dispute_id, v.voter_id
                  FROM dispute_votes v
                  JOIN disputes d ON d.id = v.dispute_id
                  WHERE v.voter_id IN (d.client_id, d.freelancer_id)`,
		},
		{
			Name: "O8_reward_overdraw",
			SQL: `SELECT c.dispute_id, SUM(c.amount) AS claimed, d.fee
                  FROM dispute_reward_claims c
                  JOIN disputes d ON d.id = c.dispute_id
                  GROUP BY c.dispute_id, d.fee
                  HAVING SUM(c.amount) > d.fee`,
		},
		{
			// Quorum doubles per appeal round.
			Name: "O9_resolution_quorum",
			SQL: `SELECT id, status, votes_for_client, votes_for_freelancer, min_votes, appeal_count
                  FROM disputes
                  WHERE status IN ('resolved_client','resolved_freelancer','final')
                    AND votes_for_client + votes_for_freelancer < min_votes << appeal_count`,
		},
		{
			Name: "O10_stale_outbox",
			SQL: `SELECT id, topic, created_at FROM outbox
                  WHERE published_at IS NULL AND now() - created_at > interval '1 minute'`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row
// text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
