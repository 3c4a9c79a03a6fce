package escrow

import (
	"context"
	"fmt"
)

// JobList is the page envelope for job listings.
type JobList struct {
	Items []Job
	Total int
}

// GetJob returns the job with its milestones.
func (s *Service) GetJob(ctx context.Context, jobID string) (Job, error) {
	if jobID == "" {
		return Job{}, fmt.Errorf("escrow: missing job id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Job{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	return s.repo.GetJob(ctx, tx, jobID)
}

// ListJobsForUser pages the jobs where the user is client or freelancer,
// newest first.
func (s *Service) ListJobsForUser(ctx context.Context, userID string, page, pageSize int) (JobList, error) {
	if userID == "" {
		return JobList{}, fmt.Errorf("escrow: missing user id")
	}
	if page <= 0 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 100 {
		pageSize = 20
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return JobList{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	items, total, err := s.repo.ListJobsForUser(ctx, tx, userID, pageSize, (page-1)*pageSize)
	if err != nil {
		return JobList{}, err
	}
	if items == nil {
		items = []Job{}
	}
	return JobList{Items: items, Total: total}, nil
}
