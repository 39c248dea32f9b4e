package engine

import (
	"context"
	"errors"
	"time"

	"taskloom/internal/audit"
	"taskloom/internal/domain"
)

// Next selects the best actionable node of a project, or nil when none
// qualifies. With claim set, the selected node is leased to the agent in
// the same transaction as the selection read, so a concurrent call cannot
// pick the same node while the lease is live. The claim holder may call
// again to renew.
func (e Engine) Next(ctx context.Context, project, agent string, claim bool, ttl time.Duration) (*domain.Node, error) {
	if project == "" {
		return nil, errors.New("project is required")
	}
	if ttl <= 0 {
		ttl = time.Duration(e.Config.Claims.TTLSeconds) * time.Second
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetProjectRootTx(ctx, tx, project); err != nil {
		return nil, err
	}
	now := e.now().UTC()
	n, err := e.Repo.NextActionableTx(ctx, tx, project, agent, now.Format(time.RFC3339))
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, tx.Commit()
	}
	if claim {
		c := domain.Claim{
			NodeID:     n.ID,
			Agent:      agent,
			AcquiredAt: now.Format(time.RFC3339),
			ExpiresAt:  now.Add(ttl).Format(time.RFC3339),
		}
		if err := e.Repo.UpsertClaimTx(ctx, tx, c); err != nil {
			return nil, err
		}
		n.UpdatedAt = now.Format(time.RFC3339)
		if err := e.Repo.UpdateNodeTx(ctx, tx, *n); err != nil {
			return nil, err
		}
		if err := e.Audit.Append(ctx, tx, n.ID, agent, "claim", audit.Payload{"expires_at": c.ExpiresAt}); err != nil {
			return nil, err
		}
		n.Claim = &c
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return n, nil
}
