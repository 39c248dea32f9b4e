package repo

import (
	"context"
	"database/sql"

	"taskloom/internal/domain"
)

type queryFn func(ctx context.Context, query string, args ...any) (*sql.Rows, error)
type queryRowFn func(ctx context.Context, query string, args ...any) *sql.Row

func (r Repo) AddEdgeTx(ctx context.Context, tx *sql.Tx, e domain.Edge) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO edges(from_node,to_node,type,created_at) VALUES (?,?,?,?)`,
		e.FromNode, e.ToNode, e.Type, e.CreatedAt)
	return err
}

func (r Repo) RemoveEdgeTx(ctx context.Context, tx *sql.Tx, from, to, edgeType string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM edges WHERE from_node=? AND to_node=? AND type=?`, from, to, edgeType)
	return err
}

func (r Repo) DeleteEdgesOfTx(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM edges WHERE from_node=? OR to_node=?`, id, id)
	return err
}

// RepointEdgesTx redirects every edge touching `from` to touch `to` instead,
// dropping self-edges that would result.
func (r Repo) RepointEdgesTx(ctx context.Context, tx *sql.Tx, from, to string) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM edges WHERE (from_node=? AND to_node=?) OR (from_node=? AND to_node=?)`,
		from, to, to, from); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO edges(from_node,to_node,type,created_at)
		SELECT ?, to_node, type, created_at FROM edges WHERE from_node=?`, to, from); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO edges(from_node,to_node,type,created_at)
		SELECT from_node, ?, type, created_at FROM edges WHERE to_node=?`, to, from); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `DELETE FROM edges WHERE from_node=? OR to_node=?`, from, from)
	return err
}

func collectEdges(rows *sql.Rows, err error) ([]domain.Edge, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Edge
	for rows.Next() {
		var e domain.Edge
		if err := rows.Scan(&e.FromNode, &e.ToNode, &e.Type, &e.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// ListEdgesFrom returns all outgoing edges of a node, any type.
func (r Repo) ListEdgesFrom(ctx context.Context, id string) ([]domain.Edge, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT from_node,to_node,type,created_at FROM edges WHERE from_node=? ORDER BY created_at ASC, to_node ASC`, id)
	return collectEdges(rows, err)
}

// ListEdgesTo returns all incoming edges of a node, any type.
func (r Repo) ListEdgesTo(ctx context.Context, id string) ([]domain.Edge, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT from_node,to_node,type,created_at FROM edges WHERE to_node=? ORDER BY created_at ASC, from_node ASC`, id)
	return collectEdges(rows, err)
}

func (r Repo) listDependsOn(ctx context.Context, query queryFn, id string) ([]string, error) {
	rows, err := query(ctx, `SELECT to_node FROM edges WHERE from_node=? AND type=? ORDER BY created_at ASC, to_node ASC`, id, domain.EdgeDependsOn)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

// ListDependentsTx returns the ids of nodes holding a depends_on edge into
// the given node.
func (r Repo) ListDependentsTx(ctx context.Context, tx *sql.Tx, id string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT from_node FROM edges WHERE to_node=? AND type=?`, id, domain.EdgeDependsOn)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var nid string
		if err := rows.Scan(&nid); err != nil {
			return nil, err
		}
		ids = append(ids, nid)
	}
	return ids, rows.Err()
}

// --- claims ---

func (r Repo) getClaim(ctx context.Context, queryRow queryRowFn, nodeID string) (*domain.Claim, error) {
	var c domain.Claim
	err := queryRow(ctx, `SELECT node_id,agent,acquired_at,expires_at FROM claims WHERE node_id=?`, nodeID).
		Scan(&c.NodeID, &c.Agent, &c.AcquiredAt, &c.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r Repo) GetClaim(ctx context.Context, nodeID string) (*domain.Claim, error) {
	return r.getClaim(ctx, r.DB.QueryRowContext, nodeID)
}

func (r Repo) GetClaimTx(ctx context.Context, tx *sql.Tx, nodeID string) (*domain.Claim, error) {
	return r.getClaim(ctx, tx.QueryRowContext, nodeID)
}

func (r Repo) UpsertClaimTx(ctx context.Context, tx *sql.Tx, c domain.Claim) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO claims(node_id,agent,acquired_at,expires_at) VALUES (?,?,?,?)
ON CONFLICT(node_id) DO UPDATE SET agent=excluded.agent, acquired_at=excluded.acquired_at, expires_at=excluded.expires_at`,
		c.NodeID, c.Agent, c.AcquiredAt, c.ExpiresAt)
	return err
}

func (r Repo) DeleteClaimTx(ctx context.Context, tx *sql.Tx, nodeID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM claims WHERE node_id=?`, nodeID)
	return err
}

// --- evidence ---

func (r Repo) AppendEvidenceTx(ctx context.Context, tx *sql.Tx, ev domain.Evidence) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO evidence(node_id,type,ref,agent,ts) VALUES (?,?,?,?,?)`,
		ev.NodeID, ev.Type, ev.Ref, ev.Agent, ev.TS)
	return err
}

func (r Repo) RepointEvidenceTx(ctx context.Context, tx *sql.Tx, from, to string) error {
	_, err := tx.ExecContext(ctx, `UPDATE evidence SET node_id=? WHERE node_id=?`, to, from)
	return err
}

func (r Repo) DeleteEvidenceOfTx(ctx context.Context, tx *sql.Tx, nodeID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM evidence WHERE node_id=?`, nodeID)
	return err
}

// ListEvidence returns a node's evidence in append order.
func (r Repo) ListEvidence(ctx context.Context, nodeID string) ([]domain.Evidence, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,node_id,type,ref,agent,ts FROM evidence WHERE node_id=? ORDER BY id ASC`, nodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Evidence
	for rows.Next() {
		var ev domain.Evidence
		if err := rows.Scan(&ev.ID, &ev.NodeID, &ev.Type, &ev.Ref, &ev.Agent, &ev.TS); err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

// --- audit (read path; writes go through audit.Writer) ---

// ListAudit returns a node's audit entries in chronological order.
func (r Repo) ListAudit(ctx context.Context, nodeID string) ([]domain.AuditEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,node_id,ts,agent,action,payload_json FROM audit WHERE node_id=? ORDER BY id ASC`, nodeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AuditEntry
	for rows.Next() {
		var a domain.AuditEntry
		if err := rows.Scan(&a.ID, &a.NodeID, &a.TS, &a.Agent, &a.Action, &a.Payload); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
