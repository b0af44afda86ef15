package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/madfam-io/plinto-sub006/internal/audit"
)

// AuditStore implements audit.Store. Appends serialize on an advisory lock so
// sequence numbers and chain links never fork under concurrent writers.
type AuditStore struct {
	db *sql.DB
}

var _ audit.Store = (*AuditStore)(nil)

// auditChainLock is the advisory lock key for chain appends.
const auditChainLock = 7231_0001

func (s *AuditStore) Append(ctx context.Context, rec *audit.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `select pg_advisory_xact_lock($1)`, auditChainLock); err != nil {
		return err
	}

	var (
		lastSeq  uint64
		lastHash string
	)
	err = tx.QueryRowContext(ctx,
		`select seq, hash from audit_records order by seq desc limit 1`,
	).Scan(&lastSeq, &lastHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	rec.Seq = lastSeq + 1
	rec.PrevHash = lastHash
	rec.Hash = audit.ChainHash(*rec)

	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into audit_records
			(seq, id, actor, action, target, severity, occurred_at, metadata, payload_digest, prev_hash, hash)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, rec.Seq, rec.ID, rec.Actor, rec.Action, rec.Target, rec.Severity, rec.OccurredAt,
		meta, rec.PayloadDigest, rec.PrevHash, rec.Hash); err != nil {
		return err
	}
	return tx.Commit()
}

const auditColumns = `seq, id, actor, action, target, severity, occurred_at, metadata, payload_digest, prev_hash, hash`

func scanAudit(scan func(dest ...any) error) (*audit.Record, error) {
	var (
		rec  audit.Record
		meta []byte
	)
	err := scan(&rec.Seq, &rec.ID, &rec.Actor, &rec.Action, &rec.Target, &rec.Severity,
		&rec.OccurredAt, &meta, &rec.PayloadDigest, &rec.PrevHash, &rec.Hash)
	if err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &rec.Metadata)
	}
	return &rec, nil
}

func (s *AuditStore) Last(ctx context.Context) (*audit.Record, error) {
	row := s.db.QueryRowContext(ctx,
		`select `+auditColumns+` from audit_records order by seq desc limit 1`)
	rec, err := scanAudit(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *AuditStore) List(ctx context.Context, afterSeq uint64, limit int) ([]audit.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+auditColumns+` from audit_records where seq > $1 order by seq asc limit $2`,
		afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.Record
	for rows.Next() {
		rec, err := scanAudit(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}
