package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/frahmantamala/payment-connector/internal/core/datamodel/charge"
)

// SweepQuery returns the external ids of charges the expiry sweep should visit.
type SweepQuery struct {
	db *sqlx.DB
}

func NewSweepQuery(db *sqlx.DB) *SweepQuery {
	return &SweepQuery{db: db}
}

const expirableChargesQuery = `
SELECT external_id
FROM charges
WHERE status IN (?) AND created_at < ?
ORDER BY created_at ASC
LIMIT ?`

func (q *SweepQuery) ListExpirable(ctx context.Context, statuses []charge.Status, createdBefore time.Time, limit int) ([]string, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	names := make([]string, len(statuses))
	for i, s := range statuses {
		names[i] = string(s)
	}

	query, args, err := sqlx.In(expirableChargesQuery, names, createdBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("build expirable charges query: %w", err)
	}

	var externalIDs []string
	if err := q.db.SelectContext(ctx, &externalIDs, q.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list expirable charges: %w", err)
	}
	return externalIDs, nil
}
