package usage

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgSink is the Postgres-backed Sink, batching every flush into a single
// CopyFrom call rather than one INSERT per record.
type PgSink struct {
	db *pgxpool.Pool
}

func NewPgSink(db *pgxpool.Pool) *PgSink {
	return &PgSink{db: db}
}

func (s *PgSink) InsertUsage(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	rows := make([][]any, len(records))
	for i, r := range records {
		var principal any
		if r.Principal != "" {
			principal = r.Principal
		}
		rows[i] = []any{r.TenantID, principal, string(r.Surface), r.Endpoint, r.Bytes, r.Timestamp}
	}
	_, err := s.db.CopyFrom(ctx,
		pgx.Identifier{"usage_log"},
		[]string{"tenant_id", "principal", "surface", "endpoint", "bytes", "ts"},
		pgx.CopyFromRows(rows),
	)
	return err
}
