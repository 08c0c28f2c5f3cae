package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vitwit/pay402/types"
)

const settlementsSchema = `
CREATE TABLE IF NOT EXISTS settlements (
	reference       TEXT PRIMARY KEY,
	status          TEXT NOT NULL,
	user_address    TEXT NOT NULL DEFAULT '',
	credit_amount   BIGINT NOT NULL DEFAULT 0,
	required_amount TEXT NOT NULL DEFAULT '',
	settlement_tx   TEXT NOT NULL DEFAULT '',
	settled_at      TIMESTAMPTZ,
	lease_until     TIMESTAMPTZ,
	owner           TEXT NOT NULL DEFAULT ''
)`

// Brings tables created before leases had owners up to date.
const settlementsOwnerColumn = `ALTER TABLE settlements ADD COLUMN IF NOT EXISTS owner TEXT NOT NULL DEFAULT ''`

const (
	pgStatusInFlight = "in_flight"
	pgStatusSettled  = "settled"
)

// pgxConn is the part of *pgxpool.Pool the store uses.
type pgxConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var _ pgxConn = (*pgxpool.Pool)(nil)

// PostgresStore keeps settlement records durably. Reserve relies on the
// primary key: INSERT ... ON CONFLICT DO NOTHING is the insert-if-absent.
type PostgresStore struct {
	db pgxConn
}

var _ DedupeStore = (*PostgresStore)(nil)

// NewPostgresStore connects to dsn and creates the settlements table.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("postgres ping: %w", err)
	}

	store := &PostgresStore{db: pool}
	if err := store.Migrate(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return store, pool, nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, settlementsSchema); err != nil {
		return fmt.Errorf("create settlements table: %w", err)
	}
	if _, err := s.db.Exec(ctx, settlementsOwnerColumn); err != nil {
		return fmt.Errorf("add settlements owner column: %w", err)
	}
	return nil
}

func (s *PostgresStore) Reserve(ctx context.Context, ref, owner string, lease time.Duration) (ReserveStatus, *types.SettlementRecord, error) {
	until := time.Now().Add(lease)

	tag, err := s.db.Exec(ctx,
		`INSERT INTO settlements (reference, status, lease_until, owner) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (reference) DO NOTHING`,
		ref, pgStatusInFlight, until, owner)
	if err != nil {
		return 0, nil, fmt.Errorf("postgres reserve: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return StatusReserved, nil, nil
	}

	// Take over a marker whose lease ran out.
	tag, err = s.db.Exec(ctx,
		`UPDATE settlements SET lease_until = $2, owner = $4
		 WHERE reference = $1 AND status = $3 AND lease_until < now()`,
		ref, until, pgStatusInFlight, owner)
	if err != nil {
		return 0, nil, fmt.Errorf("postgres reserve takeover: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return StatusReserved, nil, nil
	}

	status, rec, err := s.load(ctx, ref)
	if err != nil {
		return 0, nil, err
	}
	switch status {
	case pgStatusSettled:
		return StatusSettled, rec, nil
	case "":
		// The marker was released between the statements.
		return s.Reserve(ctx, ref, owner, lease)
	default:
		return StatusInFlight, nil, nil
	}
}

func (s *PostgresStore) Commit(ctx context.Context, owner string, record *types.SettlementRecord) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE settlements
		 SET status = $2, user_address = $3, credit_amount = $4, required_amount = $5,
		     settlement_tx = $6, settled_at = $7, lease_until = NULL
		 WHERE reference = $1 AND status = $8 AND owner = $9`,
		record.TransactionReference, pgStatusSettled, record.UserAddress, record.CreditAmount,
		record.RequiredAmount, record.SettlementTxReference, record.SettledAt, pgStatusInFlight, owner)
	if err != nil {
		return fmt.Errorf("postgres commit: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	status, _, err := s.load(ctx, record.TransactionReference)
	if err != nil {
		return err
	}
	if status == pgStatusSettled {
		return nil
	}
	return ErrNotReserved
}

func (s *PostgresStore) Release(ctx context.Context, ref, owner string) error {
	if _, err := s.db.Exec(ctx,
		`DELETE FROM settlements WHERE reference = $1 AND status = $2 AND owner = $3`,
		ref, pgStatusInFlight, owner); err != nil {
		return fmt.Errorf("postgres release: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, ref string) (*types.SettlementRecord, error) {
	status, rec, err := s.load(ctx, ref)
	if err != nil || status != pgStatusSettled {
		return nil, err
	}
	return rec, nil
}

// load returns the row status ("" when absent) and, for settled rows, the record.
func (s *PostgresStore) load(ctx context.Context, ref string) (string, *types.SettlementRecord, error) {
	var (
		status    string
		rec       types.SettlementRecord
		settledAt *time.Time
	)
	err := s.db.QueryRow(ctx,
		`SELECT status, user_address, credit_amount, required_amount, settlement_tx, settled_at
		 FROM settlements WHERE reference = $1`, ref).
		Scan(&status, &rec.UserAddress, &rec.CreditAmount, &rec.RequiredAmount, &rec.SettlementTxReference, &settledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("postgres load: %w", err)
	}

	rec.TransactionReference = ref
	if settledAt != nil {
		rec.SettledAt = settledAt.UTC()
	}
	return status, &rec, nil
}
