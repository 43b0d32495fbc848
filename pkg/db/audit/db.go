package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/virtualvasu/saferoads-filecoin/pkg/db/clickhouse"
	"github.com/virtualvasu/saferoads-filecoin/pkg/ledger"
)

// VerificationRecord is one confirmed verifyIncident transaction.
type VerificationRecord struct {
	Network     string    `ch:"network" json:"network"`
	IncidentID  uint64    `ch:"incident_id" json:"incidentId"`
	TxHash      string    `ch:"tx_hash" json:"txHash"`
	Actor       string    `ch:"actor" json:"actor"`
	Reporter    string    `ch:"reporter" json:"reporter"`
	Reward      string    `ch:"reward" json:"reward"`
	BlockNumber uint64    `ch:"block_number" json:"blockNumber"`
	VerifiedAt  time.Time `ch:"verified_at" json:"verifiedAt"`
}

// NewVerificationRecord builds the audit row of a mined verification.
// Accounts are stored lowercased so lookups do not depend on checksum casing.
func NewVerificationRecord(network ledger.Network, incident ledger.Incident, actor ledger.Account, receipt ledger.Receipt, reward decimal.Decimal) VerificationRecord {
	return VerificationRecord{
		Network:     network.Key,
		IncidentID:  incident.ID,
		TxHash:      receipt.TxHash,
		Actor:       strings.ToLower(actor.String()),
		Reporter:    strings.ToLower(incident.ReportedBy.String()),
		Reward:      reward.String(),
		BlockNumber: receipt.BlockNumber,
		VerifiedAt:  time.Now().UTC(),
	}
}

// Store persists verification audit records.
type Store interface {
	RecordVerification(ctx context.Context, rec VerificationRecord) error
	VerificationsByReporter(ctx context.Context, network string, reporter ledger.Account, limit int) ([]VerificationRecord, error)
	Close() error
}

// DB is the ClickHouse backed Store.
type DB struct {
	clickhouse.Client
	Name string
}

// New connects and creates the audit database and tables.
func New(ctx context.Context, logger *zap.Logger, name string) (*DB, error) {
	name = clickhouse.SanitizeName(name)
	client, err := clickhouse.New(ctx, logger.With(zap.String("db", name)), clickhouse.DefaultPoolConfig())
	if err != nil {
		return nil, err
	}
	db := &DB{Client: client, Name: name}
	if err := db.InitializeDB(ctx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return db, nil
}

// InitializeDB creates the database and the verifications table if they do not exist.
func (db *DB) InitializeDB(ctx context.Context) error {
	if err := db.CreateDbIfNotExists(ctx, db.Name); err != nil {
		return fmt.Errorf("failed to create database %s: %w", db.Name, err)
	}
	// An incident is verified at most once, so (network, incident_id) is the key.
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS "%s"."verifications" %s (
			network LowCardinality(String),
			incident_id UInt64,
			tx_hash String,
			actor String,
			reporter String,
			reward String,
			block_number UInt64,
			verified_at DateTime64(3, 'UTC')
		) ENGINE = ReplacingMergeTree(verified_at)
		ORDER BY (network, incident_id)
	`, db.Name, db.OnCluster())
	if err := db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create verifications table: %w", err)
	}
	return nil
}

// RecordVerification inserts rec.
func (db *DB) RecordVerification(ctx context.Context, rec VerificationRecord) error {
	batch, err := db.PrepareBatch(ctx, fmt.Sprintf(`INSERT INTO "%s"."verifications"`, db.Name))
	if err != nil {
		return fmt.Errorf("prepare verifications insert: %w", err)
	}
	if err := batch.AppendStruct(&rec); err != nil {
		_ = batch.Abort()
		return fmt.Errorf("append verification %d: %w", rec.IncidentID, err)
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("insert verification %d: %w", rec.IncidentID, err)
	}
	return nil
}

// VerificationsByReporter lists the verifications of incidents reported by reporter, ascending by id.
func (db *DB) VerificationsByReporter(ctx context.Context, network string, reporter ledger.Account, limit int) ([]VerificationRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	query := fmt.Sprintf(`
		SELECT network, incident_id, tx_hash, actor, reporter, reward, block_number, verified_at
		FROM "%s"."verifications" FINAL
		WHERE network = ? AND reporter = ?
		ORDER BY incident_id
		LIMIT ?
	`, db.Name)
	var out []VerificationRecord
	if err := db.Select(ctx, &out, query, network, strings.ToLower(reporter.String()), limit); err != nil {
		return nil, fmt.Errorf("query verifications: %w", err)
	}
	return out, nil
}
