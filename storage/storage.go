package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/mattn/go-sqlite3"

	"kejanet.app/hotspot/internal/logger"
	"kejanet.app/hotspot/models"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is the entitlement ledger. Lookups return (nil, nil) when no
// record matches.
type Store interface {
	GetEntitlement(ctx context.Context, id string) (*models.Entitlement, error)
	FindEntitlementBySource(ctx context.Context, source, sourceRef string) (*models.Entitlement, error)
	// FindActiveEntitlement returns the most recently created entitlement
	// for deviceKey with status=active and end_at in the future.
	FindActiveEntitlement(ctx context.Context, deviceKey string, now time.Time) (*models.Entitlement, error)
	// FindRevokables returns entitlements the sweeper owes a revoke:
	// active ones whose window has closed, and cancelled ones whose
	// controller entry has not been confirmed removed. Result is capped
	// at limit so one pass stays bounded.
	FindRevokables(ctx context.Context, now time.Time, limit int) ([]*models.Entitlement, error)
	SaveEntitlement(ctx context.Context, e *models.Entitlement) error

	GetDevice(ctx context.Context, deviceKey string) (*models.Device, error)
	SaveDevice(ctx context.Context, d *models.Device) error

	FindVoucherByCode(ctx context.Context, code string) (*models.Voucher, error)
	SaveVoucher(ctx context.Context, v *models.Voucher) error
	// ConsumeVoucherUse atomically takes one use; returns false when the
	// voucher is already exhausted.
	ConsumeVoucherUse(ctx context.Context, id string) (bool, error)

	HasTrialClaim(ctx context.Context, deviceKey string) (bool, error)
	SaveTrialClaim(ctx context.Context, c *models.TrialClaim) error

	AppendAccessAudit(ctx context.Context, rec *models.AccessAudit) error

	Close() error
}

// MemoryStore backs tests and local development.
type MemoryStore struct {
	mu           sync.Mutex
	Entitlements map[string]models.Entitlement
	Devices      map[string]models.Device
	Vouchers     map[string]models.Voucher
	TrialClaims  map[string]models.TrialClaim
	Audits       []models.AccessAudit
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		Entitlements: make(map[string]models.Entitlement),
		Devices:      make(map[string]models.Device),
		Vouchers:     make(map[string]models.Voucher),
		TrialClaims:  make(map[string]models.TrialClaim),
	}
}

func (m *MemoryStore) GetEntitlement(ctx context.Context, id string) (*models.Entitlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, exists := m.Entitlements[id]
	if !exists {
		return nil, nil
	}
	return &e, nil
}

func (m *MemoryStore) FindEntitlementBySource(ctx context.Context, source, sourceRef string) (*models.Entitlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.Entitlements {
		if e.Source == source && e.SourceRef == sourceRef {
			entitlement := e
			return &entitlement, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) FindActiveEntitlement(ctx context.Context, deviceKey string, now time.Time) (*models.Entitlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *models.Entitlement
	for _, e := range m.Entitlements {
		if e.DeviceKey != deviceKey || !e.ActiveAt(now) {
			continue
		}
		entitlement := e
		if latest == nil || entitlement.CreatedAt.After(latest.CreatedAt) {
			latest = &entitlement
		}
	}
	return latest, nil
}

func (m *MemoryStore) FindRevokables(ctx context.Context, now time.Time, limit int) ([]*models.Entitlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result []*models.Entitlement
	for _, e := range m.Entitlements {
		revokable := e.ExpiredAt(now) ||
			(e.Status == models.StatusCancelled && e.AccessState != models.AccessRevoked)
		if !revokable {
			continue
		}
		entitlement := e
		result = append(result, &entitlement)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].EndAt.Before(result[j].EndAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) SaveEntitlement(ctx context.Context, e *models.Entitlement) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Entitlements[e.ID] = *e
	return nil
}

func (m *MemoryStore) GetDevice(ctx context.Context, deviceKey string) (*models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, exists := m.Devices[deviceKey]
	if !exists {
		return nil, nil
	}
	return &d, nil
}

func (m *MemoryStore) SaveDevice(ctx context.Context, d *models.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Devices[d.DeviceKey] = *d
	return nil
}

func (m *MemoryStore) FindVoucherByCode(ctx context.Context, code string) (*models.Voucher, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, v := range m.Vouchers {
		if v.Code == code {
			voucher := v
			return &voucher, nil
		}
	}
	return nil, nil
}

func (m *MemoryStore) SaveVoucher(ctx context.Context, v *models.Voucher) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Vouchers[v.ID] = *v
	return nil
}

func (m *MemoryStore) ConsumeVoucherUse(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, exists := m.Vouchers[id]
	if !exists {
		return false, fmt.Errorf("voucher %s not found", id)
	}
	if v.Exhausted() {
		return false, nil
	}
	v.Uses++
	v.UpdatedAt = time.Now()
	m.Vouchers[id] = v
	return true, nil
}

func (m *MemoryStore) HasTrialClaim(ctx context.Context, deviceKey string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, exists := m.TrialClaims[deviceKey]
	return exists, nil
}

func (m *MemoryStore) SaveTrialClaim(ctx context.Context, c *models.TrialClaim) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.TrialClaims[c.DeviceKey] = *c
	return nil
}

func (m *MemoryStore) AppendAccessAudit(ctx context.Context, rec *models.AccessAudit) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Audits = append(m.Audits, *rec)
	return nil
}

func (m *MemoryStore) Close() error {
	return nil
}

type SQLiteStore struct {
	db   *sql.DB
	path string
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite handles one writer at a time; a single connection avoids
	// SQLITE_BUSY under concurrent sweeps and callbacks.
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{db: db, path: path}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to prepare migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

const entitlementColumns = `id, device_key, owner_id, start_at, end_at, status, source, source_ref, access_state, revoke_failures, created_at, updated_at`

func scanEntitlement(row interface{ Scan(...interface{}) error }) (*models.Entitlement, error) {
	var e models.Entitlement
	err := row.Scan(
		&e.ID,
		&e.DeviceKey,
		&e.OwnerID,
		&e.StartAt,
		&e.EndAt,
		&e.Status,
		&e.Source,
		&e.SourceRef,
		&e.AccessState,
		&e.RevokeFailures,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *SQLiteStore) GetEntitlement(ctx context.Context, id string) (*models.Entitlement, error) {
	query := `SELECT ` + entitlementColumns + ` FROM entitlements WHERE id = ?`
	return scanEntitlement(s.db.QueryRowContext(ctx, query, id))
}

func (s *SQLiteStore) FindEntitlementBySource(ctx context.Context, source, sourceRef string) (*models.Entitlement, error) {
	query := `SELECT ` + entitlementColumns + ` FROM entitlements WHERE source = ? AND source_ref = ?`
	return scanEntitlement(s.db.QueryRowContext(ctx, query, source, sourceRef))
}

func (s *SQLiteStore) FindActiveEntitlement(ctx context.Context, deviceKey string, now time.Time) (*models.Entitlement, error) {
	query := `SELECT ` + entitlementColumns + ` FROM entitlements
		WHERE device_key = ? AND status = ? AND end_at > ?
		ORDER BY created_at DESC LIMIT 1`
	return scanEntitlement(s.db.QueryRowContext(ctx, query, deviceKey, models.StatusActive, now.UTC()))
}

func (s *SQLiteStore) FindRevokables(ctx context.Context, now time.Time, limit int) ([]*models.Entitlement, error) {
	query := `SELECT ` + entitlementColumns + ` FROM entitlements
		WHERE (status = ? AND end_at <= ?) OR (status = ? AND access_state != ?)
		ORDER BY end_at ASC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query,
		models.StatusActive, now.UTC(), models.StatusCancelled, models.AccessRevoked, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query revokables: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			logger.Error("Failed to close rows", map[string]interface{}{"error": err.Error()})
		}
	}()

	var result []*models.Entitlement
	for rows.Next() {
		e, err := scanEntitlement(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entitlement: %w", err)
		}
		result = append(result, e)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating entitlements: %w", err)
	}
	return result, nil
}

func (s *SQLiteStore) SaveEntitlement(ctx context.Context, e *models.Entitlement) error {
	query := `INSERT OR REPLACE INTO entitlements (` + entitlementColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.DeviceKey,
		e.OwnerID,
		e.StartAt.UTC(),
		e.EndAt.UTC(),
		e.Status,
		e.Source,
		e.SourceRef,
		e.AccessState,
		e.RevokeFailures,
		e.CreatedAt.UTC(),
		e.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save entitlement: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetDevice(ctx context.Context, deviceKey string) (*models.Device, error) {
	query := `SELECT device_key, address, last_seen FROM devices WHERE device_key = ?`

	var d models.Device
	err := s.db.QueryRowContext(ctx, query, deviceKey).Scan(&d.DeviceKey, &d.Address, &d.LastSeen)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (s *SQLiteStore) SaveDevice(ctx context.Context, d *models.Device) error {
	query := `INSERT OR REPLACE INTO devices (device_key, address, last_seen) VALUES (?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query, d.DeviceKey, d.Address, d.LastSeen.UTC())
	if err != nil {
		return fmt.Errorf("failed to save device: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FindVoucherByCode(ctx context.Context, code string) (*models.Voucher, error) {
	query := `SELECT id, code, duration_secs, max_uses, uses, created_at, updated_at FROM vouchers WHERE code = ?`

	var v models.Voucher
	err := s.db.QueryRowContext(ctx, query, code).Scan(
		&v.ID, &v.Code, &v.DurationSecs, &v.MaxUses, &v.Uses, &v.CreatedAt, &v.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *SQLiteStore) SaveVoucher(ctx context.Context, v *models.Voucher) error {
	query := `INSERT OR REPLACE INTO vouchers (id, code, duration_secs, max_uses, uses, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		v.ID, v.Code, v.DurationSecs, v.MaxUses, v.Uses, v.CreatedAt.UTC(), v.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save voucher: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ConsumeVoucherUse(ctx context.Context, id string) (bool, error) {
	query := `UPDATE vouchers SET uses = uses + 1, updated_at = ? WHERE id = ? AND uses < max_uses`

	result, err := s.db.ExecContext(ctx, query, time.Now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("failed to consume voucher use: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func (s *SQLiteStore) HasTrialClaim(ctx context.Context, deviceKey string) (bool, error) {
	query := `SELECT COUNT(1) FROM trial_claims WHERE device_key = ?`

	var count int
	if err := s.db.QueryRowContext(ctx, query, deviceKey).Scan(&count); err != nil {
		return false, err
	}
	return count > 0, nil
}

func (s *SQLiteStore) SaveTrialClaim(ctx context.Context, c *models.TrialClaim) error {
	query := `INSERT OR REPLACE INTO trial_claims (device_key, claimed_at) VALUES (?, ?)`

	_, err := s.db.ExecContext(ctx, query, c.DeviceKey, c.ClaimedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to save trial claim: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AppendAccessAudit(ctx context.Context, rec *models.AccessAudit) error {
	query := `INSERT INTO access_audit (id, device_key, op, outcome, attempt, latency_ms, detail, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.DeviceKey, rec.Op, rec.Outcome, rec.Attempt, rec.LatencyMs, rec.Detail, rec.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to append access audit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
