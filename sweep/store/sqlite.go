package store

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
	uuid "github.com/nu7hatch/gouuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/hpsched/hpsched/sweep/domain"
)

// Sqlite implementation of TrialStore: a single database file shared by
// every worker process in the sweep. WAL mode plus immediate
// transactions give the compare-and-set semantics TryReserve needs
// across processes; a busy timeout absorbs writer contention instead of
// surfacing it to callers. Transactions must take the write lock at
// BEGIN: a deferred transaction that upgrades mid-way gets SQLITE_BUSY
// with no retry from the busy handler.
type sqliteStore struct {
	db     *sql.DB
	limits domain.SweepLimits
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS trials (
	id TEXT PRIMARY KEY,
	config TEXT NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('new','reserved','completed','broken','interrupted')),
	objective REAL,
	reason TEXT NOT NULL DEFAULT '',
	owner TEXT NOT NULL DEFAULT '',
	lease_expiry_ms INTEGER NOT NULL DEFAULT 0,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	created_at_ms INTEGER NOT NULL,
	completed_at_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_trials_status ON trials(status);
CREATE TABLE IF NOT EXISTS sweep (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	max_trials INTEGER NOT NULL,
	max_trials_per_worker INTEGER NOT NULL,
	max_broken INTEGER NOT NULL,
	n_workers INTEGER NOT NULL,
	reservation_timeout_ms INTEGER NOT NULL,
	max_attempts INTEGER NOT NULL,
	halted INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS slots (
	worker_id TEXT PRIMARY KEY,
	expires_at_ms INTEGER NOT NULL
);
`

// OpenSqliteStore opens (creating if needed) the sweep database at path.
// The first opener passes the sweep's limits, which are persisted; later
// openers may pass nil to adopt the stored limits. Passing limits that
// disagree with an existing sweep adopts the stored ones with a warning:
// the store is the source of truth for a running sweep.
func OpenSqliteStore(path string, limits *domain.SweepLimits) (TrialStore, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_txlock=immediate")
	if err != nil {
		return nil, errors.Wrap(err, "opening sweep database")
	}
	// One connection serializes all local writers; cross-process writers
	// serialize on the database lock via the busy timeout.
	db.SetMaxOpenConns(1)

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "enabling WAL")
	}
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "setting busy timeout")
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "initializing schema")
	}

	s := &sqliteStore{db: db}
	if err := s.initLimits(ctx, limits); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqliteStore) initLimits(ctx context.Context, limits *domain.SweepLimits) error {
	if limits != nil {
		if err := limits.Validate(); err != nil {
			return errors.Wrap(err, "invalid sweep limits")
		}
		_, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO sweep
			 (id, max_trials, max_trials_per_worker, max_broken, n_workers, reservation_timeout_ms, max_attempts)
			 VALUES (1, ?, ?, ?, ?, ?, ?)`,
			limits.MaxTrials, limits.MaxTrialsPerWorker, limits.MaxBroken,
			limits.NWorkers, limits.ReservationTimeout.Milliseconds(), limits.MaxAttempts)
		if err != nil {
			return errors.Wrap(err, "persisting sweep limits")
		}
	}

	var stored domain.SweepLimits
	var timeoutMs int64
	row := s.db.QueryRowContext(ctx,
		`SELECT max_trials, max_trials_per_worker, max_broken, n_workers, reservation_timeout_ms, max_attempts
		 FROM sweep WHERE id = 1`)
	err := row.Scan(&stored.MaxTrials, &stored.MaxTrialsPerWorker, &stored.MaxBroken,
		&stored.NWorkers, &timeoutMs, &stored.MaxAttempts)
	if err == sql.ErrNoRows {
		return NewStorageCorruptionError("sweep database has no limits row; launch the sweep first", nil)
	}
	if err != nil {
		return NewStorageCorruptionError("reading sweep limits", err)
	}
	stored.ReservationTimeout = time.Duration(timeoutMs) * time.Millisecond
	if limits != nil && stored != *limits {
		log.Warnf("Sweep database already initialized; adopting stored limits %+v over %+v", stored, *limits)
	}
	s.limits = stored
	return nil
}

func (s *sqliteStore) Create(ctx context.Context, cfg domain.Configuration) (domain.Trial, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return domain.Trial{}, errors.Wrap(err, "beginning create transaction")
	}
	defer tx.Rollback()

	var created int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM trials`).Scan(&created); err != nil {
		return domain.Trial{}, errors.Wrap(err, "counting trials")
	}
	if created >= s.limits.MaxTrials {
		return domain.Trial{}, NewCapacityExceededError(s.limits.MaxTrials)
	}

	id, err := uuid.NewV4()
	if err != nil {
		return domain.Trial{}, errors.Wrap(err, "generating trial id")
	}
	now := time.Now()
	trial := domain.Trial{
		ID:            id.String(),
		Configuration: cfg,
		Status:        domain.New,
		CreatedAt:     now,
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO trials (id, config, status, created_at_ms) VALUES (?, ?, 'new', ?)`,
		trial.ID, cfg.Key(), now.UnixMilli())
	if err != nil {
		return domain.Trial{}, errors.Wrap(err, "inserting trial")
	}
	if err := tx.Commit(); err != nil {
		return domain.Trial{}, errors.Wrap(err, "committing create")
	}
	return trial, nil
}

func (s *sqliteStore) TryReserve(ctx context.Context, id, owner string, leaseDuration time.Duration) (domain.Trial, bool, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE trials
		 SET status = 'reserved', owner = ?, lease_expiry_ms = ?, attempt_count = attempt_count + 1
		 WHERE id = ?
		   AND (status = 'new' OR (status = 'reserved' AND lease_expiry_ms < ?))`,
		owner, now.Add(leaseDuration).UnixMilli(), id, now.UnixMilli())
	if err != nil {
		return domain.Trial{}, false, errors.Wrap(err, "reserving trial")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.Trial{}, false, errors.Wrap(err, "reserving trial")
	}
	if affected == 0 {
		var exists int
		err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM trials WHERE id = ?`, id).Scan(&exists)
		if err != nil {
			return domain.Trial{}, false, errors.Wrap(err, "checking trial existence")
		}
		if exists == 0 {
			return domain.Trial{}, false, NewNotFoundError(id)
		}
		return domain.Trial{}, false, nil
	}

	trial, err := s.getTrial(ctx, id)
	if err != nil {
		return domain.Trial{}, false, err
	}
	return trial, true, nil
}

func (s *sqliteStore) Report(ctx context.Context, id, owner string, outcome domain.Outcome) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return errors.Wrap(err, "beginning report transaction")
	}
	defer tx.Rollback()

	trial, err := scanTrial(tx.QueryRowContext(ctx, selectTrial+` WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return NewNotFoundError(id)
	}
	if err != nil {
		return err
	}
	if trial.Status.Terminal() {
		if outcome.Equal(outcomeOf(&trial)) {
			// Idempotent replay of an identical report.
			return nil
		}
		return NewStaleLeaseError(id, owner)
	}

	now := time.Now()
	status := domain.Completed
	var objective interface{} = outcome.Objective
	if outcome.Broken {
		status = domain.Broken
		objective = nil
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE trials
		 SET status = ?, objective = ?, reason = ?, owner = '', lease_expiry_ms = 0, completed_at_ms = ?
		 WHERE id = ? AND status = 'reserved' AND owner = ? AND lease_expiry_ms >= ?`,
		status.String(), objective, outcome.Reason, now.UnixMilli(), id, owner, now.UnixMilli())
	if err != nil {
		return errors.Wrap(err, "recording outcome")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "recording outcome")
	}
	if affected == 0 {
		return NewStaleLeaseError(id, owner)
	}
	return errors.Wrap(tx.Commit(), "committing report")
}

func (s *sqliteStore) MarkInterrupted(ctx context.Context, id string) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE trials
		 SET status = 'interrupted', owner = '', lease_expiry_ms = 0, completed_at_ms = ?
		 WHERE id = ?
		   AND (status = 'new' OR (status = 'reserved' AND lease_expiry_ms < ?))`,
		now.UnixMilli(), id, now.UnixMilli())
	if err != nil {
		return errors.Wrap(err, "interrupting trial")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "interrupting trial")
	}
	if affected == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM trials WHERE id = ?`, id).Scan(&exists); err != nil {
			return errors.Wrap(err, "checking trial existence")
		}
		if exists == 0 {
			return NewNotFoundError(id)
		}
	}
	return nil
}

const selectTrial = `
	SELECT id, config, status, objective, reason, owner, lease_expiry_ms, attempt_count, created_at_ms, completed_at_ms
	FROM trials`

func (s *sqliteStore) List(ctx context.Context, mask domain.StatusMask) ([]domain.Trial, error) {
	if err := s.reclaimExpired(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, selectTrial+` ORDER BY created_at_ms, id`)
	if err != nil {
		return nil, errors.Wrap(err, "listing trials")
	}
	defer rows.Close()

	var result []domain.Trial
	for rows.Next() {
		trial, err := scanTrial(rows)
		if err != nil {
			return nil, err
		}
		if mask.Matches(trial.Status) {
			result = append(result, trial)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, NewStorageCorruptionError("iterating trials", err)
	}
	return result, nil
}

func (s *sqliteStore) Counts(ctx context.Context) (domain.Counts, error) {
	if err := s.reclaimExpired(ctx); err != nil {
		return domain.Counts{}, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM trials GROUP BY status`)
	if err != nil {
		return domain.Counts{}, errors.Wrap(err, "counting trials")
	}
	defer rows.Close()

	counts := domain.Counts{}
	for rows.Next() {
		var statusStr string
		var n int
		if err := rows.Scan(&statusStr, &n); err != nil {
			return domain.Counts{}, NewStorageCorruptionError("scanning counts", err)
		}
		status, err := domain.ParseStatus(statusStr)
		if err != nil {
			return domain.Counts{}, NewStorageCorruptionError("unknown trial status in database", err)
		}
		counts.Created += n
		switch status {
		case domain.Reserved:
			counts.Reserved += n
		case domain.Completed:
			counts.Completed += n
		case domain.Broken:
			counts.Broken += n
		case domain.Interrupted:
			counts.Interrupted += n
		}
	}
	if err := rows.Err(); err != nil {
		return domain.Counts{}, NewStorageCorruptionError("iterating counts", err)
	}
	return counts, nil
}

func (s *sqliteStore) Limits(ctx context.Context) (domain.SweepLimits, error) {
	return s.limits, nil
}

func (s *sqliteStore) Halt(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `UPDATE sweep SET halted = 1 WHERE id = 1`)
	return errors.Wrap(err, "recording halt")
}

func (s *sqliteStore) Halted(ctx context.Context) (bool, error) {
	var halted int
	err := s.db.QueryRowContext(ctx, `SELECT halted FROM sweep WHERE id = 1`).Scan(&halted)
	if err != nil {
		return false, NewStorageCorruptionError("reading halt flag", err)
	}
	return halted != 0, nil
}

func (s *sqliteStore) TryAcquireSlot(ctx context.Context, workerID string, ttl time.Duration) (bool, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return false, errors.Wrap(err, "beginning slot transaction")
	}
	defer tx.Rollback()

	now := time.Now()
	if _, err := tx.ExecContext(ctx, `DELETE FROM slots WHERE expires_at_ms < ?`, now.UnixMilli()); err != nil {
		return false, errors.Wrap(err, "expiring slots")
	}
	var held, total int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM slots WHERE worker_id = ?`, workerID).Scan(&held); err != nil {
		return false, errors.Wrap(err, "checking slot")
	}
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM slots`).Scan(&total); err != nil {
		return false, errors.Wrap(err, "counting slots")
	}
	if held == 0 && total >= s.limits.NWorkers {
		return false, nil
	}
	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO slots (worker_id, expires_at_ms) VALUES (?, ?)`,
		workerID, now.Add(ttl).UnixMilli())
	if err != nil {
		return false, errors.Wrap(err, "claiming slot")
	}
	return true, errors.Wrap(tx.Commit(), "committing slot claim")
}

func (s *sqliteStore) RefreshSlot(ctx context.Context, workerID string, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE slots SET expires_at_ms = ? WHERE worker_id = ?`,
		time.Now().Add(ttl).UnixMilli(), workerID)
	if err != nil {
		return errors.Wrap(err, "refreshing slot")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "refreshing slot")
	}
	if affected == 0 {
		return errors.Errorf("worker %s does not hold a slot", workerID)
	}
	return nil
}

func (s *sqliteStore) ReleaseSlot(ctx context.Context, workerID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM slots WHERE worker_id = ?`, workerID)
	return errors.Wrap(err, "releasing slot")
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

func (s *sqliteStore) reclaimExpired(ctx context.Context) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE trials SET status = 'new', owner = '', lease_expiry_ms = 0
		 WHERE status = 'reserved' AND lease_expiry_ms < ?`,
		now.UnixMilli())
	if err != nil {
		return errors.Wrap(err, "reclaiming expired leases")
	}
	if reclaimed, err := res.RowsAffected(); err == nil && reclaimed > 0 {
		log.Infof("Reclaimed %d expired leases", reclaimed)
	}
	return nil
}

func (s *sqliteStore) getTrial(ctx context.Context, id string) (domain.Trial, error) {
	trial, err := scanTrial(s.db.QueryRowContext(ctx, selectTrial+` WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return domain.Trial{}, NewNotFoundError(id)
	}
	return trial, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTrial(row rowScanner) (domain.Trial, error) {
	var trial domain.Trial
	var configJSON, statusStr string
	var objective sql.NullFloat64
	var leaseExpiryMs, createdAtMs, completedAtMs int64
	err := row.Scan(&trial.ID, &configJSON, &statusStr, &objective, &trial.Reason,
		&trial.Owner, &leaseExpiryMs, &trial.AttemptCount, &createdAtMs, &completedAtMs)
	if err == sql.ErrNoRows {
		return domain.Trial{}, err
	}
	if err != nil {
		return domain.Trial{}, NewStorageCorruptionError("scanning trial row", err)
	}

	trial.Status, err = domain.ParseStatus(statusStr)
	if err != nil {
		return domain.Trial{}, NewStorageCorruptionError("unknown trial status in database", err)
	}
	if err := unmarshalConfiguration(configJSON, &trial.Configuration); err != nil {
		return domain.Trial{}, NewStorageCorruptionError("unreadable trial configuration", err)
	}
	if objective.Valid {
		val := objective.Float64
		trial.Objective = &val
	}
	if leaseExpiryMs != 0 {
		trial.LeaseExpiry = time.UnixMilli(leaseExpiryMs)
	}
	trial.CreatedAt = time.UnixMilli(createdAtMs)
	if completedAtMs != 0 {
		trial.CompletedAt = time.UnixMilli(completedAtMs)
	}
	return trial, nil
}
