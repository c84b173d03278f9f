package sync

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jonboulle/clockwork"
	"github.com/siasync/siasync/internal/db"
)

var (
	ErrRecordNotFound = errors.New("sync record not found")
	// ErrStaleTask is returned from a transition func when the record no longer matches the caller's intent.
	ErrStaleTask = errors.New("stale task")
	// ErrNoChange is returned from a transition func to leave the record untouched.
	ErrNoChange    = errors.New("no change")
	ErrStoreClosed = errors.New("record store not open")
	ErrReadOnly    = errors.New("record store is read-only")
)

const recordSchema = `
CREATE TABLE IF NOT EXISTS sync_records (
    name TEXT PRIMARY KEY,
    state TEXT NOT NULL,
    cloud_location TEXT NOT NULL DEFAULT '',
    cloud_size INTEGER NOT NULL DEFAULT 0,
    local_path TEXT NOT NULL DEFAULT '',
    local_modified_at INTEGER NOT NULL DEFAULT 0,
    local_size INTEGER NOT NULL DEFAULT 0,
    local_digest TEXT NOT NULL DEFAULT '',
    synced_modified_at INTEGER NOT NULL DEFAULT 0,
    staging_path TEXT NOT NULL DEFAULT '',
    updated_at INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_sync_records_state ON sync_records(state);
`

const upsertRecord = `INSERT OR REPLACE INTO sync_records
	(name, state, cloud_location, cloud_size, local_path, local_modified_at, local_size, local_digest, synced_modified_at, staging_path, updated_at)
	VALUES (:name, :state, :cloud_location, :cloud_size, :local_path, :local_modified_at, :local_size, :local_digest, :synced_modified_at, :staging_path, :updated_at)`

// dbRecord is the row shape; times are unix seconds, 0 meaning absent.
type dbRecord struct {
	Name             string `db:"name"`
	State            string `db:"state"`
	CloudLocation    string `db:"cloud_location"`
	CloudSize        int64  `db:"cloud_size"`
	LocalPath        string `db:"local_path"`
	LocalModifiedAt  int64  `db:"local_modified_at"`
	LocalSize        int64  `db:"local_size"`
	LocalDigest      string `db:"local_digest"`
	SyncedModifiedAt int64  `db:"synced_modified_at"`
	StagingPath      string `db:"staging_path"`
	UpdatedAt        int64  `db:"updated_at"`
}

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(s int64) time.Time {
	if s == 0 {
		return time.Time{}
	}
	return time.Unix(s, 0).UTC()
}

func toDBRecord(r *SyncRecord) dbRecord {
	return dbRecord{
		Name:             r.Name,
		State:            string(r.State),
		CloudLocation:    r.CloudLocation,
		CloudSize:        r.CloudSize,
		LocalPath:        r.LocalPath,
		LocalModifiedAt:  toUnix(r.LocalModifiedAt),
		LocalSize:        r.LocalSize,
		LocalDigest:      r.LocalDigest,
		SyncedModifiedAt: toUnix(r.SyncedModifiedAt),
		StagingPath:      r.StagingPath,
		UpdatedAt:        toUnix(r.UpdatedAt),
	}
}

func (d *dbRecord) toRecord() (*SyncRecord, error) {
	state, err := ParseState(d.State)
	if err != nil {
		return nil, err
	}
	return &SyncRecord{
		Name:             d.Name,
		State:            state,
		CloudLocation:    d.CloudLocation,
		CloudSize:        d.CloudSize,
		LocalPath:        d.LocalPath,
		LocalModifiedAt:  fromUnix(d.LocalModifiedAt),
		LocalSize:        d.LocalSize,
		LocalDigest:      d.LocalDigest,
		SyncedModifiedAt: fromUnix(d.SyncedModifiedAt),
		StagingPath:      d.StagingPath,
		UpdatedAt:        fromUnix(d.UpdatedAt),
	}, nil
}

// RecordStore holds every SyncRecord in memory behind a single lock and
// persists changes to SQLite on Commit. Readers always get copies.
type RecordStore struct {
	dbPath   string
	readOnly bool
	clock    clockwork.Clock

	db      *sqlx.DB
	records map[string]*SyncRecord
	// dirty names; a nil value marks a removal
	dirty map[string]*SyncRecord
	mu    sync.Mutex
}

type StoreOption func(*RecordStore)

func WithStoreClock(clock clockwork.Clock) StoreOption {
	return func(s *RecordStore) {
		s.clock = clock
	}
}

func WithReadOnly() StoreOption {
	return func(s *RecordStore) {
		s.readOnly = true
	}
}

func NewRecordStore(dbPath string, opts ...StoreOption) *RecordStore {
	s := &RecordStore{
		dbPath:  dbPath,
		clock:   clockwork.NewRealClock(),
		records: make(map[string]*SyncRecord),
		dirty:   make(map[string]*SyncRecord),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open opens the database and loads every record into memory.
func (s *RecordStore) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return fmt.Errorf("record store already open")
	}

	opts := []db.SqliteOption{db.WithPath(s.dbPath), db.WithMaxOpenConns(1)}
	if s.readOnly {
		opts = append(opts, db.WithReadOnly())
	}

	conn, err := db.NewSqliteDB(opts...)
	if err != nil {
		return fmt.Errorf("failed to open record store: %w", err)
	}

	if !s.readOnly {
		if _, err := conn.Exec(recordSchema); err != nil {
			conn.Close()
			return fmt.Errorf("failed to initialize record schema: %w", err)
		}
	}

	var rows []dbRecord
	if err := conn.Select(&rows, "SELECT * FROM sync_records"); err != nil {
		conn.Close()
		return fmt.Errorf("failed to load records: %w", err)
	}

	records := make(map[string]*SyncRecord, len(rows))
	for i := range rows {
		rec, err := rows[i].toRecord()
		if err != nil {
			slog.Warn("record store skipping row", "name", rows[i].Name, "error", err)
			continue
		}
		records[rec.Name] = rec
	}

	s.db = conn
	s.records = records
	s.dirty = make(map[string]*SyncRecord)
	slog.Debug("record store opened", "path", s.dbPath, "records", len(records))
	return nil
}

// Close commits pending changes and closes the database.
func (s *RecordStore) Close() error {
	if err := s.Commit(); err != nil && !errors.Is(err, ErrReadOnly) && !errors.Is(err, ErrStoreClosed) {
		slog.Error("record store final commit", "error", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrStoreClosed
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *RecordStore) Get(name string) (*SyncRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[name]
	return rec.Clone(), ok
}

// ByState returns copies of the records in any of the given states, sorted by name.
func (s *RecordStore) ByState(states ...SyncState) []*SyncRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*SyncRecord
	for _, rec := range s.records {
		for _, state := range states {
			if rec.State == state {
				out = append(out, rec.Clone())
				break
			}
		}
	}
	sortRecords(out)
	return out
}

// All returns copies of every record, sorted by name.
func (s *RecordStore) All() []*SyncRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*SyncRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	sortRecords(out)
	return out
}

func (s *RecordStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Transition applies fn to a copy of an existing record and stores the result.
// If fn returns an error the record is left untouched and the error is returned
// along with the unchanged record.
func (s *RecordStore) Transition(name string, fn func(r *SyncRecord) error) (*SyncRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[name]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return s.applyLocked(cur.Clone(), cur, fn)
}

// Upsert is Transition that starts from an empty record when name is unknown.
// exists tells fn which case it is in.
func (s *RecordStore) Upsert(name string, fn func(r *SyncRecord, exists bool) error) (*SyncRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[name]
	next := &SyncRecord{Name: name}
	if ok {
		next = cur.Clone()
	}
	return s.applyLocked(next, cur, func(r *SyncRecord) error {
		return fn(r, ok)
	})
}

func (s *RecordStore) applyLocked(next, cur *SyncRecord, fn func(r *SyncRecord) error) (*SyncRecord, error) {
	if err := fn(next); err != nil {
		return cur.Clone(), err
	}

	// the key never changes
	if cur != nil {
		next.Name = cur.Name
	}
	next.UpdatedAt = truncate(s.clock.Now())
	next.LocalModifiedAt = truncate(next.LocalModifiedAt)
	next.SyncedModifiedAt = truncate(next.SyncedModifiedAt)

	if err := next.validate(); err != nil {
		return cur.Clone(), err
	}

	s.records[next.Name] = next
	s.dirty[next.Name] = next
	if cur == nil || cur.State != next.State {
		slog.Debug("sync record", "name", next.Name, "from", stateOf(cur), "to", next.State)
	}
	return next.Clone(), nil
}

// Remove deletes the record. It reports whether a record was removed.
func (s *RecordStore) Remove(name string) bool {
	return s.RemoveIf(name, nil)
}

// RemoveIf deletes the record only if pred accepts it.
func (s *RecordStore) RemoveIf(name string, pred func(r *SyncRecord) bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[name]
	if !ok {
		return false
	}
	if pred != nil && !pred(cur.Clone()) {
		return false
	}
	delete(s.records, name)
	s.dirty[name] = nil
	slog.Debug("sync record removed", "name", name, "state", cur.State)
	return true
}

// Commit flushes every change since the last commit in one transaction.
func (s *RecordStore) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return ErrStoreClosed
	}
	if len(s.dirty) == 0 {
		return nil
	}
	if s.readOnly {
		return ErrReadOnly
	}

	tx, err := s.db.Beginx()
	if err != nil {
		return fmt.Errorf("commit: begin: %w", err)
	}

	for name, rec := range s.dirty {
		if rec == nil {
			if _, err := tx.Exec("DELETE FROM sync_records WHERE name = ?", name); err != nil {
				tx.Rollback()
				return fmt.Errorf("commit: delete %s: %w", name, err)
			}
			continue
		}
		if _, err := tx.NamedExec(upsertRecord, toDBRecord(rec)); err != nil {
			tx.Rollback()
			return fmt.Errorf("commit: upsert %s: %w", name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.dirty = make(map[string]*SyncRecord)
	return nil
}

// IsFullySynced is true when no record is in a non-terminal state.
func (s *RecordStore) IsFullySynced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records {
		if !rec.State.IsTerminal() {
			return false
		}
	}
	return true
}

// Counts returns the number of records per state. Every state is present.
func (s *RecordStore) Counts() map[SyncState]int {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := make(map[SyncState]int, len(AllStates))
	for _, state := range AllStates {
		counts[state] = 0
	}
	for _, rec := range s.records {
		counts[rec.State]++
	}
	return counts
}

func stateOf(r *SyncRecord) SyncState {
	if r == nil {
		return ""
	}
	return r.State
}

func sortRecords(records []*SyncRecord) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].Name < records[j].Name
	})
}

// expectState builds a transition that only proceeds from one of the given states.
func expectState(states ...SyncState) func(r *SyncRecord) error {
	return func(r *SyncRecord) error {
		for _, s := range states {
			if r.State == s {
				return nil
			}
		}
		return fmt.Errorf("%w: %s is %s", ErrStaleTask, r.Name, r.State)
	}
}
