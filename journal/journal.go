// Package journal records what was loaded onto a device so that later
// invocations can address and decode tasks without reloading.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"

	"github.com/chazu/crossload/closure"
	"github.com/chazu/crossload/loader"
	"github.com/chazu/crossload/meta"
	"github.com/chazu/crossload/task"
)

var log = commonlog.GetLogger("crossload.journal")

var (
	ErrNoLoads      = errors.New("journal: no load recorded")
	ErrSlotNotFound = errors.New("journal: method not in recorded load")
)

var schema = []string{`
CREATE TABLE IF NOT EXISTS loads (
	id        TEXT PRIMARY KEY,
	entry     TEXT NOT NULL,
	image     TEXT NOT NULL,
	port      TEXT NOT NULL,
	classes   INTEGER NOT NULL,
	methods   INTEGER NOT NULL,
	frames    INTEGER NOT NULL,
	bytes     INTEGER NOT NULL,
	loaded_at INTEGER NOT NULL
)`, `
CREATE TABLE IF NOT EXISTS slots (
	load_id     TEXT NOT NULL REFERENCES loads(id) ON DELETE CASCADE,
	slot        INTEGER NOT NULL,
	token       INTEGER NOT NULL,
	name        TEXT NOT NULL,
	return_kind INTEGER NOT NULL,
	arg_kinds   BLOB,
	PRIMARY KEY (load_id, slot)
)`,
}

// Slot is one method resident on the device.
type Slot struct {
	Slot   int
	Token  uint32
	Name   string
	Return meta.Kind
	Args   []meta.Kind
}

// Target returns the task target for the slot.
func (s Slot) Target() task.Target {
	return task.Target{Slot: s.Slot, Name: s.Name, Return: s.Return, Args: s.Args}
}

// Record describes one completed load.
type Record struct {
	ID       uuid.UUID
	Entry    string
	Image    string
	Port     string
	Classes  int
	Methods  int
	Frames   int
	Bytes    int
	LoadedAt time.Time
	Slots    []Slot
}

// NewRecord builds the record of a load of c reported by r.
func NewRecord(c *closure.Closure, r *loader.Report, image, port string) Record {
	rec := Record{
		ID:       r.ID,
		Entry:    r.Entry,
		Image:    image,
		Port:     port,
		Classes:  r.Classes,
		Methods:  r.Methods,
		Frames:   r.Frames,
		Bytes:    r.Bytes,
		LoadedAt: time.Now(),
	}
	for _, m := range c.Methods() {
		rec.Slots = append(rec.Slots, Slot{
			Slot:   m.Slot,
			Token:  m.Token,
			Name:   m.Name,
			Return: m.ReturnKind,
			Args:   m.ArgKinds,
		})
	}
	return rec
}

// Find returns the slot of typeName::method. An empty typeName matches
// any declaring type.
func (r *Record) Find(typeName, method string) (Slot, error) {
	for _, s := range r.Slots {
		decl, rest, ok := strings.Cut(s.Name, "::")
		if !ok || !strings.HasPrefix(rest, method+"(") {
			continue
		}
		if typeName == "" || decl == typeName {
			return s, nil
		}
	}
	return Slot{}, fmt.Errorf("%w: %s::%s", ErrSlotNotFound, typeName, method)
}

// ---------------------------------------------------------------------------
// Journal
// ---------------------------------------------------------------------------

// Journal is a SQLite-backed store of load records.
type Journal struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens or creates the journal database at path.
func Open(path string) (*Journal, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("journal: creating %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("journal: opening database: %w", err)
	}
	// Pragmas are per connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal: enabling foreign keys: %w", err)
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("journal: creating tables: %w", err)
		}
	}
	return &Journal{db: db}, nil
}

// Close closes the database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Save stores rec and its slots in one transaction.
func (j *Journal) Save(ctx context.Context, rec Record) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("journal: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO loads (id, entry, image, port, classes, methods, frames, bytes, loaded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID.String(), rec.Entry, rec.Image, rec.Port,
		rec.Classes, rec.Methods, rec.Frames, rec.Bytes, rec.LoadedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("journal: saving load: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM slots WHERE load_id = ?", rec.ID.String()); err != nil {
		return fmt.Errorf("journal: clearing slots: %w", err)
	}
	for _, s := range rec.Slots {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO slots (load_id, slot, token, name, return_kind, arg_kinds) VALUES (?, ?, ?, ?, ?, ?)`,
			rec.ID.String(), s.Slot, int64(s.Token), s.Name, int(s.Return), kindBytes(s.Args))
		if err != nil {
			return fmt.Errorf("journal: saving slot %d: %w", s.Slot, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("journal: commit: %w", err)
	}
	log.Debugf("recorded load %s (%d slots)", rec.ID, len(rec.Slots))
	return nil
}

// Latest returns the most recent load record.
func (j *Journal) Latest(ctx context.Context) (*Record, error) {
	var id string
	err := j.db.QueryRowContext(ctx, "SELECT id FROM loads ORDER BY loaded_at DESC LIMIT 1").Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoLoads
	}
	if err != nil {
		return nil, fmt.Errorf("journal: querying latest load: %w", err)
	}
	u, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("journal: bad load id %q: %w", id, err)
	}
	return j.Get(ctx, u)
}

// Get returns the load record with the given id.
func (j *Journal) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	rec := &Record{ID: id}
	var loadedAt int64
	err := j.db.QueryRowContext(ctx,
		`SELECT entry, image, port, classes, methods, frames, bytes, loaded_at FROM loads WHERE id = ?`,
		id.String()).Scan(&rec.Entry, &rec.Image, &rec.Port,
		&rec.Classes, &rec.Methods, &rec.Frames, &rec.Bytes, &loadedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNoLoads, id)
	}
	if err != nil {
		return nil, fmt.Errorf("journal: querying load: %w", err)
	}
	rec.LoadedAt = time.Unix(0, loadedAt)

	rows, err := j.db.QueryContext(ctx,
		`SELECT slot, token, name, return_kind, arg_kinds FROM slots WHERE load_id = ? ORDER BY slot`,
		id.String())
	if err != nil {
		return nil, fmt.Errorf("journal: querying slots: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			s     Slot
			token int64
			ret   int
			args  []byte
		)
		if err := rows.Scan(&s.Slot, &token, &s.Name, &ret, &args); err != nil {
			return nil, fmt.Errorf("journal: scanning slot: %w", err)
		}
		s.Token = uint32(token)
		s.Return = meta.Kind(ret)
		for _, b := range args {
			s.Args = append(s.Args, meta.Kind(b))
		}
		rec.Slots = append(rec.Slots, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: reading slots: %w", err)
	}
	return rec, nil
}

// Forget removes every record. Used after a device reset.
func (j *Journal) Forget(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.db.ExecContext(ctx, "DELETE FROM slots"); err != nil {
		return fmt.Errorf("journal: clearing slots: %w", err)
	}
	if _, err := j.db.ExecContext(ctx, "DELETE FROM loads"); err != nil {
		return fmt.Errorf("journal: clearing loads: %w", err)
	}
	return nil
}

func kindBytes(kinds []meta.Kind) []byte {
	out := make([]byte, len(kinds))
	for i, k := range kinds {
		out[i] = byte(k)
	}
	return out
}
