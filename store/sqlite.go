package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/everydev1618/spikenet"
	"github.com/everydev1618/spikenet/archiver"
)

// SQLite implements the orchestrator's collaborator stores and the archive
// recorder using modernc.org/sqlite (pure Go).
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens or creates a SQLite database at the given path.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Enable WAL mode for concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLite{db: db}, nil
}

// OpenSQLite opens the database at path and creates the schema.
func OpenSQLite(path string) (*SQLite, error) {
	s, err := NewSQLite(path)
	if err != nil {
		return nil, err
	}
	if err := s.Init(); err != nil {
		s.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// Init creates the schema tables.
func (s *SQLite) Init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS neuron_groups (
		id            INTEGER PRIMARY KEY,
		network_id    INTEGER NOT NULL,
		name          TEXT NOT NULL DEFAULT '',
		worker_handle INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS connections (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		network_id INTEGER NOT NULL,
		from_group INTEGER NOT NULL,
		to_group   INTEGER NOT NULL,
		tag        TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS archives (
		id         TEXT PRIMARY KEY,
		network_id INTEGER NOT NULL,
		name       TEXT NOT NULL DEFAULT '',
		mode       TEXT NOT NULL DEFAULT '',
		started_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
		ended_at   DATETIME
	);

	CREATE TABLE IF NOT EXISTS firing_records (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		archive_id TEXT NOT NULL,
		group_id   INTEGER NOT NULL,
		tick       INTEGER NOT NULL,
		neurons    TEXT NOT NULL DEFAULT '[]'
	);

	CREATE INDEX IF NOT EXISTS idx_groups_network ON neuron_groups(network_id);
	CREATE INDEX IF NOT EXISTS idx_connections_network ON connections(network_id);
	CREATE INDEX IF NOT EXISTS idx_connections_tag ON connections(network_id, tag);
	CREATE INDEX IF NOT EXISTS idx_firing_archive ON firing_records(archive_id, tick);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// AddGroup creates a neuron group in a network.
func (s *SQLite) AddGroup(ctx context.Context, network spikenet.NetworkID, g spikenet.GroupID, name string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO neuron_groups (id, network_id, name) VALUES (?, ?, ?)`,
		g, network, name,
	)
	return err
}

// ListGroups returns the groups of a network in ID order.
func (s *SQLite) ListGroups(ctx context.Context, network spikenet.NetworkID) ([]spikenet.GroupID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM neuron_groups WHERE network_id = ? ORDER BY id`, network)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []spikenet.GroupID
	for rows.Next() {
		var g spikenet.GroupID
		if err := rows.Scan(&g); err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

// WorkerFor returns the worker recorded for a group.
func (s *SQLite) WorkerFor(ctx context.Context, g spikenet.GroupID) (spikenet.WorkerHandle, error) {
	var h spikenet.WorkerHandle
	err := s.db.QueryRowContext(ctx,
		`SELECT worker_handle FROM neuron_groups WHERE id = ?`, g).Scan(&h)
	if errors.Is(err, sql.ErrNoRows) {
		return spikenet.NoWorker, fmt.Errorf("%w: %d", spikenet.ErrUnknownGroup, g)
	}
	return h, err
}

// AssignWorker records the worker simulating a group.
func (s *SQLite) AssignWorker(ctx context.Context, g spikenet.GroupID, h spikenet.WorkerHandle) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE neuron_groups SET worker_handle = ? WHERE id = ?`, h, g)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %d", spikenet.ErrUnknownGroup, g)
	}
	return nil
}

// ListEdges returns every connection of a network in insertion order.
func (s *SQLite) ListEdges(ctx context.Context, network spikenet.NetworkID) ([]spikenet.Edge, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT from_group, to_group, tag FROM connections WHERE network_id = ? ORDER BY id`, network)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var edges []spikenet.Edge
	for rows.Next() {
		var e spikenet.Edge
		if err := rows.Scan(&e.From, &e.To, &e.Tag); err != nil {
			return nil, err
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

// InsertEdge adds a connection.
func (s *SQLite) InsertEdge(ctx context.Context, network spikenet.NetworkID, e spikenet.Edge) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO connections (network_id, from_group, to_group, tag) VALUES (?, ?, ?, ?)`,
		network, e.From, e.To, e.Tag,
	)
	return err
}

// DeleteEdgesTagged removes every connection of a network carrying tag.
func (s *SQLite) DeleteEdgesTagged(ctx context.Context, network spikenet.NetworkID, tag string) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM connections WHERE network_id = ? AND tag = ?`, network, tag)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// CreateArchive records the start of an archiving run.
func (s *SQLite) CreateArchive(ctx context.Context, a archiver.Archive) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO archives (id, network_id, name, mode, started_at) VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.Network, a.Name, a.Mode, a.Started,
	)
	return err
}

// AppendFiring writes a batch of firing records in one transaction.
func (s *SQLite) AppendFiring(ctx context.Context, archiveID string, recs []archiver.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO firing_records (archive_id, group_id, tick, neurons) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range recs {
		neurons, err := json.Marshal(r.Neurons)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, archiveID, r.Group, r.Tick, string(neurons)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// CloseArchive records the end of an archiving run.
func (s *SQLite) CloseArchive(ctx context.Context, archiveID string, ended time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE archives SET ended_at = ? WHERE id = ?`, ended, archiveID)
	return err
}

// ListArchives returns the archives of a network, newest first.
func (s *SQLite) ListArchives(ctx context.Context, network spikenet.NetworkID) ([]ArchiveInfo, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT a.id, a.network_id, a.name, a.mode, a.started_at, a.ended_at,
		        (SELECT COUNT(*) FROM firing_records f WHERE f.archive_id = a.id)
		 FROM archives a WHERE a.network_id = ? ORDER BY a.started_at DESC`, network)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ArchiveInfo
	for rows.Next() {
		var a ArchiveInfo
		var ended sql.NullTime
		if err := rows.Scan(&a.ID, &a.Network, &a.Name, &a.Mode, &a.Started, &ended, &a.Records); err != nil {
			return nil, err
		}
		if ended.Valid {
			t := ended.Time
			a.Ended = &t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// FiringRecords returns the records of an archive in tick order.
func (s *SQLite) FiringRecords(ctx context.Context, archiveID string) ([]archiver.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT group_id, tick, neurons FROM firing_records WHERE archive_id = ? ORDER BY tick, id`, archiveID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []archiver.Record
	for rows.Next() {
		var r archiver.Record
		var neurons string
		if err := rows.Scan(&r.Group, &r.Tick, &neurons); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(neurons), &r.Neurons); err != nil {
			return nil, fmt.Errorf("decode neurons of archive %s tick %d: %w", archiveID, r.Tick, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
