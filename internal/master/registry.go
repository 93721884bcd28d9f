// Package master implements the directory side of the discovery
// protocol: heartbeat intake with verification polling, paginated list
// responses, and the rendezvous brokering NAT'd peers rely on.
package master

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // sqlite driver
)

// Entry is one registered game server as the directory tracks it. It is
// master-side bookkeeping, distinct from the client's view of a server.
type Entry struct {
	IP          string    `json:"ip"`
	Port        uint16    `json:"port"`
	Region      uint32    `json:"region"`
	GameType    string    `json:"game_type"`
	MissionType string    `json:"mission_type"`
	InviteCode  string    `json:"-"`
	NumPlayers  uint8     `json:"players"`
	MaxPlayers  uint8     `json:"max_players"`
	NumBots     uint8     `json:"bots"`
	CPUSpeed    uint16    `json:"cpu_mhz"`
	Version     uint32    `json:"version"`
	StatusFlags uint8     `json:"status_flags"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
}

// Registry persists registrations in SQLite so a master restart inside a
// heartbeat interval does not forget every server.
type Registry struct {
	db *sql.DB
}

// OpenRegistry opens (and if needed creates) the registry database.
// Pass ":memory:" for an ephemeral registry.
func OpenRegistry(path string) (*Registry, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	if path == ":memory:" {
		dsn = path
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS servers (
		ip           TEXT NOT NULL,
		port         INTEGER NOT NULL,
		region       INTEGER NOT NULL DEFAULT 0,
		game_type    TEXT NOT NULL DEFAULT '',
		mission_type TEXT NOT NULL DEFAULT '',
		invite_code  TEXT NOT NULL DEFAULT '',
		players      INTEGER NOT NULL DEFAULT 0,
		max_players  INTEGER NOT NULL DEFAULT 0,
		bots         INTEGER NOT NULL DEFAULT 0,
		cpu_mhz      INTEGER NOT NULL DEFAULT 0,
		version      INTEGER NOT NULL DEFAULT 0,
		status_flags INTEGER NOT NULL DEFAULT 0,
		first_seen   TIMESTAMP NOT NULL,
		last_seen    TIMESTAMP NOT NULL,
		PRIMARY KEY (ip, port)
	);
	CREATE INDEX IF NOT EXISTS idx_servers_last_seen ON servers(last_seen);
	CREATE INDEX IF NOT EXISTS idx_servers_invite ON servers(invite_code);
	`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("master: registry schema: %w", err)
	}

	return &Registry{db: db}, nil
}

// Close closes the underlying database.
func (r *Registry) Close() error { return r.db.Close() }

// Touch records a heartbeat: insert on first contact, otherwise refresh
// last_seen. regionHint only applies to fresh rows; the region a server
// declares in its info response always wins afterwards.
func (r *Registry) Touch(ip string, port uint16, regionHint uint32, now time.Time) error {
	_, err := r.db.Exec(`
		INSERT INTO servers (ip, port, region, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(ip, port) DO UPDATE SET last_seen = excluded.last_seen
	`, ip, port, regionHint, now, now)
	return err
}

// UpdateInfo applies a verified master-info snapshot to a registration.
func (r *Registry) UpdateInfo(e Entry) error {
	res, err := r.db.Exec(`
		UPDATE servers SET
			region = ?, game_type = ?, mission_type = ?, invite_code = ?,
			players = ?, max_players = ?, bots = ?, cpu_mhz = ?,
			version = ?, status_flags = ?
		WHERE ip = ? AND port = ?
	`, e.Region, e.GameType, e.MissionType, e.InviteCode,
		e.NumPlayers, e.MaxPlayers, e.NumBots, e.CPUSpeed,
		e.Version, e.StatusFlags, e.IP, e.Port)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("master: no registration for %s:%d", e.IP, e.Port)
	}
	return nil
}

const entryColumns = `ip, port, region, game_type, mission_type, invite_code,
	players, max_players, bots, cpu_mhz, version, status_flags, first_seen, last_seen`

func scanEntry(rows *sql.Rows) (Entry, error) {
	var e Entry
	err := rows.Scan(&e.IP, &e.Port, &e.Region, &e.GameType, &e.MissionType,
		&e.InviteCode, &e.NumPlayers, &e.MaxPlayers, &e.NumBots, &e.CPUSpeed,
		&e.Version, &e.StatusFlags, &e.FirstSeen, &e.LastSeen)
	return e, err
}

// List returns every registration, most recently seen first.
func (r *Registry) List() ([]Entry, error) {
	rows, err := r.db.Query(`SELECT ` + entryColumns + ` FROM servers ORDER BY last_seen DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			continue
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Find returns the registration for ip:port, or nil.
func (r *Registry) Find(ip string, port uint16) (*Entry, error) {
	rows, err := r.db.Query(`SELECT `+entryColumns+` FROM servers WHERE ip = ? AND port = ?`, ip, port)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		return nil, rows.Err()
	}
	e, err := scanEntry(rows)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// FindByInvite returns the registration holding inviteCode, or nil.
func (r *Registry) FindByInvite(inviteCode string) (*Entry, error) {
	if inviteCode == "" {
		return nil, nil
	}
	rows, err := r.db.Query(`SELECT `+entryColumns+` FROM servers WHERE invite_code = ? LIMIT 1`, inviteCode)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	if !rows.Next() {
		return nil, rows.Err()
	}
	e, err := scanEntry(rows)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Prune drops registrations not seen since the cutoff, returning how many
// went away.
func (r *Registry) Prune(cutoff time.Time) (int64, error) {
	res, err := r.db.Exec(`DELETE FROM servers WHERE last_seen < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Count reports the number of registrations.
func (r *Registry) Count() (int, error) {
	var n int
	err := r.db.QueryRow(`SELECT COUNT(*) FROM servers`).Scan(&n)
	return n, err
}
