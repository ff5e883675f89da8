package client

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Prefs is the client's persistent preference store: last nickname, known
// servers, anything worth surviving a restart. Backed by a small sqlite
// database.
type Prefs struct {
	db *sql.DB
}

// OpenPrefs opens or creates the preference database at path.
func OpenPrefs(path string) (*Prefs, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create preferences directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open preferences database: %w", err)
	}

	// One connection is plenty for a local prefs file
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	schema := `
		CREATE TABLE IF NOT EXISTS Preferences (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS ServerHistory (
			address      TEXT PRIMARY KEY,
			name         TEXT NOT NULL,
			last_used_at INTEGER NOT NULL
		);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize preferences schema: %w", err)
	}

	return &Prefs{db: db}, nil
}

// Close closes the preference database.
func (p *Prefs) Close() error {
	return p.db.Close()
}

// Get retrieves a preference value. Missing keys return "".
func (p *Prefs) Get(key string) (string, error) {
	var value string
	err := p.db.QueryRow("SELECT value FROM Preferences WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

// Set stores a preference value.
func (p *Prefs) Set(key, value string) error {
	_, err := p.db.Exec(`
		INSERT OR REPLACE INTO Preferences (key, value) VALUES (?, ?)
	`, key, value)
	return err
}

// LastNickname returns the nickname used on the previous session.
func (p *Prefs) LastNickname() string {
	nickname, _ := p.Get("last_nickname")
	return nickname
}

// SetLastNickname stores the nickname for the next session's default.
func (p *Prefs) SetLastNickname(nickname string) error {
	return p.Set("last_nickname", nickname)
}

// RememberServer records a server the client connected to.
func (p *Prefs) RememberServer(address, name string) error {
	_, err := p.db.Exec(`
		INSERT OR REPLACE INTO ServerHistory (address, name, last_used_at) VALUES (?, ?, ?)
	`, address, name, time.Now().Unix())
	return err
}

// KnownServer is one server from the connection history.
type KnownServer struct {
	Address string
	Name    string
}

// KnownServers returns previously used servers, most recent first.
func (p *Prefs) KnownServers() ([]KnownServer, error) {
	rows, err := p.db.Query(`
		SELECT address, name FROM ServerHistory ORDER BY last_used_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var servers []KnownServer
	for rows.Next() {
		var srv KnownServer
		if err := rows.Scan(&srv.Address, &srv.Name); err != nil {
			return nil, err
		}
		servers = append(servers, srv)
	}
	return servers, rows.Err()
}
