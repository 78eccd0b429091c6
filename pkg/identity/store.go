package identity

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Peer is one row of the peer store. The base58 text form of the id is
// the canonical persisted representation.
type Peer struct {
	ID          PeerID
	DisplayName string
	LastSeen    time.Time
}

// Store persists peer identities in a local SQLite database.
type Store struct {
	db *sql.DB
}

const storeSchema = `
	CREATE TABLE IF NOT EXISTS peers (
		peer_id      TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		last_seen    INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_peers_last_seen ON peers(last_seen);
`

// OpenStore opens (creating if needed) the peer database in dataDir.
func OpenStore(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}
	db, err := sql.Open("sqlite3", filepath.Join(dataDir, "peers.db"))
	if err != nil {
		return nil, fmt.Errorf("opening peer database: %w", err)
	}
	if _, err := db.Exec(storeSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating peer schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Upsert records that a peer was seen. An empty display name leaves any
// previously stored name in place.
func (s *Store) Upsert(id PeerID, displayName string, lastSeen time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO peers (peer_id, display_name, last_seen) VALUES (?, ?, ?)
		ON CONFLICT(peer_id) DO UPDATE SET
			display_name = CASE WHEN excluded.display_name != ''
				THEN excluded.display_name ELSE peers.display_name END,
			last_seen = excluded.last_seen`,
		id.String(), displayName, lastSeen.Unix())
	return err
}

// Get looks up a single peer by id.
func (s *Store) Get(id PeerID) (Peer, bool, error) {
	row := s.db.QueryRow(
		`SELECT peer_id, display_name, last_seen FROM peers WHERE peer_id = ?`,
		id.String())
	p, err := scanPeer(row.Scan)
	if err == sql.ErrNoRows {
		return Peer{}, false, nil
	}
	if err != nil {
		return Peer{}, false, err
	}
	return p, true, nil
}

// List returns all known peers, most recently seen first.
func (s *Store) List() ([]Peer, error) {
	rows, err := s.db.Query(
		`SELECT peer_id, display_name, last_seen FROM peers ORDER BY last_seen DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var peers []Peer
	for rows.Next() {
		p, err := scanPeer(rows.Scan)
		if err != nil {
			return nil, err
		}
		peers = append(peers, p)
	}
	return peers, rows.Err()
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func scanPeer(scan func(...any) error) (Peer, error) {
	var (
		id       string
		name     string
		lastSeen int64
	)
	if err := scan(&id, &name, &lastSeen); err != nil {
		return Peer{}, err
	}
	return Peer{ID: PeerID(id), DisplayName: name, LastSeen: time.Unix(lastSeen, 0)}, nil
}
