package deriver

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS inboxes (
	global_id BLOB PRIMARY KEY,
	label TEXT NOT NULL,
	pk_encrypt BLOB NOT NULL,
	sk_encrypt BLOB NOT NULL,
	pk_sign BLOB NOT NULL,
	sk_sign BLOB NOT NULL,
	autosave INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS contacts (
	global_id BLOB PRIMARY KEY,
	label TEXT NOT NULL,
	pk_encrypt BLOB NOT NULL,
	pk_sign BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	global_id BLOB NOT NULL,
	inbox_id BLOB NOT NULL,
	message_type TEXT NOT NULL,
	plaintext BLOB NOT NULL,
	PRIMARY KEY (global_id, inbox_id)
);
CREATE TABLE IF NOT EXISTS derivations (
	inventory_hash BLOB NOT NULL,
	global_id BLOB NOT NULL,
	inbox_id BLOB NOT NULL,
	expiration_time INTEGER NOT NULL,
	PRIMARY KEY (inventory_hash, global_id, inbox_id)
);
CREATE INDEX IF NOT EXISTS idx_derivations_message ON derivations(global_id, inbox_id);
CREATE TABLE IF NOT EXISTS inbox_max_expiration (
	inbox_id BLOB PRIMARY KEY,
	expiration_time INTEGER NOT NULL
);
`

type store struct {
	db *sql.DB
}

func openStore(path string) (*store, error) {
	expanded := expandPath(path)
	if dir := filepath.Dir(expanded); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("deriver: create data dir: %w", err)
		}
	}

	dsn := expanded + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("deriver: open db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("deriver: create schema: %w", err)
	}

	return &store{db: db}, nil
}

func (s *store) Close() error { return s.db.Close() }

func expandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			if path == "~" {
				return home
			}
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

// Inbox is a local identity: an encryption/signing keypair the node can
// decrypt and sign with, plus its autosave preference.
type Inbox struct {
	GlobalID  GlobalID
	Label     string
	PkEncrypt [32]byte
	SkEncrypt [32]byte
	PkSign    [32]byte
	SkSign    [64]byte // ed25519 private key
	Autosave  bool
}

// Contact is a remote identity's known public half.
type Contact struct {
	GlobalID  GlobalID
	Label     string
	PkEncrypt [32]byte
	PkSign    [32]byte
}

// MessageType distinguishes whether a stored message survives independent
// of its witnessing inventory items.
type MessageType string

const (
	MessageSaved   MessageType = "saved"
	MessageUnsaved MessageType = "unsaved"
)

// StoredMessage is a decrypted, verified message under a specific inbox.
type StoredMessage struct {
	GlobalID    GlobalID
	InboxID     GlobalID
	MessageType MessageType
	Plaintext   []byte
}

func (s *store) InsertInbox(in Inbox) error {
	autosave := 0
	if in.Autosave {
		autosave = 1
	}
	_, err := s.db.Exec(
		`INSERT INTO inboxes (global_id, label, pk_encrypt, sk_encrypt, pk_sign, sk_sign, autosave)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		in.GlobalID[:], in.Label, in.PkEncrypt[:], in.SkEncrypt[:], in.PkSign[:], in.SkSign[:], autosave,
	)
	return err
}

func (s *store) GetInbox(id GlobalID) (*Inbox, error) {
	row := s.db.QueryRow(
		`SELECT label, pk_encrypt, sk_encrypt, pk_sign, sk_sign, autosave FROM inboxes WHERE global_id = ?`,
		id[:],
	)
	var in Inbox
	in.GlobalID = id
	var pkEncrypt, skEncrypt, pkSign, skSign []byte
	var autosave int
	if err := row.Scan(&in.Label, &pkEncrypt, &skEncrypt, &pkSign, &skSign, &autosave); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	copy(in.PkEncrypt[:], pkEncrypt)
	copy(in.SkEncrypt[:], skEncrypt)
	copy(in.PkSign[:], pkSign)
	copy(in.SkSign[:], skSign)
	in.Autosave = autosave != 0
	return &in, nil
}

func (s *store) ListInboxes() ([]Inbox, error) {
	rows, err := s.db.Query(`SELECT global_id, label, pk_encrypt, sk_encrypt, pk_sign, sk_sign, autosave FROM inboxes`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Inbox
	for rows.Next() {
		var in Inbox
		var id, pkEncrypt, skEncrypt, pkSign, skSign []byte
		var autosave int
		if err := rows.Scan(&id, &in.Label, &pkEncrypt, &skEncrypt, &pkSign, &skSign, &autosave); err != nil {
			return nil, err
		}
		copy(in.GlobalID[:], id)
		copy(in.PkEncrypt[:], pkEncrypt)
		copy(in.SkEncrypt[:], skEncrypt)
		copy(in.PkSign[:], pkSign)
		copy(in.SkSign[:], skSign)
		in.Autosave = autosave != 0
		out = append(out, in)
	}
	return out, rows.Err()
}

func (s *store) SetInboxLabel(id GlobalID, label string) error {
	_, err := s.db.Exec(`UPDATE inboxes SET label = ? WHERE global_id = ?`, label, id[:])
	return err
}

func (s *store) SetInboxAutosave(id GlobalID, autosave bool) error {
	v := 0
	if autosave {
		v = 1
	}
	_, err := s.db.Exec(`UPDATE inboxes SET autosave = ? WHERE global_id = ?`, v, id[:])
	return err
}

func (s *store) DeleteInbox(id GlobalID) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM messages WHERE inbox_id = ?`, id[:]); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM derivations WHERE inbox_id = ?`, id[:]); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM inbox_max_expiration WHERE inbox_id = ?`, id[:]); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM inboxes WHERE global_id = ?`, id[:]); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *store) InsertContact(c Contact) error {
	_, err := s.db.Exec(
		`INSERT INTO contacts (global_id, label, pk_encrypt, pk_sign) VALUES (?, ?, ?, ?)`,
		c.GlobalID[:], c.Label, c.PkEncrypt[:], c.PkSign[:],
	)
	return err
}

func (s *store) GetContact(id GlobalID) (*Contact, error) {
	row := s.db.QueryRow(`SELECT label, pk_encrypt, pk_sign FROM contacts WHERE global_id = ?`, id[:])
	var c Contact
	c.GlobalID = id
	var pkEncrypt, pkSign []byte
	if err := row.Scan(&c.Label, &pkEncrypt, &pkSign); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	copy(c.PkEncrypt[:], pkEncrypt)
	copy(c.PkSign[:], pkSign)
	return &c, nil
}

func (s *store) ListContacts() ([]Contact, error) {
	rows, err := s.db.Query(`SELECT global_id, label, pk_encrypt, pk_sign FROM contacts`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Contact
	for rows.Next() {
		var c Contact
		var id, pkEncrypt, pkSign []byte
		if err := rows.Scan(&id, &c.Label, &pkEncrypt, &pkSign); err != nil {
			return nil, err
		}
		copy(c.GlobalID[:], id)
		copy(c.PkEncrypt[:], pkEncrypt)
		copy(c.PkSign[:], pkSign)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *store) SetContactLabel(id GlobalID, label string) error {
	_, err := s.db.Exec(`UPDATE contacts SET label = ? WHERE global_id = ?`, label, id[:])
	return err
}

// SetContactPublicHalf re-keys the contact at contactID to newID (the
// global id newID's public half derives to), replacing its label and
// recorded public half. contactID and newID are equal when only the
// label or an unchanged public half is being resubmitted. When newID
// differs from contactID and already belongs to a different contact, the
// INSERT below fails with a unique-constraint error instead of silently
// merging the two rows.
func (s *store) SetContactPublicHalf(contactID, newID GlobalID, label string, pkEncrypt, pkSign [32]byte) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM contacts WHERE global_id = ?`, contactID[:]); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`INSERT INTO contacts (global_id, label, pk_encrypt, pk_sign) VALUES (?, ?, ?, ?)`,
		newID[:], label, pkEncrypt[:], pkSign[:],
	); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *store) DeleteContact(id GlobalID) error {
	_, err := s.db.Exec(`DELETE FROM contacts WHERE global_id = ?`, id[:])
	return err
}

func (s *store) GetMessage(globalID, inboxID GlobalID) (*StoredMessage, error) {
	row := s.db.QueryRow(
		`SELECT message_type, plaintext FROM messages WHERE global_id = ? AND inbox_id = ?`,
		globalID[:], inboxID[:],
	)
	var m StoredMessage
	m.GlobalID = globalID
	m.InboxID = inboxID
	var mt string
	if err := row.Scan(&mt, &m.Plaintext); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	m.MessageType = MessageType(mt)
	return &m, nil
}

func (s *store) InsertMessage(m StoredMessage) error {
	_, err := s.db.Exec(
		`INSERT INTO messages (global_id, inbox_id, message_type, plaintext) VALUES (?, ?, ?, ?)`,
		m.GlobalID[:], m.InboxID[:], string(m.MessageType), m.Plaintext,
	)
	return err
}

func (s *store) SetMessageType(globalID, inboxID GlobalID, mt MessageType) error {
	_, err := s.db.Exec(
		`UPDATE messages SET message_type = ? WHERE global_id = ? AND inbox_id = ?`,
		string(mt), globalID[:], inboxID[:],
	)
	return err
}

func (s *store) DeleteMessage(globalID, inboxID GlobalID) error {
	_, err := s.db.Exec(`DELETE FROM messages WHERE global_id = ? AND inbox_id = ?`, globalID[:], inboxID[:])
	return err
}

func (s *store) ListMessages() ([]StoredMessage, error) {
	rows, err := s.db.Query(`SELECT global_id, inbox_id, message_type, plaintext FROM messages`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredMessage
	for rows.Next() {
		var m StoredMessage
		var gid, iid []byte
		var mt string
		if err := rows.Scan(&gid, &iid, &mt, &m.Plaintext); err != nil {
			return nil, err
		}
		copy(m.GlobalID[:], gid)
		copy(m.InboxID[:], iid)
		m.MessageType = MessageType(mt)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *store) InsertDerivation(hash [64]byte, globalID, inboxID GlobalID, expiration int64) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO derivations (inventory_hash, global_id, inbox_id, expiration_time) VALUES (?, ?, ?, ?)`,
		hash[:], globalID[:], inboxID[:], expiration,
	)
	return err
}

func (s *store) DeleteDerivationsByHash(hash [64]byte) ([]struct {
	GlobalID GlobalID
	InboxID  GlobalID
}, error) {
	rows, err := s.db.Query(`SELECT global_id, inbox_id FROM derivations WHERE inventory_hash = ?`, hash[:])
	if err != nil {
		return nil, err
	}
	var affected []struct {
		GlobalID GlobalID
		InboxID  GlobalID
	}
	for rows.Next() {
		var gid, iid []byte
		if err := rows.Scan(&gid, &iid); err != nil {
			rows.Close()
			return nil, err
		}
		var entry struct {
			GlobalID GlobalID
			InboxID  GlobalID
		}
		copy(entry.GlobalID[:], gid)
		copy(entry.InboxID[:], iid)
		affected = append(affected, entry)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := s.db.Exec(`DELETE FROM derivations WHERE inventory_hash = ?`, hash[:]); err != nil {
		return nil, err
	}
	return affected, nil
}

func (s *store) CountDerivations(globalID, inboxID GlobalID) (int, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM derivations WHERE global_id = ? AND inbox_id = ?`,
		globalID[:], inboxID[:],
	).Scan(&count)
	return count, err
}

func (s *store) MaxDerivationExpiration(globalID, inboxID GlobalID) (int64, bool, error) {
	var max sql.NullInt64
	err := s.db.QueryRow(
		`SELECT MAX(expiration_time) FROM derivations WHERE global_id = ? AND inbox_id = ?`,
		globalID[:], inboxID[:],
	).Scan(&max)
	if err != nil {
		return 0, false, err
	}
	if !max.Valid {
		return 0, false, nil
	}
	return max.Int64, true, nil
}

func (s *store) ListDerivations(globalID, inboxID GlobalID) ([][64]byte, error) {
	rows, err := s.db.Query(
		`SELECT inventory_hash FROM derivations WHERE global_id = ? AND inbox_id = ?`,
		globalID[:], inboxID[:],
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][64]byte
	for rows.Next() {
		var h []byte
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		var arr [64]byte
		copy(arr[:], h)
		out = append(out, arr)
	}
	return out, rows.Err()
}

func (s *store) SetInboxMaxExpiration(inboxID GlobalID, expiration int64) error {
	_, err := s.db.Exec(
		`INSERT INTO inbox_max_expiration (inbox_id, expiration_time) VALUES (?, ?)
		 ON CONFLICT(inbox_id) DO UPDATE SET expiration_time = CASE WHEN excluded.expiration_time > inbox_max_expiration.expiration_time THEN excluded.expiration_time ELSE inbox_max_expiration.expiration_time END`,
		inboxID[:], expiration,
	)
	return err
}

func (s *store) GetInboxMaxExpiration(inboxID GlobalID) (int64, bool, error) {
	var t sql.NullInt64
	err := s.db.QueryRow(`SELECT expiration_time FROM inbox_max_expiration WHERE inbox_id = ?`, inboxID[:]).Scan(&t)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, err
	}
	return t.Int64, true, nil
}
