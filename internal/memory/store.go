// Package memory is the encrypted memory engine. Every record is sealed
// under its own data-encryption key; the DEK is wrapped for the owner at
// creation and re-wrapped per recipient on share. The backing rows are
// shared between agents, but a row is only readable by holders of a
// wrapped DEK for it.
package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/agentmesh/backend/internal/cryptoenv"
)

var (
	ErrInvalidRecord = errors.New("memory: invalid record")
	ErrNotFound      = errors.New("memory: record not found")
	ErrTypeMismatch  = errors.New("memory: $type mismatch on update")
	ErrPublicShare   = errors.New("memory: public records cannot be shared")
	ErrAgentExists   = errors.New("memory: agent already exists")
)

// Record is a decoded lexicon record. The "$type" field doubles as the
// collection name.
type Record = map[string]interface{}

// Row is the stored shape of a record. EncryptedDEK is nil iff the row is
// public.
type Row struct {
	ID           string     `json:"id"`
	DID          string     `json:"did"`
	Collection   string     `json:"collection"`
	RKey         string     `json:"rkey"`
	Ciphertext   []byte     `json:"ciphertext"`
	EncryptedDEK []byte     `json:"encrypted_dek,omitempty"`
	Nonce        []byte     `json:"nonce,omitempty"`
	Public       bool       `json:"public"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    *time.Time `json:"updated_at,omitempty"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
}

// SharedRow grants one recipient read access to one record.
type SharedRow struct {
	RecordID     string    `json:"record_id"`
	RecipientDID string    `json:"recipient_did"`
	EncryptedDEK []byte    `json:"encrypted_dek"`
	SharedAt     time.Time `json:"shared_at"`
}

// AgentRow is one entry in the shared agents table.
type AgentRow struct {
	Name      string    `json:"name"`
	DID       string    `json:"did"`
	CreatedAt time.Time `json:"created_at"`
}

// Backend persists rows, shares, and the agents table. Implementations:
// Pebble (embedded default) and Postgres.
type Backend interface {
	InsertRow(row *Row) error
	GetRow(id string) (*Row, error) // (nil, nil) when absent
	UpdateRow(row *Row) error
	// ListRows returns non-deleted rows for did, newest first, optionally
	// filtered by collection.
	ListRows(did, collection string, limit int) ([]*Row, error)
	SoftDeleteRow(id string, at time.Time) (bool, error)

	UpsertShare(share *SharedRow) error
	GetShare(recordID, recipientDID string) (*SharedRow, error)
	ListShares(recipientDID string, limit int) ([]*SharedRow, error)

	CreateAgent(agent *AgentRow) error // ErrAgentExists on duplicate name
	GetAgent(name string) (*AgentRow, error)
	ListAgents() ([]*AgentRow, error)

	Close() error
}

// List limits per the read API.
const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// ListOptions filter List and ListShared.
type ListOptions struct {
	Collection string
	Limit      int
}

func (o ListOptions) limit() int {
	switch {
	case o.Limit <= 0:
		return DefaultListLimit
	case o.Limit > MaxListLimit:
		return MaxListLimit
	}
	return o.Limit
}

// ListedRecord pairs a decrypted record with its row identity.
type ListedRecord struct {
	ID        string     `json:"id"`
	Record    Record     `json:"record"`
	Public    bool       `json:"public"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`
}

// Store is one agent's view of the shared record tables. All writes are
// made on behalf of the owning DID; reads of shared rows go through the
// recipient-wrapped DEK.
type Store struct {
	did     string
	keys    *cryptoenv.X25519KeyPair
	backend Backend
	logger  *log.Logger
}

// NewStore binds an agent identity to a backend.
func NewStore(backend Backend, did string, keys *cryptoenv.X25519KeyPair) *Store {
	return &Store{
		did:     did,
		keys:    keys,
		backend: backend,
		logger:  log.New(log.Writer(), "[MEMORY] ", log.LstdFlags),
	}
}

// DID returns the owning agent's DID.
func (s *Store) DID() string { return s.did }

// RecordID composes the canonical id did/collection/rkey.
func RecordID(did, collection, rkey string) string {
	return did + "/" + collection + "/" + rkey
}

// SplitRecordID splits an id into did, collection, rkey.
func SplitRecordID(id string) (did, collection, rkey string, err error) {
	// DIDs contain colons but no slashes, so the last two separators are
	// unambiguous.
	parts := strings.Split(id, "/")
	if len(parts) < 3 {
		return "", "", "", fmt.Errorf("memory: malformed record id %q", id)
	}
	rkey = parts[len(parts)-1]
	collection = parts[len(parts)-2]
	did = strings.Join(parts[:len(parts)-2], "/")
	return did, collection, rkey, nil
}

// Store encrypts a record under a fresh DEK and inserts it. The DEK is
// wrapped for the owner's encryption key. Returns the new record id.
func (s *Store) Store(record Record) (string, error) {
	collection, _ := record["$type"].(string)
	if collection == "" {
		return "", fmt.Errorf("%w: missing $type", ErrInvalidRecord)
	}

	plaintext, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("memory: marshal record: %w", err)
	}

	dek, err := cryptoenv.GenerateDEK()
	if err != nil {
		return "", err
	}
	nonce, err := cryptoenv.GenerateNonce()
	if err != nil {
		return "", err
	}
	ct, err := cryptoenv.Encrypt(dek, nonce, plaintext)
	if err != nil {
		return "", err
	}
	wrapped, err := cryptoenv.WrapDEK(dek, s.keys.Public)
	if err != nil {
		return "", err
	}

	rkey := NewTID()
	row := &Row{
		ID:           RecordID(s.did, collection, rkey),
		DID:          s.did,
		Collection:   collection,
		RKey:         rkey,
		Ciphertext:   ct,
		EncryptedDEK: wrapped,
		Nonce:        nonce,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.backend.InsertRow(row); err != nil {
		return "", err
	}
	return row.ID, nil
}

// StorePublic inserts an unencrypted record. Public rows carry the
// plaintext JSON in the ciphertext column and no DEK.
func (s *Store) StorePublic(record Record) (string, error) {
	collection, _ := record["$type"].(string)
	if collection == "" {
		return "", fmt.Errorf("%w: missing $type", ErrInvalidRecord)
	}
	plaintext, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("memory: marshal record: %w", err)
	}
	rkey := NewTID()
	row := &Row{
		ID:         RecordID(s.did, collection, rkey),
		DID:        s.did,
		Collection: collection,
		RKey:       rkey,
		Ciphertext: plaintext,
		Public:     true,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.backend.InsertRow(row); err != nil {
		return "", err
	}
	return row.ID, nil
}

// decryptRow opens a row with the owner's keys. Returns nil (no error)
// when the row cannot be decrypted, which callers treat as invisible.
func (s *Store) decryptRow(row *Row) Record {
	var plaintext []byte
	if row.Public {
		plaintext = row.Ciphertext
	} else {
		dek, err := cryptoenv.UnwrapDEK(row.EncryptedDEK, s.keys.Private)
		if err != nil {
			return nil
		}
		plaintext, err = cryptoenv.Decrypt(dek, row.Nonce, row.Ciphertext)
		if err != nil {
			return nil
		}
	}
	var rec Record
	if err := json.Unmarshal(plaintext, &rec); err != nil {
		return nil
	}
	return rec
}

// Retrieve returns the decrypted record or nil when the row is missing,
// soft-deleted, or not decryptable with this agent's keys. Decryption
// failures are silent so a key mismatch looks like absence.
func (s *Store) Retrieve(id string) (Record, error) {
	row, err := s.backend.GetRow(id)
	if err != nil {
		return nil, err
	}
	if row == nil || row.DeletedAt != nil {
		return nil, nil
	}
	return s.decryptRow(row), nil
}

// List returns newest-first non-deleted records owned by this agent.
// Rows that fail to decrypt are skipped, never aborting the listing.
func (s *Store) List(opts ListOptions) ([]*ListedRecord, error) {
	rows, err := s.backend.ListRows(s.did, opts.Collection, opts.limit())
	if err != nil {
		return nil, err
	}
	out := make([]*ListedRecord, 0, len(rows))
	for _, row := range rows {
		rec := s.decryptRow(row)
		if rec == nil {
			continue
		}
		out = append(out, &ListedRecord{
			ID:        row.ID,
			Record:    rec,
			Public:    row.Public,
			CreatedAt: row.CreatedAt,
			UpdatedAt: row.UpdatedAt,
		})
	}
	return out, nil
}

// owns reports whether id parses and names a record of this agent.
// Mutations on records of other agents are refused the same way missing
// records are, so foreign ids stay indistinguishable from absent ones.
func (s *Store) owns(id string) bool {
	did, _, _, err := SplitRecordID(id)
	return err == nil && did == s.did
}

// Update re-encrypts a record in place. The nonce is always fresh; the
// wrapped DEK is preserved so outstanding shares keep working. The new
// record's $type must match the stored collection.
func (s *Store) Update(id string, record Record) error {
	if !s.owns(id) {
		return ErrNotFound
	}
	row, err := s.backend.GetRow(id)
	if err != nil {
		return err
	}
	if row == nil || row.DeletedAt != nil {
		return ErrNotFound
	}
	typ, _ := record["$type"].(string)
	if typ != row.Collection {
		return fmt.Errorf("%w: have %q, row is %q", ErrTypeMismatch, typ, row.Collection)
	}

	plaintext, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("memory: marshal record: %w", err)
	}

	if row.Public {
		row.Ciphertext = plaintext
	} else {
		dek, err := cryptoenv.UnwrapDEK(row.EncryptedDEK, s.keys.Private)
		if err != nil {
			return fmt.Errorf("memory: unwrap dek for update: %w", err)
		}
		nonce, err := cryptoenv.GenerateNonce()
		if err != nil {
			return err
		}
		ct, err := cryptoenv.Encrypt(dek, nonce, plaintext)
		if err != nil {
			return err
		}
		row.Ciphertext = ct
		row.Nonce = nonce
	}

	now := time.Now().UTC()
	row.UpdatedAt = &now
	return s.backend.UpdateRow(row)
}

// SoftDelete hides a record from all read paths. Returns false when the
// row is absent, already deleted, or not owned by this agent.
func (s *Store) SoftDelete(id string) (bool, error) {
	if !s.owns(id) {
		return false, nil
	}
	return s.backend.SoftDeleteRow(id, time.Now().UTC())
}

// Share re-wraps a record's DEK for a recipient and upserts the share
// row. Idempotent on (record, recipient). Public records are refused.
// The recipient key is any binary encoding NormalizeBytes accepts and
// must decode to a 32-byte X25519 public key.
func (s *Store) Share(id, recipientDID string, recipientKey interface{}) error {
	recipientPub, err := NormalizeBytes(recipientKey)
	if err != nil {
		return fmt.Errorf("%w: recipient key: %v", ErrInvalidRecord, err)
	}
	if len(recipientPub) != cryptoenv.KeySize {
		return fmt.Errorf("%w: recipient key must be %d bytes, got %d",
			ErrInvalidRecord, cryptoenv.KeySize, len(recipientPub))
	}
	if !s.owns(id) {
		return ErrNotFound
	}
	row, err := s.backend.GetRow(id)
	if err != nil {
		return err
	}
	if row == nil || row.DeletedAt != nil {
		return ErrNotFound
	}
	if row.Public {
		return ErrPublicShare
	}
	dek, err := cryptoenv.UnwrapDEK(row.EncryptedDEK, s.keys.Private)
	if err != nil {
		return fmt.Errorf("memory: unwrap dek for share: %w", err)
	}
	wrapped, err := cryptoenv.WrapDEK(dek, recipientPub)
	if err != nil {
		return err
	}
	s.logger.Printf("shared %s with %s", id, recipientDID)
	return s.backend.UpsertShare(&SharedRow{
		RecordID:     id,
		RecipientDID: recipientDID,
		EncryptedDEK: wrapped,
		SharedAt:     time.Now().UTC(),
	})
}

// RetrieveShared reads a record shared with this agent. Returns nil when
// no share exists for this DID, the row is deleted, or the wrapped DEK
// does not open with this agent's key.
func (s *Store) RetrieveShared(id string) (Record, error) {
	share, err := s.backend.GetShare(id, s.did)
	if err != nil {
		return nil, err
	}
	if share == nil {
		return nil, nil
	}
	row, err := s.backend.GetRow(id)
	if err != nil {
		return nil, err
	}
	if row == nil || row.DeletedAt != nil {
		return nil, nil
	}
	return s.decryptShared(row, share), nil
}

func (s *Store) decryptShared(row *Row, share *SharedRow) Record {
	dek, err := cryptoenv.UnwrapDEK(share.EncryptedDEK, s.keys.Private)
	if err != nil {
		return nil
	}
	plaintext, err := cryptoenv.Decrypt(dek, row.Nonce, row.Ciphertext)
	if err != nil {
		return nil
	}
	var rec Record
	if err := json.Unmarshal(plaintext, &rec); err != nil {
		return nil
	}
	return rec
}

// ListShared returns records other agents shared with this one, newest
// share first. Deleted and undecryptable rows are skipped.
func (s *Store) ListShared(opts ListOptions) ([]*ListedRecord, error) {
	shares, err := s.backend.ListShares(s.did, opts.limit())
	if err != nil {
		return nil, err
	}
	out := make([]*ListedRecord, 0, len(shares))
	for _, share := range shares {
		row, err := s.backend.GetRow(share.RecordID)
		if err != nil {
			return nil, err
		}
		if row == nil || row.DeletedAt != nil {
			continue
		}
		if opts.Collection != "" && row.Collection != opts.Collection {
			continue
		}
		rec := s.decryptShared(row, share)
		if rec == nil {
			continue
		}
		out = append(out, &ListedRecord{
			ID:        row.ID,
			Record:    rec,
			CreatedAt: row.CreatedAt,
			UpdatedAt: row.UpdatedAt,
		})
	}
	return out, nil
}
