package memory

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/cockroachdb/pebble"
)

// PebbleBackend stores rows in an embedded Pebble database. Key layout:
//
//	row:<id>                    -> Row JSON
//	rowix:<did>:<rkey>          -> id (time-ordered index per owner)
//	share:<recipient>|<record>  -> SharedRow JSON
//	agent:<name>                -> AgentRow JSON
type PebbleBackend struct {
	db *pebble.DB
}

// OpenPebble opens (or creates) the database at path.
func OpenPebble(path string) (*PebbleBackend, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("memory: open pebble at %s: %w", path, err)
	}
	return &PebbleBackend{db: db}, nil
}

func (p *PebbleBackend) Close() error { return p.db.Close() }

// DB exposes the underlying handle for co-located state storage.
func (p *PebbleBackend) DB() *pebble.DB { return p.db }

func rowKey(id string) []byte              { return []byte("row:" + id) }
func rowIndexKey(did, rkey string) []byte  { return []byte("rowix:" + did + ":" + rkey) }
func shareKey(recipient, id string) []byte { return []byte("share:" + recipient + "|" + id) }
func agentKey(name string) []byte          { return []byte("agent:" + name) }

func (p *PebbleBackend) getJSON(key []byte, out interface{}) (bool, error) {
	val, closer, err := p.db.Get(key)
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer closer.Close()
	if err := json.Unmarshal(val, out); err != nil {
		return false, fmt.Errorf("memory: corrupt row at %s: %w", key, err)
	}
	return true, nil
}

func (p *PebbleBackend) setJSON(key []byte, v interface{}) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.db.Set(key, buf, pebble.Sync)
}

func (p *PebbleBackend) InsertRow(row *Row) error {
	if err := p.setJSON(rowKey(row.ID), row); err != nil {
		return err
	}
	return p.db.Set(rowIndexKey(row.DID, row.RKey), []byte(row.ID), pebble.Sync)
}

func (p *PebbleBackend) GetRow(id string) (*Row, error) {
	var row Row
	ok, err := p.getJSON(rowKey(id), &row)
	if err != nil || !ok {
		return nil, err
	}
	return &row, nil
}

func (p *PebbleBackend) UpdateRow(row *Row) error {
	return p.setJSON(rowKey(row.ID), row)
}

func (p *PebbleBackend) ListRows(did, collection string, limit int) ([]*Row, error) {
	prefix := "rowix:" + did + ":"
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: []byte(prefix + "\xff"),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	// The index key embeds the rkey, so a reverse scan is newest first.
	out := make([]*Row, 0, limit)
	for ok := iter.Last(); ok && len(out) < limit; ok = iter.Prev() {
		id := string(iter.Value())
		row, err := p.GetRow(id)
		if err != nil {
			return nil, err
		}
		if row == nil || row.DeletedAt != nil {
			continue
		}
		if collection != "" && row.Collection != collection {
			continue
		}
		out = append(out, row)
	}
	return out, iter.Error()
}

func (p *PebbleBackend) SoftDeleteRow(id string, at time.Time) (bool, error) {
	row, err := p.GetRow(id)
	if err != nil {
		return false, err
	}
	if row == nil || row.DeletedAt != nil {
		return false, nil
	}
	row.DeletedAt = &at
	return true, p.UpdateRow(row)
}

func (p *PebbleBackend) UpsertShare(share *SharedRow) error {
	return p.setJSON(shareKey(share.RecipientDID, share.RecordID), share)
}

func (p *PebbleBackend) GetShare(recordID, recipientDID string) (*SharedRow, error) {
	var share SharedRow
	ok, err := p.getJSON(shareKey(recipientDID, recordID), &share)
	if err != nil || !ok {
		return nil, err
	}
	return &share, nil
}

func (p *PebbleBackend) ListShares(recipientDID string, limit int) ([]*SharedRow, error) {
	prefix := "share:" + recipientDID + "|"
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: []byte(prefix + "\xff"),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var all []*SharedRow
	for ok := iter.First(); ok; ok = iter.Next() {
		var share SharedRow
		if err := json.Unmarshal(iter.Value(), &share); err != nil {
			return nil, err
		}
		all = append(all, &share)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i].SharedAt.After(all[j].SharedAt) })
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (p *PebbleBackend) CreateAgent(agent *AgentRow) error {
	_, closer, err := p.db.Get(agentKey(agent.Name))
	if err == nil {
		closer.Close()
		return ErrAgentExists
	}
	if err != pebble.ErrNotFound {
		return err
	}
	return p.setJSON(agentKey(agent.Name), agent)
}

func (p *PebbleBackend) GetAgent(name string) (*AgentRow, error) {
	var agent AgentRow
	ok, err := p.getJSON(agentKey(name), &agent)
	if err != nil || !ok {
		return nil, err
	}
	return &agent, nil
}

func (p *PebbleBackend) ListAgents() ([]*AgentRow, error) {
	iter, err := p.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("agent:"),
		UpperBound: []byte("agent:\xff"),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*AgentRow
	for ok := iter.First(); ok; ok = iter.Next() {
		var agent AgentRow
		if err := json.Unmarshal(iter.Value(), &agent); err != nil {
			return nil, err
		}
		out = append(out, &agent)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
