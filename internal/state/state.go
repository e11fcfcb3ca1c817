// Package state is the per-actor durable key/value layer. Each agent
// actor owns a namespaced slice of the shared Pebble database; all of an
// actor's mutations happen on its own goroutine, so no cross-key
// transaction support is needed.
package state

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cockroachdb/pebble"
)

// Well-known actor state keys.
const (
	KeyIdentity           = "identity"
	KeyConfig             = "config"
	KeySession            = "session"
	KeySessionID          = "sessionId"
	KeyLoopRunning        = "loopRunning"
	KeyLoopCount          = "loopCount"
	KeyAlarmMode          = "alarmMode"
	KeyAlarmModeCounter   = "alarmModeCounter"
	KeyErrorBackoff       = "errorBackoff"
	KeyPendingEvents      = "pendingEvents"
	KeyLastAlarmAt        = "lastAlarmAt"
	KeyLastObservations   = "lastObservations"
	KeyLastReflection     = "lastReflection"
	KeyActionOutcomes     = "actionOutcomes"
	KeyGoalsArchive       = "goalsArchive"
	KeyExtensionsReload   = "extensionsReloadNeeded"
	KeyExtensionsHint     = "extensionsHintShown"
	KeyProfile            = "profile"
	KeyCharacter          = "character"
	ExtensionMetricPrefix = "extensionMetrics:"
)

// Store is one actor's namespaced view of the database.
type Store struct {
	db     *pebble.DB
	prefix string
}

// New returns the state store for the named actor.
func New(db *pebble.DB, actor string) *Store {
	return &Store{db: db, prefix: "actor:" + actor + ":"}
}

func (s *Store) key(k string) []byte { return []byte(s.prefix + k) }

// Get unmarshals the value at key into out. Returns false when absent.
func (s *Store) Get(key string, out interface{}) (bool, error) {
	val, closer, err := s.db.Get(s.key(key))
	if err == pebble.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("state: get %s: %w", key, err)
	}
	defer closer.Close()
	if err := json.Unmarshal(val, out); err != nil {
		return false, fmt.Errorf("state: decode %s: %w", key, err)
	}
	return true, nil
}

// Put stores v as JSON under key.
func (s *Store) Put(key string, v interface{}) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("state: encode %s: %w", key, err)
	}
	if err := s.db.Set(s.key(key), buf, pebble.Sync); err != nil {
		return fmt.Errorf("state: put %s: %w", key, err)
	}
	return nil
}

// Delete removes a key. Missing keys are not an error.
func (s *Store) Delete(key string) error {
	return s.db.Delete(s.key(key), pebble.Sync)
}

// Keys lists actor keys with the given prefix (for extensionMetrics:*).
func (s *Store) Keys(prefix string) ([]string, error) {
	full := s.prefix + prefix
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(full),
		UpperBound: []byte(full + "\xff"),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []string
	for ok := iter.First(); ok; ok = iter.Next() {
		out = append(out, strings.TrimPrefix(string(iter.Key()), s.prefix))
	}
	return out, iter.Error()
}
