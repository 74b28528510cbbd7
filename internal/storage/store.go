package storage

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/btstate/internal/actor"
	"github.com/srg/btstate/internal/device"
)

// ChangeKind discriminates Change notifications.
type ChangeKind int

const (
	ChangePolicy ChangeKind = iota
	ChangeFeature
	ChangeMetadata
)

// Change describes one successful write. For ChangeMetadata a nil Value
// means the key was cleared.
type Change struct {
	Kind    ChangeKind
	Address string
	Profile string
	Policy  Policy
	Key     device.MetadataKey
	Value   []byte
}

// ChangeFunc observes successful writes. It is invoked synchronously after
// the mirror has been updated and the write lock released, so it may read
// back from the store without deadlocking.
type ChangeFunc func(Change)

const (
	flushAttempts = 3
	flushBackoff  = 25 * time.Millisecond
)

// Store is the connection-policy store: an in-memory mirror backed by a
// write-behind SQLite database.
type Store struct {
	logger *logrus.Logger
	db     *sql.DB
	writer *actor.Actor

	onChange ChangeFunc

	mu      sync.RWMutex
	records map[string]*Record
}

// Open opens (or creates) the store at path, migrates the schema, and loads
// every persisted record into the mirror. Use ":memory:" for an ephemeral
// store.
func Open(path string, logger *logrus.Logger) (*Store, error) {
	db, err := openDatabase(path)
	if err != nil {
		return nil, err
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		logger:  logger,
		db:      db,
		writer:  actor.New("policy-store-writer", logger),
		records: make(map[string]*Record),
	}
	if err := s.load(); err != nil {
		s.writer.Close()
		_ = db.Close()
		return nil, err
	}
	// The store's own bookkeeping record always exists.
	if _, ok := s.records[device.LocalAddress]; !ok {
		s.records[device.LocalAddress] = newRecord(device.LocalAddress)
		s.enqueue(`INSERT OR IGNORE INTO devices (address) VALUES (?)`, device.LocalAddress)
	}
	return s, nil
}

// OnChange installs the change callback. Install before concurrent use.
func (s *Store) OnChange(fn ChangeFunc) {
	s.onChange = fn
}

// Close drains pending flushes and closes the database.
func (s *Store) Close() error {
	s.writer.Close()
	return s.db.Close()
}

// Flush blocks until every previously enqueued durable write has been
// attempted. Reads never need this; it exists for shutdown and tests.
func (s *Store) Flush() {
	s.writer.PostWait(func() {})
}

func (s *Store) load() error {
	record := func(addr string) *Record {
		r, ok := s.records[addr]
		if !ok {
			r = newRecord(addr)
			s.records[addr] = r
		}
		return r
	}

	rows, err := s.db.Query(`SELECT address FROM devices`)
	if err != nil {
		return fmt.Errorf("failed to load devices: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var addr string
		if err := rows.Scan(&addr); err != nil {
			return err
		}
		record(addr)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	prows, err := s.db.Query(`SELECT address, profile, policy FROM profile_policy`)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	defer prows.Close()
	for prows.Next() {
		var addr, profile string
		var policy int
		if err := prows.Scan(&addr, &profile, &policy); err != nil {
			return err
		}
		record(addr).Policies[profile] = Policy(policy)
	}
	if err := prows.Err(); err != nil {
		return err
	}

	frows, err := s.db.Query(`SELECT address, profile, supported, enabled FROM profile_feature`)
	if err != nil {
		return fmt.Errorf("failed to load features: %w", err)
	}
	defer frows.Close()
	for frows.Next() {
		var addr, profile string
		var flags FeatureFlags
		if err := frows.Scan(&addr, &profile, &flags.Supported, &flags.Enabled); err != nil {
			return err
		}
		record(addr).Features[profile] = flags
	}
	if err := frows.Err(); err != nil {
		return err
	}

	mrows, err := s.db.Query(`SELECT address, key, value FROM metadata ORDER BY key`)
	if err != nil {
		return fmt.Errorf("failed to load metadata: %w", err)
	}
	defer mrows.Close()
	for mrows.Next() {
		var addr string
		var key int
		var value []byte
		if err := mrows.Scan(&addr, &key, &value); err != nil {
			return err
		}
		record(addr).Metadata.Set(device.MetadataKey(key), value)
	}
	return mrows.Err()
}

// enqueue hands a durable write to the writer actor. Callers hold s.mu while
// enqueuing so flushes reach the writer in mirror commit order; a flush
// failure is retried and logged, never surfaced.
func (s *Store) enqueue(query string, args ...interface{}) {
	s.writer.Post(func() {
		var err error
		for attempt := 1; attempt <= flushAttempts; attempt++ {
			if _, err = s.db.Exec(query, args...); err == nil {
				return
			}
			time.Sleep(time.Duration(attempt) * flushBackoff)
		}
		if s.logger != nil {
			s.logger.WithFields(logrus.Fields{
				"query": query,
				"error": err,
			}).Error("Durable flush failed, mirror remains authoritative")
		}
	})
}

func (s *Store) notify(c Change) {
	if s.onChange != nil {
		s.onChange(c)
	}
}

// getOrCreateLocked returns the record for addr, creating it (mirror and
// durable row) on first write. Caller holds s.mu.
func (s *Store) getOrCreateLocked(addr string) *Record {
	r, ok := s.records[addr]
	if !ok {
		r = newRecord(addr)
		s.records[addr] = r
		s.enqueue(`INSERT OR IGNORE INTO devices (address) VALUES (?)`, addr)
	}
	return r
}

// SetPolicy stores the connection policy for (addr, profile). Only the three
// legal values succeed; anything else fails without touching stored state.
func (s *Store) SetPolicy(addr, profile string, policy Policy) error {
	if !policy.Valid() {
		return ErrInvalidPolicy
	}
	addr = device.NormalizeAddress(addr)

	// The flush is enqueued before the lock is released so the writer sees
	// updates in mirror commit order; only the callback runs outside.
	s.mu.Lock()
	r := s.getOrCreateLocked(addr)
	r.Policies[profile] = policy
	s.enqueue(`INSERT INTO profile_policy (address, profile, policy) VALUES (?, ?, ?)
		ON CONFLICT (address, profile) DO UPDATE SET policy = excluded.policy`,
		addr, profile, int(policy))
	s.mu.Unlock()

	s.notify(Change{Kind: ChangePolicy, Address: addr, Profile: profile, Policy: policy})

	if s.logger != nil {
		s.logger.WithFields(logrus.Fields{
			"address": addr,
			"profile": profile,
			"policy":  policy.String(),
		}).Debug("Connection policy updated")
	}
	return nil
}

// Policy returns the stored policy for (addr, profile), PolicyUnknown when
// nothing is stored. Served from the mirror.
func (s *Store) Policy(addr, profile string) Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.records[device.NormalizeAddress(addr)]; ok {
		if p, ok := r.Policies[profile]; ok {
			return p
		}
	}
	return PolicyUnknown
}

// SetFeatureSupported stores the optional-feature support flag for
// (addr, profile). Legal values are -1, 0 and 1.
func (s *Store) SetFeatureSupported(addr, profile string, v int) error {
	return s.setFeature(addr, profile, v, true)
}

// SetFeatureEnabled stores the optional-feature enabled flag for
// (addr, profile). Legal values are -1, 0 and 1.
func (s *Store) SetFeatureEnabled(addr, profile string, v int) error {
	return s.setFeature(addr, profile, v, false)
}

func (s *Store) setFeature(addr, profile string, v int, supported bool) error {
	if !validFeature(v) {
		return ErrInvalidFeatureValue
	}
	addr = device.NormalizeAddress(addr)

	s.mu.Lock()
	r := s.getOrCreateLocked(addr)
	flags, ok := r.Features[profile]
	if !ok {
		flags = FeatureFlags{Supported: FeatureUnknown, Enabled: FeatureUnknown}
	}
	if supported {
		flags.Supported = v
	} else {
		flags.Enabled = v
	}
	r.Features[profile] = flags
	s.enqueue(`INSERT INTO profile_feature (address, profile, supported, enabled) VALUES (?, ?, ?, ?)
		ON CONFLICT (address, profile) DO UPDATE SET supported = excluded.supported, enabled = excluded.enabled`,
		addr, profile, flags.Supported, flags.Enabled)
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeFeature, Address: addr, Profile: profile})
	return nil
}

// Features returns the optional-feature flags for (addr, profile), both
// FeatureUnknown when nothing is stored.
func (s *Store) Features(addr, profile string) FeatureFlags {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.records[device.NormalizeAddress(addr)]; ok {
		if flags, ok := r.Features[profile]; ok {
			return flags
		}
	}
	return FeatureFlags{Supported: FeatureUnknown, Enabled: FeatureUnknown}
}

// SetMetadata stores a metadata blob under one of the enumerated keys. A nil
// value clears the key, durably and in the mirror. Unknown keys fail without
// touching stored state.
func (s *Store) SetMetadata(addr string, key device.MetadataKey, value []byte) error {
	if !key.Valid() {
		return ErrUnknownMetadataKey
	}
	addr = device.NormalizeAddress(addr)

	if value == nil {
		s.mu.Lock()
		r := s.getOrCreateLocked(addr)
		r.Metadata.Delete(key)
		s.enqueue(`DELETE FROM metadata WHERE address = ? AND key = ?`, addr, int(key))
		s.mu.Unlock()

		s.notify(Change{Kind: ChangeMetadata, Address: addr, Key: key, Value: nil})
		return nil
	}
	stored := append([]byte(nil), value...)

	s.mu.Lock()
	r := s.getOrCreateLocked(addr)
	r.Metadata.Set(key, stored)
	s.enqueue(`INSERT INTO metadata (address, key, value) VALUES (?, ?, ?)
		ON CONFLICT (address, key) DO UPDATE SET value = excluded.value`,
		addr, int(key), stored)
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeMetadata, Address: addr, Key: key, Value: stored})
	return nil
}

// Metadata returns the blob stored under (addr, key), nil when absent.
func (s *Store) Metadata(addr string, key device.MetadataKey) []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.records[device.NormalizeAddress(addr)]; ok {
		if v, ok := r.Metadata.Get(key); ok {
			return append([]byte(nil), v...)
		}
	}
	return nil
}

// Known returns every stored device address, the bookkeeping record
// excluded.
func (s *Store) Known() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.records))
	for addr := range s.records {
		if addr != device.LocalAddress {
			out = append(out, addr)
		}
	}
	return out
}

// Has reports whether a record exists for addr.
func (s *Store) Has(addr string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[device.NormalizeAddress(addr)]
	return ok
}

// GarbageCollect deletes every record whose address is absent from bonded,
// firing a cleared notification for each previously-set metadata key of each
// removed record. The bookkeeping record is kept. It returns the number of
// removed records.
func (s *Store) GarbageCollect(bonded []string) int {
	keep := make(map[string]struct{}, len(bonded)+1)
	keep[device.LocalAddress] = struct{}{}
	for _, addr := range bonded {
		keep[device.NormalizeAddress(addr)] = struct{}{}
	}

	s.mu.Lock()
	var removed []*Record
	for addr, r := range s.records {
		if _, ok := keep[addr]; !ok {
			delete(s.records, addr)
			removed = append(removed, r)
			s.enqueue(`DELETE FROM devices WHERE address = ?`, r.Address)
		}
	}
	s.mu.Unlock()

	for _, r := range removed {
		for _, key := range r.metadataKeys() {
			s.notify(Change{Kind: ChangeMetadata, Address: r.Address, Key: key, Value: nil})
		}
		if s.logger != nil {
			s.logger.WithField("address", r.Address).Info("Unbonded device record removed")
		}
	}
	return len(removed)
}

// FactoryReset clears every device record but preserves the store's own
// bookkeeping record.
func (s *Store) FactoryReset() {
	s.mu.Lock()
	for addr := range s.records {
		if addr != device.LocalAddress {
			delete(s.records, addr)
		}
	}
	s.enqueue(`DELETE FROM devices WHERE address != ?`, device.LocalAddress)
	s.mu.Unlock()

	if s.logger != nil {
		s.logger.Info("Policy store factory reset")
	}
}
