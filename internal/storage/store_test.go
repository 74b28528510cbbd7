package storage

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/suite"

	"github.com/srg/btstate/internal/device"
)

// StoreTestSuite exercises the policy store against a real database file.
type StoreTestSuite struct {
	suite.Suite
	path  string
	store *Store

	mu      sync.Mutex
	changes []Change
}

func (s *StoreTestSuite) SetupTest() {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	s.path = filepath.Join(s.T().TempDir(), "btstate.db")

	store, err := Open(s.path, logger)
	s.Require().NoError(err)
	s.store = store
	s.changes = nil
	s.store.OnChange(func(c Change) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.changes = append(s.changes, c)
	})
}

func (s *StoreTestSuite) TearDownTest() {
	s.Require().NoError(s.store.Close())
}

func (s *StoreTestSuite) recorded() []Change {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Change, len(s.changes))
	copy(out, s.changes)
	return out
}

const testAddr = "AA:BB:CC:DD:EE:FF"

// TestSetPolicyValidation: GOAL verify only the three legal policy values are
// accepted, and an illegal value on an unknown device creates no record.
func (s *StoreTestSuite) TestSetPolicyValidation() {
	s.Require().NoError(s.store.SetPolicy(testAddr, "audio", PolicyAllowed))
	s.Equal(PolicyAllowed, s.store.Policy(testAddr, "audio"))

	err := s.store.SetPolicy("11:22:33:44:55:66", "audio", Policy(12345))
	s.ErrorIs(err, ErrInvalidPolicy)
	s.False(s.store.Has("11:22:33:44:55:66"), "failed write MUST NOT create a record")

	// The existing value survives a later invalid write.
	s.ErrorIs(s.store.SetPolicy(testAddr, "audio", Policy(7)), ErrInvalidPolicy)
	s.Equal(PolicyAllowed, s.store.Policy(testAddr, "audio"))
}

// TestReadYourWrites: GOAL verify reads observe a write before any durable
// flush has a chance to complete.
func (s *StoreTestSuite) TestReadYourWrites() {
	s.Require().NoError(s.store.SetPolicy(testAddr, "input", PolicyForbidden))
	// No Flush on purpose.
	s.Equal(PolicyForbidden, s.store.Policy(testAddr, "input"))
}

// TestUnknownPolicyDefault: GOAL verify missing entries read as unknown.
func (s *StoreTestSuite) TestUnknownPolicyDefault() {
	s.Equal(PolicyUnknown, s.store.Policy(testAddr, "audio"))
}

// TestChangeCallbackMayReadBack: GOAL verify the change callback can issue a
// read against the store and observe the just-written value, without
// deadlock.
func (s *StoreTestSuite) TestChangeCallbackMayReadBack() {
	var observed Policy
	s.store.OnChange(func(c Change) {
		observed = s.store.Policy(c.Address, c.Profile)
	})

	s.Require().NoError(s.store.SetPolicy(testAddr, "audio", PolicyForbidden))
	s.Equal(PolicyForbidden, observed)
}

// TestFeatureFlags: GOAL verify feature flag validation and defaults.
func (s *StoreTestSuite) TestFeatureFlags() {
	flags := s.store.Features(testAddr, "audio")
	s.Equal(FeatureUnknown, flags.Supported)
	s.Equal(FeatureUnknown, flags.Enabled)

	s.Require().NoError(s.store.SetFeatureSupported(testAddr, "audio", FeatureSupported))
	s.Require().NoError(s.store.SetFeatureEnabled(testAddr, "audio", FeatureEnabled))

	flags = s.store.Features(testAddr, "audio")
	s.Equal(FeatureSupported, flags.Supported)
	s.Equal(FeatureEnabled, flags.Enabled)

	s.ErrorIs(s.store.SetFeatureSupported(testAddr, "audio", 42), ErrInvalidFeatureValue)
}

// TestMetadataValidation: GOAL verify only enumerated keys are stored.
func (s *StoreTestSuite) TestMetadataValidation() {
	s.Require().NoError(s.store.SetMetadata(testAddr, device.MetadataModelName, []byte("QC45")))
	s.Equal([]byte("QC45"), s.store.Metadata(testAddr, device.MetadataModelName))

	s.ErrorIs(s.store.SetMetadata(testAddr, device.MetadataKey(99), []byte("x")), ErrUnknownMetadataKey)
	s.Nil(s.store.Metadata(testAddr, device.MetadataKey(99)))
}

// TestReentrantWriteFlushesInCommitOrder: GOAL verify that a nested write
// issued from the change callback reaches disk after the outer write, so the
// durable state agrees with the mirror once both flushes land.
func (s *StoreTestSuite) TestReentrantWriteFlushesInCommitOrder() {
	nested := false
	s.store.OnChange(func(c Change) {
		if !nested {
			nested = true
			s.Require().NoError(s.store.SetMetadata(testAddr, device.MetadataModelName, []byte("SECOND")))
		}
	})

	s.Require().NoError(s.store.SetMetadata(testAddr, device.MetadataModelName, []byte("FIRST")))
	s.Equal([]byte("SECOND"), s.store.Metadata(testAddr, device.MetadataModelName))

	s.store.Flush()
	s.Require().NoError(s.store.Close())
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	reopened, err := Open(s.path, logger)
	s.Require().NoError(err)
	s.store = reopened

	s.Equal([]byte("SECOND"), s.store.Metadata(testAddr, device.MetadataModelName),
		"disk MUST hold the last-committed value, not the older write")
}

// TestMetadataNilValueClearsKey: GOAL verify a nil write removes the key from
// the mirror and from disk, notifying the clearance, matching the registry's
// behavior for the same call.
func (s *StoreTestSuite) TestMetadataNilValueClearsKey() {
	s.Require().NoError(s.store.SetMetadata(testAddr, device.MetadataModelName, []byte("QC45")))
	s.changes = nil

	s.Require().NoError(s.store.SetMetadata(testAddr, device.MetadataModelName, nil))
	s.Nil(s.store.Metadata(testAddr, device.MetadataModelName))

	cleared := s.recorded()
	s.Require().Len(cleared, 1)
	s.Nil(cleared[0].Value, "clearance MUST notify with a nil value")

	s.store.Flush()
	s.Require().NoError(s.store.Close())
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	reopened, err := Open(s.path, logger)
	s.Require().NoError(err)
	s.store = reopened

	s.Nil(s.store.Metadata(testAddr, device.MetadataModelName), "clearance MUST be durable")
}

// TestGarbageCollect: GOAL verify unbonded records are removed with one
// cleared notification per previously-set metadata key, bonded and local
// records untouched.
func (s *StoreTestSuite) TestGarbageCollect() {
	gone := "11:11:11:11:11:11"
	kept := "22:22:22:22:22:22"
	s.Require().NoError(s.store.SetMetadata(gone, device.MetadataManufacturerName, []byte("Acme")))
	s.Require().NoError(s.store.SetMetadata(gone, device.MetadataModelName, []byte("QC45")))
	s.Require().NoError(s.store.SetPolicy(kept, "audio", PolicyAllowed))
	s.changes = nil

	removed := s.store.GarbageCollect([]string{kept})
	s.Equal(1, removed)

	s.False(s.store.Has(gone))
	s.True(s.store.Has(kept))
	s.True(s.store.Has(device.LocalAddress), "bookkeeping record MUST survive")
	s.Equal(PolicyAllowed, s.store.Policy(kept, "audio"), "kept records MUST be untouched")

	cleared := s.recorded()
	s.Require().Len(cleared, 2, "one cleared notification per set key")
	s.Equal(device.MetadataManufacturerName, cleared[0].Key)
	s.Nil(cleared[0].Value)
	s.Equal(device.MetadataModelName, cleared[1].Key)
	s.Nil(cleared[1].Value)
}

// TestFactoryResetPreservesLocalRecord: GOAL verify a factory reset clears
// everything except the bookkeeping record.
func (s *StoreTestSuite) TestFactoryResetPreservesLocalRecord() {
	s.Require().NoError(s.store.SetPolicy(testAddr, "audio", PolicyAllowed))

	s.store.FactoryReset()

	s.False(s.store.Has(testAddr))
	s.True(s.store.Has(device.LocalAddress))
	s.Empty(s.store.Known())
}

// TestDurabilityAcrossReopen: GOAL verify flushed writes survive a close and
// reload into the mirror.
func (s *StoreTestSuite) TestDurabilityAcrossReopen() {
	s.Require().NoError(s.store.SetPolicy(testAddr, "audio", PolicyForbidden))
	s.Require().NoError(s.store.SetFeatureSupported(testAddr, "audio", FeatureSupported))
	s.Require().NoError(s.store.SetMetadata(testAddr, device.MetadataModelName, []byte("QC45")))
	s.store.Flush()
	s.Require().NoError(s.store.Close())

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	reopened, err := Open(s.path, logger)
	s.Require().NoError(err)
	s.store = reopened

	s.Equal(PolicyForbidden, s.store.Policy(testAddr, "audio"))
	s.Equal(FeatureSupported, s.store.Features(testAddr, "audio").Supported)
	s.Equal([]byte("QC45"), s.store.Metadata(testAddr, device.MetadataModelName))
}

// TestAddressNormalization: GOAL verify mixed-case addresses collapse to one
// record.
func (s *StoreTestSuite) TestAddressNormalization() {
	s.Require().NoError(s.store.SetPolicy("aa:bb:cc:dd:ee:ff", "audio", PolicyAllowed))
	s.Equal(PolicyAllowed, s.store.Policy("AA:BB:CC:DD:EE:FF", "audio"))
	s.Len(s.store.Known(), 1)
}

func TestStoreSuite(t *testing.T) {
	suite.Run(t, new(StoreTestSuite))
}

// TestMigrateFromV1 builds a version 1 database by hand, then opens it and
// verifies the data survived both upgrade steps: the feature table exists
// with unknown defaults and renamed metadata blobs are readable.
func TestMigrateFromV1(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	path := filepath.Join(t.TempDir(), "old.db")

	db, err := openDatabase(path)
	if err != nil {
		t.Fatal(err)
	}
	mustExec := func(query string, args ...interface{}) {
		t.Helper()
		if _, err := db.Exec(query, args...); err != nil {
			t.Fatal(err)
		}
	}
	mustExec(schemaV1)
	mustExec(`INSERT INTO schema_version (version) VALUES (1)`)
	mustExec(`INSERT INTO devices (address) VALUES (?)`, testAddr)
	mustExec(`INSERT INTO profile_policy (address, profile, policy) VALUES (?, ?, ?)`, testAddr, "audio", int(PolicyAllowed))
	mustExec(`INSERT INTO metadata (address, key, data) VALUES (?, ?, ?)`, testAddr, int(device.MetadataModelName), []byte("QC45"))
	if err := db.Close(); err != nil {
		t.Fatal(err)
	}

	store, err := Open(path, logger)
	if err != nil {
		t.Fatalf("migration failed: %v", err)
	}
	defer store.Close()

	if got := store.Policy(testAddr, "audio"); got != PolicyAllowed {
		t.Errorf("policy not preserved, got %v", got)
	}
	if got := store.Metadata(testAddr, device.MetadataModelName); string(got) != "QC45" {
		t.Errorf("metadata not preserved across rename, got %q", got)
	}
	if flags := store.Features(testAddr, "audio"); flags.Supported != FeatureUnknown || flags.Enabled != FeatureUnknown {
		t.Errorf("new feature flags must default to unknown, got %+v", flags)
	}

	version, err := schemaVersion(store.db)
	if err != nil {
		t.Fatal(err)
	}
	if version != currentSchemaVersion {
		t.Errorf("expected schema version %d, got %d", currentSchemaVersion, version)
	}
}
