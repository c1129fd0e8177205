package license

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gymdesk/internal/security"
	"gymdesk/internal/shared/testutil"
	"gymdesk/pkg/contracts/domain"
)

type staticFingerprint string

func (f staticFingerprint) GenerateFingerprint(context.Context) string { return string(f) }

const (
	deviceA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	deviceB = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
)

func newTestStore(t *testing.T, fp string) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "license.cache"), staticFingerprint(fp), nil)
}

func sampleRecord() *CachedLicenseRecord {
	issued := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return &CachedLicenseRecord{
		LicenseKey:        testutil.ValidLicenseKey,
		DeviceFingerprint: deviceA,
		AppVersion:        "2.4.0",
		License: &domain.LicenseInfo{
			Type:       "annual",
			GymName:    "Iron Temple",
			MaxDevices: 2,
			Features:   []string{"members", "billing"},
			IssuedAt:   &issued,
		},
		ActivationToken:       "header.payload.signature",
		PublicKeyBundle:       &domain.PublicKeyBundle{PublicKey: "pem", Algorithm: "RS256", KeyID: "k1"},
		LastValidated:         issued.Add(time.Hour),
		ValidateIntervalHours: 24,
		OfflineGraceHours:     72,
		Integrity:             &domain.IntegritySnapshot{ManifestPayload: `{"appVersion":"2.4.0"}`, Signature: "c2ln", CheckedAt: issued},
		CachedAt:              issued.Add(time.Hour),
	}
}

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, deviceA)

	tests := []struct {
		name   string
		record *CachedLicenseRecord
	}{
		{"full record", sampleRecord()},
		{"minimal record", &CachedLicenseRecord{LicenseKey: "GYM-MINI-0001"}},
		{"dev bypass record", &CachedLicenseRecord{LicenseKey: "DEV-BYPASS-KEY", DevBypass: true, License: &domain.LicenseInfo{Type: "developer"}}},
		{"unicode gym name", &CachedLicenseRecord{LicenseKey: "GYM-UNI-0001", License: &domain.LicenseInfo{GymName: "Fitness Zürich 💪"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, store.Save(ctx, tt.record))

			loaded, err := store.Load(ctx)
			require.NoError(t, err)
			require.NotNil(t, loaded)
			assert.Equal(t, tt.record, loaded)
		})
	}
}

func TestStore_LoadMissing(t *testing.T) {
	record, err := newTestStore(t, deviceA).Load(context.Background())
	assert.NoError(t, err)
	assert.Nil(t, record)
}

func TestStore_FileIsEncrypted(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, deviceA)
	require.NoError(t, store.Save(ctx, sampleRecord()))

	raw, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	assert.NotContains(t, string(raw), testutil.ValidLicenseKey)
	assert.NotContains(t, string(raw), "Iron Temple")
	assert.Equal(t, 1, strings.Count(string(raw), ":"))

	info, err := os.Stat(store.Path())
	require.NoError(t, err)
	if os.PathSeparator == '/' {
		assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	}
}

func TestStore_SaveOverwritesSingleFile(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, deviceA)

	first := sampleRecord()
	require.NoError(t, store.Save(ctx, first))
	second := sampleRecord()
	second.ActivationToken = "second.token.value"
	require.NoError(t, store.Save(ctx, second))

	entries, err := os.ReadDir(filepath.Dir(store.Path()))
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	loaded, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "second.token.value", loaded.ActivationToken)
}

func TestStore_CorruptCacheQuarantined(t *testing.T) {
	tests := []struct {
		name    string
		content func(t *testing.T, path string)
	}{
		{"no delimiter", func(t *testing.T, path string) {
			require.NoError(t, os.WriteFile(path, []byte("deadbeef"), 0o600))
		}},
		{"garbage ciphertext", func(t *testing.T, path string) {
			require.NoError(t, os.WriteFile(path, []byte("000102030405060708090a0b:ffff"), 0o600))
		}},
		{"other device", func(t *testing.T, path string) {
			other := NewStore(path, staticFingerprint(deviceB), nil)
			require.NoError(t, other.Save(context.Background(), sampleRecord()))
		}},
		{"valid cipher, not a record", func(t *testing.T, path string) {
			other := NewStore(path, staticFingerprint(deviceA), nil)
			require.NoError(t, other.Save(context.Background(), &CachedLicenseRecord{}))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, handler := testutil.NewTestLogger(t)
			dir := t.TempDir()
			path := filepath.Join(dir, "license.cache")
			tt.content(t, path)

			store := NewStore(path, staticFingerprint(deviceA), logger)
			record, err := store.Load(context.Background())
			require.NoError(t, err)
			assert.Nil(t, record)

			_, err = os.Stat(path)
			assert.True(t, os.IsNotExist(err), "corrupt cache should be moved aside")

			matches, err := filepath.Glob(filepath.Join(dir, "license.cache.corrupt-*"))
			require.NoError(t, err)
			assert.Len(t, matches, 1)
			assert.True(t, handler.ContainsMessage("corrupt license cache quarantined"))
		})
	}
}

func TestStore_Clear(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, deviceA)

	cleared, err := store.Clear(ctx)
	require.NoError(t, err)
	assert.False(t, cleared)

	require.NoError(t, store.Save(ctx, sampleRecord()))
	cleared, err = store.Clear(ctx)
	require.NoError(t, err)
	assert.True(t, cleared)

	record, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestStore_CloseWipesKey(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t, deviceA)
	require.NoError(t, store.Save(ctx, sampleRecord()))

	c, err := store.cacheCipher(ctx)
	require.NoError(t, err)

	store.Close()
	store.Close()

	_, err = c.Seal([]byte("x"))
	assert.ErrorIs(t, err, security.ErrCipherDestroyed)

	_, err = store.Load(ctx)
	assert.ErrorIs(t, err, ErrStoreClosed)
	assert.ErrorIs(t, store.Save(ctx, sampleRecord()), ErrStoreClosed)

	// The sealed file survives and opens with a fresh key
	record, err := NewStore(store.Path(), staticFingerprint(deviceA), nil).Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, testutil.ValidLicenseKey, record.LicenseKey)
}

func TestStore_SaveCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "data", "license.cache")
	store := NewStore(path, staticFingerprint(deviceA), nil)

	require.NoError(t, store.Save(context.Background(), sampleRecord()))
	_, err := os.Stat(path)
	assert.NoError(t, err)
}
