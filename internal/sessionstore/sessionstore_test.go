package sessionstore

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ellipsesearch/rpa/internal/crypto"
	"github.com/ellipsesearch/rpa/internal/models"
)

func newTestStore(t *testing.T, encrypted bool) *Store {
	t.Helper()

	var enc *crypto.Encryptor
	if encrypted {
		key, err := crypto.GenerateKey()
		if err != nil {
			t.Fatalf("GenerateKey() error = %v", err)
		}
		enc, err = crypto.NewEncryptor(key)
		if err != nil {
			t.Fatalf("NewEncryptor() error = %v", err)
		}
	}

	store, err := New(filepath.Join(t.TempDir(), "sessions.db"), enc, slog.Default())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleSession(profileID string, engine models.Engine) *Session {
	return &Session{
		ProfileID: profileID,
		Engine:    engine,
		Cookies: []models.Cookie{
			{Name: "sid", Value: "abc", Domain: ".example.com", Secure: true},
			{Name: "pref", Value: "dark", Expires: float64(time.Now().Add(time.Hour).Unix())},
		},
		LocalStorage: map[string]string{"device-id": "dev-123", "theme": "dark"},
	}
}

func TestSaveLoadRoundtrip(t *testing.T) {
	for _, encrypted := range []bool{false, true} {
		name := "cleartext"
		if encrypted {
			name = "encrypted"
		}
		t.Run(name, func(t *testing.T) {
			store := newTestStore(t, encrypted)

			sess := sampleSession("profile-1", models.EngineChatGPT)
			if err := store.Save(sess); err != nil {
				t.Fatalf("Save() error = %v", err)
			}

			got, err := store.Load("profile-1", models.EngineChatGPT)
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if got == nil {
				t.Fatal("Load() = nil for saved session")
			}
			if len(got.Cookies) != 2 {
				t.Errorf("Load() cookies = %d, want 2", len(got.Cookies))
			}
			if got.Cookies[0].Name != "sid" || got.Cookies[0].Value != "abc" {
				t.Errorf("cookie[0] = %+v", got.Cookies[0])
			}
			if got.LocalStorage["device-id"] != "dev-123" {
				t.Errorf("localStorage = %v", got.LocalStorage)
			}
			if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
				t.Error("timestamps not set")
			}
		})
	}
}

func TestLoadMissing(t *testing.T) {
	store := newTestStore(t, false)

	got, err := store.Load("nobody", models.EngineGrok)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got != nil {
		t.Errorf("Load() of missing session = %+v, want nil", got)
	}
}

func TestLoadFiltersExpiredCookies(t *testing.T) {
	store := newTestStore(t, true)

	sess := &Session{
		ProfileID: "profile-2",
		Engine:    models.EnginePerplexity,
		Cookies: []models.Cookie{
			{Name: "live", Value: "x", Expires: float64(time.Now().Add(time.Hour).Unix())},
			{Name: "dead", Value: "y", Expires: float64(time.Now().Add(-time.Hour).Unix())},
			{Name: "session", Value: "z"}, // no expiry, survives
		},
	}
	if err := store.Save(sess); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := store.Load("profile-2", models.EnginePerplexity)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(got.Cookies) != 2 {
		t.Fatalf("Load() cookies = %d, want 2 (expired dropped)", len(got.Cookies))
	}
	for _, c := range got.Cookies {
		if c.Name == "dead" {
			t.Error("expired cookie survived Load()")
		}
	}
}

func TestUpsert(t *testing.T) {
	store := newTestStore(t, false)

	sess := sampleSession("profile-3", models.EngineGemini)
	if err := store.Save(sess); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	created := sess.CreatedAt

	sess.Cookies = []models.Cookie{{Name: "new", Value: "v2"}}
	if err := store.Save(sess); err != nil {
		t.Fatalf("second Save() error = %v", err)
	}

	got, err := store.Load("profile-3", models.EngineGemini)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(got.Cookies) != 1 || got.Cookies[0].Name != "new" {
		t.Errorf("upsert did not replace cookies: %+v", got.Cookies)
	}
	if !got.CreatedAt.Equal(created.Truncate(time.Second)) && !got.CreatedAt.Equal(created) {
		// RFC3339 round-trips at second precision
		if got.CreatedAt.Unix() != created.Unix() {
			t.Errorf("upsert changed created_at: %v vs %v", got.CreatedAt, created)
		}
	}
}

func TestEnginesAreIsolated(t *testing.T) {
	store := newTestStore(t, false)

	if err := store.Save(sampleSession("profile-4", models.EngineChatGPT)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := store.Load("profile-4", models.EngineGrok)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got != nil {
		t.Error("session for one engine leaked into another")
	}
}

func TestDelete(t *testing.T) {
	store := newTestStore(t, false)

	sess := sampleSession("profile-5", models.EngineChatGPT)
	if err := store.Save(sess); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if err := store.Delete("profile-5", models.EngineChatGPT); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}

	got, _ := store.Load("profile-5", models.EngineChatGPT)
	if got != nil {
		t.Error("session still present after Delete()")
	}
}

func TestDeleteProfile(t *testing.T) {
	store := newTestStore(t, false)

	for _, e := range models.AllEngines {
		if err := store.Save(sampleSession("profile-6", e)); err != nil {
			t.Fatalf("Save(%s) error = %v", e, err)
		}
	}

	if err := store.DeleteProfile("profile-6"); err != nil {
		t.Fatalf("DeleteProfile() error = %v", err)
	}

	for _, e := range models.AllEngines {
		if got, _ := store.Load("profile-6", e); got != nil {
			t.Errorf("session for %s survived DeleteProfile()", e)
		}
	}
}

func TestCleanupOlderThan(t *testing.T) {
	store := newTestStore(t, false)

	if err := store.Save(sampleSession("profile-7", models.EngineChatGPT)); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	// Nothing is older than an hour ago.
	count, err := store.CleanupOlderThan(context.Background(), time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("CleanupOlderThan() error = %v", err)
	}
	if count != 0 {
		t.Errorf("CleanupOlderThan(past) removed %d, want 0", count)
	}

	// Everything is older than a future threshold.
	count, err = store.CleanupOlderThan(context.Background(), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("CleanupOlderThan() error = %v", err)
	}
	if count != 1 {
		t.Errorf("CleanupOlderThan(future) removed %d, want 1", count)
	}
}

func TestEncryptedAtRest(t *testing.T) {
	key, _ := crypto.GenerateKey()
	enc, _ := crypto.NewEncryptor(key)
	store, err := New(filepath.Join(t.TempDir(), "enc.db"), enc, slog.Default())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer store.Close()

	sess := sampleSession("profile-8", models.EngineChatGPT)
	if err := store.Save(sess); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	// The raw column must not contain the cookie value.
	var blob string
	err = store.db.QueryRow("SELECT cookies_blob FROM engine_sessions WHERE profile_id = ?", "profile-8").Scan(&blob)
	if err != nil {
		t.Fatalf("raw query error = %v", err)
	}
	if blob == "" {
		t.Fatal("cookies_blob is empty")
	}
	for _, needle := range []string{"example.com", `"name"`} {
		if strings.Contains(blob, needle) {
			t.Errorf("raw blob leaks %q", needle)
		}
	}
}
