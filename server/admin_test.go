package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/hrygo/microclaw/internal/profile"
	"github.com/hrygo/microclaw/internal/version"
	"github.com/hrygo/microclaw/store"
	"github.com/hrygo/microclaw/store/db/sqlite"
)

func newTestServer(t *testing.T, mutate func(p *profile.Profile)) (*Server, *store.Store) {
	t.Helper()
	ctx := context.Background()
	p := &profile.Profile{
		Mode:             "dev",
		Driver:           "sqlite",
		DSN:              filepath.Join(t.TempDir(), "test.db"),
		Data:             t.TempDir(),
		Timezone:         "UTC",
		MainFolder:       "main",
		AssistantName:    "Andy",
		PollInterval:     time.Second,
		ShutdownDeadline: time.Second,
	}
	if mutate != nil {
		mutate(p)
	}
	driver, err := sqlite.NewDB(p)
	require.NoError(t, err)
	t.Cleanup(func() { _ = driver.Close() })
	st := store.New(driver, p)
	require.NoError(t, st.Migrate(ctx))

	s, err := NewServer(ctx, p, st)
	require.NoError(t, err)
	return s, st
}

func doJSON(t *testing.T, s *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = strings.NewReader(string(raw))
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.echoServer.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := doJSON(t, s, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"ok"`)
	require.Contains(t, rec.Body.String(), `"active_groups":[]`)
	require.NotContains(t, rec.Body.String(), `"compatible"`)
}

func TestHealthzReportsMinVersionCompatibility(t *testing.T) {
	s, _ := newTestServer(t, nil)

	rec := doJSON(t, s, http.MethodGet, "/healthz?min_version=99.0.0", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"compatible":false`)

	rec = doJSON(t, s, http.MethodGet, "/healthz?min_version="+version.Version, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"compatible":true`)
}

// busyProc stands in for a live agent so the queue reports its group.
type busyProc struct{}

func (busyProc) WriteLine(string) error { return nil }
func (busyProc) CloseStdin() error      { return nil }
func (busyProc) Kill()                  {}

func TestHealthzListsActiveGroups(t *testing.T) {
	s, _ := newTestServer(t, nil)
	s.queue.RegisterProcess("busy@g.us", busyProc{})

	rec := doJSON(t, s, http.MethodGet, "/healthz", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"active_groups":["busy@g.us"]`)
}

func TestMetricsEndpoint(t *testing.T) {
	s, _ := newTestServer(t, nil)
	s.metrics.Polls.Inc()
	rec := doJSON(t, s, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "microclaw_polls_total")
}

func TestRegisterAndListGroups(t *testing.T) {
	s, st := newTestServer(t, nil)
	rec := doJSON(t, s, http.MethodPost, "/api/v1/groups", "", groupRegistration{
		JID: "fam@g.us", Name: "Family", Folder: "family", RequiresTrigger: true,
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodGet, "/api/v1/groups", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []groupRegistration
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listed))
	require.Len(t, listed, 1)
	require.Equal(t, "family", listed[0].Folder)

	group, err := st.GetRegisteredGroup(context.Background(), "fam@g.us")
	require.NoError(t, err)
	require.NotNil(t, group)
	require.True(t, group.RequiresTrigger)
}

func TestRegisterRejectsBadFolder(t *testing.T) {
	s, st := newTestServer(t, nil)
	for _, folder := range []string{"", "../escape", "has space", "a/b"} {
		rec := doJSON(t, s, http.MethodPost, "/api/v1/groups", "", groupRegistration{
			JID: "x@g.us", Folder: folder,
		})
		require.Equal(t, http.StatusBadRequest, rec.Code, "folder %q", folder)
	}
	groups, err := st.ListRegisteredGroups(context.Background())
	require.NoError(t, err)
	require.Empty(t, groups, "rejected registrations must not mutate the registry")
}

func TestRegisterRejectsSecondMainGroup(t *testing.T) {
	s, _ := newTestServer(t, nil)
	rec := doJSON(t, s, http.MethodPost, "/api/v1/groups", "", groupRegistration{
		JID: "one@g.us", Folder: "main",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/v1/groups", "", groupRegistration{
		JID: "two@g.us", Folder: "main",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	// Re-registering the same JID under main is an update, not a conflict.
	rec = doJSON(t, s, http.MethodPost, "/api/v1/groups", "", groupRegistration{
		JID: "one@g.us", Name: "renamed", Folder: "main",
	})
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestUnregisterGroup(t *testing.T) {
	s, st := newTestServer(t, nil)
	_, err := st.UpsertRegisteredGroup(context.Background(), &store.RegisteredGroup{
		JID: "bye@g.us", Folder: "bye",
	})
	require.NoError(t, err)

	rec := doJSON(t, s, http.MethodDelete, "/api/v1/groups/bye@g.us", "", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	group, err := st.GetRegisteredGroup(context.Background(), "bye@g.us")
	require.NoError(t, err)
	require.Nil(t, group)
}

func TestAdminTokenGuard(t *testing.T) {
	hash, err := bcrypt.GenerateFromPassword([]byte("sesame"), bcrypt.MinCost)
	require.NoError(t, err)
	s, _ := newTestServer(t, func(p *profile.Profile) {
		p.AdminTokenHash = string(hash)
	})

	body := groupRegistration{JID: "fam@g.us", Folder: "family"}
	rec := doJSON(t, s, http.MethodPost, "/api/v1/groups", "", body)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/v1/groups", "wrong", body)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, s, http.MethodPost, "/api/v1/groups", "sesame", body)
	require.Equal(t, http.StatusOK, rec.Code)

	// Reads stay open.
	rec = doJSON(t, s, http.MethodGet, "/api/v1/groups", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestProdWithoutTokenHashLocksMutations(t *testing.T) {
	s, _ := newTestServer(t, func(p *profile.Profile) {
		p.Mode = "prod"
	})
	rec := doJSON(t, s, http.MethodPost, "/api/v1/groups", "", groupRegistration{
		JID: "fam@g.us", Folder: "family",
	})
	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestNewServerRejectsDuplicateMainAtBoot(t *testing.T) {
	ctx := context.Background()
	p := &profile.Profile{
		Mode:       "dev",
		Driver:     "sqlite",
		DSN:        filepath.Join(t.TempDir(), "test.db"),
		Data:       t.TempDir(),
		Timezone:   "UTC",
		MainFolder: "main",
	}
	driver, err := sqlite.NewDB(p)
	require.NoError(t, err)
	t.Cleanup(func() { _ = driver.Close() })
	st := store.New(driver, p)
	require.NoError(t, st.Migrate(ctx))
	for _, jid := range []string{"a@g.us", "b@g.us"} {
		_, err := st.UpsertRegisteredGroup(ctx, &store.RegisteredGroup{JID: jid, Folder: "main"})
		require.NoError(t, err)
	}

	_, err = NewServer(ctx, p, st)
	require.Error(t, err)
	require.Contains(t, err.Error(), "main folder")
}
