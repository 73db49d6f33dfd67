package mesh

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSyncthingNotifyTriggersRescan(t *testing.T) {
	var gotPath, gotKey, gotFolder string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-API-Key")
		gotFolder = r.URL.Query().Get("folder")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewSyncthing(SyncthingOptions{
		APIURL:   srv.URL,
		APIKey:   "secret",
		FolderID: "music",
	}, zap.NewNop())

	err := s.NotifyHarvested(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Equal(t, "/rest/db/scan", gotPath)
	require.Equal(t, "secret", gotKey)
	require.Equal(t, "music", gotFolder)
}

func TestSyncthingNotifySkipsEmptyBatch(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	s := NewSyncthing(SyncthingOptions{APIURL: srv.URL, FolderID: "music"}, zap.NewNop())
	require.NoError(t, s.NotifyHarvested(context.Background(), nil))
	require.False(t, called)
}

func TestSyncthingNotifySurfacesBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	s := NewSyncthing(SyncthingOptions{APIURL: srv.URL, FolderID: "music"}, zap.NewNop())
	err := s.NotifyHarvested(context.Background(), []string{"a"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "403")
}

func TestNewSelectsProvider(t *testing.T) {
	n, err := New(context.Background(), Options{Provider: ProviderNoop}, zap.NewNop())
	require.NoError(t, err)
	require.IsType(t, NoopNotifier{}, n)

	n, err = New(context.Background(), Options{Provider: ProviderSyncthing, SyncthingAPIURL: "http://localhost:8384"}, zap.NewNop())
	require.NoError(t, err)
	require.IsType(t, &Syncthing{}, n)

	_, err = New(context.Background(), Options{Provider: "carrier-pigeon"}, zap.NewNop())
	require.Error(t, err)
}
