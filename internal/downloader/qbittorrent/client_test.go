package qbittorrent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windlass/windlass/internal/downloader/types"
)

const sessionCookie = "SID=abc123"

func loginHandler(t *testing.T, next http.HandlerFunc) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/v2/auth/login" {
			require.NoError(t, r.ParseForm())
			if r.PostForm.Get("username") != "admin" || r.PostForm.Get("password") != "secret" {
				w.Write([]byte("Fails."))
				return
			}
			w.Header().Set("Set-Cookie", sessionCookie)
			w.Write([]byte("Ok."))
			return
		}
		next(w, r)
	}
}

func newTestClient(t *testing.T, cfg Config, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(loginHandler(t, handler))
	t.Cleanup(server.Close)

	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	cfg.Host = u.Hostname()
	cfg.Port = port
	if cfg.Username == "" {
		cfg.Username = "admin"
		cfg.Password = "secret"
	}
	return New(&cfg)
}

func TestClient_Type(t *testing.T) {
	client := NewFromConfig(&types.ClientConfig{})
	assert.Equal(t, types.ClientTypeQBittorrent, client.Type())
	assert.Equal(t, types.ProtocolTorrent, client.Protocol())
}

func TestClient_Test(t *testing.T) {
	client := newTestClient(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v2/app/version", r.URL.Path)
		w.Write([]byte("v5.0.0"))
	})

	require.NoError(t, client.Test(context.Background()))
}

func TestClient_TestBadCredentials(t *testing.T) {
	client := newTestClient(t, Config{Username: "admin", Password: "wrong"}, func(w http.ResponseWriter, r *http.Request) {
		t.Error("should not reach the API without a session")
	})

	err := client.Test(context.Background())
	assert.ErrorIs(t, err, types.ErrAuthFailed)
}

func TestClient_ReloginAfterSessionExpiry(t *testing.T) {
	logins := 0
	apiCalls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v2/auth/login":
			logins++
			w.Write([]byte("Ok."))
		case "/api/v2/app/version":
			apiCalls++
			if apiCalls == 1 {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			w.Write([]byte("v5.0.0"))
		}
	}))
	defer server.Close()

	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	client := New(&Config{Host: u.Hostname(), Port: port})
	require.NoError(t, client.Test(context.Background()))
	assert.Equal(t, 2, logins)
	assert.Equal(t, 2, apiCalls)
}

func torrentFixture(overrides map[string]interface{}) map[string]interface{} {
	fixture := map[string]interface{}{
		"hash":         "deadbeef01",
		"name":         "Movie.2024.1080p.BluRay.x264-GRP",
		"state":        "downloading",
		"size":         int64(8_000_000_000),
		"amount_left":  int64(4_000_000_000),
		"eta":          120,
		"save_path":    "/data/downloads/movies",
		"content_path": "/data/downloads/movies/Movie.2024.1080p.BluRay.x264-GRP",
		"category":     "movies",
		"tags":         "",
		"ratio":        0.1,
		"max_ratio":    -1,
		"progress":     0.5,
	}
	for k, v := range overrides {
		fixture[k] = v
	}
	return fixture
}

func getItemsClient(t *testing.T, cfg Config, torrents ...map[string]interface{}) *Client {
	t.Helper()
	return newTestClient(t, cfg, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v2/torrents/info", r.URL.Path)
		if cfg.Category != "" {
			assert.Equal(t, cfg.Category, r.URL.Query().Get("category"))
		}
		json.NewEncoder(w).Encode(torrents)
	})
}

func TestClient_GetItems(t *testing.T) {
	client := getItemsClient(t, Config{Category: "movies"}, torrentFixture(nil))

	items, err := client.GetItems(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)

	item := items[0]
	assert.Equal(t, "DEADBEEF01", item.DownloadID)
	assert.Equal(t, types.StatusDownloading, item.Status)
	assert.Equal(t, int64(8_000_000_000), item.TotalSize)
	assert.Equal(t, int64(4_000_000_000), item.RemainingSize)
	assert.Equal(t, "/data/downloads/movies/Movie.2024.1080p.BluRay.x264-GRP", item.OutputPath)
}

func TestClient_GetItemsTagFilter(t *testing.T) {
	client := getItemsClient(t, Config{Tags: []string{"windlass", "movies"}},
		torrentFixture(map[string]interface{}{"tags": "windlass, movies"}),
		torrentFixture(map[string]interface{}{"hash": "partial", "tags": "windlass"}),
	)

	items, err := client.GetItems(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "DEADBEEF01", items[0].DownloadID)
}

func TestClient_GetItemsStateMapping(t *testing.T) {
	tests := []struct {
		state string
		want  types.Status
	}{
		{"downloading", types.StatusDownloading},
		{"metaDL", types.StatusQueued},
		{"queuedDL", types.StatusQueued},
		{"pausedDL", types.StatusPaused},
		{"stalledDL", types.StatusWarning},
		{"error", types.StatusWarning},
		{"missingFiles", types.StatusWarning},
		{"uploading", types.StatusCompleted},
		{"stalledUP", types.StatusCompleted},
		{"pausedUP", types.StatusCompleted},
		{"moving", types.StatusDownloading},
	}

	for _, tt := range tests {
		t.Run(tt.state, func(t *testing.T) {
			client := getItemsClient(t, Config{}, torrentFixture(map[string]interface{}{"state": tt.state}))
			items, err := client.GetItems(context.Background())
			require.NoError(t, err)
			require.Len(t, items, 1)
			assert.Equal(t, tt.want, items[0].Status)
		})
	}
}

func TestClient_GetItemsSeedCriteria(t *testing.T) {
	target := 1.0

	t.Run("paused up always removable", func(t *testing.T) {
		client := getItemsClient(t, Config{SeedRatioTarget: &target},
			torrentFixture(map[string]interface{}{"state": "pausedUP", "ratio": 0.2}))
		items, err := client.GetItems(context.Background())
		require.NoError(t, err)
		assert.True(t, items[0].CanBeRemoved)
		assert.True(t, items[0].CanMoveFiles)
	})

	t.Run("seeding below target", func(t *testing.T) {
		client := getItemsClient(t, Config{SeedRatioTarget: &target},
			torrentFixture(map[string]interface{}{"state": "uploading", "ratio": 0.4}))
		items, err := client.GetItems(context.Background())
		require.NoError(t, err)
		assert.Equal(t, types.StatusCompleted, items[0].Status)
		assert.False(t, items[0].CanBeRemoved)
	})

	t.Run("seeding at per torrent limit", func(t *testing.T) {
		client := getItemsClient(t, Config{},
			torrentFixture(map[string]interface{}{"state": "uploading", "ratio": 2.1, "max_ratio": 2.0}))
		items, err := client.GetItems(context.Background())
		require.NoError(t, err)
		assert.True(t, items[0].CanBeRemoved)
	})
}

func TestClient_GetItemsRemotePathMapping(t *testing.T) {
	client := getItemsClient(t, Config{
		RemotePathMappings: []types.RemotePathMapping{
			{RemotePath: "/data/downloads", LocalPath: "/mnt/nas"},
		},
	}, torrentFixture(nil))

	items, err := client.GetItems(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "/mnt/nas/movies/Movie.2024.1080p.BluRay.x264-GRP", items[0].OutputPath)
}

func TestClient_Add(t *testing.T) {
	var gotForm url.Values
	client := newTestClient(t, Config{Category: "movies", Tags: []string{"windlass"}}, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v2/torrents/add", r.URL.Path)
		require.NoError(t, r.ParseForm())
		gotForm = r.PostForm
		w.Write([]byte("Ok."))
	})

	id, err := client.Add(context.Background(), types.AddOptions{
		URL: "magnet:?xt=urn:btih:deadbeef01&dn=Movie",
	})
	require.NoError(t, err)
	assert.Equal(t, "DEADBEEF01", id)
	assert.Equal(t, "movies", gotForm.Get("category"))
	assert.Equal(t, "windlass", gotForm.Get("tags"))
}

func TestClient_Remove(t *testing.T) {
	var gotForm url.Values
	client := newTestClient(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v2/torrents/delete", r.URL.Path)
		require.NoError(t, r.ParseForm())
		gotForm = r.PostForm
	})

	require.NoError(t, client.Remove(context.Background(), "DEADBEEF01", true))
	assert.Equal(t, "deadbeef01", gotForm.Get("hashes"))
	assert.Equal(t, "true", gotForm.Get("deleteFiles"))
}

func TestClient_Status(t *testing.T) {
	client := newTestClient(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v2/app/defaultSavePath", r.URL.Path)
		w.Write([]byte("/data/downloads"))
	})

	status, err := client.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, status.IsLocalhost)
	assert.Equal(t, []string{"/data/downloads"}, status.OutputRootFolders)
}
