package transmission

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windlass/windlass/internal/downloader/types"
)

func newTestClient(t *testing.T, cfg Config, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	cfg.Host = u.Hostname()
	cfg.Port = port
	return New(&cfg), server
}

func rpcHandler(t *testing.T, handle func(method string, args map[string]interface{}) map[string]interface{}) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		args := handle(req.Method, req.Arguments)
		json.NewEncoder(w).Encode(rpcResponse{Result: "success", Arguments: args})
	}
}

func TestClient_Type(t *testing.T) {
	client := NewFromConfig(&types.ClientConfig{})
	assert.Equal(t, types.ClientTypeTransmission, client.Type())
	assert.Equal(t, types.ProtocolTorrent, client.Protocol())
}

func TestClient_SessionHandshake(t *testing.T) {
	calls := 0
	client, _ := newTestClient(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.Header.Get(sessionIDHeader) == "" {
			w.Header().Set(sessionIDHeader, "session-1")
			w.WriteHeader(http.StatusConflict)
			return
		}
		assert.Equal(t, "session-1", r.Header.Get(sessionIDHeader))
		json.NewEncoder(w).Encode(rpcResponse{Result: "success", Arguments: map[string]interface{}{}})
	})

	err := client.Test(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestClient_TestAuthFailure(t *testing.T) {
	client, _ := newTestClient(t, Config{}, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	err := client.Test(context.Background())
	assert.ErrorIs(t, err, types.ErrAuthFailed)
}

func torrentFixture(overrides map[string]interface{}) map[string]interface{} {
	torrent := map[string]interface{}{
		"hashString":    "deadbeef01",
		"name":          "Movie.2024.1080p.BluRay.x264-GRP",
		"status":        float64(4),
		"percentDone":   0.5,
		"sizeWhenDone":  float64(8_000_000_000),
		"leftUntilDone": float64(4_000_000_000),
		"eta":           float64(120),
		"downloadDir":   "/data/downloads/movies",
		"uploadRatio":   0.1,
		"labels":        []interface{}{},
		"error":         float64(0),
		"isFinished":    false,
	}
	for k, v := range overrides {
		torrent[k] = v
	}
	return torrent
}

func getItemsClient(t *testing.T, cfg Config, torrents ...map[string]interface{}) *Client {
	t.Helper()
	raw := make([]interface{}, 0, len(torrents))
	for _, tor := range torrents {
		raw = append(raw, tor)
	}
	client, _ := newTestClient(t, cfg, rpcHandler(t, func(method string, _ map[string]interface{}) map[string]interface{} {
		require.Equal(t, "torrent-get", method)
		return map[string]interface{}{"torrents": raw}
	}))
	return client
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
	assert.Equal(t, 2*time.Minute, item.RemainingTime)
	assert.Equal(t, "/data/downloads/movies/Movie.2024.1080p.BluRay.x264-GRP", item.OutputPath)
	assert.False(t, item.CanBeRemoved)
	assert.False(t, item.CanMoveFiles)
}

func TestClient_GetItemsOutputPathFromFiles(t *testing.T) {
	tests := []struct {
		name  string
		files []interface{}
		want  string
	}{
		{
			"single file named differently from torrent",
			[]interface{}{
				map[string]interface{}{"name": "movie.2024.german.mkv"},
			},
			"/data/downloads/movies/movie.2024.german.mkv",
		},
		{
			"multi file shared top dir",
			[]interface{}{
				map[string]interface{}{"name": "Movie.2024/movie.mkv"},
				map[string]interface{}{"name": "Movie.2024/movie.nfo"},
			},
			"/data/downloads/movies/Movie.2024",
		},
		{
			"multi file no shared top dir",
			[]interface{}{
				map[string]interface{}{"name": "a/movie.mkv"},
				map[string]interface{}{"name": "b/extra.mkv"},
			},
			"/data/downloads/movies",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := getItemsClient(t, Config{Category: "movies"},
				torrentFixture(map[string]interface{}{"files": tt.files}))
			items, err := client.GetItems(context.Background())
			require.NoError(t, err)
			require.Len(t, items, 1)
			assert.Equal(t, tt.want, items[0].OutputPath)
		})
	}
}

func TestClient_GetItemsCategoryFilter(t *testing.T) {
	client := getItemsClient(t, Config{Category: "movies"},
		torrentFixture(nil),
		torrentFixture(map[string]interface{}{"hashString": "other", "downloadDir": "/data/downloads/tv"}),
	)

	items, err := client.GetItems(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "DEADBEEF01", items[0].DownloadID)
}

func TestClient_GetItemsTagFilter(t *testing.T) {
	client := getItemsClient(t, Config{Tags: []string{"windlass", "movies"}},
		torrentFixture(map[string]interface{}{"labels": []interface{}{"windlass", "movies"}}),
		torrentFixture(map[string]interface{}{"hashString": "partial", "labels": []interface{}{"windlass"}}),
	)

	items, err := client.GetItems(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "DEADBEEF01", items[0].DownloadID)
}

func TestClient_GetItemsStatusMapping(t *testing.T) {
	tests := []struct {
		name      string
		overrides map[string]interface{}
		want      types.Status
	}{
		{"stopped incomplete", map[string]interface{}{"status": float64(0)}, types.StatusPaused},
		{"stopped complete", map[string]interface{}{"status": float64(0), "percentDone": 1.0}, types.StatusCompleted},
		{"queued", map[string]interface{}{"status": float64(3)}, types.StatusQueued},
		{"verifying", map[string]interface{}{"status": float64(2)}, types.StatusDownloading},
		{"seeding", map[string]interface{}{"status": float64(6), "percentDone": 1.0}, types.StatusCompleted},
		{"error", map[string]interface{}{"error": float64(3), "errorString": "tracker gone"}, types.StatusWarning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := getItemsClient(t, Config{}, torrentFixture(tt.overrides))
			items, err := client.GetItems(context.Background())
			require.NoError(t, err)
			require.Len(t, items, 1)
			assert.Equal(t, tt.want, items[0].Status)
		})
	}
}

func TestClient_GetItemsSeedCriteria(t *testing.T) {
	target := 1.0
	seeding := map[string]interface{}{"status": float64(6), "percentDone": 1.0, "leftUntilDone": float64(0)}

	t.Run("ratio below target", func(t *testing.T) {
		over := map[string]interface{}{"uploadRatio": 0.5}
		for k, v := range seeding {
			over[k] = v
		}
		client := getItemsClient(t, Config{SeedRatioTarget: &target}, torrentFixture(over))
		items, err := client.GetItems(context.Background())
		require.NoError(t, err)
		assert.Equal(t, types.StatusCompleted, items[0].Status)
		assert.False(t, items[0].CanBeRemoved)
		assert.False(t, items[0].CanMoveFiles)
		assert.True(t, items[0].IsReadOnly)
	})

	t.Run("ratio reached", func(t *testing.T) {
		over := map[string]interface{}{"uploadRatio": 1.2}
		for k, v := range seeding {
			over[k] = v
		}
		client := getItemsClient(t, Config{SeedRatioTarget: &target}, torrentFixture(over))
		items, err := client.GetItems(context.Background())
		require.NoError(t, err)
		assert.True(t, items[0].CanBeRemoved)
		assert.True(t, items[0].CanMoveFiles)
		assert.False(t, items[0].IsReadOnly)
	})

	t.Run("no target configured", func(t *testing.T) {
		client := getItemsClient(t, Config{}, torrentFixture(seeding))
		items, err := client.GetItems(context.Background())
		require.NoError(t, err)
		assert.False(t, items[0].CanBeRemoved)
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
	client, _ := newTestClient(t, Config{}, rpcHandler(t, func(method string, args map[string]interface{}) map[string]interface{} {
		require.Equal(t, "torrent-add", method)
		assert.Equal(t, "magnet:?xt=urn:btih:deadbeef", args["filename"])
		return map[string]interface{}{
			"torrent-added": map[string]interface{}{"hashString": "deadbeef01"},
		}
	}))

	id, err := client.Add(context.Background(), types.AddOptions{URL: "magnet:?xt=urn:btih:deadbeef"})
	require.NoError(t, err)
	assert.Equal(t, "DEADBEEF01", id)
}

func TestClient_AddDuplicate(t *testing.T) {
	client, _ := newTestClient(t, Config{}, rpcHandler(t, func(_ string, _ map[string]interface{}) map[string]interface{} {
		return map[string]interface{}{
			"torrent-duplicate": map[string]interface{}{"hashString": "deadbeef01"},
		}
	}))

	id, err := client.Add(context.Background(), types.AddOptions{URL: "magnet:?xt=urn:btih:deadbeef"})
	require.NoError(t, err)
	assert.Equal(t, "DEADBEEF01", id)
}

func TestClient_Remove(t *testing.T) {
	var gotArgs map[string]interface{}
	client, _ := newTestClient(t, Config{}, rpcHandler(t, func(method string, args map[string]interface{}) map[string]interface{} {
		require.Equal(t, "torrent-remove", method)
		gotArgs = args
		return nil
	}))

	err := client.Remove(context.Background(), "DEADBEEF01", true)
	require.NoError(t, err)
	assert.Equal(t, true, gotArgs["delete-local-data"])
	assert.Equal(t, []interface{}{"deadbeef01"}, gotArgs["ids"])
}

func TestClient_Status(t *testing.T) {
	client, _ := newTestClient(t, Config{Category: "movies"}, rpcHandler(t, func(method string, _ map[string]interface{}) map[string]interface{} {
		require.Equal(t, "session-get", method)
		return map[string]interface{}{"download-dir": "/data/downloads"}
	}))

	status, err := client.Status(context.Background())
	require.NoError(t, err)
	assert.True(t, status.IsLocalhost)
	assert.Equal(t, []string{"/data/downloads/movies"}, status.OutputRootFolders)
}
