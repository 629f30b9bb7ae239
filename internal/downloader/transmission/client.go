// Package transmission implements a Transmission RPC client.
package transmission

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/windlass/windlass/internal/downloader/types"
)

const sessionIDHeader = "X-Transmission-Session-Id"

// Config holds the configuration for a Transmission client.
type Config struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseSSL             bool
	URLBase            string
	Category           string
	Tags               []string
	RemotePathMappings []types.RemotePathMapping
	SeedRatioTarget    *float64
}

// Client implements the Transmission RPC protocol.
type Client struct {
	config     Config
	sessionID  string
	httpClient *http.Client
}

var _ types.Client = (*Client)(nil)

// New creates a new Transmission client.
func New(cfg *Config) *Client {
	return &Client{
		config: *cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// NewFromConfig creates a client from a ClientConfig.
func NewFromConfig(cfg *types.ClientConfig) *Client {
	return New(&Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		Username:           cfg.Username,
		Password:           cfg.Password,
		UseSSL:             cfg.UseSSL,
		URLBase:            cfg.URLBase,
		Category:           cfg.Category,
		Tags:               cfg.Tags,
		RemotePathMappings: cfg.RemotePathMappings,
		SeedRatioTarget:    cfg.SeedRatioTarget,
	})
}

// Type returns the client type.
func (c *Client) Type() types.ClientType {
	return types.ClientTypeTransmission
}

// Protocol returns the protocol.
func (c *Client) Protocol() types.Protocol {
	return types.ProtocolTorrent
}

// Test verifies the client connection.
func (c *Client) Test(ctx context.Context) error {
	_, err := c.call(ctx, "session-get", nil)
	return err
}

// GetItems returns a snapshot of the torrents this instance manages.
func (c *Client) GetItems(ctx context.Context) ([]types.Item, error) {
	args := map[string]interface{}{
		"fields": []string{
			"id", "name", "status", "percentDone", "isFinished",
			"totalSize", "leftUntilDone", "downloadDir", "hashString",
			"eta", "uploadRatio", "labels", "error", "errorString",
			"sizeWhenDone", "secondsSeeding", "files",
		},
	}

	resp, err := c.call(ctx, "torrent-get", args)
	if err != nil {
		return nil, err
	}

	torrentsRaw, ok := resp.Arguments["torrents"].([]interface{})
	if !ok {
		return []types.Item{}, nil
	}

	items := make([]types.Item, 0, len(torrentsRaw))
	for _, t := range torrentsRaw {
		torrent, ok := t.(map[string]interface{})
		if !ok {
			continue
		}
		if !c.managed(torrent) {
			continue
		}
		items = append(items, c.mapItem(torrent))
	}
	return items, nil
}

// Add submits a torrent and returns its hash.
func (c *Client) Add(ctx context.Context, opts types.AddOptions) (string, error) {
	args := make(map[string]interface{})

	switch {
	case opts.URL != "":
		args["filename"] = opts.URL
	case len(opts.FileContent) > 0:
		args["metainfo"] = base64.StdEncoding.EncodeToString(opts.FileContent)
	default:
		return "", fmt.Errorf("either URL or FileContent must be provided")
	}

	if dir := c.downloadDir(opts); dir != "" {
		args["download-dir"] = dir
	}
	if len(c.config.Tags) > 0 {
		args["labels"] = c.config.Tags
	}
	if opts.Paused {
		args["paused"] = true
	}

	resp, err := c.call(ctx, "torrent-add", args)
	if err != nil {
		return "", err
	}

	hash, err := extractTorrentHash(resp)
	if err != nil {
		return "", err
	}

	if c.config.SeedRatioTarget != nil && *c.config.SeedRatioTarget > 0 {
		setArgs := map[string]interface{}{
			"ids":            []string{hash},
			"seedRatioLimit": *c.config.SeedRatioTarget,
			"seedRatioMode":  1,
		}
		if _, err := c.call(ctx, "torrent-set", setArgs); err != nil {
			return hash, fmt.Errorf("setting seed ratio: %w", err)
		}
	}

	return strings.ToUpper(hash), nil
}

// Remove deletes a torrent, optionally with its data.
func (c *Client) Remove(ctx context.Context, id string, deleteData bool) error {
	args := map[string]interface{}{
		"ids":               []string{strings.ToLower(id)},
		"delete-local-data": deleteData,
	}
	_, err := c.call(ctx, "torrent-remove", args)
	return err
}

// Status reports where the daemon writes completed downloads.
func (c *Client) Status(ctx context.Context) (*types.ClientStatus, error) {
	resp, err := c.call(ctx, "session-get", nil)
	if err != nil {
		return nil, err
	}

	status := &types.ClientStatus{
		IsLocalhost: types.IsLocalhost(c.config.Host),
	}
	if dir, ok := resp.Arguments["download-dir"].(string); ok && dir != "" {
		if c.config.Category != "" {
			dir = types.JoinPaths(dir, c.config.Category)
		}
		status.OutputRootFolders = []string{types.RemapRemotePath(dir, c.config.RemotePathMappings)}
	}
	return status, nil
}

// downloadDir returns the directory new torrents should land in.
// Transmission has no category concept, so the category becomes a
// subdirectory of the daemon's default download dir.
func (c *Client) downloadDir(opts types.AddOptions) string {
	if opts.DownloadDir != "" {
		return opts.DownloadDir
	}
	if c.config.Category != "" {
		if base, err := c.defaultDownloadDir(); err == nil && base != "" {
			return path.Join(strings.ReplaceAll(base, "\\", "/"), c.config.Category)
		}
	}
	return ""
}

func (c *Client) defaultDownloadDir() (string, error) {
	resp, err := c.call(context.Background(), "session-get", nil)
	if err != nil {
		return "", err
	}
	if dir, ok := resp.Arguments["download-dir"].(string); ok {
		return dir, nil
	}
	return "", fmt.Errorf("download-dir not found in session response")
}

// managed reports whether a torrent belongs to this instance: in the
// category directory when one is configured, and carrying every configured
// label.
func (c *Client) managed(torrent map[string]interface{}) bool {
	if c.config.Category != "" {
		dir := strings.ReplaceAll(getString(torrent, "downloadDir"), "\\", "/")
		if path.Base(strings.TrimRight(dir, "/")) != c.config.Category {
			return false
		}
	}
	return types.MatchesAllTags(getStrings(torrent, "labels"), c.config.Tags)
}

func (c *Client) mapItem(torrent map[string]interface{}) types.Item {
	statusCode := getInt(torrent, "status")
	percentDone := getFloat(torrent, "percentDone")
	finished := percentDone >= 1

	item := types.Item{
		DownloadID:    strings.ToUpper(getString(torrent, "hashString")),
		Title:         getString(torrent, "name"),
		Category:      c.config.Category,
		Status:        mapStatus(statusCode, finished),
		TotalSize:     int64(getFloat(torrent, "sizeWhenDone")),
		RemainingSize: int64(getFloat(torrent, "leftUntilDone")),
		SeedRatio:     getFloat(torrent, "uploadRatio"),
	}

	if eta := getInt(torrent, "eta"); eta > 0 {
		item.RemainingTime = time.Duration(eta) * time.Second
	}

	outputPath := types.RemapRemotePath(getString(torrent, "downloadDir"), c.config.RemotePathMappings)
	if files := torrentFiles(torrent); len(files) > 0 {
		item.OutputPath = types.ResolveOutputPath(outputPath, files)
	} else {
		// Magnet without metadata yet: no file list to go on.
		item.OutputPath = types.JoinPaths(outputPath, item.Title)
	}

	if errNum := getInt(torrent, "error"); errNum > 0 {
		item.StatusMessage = getString(torrent, "errorString")
		item.Status = types.StatusWarning
	}

	if item.Status == types.StatusCompleted {
		done := c.seedCriteriaMet(torrent)
		item.CanBeRemoved = done
		item.CanMoveFiles = done
		// Still seeding: the payload must stay in place.
		item.IsReadOnly = !done
	}
	return item
}

// seedCriteriaMet reports whether the torrent can be removed without
// cutting seeding short. Stopped torrents and torrents Transmission itself
// marked finished always qualify.
func (c *Client) seedCriteriaMet(torrent map[string]interface{}) bool {
	if getBool(torrent, "isFinished") || getInt(torrent, "status") == 0 {
		return true
	}
	if c.config.SeedRatioTarget == nil {
		return false
	}
	return getFloat(torrent, "uploadRatio") >= *c.config.SeedRatioTarget
}

type rpcRequest struct {
	Method    string                 `json:"method"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

type rpcResponse struct {
	Result    string                 `json:"result"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

func (c *Client) call(ctx context.Context, method string, args map[string]interface{}) (*rpcResponse, error) {
	req, err := c.buildRPCRequest(ctx, method, args)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		return c.handleSessionConflict(ctx, resp, method, args)
	}

	return parseRPCResponse(resp)
}

func (c *Client) buildRPCRequest(ctx context.Context, method string, args map[string]interface{}) (*http.Request, error) {
	scheme := "http"
	if c.config.UseSSL {
		scheme = "https"
	}
	base := strings.TrimRight(c.config.URLBase, "/")
	url := fmt.Sprintf("%s://%s:%d%s/transmission/rpc", scheme, c.config.Host, c.config.Port, base)

	body, err := json.Marshal(rpcRequest{Method: method, Arguments: args})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if c.sessionID != "" {
		req.Header.Set(sessionIDHeader, c.sessionID)
	}
	if c.config.Username != "" {
		auth := base64.StdEncoding.EncodeToString([]byte(c.config.Username + ":" + c.config.Password))
		req.Header.Set("Authorization", "Basic "+auth)
	}
	return req, nil
}

func (c *Client) handleSessionConflict(ctx context.Context, resp *http.Response, method string, args map[string]interface{}) (*rpcResponse, error) {
	c.sessionID = resp.Header.Get(sessionIDHeader)
	if c.sessionID == "" {
		return nil, fmt.Errorf("received 409 but no session ID in response")
	}
	return c.call(ctx, method, args)
}

func parseRPCResponse(resp *http.Response) (*rpcResponse, error) {
	if resp.StatusCode == http.StatusUnauthorized {
		return nil, types.ErrAuthFailed
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if rpcResp.Result != "success" {
		return nil, fmt.Errorf("RPC error: %s", rpcResp.Result)
	}
	return &rpcResp, nil
}

func extractTorrentHash(resp *rpcResponse) (string, error) {
	for _, key := range []string{"torrent-added", "torrent-duplicate"} {
		if torrent, ok := resp.Arguments[key].(map[string]interface{}); ok {
			if hash, ok := torrent["hashString"].(string); ok {
				return hash, nil
			}
		}
	}
	return "", fmt.Errorf("could not extract torrent hash from response")
}

// mapStatus maps Transmission status codes to the canonical states. Seeding
// means the payload is on disk, so it reports as completed.
func mapStatus(status int, finished bool) types.Status {
	switch status {
	case 0: // stopped
		if finished {
			return types.StatusCompleted
		}
		return types.StatusPaused
	case 1, 3: // queued to verify, queued to download
		return types.StatusQueued
	case 2: // verifying
		return types.StatusDownloading
	case 4: // downloading
		return types.StatusDownloading
	case 5, 6: // queued to seed, seeding
		return types.StatusCompleted
	default:
		return types.StatusWarning
	}
}

// torrentFiles extracts the content file names from a torrent-get "files"
// entry. Paths are relative to the torrent's download dir.
func torrentFiles(torrent map[string]interface{}) []string {
	raw, ok := torrent["files"].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if file, ok := v.(map[string]interface{}); ok {
			if name := getString(file, "name"); name != "" {
				out = append(out, name)
			}
		}
	}
	return out
}

func getString(m map[string]interface{}, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func getStrings(m map[string]interface{}, key string) []string {
	raw, ok := m[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func getInt(m map[string]interface{}, key string) int {
	if v, ok := m[key].(float64); ok {
		return int(v)
	}
	return 0
}

func getFloat(m map[string]interface{}, key string) float64 {
	if v, ok := m[key].(float64); ok {
		return v
	}
	return 0
}

func getBool(m map[string]interface{}, key string) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return false
}
