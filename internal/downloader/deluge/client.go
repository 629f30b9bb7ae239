// Package deluge implements a client for the Deluge web UI JSON-RPC API.
package deluge

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"github.com/windlass/windlass/internal/downloader/types"
)

// Config holds the configuration for a Deluge client.
type Config struct {
	Host               string
	Port               int
	Password           string
	UseSSL             bool
	URLBase            string
	Category           string
	RemotePathMappings []types.RemotePathMapping
	SeedRatioTarget    *float64
}

// Client talks to the Deluge web UI, which proxies the daemon. Categories
// map to Deluge labels; Deluge has no separate tag concept.
type Client struct {
	config     Config
	httpClient *http.Client
	requestID  int
}

var _ types.Client = (*Client)(nil)

// New creates a new Deluge client.
func New(cfg *Config) *Client {
	jar, _ := cookiejar.New(nil)
	return &Client{
		config: *cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Jar:     jar,
		},
	}
}

// NewFromConfig creates a client from a ClientConfig.
func NewFromConfig(cfg *types.ClientConfig) *Client {
	return New(&Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		Password:           cfg.Password,
		UseSSL:             cfg.UseSSL,
		URLBase:            cfg.URLBase,
		Category:           cfg.Category,
		RemotePathMappings: cfg.RemotePathMappings,
		SeedRatioTarget:    cfg.SeedRatioTarget,
	})
}

// Type returns the client type.
func (c *Client) Type() types.ClientType {
	return types.ClientTypeDeluge
}

// Protocol returns the protocol.
func (c *Client) Protocol() types.Protocol {
	return types.ProtocolTorrent
}

// Test verifies connectivity and credentials.
func (c *Client) Test(ctx context.Context) error {
	if err := c.authenticate(ctx); err != nil {
		return err
	}
	_, err := c.call(ctx, "daemon.get_version", []any{})
	return err
}

// GetItems returns a snapshot of the torrents this instance manages.
func (c *Client) GetItems(ctx context.Context) ([]types.Item, error) {
	fields := []string{
		"hash", "name", "state", "progress", "eta", "message", "is_finished",
		"save_path", "total_size", "total_remaining", "ratio",
		"stop_at_ratio", "stop_ratio", "label", "files",
	}

	filter := map[string]any{}
	if c.config.Category != "" {
		filter["label"] = c.config.Category
	}

	resp, err := c.call(ctx, "web.update_ui", []any{fields, filter})
	if err != nil {
		return nil, err
	}

	resultMap, ok := resp.(map[string]any)
	if !ok {
		return []types.Item{}, nil
	}
	torrentsMap, ok := resultMap["torrents"].(map[string]any)
	if !ok || torrentsMap == nil {
		return []types.Item{}, nil
	}

	items := make([]types.Item, 0, len(torrentsMap))
	for hash, torrentData := range torrentsMap {
		torrent, ok := torrentData.(map[string]any)
		if !ok {
			continue
		}
		// The filter_dict is advisory; older label plugins ignore it.
		if c.config.Category != "" && getString(torrent, "label") != c.config.Category {
			continue
		}
		items = append(items, c.mapItem(hash, torrent))
	}
	return items, nil
}

// Add submits a torrent and returns its hash.
func (c *Client) Add(ctx context.Context, opts types.AddOptions) (string, error) {
	options := map[string]any{}
	if opts.Paused {
		options["add_paused"] = true
	}
	if opts.DownloadDir != "" {
		options["download_location"] = opts.DownloadDir
	}
	if c.config.SeedRatioTarget != nil && *c.config.SeedRatioTarget > 0 {
		options["stop_at_ratio"] = true
		options["stop_ratio"] = *c.config.SeedRatioTarget
	}

	var resp any
	var err error
	switch {
	case opts.URL != "":
		resp, err = c.call(ctx, "core.add_torrent_magnet", []any{opts.URL, options})
	case len(opts.FileContent) > 0:
		filename := opts.Name
		if filename == "" {
			filename = "torrent.torrent"
		}
		encoded := base64.StdEncoding.EncodeToString(opts.FileContent)
		resp, err = c.call(ctx, "core.add_torrent_file", []any{filename, encoded, options})
	default:
		return "", fmt.Errorf("either URL or FileContent must be provided")
	}
	if err != nil {
		return "", err
	}

	hash, ok := resp.(string)
	if !ok || hash == "" {
		return "", fmt.Errorf("unexpected response adding torrent")
	}

	category := opts.Category
	if category == "" {
		category = c.config.Category
	}
	if category != "" {
		if _, err := c.call(ctx, "label.set_torrent", []any{hash, category}); err != nil {
			return strings.ToUpper(hash), fmt.Errorf("setting label: %w", err)
		}
	}
	return strings.ToUpper(hash), nil
}

// Remove deletes a torrent, optionally with its data.
func (c *Client) Remove(ctx context.Context, id string, deleteData bool) error {
	_, err := c.call(ctx, "core.remove_torrent", []any{strings.ToLower(id), deleteData})
	return err
}

// Status reports where the daemon writes completed downloads.
func (c *Client) Status(ctx context.Context) (*types.ClientStatus, error) {
	resp, err := c.call(ctx, "core.get_config", []any{})
	if err != nil {
		return nil, err
	}

	status := &types.ClientStatus{
		IsLocalhost: types.IsLocalhost(c.config.Host),
	}
	if configMap, ok := resp.(map[string]any); ok {
		if dir := getString(configMap, "download_location"); dir != "" {
			status.OutputRootFolders = []string{types.RemapRemotePath(dir, c.config.RemotePathMappings)}
		}
	}
	return status, nil
}

func (c *Client) mapItem(hash string, torrent map[string]any) types.Item {
	state := getString(torrent, "state")
	finished := getBool(torrent, "is_finished")

	item := types.Item{
		DownloadID:    strings.ToUpper(hash),
		Title:         getString(torrent, "name"),
		Category:      getString(torrent, "label"),
		Status:        mapStatus(state, finished),
		TotalSize:     int64(getFloat(torrent, "total_size")),
		RemainingSize: int64(getFloat(torrent, "total_remaining")),
		SeedRatio:     getFloat(torrent, "ratio"),
	}

	if eta := getFloat(torrent, "eta"); eta > 0 {
		item.RemainingTime = time.Duration(eta) * time.Second
	}

	outputPath := types.RemapRemotePath(getString(torrent, "save_path"), c.config.RemotePathMappings)
	if files := torrentFiles(torrent); len(files) > 0 {
		item.OutputPath = types.ResolveOutputPath(outputPath, files)
	} else {
		// Magnet without metadata yet: no file list to go on.
		item.OutputPath = types.JoinPaths(outputPath, item.Title)
	}

	if item.Status == types.StatusWarning {
		item.StatusMessage = getString(torrent, "message")
	}

	if item.Status == types.StatusCompleted {
		done := c.seedCriteriaMet(state, torrent)
		item.CanBeRemoved = done
		item.CanMoveFiles = done
		// Still seeding: the payload must stay in place.
		item.IsReadOnly = !done
	}
	return item
}

// seedCriteriaMet reports whether the torrent finished its seeding
// obligations. Deluge pauses a torrent when it hits stop_ratio, so paused
// plus finished means done.
func (c *Client) seedCriteriaMet(state string, torrent map[string]any) bool {
	if state == "Paused" {
		return true
	}
	ratio := getFloat(torrent, "ratio")
	if c.config.SeedRatioTarget != nil && *c.config.SeedRatioTarget > 0 {
		return ratio >= *c.config.SeedRatioTarget
	}
	if getBool(torrent, "stop_at_ratio") {
		return ratio >= getFloat(torrent, "stop_ratio")
	}
	return false
}

// mapStatus reduces Deluge states to the canonical six. A finished torrent
// is completed no matter how the daemon labels its activity.
func mapStatus(state string, finished bool) types.Status {
	if state == "Error" {
		return types.StatusWarning
	}
	if finished && state != "Checking" {
		return types.StatusCompleted
	}

	switch state {
	case "Paused":
		return types.StatusPaused
	case "Queued", "Allocating":
		return types.StatusQueued
	case "Checking", "Moving", "Downloading":
		return types.StatusDownloading
	case "Seeding":
		return types.StatusCompleted
	default:
		return types.StatusWarning
	}
}

func (c *Client) authenticate(ctx context.Context) error {
	c.httpClient.Jar, _ = cookiejar.New(nil)

	resp, err := c.doCall(ctx, "auth.login", []any{c.config.Password})
	if err != nil {
		return err
	}
	success, ok := resp.(bool)
	if !ok || !success {
		return types.ErrAuthFailed
	}

	connected, err := c.doCall(ctx, "web.connected", []any{})
	if err != nil {
		return err
	}
	if isConnected, ok := connected.(bool); ok && isConnected {
		return nil
	}
	return c.connectToDaemon(ctx)
}

func (c *Client) connectToDaemon(ctx context.Context) error {
	hostsResp, err := c.doCall(ctx, "web.get_hosts", []any{})
	if err != nil {
		return err
	}
	hosts, ok := hostsResp.([]any)
	if !ok {
		return fmt.Errorf("unexpected response from web.get_hosts")
	}

	hostID := firstHostID(hosts)
	if hostID == "" {
		return fmt.Errorf("%w: no daemon registered with the web UI", types.ErrNotConnected)
	}
	_, err = c.doCall(ctx, "web.connect", []any{hostID})
	return err
}

func firstHostID(hosts []any) string {
	for _, h := range hosts {
		host, ok := h.([]any)
		if !ok || len(host) < 1 {
			continue
		}
		if id, _ := host[0].(string); id != "" {
			return id
		}
	}
	return ""
}

func (c *Client) call(ctx context.Context, method string, params []any) (any, error) {
	result, err := c.doCall(ctx, method, params)
	if err != nil {
		if isAuthError(err) {
			if authErr := c.authenticate(ctx); authErr != nil {
				return nil, authErr
			}
			return c.doCall(ctx, method, params)
		}
		return nil, err
	}
	return result, nil
}

func (c *Client) doCall(ctx context.Context, method string, params []any) (any, error) {
	c.requestID++

	reqBody := map[string]any{
		"method": method,
		"params": params,
		"id":     c.requestID,
	}
	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.buildURL(), bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var rpcResp struct {
		Result any              `json:"result"`
		Error  *json.RawMessage `json:"error"`
		ID     int              `json:"id"`
	}
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, parseRPCError(*rpcResp.Error)
	}
	return rpcResp.Result, nil
}

func (c *Client) buildURL() string {
	scheme := "http"
	if c.config.UseSSL {
		scheme = "https"
	}
	urlPath := "/json"
	if c.config.URLBase != "" {
		urlPath = "/" + strings.Trim(c.config.URLBase, "/") + "/json"
	}
	return fmt.Sprintf("%s://%s:%d%s", scheme, c.config.Host, c.config.Port, urlPath)
}

func parseRPCError(raw json.RawMessage) error {
	var errObj struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	}
	if err := json.Unmarshal(raw, &errObj); err == nil {
		if errObj.Code == 1 || errObj.Code == 2 {
			return &authError{msg: errObj.Message}
		}
		return fmt.Errorf("RPC error: %s (code %d)", errObj.Message, errObj.Code)
	}
	return fmt.Errorf("RPC error: %s", string(raw))
}

type authError struct {
	msg string
}

func (e *authError) Error() string {
	return e.msg
}

func isAuthError(err error) bool {
	var authErr *authError
	return errors.As(err, &authErr)
}

// torrentFiles extracts the content file paths from a web.update_ui
// "files" entry. Paths are relative to the torrent's save path.
func torrentFiles(torrent map[string]any) []string {
	raw, ok := torrent["files"].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if file, ok := v.(map[string]any); ok {
			if p := getString(file, "path"); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}

func getString(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func getFloat(m map[string]any, key string) float64 {
	if v, ok := m[key].(float64); ok {
		return v
	}
	return 0
}

func getBool(m map[string]any, key string) bool {
	if v, ok := m[key].(bool); ok {
		return v
	}
	return false
}
