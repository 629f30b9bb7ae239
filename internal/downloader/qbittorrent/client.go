// Package qbittorrent implements a qBittorrent WebUI API v2 client.
package qbittorrent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/windlass/windlass/internal/downloader/types"
)

// Config holds the configuration for a qBittorrent client.
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

// Client implements the qBittorrent WebUI API v2. Authentication is a
// cookie-backed session established by auth/login and replayed on every
// request.
type Client struct {
	config     Config
	httpClient *http.Client
	loggedIn   bool
}

var _ types.Client = (*Client)(nil)

// New creates a new qBittorrent client.
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
	return types.ClientTypeQBittorrent
}

// Protocol returns the protocol.
func (c *Client) Protocol() types.Protocol {
	return types.ProtocolTorrent
}

// Test verifies connectivity and credentials.
func (c *Client) Test(ctx context.Context) error {
	_, err := c.call(ctx, http.MethodGet, "/app/version", nil)
	return err
}

// torrent is the subset of torrents/info fields the adapter reads.
type torrent struct {
	Hash        string  `json:"hash"`
	Name        string  `json:"name"`
	State       string  `json:"state"`
	Size        int64   `json:"size"`
	AmountLeft  int64   `json:"amount_left"`
	ETA         int64   `json:"eta"`
	SavePath    string  `json:"save_path"`
	ContentPath string  `json:"content_path"`
	Category    string  `json:"category"`
	Tags        string  `json:"tags"`
	Ratio       float64 `json:"ratio"`
	MaxRatio    float64 `json:"max_ratio"`
	Progress    float64 `json:"progress"`
}

// GetItems returns a snapshot of the torrents this instance manages.
func (c *Client) GetItems(ctx context.Context) ([]types.Item, error) {
	params := url.Values{}
	if c.config.Category != "" {
		params.Set("category", c.config.Category)
	}

	body, err := c.call(ctx, http.MethodGet, "/torrents/info?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}

	var torrents []torrent
	if err := json.Unmarshal(body, &torrents); err != nil {
		return nil, fmt.Errorf("failed to decode torrent list: %w", err)
	}

	items := make([]types.Item, 0, len(torrents))
	for _, tor := range torrents {
		if !types.MatchesAllTags(splitTags(tor.Tags), c.config.Tags) {
			continue
		}
		items = append(items, c.mapItem(tor))
	}
	return items, nil
}

// Add submits a torrent by URL or magnet link and returns its hash.
func (c *Client) Add(ctx context.Context, opts types.AddOptions) (string, error) {
	if opts.URL == "" {
		return "", fmt.Errorf("qBittorrent add requires a URL or magnet link")
	}

	form := url.Values{}
	form.Set("urls", opts.URL)
	category := opts.Category
	if category == "" {
		category = c.config.Category
	}
	if category != "" {
		form.Set("category", category)
	}
	if len(c.config.Tags) > 0 {
		form.Set("tags", strings.Join(c.config.Tags, ","))
	}
	if opts.DownloadDir != "" {
		form.Set("savepath", opts.DownloadDir)
	}
	if opts.Paused {
		form.Set("paused", "true")
	}
	if c.config.SeedRatioTarget != nil && *c.config.SeedRatioTarget > 0 {
		form.Set("ratioLimit", fmt.Sprintf("%.2f", *c.config.SeedRatioTarget))
	}

	if _, err := c.call(ctx, http.MethodPost, "/torrents/add", form); err != nil {
		return "", err
	}

	hash := hashFromMagnet(opts.URL)
	if hash == "" {
		return "", fmt.Errorf("could not determine torrent hash from %q", opts.URL)
	}
	return strings.ToUpper(hash), nil
}

// Remove deletes a torrent, optionally with its data.
func (c *Client) Remove(ctx context.Context, id string, deleteData bool) error {
	form := url.Values{}
	form.Set("hashes", strings.ToLower(id))
	form.Set("deleteFiles", fmt.Sprintf("%t", deleteData))

	_, err := c.call(ctx, http.MethodPost, "/torrents/delete", form)
	return err
}

// Status reports where the client writes completed downloads.
func (c *Client) Status(ctx context.Context) (*types.ClientStatus, error) {
	body, err := c.call(ctx, http.MethodGet, "/app/defaultSavePath", nil)
	if err != nil {
		return nil, err
	}

	status := &types.ClientStatus{
		IsLocalhost: types.IsLocalhost(c.config.Host),
	}
	if dir := strings.TrimSpace(string(body)); dir != "" {
		status.OutputRootFolders = []string{types.RemapRemotePath(dir, c.config.RemotePathMappings)}
	}
	return status, nil
}

func (c *Client) mapItem(tor torrent) types.Item {
	item := types.Item{
		DownloadID:    strings.ToUpper(tor.Hash),
		Title:         tor.Name,
		Category:      tor.Category,
		Status:        mapState(tor.State),
		TotalSize:     tor.Size,
		RemainingSize: tor.AmountLeft,
		SeedRatio:     tor.Ratio,
	}

	// 8640000 is qBittorrent's "infinity".
	if tor.ETA > 0 && tor.ETA < 8640000 {
		item.RemainingTime = time.Duration(tor.ETA) * time.Second
	}

	outputPath := tor.ContentPath
	if outputPath == "" {
		outputPath = types.JoinPaths(tor.SavePath, tor.Name)
	}
	item.OutputPath = types.RemapRemotePath(outputPath, c.config.RemotePathMappings)

	switch tor.State {
	case "error":
		item.StatusMessage = "qBittorrent is reporting an error"
	case "missingFiles":
		item.StatusMessage = "The download is missing files"
	case "stalledDL":
		item.StatusMessage = "The download is stalled with no connections"
	}

	if item.Status == types.StatusCompleted {
		done := c.seedCriteriaMet(tor)
		item.CanBeRemoved = done
		item.CanMoveFiles = done
		// Still seeding: the payload must stay in place.
		item.IsReadOnly = !done
	}
	return item
}

// seedCriteriaMet reports whether seeding obligations are satisfied. States
// where qBittorrent itself stopped the torrent always qualify; an active
// seed qualifies once it reaches the configured or per-torrent ratio limit.
func (c *Client) seedCriteriaMet(tor torrent) bool {
	switch tor.State {
	case "pausedUP", "stoppedUP":
		return true
	}
	if c.config.SeedRatioTarget != nil && *c.config.SeedRatioTarget > 0 {
		return tor.Ratio >= *c.config.SeedRatioTarget
	}
	if tor.MaxRatio > 0 {
		return tor.Ratio >= tor.MaxRatio
	}
	return false
}

// mapState reduces qBittorrent's states to the canonical six. Anything
// seeding has its payload on disk and reports as completed.
func mapState(state string) types.Status {
	switch state {
	case "error", "missingFiles", "stalledDL", "unknown":
		return types.StatusWarning
	case "uploading", "forcedUP", "stalledUP", "queuedUP", "checkingUP", "pausedUP", "stoppedUP":
		return types.StatusCompleted
	case "queuedDL", "allocating", "metaDL":
		return types.StatusQueued
	case "pausedDL", "stoppedDL":
		return types.StatusPaused
	case "downloading", "forcedDL", "checkingDL", "checkingResumeData", "moving":
		return types.StatusDownloading
	default:
		return types.StatusWarning
	}
}

func splitTags(tags string) []string {
	if tags == "" {
		return nil
	}
	parts := strings.Split(tags, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// hashFromMagnet extracts the info hash from a magnet link.
func hashFromMagnet(link string) string {
	const marker = "urn:btih:"
	idx := strings.Index(strings.ToLower(link), marker)
	if idx < 0 {
		return ""
	}
	hash := link[idx+len(marker):]
	if end := strings.IndexAny(hash, "&#"); end >= 0 {
		hash = hash[:end]
	}
	return hash
}

func (c *Client) baseURL() string {
	scheme := "http"
	if c.config.UseSSL {
		scheme = "https"
	}
	base := strings.TrimRight(c.config.URLBase, "/")
	return fmt.Sprintf("%s://%s:%d%s/api/v2", scheme, c.config.Host, c.config.Port, base)
}

// login establishes the session cookie.
func (c *Client) login(ctx context.Context) error {
	form := url.Values{}
	form.Set("username", c.config.Username)
	form.Set("password", c.config.Password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL()+"/auth/login",
		strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute login: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read login response: %w", err)
	}
	if resp.StatusCode != http.StatusOK || strings.TrimSpace(string(body)) != "Ok." {
		return types.ErrAuthFailed
	}

	c.loggedIn = true
	return nil
}

func (c *Client) call(ctx context.Context, method, endpoint string, form url.Values) ([]byte, error) {
	if !c.loggedIn {
		if err := c.login(ctx); err != nil {
			return nil, err
		}
	}

	body, status, err := c.do(ctx, method, endpoint, form)
	if err != nil {
		return nil, err
	}

	// Session cookies expire server-side; one re-login retry covers it.
	if status == http.StatusForbidden {
		c.loggedIn = false
		if err := c.login(ctx); err != nil {
			return nil, err
		}
		body, status, err = c.do(ctx, method, endpoint, form)
		if err != nil {
			return nil, err
		}
	}

	if status == http.StatusForbidden || status == http.StatusUnauthorized {
		return nil, types.ErrAuthFailed
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", status)
	}
	return body, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, form url.Values) ([]byte, int, error) {
	var reqBody io.Reader
	if form != nil {
		reqBody = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL()+endpoint, reqBody)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read response: %w", err)
	}
	return body, resp.StatusCode, nil
}
