// Package sabnzbd implements a SABnzbd API client. A download lives in the
// queue while fetching and moves to history for post-processing and
// completion, so one snapshot reads both.
package sabnzbd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/windlass/windlass/internal/downloader/types"
)

// Config holds the configuration for a SABnzbd client.
type Config struct {
	Host               string
	Port               int
	APIKey             string
	UseSSL             bool
	URLBase            string
	Category           string
	RemotePathMappings []types.RemotePathMapping
}

// Client implements the SABnzbd JSON API.
type Client struct {
	config     Config
	httpClient *http.Client
}

var _ types.Client = (*Client)(nil)

// New creates a new SABnzbd client.
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
		APIKey:             cfg.APIKey,
		UseSSL:             cfg.UseSSL,
		URLBase:            cfg.URLBase,
		Category:           cfg.Category,
		RemotePathMappings: cfg.RemotePathMappings,
	})
}

// Type returns the client type.
func (c *Client) Type() types.ClientType {
	return types.ClientTypeSABnzbd
}

// Protocol returns the protocol.
func (c *Client) Protocol() types.Protocol {
	return types.ProtocolUsenet
}

// Test verifies connectivity and the API key.
func (c *Client) Test(ctx context.Context) error {
	params := url.Values{}
	params.Set("mode", "version")
	_, err := c.call(ctx, params)
	return err
}

type queueSlot struct {
	NzoID    string `json:"nzo_id"`
	Filename string `json:"filename"`
	Status   string `json:"status"`
	MB       string `json:"mb"`
	MBLeft   string `json:"mbleft"`
	TimeLeft string `json:"timeleft"`
	Category string `json:"cat"`
}

type historySlot struct {
	NzoID       string `json:"nzo_id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Storage     string `json:"storage"`
	FailMessage string `json:"fail_message"`
	Category    string `json:"category"`
	Bytes       int64  `json:"bytes"`
}

// GetItems returns a merged snapshot of the queue and history.
func (c *Client) GetItems(ctx context.Context) ([]types.Item, error) {
	queueParams := url.Values{}
	queueParams.Set("mode", "queue")
	queueBody, err := c.call(ctx, queueParams)
	if err != nil {
		return nil, err
	}

	var queueResp struct {
		Queue struct {
			Slots []queueSlot `json:"slots"`
		} `json:"queue"`
	}
	if err := json.Unmarshal(queueBody, &queueResp); err != nil {
		return nil, fmt.Errorf("failed to decode queue: %w", err)
	}

	historyParams := url.Values{}
	historyParams.Set("mode", "history")
	historyBody, err := c.call(ctx, historyParams)
	if err != nil {
		return nil, err
	}

	var historyResp struct {
		History struct {
			Slots []historySlot `json:"slots"`
		} `json:"history"`
	}
	if err := json.Unmarshal(historyBody, &historyResp); err != nil {
		return nil, fmt.Errorf("failed to decode history: %w", err)
	}

	items := make([]types.Item, 0, len(queueResp.Queue.Slots)+len(historyResp.History.Slots))
	for _, slot := range queueResp.Queue.Slots {
		if !c.inCategory(slot.Category) {
			continue
		}
		items = append(items, c.mapQueueSlot(slot))
	}
	for _, slot := range historyResp.History.Slots {
		if !c.inCategory(slot.Category) {
			continue
		}
		items = append(items, c.mapHistorySlot(slot))
	}
	return items, nil
}

// Add submits an NZB by URL or content and returns its queue ID.
func (c *Client) Add(ctx context.Context, opts types.AddOptions) (string, error) {
	category := opts.Category
	if category == "" {
		category = c.config.Category
	}

	var body []byte
	var err error
	switch {
	case opts.URL != "":
		params := url.Values{}
		params.Set("mode", "addurl")
		params.Set("name", opts.URL)
		if category != "" {
			params.Set("cat", category)
		}
		body, err = c.call(ctx, params)
	case len(opts.FileContent) > 0:
		body, err = c.upload(ctx, opts.Name, opts.FileContent, category)
	default:
		return "", fmt.Errorf("either URL or FileContent must be provided")
	}
	if err != nil {
		return "", err
	}

	var addResp struct {
		Status bool     `json:"status"`
		NzoIDs []string `json:"nzo_ids"`
	}
	if err := json.Unmarshal(body, &addResp); err != nil {
		return "", fmt.Errorf("failed to decode add response: %w", err)
	}
	if !addResp.Status || len(addResp.NzoIDs) == 0 {
		return "", fmt.Errorf("SABnzbd rejected the NZB")
	}
	return addResp.NzoIDs[0], nil
}

// Remove deletes a download from the queue or history.
func (c *Client) Remove(ctx context.Context, id string, deleteData bool) error {
	delFiles := "0"
	if deleteData {
		delFiles = "1"
	}

	// The item is in exactly one of queue or history; deleting from the
	// wrong one reports false without side effects.
	for _, mode := range []string{"queue", "history"} {
		params := url.Values{}
		params.Set("mode", mode)
		params.Set("name", "delete")
		params.Set("value", id)
		params.Set("del_files", delFiles)

		body, err := c.call(ctx, params)
		if err != nil {
			return err
		}
		var resp struct {
			Status bool `json:"status"`
		}
		if err := json.Unmarshal(body, &resp); err == nil && resp.Status {
			return nil
		}
	}
	return types.ErrNotFound
}

// Status reports where SABnzbd writes completed downloads.
func (c *Client) Status(ctx context.Context) (*types.ClientStatus, error) {
	params := url.Values{}
	params.Set("mode", "get_config")
	params.Set("section", "misc")
	body, err := c.call(ctx, params)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Config struct {
			Misc struct {
				CompleteDir string `json:"complete_dir"`
			} `json:"misc"`
		} `json:"config"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	status := &types.ClientStatus{
		IsLocalhost: types.IsLocalhost(c.config.Host),
	}
	if dir := resp.Config.Misc.CompleteDir; dir != "" {
		status.OutputRootFolders = []string{types.RemapRemotePath(dir, c.config.RemotePathMappings)}
	}
	return status, nil
}

func (c *Client) inCategory(category string) bool {
	if c.config.Category == "" {
		return true
	}
	// SABnzbd reports "*" for items with no category.
	return strings.EqualFold(category, c.config.Category)
}

func (c *Client) mapQueueSlot(slot queueSlot) types.Item {
	total := int64(parseMB(slot.MB))
	left := int64(parseMB(slot.MBLeft))

	return types.Item{
		DownloadID:    slot.NzoID,
		Title:         slot.Filename,
		Category:      slot.Category,
		Status:        mapQueueStatus(slot.Status),
		TotalSize:     total,
		RemainingSize: left,
		RemainingTime: parseTimeLeft(slot.TimeLeft),
	}
}

func (c *Client) mapHistorySlot(slot historySlot) types.Item {
	item := types.Item{
		DownloadID: slot.NzoID,
		Title:      slot.Name,
		Category:   slot.Category,
		Status:     mapHistoryStatus(slot.Status),
		TotalSize:  slot.Bytes,
		OutputPath: types.RemapRemotePath(slot.Storage, c.config.RemotePathMappings),
	}
	if item.Status == types.StatusFailed {
		item.StatusMessage = slot.FailMessage
	}
	if item.Status == types.StatusCompleted {
		// No seeding obligations on usenet.
		item.CanBeRemoved = true
		item.CanMoveFiles = true
	}
	return item
}

// mapQueueStatus reduces SABnzbd queue states to the canonical six.
func mapQueueStatus(status string) types.Status {
	switch status {
	case "Paused":
		return types.StatusPaused
	case "Queued", "Grabbing", "Propagating":
		return types.StatusQueued
	case "Downloading", "Checking", "Fetching":
		return types.StatusDownloading
	default:
		return types.StatusDownloading
	}
}

// mapHistoryStatus reduces SABnzbd history states. Post-processing states
// still count as downloading; the payload is not ready to import yet.
func mapHistoryStatus(status string) types.Status {
	switch status {
	case "Completed":
		return types.StatusCompleted
	case "Failed":
		return types.StatusFailed
	case "Queued":
		return types.StatusQueued
	case "Paused":
		return types.StatusPaused
	default: // Verifying, Repairing, Extracting, Moving, Running
		return types.StatusDownloading
	}
}

func parseMB(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v * 1024 * 1024
}

// parseTimeLeft parses SABnzbd's "h:mm:ss" countdown.
func parseTimeLeft(s string) time.Duration {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 3 {
		return 0
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	sec, err3 := strconv.Atoi(parts[2])
	if err1 != nil || err2 != nil || err3 != nil {
		return 0
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec)*time.Second
}

func (c *Client) baseURL() string {
	scheme := "http"
	if c.config.UseSSL {
		scheme = "https"
	}
	base := strings.TrimRight(c.config.URLBase, "/")
	return fmt.Sprintf("%s://%s:%d%s/api", scheme, c.config.Host, c.config.Port, base)
}

func (c *Client) call(ctx context.Context, params url.Values) ([]byte, error) {
	params.Set("output", "json")
	params.Set("apikey", c.config.APIKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL()+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	return c.do(req)
}

func (c *Client) upload(ctx context.Context, name string, content []byte, category string) ([]byte, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	if name == "" {
		name = "download.nzb"
	}
	part, err := writer.CreateFormFile("name", name)
	if err != nil {
		return nil, fmt.Errorf("failed to build upload: %w", err)
	}
	if _, err := part.Write(content); err != nil {
		return nil, fmt.Errorf("failed to build upload: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to build upload: %w", err)
	}

	params := url.Values{}
	params.Set("mode", "addfile")
	params.Set("output", "json")
	params.Set("apikey", c.config.APIKey)
	if category != "" {
		params.Set("cat", category)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL()+"?"+params.Encode(), &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, types.ErrAuthFailed
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	// API key errors come back as 200 with an error field.
	var errResp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		if strings.Contains(strings.ToLower(errResp.Error), "api key") {
			return nil, types.ErrAuthFailed
		}
		return nil, fmt.Errorf("SABnzbd error: %s", errResp.Error)
	}
	return body, nil
}
