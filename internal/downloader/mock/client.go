// Package mock provides an in-memory download client for tests and
// developer mode. Downloads progress over simulated time and can be
// fast-forwarded or driven directly through the scripting helpers.
package mock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/windlass/windlass/internal/downloader/types"
)

const (
	// DownloadDuration is how long a simulated download takes (seconds).
	DownloadDuration = 300.0
	// DownloadDir is the simulated output directory.
	DownloadDir = "/mock/downloads"
)

// Client is an in-memory types.Client. Every instance is independent, so
// tests can run in parallel without sharing state.
type Client struct {
	mu       sync.RWMutex
	category string
	items    map[string]*download
	err      error // returned by GetItems when set
}

type download struct {
	item    types.Item
	addedAt time.Time
}

var _ types.Client = (*Client)(nil)

// New creates an empty mock client.
func New() *Client {
	return &Client{items: make(map[string]*download)}
}

// NewFromConfig creates a mock client tagged with the config's category.
func NewFromConfig(cfg *types.ClientConfig) *Client {
	c := New()
	c.category = cfg.Category
	return c
}

func (c *Client) Type() types.ClientType {
	return types.ClientTypeMock
}

func (c *Client) Protocol() types.Protocol {
	return types.ProtocolTorrent
}

func (c *Client) Test(_ context.Context) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.err
}

// Add registers a simulated download and returns its generated ID.
func (c *Client) Add(_ context.Context, opts types.AddOptions) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err != nil {
		return "", c.err
	}

	id := generateID()
	name := opts.Name
	if name == "" {
		name = opts.URL
	}
	if name == "" {
		name = "Mock Download"
	}

	dir := opts.DownloadDir
	if dir == "" {
		dir = DownloadDir
	}
	category := opts.Category
	if category == "" {
		category = c.category
	}

	status := types.StatusDownloading
	if opts.Paused {
		status = types.StatusPaused
	}

	const size = 2 * 1024 * 1024 * 1024

	c.items[id] = &download{
		item: types.Item{
			DownloadID:    id,
			Title:         name,
			Category:      category,
			Status:        status,
			OutputPath:    types.JoinPaths(dir, name),
			TotalSize:     size,
			RemainingSize: size,
		},
		addedAt: time.Now(),
	}
	return id, nil
}

// GetItems returns a snapshot of every download, with progress advanced
// by wall-clock time since Add.
func (c *Client) GetItems(_ context.Context) ([]types.Item, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err != nil {
		return nil, c.err
	}

	items := make([]types.Item, 0, len(c.items))
	now := time.Now()
	for _, d := range c.items {
		items = append(items, c.snapshot(d, now))
	}
	return items, nil
}

func (c *Client) snapshot(d *download, now time.Time) types.Item {
	item := d.item
	if item.Status != types.StatusDownloading {
		return item
	}

	elapsed := now.Sub(d.addedAt).Seconds()
	if elapsed >= DownloadDuration {
		item.Status = types.StatusCompleted
		item.RemainingSize = 0
		item.CanBeRemoved = true
		item.CanMoveFiles = true
		d.item = item
		return item
	}

	fraction := elapsed / DownloadDuration
	item.RemainingSize = int64(float64(item.TotalSize) * (1 - fraction))
	item.RemainingTime = time.Duration((DownloadDuration - elapsed) * float64(time.Second))
	return item
}

func (c *Client) Remove(_ context.Context, id string, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.items[id]; !ok {
		return types.ErrNotFound
	}
	delete(c.items, id)
	return nil
}

func (c *Client) Status(_ context.Context) (*types.ClientStatus, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.err != nil {
		return nil, c.err
	}
	return &types.ClientStatus{
		IsLocalhost:       true,
		OutputRootFolders: []string{DownloadDir},
	}, nil
}

// AddItem injects an item as-is, bypassing progress simulation. Tests use
// this to put a download into an exact state.
func (c *Client) AddItem(item types.Item) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[item.DownloadID] = &download{item: item, addedAt: time.Now()}
}

// SetStatus moves a download to the given status and freezes it there.
func (c *Client) SetStatus(id string, status types.Status, message string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, ok := c.items[id]
	if !ok {
		return types.ErrNotFound
	}
	d.item.Status = status
	d.item.StatusMessage = message
	if status == types.StatusCompleted {
		d.item.RemainingSize = 0
		d.item.RemainingTime = 0
		d.item.CanBeRemoved = true
		d.item.CanMoveFiles = true
	}
	return nil
}

// FastForward instantly completes a download.
func (c *Client) FastForward(id string) error {
	return c.SetStatus(id, types.StatusCompleted, "")
}

// SetError makes every subsequent call fail with err until cleared with nil.
func (c *Client) SetError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.err = err
}

func generateID() string {
	b := make([]byte, 20)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
