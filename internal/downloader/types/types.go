// Package types defines shared types for download client adapters.
package types

import (
	"context"
	"errors"
	"time"
)

// Common errors for download clients.
var (
	ErrNotImplemented = errors.New("operation not implemented")
	ErrNotConnected   = errors.New("client not connected")
	ErrAuthFailed     = errors.New("authentication failed")
	ErrNotFound       = errors.New("download not found")
)

// Protocol represents the download protocol.
type Protocol string

const (
	ProtocolTorrent Protocol = "torrent"
	ProtocolUsenet  Protocol = "usenet"
)

// ClientType represents the type of download client.
type ClientType string

const (
	ClientTypeTransmission ClientType = "transmission"
	ClientTypeQBittorrent  ClientType = "qbittorrent"
	ClientTypeDeluge       ClientType = "deluge"
	ClientTypeSABnzbd      ClientType = "sabnzbd"
	ClientTypeMock         ClientType = "mock" // in-memory client for tests and developer mode
)

// ProtocolForClient returns the protocol for a given client type.
func ProtocolForClient(clientType ClientType) Protocol {
	switch clientType {
	case ClientTypeTransmission, ClientTypeQBittorrent, ClientTypeDeluge, ClientTypeMock:
		return ProtocolTorrent
	case ClientTypeSABnzbd:
		return ProtocolUsenet
	default:
		return ""
	}
}

// RemotePathMapping rewrites a path reported by a remote client into a path
// reachable from this process.
type RemotePathMapping struct {
	RemotePath string
	LocalPath  string
}

// ClientConfig holds common configuration for all download clients.
type ClientConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	UseSSL   bool
	APIKey   string   // for clients that use API keys (SABnzbd)
	URLBase  string   // path prefix when the client sits behind a reverse proxy
	Category string   // category/label this instance manages
	Tags     []string // additional labels; an item must carry ALL of them to be listed

	RemotePathMappings []RemotePathMapping

	SeedRatioTarget *float64 // torrents below this ratio cannot be moved or removed
}

// Status represents the canonical state of a download. Backends with richer
// native states must map to the closest of these six.
type Status string

const (
	StatusQueued      Status = "queued"
	StatusPaused      Status = "paused"
	StatusDownloading Status = "downloading"
	StatusWarning     Status = "warning"
	StatusFailed      Status = "failed"
	StatusCompleted   Status = "completed"
)

// Item is the normalized snapshot of one download. Adapters build a fresh
// Item on every poll and never mutate one after returning it.
type Item struct {
	DownloadID    string        `json:"downloadId"`
	Title         string        `json:"title"`
	Category      string        `json:"category,omitempty"`
	Status        Status        `json:"status"`
	StatusMessage string        `json:"statusMessage,omitempty"`
	OutputPath    string        `json:"outputPath"`
	TotalSize     int64         `json:"totalSize"`
	RemainingSize int64         `json:"remainingSize"`
	RemainingTime time.Duration `json:"remainingTime"`
	SeedRatio     float64       `json:"seedRatio,omitempty"`

	// CanBeRemoved and CanMoveFiles are false whenever the backend cannot
	// guarantee seeding or integrity survives a delete or move.
	CanBeRemoved bool `json:"canBeRemoved"`
	CanMoveFiles bool `json:"canMoveFiles"`
	IsReadOnly   bool `json:"isReadOnly"`
}

// ClientStatus describes where a client writes its downloads.
type ClientStatus struct {
	IsLocalhost       bool
	OutputRootFolders []string
}

// AddOptions specifies options for adding a download.
type AddOptions struct {
	URL         string // URL to a torrent/nzb file or magnet link
	FileContent []byte // raw torrent/nzb file content
	Name        string // display name (used by the mock client)
	Category    string
	DownloadDir string
	Paused      bool
}

// Client is the common contract every download client adapter satisfies.
type Client interface {
	Type() ClientType
	Protocol() Protocol

	// Test verifies connectivity and credentials.
	Test(ctx context.Context) error

	// GetItems returns a fresh snapshot of every download this instance
	// manages, already filtered by category/tags and path-remapped.
	GetItems(ctx context.Context) ([]Item, error)

	// Add submits a release and returns its download ID.
	Add(ctx context.Context, opts AddOptions) (string, error)

	// Remove deletes a download, optionally with its data. Adapters that
	// cannot remove must return ErrNotImplemented rather than no-op.
	Remove(ctx context.Context, id string, deleteData bool) error

	// Status reports where the client lives and writes.
	Status(ctx context.Context) (*ClientStatus, error)
}
