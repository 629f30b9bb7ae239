package history

import (
	"encoding/json"
	"time"

	"github.com/windlass/windlass/internal/downloader/types"
	"github.com/windlass/windlass/internal/quality"
)

// EventType represents the type of history event.
type EventType string

const (
	EventTypeGrabbed  EventType = "grabbed"
	EventTypeImported EventType = "imported"
	EventTypeFailed   EventType = "failed"
	EventTypeIgnored  EventType = "ignored"
)

// Data keys shared across event types.
const (
	DataKeyQuality         = "quality"
	DataKeyTorrentInfoHash = "torrentInfoHash"
	DataKeySize            = "size"
	DataKeyPublishedDate   = "publishedDate"
	DataKeyReleaseGroup    = "releaseGroup"
	DataKeyDownloadClient  = "downloadClient"
	DataKeyImportedPath    = "importedPath"
	DataKeyMessage         = "message"
)

// Record is one download history event. Records are append-only.
type Record struct {
	ID          int64             `json:"id"`
	EventType   EventType         `json:"eventType"`
	MovieID     int64             `json:"movieId"`
	DownloadID  string            `json:"downloadId,omitempty"`
	SourceTitle string            `json:"sourceTitle"`
	Protocol    types.Protocol    `json:"protocol"`
	Indexer     string            `json:"indexer,omitempty"`
	IndexerID   int64             `json:"indexerId,omitempty"`
	Data        map[string]string `json:"data,omitempty"`
	Date        time.Time         `json:"date"`
}

// GrabbedQuality decodes the quality stored on the record, usually a grab
// event. Returns nil when the record carries none.
func (r *Record) GrabbedQuality() *quality.Quality {
	raw, ok := r.Data[DataKeyQuality]
	if !ok || raw == "" {
		return nil
	}
	var q quality.Quality
	if err := json.Unmarshal([]byte(raw), &q); err != nil {
		return nil
	}
	return &q
}

// GrabInput describes a grab event to record.
type GrabInput struct {
	MovieID         int64
	DownloadID      string
	SourceTitle     string
	Protocol        types.Protocol
	Indexer         string
	IndexerID       int64
	Quality         quality.Quality
	TorrentInfoHash string
	Size            int64
	PublishedDate   time.Time
	ReleaseGroup    string
	DownloadClient  string
}
