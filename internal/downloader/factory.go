package downloader

import (
	"errors"
	"fmt"

	"github.com/windlass/windlass/internal/downloader/deluge"
	"github.com/windlass/windlass/internal/downloader/mock"
	"github.com/windlass/windlass/internal/downloader/qbittorrent"
	"github.com/windlass/windlass/internal/downloader/sabnzbd"
	"github.com/windlass/windlass/internal/downloader/transmission"
	"github.com/windlass/windlass/internal/downloader/types"
)

var ErrUnsupportedClient = errors.New("unsupported client type")

// NewClient creates a protocol adapter of the given type.
func NewClient(clientType types.ClientType, cfg *types.ClientConfig) (types.Client, error) {
	switch clientType {
	case types.ClientTypeTransmission:
		return transmission.NewFromConfig(cfg), nil
	case types.ClientTypeQBittorrent:
		return qbittorrent.NewFromConfig(cfg), nil
	case types.ClientTypeDeluge:
		return deluge.NewFromConfig(cfg), nil
	case types.ClientTypeSABnzbd:
		return sabnzbd.NewFromConfig(cfg), nil
	case types.ClientTypeMock:
		return mock.NewFromConfig(cfg), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedClient, clientType)
	}
}
