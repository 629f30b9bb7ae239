// Package downloader manages download client configurations and builds
// protocol adapters from them.
package downloader

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/windlass/windlass/internal/downloader/types"
)

var (
	ErrClientNotFound = errors.New("download client not found")
	ErrInvalidClient  = errors.New("invalid download client")
)

// DownloadClient is a stored download client configuration.
type DownloadClient struct {
	ID              int64            `json:"id"`
	Name            string           `json:"name"`
	Type            types.ClientType `json:"type"`
	Host            string           `json:"host"`
	Port            int              `json:"port"`
	Username        string           `json:"username,omitempty"`
	Password        string           `json:"password,omitempty"`
	APIKey          string           `json:"apiKey,omitempty"`
	URLBase         string           `json:"urlBase,omitempty"`
	UseSSL          bool             `json:"useSsl"`
	Category        string           `json:"category,omitempty"`
	Tags            []string         `json:"tags,omitempty"`
	Priority        int              `json:"priority"`
	Enabled         bool             `json:"enabled"`
	SeedRatioTarget *float64         `json:"seedRatioTarget,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

// Protocol returns the transfer protocol this client speaks.
func (c *DownloadClient) Protocol() types.Protocol {
	return types.ProtocolForClient(c.Type)
}

// ClientInput is the input for creating or updating a download client.
type ClientInput struct {
	Name            string           `json:"name"`
	Type            types.ClientType `json:"type"`
	Host            string           `json:"host"`
	Port            int              `json:"port"`
	Username        string           `json:"username,omitempty"`
	Password        string           `json:"password,omitempty"`
	APIKey          string           `json:"apiKey,omitempty"`
	URLBase         string           `json:"urlBase,omitempty"`
	UseSSL          bool             `json:"useSsl"`
	Category        string           `json:"category,omitempty"`
	Tags            []string         `json:"tags,omitempty"`
	Priority        int              `json:"priority"`
	Enabled         bool             `json:"enabled"`
	SeedRatioTarget *float64         `json:"seedRatioTarget,omitempty"`
}

// TestResult reports the outcome of a connection test.
type TestResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Service provides download client configuration storage.
type Service struct {
	db     *sql.DB
	logger zerolog.Logger
}

// NewService creates a new download client service.
func NewService(db *sql.DB, logger zerolog.Logger) *Service {
	return &Service{
		db:     db,
		logger: logger.With().Str("component", "downloader").Logger(),
	}
}

const clientColumns = `id, name, type, host, port, username, password, api_key, url_base,
	use_ssl, category, tags, priority, enabled, seed_ratio_target, created_at, updated_at`

// Get retrieves a download client by ID.
func (s *Service) Get(ctx context.Context, id int64) (*DownloadClient, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+clientColumns+` FROM download_clients WHERE id = ?`, id)
	client, err := scanClient(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrClientNotFound
		}
		return nil, fmt.Errorf("failed to get download client: %w", err)
	}
	return client, nil
}

// List returns all download clients ordered by priority.
func (s *Service) List(ctx context.Context) ([]*DownloadClient, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+clientColumns+` FROM download_clients ORDER BY priority ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list download clients: %w", err)
	}
	defer rows.Close()

	var clients []*DownloadClient
	for rows.Next() {
		client, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan download client: %w", err)
		}
		clients = append(clients, client)
	}
	return clients, rows.Err()
}

// ListEnabled returns enabled clients ordered by priority.
func (s *Service) ListEnabled(ctx context.Context) ([]*DownloadClient, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+clientColumns+` FROM download_clients WHERE enabled = 1 ORDER BY priority ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list download clients: %w", err)
	}
	defer rows.Close()

	var clients []*DownloadClient
	for rows.Next() {
		client, err := scanClient(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan download client: %w", err)
		}
		clients = append(clients, client)
	}
	return clients, rows.Err()
}

// Create stores a new download client configuration.
func (s *Service) Create(ctx context.Context, input ClientInput) (*DownloadClient, error) {
	if err := validateInput(input); err != nil {
		return nil, err
	}
	if input.Priority == 0 {
		input.Priority = 50
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO download_clients
			(name, type, host, port, username, password, api_key, url_base,
			 use_ssl, category, tags, priority, enabled, seed_ratio_target)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		input.Name, string(input.Type), input.Host, input.Port,
		nullString(input.Username), nullString(input.Password),
		nullString(input.APIKey), nullString(input.URLBase),
		boolInt(input.UseSSL), nullString(input.Category),
		nullString(strings.Join(input.Tags, ",")),
		input.Priority, boolInt(input.Enabled), input.SeedRatioTarget)
	if err != nil {
		return nil, fmt.Errorf("failed to create download client: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to create download client: %w", err)
	}

	s.logger.Info().
		Int64("id", id).
		Str("name", input.Name).
		Str("type", string(input.Type)).
		Msg("Created download client")
	return s.Get(ctx, id)
}

// Update replaces an existing download client configuration.
func (s *Service) Update(ctx context.Context, id int64, input ClientInput) (*DownloadClient, error) {
	if err := validateInput(input); err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE download_clients SET
			name = ?, type = ?, host = ?, port = ?, username = ?, password = ?,
			api_key = ?, url_base = ?, use_ssl = ?, category = ?, tags = ?,
			priority = ?, enabled = ?, seed_ratio_target = ?,
			updated_at = CURRENT_TIMESTAMP
		 WHERE id = ?`,
		input.Name, string(input.Type), input.Host, input.Port,
		nullString(input.Username), nullString(input.Password),
		nullString(input.APIKey), nullString(input.URLBase),
		boolInt(input.UseSSL), nullString(input.Category),
		nullString(strings.Join(input.Tags, ",")),
		input.Priority, boolInt(input.Enabled), input.SeedRatioTarget, id)
	if err != nil {
		return nil, fmt.Errorf("failed to update download client: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrClientNotFound
	}

	s.logger.Info().Int64("id", id).Str("name", input.Name).Msg("Updated download client")
	return s.Get(ctx, id)
}

// Delete removes a download client and its remote path mappings.
func (s *Service) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM download_clients WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete download client: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrClientNotFound
	}

	s.logger.Info().Int64("id", id).Msg("Deleted download client")
	return nil
}

// Test connects to a stored client and reports the result. Errors from the
// client are folded into the result so callers can show them verbatim.
func (s *Service) Test(ctx context.Context, id int64) (*TestResult, error) {
	stored, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	client, err := s.Build(ctx, stored)
	if err != nil {
		return &TestResult{Success: false, Message: err.Error()}, nil
	}
	if err := client.Test(ctx); err != nil {
		return &TestResult{Success: false, Message: err.Error()}, nil
	}
	return &TestResult{Success: true, Message: "Connection successful"}, nil
}

// Build constructs the protocol adapter for a stored configuration,
// including its remote path mappings.
func (s *Service) Build(ctx context.Context, stored *DownloadClient) (types.Client, error) {
	mappings, err := s.MappingsFor(ctx, stored.ID)
	if err != nil {
		return nil, err
	}

	cfg := &types.ClientConfig{
		Host:               stored.Host,
		Port:               stored.Port,
		Username:           stored.Username,
		Password:           stored.Password,
		APIKey:             stored.APIKey,
		URLBase:            stored.URLBase,
		UseSSL:             stored.UseSSL,
		Category:           stored.Category,
		Tags:               stored.Tags,
		SeedRatioTarget:    stored.SeedRatioTarget,
		RemotePathMappings: mappings,
	}
	return NewClient(stored.Type, cfg)
}

// RemotePathMapping pairs a stored mapping with its row ID.
type RemotePathMapping struct {
	ID         int64  `json:"id"`
	ClientID   int64  `json:"clientId"`
	RemotePath string `json:"remotePath"`
	LocalPath  string `json:"localPath"`
}

// MappingsFor returns the remote path mappings for a client.
func (s *Service) MappingsFor(ctx context.Context, clientID int64) ([]types.RemotePathMapping, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT remote_path, local_path FROM remote_path_mappings WHERE client_id = ? ORDER BY id ASC`,
		clientID)
	if err != nil {
		return nil, fmt.Errorf("failed to list remote path mappings: %w", err)
	}
	defer rows.Close()

	var mappings []types.RemotePathMapping
	for rows.Next() {
		var m types.RemotePathMapping
		if err := rows.Scan(&m.RemotePath, &m.LocalPath); err != nil {
			return nil, fmt.Errorf("failed to scan remote path mapping: %w", err)
		}
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}

// AddMapping stores a remote path mapping for a client.
func (s *Service) AddMapping(ctx context.Context, clientID int64, remotePath, localPath string) (*RemotePathMapping, error) {
	if remotePath == "" || localPath == "" {
		return nil, ErrInvalidClient
	}
	if _, err := s.Get(ctx, clientID); err != nil {
		return nil, err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO remote_path_mappings (client_id, remote_path, local_path) VALUES (?, ?, ?)`,
		clientID, remotePath, localPath)
	if err != nil {
		return nil, fmt.Errorf("failed to add remote path mapping: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to add remote path mapping: %w", err)
	}

	return &RemotePathMapping{ID: id, ClientID: clientID, RemotePath: remotePath, LocalPath: localPath}, nil
}

// DeleteMapping removes a remote path mapping.
func (s *Service) DeleteMapping(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM remote_path_mappings WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete remote path mapping: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrClientNotFound
	}
	return nil
}

func validateInput(input ClientInput) error {
	if input.Name == "" || input.Host == "" {
		return ErrInvalidClient
	}
	switch input.Type {
	case types.ClientTypeTransmission, types.ClientTypeQBittorrent,
		types.ClientTypeDeluge, types.ClientTypeSABnzbd, types.ClientTypeMock:
		return nil
	default:
		return ErrUnsupportedClient
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClient(row rowScanner) (*DownloadClient, error) {
	var (
		c         DownloadClient
		clientTyp string
		username  sql.NullString
		password  sql.NullString
		apiKey    sql.NullString
		urlBase   sql.NullString
		category  sql.NullString
		tags      sql.NullString
		useSSL    int64
		enabled   int64
		seedRatio sql.NullFloat64
	)
	err := row.Scan(&c.ID, &c.Name, &clientTyp, &c.Host, &c.Port,
		&username, &password, &apiKey, &urlBase, &useSSL, &category, &tags,
		&c.Priority, &enabled, &seedRatio, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}

	c.Type = types.ClientType(clientTyp)
	c.Username = username.String
	c.Password = password.String
	c.APIKey = apiKey.String
	c.URLBase = urlBase.String
	c.UseSSL = useSSL != 0
	c.Category = category.String
	c.Enabled = enabled != 0
	if tags.String != "" {
		c.Tags = strings.Split(tags.String, ",")
	}
	if seedRatio.Valid {
		v := seedRatio.Float64
		c.SeedRatioTarget = &v
	}
	return &c, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
