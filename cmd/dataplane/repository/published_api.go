package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"

	"github.com/maxdp/dataplane/cmd/dataplane/models"
	"github.com/maxdp/dataplane/common/db"
)

// ErrNotFound is returned when no published API matches the lookup
var ErrNotFound = errors.New("published api not found")

// PublishedAPIStore resolves published API records. The control plane owns
// writes; the data plane only reads.
type PublishedAPIStore interface {
	FindByPath(ctx context.Context, endpointPath string) (*models.PublishedAPI, error)
	FindByID(ctx context.Context, id string) (*models.PublishedAPI, error)
}

// PostgresStore reads published APIs from Postgres
type PostgresStore struct {
	db *db.DB
}

// NewPostgresStore creates a Postgres-backed store
func NewPostgresStore(database *db.DB) *PostgresStore {
	return &PostgresStore{db: database}
}

const apiColumns = `
	id, api_name, endpoint_path, version, is_active,
	flow_definition, trigger_type, created_at, updated_at`

// FindByPath resolves an API by its endpoint path. Paths are stored
// without a leading slash.
func (s *PostgresStore) FindByPath(ctx context.Context, endpointPath string) (*models.PublishedAPI, error) {
	query := `
		SELECT` + apiColumns + `
		FROM published_apis
		WHERE endpoint_path = $1
		ORDER BY version DESC
		LIMIT 1`

	return s.scanOne(ctx, query, normalizePath(endpointPath))
}

// FindByID resolves an API by its id
func (s *PostgresStore) FindByID(ctx context.Context, id string) (*models.PublishedAPI, error) {
	query := `
		SELECT` + apiColumns + `
		FROM published_apis
		WHERE id = $1`

	return s.scanOne(ctx, query, id)
}

func (s *PostgresStore) scanOne(ctx context.Context, query string, arg any) (*models.PublishedAPI, error) {
	var api models.PublishedAPI
	err := s.db.QueryRow(ctx, query, arg).Scan(
		&api.ID,
		&api.APIName,
		&api.EndpointPath,
		&api.Version,
		&api.IsActive,
		&api.FlowDefinition,
		&api.TriggerType,
		&api.CreatedAt,
		&api.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query published api: %w", err)
	}
	return &api, nil
}

// MemoryStore is an in-memory store used in tests and when running
// without a database.
type MemoryStore struct {
	mu     sync.RWMutex
	byID   map[string]*models.PublishedAPI
	byPath map[string]*models.PublishedAPI
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:   make(map[string]*models.PublishedAPI),
		byPath: make(map[string]*models.PublishedAPI),
	}
}

// Put inserts or replaces a record
func (s *MemoryStore) Put(api *models.PublishedAPI) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[api.ID] = api
	s.byPath[normalizePath(api.EndpointPath)] = api
}

// FindByPath resolves an API by its endpoint path
func (s *MemoryStore) FindByPath(ctx context.Context, endpointPath string) (*models.PublishedAPI, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	api, ok := s.byPath[normalizePath(endpointPath)]
	if !ok {
		return nil, ErrNotFound
	}
	return api, nil
}

// FindByID resolves an API by its id
func (s *MemoryStore) FindByID(ctx context.Context, id string) (*models.PublishedAPI, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	api, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return api, nil
}

func normalizePath(p string) string {
	return strings.Trim(p, "/")
}
