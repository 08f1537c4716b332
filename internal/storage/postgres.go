// internal/storage/postgres.go
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/givebridge/sharecore/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres provides persistent storage for share links and read access to
// the entity collections.
type Postgres struct {
	db *pgxpool.Pool // Connection pool to PostgreSQL database
}

// collectionTables maps each collection to its table. Table names never
// come from request input.
var collectionTables = map[model.Collection]string{
	model.CollectionUsers:      "users",
	model.CollectionNGOs:       "ngos",
	model.CollectionCompanies:  "companies",
	model.CollectionCampaigns:  "campaigns",
	model.CollectionDonations:  "donations",
	model.CollectionActivities: "activities",
}

// NewPostgres creates a new PostgreSQL storage implementation.
// It establishes a connection pool to the database and initializes the schema.
// Parameters:
//   - dsn: Database connection string in PostgreSQL format
//
// Returns:
//   - *Postgres: Implementation of the storage interface
//   - error: Any error that occurred during initialization
func NewPostgres(dsn string) (*Postgres, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid database DSN: %w", err)
	}

	// Connection pool settings
	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = time.Minute * 30
	config.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Postgres{db: pool}, nil
}

// initSchema creates the share_links table and, for development databases,
// empty document tables for the collaborator collections.
func initSchema(ctx context.Context, db *pgxpool.Pool) error {
	var b strings.Builder
	b.WriteString(`
		-- Share links; token is the external handle, id the internal key
		CREATE TABLE IF NOT EXISTS share_links (
		    id TEXT PRIMARY KEY,
		    token TEXT NOT NULL UNIQUE,
		    resource_type TEXT NOT NULL CHECK (resource_type IN ('profile', 'campaign', 'portfolio')),
		    resource_id TEXT NOT NULL,
		    custom_design JSONB,
		    is_active BOOLEAN NOT NULL DEFAULT TRUE,
		    view_count BIGINT NOT NULL DEFAULT 0 CHECK (view_count >= 0),
		    last_viewed TIMESTAMP WITH TIME ZONE,
		    expires_at TIMESTAMP WITH TIME ZONE,
		    created_by TEXT NOT NULL,
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		    updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_share_links_created_by ON share_links(created_by, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_share_links_resource ON share_links(resource_type, resource_id);
	`)

	for _, c := range model.Collections {
		table := collectionTables[c]
		fmt.Fprintf(&b, `
		CREATE TABLE IF NOT EXISTS %[1]s (
		    id TEXT PRIMARY KEY,
		    body JSONB NOT NULL,
		    created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
		);`, table)
	}

	_, err := db.Exec(ctx, b.String())
	return err
}

// Close closes the database connection pool
func (p *Postgres) Close() {
	p.db.Close()
}

// Ping checks database connectivity.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.Ping(ctx)
}

const shareLinkColumns = `id, token, resource_type, resource_id, custom_design, is_active,
	view_count, last_viewed, expires_at, created_by, created_at, updated_at`

// scanShareLink reads one share_links row in shareLinkColumns order.
func scanShareLink(row pgx.Row) (*model.ShareLink, error) {
	var link model.ShareLink
	var designJSON []byte
	var resourceType string

	err := row.Scan(
		&link.ID,
		&link.Token,
		&resourceType,
		&link.ResourceID,
		&designJSON,
		&link.IsActive,
		&link.ViewCount,
		&link.LastViewed,
		&link.ExpiresAt,
		&link.CreatedBy,
		&link.CreatedAt,
		&link.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	link.ResourceType = model.ResourceType(resourceType)

	if len(designJSON) > 0 {
		var design model.CustomDesign
		if err := json.Unmarshal(designJSON, &design); err != nil {
			return nil, fmt.Errorf("failed to unmarshal custom design: %w", err)
		}
		link.CustomDesign = &design
	}
	return &link, nil
}

func marshalDesign(design *model.CustomDesign) ([]byte, error) {
	if design == nil {
		return nil, nil
	}
	b, err := json.Marshal(design)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal custom design: %w", err)
	}
	return b, nil
}

// CreateShareLink inserts a share link; the token is set by the caller.
func (p *Postgres) CreateShareLink(ctx context.Context, link model.ShareLink) error {
	designJSON, err := marshalDesign(link.CustomDesign)
	if err != nil {
		return err
	}

	query := `INSERT INTO share_links (` + shareLinkColumns + `)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err = p.db.Exec(ctx, query,
		link.ID,
		link.Token,
		string(link.ResourceType),
		link.ResourceID,
		designJSON,
		link.IsActive,
		link.ViewCount,
		link.LastViewed,
		link.ExpiresAt,
		link.CreatedBy,
		link.CreatedAt,
		link.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrConflict
		}
		return fmt.Errorf("failed to create share link: %w", err)
	}
	return nil
}

// GetShareLinkByToken retrieves a share link by exact token match.
func (p *Postgres) GetShareLinkByToken(ctx context.Context, token string) (*model.ShareLink, error) {
	query := `SELECT ` + shareLinkColumns + ` FROM share_links WHERE token = $1`

	link, err := scanShareLink(p.db.QueryRow(ctx, query, token))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get share link: %w", err)
	}
	return link, nil
}

// RecordShareLinkView increments view_count in a single statement so
// concurrent views of one token are never lost. A link that was revoked or
// expired since it was read does not match.
func (p *Postgres) RecordShareLinkView(ctx context.Context, token string, at time.Time) (*model.ShareLink, error) {
	query := `UPDATE share_links
	          SET view_count = view_count + 1, last_viewed = $2, updated_at = $2
	          WHERE token = $1 AND is_active AND (expires_at IS NULL OR expires_at > $2)
	          RETURNING ` + shareLinkColumns

	link, err := scanShareLink(p.db.QueryRow(ctx, query, token, at.UTC()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to record share link view: %w", err)
	}
	return link, nil
}

// DeactivateShareLink revokes a link. updated_at only moves on the first call.
func (p *Postgres) DeactivateShareLink(ctx context.Context, token string, at time.Time) (*model.ShareLink, error) {
	query := `UPDATE share_links
	          SET updated_at = CASE WHEN is_active THEN $2 ELSE updated_at END, is_active = FALSE
	          WHERE token = $1
	          RETURNING ` + shareLinkColumns

	link, err := scanShareLink(p.db.QueryRow(ctx, query, token, at.UTC()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to deactivate share link: %w", err)
	}
	return link, nil
}

// UpdateShareLinkDesign replaces custom_design.
func (p *Postgres) UpdateShareLinkDesign(ctx context.Context, token string, design *model.CustomDesign, at time.Time) (*model.ShareLink, error) {
	designJSON, err := marshalDesign(design)
	if err != nil {
		return nil, err
	}

	query := `UPDATE share_links SET custom_design = $2, updated_at = $3
	          WHERE token = $1
	          RETURNING ` + shareLinkColumns

	link, err := scanShareLink(p.db.QueryRow(ctx, query, token, designJSON, at.UTC()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to update share link design: %w", err)
	}
	return link, nil
}

// ListShareLinks lists share links with optional filters, newest first.
func (p *Postgres) ListShareLinks(ctx context.Context, query model.ListShareLinksQuery) ([]model.ShareLink, error) {
	baseQuery := `SELECT ` + shareLinkColumns + ` FROM share_links WHERE TRUE`
	args := []interface{}{}
	argIndex := 1

	if query.CreatedBy != "" {
		baseQuery += fmt.Sprintf(" AND created_by = $%d", argIndex)
		args = append(args, query.CreatedBy)
		argIndex++
	}
	if query.ResourceType != "" {
		baseQuery += fmt.Sprintf(" AND resource_type = $%d", argIndex)
		args = append(args, string(query.ResourceType))
		argIndex++
	}
	if query.ResourceID != "" {
		baseQuery += fmt.Sprintf(" AND resource_id = $%d", argIndex)
		args = append(args, query.ResourceID)
		argIndex++
	}

	baseQuery += fmt.Sprintf(" ORDER BY created_at DESC, token ASC LIMIT $%d", argIndex)
	args = append(args, clampLimit(query.Limit))

	rows, err := p.db.Query(ctx, baseQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list share links: %w", err)
	}
	defer rows.Close()

	links := make([]model.ShareLink, 0)
	for rows.Next() {
		link, err := scanShareLink(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan share link: %w", err)
		}
		links = append(links, *link)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating share links: %w", err)
	}
	return links, nil
}

// decodeBody turns a JSONB body into a Document, keeping numbers exact.
func decodeBody(id string, body []byte, createdAt time.Time) (model.Document, error) {
	doc := model.Document{}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode document %s: %w", id, err)
	}
	doc["id"] = id
	if _, ok := doc["createdAt"]; !ok {
		doc["createdAt"] = createdAt.UTC()
	}
	return doc, nil
}

// GetDocument loads one document of a collection by id.
func (p *Postgres) GetDocument(ctx context.Context, collection model.Collection, id string) (model.Document, error) {
	table, ok := collectionTables[collection]
	if !ok {
		return nil, ErrUnknownCollection
	}

	var body []byte
	var createdAt time.Time
	query := fmt.Sprintf(`SELECT body, created_at FROM %s WHERE id = $1`, table)
	if err := p.db.QueryRow(ctx, query, id).Scan(&body, &createdAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get %s document: %w", collection, err)
	}
	return decodeBody(id, body, createdAt)
}

// ScanCollection streams rows one at a time; only the current row is held.
func (p *Postgres) ScanCollection(ctx context.Context, collection model.Collection, fn func(model.Document) error) error {
	table, ok := collectionTables[collection]
	if !ok {
		return ErrUnknownCollection
	}

	query := fmt.Sprintf(`SELECT id, body, created_at FROM %s ORDER BY id`, table)
	rows, err := p.db.Query(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to scan %s: %w", collection, err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var body []byte
		var createdAt time.Time
		if err := rows.Scan(&id, &body, &createdAt); err != nil {
			return fmt.Errorf("failed to scan %s row: %w", collection, err)
		}
		doc, err := decodeBody(id, body, createdAt)
		if err != nil {
			return err
		}
		if err := fn(doc); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating %s: %w", collection, err)
	}
	return nil
}
