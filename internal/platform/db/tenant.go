package db

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	TenantIDKey contextKey = "tenant_id"
	DBConnKey   contextKey = "db_conn"
)

// schemaPrefix is prepended to the tenant identifier to form the schema
// name. Tenant identifiers are restricted to word characters so the schema
// name can be interpolated into SET search_path safely.
const schemaPrefix = "tenant_"

var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// TenantMiddleware resolves the caller's tenant, acquires a connection with
// its schema on the search_path, and carries both in the request context.
// Repositories pick the connection up via ConnFromContext so every query in
// the request runs against the tenant's tables.
func TenantMiddleware(pool *pgxpool.Pool, defaultTenant string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tenantID := extractTenantID(c, defaultTenant)
			if !tenantIDPattern.MatchString(tenantID) {
				return echo.NewHTTPError(http.StatusBadRequest, "invalid tenant identifier")
			}

			ctx := c.Request().Context()
			conn, err := pool.Acquire(ctx)
			if err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
			}
			defer conn.Release()

			if err := setSearchPath(ctx, conn, schemaPrefix+tenantID); err != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, "tenant resolution failed")
			}

			ctx = context.WithValue(ctx, TenantIDKey, tenantID)
			ctx = context.WithValue(ctx, DBConnKey, conn)
			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("tenant_id", tenantID)
			c.Set("db", conn)

			return next(c)
		}
	}
}

// extractTenantID resolves the tenant in precedence order: JWT claim, then
// the X-Tenant-ID header, then the tenant_id query parameter.
func extractTenantID(c echo.Context, defaultTenant string) string {
	if tid, ok := c.Get("jwt_tenant_id").(string); ok && tid != "" {
		return tid
	}
	if tid := c.Request().Header.Get("X-Tenant-ID"); tid != "" {
		return tid
	}
	if tid := c.QueryParam("tenant_id"); tid != "" {
		return tid
	}
	return defaultTenant
}

func setSearchPath(ctx context.Context, conn *pgxpool.Conn, schema string) error {
	_, err := conn.Exec(ctx, fmt.Sprintf("SET search_path TO %s, shared, public", schema))
	return err
}

// ConnFromContext retrieves the tenant-scoped database connection from context.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

// TenantFromContext retrieves the tenant ID from context.
func TenantFromContext(ctx context.Context) string {
	tid, _ := ctx.Value(TenantIDKey).(string)
	return tid
}

// CreateTenantSchema creates a tenant's schema and runs all migrations
// against it. An empty migrationsDir skips the migration step.
func CreateTenantSchema(ctx context.Context, pool *pgxpool.Pool, tenantID string, migrationsDir string) error {
	if !tenantIDPattern.MatchString(tenantID) {
		return fmt.Errorf("invalid tenant identifier: %s", tenantID)
	}
	schema := schemaPrefix + tenantID

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}

	if migrationsDir != "" {
		migrator := NewMigrator(pool, migrationsDir)
		if _, err := migrator.Up(ctx, schema); err != nil {
			return fmt.Errorf("run migrations for %s: %w", schema, err)
		}
	}
	return nil
}

// ListTenantSchemas returns every tenant schema present in the database, in
// name order.
func ListTenantSchemas(ctx context.Context, pool *pgxpool.Pool) ([]string, error) {
	rows, err := pool.Query(ctx, `
		SELECT schema_name FROM information_schema.schemata
		WHERE schema_name LIKE $1 ORDER BY schema_name`, schemaPrefix+"%")
	if err != nil {
		return nil, fmt.Errorf("list tenant schemas: %w", err)
	}
	defer rows.Close()

	var schemas []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		schemas = append(schemas, name)
	}
	return schemas, rows.Err()
}

// SchemaScope runs work once per tenant schema for callers that operate
// outside a tenant-scoped request, such as the sweeper and CLI commands.
// Each tenant's work runs on a dedicated connection with that tenant's
// schema on the search_path, carried in the context the same way
// TenantMiddleware does it.
type SchemaScope struct {
	pool *pgxpool.Pool
}

func NewSchemaScope(pool *pgxpool.Pool) *SchemaScope {
	return &SchemaScope{pool: pool}
}

func (s *SchemaScope) ForEachTenant(ctx context.Context, fn func(ctx context.Context, tenantID string) error) error {
	schemas, err := ListTenantSchemas(ctx, s.pool)
	if err != nil {
		return err
	}
	for _, schema := range schemas {
		if err := s.withSchema(ctx, schema, fn); err != nil {
			return err
		}
	}
	return nil
}

func (s *SchemaScope) withSchema(ctx context.Context, schema string, fn func(ctx context.Context, tenantID string) error) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection for %s: %w", schema, err)
	}
	defer conn.Release()

	if err := setSearchPath(ctx, conn, schema); err != nil {
		return fmt.Errorf("set search_path for %s: %w", schema, err)
	}

	tenantID := strings.TrimPrefix(schema, schemaPrefix)
	tctx := context.WithValue(ctx, TenantIDKey, tenantID)
	tctx = context.WithValue(tctx, DBConnKey, conn)
	return fn(tctx, tenantID)
}
