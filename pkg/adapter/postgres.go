package adapter

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/databridge-io/databridge/pkg/faults"
	"github.com/databridge-io/databridge/pkg/llm"
	"github.com/databridge-io/databridge/pkg/logger"
	"github.com/databridge-io/databridge/pkg/schema"
)

// PostgresAdapter is the relational adapter variant.
type PostgresAdapter struct {
	db       *sql.DB
	llm      *llm.Client
	searcher *schema.Searcher
	logger   *slog.Logger
}

// NewPostgresAdapter opens a connection pool for the given URI. The
// searcher may be nil; translation then runs without schema context
// unless the caller supplies chunks.
func NewPostgresAdapter(uri string, llmClient *llm.Client, searcher *schema.Searcher) (*PostgresAdapter, error) {
	db, err := sql.Open("postgres", uri)
	if err != nil {
		return nil, faults.Wrap(faults.ConfigInvalid, "invalid PostgreSQL connection URI", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	a := &PostgresAdapter{
		db:       db,
		llm:      llmClient,
		searcher: searcher,
		logger:   logger.GetLogger("adapter.postgres"),
	}
	if searcher != nil {
		searcher.RegisterSource("postgres", a.IntrospectSchema)
	}
	return a, nil
}

func (a *PostgresAdapter) DBType() string { return "postgres" }

func (a *PostgresAdapter) LLMToQuery(ctx context.Context, question string, opts TranslateOptions) (*Query, error) {
	schemaContext := opts.SchemaChunks
	if schemaContext == "" && a.searcher != nil {
		docs, err := a.searcher.Search(ctx, question, 5, "postgres")
		if err != nil {
			a.logger.Warn("schema retrieval failed, translating without context", "error", err)
		} else {
			schemaContext = schema.FormatChunks(docs)
		}
	}

	sqlText, err := a.llm.GenerateSQL(ctx, question, schemaContext)
	if err != nil {
		return nil, err
	}
	sanitized, err := SanitizeSQL(sqlText)
	if err != nil {
		return nil, err
	}
	return &Query{Kind: KindSQL, SQL: &SQLQuery{Text: sanitized}}, nil
}

func (a *PostgresAdapter) Execute(ctx context.Context, query *Query) ([]Row, error) {
	if query.Kind != KindSQL || query.SQL == nil {
		return nil, faults.New(faults.QueryInvalid, "postgres adapter requires a SQL query")
	}
	// Re-validate: queries may arrive from callers other than LLMToQuery.
	sanitized, err := SanitizeSQL(query.SQL.Text)
	if err != nil {
		return nil, err
	}

	rows, err := a.db.QueryContext(ctx, sanitized)
	if err != nil {
		return nil, classifyPostgresError(err, sanitized)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, faults.Wrap(faults.QueryInvalid, "failed to read result columns", err)
	}

	var results []Row
	for rows.Next() {
		values := make([]any, len(columns))
		pointers := make([]any, len(columns))
		for i := range values {
			pointers[i] = &values[i]
		}
		if err := rows.Scan(pointers...); err != nil {
			return nil, faults.Wrap(faults.QueryInvalid, "failed to scan row", err)
		}
		row := make(Row, len(columns))
		for i, col := range columns {
			row[col] = normalizeSQLValue(values[i])
		}
		results = append(results, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPostgresError(err, sanitized)
	}
	return results, nil
}

// normalizeSQLValue converts driver types into JSON-friendly values.
func normalizeSQLValue(v any) any {
	switch val := v.(type) {
	case []byte:
		return string(val)
	case time.Time:
		return val.Format(time.RFC3339)
	default:
		return v
	}
}

func classifyPostgresError(err error, query string) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "timeout"):
		return faults.Wrap(faults.BackendUnreachable, "PostgreSQL is unreachable", err).
			WithRemediation("verify host, port and network access")
	case strings.Contains(msg, "password authentication failed"),
		strings.Contains(msg, "role") && strings.Contains(msg, "does not exist"):
		return faults.Wrap(faults.AuthExpired, "PostgreSQL rejected credentials", err).
			WithRemediation("check the postgres user and password in configuration")
	default:
		return faults.Wrap(faults.QueryInvalid, "PostgreSQL rejected the query", err).WithQuery(query)
	}
}

const pgTableQuery = `
SELECT t.table_schema, t.table_name,
       COALESCE(c.reltuples, 0)::bigint AS row_estimate
FROM information_schema.tables t
LEFT JOIN pg_class c ON c.relname = t.table_name
WHERE t.table_type = 'BASE TABLE'
  AND t.table_schema NOT IN ('pg_catalog', 'information_schema')
ORDER BY t.table_schema, t.table_name`

const pgColumnQuery = `
SELECT column_name, data_type, is_nullable
FROM information_schema.columns
WHERE table_schema = $1 AND table_name = $2
ORDER BY ordinal_position`

const pgKeyQuery = `
SELECT kcu.column_name, tc.constraint_type,
       COALESCE(ccu.table_name, '') AS foreign_table
FROM information_schema.table_constraints tc
JOIN information_schema.key_column_usage kcu
  ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
LEFT JOIN information_schema.constraint_column_usage ccu
  ON tc.constraint_name = ccu.constraint_name AND tc.constraint_type = 'FOREIGN KEY'
WHERE tc.table_schema = $1 AND tc.table_name = $2
  AND tc.constraint_type IN ('PRIMARY KEY', 'FOREIGN KEY')`

// IntrospectSchema enumerates user tables and serializes one document
// per table. A failure on a single table degrades to a warning; only a
// total failure is fatal.
func (a *PostgresAdapter) IntrospectSchema(ctx context.Context) ([]schema.SchemaDocument, error) {
	rows, err := a.db.QueryContext(ctx, pgTableQuery)
	if err != nil {
		return nil, classifyPostgresError(err, "introspection")
	}
	defer rows.Close()

	type tableRef struct {
		schemaName string
		tableName  string
		rowCount   int64
	}
	var tables []tableRef
	for rows.Next() {
		var t tableRef
		if err := rows.Scan(&t.schemaName, &t.tableName, &t.rowCount); err != nil {
			return nil, faults.Wrap(faults.BackendUnreachable, "failed to scan table listing", err)
		}
		tables = append(tables, t)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPostgresError(err, "introspection")
	}

	var docs []schema.SchemaDocument
	var failed []string
	for _, t := range tables {
		doc, err := a.describeTable(ctx, t.schemaName, t.tableName, t.rowCount)
		if err != nil {
			a.logger.Warn("table introspection failed", "table", t.tableName, "error", err)
			failed = append(failed, t.tableName)
			continue
		}
		docs = append(docs, doc)
	}

	if len(failed) > 0 {
		return docs, faults.New(faults.PartialIntrospection,
			fmt.Sprintf("introspection skipped %d of %d tables", len(failed), len(tables)))
	}
	return docs, nil
}

func (a *PostgresAdapter) describeTable(ctx context.Context, schemaName, tableName string, rowCount int64) (schema.SchemaDocument, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Table %s.%s (~%d rows)\nColumns:\n", schemaName, tableName, rowCount)

	rows, err := a.db.QueryContext(ctx, pgColumnQuery, schemaName, tableName)
	if err != nil {
		return schema.SchemaDocument{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var name, dataType, nullable string
		if err := rows.Scan(&name, &dataType, &nullable); err != nil {
			return schema.SchemaDocument{}, err
		}
		suffix := ""
		if nullable == "NO" {
			suffix = " NOT NULL"
		}
		fmt.Fprintf(&b, "  %s %s%s\n", name, dataType, suffix)
	}
	if err := rows.Err(); err != nil {
		return schema.SchemaDocument{}, err
	}

	keyRows, err := a.db.QueryContext(ctx, pgKeyQuery, schemaName, tableName)
	if err != nil {
		return schema.SchemaDocument{}, err
	}
	defer keyRows.Close()
	for keyRows.Next() {
		var column, constraintType, foreignTable string
		if err := keyRows.Scan(&column, &constraintType, &foreignTable); err != nil {
			return schema.SchemaDocument{}, err
		}
		if constraintType == "PRIMARY KEY" {
			fmt.Fprintf(&b, "Primary key: %s\n", column)
		} else if foreignTable != "" {
			fmt.Fprintf(&b, "Foreign key: %s -> %s\n", column, foreignTable)
		}
	}
	if err := keyRows.Err(); err != nil {
		return schema.SchemaDocument{}, err
	}

	return schema.SchemaDocument{
		ID:      "table:" + schemaName + "." + tableName,
		Content: b.String(),
		DBType:  "postgres",
	}, nil
}

func (a *PostgresAdapter) TestConnection(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return a.db.PingContext(ctx) == nil
}

func (a *PostgresAdapter) Close() error {
	return a.db.Close()
}

var _ Adapter = (*PostgresAdapter)(nil)
