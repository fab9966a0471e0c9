// Package sqlengine embeds a SQL query engine as a bridge engine,
// backed by a PostgreSQL connection pool. Registered CSV resources
// become session-scoped tables loaded with COPY; JSON resources become
// single-column jsonb tables. All created tables are dropped on
// unregister and on shutdown.
package sqlengine

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ScriptSmith/hadrian-sub007/engine"
	"github.com/ScriptSmith/hadrian-sub007/resource"
)

// QueryResult is the plain-data output of one Execute call.
type QueryResult struct {
	Columns []string
	Rows    [][]any
}

var identPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// SQL implements engine.Engine on a pgx pool. Table names for
// registered resources are tracked so only tables this engine created
// can be dropped.
type SQL struct {
	connString string
	pool       *pgxpool.Pool
	resources  map[string]resource.Resource
}

func New(connString string) *SQL {
	return &SQL{
		connString: connString,
		resources:  make(map[string]resource.Resource),
	}
}

func (e *SQL) Name() string { return "sql" }

func (e *SQL) Start(ctx context.Context, progress func(stage string)) error {
	progress("connecting to database")
	pool, err := pgxpool.New(ctx, e.connString)
	if err != nil {
		return fmt.Errorf("create pool: %w", err)
	}
	progress("verifying connection")
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("ping database: %w", err)
	}
	e.pool = pool
	return nil
}

// Execute runs one SQL statement. Row data is fully materialized before
// returning so no cursor or connection handle escapes the engine.
func (e *SQL) Execute(ctx context.Context, call engine.Call) (any, error) {
	rows, err := e.pool.Query(ctx, call.Source)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	result := QueryResult{Columns: make([]string, 0, len(fields))}
	for _, field := range fields {
		result.Columns = append(result.Columns, field.Name)
	}

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		result.Rows = append(result.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	fmt.Fprintf(call.Stdout, "%s (%d rows)\n", rows.CommandTag(), len(result.Rows))
	return result, nil
}

func (e *SQL) RegisterResource(ctx context.Context, res resource.Resource) error {
	if !identPattern.MatchString(res.Name) {
		return fmt.Errorf("invalid resource name %q: must be a SQL identifier", res.Name)
	}

	switch res.Kind {
	case resource.KindCSV:
		if err := e.loadCSV(ctx, res); err != nil {
			return err
		}
	case resource.KindJSON:
		if err := e.loadJSON(ctx, res); err != nil {
			return err
		}
	default:
		return fmt.Errorf("kind %q not supported by the sql engine", res.Kind)
	}

	e.resources[res.Name] = res
	return nil
}

// loadCSV creates a text-typed table from the header row and streams
// the records in with COPY.
func (e *SQL) loadCSV(ctx context.Context, res resource.Resource) error {
	r := csv.NewReader(bytes.NewReader(res.Payload))
	header, err := r.Read()
	if err != nil {
		return fmt.Errorf("read csv header: %w", err)
	}

	cols := make([]string, 0, len(header))
	defs := make([]string, 0, len(header))
	for _, name := range header {
		if !identPattern.MatchString(name) {
			return fmt.Errorf("invalid csv column name %q", name)
		}
		cols = append(cols, name)
		defs = append(defs, fmt.Sprintf("%q text", name))
	}

	ddl := fmt.Sprintf("CREATE TABLE %q (%s)", res.Name, strings.Join(defs, ", "))
	if _, err := e.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create table: %w", err)
	}

	_, err = e.pool.CopyFrom(ctx, pgx.Identifier{res.Name}, cols, &copyFromCSV{r: r})
	if err != nil {
		e.pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %q", res.Name))
		return fmt.Errorf("copy rows: %w", err)
	}
	return nil
}

// copyFromCSV adapts a csv.Reader to pgx.CopyFromSource, streaming
// records without materializing the whole payload twice.
type copyFromCSV struct {
	r      *csv.Reader
	record []string
	err    error
}

func (c *copyFromCSV) Next() bool {
	record, err := c.r.Read()
	if err == io.EOF {
		return false
	}
	if err != nil {
		c.err = err
		return false
	}
	c.record = record
	return true
}

func (c *copyFromCSV) Values() ([]any, error) {
	values := make([]any, len(c.record))
	for i, v := range c.record {
		values[i] = v
	}
	return values, nil
}

func (c *copyFromCSV) Err() error { return c.err }

func (e *SQL) loadJSON(ctx context.Context, res resource.Resource) error {
	if !json.Valid(res.Payload) {
		return fmt.Errorf("resource %q is not valid json", res.Name)
	}
	ddl := fmt.Sprintf("CREATE TABLE %q (doc jsonb)", res.Name)
	if _, err := e.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	insert := fmt.Sprintf("INSERT INTO %q (doc) SELECT jsonb_array_elements($1::jsonb) WHERE jsonb_typeof($1::jsonb) = 'array' UNION ALL SELECT $1::jsonb WHERE jsonb_typeof($1::jsonb) <> 'array'", res.Name)
	if _, err := e.pool.Exec(ctx, insert, string(res.Payload)); err != nil {
		e.pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %q", res.Name))
		return fmt.Errorf("load json: %w", err)
	}
	return nil
}

func (e *SQL) UnregisterResource(ctx context.Context, name string) error {
	if _, ok := e.resources[name]; !ok {
		return fmt.Errorf("%w: %s", resource.ErrNotFound, name)
	}
	if _, err := e.pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %q", name)); err != nil {
		return fmt.Errorf("drop table: %w", err)
	}
	delete(e.resources, name)
	return nil
}

// DescribeResource reads the live column metadata back from the
// database rather than re-parsing the payload.
func (e *SQL) DescribeResource(ctx context.Context, name string) (engine.Schema, error) {
	res, ok := e.resources[name]
	if !ok {
		return engine.Schema{}, fmt.Errorf("%w: %s", resource.ErrNotFound, name)
	}

	rows, err := e.pool.Query(ctx,
		`SELECT column_name, data_type FROM information_schema.columns
		 WHERE table_name = $1 ORDER BY ordinal_position`, name)
	if err != nil {
		return engine.Schema{}, err
	}
	defer rows.Close()

	schema := engine.Schema{Name: name, Kind: res.Kind, Size: int64(len(res.Payload))}
	for rows.Next() {
		var col engine.Column
		if err := rows.Scan(&col.Name, &col.Type); err != nil {
			return engine.Schema{}, err
		}
		schema.Columns = append(schema.Columns, col)
	}
	return schema, rows.Err()
}

func (e *SQL) Shutdown(ctx context.Context) error {
	for name := range e.resources {
		e.pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %q", name))
	}
	e.resources = make(map[string]resource.Resource)
	e.pool.Close()
	return nil
}
