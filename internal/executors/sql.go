package executors

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/haasonsaas/loanagent/internal/catalog"
	"github.com/haasonsaas/loanagent/pkg/models"
)

// SQLPolicy decides which queries the SQL executor runs.
type SQLPolicy string

const (
	// PolicyRegistryOnly runs only registry templates, with the registry's
	// own query text.
	PolicyRegistryOnly SQLPolicy = "registry_only"
	// PolicyAllowAdHoc also runs model-written read-only queries.
	PolicyAllowAdHoc SQLPolicy = "allow_ad_hoc"
)

// Valid reports whether p is a known policy.
func (p SQLPolicy) Valid() bool {
	return p == PolicyRegistryOnly || p == PolicyAllowAdHoc
}

var (
	// ErrTemplateNotAllowed is returned when the policy rejects the query.
	ErrTemplateNotAllowed = errors.New("sql template not allowed")
	// ErrNotReadOnly is returned for ad hoc queries that are not SELECT or WITH.
	ErrNotReadOnly = errors.New("only read-only queries are allowed")
	// ErrMissingParam is returned when a placeholder has no value.
	ErrMissingParam = errors.New("missing query parameter")
)

// DBConfig configures the business database pool.
type DBConfig struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// OpenDB opens and pings the business database. Driver defaults to postgres.
func OpenDB(ctx context.Context, cfg DBConfig) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	driver := cfg.Driver
	if driver == "" {
		driver = "postgres"
	}
	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	} else {
		db.SetMaxOpenConns(10)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// SQLOptions configures the SQL executor.
type SQLOptions struct {
	Policy       SQLPolicy     // Default: registry_only
	QueryTimeout time.Duration // Default: 30s
	MaxRows      int           // Default: 500
	Logger       *slog.Logger
}

// SQLExecutor runs SQL actions and returns rows as []map[string]any.
type SQLExecutor struct {
	db        *sql.DB
	templates Snapshotter
	opts      SQLOptions
	logger    *slog.Logger
}

// NewSQLExecutor builds an executor over db. templates supplies the SQL registry.
func NewSQLExecutor(db *sql.DB, templates Snapshotter, opts SQLOptions) (*SQLExecutor, error) {
	if db == nil {
		return nil, fmt.Errorf("executors: sql database is required")
	}
	if templates == nil {
		return nil, fmt.Errorf("executors: sql templates are required")
	}
	if opts.Policy == "" {
		opts.Policy = PolicyRegistryOnly
	}
	if !opts.Policy.Valid() {
		return nil, fmt.Errorf("executors: unknown sql policy %q", opts.Policy)
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = 30 * time.Second
	}
	if opts.MaxRows <= 0 {
		opts.MaxRows = 500
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &SQLExecutor{
		db:        db,
		templates: templates,
		opts:      opts,
		logger:    opts.Logger.With("component", "sql-executor"),
	}, nil
}

// Execute resolves the query for action under the policy, binds its
// :name placeholders from action.Params and returns the rows.
func (e *SQLExecutor) Execute(ctx context.Context, action models.ActionSpec) (any, error) {
	query, adHoc, err := e.resolve(action)
	if err != nil {
		return nil, err
	}
	bound, names := BindNamed(query)
	args := make([]any, len(names))
	for i, name := range names {
		v, ok := action.Params[name]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingParam, name)
		}
		args[i] = v
	}

	ctx, cancel := context.WithTimeout(ctx, e.opts.QueryTimeout)
	defer cancel()

	var q interface {
		QueryContext(context.Context, string, ...any) (*sql.Rows, error)
	} = e.db
	if adHoc {
		// Model-written queries run in a READ ONLY transaction that is
		// always rolled back.
		tx, err := e.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
		if err != nil {
			return nil, fmt.Errorf("begin read-only transaction: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		q = tx
	}

	rows, err := q.QueryContext(ctx, bound, args...)
	if err != nil {
		e.logger.ErrorContext(ctx, "sql query failed", "id", action.ID, "query", bound, "error", err)
		return nil, fmt.Errorf("run query %s: %w", action.ID, err)
	}
	defer rows.Close()

	out, err := scanRows(rows, e.opts.MaxRows)
	if err != nil {
		return nil, fmt.Errorf("read rows %s: %w", action.ID, err)
	}
	e.logger.InfoContext(ctx, "sql query succeeded", "id", action.ID, "rows", len(out), "ad_hoc", adHoc)
	return out, nil
}

// resolve picks the query text for action. adHoc is true when the text
// came from the model rather than the registry.
func (e *SQLExecutor) resolve(action models.ActionSpec) (query string, adHoc bool, err error) {
	entry, known := e.templates.Snapshot().Query(action.ID)
	supplied := strings.TrimSpace(action.Query)

	if known {
		if supplied == "" || catalog.SameQuery(supplied, entry.Query) {
			return entry.Query, false, nil
		}
		if e.opts.Policy == PolicyRegistryOnly {
			return "", false, fmt.Errorf("%w: query for %s differs from the registry", ErrTemplateNotAllowed, action.ID)
		}
	} else if e.opts.Policy == PolicyRegistryOnly {
		return "", false, fmt.Errorf("%w: %s is not a registry template", ErrTemplateNotAllowed, action.ID)
	}

	if supplied == "" {
		return "", false, fmt.Errorf("%w: %s has no query", ErrTemplateNotAllowed, action.ID)
	}
	if !readOnly(supplied) {
		return "", false, ErrNotReadOnly
	}
	return supplied, true, nil
}

// deniedWords are statement keywords and server functions that write or
// act on other sessions. Matching is by identifier, case-insensitive.
var deniedWords = map[string]bool{
	"INSERT": true, "UPDATE": true, "DELETE": true, "MERGE": true, "UPSERT": true,
	"DROP": true, "ALTER": true, "TRUNCATE": true, "CREATE": true, "INTO": true,
	"GRANT": true, "REVOKE": true, "COPY": true, "CALL": true, "DO": true,
	"LOCK": true, "VACUUM": true, "REINDEX": true, "CLUSTER": true, "REFRESH": true,
	"SETVAL": true, "NEXTVAL": true, "SET_CONFIG": true,
	"PG_TERMINATE_BACKEND": true, "PG_CANCEL_BACKEND": true, "PG_RELOAD_CONF": true,
	"LO_IMPORT": true, "LO_EXPORT": true, "DBLINK_EXEC": true,
}

// readOnly accepts a single SELECT or WITH statement that names none of
// deniedWords. The read-only transaction in Execute is the actual guard.
func readOnly(query string) bool {
	q := strings.TrimRight(strings.TrimSpace(query), "; \t\n")
	if strings.Contains(q, ";") {
		return false
	}
	words := strings.FieldsFunc(q, func(r rune) bool {
		return !(r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9')
	})
	if len(words) == 0 {
		return false
	}
	switch strings.ToUpper(words[0]) {
	case "SELECT", "WITH":
	default:
		return false
	}
	for _, w := range words {
		if deniedWords[strings.ToUpper(w)] {
			return false
		}
	}
	return true
}

// BindNamed rewrites :name placeholders to $1, $2, ... and returns the
// parameter names in positional order. A repeated name reuses its number.
// Quoted literals and :: casts are left alone.
func BindNamed(query string) (string, []string) {
	var b strings.Builder
	var names []string
	index := map[string]int{}

	for i := 0; i < len(query); i++ {
		c := query[i]
		switch {
		case c == '\'' || c == '"':
			j := i + 1
			for j < len(query) && query[j] != c {
				j++
			}
			if j >= len(query) {
				j = len(query) - 1
			}
			b.WriteString(query[i : j+1])
			i = j
		case c == ':' && i+1 < len(query) && query[i+1] == ':':
			b.WriteString("::")
			i++
		case c == ':' && i+1 < len(query) && isIdentStart(query[i+1]):
			j := i + 1
			for j < len(query) && isIdentPart(query[j]) {
				j++
			}
			name := query[i+1 : j]
			n, ok := index[name]
			if !ok {
				names = append(names, name)
				n = len(names)
				index[name] = n
			}
			b.WriteString("$" + strconv.Itoa(n))
			i = j - 1
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), names
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

func scanRows(rows *sql.Rows, limit int) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	out := []map[string]any{}
	for rows.Next() {
		if len(out) >= limit {
			break
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			if raw, ok := values[i].([]byte); ok {
				row[col] = string(raw)
				continue
			}
			row[col] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
