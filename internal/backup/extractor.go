package backup

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
	"time"

	"snapvault/internal/logging"
)

var sqlIdentifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)

func isSQLIdentifier(s string) bool {
	return sqlIdentifierPattern.MatchString(s)
}

// SQLSectionProvider reads sections straight from the business database.
// Each section maps to one table filtered by the owner column; a section
// whose table does not exist exports as empty.
type SQLSectionProvider struct {
	db           *sql.DB
	dialect      string
	config       SourceConfig
	queryTimeout time.Duration
	logger       *logging.Logger
}

var _ DomainDataProvider = (*SQLSectionProvider)(nil)

// OpenSQLSectionProvider opens the configured source database.
func OpenSQLSectionProvider(ctx context.Context, cfg SourceConfig, logger *logging.Logger) (*SQLSectionProvider, error) {
	cfg.SetDefaults()
	if cfg.DSN == "" {
		return nil, NewConfigurationError("source DSN is required", nil)
	}
	if err := cfg.Validate(); err != nil {
		return nil, NewConfigurationError("invalid source configuration", err)
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, NewConfigurationError("failed to open source database", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, NewExportError("", err)
	}
	return NewSQLSectionProvider(db, cfg.Driver, cfg, logger), nil
}

// NewSQLSectionProvider wraps an open database.
func NewSQLSectionProvider(db *sql.DB, dialect string, cfg SourceConfig, logger *logging.Logger) *SQLSectionProvider {
	cfg.SetDefaults()
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &SQLSectionProvider{
		db:           db,
		dialect:      dialect,
		config:       cfg,
		queryTimeout: cfg.QueryTimeout,
		logger:       logger,
	}
}

// SetQueryTimeout sets the per-section query timeout.
func (p *SQLSectionProvider) SetQueryTimeout(timeout time.Duration) {
	p.queryTimeout = timeout
}

// Close closes the source database.
func (p *SQLSectionProvider) Close() error {
	return p.db.Close()
}

// ProvideSection implements DomainDataProvider.
func (p *SQLSectionProvider) ProvideSection(ctx context.Context, ownerID, section string, opts ScopeOptions) ([]Record, error) {
	table := p.tableFor(section)
	if !isSQLIdentifier(table) {
		return nil, NewValidationError(fmt.Sprintf("section %q does not map to a valid table name", section), nil)
	}

	ctx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()

	exists, err := p.tableExists(ctx, table)
	if err != nil {
		return nil, err
	}
	if !exists {
		p.logger.WithFields(map[string]interface{}{
			"section": section,
			"table":   table,
		}).Debug("Section table not found, exporting empty")
		return []Record{}, nil
	}

	query, args := p.buildQuery(table, ownerID, opts)
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query section %s: %w", section, err)
	}
	defer rows.Close()

	return scanRecords(rows)
}

func (p *SQLSectionProvider) tableFor(section string) string {
	if table, ok := p.config.Tables[section]; ok && table != "" {
		return table
	}
	return section
}

func (p *SQLSectionProvider) tableExists(ctx context.Context, table string) (bool, error) {
	var query string
	if p.dialect == RegistryDriverMySQL {
		query = `SELECT COUNT(*) FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name = ?`
	} else {
		query = `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`
	}
	var count int
	if err := p.db.QueryRowContext(ctx, query, table).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to look up table %s: %w", table, err)
	}
	return count > 0, nil
}

func (p *SQLSectionProvider) buildQuery(table, ownerID string, opts ScopeOptions) (string, []interface{}) {
	var (
		where = []string{p.quote(p.config.OwnerColumn) + " = ?"}
		args  = []interface{}{ownerID}
	)
	switch opts.Scope {
	case ScopeUserSubset:
		if p.config.SubjectColumn != "" && opts.SubjectID != "" {
			where = append(where, p.quote(p.config.SubjectColumn)+" = ?")
			args = append(args, opts.SubjectID)
		}
	case ScopeTenantSubset:
		tenant := opts.TenantID
		if tenant == "" {
			tenant = opts.SubjectID
		}
		if p.config.TenantColumn != "" && tenant != "" {
			where = append(where, p.quote(p.config.TenantColumn)+" = ?")
			args = append(args, tenant)
		}
	}
	if p.config.SoftDeleteColumn != "" && !opts.IncludeSoft {
		where = append(where, p.quote(p.config.SoftDeleteColumn)+" IS NULL")
	}
	return fmt.Sprintf("SELECT * FROM %s WHERE %s", p.quote(table), strings.Join(where, " AND ")), args
}

func (p *SQLSectionProvider) quote(ident string) string {
	if p.dialect == RegistryDriverMySQL {
		return "`" + ident + "`"
	}
	return `"` + ident + `"`
}

// scanRecords turns each row into a column-name keyed record. Driver byte
// slices become strings so the document stays readable JSON.
func scanRecords(rows *sql.Rows) ([]Record, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	records := []Record{}
	for rows.Next() {
		values := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		record := make(Record, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				record[col] = string(b)
				continue
			}
			record[col] = values[i]
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return records, nil
}
