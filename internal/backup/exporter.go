package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"snapvault/internal/logging"
)

// Exporter builds a BackupData bundle by asking the domain provider for each
// section of a backup type.
type Exporter struct {
	provider    DomainDataProvider
	backupTypes map[string][]string
	parallelism int
	timeout     time.Duration
	logger      *logging.Logger
	now         func() time.Time
}

// NewExporter creates an exporter. backupTypes maps a backup type to the
// sections it contains.
func NewExporter(provider DomainDataProvider, backupTypes map[string][]string, parallelism int, timeout time.Duration, logger *logging.Logger) *Exporter {
	if parallelism < 1 {
		parallelism = 1
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Exporter{
		provider:    provider,
		backupTypes: backupTypes,
		parallelism: parallelism,
		timeout:     timeout,
		logger:      logger,
		now:         time.Now,
	}
}

// Sections returns the sections exported for backupType.
func (e *Exporter) Sections(backupType string) ([]string, bool) {
	sections, ok := e.backupTypes[backupType]
	return sections, ok
}

// Export calls the provider once per section. A provider error fails the whole
// export; an empty section is valid.
func (e *Exporter) Export(ctx context.Context, ownerID, backupType string, opts ScopeOptions) (*BackupData, error) {
	if ownerID == "" {
		return nil, NewValidationError("owner id is required", nil)
	}
	sections, ok := e.backupTypes[backupType]
	if !ok {
		return nil, NewValidationError(fmt.Sprintf("unknown backup type %q", backupType), nil)
	}
	if opts.Scope == "" {
		opts.Scope = ScopeFull
	}
	if !isValidScope(opts.Scope) {
		return nil, NewValidationError(fmt.Sprintf("invalid scope %q", opts.Scope), nil)
	}

	results := make([][]Record, len(sections))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for i, section := range sections {
		g.Go(func() error {
			records, err := e.exportSection(gctx, ownerID, section, opts)
			if err != nil {
				return err
			}
			results[i] = records
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	data := &BackupData{
		Scope:         opts.Scope,
		SubjectID:     subjectFor(ownerID, opts),
		GeneratedAt:   e.now().UTC().Truncate(time.Millisecond),
		SchemaVersion: CurrentSchemaVersion,
		Sections:      make(map[string][]Record, len(sections)),
	}
	for i, section := range sections {
		data.Sections[section] = results[i]
	}
	return data, nil
}

func (e *Exporter) exportSection(ctx context.Context, ownerID, section string, opts ScopeOptions) ([]Record, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	start := time.Now()
	records, err := e.provider.ProvideSection(ctx, ownerID, section, opts)
	if err != nil {
		return nil, NewExportError(section, err)
	}
	records = sortRecords(records)

	e.logger.WithFields(map[string]interface{}{
		"owner_id": ownerID,
		"section":  section,
		"records":  len(records),
		"duration": time.Since(start),
	}).Debug("Section exported")
	return records, nil
}

func subjectFor(ownerID string, opts ScopeOptions) string {
	switch opts.Scope {
	case ScopeTenantSubset:
		if opts.TenantID != "" {
			return opts.TenantID
		}
	case ScopeUserSubset:
		if opts.SubjectID != "" {
			return opts.SubjectID
		}
	}
	if opts.SubjectID != "" {
		return opts.SubjectID
	}
	return ownerID
}

// sortRecords returns a copy of records ordered by created_at, then id. The
// provider's slice is left as it was.
func sortRecords(records []Record) []Record {
	sorted := make([]Record, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		if c := compareField(sorted[i]["created_at"], sorted[j]["created_at"]); c != 0 {
			return c < 0
		}
		return compareField(sorted[i]["id"], sorted[j]["id"]) < 0
	})
	return sorted
}

// compareField orders missing values first, then numbers, then times and
// strings. Times and RFC 3339 strings compare chronologically.
func compareField(a, b interface{}) int {
	ka, kb := fieldKey(a), fieldKey(b)
	if ka.rank != kb.rank {
		return ka.rank - kb.rank
	}
	switch ka.rank {
	case rankNumber:
		switch {
		case ka.num < kb.num:
			return -1
		case ka.num > kb.num:
			return 1
		}
		return 0
	case rankTime:
		return ka.t.Compare(kb.t)
	case rankString:
		switch {
		case ka.str < kb.str:
			return -1
		case ka.str > kb.str:
			return 1
		}
	}
	return 0
}

const (
	rankMissing = iota
	rankNumber
	rankTime
	rankString
)

type sortKey struct {
	rank int
	num  float64
	t    time.Time
	str  string
}

func fieldKey(v interface{}) sortKey {
	switch x := v.(type) {
	case nil:
		return sortKey{rank: rankMissing}
	case time.Time:
		return sortKey{rank: rankTime, t: x}
	case *time.Time:
		if x == nil {
			return sortKey{rank: rankMissing}
		}
		return sortKey{rank: rankTime, t: *x}
	case string:
		if t, err := time.Parse(time.RFC3339Nano, x); err == nil {
			return sortKey{rank: rankTime, t: t}
		}
		return sortKey{rank: rankString, str: x}
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return sortKey{rank: rankNumber, num: f}
		}
		return sortKey{rank: rankString, str: x.String()}
	case float64:
		return sortKey{rank: rankNumber, num: x}
	case float32:
		return sortKey{rank: rankNumber, num: float64(x)}
	case int:
		return sortKey{rank: rankNumber, num: float64(x)}
	case int64:
		return sortKey{rank: rankNumber, num: float64(x)}
	case int32:
		return sortKey{rank: rankNumber, num: float64(x)}
	case uint64:
		return sortKey{rank: rankNumber, num: float64(x)}
	case fmt.Stringer:
		return sortKey{rank: rankString, str: x.String()}
	}
	return sortKey{rank: rankString, str: strconv.Quote(fmt.Sprint(v))}
}
