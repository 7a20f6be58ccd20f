package store

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

// Kind buckets the remote store's error vocabulary into the categories the
// orchestrator acts on. The string values are stable: they appear in API
// error metadata.
type Kind string

const (
	KindUnclassified      Kind = "unclassified"
	KindMissingColumn     Kind = "missing-column"
	KindAuthDenied        Kind = "authorization-denied"
	KindUniqueViolation   Kind = "uniqueness-conflict"
	KindInsufficientStock Kind = "insufficient-stock"
)

type AuthKind string

const (
	AuthPolicy    AuthKind = "policy"
	AuthPrivilege AuthKind = "privilege"
	AuthUnknown   AuthKind = "unknown"
)

type Classification struct {
	Kind            Kind
	Table           string
	Column          string
	Constraint      string
	ConflictColumns []string
	ConflictValues  []string
	AuthKind        AuthKind
	Raw             string
}

// The store's error surface is text and SQLSTATE codes. These patterns are a
// versioned contract with the remote store; classify_test.go pins them with
// captured fixtures.
var (
	reColumnOfRelation = regexp.MustCompile(`column "([^"]+)" of relation "([^"]+)" does not exist`)
	reColumnQualified  = regexp.MustCompile(`column ([A-Za-z_][A-Za-z0-9_]*)\.([A-Za-z_][A-Za-z0-9_]*) does not exist`)
	reColumnBare       = regexp.MustCompile(`column "([^"]+)" does not exist`)
	reUniqueConstraint = regexp.MustCompile(`unique constraint "([^"]+)"`)
	reConflictKey      = regexp.MustCompile(`Key \(([^)]+)\)=\((.*)\) already exists`)
	rePermissionTable  = regexp.MustCompile(`permission denied for (?:table|relation) ([A-Za-z_][A-Za-z0-9_]*)`)
	reRLSTable         = regexp.MustCompile(`row-level security policy for table "([^"]+)"`)
)

// Classify maps a raw store error to an actionable category. It prefers
// SQLSTATE codes when the error carries them and falls back to message-text
// matching, so fabricated errors from test fakes classify identically.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Kind: KindUnclassified}
	}

	c := Classification{Kind: KindUnclassified, Raw: err.Error()}

	if errors.Is(err, ErrInsufficientStock) {
		c.Kind = KindInsufficientStock
		return c
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifyPgError(pgErr, c)
	}
	return classifyText(c.Raw, c)
}

func classifyPgError(pgErr *pgconn.PgError, c Classification) Classification {
	msg := pgErr.Message

	switch pgErr.Code {
	case pgerrcode.UndefinedColumn:
		c.Kind = KindMissingColumn
		c.Table = pgErr.TableName
		c.Column = pgErr.ColumnName
		if c.Column == "" {
			c.Table, c.Column = extractMissingColumn(msg, c.Table)
		}
		return c

	case pgerrcode.UniqueViolation:
		c.Kind = KindUniqueViolation
		c.Table = pgErr.TableName
		c.Constraint = pgErr.ConstraintName
		if c.Constraint == "" {
			if m := reUniqueConstraint.FindStringSubmatch(msg); m != nil {
				c.Constraint = m[1]
			}
		}
		c.ConflictColumns, c.ConflictValues = extractConflictKey(pgErr.Detail)
		return c

	case pgerrcode.InsufficientPrivilege:
		c.Kind = KindAuthDenied
		c.AuthKind = authKindFromMessage(msg)
		c.Table = pgErr.TableName
		if c.Table == "" {
			c.Table = extractAuthTable(msg)
		}
		return c

	case pgerrcode.CheckViolation:
		if strings.Contains(strings.ToLower(pgErr.ConstraintName), "stock") ||
			strings.Contains(strings.ToLower(msg), "stock") {
			c.Kind = KindInsufficientStock
			c.Table = pgErr.TableName
			c.Constraint = pgErr.ConstraintName
			return c
		}
	}

	return classifyText(pgErr.Message, c)
}

func classifyText(msg string, c Classification) Classification {
	lower := strings.ToLower(msg)

	switch {
	case strings.Contains(lower, "does not exist") && strings.Contains(lower, "column"):
		c.Kind = KindMissingColumn
		c.Table, c.Column = extractMissingColumn(msg, c.Table)
	case strings.Contains(lower, "unique constraint") || strings.Contains(lower, "duplicate key"):
		c.Kind = KindUniqueViolation
		if m := reUniqueConstraint.FindStringSubmatch(msg); m != nil {
			c.Constraint = m[1]
		}
		c.ConflictColumns, c.ConflictValues = extractConflictKey(msg)
	case strings.Contains(lower, "row-level security"):
		c.Kind = KindAuthDenied
		c.AuthKind = AuthPolicy
		c.Table = extractAuthTable(msg)
	case strings.Contains(lower, "permission denied"):
		c.Kind = KindAuthDenied
		c.AuthKind = AuthPrivilege
		c.Table = extractAuthTable(msg)
	case strings.Contains(lower, "insufficient stock"):
		c.Kind = KindInsufficientStock
	}

	return c
}

func extractMissingColumn(msg string, fallbackTable string) (table string, column string) {
	if m := reColumnOfRelation.FindStringSubmatch(msg); m != nil {
		return m[2], m[1]
	}
	if m := reColumnQualified.FindStringSubmatch(msg); m != nil {
		return m[1], m[2]
	}
	if m := reColumnBare.FindStringSubmatch(msg); m != nil {
		return fallbackTable, m[1]
	}
	return fallbackTable, ""
}

func extractConflictKey(detail string) (columns []string, values []string) {
	m := reConflictKey.FindStringSubmatch(detail)
	if m == nil {
		return nil, nil
	}
	for _, col := range strings.Split(m[1], ",") {
		columns = append(columns, strings.TrimSpace(col))
	}
	for _, val := range strings.Split(m[2], ",") {
		values = append(values, strings.TrimSpace(val))
	}
	return columns, values
}

func extractAuthTable(msg string) string {
	if m := reRLSTable.FindStringSubmatch(msg); m != nil {
		return m[1]
	}
	if m := rePermissionTable.FindStringSubmatch(msg); m != nil {
		return m[1]
	}
	return ""
}

func authKindFromMessage(msg string) AuthKind {
	lower := strings.ToLower(msg)
	if strings.Contains(lower, "row-level security") {
		return AuthPolicy
	}
	if strings.Contains(lower, "permission denied") || strings.Contains(lower, "must be owner") {
		return AuthPrivilege
	}
	return AuthUnknown
}

// RemediationScript renders a SQL script an operator can apply to fix an
// authorization denial. Only meaningful for KindAuthDenied.
func (c Classification) RemediationScript() string {
	table := c.Table
	if table == "" {
		table = TableSaleOrders
	}

	switch c.AuthKind {
	case AuthPolicy:
		return fmt.Sprintf(`-- The store rejected the write under its row-level security policy.
-- Grant the owning account access to its own rows:
ALTER TABLE %[1]s ENABLE ROW LEVEL SECURITY;
CREATE POLICY %[1]s_owner_rw ON %[1]s
  FOR ALL
  USING (%[2]s = current_setting('app.account_id'))
  WITH CHECK (%[2]s = current_setting('app.account_id'));
`, table, OwnerColumnOwnerID)
	case AuthPrivilege:
		return fmt.Sprintf(`-- The application role lacks table privileges.
GRANT SELECT, INSERT, UPDATE, DELETE ON %[1]s TO app_user;
GRANT USAGE, SELECT ON ALL SEQUENCES IN SCHEMA public TO app_user;
`, table)
	default:
		return fmt.Sprintf(`-- Authorization failed for %s but the denial did not match a known
-- policy or privilege signature. Inspect the store's grants and policies:
SELECT * FROM pg_policies WHERE tablename = '%s';
SELECT * FROM information_schema.role_table_grants WHERE table_name = '%s';
`, table, table, table)
	}
}
