package database

import (
	"fmt"
	"strconv"
	"strings"
)

// Placeholder renders the n-th (1-based) bind parameter of a dialect.
type Placeholder func(n int) string

// QuestionMark is the SQLite placeholder style.
func QuestionMark(int) string { return "?" }

// Dollar is the PostgreSQL placeholder style.
func Dollar(n int) string { return "$" + strconv.Itoa(n) }

// BuildQuery renders the metadata query for names/values. Every returned row
// is one attribute of one matching object; rows of the same object are
// adjacent and objects are ordered by creation time. A nil value leaves the
// attribute unconstrained, but the object must still carry it.
func BuildQuery(names []string, values []*string, ph Placeholder) (string, []any) {
	var args []any
	bind := func(v any) string {
		args = append(args, v)
		return ph(len(args))
	}

	if len(names) == 0 {
		return `SELECT o.oid, o.size, o.created_at, '', '' FROM objects o ORDER BY o.created_at, o.oid`, nil
	}

	in := make([]string, len(names))
	for i, n := range names {
		in[i] = bind(n)
	}

	var b strings.Builder
	b.WriteString(`SELECT o.oid, o.size, o.created_at, a.name, a.value FROM objects o`)
	fmt.Fprintf(&b, ` JOIN object_attributes a ON a.oid = o.oid AND a.name IN (%s)`, strings.Join(in, ", "))

	conds := make([]string, 0, len(names))
	for i, n := range names {
		cond := `o.oid IN (SELECT oid FROM object_attributes WHERE name = ` + bind(n)
		if i < len(values) && values[i] != nil {
			cond += ` AND value = ` + bind(*values[i])
		}
		conds = append(conds, cond+`)`)
	}
	b.WriteString(` WHERE `)
	b.WriteString(strings.Join(conds, ` AND `))
	b.WriteString(` ORDER BY o.created_at, o.oid, a.name`)

	return b.String(), args
}

// Statements used by the write path. Both supported dialects accept the
// upsert syntax.
type Statements struct {
	UpsertObject     string
	DeleteAttributes string
	InsertAttribute  string
	DeleteObject     string
	GetObject        string
	CountObjects     string
}

// NewStatements renders the write statements for a placeholder style.
func NewStatements(ph Placeholder) Statements {
	return Statements{
		UpsertObject: fmt.Sprintf(`INSERT INTO objects (oid, size, created_at) VALUES (%s, %s, %s)
			ON CONFLICT (oid) DO UPDATE SET size = excluded.size, created_at = excluded.created_at, updated_at = CURRENT_TIMESTAMP`,
			ph(1), ph(2), ph(3)),
		DeleteAttributes: fmt.Sprintf(`DELETE FROM object_attributes WHERE oid = %s`, ph(1)),
		InsertAttribute:  fmt.Sprintf(`INSERT INTO object_attributes (oid, name, value) VALUES (%s, %s, %s)`, ph(1), ph(2), ph(3)),
		DeleteObject:     fmt.Sprintf(`DELETE FROM objects WHERE oid = %s`, ph(1)),
		GetObject: fmt.Sprintf(`SELECT o.oid, o.size, o.created_at, COALESCE(a.name, ''), COALESCE(a.value, '')
			FROM objects o LEFT JOIN object_attributes a ON a.oid = o.oid
			WHERE o.oid = %s ORDER BY a.name`, ph(1)),
		CountObjects: `SELECT COUNT(*) FROM objects`,
	}
}
