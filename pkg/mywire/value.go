package mywire

import (
	"strings"

	"github.com/go-mysql-org/go-mysql/mysql"
)

// Value is a nullable scalar as reported by the MySQL session trackers.
// The zero value is SQL NULL.
type Value struct {
	String string
	Valid  bool
}

// NewValue returns a non-NULL Value holding s.
func NewValue(s string) Value {
	return Value{String: s, Valid: true}
}

// Null returns the SQL NULL Value.
func Null() Value {
	return Value{}
}

// SQL renders the value as a SQL literal: a single-quoted string, or the
// keyword NULL. Tracker payloads are raw strings, so everything non-NULL is
// replayed as a string literal and the server coerces it back.
func (v Value) SQL() string {
	if !v.Valid {
		return "NULL"
	}
	return QuoteLiteral(v.String)
}

// Equal reports whether two values are the same, treating NULL as equal
// only to NULL.
func (v Value) Equal(o Value) bool {
	if v.Valid != o.Valid {
		return false
	}
	return !v.Valid || v.String == o.String
}

// QuoteLiteral renders s as a single-quoted MySQL string literal.
func QuoteLiteral(s string) string {
	return "'" + mysql.Escape(s) + "'"
}

// QuoteIdentifier renders s as a backtick-quoted MySQL identifier.
func QuoteIdentifier(s string) string {
	return "`" + strings.ReplaceAll(s, "`", "``") + "`"
}
