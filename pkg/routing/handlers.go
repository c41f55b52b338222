package routing

import (
	"github.com/go-mysql-org/go-mysql/mysql"

	"github.com/justjake/mylink/pkg/mywire"
)

// failOnError turns any server error reply into a reconciliation failure.
// Row data, if any, is discarded.
func failOnError(fail func(*mysql.MyError)) mywire.ResultHandler {
	return mywire.ResultHandler{
		Error: fail,
	}
}

// expectTrue asserts that the statement returns exactly one column and one
// row whose value is "1". Shape violations fail with their own errors: a
// wrong column count, an empty row, a NULL value, and a row count other
// than one each have a distinct message. A well-formed row with the wrong
// value fails with onFalse, which carries the caller's meaning of "the
// condition did not hold".
func expectTrue(onFalse *mysql.MyError, fail func(*mysql.MyError)) mywire.ResultHandler {
	var rows int
	return mywire.ResultHandler{
		ColumnCount: func(n uint64) {
			if n != 1 {
				fail(mysql.NewError(mysql.ER_UNKNOWN_ERROR, "Too many columns"))
			}
		},
		Row: func(values []mywire.Value) {
			rows++
			switch {
			case len(values) == 0:
				fail(mysql.NewError(mysql.ER_UNKNOWN_ERROR, "No fields"))
			case !values[0].Valid:
				fail(mysql.NewError(mysql.ER_UNKNOWN_ERROR, "Expected integer, got NULL"))
			case values[0].String != "1":
				fail(onFalse)
			}
		},
		RowEnd: func(eof mywire.Eof) {
			// Covers both zero rows and more than one.
			if rows != 1 {
				fail(mysql.NewError(mysql.ER_UNKNOWN_ERROR, "Too many rows"))
			}
		},
		Error: fail,
	}
}

// captureSessionVariables accumulates two-column name/value rows and commits
// them into the session-variable store only once the result set completes
// cleanly. Anything unexpected (a wrong column count, a malformed row, a
// result-less OK, a server error) does NOT fail the reconciliation; it only
// means the proxy cannot know the full session state, so the connection
// stops being shareable and no partial rows are committed.
func captureSessionVariables(vars *mywire.SystemVariables, block func(reason string)) mywire.ResultHandler {
	type pair struct {
		name  string
		value mywire.Value
	}
	var (
		captured []pair
		blocked  string
	)
	return mywire.ResultHandler{
		ColumnCount: func(n uint64) {
			if n != 2 {
				blocked = "unexpected column count in session variable result"
			}
		},
		Row: func(values []mywire.Value) {
			if blocked != "" {
				return
			}
			if len(values) != 2 || !values[0].Valid {
				blocked = "malformed session variable row"
				return
			}
			captured = append(captured, pair{values[0].String, values[1]})
		},
		RowEnd: func(eof mywire.Eof) {
			if blocked != "" {
				block(blocked)
				return
			}
			for _, p := range captured {
				vars.Set(p.name, p.value)
			}
			captured = nil
		},
		Ok: func(ok mywire.Ok) {
			block("session variable query returned no result set")
		},
		Error: func(e *mysql.MyError) {
			block("session variable query failed: " + e.Message)
		},
	}
}

// captureSingleValue records the single nullable value a one-column,
// one-row statement returns. Shape violations and server errors fail.
func captureSingleValue(dst *mywire.Value, fail func(*mysql.MyError)) mywire.ResultHandler {
	var rows int
	return mywire.ResultHandler{
		ColumnCount: func(n uint64) {
			if n != 1 {
				fail(mysql.NewError(mysql.ER_UNKNOWN_ERROR, "Too many columns"))
			}
		},
		Row: func(values []mywire.Value) {
			rows++
			switch {
			case rows > 1:
				fail(mysql.NewError(mysql.ER_UNKNOWN_ERROR, "Too many rows"))
			case len(values) != 1:
				fail(mysql.NewError(mysql.ER_UNKNOWN_ERROR, "Too many columns"))
			default:
				*dst = values[0]
			}
		},
		Ok: func(ok mywire.Ok) {
			fail(mysql.NewError(mysql.ER_UNKNOWN_ERROR, "No fields"))
		},
		Error: fail,
	}
}
