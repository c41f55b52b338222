package routing

import (
	"strconv"
	"strings"
	"time"

	"github.com/justjake/mylink/pkg/mywire"
)

// buildSetVariablesStatement renders the single SET statement that replays
// the tracked session variables onto a fresh server session, in the order
// the server first announced them.
//
// When the connection should stay shareable, the statement also pins the
// session trackers the proxy depends on: session_track_system_variables
// goes first (the client's own value wins, "*" otherwise) and the remaining
// trackers are appended unless the client chose a value for them.
//
// The read-only statement_id pseudo-variable is never replayed. An empty
// result means there is nothing to replay and the round trip can be
// skipped.
func buildSetVariablesStatement(vars *mywire.SystemVariables, needTrackers bool) string {
	var parts []string
	add := func(name string, value mywire.Value) {
		parts = append(parts, "@@SESSION."+mywire.QuoteIdentifier(name)+" = "+value.SQL())
	}

	if needTrackers {
		v := vars.Get(mywire.VarSessionTrackSystemVariables)
		if !v.Valid {
			v = mywire.NewValue("*")
		}
		add(mywire.VarSessionTrackSystemVariables, v)
	}

	for name, value := range vars.All() {
		if name == mywire.VarStatementID {
			continue
		}
		if name == mywire.VarSessionTrackSystemVariables && needTrackers {
			continue
		}
		add(name, value)
	}

	if needTrackers {
		for _, tracker := range mywire.ForcedTrackers {
			if vars.Get(tracker.Name).Valid {
				// The client picked its own tracker value; keep it.
				continue
			}
			add(tracker.Name, mywire.NewValue(tracker.Value))
		}
	}

	if len(parts) == 0 {
		return ""
	}
	return "SET " + strings.Join(parts, ",\n    ")
}

// buildFetchSysVarsStatement probes the server for the session variables
// that must be known before the connection can be shared, skipping the ones
// the tracker already reported. Returns "" when nothing is missing.
func buildFetchSysVarsStatement(vars *mywire.SystemVariables) string {
	var parts []string
	for _, name := range mywire.ShareableSessionVariables {
		if _, ok := vars.Lookup(name); ok {
			continue
		}
		parts = append(parts,
			"SELECT "+mywire.QuoteLiteral(name)+", @@SESSION."+mywire.QuoteIdentifier(name))
	}
	return strings.Join(parts, " UNION ")
}

// buildWaitGtidStatement renders the statement that verifies a replica has
// applied the client's writes. A zero timeout checks without waiting; a
// non-zero timeout blocks server-side up to that long. Both forms evaluate
// to 1 exactly when the GTID set is reached.
func buildWaitGtidStatement(gtidSet string, timeout time.Duration) string {
	if timeout <= 0 {
		return "SELECT GTID_SUBSET(" + quoteDouble(gtidSet) + ", @@GLOBAL.gtid_executed)"
	}
	secs := strconv.FormatFloat(timeout.Seconds(), 'f', -1, 64)
	return "SELECT NOT WAIT_FOR_EXECUTED_GTID_SET(" + quoteDouble(gtidSet) + ", " + secs + ")"
}

// quoteDouble renders s as a double-quoted SQL string literal.
func quoteDouble(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '"', '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('"')
	return b.String()
}

// nextTransactionCharacteristic splits off the next sub-statement of the
// transaction-state statement. The tracker reports at most two statements
// (the SET TRANSACTION part and the START TRANSACTION part) separated by a
// semicolon; each is replayed as its own round trip. The separator itself
// is never sent, and a single leading space after it is stripped from the
// remainder.
func nextTransactionCharacteristic(stmt string) (part, rest string) {
	i := strings.IndexByte(stmt, ';')
	if i < 0 {
		return stmt, ""
	}
	return stmt[:i], strings.TrimPrefix(stmt[i+1:], " ")
}
