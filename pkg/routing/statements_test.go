package routing

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/justjake/mylink/pkg/mywire"
)

func TestBuildSetVariablesStatement_EmptyStoreNoTrackers(t *testing.T) {
	var vars mywire.SystemVariables
	assert.Equal(t, "", buildSetVariablesStatement(&vars, false))
}

func TestBuildSetVariablesStatement_OneAssignmentPerVariable(t *testing.T) {
	var vars mywire.SystemVariables
	vars.Set("sql_mode", mywire.NewValue("STRICT_TRANS_TABLES"))
	vars.Set("autocommit", mywire.NewValue("1"))
	vars.Set("lock_wait_timeout", mywire.Null())

	stmt := buildSetVariablesStatement(&vars, false)
	require.True(t, strings.HasPrefix(stmt, "SET "))

	assignments := strings.Split(stmt[len("SET "):], ",")
	require.Len(t, assignments, 3)
	assert.Contains(t, assignments[0], "`sql_mode` = 'STRICT_TRANS_TABLES'")
	assert.Contains(t, assignments[1], "`autocommit` = '1'")
	assert.Contains(t, assignments[2], "`lock_wait_timeout` = NULL")
}

func TestBuildSetVariablesStatement_SkipsStatementID(t *testing.T) {
	var vars mywire.SystemVariables
	vars.Set(mywire.VarStatementID, mywire.NewValue("42"))

	assert.Equal(t, "", buildSetVariablesStatement(&vars, false))
}

func TestBuildSetVariablesStatement_TrackersForcedFirst(t *testing.T) {
	var vars mywire.SystemVariables
	vars.Set("sql_mode", mywire.NewValue("ANSI"))

	stmt := buildSetVariablesStatement(&vars, true)
	require.True(t, strings.HasPrefix(stmt, "SET "))

	assignments := strings.Split(stmt[len("SET "):], ",")
	require.Len(t, assignments, 5)
	assert.Contains(t, assignments[0], "`session_track_system_variables` = '*'")
	assert.Contains(t, assignments[1], "`sql_mode`")
	assert.Contains(t, assignments[2], "`session_track_gtids` = 'OWN_GTID'")
	assert.Contains(t, assignments[3], "`session_track_transaction_info` = 'CHARACTERISTICS'")
	assert.Contains(t, assignments[4], "`session_track_state_change` = 'ON'")
}

func TestBuildSetVariablesStatement_ClientTrackerValuesWin(t *testing.T) {
	var vars mywire.SystemVariables
	vars.Set(mywire.VarSessionTrackGTIDs, mywire.NewValue("ALL_GTIDS"))
	vars.Set(mywire.VarSessionTrackSystemVariables, mywire.NewValue("sql_mode"))

	stmt := buildSetVariablesStatement(&vars, true)

	assignments := strings.Split(stmt[len("SET "):], ",")
	require.Len(t, assignments, 4, "client-set trackers are not injected twice")
	assert.Contains(t, assignments[0], "`session_track_system_variables` = 'sql_mode'",
		"the client's tracker list goes first, not the wildcard")
	assert.Contains(t, assignments[1], "`session_track_gtids` = 'ALL_GTIDS'")
	assert.NotContains(t, stmt, "OWN_GTID")
}

func TestBuildFetchSysVarsStatement(t *testing.T) {
	var vars mywire.SystemVariables
	assert.Equal(t,
		"SELECT 'collation_connection', @@SESSION.`collation_connection`"+
			" UNION SELECT 'character_set_client', @@SESSION.`character_set_client`"+
			" UNION SELECT 'sql_mode', @@SESSION.`sql_mode`",
		buildFetchSysVarsStatement(&vars))

	vars.Set("character_set_client", mywire.NewValue("utf8mb4"))
	stmt := buildFetchSysVarsStatement(&vars)
	assert.NotContains(t, stmt, "character_set_client", "known variables are not probed again")

	vars.Set("collation_connection", mywire.NewValue("utf8mb4_0900_ai_ci"))
	vars.Set("sql_mode", mywire.Null())
	assert.Equal(t, "", buildFetchSysVarsStatement(&vars),
		"a tracked NULL still counts as known")
}

func TestBuildWaitGtidStatement(t *testing.T) {
	gtid := "de305d54-75b4-431b-adb2-eb6b9e546014:1-5"

	assert.Equal(t,
		`SELECT GTID_SUBSET("de305d54-75b4-431b-adb2-eb6b9e546014:1-5", @@GLOBAL.gtid_executed)`,
		buildWaitGtidStatement(gtid, 0))

	assert.Equal(t,
		`SELECT NOT WAIT_FOR_EXECUTED_GTID_SET("de305d54-75b4-431b-adb2-eb6b9e546014:1-5", 2.5)`,
		buildWaitGtidStatement(gtid, 2500*time.Millisecond))
}

func TestQuoteDouble(t *testing.T) {
	assert.Equal(t, `"plain"`, quoteDouble("plain"))
	assert.Equal(t, `"a\"b\\c"`, quoteDouble(`a"b\c`))
}

func TestNextTransactionCharacteristic(t *testing.T) {
	tests := []struct {
		name string
		stmt string
		part string
		rest string
	}{
		{
			name: "no separator",
			stmt: "START TRANSACTION READ ONLY",
			part: "START TRANSACTION READ ONLY",
			rest: "",
		},
		{
			name: "trailing semicolon is stripped",
			stmt: "START TRANSACTION;",
			part: "START TRANSACTION",
			rest: "",
		},
		{
			name: "two statements",
			stmt: "SET TRANSACTION ISOLATION LEVEL READ COMMITTED; START TRANSACTION;",
			part: "SET TRANSACTION ISOLATION LEVEL READ COMMITTED",
			rest: "START TRANSACTION;",
		},
		{
			name: "separator then only a space",
			stmt: "START TRANSACTION; ",
			part: "START TRANSACTION",
			rest: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			part, rest := nextTransactionCharacteristic(tt.stmt)
			assert.Equal(t, tt.part, part)
			assert.Equal(t, tt.rest, rest)
		})
	}
}
