package mywire

// https://dev.mysql.com/doc/refman/8.4/en/session-state-tracking.html
//
// The server only reports session-state changes for the trackers the client
// enables. Connection sharing depends on seeing every state change, so the
// proxy force-enables the trackers below when it replays session variables,
// unless the client already chose its own values.
const (
	// VarSessionTrackSystemVariables lists the variables the server reports
	// changes for; "*" means all of them.
	VarSessionTrackSystemVariables = "session_track_system_variables"
	// VarSessionTrackGTIDs makes the server attach the GTIDs of the
	// session's own commits to each OK packet.
	VarSessionTrackGTIDs = "session_track_gtids"
	// VarSessionTrackTransactionInfo reports transaction characteristics,
	// including the statements needed to restart the transaction elsewhere.
	VarSessionTrackTransactionInfo = "session_track_transaction_info"
	// VarSessionTrackStateChange reports coarse "session state changed"
	// flags for state no finer tracker covers.
	VarSessionTrackStateChange = "session_track_state_change"

	// VarStatementID is reported by the server but read-only; replaying it
	// would fail with ER_VARIABLE_IS_READONLY.
	VarStatementID = "statement_id"

	VarCollationConnection = "collation_connection"
	VarCharacterSetClient  = "character_set_client"
	VarSQLMode             = "sql_mode"
)

// ForcedTrackers are the tracker variables the proxy enables on every
// shareable connection, with the values reconciliation depends on. Order
// matters: it is the order they are appended to the replay statement.
var ForcedTrackers = []struct {
	Name  string
	Value string
}{
	{VarSessionTrackGTIDs, "OWN_GTID"},
	{VarSessionTrackTransactionInfo, "CHARACTERISTICS"},
	{VarSessionTrackStateChange, "ON"},
}

// ShareableSessionVariables are the variables whose values must be known
// before a connection may be shared. Any of them missing from the session
// store gets probed directly from the server.
var ShareableSessionVariables = []string{
	VarCollationConnection,
	VarCharacterSetClient,
	VarSQLMode,
}
