package mywire

// ServerOption is the payload of a COM_SET_OPTION command.
type ServerOption uint16

// https://dev.mysql.com/doc/dev/mysql-server/latest/page_protocol_com_set_option.html
const (
	MultiStatementsOn  ServerOption = 0
	MultiStatementsOff ServerOption = 1
)

func (o ServerOption) String() string {
	switch o {
	case MultiStatementsOn:
		return "multi_statements_on"
	case MultiStatementsOff:
		return "multi_statements_off"
	default:
		return "unknown"
	}
}

// Attributes are the connection attributes a client sends in its handshake.
// A pooled server connection only matches a client if the attributes the
// proxy sent when it opened the connection are identical.
type Attributes map[string]string

// Equal reports whether both attribute sets contain exactly the same pairs.
func (a Attributes) Equal(o Attributes) bool {
	if len(a) != len(o) {
		return false
	}
	for k, v := range a {
		ov, ok := o[k]
		if !ok || ov != v {
			return false
		}
	}
	return true
}
