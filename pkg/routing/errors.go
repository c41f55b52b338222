package routing

import (
	"errors"
	"fmt"

	"github.com/go-mysql-org/go-mysql/mysql"

	"github.com/justjake/mylink/pkg/backend"
)

// Client-side error codes, from include/errmsg.h. go-mysql only ships the
// server-side ER_ range.
const (
	crConnHostError  = 2003
	crServerLost     = 2013
	crUnknownMyError = 2000
)

// asServerError extracts a structured MySQL error if err carries one.
// Transport failures do not.
func asServerError(err error) (*mysql.MyError, bool) {
	var my *mysql.MyError
	if errors.As(err, &my) {
		return my, true
	}
	return nil, false
}

// serverOrWrapped returns err's structured form, wrapping transport
// failures under the given client-side error code.
func serverOrWrapped(err error, code uint16, format string, args ...any) *mysql.MyError {
	if my, ok := asServerError(err); ok {
		return my
	}
	msg := fmt.Sprintf(format, args...)
	return mysql.NewError(code, fmt.Sprintf("%s (%v)", msg, err))
}

func cantConnectError(addr string, cause error) *mysql.MyError {
	if cause == nil {
		return mysql.NewError(crConnHostError,
			fmt.Sprintf("Can't connect to remote MySQL server on '%s'", addr))
	}
	return mysql.NewError(crConnHostError,
		fmt.Sprintf("Can't connect to remote MySQL server on '%s' (%v)", addr, cause))
}

func noDestinationsError(mode backend.ServerMode) *mysql.MyError {
	return mysql.NewError(crConnHostError,
		fmt.Sprintf("no destinations available for %s", mode))
}

func accessDeniedError(username string) *mysql.MyError {
	return mysql.NewError(mysql.ER_ACCESS_DENIED_ERROR,
		fmt.Sprintf("Access denied for user '%s'", username))
}

// waitForMyWritesTimeoutError reports that a replica did not catch up to
// the client's writes in time.
func waitForMyWritesTimeoutError() *mysql.MyError {
	return mysql.NewError(mysql.ER_LOCK_WAIT_TIMEOUT,
		"wait_for_my_writes timed out, please retry")
}
