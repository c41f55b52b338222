package routing

import "context"

// Result tells the connection scheduler what to do after a processor step.
type Result int

const (
	// ResultAgain runs the top of the stack again immediately.
	ResultAgain Result = iota
	// ResultSuspend parks the connection until something calls Resume.
	ResultSuspend
	// ResultSendToClient flushes queued client replies, then continues.
	ResultSendToClient
	// ResultDone pops the finished processor off the stack.
	ResultDone
)

func (r Result) String() string {
	switch r {
	case ResultAgain:
		return "again"
	case ResultSuspend:
		return "suspend"
	case ResultSendToClient:
		return "send_to_client"
	case ResultDone:
		return "done"
	default:
		return "unknown"
	}
}

// Processor is one step machine on a connection's processor stack. The
// scheduler calls Process repeatedly; a processor that needs a sub-protocol
// exchange pushes another processor and returns ResultAgain, then continues
// from its stored stage once the sub-processor pops itself with ResultDone.
//
// Processors run on the connection's single goroutine and must not be
// shared across connections.
type Processor interface {
	Process(ctx context.Context) (Result, error)
}
