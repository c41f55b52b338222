package mywire

import "github.com/go-mysql-org/go-mysql/mysql"

// Column describes one column of a result set, as far as the reconciliation
// statements care about it.
type Column struct {
	Name string
}

// Ok is the server's OK reply to a statement that produced no result set.
type Ok struct {
	AffectedRows uint64
	LastInsertID uint64
	Status       uint16
	Warnings     uint16
}

// Eof terminates the row stream of a result set.
type Eof struct {
	Status   uint16
	Warnings uint16
}

// ResultHandler consumes the result of one statement sent to the server.
// The lifecycle of a result:
//  1. ColumnCount, then one Column per column, then zero or more Row, then
//     RowEnd — for statements that produce a result set.
//  2. Ok — for statements that produce no result set.
//  3. Error — for statements the server rejects.
//
// Handlers with no func for an event ignore it.
type ResultHandler struct {
	ColumnCount func(n uint64)
	Column      func(col Column)
	Row         func(values []Value)
	RowEnd      func(eof Eof)
	Ok          func(ok Ok)
	Error       func(e *mysql.MyError)
}

// HandleColumnCount dispatches a column-count event, if handled.
func (h ResultHandler) HandleColumnCount(n uint64) {
	if h.ColumnCount != nil {
		h.ColumnCount(n)
	}
}

// HandleColumn dispatches a column-definition event, if handled.
func (h ResultHandler) HandleColumn(col Column) {
	if h.Column != nil {
		h.Column(col)
	}
}

// HandleRow dispatches one row of values, if handled.
func (h ResultHandler) HandleRow(values []Value) {
	if h.Row != nil {
		h.Row(values)
	}
}

// HandleRowEnd dispatches the end of the row stream, if handled.
func (h ResultHandler) HandleRowEnd(eof Eof) {
	if h.RowEnd != nil {
		h.RowEnd(eof)
	}
}

// HandleOk dispatches an OK reply, if handled.
func (h ResultHandler) HandleOk(ok Ok) {
	if h.Ok != nil {
		h.Ok(ok)
	}
}

// HandleError dispatches a server error reply, if handled.
func (h ResultHandler) HandleError(e *mysql.MyError) {
	if h.Error != nil {
		h.Error(e)
	}
}
