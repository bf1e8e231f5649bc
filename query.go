package txsrv

import (
	"context"
	"database/sql/driver"
	"fmt"
	"io"

	nodes "github.com/lfittl/pg_query_go/nodes"
	"github.com/panoplyio/txsrv/protocol"
)

// Cursor implements ResultTag and returns as a result of a query.
// Cursor holds driver.Rows and allows fetching in batches or in full.
type Cursor struct {
	rows    driver.Rows
	columns []string
	row     []driver.Value
	strings []string
	types   []string
	count   int
	eof     bool
}

// Tag implements ResultTag
func (c *Cursor) Tag() (string, error) {
	return fmt.Sprintf("SELECT %d", c.count), nil
}

// Fetch retrieves next n rows from the saved result and writes a DataRow for every row retrieved.
// Fetch return the amount of rows retrieved and an error if occurred. if n > available rows,
// no error will be returned. if reached EOF, eof flag will be turned on for this Cursor.
func (c *Cursor) Fetch(n int, w protocol.MessageWriter) (count int, err error) {
	for (count < n || n == 0) && !c.eof {
		err = c.rows.Next(c.row)
		if err != nil {
			break
		}

		// convert the values to string
		for i, v := range c.row {
			c.strings[i] = fmt.Sprintf("%v", v)
		}

		err = w.Write(protocol.DataRow(c.strings))
		if err != nil {
			break
		}

		count++
	}
	c.count += count

	if err == io.EOF {
		c.eof = true
		err = nil
	}
	return
}

// CommandResult implements ResultTag and returns as a result of a command.
// CommandResult holds a tagger for default tagging.
type CommandResult struct {
	driver.Result
	tagger ResultTag
}

// Tag implements ResultTag
func (cr *CommandResult) Tag() (string, error) {
	return cr.tagger.Tag()
}

// query runs a row-returning statement via the Queryer and wraps the row set
// in a Cursor
func (r *batchRunner) query(ctx context.Context, n nodes.Node) (*Cursor, error) {
	rows, err := r.queryer.Query(ctx, n)
	if err != nil {
		return nil, canceledOr(ctx, err)
	}

	// build columns from the provided columns list
	cols := rows.Columns()
	types := make([]string, len(cols))
	rowsTypes, ok := rows.(driver.RowsColumnTypeDatabaseTypeName)
	for i := 0; i < len(types) && ok; i++ {
		types[i] = rowsTypes.ColumnTypeDatabaseTypeName(i)
	}
	return &Cursor{
		columns: cols,
		row:     make([]driver.Value, len(cols)),
		strings: make([]string, len(cols)),
		rows:    rows,
		types:   types,
	}, nil
}

// exec runs a non-query statement via the Execer
func (r *batchRunner) exec(ctx context.Context, n nodes.Node) (*CommandResult, error) {
	res, err := r.execer.Exec(ctx, n)
	if err != nil {
		return nil, canceledOr(ctx, err)
	}

	t, ok := res.(ResultTag)
	if !ok {
		t = &tagger{res, n}
	}

	return &CommandResult{
		Result: res,
		tagger: t,
	}, nil
}

// canceledOr converts an engine failure caused by a client-initiated cancel
// into the canonical query_canceled error. Cancellation is otherwise an
// ordinary execution error: it drives the same failure-resolution rule.
func canceledOr(ctx context.Context, err error) error {
	if ctx.Err() == context.Canceled {
		return Canceled("canceling statement due to user request")
	}
	return err
}

// implements the CommandComplete tag according to the spec as described at the
// link below. When there's no suitable tag according to the spec, "UPDATE" is
// used instead.
// https://www.postgresql.org/docs/10/static/protocol-message-formats.html
type tagger struct {
	driver.Result
	Node nodes.Node
}

func (res *tagger) Tag() (tag string, err error) {
	// allow commands to not specify number of rows affected
	skipResults := false
	switch res.Node.(type) {
	case nodes.VariableSetStmt:
		skipResults = true
		kind := res.Node.(nodes.VariableSetStmt).Kind
		switch kind {
		case nodes.VAR_SET_VALUE, nodes.VAR_SET_CURRENT, nodes.VAR_SET_DEFAULT, nodes.VAR_SET_MULTI:
			tag = "SET"
		case nodes.VAR_RESET, nodes.VAR_RESET_ALL:
			tag = "RESET"
		default:
			tag = "???"
		}
	case nodes.InsertStmt:
		// oid in INSERT is not implemented; defaults to 0
		tag = "INSERT 0"
	case nodes.CreateTableAsStmt:
		tag = "SELECT" // follows the spec
	case nodes.DeleteStmt:
		tag = "DELETE"
	case nodes.FetchStmt:
		tag = "FETCH"
	case nodes.CopyStmt:
		tag = "COPY"
	case nodes.VacuumStmt:
		skipResults = true
		tag = "VACUUM"
	case nodes.CreateRoleStmt:
		skipResults = true
		tag = "CREATE ROLE"
	case nodes.ViewStmt:
		skipResults = true
		tag = "CREATE VIEW"
	case nodes.CreateStmt:
		skipResults = true
		tag = "CREATE TABLE"
	case nodes.UpdateStmt:
		tag = "UPDATE"
	default:
		tag = "UPDATE"
	}

	if !skipResults {
		affected, err := res.RowsAffected()
		if err != nil {
			return tag, err
		}
		tag = fmt.Sprintf("%s %d", tag, affected)
	}
	return tag, nil
}
