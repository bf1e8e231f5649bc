package txsrv

import (
	"context"
	"database/sql/driver"
	"net"

	nodes "github.com/lfittl/pg_query_go/nodes"
)

// Rows is the row set produced by a single query statement
type Rows driver.Rows

// Queryer describes objects capable of executing a single row-returning
// statement. The provided node is one already-parsed statement of a batch;
// the context carries the statement text, the batch text and the transaction
// the statement runs in (see TxFromContext)
type Queryer interface {
	Query(ctx context.Context, n nodes.Node) (driver.Rows, error)
}

// Execer describes objects capable of executing a single non-query statement
type Execer interface {
	Exec(ctx context.Context, n nodes.Node) (driver.Result, error)
}

// TxHandler is optionally implemented by execution engines that buffer the
// side effects of statements per transaction. Begin is called when a
// transaction (implicit or explicit) is opened, Commit when its effects
// should be applied, and Rollback when they should be discarded. Engines
// that don't implement it get autocommit-like semantics where every
// statement's effects are immediately final.
type TxHandler interface {
	Begin(ctx context.Context, tx TxInfo) error
	Commit(ctx context.Context, tx TxInfo) error
	Rollback(ctx context.Context, tx TxInfo) error
}

// ResultTag provides the command tag reported to the client upon completion
type ResultTag interface {
	Tag() (string, error)
}

// Session provides an access to the current session between the server and
// a single client
type Session interface {
	Set(k string, v interface{})
	Get(k string) interface{}
	Del(k string)
	All() map[string]interface{}
}

// Server is a Postgres-compatible protocol frontend. It speaks the wire
// protocol, maintains the per-session transaction state machine, and
// delegates statement execution to the configured Queryer/Execer
type Server interface {
	// Manually serve a connection
	Serve(net.Conn) error

	// Listen accepts connections on the provided address until the listener
	// fails
	Listen(laddr string) error
}

// TxInfo identifies the transaction a statement runs in. The zero value
// means no transaction. IDs are unique within a session and never reused.
type TxInfo struct {
	ID       uint64
	Implicit bool
}

// InTx reports whether the statement runs inside a transaction
func (t TxInfo) InTx() bool { return t.ID != 0 }

type ctxKey int

const (
	sqlCtxKey ctxKey = iota
	stmtCtxKey
	paramsCtxKey
	txCtxKey
)

// BatchFromContext returns the full text of the batch that the currently
// executed statement arrived in
func BatchFromContext(ctx context.Context) string {
	s, _ := ctx.Value(sqlCtxKey).(string)
	return s
}

// StatementFromContext returns the text of the single statement being executed
func StatementFromContext(ctx context.Context) string {
	s, _ := ctx.Value(stmtCtxKey).(string)
	return s
}

// ParamsFromContext returns the raw params array as saved in the given context
func ParamsFromContext(ctx context.Context) [][]byte {
	p, _ := ctx.Value(paramsCtxKey).([][]byte)
	return p
}

// TxFromContext returns the transaction the current statement runs in. The
// zero TxInfo is returned for statements running with no transaction open.
func TxFromContext(ctx context.Context) TxInfo {
	tx, _ := ctx.Value(txCtxKey).(TxInfo)
	return tx
}
