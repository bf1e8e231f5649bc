package txsrv

import (
	"context"
	"strings"

	parser "github.com/lfittl/pg_query_go"
	nodes "github.com/lfittl/pg_query_go/nodes"
	"go.uber.org/zap"
)

// outcomeKind classifies what the batch runner decided for one statement.
type outcomeKind int

const (
	// outcomeNotRun - the statement was never evaluated because an earlier
	// statement already stopped the batch
	outcomeNotRun outcomeKind = iota

	// outcomeExecuted - the statement ran and produced a result
	outcomeExecuted

	// outcomeExecutedWithNotice - the statement ran and produced a result
	// plus an advisory notice
	outcomeExecutedWithNotice

	// outcomeErrored - the statement ran and failed
	outcomeErrored

	// outcomeSkippedAborted - the statement was not run because the
	// transaction is already failed; carries the fixed synthetic error
	outcomeSkippedAborted
)

// outcome is the per-statement product of a batch. Exactly one outcome is
// recorded for every statement of the batch, in statement order.
type outcome struct {
	kind   outcomeKind
	result ResultTag
	notice *Notice
	err    error
}

// batch is the ordered statement sequence parsed out of one simple-query
// protocol message. Parsing is all-or-nothing; a batch either has all of its
// statements or none.
type batch struct {
	sql   string
	stmts []nodes.Node
	texts []string
}

// parseBatch parses the raw batch text into its ordered statement list. A
// parse failure yields no statements at all and is reported as a single
// syntax error for the whole batch.
func parseBatch(sql string) (*batch, error) {
	tree, err := parser.Parse(sql)
	if err != nil {
		return nil, SyntaxError("%s", err)
	}

	b := &batch{
		sql:   sql,
		stmts: make([]nodes.Node, 0, len(tree.Statements)),
		texts: make([]string, 0, len(tree.Statements)),
	}
	for _, stmt := range tree.Statements {
		raw, isRaw := stmt.(nodes.RawStmt)
		if !isRaw {
			b.stmts = append(b.stmts, stmt)
			b.texts = append(b.texts, sql)
			continue
		}
		b.stmts = append(b.stmts, raw.Stmt)
		b.texts = append(b.texts, rawStmtText(sql, raw))
	}
	return b, nil
}

// rawStmtText slices the original text of a single statement out of the batch
// text using the parser-reported location.
func rawStmtText(sql string, raw nodes.RawStmt) string {
	start := int(raw.StmtLocation)
	if start < 0 || start > len(sql) {
		return sql
	}
	end := len(sql)
	if raw.StmtLen > 0 && start+int(raw.StmtLen) <= len(sql) {
		end = start + int(raw.StmtLen)
	}
	return strings.TrimSpace(sql[start:end])
}

// batchRunner drives the statements of one batch against the session's
// transaction state, applying the transaction-boundary rules statement by
// statement. The state it mutates belongs to the session and survives into
// the next batch; everything else here is transient per-batch.
type batchRunner struct {
	tx      *txState
	queryer Queryer
	execer  Execer
	txs     TxHandler
	sess    *session
	log     *zap.Logger
}

// run processes the batch in statement order and returns one outcome per
// statement. Once a statement produces an error-class outcome no further
// statement is evaluated, whatever its type. The returned error reports a
// failure to auto-commit the batch's implicit transaction; the outcomes are
// complete and valid even then.
func (r *batchRunner) run(ctx context.Context, b *batch) ([]outcome, error) {
	outs := make([]outcome, len(b.stmts))
	for i := range outs {
		outs[i].kind = outcomeNotRun
	}

	ctx = context.WithValue(ctx, sqlCtxKey, b.sql)

	for i := range b.stmts {
		if stop := r.runStatement(ctx, b.stmts[i], b.texts[i], &outs[i]); stop {
			break
		}
	}

	// an implicit transaction left open by the last statement is scoped to
	// the batch: commit it now
	if r.tx.mode == txOpenImplicit {
		tx := r.tx.info()
		r.tx.close()
		if err := r.commitTx(ctx, tx); err != nil {
			r.log.Warn("implicit transaction auto-commit failed",
				zap.Uint64("tx", tx.ID), zap.Error(err))
			return outs, err
		}
	}
	return outs, nil
}

// runStatement evaluates a single statement against the current transaction
// state, records its outcome, and reports whether the batch must stop.
func (r *batchRunner) runStatement(ctx context.Context, stmt nodes.Node, text string, out *outcome) bool {
	// a failed transaction ignores everything but COMMIT/ROLLBACK, and the
	// synthetic error it produces aborts the batch like any other error
	if r.tx.mode == txFailed && !closesTransaction(stmt) {
		out.kind = outcomeSkippedAborted
		out.err = txAbortedErr()
		return true
	}

	if kind, ok := transactionStmtKind(stmt); ok {
		switch kind {
		case nodes.TRANS_STMT_BEGIN, nodes.TRANS_STMT_START:
			return r.runBegin(ctx, out)
		case nodes.TRANS_STMT_COMMIT, nodes.TRANS_STMT_ROLLBACK:
			return r.runClose(ctx, kind, out)
		}
		// savepoints and two-phase commit fall through to the ordinary
		// path, where they are rejected and drive the failure-resolution
		// rule like any other erroring statement
	}

	return r.runOrdinary(ctx, stmt, text, out)
}

// runBegin opens an explicit transaction, or promotes the batch's implicit
// one in place - keeping its accumulated effects under the now-explicit
// transaction. BEGIN never fails; a nested BEGIN warns and continues.
func (r *batchRunner) runBegin(ctx context.Context, out *outcome) bool {
	switch r.tx.mode {
	case txIdle:
		tx := r.tx.open(txOpenExplicit)
		if err := r.beginTx(ctx, tx); err != nil {
			r.tx.close()
			out.kind = outcomeErrored
			out.err = err
			return true
		}
	case txOpenImplicit:
		r.tx.promote()
	case txOpenExplicit:
		// behavior not pinned down by the protocol reference; warn and
		// continue like postgres does
		out.notice = transactionInProgressNotice()
	}

	out.result = txTag("BEGIN")
	if out.notice != nil {
		out.kind = outcomeExecutedWithNotice
	} else {
		out.kind = outcomeExecuted
	}
	return false
}

// runClose executes COMMIT or ROLLBACK. With no transaction at all it's a
// no-op that keeps its completion tag and warns; otherwise it closes the
// transaction. COMMIT of a failed transaction discards the accumulated
// effects like ROLLBACK but still reports its own tag - it is only reachable
// as the first evaluated statement of a batch, exempt from the abort skip.
func (r *batchRunner) runClose(ctx context.Context, kind nodes.TransactionStmtKind, out *outcome) bool {
	tag := "COMMIT"
	if kind == nodes.TRANS_STMT_ROLLBACK {
		tag = "ROLLBACK"
	}
	out.result = txTag(tag)

	if r.tx.mode == txIdle {
		out.kind = outcomeExecutedWithNotice
		out.notice = noTransactionNotice()
		return false
	}

	commit := kind == nodes.TRANS_STMT_COMMIT && r.tx.mode != txFailed
	implicit := r.tx.mode == txOpenImplicit
	tx := r.tx.info()
	r.tx.close()

	var err error
	if commit {
		err = r.commitTx(ctx, tx)
	} else {
		err = r.rollbackTx(ctx, tx)
	}
	if err != nil {
		out.kind = outcomeErrored
		out.err = err
		return true
	}

	if implicit {
		// the client never issued BEGIN for this transaction, so from its
		// point of view none was in progress
		out.kind = outcomeExecutedWithNotice
		out.notice = noTransactionNotice()
	} else {
		out.kind = outcomeExecuted
	}
	return false
}

// runOrdinary executes a non-transaction-control statement, bootstrapping an
// implicit transaction when none is open, and applies the failure-resolution
// rule on error: an implicit transaction rolls back invisibly to idle, an
// explicit one stays open as failed.
func (r *batchRunner) runOrdinary(ctx context.Context, stmt nodes.Node, text string, out *outcome) bool {
	if r.tx.mode == txIdle {
		tx := r.tx.open(txOpenImplicit)
		if err := r.beginTx(ctx, tx); err != nil {
			r.tx.close()
			out.kind = outcomeErrored
			out.err = err
			return true
		}
	}

	ctx = context.WithValue(ctx, stmtCtxKey, text)
	ctx = context.WithValue(ctx, txCtxKey, r.tx.info())

	res, err := r.execute(ctx, stmt)
	if err != nil {
		out.kind = outcomeErrored
		out.err = err

		if r.tx.mode == txOpenImplicit {
			tx := r.tx.info()
			r.tx.close()
			if rbErr := r.rollbackTx(ctx, tx); rbErr != nil {
				r.log.Warn("implicit transaction rollback failed",
					zap.Uint64("tx", tx.ID), zap.Error(rbErr))
			}
		} else {
			r.tx.fail()
		}
		return true
	}

	out.kind = outcomeExecuted
	out.result = res
	return false
}

// execute runs one statement via the configured execution engine, routing
// row-returning statements to the Queryer and everything else to the Execer.
func (r *batchRunner) execute(ctx context.Context, stmt nodes.Node) (ResultTag, error) {
	switch v := stmt.(type) {
	case nodes.TransactionStmt:
		// the BEGIN/COMMIT/ROLLBACK kinds never reach this point
		return nil, Unsupported("transaction statement")
	case nodes.PrepareStmt:
		if r.sess == nil {
			return nil, Unsupported("PREPARE outside a client session")
		}
		// only stored; nothing to execute until the statement is run
		r.sess.storePreparedStatement(&statement{prepareStmt: &v})
		return txTag("PREPARE"), nil
	case nodes.SelectStmt, nodes.VariableShowStmt:
		if r.queryer == nil {
			return nil, Unsupported("query statement")
		}
		return r.query(ctx, stmt)
	default:
		if r.execer == nil {
			return nil, Unsupported("command statement")
		}
		return r.exec(ctx, stmt)
	}
}

func (r *batchRunner) beginTx(ctx context.Context, tx TxInfo) error {
	if r.txs == nil {
		return nil
	}
	return r.txs.Begin(ctx, tx)
}

func (r *batchRunner) commitTx(ctx context.Context, tx TxInfo) error {
	if r.txs == nil {
		return nil
	}
	return r.txs.Commit(ctx, tx)
}

func (r *batchRunner) rollbackTx(ctx context.Context, tx TxInfo) error {
	if r.txs == nil {
		return nil
	}
	return r.txs.Rollback(ctx, tx)
}

// closesTransaction reports whether the statement is a COMMIT or ROLLBACK -
// the only statements accepted while the transaction is failed.
func closesTransaction(stmt nodes.Node) bool {
	kind, ok := transactionStmtKind(stmt)
	return ok && (kind == nodes.TRANS_STMT_COMMIT || kind == nodes.TRANS_STMT_ROLLBACK)
}

func transactionStmtKind(stmt nodes.Node) (nodes.TransactionStmtKind, bool) {
	t, ok := stmt.(nodes.TransactionStmt)
	if !ok {
		return 0, false
	}
	return t.Kind, true
}

// txTag is the fixed completion tag of a transaction-control statement.
type txTag string

// Tag implements ResultTag
func (t txTag) Tag() (string, error) {
	return string(t), nil
}
