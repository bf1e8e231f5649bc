package txsrv

import (
	"context"
	"database/sql/driver"
	"fmt"
	"io"
	"testing"

	nodes "github.com/lfittl/pg_query_go/nodes"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// recordingEngine implements Queryer, Execer and TxHandler for tests. It
// records every call, keyed by the statement text the runner puts in the
// context, and fails statements listed in failOn.
type recordingEngine struct {
	failOn map[string]error
	calls  []string
	txs    []TxInfo
	events []string
}

func (e *recordingEngine) record(ctx context.Context) error {
	text := StatementFromContext(ctx)
	e.calls = append(e.calls, text)
	e.txs = append(e.txs, TxFromContext(ctx))
	if err, ok := e.failOn[text]; ok {
		if err == nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

func (e *recordingEngine) Query(ctx context.Context, n nodes.Node) (driver.Rows, error) {
	if err := e.record(ctx); err != nil {
		return nil, err
	}
	return &stubRows{rows: 1}, nil
}

func (e *recordingEngine) Exec(ctx context.Context, n nodes.Node) (driver.Result, error) {
	if err := e.record(ctx); err != nil {
		return nil, err
	}
	return driver.RowsAffected(1), nil
}

func (e *recordingEngine) Begin(ctx context.Context, tx TxInfo) error {
	e.events = append(e.events, fmt.Sprintf("begin %d", tx.ID))
	return nil
}

func (e *recordingEngine) Commit(ctx context.Context, tx TxInfo) error {
	e.events = append(e.events, fmt.Sprintf("commit %d", tx.ID))
	return nil
}

func (e *recordingEngine) Rollback(ctx context.Context, tx TxInfo) error {
	e.events = append(e.events, fmt.Sprintf("rollback %d", tx.ID))
	return nil
}

type stubRows struct {
	rows int
	pos  int
}

func (r *stubRows) Columns() []string { return []string{"column1"} }
func (r *stubRows) Close() error      { return nil }
func (r *stubRows) Next(dest []driver.Value) error {
	if r.pos >= r.rows {
		return io.EOF
	}
	dest[0] = fmt.Sprintf("row %d", r.pos)
	r.pos++
	return nil
}

func newTestRunner(engine *recordingEngine) *batchRunner {
	return &batchRunner{
		tx:      &txState{},
		queryer: engine,
		execer:  engine,
		txs:     engine,
		log:     zap.NewNop(),
	}
}

func mustParse(t *testing.T, sql string) *batch {
	t.Helper()
	b, err := parseBatch(sql)
	require.NoError(t, err)
	return b
}

func kinds(outs []outcome) []outcomeKind {
	res := make([]outcomeKind, len(outs))
	for i, out := range outs {
		res[i] = out.kind
	}
	return res
}

func tagOf(t *testing.T, out outcome) string {
	t.Helper()
	require.NotNil(t, out.result)
	tag, err := out.result.Tag()
	require.NoError(t, err)
	return tag
}

func runBatch(t *testing.T, r *batchRunner, sql string) []outcome {
	t.Helper()
	outs, err := r.run(context.Background(), mustParse(t, sql))
	require.NoError(t, err)
	return outs
}

func TestParseBatch(t *testing.T) {
	t.Run("splits statements and recovers their text", func(t *testing.T) {
		b := mustParse(t, "SELECT 1; BEGIN; SELECT 2")
		require.Len(t, b.stmts, 3)
		require.Equal(t, []string{"SELECT 1", "BEGIN", "SELECT 2"}, b.texts)
	})

	t.Run("parse failure is atomic and a syntax error", func(t *testing.T) {
		b, err := parseBatch("SELECT 1; SELEC 2")
		require.Error(t, err)
		require.Nil(t, b)
		require.Equal(t, "42601", fromErr(err).Code())
	})

	t.Run("empty batch has no statements", func(t *testing.T) {
		b := mustParse(t, "")
		require.Empty(t, b.stmts)
	})
}

func TestBatchRunner_implicitAutoCommit(t *testing.T) {
	engine := &recordingEngine{}
	r := newTestRunner(engine)

	outs := runBatch(t, r, "SELECT 1; SELECT 2")
	require.Equal(t, []outcomeKind{outcomeExecuted, outcomeExecuted}, kinds(outs))
	require.Equal(t, txIdle, r.tx.mode)

	// both statements ran in the same implicit transaction, committed at
	// end of batch
	require.Equal(t, []TxInfo{{ID: 1, Implicit: true}, {ID: 1, Implicit: true}}, engine.txs)
	require.Equal(t, []string{"begin 1", "commit 1"}, engine.events)
}

// scenario: SELECT 1; SELECT 1/0; SELECT 2 with no BEGIN
func TestBatchRunner_implicitAutoRollback(t *testing.T) {
	engine := &recordingEngine{failOn: map[string]error{"SELECT 1/0": fmt.Errorf("division by zero")}}
	r := newTestRunner(engine)

	outs := runBatch(t, r, "SELECT 1; SELECT 1/0; SELECT 2")
	require.Equal(t, []outcomeKind{outcomeExecuted, outcomeErrored, outcomeNotRun}, kinds(outs))
	require.EqualError(t, outs[1].err, "division by zero")

	// an implicit transaction that fails resets to idle, never observed as
	// failed
	require.Equal(t, txIdle, r.tx.mode)
	require.Equal(t, []string{"begin 1", "rollback 1"}, engine.events)

	// the executor was never called for the statement after the failure
	require.Equal(t, []string{"SELECT 1", "SELECT 1/0"}, engine.calls)
}

// scenario: BEGIN; SELECT 1/0; ROLLBACK fails and stays failed until the next
// batch closes the block
func TestBatchRunner_explicitFailurePersists(t *testing.T) {
	engine := &recordingEngine{failOn: map[string]error{"SELECT 1/0": fmt.Errorf("division by zero")}}
	r := newTestRunner(engine)

	outs := runBatch(t, r, "BEGIN; SELECT 1/0; ROLLBACK")
	require.Equal(t, []outcomeKind{outcomeExecuted, outcomeErrored, outcomeNotRun}, kinds(outs))
	require.Equal(t, "BEGIN", tagOf(t, outs[0]))

	// fail-fast: the trailing ROLLBACK is in the same batch as the error
	// and is not exempt
	require.Equal(t, txFailed, r.tx.mode)
	require.Equal(t, []string{"begin 1"}, engine.events)

	// a following batch is skipped wholesale until COMMIT/ROLLBACK
	outs = runBatch(t, r, "SELECT 2; SELECT 3")
	require.Equal(t, []outcomeKind{outcomeSkippedAborted, outcomeNotRun}, kinds(outs))
	require.EqualError(t, outs[0].err,
		"current transaction is aborted, commands ignored until end of transaction block")
	require.Equal(t, "25P02", fromErr(outs[0].err).Code())
	require.Equal(t, txFailed, r.tx.mode)

	// recovery exemption: ROLLBACK as the first evaluated statement runs
	outs = runBatch(t, r, "ROLLBACK")
	require.Equal(t, []outcomeKind{outcomeExecuted}, kinds(outs))
	require.Equal(t, "ROLLBACK", tagOf(t, outs[0]))
	require.Equal(t, txIdle, r.tx.mode)
	require.Equal(t, []string{"begin 1", "rollback 1"}, engine.events)
}

// COMMIT of a failed transaction discards effects but keeps its own tag
func TestBatchRunner_commitOfFailedRollsBack(t *testing.T) {
	engine := &recordingEngine{failOn: map[string]error{"SELECT 1/0": fmt.Errorf("division by zero")}}
	r := newTestRunner(engine)

	runBatch(t, r, "BEGIN; SELECT 1/0")
	require.Equal(t, txFailed, r.tx.mode)

	outs := runBatch(t, r, "COMMIT")
	require.Equal(t, []outcomeKind{outcomeExecuted}, kinds(outs))
	require.Equal(t, "COMMIT", tagOf(t, outs[0]))
	require.Nil(t, outs[0].notice)
	require.Equal(t, txIdle, r.tx.mode)
	require.Equal(t, []string{"begin 1", "rollback 1"}, engine.events)
}

// scenario: SELECT 1; COMMIT; SELECT 2 with no BEGIN
func TestBatchRunner_commitOfImplicitWarns(t *testing.T) {
	engine := &recordingEngine{}
	r := newTestRunner(engine)

	outs := runBatch(t, r, "SELECT 1; COMMIT; SELECT 2")
	require.Equal(t, []outcomeKind{
		outcomeExecuted, outcomeExecutedWithNotice, outcomeExecuted,
	}, kinds(outs))
	require.Equal(t, "COMMIT", tagOf(t, outs[1]))
	require.Equal(t, "there is no transaction in progress", outs[1].notice.Message)
	require.Equal(t, txIdle, r.tx.mode)

	// the COMMIT closed the first implicit transaction; SELECT 2 got a
	// fresh one, auto-committed at end of batch
	require.Equal(t, []string{"begin 1", "commit 1", "begin 2", "commit 2"}, engine.events)
	require.Equal(t, []TxInfo{{ID: 1, Implicit: true}, {ID: 2, Implicit: true}}, engine.txs)
}

// bare COMMIT/ROLLBACK while idle is a warned no-op
func TestBatchRunner_bareCloseWhileIdle(t *testing.T) {
	for _, sql := range []string{"COMMIT", "ROLLBACK"} {
		t.Run(sql, func(t *testing.T) {
			engine := &recordingEngine{}
			r := newTestRunner(engine)

			outs := runBatch(t, r, sql)
			require.Equal(t, []outcomeKind{outcomeExecutedWithNotice}, kinds(outs))
			require.Equal(t, sql, tagOf(t, outs[0]))
			require.Equal(t, "there is no transaction in progress", outs[0].notice.Message)
			require.Equal(t, "25P01", outs[0].notice.Code)
			require.Equal(t, txIdle, r.tx.mode)
			require.Empty(t, engine.events)
		})
	}
}

// scenario: SELECT 1; BEGIN; SELECT 2 promotes the implicit transaction in
// place; COMMIT in the next batch applies the whole of it
func TestBatchRunner_beginFoldsImplicit(t *testing.T) {
	engine := &recordingEngine{}
	r := newTestRunner(engine)

	outs := runBatch(t, r, "SELECT 1; BEGIN; SELECT 2")
	require.Equal(t, []outcomeKind{outcomeExecuted, outcomeExecuted, outcomeExecuted}, kinds(outs))
	require.Equal(t, "BEGIN", tagOf(t, outs[1]))

	// not auto-committed at batch end: the promoted transaction persists
	require.Equal(t, txOpenExplicit, r.tx.mode)
	require.Equal(t, []string{"begin 1"}, engine.events)

	// SELECT 1's effects live in the same transaction as SELECT 2's
	require.Equal(t, []TxInfo{{ID: 1, Implicit: true}, {ID: 1, Implicit: false}}, engine.txs)

	outs = runBatch(t, r, "COMMIT")
	require.Equal(t, []outcomeKind{outcomeExecuted}, kinds(outs))
	require.Nil(t, outs[0].notice)
	require.Equal(t, txIdle, r.tx.mode)
	require.Equal(t, []string{"begin 1", "commit 1"}, engine.events)
}

func TestBatchRunner_nestedBeginWarns(t *testing.T) {
	engine := &recordingEngine{}
	r := newTestRunner(engine)

	outs := runBatch(t, r, "BEGIN; BEGIN")
	require.Equal(t, []outcomeKind{outcomeExecuted, outcomeExecutedWithNotice}, kinds(outs))
	require.Equal(t, "BEGIN", tagOf(t, outs[1]))
	require.Equal(t, "there is already a transaction in progress", outs[1].notice.Message)
	require.Equal(t, "25001", outs[1].notice.Code)

	// still the same transaction
	require.Equal(t, txOpenExplicit, r.tx.mode)
	require.Equal(t, []string{"begin 1"}, engine.events)
}

func TestBatchRunner_explicitCommitAppliesEffects(t *testing.T) {
	engine := &recordingEngine{}
	r := newTestRunner(engine)

	outs := runBatch(t, r, "BEGIN; INSERT INTO foo VALUES (1); COMMIT")
	require.Equal(t, []outcomeKind{outcomeExecuted, outcomeExecuted, outcomeExecuted}, kinds(outs))
	require.Equal(t, "INSERT 0 1", tagOf(t, outs[1]))
	require.Equal(t, txIdle, r.tx.mode)
	require.Equal(t, []string{"begin 1", "commit 1"}, engine.events)
}

func TestBatchRunner_explicitRollbackDiscardsEffects(t *testing.T) {
	engine := &recordingEngine{}
	r := newTestRunner(engine)

	outs := runBatch(t, r, "BEGIN; INSERT INTO foo VALUES (1); ROLLBACK")
	require.Equal(t, []outcomeKind{outcomeExecuted, outcomeExecuted, outcomeExecuted}, kinds(outs))
	require.Equal(t, txIdle, r.tx.mode)
	require.Equal(t, []string{"begin 1", "rollback 1"}, engine.events)
}

func TestBatchRunner_savepointUnsupported(t *testing.T) {
	engine := &recordingEngine{}
	r := newTestRunner(engine)

	// rejected like any other erroring statement; the implicit transaction
	// it bootstrapped rolls back invisibly
	outs := runBatch(t, r, "SAVEPOINT foo")
	require.Equal(t, []outcomeKind{outcomeErrored}, kinds(outs))
	require.Equal(t, "0A000", fromErr(outs[0].err).Code())
	require.Equal(t, txIdle, r.tx.mode)

	// and inside an explicit transaction it fails the block
	runBatch(t, r, "BEGIN")
	outs = runBatch(t, r, "SAVEPOINT foo")
	require.Equal(t, []outcomeKind{outcomeErrored}, kinds(outs))
	require.Equal(t, txFailed, r.tx.mode)
}

func TestBatchRunner_cancellationIsAnOrdinaryError(t *testing.T) {
	// a nil error in failOn makes the engine return ctx.Err()
	engine := &recordingEngine{failOn: map[string]error{"SELECT 1": nil}}
	r := newTestRunner(engine)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b := mustParse(t, "BEGIN; SELECT 1; SELECT 2")
	outs, err := r.run(ctx, b)
	require.NoError(t, err)
	require.Equal(t, []outcomeKind{outcomeExecuted, outcomeErrored, outcomeNotRun}, kinds(outs))
	require.Equal(t, "57014", fromErr(outs[1].err).Code())

	// cancellation drives the same failure-resolution rule
	require.Equal(t, txFailed, r.tx.mode)
}

func TestBatchRunner_executorCalledAtMostOncePerStatement(t *testing.T) {
	engine := &recordingEngine{failOn: map[string]error{"SELECT 1/0": fmt.Errorf("division by zero")}}
	r := newTestRunner(engine)

	runBatch(t, r, "BEGIN; SELECT 1/0; SELECT 2; SELECT 3")
	runBatch(t, r, "SELECT 4; SELECT 5")
	runBatch(t, r, "ROLLBACK")

	// SELECT 2..5 were never evaluated: 2 and 3 by fail-fast, 4 and 5 by
	// the abort skip
	require.Equal(t, []string{"SELECT 1/0"}, engine.calls)
}

func TestBatchRunner_statelessControlTagsOnly(t *testing.T) {
	engine := &recordingEngine{}
	r := newTestRunner(engine)

	// transaction control never reaches the execution engine
	runBatch(t, r, "BEGIN; COMMIT")
	runBatch(t, r, "BEGIN; ROLLBACK")
	require.Empty(t, engine.calls)
	require.Equal(t, []string{"begin 1", "commit 1", "begin 2", "rollback 2"}, engine.events)
}
