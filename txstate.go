package txsrv

import (
	"github.com/panoplyio/txsrv/protocol"
)

// txMode enumerates the transaction states a session can be in. Open
// transactions carry their origin in the state itself, so a failed implicit
// transaction is unrepresentable - an implicit transaction that fails is
// rolled back and reset to idle within the same step, and is never observed
// as failed from the outside.
type txMode int

const (
	// txIdle - no transaction is in progress. the next ordinary statement
	// bootstraps an implicit transaction
	txIdle txMode = iota

	// txOpenImplicit - a transaction opened automatically for ordinary
	// statements running with no explicit BEGIN. scoped to the end of the
	// batch unless promoted by a BEGIN
	txOpenImplicit

	// txOpenExplicit - a transaction opened by BEGIN. persists across
	// batches until closed by COMMIT or ROLLBACK
	txOpenExplicit

	// txFailed - an explicit transaction that encountered an error. only
	// COMMIT or ROLLBACK are accepted until the block is closed
	txFailed
)

func (m txMode) String() string {
	switch m {
	case txIdle:
		return "idle"
	case txOpenImplicit:
		return "open (implicit)"
	case txOpenExplicit:
		return "open (explicit)"
	case txFailed:
		return "failed"
	}
	return "unknown"
}

// txState is the session's authoritative transaction record. One instance is
// owned exclusively by its session for the session's whole lifetime, and is
// mutated only by the batch runner. The batches of a session are processed
// strictly sequentially, so no synchronization is needed.
type txState struct {
	mode txMode
	id   uint64 // current transaction id; 0 when idle
	seq  uint64 // last assigned transaction id
}

// open starts a new transaction and returns its identity. Callers must only
// invoke it while idle.
func (s *txState) open(mode txMode) TxInfo {
	s.seq++
	s.id = s.seq
	s.mode = mode
	return s.info()
}

// promote upgrades an implicit transaction in place to an explicit one. No
// new transaction boundary is created; effects accumulated so far are
// retained under the now-explicit transaction.
func (s *txState) promote() {
	s.mode = txOpenExplicit
}

// fail marks an open explicit transaction as aborted. It stays open until
// closed by COMMIT or ROLLBACK.
func (s *txState) fail() {
	s.mode = txFailed
}

// close ends the current transaction, whatever its mode, returning the
// session to idle.
func (s *txState) close() {
	s.mode = txIdle
	s.id = 0
}

// info returns the identity of the current transaction; the zero TxInfo when
// idle.
func (s *txState) info() TxInfo {
	if s.mode == txIdle {
		return TxInfo{}
	}
	return TxInfo{ID: s.id, Implicit: s.mode == txOpenImplicit}
}

// status maps the transaction state to the protocol-visible status flag
// reported in ReadyForQuery.
func (s *txState) status() protocol.TransactionStatus {
	switch s.mode {
	case txOpenImplicit, txOpenExplicit:
		return protocol.InTransaction
	case txFailed:
		return protocol.InFailedTransaction
	}
	return protocol.NotInTransaction
}
