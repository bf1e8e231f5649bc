package protocol

// TransactionStatus is the single-byte backend transaction status indicator
// carried by every ReadyForQuery message. It tells the frontend whether its
// next statement would run outside a transaction, inside an open one, or
// inside one that has failed and must be rolled back.
type TransactionStatus byte

const (
	// NotInTransaction indicates the session is idle; the next statement
	// starts its own implicit transaction.
	NotInTransaction TransactionStatus = 'I'

	// InTransaction indicates an open transaction block.
	InTransaction TransactionStatus = 'T'

	// InFailedTransaction indicates an aborted transaction block; only
	// COMMIT and ROLLBACK are accepted until the block is closed.
	InFailedTransaction TransactionStatus = 'E'
)

// ReadyForQuery is sent whenever the backend is ready for a new query cycle,
// reporting the session's transaction status.
func ReadyForQuery(status TransactionStatus) Message {
	return Message([]byte{'Z', 0, 0, 0, 5, byte(status)})
}
