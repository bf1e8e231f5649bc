package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadyForQuery(t *testing.T) {
	t.Run("idle", func(t *testing.T) {
		require.Equal(t, Message{'Z', 0, 0, 0, 5, 'I'}, ReadyForQuery(NotInTransaction))
	})

	t.Run("in transaction", func(t *testing.T) {
		require.Equal(t, Message{'Z', 0, 0, 0, 5, 'T'}, ReadyForQuery(InTransaction))
	})

	t.Run("in failed transaction", func(t *testing.T) {
		require.Equal(t, Message{'Z', 0, 0, 0, 5, 'E'}, ReadyForQuery(InFailedTransaction))
	})
}
