package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewMsg(t *testing.T) {
	bs := []byte{'p', 0, 0, 0, 5}
	actualMessage := Message(bs)
	expectedMessage := Message{'p', 0, 0, 0, 5}

	require.Equal(t, expectedMessage, actualMessage)
}

func TestType(t *testing.T) {
	t.Run("empty message", func(t *testing.T) {
		m := Message{}
		require.Equal(t, byte(0), m.Type())
	})

	t.Run("regular message", func(t *testing.T) {
		m := Message{'p', 0, 0, 0, 5}
		require.Equal(t, byte('p'), m.Type())
	})
}

func TestIsError(t *testing.T) {
	require.True(t, Message{'E', 0, 0, 0, 4}.IsError())
	require.False(t, Message{'N', 0, 0, 0, 4}.IsError())
}

func TestIsNotice(t *testing.T) {
	require.True(t, Message{'N', 0, 0, 0, 4}.IsNotice())
	require.False(t, Message{'E', 0, 0, 0, 4}.IsNotice())
}
