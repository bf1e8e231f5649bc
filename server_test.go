package txsrv

import (
	"database/sql"
	"fmt"
	"net"
	"testing"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/require"
)

// end to end through a real driver: lib/pq speaks to a listening server over
// TCP, exercising startup, the simple query cycle and transaction control
func TestServer_EndToEnd(t *testing.T) {
	engine := &recordingEngine{}
	s := New(WithQueryer(engine), WithExecer(engine), WithTxHandler(engine))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() { _ = ln.Close() }()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() { _ = s.Serve(conn) }()
		}
	}()

	port := ln.Addr().(*net.TCPAddr).Port
	db, err := sql.Open("postgres",
		fmt.Sprintf("host=127.0.0.1 port=%d user=pqgotest dbname=pqgotest sslmode=disable", port))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	// a single connection keeps every statement in one session
	db.SetMaxOpenConns(1)

	rows, err := db.Query("SELECT 1")
	require.NoError(t, err)

	cols, err := rows.Columns()
	require.NoError(t, err)
	require.Equal(t, []string{"column1"}, cols)

	var values []string
	for rows.Next() {
		var v string
		require.NoError(t, rows.Scan(&v))
		values = append(values, v)
	}
	require.NoError(t, rows.Err())
	require.NoError(t, rows.Close())
	require.Equal(t, []string{"row 0"}, values)

	// a standalone query commits its own implicit transaction
	require.Equal(t, []string{"begin 1", "commit 1"}, engine.events)

	tx, err := db.Begin()
	require.NoError(t, err)
	_, err = tx.Exec("INSERT INTO foo VALUES (1)")
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	require.Equal(t, []string{"begin 1", "commit 1", "begin 2", "commit 2"}, engine.events)
	require.Equal(t, []TxInfo{
		{ID: 1, Implicit: true},
		{ID: 2, Implicit: false},
	}, engine.txs)

	// a rolled back transaction discards its effects
	tx, err = db.Begin()
	require.NoError(t, err)
	_, err = tx.Exec("INSERT INTO foo VALUES (2)")
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	require.Equal(t, []string{
		"begin 1", "commit 1", "begin 2", "commit 2", "begin 3", "rollback 3",
	}, engine.events)
}
