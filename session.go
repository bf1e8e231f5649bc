package txsrv

import (
	"context"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"sync"

	"github.com/jackc/pgx/pgproto3"
	"github.com/jackc/pgx/pgtype"
	parser "github.com/lfittl/pg_query_go"
	nodes "github.com/lfittl/pg_query_go/nodes"
	"github.com/panoplyio/txsrv/protocol"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var allSessions sync.Map

type portal struct {
	srcPreparedStatement string
	params               [][]byte
	result               ResultTag
	notice               *Notice
}

type statement struct {
	rawSQL      string
	prepareStmt *nodes.PrepareStmt
}

// Session represents a single client-connection, and handles all of the
// communications with that client: startup handshake, authentication, the
// simple and extended query cycles, and the transaction status reported
// after every batch.
//
// see: https://www.postgresql.org/docs/current/protocol.html
// for postgres protocol and startup handshake process
type session struct {
	Server        *server
	Conn          io.ReadWriteCloser
	ConnInfo      *pgtype.ConnInfo
	Args          map[string]interface{}
	Secret        int32 // used for cancelling requests
	Ctx           context.Context
	CancelFunc    context.CancelFunc
	log           *zap.Logger
	tx            txState
	runner        *batchRunner
	stmts         map[string]*statement
	pendingStmts  map[string]*statement
	portals       map[string]*portal
	ignoreTilSync bool
}

// nextSessionPid returns the first pid at or after the given candidate that
// is not held by a live session.
func nextSessionPid(pid int32) int32 {
	for {
		if s1, ok := allSessions.Load(pid); !ok || s1 == nil {
			return pid
		}
		pid++
	}
}

func (s *session) startUp() error {
	handshake := protocol.NewHandshake(s.Conn)
	msg, err := handshake.Init()
	if err != nil {
		return err
	}

	if msg.IsCancel() {
		pid, secret, err := msg.CancelKeyData()
		if err != nil {
			return err
		}

		other, ok := allSessions.Load(pid)
		if !ok || other == nil {
			_, cancelFunc := context.WithCancel(context.Background())
			cancelFunc()
		} else if other.(*session).Secret == secret {
			other.(*session).CancelFunc() // intentionally doesn't report success to frontend
		}

		return io.EOF // disconnect.
	}

	s.Args, err = msg.StartupArgs()
	if err != nil {
		return err
	}

	// handle authentication
	err = s.Server.authenticator.authenticate(handshake, s.Args)
	if err != nil {
		return errors.Wrap(err, "authentication failed")
	}

	err = handshake.Write(protocol.ParameterStatus("client_encoding", "utf8"))
	if err != nil {
		return err
	}

	// generate cancellation pid and secret for this session
	s.Secret = rand.Int31()

	pid := nextSessionPid(rand.Int31())
	allSessions.Store(pid, s)
	defer allSessions.Delete(pid)

	// notify the client of the pid and secret to be passed back when it wishes
	// to interrupt this session
	s.Ctx, s.CancelFunc = context.WithCancel(context.Background())
	err = handshake.Write(protocol.BackendKeyData(pid, s.Secret))
	if err != nil {
		return err
	}

	s.ConnInfo = pgtype.NewConnInfo()
	s.ConnInfo.RegisterDataType(pgtype.DataType{Name: "text", OID: pgtype.OID(0), Value: &pgtype.GenericText{}})
	for k, v := range protocol.TypesOid {
		s.ConnInfo.RegisterDataType(pgtype.DataType{Name: strings.ToLower(k), OID: pgtype.OID(v), Value: &pgtype.GenericText{}})
	}

	return nil
}

// Handle a connection session
func (s *session) Serve() error {
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.Ctx == nil {
		s.Ctx, s.CancelFunc = context.WithCancel(context.Background())
	}

	err := s.startUp()
	if err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}

	s.init()
	t := protocol.NewTransport(s.Conn)

	// query-cycle
	for {
		msg, err := t.NextFrontendMessage()
		if err != nil {
			return err
		}

		err = s.handleFrontendMessage(t, msg)
		if err != nil {
			return err
		}
	}
}

func (s *session) init() {
	s.stmts = map[string]*statement{}
	s.pendingStmts = map[string]*statement{}
	s.portals = map[string]*portal{}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	s.runner = &batchRunner{
		tx:      &s.tx,
		queryer: s.Server.queryer,
		execer:  s.Server.execer,
		txs:     s.Server.txHandler,
		sess:    s,
		log:     s.log,
	}
}

func (s *session) getPreparedStmt(name string) *statement {
	if stmt, ok := s.pendingStmts[name]; ok {
		return stmt
	}
	if stmt, ok := s.stmts[name]; ok {
		return stmt
	}
	return nil
}

func (s *session) handleFrontendMessage(t *protocol.Transport, msg pgproto3.FrontendMessage) (err error) {
	// an error inside an extended query pipeline voids everything up to the
	// closing Sync
	if s.ignoreTilSync {
		switch msg.(type) {
		case *pgproto3.Sync, *pgproto3.Query, *pgproto3.Terminate:
		default:
			return nil
		}
	}

	var res []protocol.Message
	switch v := msg.(type) {
	case *pgproto3.Terminate:
		_ = s.Conn.Close()
		return // client terminated intentionally
	case *pgproto3.Query:
		s.ignoreTilSync = false
		err = s.simpleQuery(t, v.String)
		// postgres doesn't save unnamed statement after a simple query so we imitate this behaviour
		delete(s.stmts, "")
	case *pgproto3.Describe:
		res, err = s.describe(v.ObjectType, v.Name)
	case *pgproto3.Parse:
		res, err = s.prepare(v.Name, v.Query, v.ParameterOIDs)
	case *pgproto3.Bind:
		res, err = s.bind(v.PreparedStatement, v.DestinationPortal, v.Parameters)
	case *pgproto3.Execute:
		res, err = s.execute(v.Portal, v.MaxRows)
	case *pgproto3.Sync:
		res = s.sync(t)
	default:
		res = append(res, protocol.ErrorResponse(Unsupported("message type %T", msg)))
	}
	for _, m := range res {
		if m.IsError() {
			s.ignoreTilSync = true
		}
		err = t.Write(m)
		if err != nil {
			break
		}
	}
	if _, isSync := msg.(*pgproto3.Sync); isSync {
		s.ignoreTilSync = false
	}
	return
}

// simpleQuery runs one batch of semicolon-separated statements through the
// transaction state machine and reports their outcomes, in order, followed
// by the batch's final transaction status.
func (s *session) simpleQuery(t *protocol.Transport, sql string) error {
	b, err := parseBatch(sql)
	if err != nil {
		// parsing is all-or-nothing: the whole batch is rejected with a
		// single syntax error, no statement runs, and the transaction state
		// carries over unchanged
		if werr := t.Write(protocol.ErrorResponse(fromErr(err))); werr != nil {
			return werr
		}
		s.finishBatch(t)
		return nil
	}

	if len(b.stmts) == 0 {
		if werr := t.Write(protocol.EmptyQueryResponse); werr != nil {
			return werr
		}
		s.finishBatch(t)
		return nil
	}

	outcomes, runErr := s.runner.run(s.Ctx, b)
	for _, out := range outcomes {
		if werr := s.writeOutcome(t, out); werr != nil {
			return werr
		}
	}
	if runErr != nil {
		// the batch's implicit transaction failed to commit after the last
		// statement; the outcomes above stand, the failure is its own error
		if werr := t.Write(protocol.ErrorResponse(fromErr(runErr))); werr != nil {
			return werr
		}
	}

	s.finishBatch(t)
	return nil
}

// writeOutcome translates one statement outcome to its wire messages
func (s *session) writeOutcome(t *protocol.Transport, out outcome) error {
	switch out.kind {
	case outcomeNotRun:
		// never evaluated; the protocol carries nothing for it
		return nil
	case outcomeErrored, outcomeSkippedAborted:
		return t.Write(protocol.ErrorResponse(fromErr(out.err)))
	}

	if out.notice != nil {
		err := t.Write(protocol.NoticeResponse(out.notice.Severity, out.notice.Code, out.notice.Message))
		if err != nil {
			return err
		}
	}

	if c, ok := out.result.(*Cursor); ok {
		if err := t.Write(protocol.RowDescription(c.columns, c.types)); err != nil {
			return err
		}
		if _, err := c.Fetch(0, t); err != nil {
			return err
		}
	}

	tag, err := out.result.Tag()
	if err != nil {
		return t.Write(protocol.ErrorResponse(fromErr(err)))
	}
	return t.Write(protocol.CommandComplete(tag))
}

// finishBatch settles the session bookkeeping that depends on how the batch
// left the transaction state: prepared statements parsed during a transaction
// are promoted to the session registry only once it ends cleanly, and
// discarded when it fails. It also updates the status flag the next
// ReadyForQuery will carry.
func (s *session) finishBatch(t *protocol.Transport) {
	switch s.tx.status() {
	case protocol.NotInTransaction:
		for k, v := range s.pendingStmts {
			s.stmts[k] = v
		}
		s.pendingStmts = map[string]*statement{}
		s.portals = map[string]*portal{}
	case protocol.InFailedTransaction:
		s.pendingStmts = map[string]*statement{}
		s.portals = map[string]*portal{}
	}
	t.SetStatus(s.tx.status())
}

// sync closes the extended query round-trip: an implicit transaction opened
// by Execute messages is scoped to its Sync and commits here.
func (s *session) sync(t *protocol.Transport) (res []protocol.Message) {
	if s.tx.mode == txOpenImplicit {
		tx := s.tx.info()
		s.tx.close()
		if err := s.runner.commitTx(s.Ctx, tx); err != nil {
			s.log.Warn("implicit transaction auto-commit failed",
				zap.Uint64("tx", tx.ID), zap.Error(err))
			res = append(res, protocol.ErrorResponse(fromErr(err)))
		}
	}
	s.finishBatch(t)
	return
}

func (s *session) storePreparedStatement(stmt *statement) {
	name := ""
	if stmt.prepareStmt.Name != nil {
		name = *stmt.prepareStmt.Name
	}
	s.pendingStmts[name] = stmt
}

func (s *session) prepare(name, sql string, paramOIDs []uint32) (res []protocol.Message, err error) {
	var tree parser.ParsetreeList
	tree, err = parser.Parse(sql)
	if err != nil {
		res = append(res, protocol.ErrorResponse(fromErr(SyntaxError("%s", err))))
		err = nil
		return
	}

	if len(tree.Statements) > 1 {
		res = append(res, protocol.ErrorResponse(SyntaxError("cannot insert multiple commands into a prepared statement")))
		return
	}

	ps := nodes.PrepareStmt{
		Argtypes: nodes.List{Items: make([]nodes.Node, len(paramOIDs))},
	}
	if len(tree.Statements) == 1 {
		stmt := tree.Statements[0]
		if raw, isRaw := stmt.(nodes.RawStmt); isRaw {
			stmt = raw.Stmt
		}
		ps.Query = stmt
	}
	for i, p := range paramOIDs {
		dt, ok := s.ConnInfo.DataTypeForOID(pgtype.OID(p))
		if !ok {
			err = fmt.Errorf("unrecognized OID: %d", p)
			return
		}
		ps.Argtypes.Items[i] = nodes.TypeName{
			TypeOid: nodes.Oid(0),
			Names: nodes.List{
				Items: []nodes.Node{
					nodes.String{Str: dt.Name},
				},
			},
		}
	}

	if name == "" {
		ps.Name = nil
	} else {
		ps.Name = &name
	}
	s.storePreparedStatement(&statement{rawSQL: sql, prepareStmt: &ps})
	res = append(res, protocol.ParseComplete)
	return
}

func (s *session) describe(objectType byte, objectName string) (res []protocol.Message, err error) {
	switch objectType {
	case protocol.DescribeStatement:
		stmt := s.getPreparedStmt(objectName)
		if stmt == nil {
			res = append(res, protocol.ErrorResponse(Invalid("prepared statement %s not exist", objectName)))
		} else {
			var msg protocol.Message
			msg, err = protocol.ParameterDescription(stmt.prepareStmt)
			if err != nil {
				return
			}
			res = append(res, msg)
			// TODO: add a real RowDescription message. this will require access to the catalog
			res = append(res, protocol.RowDescription(nil, nil))
		}
	case protocol.DescribePortal:
		// TODO: add a real RowDescription message. this will require access to the catalog
		res = append(res, protocol.RowDescription(nil, nil))
	default:
		err = fmt.Errorf("unrecognized object type '%c'", objectType)
	}
	return
}

func (s *session) bind(srcPreparedStmt, dstPortal string, parameters [][]byte) (res []protocol.Message, err error) {
	stmt := s.getPreparedStmt(srcPreparedStmt)
	if stmt == nil {
		res = append(res, protocol.ErrorResponse(Invalid("prepared statement %s not exist", srcPreparedStmt)))
		return
	}
	s.portals[dstPortal] = &portal{
		srcPreparedStatement: srcPreparedStmt,
		params:               parameters,
	}
	res = append(res, protocol.BindComplete)
	return
}

// execute runs a portal's statement. The statement goes through the same
// transaction rules as a simple query batch of one statement, except that an
// implicit transaction it bootstraps stays open until the closing Sync.
func (s *session) execute(portalName string, maxRows uint32) (res []protocol.Message, err error) {
	p, ok := s.portals[portalName]
	if !ok {
		res = append(res, protocol.ErrorResponse(Invalid("portal %s not exist", portalName)))
		return
	}
	stmt := s.getPreparedStmt(p.srcPreparedStatement)
	if stmt == nil {
		res = append(res, protocol.ErrorResponse(Invalid("statement %s not exist", p.srcPreparedStatement)))
		return
	}

	if p.result == nil {
		ctx := s.Ctx
		if len(p.params) > 0 {
			ctx = context.WithValue(ctx, paramsCtxKey, p.params)
		}

		var out outcome
		s.runner.runStatement(ctx, stmt.prepareStmt.Query, stmt.rawSQL, &out)
		switch out.kind {
		case outcomeErrored, outcomeSkippedAborted:
			res = append(res, protocol.ErrorResponse(fromErr(out.err)))
			return
		}
		// prepared statement can have at most 1 command, hence it can
		// produce at most 1 result
		p.result = out.result
		p.notice = out.notice
	}

	if p.notice != nil {
		res = append(res, protocol.NoticeResponse(p.notice.Severity, p.notice.Code, p.notice.Message))
		p.notice = nil
	}

	if c, ok := p.result.(*Cursor); ok {
		fetched := &messageBuffer{}
		if _, err = c.Fetch(int(maxRows), fetched); err != nil {
			return
		}
		res = append(res, fetched.msgs...)
		if !c.eof {
			res = append(res, protocol.PortalSuspended)
			return
		}
	}
	var tag string
	tag, err = p.result.Tag()
	if err == nil {
		res = append(res, protocol.CommandComplete(tag))
	}
	return
}

// messageBuffer collects messages written by a Cursor fetch so they join the
// response list of the Execute message that triggered it.
type messageBuffer struct {
	msgs []protocol.Message
}

func (b *messageBuffer) Write(m protocol.Message) error {
	b.msgs = append(b.msgs, m)
	return nil
}

func (s *session) Set(k string, v interface{}) { s.Args[k] = v }
func (s *session) Get(k string) interface{}    { return s.Args[k] }
func (s *session) Del(k string)                { delete(s.Args, k) }
func (s *session) All() map[string]interface{} { return s.Args }
