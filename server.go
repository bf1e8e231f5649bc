package txsrv

import (
	"net"

	"go.uber.org/zap"
)

// server is the default Server implementation. It accepts connections and
// hands each one to its own session; sessions never share state, and each
// carries its own transaction state machine for its whole lifetime.
type server struct {
	authenticator authenticator
	queryer       Queryer
	execer        Execer
	txHandler     TxHandler
	log           *zap.Logger
}

// Option configures the server returned by New
type Option func(*server)

// WithQueryer sets the engine that executes row-returning statements
func WithQueryer(q Queryer) Option {
	return func(s *server) { s.queryer = q }
}

// WithExecer sets the engine that executes non-query statements
func WithExecer(e Execer) Option {
	return func(s *server) { s.execer = e }
}

// WithTxHandler sets the engine hook notified of transaction boundaries, so
// it can buffer statement effects per transaction and apply or discard them
// when the transaction closes
func WithTxHandler(h TxHandler) Option {
	return func(s *server) { s.txHandler = h }
}

// WithClearTextAuth requires clients to authenticate with the provided
// password, sent in clear text
func WithClearTextAuth(password []byte) Option {
	return func(s *server) {
		s.authenticator = &clearTextAuthenticator{pp: &constantPasswordProvider{password: password}}
	}
}

// WithMD5Auth requires clients to authenticate with the provided password
// using the md5 challenge-response flow
func WithMD5Auth(password []byte) Option {
	return func(s *server) {
		s.authenticator = &md5Authenticator{pp: &md5ConstantPasswordProvider{password: password}}
	}
}

// WithLogger sets the structured logger used by the server and its sessions
func WithLogger(log *zap.Logger) Option {
	return func(s *server) { s.log = log }
}

// New creates a Server around the provided execution engine. By default no
// authentication is required and logging is disabled.
func New(opts ...Option) Server {
	s := &server{
		authenticator: &noPasswordAuthenticator{},
		log:           zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Listen accepts connections on the provided address until the listener fails
func (s *server) Listen(laddr string) error {
	ln, err := net.Listen("tcp", laddr)
	if err != nil {
		return err
	}

	s.log.Info("listening", zap.String("addr", ln.Addr().String()))
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}

		go func() {
			err := s.Serve(conn)
			if err != nil {
				s.log.Warn("session ended with error",
					zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
			}
		}()
	}
}

// Serve a single connection for its entire lifetime
func (s *server) Serve(conn net.Conn) error {
	defer func() { _ = conn.Close() }()

	s.log.Debug("connected", zap.String("remote", conn.RemoteAddr().String()))
	sess := &session{Server: s, Conn: conn, log: s.log}
	return sess.Serve()
}
