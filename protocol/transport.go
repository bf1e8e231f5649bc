package protocol

import (
	"io"

	"github.com/jackc/pgx/pgproto3"
)

// NewTransport creates a Transport for a connection that has already passed
// the startup handshake (see Handshake.Init).
func NewTransport(rw io.ReadWriter) *Transport {
	return &Transport{
		w:      rw,
		r:      newReader(rw),
		status: NotInTransaction,
	}
}

// Transport manages the underlying wire protocol between backend and frontend.
type Transport struct {
	w        io.Writer
	r        *reader
	pipeline *pipeline
	status   TransactionStatus
}

// SetStatus updates the transaction status reported to the frontend on the
// next ReadyForQuery message. The session owning this transport sets it after
// every fully processed batch.
func (t *Transport) SetStatus(status TransactionStatus) {
	t.status = status
}

// Status returns the transaction status the next ReadyForQuery will carry.
func (t *Transport) Status() TransactionStatus {
	return t.status
}

func (t *Transport) beginPipeline() {
	t.pipeline = &pipeline{transport: t, in: []pgproto3.FrontendMessage{}, out: []Message{}}
}

func (t *Transport) endPipeline() (err error) {
	err = t.pipeline.flush()
	t.pipeline = nil
	return
}

// NextFrontendMessage reads and returns a single message from the connection when available.
// if within an extended query message pipeline, the pipeline will read from the connection,
// otherwise a ReadyForQuery message will first be sent to the frontend and then reading
// a single message from the connection will happen
func (t *Transport) NextFrontendMessage() (msg pgproto3.FrontendMessage, err error) {
	if t.pipeline != nil {
		msg, err = t.pipeline.NextFrontendMessage()
	} else {
		// when not mid-pipeline, client waits for ReadyForQuery before sending next message
		err = t.Write(ReadyForQuery(t.status))
		if err != nil {
			return
		}
		msg, err = t.r.readFrontendMessage()
	}
	if err != nil {
		return
	}

	if t.pipeline == nil {
		switch msg.(type) {
		case *pgproto3.Parse, *pgproto3.Bind, *pgproto3.Describe:
			t.beginPipeline()
		}
	} else {
		switch msg.(type) {
		case *pgproto3.Query, *pgproto3.Sync:
			err = t.endPipeline()
		}
	}

	return
}

// Write writes the provided message to the client connection. Messages
// written mid-pipeline are buffered and flushed once the pipeline ends.
func (t *Transport) Write(m Message) error {
	if t.pipeline != nil {
		return t.pipeline.Write(m)
	}
	return t.write(m)
}

func (t *Transport) write(m Message) error {
	_, err := t.w.Write(m)
	return err
}

// pipeline buffers the messages of one extended query round-trip. Responses
// are accumulated and flushed to the frontend in one piece when a Sync or
// Query message closes the pipeline.
type pipeline struct {
	transport *Transport
	in        []pgproto3.FrontendMessage
	out       []Message
}

func (pl *pipeline) NextFrontendMessage() (msg pgproto3.FrontendMessage, err error) {
	if msg, err = pl.transport.r.readFrontendMessage(); err == nil {
		pl.in = append(pl.in, msg)
	}
	return
}

func (pl *pipeline) Write(msg Message) error {
	pl.out = append(pl.out, msg)
	return nil
}

func (pl *pipeline) flush() (err error) {
	for len(pl.out) > 0 {
		m := pl.out[0]
		if len(pl.out) > 1 {
			pl.out = pl.out[1:]
		} else {
			pl.out = nil
		}
		err = pl.transport.write(m)
		if err != nil {
			break
		}
	}
	return
}

func newReader(r io.Reader) *reader {
	return &reader{r: r}
}

type reader struct {
	r           io.Reader
	frontReader *pgproto3.Backend
}

// readFrontendMessage reads and returns a single decoded typed message from the connection.
func (r *reader) readFrontendMessage() (msg pgproto3.FrontendMessage, err error) {
	if r.frontReader == nil {
		r.frontReader, err = pgproto3.NewBackend(r.r, nil)
		if err != nil {
			return
		}
	}
	return r.frontReader.Receive()
}
