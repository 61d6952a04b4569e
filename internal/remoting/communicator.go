package remoting

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/remotesource/internal/datamodel"
	"github.com/danmuck/remotesource/internal/extensibility"
	"github.com/danmuck/remotesource/internal/observability"
	"github.com/danmuck/remotesource/internal/pipeline"
	"github.com/danmuck/remotesource/internal/protocol/frame"
	"github.com/danmuck/remotesource/internal/protocol/schema"
	"github.com/danmuck/remotesource/internal/protocol/session"
	"github.com/rs/zerolog"
)

var (
	ErrAddressRequired = errors.New("remoting: address required")
	ErrInvalidPort     = errors.New("remoting: invalid port")
	ErrSessionClosed   = errors.New("remoting: session closed")
)

type Config struct {
	Session session.Config
	Logger  zerolog.Logger
	Metrics *observability.Metrics
}

func DefaultConfig() Config {
	return Config{
		Session: session.DefaultConfig(),
		Logger:  zerolog.Nop(),
	}
}

// Communicator serves a DataSource to the host at address:port.
type Communicator struct {
	cfg        Config
	address    string
	controller *pipeline.Controller
	rng        *rand.Rand
}

func NewCommunicator(ds extensibility.DataSource, address string, port int, cfg Config) (*Communicator, error) {
	if strings.TrimSpace(address) == "" {
		return nil, ErrAddressRequired
	}
	if port <= 0 || port > 65535 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPort, port)
	}
	if ds == nil {
		return nil, pipeline.ErrSourceNil
	}
	return &Communicator{
		cfg:     cfg,
		address: net.JoinHostPort(address, strconv.Itoa(port)),
		controller: pipeline.NewController(ds,
			pipeline.WithMetrics(cfg.Metrics),
			pipeline.WithLogger(cfg.Logger.With().Str("component", "pipeline").Logger()),
		),
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

func (c *Communicator) Address() string {
	return c.address
}

// Run connects and serves invocations until the host closes the session or
// ctx ends. A host hang-up or cancellation after the handshake is a clean exit.
func (c *Communicator) Run(ctx context.Context) error {
	conn, reader, ack, hello, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	codec, err := session.CodecFor(ack.Compression)
	if err != nil {
		return err
	}
	logger := observability.SessionLogger(c.cfg.Logger, hello.SessionID, c.address)
	logger.Info().Str("compression", codec.Name()).Msg("session established")

	s := &serverSession{
		conn:       conn,
		reader:     reader,
		cfg:        c.cfg.Session,
		codec:      codec,
		controller: c.controller,
		logger:     logger,
	}
	s.nextMessageID.Store(uint64(time.Now().UnixNano()))

	err = s.serve(ctx)
	observability.LogSummary(logger, c.cfg.Metrics)
	if ctx.Err() != nil || errors.Is(err, io.EOF) {
		logger.Info().Msg("session closed")
		return nil
	}
	return err
}

func (c *Communicator) connect(ctx context.Context) (net.Conn, *bufio.Reader, session.HelloAck, session.Hello, error) {
	var attempt int
	for {
		attempt++
		conn, err := c.dial(ctx)
		if err == nil {
			reader, ack, hello, herr := c.handshake(conn)
			if herr == nil {
				return conn, reader, ack, hello, nil
			}
			_ = conn.Close()
			err = herr
			if errors.Is(err, session.ErrHelloRejected) {
				return nil, nil, session.HelloAck{}, session.Hello{}, err
			}
		}
		c.cfg.Logger.Warn().Int("attempt", attempt).Str("addr", c.address).Err(err).Msg("connect failed")
		if !c.shouldRetry(attempt) {
			return nil, nil, session.HelloAck{}, session.Hello{}, err
		}
		if err := session.SleepBackoff(ctx, c.cfg.Session.Backoff, attempt, c.rng); err != nil {
			return nil, nil, session.HelloAck{}, session.Hello{}, err
		}
	}
}

func (c *Communicator) dial(ctx context.Context) (net.Conn, error) {
	dialer := net.Dialer{Timeout: c.cfg.Session.ConnectTimeout}
	return dialer.DialContext(ctx, "tcp", c.address)
}

func (c *Communicator) handshake(conn net.Conn) (*bufio.Reader, session.HelloAck, session.Hello, error) {
	_ = conn.SetDeadline(time.Now().Add(c.cfg.Session.HandshakeTimeout))
	reader := bufio.NewReader(conn)
	compression := session.SupportedCompression()
	if c.cfg.Session.Compression == session.CompressionNone {
		compression = []string{session.CompressionNone}
	}
	hello := session.NewHello(frame.Version, session.Methods(), compression)
	if err := session.WriteHello(conn, hello); err != nil {
		return nil, session.HelloAck{}, hello, err
	}
	ack, err := session.ReadHelloAck(reader, hello.SessionID)
	if err != nil {
		return nil, session.HelloAck{}, hello, err
	}
	_ = conn.SetDeadline(time.Time{})
	return reader, ack, hello, nil
}

func (c *Communicator) shouldRetry(attempt int) bool {
	if c.cfg.Session.MaxConnectAttempts <= 0 {
		return true
	}
	return attempt < c.cfg.Session.MaxConnectAttempts
}

// serverSession is the plugin end of one connection.
type serverSession struct {
	conn       net.Conn
	reader     *bufio.Reader
	cfg        session.Config
	codec      session.Codec
	controller *pipeline.Controller
	logger     zerolog.Logger

	nextMessageID atomic.Uint64
	writeMu       sync.Mutex
	// exchangeMu serializes readData round trips; the reader is not shared otherwise.
	exchangeMu sync.Mutex
}

func (s *serverSession) serve(ctx context.Context) error {
	for {
		f, err := frame.ReadFrame(s.reader, s.cfg.Limits)
		if err != nil {
			return err
		}
		if f.Header.MessageType != schema.MsgInvoke {
			s.logger.Warn().Str("message", schema.MessageName(f.Header.MessageType)).Msg("unexpected frame outside a call")
			if err := s.write(ctx, session.EncodeError(f.Header.MessageID,
				fmt.Errorf("%w: unexpected %s frame", extensibility.ErrProtocol, schema.MessageName(f.Header.MessageType)))); err != nil {
				return err
			}
			continue
		}
		inv, err := session.DecodeInvoke(f)
		if err != nil {
			if err := s.write(ctx, session.EncodeError(f.Header.MessageID, fmt.Errorf("%w: %v", extensibility.ErrProtocol, err))); err != nil {
				return err
			}
			continue
		}

		start := time.Now()
		res, err := s.dispatch(ctx, inv)
		var reply frame.Frame
		event := s.logger.Debug()
		if err != nil {
			event = s.logger.Warn().Err(err)
			reply = session.EncodeError(inv.MessageID, err)
		} else {
			reply = session.EncodeResult(res, s.codec)
		}
		if size := uint64(len(reply.Payload)); size > s.cfg.Limits.MaxPayloadBytes {
			err = fmt.Errorf("%w: %s reply of %d bytes exceeds the %d byte payload limit",
				extensibility.ErrProtocol, inv.Method, size, s.cfg.Limits.MaxPayloadBytes)
			event = s.logger.Warn().Err(err)
			reply = session.EncodeError(inv.MessageID, err)
		}
		event.Str("method", inv.Method).Dur("took", time.Since(start)).Msg("invocation")
		if err := s.write(ctx, reply); err != nil {
			return err
		}
	}
}

func (s *serverSession) dispatch(ctx context.Context, inv session.Invoke) (session.Result, error) {
	res := session.Result{MessageID: inv.MessageID}
	var (
		out any
		err error
	)
	switch inv.Method {
	case session.MethodSetContext:
		var p session.SetContextParams
		if err = decodeParams(inv, &p); err != nil {
			return res, err
		}
		dsc, derr := contextFromParams(p)
		if derr != nil {
			return res, derr
		}
		err = s.controller.SetContext(ctx, dsc, s.logger.With().Str("component", "datasource").Logger())
		out = struct{}{}

	case session.MethodGetCatalogRegistrations:
		var p session.PathParams
		if err = decodeParams(inv, &p); err != nil {
			return res, err
		}
		out, err = s.controller.GetCatalogRegistrations(ctx, p.Path)

	case session.MethodGetCatalog:
		var p session.CatalogParams
		if err = decodeParams(inv, &p); err != nil {
			return res, err
		}
		out, err = s.controller.GetCatalog(ctx, p.CatalogID)

	case session.MethodGetTimeRange:
		var p session.CatalogParams
		if err = decodeParams(inv, &p); err != nil {
			return res, err
		}
		out, err = s.controller.GetTimeRange(ctx, p.CatalogID)

	case session.MethodGetAvailability:
		var p session.AvailabilityParams
		if err = decodeParams(inv, &p); err != nil {
			return res, err
		}
		var a float64
		a, err = s.controller.GetAvailability(ctx, p.CatalogID, p.Begin, p.End)
		out = session.AvailabilityResult{Availability: a}

	case session.MethodRead:
		var p session.ReadParams
		if err = decodeParams(inv, &p); err != nil {
			return res, err
		}
		return s.read(ctx, inv.MessageID, p)

	default:
		return res, fmt.Errorf("%w: unknown method %q", extensibility.ErrProtocol, inv.Method)
	}
	if err != nil {
		return res, err
	}
	res.Result, err = session.MarshalParams(out)
	return res, err
}

func (s *serverSession) read(ctx context.Context, messageID uint64, p session.ReadParams) (session.Result, error) {
	res := session.Result{MessageID: messageID, Result: []byte("{}")}
	if err := s.checkReadSize(p); err != nil {
		return res, err
	}
	requests, err := pipeline.Allocate(p.Begin, p.End, p.Items...)
	if err != nil {
		return res, err
	}
	progress := func(v float64) {
		if err := s.write(ctx, session.EncodeProgress(messageID, v)); err != nil {
			s.logger.Debug().Err(err).Msg("progress dropped")
		}
	}
	if err := s.controller.Read(ctx, p.Begin, p.End, requests, s.readData, progress); err != nil {
		return res, err
	}
	for _, req := range requests {
		res.Data = append(res.Data, req.Data.Bytes())
		res.Status = append(res.Status, req.Status)
	}
	return res, nil
}

// checkReadSize refuses a read whose samples and status bytes could not fit
// in one result frame.
func (s *serverSession) checkReadSize(p session.ReadParams) error {
	var total uint64
	for _, item := range p.Items {
		rep := item.Representation
		n, err := datamodel.SampleCount(p.Begin, p.End, rep.SamplePeriod())
		if err != nil {
			return fmt.Errorf("%w: %v", extensibility.ErrProtocol, err)
		}
		total += uint64(n) * uint64(rep.DataType().Size()+1)
		if total > s.cfg.Limits.MaxPayloadBytes {
			return fmt.Errorf("%w: read of %s and earlier items needs more than the %d byte payload limit",
				extensibility.ErrProtocol, item.Path(), s.cfg.Limits.MaxPayloadBytes)
		}
	}
	return nil
}

// readData asks the host for another resource path and waits for its answer.
func (s *serverSession) readData(ctx context.Context, resourcePath string, begin, end time.Time, data []float64, status []byte) error {
	s.exchangeMu.Lock()
	defer s.exchangeMu.Unlock()

	id := s.nextMessageID.Add(1)
	req, err := session.EncodeReadData(id, session.ReadDataParams{ResourcePath: resourcePath, Begin: begin, End: end})
	if err != nil {
		return err
	}
	if err := s.write(ctx, req); err != nil {
		return err
	}
	reply, err := frame.ReadFrame(s.reader, s.cfg.Limits)
	if err != nil {
		return err
	}
	if reply.Header.MessageID != id || !reply.Header.IsResponse() {
		return fmt.Errorf("%w: expected reply to readData %d, got %s %d",
			extensibility.ErrProtocol, id, schema.MessageName(reply.Header.MessageType), reply.Header.MessageID)
	}
	if reply.Header.IsError() {
		e, err := session.DecodeError(reply)
		if err != nil {
			return err
		}
		return session.ErrorFromWire("readData", e.Kind, e.Message)
	}
	values, st, err := session.DecodeReadDataResult(reply, s.cfg.Limits.MaxPayloadBytes)
	if err != nil {
		return err
	}
	if len(values) != len(data) || len(st) != len(status) {
		return fmt.Errorf("%w: readData %s returned %d samples, expected %d",
			extensibility.ErrProtocol, resourcePath, len(values), len(data))
	}
	copy(data, values)
	copy(status, st)
	return nil
}

func (s *serverSession) write(ctx context.Context, f frame.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(writeDeadline(ctx, s.cfg.WriteTimeout)); err != nil {
		return err
	}
	return frame.WriteFrame(s.conn, f, s.cfg.Limits)
}

func writeDeadline(ctx context.Context, timeout time.Duration) time.Time {
	deadline := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	return deadline
}

func decodeParams(inv session.Invoke, v any) error {
	if err := session.UnmarshalParams(inv.Params, v); err != nil {
		return fmt.Errorf("%w: %s: %v", extensibility.ErrProtocol, inv.Method, err)
	}
	return nil
}

func contextFromParams(p session.SetContextParams) (extensibility.DataSourceContext, error) {
	u, err := extensibility.ParseLocator(p.ResourceLocator)
	if err != nil {
		return extensibility.DataSourceContext{}, err
	}
	return extensibility.DataSourceContext{
		ResourceLocator:      u,
		SystemConfiguration:  p.SystemConfiguration,
		SourceConfiguration:  p.SourceConfiguration,
		RequestConfiguration: p.RequestConfiguration,
	}, nil
}
