package remoting

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/remotesource/internal/datamodel"
	"github.com/danmuck/remotesource/internal/extensibility"
	"github.com/danmuck/remotesource/internal/protocol/frame"
	"github.com/danmuck/remotesource/internal/protocol/schema"
	"github.com/danmuck/remotesource/internal/protocol/session"
	"github.com/rs/zerolog"
)

type HostConfig struct {
	Session session.Config
	// Compression is used when the plugin offers it; otherwise none.
	Compression string
	// ReadData answers the plugin's delegated reads. Nil rejects them.
	ReadData extensibility.ReadDataHandler
	Logger   zerolog.Logger
}

func DefaultHostConfig() HostConfig {
	cfg := session.DefaultConfig()
	return HostConfig{
		Session:     cfg,
		Compression: cfg.Compression,
		Logger:      zerolog.Nop(),
	}
}

// Host drives a connected plugin. Calls are serialized.
type Host struct {
	conn   net.Conn
	reader *bufio.Reader
	cfg    HostConfig
	codec  session.Codec
	hello  session.Hello

	nextMessageID atomic.Uint64
	mu            sync.Mutex
	closed        bool
}

// Accept waits for one plugin on ln and completes the hello handshake.
func Accept(ctx context.Context, ln net.Listener, cfg HostConfig) (*Host, error) {
	type accepted struct {
		conn net.Conn
		err  error
	}
	ch := make(chan accepted, 1)
	go func() {
		conn, err := ln.Accept()
		ch <- accepted{conn, err}
	}()

	var conn net.Conn
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case a := <-ch:
		if a.err != nil {
			return nil, a.err
		}
		conn = a.conn
	}

	h, err := newHost(conn, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return h, nil
}

func newHost(conn net.Conn, cfg HostConfig) (*Host, error) {
	_ = conn.SetDeadline(time.Now().Add(cfg.Session.HandshakeTimeout))
	reader := bufio.NewReader(conn)
	hello, err := session.ReadHello(reader)
	if err != nil {
		return nil, err
	}

	compression := session.CompressionNone
	if slices.Contains(hello.Compression, cfg.Compression) {
		compression = cfg.Compression
	}
	ack := session.HelloAck{SessionID: hello.SessionID, Status: session.AckStatusAccepted, Compression: compression}
	if hello.ProtocolVersion != frame.Version {
		ack = session.HelloAck{
			SessionID: hello.SessionID,
			Status:    session.AckStatusRejected,
			Message:   fmt.Sprintf("protocol version %d not supported", hello.ProtocolVersion),
		}
	}
	if err := session.WriteHelloAck(conn, ack); err != nil {
		return nil, err
	}
	if ack.Status == session.AckStatusRejected {
		return nil, fmt.Errorf("%w: %s", session.ErrHelloRejected, ack.Message)
	}
	_ = conn.SetDeadline(time.Time{})

	codec, err := session.CodecFor(compression)
	if err != nil {
		return nil, err
	}
	h := &Host{conn: conn, reader: reader, cfg: cfg, codec: codec, hello: hello}
	cfg.Logger.Info().Str("session", hello.SessionID).Str("compression", compression).Msg("plugin connected")
	return h, nil
}

func (h *Host) SessionID() string {
	return h.hello.SessionID
}

func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	return h.conn.Close()
}

func (h *Host) SetContext(ctx context.Context, params session.SetContextParams) error {
	_, err := h.call(ctx, session.MethodSetContext, params, nil, nil)
	return err
}

func (h *Host) GetCatalogRegistrations(ctx context.Context, path string) ([]datamodel.CatalogRegistration, error) {
	var out []datamodel.CatalogRegistration
	_, err := h.call(ctx, session.MethodGetCatalogRegistrations, session.PathParams{Path: path}, &out, nil)
	return out, err
}

func (h *Host) GetCatalog(ctx context.Context, catalogID string) (datamodel.ResourceCatalog, error) {
	var out datamodel.ResourceCatalog
	_, err := h.call(ctx, session.MethodGetCatalog, session.CatalogParams{CatalogID: catalogID}, &out, nil)
	return out, err
}

func (h *Host) GetTimeRange(ctx context.Context, catalogID string) (datamodel.TimeRange, error) {
	var out datamodel.TimeRange
	_, err := h.call(ctx, session.MethodGetTimeRange, session.CatalogParams{CatalogID: catalogID}, &out, nil)
	return out, err
}

func (h *Host) GetAvailability(ctx context.Context, catalogID string, begin, end time.Time) (float64, error) {
	var out session.AvailabilityResult
	params := session.AvailabilityParams{CatalogID: catalogID, Begin: begin, End: end}
	_, err := h.call(ctx, session.MethodGetAvailability, params, &out, nil)
	return out.Availability, err
}

// Read fills the caller's request buffers from the plugin's answer.
func (h *Host) Read(
	ctx context.Context,
	begin, end time.Time,
	requests []extensibility.ReadRequest,
	progress extensibility.ProgressFunc,
) error {
	params := session.ReadParams{Begin: begin, End: end, Items: make([]datamodel.CatalogItem, 0, len(requests))}
	for _, req := range requests {
		params.Items = append(params.Items, req.Item)
	}
	res, err := h.call(ctx, session.MethodRead, params, nil, progress)
	if err != nil {
		return err
	}
	if len(res.Data) != len(requests) {
		return fmt.Errorf("%w: read returned %d buffers for %d requests", extensibility.ErrProtocol, len(res.Data), len(requests))
	}
	for i, req := range requests {
		if len(res.Data[i]) != len(req.Data.Bytes()) || len(res.Status[i]) != len(req.Status) {
			return fmt.Errorf("%w: %s returned %d data bytes and %d status bytes, expected %d and %d",
				extensibility.ErrProtocol, req.Item.Path(),
				len(res.Data[i]), len(res.Status[i]), len(req.Data.Bytes()), len(req.Status))
		}
		copy(req.Data.Bytes(), res.Data[i])
		copy(req.Status, res.Status[i])
	}
	return nil
}

func (h *Host) call(
	ctx context.Context,
	method string,
	params any,
	out any,
	progress extensibility.ProgressFunc,
) (session.Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return session.Result{}, ErrSessionClosed
	}
	if err := h.applyDeadline(ctx); err != nil {
		return session.Result{}, err
	}
	defer func() { _ = h.conn.SetDeadline(time.Time{}) }()

	raw, err := session.MarshalParams(params)
	if err != nil {
		return session.Result{}, err
	}
	id := h.nextMessageID.Add(1)
	if err := frame.WriteFrame(h.conn, session.EncodeInvoke(session.Invoke{MessageID: id, Method: method, Params: raw}), h.cfg.Session.Limits); err != nil {
		return session.Result{}, err
	}

	for {
		f, err := frame.ReadFrame(h.reader, h.cfg.Session.Limits)
		if err != nil {
			return session.Result{}, err
		}
		switch f.Header.MessageType {
		case schema.MsgProgress:
			p, err := session.DecodeProgress(f)
			if err != nil {
				return session.Result{}, err
			}
			if progress != nil {
				progress(p)
			}
		case schema.MsgReadData:
			if err := h.answerReadData(ctx, f); err != nil {
				return session.Result{}, err
			}
		case schema.MsgError:
			e, err := session.DecodeError(f)
			if err != nil {
				return session.Result{}, err
			}
			if e.MessageID != id {
				return session.Result{}, fmt.Errorf("%w: error for message %d while waiting for %d", extensibility.ErrProtocol, e.MessageID, id)
			}
			return session.Result{}, session.ErrorFromWire(method, e.Kind, e.Message)
		case schema.MsgResult:
			if f.Header.MessageID != id {
				return session.Result{}, fmt.Errorf("%w: result for message %d while waiting for %d", extensibility.ErrProtocol, f.Header.MessageID, id)
			}
			res, err := session.DecodeResult(f, h.cfg.Session.Limits.MaxPayloadBytes)
			if err != nil {
				return session.Result{}, err
			}
			if out != nil {
				if err := session.UnmarshalParams(res.Result, out); err != nil {
					return session.Result{}, err
				}
			}
			return res, nil
		default:
			return session.Result{}, fmt.Errorf("%w: unexpected %s frame", extensibility.ErrProtocol, schema.MessageName(f.Header.MessageType))
		}
	}
}

func (h *Host) answerReadData(ctx context.Context, f frame.Frame) error {
	params, err := session.DecodeReadData(f)
	if err == nil && h.cfg.ReadData == nil {
		err = fmt.Errorf("%w: host does not serve delegated reads", extensibility.ErrConfiguration)
	}
	var (
		values []float64
		status []byte
	)
	if err == nil {
		values, status, err = h.serveReadData(ctx, params)
	}
	reply := session.EncodeReadDataResult(f.Header.MessageID, h.codec, values, status)
	if err != nil {
		h.cfg.Logger.Warn().Err(err).Str("path", params.ResourcePath).Msg("delegated read failed")
		reply = session.EncodeError(f.Header.MessageID, err)
	}
	return frame.WriteFrame(h.conn, reply, h.cfg.Session.Limits)
}

func (h *Host) serveReadData(ctx context.Context, params session.ReadDataParams) ([]float64, []byte, error) {
	path, err := datamodel.ParseResourcePath(params.ResourcePath)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", extensibility.ErrConfiguration, err)
	}
	period, err := path.SamplePeriod()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", extensibility.ErrConfiguration, err)
	}
	n, err := datamodel.SampleCount(params.Begin, params.End, period)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", extensibility.ErrProtocol, err)
	}
	values := make([]float64, n)
	status := make([]byte, n)
	if err := h.cfg.ReadData(ctx, params.ResourcePath, params.Begin, params.End, values, status); err != nil {
		return nil, nil, err
	}
	return values, status, nil
}

func (h *Host) applyDeadline(ctx context.Context) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		return h.conn.SetDeadline(time.Time{})
	}
	return h.conn.SetDeadline(deadline)
}
