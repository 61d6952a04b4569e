package session

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/danmuck/remotesource/internal/datamodel"
	"github.com/danmuck/remotesource/internal/protocol/frame"
	"github.com/danmuck/remotesource/internal/protocol/schema"
	"github.com/danmuck/remotesource/internal/protocol/tlv"
)

// Methods dispatched by name.
const (
	MethodSetContext              = "setContext"
	MethodGetCatalogRegistrations = "getCatalogRegistrations"
	MethodGetCatalog              = "getCatalog"
	MethodGetTimeRange            = "getTimeRange"
	MethodGetAvailability         = "getAvailability"
	MethodRead                    = "read"
)

func Methods() []string {
	return []string{
		MethodSetContext,
		MethodGetCatalogRegistrations,
		MethodGetCatalog,
		MethodGetTimeRange,
		MethodGetAvailability,
		MethodRead,
	}
}

type SetContextParams struct {
	ResourceLocator      string            `json:"resourceLocator"`
	SystemConfiguration  map[string]string `json:"systemConfiguration,omitempty"`
	SourceConfiguration  map[string]string `json:"sourceConfiguration,omitempty"`
	RequestConfiguration map[string]string `json:"requestConfiguration,omitempty"`
}

type PathParams struct {
	Path string `json:"path"`
}

type CatalogParams struct {
	CatalogID string `json:"catalogId"`
}

type AvailabilityParams struct {
	CatalogID string    `json:"catalogId"`
	Begin     time.Time `json:"begin"`
	End       time.Time `json:"end"`
}

type AvailabilityResult struct {
	Availability float64 `json:"availability"`
}

// ReadParams asks the plugin to allocate one request per item and return the
// filled buffers as repeated data/status fields in item order.
type ReadParams struct {
	Begin time.Time               `json:"begin"`
	End   time.Time               `json:"end"`
	Items []datamodel.CatalogItem `json:"items"`
}

type ReadDataParams struct {
	ResourcePath string    `json:"resourcePath"`
	Begin        time.Time `json:"begin"`
	End          time.Time `json:"end"`
}

func MarshalParams(v any) ([]byte, error) {
	return json.Marshal(v)
}

func UnmarshalParams(b []byte, v any) error {
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("session: params: %w", err)
	}
	return nil
}

// Invoke is a host->plugin method call or a plugin->host readData call.
type Invoke struct {
	MessageID uint64
	Method    string
	Params    []byte
}

func EncodeInvoke(inv Invoke) frame.Frame {
	fields := []tlv.Field{
		tlv.String(schema.FieldMethod, inv.Method),
		tlv.Bytes(schema.FieldParams, inv.Params),
	}
	return frame.New(inv.MessageID, schema.MsgInvoke, 0, tlv.EncodeFields(fields))
}

func DecodeInvoke(f frame.Frame) (Invoke, error) {
	fields, err := decodeFields(f, schema.MsgInvoke)
	if err != nil {
		return Invoke{}, err
	}
	method, _ := tlv.GetField(fields, schema.FieldMethod)
	params, _ := tlv.GetField(fields, schema.FieldParams)
	return Invoke{MessageID: f.Header.MessageID, Method: string(method.Value), Params: params.Value}, nil
}

// Result answers an Invoke. Data and Status are set for reads only.
type Result struct {
	MessageID uint64
	Result    []byte
	Data      [][]byte
	Status    [][]byte
}

func EncodeResult(r Result, codec Codec) frame.Frame {
	fields := []tlv.Field{tlv.Bytes(schema.FieldResult, r.Result)}
	if len(r.Data) > 0 {
		fields = append(fields, tlv.String(schema.FieldCompression, codec.Name()))
		for i := range r.Data {
			fields = append(fields,
				tlv.Bytes(schema.FieldData, codec.Compress(r.Data[i])),
				tlv.Bytes(schema.FieldStatus, codec.Compress(r.Status[i])),
			)
		}
	}
	return frame.New(r.MessageID, schema.MsgResult, frame.FlagIsResponse, tlv.EncodeFields(fields))
}

func DecodeResult(f frame.Frame, limit uint64) (Result, error) {
	fields, err := decodeFields(f, schema.MsgResult)
	if err != nil {
		return Result{}, err
	}
	res, _ := tlv.GetField(fields, schema.FieldResult)
	out := Result{MessageID: f.Header.MessageID, Result: res.Value}

	data := tlv.GetFields(fields, schema.FieldData)
	status := tlv.GetFields(fields, schema.FieldStatus)
	if len(data) != len(status) {
		return Result{}, fmt.Errorf("session: result carries %d data and %d status fields", len(data), len(status))
	}
	if len(data) == 0 {
		return out, nil
	}
	codec, err := fieldCodec(fields)
	if err != nil {
		return Result{}, err
	}
	for i := range data {
		d, err := codec.Decompress(data[i].Value, limit)
		if err != nil {
			return Result{}, err
		}
		s, err := codec.Decompress(status[i].Value, limit)
		if err != nil {
			return Result{}, err
		}
		out.Data = append(out.Data, d)
		out.Status = append(out.Status, s)
	}
	return out, nil
}

// ErrorReply carries a failed invocation back to its caller.
type ErrorReply struct {
	MessageID uint64
	Kind      string
	Message   string
}

func EncodeError(messageID uint64, err error) frame.Frame {
	fields := []tlv.Field{
		tlv.String(schema.FieldErrorKind, KindOf(err)),
		tlv.String(schema.FieldErrorMessage, err.Error()),
	}
	return frame.New(messageID, schema.MsgError, frame.FlagIsResponse|frame.FlagIsError, tlv.EncodeFields(fields))
}

func DecodeError(f frame.Frame) (ErrorReply, error) {
	fields, err := decodeFields(f, schema.MsgError)
	if err != nil {
		return ErrorReply{}, err
	}
	kind, _ := tlv.GetField(fields, schema.FieldErrorKind)
	msg, _ := tlv.GetField(fields, schema.FieldErrorMessage)
	return ErrorReply{MessageID: f.Header.MessageID, Kind: string(kind.Value), Message: string(msg.Value)}, nil
}

func EncodeReadData(messageID uint64, params ReadDataParams) (frame.Frame, error) {
	b, err := MarshalParams(params)
	if err != nil {
		return frame.Frame{}, err
	}
	payload := tlv.EncodeFields([]tlv.Field{tlv.Bytes(schema.FieldParams, b)})
	return frame.New(messageID, schema.MsgReadData, 0, payload), nil
}

func DecodeReadData(f frame.Frame) (ReadDataParams, error) {
	fields, err := decodeFields(f, schema.MsgReadData)
	if err != nil {
		return ReadDataParams{}, err
	}
	raw, _ := tlv.GetField(fields, schema.FieldParams)
	var params ReadDataParams
	if err := UnmarshalParams(raw.Value, &params); err != nil {
		return ReadDataParams{}, err
	}
	return params, nil
}

func EncodeReadDataResult(messageID uint64, codec Codec, values []float64, status []byte) frame.Frame {
	fields := []tlv.Field{
		tlv.String(schema.FieldCompression, codec.Name()),
		tlv.Bytes(schema.FieldData, codec.Compress(EncodeFloat64s(values))),
		tlv.Bytes(schema.FieldStatus, codec.Compress(status)),
	}
	return frame.New(messageID, schema.MsgReadDataResult, frame.FlagIsResponse, tlv.EncodeFields(fields))
}

func DecodeReadDataResult(f frame.Frame, limit uint64) ([]float64, []byte, error) {
	fields, err := decodeFields(f, schema.MsgReadDataResult)
	if err != nil {
		return nil, nil, err
	}
	codec, err := fieldCodec(fields)
	if err != nil {
		return nil, nil, err
	}
	data, _ := tlv.GetField(fields, schema.FieldData)
	status, _ := tlv.GetField(fields, schema.FieldStatus)
	raw, err := codec.Decompress(data.Value, limit)
	if err != nil {
		return nil, nil, err
	}
	st, err := codec.Decompress(status.Value, limit)
	if err != nil {
		return nil, nil, err
	}
	values, err := DecodeFloat64s(raw)
	if err != nil {
		return nil, nil, err
	}
	if len(values) != len(st) {
		return nil, nil, fmt.Errorf("session: read data carries %d values and %d status bytes", len(values), len(st))
	}
	return values, st, nil
}

func EncodeProgress(messageID uint64, progress float64) frame.Frame {
	payload := tlv.EncodeFields([]tlv.Field{tlv.F64(schema.FieldProgress, progress)})
	return frame.New(messageID, schema.MsgProgress, 0, payload)
}

func DecodeProgress(f frame.Frame) (float64, error) {
	fields, err := decodeFields(f, schema.MsgProgress)
	if err != nil {
		return 0, err
	}
	p, _ := tlv.GetField(fields, schema.FieldProgress)
	return tlv.F64FromBytes(p.Value)
}

// EncodeFloat64s lays values out little-endian, matching sample buffers.
func EncodeFloat64s(values []float64) []byte {
	out := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(out[8*i:], math.Float64bits(v))
	}
	return out
}

func DecodeFloat64s(b []byte) ([]float64, error) {
	if len(b)%8 != 0 {
		return nil, fmt.Errorf("session: %d bytes is not a whole number of float64 values", len(b))
	}
	out := make([]float64, len(b)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[8*i:]))
	}
	return out, nil
}

func decodeFields(f frame.Frame, messageType uint32) ([]tlv.Field, error) {
	if f.Header.MessageType != messageType {
		return nil, fmt.Errorf("session: expected %s frame, got %s",
			schema.MessageName(messageType), schema.MessageName(f.Header.MessageType))
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(messageType, fields); err != nil {
		return nil, err
	}
	return fields, nil
}

func fieldCodec(fields []tlv.Field) (Codec, error) {
	c, ok := tlv.GetField(fields, schema.FieldCompression)
	if !ok {
		return nil, fmt.Errorf("%w: missing compression field", ErrUnknownCompression)
	}
	return CodecFor(string(c.Value))
}
