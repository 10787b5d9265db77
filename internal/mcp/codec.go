package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"strings"

	xerrors "AAHB-Assistant/internal/errors"

	"github.com/fxamacker/cbor/v2"
)

// wireHeader 用指针区分字段缺失与零值，解码时据此补齐默认值。
type wireHeader struct {
	Protocol    *string  `json:"protocol"`
	Source      *string  `json:"source"`
	Destination *string  `json:"destination"`
	ContextID   *string  `json:"context_id"`
	Timestamp   *float64 `json:"timestamp"`
	MessageID   *string  `json:"message_id"`
	MessageType *string  `json:"message_type"`
	HopCount    int      `json:"hop_count"`
}

type jsonEnvelope struct {
	Header  *wireHeader     `json:"header"`
	Payload json.RawMessage `json:"payload"`
}

type binaryEnvelope struct {
	Header  *wireHeader    `json:"header"`
	Payload map[string]any `json:"payload"`
}

// binaryOut 与 Envelope 字段一致，但载荷使用原生类型以便 CBOR 编码。
type binaryOut struct {
	Header  Header         `json:"header"`
	Payload map[string]any `json:"payload"`
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error
	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("mcp: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("mcp: CBOR decoder initialization failed: " + err.Error())
	}
}

// Encode 将信封编码为 JSON。
func Encode(env Envelope) ([]byte, error) {
	if env.Payload == nil {
		env.Payload = Payload{}
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, xerrors.Wrap(CodeMalformedEnvelope, err, "encode envelope")
	}
	return data, nil
}

// Decode 解析 JSON 信封。缺失的 message_id、timestamp 会自动补齐，
// message_type 缺省为 request；缺少必填头部字段或载荷无法解析时返回 MALFORMED_ENVELOPE。
func Decode(data []byte) (Envelope, error) {
	var wire jsonEnvelope
	decoder := json.NewDecoder(bytes.NewReader(data))
	if err := decoder.Decode(&wire); err != nil {
		return Envelope{}, xerrors.Wrap(CodeMalformedEnvelope, err, "decode envelope")
	}
	if _, err := decoder.Token(); err != io.EOF {
		return Envelope{}, xerrors.New(CodeMalformedEnvelope, "unexpected data after envelope")
	}
	header, err := wire.Header.build()
	if err != nil {
		return Envelope{}, err
	}

	payload := Payload{}
	raw := bytes.TrimSpace(wire.Payload)
	if len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
		if err := json.Unmarshal(raw, &payload); err != nil {
			return Envelope{}, xerrors.Wrap(CodeMalformedEnvelope, err, "decode payload")
		}
		if payload == nil {
			payload = Payload{}
		}
	}
	return Envelope{Header: header, Payload: payload}, nil
}

// EncodeBinary 使用确定性 CBOR 编码信封，二进制载荷原样保留。
func EncodeBinary(env Envelope) ([]byte, error) {
	data, err := cborEnc.Marshal(binaryOut{Header: env.Header, Payload: env.Payload.Native()})
	if err != nil {
		return nil, xerrors.Wrap(CodeMalformedEnvelope, err, "encode envelope")
	}
	return data, nil
}

// DecodeBinary 解析 CBOR 信封，校验规则与 Decode 相同。
func DecodeBinary(data []byte) (Envelope, error) {
	var wire binaryEnvelope
	if err := cborDec.Unmarshal(data, &wire); err != nil {
		return Envelope{}, xerrors.Wrap(CodeMalformedEnvelope, err, "decode envelope")
	}
	header, err := wire.Header.build()
	if err != nil {
		return Envelope{}, err
	}
	payload, err := payloadFromCBOR(wire.Payload)
	if err != nil {
		return Envelope{}, xerrors.Wrap(CodeMalformedEnvelope, err, "decode payload")
	}
	return Envelope{Header: header, Payload: payload}, nil
}

// payloadFromCBOR 转换 CBOR 解码结果。CBOR 自带字节串类型，
// 因此映射中的 $bytes、$map 键按普通键处理。
func payloadFromCBOR(in map[string]any) (Payload, error) {
	out := make(Payload, len(in))
	for k, raw := range in {
		v, err := valueFromCBOR(raw)
		if err != nil {
			return nil, fmt.Errorf("payload key %q: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

func valueFromCBOR(in any) (Value, error) {
	switch typed := in.(type) {
	case map[string]any:
		items, err := payloadFromCBOR(typed)
		if err != nil {
			return Value{}, err
		}
		return Value{kind: KindMap, items: items}, nil
	case []any:
		list := make([]Value, len(typed))
		for i, item := range typed {
			converted, err := valueFromCBOR(item)
			if err != nil {
				return Value{}, fmt.Errorf("index %d: %w", i, err)
			}
			list[i] = converted
		}
		return Value{kind: KindList, list: list}, nil
	default:
		return FromNative(in)
	}
}

func (w *wireHeader) build() (Header, error) {
	if w == nil {
		return Header{}, xerrors.New(CodeMalformedEnvelope, "missing header")
	}
	header := Header{
		Protocol:    deref(w.Protocol),
		Source:      deref(w.Source),
		Destination: deref(w.Destination),
		ContextID:   deref(w.ContextID),
		MessageID:   deref(w.MessageID),
		MessageType: MessageType(strings.ToLower(deref(w.MessageType))),
		HopCount:    w.HopCount,
	}
	if header.MessageType == "" {
		header.MessageType = TypeRequest
	}
	if w.Timestamp != nil {
		header.Timestamp = *w.Timestamp
	} else {
		header.Timestamp = Now()
	}
	if strings.TrimSpace(header.MessageID) == "" {
		header.MessageID = NewMessageID()
	}
	if err := header.Validate(); err != nil {
		return Header{}, err
	}
	return header, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
