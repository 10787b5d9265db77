package mcp

import (
	"strings"
	"time"

	xerrors "AAHB-Assistant/internal/errors"

	"github.com/google/uuid"
)

// Protocol 是所有信封头部携带的协议版本标识。
const Protocol = "MCP/1.0"

// MessageType 区分请求、响应与错误信封。
type MessageType string

const (
	TypeRequest  MessageType = "request"
	TypeResponse MessageType = "response"
	TypeError    MessageType = "error"
)

// Valid 判断消息类型是否受支持。
func (t MessageType) Valid() bool {
	switch t {
	case TypeRequest, TypeResponse, TypeError:
		return true
	default:
		return false
	}
}

// CodeMalformedEnvelope 表示信封缺少必填字段或载荷无法解析。
const CodeMalformedEnvelope xerrors.Code = "MALFORMED_ENVELOPE"

// ErrMalformedEnvelope 可用于 errors.Is 判断。
var ErrMalformedEnvelope = xerrors.New(CodeMalformedEnvelope, "malformed envelope")

func init() {
	xerrors.Register(CodeMalformedEnvelope, xerrors.Attributes{
		Message:  "malformed envelope",
		Severity: xerrors.SeverityInfo,
	})
}

// Header 是 MCP 信封头部。
type Header struct {
	Protocol    string      `json:"protocol"`
	Source      string      `json:"source"`
	Destination string      `json:"destination"`
	ContextID   string      `json:"context_id"`
	Timestamp   float64     `json:"timestamp"`
	MessageID   string      `json:"message_id"`
	MessageType MessageType `json:"message_type"`
	// HopCount 记录信封由处理器派生的层数，用于打断智能体之间的环路。
	HopCount int `json:"hop_count,omitempty"`
}

// Envelope 是一次智能体间通信的单元。构造完成后应视为不可变。
type Envelope struct {
	Header  Header  `json:"header"`
	Payload Payload `json:"payload"`
}

// Option 定义构造信封时的可选配置。
type Option func(*Header)

// WithType 指定消息类型，默认为 request。
func WithType(t MessageType) Option {
	return func(h *Header) {
		h.MessageType = t
	}
}

// WithMessageID 使用调用方提供的消息 ID，而不是自动生成。
func WithMessageID(id string) Option {
	return func(h *Header) {
		h.MessageID = id
	}
}

// WithTimestamp 使用调用方提供的时间戳（Unix 秒）。
func WithTimestamp(ts float64) Option {
	return func(h *Header) {
		h.Timestamp = ts
	}
}

// WithHopCount 指定派生层数。
func WithHopCount(hops int) Option {
	return func(h *Header) {
		h.HopCount = hops
	}
}

// New 构造新的信封。source、destination、contextID 为必填项。
func New(source, destination, contextID string, payload Payload, opts ...Option) (Envelope, error) {
	header := Header{
		Protocol:    Protocol,
		Source:      source,
		Destination: destination,
		ContextID:   contextID,
		MessageType: TypeRequest,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&header)
		}
	}
	if header.MessageID == "" {
		header.MessageID = NewMessageID()
	}
	if header.Timestamp == 0 {
		header.Timestamp = Now()
	}
	if err := header.Validate(); err != nil {
		return Envelope{}, err
	}
	if payload == nil {
		payload = Payload{}
	}
	return Envelope{Header: header, Payload: payload.Clone()}, nil
}

// Validate 检查头部必填字段。
func (h Header) Validate() error {
	missing := make([]string, 0, 4)
	if strings.TrimSpace(h.Protocol) == "" {
		missing = append(missing, "protocol")
	}
	if strings.TrimSpace(h.Source) == "" {
		missing = append(missing, "source")
	}
	if strings.TrimSpace(h.Destination) == "" {
		missing = append(missing, "destination")
	}
	if strings.TrimSpace(h.ContextID) == "" {
		missing = append(missing, "context_id")
	}
	if len(missing) > 0 {
		return xerrors.New(CodeMalformedEnvelope, "missing required header fields: "+strings.Join(missing, ", "))
	}
	if h.Protocol != Protocol {
		return xerrors.New(CodeMalformedEnvelope, "unsupported protocol "+h.Protocol)
	}
	if !h.MessageType.Valid() {
		return xerrors.New(CodeMalformedEnvelope, "unknown message_type "+string(h.MessageType))
	}
	if strings.TrimSpace(h.MessageID) == "" {
		return xerrors.New(CodeMalformedEnvelope, "missing message_id")
	}
	if h.HopCount < 0 {
		return xerrors.New(CodeMalformedEnvelope, "negative hop_count")
	}
	return nil
}

// Time 将头部时间戳转换为 time.Time。
func (h Header) Time() time.Time {
	sec := int64(h.Timestamp)
	nsec := int64((h.Timestamp - float64(sec)) * 1e9)
	return time.Unix(sec, nsec)
}

// Clone 返回载荷独立的副本。
func (e Envelope) Clone() Envelope {
	return Envelope{Header: e.Header, Payload: e.Payload.Clone()}
}

// Reply 构造一条发回 original 来源的响应信封，沿用原 context_id。
func Reply(original Envelope, source string, payload Payload) Envelope {
	return derive(original, source, TypeResponse, payload)
}

// Failure 构造一条发回 original 来源的错误信封，载荷包含 error 与 code。
func Failure(original Envelope, source string, code xerrors.Code, message string) Envelope {
	if message == "" {
		message = xerrors.AttributesOf(code).Message
	}
	return derive(original, source, TypeError, Payload{
		"error": String(message),
		"code":  String(string(code)),
	})
}

func derive(original Envelope, source string, kind MessageType, payload Payload) Envelope {
	if strings.TrimSpace(source) == "" {
		source = original.Header.Destination
	}
	if payload == nil {
		payload = Payload{}
	}
	return Envelope{
		Header: Header{
			Protocol:    Protocol,
			Source:      source,
			Destination: original.Header.Source,
			ContextID:   original.Header.ContextID,
			Timestamp:   Now(),
			MessageID:   NewMessageID(),
			MessageType: kind,
			HopCount:    original.Header.HopCount + 1,
		},
		Payload: payload.Clone(),
	}
}

// NewMessageID 生成进程内唯一的消息 ID。
func NewMessageID() string {
	return uuid.NewString()
}

// Now 返回当前时间的 Unix 秒（含小数）。
func Now() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
