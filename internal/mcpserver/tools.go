package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcptool "github.com/mark3labs/mcp-go/mcp"

	"AAHB-Assistant/internal/mcp"
	"AAHB-Assistant/internal/orchestrator"
	"AAHB-Assistant/internal/storage"
)

// DefaultSource 是 MCP 客户端未指定来源时使用的发送方标识。
const DefaultSource = "MCP_CLIENT"

// SendTool 处理 aahb_send，把一次工具调用转换为投递到总线的信封。
type SendTool struct {
	bus *orchestrator.Orchestrator
}

// NewSendTool 创建 SendTool。
func NewSendTool(bus *orchestrator.Orchestrator) *SendTool {
	return &SendTool{bus: bus}
}

// Definition 返回 aahb_send 的工具描述。
func (t *SendTool) Definition() mcptool.Tool {
	return mcptool.NewTool("aahb_send",
		mcptool.WithDescription(
			"Route an MCP envelope to an agent on the AAHB bus. "+
				"The call returns as soon as the envelope is queued; "+
				"read replies with aahb_history using the same context_id.",
		),
		mcptool.WithString("destination",
			mcptool.Required(),
			mcptool.Description("Agent id to deliver to, case-insensitive (e.g. PLANNING)"),
		),
		mcptool.WithString("context_id",
			mcptool.Required(),
			mcptool.Description("Conversation id the envelope belongs to"),
		),
		mcptool.WithString("payload",
			mcptool.Description("Payload as a JSON object, e.g. {\"goal\":\"plan a trip\"}"),
		),
		mcptool.WithString("source",
			mcptool.Description("Sender id; replies are addressed here (default: MCP_CLIENT)"),
		),
		mcptool.WithString("message_type",
			mcptool.Description("Envelope type (default: request)"),
			mcptool.Enum(string(mcp.TypeRequest), string(mcp.TypeResponse), string(mcp.TypeError)),
		),
	)
}

// Handle 构造信封并调用 Route。
func (t *SendTool) Handle(ctx context.Context, req mcptool.CallToolRequest) (*mcptool.CallToolResult, error) {
	destination := strings.TrimSpace(req.GetString("destination", ""))
	contextID := strings.TrimSpace(req.GetString("context_id", ""))
	if destination == "" || contextID == "" {
		return mcptool.NewToolResultError("'destination' and 'context_id' are required"), nil
	}
	source := strings.TrimSpace(req.GetString("source", DefaultSource))
	if source == "" {
		source = DefaultSource
	}
	kind := mcp.MessageType(req.GetString("message_type", string(mcp.TypeRequest)))
	if !kind.Valid() {
		return mcptool.NewToolResultError(fmt.Sprintf("unsupported message_type %q", kind)), nil
	}

	payload, err := parsePayload(req.GetString("payload", ""))
	if err != nil {
		return mcptool.NewToolResultError(fmt.Sprintf("invalid payload: %v", err)), nil
	}
	env, err := mcp.New(source, destination, contextID, payload, mcp.WithType(kind))
	if err != nil {
		return mcptool.NewToolResultError(err.Error()), nil
	}
	if err := t.bus.Route(env); err != nil {
		return mcptool.NewToolResultError(fmt.Sprintf("route failed: %v", err)), nil
	}
	return jsonResult(map[string]string{
		"message_id": env.Header.MessageID,
		"context_id": env.Header.ContextID,
	})
}

// HistoryTool 处理 aahb_history，内存中没有时回退到归档。
type HistoryTool struct {
	bus     *orchestrator.Orchestrator
	archive storage.Archive
}

// NewHistoryTool 创建 HistoryTool，archive 可以为 nil。
func NewHistoryTool(bus *orchestrator.Orchestrator, archive storage.Archive) *HistoryTool {
	return &HistoryTool{bus: bus, archive: archive}
}

// Definition 返回 aahb_history 的工具描述。
func (t *HistoryTool) Definition() mcptool.Tool {
	return mcptool.NewTool("aahb_history",
		mcptool.WithDescription(
			"Return the ordered envelope history of a conversation as JSON envelopes.",
		),
		mcptool.WithString("context_id",
			mcptool.Required(),
			mcptool.Description("Conversation id to read"),
		),
		mcptool.WithNumber("limit",
			mcptool.Description("Only return the most recent N envelopes (default: all)"),
		),
	)
}

// Handle 读取会话历史快照。
func (t *HistoryTool) Handle(ctx context.Context, req mcptool.CallToolRequest) (*mcptool.CallToolResult, error) {
	contextID := strings.TrimSpace(req.GetString("context_id", ""))
	if contextID == "" {
		return mcptool.NewToolResultError("'context_id' is required"), nil
	}
	limit := intArg(req, "limit", 0)

	archived := false
	history, ok := t.bus.Contexts().Get(contextID)
	if ok {
		if limit > 0 && len(history) > limit {
			history = history[len(history)-limit:]
		}
	} else if t.archive != nil {
		stored, err := t.archive.List(ctx, contextID, limit)
		if err != nil {
			return mcptool.NewToolResultError(fmt.Sprintf("archive lookup failed: %v", err)), nil
		}
		ok = len(stored) > 0
		history = stored
		archived = true
	}
	if !ok {
		return mcptool.NewToolResultError(fmt.Sprintf("context %q not found", contextID)), nil
	}

	envelopes := make([]json.RawMessage, 0, len(history))
	for _, env := range history {
		raw, err := mcp.Encode(env)
		if err != nil {
			return mcptool.NewToolResultError(err.Error()), nil
		}
		envelopes = append(envelopes, raw)
	}
	return jsonResult(struct {
		ContextID string            `json:"context_id"`
		Archived  bool              `json:"archived,omitempty"`
		History   []json.RawMessage `json:"history"`
	}{ContextID: contextID, Archived: archived, History: envelopes})
}

// DestinationsTool 处理 aahb_destinations。
type DestinationsTool struct {
	bus *orchestrator.Orchestrator
}

// NewDestinationsTool 创建 DestinationsTool。
func NewDestinationsTool(bus *orchestrator.Orchestrator) *DestinationsTool {
	return &DestinationsTool{bus: bus}
}

// Definition 返回 aahb_destinations 的工具描述。
func (t *DestinationsTool) Definition() mcptool.Tool {
	return mcptool.NewTool("aahb_destinations",
		mcptool.WithDescription("List the agent ids currently registered on the bus and the bus state."),
	)
}

// Handle 返回已注册的目的地。
func (t *DestinationsTool) Handle(_ context.Context, _ mcptool.CallToolRequest) (*mcptool.CallToolResult, error) {
	return jsonResult(struct {
		State        string   `json:"state"`
		Destinations []string `json:"destinations"`
	}{State: t.bus.State().String(), Destinations: t.bus.Destinations()})
}

func parsePayload(raw string) (mcp.Payload, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return mcp.Payload{}, nil
	}
	var native map[string]any
	if err := json.Unmarshal([]byte(raw), &native); err != nil {
		return nil, err
	}
	return mcp.PayloadFromNative(native)
}

// intArg 读取数字参数，JSON 数字解码后为 float64。
func intArg(req mcptool.CallToolRequest, key string, defaultVal int) int {
	v, ok := req.GetArguments()[key].(float64)
	if !ok {
		return defaultVal
	}
	return int(v)
}

func jsonResult(v any) (*mcptool.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return mcptool.NewToolResultText(string(data)), nil
}
