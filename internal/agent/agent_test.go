package agent

import (
	"errors"
	"testing"

	xerrors "AAHB-Assistant/internal/errors"
	"AAHB-Assistant/internal/mcp"
	"AAHB-Assistant/pkg/logger"
)

func TestInitOnceRunsLoaderOnce(t *testing.T) {
	b := NewBase("vision_agent", WithLogger(logger.Discard()))
	calls := 0
	load := func() error {
		calls++
		return errors.New("weights missing")
	}

	first := b.InitOnce(load)
	second := b.InitOnce(load)
	if calls != 1 {
		t.Fatalf("loader ran %d times", calls)
	}
	if xerrors.CodeOf(first) != CodeInitFailed || first != second {
		t.Fatalf("unexpected init errors: %v / %v", first, second)
	}
}

func TestRespondAndReject(t *testing.T) {
	b := NewBase("planning_agent", WithLogger(logger.Discard()))
	req, err := mcp.New("user", "planning_agent", "ctx-1", nil, mcp.WithHopCount(2))
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	reply := b.Respond(req, mcp.Payload{"ok": mcp.Bool(true)})
	if reply.Header.Source != "planning_agent" || reply.Header.Destination != "user" {
		t.Fatalf("unexpected routing: %+v", reply.Header)
	}
	if reply.Header.MessageType != mcp.TypeResponse || reply.Header.HopCount != 3 {
		t.Fatalf("unexpected header: %+v", reply.Header)
	}

	failure := b.Reject(req, CodeInvalidRequest, "No goal provided")
	if failure.Header.MessageType != mcp.TypeError {
		t.Fatalf("expected error envelope")
	}
	if code, _ := failure.Payload.String("code"); code != string(CodeInvalidRequest) {
		t.Fatalf("unexpected code %q", code)
	}
}
