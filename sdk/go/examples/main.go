package main

import (
	"context"
	"fmt"
	"net/http/httptest"
	"time"

	"AAHB-Assistant/internal/agent/personality"
	"AAHB-Assistant/internal/agent/planning"
	"AAHB-Assistant/internal/api"
	"AAHB-Assistant/internal/mcp"
	"AAHB-Assistant/internal/orchestrator"
	"AAHB-Assistant/pkg/logger"
	"AAHB-Assistant/sdk/go/aahb"
)

func main() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bus := orchestrator.New(orchestrator.WithLogger(logger.Discard()))
	if err := bus.RegisterAgent(ctx, planning.New(nil)); err != nil {
		panic(err)
	}
	if err := bus.RegisterAgent(ctx, personality.New(nil)); err != nil {
		panic(err)
	}
	if err := bus.Start(); err != nil {
		panic(err)
	}
	defer func() { _ = bus.Stop() }()

	srv := httptest.NewServer(api.NewServer(":0", bus).Handler())
	defer srv.Close()

	client, err := aahb.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	receipt, err := client.Send(ctx, "demo", "planning_agent", "ctx-demo", mcp.Payload{
		"goal": mcp.String("prepare the quarterly report"),
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("submitted %s\n", receipt.MessageID)

	for {
		history, err := client.Context(ctx, "ctx-demo", 0)
		if err == nil && len(history.Envelopes) >= 2 {
			reply := history.Envelopes[1]
			steps, _ := reply.Payload.Number("steps")
			fmt.Printf("%s answered with %.0f steps\n", reply.Header.Source, steps)
			break
		}
		select {
		case <-ctx.Done():
			panic(ctx.Err())
		case <-time.After(20 * time.Millisecond):
		}
	}
}
