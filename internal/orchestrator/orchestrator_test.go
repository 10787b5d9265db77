package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"AAHB-Assistant/internal/agent"
	xerrors "AAHB-Assistant/internal/errors"
	"AAHB-Assistant/internal/mcp"
	"AAHB-Assistant/pkg/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

func newTestOrchestrator(t *testing.T, opts ...Option) *Orchestrator {
	t.Helper()
	opts = append([]Option{WithLogger(logger.Discard())}, opts...)
	o := New(opts...)
	t.Cleanup(func() { _ = o.Stop() })
	return o
}

func request(t *testing.T, source, destination, contextID string, payload mcp.Payload, opts ...mcp.Option) mcp.Envelope {
	t.Helper()
	env, err := mcp.New(source, destination, contextID, payload, opts...)
	require.NoError(t, err)
	return env
}

func historyLen(o *Orchestrator, contextID string) func() bool {
	return func() bool { return len(o.History(contextID)) > 0 }
}

func echoHandler(calls *int32, mu *sync.Mutex) Handler {
	return HandlerFunc(func(_ context.Context, env mcp.Envelope) (*mcp.Envelope, error) {
		mu.Lock()
		*calls++
		mu.Unlock()
		reply := mcp.Reply(env, "", env.Payload)
		return &reply, nil
	})
}

func TestEchoRoundTrip(t *testing.T) {
	o := newTestOrchestrator(t)
	var (
		calls int32
		mu    sync.Mutex
	)
	require.NoError(t, o.Register("ECHO", echoHandler(&calls, &mu)))
	require.NoError(t, o.Start())

	in := request(t, "TESTER", "ECHO", "ctx-1", mcp.Payload{"k": mcp.String("v")})
	require.NoError(t, o.Route(in))

	require.Eventually(t, func() bool { return len(o.History("ctx-1")) == 2 }, waitFor, 5*time.Millisecond)
	require.NoError(t, o.Stop())

	history := o.History("ctx-1")
	require.Len(t, history, 2)
	assert.Equal(t, in.Header.MessageID, history[0].Header.MessageID)

	reply := history[1]
	assert.Equal(t, mcp.TypeResponse, reply.Header.MessageType)
	assert.Equal(t, "ECHO", reply.Header.Source)
	assert.Equal(t, "TESTER", reply.Header.Destination)
	assert.Equal(t, 1, reply.Header.HopCount)
	assert.True(t, reply.Payload.Equal(mcp.Payload{"k": mcp.String("v")}))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, int32(1), calls)
}

func TestUnknownDestinationSynthesizesError(t *testing.T) {
	o := newTestOrchestrator(t)
	require.NoError(t, o.Start())

	in := request(t, "TESTER", "GHOST", "ctx-2", nil)
	require.NoError(t, o.Route(in))

	require.Eventually(t, func() bool { return len(o.History("ctx-2")) == 2 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, StateRunning, o.State())

	history := o.History("ctx-2")
	failure := history[1]
	assert.Equal(t, mcp.TypeError, failure.Header.MessageType)
	assert.Equal(t, "TESTER", failure.Header.Destination)
	code, _ := failure.Payload.String("code")
	assert.Equal(t, string(CodeUnknownDestination), code)
	msg, _ := failure.Payload.String("error")
	assert.Contains(t, msg, "ghost")
}

func TestRequestsAreDeliveredBeforeResponses(t *testing.T) {
	o := newTestOrchestrator(t)

	var (
		mu    sync.Mutex
		order []string
	)
	require.NoError(t, o.Register("SINK", HandlerFunc(func(_ context.Context, env mcp.Envelope) (*mcp.Envelope, error) {
		label, _ := env.Payload.String("label")
		mu.Lock()
		order = append(order, label)
		mu.Unlock()
		return nil, nil
	})))

	for i := 1; i <= 3; i++ {
		require.NoError(t, o.Route(request(t, "TESTER", "SINK", "ctx-3",
			mcp.Payload{"label": mcp.String(fmt.Sprintf("R%d", i))})))
		require.NoError(t, o.Route(request(t, "TESTER", "SINK", "ctx-3",
			mcp.Payload{"label": mcp.String(fmt.Sprintf("P%d", i))}, mcp.WithType(mcp.TypeResponse))))
	}
	assert.Equal(t, 6, o.Pending())
	require.NoError(t, o.Start())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 6
	}, waitFor, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"R1", "R2", "R3", "P1", "P2", "P3"}, order)
}

func TestStopReturnsPromptlyAndRejectsRoute(t *testing.T) {
	o := newTestOrchestrator(t)
	require.NoError(t, o.Start())

	done := make(chan error, 1)
	go func() { done <- o.Stop() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("stop did not return")
	}

	assert.Equal(t, StateStopped, o.State())
	err := o.Route(request(t, "TESTER", "ECHO", "ctx-4", nil))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrOrchestratorStopped))
	assert.Equal(t, CodeOrchestratorStopped, xerrors.CodeOf(err))
}

func TestLifecycleTransitions(t *testing.T) {
	o := newTestOrchestrator(t)
	assert.Equal(t, StateIdle, o.State())

	require.NoError(t, o.Start())
	require.NoError(t, o.Start())
	assert.Equal(t, StateRunning, o.State())

	require.NoError(t, o.Stop())
	require.NoError(t, o.Stop())
	assert.ErrorIs(t, o.Start(), ErrAlreadyStopped)

	idle := newTestOrchestrator(t)
	require.NoError(t, idle.Stop())
	assert.Equal(t, StateStopped, idle.State())
	assert.ErrorIs(t, idle.Start(), ErrAlreadyStopped)
}

func TestStopDiscardsQueuedEnvelopes(t *testing.T) {
	o := newTestOrchestrator(t)
	require.NoError(t, o.Route(request(t, "TESTER", "ECHO", "ctx-discard", nil)))
	require.NoError(t, o.Route(request(t, "TESTER", "ECHO", "ctx-discard", nil)))

	require.NoError(t, o.Stop())
	assert.Zero(t, o.Pending())
	assert.Nil(t, o.History("ctx-discard"))
}

func TestCaseInsensitiveAddressing(t *testing.T) {
	o := newTestOrchestrator(t)
	delivered := make(chan string, 1)
	require.NoError(t, o.Register("VISION_AGENT", HandlerFunc(func(_ context.Context, env mcp.Envelope) (*mcp.Envelope, error) {
		delivered <- env.Header.Destination
		return nil, nil
	})))
	require.NoError(t, o.Start())
	require.NoError(t, o.Route(request(t, "TESTER", "vision_agent", "ctx-case", nil)))

	select {
	case dest := <-delivered:
		assert.Equal(t, "vision_agent", dest)
	case <-time.After(waitFor):
		t.Fatal("handler not invoked")
	}
	assert.Equal(t, []string{"vision_agent"}, o.Destinations())
}

func TestFailuresDoNotAffectOtherDestinations(t *testing.T) {
	o := newTestOrchestrator(t)
	var (
		calls int32
		mu    sync.Mutex
	)
	require.NoError(t, o.Register("ECHO", echoHandler(&calls, &mu)))
	require.NoError(t, o.Register("BROKEN", HandlerFunc(func(context.Context, mcp.Envelope) (*mcp.Envelope, error) {
		return nil, errors.New("model unavailable")
	})))
	require.NoError(t, o.Start())

	require.NoError(t, o.Route(request(t, "TESTER", "GHOST", "ctx-iso", nil)))
	require.NoError(t, o.Route(request(t, "TESTER", "BROKEN", "ctx-iso", nil)))
	require.NoError(t, o.Route(request(t, "TESTER", "ECHO", "ctx-iso", mcp.Payload{"n": mcp.Int(1)})))

	require.Eventually(t, func() bool { return len(o.History("ctx-iso")) == 6 }, waitFor, 5*time.Millisecond)

	var codes []string
	responses := 0
	for _, env := range o.History("ctx-iso") {
		switch env.Header.MessageType {
		case mcp.TypeError:
			code, _ := env.Payload.String("code")
			codes = append(codes, code)
		case mcp.TypeResponse:
			responses++
		}
	}
	assert.ElementsMatch(t, []string{string(CodeUnknownDestination), string(CodeHandlerFailure)}, codes)
	assert.Equal(t, 1, responses)
	assert.Equal(t, StateRunning, o.State())
}

func TestContextAccumulatesAcrossAgents(t *testing.T) {
	o := newTestOrchestrator(t)
	forward := func(next string) Handler {
		return HandlerFunc(func(_ context.Context, env mcp.Envelope) (*mcp.Envelope, error) {
			out, err := mcp.New(env.Header.Destination, next, env.Header.ContextID, env.Payload)
			if err != nil {
				return nil, err
			}
			return &out, nil
		})
	}
	require.NoError(t, o.Register("vision_agent", forward("knowledge_agent")))
	require.NoError(t, o.Register("knowledge_agent", forward("planning_agent")))
	require.NoError(t, o.Register("planning_agent", HandlerFunc(func(context.Context, mcp.Envelope) (*mcp.Envelope, error) {
		return nil, nil
	})))
	require.NoError(t, o.Start())
	require.NoError(t, o.Route(request(t, "user", "vision_agent", "ctx-chain", nil)))

	require.Eventually(t, func() bool { return len(o.History("ctx-chain")) == 3 }, waitFor, 5*time.Millisecond)
	history := o.History("ctx-chain")
	assert.Equal(t, "vision_agent", history[0].Header.Destination)
	assert.Equal(t, "knowledge_agent", history[1].Header.Destination)
	assert.Equal(t, "planning_agent", history[2].Header.Destination)
	assert.Equal(t, 2, history[2].Header.HopCount)
}

func TestConcurrentRouting(t *testing.T) {
	const producers, perProducer = 8, 50

	o := newTestOrchestrator(t)
	var (
		mu   sync.Mutex
		seen = make(map[string]int)
	)
	require.NoError(t, o.Register("SINK", HandlerFunc(func(_ context.Context, env mcp.Envelope) (*mcp.Envelope, error) {
		mu.Lock()
		seen[env.Header.MessageID]++
		mu.Unlock()
		return nil, nil
	})))
	require.NoError(t, o.Start())

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				env, err := mcp.New("TESTER", "SINK", fmt.Sprintf("ctx-p%d", p), nil)
				if err != nil {
					t.Error(err)
					return
				}
				if err := o.Route(env); err != nil {
					t.Error(err)
					return
				}
			}
		}(p)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == producers*perProducer
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	for id, n := range seen {
		assert.Equalf(t, 1, n, "message %s delivered %d times", id, n)
	}
	mu.Unlock()
	for p := 0; p < producers; p++ {
		assert.Len(t, o.History(fmt.Sprintf("ctx-p%d", p)), perProducer)
	}
}

func TestHandlerPanicBecomesFailure(t *testing.T) {
	o := newTestOrchestrator(t)
	require.NoError(t, o.Register("FRAGILE", HandlerFunc(func(context.Context, mcp.Envelope) (*mcp.Envelope, error) {
		panic("index out of range")
	})))
	require.NoError(t, o.Start())
	require.NoError(t, o.Route(request(t, "TESTER", "FRAGILE", "ctx-panic", nil)))

	require.Eventually(t, func() bool { return len(o.History("ctx-panic")) == 2 }, waitFor, 5*time.Millisecond)
	failure := o.History("ctx-panic")[1]
	code, _ := failure.Payload.String("code")
	assert.Equal(t, string(CodeHandlerFailure), code)
	msg, _ := failure.Payload.String("error")
	assert.Contains(t, msg, "index out of range")
	assert.Equal(t, StateRunning, o.State())
}

func TestHandlerTimeout(t *testing.T) {
	o := newTestOrchestrator(t, WithHandlerTimeout(20*time.Millisecond))
	require.NoError(t, o.Register("SLOW", HandlerFunc(func(ctx context.Context, _ mcp.Envelope) (*mcp.Envelope, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})))
	require.NoError(t, o.Start())
	require.NoError(t, o.Route(request(t, "TESTER", "SLOW", "ctx-slow", nil)))

	require.Eventually(t, func() bool { return len(o.History("ctx-slow")) == 2 }, waitFor, 5*time.Millisecond)
	failure := o.History("ctx-slow")[1]
	code, _ := failure.Payload.String("code")
	cause, _ := failure.Payload.String("cause")
	assert.Equal(t, string(CodeHandlerFailure), code)
	assert.Equal(t, string(xerrors.CodeTimeout), cause)
}

func TestStopWaitsForTimedOutHandlers(t *testing.T) {
	o := newTestOrchestrator(t, WithHandlerTimeout(20*time.Millisecond))
	var finished atomic.Bool
	require.NoError(t, o.Register("STUBBORN", HandlerFunc(func(ctx context.Context, _ mcp.Envelope) (*mcp.Envelope, error) {
		<-ctx.Done()
		time.Sleep(100 * time.Millisecond)
		finished.Store(true)
		return nil, nil
	})))
	require.NoError(t, o.Start())
	require.NoError(t, o.Route(request(t, "TESTER", "STUBBORN", "ctx-stubborn", nil)))

	require.Eventually(t, func() bool { return len(o.History("ctx-stubborn")) == 2 }, waitFor, 5*time.Millisecond)
	assert.False(t, finished.Load(), "handler should still be running after its timeout")

	require.NoError(t, o.Stop())
	assert.True(t, finished.Load(), "Stop returned before the timed-out handler")
}

func TestHopLimitBreaksCycles(t *testing.T) {
	o := newTestOrchestrator(t, WithMaxHops(3))
	bounce := func(next string) Handler {
		return HandlerFunc(func(_ context.Context, env mcp.Envelope) (*mcp.Envelope, error) {
			out, err := mcp.New(env.Header.Destination, next, env.Header.ContextID, nil)
			if err != nil {
				return nil, err
			}
			return &out, nil
		})
	}
	require.NoError(t, o.Register("ping", bounce("pong")))
	require.NoError(t, o.Register("pong", bounce("ping")))
	require.NoError(t, o.Start())
	require.NoError(t, o.Route(request(t, "TESTER", "ping", "ctx-loop", nil)))

	require.Eventually(t, func() bool { return len(o.History("ctx-loop")) == 5 }, waitFor, 5*time.Millisecond)
	require.NoError(t, o.Stop())

	history := o.History("ctx-loop")
	require.Len(t, history, 5)
	for i, env := range history {
		assert.Equal(t, i, env.Header.HopCount)
	}
}

func TestErrorEnvelopesNeverCascade(t *testing.T) {
	o := newTestOrchestrator(t)
	require.NoError(t, o.Register("TESTER", HandlerFunc(func(context.Context, mcp.Envelope) (*mcp.Envelope, error) {
		return nil, errors.New("cannot handle errors either")
	})))
	require.NoError(t, o.Start())
	require.NoError(t, o.Route(request(t, "TESTER", "GHOST", "ctx-cascade", nil)))

	require.Eventually(t, func() bool { return len(o.History("ctx-cascade")) == 2 }, waitFor, 5*time.Millisecond)
	require.NoError(t, o.Stop())
	assert.Len(t, o.History("ctx-cascade"), 2)
}

func TestRouteRejectsMalformedHeader(t *testing.T) {
	o := newTestOrchestrator(t)
	err := o.Route(mcp.Envelope{Header: mcp.Header{Protocol: mcp.Protocol, Source: "a"}})
	require.Error(t, err)
	assert.Equal(t, mcp.CodeMalformedEnvelope, xerrors.CodeOf(err))
}

func TestRouteCopiesEnvelope(t *testing.T) {
	o := newTestOrchestrator(t)
	require.NoError(t, o.Register("SINK", HandlerFunc(func(context.Context, mcp.Envelope) (*mcp.Envelope, error) {
		return nil, nil
	})))
	env := request(t, "TESTER", "SINK", "ctx-copy", mcp.Payload{"k": mcp.String("before")})
	require.NoError(t, o.Route(env))
	env.Payload["k"] = mcp.String("after")

	require.NoError(t, o.Start())
	require.Eventually(t, historyLen(o, "ctx-copy"), waitFor, 5*time.Millisecond)
	got, _ := o.History("ctx-copy")[0].Payload.String("k")
	assert.Equal(t, "before", got)
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (r *recordingObserver) ObserveDispatch(_ mcp.Envelope, outcome Outcome, _ time.Duration) {
	r.mu.Lock()
	r.outcomes = append(r.outcomes, outcome)
	r.mu.Unlock()
}

func (r *recordingObserver) ObserveQueueDepth(int) {}

func (r *recordingObserver) snapshot() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Outcome(nil), r.outcomes...)
}

func TestObserverReceivesOutcomes(t *testing.T) {
	obs := &recordingObserver{}
	o := newTestOrchestrator(t, WithObserver(obs))
	require.NoError(t, o.Register("SINK", HandlerFunc(func(context.Context, mcp.Envelope) (*mcp.Envelope, error) {
		return nil, nil
	})))
	require.NoError(t, o.Start())
	require.NoError(t, o.Route(request(t, "TESTER", "SINK", "ctx-obs", nil)))
	require.NoError(t, o.Route(request(t, "TESTER", "GHOST", "ctx-obs", nil)))

	require.Eventually(t, func() bool { return len(obs.snapshot()) == 3 }, waitFor, 5*time.Millisecond)
	assert.ElementsMatch(t,
		[]Outcome{OutcomeDelivered, OutcomeUnknownDestination, OutcomeUnknownDestination},
		obs.snapshot())
}

type memoryArchiver struct {
	mu    sync.Mutex
	saved []string
}

func (m *memoryArchiver) Save(_ context.Context, env mcp.Envelope) error {
	m.mu.Lock()
	m.saved = append(m.saved, env.Header.MessageID)
	m.mu.Unlock()
	return nil
}

func TestArchiverReceivesHistory(t *testing.T) {
	archive := &memoryArchiver{}
	o := newTestOrchestrator(t, WithArchiver(archive, 8))
	var (
		calls int32
		mu    sync.Mutex
	)
	require.NoError(t, o.Register("ECHO", echoHandler(&calls, &mu)))
	require.NoError(t, o.Start())
	require.NoError(t, o.Route(request(t, "TESTER", "ECHO", "ctx-archive", nil)))

	require.Eventually(t, func() bool { return len(o.History("ctx-archive")) == 2 }, waitFor, 5*time.Millisecond)
	require.NoError(t, o.Stop())

	archive.mu.Lock()
	defer archive.mu.Unlock()
	var ids []string
	for _, env := range o.History("ctx-archive") {
		ids = append(ids, env.Header.MessageID)
	}
	assert.Equal(t, ids, archive.saved)
}

type stubAgent struct {
	name    string
	initErr error
	inits   int
}

func (s *stubAgent) Name() string { return s.name }

func (s *stubAgent) Initialize(context.Context) error {
	s.inits++
	return s.initErr
}

func (s *stubAgent) Process(_ context.Context, env mcp.Envelope) (*mcp.Envelope, error) {
	reply := mcp.Reply(env, s.name, mcp.Payload{"ok": mcp.Bool(true)})
	return &reply, nil
}

func TestRegisterAgent(t *testing.T) {
	o := newTestOrchestrator(t)
	ctx := context.Background()

	good := &stubAgent{name: "planning_agent"}
	require.NoError(t, o.RegisterAgent(ctx, good))
	assert.Equal(t, 1, good.inits)
	assert.Equal(t, []string{"planning_agent"}, o.Destinations())

	bad := &stubAgent{name: "vision_agent", initErr: errors.New("weights missing")}
	err := o.RegisterAgent(ctx, bad)
	require.Error(t, err)
	assert.Equal(t, agent.CodeInitFailed, xerrors.CodeOf(err))
	assert.Equal(t, []string{"planning_agent"}, o.Destinations())

	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(o.RegisterAgent(ctx, nil)))
}

func TestInstancesAreIndependent(t *testing.T) {
	a := newTestOrchestrator(t)
	b := newTestOrchestrator(t)
	require.NoError(t, a.Register("ECHO", HandlerFunc(func(context.Context, mcp.Envelope) (*mcp.Envelope, error) {
		return nil, nil
	})))
	assert.Equal(t, []string{"echo"}, a.Destinations())
	assert.Empty(t, b.Destinations())
}
