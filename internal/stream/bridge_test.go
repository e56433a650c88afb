package stream

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestBridgeDeliversInOrderAndStopsAtTerminal(t *testing.T) {
	b := NewBridge(nil)

	require.NoError(t, b.Emit(Status("connecting")))
	require.NoError(t, b.Emit(Phase("deep_research")))
	require.NoError(t, b.Emit(Response("hello")))
	require.NoError(t, b.Emit(Complete(1200)))

	var got []Event
	require.NoError(t, b.Drain(context.Background(), func(ev Event) error {
		got = append(got, ev)
		return nil
	}))

	require.Len(t, got, 4)
	for i, ev := range got {
		assert.Equal(t, i+1, ev.Seq)
	}
	assert.Equal(t, EventComplete, got[3].Type)
	require.NotNil(t, got[3].Payload.DurationMS)
	assert.Equal(t, int64(1200), got[3].Payload.Duration())

	_, err := b.Next(context.Background())
	assert.ErrorIs(t, err, io.EOF)
}

func TestBridgeRejectsEventsAfterTerminal(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	b := NewBridge(zap.New(core))

	require.NoError(t, b.Emit(Error("timeout", "request timed out")))
	assert.True(t, b.Completed())

	assert.ErrorIs(t, b.Emit(Complete(10)), ErrCompleted)
	assert.ErrorIs(t, b.Emit(Response("late")), ErrCompleted)
	assert.Equal(t, 2, logs.Len())

	var terminals int
	require.NoError(t, b.Drain(context.Background(), func(ev Event) error {
		if ev.Type.Terminal() {
			terminals++
		}
		return nil
	}))
	assert.Equal(t, 1, terminals)
}

func TestBridgeConcurrentProducer(t *testing.T) {
	b := NewBridge(nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			_ = b.Emit(Response("x"))
		}
		_ = b.Emit(Complete(1))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	count := 0
	last := 0
	require.NoError(t, b.Drain(ctx, func(ev Event) error {
		count++
		assert.Greater(t, ev.Seq, last)
		last = ev.Seq
		return nil
	}))
	wg.Wait()

	assert.Equal(t, 501, count)
}

func TestBridgeNextHonoursContext(t *testing.T) {
	b := NewBridge(nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := b.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWriteSSE(t *testing.T) {
	var buf bytes.Buffer

	require.NoError(t, WriteSSE(&buf, Thought("deep_research", "tool_call", "search", `"acme" careers`, "")))

	out := buf.String()
	require.True(t, strings.HasPrefix(out, "event: thought\ndata: "))
	require.True(t, strings.HasSuffix(out, "\n\n"))

	data := strings.TrimSuffix(strings.TrimPrefix(out, "event: thought\ndata: "), "\n\n")
	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(data), &payload))
	assert.Equal(t, "search", payload["tool"])
	assert.Equal(t, `"acme" careers`, payload["input"])
	assert.NotContains(t, payload, "chunk")
	assert.NotContains(t, payload, "content")
}

func TestWriteSSECompleteAlwaysCarriesDuration(t *testing.T) {
	var buf bytes.Buffer

	require.NoError(t, WriteSSE(&buf, Complete(0)))
	assert.Equal(t, "event: complete\ndata: {\"status\":\"complete\",\"duration_ms\":0}\n\n", buf.String())

	buf.Reset()
	require.NoError(t, WriteSSE(&buf, Status("connecting")))
	assert.NotContains(t, buf.String(), "duration_ms")
}
