package remote

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"workflow-orchestrator/core/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewClient(strings.TrimPrefix(srv.URL, "http://"), "wf-1", 2*time.Second)
}

func TestSubmit(t *testing.T) {
	bodies := make(chan string, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/prompt", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		bodies <- r.Method + " " + string(body)
		_, _ = w.Write([]byte(`{"prompt_id":"p-42","number":7,"node_errors":{}}`))
	})
	mux.HandleFunc("/queue", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"queue_running":[[5,"p-other",{},{},[]]],"queue_pending":[[7,"p-42",{},{},[]],[6,"p-first",{},{},[]]]}`))
	})
	c := newTestClient(t, mux)

	sub, err := c.Submit(context.Background(), []byte(`{"1":{"class_type":"SaveImage","inputs":{}}}`))
	require.NoError(t, err)
	assert.Equal(t, "p-42", sub.PromptID)
	assert.Equal(t, 7, sub.Number)
	require.NotNil(t, sub.QueuePosition)
	assert.Equal(t, 2, *sub.QueuePosition)
	gotBody := <-bodies
	assert.True(t, strings.HasPrefix(gotBody, http.MethodPost))
	assert.Contains(t, gotBody, `"client_id":"wf-1"`)
	assert.Contains(t, gotBody, `"class_type":"SaveImage"`)
}

func TestSubmitNodeErrors(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/prompt", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"type":"prompt_outputs_failed_validation","message":"Prompt outputs failed validation"},"node_errors":{"4":{"class_type":"CheckpointLoaderSimple","errors":[{"message":"Value not in list","details":"ckpt_name: 'x.safetensors'"}]}}}`))
	})
	c := newTestClient(t, mux)

	_, err := c.Submit(context.Background(), []byte(`{}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrSubmission))
	assert.Contains(t, err.Error(), "Value not in list")
	assert.Contains(t, err.Error(), "CheckpointLoaderSimple")
}

func TestSubmitUnreachable(t *testing.T) {
	c := NewClient("127.0.0.1:1", "wf-1", 500*time.Millisecond)
	_, err := c.Submit(context.Background(), []byte(`{}`))
	assert.True(t, errors.Is(err, models.ErrSubmission))
}

func TestQueuePosition(t *testing.T) {
	q := &QueueStatus{
		Running: []QueueEntry{{Number: 1, PromptID: "a"}},
		Pending: []QueueEntry{{Number: 9, PromptID: "c"}, {Number: 3, PromptID: "b"}},
	}

	pos, ok := q.Position("a")
	assert.True(t, ok)
	assert.Equal(t, 0, pos)

	pos, ok = q.Position("b")
	assert.True(t, ok)
	assert.Equal(t, 1, pos)

	pos, ok = q.Position("c")
	assert.True(t, ok)
	assert.Equal(t, 2, pos)

	_, ok = q.Position("missing")
	assert.False(t, ok)
}

func TestHistory(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/history/p-1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"p-1":{
			"prompt":[],
			"outputs":{
				"9":{"images":[{"filename":"out_00001_.png","subfolder":"","type":"output"}]},
				"12":{"text":["a caption"]}
			},
			"status":{"status_str":"success","completed":true,"messages":[["execution_start",{"prompt_id":"p-1"}]]}
		}}`))
	})
	mux.HandleFunc("/history/p-missing", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})
	c := newTestClient(t, mux)

	h, err := c.History(context.Background(), "p-1")
	require.NoError(t, err)
	require.NotNil(t, h)
	assert.True(t, h.Done())
	assert.Equal(t, "success", h.StatusStr)
	assert.Nil(t, h.Error)
	require.Len(t, h.Outputs, 1)
	assert.Equal(t, HistoryOutput{
		NodeID: "9",
		Kind:   "images",
		File:   FileRef{Filename: "out_00001_.png", Type: "output"},
	}, h.Outputs[0])

	h, err = c.History(context.Background(), "p-missing")
	require.NoError(t, err)
	assert.Nil(t, h)
}

func TestHistoryExecutionError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/history/p-1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"p-1":{"outputs":{},"status":{"status_str":"error","completed":false,"messages":[
			["execution_start",{"prompt_id":"p-1"}],
			["execution_error",{"prompt_id":"p-1","node_id":"3","node_type":"KSampler","exception_message":"CUDA out of memory"}]
		]}}}`))
	})
	c := newTestClient(t, mux)

	h, err := c.History(context.Background(), "p-1")
	require.NoError(t, err)
	require.NotNil(t, h.Error)
	assert.False(t, h.Done())
	assert.Equal(t, "3", h.Error.NodeID)
	assert.Equal(t, "KSampler", h.Error.NodeType)
	assert.Equal(t, "CUDA out of memory", h.Error.Message)
}

func TestInterruptAndDelete(t *testing.T) {
	interrupts := make(chan struct{}, 1)
	deletes := make(chan string, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/interrupt", func(w http.ResponseWriter, r *http.Request) {
		interrupts <- struct{}{}
	})
	mux.HandleFunc("/queue", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		deletes <- string(body)
	})
	c := newTestClient(t, mux)

	require.NoError(t, c.Interrupt(context.Background()))
	require.NoError(t, c.DeleteQueued(context.Background(), "p-9"))
	assert.Len(t, interrupts, 1)
	assert.JSONEq(t, `{"delete":["p-9"]}`, <-deletes)
}

func TestCancelledContext(t *testing.T) {
	c := NewClient("127.0.0.1:1", "wf-1", time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.QueueStatus(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEvents(t *testing.T) {
	upgrader := websocket.Upgrader{}
	clientIDs := make(chan string, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		clientIDs <- r.URL.Query().Get("clientId")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"status","data":{"status":{"exec_info":{"queue_remaining":1}}}}`))
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte{0, 0, 0, 1, 0xff})
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"unknown.plugin","data":{}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"executing","data":{"node":"5","prompt_id":"p-1"}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`garbage`))
		// hold the connection until the client closes it
		_, _, _ = conn.ReadMessage()
	})
	c := newTestClient(t, mux)

	stream, err := c.Events(context.Background())
	require.NoError(t, err)
	defer stream.Close()

	ev, err := stream.Next()
	require.NoError(t, err)
	assert.Equal(t, StatusEvent{QueueRemaining: 1}, ev)

	ev, err = stream.Next()
	require.NoError(t, err)
	assert.Equal(t, NodeStartedEvent{PromptID: "p-1", NodeID: "5"}, ev)
	assert.Equal(t, "wf-1", <-clientIDs)

	_, err = stream.Next()
	assert.Error(t, err, "malformed frame")

	require.NoError(t, stream.Close())
	_, err = stream.Next()
	assert.Error(t, err)
}

func TestEventsDialFailure(t *testing.T) {
	c := NewClient("127.0.0.1:1", "wf-1", 500*time.Millisecond)
	_, err := c.Events(context.Background())
	assert.Error(t, err)
}
