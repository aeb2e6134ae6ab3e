package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	ua "go.uber.org/atomic"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/steprun/orchestrator/internal/job"
	"github.com/steprun/orchestrator/internal/orchestrator"
)

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/jobs" + query
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	var ack AckMessage
	require.NoError(t, wsjson.Read(ctx, conn, &ack))
	require.Equal(t, "ack", ack.Type)
	require.NotEmpty(t, ack.ClientID)
	return conn
}

func readJob(t *testing.T, conn *websocket.Conn) JobMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var msg JobMessage
	require.NoError(t, wsjson.Read(ctx, conn, &msg))
	return msg
}

func TestHub_BroadcastsEvents(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleJobs))
	defer srv.Close()

	conn := dial(t, srv, "")
	require.Equal(t, 1, hub.Clients())

	j := job.New("alpha", 3, "fast", nil)
	hub.JobEvent(orchestrator.Event{Type: orchestrator.EventRejected, Reason: orchestrator.ReasonCapacity})
	hub.JobEvent(orchestrator.Event{Type: orchestrator.EventCreated, JobID: j.ID, Job: j, Time: time.Now()})
	hub.JobEvent(orchestrator.Event{Type: orchestrator.EventStepFailed, JobID: j.ID, Job: j, Step: 2, Err: "refused", Time: time.Now()})

	first := readJob(t, conn)
	assert.Equal(t, string(orchestrator.EventCreated), first.Type)
	assert.Equal(t, j.ID, first.JobID)
	require.NotNil(t, first.Job)
	assert.Equal(t, "alpha", first.Job.Target)

	second := readJob(t, conn)
	assert.Equal(t, string(orchestrator.EventStepFailed), second.Type)
	assert.Equal(t, 2, second.Step)
	assert.Equal(t, "refused", second.Error)
}

func TestHub_JobFilter(t *testing.T) {
	hub := NewHub(nil)
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleJobs))
	defer srv.Close()

	watched := job.New("alpha", 1, "fast", nil)
	other := job.New("beta", 1, "fast", nil)
	conn := dial(t, srv, "?job_id="+watched.ID)

	hub.JobEvent(orchestrator.Event{Type: orchestrator.EventCreated, JobID: other.ID, Job: other})
	hub.JobEvent(orchestrator.Event{Type: orchestrator.EventCreated, JobID: watched.ID, Job: watched})

	msg := readJob(t, conn)
	assert.Equal(t, watched.ID, msg.JobID)
}

func TestHub_DropsSlowClient(t *testing.T) {
	hub := NewHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	slow := &client{id: "slow", send: make(chan any, 1), jobID: ua.NewString(""), ctx: ctx, cancel: cancel}
	hub.add(slow)

	j := job.New("alpha", 1, "fast", nil)
	hub.JobEvent(orchestrator.Event{Type: orchestrator.EventProgress, JobID: j.ID, Job: j})
	assert.NoError(t, ctx.Err())
	hub.JobEvent(orchestrator.Event{Type: orchestrator.EventProgress, JobID: j.ID, Job: j})
	assert.ErrorIs(t, ctx.Err(), context.Canceled)
}
