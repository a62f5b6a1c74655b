package channel

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dyno/internal/agent/ports"
)

// fakeConn records everything written to it.
type fakeConn struct {
	mu     sync.Mutex
	writes []ports.Event
}

func (f *fakeConn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var e ports.Event
	if err := json.Unmarshal(data, &e); err != nil {
		return err
	}
	f.mu.Lock()
	f.writes = append(f.writes, e)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) events() []ports.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]ports.Event, len(f.writes))
	copy(out, f.writes)
	return out
}

func request(id string) *ports.ApprovalRequest {
	return &ports.ApprovalRequest{
		ToolCallID: id,
		ToolName:   "write_file",
		Arguments:  map[string]any{"filename": "a.txt"},
		SessionID:  "master",
	}
}

func TestApproveResolvesPending(t *testing.T) {
	conn := &fakeConn{}
	c := New(time.Minute, nil)
	c.Swap(conn)

	done := make(chan *ports.ApprovalResponse, 1)
	go func() {
		resp, err := c.RequestApproval(context.Background(), request("p1"))
		require.NoError(t, err)
		done <- resp
	}()

	// wait for the proposal to land
	require.Eventually(t, func() bool { return c.PendingCount() == 1 }, time.Second, time.Millisecond)

	events := conn.events()
	require.Len(t, events, 1)
	assert.Equal(t, "proposal", events[0].Type)
	assert.Equal(t, "write_file: a.txt", events[0].Payload["displayTitle"])

	c.Resolve("p1", true, map[string]any{"filename": "edited.txt"})

	resp := <-done
	assert.True(t, resp.Approved)
	assert.Equal(t, "edited.txt", resp.EditedInput["filename"])
	assert.Equal(t, 0, c.PendingCount())
}

func TestTimeoutDenies(t *testing.T) {
	c := New(20*time.Millisecond, nil)
	c.Swap(&fakeConn{})

	resp, err := c.RequestApproval(context.Background(), request("p1"))
	require.NoError(t, err)
	assert.False(t, resp.Approved)
	assert.Equal(t, "timeout", resp.Reason)
	assert.Equal(t, 0, c.PendingCount())
}

func TestResolveAfterTimeoutIsIgnored(t *testing.T) {
	c := New(10*time.Millisecond, nil)
	c.Swap(&fakeConn{})

	resp, err := c.RequestApproval(context.Background(), request("p1"))
	require.NoError(t, err)
	assert.False(t, resp.Approved)

	// late decision must not panic or resurrect anything
	c.Resolve("p1", true, nil)
	assert.Equal(t, 0, c.PendingCount())
}

func TestDenyAllResolvesEverything(t *testing.T) {
	c := New(time.Minute, nil)
	c.Swap(&fakeConn{})

	var wg sync.WaitGroup
	results := make(chan bool, 3)
	for _, id := range []string{"p1", "p2", "p3"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := c.RequestApproval(context.Background(), request(id))
			require.NoError(t, err)
			results <- resp.Approved
		}()
	}
	require.Eventually(t, func() bool { return c.PendingCount() == 3 }, time.Second, time.Millisecond)

	c.DenyAll()
	wg.Wait()
	close(results)
	for approved := range results {
		assert.False(t, approved)
	}
}

func TestSwapRedeliversPendingProposals(t *testing.T) {
	c := New(time.Minute, nil)
	// no connection at all: the proposal still registers
	go func() {
		_, _ = c.RequestApproval(context.Background(), request("p1"))
	}()
	require.Eventually(t, func() bool { return c.PendingCount() == 1 }, time.Second, time.Millisecond)

	fresh := &fakeConn{}
	c.Swap(fresh)

	events := fresh.events()
	require.Len(t, events, 1)
	assert.Equal(t, "proposal", events[0].Type)
	assert.Equal(t, "p1", events[0].Payload["id"])

	// the re-delivered proposal is still resolvable
	c.Resolve("p1", false, nil)
	require.Eventually(t, func() bool { return c.PendingCount() == 0 }, time.Second, time.Millisecond)
}

func TestSwapNilDetachesWithoutResolving(t *testing.T) {
	c := New(time.Minute, nil)
	c.Swap(&fakeConn{})

	go func() {
		_, _ = c.RequestApproval(context.Background(), request("p1"))
	}()
	require.Eventually(t, func() bool { return c.PendingCount() == 1 }, time.Second, time.Millisecond)

	c.Swap(nil)
	// connection loss leaves the approval pending
	assert.Equal(t, 1, c.PendingCount())
}

func TestDuplicateProposalIDRejected(t *testing.T) {
	c := New(time.Minute, nil)
	c.Swap(&fakeConn{})

	go func() {
		_, _ = c.RequestApproval(context.Background(), request("p1"))
	}()
	require.Eventually(t, func() bool { return c.PendingCount() == 1 }, time.Second, time.Millisecond)

	_, err := c.RequestApproval(context.Background(), request("p1"))
	require.Error(t, err)
	c.DenyAll()
}

func TestContextCancelUnblocks(t *testing.T) {
	c := New(time.Minute, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := c.RequestApproval(ctx, request("p1"))
		done <- err
	}()
	require.Eventually(t, func() bool { return c.PendingCount() == 1 }, time.Second, time.Millisecond)

	cancel()
	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOnEventWritesThrough(t *testing.T) {
	conn := &fakeConn{}
	c := New(time.Minute, nil)
	c.Swap(conn)

	c.OnEvent(ports.NewEvent("thinking", "master", map[string]any{"text": "hm"}))

	events := conn.events()
	require.Len(t, events, 1)
	assert.Equal(t, "thinking", events[0].Type)
	assert.Equal(t, "hm", events[0].Payload["text"])
}
