package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSocket is a DatagramSocket that records what was sent and never talks
// to a real network; tests simulate a server reply by calling the
// dispatcher's handleReceive directly with fakeCodec-encoded bytes, the way
// the socket's read pump would.
type fakeSocket struct {
	mu   sync.Mutex
	sent [][]byte
}

func (s *fakeSocket) Send(_ context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, data)
	return nil
}
func (s *fakeSocket) Close() error          { return nil }
func (s *fakeSocket) LocalAddr() net.Addr   { return &net.UDPAddr{} }
func (s *fakeSocket) sentCount() int        { s.mu.Lock(); defer s.mu.Unlock(); return len(s.sent) }

// failingSocket always fails Send, for exercising the transport-error path.
type failingSocket struct{ fakeSocket }

func (s *failingSocket) Send(_ context.Context, _ []byte) error {
	return errors.New("simulated write failure")
}

// wireQuery and wireResponse are exported mirrors of query/response: query
// and response themselves carry only unexported fields (the dispatcher is
// their only production caller), which encoding/json silently drops. The
// fake codec below round-trips through these mirrors instead so tests can
// actually inspect what was sent and hand-construct arbitrary replies.
type wireQuery struct {
	ID    uint16
	Name  string
	Qtype uint16
}

type wireResponse struct {
	ID      uint16
	Rcode   int
	Answers []Record
}

// fakeCodec is a JSON-based stand-in for dnsCodec, used only so tests can
// hand-construct arbitrary server responses (including malformed ones)
// without depending on real wire encoding.
type fakeCodec struct{}

func (fakeCodec) Encode(q query) ([]byte, error) {
	return json.Marshal(wireQuery{ID: q.id, Name: q.name, Qtype: q.qtype})
}

func (fakeCodec) Decode(raw []byte) (response, error) {
	var w wireResponse
	if err := json.Unmarshal(raw, &w); err != nil {
		return response{}, ErrMalformedResponse
	}
	return response{id: w.ID, rcode: w.Rcode, answers: w.Answers}, nil
}

func encodeFakeResponse(t *testing.T, id uint16, rcode int, answers []Record) []byte {
	t.Helper()
	raw, err := json.Marshal(wireResponse{ID: id, Rcode: rcode, Answers: answers})
	require.NoError(t, err)
	return raw
}

func decodeSentQuery(t *testing.T, raw []byte) wireQuery {
	t.Helper()
	var w wireQuery
	require.NoError(t, json.Unmarshal(raw, &w))
	return w
}

func newTestDispatcher() (*QueryDispatcher, *ServerPool) {
	disp := NewQueryDispatcher(fakeCodec{}, 4, nil, nil)
	pool := NewServerPool(nil, disp.handleReceive)
	disp.SetServerPool(pool)
	return disp, pool
}

var testAddr = ServerAddress{IP: net.ParseIP("203.0.113.1"), Port: 53}

func TestSubmitThenMatchingResponseCompletesHandle(t *testing.T) {
	disp, pool := newTestDispatcher()
	pool.Add(testAddr)
	sock := &fakeSocket{}

	handle, err := disp.Submit(context.Background(), sock, testAddr, "example.com.", 1, time.Second)
	require.NoError(t, err)
	require.Equal(t, 1, sock.sentCount())

	sent := decodeSentQuery(t, sock.sent[0])

	raw := encodeFakeResponse(t, sent.ID, 0, []Record{{Name: "example.com.", Type: 1, TTL: 60, IP: []byte{93, 184, 216, 34}}})
	disp.handleReceive(sock, raw)

	select {
	case <-handle.Done():
	case <-time.After(time.Second):
		t.Fatal("handle never completed")
	}
	records, err := handle.Result()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, []byte{93, 184, 216, 34}, records[0].IP)
}

func TestSubmitTimesOutWithNoResponse(t *testing.T) {
	disp, pool := newTestDispatcher()
	pool.Add(testAddr)
	sock := &fakeSocket{}

	handle, err := disp.Submit(context.Background(), sock, testAddr, "slow.example.", 1, 20*time.Millisecond)
	require.NoError(t, err)

	_, err = handle.Wait(context.Background())
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestSubmitSendFailureCompletesWithTransportError(t *testing.T) {
	disp, pool := newTestDispatcher()
	pool.Add(testAddr)
	sock := &failingSocket{}

	handle, err := disp.Submit(context.Background(), sock, testAddr, "example.com.", 1, time.Second)
	require.NoError(t, err)

	_, err = handle.Wait(context.Background())
	assert.ErrorIs(t, err, ErrTransport)
}

func TestNameErrorCompletesWithEmptyList(t *testing.T) {
	disp, pool := newTestDispatcher()
	pool.Add(testAddr)
	sock := &fakeSocket{}

	handle, err := disp.Submit(context.Background(), sock, testAddr, "nope.example.", 1, time.Second)
	require.NoError(t, err)

	sent := decodeSentQuery(t, sock.sent[0])
	disp.handleReceive(sock, encodeFakeResponse(t, sent.ID, 3, nil))

	records, err := handle.Wait(context.Background())
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestServerErrorTriggersFailureButNoRetryAtDispatcherLevel(t *testing.T) {
	disp, pool := newTestDispatcher()
	pool.Add(testAddr)
	sock := &fakeSocket{}

	handle, err := disp.Submit(context.Background(), sock, testAddr, "example.com.", 1, time.Second)
	require.NoError(t, err)

	sent := decodeSentQuery(t, sock.sent[0])
	disp.handleReceive(sock, encodeFakeResponse(t, sent.ID, 2, nil)) // SERVFAIL

	_, err = handle.Wait(context.Background())
	assert.ErrorIs(t, err, ErrServerFailure)
}

func TestDuplicateIDOnSameSocketIsCollision(t *testing.T) {
	disp, pool := newTestDispatcher()
	pool.Add(testAddr)
	sock := &fakeSocket{}

	entry := &pendingEntry{socket: sock, id: 42, handle: newDeferredHandle()}
	require.True(t, disp.register(pendingKey{socket: sock, id: 42}, entry))

	other := &pendingEntry{socket: sock, id: 42, handle: newDeferredHandle()}
	assert.False(t, disp.register(pendingKey{socket: sock, id: 42}, other), "a second entry for the same (socket,id) must be rejected")
}

func TestMultiTypeRaceCompletesOnFirstNonEmptyAnswer(t *testing.T) {
	disp, pool := newTestDispatcher()
	pool.Add(testAddr)
	sock := &fakeSocket{}

	handle, err := disp.SubmitMulti(context.Background(), sock, testAddr, "example.com.", []uint16{1, 28}, time.Second)
	require.NoError(t, err)
	require.Len(t, sock.sent, 2)

	q1 := decodeSentQuery(t, sock.sent[0])
	q28 := decodeSentQuery(t, sock.sent[1])

	// AAAA (type 28) answers first but with NoData - must not win the race.
	disp.handleReceive(sock, encodeFakeResponse(t, q28.ID, 0, nil))
	select {
	case <-handle.Done():
		t.Fatal("NoData must not complete a multi-type race")
	case <-time.After(30 * time.Millisecond):
	}

	// A (type 1) answers with a real record and wins.
	disp.handleReceive(sock, encodeFakeResponse(t, q1.ID, 0, []Record{{Name: "example.com.", Type: 1, TTL: 60, IP: []byte{1, 2, 3, 4}}}))

	records, err := handle.Wait(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, uint16(1), records[0].Type)
}

func TestMultiTypeRaceWinnerCancelsLosingSibling(t *testing.T) {
	disp, pool := newTestDispatcher()
	pool.Add(testAddr)
	sock := &fakeSocket{}

	// A long per-sibling timeout: if the losing AAAA sibling were left in
	// the pending table, this test would have to wait out the full second
	// to observe it firing a spurious failure. It must not still be there
	// right after the race is won.
	handle, err := disp.SubmitMulti(context.Background(), sock, testAddr, "example.com.", []uint16{1, 28}, time.Second)
	require.NoError(t, err)
	require.Len(t, sock.sent, 2)

	q1 := decodeSentQuery(t, sock.sent[0])
	q28 := decodeSentQuery(t, sock.sent[1])

	disp.handleReceive(sock, encodeFakeResponse(t, q1.ID, 0, []Record{{Name: "example.com.", Type: 1, TTL: 60, IP: []byte{1, 2, 3, 4}}}))

	_, err = handle.Wait(context.Background())
	require.NoError(t, err)

	disp.mu.Lock()
	_, stillPending := disp.pending[pendingKey{socket: sock, id: q28.ID}]
	remaining := len(disp.pending)
	disp.mu.Unlock()
	assert.False(t, stillPending, "losing sibling must be removed from the pending table once the race is won")
	assert.Zero(t, remaining, "no pending entries should remain once the group has a winner")
}

func TestFailSocketCompletesBoundEntriesWithServerRetired(t *testing.T) {
	disp, pool := newTestDispatcher()
	pool.Add(testAddr)
	sock := &fakeSocket{}

	handle, err := disp.Submit(context.Background(), sock, testAddr, "example.com.", 1, time.Second)
	require.NoError(t, err)

	disp.failSocket(testAddr, sock)

	_, err = handle.Wait(context.Background())
	assert.ErrorIs(t, err, ErrServerRetired)

	disp.mu.Lock()
	remaining := len(disp.pending)
	disp.mu.Unlock()
	assert.Zero(t, remaining)
}

func TestMultiTypeRaceTimesOutOnlyWhenAllSiblingsTimeOut(t *testing.T) {
	disp, pool := newTestDispatcher()
	pool.Add(testAddr)
	sock := &fakeSocket{}

	handle, err := disp.SubmitMulti(context.Background(), sock, testAddr, "example.com.", []uint16{1, 28}, 20*time.Millisecond)
	require.NoError(t, err)

	_, err = handle.Wait(context.Background())
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestCancelFailsAllSiblingsAndHandle(t *testing.T) {
	disp, pool := newTestDispatcher()
	pool.Add(testAddr)
	sock := &fakeSocket{}

	handle, err := disp.SubmitMulti(context.Background(), sock, testAddr, "example.com.", []uint16{1, 28}, time.Second)
	require.NoError(t, err)

	disp.mu.Lock()
	entries := make([]*pendingEntry, 0, len(disp.pending))
	for _, e := range disp.pending {
		entries = append(entries, e)
	}
	disp.mu.Unlock()
	require.NotEmpty(t, entries)

	disp.Cancel(entries)

	_, err = handle.Wait(context.Background())
	assert.ErrorIs(t, err, ErrCanceled)
}
