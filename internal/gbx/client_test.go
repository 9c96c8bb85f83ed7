package gbx

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer drives the server side of a net.Pipe connection.
type fakeServer struct {
	t    *testing.T
	conn net.Conn

	// calls receives every decoded inbound call with its handle.
	calls chan serverCall
}

type serverCall struct {
	handle uint32
	call   Call
}

func newFakeServer(t *testing.T) (*fakeServer, *Client) {
	t.Helper()
	serverConn, clientConn := net.Pipe()
	srv := &fakeServer{
		t:     t,
		conn:  serverConn,
		calls: make(chan serverCall, 16),
	}
	go srv.readLoop()

	client := newClient(clientConn)
	t.Cleanup(func() {
		client.Close()
		serverConn.Close()
	})
	return srv, client
}

func (s *fakeServer) readLoop() {
	for {
		f, err := readFrame(s.conn)
		if err != nil {
			close(s.calls)
			return
		}
		call, err := DecodeCall(f.payload)
		if err != nil {
			s.t.Errorf("server failed to decode call: %v", err)
			return
		}
		s.calls <- serverCall{handle: f.handle, call: call}
	}
}

func (s *fakeServer) nextCall(t *testing.T) serverCall {
	t.Helper()
	select {
	case sc, ok := <-s.calls:
		require.True(t, ok, "server connection closed")
		return sc
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a call")
		return serverCall{}
	}
}

func (s *fakeServer) respond(handle uint32, payload string) {
	if err := writeFrame(s.conn, handle, []byte(payload)); err != nil {
		s.t.Errorf("server write: %v", err)
	}
}

func (s *fakeServer) pushCallback(payload string) {
	s.respond(0x8000_0000, payload)
}

const intResponse = `<?xml version="1.0"?><methodResponse><params><param><value><int>42</int></value></param></params></methodResponse>`

// Scenario: the handshake banner must be exactly "GBXRemote 2".
func TestHandshake(t *testing.T) {
	banner := func(token string) []byte {
		var buf bytes.Buffer
		binary.Write(&buf, binary.LittleEndian, uint32(len(token)))
		buf.WriteString(token)
		return buf.Bytes()
	}

	good := banner("GBXRemote 2")
	assert.Equal(t,
		[]byte{0x0B, 0x00, 0x00, 0x00, 0x47, 0x42, 0x58, 0x52, 0x65, 0x6D, 0x6F, 0x74, 0x65, 0x20, 0x32},
		good)
	require.NoError(t, readHandshake(bytes.NewReader(good)))

	assert.Error(t, readHandshake(bytes.NewReader(banner("GBXRemote 1"))))
	assert.Error(t, readHandshake(bytes.NewReader(banner(""))))
	assert.Error(t, readHandshake(bytes.NewReader([]byte{0x01})))
}

// Scenario: a response frame carrying the call's handle resolves that
// call with the decoded value.
func TestCorrelatedResponse(t *testing.T) {
	srv, client := newFakeServer(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		v, err := client.Invoke(context.Background(), "GetSomething")
		assert.NoError(t, err)
		assert.Equal(t, Int(42), v)
	}()

	sc := srv.nextCall(t)
	assert.Equal(t, uint32(1), sc.handle, "first outbound handle must be 1")
	assert.Equal(t, "GetSomething", sc.call.Method)
	srv.respond(sc.handle, intResponse)
	<-done
}

// Scenario: a callback arriving while a call is in flight is queued;
// the call stays pending until its own response arrives.
func TestInterleavedCallback(t *testing.T) {
	srv, client := newFakeServer(t)

	result := make(chan error, 1)
	go func() {
		_, err := client.Invoke(context.Background(), "GetSomething")
		result <- err
	}()

	sc := srv.nextCall(t)
	srv.pushCallback(`<?xml version="1.0"?><methodCall><methodName>ManiaPlanet.PlayerDisconnect</methodName><params><param><value><string>abc</string></value></param><param><value><string></string></value></param></params></methodCall>`)

	select {
	case cb := <-client.Callbacks():
		assert.Equal(t, "ManiaPlanet.PlayerDisconnect", cb.Name)
		assert.Equal(t, String("abc"), cb.Args[0])
	case <-time.After(2 * time.Second):
		t.Fatal("callback was not delivered")
	}

	select {
	case err := <-result:
		t.Fatalf("call resolved before its response arrived: %v", err)
	default:
	}

	srv.respond(sc.handle, intResponse)
	require.NoError(t, <-result)
}

// Callback delivery order equals on-wire order.
func TestCallbackOrder(t *testing.T) {
	srv, client := newFakeServer(t)

	logins := []string{"a", "b", "c", "d", "e"}
	for _, login := range logins {
		srv.pushCallback(`<methodCall><methodName>ManiaPlanet.PlayerDisconnect</methodName><params><param><value><string>` + login + `</string></value></param><param><value><string></string></value></param></params></methodCall>`)
	}

	for _, want := range logins {
		select {
		case cb := <-client.Callbacks():
			assert.Equal(t, want, cb.Args[0].Str)
		case <-time.After(2 * time.Second):
			t.Fatalf("callback %q was not delivered", want)
		}
	}
}

// An expired call fails with ErrTimeout; the late response is
// discarded instead of routed, and the connection stays usable.
func TestTimeoutTombstonesHandle(t *testing.T) {
	srv, client := newFakeServer(t)
	client.SetCallTimeout(50 * time.Millisecond)

	_, err := client.Invoke(context.Background(), "Slow")
	require.ErrorIs(t, err, ErrTimeout)
	sc := srv.nextCall(t)

	// Late response for the tombstoned handle: must be swallowed.
	srv.respond(sc.handle, intResponse)

	client.SetCallTimeout(2 * time.Second)
	done := make(chan struct{})
	go func() {
		defer close(done)
		v, err := client.Invoke(context.Background(), "Fast")
		assert.NoError(t, err)
		assert.Equal(t, Int(42), v)
	}()
	sc2 := srv.nextCall(t)
	assert.NotEqual(t, sc.handle, sc2.handle)
	srv.respond(sc2.handle, intResponse)
	<-done
}

// A fault response is delivered to its caller only and is not fatal.
func TestFaultDelivery(t *testing.T) {
	srv, client := newFakeServer(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := client.Invoke(context.Background(), "Bad")
		var fault *Fault
		require.ErrorAs(t, err, &fault)
		assert.Equal(t, -1000, fault.Code)
	}()

	sc := srv.nextCall(t)
	srv.respond(sc.handle, `<methodResponse><fault><value><struct><member><name>faultCode</name><value><int>-1000</int></value></member><member><name>faultString</name><value><string>nope</string></value></member></struct></value></fault></methodResponse>`)
	<-done

	assert.NoError(t, client.Err(), "a fault must not kill the connection")
}

// Transport loss fails all in-flight calls with ErrConnectionLost and
// closes the callback channel.
func TestConnectionLost(t *testing.T) {
	srv, client := newFakeServer(t)

	result := make(chan error, 1)
	go func() {
		_, err := client.Invoke(context.Background(), "Doomed")
		result <- err
	}()
	srv.nextCall(t)

	srv.conn.Close()

	require.ErrorIs(t, <-result, ErrConnectionLost)

	select {
	case _, ok := <-client.Callbacks():
		assert.False(t, ok, "callback channel must be closed")
	case <-time.After(2 * time.Second):
		t.Fatal("callback channel was not closed")
	}

	_, err := client.Invoke(context.Background(), "Anything")
	assert.ErrorIs(t, err, ErrConnectionLost)
}

// Concurrent callers each get their own response.
func TestConcurrentCalls(t *testing.T) {
	srv, client := newFakeServer(t)

	const n = 8
	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			v, err := client.Invoke(context.Background(), "Ping")
			if err == nil && v.Int != 42 {
				results <- assert.AnError
				return
			}
			results <- err
		}()
	}

	for i := 0; i < n; i++ {
		sc := srv.nextCall(t)
		srv.respond(sc.handle, intResponse)
	}
	for i := 0; i < n; i++ {
		require.NoError(t, <-results)
	}
}
