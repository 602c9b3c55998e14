package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"testing"
	"time"
)

// fakeServer answers JSON-RPC frames on in-process pipes.
type fakeServer struct {
	in  *io.PipeReader // frames from the client
	out *io.PipeWriter // frames to the client
}

// pipeTransportPair wires a transport to a fake server. Cleanup closes the
// server side first so the transport read loop can exit.
func pipeTransportPair(t *testing.T, cfg *ServerConfig) (*transport, *fakeServer) {
	t.Helper()
	clientToServer, stdin := io.Pipe()
	stdout, serverToClient := io.Pipe()
	tr := newPipeTransport(cfg, stdin, stdout)
	srv := &fakeServer{in: clientToServer, out: serverToClient}
	t.Cleanup(func() {
		srv.out.Close()
		srv.in.Close()
		tr.close()
	})
	return tr, srv
}

func (s *fakeServer) writeLine(line string) {
	fmt.Fprintln(s.out, line)
}

func (s *fakeServer) respond(id int64, result string) {
	s.writeLine(fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":%s}`, id, result))
}

// readRequest blocks until the client sends a frame.
func (s *fakeServer) readRequest(t *testing.T, scanner *bufio.Scanner) Request {
	t.Helper()
	if !scanner.Scan() {
		t.Fatal("no request received")
	}
	var req Request
	if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
		t.Fatalf("malformed request: %v", err)
	}
	return req
}

func testConfig() *ServerConfig {
	return &ServerConfig{Name: "test", Command: "provider", Timeout: time.Second}
}

func TestTransport_OutOfOrderResponses(t *testing.T) {
	tr, srv := pipeTransportPair(t, testConfig())

	scanner := bufio.NewScanner(srv.in)

	type callResult struct {
		result json.RawMessage
		err    error
	}
	results := make(chan callResult, 2)

	call := func(method string) {
		result, err := tr.call(context.Background(), method, nil)
		results <- callResult{result, err}
	}
	go call("first")
	req1 := srv.readRequest(t, scanner)
	go call("second")
	req2 := srv.readRequest(t, scanner)

	// Malformed frame between valid ones must be ignored.
	srv.writeLine(`{not json`)

	// Reply to the second request first.
	id2 := int64(req2.ID.(float64))
	id1 := int64(req1.ID.(float64))
	srv.respond(id2, `{"order":"second"}`)
	srv.respond(id1, `{"order":"first"}`)

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case res := <-results:
			if res.err != nil {
				t.Fatalf("call failed: %v", res.err)
			}
			var payload struct {
				Order string `json:"order"`
			}
			if err := json.Unmarshal(res.result, &payload); err != nil {
				t.Fatalf("bad result: %v", err)
			}
			seen[payload.Order] = true
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for responses")
		}
	}
	if !seen["first"] || !seen["second"] {
		t.Errorf("expected both responses, got %v", seen)
	}
}

func TestTransport_RequestIDsIncrease(t *testing.T) {
	tr, srv := pipeTransportPair(t, testConfig())

	scanner := bufio.NewScanner(srv.in)

	done := make(chan struct{})
	go func() {
		tr.call(context.Background(), "a", nil)
		tr.call(context.Background(), "b", nil)
		close(done)
	}()

	first := srv.readRequest(t, scanner)
	srv.respond(int64(first.ID.(float64)), `{}`)
	second := srv.readRequest(t, scanner)
	srv.respond(int64(second.ID.(float64)), `{}`)

	if first.ID.(float64) >= second.ID.(float64) {
		t.Errorf("request ids must increase: %v then %v", first.ID, second.ID)
	}
	<-done
}

func TestTransport_NotificationDispatch(t *testing.T) {
	tr, srv := pipeTransportPair(t, testConfig())

	srv.writeLine(`{"jsonrpc":"2.0","method":"progress","params":{"pct":50}}`)

	select {
	case notif := <-tr.notifications():
		if notif.Method != "progress" {
			t.Errorf("expected progress notification, got %q", notif.Method)
		}
	case <-time.After(time.Second):
		t.Fatal("notification not delivered")
	}
}

func TestTransport_Timeout(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 20 * time.Millisecond
	tr, srv := pipeTransportPair(t, cfg)

	// Drain the request but never answer.
	go bufio.NewScanner(srv.in).Scan()

	_, err := tr.call(context.Background(), "slow", nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestTransport_PendingRejectedOnEOF(t *testing.T) {
	tr, srv := pipeTransportPair(t, testConfig())

	scanner := bufio.NewScanner(srv.in)
	errs := make(chan error, 1)
	go func() {
		_, err := tr.call(context.Background(), "doomed", nil)
		errs <- err
	}()
	srv.readRequest(t, scanner)

	// Provider dies: stdout closes mid-request.
	srv.out.Close()

	select {
	case err := <-errs:
		if err == nil {
			t.Fatal("expected error when provider exits")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending request not rejected on EOF")
	}
	if tr.isConnected() {
		t.Error("transport must be disconnected after EOF")
	}
}

func TestTransport_RPCError(t *testing.T) {
	tr, srv := pipeTransportPair(t, testConfig())

	scanner := bufio.NewScanner(srv.in)
	errs := make(chan error, 1)
	go func() {
		_, err := tr.call(context.Background(), "bad", nil)
		errs <- err
	}()
	req := srv.readRequest(t, scanner)
	srv.writeLine(fmt.Sprintf(`{"jsonrpc":"2.0","id":%v,"error":{"code":-32602,"message":"invalid params"}}`, req.ID))

	err := <-errs
	rpcErr, ok := err.(*RPCError)
	if !ok {
		t.Fatalf("expected *RPCError, got %T: %v", err, err)
	}
	if rpcErr.Code != ErrCodeInvalidParams {
		t.Errorf("expected code %d, got %d", ErrCodeInvalidParams, rpcErr.Code)
	}
}
