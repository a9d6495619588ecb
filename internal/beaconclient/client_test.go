package beaconclient

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/nextlevelbuilder/pylonrelay/internal/ids"
	"github.com/nextlevelbuilder/pylonrelay/internal/netutil"
	"github.com/nextlevelbuilder/pylonrelay/internal/provideradapter"
	"github.com/nextlevelbuilder/pylonrelay/pkg/protocol"
)

// fakeBeacon is a minimal in-test stand-in for beacon.Server: it accepts
// one connection at a time and replies to register/query/lookup actions
// the way the real Beacon does, without any Pylon registry bookkeeping.
type fakeBeacon struct {
	ln net.Listener
}

func startFakeBeacon(t *testing.T) *fakeBeacon {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	fb := &fakeBeacon{ln: ln}
	t.Cleanup(func() { ln.Close() })
	return fb
}

func (fb *fakeBeacon) addr() string { return fb.ln.Addr().String() }

// serveRegisterThenQuery accepts the registration connection, acks it,
// then streams the given response frames back for the next query.
func (fb *fakeBeacon) serveRegisterThenQuery(t *testing.T, frames []protocol.BeaconResponse) {
	t.Helper()
	go func() {
		conn, err := fb.ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		fc := netutil.NewFrameConn(conn)

		var req protocol.BeaconRequest
		if err := fc.ReadJSON(&req); err != nil || req.Action != protocol.ActionRegister {
			return
		}
		fc.WriteJSON(protocol.BeaconResponse{Type: protocol.ResponseOK})

		if err := fc.ReadJSON(&req); err != nil || req.Action != protocol.ActionQuery {
			return
		}
		for _, f := range frames {
			f.ConvID = req.ConvID
			if err := fc.WriteJSON(f); err != nil {
				return
			}
		}
	}()
}

// serveLookup accepts a single connection and answers one lookup request.
func (fb *fakeBeacon) serveLookup(t *testing.T, convID uint32) {
	t.Helper()
	go func() {
		conn, err := fb.ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		fc := netutil.NewFrameConn(conn)

		var req protocol.BeaconRequest
		if err := fc.ReadJSON(&req); err != nil || req.Action != protocol.ActionLookup {
			return
		}
		fc.WriteJSON(protocol.BeaconResponse{Success: true, ConvID: convID})
	}()
}

func TestDialRegisters(t *testing.T) {
	fb := startFakeBeacon(t)
	fb.serveRegisterThenQuery(t, nil)

	c, err := Dial(fb.addr(), 3, "127.0.0.1", 9000)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
}

func TestQueryStreamsEnvelopesAndClosesOnResult(t *testing.T) {
	fb := startFakeBeacon(t)

	resultMsg := `{"result":{"subtype":"success","numTurns":1}}`
	textMsg := `{"assistant":{"content":[{"type":"text","text":"hi"}]}}`
	fb.serveRegisterThenQuery(t, []protocol.BeaconResponse{
		{Type: protocol.ResponseEvent, Message: []byte(textMsg)},
		{Type: protocol.ResponseEvent, Message: []byte(resultMsg)},
	})

	c, err := Dial(fb.addr(), 1, "127.0.0.1", 9000)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	ctx := WithConvID(context.Background(), ids.ConvId(42))
	ch, err := c.Query(ctx, provideradapter.QueryParams{Prompt: "hello"})
	if err != nil {
		t.Fatal(err)
	}

	var envelopes []provideradapter.Envelope
	for env := range ch {
		envelopes = append(envelopes, env)
	}
	if len(envelopes) != 2 {
		t.Fatalf("expected 2 envelopes, got %d", len(envelopes))
	}
	if envelopes[0].Assistant == nil || envelopes[0].Assistant.Content[0].Text != "hi" {
		t.Fatalf("expected assistant text envelope, got %+v", envelopes[0])
	}
	if envelopes[1].Result == nil {
		t.Fatalf("expected terminal result envelope, got %+v", envelopes[1])
	}
}

func TestQueryHandlesPermissionRequestWithCanUseTool(t *testing.T) {
	fb := startFakeBeacon(t)
	go func() {
		conn, err := fb.ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		fc := netutil.NewFrameConn(conn)

		var req protocol.BeaconRequest
		fc.ReadJSON(&req) // register
		fc.WriteJSON(protocol.BeaconResponse{Type: protocol.ResponseOK})

		fc.ReadJSON(&req) // query
		fc.WriteJSON(protocol.BeaconResponse{
			Type:      protocol.ResponsePermissionRequest,
			ConvID:    req.ConvID,
			ToolUseID: "perm_1",
			ToolName:  "Bash",
			ToolInput: []byte(`{"command":"ls"}`),
		})

		var permResp protocol.BeaconRequest
		if err := fc.ReadJSON(&permResp); err != nil {
			return
		}
		if permResp.Action != protocol.ActionPermissionResponse || permResp.Behavior != "allow" {
			t.Errorf("expected allow permission_response, got %+v", permResp)
			return
		}
		fc.WriteJSON(protocol.BeaconResponse{
			Type:   protocol.ResponseEvent,
			ConvID: req.ConvID,
			Message: []byte(`{"result":{"subtype":"success"}}`),
		})
	}()

	c, err := Dial(fb.addr(), 1, "127.0.0.1", 9000)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	called := make(chan string, 1)
	canUseTool := func(ctx context.Context, toolName string, input map[string]any, toolUseID string) (provideradapter.Decision, error) {
		called <- toolUseID
		return provideradapter.Decision{Behavior: "allow", UpdatedInput: input}, nil
	}

	ch, err := c.Query(context.Background(), provideradapter.QueryParams{Prompt: "run ls", CanUseTool: canUseTool})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case id := <-called:
		if id != "perm_1" {
			t.Fatalf("unexpected toolUseId %q", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("canUseTool was never invoked")
	}

	for range ch {
	}
}

func TestLookupDialsFreshConnection(t *testing.T) {
	fb := startFakeBeacon(t)
	fb.serveRegisterThenQuery(t, nil)

	c, err := Dial(fb.addr(), 1, "127.0.0.1", 9000)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	fb.serveLookup(t, 99)

	convID, err := c.Lookup(context.Background(), "tu1")
	if err != nil {
		t.Fatal(err)
	}
	if convID != ids.ConvId(99) {
		t.Fatalf("expected convId 99, got %d", convID)
	}
}
