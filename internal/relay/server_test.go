package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/pylonrelay/internal/config"
	"github.com/nextlevelbuilder/pylonrelay/pkg/protocol"
)

func startTestRelay(t *testing.T, cfg *config.RelayConfig) string {
	t.Helper()
	s := NewServer(cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	addr, start := StartTestServer(s, ctx)
	go start()
	time.Sleep(20 * time.Millisecond)
	return addr
}

func dialRelay(t *testing.T, addr string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(fmt.Sprintf("ws://%s/ws", addr), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var f protocol.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatal(err)
	}
	return f
}

func authFrame(t *testing.T, conn *websocket.Conn, p protocol.AuthPayload) {
	t.Helper()
	payload, _ := json.Marshal(p)
	frame := protocol.Frame{Type: protocol.FrameAuth, Payload: payload}
	data, _ := json.Marshal(frame)
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatal(err)
	}
}

func TestPylonAuthSucceedsWithinAllowlist(t *testing.T) {
	cfg := config.DefaultRelay()
	cfg.PylonAllowlist = map[int][]string{1: {"127.0.0.1"}}
	addr := startTestRelay(t, cfg)
	conn := dialRelay(t, addr)

	if f := readFrame(t, conn); f.Type != protocol.FrameConnected {
		t.Fatalf("expected connected frame, got %+v", f)
	}

	authFrame(t, conn, protocol.AuthPayload{DeviceType: protocol.DevicePylon, DeviceIndex: 1})
	f := readFrame(t, conn)
	if f.Type != protocol.FrameAuthResult {
		t.Fatalf("expected auth_result, got %+v", f)
	}
	var result map[string]any
	json.Unmarshal(f.Payload, &result)
	if result["success"] != true {
		t.Fatalf("expected successful auth, got %+v", result)
	}
}

func TestPylonAuthRejectedOutsideAllowlist(t *testing.T) {
	cfg := config.DefaultRelay()
	cfg.PylonAllowlist = map[int][]string{1: {"10.0.0.1"}}
	addr := startTestRelay(t, cfg)
	conn := dialRelay(t, addr)
	readFrame(t, conn) // connected

	authFrame(t, conn, protocol.AuthPayload{DeviceType: protocol.DevicePylon, DeviceIndex: 1})
	f := readFrame(t, conn)
	var result map[string]any
	json.Unmarshal(f.Payload, &result)
	if result["success"] == true {
		t.Fatalf("expected auth rejection, got %+v", result)
	}
}

func TestAppAutoAllocatesDeviceIndex(t *testing.T) {
	addr := startTestRelay(t, config.DefaultRelay())
	conn := dialRelay(t, addr)
	readFrame(t, conn)

	authFrame(t, conn, protocol.AuthPayload{DeviceType: protocol.DeviceApp})
	f := readFrame(t, conn)
	var result map[string]any
	json.Unmarshal(f.Payload, &result)
	if result["success"] != true {
		t.Fatalf("expected successful app auth, got %+v", result)
	}
}

func TestViewerRequiresShareID(t *testing.T) {
	addr := startTestRelay(t, config.DefaultRelay())
	conn := dialRelay(t, addr)
	readFrame(t, conn)

	authFrame(t, conn, protocol.AuthPayload{DeviceType: protocol.DeviceViewer})
	f := readFrame(t, conn)
	var result map[string]any
	json.Unmarshal(f.Payload, &result)
	if result["success"] == true {
		t.Fatal("expected viewer auth without shareId to fail")
	}
}

func TestPylonReceivesAppMessageViaTypeDefaultRouting(t *testing.T) {
	cfg := config.DefaultRelay()
	addr := startTestRelay(t, cfg)

	pylonConn := dialRelay(t, addr)
	readFrame(t, pylonConn)
	authFrame(t, pylonConn, protocol.AuthPayload{DeviceType: protocol.DevicePylon, DeviceIndex: 1})
	readFrame(t, pylonConn) // auth_result
	readFrame(t, pylonConn) // device_status broadcast from its own auth

	appConn := dialRelay(t, addr)
	readFrame(t, appConn)
	authFrame(t, appConn, protocol.AuthPayload{DeviceType: protocol.DeviceApp})
	readFrame(t, appConn) // auth_result
	readFrame(t, pylonConn) // device_status broadcast from app's auth

	msg := protocol.Frame{Type: "send_message", Payload: json.RawMessage(`{"text":"hi"}`)}
	data, _ := json.Marshal(msg)
	if err := appConn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatal(err)
	}

	f := readFrame(t, pylonConn)
	if f.Type != "send_message" {
		t.Fatalf("expected send_message routed to pylon, got %+v", f)
	}
}

// TestToAddressedFrameRoutesByAuthResultDeviceID verifies a client can
// address another device using exactly the deviceId it was handed back in
// auth_result (§6.5), and that a frame addressed this way reaches only
// that device.
func TestToAddressedFrameRoutesByAuthResultDeviceID(t *testing.T) {
	cfg := config.DefaultRelay()
	addr := startTestRelay(t, cfg)

	pylonConn := dialRelay(t, addr)
	readFrame(t, pylonConn) // connected
	authFrame(t, pylonConn, protocol.AuthPayload{DeviceType: protocol.DevicePylon, DeviceIndex: 1})
	authResult := readFrame(t, pylonConn)
	var result map[string]any
	json.Unmarshal(authResult.Payload, &result)
	device, _ := result["device"].(map[string]any)
	pylonDeviceID := fmt.Sprintf("%v", int(device["deviceId"].(float64)))
	readFrame(t, pylonConn) // device_status from its own auth

	appConn := dialRelay(t, addr)
	readFrame(t, appConn) // connected
	authFrame(t, appConn, protocol.AuthPayload{DeviceType: protocol.DeviceApp})
	readFrame(t, appConn) // auth_result
	readFrame(t, pylonConn) // device_status from app's auth

	otherAppConn := dialRelay(t, addr)
	readFrame(t, otherAppConn) // connected
	authFrame(t, otherAppConn, protocol.AuthPayload{DeviceType: protocol.DeviceApp})
	readFrame(t, otherAppConn) // auth_result
	readFrame(t, pylonConn)    // device_status from other app's auth
	readFrame(t, appConn)      // device_status from other app's auth

	msg := protocol.Frame{Type: "send_message", To: pylonDeviceID, Payload: json.RawMessage(`{"text":"hi"}`)}
	data, _ := json.Marshal(msg)
	if err := appConn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatal(err)
	}

	f := readFrame(t, pylonConn)
	if f.Type != "send_message" || f.To != pylonDeviceID {
		t.Fatalf("expected to-addressed send_message delivered to pylon, got %+v", f)
	}

	otherAppConn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := otherAppConn.ReadMessage(); err == nil {
		t.Fatal("expected no frame delivered to a device not matching frame.To")
	}
}
