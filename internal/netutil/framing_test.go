package netutil

import (
	"net"
	"testing"
)

type greeting struct {
	Name string `json:"name"`
}

func TestFrameConnRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	serverDone := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverDone <- err
			return
		}
		defer conn.Close()
		fc := NewFrameConn(conn)
		var g greeting
		if err := fc.ReadJSON(&g); err != nil {
			serverDone <- err
			return
		}
		serverDone <- fc.WriteJSON(greeting{Name: "echo:" + g.Name})
	}()

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer clientConn.Close()
	client := NewFrameConn(clientConn)

	if err := client.WriteJSON(greeting{Name: "hello"}); err != nil {
		t.Fatal(err)
	}

	var reply greeting
	if err := client.ReadJSON(&reply); err != nil {
		t.Fatal(err)
	}
	if reply.Name != "echo:hello" {
		t.Fatalf("got %q", reply.Name)
	}
	if err := <-serverDone; err != nil {
		t.Fatal(err)
	}
}

func TestFrameConnReadJSONEOFOnClose(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Close()
	}()

	clientConn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer clientConn.Close()
	client := NewFrameConn(clientConn)

	var g greeting
	if err := client.ReadJSON(&g); err == nil {
		t.Fatal("expected EOF-like error after peer close")
	}
}
