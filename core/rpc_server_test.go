package core

import (
	"net"
	"testing"
	"time"
)

func newLoopbackServer(t *testing.T, cfg RpcServerConfig) (*RpcServer, NodeInfo) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	s := NewRpcServer(conn, cfg)
	t.Cleanup(func() { s.Close() })
	addr := conn.LocalAddr().(*net.UDPAddr)
	return s, NodeInfo{Id: cfg.LocalId, IP: addr.IP, Port: uint16(addr.Port)}
}

func TestRpcServerPingRoundTrip(t *testing.T) {
	serverId := RandomId()
	server, serverInfo := newLoopbackServer(t, RpcServerConfig{
		LocalId: serverId,
		OnRequest: func(msg *Message, from *net.UDPAddr) (interface{}, *ErrorBody) {
			return &PingResponse{}, nil
		},
	})
	_ = server

	clientId := RandomId()
	client, _ := newLoopbackServer(t, RpcServerConfig{LocalId: clientId})

	call := client.SendCall(serverInfo, MethodPing, &PingRequest{})
	select {
	case <-call.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for ping response")
	}
	if call.State() != CallResponded {
		t.Fatalf("expected CallResponded, got %v (err=%v)", call.State(), call.Err())
	}
	if _, ok := call.Response().(*PingResponse); !ok {
		t.Fatalf("expected *PingResponse, got %T", call.Response())
	}
}

func TestRpcServerTimeoutWhenUnreachable(t *testing.T) {
	clientId := RandomId()
	sampler := NewTimeoutSampler(TimeoutSamplerConfig{BinSizeMs: 10, TimeoutMinMs: 0, TimeoutMaxMs: 200, BaselineFloor: 10})
	client, _ := newLoopbackServer(t, RpcServerConfig{LocalId: clientId, Sampler: sampler})

	deadConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	deadAddr := deadConn.LocalAddr().(*net.UDPAddr)
	deadConn.Close()

	target := NodeInfo{Id: RandomId(), IP: deadAddr.IP, Port: uint16(deadAddr.Port)}
	call := client.SendCall(target, MethodPing, &PingRequest{})

	select {
	case <-call.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("expected call to reach a terminal state")
	}
	if call.State() != CallTimeout {
		t.Fatalf("expected CallTimeout, got %v", call.State())
	}
}

func TestRpcServerRejectsBlacklistedHost(t *testing.T) {
	bl := NewBlacklist()
	delivered := false
	server, serverInfo := newLoopbackServer(t, RpcServerConfig{
		LocalId:   RandomId(),
		Blacklist: bl,
		OnRequest: func(msg *Message, from *net.UDPAddr) (interface{}, *ErrorBody) {
			delivered = true
			return &PingResponse{}, nil
		},
	})
	bl.BanHost("127.0.0.1")
	_ = server

	client, _ := newLoopbackServer(t, RpcServerConfig{LocalId: RandomId()})
	call := client.SendCall(serverInfo, MethodPing, &PingRequest{})

	select {
	case <-call.Done():
		t.Fatal("call should not have received a reply from a blacklisted host's server")
	case <-time.After(150 * time.Millisecond):
	}
	if delivered {
		t.Fatal("request should not have reached the handler")
	}
}
