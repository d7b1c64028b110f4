package test

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"qrpc/client"
	"qrpc/loadbalance"
	"qrpc/message"
	"qrpc/middleware"
	"qrpc/registry"
	"qrpc/server"
)

// startServer serves Arith on a loopback port announced through reg.
func startServer(t *testing.T, reg registry.Registry, opts ...server.Option) (*server.Server, string) {
	t.Helper()
	svr := server.NewServer(append([]server.Option{server.WithLogger(zaptest.NewLogger(t))}, opts...)...)
	if err := svr.Register(&Arith{}); err != nil {
		t.Fatal(err)
	}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := svr.ServeListener(l, addr, reg); err != nil {
			t.Errorf("serve: %v", err)
		}
	}()
	t.Cleanup(func() {
		svr.Shutdown(3 * time.Second)
		<-done
	})
	return svr, addr
}

func waitRegistered(t *testing.T, reg registry.Registry, service string, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		insts, err := reg.Discover(service)
		if err == nil && len(insts) >= n {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expect %d instances of %s, got %d (%v)", n, service, len(insts), err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// TestFullIntegration 完整端到端测试
// 链路: Client → Registry → LB → Pool → Correlator → Codec → Middleware → Server → 反射调用
func TestFullIntegration(t *testing.T) {
	reg := NewMockRegistry()
	svr, _ := startServer(t, reg)
	svr.Use(middleware.LoggingMiddleware(zaptest.NewLogger(t)))
	svr.Use(middleware.TimeOutMiddleware(time.Second))
	waitRegistered(t, reg, "Arith", 1)

	cli := client.NewClient(reg, client.WithBalancer(&loadbalance.RoundRobinBalancer{}))
	defer cli.Close()

	reply := &Reply{}
	if err := cli.Call(context.Background(), "Arith.Add", &Args{A: 3, B: 5}, reply); err != nil {
		t.Fatalf("Call Add failed: %v", err)
	}
	if reply.Result != 8 {
		t.Fatalf("Add: expect 8, got %d", reply.Result)
	}

	reply2 := &Reply{}
	if err := cli.Call(context.Background(), "Arith.Multiply", &Args{A: 4, B: 6}, reply2); err != nil {
		t.Fatalf("Call Multiply failed: %v", err)
	}
	if reply2.Result != 24 {
		t.Fatalf("Multiply: expect 24, got %d", reply2.Result)
	}

	err := cli.Call(context.Background(), "Arith.Div", &Args{A: 4}, &Reply{})
	var remote *message.RemoteError
	if !errors.As(err, &remote) || !strings.Contains(remote.Error(), "divide by zero") {
		t.Fatalf("Div: expect remote divide by zero, got %v", err)
	}
}

// TestRateLimitedServer 限流中间件返回 ERATELIMIT 错误帧
func TestRateLimitedServer(t *testing.T) {
	reg := NewMockRegistry()
	svr, _ := startServer(t, reg)
	svr.Use(middleware.RateLimitMiddleware(0.001, 1))
	waitRegistered(t, reg, "Arith", 1)

	cli := client.NewClient(reg, client.WithRetry(0, 0))
	defer cli.Close()

	if err := cli.Call(context.Background(), "Arith.Add", &Args{A: 1, B: 1}, &Reply{}); err != nil {
		t.Fatalf("first call within burst failed: %v", err)
	}
	err := cli.Call(context.Background(), "Arith.Add", &Args{A: 1, B: 1}, &Reply{})
	var remote *message.RemoteError
	if !errors.As(err, &remote) || remote.Code() != "ERATELIMIT" {
		t.Fatalf("expect ERATELIMIT, got %v", err)
	}
}

// TestMultiServer 多实例 + 负载均衡 + 优雅下线
func TestMultiServer(t *testing.T) {
	reg := NewMockRegistry()
	svr1, addr1 := startServer(t, reg)
	startServer(t, reg)
	waitRegistered(t, reg, "Arith", 2)

	cli := client.NewClient(reg, client.WithBalancer(&loadbalance.WeightedRandomBalancer{}))
	defer cli.Close()

	// 发 10 个请求，验证全部正确
	for i := 1; i <= 10; i++ {
		reply := &Reply{}
		if err := cli.Call(context.Background(), "Arith.Add", &Args{A: i, B: i * 10}, reply); err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		if expected := i + i*10; reply.Result != expected {
			t.Fatalf("request %d: expect %d, got %d", i, expected, reply.Result)
		}
	}

	// 下线一个实例后请求仍然成功
	if err := svr1.Shutdown(3 * time.Second); err != nil {
		t.Fatal(err)
	}
	insts, _ := reg.Discover("Arith")
	if len(insts) != 1 || insts[0].Addr == addr1 {
		t.Fatalf("expect only the second instance registered, got %v", insts)
	}
	for i := 0; i < 5; i++ {
		reply := &Reply{}
		if err := cli.Call(context.Background(), "Arith.Add", &Args{A: i, B: 1}, reply); err != nil {
			t.Fatalf("request after shutdown failed: %v", err)
		}
	}
}

// TestFullIntegrationWithEtcd 通过 etcd 完成服务发现，没有 etcd 时跳过
func TestFullIntegrationWithEtcd(t *testing.T) {
	reg, err := registry.NewEtcdRegistry([]string{"127.0.0.1:2379"},
		registry.WithPrefix("/qrpc-integration"),
		registry.WithDialTimeout(time.Second))
	if err != nil {
		t.Skipf("etcd not available: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	if _, err := reg.Discover("Arith"); err != nil {
		t.Skipf("etcd not available: %v", err)
	}

	startServer(t, reg)
	startServer(t, reg)
	waitRegistered(t, reg, "Arith", 2)

	cli := client.NewClient(reg)
	defer cli.Close()
	for i := 1; i <= 10; i++ {
		reply := &Reply{}
		if err := cli.Call(context.Background(), "Arith.Add", &Args{A: i, B: i * 10}, reply); err != nil {
			t.Fatalf("request %d failed: %v", i, err)
		}
		if expected := i + i*10; reply.Result != expected {
			t.Fatalf("request %d: expect %d, got %d", i, expected, reply.Result)
		}
	}
}
