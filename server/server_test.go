package server

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"qrpc/message"
	"qrpc/middleware"
	"qrpc/registry"
)

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

type Arith struct{}

func (a *Arith) Add(args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

func (a *Arith) Div(ctx context.Context, args *Args, reply *Reply) error {
	if args.B == 0 {
		return errors.New("divide by zero")
	}
	reply.Result = args.A / args.B
	return nil
}

func (a *Arith) Reverse(args *[]byte, reply *[]byte) error {
	out := make([]byte, len(*args))
	for i, b := range *args {
		out[len(out)-1-i] = b
	}
	*reply = out
	return nil
}

// not exported over RPC: wrong shape
func (a *Arith) Helper() int { return 0 }

func TestRegister(t *testing.T) {
	d := newTestDispatcher(t)
	if err := d.Register(&Arith{}); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"Arith.Add", "Arith.Div", "Arith.Reverse"} {
		if _, _, ok := d.Handler(name); !ok {
			t.Fatalf("expect %s registered", name)
		}
	}
	if _, _, ok := d.Handler("Arith.Helper"); ok {
		t.Fatal("expect Helper skipped")
	}
	if got := d.Services(); len(got) != 1 || got[0] != "Arith" {
		t.Fatalf("expect [Arith], got %v", got)
	}

	if err := d.Register(Arith{}); err == nil {
		t.Fatal("expect error for non-pointer receiver")
	}
	if err := d.RegisterName("Calc", &Arith{}); err != nil {
		t.Fatal(err)
	}
	if _, _, ok := d.Handler("Calc.Add"); !ok {
		t.Fatal("expect Calc.Add registered")
	}
}

func startServer(t *testing.T, svr *Server, reg registry.Registry) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	errc := make(chan error, 1)
	go func() { errc <- svr.ServeListener(l, l.Addr().String(), reg) }()
	t.Cleanup(func() {
		svr.Shutdown(time.Second)
		if err := <-errc; err != nil {
			t.Errorf("serve: %v", err)
		}
	})
	return l.Addr().String()
}

func roundTrip(t *testing.T, conn net.Conn, r *bufio.Reader, line []byte) *message.Frame {
	t.Helper()
	if _, err := conn.Write(line); err != nil {
		t.Fatal(err)
	}
	reply, err := r.ReadBytes('\n')
	if err != nil {
		t.Fatal(err)
	}
	return frames(t, reply)[0]
}

func TestServer(t *testing.T) {
	svr := NewServer(WithLogger(zaptest.NewLogger(t)))
	if err := svr.Register(&Arith{}); err != nil {
		t.Fatal(err)
	}
	addr := startServer(t, svr, nil)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	r := bufio.NewReader(conn)

	f := roundTrip(t, conn, r, request(t, "123", "Arith.Add", &Args{1, 2}))
	result, ok := f.Payload.(map[string]any)
	if f.ID != "123" || f.Status != message.StatusLast || !ok || result["Result"] != float64(3) {
		t.Fatalf("expect Result 3, got %+v", f)
	}

	f = roundTrip(t, conn, r, request(t, "124", "Arith.Div", &Args{1, 0}))
	if f.Status != message.StatusError || f.Error.Message != "divide by zero" {
		t.Fatalf("expect divide by zero, got %+v", f)
	}

	f = roundTrip(t, conn, r, request(t, "125", "Arith.Reverse", []byte{1, 2, 3}))
	if string(f.Blob) != string([]byte{3, 2, 1}) {
		t.Fatalf("expect reversed blob, got %+v", f)
	}
}

type fakeRegistry struct {
	mu           sync.Mutex
	registered   map[string]string
	deregistered []string
}

func (r *fakeRegistry) Register(serviceName string, instance registry.ServiceInstance, ttl int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered[serviceName] = instance.Addr
	return nil
}

func (r *fakeRegistry) Deregister(serviceName string, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deregistered = append(r.deregistered, serviceName)
	return nil
}

func (r *fakeRegistry) Discover(serviceName string) ([]registry.ServiceInstance, error) {
	return nil, nil
}

func (r *fakeRegistry) Watch(serviceName string) <-chan []registry.ServiceInstance {
	return nil
}

func (r *fakeRegistry) Close() error { return nil }

func TestShutdownWaitsForCalls(t *testing.T) {
	svr := NewServer(WithLogger(zaptest.NewLogger(t)))
	svr.Register(&Arith{})
	svr.Advertise("demo")
	started := make(chan struct{})
	svr.AddHandler("slow", func(ctx context.Context, req *message.Frame, res middleware.ResponseWriter, done middleware.Done) {
		close(started)
		go func() {
			time.Sleep(50 * time.Millisecond)
			done(nil, "finished")
		}()
	})

	reg := &fakeRegistry{registered: map[string]string{}}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	errc := make(chan error, 1)
	go func() { errc <- svr.ServeListener(l, "127.0.0.1:9999", reg) }()

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.Write(request(t, "s", "slow", nil))
	<-started

	if err := svr.Shutdown(time.Second); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("serve: %v", err)
	}

	reply, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		t.Fatalf("expect the in-flight reply before close: %v", err)
	}
	if f := frames(t, reply)[0]; f.Payload != "finished" {
		t.Fatalf("expect finished, got %+v", f)
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.registered["Arith"] != "127.0.0.1:9999" || reg.registered["demo"] != "127.0.0.1:9999" {
		t.Fatalf("expect Arith and demo registered, got %v", reg.registered)
	}
	if len(reg.deregistered) != 2 {
		t.Fatalf("expect 2 deregistrations, got %v", reg.deregistered)
	}
}

func TestShutdownTimeout(t *testing.T) {
	svr := NewServer(WithLogger(zaptest.NewLogger(t)))
	svr.AddHandler("never", func(ctx context.Context, req *message.Frame, res middleware.ResponseWriter, done middleware.Done) {})

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go svr.ServeListener(l, "", nil)

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.Write(request(t, "n", "never", nil))
	time.Sleep(20 * time.Millisecond)

	if err := svr.Shutdown(50 * time.Millisecond); err == nil {
		t.Fatal("expect timeout error")
	}
	waitNoConns(t, svr)
}

// waitNoConns waits until svr has released every connection.
func waitNoConns(t *testing.T, svr *Server) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		svr.mu.Lock()
		n := len(svr.conns)
		svr.mu.Unlock()
		if n == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expect every connection released, got %d open", n)
		}
		time.Sleep(time.Millisecond)
	}
}

// 测试对端复位后连接立即释放，不等待未完成的调用
func TestPeerResetReleasesConnection(t *testing.T) {
	svr := NewServer(WithLogger(zaptest.NewLogger(t)))
	svr.AddHandler("never", func(ctx context.Context, req *message.Frame, res middleware.ResponseWriter, done middleware.Done) {})

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	served := make(chan struct{})
	go func() {
		defer close(served)
		svr.ServeListener(l, "", nil)
	}()
	defer func() {
		svr.Shutdown(time.Second)
		<-served
	}()

	conn, err := net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	conn.Write(request(t, "n", "never", nil))
	time.Sleep(20 * time.Millisecond)

	svr.mu.Lock()
	open := len(svr.conns)
	svr.mu.Unlock()
	if open != 1 {
		t.Fatalf("expect one open connection, got %d", open)
	}

	conn.(*net.TCPConn).SetLinger(0)
	conn.Close()
	waitNoConns(t, svr)
}
