package registry

import (
	"context"
	"testing"
	"time"
)

// newTestRegistry connects to a local etcd, skipping the test when none is running.
func newTestRegistry(t *testing.T) *EtcdRegistry {
	t.Helper()
	reg, err := NewEtcdRegistry([]string{"localhost:2379"},
		WithPrefix("/qrpc-test/"+t.Name()),
		WithDialTimeout(time.Second))
	if err != nil {
		t.Skipf("etcd not available: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := reg.client.Status(ctx, "localhost:2379"); err != nil {
		reg.Close()
		t.Skipf("etcd not available: %v", err)
	}
	t.Cleanup(func() { reg.Close() })
	return reg
}

func TestRegisterAndDiscover(t *testing.T) {
	reg := newTestRegistry(t)

	// Register two instances
	inst1 := ServiceInstance{Addr: "127.0.0.1:8001", Weight: 10, Version: "1.0"}
	inst2 := ServiceInstance{Addr: "127.0.0.1:8002", Weight: 5, Version: "1.0"}

	if err := reg.Register("Arith", inst1, 10); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register("Arith", inst2, 10); err != nil {
		t.Fatal(err)
	}

	instances, err := reg.Discover("Arith")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 2 {
		t.Fatalf("expect 2 instances, got %d", len(instances))
	}

	// Deregister one
	if err := reg.Deregister("Arith", inst1.Addr); err != nil {
		t.Fatal(err)
	}

	instances, err = reg.Discover("Arith")
	if err != nil {
		t.Fatal(err)
	}
	if len(instances) != 1 {
		t.Fatalf("expect 1 instance after deregister, got %d", len(instances))
	}
	if instances[0] != inst2 {
		t.Fatalf("expect %+v, got %+v", inst2, instances[0])
	}

	reg.Deregister("Arith", inst2.Addr)
}

func TestWatch(t *testing.T) {
	reg := newTestRegistry(t)
	ch := reg.Watch("Echo")
	time.Sleep(100 * time.Millisecond)

	inst := ServiceInstance{Addr: "127.0.0.1:9001", Weight: 1}
	if err := reg.Register("Echo", inst, 10); err != nil {
		t.Fatal(err)
	}
	select {
	case got := <-ch:
		if len(got) != 1 || got[0].Addr != inst.Addr {
			t.Fatalf("expect [%s], got %+v", inst.Addr, got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("expect a watch update after register")
	}
	reg.Deregister("Echo", inst.Addr)
}
