package test

import (
	"context"
	"net"
	"testing"
	"time"

	"qrpc/client"
	"qrpc/codec"
	"qrpc/message"
	"qrpc/server"
)

// ---- Setup 公共函数 ----

func setupServerAndClient(b *testing.B) *client.Client {
	svr := server.NewServer()
	if err := svr.Register(&Arith{}); err != nil {
		b.Fatal(err)
	}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		b.Fatal(err)
	}
	addr := l.Addr().String()
	reg := NewMockRegistry()
	go svr.ServeListener(l, addr, reg)

	cli := client.NewClient(reg, client.WithPoolSize(8))
	b.Cleanup(func() {
		cli.Close()
		svr.Shutdown(3 * time.Second)
	})

	// wait for the server to announce itself
	for {
		if insts, _ := reg.Discover("Arith"); len(insts) > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	return cli
}

// ---- Benchmark ----

// 场景1: 单 goroutine 串行调用
func BenchmarkSerialCall(b *testing.B) {
	cli := setupServerAndClient(b)
	ctx := context.Background()

	args := &Args{A: 1, B: 2}
	reply := &Reply{}
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		if err := cli.Call(ctx, "Arith.Add", args, reply); err != nil {
			b.Fatal(err)
		}
	}
}

// 场景2: 多 goroutine 并发调用（体现多路复用优势）
func BenchmarkConcurrentCall(b *testing.B) {
	cli := setupServerAndClient(b)
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		args := &Args{A: 1, B: 2}
		reply := &Reply{}
		for pb.Next() {
			if err := cli.Call(ctx, "Arith.Add", args, reply); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

// 场景3: 行编解码性能（不走网络，纯 codec）
func BenchmarkLineCodec(b *testing.B) {
	cdc := codec.NewLineCodec(nil)
	req := message.NewRequest("5f2c", "Arith.Add", map[string]any{"A": 1, "B": 2})

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		line, err := cdc.Encode(req)
		if err != nil {
			b.Fatal(err)
		}
		if _, err := cdc.Decode(line); err != nil {
			b.Fatal(err)
		}
	}
}

// 场景4: 二进制负载编解码（base64 尾部字段）
func BenchmarkLineCodecBlob(b *testing.B) {
	cdc := codec.NewLineCodec(nil)
	req := message.NewRequest("5f2c", "upload", make([]byte, 4096))

	b.SetBytes(4096)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		line, err := cdc.Encode(req)
		if err != nil {
			b.Fatal(err)
		}
		if _, err := cdc.Decode(line); err != nil {
			b.Fatal(err)
		}
	}
}
