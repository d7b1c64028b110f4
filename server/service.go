package server

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"qrpc/codec"
	"qrpc/message"
	"qrpc/middleware"
)

type methodType struct {
	method    reflect.Method
	withCtx   bool // Method takes a leading context.Context
	ArgType   reflect.Type
	ReplyType reflect.Type
}

type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	bytesType   = reflect.TypeOf([]byte(nil))
)

// newService builds a service from rcvr and scans its exported methods.
// An empty name selects the receiver's type name.
func newService(name string, rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("qrpc: rcvr must be a pointer, got %v", typ)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("qrpc: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}
	if name == "" {
		name = typ.Elem().Name()
	}
	svc := &service{
		name:   name,
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	svc.registerMethods()
	if len(svc.method) == 0 {
		return nil, fmt.Errorf("qrpc: type %s has no exported methods of suitable type", typ)
	}
	return svc, nil
}

// registerMethods keeps exported methods shaped like
//
//	func (r *T) Method(args *A, reply *R) error
//	func (r *T) Method(ctx context.Context, args *A, reply *R) error
func (s *service) registerMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		mt := method.Type
		if mt.NumOut() != 1 || mt.Out(0) != errorType {
			continue
		}
		first := 1
		switch {
		case mt.NumIn() == 4 && mt.In(1) == contextType:
			first = 2
		case mt.NumIn() != 3:
			continue
		}
		if mt.In(first).Kind() != reflect.Ptr || mt.In(first+1).Kind() != reflect.Ptr {
			continue
		}
		s.method[method.Name] = &methodType{
			method:    method,
			withCtx:   first == 2,
			ArgType:   mt.In(first).Elem(),
			ReplyType: mt.In(first + 1).Elem(),
		}
	}
}

// call invokes the method via reflection.
func (s *service) call(ctx context.Context, m *methodType, argv, replyv reflect.Value) error {
	args := make([]reflect.Value, 0, 4)
	args = append(args, s.rcvr)
	if m.withCtx {
		args = append(args, reflect.ValueOf(ctx))
	}
	args = append(args, argv, replyv)
	results := m.method.Func.Call(args)
	if !results[0].IsNil() {
		return results[0].Interface().(error)
	}
	return nil
}

// handler adapts one method to a HandlerFunc. The request payload is decoded
// into a fresh *A and the filled *R is sent as the terminal payload.
func (s *service) handler(values codec.Codec, m *methodType) middleware.HandlerFunc {
	return func(ctx context.Context, req *message.Frame, res middleware.ResponseWriter, done middleware.Done) {
		argv := reflect.New(m.ArgType)
		if err := decodeArgs(values, req, argv); err != nil {
			done(fmt.Errorf("%s.%s: %w", s.name, m.method.Name, err))
			return
		}
		replyv := reflect.New(m.ReplyType)
		if err := s.call(ctx, m, argv, replyv); err != nil {
			done(err)
			return
		}
		done(nil, replyv.Elem().Interface())
	}
}

var errBlobArgs = errors.New("binary payload needs a []byte argument")

// decodeArgs fills argv from the request. Structured payloads were already
// decoded into generic values, so they are re-encoded and decoded into the
// concrete type.
func decodeArgs(values codec.Codec, req *message.Frame, argv reflect.Value) error {
	if req.Blob != nil {
		if argv.Elem().Type() != bytesType {
			return errBlobArgs
		}
		argv.Elem().SetBytes(req.Blob)
		return nil
	}
	if !req.HasPayload || req.Payload == nil {
		return nil
	}
	data, err := values.Encode(req.Payload)
	if err != nil {
		return err
	}
	return values.Decode(data, argv.Interface())
}

// Register publishes the receiver's methods as handlers named "Type.Method".
func (d *Dispatcher) Register(rcvr any) error {
	return d.RegisterName("", rcvr)
}

// RegisterName is like Register but uses name instead of the receiver's type name.
func (d *Dispatcher) RegisterName(name string, rcvr any) error {
	svc, err := newService(name, rcvr)
	if err != nil {
		return err
	}
	values := d.codec.Values()
	for methodName, m := range svc.method {
		if err := d.AddHandler(svc.name+"."+methodName, svc.handler(values, m)); err != nil {
			return err
		}
	}
	d.mu.Lock()
	d.services[svc.name] = svc
	d.mu.Unlock()
	return nil
}

// Services returns the names of the registered services.
func (d *Dispatcher) Services() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.services))
	for name := range d.services {
		names = append(names, name)
	}
	return names
}
