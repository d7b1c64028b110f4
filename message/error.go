package message

import (
	"encoding/json"
	"errors"
	"maps"
)

// Optional behaviours an error may implement to enrich its transport record.
type (
	Coder   interface{ Code() any }
	Stacker interface{ Stack() string }
	Fielder interface{ Fields() map[string]any }
)

// ErrorRecord is the plain, serializable form of an error as it travels in the
// "e" field. On the wire it is a flat object: message, code and stack sit next
// to any extra fields.
type ErrorRecord struct {
	Message string
	Code    any
	Stack   string
	Fields  map[string]any
}

func (r *ErrorRecord) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Fields)+3)
	maps.Copy(out, r.Fields)
	out["message"] = r.Message
	if r.Code != nil {
		out["code"] = r.Code
	}
	if r.Stack != "" {
		out["stack"] = r.Stack
	}
	return json.Marshal(out)
}

func (r *ErrorRecord) UnmarshalJSON(data []byte) error {
	var in map[string]any
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*r = ErrorRecord{}
	if m, ok := in["message"].(string); ok {
		r.Message = m
	}
	r.Code = in["code"]
	if s, ok := in["stack"].(string); ok {
		r.Stack = s
	}
	delete(in, "message")
	delete(in, "code")
	delete(in, "stack")
	if len(in) > 0 {
		r.Fields = in
	}
	return nil
}

func (r *ErrorRecord) clone() *ErrorRecord {
	c := *r
	if r.Fields != nil {
		c.Fields = maps.Clone(r.Fields)
	}
	return &c
}

// ToTransport converts err into a record. Errors that came off the wire are
// copied as-is so that a round trip is lossless.
func ToTransport(err error) *ErrorRecord {
	if err == nil {
		return nil
	}
	if remote, ok := err.(*RemoteError); ok && remote.Record != nil {
		return remote.Record.clone()
	}
	rec := &ErrorRecord{Message: err.Error()}
	var c Coder
	if errors.As(err, &c) {
		rec.Code = c.Code()
	}
	var s Stacker
	if errors.As(err, &s) {
		rec.Stack = s.Stack()
	}
	var f Fielder
	if errors.As(err, &f) {
		if fields := f.Fields(); len(fields) > 0 {
			rec.Fields = maps.Clone(fields)
		}
	}
	return rec
}

// FromTransport rebuilds an error value from a record received from a peer.
func FromTransport(rec *ErrorRecord) error {
	if rec == nil {
		return nil
	}
	return &RemoteError{Record: rec.clone()}
}

// RemoteError is an error reported by the peer.
type RemoteError struct {
	Record *ErrorRecord
}

func (e *RemoteError) Error() string { return e.Record.Message }

func (e *RemoteError) Code() any { return e.Record.Code }

func (e *RemoteError) Stack() string { return e.Record.Stack }

func (e *RemoteError) Fields() map[string]any { return e.Record.Fields }
