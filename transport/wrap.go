package transport

// ProxyCallback receives the results of a proxied call spread as arguments.
type ProxyCallback func(err error, results ...any)

// Proxy sends args as the array payload of a call and reports the outcome to cb.
type Proxy func(cb ProxyCallback, args ...any) error

type wrapOptions struct {
	prefix string
}

// WrapOption configures Wrap.
type WrapOption func(*wrapOptions)

// WithPrefix prepends prefix to every wrapped operation name, e.g. "Arith.".
func WithPrefix(prefix string) WrapOption {
	return func(o *wrapOptions) { o.prefix = prefix }
}

// Wrap returns a proxy per name. Calling a proxy sends prefix+name with its
// arguments as an array payload; an array result is spread into the
// callback's results, any other result is passed as the single result.
func (c *Correlator) Wrap(names []string, opts ...WrapOption) map[string]Proxy {
	var o wrapOptions
	for _, opt := range opts {
		opt(&o)
	}
	proxies := make(map[string]Proxy, len(names))
	for _, name := range names {
		op := o.prefix + name
		proxies[name] = func(cb ProxyCallback, args ...any) error {
			if args == nil {
				args = []any{}
			}
			var inner Callback
			if cb != nil {
				inner = func(err error, data any) {
					if err != nil {
						cb(err)
						return
					}
					if results, ok := data.([]any); ok {
						cb(nil, results...)
						return
					}
					cb(nil, data)
				}
			}
			return c.Call(op, args, inner)
		}
	}
	return proxies
}
