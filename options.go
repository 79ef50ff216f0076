package siosession

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// ConnectionOptions describes how a connection should be opened. Build it
// with NewOptions; it is never modified afterwards. Every field is optional
// and a nil *ConnectionOptions behaves like an empty one.
type ConnectionOptions struct {
	path                 *string
	transports           []string
	reconnection         *bool
	reconnectionAttempts *int
	reconnectionDelay    *time.Duration
	reconnectionDelayMax *time.Duration
	randomizationFactor  *float64
	timeout              *time.Duration
	auth                 map[string]Value
	query                map[string]string
	secure               *bool
	forceNew             *bool
	android              map[string]Value
	ios                  map[string]Value
}

// OptionFunc sets one field while building ConnectionOptions.
type OptionFunc func(*ConnectionOptions)

func NewOptions(fns ...OptionFunc) *ConnectionOptions {
	o := &ConnectionOptions{}
	for _, fn := range fns {
		fn(o)
	}
	return o
}

func WithPath(path string) OptionFunc {
	return func(o *ConnectionOptions) { o.path = &path }
}

func WithTransports(transports ...string) OptionFunc {
	return func(o *ConnectionOptions) { o.transports = append([]string{}, transports...) }
}

func WithReconnection(enabled bool) OptionFunc {
	return func(o *ConnectionOptions) { o.reconnection = &enabled }
}

// WithReconnectionAttempts limits automatic reconnection. 0 means unlimited.
func WithReconnectionAttempts(n int) OptionFunc {
	return func(o *ConnectionOptions) { o.reconnectionAttempts = &n }
}

// Durations have millisecond granularity, the unit of the wire format.
// Anything finer is truncated when the option is applied.

func WithReconnectionDelay(d time.Duration) OptionFunc {
	d = d.Truncate(time.Millisecond)
	return func(o *ConnectionOptions) { o.reconnectionDelay = &d }
}

func WithReconnectionDelayMax(d time.Duration) OptionFunc {
	d = d.Truncate(time.Millisecond)
	return func(o *ConnectionOptions) { o.reconnectionDelayMax = &d }
}

func WithRandomizationFactor(f float64) OptionFunc {
	return func(o *ConnectionOptions) { o.randomizationFactor = &f }
}

// WithTimeout bounds the dial and handshake, in whole milliseconds.
func WithTimeout(d time.Duration) OptionFunc {
	d = d.Truncate(time.Millisecond)
	return func(o *ConnectionOptions) { o.timeout = &d }
}

func WithAuth(auth map[string]Value) OptionFunc {
	return func(o *ConnectionOptions) { o.auth = copyValues(auth) }
}

func WithQuery(query map[string]string) OptionFunc {
	return func(o *ConnectionOptions) { o.query = copyStrings(query) }
}

// WithQueryString parses a raw "a=1&b=2" query. Repeated keys keep the first
// value, unparsable input is ignored.
func WithQueryString(raw string) OptionFunc {
	return func(o *ConnectionOptions) {
		vals, err := url.ParseQuery(strings.TrimPrefix(raw, "?"))
		if err != nil {
			return
		}
		o.query = make(map[string]string, len(vals))
		for k, v := range vals {
			if len(v) > 0 {
				o.query[k] = v[0]
			}
		}
	}
}

func WithSecure(secure bool) OptionFunc {
	return func(o *ConnectionOptions) { o.secure = &secure }
}

func WithForceNew(forceNew bool) OptionFunc {
	return func(o *ConnectionOptions) { o.forceNew = &forceNew }
}

// WithAndroidExtras attaches the Android platform payload.
func WithAndroidExtras(extras map[string]Value) OptionFunc {
	return func(o *ConnectionOptions) { o.android = copyValues(extras) }
}

// WithIOSExtras attaches the iOS platform payload.
func WithIOSExtras(extras map[string]Value) OptionFunc {
	return func(o *ConnectionOptions) { o.ios = copyValues(extras) }
}

func (o *ConnectionOptions) Path() (string, bool) {
	if o == nil || o.path == nil {
		return "", false
	}
	return *o.path, true
}

func (o *ConnectionOptions) Transports() []string {
	if o == nil || o.transports == nil {
		return nil
	}
	return append([]string{}, o.transports...)
}

func (o *ConnectionOptions) Reconnection() (bool, bool) {
	if o == nil || o.reconnection == nil {
		return false, false
	}
	return *o.reconnection, true
}

func (o *ConnectionOptions) ReconnectionAttempts() (int, bool) {
	if o == nil || o.reconnectionAttempts == nil {
		return 0, false
	}
	return *o.reconnectionAttempts, true
}

func (o *ConnectionOptions) ReconnectionDelay() (time.Duration, bool) {
	if o == nil || o.reconnectionDelay == nil {
		return 0, false
	}
	return *o.reconnectionDelay, true
}

func (o *ConnectionOptions) ReconnectionDelayMax() (time.Duration, bool) {
	if o == nil || o.reconnectionDelayMax == nil {
		return 0, false
	}
	return *o.reconnectionDelayMax, true
}

func (o *ConnectionOptions) RandomizationFactor() (float64, bool) {
	if o == nil || o.randomizationFactor == nil {
		return 0, false
	}
	return *o.randomizationFactor, true
}

func (o *ConnectionOptions) Timeout() (time.Duration, bool) {
	if o == nil || o.timeout == nil {
		return 0, false
	}
	return *o.timeout, true
}

func (o *ConnectionOptions) Auth() map[string]Value {
	if o == nil {
		return nil
	}
	return copyValues(o.auth)
}

func (o *ConnectionOptions) Query() map[string]string {
	if o == nil {
		return nil
	}
	return copyStrings(o.query)
}

func (o *ConnectionOptions) Secure() (bool, bool) {
	if o == nil || o.secure == nil {
		return false, false
	}
	return *o.secure, true
}

func (o *ConnectionOptions) ForceNew() (bool, bool) {
	if o == nil || o.forceNew == nil {
		return false, false
	}
	return *o.forceNew, true
}

func (o *ConnectionOptions) AndroidExtras() map[string]Value {
	if o == nil {
		return nil
	}
	return copyValues(o.android)
}

func (o *ConnectionOptions) IOSExtras() map[string]Value {
	if o == nil {
		return nil
	}
	return copyValues(o.ios)
}

// ReducedEqual reports whether a and b express the same connection intent.
// Only transports (joined, order matters), the reconnection flag, the
// reconnection attempts, the timeout and forceNew are compared.
func ReducedEqual(a, b *ConnectionOptions) bool {
	if strings.Join(a.Transports(), ",") != strings.Join(b.Transports(), ",") {
		return false
	}
	if !eqPtr(a.field().reconnection, b.field().reconnection) {
		return false
	}
	if !eqPtr(a.field().reconnectionAttempts, b.field().reconnectionAttempts) {
		return false
	}
	if !eqPtr(a.field().timeout, b.field().timeout) {
		return false
	}
	return eqPtr(a.field().forceNew, b.field().forceNew)
}

var emptyOptions = &ConnectionOptions{}

func (o *ConnectionOptions) field() *ConnectionOptions {
	if o == nil {
		return emptyOptions
	}
	return o
}

func eqPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Wire format keys, spelled the way Socket.IO clients name them.
const (
	wirePath                 = "path"
	wireTransports           = "transports"
	wireReconnection         = "reconnection"
	wireReconnectionAttempts = "reconnectionAttempts"
	wireReconnectionDelay    = "reconnectionDelay"
	wireReconnectionDelayMax = "reconnectionDelayMax"
	wireRandomizationFactor  = "randomizationFactor"
	wireTimeout              = "timeout"
	wireAuth                 = "auth"
	wireQuery                = "query"
	wireSecure               = "secure"
	wireForceNew             = "forceNew"
	wireAndroid              = "android"
	wireIOS                  = "ios"
)

// ToWireFormat returns only the fields that were set. Durations are integer
// milliseconds.
func (o *ConnectionOptions) ToWireFormat() map[string]any {
	out := map[string]any{}
	if o == nil {
		return out
	}
	if o.path != nil {
		out[wirePath] = *o.path
	}
	if o.transports != nil {
		out[wireTransports] = append([]string{}, o.transports...)
	}
	if o.reconnection != nil {
		out[wireReconnection] = *o.reconnection
	}
	if o.reconnectionAttempts != nil {
		out[wireReconnectionAttempts] = *o.reconnectionAttempts
	}
	if o.reconnectionDelay != nil {
		out[wireReconnectionDelay] = o.reconnectionDelay.Milliseconds()
	}
	if o.reconnectionDelayMax != nil {
		out[wireReconnectionDelayMax] = o.reconnectionDelayMax.Milliseconds()
	}
	if o.randomizationFactor != nil {
		out[wireRandomizationFactor] = *o.randomizationFactor
	}
	if o.timeout != nil {
		out[wireTimeout] = o.timeout.Milliseconds()
	}
	if o.auth != nil {
		out[wireAuth] = Map(o.auth).Interface()
	}
	if o.query != nil {
		out[wireQuery] = copyStrings(o.query)
	}
	if o.secure != nil {
		out[wireSecure] = *o.secure
	}
	if o.forceNew != nil {
		out[wireForceNew] = *o.forceNew
	}
	if o.android != nil {
		out[wireAndroid] = Map(o.android).Interface()
	}
	if o.ios != nil {
		out[wireIOS] = Map(o.ios).Interface()
	}
	return out
}

// OptionsFromWire is the inverse of ToWireFormat. Unknown keys are rejected.
func OptionsFromWire(m map[string]any) (*ConnectionOptions, error) {
	var fns []OptionFunc
	for key, raw := range m {
		fn, err := wireField(key, raw)
		if err != nil {
			return nil, fmt.Errorf("option %q: %w", key, err)
		}
		fns = append(fns, fn)
	}
	return NewOptions(fns...), nil
}

func wireField(key string, raw any) (OptionFunc, error) {
	switch key {
	case wirePath:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("want string, got %T", raw)
		}
		return WithPath(s), nil
	case wireTransports:
		list, err := toStrings(raw)
		if err != nil {
			return nil, err
		}
		return WithTransports(list...), nil
	case wireReconnection, wireSecure, wireForceNew:
		b, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("want bool, got %T", raw)
		}
		switch key {
		case wireReconnection:
			return WithReconnection(b), nil
		case wireSecure:
			return WithSecure(b), nil
		}
		return WithForceNew(b), nil
	case wireReconnectionAttempts:
		n, err := toInt64(raw)
		if err != nil {
			return nil, err
		}
		return WithReconnectionAttempts(int(n)), nil
	case wireReconnectionDelay, wireReconnectionDelayMax, wireTimeout:
		n, err := toInt64(raw)
		if err != nil {
			return nil, err
		}
		d := time.Duration(n) * time.Millisecond
		switch key {
		case wireReconnectionDelay:
			return WithReconnectionDelay(d), nil
		case wireReconnectionDelayMax:
			return WithReconnectionDelayMax(d), nil
		}
		return WithTimeout(d), nil
	case wireRandomizationFactor:
		v, err := ValueOf(raw)
		if err != nil {
			return nil, err
		}
		f, ok := v.AsNumber()
		if !ok {
			return nil, fmt.Errorf("want number, got %T", raw)
		}
		return WithRandomizationFactor(f), nil
	case wireAuth, wireAndroid, wireIOS:
		v, err := ValueOf(raw)
		if err != nil {
			return nil, err
		}
		m, ok := v.AsMap()
		if !ok {
			return nil, fmt.Errorf("want map, got %T", raw)
		}
		switch key {
		case wireAuth:
			return WithAuth(m), nil
		case wireAndroid:
			return WithAndroidExtras(m), nil
		}
		return WithIOSExtras(m), nil
	case wireQuery:
		switch q := raw.(type) {
		case string:
			return WithQueryString(q), nil
		case map[string]string:
			return WithQuery(q), nil
		case map[string]any:
			out := make(map[string]string, len(q))
			for k, e := range q {
				out[k] = fmt.Sprint(e)
			}
			return WithQuery(out), nil
		}
		return nil, fmt.Errorf("want map or string, got %T", raw)
	}
	return nil, fmt.Errorf("unknown option")
}

func toStrings(raw any) ([]string, error) {
	switch t := raw.(type) {
	case []string:
		return t, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("want string element, got %T", e)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("want list, got %T", raw)
}

func toInt64(raw any) (int64, error) {
	switch t := raw.(type) {
	case int:
		return int64(t), nil
	case int64:
		return t, nil
	case float64:
		return int64(t), nil
	}
	v, err := ValueOf(raw)
	if err != nil {
		return 0, err
	}
	f, ok := v.AsNumber()
	if !ok {
		return 0, fmt.Errorf("want number, got %T", raw)
	}
	return int64(f), nil
}

func copyValues(m map[string]Value) map[string]Value {
	if m == nil {
		return nil
	}
	out := make(map[string]Value, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
