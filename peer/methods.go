package peer

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strconv"

	"go.uber.org/multierr"
)

// Handler is the untyped form every registered method is reduced to.
// The returned value is marshalled as the response's retval.
type Handler func(ctx context.Context, c *Connection, args []json.RawMessage) (any, error)

// Registry maps method names to handlers. It is immutable once built and safe
// to share between any number of connections.
type Registry struct {
	methods map[string]Handler
}

// Lookup returns the handler registered under name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	if r == nil {
		return nil, false
	}
	h, ok := r.methods[name]
	return h, ok
}

// Names returns the registered method names in sorted order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.methods))
	for name := range r.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.methods)
}

// Builder collects method registrations. Registration errors are kept and
// reported together by Build, so registrations can be chained:
//
//	methods, err := peer.NewBuilder().
//		Register("add", add).
//		RegisterService(&Arith{}).
//		Build()
type Builder struct {
	methods map[string]Handler
	err     error
}

func NewBuilder() *Builder {
	return &Builder{methods: make(map[string]Handler)}
}

// Register adds fn under name. fn must have one of the forms
//
//	func(ctx context.Context, c *peer.Connection, a A, b B, ...) (R, error)
//	func(ctx context.Context, c *peer.Connection, a A, b B, ...) error
//
// where every parameter after the connection is decoded from the positional
// JSON arguments of the request. A trailing variadic parameter takes the
// remaining arguments.
func (b *Builder) Register(name string, fn any) *Builder {
	h, err := typedHandler(name, reflect.ValueOf(fn))
	if err != nil {
		b.err = multierr.Append(b.err, err)
		return b
	}
	return b.add(name, h)
}

// RegisterFunc adds an untyped handler; arguments are passed through raw.
func (b *Builder) RegisterFunc(name string, h Handler) *Builder {
	if h == nil {
		b.err = multierr.Append(b.err, fmt.Errorf("%w: %s: nil handler", ErrInvalidHandler, name))
		return b
	}
	return b.add(name, h)
}

// RegisterService registers every exported method of rcvr that has a valid
// handler signature, named "<Type>.<Method>". Methods with other signatures
// are skipped; a receiver without any valid method is an error.
func (b *Builder) RegisterService(rcvr any) *Builder {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr || typ.Elem().Kind() != reflect.Struct {
		b.err = multierr.Append(b.err, fmt.Errorf("%w: service receiver must be a pointer to a struct, got %v", ErrInvalidHandler, typ))
		return b
	}
	val := reflect.ValueOf(rcvr)
	service := typ.Elem().Name()

	registered := 0
	for i := 0; i < typ.NumMethod(); i++ {
		m := typ.Method(i)
		name := service + "." + m.Name
		h, err := typedHandler(name, val.Method(i))
		if err != nil {
			continue
		}
		b.add(name, h)
		registered++
	}
	if registered == 0 {
		b.err = multierr.Append(b.err, fmt.Errorf("%w: %s has no exported method with a handler signature", ErrInvalidHandler, service))
	}
	return b
}

func (b *Builder) add(name string, h Handler) *Builder {
	if name == "" {
		b.err = multierr.Append(b.err, fmt.Errorf("%w: empty method name", ErrInvalidHandler))
		return b
	}
	if _, ok := b.methods[name]; ok {
		b.err = multierr.Append(b.err, fmt.Errorf("%w: %s", ErrDuplicateMethod, name))
		return b
	}
	b.methods[name] = h
	return b
}

// Build returns the immutable registry, or every registration error at once.
func (b *Builder) Build() (*Registry, error) {
	if b.err != nil {
		return nil, b.err
	}
	methods := make(map[string]Handler, len(b.methods))
	for name, h := range b.methods {
		methods[name] = h
	}
	return &Registry{methods: methods}, nil
}

var (
	contextType    = reflect.TypeOf((*context.Context)(nil)).Elem()
	connectionType = reflect.TypeOf((*Connection)(nil))
	errorType      = reflect.TypeOf((*error)(nil)).Elem()
)

func typedHandler(name string, fn reflect.Value) (Handler, error) {
	if !fn.IsValid() || fn.Kind() != reflect.Func || fn.IsNil() {
		return nil, fmt.Errorf("%w: %s: not a function", ErrInvalidHandler, name)
	}
	typ := fn.Type()
	if err := checkSignature(typ); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidHandler, name, err)
	}

	variadic := typ.IsVariadic()
	fixed := typ.NumIn() - 2
	if variadic {
		fixed--
	}
	hasResult := typ.NumOut() == 2

	paramType := func(i int) reflect.Type {
		if variadic && i >= fixed {
			return typ.In(typ.NumIn() - 1).Elem()
		}
		return typ.In(2 + i)
	}

	return func(ctx context.Context, c *Connection, args []json.RawMessage) (any, error) {
		if len(args) < fixed || (!variadic && len(args) > fixed) {
			want := strconv.Itoa(fixed)
			if variadic {
				want = "at least " + want
			}
			return nil, &ArgumentError{Method: name, Index: -1, Want: want, Got: len(args)}
		}

		in := make([]reflect.Value, 0, 2+len(args))
		in = append(in, reflect.ValueOf(&ctx).Elem(), reflect.ValueOf(c))
		for i, raw := range args {
			pt := paramType(i)
			v := reflect.New(pt)
			if err := json.Unmarshal(raw, v.Interface()); err != nil {
				return nil, &ArgumentError{Method: name, Index: i, Want: pt.String(), Got: len(args), Err: err}
			}
			in = append(in, v.Elem())
		}

		out := fn.Call(in)
		if errv := out[len(out)-1]; !errv.IsNil() {
			return nil, errv.Interface().(error)
		}
		if hasResult {
			return out[0].Interface(), nil
		}
		return nil, nil
	}, nil
}

func checkSignature(typ reflect.Type) error {
	if typ.NumIn() < 2 || typ.In(0) != contextType || typ.In(1) != connectionType {
		return fmt.Errorf("want func(context.Context, *peer.Connection, ...), got %s", typ)
	}
	for i := 2; i < typ.NumIn(); i++ {
		pt := typ.In(i)
		if typ.IsVariadic() && i == typ.NumIn()-1 {
			pt = pt.Elem()
		}
		switch pt.Kind() {
		case reflect.Chan, reflect.Func, reflect.UnsafePointer, reflect.Complex64, reflect.Complex128:
			return fmt.Errorf("parameter %d of type %s cannot be decoded from JSON", i-2, pt)
		}
	}
	switch typ.NumOut() {
	case 1:
		if typ.Out(0) != errorType {
			return fmt.Errorf("single result must be error, got %s", typ.Out(0))
		}
	case 2:
		if typ.Out(1) != errorType {
			return fmt.Errorf("second result must be error, got %s", typ.Out(1))
		}
	default:
		return fmt.Errorf("want (R, error) or error results, got %d results", typ.NumOut())
	}
	return nil
}
