// Package hooks derives the wire form of a message. A Family groups the
// per-use-case derivations and is resolved and validated before a run starts.
package hooks

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/downfa11-org/posttimes/pkg/types"
)

var ErrInvalidFamily = errors.New("invalid message family")

// Context carries the immutable per-run values hooks may consult.
type Context struct {
	Topic string
	Args  map[string]string
}

// Arg returns the named argument or fallback.
func (c Context) Arg(name, fallback string) string {
	if v, ok := c.Args[name]; ok && v != "" {
		return v
	}
	return fallback
}

type Family interface {
	Payload(hc Context, id string, payload any) ([]byte, error)
	// Key returns nil when the message carries no key.
	Key(hc Context, id string, payload any) ([]byte, error)
	Headers(hc Context, id string, payload any) ([]types.Header, error)
}

// IDDeriver is implemented by families that override the source id.
type IDDeriver interface {
	MessageID(hc Context, id string, payload any) (string, error)
}

// Funcs builds a Family from plain functions. PayloadFn is required; a nil
// KeyFn means keyless and a nil HeadersFn means no headers.
type Funcs struct {
	IDFn      func(hc Context, id string, payload any) (string, error)
	PayloadFn func(hc Context, id string, payload any) ([]byte, error)
	KeyFn     func(hc Context, id string, payload any) ([]byte, error)
	HeadersFn func(hc Context, id string, payload any) ([]types.Header, error)
}

func (f Funcs) MessageID(hc Context, id string, payload any) (string, error) {
	if f.IDFn == nil {
		return id, nil
	}
	return f.IDFn(hc, id, payload)
}

func (f Funcs) Payload(hc Context, id string, payload any) ([]byte, error) {
	return f.PayloadFn(hc, id, payload)
}

func (f Funcs) Key(hc Context, id string, payload any) ([]byte, error) {
	if f.KeyFn == nil {
		return nil, nil
	}
	return f.KeyFn(hc, id, payload)
}

func (f Funcs) Headers(hc Context, id string, payload any) ([]types.Header, error) {
	if f.HeadersFn == nil {
		return nil, nil
	}
	return f.HeadersFn(hc, id, payload)
}

func (f Funcs) validate() error {
	if f.PayloadFn == nil {
		return fmt.Errorf("%w: payload function is required", ErrInvalidFamily)
	}
	return nil
}

// Validate rejects a family that cannot derive a payload.
func Validate(f Family) error {
	if f == nil {
		return fmt.Errorf("%w: nil family", ErrInvalidFamily)
	}
	if v, ok := f.(interface{ validate() error }); ok {
		return v.validate()
	}
	return nil
}

// Derive applies f to one message and returns its id and wire form.
func Derive(f Family, hc Context, msg types.Message) (string, types.WireMessage, error) {
	id := msg.ID
	if d, ok := f.(IDDeriver); ok {
		derived, err := d.MessageID(hc, msg.ID, msg.Payload)
		if err != nil {
			return msg.ID, types.WireMessage{}, fmt.Errorf("derive id: %w", err)
		}
		id = derived
	}

	value, err := f.Payload(hc, id, msg.Payload)
	if err != nil {
		return id, types.WireMessage{}, fmt.Errorf("derive payload: %w", err)
	}
	key, err := f.Key(hc, id, msg.Payload)
	if err != nil {
		return id, types.WireMessage{}, fmt.Errorf("derive key: %w", err)
	}
	headers, err := f.Headers(hc, id, msg.Payload)
	if err != nil {
		return id, types.WireMessage{}, fmt.Errorf("derive headers: %w", err)
	}
	return id, types.WireMessage{Key: key, Value: value, Headers: headers}, nil
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Family{}
)

func Register(name string, f Family) error {
	if name == "" {
		return errors.New("family name must not be empty")
	}
	if err := Validate(f); err != nil {
		return err
	}
	registryMu.Lock()
	registry[name] = f
	registryMu.Unlock()
	return nil
}

func Lookup(name string) (Family, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q not registered (have %v)", ErrInvalidFamily, name, Names())
	}
	return f, nil
}

func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
