package hooks

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/downfa11-org/posttimes/pkg/types"
)

var hostname = func() string {
	h, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return h
}()

func init() {
	for name, f := range map[string]Family{
		"raw":          Funcs{PayloadFn: rawPayload, KeyFn: idKey},
		"json":         Funcs{PayloadFn: jsonPayload, KeyFn: idKey, HeadersFn: jsonHeaders},
		"json-keyless": Funcs{PayloadFn: jsonPayload},
	} {
		if err := Register(name, f); err != nil {
			panic(err)
		}
	}
}

func rawPayload(_ Context, id string, payload any) ([]byte, error) {
	switch p := payload.(type) {
	case string:
		return []byte(p), nil
	case []byte:
		return p, nil
	default:
		return nil, fmt.Errorf("raw family needs a string or []byte payload, message %s has %T", id, payload)
	}
}

func jsonPayload(_ Context, _ string, payload any) ([]byte, error) {
	return json.Marshal(payload)
}

func idKey(_ Context, id string, _ any) ([]byte, error) {
	return []byte(id), nil
}

func jsonHeaders(hc Context, id string, _ any) ([]types.Header, error) {
	return []types.Header{
		{Name: "event_type", Value: []byte(hc.Arg("event_type", "created"))},
		{Name: "producer", Value: []byte(hostname)},
		{Name: "message_id", Value: []byte(id)},
	}, nil
}
