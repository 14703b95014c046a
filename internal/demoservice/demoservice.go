// Package demoservice implements com.example.demo, a small
// interface exercising every method shape the protocol supports: a
// plain call, a streaming ("more") call, and a fire-and-forget
// ("oneway") call.
package demoservice

import (
	"fmt"
	"time"

	"github.com/ianremillard/govarlink"
	"github.com/ianremillard/govarlink/schema"
)

// InterfaceName is com.example.demo's declared name.
const InterfaceName = "com.example.demo"

// Declaration returns the schema for com.example.demo.
func Declaration() *schema.Interface {
	iface, err := schema.NewInterface(InterfaceName, nil, []schema.Method{
		{
			Name: "Ping",
			In:   []schema.Field{{Name: "message", Type: schema.String()}},
			Out:  []schema.Field{{Name: "reply", Type: schema.String()}},
		},
		{
			Name:  "Range",
			In:    []schema.Field{{Name: "from", Type: schema.Int()}, {Name: "to", Type: schema.Int()}},
			Out:   []schema.Field{{Name: "value", Type: schema.Int()}},
			Flags: schema.MethodFlags{MayProduceMore: true},
		},
		{
			Name:  "Sleep",
			In:    []schema.Field{{Name: "milliseconds", Type: schema.Int()}},
			Flags: schema.MethodFlags{IsOneway: true},
		},
	})
	if err != nil {
		panic(fmt.Sprintf("demoservice: invalid declaration: %v", err))
	}
	return iface
}

// Binding builds the govarlink.Interface for com.example.demo.
func Binding() (*govarlink.Binding, error) {
	return govarlink.NewBinding(Declaration(), map[string]govarlink.HandlerFunc{
		"Ping": func(call *govarlink.ServerCall, in any) (any, *govarlink.Rights, error) {
			m := in.(map[string]any)
			message, _ := m["message"].(string)
			return map[string]any{"reply": "pong: " + message}, nil, nil
		},
		"Range": func(call *govarlink.ServerCall, in any) (any, *govarlink.Rights, error) {
			m := in.(map[string]any)
			from, _ := m["from"].(int64)
			to, _ := m["to"].(int64)
			if to < from {
				return nil, nil, &govarlink.DomainError{
					Name:       InterfaceName + ".InvalidRange",
					Parameters: map[string]any{"from": from, "to": to},
				}
			}
			for v := from; v < to; v++ {
				if err := call.Reply(map[string]any{"value": v}, nil); err != nil {
					return nil, nil, err
				}
			}
			return map[string]any{"value": to}, nil, nil
		},
		"Sleep": func(call *govarlink.ServerCall, in any) (any, *govarlink.Rights, error) {
			m := in.(map[string]any)
			ms, _ := m["milliseconds"].(int64)
			time.Sleep(time.Duration(ms) * time.Millisecond)
			return nil, nil, nil
		},
	})
}
