package broker

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func recording(trace *[]string, name string, result bool) HandlerFunc {
	return func(ctx context.Context, d *Delivery) (bool, error) {
		*trace = append(*trace, name)
		return result, nil
	}
}

func TestDispatchOrder(t *testing.T) {
	var trace []string
	table := NewDispatchTable("q", testLogger())
	table.Add(Consumer{Name: "unfiltered", Handler: recording(&trace, "unfiltered", true)})
	table.Add(Consumer{Name: "job", Filter: "job:infer", Handler: recording(&trace, "job", true)})
	table.Add(Consumer{Name: "command", Filter: "command:prompt_response", Handler: recording(&trace, "command", true)})
	table.Add(Consumer{Name: "other", Filter: "command:golem_log", Handler: recording(&trace, "other", true)})

	d := NewDelivery("q", Headers{"job": "infer", "command": "prompt_response"}, nil, nil, nil)
	if _, err := table.Dispatch(context.Background(), d); err != nil {
		t.Fatal(err)
	}

	want := []string{"command", "job", "unfiltered"}
	if diff := cmp.Diff(want, trace); diff != "" {
		t.Errorf("dispatch order mismatch (-want +got):\n%s", diff)
	}
}

func TestDispatchLastHandlerDecides(t *testing.T) {
	tests := []struct {
		name       string
		filtered   bool
		unfiltered bool
		want       bool
	}{
		{"unfiltered acks", false, true, true},
		{"unfiltered rejects", true, false, false},
		{"both ack", true, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var trace []string
			table := NewDispatchTable("q", testLogger())
			table.Add(Consumer{Name: "f", Filter: "command:x", Handler: recording(&trace, "f", tt.filtered)})
			table.Add(Consumer{Name: "u", Handler: recording(&trace, "u", tt.unfiltered)})

			got, err := table.Dispatch(context.Background(), NewDelivery("q", Headers{"command": "x"}, nil, nil, nil))
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("Dispatch = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDispatchNoMatchReturnsFalse(t *testing.T) {
	var trace []string
	table := NewDispatchTable("q", testLogger())
	table.Add(Consumer{Name: "f", Filter: "command:x", Handler: recording(&trace, "f", true)})

	got, err := table.Dispatch(context.Background(), NewDelivery("q", Headers{"command": "y"}, nil, nil, nil))
	if err != nil || got {
		t.Errorf("Dispatch = %v, %v; want false, nil", got, err)
	}
	if len(trace) != 0 {
		t.Errorf("handlers ran: %v", trace)
	}
}

func TestDispatchErrorStops(t *testing.T) {
	var trace []string
	table := NewDispatchTable("q", testLogger())
	table.Add(Consumer{Name: "bad", Filter: "command:x", Handler: func(ctx context.Context, d *Delivery) (bool, error) {
		return true, errors.New("bad payload")
	}})
	table.Add(Consumer{Name: "u", Handler: recording(&trace, "u", true)})

	got, err := table.Dispatch(context.Background(), NewDelivery("q", Headers{"command": "x"}, nil, nil, nil))
	if err == nil || got {
		t.Errorf("Dispatch = %v, %v; want false and an error", got, err)
	}
	if len(trace) != 0 {
		t.Errorf("handlers after the error ran: %v", trace)
	}
}

func TestDispatchNilHandlerIsSkipped(t *testing.T) {
	var trace []string
	table := NewDispatchTable("q", testLogger())
	table.Add(Consumer{Name: "ok", Filter: "command:x", Handler: recording(&trace, "ok", true)})
	table.Add(Consumer{Name: "missing"})

	got, err := table.Dispatch(context.Background(), NewDelivery("q", Headers{"command": "x"}, nil, nil, nil))
	if err != nil || !got {
		t.Errorf("Dispatch = %v, %v; want true, nil", got, err)
	}
}

func TestDispatchAddRebuilds(t *testing.T) {
	var trace []string
	table := NewDispatchTable("q", testLogger())
	table.Add(Consumer{Name: "a", Filter: "command:x", Handler: recording(&trace, "a", true)})
	table.Dispatch(context.Background(), NewDelivery("q", Headers{"command": "x"}, nil, nil, nil))

	table.Add(Consumer{Name: "b", Filter: "command:x", Handler: recording(&trace, "b", true)})
	table.Dispatch(context.Background(), NewDelivery("q", Headers{"command": "x"}, nil, nil, nil))

	if diff := cmp.Diff([]string{"a", "a", "b"}, trace); diff != "" {
		t.Errorf("trace mismatch (-want +got):\n%s", diff)
	}
}

func TestHeadersAccessors(t *testing.T) {
	h := Headers{
		"s":    "abc",
		"n":    float64(3),
		"ns":   "7",
		"flag": "true",
		"b":    false,
		"list": []any{"a", "b"},
	}
	if h.String("s") != "abc" || h.String("missing") != "" {
		t.Error("String")
	}
	if h.Int("n") != 3 || h.Int("ns") != 7 || h.Int("s") != 0 {
		t.Error("Int")
	}
	if v, ok := h.Bool("flag"); !v || !ok {
		t.Error("Bool string")
	}
	if v, ok := h.Bool("b"); v || !ok {
		t.Error("Bool false")
	}
	if _, ok := h.Bool("missing"); ok {
		t.Error("Bool missing should not be ok")
	}
	if diff := cmp.Diff([]string{"a", "b"}, h.Strings("list")); diff != "" {
		t.Errorf("Strings mismatch:\n%s", diff)
	}
	if diff := cmp.Diff([]string{"b", "flag", "list", "n", "ns", "s"}, h.Keys()); diff != "" {
		t.Errorf("Keys mismatch:\n%s", diff)
	}
}
