package golem

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/noco-ai/arcane-bridge/internal/broker"
)

func TestParseEmbeddingsShapes(t *testing.T) {
	texts := []string{"weather", "stock price"}
	tests := []struct {
		name string
		body string
	}{
		{name: "array", body: `{"embeddings": [[1, 0], [0, 1]]}`},
		{name: "keyed by text", body: `{"embeddings": {"weather": [[1, 0]], "stock price": [[0, 1]]}}`},
		{name: "keyed flat", body: `{"embeddings": {"weather": [1, 0], "stock price": [0, 1]}}`},
	}
	want := [][]float64{{1, 0}, {0, 1}}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseEmbeddings([]byte(tt.body), texts)
			if err != nil {
				t.Fatal(err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("vectors mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseEmbeddingsErrors(t *testing.T) {
	texts := []string{"a", "b"}
	for _, body := range []string{
		`{}`,
		`{"embeddings": [[1]]}`,
		`{"embeddings": {"a": [[1]]}}`,
		`{"embeddings": "nope"}`,
		`{"embeddings": [[1], []]}`,
	} {
		if _, err := ParseEmbeddings([]byte(body), texts); err == nil {
			t.Errorf("ParseEmbeddings(%s) should fail", body)
		}
	}
}

// echoEmbeddings answers each request with vectors [len(text), index].
func echoEmbeddings(p published) (broker.Headers, []byte) {
	texts := p.Payload.(map[string]any)["text"].([]string)
	vectors := make([][]float64, len(texts))
	for i, text := range texts {
		vectors[i] = []float64{float64(len(text)), float64(i)}
	}
	body, _ := json.Marshal(map[string]any{"embeddings": vectors})
	h := p.Headers.Clone()
	h["success"] = true
	return h, body
}

func TestEmbed(t *testing.T) {
	c, pub := newTestClient(echoEmbeddings)
	got, err := c.Embed(context.Background(), "", []string{"hi", "there"}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([][]float64{{2, 0}, {5, 1}}, got); diff != "" {
		t.Errorf("vectors mismatch (-want +got):\n%s", diff)
	}
	msg := pub.messages()[0]
	if msg.RoutingKey != "bge_large" || msg.Headers.String("command") != CommandEmbedding {
		t.Errorf("message = %+v", msg)
	}
}

func TestEmbedBatchKeepsOrder(t *testing.T) {
	c, pub := newTestClient(echoEmbeddings)
	texts := make([]string, 10)
	for i := range texts {
		texts[i] = fmt.Sprintf("%0*d", i+1, 0)
	}

	got, err := c.EmbedBatch(context.Background(), "", texts, 1, 3)
	if err != nil {
		t.Fatal(err)
	}
	if n := len(pub.messages()); n != 4 {
		t.Errorf("sent %d requests, want 4", n)
	}
	for i, v := range got {
		if v[0] != float64(i+1) {
			t.Errorf("vector %d = %v, want length %d first", i, v, i+1)
		}
	}
}

func TestEmbedNoWorker(t *testing.T) {
	c, _ := newTestClient(nil)
	c.index = onlineIndex(map[string][]string{"llama_13b": {"language_model"}})
	if _, err := c.Embed(context.Background(), "", []string{"x"}, 1); err == nil {
		t.Error("expected an error with no embedding worker online")
	}
}

func TestSimulateFragment(t *testing.T) {
	c, pub := newTestClient(nil)
	var delays []time.Duration
	rolls := []float64{0, 0.9, 0.5, 0.99, 0.9, 0.25}
	c.fragments = fragmentTiming{
		rand: func() float64 {
			r := rolls[0]
			rolls = append(rolls[1:], r)
			return r
		},
		sleep: func(ctx context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		},
	}

	if err := c.SimulateFragment(context.Background(), "s1", "Hello!", 10); err != nil {
		t.Fatal(err)
	}

	var chunks []string
	for _, m := range pub.messages() {
		if m.Exchange != BridgeExchange || m.RoutingKey != BridgeRoutingKey {
			t.Errorf("sent to %s/%s", m.Exchange, m.RoutingKey)
		}
		if m.Headers.String("command") != "prompt_fragment" || m.Headers.String("socket_id") != "s1" {
			t.Errorf("headers = %v", m.Headers)
		}
		chunks = append(chunks, m.Payload.(string))
	}
	if diff := cmp.Diff([]string{"He", "llo!"}, chunks); diff != "" {
		t.Errorf("chunks mismatch (-want +got):\n%s", diff)
	}
	// 100ms base; variance roll 0.9 is positive, magnitude roll 0.5 adds 100ms.
	if diff := cmp.Diff([]time.Duration{200 * time.Millisecond}, delays); diff != "" {
		t.Errorf("delays mismatch (-want +got):\n%s", diff)
	}
}
