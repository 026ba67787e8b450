package golem

import (
	"context"
	"fmt"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"
)

// DefaultEmbedChunk is the largest number of strings sent in one request by
// EmbedBatch.
const DefaultEmbedChunk = 64

// Embed returns one vector per text, in input order.
func (c *Client) Embed(ctx context.Context, model string, texts []string, userID int64) ([][]float64, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	routingKey := c.PickWorker(model, UseEmbedding, true)
	if routingKey == "" {
		return nil, &OfflineError{RoutingKey: model}
	}

	body, err := c.Send(ctx, Request{
		RoutingKey: routingKey,
		Command:    CommandEmbedding,
		Payload:    map[string]any{"text": texts},
		UserID:     userID,
	})
	if err != nil {
		return nil, err
	}
	return ParseEmbeddings(body, texts)
}

// EmbedBatch splits texts into chunks and embeds them concurrently, at most
// four requests at a time.
func (c *Client) EmbedBatch(ctx context.Context, model string, texts []string, userID int64, chunk int) ([][]float64, error) {
	if chunk <= 0 {
		chunk = DefaultEmbedChunk
	}
	if len(texts) <= chunk {
		return c.Embed(ctx, model, texts, userID)
	}

	out := make([][]float64, len(texts))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for start := 0; start < len(texts); start += chunk {
		end := min(start+chunk, len(texts))
		g.Go(func() error {
			vectors, err := c.Embed(gctx, model, texts[start:end], userID)
			if err != nil {
				return fmt.Errorf("embed texts %d-%d: %w", start, end, err)
			}
			copy(out[start:end], vectors)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// ParseEmbeddings reads the embeddings field of a worker response. Workers
// answer either with an array parallel to the input or with an object keyed
// by input text, each value holding one or more vectors.
func ParseEmbeddings(body []byte, texts []string) ([][]float64, error) {
	field := gjson.GetBytes(body, "embeddings")
	if !field.Exists() {
		return nil, fmt.Errorf("embedding response has no embeddings field")
	}

	out := make([][]float64, len(texts))
	switch {
	case field.IsArray():
		items := field.Array()
		if len(items) != len(texts) {
			return nil, fmt.Errorf("embedding response has %d vectors for %d texts", len(items), len(texts))
		}
		for i, item := range items {
			out[i] = vector(item)
		}
	case field.IsObject():
		for i, text := range texts {
			item := field.Get(gjson.Escape(text))
			if !item.Exists() {
				return nil, fmt.Errorf("embedding response is missing %q", text)
			}
			out[i] = vector(item)
		}
	default:
		return nil, fmt.Errorf("embedding response has unexpected embeddings type")
	}
	for i, v := range out {
		if len(v) == 0 {
			return nil, fmt.Errorf("empty embedding for %q", texts[i])
		}
	}
	return out, nil
}

// vector accepts [x, y, ...] or [[x, y, ...], ...], taking the first vector
// of a list.
func vector(r gjson.Result) []float64 {
	items := r.Array()
	if len(items) > 0 && items[0].IsArray() {
		items = items[0].Array()
	}
	v := make([]float64, len(items))
	for i, item := range items {
		v[i] = item.Float()
	}
	return v
}
