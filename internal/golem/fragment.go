package golem

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/noco-ai/arcane-bridge/internal/broker"
)

// Address of the bridge's own queue.
const (
	BridgeExchange   = "arcane_bridge"
	BridgeRoutingKey = "arcane_bridge_" + broker.ServerIDPlaceholder
)

type fragmentTiming struct {
	rand  func() float64
	sleep func(ctx context.Context, d time.Duration) error
}

func defaultFragmentTiming() fragmentTiming {
	return fragmentTiming{
		rand: rand.Float64,
		sleep: func(ctx context.Context, d time.Duration) error {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-t.C:
				return nil
			}
		},
	}
}

// SimulateFragment replays text to socketID as if a model were streaming it:
// chunks of two to four characters are published as prompt_fragment messages
// to the bridge's own queue, about tokensPerSecond apart with up to 200ms of
// jitter. It returns when the last chunk is sent or ctx ends.
func (c *Client) SimulateFragment(ctx context.Context, socketID, text string, tokensPerSecond float64) error {
	if tokensPerSecond <= 0 {
		tokensPerSecond = 20
	}
	chars := []rune(text)
	headers := broker.Headers{"socket_id": socketID}

	for i := 0; i < len(chars); {
		n := 2 + int(c.fragments.rand()*3)
		end := min(i+n, len(chars))
		if err := c.PublishCommand(ctx, BridgeExchange, BridgeRoutingKey, "prompt_fragment", string(chars[i:end]), headers); err != nil {
			return err
		}
		i = end
		if i >= len(chars) {
			break
		}

		variance := 1.0
		if c.fragments.rand() <= 0.5 {
			variance = -1
		}
		ms := 1000/tokensPerSecond + variance*c.fragments.rand()*200
		if err := c.fragments.sleep(ctx, time.Duration(max(ms, 0)*float64(time.Millisecond))); err != nil {
			return err
		}
	}
	return nil
}
