package delivery

import (
	"context"

	kit "pogobot/internal/transport"
)

// SendText queues a plain text message and returns without waiting, so log
// sinks share the per-recipient interval and tick budget with notifications.
// The returned ref is always zero.
func (s *Scheduler) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	c := kit.Content{Text: text}
	if opt != nil {
		c.Options = *opt
	}
	_, err := s.Submit(ctx, Request{Target: to, Content: c, Quiet: true})
	return kit.MessageRef{}, err
}

var _ kit.TextSender = (*Scheduler)(nil)
