package adapter

import (
	"context"
	"sync/atomic"

	kit "pogobot/internal/transport"
	logx "pogobot/pkg/logx"
)

// DryRun logs every outbound message instead of calling the Bot API.
// Message ids are synthetic and increase monotonically.
type DryRun struct {
	log logx.Logger
	seq atomic.Int64
}

func NewDryRun(log logx.Logger) *DryRun {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &DryRun{log: log}
}

func (d *DryRun) next(chatID int64, threadID int) kit.MessageRef {
	return kit.MessageRef{ChatID: chatID, ThreadID: threadID, MessageID: int(d.seq.Add(1))}
}

func (d *DryRun) Send(ctx context.Context, to kit.ChatTarget, c kit.Content) (kit.Sent, error) {
	if err := ctx.Err(); err != nil {
		return kit.Sent{}, err
	}
	var out kit.Sent
	if c.Sticker != "" {
		ref := d.next(to.ChatID, to.ThreadID)
		out.Sticker = &ref
	}
	out.Main = d.next(to.ChatID, to.ThreadID)
	fields := []logx.Field{
		logx.Int64("chat_id", to.ChatID),
		logx.Int("message_id", out.Main.MessageID),
		logx.String("text", c.Text),
	}
	if c.Location != nil {
		ref := d.next(to.ChatID, to.ThreadID)
		out.Location = &ref
		fields = append(fields, logx.Float64("lat", c.Location.Lat), logx.Float64("lon", c.Location.Lon))
	}
	d.log.Info("dry-run send", fields...)
	return out, nil
}

func (d *DryRun) Edit(ctx context.Context, ref kit.MessageRef, c kit.Content) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.log.Info("dry-run edit",
		logx.Int64("chat_id", ref.ChatID),
		logx.Int("message_id", ref.MessageID),
		logx.String("text", c.Text),
	)
	return nil
}

func (d *DryRun) SendText(ctx context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	if err := ctx.Err(); err != nil {
		return kit.MessageRef{}, err
	}
	ref := d.next(to.ChatID, to.ThreadID)
	d.log.Debug("dry-run text", logx.Int64("chat_id", to.ChatID), logx.String("text", text))
	return ref, nil
}

var (
	_ kit.Deliverer  = (*DryRun)(nil)
	_ kit.TextSender = (*DryRun)(nil)
	_ kit.Deliverer  = (*Adapter)(nil)
	_ kit.TextSender = (*Adapter)(nil)
)
