package adapter

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "pogobot/internal/transport"
	logx "pogobot/pkg/logx"
)

type Config struct {
	Token string
	// Offline skips the getMe handshake at construction (useful for dry runs).
	Offline bool
	// URL overrides the Bot API endpoint (local bot API server).
	URL     string
	Timeout time.Duration
}

// Adapter delivers notifications through the Telegram Bot API.
// It never polls for updates: inbound flows live elsewhere.
type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	settings := tele.Settings{
		Token:   strings.TrimSpace(cfg.Token),
		URL:     strings.TrimSpace(cfg.URL),
		Offline: cfg.Offline,
	}
	if cfg.Timeout > 0 {
		settings.Client = &http.Client{Timeout: cfg.Timeout}
	}
	b, err := tele.NewBot(settings)
	if err != nil {
		return nil, err
	}
	return &Adapter{cfg: cfg, log: log, bot: b}, nil
}

const telegramTextLimit = 4000

// splitTelegramText splits long messages into chunks that are safe to send to Telegram.
// It prefers newline boundaries and avoids cutting inside an HTML tag when ParseMode is HTML.
func splitTelegramText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}

		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		if strings.EqualFold(parseMode, "HTML") && end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))
		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

func sendOptions(to kit.ChatTarget, opt kit.SendOptions) *tele.SendOptions {
	return &tele.SendOptions{
		ParseMode:             tele.ParseMode(opt.ParseMode),
		DisableWebPagePreview: opt.DisablePreview,
		ThreadID:              to.ThreadID,
	}
}

func ctxErr(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// Send delivers sticker (optional), text and location (optional) in that order.
// Only a failed text message fails the delivery; sticker and location are
// decorations and are logged when they fail.
func (a *Adapter) Send(ctx context.Context, to kit.ChatTarget, c kit.Content) (kit.Sent, error) {
	var out kit.Sent
	chat := &tele.Chat{ID: to.ChatID}

	if c.Sticker != "" {
		if err := ctxErr(ctx); err != nil {
			return out, err
		}
		msg, err := a.bot.Send(chat, &tele.Sticker{File: tele.File{FileID: c.Sticker}}, &tele.SendOptions{ThreadID: to.ThreadID})
		if err != nil {
			a.log.Warn("sticker send failed", logx.Int64("chat_id", to.ChatID), logx.Err(err))
		} else {
			out.Sticker = &kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}

	ref, err := a.SendText(ctx, to, c.Text, &c.Options)
	if err != nil {
		return out, err
	}
	out.Main = ref

	if c.Location != nil {
		if err := ctxErr(ctx); err != nil {
			return out, nil
		}
		loc := &tele.Location{Lat: float32(c.Location.Lat), Lng: float32(c.Location.Lon)}
		msg, err := a.bot.Send(chat, loc, &tele.SendOptions{ThreadID: to.ThreadID})
		if err != nil {
			a.log.Warn("location send failed", logx.Int64("chat_id", to.ChatID), logx.Err(err))
		} else {
			out.Location = &kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return out, nil
}

// SendText sends text, splitting it when it exceeds the platform limit.
// The ref of the first chunk is returned.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if opt == nil {
		opt = &kit.SendOptions{}
	}
	chat := &tele.Chat{ID: to.ChatID}

	var first kit.MessageRef
	for i, chunk := range splitTelegramText(text, telegramTextLimit, opt.ParseMode) {
		if err := ctxErr(ctx); err != nil {
			return first, err
		}
		msg, err := a.bot.Send(chat, chunk, sendOptions(to, *opt))
		if err != nil {
			return first, err
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msg.ID}
		}
	}
	return first, nil
}

// Edit rewrites the main message text. Editing to identical content is not an error.
func (a *Adapter) Edit(ctx context.Context, ref kit.MessageRef, c kit.Content) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	chunks := splitTelegramText(c.Text, telegramTextLimit, c.Options.ParseMode)
	m := &tele.Message{ID: ref.MessageID, Chat: &tele.Chat{ID: ref.ChatID}}
	_, err := a.bot.Edit(m, chunks[0], &tele.SendOptions{
		ParseMode:             tele.ParseMode(c.Options.ParseMode),
		DisableWebPagePreview: c.Options.DisablePreview,
	})
	if err != nil && !isNotModified(err) {
		return err
	}
	return nil
}

func isNotModified(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "message is not modified")
}
