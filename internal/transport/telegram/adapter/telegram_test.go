package adapter

import (
	"context"
	"errors"
	"strings"
	"testing"

	kit "pogobot/internal/transport"
	logx "pogobot/pkg/logx"
)

func TestSplitTelegramTextShort(t *testing.T) {
	t.Parallel()
	got := splitTelegramText("hello", 10, "")
	if len(got) != 1 || got[0] != "hello" {
		t.Fatalf("unexpected chunks: %q", got)
	}
}

func TestSplitTelegramTextPrefersNewlines(t *testing.T) {
	t.Parallel()
	text := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	got := splitTelegramText(text, 10, "")
	if len(got) != 2 {
		t.Fatalf("chunks = %d, want 2 (%q)", len(got), got)
	}
	if got[0] != strings.Repeat("a", 8) || got[1] != strings.Repeat("b", 8) {
		t.Fatalf("unexpected split: %q", got)
	}
}

func TestSplitTelegramTextAvoidsOpenTag(t *testing.T) {
	t.Parallel()
	text := "abcdef<b>bold</b>"
	got := splitTelegramText(text, 8, "HTML")
	if got[0] != "abcdef" {
		t.Fatalf("first chunk = %q, want %q", got[0], "abcdef")
	}
	if strings.Join(got, "") != text {
		t.Fatalf("chunks lost text: %q", got)
	}
}

func TestIsNotModified(t *testing.T) {
	t.Parallel()
	if !isNotModified(errors.New("telegram: Bad Request: message is not modified (400)")) {
		t.Fatal("expected not-modified error to be recognized")
	}
	if isNotModified(errors.New("telegram: chat not found (400)")) {
		t.Fatal("unexpected match")
	}
	if isNotModified(nil) {
		t.Fatal("nil is not a not-modified error")
	}
}

func TestDryRunRefs(t *testing.T) {
	t.Parallel()
	d := NewDryRun(logx.Nop())
	ctx := context.Background()

	sent, err := d.Send(ctx, kit.ChatTarget{ChatID: 7}, kit.Content{
		Text:     "hi",
		Sticker:  "CAAD",
		Location: &kit.Location{Lat: 1, Lon: 2},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if sent.Sticker == nil || sent.Location == nil || sent.Main.ChatID != 7 {
		t.Fatalf("sent=%+v", sent)
	}
	if !(sent.Sticker.MessageID < sent.Main.MessageID && sent.Main.MessageID < sent.Location.MessageID) {
		t.Fatalf("ids out of order: %+v", sent)
	}
	if err := d.Edit(ctx, sent.Main, kit.Content{Text: "edited"}); err != nil {
		t.Fatalf("edit: %v", err)
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := d.Send(cctx, kit.ChatTarget{ChatID: 7}, kit.Content{Text: "late"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled send err=%v", err)
	}
}
