package adapter

import (
	"errors"
	"strings"
	"testing"

	tele "gopkg.in/telebot.v4"

	kit "coachbot/internal/transport"
	"coachbot/internal/retry"
)

func TestSplitText(t *testing.T) {
	t.Parallel()

	if got := splitText("short", 10); len(got) != 1 || got[0] != "short" {
		t.Fatalf("short text split: %q", got)
	}

	long := strings.Repeat("a", 8) + "\n" + strings.Repeat("b", 8)
	got := splitText(long, 10)
	if len(got) != 2 || got[0] != strings.Repeat("a", 8) || got[1] != strings.Repeat("b", 8) {
		t.Fatalf("newline split: %q", got)
	}

	for _, c := range splitText(strings.Repeat("x", 25), 10) {
		if len([]rune(c)) > 10 {
			t.Fatalf("chunk too long: %d", len(c))
		}
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	if Classify(nil) != nil {
		t.Fatal("nil must stay nil")
	}
	if err := Classify(tele.ErrBlockedByUser); !retry.IsNoRetry(err) {
		t.Fatalf("blocked user should be permanent: %v", err)
	}
	if err := Classify(tele.ErrChatNotFound); !retry.IsNoRetry(err) {
		t.Fatalf("chat not found should be permanent: %v", err)
	}
	plain := errors.New("connection reset")
	if err := Classify(plain); retry.IsNoRetry(err) || err != plain {
		t.Fatalf("transient error altered: %v", err)
	}
}

func TestCallbackData(t *testing.T) {
	t.Parallel()

	cases := []struct {
		cb   tele.Callback
		want string
	}{
		{tele.Callback{Data: "\fconfigure_week"}, "configure_week"},
		{tele.Callback{Unique: "configure_week", Data: "7"}, "configure_week|7"},
		{tele.Callback{Unique: "configure_week"}, "configure_week"},
		{tele.Callback{Data: "raw"}, "raw"},
	}
	for _, tc := range cases {
		if got := callbackData(&tc.cb); got != tc.want {
			t.Fatalf("callbackData(%+v) = %q, want %q", tc.cb, got, tc.want)
		}
	}
}

func TestInlineKeyboard(t *testing.T) {
	t.Parallel()

	if inlineKeyboard(nil) != nil {
		t.Fatal("no buttons should produce no markup")
	}
	rm := inlineKeyboard([]kit.Button{{Text: "Configurar mi semana", Data: "configure_week"}})
	if rm == nil || len(rm.InlineKeyboard) != 1 || len(rm.InlineKeyboard[0]) != 1 {
		t.Fatalf("unexpected markup: %+v", rm)
	}
	if got := rm.InlineKeyboard[0][0].Text; got != "Configurar mi semana" {
		t.Fatalf("button text = %q", got)
	}
}
