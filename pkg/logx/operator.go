package logx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	kit "coachbot/internal/transport"
)

const (
	operatorQueue   = 256
	operatorMaxText = 3500
)

type operatorMsg struct {
	to   kit.ChatTarget
	text string
}

// operatorSink is a zerolog writer that forwards warnings to the operator
// chat. It never blocks the caller: a full queue drops the line.
type operatorSink struct {
	sender TextSender
	queue  chan operatorMsg
	now    func() time.Time

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	to      kit.ChatTarget
	min     zerolog.Level
	limiter *rate.Limiter
	repeat  time.Duration
	seen    map[string]time.Time
}

func newOperatorSink(sender TextSender) *operatorSink {
	return &operatorSink{
		sender: sender,
		queue:  make(chan operatorMsg, operatorQueue),
		now:    time.Now,
		seen:   make(map[string]time.Time),
	}
}

func (o *operatorSink) apply(cfg OperatorConfig) {
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	repeat := cfg.Repeat
	if repeat <= 0 {
		repeat = time.Minute
	}
	o.mu.Lock()
	o.to = kit.ChatTarget{ChatID: cfg.ChatID, ThreadID: cfg.ThreadID}
	o.min = parseLevel(cfg.MinLevel, zerolog.WarnLevel)
	o.limiter = rate.NewLimiter(rate.Limit(rps), rps)
	o.repeat = repeat
	o.mu.Unlock()
}

func (o *operatorSink) start() {
	o.runMu.Lock()
	defer o.runMu.Unlock()
	if o.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.done = make(chan struct{})
	go o.run(ctx, o.done)
}

// stop drains what is already queued for up to wait, then returns.
func (o *operatorSink) stop(wait time.Duration) {
	o.runMu.Lock()
	cancel, done := o.cancel, o.done
	o.cancel, o.done = nil, nil
	o.runMu.Unlock()
	if cancel == nil {
		return
	}

	deadline := time.After(wait)
	for len(o.queue) > 0 {
		select {
		case <-deadline:
			cancel()
			<-done
			return
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

func (o *operatorSink) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-o.queue:
			if o.sender == nil {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			_, _ = o.sender.SendText(sctx, m.to, m.text, &kit.SendOptions{DisablePreview: true})
			cancel()
		}
	}
}

func (o *operatorSink) Write(p []byte) (int, error) {
	return o.WriteLevel(zerolog.InfoLevel, p)
}

func (o *operatorSink) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	o.mu.Lock()
	to, floor, lim := o.to, o.min, o.limiter
	o.mu.Unlock()
	if to.ChatID == 0 || level < floor {
		return len(p), nil
	}

	text, key := formatOperator(p)
	if text == "" || !o.fresh(key) || (lim != nil && !lim.Allow()) {
		return len(p), nil
	}
	select {
	case o.queue <- operatorMsg{to: to, text: text}:
	default:
	}
	return len(p), nil
}

// fresh reports whether key was not forwarded within the repeat window and
// marks it as forwarded.
func (o *operatorSink) fresh(key string) bool {
	now := o.now()
	o.mu.Lock()
	defer o.mu.Unlock()
	if last, ok := o.seen[key]; ok && now.Sub(last) < o.repeat {
		return false
	}
	o.seen[key] = now
	if len(o.seen) > 512 {
		for k, t := range o.seen {
			if now.Sub(t) >= o.repeat {
				delete(o.seen, k)
			}
		}
	}
	return true
}

// Keys rendered in the header or the dispatch line rather than as k=v.
var operatorSkip = map[string]bool{
	"time": true, "level": true, "message": true, "caller": true,
	"comp": true, "item": true, "fire_at": true, "student_id": true,
	"err": true, "stack": true,
}

// formatOperator turns one JSON log line into a chat message and the key
// used to mute repeats.
//
//	[WARN] dispatch: dispatch failed
//	schedule:100 at 2024-06-12 07:00, student 7
//	error: telegram down
//	- attempts=3
func formatOperator(p []byte) (text, key string) {
	var m map[string]any
	if err := json.Unmarshal(p, &m); err != nil {
		raw := strings.TrimSpace(string(p))
		return truncate(raw, operatorMaxText), raw
	}

	lvl := str(m["level"])
	comp := str(m["comp"])
	msg := str(m["message"])
	item := str(m["item"])
	fire := fireMinute(str(m["fire_at"]))

	var b strings.Builder
	if lvl != "" {
		b.WriteString("[" + strings.ToUpper(lvl) + "] ")
	}
	if comp != "" {
		b.WriteString(comp + ": ")
	}
	b.WriteString(msg)

	if item != "" {
		b.WriteString("\n" + item)
		if fire != "" {
			b.WriteString(" at " + fire)
		}
		if sid, ok := m["student_id"]; ok {
			fmt.Fprintf(&b, ", student %v", sid)
		}
	}
	if e := str(m["err"]); e != "" {
		b.WriteString("\nerror: " + truncate(e, 600))
	}

	keys := make([]string, 0, len(m))
	for k := range m {
		if !operatorSkip[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString("\n- " + k + "=" + truncate(fmt.Sprint(m[k]), 600))
	}
	if st := str(m["stack"]); st != "" {
		b.WriteString("\nstack:\n" + truncate(st, 900))
	}

	return truncate(b.String(), operatorMaxText), strings.Join([]string{lvl, comp, msg, item, fire}, "|")
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

// fireMinute shortens a zerolog timestamp to the minute it names.
func fireMinute(s string) string {
	if s == "" {
		return ""
	}
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		return s
	}
	return t.Format("2006-01-02 15:04")
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n < 10 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
