package notifier

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"coachbot/internal/retry"
	rtsup "coachbot/internal/runtime/supervisor"
	kit "coachbot/internal/transport"
	logx "coachbot/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

type Config struct {
	Enabled     bool
	ChatID      int64
	ThreadID    int
	Workers     int
	QueueSize   int
	RatePerSec  int
	Retry       retry.Policy
	DedupWindow time.Duration
	// DedupMaxEntries caps the suppression cache.
	DedupMaxEntries int
}

type Severity int

const (
	Info Severity = iota
	Warning
	Critical
)

func (s Severity) prefix() string {
	switch s {
	case Critical:
		return "🚨 "
	case Warning:
		return "⚠️ "
	default:
		return "ℹ️ "
	}
}

// Notification is one operator alert. An empty Key disables dedup.
type Notification struct {
	Severity Severity
	Key      string
	Text     string
}

type HistoryItem struct {
	At   time.Time `json:"at"`
	Key  string    `json:"key,omitempty"`
	Text string    `json:"text"`
}

// Sender is the outbound half of the messaging adapter.
type Sender interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
}

// Service is safe for concurrent use.
type Service struct {
	mu        sync.Mutex
	log       logx.Logger
	sender    Sender
	cfg       Config
	limiter   *rate.Limiter
	accepting bool
	enqueueWG sync.WaitGroup
	queue     chan Notification
	sup       *rtsup.Supervisor

	dmu   sync.Mutex
	dedup map[string]time.Time

	hmu     sync.Mutex
	history []HistoryItem

	now func() time.Time
}

func New(cfg Config, sender Sender, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{sender: sender, log: log, dedup: map[string]time.Time{}, now: time.Now}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 128
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 1000
	}
	cfg.Retry = cfg.Retry.WithDefaults()
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled && s.cfg.ChatID != 0 && s.sender != nil
}

// Start is idempotent. Disabled services accept nothing.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.queue != nil || !s.cfg.Enabled || s.cfg.ChatID == 0 || s.sender == nil {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan Notification, s.cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	sup, q, workers := s.sup, s.queue, s.cfg.Workers
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.Go0(fmt.Sprintf("worker.%d", i), func(c context.Context) {
			rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(i)))
			for {
				select {
				case <-c.Done():
					return
				case n, ok := <-q:
					if !ok {
						return
					}
					s.send(c, n, rng)
				}
			}
		})
	}
}

// Stop closes intake and drains the queue until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup := s.queue, s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	s.accepting = false
	s.queue = nil
	s.sup = nil
	s.mu.Unlock()

	s.enqueueWG.Wait()
	close(q)
	if err := sup.Wait(ctx); err != nil {
		sup.Cancel()
		s.log.Warn("notifier drain interrupted", logx.Err(err))
	}
}

// Alert enqueues a critical notification. Suppressed duplicates return nil.
func (s *Service) Alert(ctx context.Context, key, text string) error {
	return s.Notify(ctx, Notification{Severity: Critical, Key: key, Text: text})
}

func (s *Service) Notify(ctx context.Context, n Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q, window, maxEntries := s.queue, s.cfg.DedupWindow, s.cfg.DedupMaxEntries
	s.enqueueWG.Add(1)
	s.mu.Unlock()
	defer s.enqueueWG.Done()

	if window > 0 && n.Key != "" && !s.dedupAllow(n.Key, window, maxEntries) {
		s.log.Debug("alert suppressed", logx.String("key", n.Key))
		return nil
	}

	select {
	case q <- n:
		return nil
	default:
		return ErrQueueFull
	}
}

// History returns recent alerts, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	return append([]HistoryItem(nil), s.history...)
}

func (s *Service) appendHistory(n Notification) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: s.now(), Key: n.Key, Text: n.Text})
	if len(s.history) > 200 {
		s.history = s.history[len(s.history)-200:]
	}
	s.hmu.Unlock()
}

func (s *Service) send(ctx context.Context, n Notification, rng *rand.Rand) {
	s.mu.Lock()
	cfg, lim, sender := s.cfg, s.limiter, s.sender
	s.mu.Unlock()

	to := kit.ChatTarget{ChatID: cfg.ChatID, ThreadID: cfg.ThreadID}
	text := n.Severity.prefix() + n.Text
	policy := cfg.Retry

	for attempt := 1; ; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_, err := sender.SendText(callCtx, to, text, &kit.SendOptions{DisablePreview: true})
		cancel()
		if err == nil {
			s.appendHistory(n)
			return
		}
		if attempt >= policy.MaxAttempts || retry.IsNoRetry(err) {
			s.log.Warn("alert dropped", logx.String("key", n.Key), logx.Int("attempts", attempt), logx.Err(err))
			return
		}
		t := time.NewTimer(policy.Delay(attempt, err, rng))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
}

func (s *Service) dedupAllow(key string, window time.Duration, maxEntries int) bool {
	now := s.now()
	s.dmu.Lock()
	defer s.dmu.Unlock()

	if until, ok := s.dedup[key]; ok && now.Before(until) {
		return false
	}
	s.dedup[key] = now.Add(window)

	for k, until := range s.dedup {
		if !now.Before(until) {
			delete(s.dedup, k)
		}
	}
	for len(s.dedup) > maxEntries {
		var oldest string
		var oldestAt time.Time
		for k, t := range s.dedup {
			if oldest == "" || t.Before(oldestAt) {
				oldest, oldestAt = k, t
			}
		}
		delete(s.dedup, oldest)
	}
	return true
}
