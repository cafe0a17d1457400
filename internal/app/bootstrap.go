package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/afero"

	"coachbot/internal/config"
	"coachbot/internal/dispatch"
	"coachbot/internal/roster"
	"coachbot/internal/storage"
	telegram "coachbot/internal/transport/telegram/adapter"
	logx "coachbot/pkg/logx"
)

// The helpers below give one-shot commands (seed, test-send, dispatches)
// the same wiring as the long-running bot without starting it.

// OpenStore opens the configured storage backend.
func OpenStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc, err := mapStorage(cfg)
	if err != nil {
		return nil, err
	}
	return storage.Open(sc, log.With(logx.String("comp", "storage")))
}

// ApplySeed loads a roster seed file and upserts it into admin.
func ApplySeed(ctx context.Context, fs afero.Fs, path string, admin storage.Admin, log logx.Logger) (roster.Counts, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return roster.Counts{}, fmt.Errorf("seed file path is empty")
	}
	seed, err := roster.LoadSeed(fs, path)
	if err != nil {
		return roster.Counts{}, err
	}
	counts, err := seed.Apply(ctx, admin)
	if err != nil {
		return counts, fmt.Errorf("apply seed %s: %w", path, err)
	}
	log.Info("seed applied", logx.String("path", path), logx.String("counts", counts.String()))
	return counts, nil
}

// NewSendOnly builds a dispatcher backed by a Telegram adapter that sends
// but does not poll for updates.
func NewSendOnly(cfg *config.Config, store storage.Store, log logx.Logger) (*dispatch.Dispatcher, error) {
	tc, err := mapTelegram(cfg)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(tc, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}
	opts, err := mapDispatch(cfg)
	if err != nil {
		return nil, err
	}
	return dispatch.New(opts, dispatch.AdapterSender{Adapter: ad}, store,
		dispatch.WithLogger(log.With(logx.String("comp", "dispatch"))),
	), nil
}
