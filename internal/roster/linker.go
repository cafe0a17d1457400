package roster

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"coachbot/internal/eventbus"
	"coachbot/internal/storage"
	kit "coachbot/internal/transport"
	logx "coachbot/pkg/logx"
)

// ConfigureWeekData is the callback payload of the weekly reminder button.
const ConfigureWeekData = "configure_week"

// ConfigureWeekButton is attached to weekly reminder messages.
var ConfigureWeekButton = kit.Button{Text: "📅 Configurar mi semana", Data: ConfigureWeekData}

const (
	msgWelcome       = "👋 ¡Hola %s!\n\nBienvenido a EntrenaSmart.\n\nRecibirás recordatorios automáticos de tus entrenamientos."
	msgNoUsername    = "👋 ¡Hola!\n\nPara vincular tu cuenta necesitas un nombre de usuario de Telegram. Configúralo y vuelve a enviar /start."
	msgNotRegistered = "❌ No estás registrado como alumno.\n\nPor favor, contacta a tu entrenador para registrarte."
	msgConfigureWeek = "📅 Escríbeme qué días y a qué hora quieres entrenar esta semana."
)

// Messenger is the part of the transport adapter the linker replies through.
type Messenger interface {
	SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error)
	AnswerCallback(ctx context.Context, callbackID string, text string) error
}

// Linker assigns a student's chat on their first /start and answers the
// weekly reminder button.
type Linker struct {
	admin storage.Admin
	msg   Messenger
	log   logx.Logger
	bus   eventbus.Bus

	linking atomic.Bool
}

func NewLinker(admin storage.Admin, msg Messenger, log logx.Logger, bus eventbus.Bus) *Linker {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop{}
	}
	l := &Linker{admin: admin, msg: msg, log: log, bus: bus}
	l.linking.Store(true)
	return l
}

// SetLinking turns /start handling on or off. The reminder button is
// answered either way.
func (l *Linker) SetLinking(enabled bool) { l.linking.Store(enabled) }

// Run handles updates until ctx is done or the channel closes.
func (l *Linker) Run(ctx context.Context, updates <-chan kit.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case up, ok := <-updates:
			if !ok {
				return
			}
			hctx, cancel := context.WithTimeout(ctx, 15*time.Second)
			l.Handle(hctx, up)
			cancel()
		}
	}
}

// Handle processes one update and reports whether it was consumed.
func (l *Linker) Handle(ctx context.Context, up kit.Update) bool {
	switch up.Kind {
	case kit.UpdateMessage:
		if !l.linking.Load() || up.Message == nil || !up.Message.IsPrivate || !isStart(up.Message.Text) {
			return false
		}
		l.start(ctx, up.Message)
		return true
	case kit.UpdateCallback:
		if up.Callback == nil || up.Callback.Data != ConfigureWeekData {
			return false
		}
		if err := l.msg.AnswerCallback(ctx, up.Callback.ID, ""); err != nil {
			l.log.Warn("answer callback failed", logx.Err(err))
		}
		l.reply(ctx, up.Callback.ChatID, msgConfigureWeek)
		return true
	}
	return false
}

func isStart(text string) bool {
	cmd, _, _ := strings.Cut(strings.TrimSpace(text), " ")
	cmd, _, _ = strings.Cut(cmd, "@")
	return cmd == "/start"
}

func (l *Linker) start(ctx context.Context, m *kit.Message) {
	log := l.log.With(logx.Int64("chat_id", m.ChatID), logx.String("username", m.FromUsername))
	if strings.TrimSpace(m.FromUsername) == "" {
		log.Info("start without username")
		l.reply(ctx, m.ChatID, msgNoUsername)
		return
	}

	st, err := l.admin.LinkChat(ctx, m.FromUsername, m.ChatID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		log.Info("start from unknown user")
		l.reply(ctx, m.ChatID, msgNotRegistered)
		return
	case err != nil:
		log.Error("link chat failed", logx.Err(err))
		return
	}

	log.Info("chat linked", logx.Int64("student_id", st.ID))
	l.bus.Publish(eventbus.Event{Type: eventbus.ChatLinked, Data: st})
	l.reply(ctx, m.ChatID, fmt.Sprintf(msgWelcome, st.Name))
}

func (l *Linker) reply(ctx context.Context, chatID int64, text string) {
	if _, err := l.msg.SendText(ctx, kit.ChatTarget{ChatID: chatID}, text, nil); err != nil {
		l.log.Warn("reply failed", logx.Int64("chat_id", chatID), logx.Err(err))
	}
}
