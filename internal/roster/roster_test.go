package roster

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/afero"

	"coachbot/internal/domain"
	"coachbot/internal/storage"
	kit "coachbot/internal/transport"
	logx "coachbot/pkg/logx"
)

const seedYAML = `
students:
  - {id: 1, name: Ana, username: "@ana", active: true}
  - {id: 2, name: Luis, username: luis, active: true}
templates:
  - id: 10
    name: sesion
    content: "Hoy entrenas {{session_type}} en {{location}}"
    variables: [session_type, location]
    active: true
schedules:
  - {id: 100, template_id: 10, student_id: 1, hour: 7, minute: 0, weekdays: [2], active: true}
training_days:
  - {weekday: 2, session_type: Pierna, location: Sala 1}
weekly_reminder:
  weekday: 6
  hour: 18
  minute: 0
  message_full_week: "Semana completa"
  message_monday_off: "Lunes libre"
  is_monday_off: true
  active: true
`

func TestLoadAndApplySeed(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	if err := afero.WriteFile(fs, "/seed.yaml", []byte(seedYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	seed, err := LoadSeed(fs, "/seed.yaml")
	if err != nil {
		t.Fatalf("LoadSeed: %v", err)
	}

	ctx := context.Background()
	st := storage.NewMemory()
	defer st.Close()
	counts, err := seed.Apply(ctx, st)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	want := Counts{Students: 2, Templates: 1, Schedules: 1, TrainingDays: 1, Reminder: true}
	if counts != want {
		t.Fatalf("counts = %+v, want %+v", counts, want)
	}

	sch, err := st.GetSchedule(ctx, 100)
	if err != nil || len(sch.Weekdays) != 1 || sch.Weekdays[0] != domain.Wednesday {
		t.Fatalf("schedule = %+v, %v", sch, err)
	}
	rcfg, ok, _ := st.GetWeeklyReminderConfig(ctx)
	if !ok || !rcfg.IsMondayOff || rcfg.Weekday != domain.Sunday {
		t.Fatalf("reminder = %+v ok=%v", rcfg, ok)
	}
}

func TestSeedValidationCollectsErrors(t *testing.T) {
	t.Parallel()
	seed := Seed{
		Students:  []domain.Student{{ID: 1, Name: "Ana"}, {ID: 1, Name: "Ana bis"}},
		Templates: []domain.Template{{ID: 10, Name: "x", Content: "{{a}} {{b}}", Variables: []string{"a"}}},
		Schedules: []domain.MessageSchedule{{ID: 100, TemplateID: 11, StudentID: 9, Hour: 25, Weekdays: []domain.Weekday{1}}},
	}
	err := seed.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, frag := range []string{"duplicate id", "not declared", "unknown student 9", "unknown template 11", "Hour"} {
		if !strings.Contains(err.Error(), frag) {
			t.Fatalf("error %q lacks %q", err, frag)
		}
	}
}

func TestLoadSeedRejectsUnknownKeys(t *testing.T) {
	t.Parallel()
	fs := afero.NewMemMapFs()
	_ = afero.WriteFile(fs, "seed.yaml", []byte("studnets: []\n"), 0o644)
	if _, err := LoadSeed(fs, "seed.yaml"); err == nil {
		t.Fatal("unknown key accepted")
	}
	if _, err := LoadSeed(fs, "missing.yaml"); err == nil {
		t.Fatal("missing file accepted")
	}
}

type fakeMessenger struct {
	mu       sync.Mutex
	replies  map[int64][]string
	answered []string
}

func (f *fakeMessenger) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.replies == nil {
		f.replies = map[int64][]string{}
	}
	f.replies[to.ChatID] = append(f.replies[to.ChatID], text)
	return kit.MessageRef{ChatID: to.ChatID}, nil
}

func (f *fakeMessenger) AnswerCallback(_ context.Context, id string, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answered = append(f.answered, id)
	return nil
}

func startUpdate(chatID int64, username, text string) kit.Update {
	return kit.Update{Kind: kit.UpdateMessage, Message: &kit.Message{
		ChatID: chatID, FromID: chatID, FromUsername: username, Text: text, IsPrivate: true,
	}}
}

func TestLinkerStart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := storage.NewMemory()
	defer st.Close()
	if err := st.PutStudent(ctx, domain.Student{ID: 1, Name: "Ana", Username: "ana", Active: true}); err != nil {
		t.Fatal(err)
	}
	msg := &fakeMessenger{}
	l := NewLinker(st, msg, logx.Nop(), nil)

	if !l.Handle(ctx, startUpdate(555, "ANA", "/start")) {
		t.Fatal("/start not handled")
	}
	got, _ := st.GetStudent(ctx, 1)
	if got.ChatID != 555 {
		t.Fatalf("chat not linked: %+v", got)
	}
	if r := msg.replies[555]; len(r) != 1 || !strings.Contains(r[0], "Ana") {
		t.Fatalf("welcome = %q", r)
	}

	l.Handle(ctx, startUpdate(777, "stranger", "/start@coachbot"))
	if r := msg.replies[777]; len(r) != 1 || !strings.Contains(r[0], "No estás registrado") {
		t.Fatalf("unknown user reply = %q", r)
	}

	l.Handle(ctx, startUpdate(888, "", "/start"))
	if r := msg.replies[888]; len(r) != 1 || !strings.Contains(r[0], "nombre de usuario") {
		t.Fatalf("no username reply = %q", r)
	}

	if l.Handle(ctx, startUpdate(555, "ana", "hola")) {
		t.Fatal("plain text should not be consumed")
	}
	group := startUpdate(-100, "ana", "/start")
	group.Message.IsPrivate = false
	if l.Handle(ctx, group) {
		t.Fatal("group /start should be ignored")
	}
}

func TestLinkerConfigureWeekCallback(t *testing.T) {
	t.Parallel()
	msg := &fakeMessenger{}
	l := NewLinker(storage.NewMemory(), msg, logx.Nop(), nil)

	up := kit.Update{Kind: kit.UpdateCallback, Callback: &kit.Callback{ID: "cb1", ChatID: 555, Data: ConfigureWeekData}}
	if !l.Handle(context.Background(), up) {
		t.Fatal("callback not handled")
	}
	if len(msg.answered) != 1 || len(msg.replies[555]) != 1 {
		t.Fatalf("answered=%v replies=%v", msg.answered, msg.replies)
	}
	up.Callback.Data = "other"
	if l.Handle(context.Background(), up) {
		t.Fatal("foreign callback consumed")
	}
}

func TestIsStart(t *testing.T) {
	t.Parallel()
	for text, want := range map[string]bool{
		"/start":          true,
		" /start payload": true,
		"/start@bot":      true,
		"/starts":         false,
		"start":           false,
	} {
		if got := isStart(text); got != want {
			t.Fatalf("isStart(%q) = %v", text, got)
		}
	}
}

func TestLinkerDisabled(t *testing.T) {
	t.Parallel()
	msg := &fakeMessenger{}
	l := NewLinker(storage.NewMemory(), msg, logx.Nop(), nil)
	l.SetLinking(false)
	if l.Handle(context.Background(), startUpdate(555, "ana", "/start")) {
		t.Fatal("/start handled while linking is off")
	}
	if len(msg.replies) != 0 {
		t.Fatalf("replies = %v", msg.replies)
	}
}
