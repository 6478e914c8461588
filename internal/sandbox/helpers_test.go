package sandbox

import (
	"context"
	"testing"
	"time"
)

func TestGenerateID_Shape(t *testing.T) {
	seen := map[string]struct{}{}
	for i := 0; i < 100; i++ {
		id := GenerateID()
		if len(id) != 32 {
			t.Fatalf("len(%q) = %d; want 32", id, len(id))
		}
		for _, r := range id {
			if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f') {
				t.Fatalf("non-hex rune %q in %q", r, id)
			}
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = struct{}{}
	}
}

func TestDatetimeToUTCTimestamp(t *testing.T) {
	// time.Time input, microsecond precision preserved
	ts := time.Date(2026, 1, 2, 3, 4, 5, 123456000, time.UTC)
	got, err := DatetimeToUTCTimestamp(ts)
	if err != nil {
		t.Fatalf("DatetimeToUTCTimestamp: %v", err)
	}
	want := float64(ts.Unix()) + 0.123456
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("got %v; want %v", got, want)
	}

	// RFC3339 string input
	got2, err := DatetimeToUTCTimestamp("2026-01-02T03:04:05Z")
	if err != nil {
		t.Fatalf("string input: %v", err)
	}
	if got2 != float64(ts.Unix()) {
		t.Fatalf("got %v; want %v", got2, float64(ts.Unix()))
	}

	if _, err := DatetimeToUTCTimestamp("not a time"); err == nil {
		t.Fatalf("expected error for garbage input")
	}
	if _, err := DatetimeToUTCTimestamp([]int{1}); err == nil {
		t.Fatalf("expected error for unsupported type")
	}
}

func Test_coerceTime_Variants(t *testing.T) {
	if _, err := coerceTime("2026-01-02 03:04:05"); err != nil {
		t.Fatalf("space layout: %v", err)
	}
	if _, err := coerceTime("2026-01-02"); err != nil {
		t.Fatalf("date-only layout: %v", err)
	}
	got, err := coerceTime(int64(1767322800))
	if err != nil || got.Unix() != 1767322800 {
		t.Fatalf("epoch int64: %v %v", got, err)
	}
	got, err = coerceTime(1767322800.5)
	if err != nil || got.Unix() != 1767322800 {
		t.Fatalf("epoch float: %v %v", got, err)
	}
}

// fakeScheduler records the calls the bindings forward.
type fakeScheduler struct {
	addedBot    string
	addedAction string
	addedID     string
	deletedID   string
	err         error
}

func (f *fakeScheduler) AddJob(_ context.Context, bot, actionName string, _ time.Time, _ map[string]any, _ string, id string, _ map[string]any) error {
	f.addedBot, f.addedAction, f.addedID = bot, actionName, id
	return f.err
}

func (f *fakeScheduler) DeleteJob(_ context.Context, eventID string) error {
	f.deletedID = eventID
	return f.err
}

type fakeDataStore struct {
	lastBot string
}

func (f *fakeDataStore) AddData(_ context.Context, bot, _ string, _ map[string]any, _ []string) (string, error) {
	f.lastBot = bot
	return "new-id", nil
}
func (f *fakeDataStore) GetData(_ context.Context, bot, _ string, _ map[string]any) ([]map[string]any, error) {
	f.lastBot = bot
	return nil, nil
}
func (f *fakeDataStore) UpdateData(_ context.Context, bot, _ string, _ map[string]any, _ []string) error {
	f.lastBot = bot
	return nil
}
func (f *fakeDataStore) DeleteData(_ context.Context, bot, _ string) error {
	f.lastBot = bot
	return nil
}

type fakeMailer struct{ sentBot string }

func (f *fakeMailer) SendEmail(_ context.Context, bot, _, _, _, _, _ string) error {
	f.sentBot = bot
	return nil
}

func TestBindings_ScopedByBot(t *testing.T) {
	sched := &fakeScheduler{}
	data := &fakeDataStore{}
	mailer := &fakeMailer{}
	caps := &Capabilities{Bot: "acme", Scheduler: sched, Data: data, Mailer: mailer}

	b := caps.Bindings(context.Background())

	addJob := b["add_schedule_job"].(func(string, any, map[string]any, string, string, map[string]any) (string, error))
	id, err := addJob("remind", "2026-06-01T10:00:00Z", map[string]any{"k": "v"}, "UTC", "", nil)
	if err != nil {
		t.Fatalf("add_schedule_job: %v", err)
	}
	if id == "" || sched.addedID != id {
		t.Fatalf("generated id not forwarded: %q vs %q", id, sched.addedID)
	}
	if sched.addedBot != "acme" || sched.addedAction != "remind" {
		t.Fatalf("bot scope lost: %+v", sched)
	}

	delJob := b["delete_schedule_job"].(func(string) error)
	if err := delJob("ev-1"); err != nil || sched.deletedID != "ev-1" {
		t.Fatalf("delete_schedule_job: %v (%q)", err, sched.deletedID)
	}

	addData := b["add_data"].(func(string, map[string]any, []string) (string, error))
	if _, err := addData("leads", map[string]any{"n": 1}, nil); err != nil || data.lastBot != "acme" {
		t.Fatalf("add_data: %v (%q)", err, data.lastBot)
	}

	sendEmail := b["send_email"].(func(string, string, string, string, string) error)
	if err := sendEmail("emailAction", "a@x.io", "b@x.io", "s", "b"); err != nil || mailer.sentBot != "acme" {
		t.Fatalf("send_email: %v (%q)", err, mailer.sentBot)
	}
}

func TestBindings_FailClosedWithoutBot(t *testing.T) {
	caps := &Capabilities{Scheduler: &fakeScheduler{}, Data: &fakeDataStore{}, Mailer: &fakeMailer{}}
	b := caps.Bindings(context.Background())

	addJob := b["add_schedule_job"].(func(string, any, map[string]any, string, string, map[string]any) (string, error))
	if _, err := addJob("a", "2026-06-01T10:00:00Z", nil, "UTC", "", nil); err == nil {
		t.Fatalf("expected error without bot id")
	}
	addData := b["add_data"].(func(string, map[string]any, []string) (string, error))
	if _, err := addData("c", nil, nil); err == nil {
		t.Fatalf("expected error without bot id")
	}
	sendEmail := b["send_email"].(func(string, string, string, string, string) error)
	if err := sendEmail("e", "f", "t", "s", "b"); err == nil {
		t.Fatalf("expected error without bot id")
	}
}

func TestBindings_OmitAbsentCapabilities(t *testing.T) {
	caps := &Capabilities{Bot: "acme"}
	b := caps.Bindings(context.Background())

	for _, name := range []string{"add_schedule_job", "send_email", "add_data", "httpc"} {
		if _, present := b[name]; present {
			t.Fatalf("%q bound without its capability", name)
		}
	}
	if _, present := b["generate_id"]; !present {
		t.Fatalf("generate_id should always be bound")
	}
}

func TestBindings_AddScheduleJob_RejectsBadRunAt(t *testing.T) {
	caps := &Capabilities{Bot: "acme", Scheduler: &fakeScheduler{}}
	b := caps.Bindings(context.Background())

	addJob := b["add_schedule_job"].(func(string, any, map[string]any, string, string, map[string]any) (string, error))
	if _, err := addJob("a", "whenever", nil, "UTC", "", nil); err == nil {
		t.Fatalf("expected error for unparseable run_at")
	}
}
