package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/FlowPipe/internal/messaging"
	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/sender"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/BTreeMap/FlowPipe/internal/testutil"
)

type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *sleepRecorder) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits = append(s.waits, d)
	return nil
}

type upperRewriter struct{ err error }

func (u upperRewriter) Rewrite(ctx context.Context, text string) (string, error) {
	if u.err != nil {
		return "", u.err
	}
	return strings.ToUpper(text), nil
}

type fixture struct {
	store   store.Store
	session *messaging.MockSession
	pool    *sender.Pool
	svc     *Service
	worker  *Worker
	sleeps  *sleepRecorder
}

func newFixture(t *testing.T, senders int, opts ...WorkerOption) *fixture {
	t.Helper()
	return newFixtureOn(t, store.NewInMemoryStore(), senders, opts...)
}

func newFixtureOn(t *testing.T, st store.Store, senders int, opts ...WorkerOption) *fixture {
	t.Helper()
	session := messaging.NewMockSession("bulk")
	reg := messaging.NewSessionRegistry()
	reg.Register(session)
	pool := sender.NewPool(st)
	for i := 0; i < senders; i++ {
		s := &models.Sender{Name: "bulk", Phone: "1555000000" + string(rune('0'+i)), SessionID: "bulk"}
		require.NoError(t, pool.Add(context.Background(), s))
	}
	sleeps := &sleepRecorder{}
	opts = append([]WorkerOption{WithPacing(Pacing{}), WithSleep(sleeps.Sleep)}, opts...)
	return &fixture{
		store:   st,
		session: session,
		pool:    pool,
		svc:     NewService(st),
		worker:  NewWorker(st, pool, reg, opts...),
		sleeps:  sleeps,
	}
}

func (f *fixture) contacts(t *testing.T, names ...string) []string {
	t.Helper()
	var ids []string
	for i, name := range names {
		c, err := f.store.UpsertContact("1555123000"+string(rune('0'+i)), "", name)
		require.NoError(t, err)
		ids = append(ids, c.ID)
	}
	return ids
}

func (f *fixture) campaign(t *testing.T, template string) *models.Campaign {
	t.Helper()
	c := &models.Campaign{Name: "spring", Template: template, Variables: map[string]string{"code": "SPRING10"}}
	require.NoError(t, f.svc.Create(context.Background(), c))
	return c
}

func TestPersonalize(t *testing.T) {
	contact := &models.Contact{Name: "Ana", Phone: "15551230001", Attributes: map[string]any{"city": "Porto"}}
	vars := map[string]string{"code": "SPRING10", "city": "Lisbon"}

	tests := []struct {
		name     string
		template string
		contact  *models.Contact
		want     string
	}{
		{"name and phone", "Hi {{name}} ({{phone}})", contact, "Hi Ana (15551230001)"},
		{"campaign variable", "Use {{ code }}", contact, "Use SPRING10"},
		{"campaign variable wins over attribute", "{{city}}", contact, "Lisbon"},
		{"contact attribute", "{{contact.city}}", contact, "Porto"},
		{"flow scope reads campaign variables", "{{flow.code}}", contact, "SPRING10"},
		{"unknown placeholder", "[{{missing}}]", contact, "[]"},
		{"no contact falls back to phone", "{{name}}{{phone}}", nil, "15550009999"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Personalize(tt.template, vars, tt.contact, "15550009999"))
		})
	}
}

func TestTypingDelayBounds(t *testing.T) {
	p := Pacing{TypingDelayPerChar: 10 * time.Millisecond, MinTypingDelay: 100 * time.Millisecond, MaxTypingDelay: time.Second}
	assert.Equal(t, 100*time.Millisecond, p.TypingDelay(3))
	assert.Equal(t, 500*time.Millisecond, p.TypingDelay(50))
	assert.Equal(t, time.Second, p.TypingDelay(1000))
}

func TestCreateRequiresTemplate(t *testing.T) {
	f := newFixture(t, 0)
	err := f.svc.Create(context.Background(), &models.Campaign{Name: "empty"})
	assert.ErrorIs(t, err, models.ErrEmptyTemplate)
}

func TestLaunchEnqueuesOneJobPerRecipient(t *testing.T) {
	f := newFixture(t, 1)
	c := f.campaign(t, "Hi {{name}}")
	ids := f.contacts(t, "Ana", "Bo")
	ctx := context.Background()

	got, err := f.svc.Launch(ctx, c.ID, append(ids, "ct_unknown"))
	require.NoError(t, err)
	assert.Equal(t, models.CampaignRunning, got.Status)
	assert.Equal(t, 2, got.TotalCount)

	_, err = f.svc.Launch(ctx, c.ID, ids)
	require.NoError(t, err)

	jobs, err := f.store.ClaimDueJobs(time.Now().Add(time.Second), 10)
	require.NoError(t, err)
	require.Len(t, jobs, 2, "relaunch must not enqueue duplicates")
	var p SendPayload
	require.NoError(t, json.Unmarshal([]byte(jobs[0].PayloadJSON), &p))
	assert.Equal(t, JobKindSend, jobs[0].Kind)
	assert.Equal(t, c.ID, p.CampaignID)
	assert.Equal(t, "campaign:"+c.ID+":"+p.ContactID, jobs[0].DedupeKey)

	_, err = f.svc.Launch(ctx, c.ID, ids)
	require.NoError(t, err)
	again, err := f.store.ClaimDueJobs(time.Now().Add(time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, again, "relaunch must not re-send recipients whose job is running")
}

func TestLaunchErrors(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()

	_, err := f.svc.Launch(ctx, "cp_missing", nil)
	assert.ErrorIs(t, err, models.ErrNotFound)

	c := f.campaign(t, "Hi")
	_, err = f.svc.Launch(ctx, c.ID, []string{"ct_unknown"})
	assert.ErrorIs(t, err, ErrNoRecipients)
}

func TestWorkerDeliversCampaignThroughJobRunner(t *testing.T) {
	backends := map[string]func(t *testing.T) store.Store{
		"memory": func(t *testing.T) store.Store { return store.NewInMemoryStore() },
		"sqlite": func(t *testing.T) store.Store { return testutil.NewSQLiteStore(t) },
	}
	for name, open := range backends {
		t.Run(name, func(t *testing.T) {
			testWorkerDelivers(t, newFixtureOn(t, open(t), 2))
		})
	}
}

func testWorkerDelivers(t *testing.T, f *fixture) {
	c := f.campaign(t, "Hi {{name}}, use {{code}}")
	ids := f.contacts(t, "Ana", "Bo")
	ctx := context.Background()

	runner := store.NewJobRunner(f.store, time.Second)
	f.worker.Register(runner)
	_, err := f.svc.Launch(ctx, c.ID, ids)
	require.NoError(t, err)
	runner.Poll(ctx)

	texts := f.session.Texts()
	assert.ElementsMatch(t, []string{"Hi Ana, use SPRING10", "Hi Bo, use SPRING10"}, texts)

	done, err := f.store.GetCampaign(c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignCompleted, done.Status)
	assert.Equal(t, 2, done.SentCount)
	assert.Equal(t, 0, done.FailedCount)

	recipients, err := f.store.ListRecipients(c.ID)
	require.NoError(t, err)
	for _, r := range recipients {
		assert.Equal(t, models.RecipientSent, r.Status)
		assert.NotEmpty(t, r.SenderID)
		assert.NotNil(t, r.SentAt)
		assert.Equal(t, 1, r.Attempts)
	}

	senders, err := f.store.ListSenders()
	require.NoError(t, err)
	total := 0
	for _, s := range senders {
		total += s.SentToday
		assert.Equal(t, 0, s.ConsecutiveFailures)
	}
	assert.Equal(t, 2, total)
}

func TestHandleSendSkipsDeliveredRecipient(t *testing.T) {
	f := newFixture(t, 1)
	c := f.campaign(t, "Hello")
	ids := f.contacts(t, "Ana")
	ctx := context.Background()
	_, err := f.svc.Launch(ctx, c.ID, ids)
	require.NoError(t, err)

	recipients, _ := f.store.ListRecipients(c.ID)
	payload, _ := json.Marshal(SendPayload{CampaignID: c.ID, RecipientID: recipients[0].ID, ContactID: ids[0]})
	require.NoError(t, f.worker.HandleSend(ctx, string(payload)))
	require.NoError(t, f.worker.HandleSend(ctx, string(payload)))

	assert.Len(t, f.session.Sent(), 1)
	assert.Error(t, f.worker.HandleSend(ctx, "{"))
}

func TestHandleSendRetriesThenFailsRecipient(t *testing.T) {
	f := newFixture(t, 0)
	c := f.campaign(t, "Hello")
	ids := f.contacts(t, "Ana")
	ctx := context.Background()

	runner := store.NewJobRunner(f.store, time.Second)
	f.worker.Register(runner)
	_, err := f.svc.Launch(ctx, c.ID, ids)
	require.NoError(t, err)
	runner.Poll(ctx)

	recipients, _ := f.store.ListRecipients(c.ID)
	require.Len(t, recipients, 1)
	r := recipients[0]
	assert.Equal(t, models.RecipientPending, r.Status, "first attempt leaves the recipient for retry")
	assert.Equal(t, 1, r.Attempts)
	assert.Contains(t, r.LastError, sender.ErrNoHealthySender.Error())

	// Outside a job runner every attempt is the last one.
	payload, _ := json.Marshal(SendPayload{CampaignID: c.ID, RecipientID: r.ID, ContactID: ids[0]})
	err = f.worker.HandleSend(ctx, string(payload))
	assert.ErrorIs(t, err, sender.ErrNoHealthySender)

	failed, _ := f.store.GetRecipient(r.ID)
	assert.Equal(t, models.RecipientFailed, failed.Status)
	camp, _ := f.store.GetCampaign(c.ID)
	assert.Equal(t, 1, camp.FailedCount)
	assert.Equal(t, models.CampaignCompleted, camp.Status)
}

func TestSendFailureLowersSenderHealth(t *testing.T) {
	f := newFixture(t, 1)
	f.session.SetSendError(errors.New("socket closed"))
	c := f.campaign(t, "Hello")
	ids := f.contacts(t, "Ana")
	ctx := context.Background()
	_, err := f.svc.Launch(ctx, c.ID, ids)
	require.NoError(t, err)

	recipients, _ := f.store.ListRecipients(c.ID)
	payload, _ := json.Marshal(SendPayload{CampaignID: c.ID, RecipientID: recipients[0].ID, ContactID: ids[0]})
	assert.Error(t, f.worker.HandleSend(ctx, string(payload)))

	senders, _ := f.store.ListSenders()
	require.Len(t, senders, 1)
	assert.Equal(t, models.MaxHealthScore-sender.HealthPenaltyOnFailure, senders[0].HealthScore)
	assert.Equal(t, 1, senders[0].ConsecutiveFailures)
	failed, _ := f.store.GetRecipient(recipients[0].ID)
	assert.Equal(t, senders[0].ID, failed.SenderID)
}

func TestRewriteAndPacing(t *testing.T) {
	pacing := Pacing{
		TypingDelayPerChar: 10 * time.Millisecond,
		MinTypingDelay:     100 * time.Millisecond,
		MaxTypingDelay:     time.Second,
		InterMessageDelay:  time.Second,
		BatchSize:          2,
		BatchDelay:         5 * time.Second,
	}
	f := newFixture(t, 1, WithPacing(pacing), WithRewriter(upperRewriter{}))
	c := &models.Campaign{Name: "vary", Template: "Hi {{name}}", Rewrite: true}
	require.NoError(t, f.svc.Create(context.Background(), c))
	ids := f.contacts(t, "Ana", "Bo")
	ctx := context.Background()
	_, err := f.svc.Launch(ctx, c.ID, ids)
	require.NoError(t, err)

	recipients, _ := f.store.ListRecipients(c.ID)
	for _, r := range recipients {
		payload, _ := json.Marshal(SendPayload{CampaignID: c.ID, RecipientID: r.ID, ContactID: r.ContactID})
		require.NoError(t, f.worker.HandleSend(ctx, string(payload)))
	}

	assert.ElementsMatch(t, []string{"HI ANA", "HI BO"}, f.session.Texts())
	want := []time.Duration{1100 * time.Millisecond, 1100 * time.Millisecond, 5 * time.Second}
	assert.Equal(t, want, f.sleeps.waits)
}

func TestRewriteFailureSendsOriginal(t *testing.T) {
	f := newFixture(t, 1, WithRewriter(upperRewriter{err: errors.New("quota")}))
	c := &models.Campaign{Name: "vary", Template: "Hi {{name}}", Rewrite: true}
	require.NoError(t, f.svc.Create(context.Background(), c))
	ids := f.contacts(t, "Ana")
	ctx := context.Background()
	_, err := f.svc.Launch(ctx, c.ID, ids)
	require.NoError(t, err)

	recipients, _ := f.store.ListRecipients(c.ID)
	payload, _ := json.Marshal(SendPayload{CampaignID: c.ID, RecipientID: recipients[0].ID, ContactID: ids[0]})
	require.NoError(t, f.worker.HandleSend(ctx, string(payload)))
	assert.Equal(t, []string{"Hi Ana"}, f.session.Texts())
}

func TestDeliverShowsTypingWhilePacing(t *testing.T) {
	f := newFixture(t, 1)
	c := f.campaign(t, "Hello")
	ids := f.contacts(t, "Ana", "Bo")
	ctx := context.Background()
	_, err := f.svc.Launch(ctx, c.ID, ids)
	require.NoError(t, err)
	recipients, _ := f.store.ListRecipients(c.ID)

	payload, _ := json.Marshal(SendPayload{CampaignID: c.ID, RecipientID: recipients[0].ID, ContactID: recipients[0].ContactID})
	require.NoError(t, f.worker.HandleSend(ctx, string(payload)))
	assert.Equal(t, []bool{true}, f.session.Typing())

	f.session.SetSendError(errors.New("socket closed"))
	payload, _ = json.Marshal(SendPayload{CampaignID: c.ID, RecipientID: recipients[1].ID, ContactID: recipients[1].ContactID})
	assert.Error(t, f.worker.HandleSend(ctx, string(payload)))
	assert.Equal(t, []bool{true, true, false}, f.session.Typing(), "a failed send clears the indicator")
}
