package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/util"
)

// InMemoryStore keeps every entity in maps guarded by a single mutex.
// Values are deep-copied on the way in and out so callers never share state.
type InMemoryStore struct {
	mu         sync.Mutex
	contacts   map[string]*models.Contact
	byPhone    map[string]string
	flows      map[string]*models.Flow
	nextPos    int
	executions map[string]*models.FlowExecution
	senders    map[string]*models.Sender
	campaigns  map[string]*models.Campaign
	recipients map[string]*models.CampaignRecipient
	jobs       map[string]*Job
	dedup      map[string]*DedupRecord
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		contacts:   make(map[string]*models.Contact),
		byPhone:    make(map[string]string),
		flows:      make(map[string]*models.Flow),
		executions: make(map[string]*models.FlowExecution),
		senders:    make(map[string]*models.Sender),
		campaigns:  make(map[string]*models.Campaign),
		recipients: make(map[string]*models.CampaignRecipient),
		jobs:       make(map[string]*Job),
		dedup:      make(map[string]*DedupRecord),
	}
}

// Close is a no-op.
func (s *InMemoryStore) Close() error { return nil }

// clone round-trips v through JSON, matching what a database backend would return.
func clone[T any](v *T) *T {
	b, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("store: clone marshal: %v", err))
	}
	var out T
	if err := json.Unmarshal(b, &out); err != nil {
		panic(fmt.Sprintf("store: clone unmarshal: %v", err))
	}
	return &out
}

// --- contacts ---

func (s *InMemoryStore) UpsertContact(phone, channelAddress, name string) (*models.Contact, error) {
	if phone == "" {
		return nil, models.ErrEmptyPhone
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if id, ok := s.byPhone[phone]; ok {
		c := s.contacts[id]
		if channelAddress != "" {
			c.ChannelAddress = channelAddress
		}
		if name != "" {
			c.Name = name
		}
		c.UpdatedAt = now
		return clone(c), nil
	}
	c := &models.Contact{
		ID:             util.NewEntityID("ct_"),
		Phone:          phone,
		ChannelAddress: channelAddress,
		Name:           name,
		Attributes:     map[string]any{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.contacts[c.ID] = c
	s.byPhone[phone] = c.ID
	return clone(c), nil
}

func (s *InMemoryStore) GetContact(id string) (*models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[id]
	if !ok {
		return nil, nil
	}
	return clone(c), nil
}

func (s *InMemoryStore) GetContactByPhone(phone string) (*models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byPhone[phone]
	if !ok {
		return nil, nil
	}
	return clone(s.contacts[id]), nil
}

func (s *InMemoryStore) SetContactAttributes(id string, attrs map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[id]
	if !ok {
		return models.ErrNotFound
	}
	if c.Attributes == nil {
		c.Attributes = map[string]any{}
	}
	for k, v := range attrs {
		c.Attributes[k] = v
	}
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemoryStore) SetAutoReplySuppression(id string, suppressed bool, until *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.contacts[id]
	if !ok {
		return models.ErrNotFound
	}
	c.AutoReplySuppressed = suppressed
	c.AutoReplySuppressedUntil = nil
	if suppressed && until != nil {
		u := until.UTC()
		c.AutoReplySuppressedUntil = &u
	}
	c.UpdatedAt = time.Now().UTC()
	return nil
}

// --- flows ---

func (s *InMemoryStore) CreateFlow(f *models.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.ID == "" {
		f.ID = util.NewEntityID("fl_")
	}
	if _, exists := s.flows[f.ID]; exists {
		return fmt.Errorf("flow %s already exists", f.ID)
	}
	now := time.Now().UTC()
	s.nextPos++
	f.Position = s.nextPos
	f.CreatedAt, f.UpdatedAt = now, now
	s.flows[f.ID] = clone(f)
	return nil
}

func (s *InMemoryStore) GetFlow(id string) (*models.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.flows[id]
	if !ok {
		return nil, nil
	}
	return clone(f), nil
}

func (s *InMemoryStore) UpdateFlow(f *models.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.flows[f.ID]
	if !ok {
		return models.ErrNotFound
	}
	f.Position = old.Position
	f.CreatedAt = old.CreatedAt
	f.UpdatedAt = time.Now().UTC()
	s.flows[f.ID] = clone(f)
	return nil
}

func (s *InMemoryStore) DeleteFlow(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.flows[id]; !ok {
		return models.ErrNotFound
	}
	delete(s.flows, id)
	return nil
}

func (s *InMemoryStore) sortedFlows(keep func(*models.Flow) bool) []models.Flow {
	var out []models.Flow
	for _, f := range s.flows {
		if keep(f) {
			out = append(out, *clone(f))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

func (s *InMemoryStore) ListFlows() ([]models.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedFlows(func(*models.Flow) bool { return true }), nil
}

func (s *InMemoryStore) ListTriggerFlows(sessionID string) ([]models.Flow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedFlows(func(f *models.Flow) bool {
		if !f.IsActive {
			return false
		}
		if f.TriggerType != models.TriggerKeyword && f.TriggerType != models.TriggerMessage {
			return false
		}
		return f.SessionID == "" || f.SessionID == sessionID
	}), nil
}

// --- executions ---

func (s *InMemoryStore) CreateExecution(e *models.FlowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = util.NewEntityID("ex_")
	}
	now := time.Now().UTC()
	e.StartedAt, e.UpdatedAt = now, now
	if e.Status == models.ExecutionPaused && s.pausedFor(e.ContactID, e.ID) != nil {
		return fmt.Errorf("contact %s: %w", e.ContactID, models.ErrPausedExecutionExists)
	}
	s.executions[e.ID] = clone(e)
	return nil
}

func (s *InMemoryStore) pausedFor(contactID, exceptID string) *models.FlowExecution {
	for _, e := range s.executions {
		if e.ContactID == contactID && e.Status == models.ExecutionPaused && e.ID != exceptID {
			return e
		}
	}
	return nil
}

func (s *InMemoryStore) GetExecution(id string) (*models.FlowExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok {
		return nil, nil
	}
	return clone(e), nil
}

func (s *InMemoryStore) UpdateExecution(e *models.FlowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.executions[e.ID]
	if !ok {
		return models.ErrNotFound
	}
	if e.Status == models.ExecutionPaused && s.pausedFor(e.ContactID, e.ID) != nil {
		return fmt.Errorf("contact %s: %w", e.ContactID, models.ErrPausedExecutionExists)
	}
	e.StartedAt = old.StartedAt
	e.UpdatedAt = time.Now().UTC()
	s.executions[e.ID] = clone(e)
	return nil
}

func (s *InMemoryStore) ClaimPausedExecution(id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok || e.Status != models.ExecutionPaused {
		return false, nil
	}
	e.Status = models.ExecutionRunning
	e.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *InMemoryStore) CompleteExecution(id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok || e.Status.IsTerminal() {
		return false, nil
	}
	at = at.UTC()
	e.Status = models.ExecutionCompleted
	e.CompletedAt = &at
	e.UpdatedAt = at
	return true, nil
}

func (s *InMemoryStore) FailExecution(id, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok || e.Status.IsTerminal() {
		return false, nil
	}
	now := time.Now().UTC()
	e.Status = models.ExecutionFailed
	e.Error = reason
	e.CompletedAt = &now
	e.UpdatedAt = now
	return true, nil
}

func (s *InMemoryStore) FindPausedExecution(contactID string) (*models.FlowExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.pausedFor(contactID, ""); e != nil {
		return clone(e), nil
	}
	return nil, nil
}

func (s *InMemoryStore) FailPausedExecutions(contactID, reason string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	n := 0
	for _, e := range s.executions {
		if e.ContactID == contactID && e.Status == models.ExecutionPaused {
			e.Status = models.ExecutionFailed
			e.Error = reason
			e.CompletedAt = &now
			e.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) ListExecutions(contactID string, limit int) ([]models.FlowExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.FlowExecution
	for _, e := range s.executions {
		if contactID == "" || e.ContactID == contactID {
			out = append(out, *clone(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) ListExecutionsByStatus(status models.ExecutionStatus) ([]models.FlowExecution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.FlowExecution
	for _, e := range s.executions {
		if e.Status == status {
			out = append(out, *clone(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

// --- senders ---

func (s *InMemoryStore) CreateSender(snd *models.Sender) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.senders {
		if existing.Phone == snd.Phone {
			return fmt.Errorf("sender with phone %s already exists", snd.Phone)
		}
	}
	if snd.ID == "" {
		snd.ID = util.NewEntityID("sd_")
	}
	now := time.Now().UTC()
	snd.CreatedAt, snd.UpdatedAt = now, now
	s.senders[snd.ID] = clone(snd)
	return nil
}

func (s *InMemoryStore) GetSender(id string) (*models.Sender, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snd, ok := s.senders[id]
	if !ok {
		return nil, nil
	}
	return clone(snd), nil
}

func (s *InMemoryStore) ListSenders() ([]models.Sender, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Sender
	for _, snd := range s.senders {
		out = append(out, *clone(snd))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) ListAvailableSenders() ([]models.Sender, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.Sender
	for _, snd := range s.senders {
		if snd.IsActive && snd.Status == models.SenderConnected {
			out = append(out, *clone(snd))
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return lessLastUsed(out[i].LastUsedAt, out[j].LastUsedAt) })
	return out, nil
}

// lessLastUsed orders nil (never used) before any timestamp.
func lessLastUsed(a, b *time.Time) bool {
	switch {
	case a == nil && b == nil:
		return false
	case a == nil:
		return true
	case b == nil:
		return false
	}
	return a.Before(*b)
}

func (s *InMemoryStore) UpdateSender(snd *models.Sender) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.senders[snd.ID]
	if !ok {
		return models.ErrNotFound
	}
	snd.CreatedAt = old.CreatedAt
	snd.UpdatedAt = time.Now().UTC()
	s.senders[snd.ID] = clone(snd)
	return nil
}

func (s *InMemoryStore) ReserveSenderQuota(id string, now time.Time) (*models.Sender, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snd, ok := s.senders[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	snd.ResetExpiredWindows(now)
	if !snd.WithinQuota() {
		return clone(snd), ErrQuotaExceeded
	}
	snd.SentThisMinute++
	snd.SentThisHour++
	snd.SentToday++
	used := now.UTC()
	snd.LastUsedAt = &used
	snd.UpdatedAt = used
	return clone(snd), nil
}

// --- campaigns ---

func (s *InMemoryStore) CreateCampaign(c *models.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = util.NewEntityID("cp_")
	}
	if c.Status == "" {
		c.Status = models.CampaignDraft
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	s.campaigns[c.ID] = clone(c)
	return nil
}

func (s *InMemoryStore) GetCampaign(id string) (*models.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, nil
	}
	return clone(c), nil
}

func (s *InMemoryStore) UpdateCampaignStatus(id string, status models.CampaignStatus, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return models.ErrNotFound
	}
	c.Status = status
	if total > 0 {
		c.TotalCount = total
	}
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemoryStore) AddRecipient(r *models.CampaignRecipient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.recipients {
		if existing.CampaignID == r.CampaignID && existing.ContactID == r.ContactID {
			*r = *clone(existing)
			return nil
		}
	}
	if r.ID == "" {
		r.ID = util.NewEntityID("cr_")
	}
	if r.Status == "" {
		r.Status = models.RecipientPending
	}
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	s.recipients[r.ID] = clone(r)
	return nil
}

func (s *InMemoryStore) GetRecipient(id string) (*models.CampaignRecipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.recipients[id]
	if !ok {
		return nil, nil
	}
	return clone(r), nil
}

func (s *InMemoryStore) UpdateRecipient(r *models.CampaignRecipient) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.recipients[r.ID]
	if !ok {
		return models.ErrNotFound
	}
	r.CreatedAt = old.CreatedAt
	r.UpdatedAt = time.Now().UTC()
	s.recipients[r.ID] = clone(r)
	return nil
}

func (s *InMemoryStore) ListRecipients(campaignID string) ([]models.CampaignRecipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.CampaignRecipient
	for _, r := range s.recipients {
		if r.CampaignID == campaignID {
			out = append(out, *clone(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) IncrementCampaignCounters(id string, sent, failed int) (*models.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	c.SentCount += sent
	c.FailedCount += failed
	if c.Status == models.CampaignRunning && c.Done() {
		c.Status = models.CampaignCompleted
	}
	c.UpdatedAt = time.Now().UTC()
	return clone(c), nil
}

// --- jobs ---

func (s *InMemoryStore) EnqueueJob(kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, j := range s.jobs {
			if j.DedupeKey == dedupeKey && j.Status == JobStatusQueued {
				return j.ID, nil
			}
		}
	}
	now := time.Now().UTC()
	j := &Job{
		ID:          util.GenerateRandomID("job_", 32),
		Kind:        kind,
		RunAt:       runAt.UTC(),
		PayloadJSON: payloadJSON,
		Status:      JobStatusQueued,
		MaxAttempts: DefaultMaxAttempts,
		DedupeKey:   dedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.jobs[j.ID] = j
	return j.ID, nil
}

func (s *InMemoryStore) ClaimDueJobs(now time.Time, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []*Job
	for _, j := range s.jobs {
		if j.Status == JobStatusQueued && !j.RunAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].RunAt.Before(due[k].RunAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]Job, 0, len(due))
	for _, j := range due {
		locked := now
		j.Status = JobStatusRunning
		j.LockedAt = &locked
		j.UpdatedAt = now
		out = append(out, *j)
	}
	return out, nil
}

func (s *InMemoryStore) CompleteJob(id string) error {
	return s.setJobStatus(id, JobStatusDone)
}

func (s *InMemoryStore) CancelJob(id string) error {
	return s.setJobStatus(id, JobStatusCanceled)
}

func (s *InMemoryStore) setJobStatus(id string, status JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return models.ErrNotFound
	}
	j.Status = status
	j.LockedAt = nil
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *InMemoryStore) FailJob(id string, errMsg string, nextRunAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("fail job lookup failed: %w", models.ErrNotFound)
	}
	j.Attempt++
	j.LastError = errMsg
	j.LockedAt = nil
	j.UpdatedAt = time.Now().UTC()
	if j.Attempt >= j.MaxAttempts {
		j.Status = JobStatusFailed
	} else {
		j.Status = JobStatusQueued
		j.RunAt = nextRunAt.UTC()
	}
	return nil
}

func (s *InMemoryStore) RequeueStaleRunningJobs(staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.Status == JobStatusRunning && j.LockedAt != nil && j.LockedAt.Before(staleBefore) {
			j.Status = JobStatusQueued
			j.LockedAt = nil
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) GetJob(id string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	cp := *j
	return &cp, nil
}

func (s *InMemoryStore) FindActiveJob(dedupeKey string) (*Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.DedupeKey == dedupeKey && (j.Status == JobStatusQueued || j.Status == JobStatusRunning) {
			cp := *j
			return &cp, nil
		}
	}
	return nil, nil
}

// --- inbound dedup ---

func (s *InMemoryStore) IsDuplicate(messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.dedup[messageID]
	return ok, nil
}

func (s *InMemoryStore) RecordInbound(messageID, address string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dedup[messageID]; ok {
		return false, nil
	}
	s.dedup[messageID] = &DedupRecord{MessageID: messageID, Address: address, ReceivedAt: time.Now().UTC()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.dedup[messageID]; ok {
		now := time.Now().UTC()
		r.ProcessedAt = &now
	}
	return nil
}

func (s *InMemoryStore) PruneInbound(before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, r := range s.dedup {
		if r.ReceivedAt.Before(before) {
			delete(s.dedup, id)
			n++
		}
	}
	return n, nil
}
