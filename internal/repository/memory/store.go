package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/acme/whatsapp-dispatch/internal/domain"
	"github.com/acme/whatsapp-dispatch/internal/repository"
)

// Store is an in-process implementation of every repository interface.
// Values are copied on the way in and out so callers never share state with it.
type Store struct {
	mu         sync.Mutex
	campaigns  map[uuid.UUID]*domain.Campaign
	recipients map[uuid.UUID]*domain.CampaignRecipient
	contacts   map[uuid.UUID]*domain.Contact
	instances  map[uuid.UUID]*domain.Instance
	messages   map[uuid.UUID]*domain.Message
	events     map[uuid.UUID][]domain.MessageEvent
	seq        int64
	order      map[uuid.UUID]int64
}

// New constructs an empty store.
func New() *Store {
	return &Store{
		campaigns:  make(map[uuid.UUID]*domain.Campaign),
		recipients: make(map[uuid.UUID]*domain.CampaignRecipient),
		contacts:   make(map[uuid.UUID]*domain.Contact),
		instances:  make(map[uuid.UUID]*domain.Instance),
		messages:   make(map[uuid.UUID]*domain.Message),
		events:     make(map[uuid.UUID][]domain.MessageEvent),
		order:      make(map[uuid.UUID]int64),
	}
}

// Campaigns returns the store as a CampaignRepository.
func (s *Store) Campaigns() *CampaignRepository { return &CampaignRepository{s} }

// Recipients returns the store as a RecipientRepository.
func (s *Store) Recipients() *RecipientRepository { return &RecipientRepository{s} }

// Contacts returns the store as a ContactRepository.
func (s *Store) Contacts() *ContactRepository { return &ContactRepository{s} }

// Instances returns the store as an InstanceRepository.
func (s *Store) Instances() *InstanceRepository { return &InstanceRepository{s} }

// Messages returns the store as a MessageRepository.
func (s *Store) Messages() *MessageRepository { return &MessageRepository{s} }

// Events returns the store as a MessageEventStore.
func (s *Store) Events() *EventStore { return &EventStore{s} }

// PutContact seeds a contact.
func (s *Store) PutContact(c domain.Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[c.ID] = &c
}

// PutInstance seeds an instance.
func (s *Store) PutInstance(i domain.Instance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instances[i.ID] = &i
}

// SetCampaignStatus overwrites the status without any guard, for simulating concurrent operators.
func (s *Store) SetCampaignStatus(id uuid.UUID, status domain.CampaignStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.campaigns[id]; ok {
		c.Status = status
	}
}

// RecipientsOf returns every recipient of the campaign in creation order.
func (s *Store) RecipientsOf(campaignID uuid.UUID) []domain.CampaignRecipient {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.CampaignRecipient
	for _, r := range s.sortedRecipients(campaignID) {
		out = append(out, s.recipientCopy(r))
	}
	return out
}

// MessagesOf returns every message of the campaign in creation order.
func (s *Store) MessagesOf(campaignID uuid.UUID) []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Message
	for _, m := range s.messages {
		if m.CampaignID != nil && *m.CampaignID == campaignID {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return s.order[out[i].ID] < s.order[out[j].ID] })
	return out
}

func (s *Store) next(id uuid.UUID) {
	s.seq++
	s.order[id] = s.seq
}

func (s *Store) sortedRecipients(campaignID uuid.UUID) []*domain.CampaignRecipient {
	var out []*domain.CampaignRecipient
	for _, r := range s.recipients {
		if r.CampaignID == campaignID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return s.order[out[i].ID] < s.order[out[j].ID] })
	return out
}

func (s *Store) recipientCopy(r *domain.CampaignRecipient) domain.CampaignRecipient {
	cp := *r
	if c, ok := s.contacts[r.ContactID]; ok {
		contact := *c
		cp.Contact = &contact
	} else {
		cp.Contact = nil
	}
	return cp
}

// CampaignRepository implements repository.CampaignRepository.
type CampaignRepository struct{ s *Store }

func (r *CampaignRepository) Create(_ context.Context, campaign *domain.Campaign, contactIDs []uuid.UUID) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.campaigns[campaign.ID]; ok {
		return repository.ErrConflict
	}
	seen := make(map[uuid.UUID]bool, len(contactIDs))
	total := 0
	for _, contactID := range contactIDs {
		if seen[contactID] {
			continue
		}
		seen[contactID] = true
		rec := &domain.CampaignRecipient{
			ID:         uuid.New(),
			CampaignID: campaign.ID,
			ContactID:  contactID,
			Status:     domain.RecipientStatusPending,
			CreatedAt:  campaign.CreatedAt,
			UpdatedAt:  campaign.CreatedAt,
		}
		s.recipients[rec.ID] = rec
		s.next(rec.ID)
		total++
	}
	campaign.TotalRecipients = total
	cp := *campaign
	s.campaigns[campaign.ID] = &cp
	return nil
}

func (r *CampaignRepository) Get(_ context.Context, id uuid.UUID) (*domain.Campaign, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *CampaignRepository) Update(_ context.Context, campaign *domain.Campaign, from []domain.CampaignStatus) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[campaign.ID]
	if !ok || !containsStatus(from, c.Status) {
		return false, nil
	}
	c.Name = campaign.Name
	c.MessageTemplate = campaign.MessageTemplate
	c.MediaURL = campaign.MediaURL
	c.MediaType = campaign.MediaType
	c.ScheduledAt = campaign.ScheduledAt
	c.InstanceID = campaign.InstanceID
	c.UpdatedAt = campaign.UpdatedAt
	return true, nil
}

func (r *CampaignRepository) Transition(_ context.Context, id uuid.UUID, change repository.StatusChange) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok || !containsStatus(change.From, c.Status) {
		return false, nil
	}
	c.Status = change.To
	c.UpdatedAt = time.Now().UTC()
	if change.StartedAt != nil {
		t := *change.StartedAt
		c.StartedAt = &t
	}
	if change.ClearCompletedAt {
		c.CompletedAt = nil
	} else if change.CompletedAt != nil {
		t := *change.CompletedAt
		c.CompletedAt = &t
	}
	return true, nil
}

func (r *CampaignRepository) Delete(_ context.Context, id uuid.UUID, from []domain.CampaignStatus) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok || !containsStatus(from, c.Status) {
		return false, nil
	}
	delete(r.s.campaigns, id)
	for rid, rec := range r.s.recipients {
		if rec.CampaignID == id {
			delete(r.s.recipients, rid)
		}
	}
	for _, m := range r.s.messages {
		if m.CampaignID != nil && *m.CampaignID == id {
			m.CampaignID = nil
		}
	}
	return true, nil
}

func (r *CampaignRepository) AddCounters(_ context.Context, id uuid.UUID, delta repository.CounterDelta) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c, ok := r.s.campaigns[id]
	if !ok {
		return nil
	}
	c.SentCount = clampZero(c.SentCount + delta.Sent)
	c.DeliveredCount = clampZero(c.DeliveredCount + delta.Delivered)
	c.FailedCount = clampZero(c.FailedCount + delta.Failed)
	return nil
}

func (r *CampaignRepository) ListByStatus(_ context.Context, status domain.CampaignStatus, limit int) ([]*domain.Campaign, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*domain.Campaign
	for _, c := range r.s.campaigns {
		if c.Status == status {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RecipientRepository implements repository.RecipientRepository.
type RecipientRepository struct{ s *Store }

func (r *RecipientRepository) ListPending(_ context.Context, campaignID uuid.UUID) ([]*domain.CampaignRecipient, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*domain.CampaignRecipient
	for _, rec := range r.s.sortedRecipients(campaignID) {
		if rec.Status == domain.RecipientStatusPending {
			cp := r.s.recipientCopy(rec)
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *RecipientRepository) Get(_ context.Context, id uuid.UUID) (*domain.CampaignRecipient, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rec, ok := r.s.recipients[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := r.s.recipientCopy(rec)
	return &cp, nil
}

func (r *RecipientRepository) Advance(_ context.Context, id uuid.UUID, update repository.RecipientUpdate) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	rec, ok := r.s.recipients[id]
	if !ok {
		return false, nil
	}
	return applyRecipient(rec, update), nil
}

func (r *RecipientRepository) AdvanceByPhone(_ context.Context, campaignID uuid.UUID, phone string, update repository.RecipientUpdate) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	changed := false
	for _, rec := range r.s.sortedRecipients(campaignID) {
		c, ok := r.s.contacts[rec.ContactID]
		if !ok || c.PhoneNumber != phone {
			continue
		}
		if applyRecipient(rec, update) {
			changed = true
		}
	}
	return changed, nil
}

func (r *RecipientRepository) ResetFailedByPhone(_ context.Context, campaignID uuid.UUID, phone string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	changed := false
	for _, rec := range r.s.sortedRecipients(campaignID) {
		c, ok := r.s.contacts[rec.ContactID]
		if !ok || c.PhoneNumber != phone || rec.Status != domain.RecipientStatusFailed {
			continue
		}
		rec.Status = domain.RecipientStatusPending
		rec.Error = nil
		rec.UpdatedAt = time.Now().UTC()
		changed = true
	}
	return changed, nil
}

func (r *RecipientRepository) Stats(_ context.Context, campaignID uuid.UUID) (*domain.CampaignStats, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	counts := make(map[domain.RecipientStatus]int64)
	for _, rec := range r.s.recipients {
		if rec.CampaignID == campaignID {
			counts[rec.Status]++
		}
	}
	stats := domain.NewCampaignStats(counts)
	return &stats, nil
}

func (r *RecipientRepository) CountPending(_ context.Context, campaignID uuid.UUID) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	n := 0
	for _, rec := range r.s.recipients {
		if rec.CampaignID == campaignID && rec.Status == domain.RecipientStatusPending {
			n++
		}
	}
	return n, nil
}

func applyRecipient(rec *domain.CampaignRecipient, update repository.RecipientUpdate) bool {
	if !rec.Status.CanAdvance(update.To) {
		return false
	}
	at := update.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	rec.Status = update.To
	rec.UpdatedAt = at
	switch update.To {
	case domain.RecipientStatusSent:
		rec.SentAt = &at
	case domain.RecipientStatusDelivered:
		rec.DeliveredAt = &at
	case domain.RecipientStatusRead:
		rec.ReadAt = &at
	case domain.RecipientStatusFailed:
		rec.Error = copyString(update.Error)
	}
	return true
}

// ContactRepository implements repository.ContactRepository.
type ContactRepository struct{ s *Store }

func (r *ContactRepository) ListByIDs(_ context.Context, organizationID uuid.UUID, ids []uuid.UUID) ([]*domain.Contact, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*domain.Contact
	for _, id := range ids {
		if c, ok := r.s.contacts[id]; ok && c.OrganizationID == organizationID {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

// InstanceRepository implements repository.InstanceRepository.
type InstanceRepository struct{ s *Store }

func (r *InstanceRepository) Get(_ context.Context, id uuid.UUID) (*domain.Instance, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	i, ok := r.s.instances[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *i
	return &cp, nil
}

// MessageRepository implements repository.MessageRepository.
type MessageRepository struct{ s *Store }

func (r *MessageRepository) Create(_ context.Context, m *domain.Message) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.messages[m.ID]; ok {
		return repository.ErrConflict
	}
	cp := *m
	r.s.messages[m.ID] = &cp
	r.s.next(m.ID)
	return nil
}

func (r *MessageRepository) Get(_ context.Context, id uuid.UUID) (*domain.Message, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.messages[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (r *MessageRepository) GetByExternalID(_ context.Context, externalID string) (*domain.Message, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, m := range r.s.messages {
		if m.ExternalID != nil && *m.ExternalID == externalID {
			cp := *m
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *MessageRepository) Advance(_ context.Context, id uuid.UUID, update repository.MessageUpdate) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.messages[id]
	if !ok {
		return false, nil
	}
	from := update.From
	if len(from) == 0 {
		from = domain.MessageSources(update.To)
	}
	allowed := false
	for _, s := range from {
		if s == m.Status {
			allowed = true
			break
		}
	}
	if !allowed {
		return false, nil
	}

	at := update.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	m.Status = update.To
	m.UpdatedAt = at
	switch update.To {
	case domain.MessageStatusSent:
		m.SentAt = &at
		m.ErrorMessage = nil
	case domain.MessageStatusDelivered:
		m.DeliveredAt = &at
	case domain.MessageStatusRead:
		m.ReadAt = &at
	case domain.MessageStatusFailed:
		m.FailedAt = &at
		m.ErrorMessage = copyString(update.Error)
	}
	if update.ExternalID != nil {
		m.ExternalID = copyString(update.ExternalID)
	}
	return true, nil
}

func (r *MessageRepository) ResetForRetry(_ context.Context, id uuid.UUID) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.messages[id]
	if !ok || m.Status != domain.MessageStatusFailed {
		return false, nil
	}
	m.Status = domain.MessageStatusPending
	m.ErrorMessage = nil
	m.FailedAt = nil
	m.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (r *MessageRepository) ListFailedByCampaign(_ context.Context, campaignID uuid.UUID, limit int) ([]*domain.Message, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*domain.Message
	for _, m := range r.s.messages {
		if m.CampaignID != nil && *m.CampaignID == campaignID && m.Status == domain.MessageStatusFailed {
			cp := *m
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return r.s.order[out[i].ID] < r.s.order[out[j].ID] })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// EventStore implements repository.MessageEventStore. Paging state is a
// one-byte offset of the next event.
type EventStore struct{ s *Store }

func (e *EventStore) Append(_ context.Context, event domain.MessageEvent) error {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	e.s.events[event.MessageID] = append(e.s.events[event.MessageID], event)
	return nil
}

func (e *EventStore) List(_ context.Context, messageID uuid.UUID, limit int, pagingState []byte) ([]domain.MessageEvent, []byte, error) {
	e.s.mu.Lock()
	defer e.s.mu.Unlock()
	all := e.s.events[messageID]
	start := 0
	if len(pagingState) == 1 {
		start = int(pagingState[0])
	}
	if limit <= 0 {
		limit = 100
	}
	end := start + limit
	if end > len(all) {
		end = len(all)
	}
	if start > end {
		start = end
	}
	page := append([]domain.MessageEvent(nil), all[start:end]...)
	var next []byte
	if end < len(all) && end < 256 {
		next = []byte{byte(end)}
	}
	return page, next, nil
}

func containsStatus(statuses []domain.CampaignStatus, s domain.CampaignStatus) bool {
	for _, v := range statuses {
		if v == s {
			return true
		}
	}
	return false
}

func clampZero(v int) int {
	if v < 0 {
		return 0
	}
	return v
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
