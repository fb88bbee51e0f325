package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vietddude/dialer/internal/core/domain"
	"github.com/vietddude/dialer/internal/infra/storage"
)

// Storage is an in-memory storage.CampaignStore.
type Storage struct {
	campaigns map[string]*domain.Campaign
	records   map[string][]*domain.CallRecord
	now       func() time.Time
	mu        sync.RWMutex
}

func NewStorage() *Storage {
	return &Storage{
		campaigns: make(map[string]*domain.Campaign),
		records:   make(map[string][]*domain.CallRecord),
		now:       time.Now,
	}
}

func (s *Storage) GetCampaign(ctx context.Context, id string) (*domain.Campaign, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", storage.ErrCampaignNotFound, id)
	}
	return copyCampaign(c), nil
}

func (s *Storage) SaveCampaign(ctx context.Context, c *domain.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := copyCampaign(c)
	if cp.UpdatedAt.IsZero() {
		cp.UpdatedAt = s.now()
	}
	s.campaigns[c.ID] = cp
	return nil
}

func (s *Storage) UpdateCampaignStatus(
	ctx context.Context,
	id string,
	status domain.CampaignStatus,
	step int,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrCampaignNotFound, id)
	}
	c.Status = status
	// A step never moves backwards.
	if step > c.CurrentStep {
		c.CurrentStep = step
	}
	c.UpdatedAt = s.now()
	return nil
}

func (s *Storage) UpdateCallOutcome(ctx context.Context, id string, outcome domain.CallOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return fmt.Errorf("%w: %s", storage.ErrCampaignNotFound, id)
	}
	c.LastOutcome = &outcome
	c.UpdatedAt = s.now()
	return nil
}

func (s *Storage) CreateCallRecord(ctx context.Context, rec *domain.CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	cp.Transitions = append([]string(nil), rec.Transitions...)
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	s.records[rec.CampaignID] = append(s.records[rec.CampaignID], &cp)
	return nil
}

func (s *Storage) CallRecords(ctx context.Context, campaignID string) ([]*domain.CallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.CallRecord, 0, len(s.records[campaignID]))
	for _, r := range s.records[campaignID] {
		cp := *r
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Storage) Ping(ctx context.Context) error { return ctx.Err() }

func (s *Storage) Close() error { return nil }

func copyCampaign(c *domain.Campaign) *domain.Campaign {
	cp := *c
	if c.LastOutcome != nil {
		o := *c.LastOutcome
		cp.LastOutcome = &o
	}
	return &cp
}
