package storage

import (
	"context"
	"errors"

	"github.com/vietddude/dialer/internal/core/domain"
)

var (
	// ErrCampaignNotFound is returned when a campaign doesn't exist
	ErrCampaignNotFound = errors.New("campaign not found")
)

// CampaignStore persists campaigns and the record of every call made for them.
type CampaignStore interface {
	// GetCampaign retrieves a campaign by id
	GetCampaign(ctx context.Context, id string) (*domain.Campaign, error)

	// SaveCampaign inserts or replaces a campaign
	SaveCampaign(ctx context.Context, c *domain.Campaign) error

	// UpdateCampaignStatus moves a campaign to status at the given step
	UpdateCampaignStatus(
		ctx context.Context,
		id string,
		status domain.CampaignStatus,
		step int,
	) error

	// UpdateCallOutcome records the outcome of the campaign's latest call
	UpdateCallOutcome(ctx context.Context, id string, outcome domain.CallOutcome) error

	// CreateCallRecord stores the summary of one call attempt
	CreateCallRecord(ctx context.Context, rec *domain.CallRecord) error

	// CallRecords lists the records of a campaign, oldest first
	CallRecords(ctx context.Context, campaignID string) ([]*domain.CallRecord, error)

	// Ping checks the store is reachable
	Ping(ctx context.Context) error

	Close() error
}
