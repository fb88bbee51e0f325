package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/vietddude/dialer/internal/core/domain"
	"github.com/vietddude/dialer/internal/infra/storage"
)

// CampaignRepo implements storage.CampaignStore using PostgreSQL.
type CampaignRepo struct {
	db  *sqlx.DB
	now func() time.Time
}

// NewCampaignRepo creates a new PostgreSQL campaign repository.
func NewCampaignRepo(db *sqlx.DB) *CampaignRepo {
	return &CampaignRepo{db: db, now: time.Now}
}

type campaignRow struct {
	ID              string         `db:"id"`
	ContactName     string         `db:"contact_name"`
	ContactPhone    string         `db:"contact_phone"`
	ContactEmail    string         `db:"contact_email"`
	ContactCompany  string         `db:"contact_company"`
	ContactTimezone string         `db:"contact_timezone"`
	DirectLine      bool           `db:"direct_line"`
	Status          string         `db:"status"`
	CurrentStep     int            `db:"current_step"`
	MaxSteps        int            `db:"max_steps"`
	FollowUpDelay   int64          `db:"follow_up_delay_seconds"`
	LastOutcome     sql.NullString `db:"last_outcome"`
	UpdatedAt       time.Time      `db:"updated_at"`
}

func (r campaignRow) toDomain() *domain.Campaign {
	c := &domain.Campaign{
		ID: r.ID,
		Contact: domain.Contact{
			Name:       r.ContactName,
			Phone:      r.ContactPhone,
			Email:      r.ContactEmail,
			Company:    r.ContactCompany,
			Timezone:   r.ContactTimezone,
			DirectLine: r.DirectLine,
		},
		Status:        domain.CampaignStatus(r.Status),
		CurrentStep:   r.CurrentStep,
		MaxSteps:      r.MaxSteps,
		FollowUpDelay: time.Duration(r.FollowUpDelay) * time.Second,
		UpdatedAt:     r.UpdatedAt,
	}
	if r.LastOutcome.Valid {
		o := domain.CallOutcome(r.LastOutcome.String)
		c.LastOutcome = &o
	}
	return c
}

const selectCampaign = `SELECT id, contact_name, contact_phone, contact_email, contact_company,
	contact_timezone, direct_line, status, current_step, max_steps,
	follow_up_delay_seconds, last_outcome, updated_at
	FROM campaigns WHERE id = $1`

// GetCampaign retrieves a campaign by id.
func (r *CampaignRepo) GetCampaign(ctx context.Context, id string) (*domain.Campaign, error) {
	var row campaignRow
	err := r.db.GetContext(ctx, &row, selectCampaign, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrCampaignNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get campaign: %w", err)
	}
	return row.toDomain(), nil
}

const upsertCampaign = `INSERT INTO campaigns (id, contact_name, contact_phone, contact_email,
	contact_company, contact_timezone, direct_line, status, current_step, max_steps,
	follow_up_delay_seconds, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	ON CONFLICT (id) DO UPDATE SET
		contact_name = EXCLUDED.contact_name,
		contact_phone = EXCLUDED.contact_phone,
		contact_email = EXCLUDED.contact_email,
		contact_company = EXCLUDED.contact_company,
		contact_timezone = EXCLUDED.contact_timezone,
		direct_line = EXCLUDED.direct_line,
		status = EXCLUDED.status,
		current_step = EXCLUDED.current_step,
		max_steps = EXCLUDED.max_steps,
		follow_up_delay_seconds = EXCLUDED.follow_up_delay_seconds,
		updated_at = EXCLUDED.updated_at`

// SaveCampaign inserts or replaces a campaign.
func (r *CampaignRepo) SaveCampaign(ctx context.Context, c *domain.Campaign) error {
	_, err := r.db.ExecContext(ctx, upsertCampaign,
		c.ID,
		c.Contact.Name,
		c.Contact.Phone,
		c.Contact.Email,
		c.Contact.Company,
		c.Contact.Timezone,
		c.Contact.DirectLine,
		string(c.Status),
		c.CurrentStep,
		c.MaxSteps,
		int64(c.FollowUpDelay/time.Second),
		r.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save campaign: %w", err)
	}
	return nil
}

// GREATEST keeps the step monotonic under redelivery.
const updateCampaignStatus = `UPDATE campaigns
	SET status = $1, current_step = GREATEST(current_step, $2), updated_at = $3
	WHERE id = $4`

// UpdateCampaignStatus moves a campaign to status at the given step.
func (r *CampaignRepo) UpdateCampaignStatus(
	ctx context.Context,
	id string,
	status domain.CampaignStatus,
	step int,
) error {
	res, err := r.db.ExecContext(ctx, updateCampaignStatus, string(status), step, r.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update campaign status: %w", err)
	}
	return expectOneRow(res, id)
}

const updateCallOutcome = `UPDATE campaigns SET last_outcome = $1, updated_at = $2 WHERE id = $3`

// UpdateCallOutcome records the outcome of the campaign's latest call.
func (r *CampaignRepo) UpdateCallOutcome(
	ctx context.Context,
	id string,
	outcome domain.CallOutcome,
) error {
	res, err := r.db.ExecContext(ctx, updateCallOutcome, string(outcome), r.now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update call outcome: %w", err)
	}
	return expectOneRow(res, id)
}

func expectOneRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", storage.ErrCampaignNotFound, id)
	}
	return nil
}

type callRecordRow struct {
	ID           string    `db:"id"`
	CampaignID   string    `db:"campaign_id"`
	JobID        string    `db:"job_id"`
	Step         int       `db:"step"`
	Attempt      int       `db:"attempt"`
	Outcome      string    `db:"outcome"`
	FinalState   string    `db:"final_state"`
	DurationMS   int64     `db:"duration_ms"`
	Transitions  []byte    `db:"transitions"`
	Quality      []byte    `db:"quality"`
	ErrorMessage string    `db:"error_message"`
	CreatedAt    time.Time `db:"created_at"`
}

// ON CONFLICT makes a redelivered job's record write a no-op.
const insertCallRecord = `INSERT INTO call_records (id, campaign_id, job_id, step, attempt,
	outcome, final_state, duration_ms, transitions, quality, error_message, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	ON CONFLICT (id) DO NOTHING`

// CreateCallRecord stores the summary of one call attempt.
func (r *CampaignRepo) CreateCallRecord(ctx context.Context, rec *domain.CallRecord) error {
	transitions, err := json.Marshal(nonNil(rec.Transitions))
	if err != nil {
		return fmt.Errorf("failed to marshal transitions: %w", err)
	}
	var quality []byte
	if rec.Quality != nil {
		if quality, err = json.Marshal(rec.Quality); err != nil {
			return fmt.Errorf("failed to marshal quality: %w", err)
		}
	}
	created := rec.CreatedAt
	if created.IsZero() {
		created = r.now()
	}

	_, err = r.db.ExecContext(ctx, insertCallRecord,
		rec.ID,
		rec.CampaignID,
		rec.JobID,
		rec.Step,
		rec.Attempt,
		string(rec.Outcome),
		rec.FinalState,
		rec.Duration.Milliseconds(),
		transitions,
		quality,
		rec.ErrorMessage,
		created.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create call record: %w", err)
	}
	return nil
}

const selectCallRecords = `SELECT id, campaign_id, job_id, step, attempt, outcome, final_state,
	duration_ms, transitions, quality, error_message, created_at
	FROM call_records WHERE campaign_id = $1 ORDER BY created_at ASC`

// CallRecords lists the records of a campaign, oldest first.
func (r *CampaignRepo) CallRecords(ctx context.Context, campaignID string) ([]*domain.CallRecord, error) {
	var rows []callRecordRow
	if err := r.db.SelectContext(ctx, &rows, selectCallRecords, campaignID); err != nil {
		return nil, fmt.Errorf("failed to list call records: %w", err)
	}

	out := make([]*domain.CallRecord, 0, len(rows))
	for _, row := range rows {
		rec := &domain.CallRecord{
			ID:           row.ID,
			CampaignID:   row.CampaignID,
			JobID:        row.JobID,
			Step:         row.Step,
			Attempt:      row.Attempt,
			Outcome:      domain.CallOutcome(row.Outcome),
			FinalState:   row.FinalState,
			Duration:     time.Duration(row.DurationMS) * time.Millisecond,
			ErrorMessage: row.ErrorMessage,
			CreatedAt:    row.CreatedAt,
		}
		if len(row.Transitions) > 0 {
			if err := json.Unmarshal(row.Transitions, &rec.Transitions); err != nil {
				return nil, fmt.Errorf("failed to unmarshal transitions of %s: %w", row.ID, err)
			}
		}
		if len(row.Quality) > 0 {
			rec.Quality = &domain.CallQuality{}
			if err := json.Unmarshal(row.Quality, rec.Quality); err != nil {
				return nil, fmt.Errorf("failed to unmarshal quality of %s: %w", row.ID, err)
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

// Ping checks the database is reachable.
func (r *CampaignRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the underlying connection pool.
func (r *CampaignRepo) Close() error {
	return r.db.Close()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
