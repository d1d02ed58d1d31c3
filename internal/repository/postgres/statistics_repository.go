package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/acme/whatsapp-dispatch/internal/domain"
)

// Stats aggregates recipient counts per status for the campaign.
func (r *RecipientRepository) Stats(ctx context.Context, campaignID uuid.UUID) (*domain.CampaignStats, error) {
	rows, err := r.db.QueryxContext(ctx, `SELECT status, COUNT(*) AS total
		FROM campaign_recipients WHERE campaign_id = $1 GROUP BY status`, campaignID)
	if err != nil {
		return nil, fmt.Errorf("campaign stats: query: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.RecipientStatus]int64)
	for rows.Next() {
		var (
			status string
			total  int64
		)
		if err := rows.Scan(&status, &total); err != nil {
			return nil, fmt.Errorf("campaign stats: scan: %w", err)
		}
		counts[domain.RecipientStatus(status)] = total
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("campaign stats: rows err: %w", err)
	}

	stats := domain.NewCampaignStats(counts)
	return &stats, nil
}

// CountPending returns how many recipients still wait for a send.
func (r *RecipientRepository) CountPending(ctx context.Context, campaignID uuid.UUID) (int, error) {
	var n int
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM campaign_recipients
		WHERE campaign_id = $1 AND status = $2`, campaignID, domain.RecipientStatusPending); err != nil {
		return 0, fmt.Errorf("campaign stats: count pending: %w", err)
	}
	return n, nil
}
