package wizard

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

var (
	ErrRegenRateLimited = errors.New("For mange forsøk, prøv igjen om litt.")
	ErrLabelExpired     = errors.New("Etiketten er utløpt og kan ikke fornyes. Kontakt kundeservice.")
	ErrNoLabel          = errors.New("Ingen etikett tilgjengelig.")
)

// Regenerate re-fetches and re-hosts the label PDF for an existing
// return. Access requires a valid order token; expired labels are never
// renewed, that path goes through support.
func (wz *Wizard) Regenerate(ctx context.Context, orderID int64, accessToken, remoteAddr string) (string, error) {
	order, err := wz.orders.GetByID(ctx, orderID)
	if err != nil {
		return "", err
	}
	if err := wz.signer.VerifyOrderToken(accessToken, order.ID, order.BillingEmail); err != nil {
		return "", err
	}

	ok, err := wz.regenLim.Allow(ctx, remoteAddr, order.Number)
	if err != nil {
		wz.logger.Warn("regen rate limit check failed", zap.Error(err))
	}
	if !ok {
		return "", ErrRegenRateLimited
	}

	meta, err := wz.meta.Get(ctx, orderID)
	if err != nil {
		return "", err
	}
	if meta.LabelValidUntil != nil && wz.timeNow().After(*meta.LabelValidUntil) {
		return "", ErrLabelExpired
	}

	if meta.ConsignmentID != "" {
		if url, file, hosted := wz.builder.RefreshLabel(ctx, meta.ConsignmentID, meta.LabelPrivateURL); hosted {
			now := wz.timeNow()
			meta.LabelPublicURL = url
			meta.LabelFile = file
			meta.LastRegenAt = &now
			if err := wz.meta.Upsert(ctx, meta); err != nil {
				wz.logger.Warn("failed to persist regenerated label", zap.Error(err))
			}
			return url, nil
		}
	}

	// refresh failed: fall back to whatever URL we still have
	if meta.LabelPublicURL != "" {
		return meta.LabelPublicURL, nil
	}
	if meta.LabelPrivateURL != "" {
		return meta.LabelPrivateURL, nil
	}
	return "", ErrNoLabel
}
