package vault

import (
	"context"
	"errors"
	"time"

	"phoenixvault.io/internal/obs"
)

// RotationReport summarises a rotation run.
type RotationReport struct {
	Scanned int
	Rotated int
}

// RotateEncryption re-encodes every stored credential secret with the current
// keys. With dryRun nothing is written.
func (s *Vault) RotateEncryption(ctx context.Context, batchSize int, dryRun, snapshot bool) (RotationReport, error) {
	if batchSize <= 0 {
		return RotationReport{}, errors.New("batch size must be positive")
	}
	var report RotationReport
	after := ""
	for {
		batch, err := s.store.CredentialBatch(ctx, after, batchSize)
		if err != nil {
			return report, err
		}
		if len(batch) == 0 {
			return report, nil
		}
		for _, c := range batch {
			report.Scanned++
			after = c.ID
			if dryRun {
				continue
			}
			if err := s.store.RotateCredential(ctx, c, snapshot); err != nil {
				return report, err
			}
			report.Rotated++
		}
		obs.Logger().Info().Int("scanned", report.Scanned).Int("rotated", report.Rotated).Msg("rotation batch complete")
	}
}

// CleanupReport summarises a cleanup run.
type CleanupReport struct {
	Challenges int64
	AuditRows  int64
}

// CleanupExpiredSecurityData removes challenges expired for more than a day
// and, when auditDays is positive, audit rows older than that many days.
func (s *Vault) CleanupExpiredSecurityData(ctx context.Context, auditDays int) (CleanupReport, error) {
	if auditDays < 0 {
		return CleanupReport{}, errors.New("audit days must not be negative")
	}
	now := s.now().UTC()
	var report CleanupReport
	n, err := s.store.DeleteExpiredChallenges(ctx, now.Add(-24*time.Hour))
	if err != nil {
		return report, err
	}
	report.Challenges = n
	if auditDays > 0 {
		n, err := s.store.DeleteAuditBefore(ctx, now.AddDate(0, 0, -auditDays))
		if err != nil {
			return report, err
		}
		report.AuditRows = n
	}
	return report, nil
}

// Ready reports whether the backing store is reachable.
func (s *Vault) Ready(ctx context.Context) error {
	return s.store.Ping(ctx)
}
