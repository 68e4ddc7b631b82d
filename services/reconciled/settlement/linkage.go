package settlement

import (
	"context"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"chainsettle/services/reconciled/models"
)

// LinkageStrategy names how a target was tied to a contract milestone.
type LinkageStrategy string

const (
	// LinkNone means the target has no milestone.
	LinkNone LinkageStrategy = ""
	// LinkByForeignKey uses the target's explicit milestone id.
	LinkByForeignKey LinkageStrategy = "foreign_key"
	// LinkByDescriptionHeuristic matches an unpaid milestone title inside the
	// target description. It is a recovery fallback for targets created without
	// a milestone id and is only consulted when enabled.
	LinkByDescriptionHeuristic LinkageStrategy = "description_heuristic"
)

// Linkage is the resolved milestone, if any.
type Linkage struct {
	Strategy    LinkageStrategy
	MilestoneID uuid.UUID
	// Candidates holds every heuristic match when more than one milestone fits.
	Candidates []uuid.UUID
}

// Ambiguous reports whether the heuristic matched more than one milestone.
func (l Linkage) Ambiguous() bool {
	return len(l.Candidates) > 1
}

func linkMilestone(ctx context.Context, milestones *Milestones, target models.SettlementTarget, heuristic bool, logger *slog.Logger) (Linkage, error) {
	if target.MilestoneID != nil && *target.MilestoneID != uuid.Nil {
		return Linkage{Strategy: LinkByForeignKey, MilestoneID: *target.MilestoneID}, nil
	}
	if !heuristic || target.ContractID == nil || strings.TrimSpace(target.Description) == "" {
		return Linkage{}, nil
	}
	unpaid, err := milestones.Unpaid(ctx, *target.ContractID)
	if err != nil {
		return Linkage{}, err
	}
	description := strings.ToLower(target.Description)
	var matches []uuid.UUID
	for _, m := range unpaid {
		title := strings.ToLower(strings.TrimSpace(m.Title))
		if title == "" {
			continue
		}
		if strings.Contains(description, title) {
			matches = append(matches, m.ID)
		}
	}
	switch len(matches) {
	case 0:
		return Linkage{}, nil
	case 1:
		logger.Info("milestone linked by description heuristic",
			slog.String("target_id", target.ID.String()),
			slog.String("contract_id", target.ContractID.String()),
			slog.String("milestone_id", matches[0].String()))
		return Linkage{Strategy: LinkByDescriptionHeuristic, MilestoneID: matches[0]}, nil
	default:
		logger.Warn("milestone heuristic ambiguous",
			slog.String("target_id", target.ID.String()),
			slog.String("contract_id", target.ContractID.String()),
			slog.Int("candidates", len(matches)))
		return Linkage{Strategy: LinkByDescriptionHeuristic, Candidates: matches}, nil
	}
}
