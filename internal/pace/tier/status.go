package tier

import (
	"context"
	"fmt"

	"github.com/banshee-data/pace.report/internal/pace"
)

// Status reports a user's tier eligibility and progress.
type Status struct {
	CurrentTier                 pace.Tier       `json:"current_tier"`
	ActivityCount               int             `json:"activity_count"`
	Confidence                  pace.Confidence `json:"confidence_level"`
	Tier2Eligible               bool            `json:"tier2_eligible"`
	Tier3Eligible               bool            `json:"tier3_eligible"`
	NextTier                    pace.Tier       `json:"next_tier,omitempty"`
	ActivitiesNeededForNextTier int             `json:"activities_needed_for_next_tier"`
	Message                     string          `json:"message"`
	// StaleRecords counts activities collected under older segmentation
	// thresholds. They are left out of ActivityCount until re-collected.
	StaleRecords int `json:"stale_records,omitempty"`
}

// Status resolves the user's tier and describes the way to the next one.
func (o *Orchestrator) Status(ctx context.Context, userID string) Status {
	return o.status(o.Select(ctx, userID))
}

func (o *Orchestrator) status(sel *Selection) Status {
	st := Status{
		CurrentTier:   sel.Tier,
		ActivityCount: sel.ActivityCount,
		Confidence:    sel.Confidence,
		Tier2Eligible: sel.ActivityCount >= o.cfg.Tier2MinActivities,
		Tier3Eligible: sel.ActivityCount >= o.cfg.Tier3MinActivities,
	}
	if sel.Tier == pace.TierResidual {
		st.Message = "Highest tier reached"
		return st
	}

	st.NextTier = sel.Tier + 1
	need := o.cfg.Tier2MinActivities
	if st.NextTier == pace.TierResidual {
		need = o.cfg.Tier3MinActivities
	}
	st.ActivitiesNeededForNextTier = max(0, need-sel.ActivityCount)
	if st.ActivitiesNeededForNextTier > 0 {
		noun := "activities"
		if st.ActivitiesNeededForNextTier == 1 {
			noun = "activity"
		}
		st.Message = fmt.Sprintf("%d more %s needed for Tier %d", st.ActivitiesNeededForNextTier, noun, st.NextTier)
	} else {
		st.Message = fmt.Sprintf("Eligible for Tier %d; waiting for training", st.NextTier)
	}
	return st
}
