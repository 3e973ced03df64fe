package extract

import (
	"fmt"
	"math/rand/v2"
	"time"
)

const DefaultCurrency = "CNY"

// NewRequirementID returns an id of the form REQ-YYYYMMDD-NNNN.
func NewRequirementID(now time.Time) string {
	return fmt.Sprintf("REQ-%s-%04d", now.Format("20060102"), 1000+rand.IntN(9000))
}

// Normalize fills defaults in place and returns r. Applying it twice yields
// the same payload as applying it once.
func Normalize(r *Requirement) *Requirement {
	return normalizeAt(r, time.Now())
}

func normalizeAt(r *Requirement, now time.Time) *Requirement {
	if r == nil {
		return nil
	}
	if r.RequirementID == "" {
		r.RequirementID = NewRequirementID(now)
	}

	if b := r.BaseInfo; b != nil {
		if g := b.GroupSize; g != nil {
			for _, bucket := range []**int{&g.Adults, &g.Children, &g.Seniors} {
				if *bucket == nil {
					*bucket = intPtr(0)
				}
			}
			if g.Total == nil {
				g.Total = intPtr(*g.Adults + *g.Children + *g.Seniors)
			}
		}
		if d := b.TravelDate; d != nil && d.IsFlexible == nil {
			d.IsFlexible = boolPtr(d.StartDate == nil || *d.StartDate == "")
		}
	}

	if p := r.Preferences; p != nil {
		if p.Transportation != nil && p.Transportation.Notes == nil {
			p.Transportation.Notes = strPtr("")
		}
		if p.Accommodation == nil {
			p.Accommodation = &Accommodation{}
		}
		if p.Accommodation.Level == "" {
			p.Accommodation.Level = HotelComfort
		}
		if p.Accommodation.Requirements == nil {
			p.Accommodation.Requirements = strPtr("")
		}
		if p.Itinerary == nil {
			p.Itinerary = &Itinerary{}
		}
		it := p.Itinerary
		if it.Rhythm == "" {
			it.Rhythm = RhythmModerate
		}
		if it.Tags == nil {
			it.Tags = []Tag{}
		}
		if it.SpecialConstraints == nil {
			it.SpecialConstraints = &SpecialConstraints{}
		}
		if it.SpecialConstraints.MustVisitSpots == nil {
			it.SpecialConstraints.MustVisitSpots = []string{}
		}
		if it.SpecialConstraints.AvoidActivities == nil {
			it.SpecialConstraints.AvoidActivities = []string{}
		}
	}

	if r.Budget == nil {
		r.Budget = &Budget{}
	}
	if r.Budget.Level == "" {
		r.Budget.Level = BudgetComfort
	}
	if r.Budget.Currency == "" {
		r.Budget.Currency = DefaultCurrency
	}
	if r.Budget.Range == nil {
		r.Budget.Range = &BudgetRange{}
	}
	if r.Budget.Notes == nil {
		r.Budget.Notes = strPtr("")
	}

	if m := r.Metadata; m != nil {
		if m.SourceType == "" {
			m.SourceType = SourceNaturalLanguage
		}
		if m.Status == "" {
			m.Status = StatusPendingReview
		}
		if m.Assumptions == nil {
			m.Assumptions = []string{}
		}
	}
	return r
}

func intPtr(v int) *int { return &v }
func boolPtr(v bool) *bool { return &v }
func strPtr(v string) *string { return &v }
