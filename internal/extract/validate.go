package extract

import (
	"fmt"
	"slices"
	"strings"
	"time"
)

const (
	dateLayout  = "2006-01-02"
	minTripDays = 1
	maxTripDays = 365
)

// Validation lists every problem found in a payload. Warnings never make a
// payload invalid.
type Validation struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

func (v Validation) Error() string {
	return strings.Join(v.Errors, "; ")
}

type validator struct {
	errs     []string
	warns    []string
	mistyped map[string]bool
}

func (v *validator) fail(format string, args ...any) {
	v.errs = append(v.errs, fmt.Sprintf(format, args...))
}

func (v *validator) missingSection(name string) {
	if !v.mistyped[name] {
		v.fail("missing required section: %s", name)
	}
}

// missing reports an absent required field unless it was dropped for having
// the wrong type, which is already reported.
func (v *validator) missing(path string) {
	if !v.mistyped[path] {
		v.fail("missing required field: %s", path)
	}
}

func (v *validator) warn(format string, args ...any) {
	v.warns = append(v.warns, fmt.Sprintf(format, args...))
}

// Validate checks a normalized payload and reports all violations together.
func Validate(r *Requirement) Validation {
	return validateAt(r, time.Now())
}

func validateAt(r *Requirement, now time.Time) Validation {
	v := &validator{errs: []string{}, warns: []string{}}
	if r == nil {
		v.fail("payload is empty")
		return v.result()
	}

	v.mistyped = make(map[string]bool, len(r.mistyped))
	for _, issue := range r.mistyped {
		v.mistyped[issue.Path] = true
		v.fail("%s", issue.Message)
	}

	if r.BaseInfo == nil {
		v.missingSection("base_info")
	}
	if r.Preferences == nil {
		v.missingSection("preferences")
	}
	if r.Budget == nil {
		v.missingSection("budget")
	}
	if r.Metadata == nil {
		v.missingSection("metadata")
	}

	if r.BaseInfo != nil {
		v.baseInfo(r.BaseInfo, now)
	}
	if r.Preferences != nil {
		v.preferences(r.Preferences)
	}
	if r.Budget != nil {
		v.budget(r.Budget)
	}
	if r.Metadata != nil {
		v.metadata(r.Metadata)
	}
	return v.result()
}

func (v *validator) result() Validation {
	return Validation{Valid: len(v.errs) == 0, Errors: v.errs, Warnings: v.warns}
}

func (v *validator) baseInfo(b *BaseInfo, now time.Time) {
	if b.Origin == nil || strings.TrimSpace(b.Origin.Name) == "" {
		v.missing("base_info.origin")
	}
	if len(b.DestinationCities) == 0 {
		v.missing("base_info.destination_cities")
	}
	if b.GroupSize == nil {
		v.missing("base_info.group_size")
	}
	if b.TravelDate == nil {
		v.missing("base_info.travel_date")
	}

	if b.TripDays == nil {
		v.missing("base_info.trip_days")
	} else if d := *b.TripDays; d < minTripDays || d > maxTripDays {
		v.fail("trip_days must be between %d and %d, got %d", minTripDays, maxTripDays, d)
	}

	if g := b.GroupSize; g != nil {
		v.groupSize(g)
	}
	if d := b.TravelDate; d != nil {
		v.travelDate(d, b.TripDays, now)
	}

	seen := make(map[string]bool, len(b.DestinationCities))
	for _, c := range b.DestinationCities {
		key := strings.ToLower(strings.TrimSpace(c.Name))
		if key == "" {
			continue
		}
		if seen[key] {
			v.warn("duplicate destination: %s", c.Name)
		}
		seen[key] = true
	}
}

func (v *validator) groupSize(g *GroupSize) {
	sum := 0
	for _, bucket := range []struct {
		name  string
		value *int
	}{
		{"adults", g.Adults},
		{"children", g.Children},
		{"seniors", g.Seniors},
	} {
		if bucket.value == nil {
			continue
		}
		if *bucket.value < 0 {
			v.fail("group_size.%s must not be negative", bucket.name)
		}
		sum += *bucket.value
	}
	if g.Total == nil {
		v.missing("base_info.group_size.total")
		return
	}
	if *g.Total < 1 {
		v.fail("group_size.total must be at least 1")
	}
	if *g.Total != sum {
		v.fail("group_size.total (%d) must equal adults + children + seniors (%d)", *g.Total, sum)
	}
}

func (v *validator) travelDate(d *TravelDate, tripDays *int, now time.Time) {
	start, startOK := v.date("start_date", d.StartDate)
	end, endOK := v.date("end_date", d.EndDate)

	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if startOK && start.Before(today) {
		v.warn("start_date %s is in the past", *d.StartDate)
	}
	if !startOK || !endOK {
		return
	}
	if end.Before(start) {
		v.fail("end_date must not be before start_date")
		return
	}
	if tripDays != nil {
		if span := int(end.Sub(start).Hours()/24) + 1; span != *tripDays {
			v.fail("travel dates span %d days but trip_days is %d", span, *tripDays)
		}
	}
}

func (v *validator) date(field string, value *string) (time.Time, bool) {
	if value == nil || *value == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(dateLayout, *value)
	if err != nil {
		v.fail("%s must use YYYY-MM-DD, got %q", field, *value)
		return time.Time{}, false
	}
	return t, true
}

func (v *validator) preferences(p *Preferences) {
	if t := p.Transportation; t != nil && t.Type != "" && !slices.Contains(transportTypes, t.Type) {
		v.fail("invalid transportation type: %s", t.Type)
	}
	if a := p.Accommodation; a != nil && a.Level != "" && !slices.Contains(hotelLevels, a.Level) {
		v.fail("invalid accommodation level: %s", a.Level)
	}
	if it := p.Itinerary; it != nil {
		if it.Rhythm != "" && !slices.Contains(rhythms, it.Rhythm) {
			v.fail("invalid itinerary rhythm: %s", it.Rhythm)
		}
		for _, tag := range it.Tags {
			if !slices.Contains(tags, tag) {
				v.fail("invalid itinerary tag: %s", tag)
			}
		}
	}
}

func (v *validator) budget(b *Budget) {
	if b.Level != "" && !slices.Contains(budgetLevels, b.Level) {
		v.fail("invalid budget level: %s", b.Level)
	}
	rng := b.Range
	if rng == nil || (rng.Min == nil && rng.Max == nil) {
		if b.Level != "" {
			v.warn("budget level %s given without a budget range", b.Level)
		}
		return
	}
	if rng.Min != nil && *rng.Min < 0 {
		v.fail("budget range min must not be negative")
	}
	if rng.Max != nil && *rng.Max < 0 {
		v.fail("budget range max must not be negative")
	}
	if rng.Min != nil && rng.Max != nil && *rng.Min > *rng.Max {
		v.fail("budget range min (%.2f) must not exceed max (%.2f)", *rng.Min, *rng.Max)
	}
}

func (v *validator) metadata(m *Metadata) {
	if m.SourceType != "" && !slices.Contains(sourceTypes, m.SourceType) {
		v.fail("invalid source type: %s", m.SourceType)
	}
	if m.Status != "" && !slices.Contains(statuses, m.Status) {
		v.fail("invalid status: %s", m.Status)
	}
}
