package extract

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Requirement is the structured travel request extracted from free text.
// Sections are pointers so an absent section can be told apart from an
// empty one.
type Requirement struct {
	RequirementID string       `json:"requirement_id,omitempty"`
	BaseInfo      *BaseInfo    `json:"base_info,omitempty"`
	Preferences   *Preferences `json:"preferences,omitempty"`
	Budget        *Budget      `json:"budget,omitempty"`
	Metadata      *Metadata    `json:"metadata,omitempty"`
	OriginInput   string       `json:"origin_input,omitempty"`

	mistyped []fieldIssue
}

type BaseInfo struct {
	Origin            *Place      `json:"origin,omitempty"`
	DestinationCities []Place     `json:"destination_cities"`
	TripDays          *int        `json:"trip_days"`
	GroupSize         *GroupSize  `json:"group_size,omitempty"`
	TravelDate        *TravelDate `json:"travel_date,omitempty"`
}

// Place is a city. The model sometimes emits destinations as bare strings,
// so Place also decodes from a JSON string.
type Place struct {
	Name    string `json:"name"`
	Code    string `json:"code,omitempty"`
	Type    string `json:"type,omitempty"`
	Country string `json:"country,omitempty"`
}

func (p *Place) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*p = Place{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var name string
		if err := json.Unmarshal(data, &name); err != nil {
			return err
		}
		*p = Place{Name: name}
		return nil
	}
	type plain Place
	var out plain
	if err := json.Unmarshal(data, &out); err != nil {
		return fmt.Errorf("place: %w", err)
	}
	*p = Place(out)
	return nil
}

type GroupSize struct {
	Adults   *int `json:"adults"`
	Children *int `json:"children"`
	Seniors  *int `json:"seniors"`
	Total    *int `json:"total"`
}

type TravelDate struct {
	StartDate  *string `json:"start_date"`
	EndDate    *string `json:"end_date"`
	IsFlexible *bool   `json:"is_flexible"`
}

type Preferences struct {
	Transportation *Transportation `json:"transportation,omitempty"`
	Accommodation  *Accommodation  `json:"accommodation,omitempty"`
	Itinerary      *Itinerary      `json:"itinerary,omitempty"`
}

type Transportation struct {
	Type  TransportType `json:"type,omitempty"`
	Notes *string       `json:"notes"`
}

type Accommodation struct {
	Level        HotelLevel `json:"level,omitempty"`
	Requirements *string    `json:"requirements"`
}

type Itinerary struct {
	Rhythm             Rhythm              `json:"rhythm,omitempty"`
	Tags               []Tag               `json:"tags"`
	SpecialConstraints *SpecialConstraints `json:"special_constraints,omitempty"`
}

type SpecialConstraints struct {
	MustVisitSpots  []string `json:"must_visit_spots"`
	AvoidActivities []string `json:"avoid_activities"`
}

type Budget struct {
	Level    BudgetLevel  `json:"level,omitempty"`
	Currency string       `json:"currency,omitempty"`
	Range    *BudgetRange `json:"range,omitempty"`
	Notes    *string      `json:"budget_notes"`
}

// BudgetRange figures are aggregate for the whole trip, not per person.
type BudgetRange struct {
	Min *float64 `json:"min"`
	Max *float64 `json:"max"`
}

type Metadata struct {
	SourceType  SourceType `json:"source_type,omitempty"`
	Status      Status     `json:"status,omitempty"`
	Assumptions []string   `json:"assumptions"`
}

type TransportType string

const (
	RoundTripFlight TransportType = "RoundTripFlight"
	OneWayFlight    TransportType = "OneWayFlight"
	HighSpeedTrain  TransportType = "HighSpeedTrain"
	Train           TransportType = "Train"
	SelfDriving     TransportType = "SelfDriving"
	OtherTransport  TransportType = "Other"
)

type HotelLevel string

const (
	HotelEconomy HotelLevel = "Economy"
	HotelComfort HotelLevel = "Comfort"
	HotelPremium HotelLevel = "Premium"
	HotelLuxury  HotelLevel = "Luxury"
)

type Rhythm string

const (
	RhythmRelaxed  Rhythm = "Relaxed"
	RhythmModerate Rhythm = "Moderate"
	RhythmIntense  Rhythm = "Intense"
)

type Tag string

const (
	TagCulture       Tag = "Culture"
	TagCityScape     Tag = "CityScape"
	TagFood          Tag = "Food"
	TagHistory       Tag = "History"
	TagNature        Tag = "Nature"
	TagShopping      Tag = "Shopping"
	TagEntertainment Tag = "Entertainment"
	TagOther         Tag = "Other"
)

type BudgetLevel string

const (
	BudgetEconomy BudgetLevel = "Economy"
	BudgetComfort BudgetLevel = "Comfort"
	BudgetHighEnd BudgetLevel = "HighEnd"
	BudgetLuxury  BudgetLevel = "Luxury"
)

type SourceType string

const (
	SourceNaturalLanguage SourceType = "NaturalLanguage"
	SourceFormInput       SourceType = "FormInput"
)

type Status string

const (
	StatusPendingReview Status = "PendingReview"
	StatusConfirmed     Status = "Confirmed"
	StatusExpired       Status = "Expired"
)

var (
	transportTypes = []TransportType{RoundTripFlight, OneWayFlight, HighSpeedTrain, Train, SelfDriving, OtherTransport}
	hotelLevels    = []HotelLevel{HotelEconomy, HotelComfort, HotelPremium, HotelLuxury}
	rhythms        = []Rhythm{RhythmRelaxed, RhythmModerate, RhythmIntense}
	tags           = []Tag{TagCulture, TagCityScape, TagFood, TagHistory, TagNature, TagShopping, TagEntertainment, TagOther}
	budgetLevels   = []BudgetLevel{BudgetEconomy, BudgetComfort, BudgetHighEnd, BudgetLuxury}
	sourceTypes    = []SourceType{SourceNaturalLanguage, SourceFormInput}
	statuses       = []Status{StatusPendingReview, StatusConfirmed, StatusExpired}
)

// DestinationNames returns the non-empty destination names in order.
func (r *Requirement) DestinationNames() []string {
	if r == nil || r.BaseInfo == nil {
		return nil
	}
	names := make([]string, 0, len(r.BaseInfo.DestinationCities))
	for _, d := range r.BaseInfo.DestinationCities {
		if d.Name != "" {
			names = append(names, d.Name)
		}
	}
	return names
}
