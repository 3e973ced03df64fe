// Package location decides whether an extracted requirement names a usable
// origin and at least one usable destination.
package location

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/ishenwei/smart-trip-quote/internal/extract"
)

type Status string

const (
	Valid              Status = "VALID"
	MissingOrigin      Status = "MISSING_ORIGIN"
	MissingDestination Status = "MISSING_DESTINATION"
	MissingBoth        Status = "MISSING_BOTH"
	InvalidFormat      Status = "INVALID_FORMAT"
)

const (
	minNameRunes = 2
	maxNameRunes = 20
)

var placeholders = map[string]struct{}{
	"":            {},
	"unspecified": {},
	"unknown":     {},
	"unclear":     {},
	"null":        {},
	"none":        {},
	"n/a":         {},
	"未指定":         {},
	"未明确":         {},
	"不清楚":         {},
	"未知":          {},
}

var examples = []string{
	"From Beijing to Shanghai for 5 days, 2 adults",
	"Leaving Guangzhou for Chengdu, one week",
	"From Shenzhen to Hangzhou, 3 people",
	"Shanghai to Sanya, budget 5000 CNY",
	"Beijing to Hong Kong, 2 adults, 10 days",
}

// Outcome is the result of checking one requirement.
type Outcome struct {
	Status       Status          `json:"status"`
	Origin       *extract.Place  `json:"origin,omitempty"`
	Destinations []extract.Place `json:"destinations,omitempty"`
	Message      string          `json:"message,omitempty"`
	Suggestions  []string        `json:"suggestions,omitempty"`
}

func (o Outcome) Valid() bool { return o.Status == Valid }

// OriginName returns the origin name when it is usable.
func (o Outcome) OriginName() string {
	if o.Origin != nil && Usable(o.Origin.Name) {
		return strings.TrimSpace(o.Origin.Name)
	}
	return ""
}

// DestinationNames returns the usable destination names in order.
func (o Outcome) DestinationNames() []string {
	var names []string
	for _, d := range o.Destinations {
		if Usable(d.Name) {
			names = append(names, strings.TrimSpace(d.Name))
		}
	}
	return names
}

// Examples returns canonical phrasings that state both locations.
func Examples() []string {
	out := make([]string, len(examples))
	copy(out, examples)
	return out
}

// Usable reports whether name can stand for a city.
func Usable(name string) bool {
	name = strings.TrimSpace(name)
	if _, ok := placeholders[strings.ToLower(name)]; ok {
		return false
	}
	n := utf8.RuneCountInString(name)
	return n >= minNameRunes && n <= maxNameRunes
}

func Validate(req *extract.Requirement) Outcome {
	if req == nil || req.BaseInfo == nil {
		return Outcome{Status: InvalidFormat, Message: "payload has no base_info section"}
	}
	b := req.BaseInfo
	if b.Origin == nil || b.DestinationCities == nil {
		return Outcome{Status: InvalidFormat, Message: "base_info is missing origin or destination_cities"}
	}

	out := Outcome{Origin: b.Origin, Destinations: b.DestinationCities}
	hasOrigin := out.OriginName() != ""
	hasDestination := len(out.DestinationNames()) > 0

	switch {
	case hasOrigin && hasDestination:
		out.Status = Valid
	case !hasOrigin && !hasDestination:
		out.Status = MissingBoth
		out.Message = "could not identify the origin or the destination"
		out.Suggestions = []string{
			"State both cities, e.g. 'From Beijing to Shanghai'",
			"Or name them separately, e.g. 'Origin: Beijing, destination: Shanghai'",
		}
	case !hasOrigin:
		out.Status = MissingOrigin
		out.Message = "could not identify the origin"
		out.Suggestions = []string{
			"State where you leave from, e.g. 'Leaving from Beijing'",
			"Or mention your departure city in the request",
		}
	default:
		out.Status = MissingDestination
		out.Message = "could not identify the destination"
		out.Suggestions = []string{
			"State where you want to go, e.g. 'Going to Shanghai'",
			"Or mention the city you want to visit",
		}
	}
	return out
}

// UserMessage renders a reply that explains what is missing.
func UserMessage(o Outcome, userInput string) string {
	switch o.Status {
	case Valid:
		return ""
	case MissingBoth:
		return fmt.Sprintf("Sorry, I could not tell where you are leaving from or where you want to go.\n\nYour request: %s\n\nPlease give both, for example:\n- %s\n- %s",
			userInput, examples[0], examples[1])
	case MissingOrigin:
		dest := firstOr(o.DestinationNames(), "your destination")
		return fmt.Sprintf("Sorry, I could not tell where you are leaving from.\n\nYour request: %s\n\nI understood the destination. Which city do you leave from? For example:\n- 'From Beijing to %s'\n- 'I am in Shanghai and want to visit %s'",
			userInput, dest, dest)
	case MissingDestination:
		origin := o.OriginName()
		return fmt.Sprintf("Sorry, I could not tell where you want to go.\n\nYour request: %s\n\nThe origin is %s. Which city do you want to visit? For example:\n- 'From %s to Shanghai'\n- 'Leaving %s for Chengdu'",
			userInput, origin, origin, origin)
	case InvalidFormat:
		return fmt.Sprintf("Sorry, the request could not be processed: %s.\n\nPlease describe your trip again.", o.Message)
	default:
		return "Sorry, I could not identify the locations. Please describe your trip again."
	}
}

func firstOr(values []string, fallback string) string {
	if len(values) > 0 {
		return values[0]
	}
	return fallback
}
