// Package persistence writes validated travel requirements to a relational
// store. Postgres (pgx) and SQLite (modernc) are supported.
package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ishenwei/smart-trip-quote/internal/extract"
)

var (
	ErrDuplicate = errors.New("requirement already exists")
	ErrNotFound  = errors.New("requirement not found")
)

// Store accepts the final structured payload.
type Store interface {
	CreateFromStructured(ctx context.Context, req *extract.Requirement) (string, error)
	Get(ctx context.Context, requirementID string) (*extract.Requirement, error)
	Ping(ctx context.Context) error
	Close() error
}

// Open picks a backend from the DSN scheme. An empty DSN returns a nil
// Store, which callers treat as persistence being disabled.
func Open(ctx context.Context, dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	switch {
	case dsn == "":
		return nil, nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return OpenPostgres(ctx, dsn)
	case strings.HasPrefix(dsn, "sqlite:"), strings.HasPrefix(dsn, "file:"):
		return OpenSQLite(ctx, strings.TrimPrefix(dsn, "sqlite:"))
	default:
		return nil, fmt.Errorf("unsupported database dsn scheme: %q", redact(dsn))
	}
}

const columns = `requirement_id, origin, destinations, trip_days,
	group_adults, group_children, group_seniors, group_total,
	start_date, end_date, is_flexible,
	transport_type, hotel_level, rhythm,
	budget_level, currency, budget_min, budget_max,
	source_type, status, payload, origin_input, created_at`

// record is the flattened row stored for a requirement.
type record struct {
	ID            string
	Origin        string
	Destinations  string
	TripDays      *int
	Adults        *int
	Children      *int
	Seniors       *int
	Total         *int
	StartDate     *string
	EndDate       *string
	IsFlexible    *bool
	TransportType string
	HotelLevel    string
	Rhythm        string
	BudgetLevel   string
	Currency      string
	BudgetMin     *float64
	BudgetMax     *float64
	SourceType    string
	Status        string
	Payload       []byte
	OriginInput   string
	CreatedAt     time.Time
}

func (r record) args() []any {
	return []any{
		r.ID, r.Origin, r.Destinations, r.TripDays,
		r.Adults, r.Children, r.Seniors, r.Total,
		r.StartDate, r.EndDate, r.IsFlexible,
		r.TransportType, r.HotelLevel, r.Rhythm,
		r.BudgetLevel, r.Currency, r.BudgetMin, r.BudgetMax,
		r.SourceType, r.Status, string(r.Payload), r.OriginInput, r.CreatedAt,
	}
}

func newRecord(req *extract.Requirement, now time.Time) (record, error) {
	if req == nil {
		return record{}, errors.New("requirement is nil")
	}
	if strings.TrimSpace(req.RequirementID) == "" {
		return record{}, errors.New("requirement_id is required")
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return record{}, fmt.Errorf("encode payload: %w", err)
	}

	rec := record{
		ID:           req.RequirementID,
		Destinations: strings.Join(req.DestinationNames(), ","),
		Payload:      payload,
		OriginInput:  req.OriginInput,
		CreatedAt:    now.UTC(),
	}
	if b := req.BaseInfo; b != nil {
		if b.Origin != nil {
			rec.Origin = b.Origin.Name
		}
		rec.TripDays = b.TripDays
		if g := b.GroupSize; g != nil {
			rec.Adults, rec.Children, rec.Seniors, rec.Total = g.Adults, g.Children, g.Seniors, g.Total
		}
		if d := b.TravelDate; d != nil {
			rec.StartDate, rec.EndDate, rec.IsFlexible = d.StartDate, d.EndDate, d.IsFlexible
		}
	}
	if p := req.Preferences; p != nil {
		if p.Transportation != nil {
			rec.TransportType = string(p.Transportation.Type)
		}
		if p.Accommodation != nil {
			rec.HotelLevel = string(p.Accommodation.Level)
		}
		if p.Itinerary != nil {
			rec.Rhythm = string(p.Itinerary.Rhythm)
		}
	}
	if b := req.Budget; b != nil {
		rec.BudgetLevel = string(b.Level)
		rec.Currency = b.Currency
		if b.Range != nil {
			rec.BudgetMin, rec.BudgetMax = b.Range.Min, b.Range.Max
		}
	}
	if m := req.Metadata; m != nil {
		rec.SourceType = string(m.SourceType)
		rec.Status = string(m.Status)
	}
	return rec, nil
}

func decodePayload(data []byte) (*extract.Requirement, error) {
	var req extract.Requirement
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode stored payload: %w", err)
	}
	return &req, nil
}

func redact(dsn string) string {
	if i := strings.Index(dsn, "@"); i >= 0 {
		if j := strings.Index(dsn, "://"); j >= 0 && j < i {
			return dsn[:j+3] + "***" + dsn[i:]
		}
	}
	return dsn
}
