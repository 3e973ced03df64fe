package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/kaptinlin/jsonschema"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ErrNoStructuredPayload means the model output held no usable JSON object.
var ErrNoStructuredPayload = errors.New("no structured payload in response")

var fencedBlock = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)\\s*```")

// shapeSchema is the payload shape after conform has repaired or dropped
// mistyped fields. Presence and business rules are checked by Validate so
// every problem is reported together.
const shapeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "$defs": {
    "str": {"type": ["string", "null"]},
    "int": {"type": ["integer", "null"]},
    "num": {"type": ["number", "null"]},
    "strs": {"type": ["array", "null"], "items": {"type": "string"}},
    "place": {"type": ["object", "string", "null"], "properties": {"name": {"$ref": "#/$defs/str"}}}
  },
  "properties": {
    "requirement_id": {"$ref": "#/$defs/str"},
    "base_info": {
      "type": ["object", "null"],
      "properties": {
        "origin": {"$ref": "#/$defs/place"},
        "destination_cities": {"type": ["array", "null"], "items": {"$ref": "#/$defs/place"}},
        "trip_days": {"$ref": "#/$defs/int"},
        "group_size": {
          "type": ["object", "null"],
          "properties": {
            "adults": {"$ref": "#/$defs/int"},
            "children": {"$ref": "#/$defs/int"},
            "seniors": {"$ref": "#/$defs/int"},
            "total": {"$ref": "#/$defs/int"}
          }
        },
        "travel_date": {
          "type": ["object", "null"],
          "properties": {
            "start_date": {"$ref": "#/$defs/str"},
            "end_date": {"$ref": "#/$defs/str"},
            "is_flexible": {"type": ["boolean", "null"]}
          }
        }
      }
    },
    "preferences": {
      "type": ["object", "null"],
      "properties": {
        "transportation": {"type": ["object", "null"], "properties": {"type": {"$ref": "#/$defs/str"}, "notes": {"$ref": "#/$defs/str"}}},
        "accommodation": {"type": ["object", "null"], "properties": {"level": {"$ref": "#/$defs/str"}, "requirements": {"$ref": "#/$defs/str"}}},
        "itinerary": {
          "type": ["object", "null"],
          "properties": {
            "rhythm": {"$ref": "#/$defs/str"},
            "tags": {"$ref": "#/$defs/strs"},
            "special_constraints": {
              "type": ["object", "null"],
              "properties": {"must_visit_spots": {"$ref": "#/$defs/strs"}, "avoid_activities": {"$ref": "#/$defs/strs"}}
            }
          }
        }
      }
    },
    "budget": {
      "type": ["object", "null"],
      "properties": {
        "level": {"$ref": "#/$defs/str"},
        "currency": {"$ref": "#/$defs/str"},
        "range": {"type": ["object", "null"], "properties": {"min": {"$ref": "#/$defs/num"}, "max": {"$ref": "#/$defs/num"}}},
        "budget_notes": {"$ref": "#/$defs/str"}
      }
    },
    "metadata": {
      "type": ["object", "null"],
      "properties": {
        "source_type": {"$ref": "#/$defs/str"},
        "status": {"$ref": "#/$defs/str"},
        "assumptions": {"$ref": "#/$defs/strs"}
      }
    }
  }
}`

var (
	shapeOnce    sync.Once
	shape        *jsonschema.Schema
	shapeCompErr error
)

func compiledShape() (*jsonschema.Schema, error) {
	shapeOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		shape, shapeCompErr = compiler.Compile([]byte(shapeSchema))
	})
	return shape, shapeCompErr
}

// ExtractJSON pulls the structured requirement out of raw model output. A
// fenced code block wins, then the whole text, then the outermost braces.
func ExtractJSON(raw string) (*Requirement, error) {
	candidate, ok := findObject(raw)
	if !ok {
		return nil, ErrNoStructuredPayload
	}

	c := &conformer{doc: candidate}
	for _, f := range payloadShape {
		c.visit(f.path, f.kind)
	}

	schema, err := compiledShape()
	if err != nil {
		return nil, fmt.Errorf("compile payload schema: %w", err)
	}
	if result := schema.ValidateJSON([]byte(c.doc)); !result.IsValid() {
		return nil, fmt.Errorf("%w: payload shape mismatch: %v", ErrNoStructuredPayload, result.Errors)
	}

	var req Requirement
	if err := json.Unmarshal([]byte(c.doc), &req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoStructuredPayload, err)
	}
	req.mistyped = c.issues
	return &req, nil
}

func findObject(raw string) (string, bool) {
	candidates := make([]string, 0, 3)
	if m := fencedBlock.FindStringSubmatch(raw); m != nil {
		candidates = append(candidates, m[1])
	}
	candidates = append(candidates, raw)
	if start, end := strings.Index(raw, "{"), strings.LastIndex(raw, "}"); start >= 0 && end > start {
		candidates = append(candidates, raw[start:end+1])
	}

	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c == "" || !gjson.Valid(c) {
			continue
		}
		if gjson.Parse(c).IsObject() {
			return c, true
		}
	}
	return "", false
}

type shapeKind int

const (
	shapeObject shapeKind = iota
	shapeString
	shapeInt
	shapeNumber
	shapeBool
	shapeStrings
	shapePlace
	shapePlaces
)

var shapeNames = map[shapeKind]string{
	shapeObject:  "an object",
	shapeString:  "a string",
	shapeInt:     "an integer",
	shapeNumber:  "a number",
	shapeBool:    "true or false",
	shapeStrings: "a list of strings",
	shapePlace:   "a city name or object",
	shapePlaces:  "a list of cities",
}

// payloadShape lists every typed field. Parents come before children so a
// dropped section skips its fields.
var payloadShape = []struct {
	path string
	kind shapeKind
}{
	{"requirement_id", shapeString},
	{"origin_input", shapeString},
	{"base_info", shapeObject},
	{"base_info.origin", shapePlace},
	{"base_info.destination_cities", shapePlaces},
	{"base_info.trip_days", shapeInt},
	{"base_info.group_size", shapeObject},
	{"base_info.group_size.adults", shapeInt},
	{"base_info.group_size.children", shapeInt},
	{"base_info.group_size.seniors", shapeInt},
	{"base_info.group_size.total", shapeInt},
	{"base_info.travel_date", shapeObject},
	{"base_info.travel_date.start_date", shapeString},
	{"base_info.travel_date.end_date", shapeString},
	{"base_info.travel_date.is_flexible", shapeBool},
	{"preferences", shapeObject},
	{"preferences.transportation", shapeObject},
	{"preferences.transportation.type", shapeString},
	{"preferences.transportation.notes", shapeString},
	{"preferences.accommodation", shapeObject},
	{"preferences.accommodation.level", shapeString},
	{"preferences.accommodation.requirements", shapeString},
	{"preferences.itinerary", shapeObject},
	{"preferences.itinerary.rhythm", shapeString},
	{"preferences.itinerary.tags", shapeStrings},
	{"preferences.itinerary.special_constraints", shapeObject},
	{"preferences.itinerary.special_constraints.must_visit_spots", shapeStrings},
	{"preferences.itinerary.special_constraints.avoid_activities", shapeStrings},
	{"budget", shapeObject},
	{"budget.level", shapeString},
	{"budget.currency", shapeString},
	{"budget.range", shapeObject},
	{"budget.range.min", shapeNumber},
	{"budget.range.max", shapeNumber},
	{"budget.budget_notes", shapeString},
	{"metadata", shapeObject},
	{"metadata.source_type", shapeString},
	{"metadata.status", shapeString},
	{"metadata.assumptions", shapeStrings},
}

var placeKeys = []string{"name", "code", "type", "country"}

// fieldIssue is a field the model emitted with a type that could not be
// repaired. The field is dropped from the payload and reported by Validate.
type fieldIssue struct {
	Path    string
	Message string
}

// conformer rewrites a payload in place so lenient model output decodes:
// numeric strings and integral floats become numbers, scalars become
// strings, and a lone string becomes a one-element list.
type conformer struct {
	doc    string
	issues []fieldIssue
}

func (c *conformer) visit(path string, kind shapeKind) {
	v := gjson.Get(c.doc, path)
	if !v.Exists() || v.Type == gjson.Null {
		return
	}

	switch kind {
	case shapeObject:
		if !v.IsObject() {
			c.reject(path, kind, v)
		}
	case shapeString:
		switch v.Type {
		case gjson.String:
		case gjson.Number, gjson.True, gjson.False:
			c.set(path, v.Raw)
		default:
			c.reject(path, kind, v)
		}
	case shapeInt:
		n, ok := wholeNumber(v)
		if !ok {
			c.reject(path, kind, v)
			return
		}
		if v.Type != gjson.Number || v.Raw != strconv.Itoa(n) {
			c.set(path, n)
		}
	case shapeNumber:
		f, ok := number(v)
		if !ok {
			c.reject(path, kind, v)
			return
		}
		if v.Type != gjson.Number {
			c.set(path, f)
		}
	case shapeBool:
		switch v.Type {
		case gjson.True, gjson.False:
		case gjson.String:
			b, err := strconv.ParseBool(strings.TrimSpace(v.Str))
			if err != nil {
				c.reject(path, kind, v)
				return
			}
			c.set(path, b)
		default:
			c.reject(path, kind, v)
		}
	case shapeStrings:
		switch {
		case v.Type == gjson.String:
			c.set(path, []string{v.Str})
		case v.IsArray():
			c.elements(path, shapeString, len(v.Array()))
		default:
			c.reject(path, kind, v)
		}
	case shapePlace:
		switch {
		case v.Type == gjson.String:
		case v.IsObject():
			for _, key := range placeKeys {
				c.visit(path+"."+key, shapeString)
			}
		default:
			c.reject(path, kind, v)
		}
	case shapePlaces:
		switch {
		case v.Type == gjson.String || v.IsObject():
			c.setRaw(path, "["+v.Raw+"]")
			c.elements(path, shapePlace, 1)
		case v.IsArray():
			c.elements(path, shapePlace, len(v.Array()))
		default:
			c.reject(path, kind, v)
		}
	}
}

// elements walks an array backwards so dropping an element keeps the
// remaining indexes valid. Null elements are dropped silently.
func (c *conformer) elements(path string, kind shapeKind, n int) {
	for i := n - 1; i >= 0; i-- {
		elem := path + "." + strconv.Itoa(i)
		if gjson.Get(c.doc, elem).Type == gjson.Null {
			c.remove(elem)
			continue
		}
		c.visit(elem, kind)
	}
}

func (c *conformer) reject(path string, kind shapeKind, v gjson.Result) {
	c.issues = append(c.issues, fieldIssue{
		Path:    path,
		Message: fmt.Sprintf("%s must be %s, got %s", path, shapeNames[kind], clip(v.Raw)),
	})
	c.remove(path)
}

func (c *conformer) set(path string, value any) {
	if doc, err := sjson.Set(c.doc, path, value); err == nil {
		c.doc = doc
	}
}

func (c *conformer) setRaw(path, raw string) {
	if doc, err := sjson.SetRaw(c.doc, path, raw); err == nil {
		c.doc = doc
	}
}

func (c *conformer) remove(path string) {
	if doc, err := sjson.Delete(c.doc, path); err == nil {
		c.doc = doc
	}
}

func number(v gjson.Result) (float64, bool) {
	switch v.Type {
	case gjson.Number:
		return v.Num, true
	case gjson.String:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func wholeNumber(v gjson.Result) (int, bool) {
	f, ok := number(v)
	if !ok || f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return 0, false
	}
	return int(f), true
}

func clip(raw string) string {
	const limit = 40
	raw = strings.TrimSpace(raw)
	if len(raw) <= limit {
		return raw
	}
	return raw[:limit] + "..."
}
