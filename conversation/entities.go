package conversation

import (
	"strings"
	"time"
)

// componentTerms maps recognized electrical component words to their entity
// type. Plural forms are normalized before lookup.
var componentTerms = map[string]string{
	"resistor":        "component",
	"capacitor":       "component",
	"inductor":        "component",
	"diode":           "component",
	"transistor":      "component",
	"relay":           "component",
	"fuse":            "component",
	"switch":          "component",
	"transformer":     "component",
	"led":             "component",
	"battery":         "component",
	"opamp":           "component",
	"amplifier":       "component",
	"oscillator":      "component",
	"regulator":       "component",
	"microcontroller": "component",
	"ground":          "net",
	"wire":            "net",
	"trace":           "net",
	"bus":             "net",
	"terminal":        "connection",
	"connector":       "connection",
	"junction":        "connection",
	"schematic":       "document",
	"circuit":         "document",
	"diagram":         "document",
	"page":            "document",
	"voltage":         "measurement",
	"current":         "measurement",
	"resistance":      "measurement",
	"capacitance":     "measurement",
	"inductance":      "measurement",
	"frequency":       "measurement",
	"impedance":       "measurement",
	"power":           "measurement",
}

// ExtractedEntity is one entity found in a query.
type ExtractedEntity struct {
	Text       string
	Key        string
	Type       string
	Confidence float64
	Position   int
}

// CanonicalKey lowercases and singularizes an entity mention into its index
// key.
func CanonicalKey(text string) string {
	key := strings.ToLower(strings.TrimSpace(text))
	key = strings.Trim(key, ".,;:!?\"'()")
	if strings.HasSuffix(key, "s") && len(key) > 3 {
		singular := key[:len(key)-1]
		if _, ok := componentTerms[singular]; ok {
			return singular
		}
	}
	return key
}

// ExtractEntities scans a query for known electrical terms and designator
// patterns (R12, C3, U7). Positions are word indexes into the query.
func ExtractEntities(query string) []ExtractedEntity {
	words := strings.Fields(query)
	var out []ExtractedEntity
	seen := make(map[string]bool)

	for i, w := range words {
		key := CanonicalKey(w)
		if key == "" || seen[key] {
			continue
		}
		if typ, ok := componentTerms[key]; ok {
			out = append(out, ExtractedEntity{
				Text:       strings.Trim(w, ".,;:!?\"'()"),
				Key:        key,
				Type:       typ,
				Confidence: 0.9,
				Position:   i,
			})
			seen[key] = true
			continue
		}
		if isDesignator(key) {
			out = append(out, ExtractedEntity{
				Text:       strings.Trim(w, ".,;:!?\"'()"),
				Key:        key,
				Type:       "designator",
				Confidence: 0.8,
				Position:   i,
			})
			seen[key] = true
		}
	}
	return out
}

// isDesignator matches reference designators like r12, c3, u7, q1, l2.
func isDesignator(s string) bool {
	if len(s) < 2 || len(s) > 5 {
		return false
	}
	switch s[0] {
	case 'r', 'c', 'l', 'u', 'q', 'd', 'j', 'k', 't':
	default:
		return false
	}
	for i := 1; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// MergeEntities folds newly extracted entities into the cumulative index.
// Mention counts are monotonic: existing entities only gain mentions.
func MergeEntities(cc *CumulativeContext, turnID string, entities []ExtractedEntity, at time.Time) {
	for _, e := range entities {
		mention := EntityMention{
			Text:       e.Text,
			Type:       e.Type,
			Confidence: e.Confidence,
			TurnID:     turnID,
			Position:   e.Position,
		}
		rec, ok := cc.ExtractedEntities[e.Key]
		if !ok {
			rec = &EntityRecord{Key: e.Key, FirstMentioned: at}
			cc.ExtractedEntities[e.Key] = rec
			cc.EntityOrder = append(cc.EntityOrder, e.Key)
		}
		rec.Mentions = append(rec.Mentions, mention)
		rec.MentionCount++
	}
}

// MostProminentEntity returns the entity key with the highest mention count,
// breaking ties toward earlier first mention. Empty when no entities exist.
func MostProminentEntity(cc *CumulativeContext) string {
	best := ""
	bestCount := 0
	for _, key := range cc.EntityOrder {
		rec := cc.ExtractedEntities[key]
		if rec == nil {
			continue
		}
		if rec.MentionCount > bestCount {
			best = key
			bestCount = rec.MentionCount
		}
	}
	return best
}
