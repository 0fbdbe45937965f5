package subscriber

import (
	"encoding/json"
	"reflect"
	"strconv"
	"strings"

	"github.com/FortiumPartners/claude-config-sub021/pkg/event"
)

// matches reports whether an envelope should be delivered to a subscription.
// Routing exclusion wins over everything; after that the event type must be
// subscribed and every present filter dimension must match.
func matches(sub *Subscription, env event.Envelope) bool {
	for _, excluded := range env.Routing.ExcludeUsers {
		if excluded == sub.UserID {
			return false
		}
	}

	if !containsType(sub.EventTypes, env.Type) {
		return false
	}

	f := sub.Filters
	if len(f.Priorities) > 0 && !containsPriority(f.Priorities, env.Metadata.Priority) {
		return false
	}
	if len(f.Tags) > 0 && !intersects(f.Tags, env.Metadata.Tags) {
		return false
	}
	if len(f.Sources) > 0 && !containsString(f.Sources, env.Source) {
		return false
	}
	if len(f.UserIDs) > 0 && !containsString(f.UserIDs, env.UserID) {
		return false
	}
	for _, excluded := range f.ExcludeUsers {
		if excluded != "" && excluded == env.UserID {
			return false
		}
	}
	if f.TimeRange != nil {
		ts := env.Metadata.Timestamp
		if !f.TimeRange.Start.IsZero() && ts.Before(f.TimeRange.Start) {
			return false
		}
		if !f.TimeRange.End.IsZero() && ts.After(f.TimeRange.End) {
			return false
		}
	}
	for path, want := range f.DataFilters {
		got, ok := lookupPath(env.Data, path)
		if !ok || !looselyEqual(got, want) {
			return false
		}
	}
	return true
}

func containsType(types []event.EventType, t event.EventType) bool {
	for _, have := range types {
		if have == t {
			return true
		}
	}
	return false
}

func containsPriority(ps []event.Priority, p event.Priority) bool {
	for _, have := range ps {
		if have == p {
			return true
		}
	}
	return false
}

func containsString(ss []string, s string) bool {
	for _, have := range ss {
		if have == s {
			return true
		}
	}
	return false
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

// lookupPath resolves a dotted path ("a.b.0.c") against a JSON-like value:
// maps descend by key, slices by numeric index.
func lookupPath(data map[string]any, path string) (any, bool) {
	var cur any = data
	for _, part := range strings.Split(path, ".") {
		switch v := cur.(type) {
		case map[string]any:
			next, ok := v[part]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(v) {
				return nil, false
			}
			cur = v[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// looselyEqual compares filter values against payload values across the
// int/float divide that JSON decoding introduces.
func looselyEqual(a, b any) bool {
	if reflect.DeepEqual(a, b) {
		return true
	}
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	return aok && bok && af == bf
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
