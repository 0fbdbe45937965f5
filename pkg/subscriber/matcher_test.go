package subscriber

import (
	"testing"
	"time"

	"github.com/FortiumPartners/claude-config-sub021/pkg/event"
)

func baseSub(f Filters) *Subscription {
	return &Subscription{
		ID:         "sub_1",
		SocketID:   "sock_1",
		UserID:     "u1",
		EventTypes: []event.EventType{event.TypeMetricsUpdated, event.TypeDashboardChanged},
		Rooms:      []string{"org:o1"},
		Filters:    f,
	}
}

func baseEnv() event.Envelope {
	return event.Envelope{
		EventID: "evt_1",
		Type:    event.TypeMetricsUpdated,
		Source:  "metrics-service",
		UserID:  "u2",
		Data: map[string]any{
			"metricType": "revenue",
			"metrics":    map[string]any{"total": float64(100)},
			"points":     []any{map[string]any{"v": float64(1)}},
		},
		Metadata: event.Metadata{
			Timestamp: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
			Priority:  event.PriorityHigh,
			Tags:      []string{"finance", "daily"},
		},
		Routing: event.Routing{Rooms: []string{"org:o1"}},
	}
}

func TestMatches(t *testing.T) {
	cases := []struct {
		name   string
		sub    *Subscription
		mutate func(*event.Envelope)
		want   bool
	}{
		{"no filters", baseSub(Filters{}), nil, true},
		{"type not subscribed", baseSub(Filters{}), func(e *event.Envelope) {
			e.Type = event.TypeSystemAlert
		}, false},
		{"priority match", baseSub(Filters{Priorities: []event.Priority{event.PriorityHigh, event.PriorityCritical}}), nil, true},
		{"priority mismatch", baseSub(Filters{Priorities: []event.Priority{event.PriorityCritical}}), nil, false},
		{"tag intersects", baseSub(Filters{Tags: []string{"daily", "weekly"}}), nil, true},
		{"tag disjoint", baseSub(Filters{Tags: []string{"weekly"}}), nil, false},
		{"source match", baseSub(Filters{Sources: []string{"metrics-service"}}), nil, true},
		{"source mismatch", baseSub(Filters{Sources: []string{"dashboard-service"}}), nil, false},
		{"user match", baseSub(Filters{UserIDs: []string{"u2"}}), nil, true},
		{"user mismatch", baseSub(Filters{UserIDs: []string{"u3"}}), nil, false},
		{"filter excludes acting user", baseSub(Filters{ExcludeUsers: []string{"u2"}}), nil, false},
		{"time range inside", baseSub(Filters{TimeRange: &TimeRange{
			Start: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC),
		}}), nil, true},
		{"time range before start", baseSub(Filters{TimeRange: &TimeRange{
			Start: time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC),
		}}), nil, false},
		{"time range open bounds", baseSub(Filters{TimeRange: &TimeRange{}}), nil, true},
		{"data filter top level", baseSub(Filters{DataFilters: map[string]any{"metricType": "revenue"}}), nil, true},
		{"data filter nested path", baseSub(Filters{DataFilters: map[string]any{"metrics.total": 100}}), nil, true},
		{"data filter array index", baseSub(Filters{DataFilters: map[string]any{"points.0.v": 1}}), nil, true},
		{"data filter mismatch", baseSub(Filters{DataFilters: map[string]any{"metricType": "latency"}}), nil, false},
		{"data filter missing path", baseSub(Filters{DataFilters: map[string]any{"nope.deep": 1}}), nil, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := baseEnv()
			if tc.mutate != nil {
				tc.mutate(&env)
			}
			if got := matches(tc.sub, env); got != tc.want {
				t.Errorf("matches = %v, want %v", got, tc.want)
			}
		})
	}
}

// Routing-level exclusion wins even when every filter dimension matches.
func TestMatches_RoutingExclusionPrecedence(t *testing.T) {
	sub := baseSub(Filters{
		Priorities: []event.Priority{event.PriorityHigh},
		Sources:    []string{"metrics-service"},
	})
	env := baseEnv()
	env.Routing.ExcludeUsers = []string{"u1"}

	if matches(sub, env) {
		t.Error("excluded subscriber must never receive the event")
	}

	env.Routing.ExcludeUsers = []string{"someone-else"}
	if !matches(sub, env) {
		t.Error("exclusion of another user must not block delivery")
	}
}

// All present dimensions must match together.
func TestMatches_Conjunction(t *testing.T) {
	sub := baseSub(Filters{
		Priorities: []event.Priority{event.PriorityHigh},
		Tags:       []string{"finance"},
		Sources:    []string{"metrics-service"},
	})

	if !matches(sub, baseEnv()) {
		t.Fatal("all dimensions match, event should deliver")
	}

	env := baseEnv()
	env.Metadata.Tags = []string{"ops"}
	if matches(sub, env) {
		t.Error("one failing dimension must block delivery")
	}
}

func TestLookupPath(t *testing.T) {
	data := map[string]any{
		"a": map[string]any{"b": []any{map[string]any{"c": "deep"}}},
	}
	got, ok := lookupPath(data, "a.b.0.c")
	if !ok || got != "deep" {
		t.Errorf("lookupPath = %v, %v", got, ok)
	}
	if _, ok := lookupPath(data, "a.b.5.c"); ok {
		t.Error("out-of-range index should not resolve")
	}
	if _, ok := lookupPath(data, "a.b.x"); ok {
		t.Error("non-numeric index into slice should not resolve")
	}
}

func TestLooselyEqual(t *testing.T) {
	if !looselyEqual(float64(42), 42) {
		t.Error("float64 42 should equal int 42")
	}
	if !looselyEqual("x", "x") {
		t.Error("equal strings should match")
	}
	if looselyEqual("42", 42) {
		t.Error("string and number should not match")
	}
}
