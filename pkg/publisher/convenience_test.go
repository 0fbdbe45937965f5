package publisher

import (
	"context"
	"testing"
	"time"

	"github.com/FortiumPartners/claude-config-sub021/pkg/event"
)

func latestEvent(t *testing.T, p *Publisher, org string) *event.Event {
	t.Helper()
	hist := p.EventHistory(org, 1)
	if len(hist) != 1 {
		t.Fatalf("history length = %d, want 1", len(hist))
	}
	return hist[0]
}

func hasRoom(rooms []string, room string) bool {
	for _, r := range rooms {
		if r == room {
			return true
		}
	}
	return false
}

func TestPublishDashboardUpdate(t *testing.T) {
	tr := newStubTransport()
	p := newTestPublisher(t, tr, Config{BatchInterval: time.Hour})

	res, err := p.PublishDashboardUpdate(context.Background(), "o1", "d1",
		map[string]any{"widgets": 3}, "u1", "")
	if err != nil {
		t.Fatalf("publishing: %v", err)
	}
	if !res.Queued {
		t.Errorf("high priority default should queue, got %+v", res)
	}

	ev := latestEvent(t, p, "o1")
	if ev.Type != event.TypeDashboardChanged {
		t.Errorf("type = %q", ev.Type)
	}
	if ev.Source != "dashboard-service" {
		t.Errorf("source = %q", ev.Source)
	}
	if ev.Metadata.Priority != event.PriorityHigh {
		t.Errorf("priority = %q, want high", ev.Metadata.Priority)
	}
	if ev.Data["dashboardId"] != "d1" || ev.Data["updateType"] != "metrics_refresh" {
		t.Errorf("data = %v", ev.Data)
	}
	if !hasRoom(ev.Routing.Rooms, "dashboard:o1:d1") || !hasRoom(ev.Routing.Rooms, "org:o1") {
		t.Errorf("rooms = %v", ev.Routing.Rooms)
	}
}

func TestPublishMetricsUpdate(t *testing.T) {
	tr := newStubTransport()
	p := newTestPublisher(t, tr, Config{BatchInterval: time.Hour})

	if _, err := p.PublishMetricsUpdate(context.Background(), "o1", "revenue",
		map[string]any{"total": 100}, ""); err != nil {
		t.Fatalf("publishing: %v", err)
	}

	ev := latestEvent(t, p, "o1")
	if ev.Type != event.TypeMetricsUpdated || ev.Source != "metrics-service" {
		t.Errorf("type/source = %q/%q", ev.Type, ev.Source)
	}
	if ev.Metadata.Priority != event.PriorityMedium {
		t.Errorf("priority = %q, want medium", ev.Metadata.Priority)
	}
	if ev.Data["metricType"] != "revenue" {
		t.Errorf("data = %v", ev.Data)
	}
	if !hasRoom(ev.Routing.Rooms, "metrics:o1:revenue") || !hasRoom(ev.Routing.Rooms, "org:o1") {
		t.Errorf("rooms = %v", ev.Routing.Rooms)
	}
}

func TestPublishUserActivity(t *testing.T) {
	tr := newStubTransport()
	p := newTestPublisher(t, tr, Config{BatchInterval: time.Hour})

	if _, err := p.PublishUserActivity(context.Background(), "o1", "u1",
		map[string]any{"action": "login"}); err != nil {
		t.Fatalf("publishing: %v", err)
	}

	ev := latestEvent(t, p, "o1")
	if ev.Type != event.TypeUserActivity || ev.Source != "activity-service" {
		t.Errorf("type/source = %q/%q", ev.Type, ev.Source)
	}
	if ev.Metadata.Priority != event.PriorityLow {
		t.Errorf("priority = %q, want low", ev.Metadata.Priority)
	}
	if ev.UserID != "u1" {
		t.Errorf("userId = %q", ev.UserID)
	}
	if !hasRoom(ev.Routing.Rooms, "org:o1") || !hasRoom(ev.Routing.Rooms, "user:u1") {
		t.Errorf("rooms = %v", ev.Routing.Rooms)
	}
}

func TestPublishSystemAlert(t *testing.T) {
	tr := newStubTransport()
	p := newTestPublisher(t, tr, Config{BatchInterval: time.Hour})

	res, err := p.PublishSystemAlert(context.Background(), "o1",
		map[string]any{"severity": "major"}, "")
	if err != nil {
		t.Fatalf("publishing: %v", err)
	}
	if !res.Published {
		t.Errorf("critical default should publish immediately, got %+v", res)
	}
	if tr.count("events:org:o1") != 1 {
		t.Errorf("org room saw %d publishes, want 1", tr.count("events:org:o1"))
	}

	ev := latestEvent(t, p, "o1")
	if ev.Type != event.TypeSystemAlert || ev.Source != "system-monitor" {
		t.Errorf("type/source = %q/%q", ev.Type, ev.Source)
	}
	if ev.Metadata.Priority != event.PriorityCritical {
		t.Errorf("priority = %q, want critical", ev.Metadata.Priority)
	}
	if len(ev.Routing.Roles) != 2 {
		t.Errorf("roles = %v, want admin and manager", ev.Routing.Roles)
	}
}

func TestPublishCollaborativeEvent(t *testing.T) {
	tr := newStubTransport()
	p := newTestPublisher(t, tr, Config{BatchInterval: time.Hour})

	if _, err := p.PublishCollaborativeEvent(context.Background(), "o1", "d1", "u1",
		map[string]any{"action": "widget_moved"}); err != nil {
		t.Fatalf("publishing: %v", err)
	}

	ev := latestEvent(t, p, "o1")
	if ev.Type != event.TypeCollaboration || ev.Source != "collaboration-service" {
		t.Errorf("type/source = %q/%q", ev.Type, ev.Source)
	}
	if !hasRoom(ev.Routing.Rooms, "dashboard:o1:d1") {
		t.Errorf("rooms = %v", ev.Routing.Rooms)
	}
	// The acting user never sees their own echo.
	if len(ev.Routing.ExcludeUsers) != 1 || ev.Routing.ExcludeUsers[0] != "u1" {
		t.Errorf("excludeUsers = %v, want [u1]", ev.Routing.ExcludeUsers)
	}
}
