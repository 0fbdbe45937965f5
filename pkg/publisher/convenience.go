package publisher

import (
	"context"

	"github.com/FortiumPartners/claude-config-sub021/pkg/event"
)

// Typed publish helpers. These fix type, source, default priority and the
// room-naming conventions consumers depend on; they add no semantics beyond
// Publish itself.

// PublishDashboardUpdate notifies watchers of a dashboard that its metrics
// refreshed. Defaults to high priority.
func (p *Publisher) PublishDashboardUpdate(ctx context.Context, organizationID, dashboardID string, updates map[string]any, userID string, priority event.Priority) (Result, error) {
	if priority == "" {
		priority = event.PriorityHigh
	}
	return p.Publish(ctx, Submission{
		Type:           event.TypeDashboardChanged,
		Source:         "dashboard-service",
		OrganizationID: organizationID,
		UserID:         userID,
		Priority:       priority,
		Data: map[string]any{
			"dashboardId": dashboardID,
			"updateType":  "metrics_refresh",
			"updates":     updates,
		},
		Routing: event.Routing{
			Rooms: []string{
				event.DashboardRoom(organizationID, dashboardID),
				event.OrgRoom(organizationID),
			},
		},
	})
}

// PublishMetricsUpdate announces fresh metric values for a metric type.
func (p *Publisher) PublishMetricsUpdate(ctx context.Context, organizationID, metricType string, metrics map[string]any, priority event.Priority) (Result, error) {
	if priority == "" {
		priority = event.PriorityMedium
	}
	return p.Publish(ctx, Submission{
		Type:           event.TypeMetricsUpdated,
		Source:         "metrics-service",
		OrganizationID: organizationID,
		Priority:       priority,
		Data: map[string]any{
			"metricType": metricType,
			"metrics":    metrics,
		},
		Routing: event.Routing{
			Rooms: []string{
				event.MetricsRoom(organizationID, metricType),
				event.OrgRoom(organizationID),
			},
		},
	})
}

// PublishUserActivity records a user action for activity feeds. Low priority.
func (p *Publisher) PublishUserActivity(ctx context.Context, organizationID, userID string, activity map[string]any) (Result, error) {
	return p.Publish(ctx, Submission{
		Type:           event.TypeUserActivity,
		Source:         "activity-service",
		OrganizationID: organizationID,
		UserID:         userID,
		Priority:       event.PriorityLow,
		Data:           activity,
		Routing: event.Routing{
			Rooms: []string{
				event.OrgRoom(organizationID),
				event.UserRoom(userID),
			},
		},
	})
}

// PublishSystemAlert raises a tenant-wide alert, restricted to admins and
// managers. Defaults to critical priority, so it takes the immediate path.
func (p *Publisher) PublishSystemAlert(ctx context.Context, organizationID string, alert map[string]any, priority event.Priority) (Result, error) {
	if priority == "" {
		priority = event.PriorityCritical
	}
	return p.Publish(ctx, Submission{
		Type:           event.TypeSystemAlert,
		Source:         "system-monitor",
		OrganizationID: organizationID,
		Priority:       priority,
		Data:           alert,
		Routing: event.Routing{
			Rooms: []string{event.OrgRoom(organizationID)},
			Roles: []string{"admin", "manager"},
		},
	})
}

// PublishCollaborativeEvent shares an editing action with everyone viewing
// the same dashboard except the acting user, so users never see their own echo.
func (p *Publisher) PublishCollaborativeEvent(ctx context.Context, organizationID, dashboardID, userID string, data map[string]any) (Result, error) {
	return p.Publish(ctx, Submission{
		Type:           event.TypeCollaboration,
		Source:         "collaboration-service",
		OrganizationID: organizationID,
		UserID:         userID,
		Priority:       event.PriorityHigh,
		Data:           data,
		Routing: event.Routing{
			Rooms:        []string{event.DashboardRoom(organizationID, dashboardID)},
			ExcludeUsers: []string{userID},
		},
	})
}
