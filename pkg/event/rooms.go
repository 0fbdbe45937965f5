package event

import "fmt"

// Room naming scheme. Consumers depend on these exact formats; do not change
// them without coordinating with every subscriber.

func DashboardRoom(organizationID, dashboardID string) string {
	return fmt.Sprintf("dashboard:%s:%s", organizationID, dashboardID)
}

func MetricsRoom(organizationID, metricType string) string {
	return fmt.Sprintf("metrics:%s:%s", organizationID, metricType)
}

func OrgRoom(organizationID string) string {
	return "org:" + organizationID
}

func UserRoom(userID string) string {
	return "user:" + userID
}

// ChannelForRoom maps a room to its transport channel.
func ChannelForRoom(room string) string {
	return "events:" + room
}
