package canvas

import "fmt"

// Redis key pattern helpers
//
// All Redis keys and Pub/Sub channels are namespaced by instance name to enable
// multiple mural instances to safely coexist on a single Redis server.
//
// Key pattern: mural:{instance_name}:{entity}[:{id}]
// Channel pattern: mural:{instance_name}:{event_type}_events

// TileKeyName returns the Redis key for a tile snapshot hash.
// Pattern: mural:{instance_name}:tile:{x}:{y}
func TileKeyName(instanceName string, key TileKey) string {
	return fmt.Sprintf("mural:%s:tile:%d:%d", instanceName, key.X, key.Y)
}

// BudgetKey returns the Redis key for the last known write budget.
// Pattern: mural:{instance_name}:budget
func BudgetKey(instanceName string) string {
	return fmt.Sprintf("mural:%s:budget", instanceName)
}

// TotalsKey returns the Redis key for the cumulative counters hash.
// Pattern: mural:{instance_name}:totals
func TotalsKey(instanceName string) string {
	return fmt.Sprintf("mural:%s:totals", instanceName)
}

// RunsKey returns the Redis key for the capped list of recent run summaries.
// Pattern: mural:{instance_name}:runs
func RunsKey(instanceName string) string {
	return fmt.Sprintf("mural:%s:runs", instanceName)
}

// TileEventsChannel returns the Pub/Sub channel name for tile events.
// Pattern: mural:{instance_name}:tile_events
func TileEventsChannel(instanceName string) string {
	return fmt.Sprintf("mural:%s:tile_events", instanceName)
}

// RunEventsChannel returns the Pub/Sub channel name for finished runs.
// Pattern: mural:{instance_name}:run_events
func RunEventsChannel(instanceName string) string {
	return fmt.Sprintf("mural:%s:run_events", instanceName)
}
