package dto

// SnapshotQuery mirrors supported snapshot listing filters.
type SnapshotQuery struct {
	EntityType string
	Limit      int
	Offset     int
}
