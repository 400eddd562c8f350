package pipeline

const (
	// SchemaVersion is stamped on every run and snapshot. Bump it whenever
	// the canonical payload layout changes.
	SchemaVersion = "1.0.0"

	// maxMergeHops bounds how far entity alias overrides are followed.
	maxMergeHops = 32
)
