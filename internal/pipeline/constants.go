package pipeline

// Default values for batch ingestion.
const (
	// DefaultWorkers bounds how many documents IngestBatch processes at once.
	DefaultWorkers = 4

	// maxErrorLen truncates error text stored on outcomes and jobs.
	maxErrorLen = 2000
)
