package log

// Config bounds segment sizing and sparse-index density for a PartitionLog.
type Config struct {
	// maximum bytes for the store and index
	Segment struct {
		MaxStoreBytes uint64
		MaxIndexBytes uint64
		InitialOffset uint64
		// IndexIntervalBytes bounds how many bytes may be written to the
		// store between two index entries (spec "one sparse index entry
		// per configured bytes-written interval"). Zero indexes every
		// record (dense), which is still correct, just less sparse.
		IndexIntervalBytes uint64
	}
}
