package chunk

// Common test sizes.
const (
	testChunkSize   = 4 * 1024
	testFileSize10K = 10 * 1024
	testTransferID  = "transfer-test-1"
)
