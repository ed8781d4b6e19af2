package chunk

import (
	"errors"
	"io"

	"github.com/gabriel-vasile/mimetype"
)

// sniffLen is how many leading bytes are inspected for MIME detection.
const sniffLen = 512

// DetectMIME sniffs the leading bytes of r. Unreadable or empty input yields
// "application/octet-stream".
func DetectMIME(r io.ReaderAt) string {
	buf := make([]byte, sniffLen)
	n, err := r.ReadAt(buf, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		return "application/octet-stream"
	}
	return mimetype.Detect(buf[:n]).String()
}
