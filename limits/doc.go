// Package limits provides centralized size constants and validation functions
// for chunked file transfers. This package ensures consistent size enforcement
// across all components of ferry.
//
// # Size Hierarchy
//
//   - MinChunkSize / MaxChunkSize: the range a sender may choose for the
//     nominal chunk size of a transfer. The receiver rejects requests outside it.
//
//   - DefaultChunkSize (64 KiB): used when configuration does not override it.
//
//   - MaxMessageSize: the absolute maximum for one encoded protocol message,
//     sized for a base64-encoded MaxChunkSize payload plus envelope overhead.
//     Inbound messages larger than this are dropped before decoding.
//
// # Validation Functions
//
// Each validation function returns a wrapped sentinel error:
//
//	if err := limits.ValidateChunkSize(size); err != nil {
//	    if errors.Is(err, limits.ErrChunkSizeOutOfRange) {
//	        // reject the request
//	    }
//	}
package limits
