package virtio

import "errors"

// Sentinel errors shared across the virtio transport and its backends.
// Callers match them with errors.Is rather than string comparison.
var (
	// ErrQueueNotReady is returned by any ring operation attempted before
	// the queue has a size, addresses, and QUEUE_READY set.
	ErrQueueNotReady = errors.New("virtio: queue not ready")

	// ErrMalformedChain covers a descriptor chain that violates the ring
	// discipline: an out-of-range head or next index, or a chain whose
	// length would exceed the queue size (a cycle).
	ErrMalformedChain = errors.New("virtio: malformed descriptor chain")

	// ErrShortGuestAccess is returned when a guest-memory read or write
	// transfers fewer bytes than requested without an underlying error.
	ErrShortGuestAccess = errors.New("virtio: short guest memory access")

	// ErrFeatureNegotiationFailed is returned when the driver sets
	// FEATURES_OK over a feature set that is not a subset of the features
	// the device advertised; the transport forces the device to Failed.
	ErrFeatureNegotiationFailed = errors.New("virtio: feature negotiation failed")
)
