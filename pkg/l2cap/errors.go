package l2cap

import "errors"

var (
	// ErrNoResources is returned when a fixed pool has no free slot.
	ErrNoResources = errors.New("no resources")
	// ErrWrongState is returned for an API call the channel's current state
	// does not admit.
	ErrWrongState = errors.New("wrong state")
	// ErrIllegalParameter is returned synchronously for malformed caller input.
	ErrIllegalParameter = errors.New("illegal parameter")
	// ErrMTUExceeded is returned when an SDU is larger than the negotiated MTU.
	ErrMTUExceeded = errors.New("mtu exceeded")
	// ErrInvalidCID is returned when no channel matches the given CID.
	ErrInvalidCID = errors.New("invalid cid")
	// ErrPSMInUse is returned when registering a PSM that already has an owner.
	ErrPSMInUse = errors.New("psm in use")
	// ErrCongested is returned by SendData once the transmit queue is over
	// quota. The SDU is still queued; the caller should pause until the
	// uncongested callback fires.
	ErrCongested = errors.New("congested")
	// ErrTimeout is reported when the peer never answered a request.
	ErrTimeout = errors.New("timed out")
	// ErrClosed is returned once the stack has been shut down.
	ErrClosed = errors.New("stack closed")
)
