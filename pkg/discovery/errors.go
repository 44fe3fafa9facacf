package discovery

import "errors"

var (
	ErrClosed             = errors.New("discovery: advertiser closed")
	ErrAlreadyStarted     = errors.New("discovery: service type already advertised")
	ErrNotStarted         = errors.New("discovery: service type not advertised")
	ErrInvalidServiceType = errors.New("discovery: unknown service type")
	ErrInvalidPort        = errors.New("discovery: port out of range")
	ErrServiceNotFound    = errors.New("discovery: no such instance")
	ErrTimeout            = errors.New("discovery: timed out")

	// ErrInvalidInstanceName reports an empty name or one that does not fit
	// a single 63 byte DNS label.
	ErrInvalidInstanceName = errors.New("discovery: bad instance name")
	ErrInvalidTXTRecord    = errors.New("discovery: malformed TXT attributes")

	// ErrInvalidResourceType reports an rt value that cannot be used as a
	// DNS-SD subtype label.
	ErrInvalidResourceType = errors.New("discovery: rt not usable as subtype")
	ErrNoAddresses         = errors.New("discovery: service has no addresses")
)
