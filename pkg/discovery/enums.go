// Package discovery implements DNS-SD (mDNS) discovery of CoAP endpoints.
//
// This package provides:
//   - Service advertising for CoAP endpoints and resource directories
//   - Service resolution to find other endpoints on the local link
//   - TXT record encoding/decoding for CoRE attributes
//
// RFC References:
//   - RFC 6763: DNS-Based Service Discovery
//   - RFC 7252 Section 12.8: Service Name and Port Number Registration (_coap)
//   - RFC 9176 Section 4.1: Resource Directory discovery (_core-rd)
package discovery

// ServiceType identifies the type of DNS-SD service.
type ServiceType int

// ServiceType constants.
const (
	// ServiceTypeUnknown represents an unknown or invalid service type.
	ServiceTypeUnknown ServiceType = iota

	// ServiceTypeEndpoint is a plain CoAP endpoint.
	// Service type: _coap._udp
	ServiceTypeEndpoint

	// ServiceTypeResourceDirectory is a CoRE resource directory.
	// Service type: _core-rd._udp
	ServiceTypeResourceDirectory
)

// DNS-SD service type strings.
const (
	// ServiceEndpoint is the DNS-SD service type for CoAP endpoints.
	ServiceEndpoint = "_coap._udp"

	// ServiceResourceDirectory is the DNS-SD service type for resource directories.
	ServiceResourceDirectory = "_core-rd._udp"

	// DefaultDomain is the default mDNS domain.
	DefaultDomain = "local."
)

// String returns a human-readable string for the service type.
func (s ServiceType) String() string {
	switch s {
	case ServiceTypeEndpoint:
		return "Endpoint"
	case ServiceTypeResourceDirectory:
		return "ResourceDirectory"
	default:
		return "Unknown"
	}
}

// IsValid returns true if the service type is valid.
func (s ServiceType) IsValid() bool {
	return s == ServiceTypeEndpoint || s == ServiceTypeResourceDirectory
}

// ServiceString returns the DNS-SD service type string.
func (s ServiceType) ServiceString() string {
	switch s {
	case ServiceTypeEndpoint:
		return ServiceEndpoint
	case ServiceTypeResourceDirectory:
		return ServiceResourceDirectory
	default:
		return ""
	}
}

// ParseServiceType maps a DNS-SD service string back to its type.
func ParseServiceType(service string) ServiceType {
	switch service {
	case ServiceEndpoint:
		return ServiceTypeEndpoint
	case ServiceResourceDirectory:
		return ServiceTypeResourceDirectory
	default:
		return ServiceTypeUnknown
	}
}
