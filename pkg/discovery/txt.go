package discovery

import (
	"fmt"
	"strings"
)

// TXT record keys for CoAP endpoints.
const (
	// TXTKeyVersion is the TXT record format version (RFC 6763 Section 6.7).
	TXTKeyVersion = "txtvers"

	// TXTKeyPath is the path of the resource discovery interface.
	TXTKeyPath = "path"

	// TXTKeyResourceTypes is a space-separated list of resource types (rt=).
	TXTKeyResourceTypes = "rt"

	// TXTKeyInterfaces is a space-separated list of interface descriptions (if=).
	TXTKeyInterfaces = "if"

	// TXTKeyName is a free-form endpoint name.
	TXTKeyName = "name"
)

// TXTVersion is the TXT format version written by Encode.
const TXTVersion = "1"

// DefaultDiscoveryPath is the CoRE Link Format discovery resource (RFC 6690 Section 4).
const DefaultDiscoveryPath = "/.well-known/core"

// maxTXTRecordLength is the DNS limit for one TXT string (RFC 6763 Section 6.1).
const maxTXTRecordLength = 255

// EndpointTXT contains the TXT record attributes of an advertised endpoint.
type EndpointTXT struct {
	// Path is the resource discovery path. Default: DefaultDiscoveryPath.
	Path string

	// ResourceTypes lists resource types hosted by the endpoint.
	ResourceTypes []string

	// Interfaces lists interface descriptions.
	Interfaces []string

	// Name is an optional human-readable endpoint name.
	Name string
}

// Encode returns the TXT records in key=value form.
// Empty optional attributes are omitted.
func (e *EndpointTXT) Encode() []string {
	path := e.Path
	if path == "" {
		path = DefaultDiscoveryPath
	}

	records := []string{
		TXTKeyVersion + "=" + TXTVersion,
		TXTKeyPath + "=" + path,
	}
	if len(e.ResourceTypes) > 0 {
		records = append(records, TXTKeyResourceTypes+"="+strings.Join(e.ResourceTypes, " "))
	}
	if len(e.Interfaces) > 0 {
		records = append(records, TXTKeyInterfaces+"="+strings.Join(e.Interfaces, " "))
	}
	if e.Name != "" {
		records = append(records, TXTKeyName+"="+e.Name)
	}
	return records
}

// Validate checks that every record fits in one TXT string and that the
// list attributes contain no empty or space-bearing entries.
func (e *EndpointTXT) Validate() error {
	if e.Path != "" && !strings.HasPrefix(e.Path, "/") {
		return fmt.Errorf("%w: path must start with /", ErrInvalidTXTRecord)
	}
	for _, list := range [][]string{e.ResourceTypes, e.Interfaces} {
		for _, v := range list {
			if v == "" || strings.ContainsAny(v, " \t") {
				return fmt.Errorf("%w: invalid list entry %q", ErrInvalidTXTRecord, v)
			}
		}
	}
	for _, r := range e.Encode() {
		if len(r) > maxTXTRecordLength {
			return fmt.Errorf("%w: record %q longer than %d bytes", ErrInvalidTXTRecord, r[:16], maxTXTRecordLength)
		}
	}
	return nil
}

// ParseTXT parses TXT records into a key/value map.
// Keys are case-insensitive (RFC 6763 Section 6.4) and returned lowercase.
// Records without '=' are boolean attributes with an empty value.
func ParseTXT(records []string) map[string]string {
	result := make(map[string]string, len(records))
	for _, r := range records {
		key, value, _ := strings.Cut(r, "=")
		if key == "" {
			continue
		}
		key = strings.ToLower(key)
		// The first occurrence wins (RFC 6763 Section 6.4).
		if _, exists := result[key]; !exists {
			result[key] = value
		}
	}
	return result
}

// ParseEndpointTXT parses the TXT records of an endpoint.
// Unknown keys are ignored; a missing path yields DefaultDiscoveryPath.
func ParseEndpointTXT(records []string) (*EndpointTXT, error) {
	m := ParseTXT(records)

	if v, ok := m[TXTKeyVersion]; ok && v != TXTVersion {
		return nil, fmt.Errorf("%w: unsupported txtvers %q", ErrInvalidTXTRecord, v)
	}

	txt := &EndpointTXT{
		Path: m[TXTKeyPath],
		Name: m[TXTKeyName],
	}
	if txt.Path == "" {
		txt.Path = DefaultDiscoveryPath
	}
	if v := m[TXTKeyResourceTypes]; v != "" {
		txt.ResourceTypes = strings.Fields(v)
	}
	if v := m[TXTKeyInterfaces]; v != "" {
		txt.Interfaces = strings.Fields(v)
	}

	if err := txt.Validate(); err != nil {
		return nil, err
	}
	return txt, nil
}

// HasResourceType reports whether rt is among the advertised resource types.
func (e *EndpointTXT) HasResourceType(rt string) bool {
	for _, v := range e.ResourceTypes {
		if v == rt {
			return true
		}
	}
	return false
}
