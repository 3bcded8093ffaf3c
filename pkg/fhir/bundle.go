package fhir

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Link relations consulted by the client. Only "next" drives pagination.
const (
	LinkRelationSelf = "self"
	LinkRelationNext = "next"
)

// Bundle types used on the wire.
const (
	BundleTypeSearchSet     = "searchset"
	BundleTypeBatch         = "batch"
	BundleTypeBatchResponse = "batch-response"
)

// Resource is an opaque FHIR resource payload. The access layer only ever
// inspects resourceType and id; everything else passes through untouched.
type Resource json.RawMessage

// MarshalJSON implements json.Marshaler.
func (r Resource) MarshalJSON() ([]byte, error) {
	return json.RawMessage(r).MarshalJSON()
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *Resource) UnmarshalJSON(data []byte) error {
	return (*json.RawMessage)(r).UnmarshalJSON(data)
}

// Type returns the resourceType field, or "" if absent.
func (r Resource) Type() string {
	var probe struct {
		ResourceType string `json:"resourceType"`
	}
	if err := json.Unmarshal(r, &probe); err != nil {
		return ""
	}
	return probe.ResourceType
}

// ID returns the logical id field, or "" if absent.
func (r Resource) ID() string {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(r, &probe); err != nil {
		return ""
	}
	return probe.ID
}

// Bundle represents a FHIR Bundle resource.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	ID           string        `json:"id,omitempty"`
	Type         string        `json:"type"`
	Total        *int          `json:"total,omitempty"`
	Link         []BundleLink  `json:"link,omitempty"`
	Entry        []BundleEntry `json:"entry,omitempty"`
}

// BundleLink is a relation/url pair attached to a Bundle.
type BundleLink struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}

// BundleEntry is a single entry within a Bundle.
type BundleEntry struct {
	FullURL  string          `json:"fullUrl,omitempty"`
	Resource Resource        `json:"resource,omitempty"`
	Request  *BundleRequest  `json:"request,omitempty"`
	Response *BundleResponse `json:"response,omitempty"`
}

// BundleRequest describes the operation an entry carries in a batch Bundle.
type BundleRequest struct {
	Method string `json:"method"`
	URL    string `json:"url"`
}

// BundleResponse describes the per-entry result in a batch-response Bundle.
type BundleResponse struct {
	Status   string   `json:"status"`
	Location string   `json:"location,omitempty"`
	Outcome  Resource `json:"outcome,omitempty"`
}

// NextLink returns the URL of the link with relation "next", or "" if the
// bundle carries none. An absent next link terminates pagination.
func (b *Bundle) NextLink() string {
	for _, l := range b.Link {
		if l.Relation == LinkRelationNext {
			return l.URL
		}
	}
	return ""
}

// Resources returns the resource payloads of all entries, skipping entries
// without a resource (e.g. OperationOutcome-only search entries are kept;
// truly empty entries are dropped).
func (b *Bundle) Resources() []Resource {
	out := make([]Resource, 0, len(b.Entry))
	for _, e := range b.Entry {
		if len(e.Resource) > 0 {
			out = append(out, e.Resource)
		}
	}
	return out
}

// StatusCode parses the numeric status of a BundleResponse ("201 Created"
// or bare "201"). Returns 0 when the status is empty or malformed.
func (r *BundleResponse) StatusCode() int {
	if r == nil || r.Status == "" {
		return 0
	}
	field := r.Status
	if i := strings.IndexByte(field, ' '); i > 0 {
		field = field[:i]
	}
	code, err := strconv.Atoi(field)
	if err != nil {
		return 0
	}
	return code
}

// Successful reports whether the entry response carries a 2xx status.
func (r *BundleResponse) Successful() bool {
	code := r.StatusCode()
	return code >= 200 && code < 300
}

// ParseBundle decodes raw JSON into a Bundle. It does not validate bundle
// type; callers that care check Type themselves.
func ParseBundle(data []byte) (*Bundle, error) {
	var b Bundle
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}
