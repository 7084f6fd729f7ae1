// Package document defines the domain entities tracked by the sync engine.
//
// A Document is a whole-snapshot entity owned by the local document store:
// a Workspace (project), a RequestGroup (folder) or a Request. Documents
// form a tree through ParentID and are exchanged with the remote API as
// compressed whole-document snapshots, never as diffs.
package document

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Document types known to the engine.
const (
	TypeWorkspace     = "Workspace"
	TypeRequestGroup  = "RequestGroup"
	TypeRequest       = "Request"
	TypeRequestBackup = "RequestBackup"
	TypeMessage       = "Message"
)

// ID prefixes, one per document type. The prefix makes ids self-describing
// in logs and on the wire.
const (
	PrefixWorkspace     = "wrk"
	PrefixRequestGroup  = "fld"
	PrefixRequest       = "req"
	PrefixRequestBackup = "reqb"
	PrefixMessage       = "msg"
)

// syncTypes are the document types the sync engine tracks. Everything else
// (settings, response history, ...) stays local.
var syncTypes = map[string]bool{
	TypeWorkspace:    true,
	TypeRequestGroup: true,
	TypeRequest:      true,
}

// IsSyncable reports whether documents of the given type are synchronized
// with the remote API.
func IsSyncable(docType string) bool {
	return syncTypes[docType]
}

// volatileFields are stripped before a snapshot is compared against a
// backup. They change without the content meaningfully changing: modified
// is bumped on every write, host is the per-device base URL override, and
// showid is assigned by the server on first push.
var volatileFields = []string{"modified", "host", "showid"}

// restoreIgnoredFields are never copied back onto a live document when a
// backup is restored. The live document keeps its identity and any
// server-issued display id obtained since the backup was taken.
var restoreIgnoredFields = []string{"_id", "type", "created", "showid"}

// Document is a domain entity. Known fields are promoted to struct fields;
// everything else round-trips through Extra so type-specific payloads
// survive encode/decode without the engine understanding them.
type Document struct {
	ID          string
	Type        string
	ParentID    string
	Name        string
	Created     int64 // unix milliseconds
	Modified    int64 // unix milliseconds
	ShowID      string
	MetaSortKey float64
	Temp        bool

	// Extra holds type-specific payload fields (method, url, headers, ...)
	// keyed by their JSON name.
	Extra map[string]json.RawMessage
}

// NewID returns a fresh document id with the given type prefix, e.g.
// "req_1f0c4a...".
func NewID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// PrefixFor returns the id prefix for a document type.
func PrefixFor(docType string) string {
	switch docType {
	case TypeWorkspace:
		return PrefixWorkspace
	case TypeRequestGroup:
		return PrefixRequestGroup
	case TypeRequest:
		return PrefixRequest
	case TypeRequestBackup:
		return PrefixRequestBackup
	case TypeMessage:
		return PrefixMessage
	default:
		return "doc"
	}
}

// wellKnownKeys are the JSON names of promoted struct fields.
var wellKnownKeys = map[string]bool{
	"_id":         true,
	"type":        true,
	"parentId":    true,
	"name":        true,
	"created":     true,
	"modified":    true,
	"showid":      true,
	"metaSortKey": true,
	"isTemp":      true,
}

// MarshalJSON flattens the document into a single JSON object: promoted
// fields plus Extra at the top level.
func (d *Document) MarshalJSON() ([]byte, error) {
	m := make(map[string]json.RawMessage, len(d.Extra)+8)
	for k, v := range d.Extra {
		if wellKnownKeys[k] {
			continue
		}
		m[k] = v
	}
	put := func(key string, v any) error {
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		m[key] = raw
		return nil
	}
	if err := put("_id", d.ID); err != nil {
		return nil, err
	}
	if err := put("type", d.Type); err != nil {
		return nil, err
	}
	if d.ParentID != "" {
		if err := put("parentId", d.ParentID); err != nil {
			return nil, err
		}
	}
	if d.Name != "" {
		if err := put("name", d.Name); err != nil {
			return nil, err
		}
	}
	if d.Created != 0 {
		if err := put("created", d.Created); err != nil {
			return nil, err
		}
	}
	if d.Modified != 0 {
		if err := put("modified", d.Modified); err != nil {
			return nil, err
		}
	}
	if d.ShowID != "" {
		if err := put("showid", d.ShowID); err != nil {
			return nil, err
		}
	}
	if d.MetaSortKey != 0 {
		if err := put("metaSortKey", d.MetaSortKey); err != nil {
			return nil, err
		}
	}
	if d.Temp {
		if err := put("isTemp", d.Temp); err != nil {
			return nil, err
		}
	}
	return json.Marshal(m)
}

// UnmarshalJSON splits a flat JSON object into promoted fields and Extra.
func (d *Document) UnmarshalJSON(data []byte) error {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	take := func(key string, out any) error {
		raw, ok := m[key]
		if !ok {
			return nil
		}
		return json.Unmarshal(raw, out)
	}
	if err := take("_id", &d.ID); err != nil {
		return fmt.Errorf("invalid _id: %w", err)
	}
	if err := take("type", &d.Type); err != nil {
		return fmt.Errorf("invalid type: %w", err)
	}
	if err := take("parentId", &d.ParentID); err != nil {
		return fmt.Errorf("invalid parentId: %w", err)
	}
	if err := take("name", &d.Name); err != nil {
		return fmt.Errorf("invalid name: %w", err)
	}
	if err := take("created", &d.Created); err != nil {
		return fmt.Errorf("invalid created: %w", err)
	}
	if err := take("modified", &d.Modified); err != nil {
		return fmt.Errorf("invalid modified: %w", err)
	}
	if err := take("showid", &d.ShowID); err != nil {
		return fmt.Errorf("invalid showid: %w", err)
	}
	if err := take("metaSortKey", &d.MetaSortKey); err != nil {
		return fmt.Errorf("invalid metaSortKey: %w", err)
	}
	if err := take("isTemp", &d.Temp); err != nil {
		return fmt.Errorf("invalid isTemp: %w", err)
	}
	d.Extra = make(map[string]json.RawMessage)
	for k, v := range m {
		if wellKnownKeys[k] {
			continue
		}
		d.Extra[k] = v
	}
	return nil
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	out := *d
	if d.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(d.Extra))
		for k, v := range d.Extra {
			out.Extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return &out
}

// CanonicalJSON serializes the document with the volatile fields removed,
// producing a deterministic byte form suitable for change comparison.
// encoding/json sorts map keys, so equal documents serialize identically.
func CanonicalJSON(d *Document) ([]byte, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize document %s: %w", d.ID, err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	for _, field := range volatileFields {
		delete(m, field)
	}
	return json.Marshal(m)
}

// ApplyRestorePatch merges a backup snapshot onto the live document,
// skipping the ignored fields so identity and server-issued state are
// preserved. Returns the merged document.
func ApplyRestorePatch(live *Document, snapshot []byte) (*Document, error) {
	var patch map[string]json.RawMessage
	if err := json.Unmarshal(snapshot, &patch); err != nil {
		return nil, fmt.Errorf("failed to decode backup snapshot: %w", err)
	}
	for _, field := range restoreIgnoredFields {
		delete(patch, field)
	}

	liveRaw, err := json.Marshal(live)
	if err != nil {
		return nil, err
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(liveRaw, &merged); err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		merged[k] = patch[k]
	}

	mergedRaw, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}
	var out Document
	if err := json.Unmarshal(mergedRaw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
