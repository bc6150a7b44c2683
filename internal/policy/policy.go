// Package policy models IAM-style policy documents: parsing the
// string-or-list JSON shapes the provider emits, normalizing documents so
// byte-identical comparison and content hashing are meaningful, and building
// and stripping the marker-Sid grant statements this system generates.
package policy

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

const DefaultVersion = "2012-10-17"

// Value is a policy field that the provider serializes either as a single
// string or as a list of strings.
type Value []string

func (v Value) MarshalJSON() ([]byte, error) {
	if len(v) == 1 {
		return json.Marshal(v[0])
	}
	return json.Marshal([]string(v))
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*v = Value{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("policy value must be a string or list of strings: %w", err)
	}
	*v = Value(many)
	return nil
}

// StatementPrincipal is the Principal element of a resource or trust policy
// statement.
type StatementPrincipal struct {
	AWS       Value `json:"AWS,omitempty"`
	Service   Value `json:"Service,omitempty"`
	Federated Value `json:"Federated,omitempty"`
}

type Statement struct {
	Sid       string                      `json:"Sid,omitempty"`
	Effect    string                      `json:"Effect"`
	Principal *StatementPrincipal         `json:"Principal,omitempty"`
	Action    Value                       `json:"Action,omitempty"`
	Resource  Value                       `json:"Resource,omitempty"`
	Condition map[string]map[string]Value `json:"Condition,omitempty"`
}

type Document struct {
	Version   string      `json:"Version,omitempty"`
	Statement []Statement `json:"Statement"`
}

// UnmarshalJSON accepts both the single-statement object form and the list
// form for the Statement element.
func (d *Document) UnmarshalJSON(data []byte) error {
	var raw struct {
		Version   string          `json:"Version"`
		Statement json.RawMessage `json:"Statement"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	d.Version = raw.Version
	d.Statement = nil
	body := bytes.TrimSpace(raw.Statement)
	if len(body) == 0 || string(body) == "null" {
		return nil
	}
	if body[0] == '{' {
		var one Statement
		if err := json.Unmarshal(body, &one); err != nil {
			return fmt.Errorf("parsing policy statement: %w", err)
		}
		d.Statement = []Statement{one}
		return nil
	}
	var many []Statement
	if err := json.Unmarshal(body, &many); err != nil {
		return fmt.Errorf("parsing policy statements: %w", err)
	}
	d.Statement = many
	return nil
}

// Parse decodes a provider policy document, which may be URL-encoded JSON in
// some IAM responses.
func Parse(raw string) (Document, error) {
	var doc Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return Document{}, fmt.Errorf("parsing policy document: %w", err)
	}
	return doc, nil
}

// Marshal serializes the normalized document as compact JSON, the form sent
// to the provider.
func Marshal(d Document) (string, error) {
	data, err := json.Marshal(Normalize(d))
	if err != nil {
		return "", fmt.Errorf("marshaling policy document: %w", err)
	}
	return string(data), nil
}

// Empty reports whether the document has no statements.
func (d Document) Empty() bool {
	return len(d.Statement) == 0
}

// Normalize returns a canonical copy: default version filled in, actions and
// resources deduplicated case-insensitively and sorted, so that two
// semantically identical documents serialize to identical bytes.
func Normalize(d Document) Document {
	out := Document{Version: d.Version}
	if out.Version == "" {
		out.Version = DefaultVersion
	}
	out.Statement = make([]Statement, 0, len(d.Statement))
	for _, st := range d.Statement {
		ns := st
		ns.Action = dedupeFold(st.Action)
		ns.Resource = dedupeExact(st.Resource)
		if st.Principal != nil {
			p := *st.Principal
			p.AWS = dedupeExact(p.AWS)
			p.Service = dedupeExact(p.Service)
			p.Federated = dedupeExact(p.Federated)
			ns.Principal = &p
		}
		out.Statement = append(out.Statement, ns)
	}
	return out
}

// Hash is the content hash of the normalized document's compact JSON.
// Actions are folded to lower case before hashing, so documents that differ
// only in action capitalization hash equal. Normalize keeps the first
// spelling seen, which is cosmetic and must not leak into the hash.
func Hash(d Document) string {
	c := Normalize(d)
	for i, st := range c.Statement {
		folded := make(Value, len(st.Action))
		for j, a := range st.Action {
			folded[j] = strings.ToLower(a)
		}
		c.Statement[i].Action = folded
	}
	data, err := json.Marshal(c)
	if err != nil {
		// A Document built from these types always marshals.
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Equal compares two documents by content hash.
func Equal(a, b Document) bool {
	return Hash(a) == Hash(b)
}

// dedupeFold collapses case-insensitive duplicates ("s3:getobject" vs
// "s3:GetObject") and sorts. The first spelling seen wins.
func dedupeFold(in Value) Value {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make(Value, 0, len(in))
	for _, v := range in {
		key := strings.ToLower(v)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i]) < strings.ToLower(out[j])
	})
	return out
}

func dedupeExact(in Value) Value {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make(Value, 0, len(in))
	for _, v := range in {
		if seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// FilterActions keeps only the requested actions that match the supported
// set, case-insensitively, returning the canonical spelling from the
// supported list. A bare service wildcard ("s3:*") selects every supported
// action for that service.
func FilterActions(requested, supported []string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, req := range requested {
		for _, sup := range supported {
			if !strings.EqualFold(req, sup) && !wildcardMatches(req, sup) {
				continue
			}
			key := strings.ToLower(sup)
			if !seen[key] {
				seen[key] = true
				out = append(out, sup)
			}
		}
	}
	sort.Strings(out)
	return out
}

func wildcardMatches(pattern, action string) bool {
	if !strings.HasSuffix(pattern, "*") {
		return false
	}
	prefix := strings.ToLower(strings.TrimSuffix(pattern, "*"))
	return strings.HasPrefix(strings.ToLower(action), prefix)
}

// GrantSid builds the statement identifier for a generated grant. It embeds
// the request marker, the source change id, and, when the grant is
// time-boxed, the expiration date, all Sid-safe (alphanumeric).
func GrantSid(marker string, sourceChangeID int, expiration *time.Time) string {
	sid := marker + "C" + strconv.Itoa(sourceChangeID)
	if expiration != nil {
		sid += "E" + expiration.UTC().Format("20060102")
	}
	return sid
}

// AllowStatement builds a grant statement for the given principal.
func AllowStatement(sid, principalARN string, actions, resources []string) Statement {
	st := Statement{
		Sid:    sid,
		Effect: "Allow",
		Principal: &StatementPrincipal{
			AWS: Value{principalARN},
		},
		Action: Value(actions),
	}
	if len(resources) > 0 {
		st.Resource = Value(resources)
	}
	return st
}

// MergeStatement inserts the statement into the document, replacing any
// existing statement with the same Sid in place.
func MergeStatement(d Document, st Statement) Document {
	out := Normalize(d)
	for i, existing := range out.Statement {
		if existing.Sid != "" && existing.Sid == st.Sid {
			out.Statement[i] = st
			return Normalize(out)
		}
	}
	out.Statement = append(out.Statement, st)
	return Normalize(out)
}

// StripSidPrefix removes every statement whose Sid starts with the marker,
// leaving all other statements untouched, and reports how many were removed.
func StripSidPrefix(d Document, marker string) (Document, int) {
	out := Document{Version: d.Version}
	removed := 0
	for _, st := range d.Statement {
		if st.Sid != "" && strings.HasPrefix(st.Sid, marker) {
			removed++
			continue
		}
		out.Statement = append(out.Statement, st)
	}
	return out, removed
}
