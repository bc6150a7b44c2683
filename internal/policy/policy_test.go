package policy

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestDocumentUnmarshal(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		statements int
		actions    []string
	}{
		{
			name:       "statement list",
			raw:        `{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Action":["s3:GetObject"]}]}`,
			statements: 1,
			actions:    []string{"s3:GetObject"},
		},
		{
			name:       "single statement object",
			raw:        `{"Version":"2012-10-17","Statement":{"Effect":"Allow","Action":"s3:GetObject"}}`,
			statements: 1,
			actions:    []string{"s3:GetObject"},
		},
		{
			name:       "string action becomes single-element list",
			raw:        `{"Statement":[{"Effect":"Allow","Action":"sqs:SendMessage"}]}`,
			statements: 1,
			actions:    []string{"sqs:SendMessage"},
		},
		{
			name:       "no statements",
			raw:        `{"Version":"2012-10-17"}`,
			statements: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc, err := Parse(tt.raw)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if len(doc.Statement) != tt.statements {
				t.Fatalf("expected %d statements, got %d", tt.statements, len(doc.Statement))
			}
			if tt.statements > 0 {
				got := []string(doc.Statement[0].Action)
				if len(got) != len(tt.actions) {
					t.Fatalf("expected actions %v, got %v", tt.actions, got)
				}
				for i := range got {
					if got[i] != tt.actions[i] {
						t.Errorf("action %d: expected %q, got %q", i, tt.actions[i], got[i])
					}
				}
			}
		})
	}
}

func TestValueMarshalSingleAsString(t *testing.T) {
	data, err := json.Marshal(Value{"s3:GetObject"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `"s3:GetObject"` {
		t.Errorf("expected bare string, got %s", data)
	}

	data, err = json.Marshal(Value{"a", "b"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `["a","b"]` {
		t.Errorf("expected list, got %s", data)
	}
}

func TestNormalizeDedupesActions(t *testing.T) {
	doc := Document{
		Statement: []Statement{{
			Effect:   "Allow",
			Action:   Value{"s3:GetObject", "s3:getobject", "s3:PutObject"},
			Resource: Value{"arn:aws:s3:::b", "arn:aws:s3:::b"},
		}},
	}

	norm := Normalize(doc)
	if norm.Version != DefaultVersion {
		t.Errorf("expected default version, got %q", norm.Version)
	}
	if len(norm.Statement[0].Action) != 2 {
		t.Fatalf("expected 2 actions after dedupe, got %v", norm.Statement[0].Action)
	}
	// First spelling wins for case-insensitive duplicates.
	if norm.Statement[0].Action[0] != "s3:GetObject" {
		t.Errorf("expected canonical spelling s3:GetObject, got %q", norm.Statement[0].Action[0])
	}
	if len(norm.Statement[0].Resource) != 1 {
		t.Errorf("expected 1 resource after dedupe, got %v", norm.Statement[0].Resource)
	}
}

func TestEqualIgnoresOrderAndCase(t *testing.T) {
	a, _ := Parse(`{"Statement":[{"Effect":"Allow","Action":["s3:PutObject","s3:GetObject"],"Resource":"arn:aws:s3:::b"}]}`)
	b, _ := Parse(`{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Action":["s3:getobject","s3:PutObject"],"Resource":"arn:aws:s3:::b"}]}`)

	if !Equal(a, b) {
		t.Error("expected documents to compare equal")
	}
	if Hash(a) != Hash(b) {
		t.Error("expected identical hashes")
	}

	c, _ := Parse(`{"Statement":[{"Effect":"Allow","Action":"s3:DeleteObject","Resource":"arn:aws:s3:::b"}]}`)
	if Equal(a, c) {
		t.Error("expected different documents to compare unequal")
	}
}

func TestFilterActions(t *testing.T) {
	supported := []string{"s3:GetObject", "s3:PutObject", "s3:ListBucket"}

	tests := []struct {
		name      string
		requested []string
		want      []string
	}{
		{"exact match", []string{"s3:GetObject"}, []string{"s3:GetObject"}},
		{"case insensitive", []string{"s3:getobject"}, []string{"s3:GetObject"}},
		{"unsupported dropped", []string{"s3:GetObject", "s3:DeleteBucket"}, []string{"s3:GetObject"}},
		{"service wildcard selects all", []string{"s3:*"}, []string{"s3:GetObject", "s3:ListBucket", "s3:PutObject"}},
		{"prefix wildcard", []string{"s3:Get*"}, []string{"s3:GetObject"}},
		{"nothing supported", []string{"iam:PassRole"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FilterActions(tt.requested, supported)
			if len(got) != len(tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("expected %v, got %v", tt.want, got)
				}
			}
		})
	}
}

func TestGrantSid(t *testing.T) {
	exp := time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		expiration *time.Time
		want       string
	}{
		{"without expiration", nil, "AccessDeskabc123C4"},
		{"with expiration", &exp, "AccessDeskabc123C4E20260315"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GrantSid("AccessDeskabc123", 4, tt.expiration)
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestMergeStatement(t *testing.T) {
	base, _ := Parse(`{"Statement":[
		{"Sid":"Existing","Effect":"Allow","Principal":{"AWS":"arn:aws:iam::111:root"},"Action":"s3:GetObject","Resource":"arn:aws:s3:::b"}
	]}`)

	st := AllowStatement("Grant1", "arn:aws:iam::222:role/app", []string{"s3:PutObject"}, []string{"arn:aws:s3:::b"})

	merged := MergeStatement(base, st)
	if len(merged.Statement) != 2 {
		t.Fatalf("expected append, got %d statements", len(merged.Statement))
	}

	// Same Sid replaces in place.
	st2 := AllowStatement("Grant1", "arn:aws:iam::222:role/app", []string{"s3:GetObject"}, []string{"arn:aws:s3:::b"})
	merged2 := MergeStatement(merged, st2)
	if len(merged2.Statement) != 2 {
		t.Fatalf("expected replacement, got %d statements", len(merged2.Statement))
	}
	found := false
	for _, s := range merged2.Statement {
		if s.Sid == "Grant1" {
			found = true
			if s.Action[0] != "s3:GetObject" {
				t.Errorf("expected replaced action, got %v", s.Action)
			}
		}
	}
	if !found {
		t.Error("expected Grant1 statement present")
	}
}

func TestStripSidPrefix(t *testing.T) {
	doc, _ := Parse(`{"Statement":[
		{"Sid":"AccessDeskaaaC1","Effect":"Allow","Action":"s3:GetObject"},
		{"Sid":"AccessDeskaaaC2E20260101","Effect":"Allow","Action":"s3:PutObject"},
		{"Sid":"SomeoneElse","Effect":"Allow","Action":"s3:ListBucket"},
		{"Effect":"Deny","Action":"s3:DeleteObject"}
	]}`)

	stripped, removed := StripSidPrefix(doc, "AccessDeskaaa")
	if removed != 2 {
		t.Fatalf("expected 2 removed, got %d", removed)
	}
	if len(stripped.Statement) != 2 {
		t.Fatalf("expected 2 remaining, got %d", len(stripped.Statement))
	}
	for _, s := range stripped.Statement {
		if strings.HasPrefix(s.Sid, "AccessDeskaaa") {
			t.Errorf("marker statement survived strip: %q", s.Sid)
		}
	}

	_, removed = StripSidPrefix(stripped, "AccessDeskaaa")
	if removed != 0 {
		t.Errorf("expected idempotent strip, got %d removed", removed)
	}
}
