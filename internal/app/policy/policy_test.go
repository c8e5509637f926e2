package policy

import (
	"context"
	"testing"
	"time"

	"github.com/arwlocal/runtime/internal/app/core"
	"github.com/arwlocal/runtime/internal/app/storage"
)

func TestEvaluateFirstMatchWins(t *testing.T) {
	e := New([]Rule{
		{Prefix: "context.", Allow: true},
		{Prefix: "net.", Allow: false, RequireCapability: "net:http"},
		{Prefix: "", Allow: false},
	})

	if d := e.Evaluate("context.assemble"); !d.Allow {
		t.Fatalf("expected context.assemble allowed, got %+v", d)
	}
	d := e.Evaluate("net.http.proxy")
	if d.Allow || d.RequireCapability != "net:http" {
		t.Fatalf("unexpected decision: %+v", d)
	}
	if d := e.Evaluate("unknown.kind"); d.Allow {
		t.Fatalf("expected fallback deny, got %+v", d)
	}
}

func TestEvaluateNoRuleMatchesDeniesWithExplain(t *testing.T) {
	e := New(nil)
	d := e.Evaluate("anything")
	if d.Allow {
		t.Fatalf("expected deny with no rules")
	}
	if d.Explain["reason"] != "no matching rule" {
		t.Fatalf("expected explain reason, got %+v", d.Explain)
	}
}

func TestCapabilitySatisfiesPartialOrder(t *testing.T) {
	cases := []struct {
		held, required string
		want            bool
	}{
		{"net:http", "net:http", true},
		{"net:https", "net:http", true},
		{"io:egress", "net:http", true},
		{"net:http", "net:https", false},
		{"fs:patch", "fs:*", true},
		{"fs", "fs:*", true},
		{"io:app:vscode", "fs:*", false},
		{"context:rehydrate:file", "context:rehydrate:file", true},
		{"io:app:vscode", "io:app:other", false},
	}
	for _, c := range cases {
		if got := CapabilitySatisfies(c.held, c.required); got != c.want {
			t.Errorf("CapabilitySatisfies(%q, %q) = %v, want %v", c.held, c.required, got, c.want)
		}
	}
}

func TestLeaseAuthorizerFindValidLease(t *testing.T) {
	store := storage.New()
	ctx := context.Background()
	now := time.Now().UTC()
	if _, err := store.PutLease(ctx, core.Lease{Subject: "local", Capability: "net:https", TTLUntil: now.Add(time.Hour)}); err != nil {
		t.Fatalf("put lease: %v", err)
	}
	if _, err := store.PutLease(ctx, core.Lease{Subject: "local", Capability: "net:http", TTLUntil: now.Add(-time.Hour)}); err != nil {
		t.Fatalf("put expired lease: %v", err)
	}

	auth := NewLeaseAuthorizer(store, func() time.Time { return now })
	lease, ok, err := auth.FindValidLease(ctx, "local", "net:http")
	if err != nil {
		t.Fatalf("find valid lease: %v", err)
	}
	if !ok || lease.Capability != "net:https" {
		t.Fatalf("expected valid net:https lease to satisfy net:http, got ok=%v lease=%+v", ok, lease)
	}
}
