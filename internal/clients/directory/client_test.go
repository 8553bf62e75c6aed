package directory

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/clinicore/task-engine/internal/domain/rule"
)

func TestActiveMembers(t *testing.T) {
	var gotQuery map[string]string
	var gotAPIKey string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/staff/members" {
			t.Errorf("path = %q", r.URL.Path)
		}
		gotAPIKey = r.Header.Get("X-API-Key")
		gotQuery = map[string]string{
			"org_id":     r.URL.Query().Get("org_id"),
			"role":       r.URL.Query().Get("role"),
			"department": r.URL.Query().Get("department"),
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"members":[
			{"user_id":"nurse-1","is_active":true},
			{"user_id":"nurse-2","is_active":false},
			{"user_id":"nurse-3","is_active":true}
		]}`))
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL, APIKey: "secret"}, nil, nil)

	members, err := client.ActiveMembers(context.Background(), "org-1",
		rule.AssignmentTarget{Role: "nurse", Department: "cardiology"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(members) != 2 || members[0] != "nurse-1" || members[1] != "nurse-3" {
		t.Errorf("members = %v, want active members only in listing order", members)
	}
	if gotQuery["org_id"] != "org-1" || gotQuery["role"] != "nurse" || gotQuery["department"] != "cardiology" {
		t.Errorf("query = %v", gotQuery)
	}
	if gotAPIKey != "secret" {
		t.Errorf("api key header = %q", gotAPIKey)
	}
}

func TestActiveMembersServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL}, nil, nil)

	if _, err := client.ActiveMembers(context.Background(), "org-1",
		rule.AssignmentTarget{Role: "nurse"}); err == nil {
		t.Fatal("expected error on 500 response")
	}
}

func TestActiveMembersEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"members":[]}`))
	}))
	defer srv.Close()

	client := New(Config{BaseURL: srv.URL}, nil, nil)

	members, err := client.ActiveMembers(context.Background(), "org-1",
		rule.AssignmentTarget{Role: "perfusionist"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(members) != 0 {
		t.Errorf("members = %v, want empty", members)
	}
}
