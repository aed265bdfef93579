package osccli

import (
	"errors"
	"testing"
)

func TestRunPassesEnvironmentAsOSFlags(t *testing.T) {
	r := New(map[string]string{"OS_AUTH_URL": "http://keystone"}, true, nil)
	var gotArgs []string
	r.run = func(args []string) ([]byte, error) {
		gotArgs = args
		return []byte("ok"), nil
	}

	out := r.Run([]string{"volume", "list"}, false)
	if string(out) != "ok" {
		t.Fatalf("expected output %q, got %q", "ok", out)
	}

	foundInsecure, foundFlag := false, false
	for _, a := range gotArgs {
		if a == "--insecure" {
			foundInsecure = true
		}
		if a == "--os-auth-url=http://keystone" {
			foundFlag = true
		}
	}
	if !foundInsecure {
		t.Fatalf("expected --insecure in args, got %v", gotArgs)
	}
	if !foundFlag {
		t.Fatalf("expected --os-auth-url flag in args, got %v", gotArgs)
	}
}

func TestRunReturnsNilOnFailure(t *testing.T) {
	r := New(nil, false, nil)
	r.run = func(args []string) ([]byte, error) {
		return []byte("some secret stderr"), errors.New("exit status 1")
	}

	out := r.Run([]string{"volume", "show", "x"}, false)
	if out != nil {
		t.Fatalf("expected nil output on CLI failure, got %q", out)
	}
}

func TestRunDestinationProjectOverride(t *testing.T) {
	r := New(nil, false, nil)
	r.DestinationProject = "proj-123"
	var gotArgs []string
	r.run = func(args []string) ([]byte, error) {
		gotArgs = args
		return []byte("{}"), nil
	}

	r.Run([]string{"server", "list"}, true)
	found := false
	for _, a := range gotArgs {
		if a == "--os-project-id=proj-123" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected destination project override in args, got %v", gotArgs)
	}

	gotArgs = nil
	r.Run([]string{"server", "list"}, false)
	for _, a := range gotArgs {
		if a == "--os-project-id=proj-123" {
			t.Fatalf("did not expect destination project override for source-project call, got %v", gotArgs)
		}
	}
}

func TestRunJSONDecodesOutput(t *testing.T) {
	r := New(nil, false, nil)
	r.run = func(args []string) ([]byte, error) {
		return []byte(`{"status":"available"}`), nil
	}

	var v struct {
		Status string `json:"status"`
	}
	if !r.RunJSON([]string{"volume", "show", "-f", "json", "x"}, false, &v) {
		t.Fatalf("expected RunJSON to succeed")
	}
	if v.Status != "available" {
		t.Fatalf("expected status %q, got %q", "available", v.Status)
	}
}

func TestRunJSONFailsOnBadJSON(t *testing.T) {
	r := New(nil, false, nil)
	r.run = func(args []string) ([]byte, error) {
		return []byte("not json"), nil
	}

	var v map[string]string
	if r.RunJSON([]string{"volume", "list"}, false, &v) {
		t.Fatalf("expected RunJSON to fail on malformed JSON")
	}
}

func TestOSFlagName(t *testing.T) {
	if got := osFlagName("OS_AUTH_URL"); got != "os-auth-url" {
		t.Fatalf("expected os-auth-url, got %q", got)
	}
}
