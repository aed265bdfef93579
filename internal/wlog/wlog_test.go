package wlog

import "testing"

func TestRedactArgsMasksPasswordValue(t *testing.T) {
	got := RedactArgs([]string{"cmd", "--vmware-password=s3cr3t", "--flavor=m1.large"})
	want := []string{"cmd", "--vmware-password=*****", "--flavor=m1.large"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("index %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestRedactEnvMasksPasswordKeys(t *testing.T) {
	got := RedactEnv([]string{"OS_PASSWORD=s3cr3t", "OS_AUTH_URL=http://x"})
	if got[0] != "OS_PASSWORD=*****" {
		t.Fatalf("expected password env masked, got %q", got[0])
	}
	if got[1] != "OS_AUTH_URL=http://x" {
		t.Fatalf("expected non-password env untouched, got %q", got[1])
	}
}
