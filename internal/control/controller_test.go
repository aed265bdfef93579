package control

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"encoding/pem"
	"os"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/jbweber/v2v-wrapper/internal/request"
)

func TestBuildBaseArgsInheritsProcessEnvironment(t *testing.T) {
	os.Setenv("V2V_WRAPPER_TEST_MARKER", "present")
	defer os.Unsetenv("V2V_WRAPPER_TEST_MARKER")

	c := &Controller{req: &request.Request{VMName: "myvm"}, machineReadableLog: "/tmp/x.machine-readable"}
	_, env := c.buildBaseArgs()

	if v, ok := env.Get("V2V_WRAPPER_TEST_MARKER"); !ok || v != "present" {
		t.Fatalf("expected the converter environment to inherit the process environment, got %v (ok=%v)", v, ok)
	}
	if v, ok := env.Get("LANG"); !ok || v != "C" {
		t.Fatalf("expected LANG=C override, got %v (ok=%v)", v, ok)
	}
}

func generateTestPrivateKeyPEM(t *testing.T) string {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		t.Fatalf("failed to marshal test key: %v", err)
	}
	return string(pem.EncodeToMemory(block))
}

func TestValidateSSHKeyAcceptsValidKey(t *testing.T) {
	if err := validateSSHKey(generateTestPrivateKeyPEM(t)); err != nil {
		t.Fatalf("expected a valid key to pass, got %v", err)
	}
}

func TestValidateSSHKeyRejectsGarbage(t *testing.T) {
	if err := validateSSHKey("not a key at all"); err == nil {
		t.Fatalf("expected an error for malformed key material")
	}
}

func TestTagFormat(t *testing.T) {
	ts := time.Date(2026, 7, 31, 12, 34, 56, 0, time.UTC)
	got := Tag(ts, 4242)
	want := "20260731T123456-4242"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestStartupInfoJSONShape(t *testing.T) {
	info := StartupInfo{
		V2VLog:         "/tmp/v2v-import-x.log",
		WrapperLog:     "/tmp/v2v-wrapper-x.log",
		StateFile:      "/tmp/v2v-import-x.state",
		ThrottlingFile: "/tmp/v2v-import-x.throttle",
	}
	data, err := json.Marshal(info)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var roundTrip map[string]string
	if err := json.Unmarshal(data, &roundTrip); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, key := range []string{"v2v_log", "wrapper_log", "state_file", "throttling_file"} {
		if _, ok := roundTrip[key]; !ok {
			t.Fatalf("expected key %q in startup info JSON, got %v", key, roundTrip)
		}
	}
}

func TestCPULimitRegexAcceptsPlainAndPercent(t *testing.T) {
	for _, v := range []string{"50", "50%", "+10"} {
		if !cpuLimitRE.MatchString(v) {
			t.Errorf("expected %q to match cpuLimitRE", v)
		}
	}
	for _, v := range []string{"fast", "50mb", ""} {
		if cpuLimitRE.MatchString(v) {
			t.Errorf("did not expect %q to match cpuLimitRE", v)
		}
	}
}

func TestNetworkLimitRegexRejectsPercent(t *testing.T) {
	if !networkLimitRE.MatchString("1000") {
		t.Errorf("expected plain digits to match networkLimitRE")
	}
	if networkLimitRE.MatchString("1000%") {
		t.Errorf("did not expect a percent sign to match networkLimitRE")
	}
}
