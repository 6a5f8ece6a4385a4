package care

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestResolve_ZeroOverridesKeepDefaults(t *testing.T) {
	got := Resolve(DefaultConfig(), Config{})
	if diff := cmp.Diff(DefaultConfig(), got); diff != "" {
		t.Errorf("Resolve mismatch (-want +got):\n%s", diff)
	}
}

func TestResolve_Overrides(t *testing.T) {
	defaults := DefaultConfig()
	got := Resolve(defaults, Config{
		APIKey:          "abc",
		Verbose:         true,
		AuthUtilsFields: []string{"id", "login"},
	})
	want := Config{
		APIKey:          "abc",
		APIDomain:       DefaultAPIDomain,
		Verbose:         true,
		Environment:     "production",
		AuthUtilsFields: []string{"id", "login"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Resolve mismatch (-want +got):\n%s", diff)
	}

	// The inputs are left alone.
	if diff := cmp.Diff(DefaultConfig(), defaults); diff != "" {
		t.Errorf("defaults modified (-want +got):\n%s", diff)
	}
}

func TestResolve_Layered(t *testing.T) {
	base := Resolve(DefaultConfig(), Config{APIKey: "abc", APIDomain: "https://e.test"})
	got := Resolve(base, Config{Environment: "staging"})
	want := Config{
		APIKey:          "abc",
		APIDomain:       "https://e.test",
		Environment:     "staging",
		AuthUtilsFields: []string{"id", "email", "name", "avatar"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Resolve mismatch (-want +got):\n%s", diff)
	}
}

func TestValid(t *testing.T) {
	tests := []struct {
		key  string
		want bool
	}{
		{"", false},
		{"   ", false},
		{"abc", true},
	}
	for _, tt := range tests {
		cfg := DefaultConfig()
		cfg.APIKey = tt.key
		if got := cfg.Valid(); got != tt.want {
			t.Errorf("Valid() with key %q = %v, want %v", tt.key, got, tt.want)
		}
		if got := IsValid(cfg); got != tt.want {
			t.Errorf("IsValid() with key %q = %v, want %v", tt.key, got, tt.want)
		}
	}
}

func TestEndpoint(t *testing.T) {
	for _, domain := range []string{"https://e.test", "https://e.test/"} {
		cfg := Config{APIDomain: domain}
		if got, want := cfg.Endpoint(), "https://e.test/api/issue"; got != want {
			t.Errorf("Endpoint() for %q = %q, want %q", domain, got, want)
		}
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	got, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if diff := cmp.Diff(DefaultConfig(), got); diff != "" {
		t.Errorf("LoadConfig mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "care.yaml")
	yml := []byte(`
api_key: from-file
api_domain: https://file.test
verbose: true
auth_utils_fields: [id, email]
`)
	if err := os.WriteFile(path, yml, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	t.Setenv("CARE_API_KEY", "from-env")
	t.Setenv("CARE_ENV", "staging")

	got, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	want := Config{
		APIKey:          "from-env",
		APIDomain:       "https://file.test",
		Verbose:         true,
		Environment:     "staging",
		AuthUtilsFields: []string{"id", "email"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("LoadConfig mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfig_EnvList(t *testing.T) {
	t.Setenv("CARE_AUTH_UTILS", "true")
	t.Setenv("CARE_AUTH_UTILS_FIELDS", "id,login")

	got, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig returned error: %v", err)
	}
	if !got.AuthUtils {
		t.Errorf("AuthUtils = false, want true")
	}
	if diff := cmp.Diff([]string{"id", "login"}, got.AuthUtilsFields); diff != "" {
		t.Errorf("AuthUtilsFields mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Errorf("LoadConfig with a missing file returned no error")
	}
}
