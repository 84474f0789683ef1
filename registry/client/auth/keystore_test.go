package auth_test

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/twopence/twopence/registry/client/auth"
	"github.com/twopence/twopence/testutil"
)

func TestDockerConfigKeystore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	config := `{"auths": {
		"auth.example": {"auth": "` + testutil.BasicAuth("joe", "s3cr:et") + `"},
		"broken.example": {"auth": "%%%"},
		"nocolon.example": {"auth": "` + "am9l" + `"},
		"plain.example": {"username": "ann", "password": "pw"}
	}}`
	if err := os.WriteFile(path, []byte(config), 0o600); err != nil {
		t.Fatal(err)
	}

	ks, err := auth.NewDockerConfigKeystore(path)
	if err != nil {
		t.Fatal(err)
	}

	creds := ks.Get("auth.example")
	if creds == nil || creds.User != "joe" || creds.Password != "s3cr:et" {
		t.Fatalf("unexpected credentials %+v", creds)
	}
	if creds := ks.Get("plain.example"); creds == nil || creds.User != "ann" {
		t.Fatalf("unexpected credentials %+v", creds)
	}
	for _, host := range []string{"broken.example", "nocolon.example", "unknown.example"} {
		if creds := ks.Get(host); creds != nil {
			t.Errorf("Get(%q) = %+v, expected nil", host, creds)
		}
	}
}

func TestDockerConfigKeystoreURLKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	config := `{"auths": {
		"https://auth.example": {"auth": "` + testutil.BasicAuth("joe", "pw") + `"},
		"https://index.docker.io/v1/": {"auth": "` + testutil.BasicAuth("hub", "pw") + `"}
	}}`
	if err := os.WriteFile(path, []byte(config), 0o600); err != nil {
		t.Fatal(err)
	}

	ks, err := auth.NewDockerConfigKeystore(path)
	if err != nil {
		t.Fatal(err)
	}

	for _, host := range auth.CredentialHosts("https://auth.example/token", "registry.example") {
		if host == "registry.example" {
			if creds := ks.Get(host); creds != nil {
				t.Errorf("Get(%q) = %+v, expected nil", host, creds)
			}
			continue
		}
		if creds := ks.Get(host); creds == nil || creds.User != "joe" || creds.Password != "pw" {
			t.Errorf("Get(%q) = %+v", host, creds)
		}
	}

	hub := auth.CredentialHosts("https://auth.docker.io/token", "registry-1.docker.io")
	if creds := ks.Get(hub[0]); creds == nil || creds.User != "hub" {
		t.Errorf("Get(%q) = %+v", hub[0], creds)
	}
}

func TestDockerConfigKeystoreMissingFile(t *testing.T) {
	ks, err := auth.NewDockerConfigKeystore(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatal(err)
	}
	if creds := ks.Get("auth.example"); creds != nil {
		t.Fatalf("empty keystore returned %+v", creds)
	}
}

func TestKeystores(t *testing.T) {
	ks := auth.Keystores{
		auth.StaticKeystore{"a": {User: "first"}},
		auth.StaticKeystore{"a": {User: "second"}, "b": {User: "third"}},
	}
	if creds := ks.Get("a"); creds == nil || creds.User != "first" {
		t.Errorf("unexpected credentials %+v", creds)
	}
	if creds := ks.Get("b"); creds == nil || creds.User != "third" {
		t.Errorf("unexpected credentials %+v", creds)
	}
	if creds := ks.Get("c"); creds != nil {
		t.Errorf("unexpected credentials %+v", creds)
	}
}

func TestCredentialHosts(t *testing.T) {
	tests := []struct {
		realm, registry string
		want            []string
	}{
		{
			realm:    "https://auth.docker.io/token",
			registry: "registry-1.docker.io",
			want:     []string{"https://index.docker.io/v1/", "auth.docker.io", "https://auth.docker.io/token", "registry-1.docker.io"},
		},
		{
			realm:    "https://auth.example/token",
			registry: "registry.example",
			want:     []string{"auth.example", "https://auth.example/token", "registry.example"},
		},
		{
			realm:    "http://127.0.0.1:5000/token",
			registry: "127.0.0.1:5000",
			want:     []string{"127.0.0.1:5000", "http://127.0.0.1:5000/token"},
		},
	}
	for _, tc := range tests {
		if got := auth.CredentialHosts(tc.realm, tc.registry); !reflect.DeepEqual(got, tc.want) {
			t.Errorf("CredentialHosts(%q, %q) = %v, want %v", tc.realm, tc.registry, got, tc.want)
		}
	}
}
