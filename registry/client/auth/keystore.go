package auth

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/regclient/regclient/config"
)

// Credentials are the secrets used to log into a registry and the bearer
// token obtained with them.
type Credentials struct {
	User     string
	Password string

	// URL is the token realm the credentials were exchanged at.
	URL string

	AuthorizationHeader string
	Token               string
	Scope               string
	IssuedAt            string
	ExpiresIn           int
}

// Keystore looks up stored credentials.
type Keystore interface {
	// Get returns the credentials stored for host, or nil.
	Get(host string) *Credentials
}

// Keystores consults each keystore in turn.
type Keystores []Keystore

func (ks Keystores) Get(host string) *Credentials {
	for _, k := range ks {
		if creds := k.Get(host); creds != nil {
			return creds
		}
	}
	return nil
}

// StaticKeystore maps hosts to credentials.
type StaticKeystore map[string]Credentials

func (s StaticKeystore) Get(host string) *Credentials {
	creds, ok := s[host]
	if !ok {
		return nil
	}
	return &creds
}

// DockerConfigKeystore serves the credentials of a docker client config
// file.
type DockerConfigKeystore struct {
	path  string
	hosts map[string]*config.Host
}

// DefaultDockerConfigPath returns $DOCKER_CONFIG/config.json, falling back
// to ~/.docker/config.json.
func DefaultDockerConfigPath() string {
	if dir := os.Getenv("DOCKER_CONFIG"); dir != "" {
		return filepath.Join(dir, "config.json")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".docker", "config.json")
	}
	return filepath.Join(home, ".docker", "config.json")
}

// NewDockerConfigKeystore loads path. A missing file yields an empty
// keystore.
func NewDockerConfigKeystore(path string) (*DockerConfigKeystore, error) {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}

	hosts, err := config.DockerLoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot load %s: %w", path, err)
	}

	ks := &DockerConfigKeystore{path: path, hosts: make(map[string]*config.Host, len(hosts))}
	for i := range hosts {
		ks.hosts[hosts[i].Name] = &hosts[i]
	}
	return ks, nil
}

// Path returns the file the keystore was loaded from.
func (ks *DockerConfigKeystore) Path() string {
	return ks.path
}

// Get accepts host in any form the docker CLI writes keys in: a bare
// host, a URL or the Docker Hub index address.
func (ks *DockerConfigKeystore) Get(host string) *Credentials {
	h, ok := ks.hosts[config.HostNewName(host).Name]
	if !ok {
		return nil
	}
	cred := h.GetCred()
	if cred.User == "" || cred.Password == "" {
		return nil
	}
	return &Credentials{User: cred.User, Password: cred.Password}
}

const dockerHubCredentialKey = "https://index.docker.io/v1/"

// CredentialHosts lists the keystore keys to try for a token realm, most
// specific first: Docker Hub realms map to the key the docker CLI uses,
// then the realm itself and its host, then the registry host.
func CredentialHosts(realm, registryHost string) []string {
	var hosts []string
	add := func(h string) {
		if h == "" {
			return
		}
		for _, seen := range hosts {
			if seen == h {
				return
			}
		}
		hosts = append(hosts, h)
	}

	u, err := url.Parse(realm)
	realmHost := ""
	if err == nil {
		realmHost = u.Host
	}

	if realmHost == "auth.docker.io" || realm == "docker.io" {
		add(dockerHubCredentialKey)
	}
	add(realmHost)
	add(realm)
	add(registryHost)
	return hosts
}
