package manifest

import (
	"fmt"
	"net/url"
	"strings"
)

// BuiltinSchemes are the locations whose manifests are trusted.
var BuiltinSchemes = []string{"resource", "chrome"}

type Manifest struct {
	Origin           string `json:"origin" yaml:"origin"`
	Name             string `json:"name" yaml:"name"`
	IconURL          string `json:"iconURL,omitempty" yaml:"iconURL,omitempty"`
	WorkerURL        string `json:"workerURL,omitempty" yaml:"workerURL,omitempty"`
	SidebarURL       string `json:"sidebarURL,omitempty" yaml:"sidebarURL,omitempty"`
	ContentPatchPath string `json:"contentPatchPath,omitempty" yaml:"contentPatchPath,omitempty"`
	Location         string `json:"location" yaml:"location"`
	Enabled          bool   `json:"enabled" yaml:"enabled"`
}

func (m Manifest) Builtin() bool {
	return IsBuiltinLocation(m.Location)
}

// URLPrefix is the prefix every same-origin provider URL starts with.
func (m Manifest) URLPrefix() string {
	if m.Origin == "" {
		return ""
	}
	return m.Origin + "/"
}

func IsBuiltinLocation(location string) bool {
	scheme, _, ok := strings.Cut(strings.TrimSpace(location), ":")
	if !ok {
		return false
	}
	scheme = strings.ToLower(scheme)
	for _, builtin := range BuiltinSchemes {
		if scheme == builtin {
			return true
		}
	}
	return false
}

// Origin reduces rawURL to scheme://host[:port], lower-cased, without the
// default port for the scheme.
func Origin(rawURL string) (string, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return "", err
	}
	return originOf(parsed)
}

func originOf(u *url.URL) (string, error) {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if scheme == "" || host == "" {
		return "", fmt.Errorf("url %q has no origin", u.String())
	}
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	if port != "" {
		return scheme + "://" + host + ":" + port, nil
	}
	return scheme + "://" + host, nil
}
