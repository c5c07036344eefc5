package assets

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/template"
)

// Payload template names.
const (
	POSIXScript  = "posix.sh.tmpl"
	FishScript   = "fish.tmpl"
	DockerScript = "docker.sh.tmpl"
	PythonScript = "python.sh.tmpl"
)

//go:embed templates/*
var templateFS embed.FS

//go:embed python/*.py
var pythonFS embed.FS

var templates = template.Must(template.New("payload").
	Funcs(template.FuncMap{"sq": shellQuote, "fishq": fishQuote}).
	ParseFS(templateFS, "templates/*"))

// Data is the input to a payload template.
type Data struct {
	Kind         string
	ProxyHost    string
	ProxyPort    uint16
	SetupPort    uint16
	CACertPath   string
	CACertPEM    string
	OverridesDir string
}

// ErrInvalidHost is returned for proxy hosts that are not a hostname or IP literal.
var ErrInvalidHost = errors.New("invalid proxy host")

// ValidateHost accepts hostnames and IPv4 or IPv6 literals, bracketed or not.
func ValidateHost(host string) error {
	if strings.HasPrefix(host, "[") || strings.HasSuffix(host, "]") {
		inner, ok := strings.CutPrefix(host, "[")
		inner, ok2 := strings.CutSuffix(inner, "]")
		if !ok || !ok2 || net.ParseIP(inner) == nil {
			return fmt.Errorf("%w: %q", ErrInvalidHost, host)
		}
		return nil
	}
	if host == "" || len(host) > 253 {
		return fmt.Errorf("%w: %q", ErrInvalidHost, host)
	}
	if net.ParseIP(host) != nil {
		return nil
	}
	for _, r := range host {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '-', r == '_':
		default:
			return fmt.Errorf("%w: %q", ErrInvalidHost, host)
		}
	}
	if host[0] == '-' || host[0] == '.' {
		return fmt.Errorf("%w: %q", ErrInvalidHost, host)
	}
	return nil
}

// ProxyAddr is host:port of the target proxy, with IPv6 hosts bracketed.
func (d Data) ProxyAddr() string {
	host := strings.TrimSuffix(strings.TrimPrefix(d.ProxyHost, "["), "]")
	return net.JoinHostPort(host, d.ProxyPortString())
}

// ProxyURL is the http URL of the target proxy.
func (d Data) ProxyURL() string {
	return "http://" + d.ProxyAddr()
}

// ProxyPortString renders the target port for shell assignments.
func (d Data) ProxyPortString() string {
	return strconv.FormatUint(uint64(d.ProxyPort), 10)
}

// Render executes the named payload template.
func Render(name string, data Data) (string, error) {
	if data.ProxyHost == "" {
		return "", fmt.Errorf("render %s: proxy host required", name)
	}
	if err := ValidateHost(data.ProxyHost); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	if !validKind(data.Kind) {
		return "", fmt.Errorf("render %s: invalid kind %q", name, data.Kind)
	}
	if data.ProxyPort == 0 {
		return "", fmt.Errorf("render %s: proxy port required", name)
	}
	data.CACertPEM = strings.TrimSpace(data.CACertPEM)

	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return buf.String(), nil
}

// Names lists the embedded payload templates.
func Names() []string {
	var out []string
	for _, t := range templates.Templates() {
		if strings.HasSuffix(t.Name(), ".tmpl") {
			out = append(out, t.Name())
		}
	}
	return out
}

// PythonOverrides lists the embedded python override modules.
func PythonOverrides() []string {
	entries, err := fs.ReadDir(pythonFS, "python")
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Name())
	}
	return out
}

// WritePythonOverrides copies the python override modules into dir, creating
// it with owner-only permissions.
func WritePythonOverrides(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create overrides dir: %w", err)
	}
	for _, name := range PythonOverrides() {
		content, err := pythonFS.ReadFile("python/" + name)
		if err != nil {
			return fmt.Errorf("read override %s: %w", name, err)
		}
		if err := os.WriteFile(filepath.Join(dir, name), content, 0o600); err != nil {
			return fmt.Errorf("write override %s: %w", name, err)
		}
	}
	return nil
}

func validKind(kind string) bool {
	for _, r := range kind {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-') {
			return false
		}
	}
	return true
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func fishQuote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "'", `\'`)
	return "'" + s + "'"
}
