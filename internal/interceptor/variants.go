package interceptor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/strongdm/hitch/internal/assets"
	"github.com/strongdm/hitch/internal/session"
)

// variant is the environment-specific half of a Driver.
type variant struct {
	desc Descriptor
	// requires lists binaries of which at least one must be on PATH.
	requires []string
	template string
	defaults Options
	command  func(setupURL string, opts Options) string
	// prepare fills variant-specific payload inputs.
	prepare func(d *Driver, s session.Session, data *assets.Data) error
	// apply runs host-side effects once the payload has rendered.
	apply func(d *Driver, s session.Session) error
	// revert undoes apply. It must tolerate apply never having run.
	revert func(d *Driver, s session.Session)
}

func terminalVariant() variant {
	return variant{
		desc: Descriptor{
			Kind:        KindTerminal,
			Name:        "Existing terminal",
			Description: "Route an already-open bash, zsh or sh session through the proxy",
		},
		requires: []string{"sh"},
		template: assets.POSIXScript,
		command: func(url string, _ Options) string {
			return fmt.Sprintf(`eval "$(curl -sS %s)"`, url)
		},
	}
}

func fishVariant() variant {
	return variant{
		desc: Descriptor{
			Kind:        KindFish,
			Name:        "Existing fish shell",
			Description: "Route an already-open fish session through the proxy",
		},
		requires: []string{"fish"},
		template: assets.FishScript,
		command: func(url string, _ Options) string {
			return fmt.Sprintf("curl -sS %s | source", url)
		},
	}
}

func dockerVariant() variant {
	return variant{
		desc: Descriptor{
			Kind:        KindDocker,
			Name:        "Running container",
			Description: "Trust the proxy CA and export proxy settings inside a running container",
		},
		requires: []string{"docker"},
		template: assets.DockerScript,
		defaults: Options{OptProxyHost: "host.docker.internal"},
		command: func(url string, opts Options) string {
			container := opts[OptContainer]
			if container == "" {
				container = "<container>"
			}
			return fmt.Sprintf("curl -sS %s | docker exec -i %s sh", url, container)
		},
		prepare: func(d *Driver, _ session.Session, data *assets.Data) error {
			if d.deps.Proxy.CACertPath == "" {
				return nil
			}
			pem, err := os.ReadFile(d.deps.Proxy.CACertPath)
			if err != nil {
				return fmt.Errorf("read proxy CA: %w", err)
			}
			data.CACertPEM = string(pem)
			return nil
		},
	}
}

func pythonVariant() variant {
	return variant{
		desc: Descriptor{
			Kind:        KindPython,
			Name:        "Python",
			Description: "Route python processes started from a shell through the proxy, with SDK trust overrides",
		},
		requires: []string{"python3", "python"},
		template: assets.PythonScript,
		command: func(url string, _ Options) string {
			return fmt.Sprintf(`eval "$(curl -sS %s)"`, url)
		},
		prepare: func(d *Driver, s session.Session, data *assets.Data) error {
			data.OverridesDir = d.overridesDir(s)
			return nil
		},
		apply: func(d *Driver, s session.Session) error {
			return assets.WritePythonOverrides(d.overridesDir(s))
		},
		revert: func(d *Driver, s session.Session) {
			dir := d.overridesDir(s)
			if err := os.RemoveAll(dir); err != nil {
				d.logger.Warn().Str("event", "python.revert").Str("dir", dir).Err(err).Send()
			}
		},
	}
}

func (d *Driver) overridesDir(s session.Session) string {
	root := d.deps.StateDir
	if strings.TrimSpace(root) == "" {
		root = filepath.Join(os.TempDir(), "hitch")
	}
	return filepath.Join(root, "python", s.ID)
}

func variantFor(kind string) (variant, bool) {
	switch kind {
	case KindTerminal:
		return terminalVariant(), true
	case KindFish:
		return fishVariant(), true
	case KindDocker:
		return dockerVariant(), true
	case KindPython:
		return pythonVariant(), true
	default:
		return variant{}, false
	}
}

// Kinds lists every built-in interceptor kind.
func Kinds() []string {
	return []string{KindDocker, KindFish, KindTerminal, KindPython}
}
