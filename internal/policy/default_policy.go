package policy

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// DefaultCedarPolicy permits every interceptor to be activated on any port.
const DefaultCedarPolicy = `
permit (principal, action == Action::"Activate", resource);`

// DefaultCedar returns the permissive bootstrap Cedar policy.
func DefaultCedar() string { return DefaultCedarPolicy }

// policyFileHeader documents the request shape for operators editing the
// generated file. Cedar ignores // comments.
const policyFileHeader = `// hitch activation policy.
//
// Every activation is evaluated as
//   principal: Client::"local"
//   action:    Action::"Activate"
//   resource:  Interceptor::"<kind>", one of
//              "existing-terminal", "existing-fish", "docker-exec", "python"
//   context:   { port: <target proxy port>, options: { proxy_host, container, ... } }
//
// Edits are picked up while hitchd runs. An edit that fails to parse leaves
// the previous policy in force.
//
// Examples:
//   forbid (principal, action, resource == Interceptor::"docker-exec");
//   forbid (principal, action, resource) unless { context.port >= 1024 };
`

// DefaultPolicyFile returns the contents written for a missing policy file.
func DefaultPolicyFile() string {
	return policyFileHeader + strings.TrimSpace(DefaultCedarPolicy) + "\n"
}

// WriteDefaultFile creates path with DefaultPolicyFile unless it already
// exists. It reports whether the file was created.
func WriteDefaultFile(path string) (bool, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return false, fmt.Errorf("policy file path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("create policy dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create policy file: %w", err)
	}
	if _, err := f.WriteString(DefaultPolicyFile()); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return false, fmt.Errorf("write policy file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return false, fmt.Errorf("write policy file: %w", err)
	}
	return true, nil
}
