package policy

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	cedar "github.com/cedar-policy/cedar-go"
)

const (
	actionActivate = "Activate"
	resourceType   = "Interceptor"
	principalType  = "Client"
)

// Request describes an activation to authorize.
type Request struct {
	Principal string
	Kind      string
	Port      uint16
	Options   map[string]string
}

// Authorizer evaluates activation requests against a Cedar policy set. The
// active set can be replaced at any time by Update or a file watch.
type Authorizer struct {
	mu     sync.RWMutex
	set    *cedar.PolicySet
	source string
	path   string
}

// New compiles source into an Authorizer. Empty source uses DefaultCedarPolicy.
func New(source string) (*Authorizer, error) {
	if source == "" {
		source = DefaultCedarPolicy
	}
	set, err := compile("policy.cedar", source)
	if err != nil {
		return nil, err
	}
	return &Authorizer{set: set, source: source}, nil
}

// Load reads and compiles the Cedar file at path.
func Load(path string) (*Authorizer, error) {
	source, err := readPolicy(path)
	if err != nil {
		return nil, err
	}
	set, err := compile(path, source)
	if err != nil {
		return nil, err
	}
	return &Authorizer{set: set, source: source, path: path}, nil
}

// Source returns the Cedar text currently in force.
func (a *Authorizer) Source() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.source
}

// Path returns the file the policy was loaded from, if any.
func (a *Authorizer) Path() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.path
}

// Update compiles source and swaps it in. The previous policy stays active on error.
func (a *Authorizer) Update(source string) error {
	set, err := compile(a.Path(), source)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.set = set
	a.source = source
	a.mu.Unlock()
	return nil
}

// Allow reports whether req is permitted. The returned reasons name the
// policies that determined the decision.
func (a *Authorizer) Allow(req Request) (bool, []string) {
	principal := req.Principal
	if principal == "" {
		principal = "local"
	}

	opts := cedar.RecordMap{}
	for k, v := range req.Options {
		opts[cedar.String(k)] = cedar.String(v)
	}
	creq := cedar.Request{
		Principal: cedar.NewEntityUID(principalType, cedar.String(principal)),
		Action:    cedar.NewEntityUID("Action", actionActivate),
		Resource:  cedar.NewEntityUID(resourceType, cedar.String(req.Kind)),
		Context: cedar.NewRecord(cedar.RecordMap{
			"port":    cedar.Long(req.Port),
			"options": cedar.NewRecord(opts),
		}),
	}

	a.mu.RLock()
	set := a.set
	a.mu.RUnlock()

	var entities cedar.EntityMap
	decision, diag := cedar.Authorize(set, entities, creq)
	reasons := make([]string, 0, len(diag.Reasons))
	for _, r := range diag.Reasons {
		reasons = append(reasons, string(r.PolicyID))
	}
	sort.Strings(reasons)
	return decision == cedar.Allow, reasons
}

// Watch polls path and swaps in every new valid policy. Compilation failures
// leave the previous policy active and are reported once per modification.
func (a *Authorizer) Watch(path string, interval time.Duration, onUpdate func(), onError func(error)) (func(), error) {
	stat, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat Cedar policy file: %w", err)
	}

	stop := make(chan struct{})
	ticker := time.NewTicker(interval)

	go func(lastSuccess time.Time) {
		defer ticker.Stop()
		var lastFailure time.Time
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				info, statErr := os.Stat(path)
				if statErr != nil {
					if onError != nil {
						onError(fmt.Errorf("failed to stat Cedar policy file %q: %w", path, statErr))
					}
					continue
				}
				mod := info.ModTime()
				if !mod.After(lastSuccess) {
					continue
				}
				source, readErr := readPolicy(path)
				if readErr == nil {
					readErr = a.Update(source)
				}
				if readErr != nil {
					if onError != nil && !mod.Equal(lastFailure) {
						onError(readErr)
					}
					lastFailure = mod
					continue
				}
				a.mu.Lock()
				a.path = path
				a.mu.Unlock()
				lastSuccess = mod
				lastFailure = time.Time{}
				if onUpdate != nil {
					onUpdate()
				}
			}
		}
	}(stat.ModTime())

	var once sync.Once
	return func() { once.Do(func() { close(stop) }) }, nil
}

func readPolicy(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read Cedar policy %q: %w", path, err)
	}
	return string(data), nil
}

func compile(name, source string) (*cedar.PolicySet, error) {
	if name == "" {
		name = "policy.cedar"
	}
	set, err := cedar.NewPolicySetFromBytes(name, []byte(source))
	if err != nil {
		return nil, fmt.Errorf("parse Cedar policy %q: %w", name, err)
	}
	return set, nil
}
