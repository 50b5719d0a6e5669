// Package policy implements the capability gating spec §6 describes: a
// startup-selected set of capability groups, each bundling the tools a
// caller may invoke. Tools outside the enabled set are never registered.
package policy

import (
	"fmt"
	"hash/fnv"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Checker is the interface consumers use to test whether a capability
// group is enabled for this process.
type Checker interface {
	AllowCapability(capability string) bool
	PolicyVersion() string
}

// Policy is the serializable capability set.
type Policy struct {
	AllowCapabilities []string `yaml:"allow_capabilities"`
}

// knownCapabilities mirrors the capability table in spec §6.
var knownCapabilities = map[string]struct{}{
	"core":        {},
	"task-pool":   {},
	"messaging":   {},
	"profiles":    {},
	"services":    {},
	"scheduling":  {},
	"epics":       {},
}

// AllCapabilities returns every known capability group name.
func AllCapabilities() []string {
	names := make([]string, 0, len(knownCapabilities))
	for name := range knownCapabilities {
		names = append(names, name)
	}
	return names
}

// Default enables every known capability group, matching spec §6's
// "default enables all."
func Default() Policy {
	return Policy{AllowCapabilities: AllCapabilities()}
}

// Load reads a policy file at path, returning Default() if the path is
// empty or the file doesn't exist.
func Load(path string) (Policy, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	if len(data) == 0 {
		return Default(), nil
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// FromCapabilitiesEnv parses the CAPABILITIES env var (comma-separated
// group names) into a Policy. An empty value enables every group.
func FromCapabilitiesEnv(raw string) (Policy, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Default(), nil
	}
	parts := strings.Split(raw, ",")
	caps := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.ToLower(strings.TrimSpace(part))
		if part != "" {
			caps = append(caps, part)
		}
	}
	p := Policy{AllowCapabilities: caps}
	if err := p.validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

func (p Policy) AllowCapability(capability string) bool {
	capability = strings.ToLower(strings.TrimSpace(capability))
	if capability == "" {
		return false
	}
	for _, allowed := range p.AllowCapabilities {
		if strings.ToLower(strings.TrimSpace(allowed)) == capability {
			return true
		}
	}
	return false
}

func (p Policy) PolicyVersion() string {
	return policyVersionFor(p)
}

func (p Policy) validate() error {
	for _, capName := range p.AllowCapabilities {
		capability := strings.ToLower(strings.TrimSpace(capName))
		if capability == "" {
			continue
		}
		if _, ok := knownCapabilities[capability]; !ok {
			return fmt.Errorf("unknown capability %q", capName)
		}
	}
	return nil
}

// LivePolicy wraps a Policy with thread-safe mutation so a fsnotify-driven
// config reload can swap the active capability set without a restart.
type LivePolicy struct {
	mu   sync.RWMutex
	data Policy
	path string // file path for persistence; empty = no persistence
}

// NewLivePolicy creates a LivePolicy from an initial Policy snapshot.
func NewLivePolicy(initial Policy, path string) *LivePolicy {
	return &LivePolicy{data: initial, path: path}
}

func (lp *LivePolicy) AllowCapability(capability string) bool {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.AllowCapability(capability)
}

func (lp *LivePolicy) PolicyVersion() string {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return policyVersionFor(lp.data)
}

// Reload replaces the policy data from a fresh Policy snapshot.
func (lp *LivePolicy) Reload(p Policy) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.data = p
}

// Snapshot returns a copy of the current policy data.
func (lp *LivePolicy) Snapshot() Policy {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	cp := lp.data
	cp.AllowCapabilities = append([]string(nil), lp.data.AllowCapabilities...)
	return cp
}

// ReloadFromFile updates the live policy only when the incoming file parses
// and validates. On error, the previous policy remains active — a typo in
// an edited policy file must never blank out a running process's grants.
func ReloadFromFile(lp *LivePolicy, path string) error {
	if lp == nil {
		return fmt.Errorf("nil live policy")
	}
	p, err := Load(path)
	if err != nil {
		return err
	}
	lp.Reload(p)
	return nil
}

func policyVersionFor(p Policy) string {
	h := fnv.New64a()
	for _, v := range p.AllowCapabilities {
		_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(v)) + "|"))
	}
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}

func (lp *LivePolicy) persist() error {
	if lp.path == "" {
		return nil
	}
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	out, err := yaml.Marshal(&lp.data)
	if err != nil {
		return fmt.Errorf("marshal policy: %w", err)
	}
	return os.WriteFile(lp.path, out, 0o644)
}

// AddCapability grants a capability group at runtime and persists the change.
func (lp *LivePolicy) AddCapability(capability string) error {
	capability = strings.ToLower(strings.TrimSpace(capability))
	if capability == "" {
		return fmt.Errorf("empty capability")
	}
	if _, ok := knownCapabilities[capability]; !ok {
		return fmt.Errorf("unknown capability %q", capability)
	}

	lp.mu.Lock()
	for _, existing := range lp.data.AllowCapabilities {
		if strings.ToLower(strings.TrimSpace(existing)) == capability {
			lp.mu.Unlock()
			return nil
		}
	}
	lp.data.AllowCapabilities = append(lp.data.AllowCapabilities, capability)
	lp.mu.Unlock()
	return lp.persist()
}
