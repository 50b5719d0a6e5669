package doctor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/go-claw/internal/bus"
	"github.com/basket/go-claw/internal/config"
	"github.com/basket/go-claw/internal/policy"
	"github.com/basket/go-claw/internal/store"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkCapabilities,
		checkDatabase,
		checkPermissions,
		checkConfigWatch,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{Name: "Config", Status: "WARN", Message: "config.yaml missing, running on defaults"}
	}
	return CheckResult{
		Name:    "Config",
		Status:  "PASS",
		Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir),
		Detail:  cfg.Fingerprint(),
	}
}

func checkCapabilities(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Capabilities", Status: "SKIP", Message: "Config missing"}
	}
	p, err := policy.FromCapabilitiesEnv(joinCapabilities(cfg.Capabilities))
	if err != nil {
		return CheckResult{Name: "Capabilities", Status: "FAIL", Message: err.Error()}
	}
	if len(cfg.Capabilities) == 0 {
		return CheckResult{Name: "Capabilities", Status: "PASS", Message: "All capability groups enabled (default)"}
	}
	return CheckResult{
		Name:    "Capabilities",
		Status:  "PASS",
		Message: fmt.Sprintf("%d capability group(s) enabled", len(cfg.Capabilities)),
		Detail:  p.PolicyVersion(),
	}
}

func joinCapabilities(caps []string) string {
	out := ""
	for i, c := range caps {
		if i > 0 {
			out += ","
		}
		out += c
	}
	return out
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.NeedsGenesis {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}

	st, err := store.Open(cfg.DatabasePath, bus.New())
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("open failed: %v", err)}
	}
	defer st.Close()

	if _, err := st.ListEvents(ctx, "", 1); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("query failed: %v", err)}
	}

	return CheckResult{Name: "Database", Status: "PASS", Message: fmt.Sprintf("connection and schema valid at %s", cfg.DatabasePath)}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkConfigWatch(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config Watch", Status: "SKIP", Message: "Config missing"}
	}
	configPath := config.ConfigPath(cfg.HomeDir)
	if _, err := os.Stat(configPath); err != nil {
		return CheckResult{Name: "Config Watch", Status: "WARN", Message: "config.yaml does not exist, fsnotify watch inactive until created"}
	}
	return CheckResult{Name: "Config Watch", Status: "PASS", Message: fmt.Sprintf("watching %s", configPath)}
}
