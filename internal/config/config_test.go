package config

import (
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/contentnode/internal/replication"
)

func validViper() map[string]any {
	return map[string]any{
		"node.endpoint":              "http://node-1:4000",
		"auth.signing_secret":        "secret",
		"registry.static.primary":    "http://node-1:4000",
		"registry.static.secondary1": "http://node-2:4000",
		"registry.static.secondary2": "http://node-3:4000",
		"registry.static.spares":     "http://node-4:4000, http://node-5:4000",
		"blacklist.cid_whitelist":    []string{"QmYwAPJzv5CZsnA625s3Xf2nemtYgPpHdWEz79ojWnPbdG"},
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	for key, value := range validViper() {
		configViper.Set(key, value)
	}

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress || cfg.DatabasePath != defaultDatabasePath {
		t.Fatalf("unexpected defaults %#v", cfg)
	}
	if cfg.Sync.MaxExportRange != 10000 || cfg.Sync.FailureThreshold != 3 || cfg.Sync.ReconfigMode != replication.ReconfigMultipleSecondaries {
		t.Fatalf("unexpected sync defaults %#v", cfg.Sync)
	}
	if cfg.Sync.ForceWipeEnabled || len(cfg.Sync.ReconfigNodeWhitelist) != 0 {
		t.Fatalf("expected force wipe off and an open whitelist, got %#v", cfg.Sync)
	}
	if !cfg.Auth.LoginGatewayRequired {
		t.Fatalf("expected login to require a gateway token by default")
	}
	if cfg.Sync.Timeout != 2*time.Minute || cfg.Sync.ModuloBase != 24 {
		t.Fatalf("unexpected sync timing %#v", cfg.Sync)
	}
	if len(cfg.Registry.Spares) != 2 || cfg.Registry.Spares[1] != "http://node-5:4000" {
		t.Fatalf("expected comma separated spares to split, got %v", cfg.Registry.Spares)
	}
	if len(cfg.CIDWhitelist) != 1 {
		t.Fatalf("expected whitelist entry, got %v", cfg.CIDWhitelist)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("CNODE_SYNC_FAILURE_THRESHOLD", "5")
	t.Setenv("CNODE_SYNC_RECONFIG_MODE", "one_secondary")
	t.Setenv("CNODE_SYNC_RECONFIG_NODE_WHITELIST", "http://node-4:4000,http://node-5:4000")
	t.Setenv("CNODE_SYNC_FORCE_WIPE_ENABLED", "true")
	t.Setenv("CNODE_AUTH_LOGIN_GATEWAY_REQUIRED", "false")
	configViper := NewViper()
	for key, value := range validViper() {
		configViper.Set(key, value)
	}

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Sync.FailureThreshold != 5 || cfg.Sync.ReconfigMode != replication.ReconfigOneSecondary || !cfg.Sync.ForceWipeEnabled {
		t.Fatalf("expected env overrides, got %#v", cfg.Sync)
	}
	if len(cfg.Sync.ReconfigNodeWhitelist) != 2 || cfg.Sync.ReconfigNodeWhitelist[1] != "http://node-5:4000" {
		t.Fatalf("expected comma separated whitelist to split, got %v", cfg.Sync.ReconfigNodeWhitelist)
	}
	if cfg.Auth.LoginGatewayRequired {
		t.Fatalf("expected env to disable the login gateway")
	}
}

func TestLoadValidatesRequiredSettings(t *testing.T) {
	testCases := []struct {
		name    string
		key     string
		value   any
		message string
	}{
		{name: "endpoint", key: "node.endpoint", value: "", message: "node.endpoint"},
		{name: "secret", key: "auth.signing_secret", value: " ", message: "auth.signing_secret"},
		{name: "session ttl", key: "session.ttl", value: "0s", message: "session.ttl"},
		{name: "static set", key: "registry.static.secondary2", value: "http://node-2:4000", message: "registry.static"},
		{name: "reconfig mode", key: "sync.reconfig_mode", value: "SOME_SECONDARIES", message: "sync.reconfig_mode"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			for key, value := range validViper() {
				configViper.Set(key, value)
			}
			configViper.Set(testCase.key, testCase.value)
			_, err := Load(configViper)
			if err == nil || !strings.Contains(err.Error(), testCase.message) {
				t.Fatalf("expected error mentioning %s, got %v", testCase.message, err)
			}
		})
	}
}

func TestLoadSkipsStaticSetWithRegistryURL(t *testing.T) {
	configViper := NewViper()
	configViper.Set("node.endpoint", "http://node-1:4000")
	configViper.Set("auth.signing_secret", "secret")
	configViper.Set("registry.url", "http://registry")

	if _, err := Load(configViper); err != nil {
		t.Fatalf("expected registry url to replace static set, got %v", err)
	}
}
