package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"unicode"

	"github.com/joho/godotenv"
)

const envPrefix = "BABBELL_"

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment
// without overriding variables that are already set. A missing file is not
// an error.
func LoadDotEnv(path string) (bool, error) {
	if strings.TrimSpace(path) == "" {
		return false, nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err := godotenv.Load(path); err != nil {
		return false, fmt.Errorf("load %s: %w", path, err)
	}
	return true, nil
}

// TenantEnvKey returns the environment variable carrying a tenant secret,
// e.g. TenantEnvKey("acme-hq", "BOT_TOKEN") == "BABBELL_ACME_HQ_BOT_TOKEN".
func TenantEnvKey(tenantID, suffix string) string {
	var b strings.Builder
	b.WriteString(envPrefix)
	for _, r := range strings.ToUpper(tenantID) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	b.WriteByte('_')
	b.WriteString(suffix)
	return b.String()
}

type workspaceEnv struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Platform string `json:"platform"`
	BotToken string `json:"bot_token"`
	AppToken string `json:"app_token"`
}

// ApplyEnv overlays environment values onto cfg. Set variables win over the
// file. Tenants come from the file; when it has none, WORKSPACES (a JSON
// array) and then SLACK_BOT_TOKEN/SLACK_APP_TOKEN define them.
func ApplyEnv(cfg *Config, getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}

	if len(cfg.Tenants) == 0 {
		if raw := strings.TrimSpace(getenv("WORKSPACES")); raw != "" {
			var ws []workspaceEnv
			if err := json.Unmarshal([]byte(raw), &ws); err != nil {
				return fmt.Errorf("invalid WORKSPACES JSON: %w", err)
			}
			for _, w := range ws {
				cfg.Tenants = append(cfg.Tenants, TenantConfig{
					ID: w.ID, Name: w.Name, Platform: w.Platform, BotToken: w.BotToken, AppToken: w.AppToken,
				})
			}
		} else if bot := strings.TrimSpace(getenv("SLACK_BOT_TOKEN")); bot != "" {
			cfg.Tenants = append(cfg.Tenants, TenantConfig{
				ID:       "default",
				Name:     "Default",
				Platform: PlatformSlack,
				BotToken: bot,
				AppToken: strings.TrimSpace(getenv("SLACK_APP_TOKEN")),
			})
		}
	}
	for i := range cfg.Tenants {
		t := &cfg.Tenants[i]
		set(&t.BotToken, TenantEnvKey(t.ID, "BOT_TOKEN"))
		set(&t.AppToken, TenantEnvKey(t.ID, "APP_TOKEN"))
	}

	set(&cfg.Storage.DSN, envPrefix+"DB_DSN")
	set(&cfg.Storage.Path, "SQLITE_PATH")
	set(&cfg.Ops.Token, envPrefix+"OPS_TOKEN")

	if v := strings.TrimSpace(getenv("COOLDOWN_SECONDS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("COOLDOWN_SECONDS: invalid value %q", v)
		}
		cfg.Admission.Cooldown = strconv.Itoa(n) + "s"
	}
	if v := strings.TrimSpace(getenv("MENU_CACHE_TTL_SECONDS")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return fmt.Errorf("MENU_CACHE_TTL_SECONDS: invalid value %q", v)
		}
		cfg.Menu.CacheTTL = strconv.Itoa(n) + "s"
	}
	if v, ok := envBool(getenv("INCLUDE_ACTOR_IN_PUBLIC_MESSAGE")); ok {
		cfg.Broadcast.IncludeActor = v
	}
	if v, ok := envBool(getenv("ENABLE_TODAYS_MENU")); ok {
		cfg.Menu.Enabled = v
	}
	return nil
}

func envBool(v string) (value bool, ok bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "":
		return false, false
	case "true", "1", "yes":
		return true, true
	default:
		return false, true
	}
}
