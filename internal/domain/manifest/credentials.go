package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/felixgeelhaar/bringup/internal/domain/step"
)

// DefaultProfile is the credentials section used when none is named.
const DefaultProfile = "default"

// CheckCredentials verifies that the provider credentials file exists and
// holds the configured profile. Missing credentials are a configuration
// error: no provider command could succeed without them.
func (m *Manifest) CheckCredentials() error {
	p := m.Provider
	if p.CredentialsFile == "" {
		return nil
	}
	profile := p.Profile
	if profile == "" {
		profile = DefaultProfile
	}
	return CheckProfile(expandHome(p.CredentialsFile), profile)
}

// CheckProfile loads an INI credentials file and requires a section for
// profile. AWS-style "profile <name>" sections are accepted too.
func CheckProfile(path, profile string) error {
	missing := step.NewConfigurationError(step.ErrCodeMissingCreds, "provider credentials not found").
		WithContext(path)

	cfg, err := ini.Load(path)
	if err != nil {
		return missing.WithUnderlying(err).
			WithSuggestion("Log in with the provider CLI or point provider.credentials_file at an existing file.")
	}

	for _, name := range []string{profile, "profile " + profile} {
		section, err := cfg.GetSection(name)
		if err != nil {
			continue
		}
		if len(section.Keys()) == 0 {
			return missing.WithUnderlying(fmt.Errorf("profile %q is empty", profile))
		}
		return nil
	}
	return missing.WithUnderlying(fmt.Errorf("profile %q not in %s", profile, strings.Join(cfg.SectionStrings(), ", "))).
		WithSuggestion(fmt.Sprintf("Add a [%s] section or set provider.profile.", profile))
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
