package manifest

import (
	"fmt"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/felixgeelhaar/bringup/internal/domain/step"
)

// CheckMinVersion rejects a manifest that needs a newer binary than
// current. Development builds without a semantic version pass.
func (m *Manifest) CheckMinVersion(current string) error {
	if m.MinVersion == "" {
		return nil
	}
	want := canonical(m.MinVersion)
	if !semver.IsValid(want) {
		return invalid("min_version", fmt.Errorf("%q is not a semantic version", m.MinVersion))
	}

	have := canonical(current)
	if !semver.IsValid(have) {
		return nil
	}
	if semver.Compare(have, want) < 0 {
		return step.NewConfigurationError(step.ErrCodeInvalidManifest,
			fmt.Sprintf("manifest requires bringup %s or newer, this is %s", want, have)).
			WithContext("min_version").
			WithSuggestion("Upgrade bringup.")
	}
	return nil
}

func canonical(v string) string {
	v = strings.TrimSpace(v)
	if v != "" && !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}
