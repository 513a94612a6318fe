package plugin

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/phantom-sec/phantom/internal/domain"
)

var idPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// ValidateDescriptor checks that d is well formed. All problems are
// reported together.
func ValidateDescriptor(d domain.PluginDescriptor) error {
	var errs []error
	if d.ID == "" {
		errs = append(errs, errors.New("id is empty"))
	} else if !idPattern.MatchString(d.ID) {
		errs = append(errs, fmt.Errorf("id %q must match %s", d.ID, idPattern))
	}
	if strings.TrimSpace(d.Name) == "" {
		errs = append(errs, errors.New("name is empty"))
	}
	if _, err := semver.NewVersion(d.Version); err != nil {
		errs = append(errs, fmt.Errorf("version %q: %w", d.Version, err))
	}
	if !d.Category.Valid() {
		errs = append(errs, fmt.Errorf("unknown category %q", d.Category))
	}
	if d.Cost < 0 {
		errs = append(errs, fmt.Errorf("cost %d is negative", d.Cost))
	}
	return errors.Join(errs...)
}

// CompareVersions orders two descriptor versions. Unparseable versions sort first.
func CompareVersions(a, b string) int {
	va, errA := semver.NewVersion(a)
	vb, errB := semver.NewVersion(b)
	switch {
	case errA != nil && errB != nil:
		return strings.Compare(a, b)
	case errA != nil:
		return -1
	case errB != nil:
		return 1
	}
	return va.Compare(vb)
}
