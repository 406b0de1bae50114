package archive

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"

	coreerrors "github.com/davidahmann/modelstage/core/errors"
)

const (
	RoleHigh = "HIGH"
	RoleLow  = "LOW"
)

var (
	ErrNoPayload        = errors.New("no payload found")
	ErrAmbiguousPayload = errors.New("ambiguous payload")

	highPattern = regexp.MustCompile(`(?i)high(-?noise)?`)
	lowPattern  = regexp.MustCompile(`(?i)low(-?noise)?`)
)

// Assignment maps the HIGH and LOW roles to candidate paths. Both roles may
// name the same file when only one candidate exists.
type Assignment struct {
	High string `json:"high"`
	Low  string `json:"low"`
}

// Classify picks HIGH and LOW files from candidates by base name. When names
// do not settle both roles, two candidates are split by what matched (or by
// sorted path when nothing matched) and a lone candidate fills both roles.
func Classify(candidates []string) (Assignment, error) {
	switch len(candidates) {
	case 0:
		return Assignment{}, coreerrors.Wrap(ErrNoPayload, coreerrors.CategoryNoPayload, "no_payload", "check the archive contents and expected extension", false)
	case 1:
		return Assignment{High: candidates[0], Low: candidates[0]}, nil
	}

	high := firstMatch(candidates, highPattern, "")
	low := firstMatch(candidates, lowPattern, high)
	if high != "" && low != "" {
		return Assignment{High: high, Low: low}, nil
	}
	if len(candidates) > 2 {
		return Assignment{}, coreerrors.Wrap(
			fmt.Errorf("%w: %d candidates and names do not identify both roles", ErrAmbiguousPayload, len(candidates)),
			coreerrors.CategoryArchiveInvalid,
			"ambiguous_payload",
			"rename the files to include high/low or keep only two",
			false,
		)
	}

	sorted := []string{candidates[0], candidates[1]}
	sort.Strings(sorted)
	switch {
	case high != "":
		return Assignment{High: high, Low: other(sorted, high)}, nil
	case low != "":
		return Assignment{High: other(sorted, low), Low: low}, nil
	default:
		return Assignment{High: sorted[0], Low: sorted[1]}, nil
	}
}

func firstMatch(candidates []string, pattern *regexp.Regexp, exclude string) string {
	for _, candidate := range candidates {
		if candidate == exclude {
			continue
		}
		if pattern.MatchString(filepath.Base(candidate)) {
			return candidate
		}
	}
	return ""
}

func other(pair []string, taken string) string {
	if pair[0] == taken {
		return pair[1]
	}
	return pair[0]
}
