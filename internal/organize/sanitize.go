package organize

import (
	"fmt"
	"strings"

	"github.com/Arke-Institute/arke-organizer-service/internal/apperr"
	"github.com/Arke-Institute/arke-organizer-service/internal/match"
)

// Sanitize reconciles a model response against the authoritative input set.
//
// Structural violations (empty or unsafe group names, groups with no files)
// are fatal and reported as apperr.ErrBadResponse. Everything semantic is
// recoverable: directory paths and hallucinated names are dropped, fuzzy
// resolutions are accepted, and omitted inputs are appended to Ungrouped,
// each with a warning. The returned plan satisfies the plan invariants:
// every input name appears at least once, and only input names appear.
func Sanitize(inputNames []string, raw Response) (Plan, error) {
	if err := checkStructure(raw); err != nil {
		return Plan{}, err
	}

	m := match.NewMatcher(inputNames)
	accounted := make(map[string]struct{}, len(inputNames))
	var warnings []string
	var extras []string

	resolve := func(names []string) []string {
		seen := make(map[string]struct{}, len(names))
		out := make([]string, 0, len(names))
		for _, s := range names {
			if strings.HasSuffix(s, "/") {
				warnings = append(warnings, fmt.Sprintf("dropped directory path %q from response", s))
				continue
			}
			name, conf := m.Match(s)
			if conf == match.None {
				extras = append(extras, s)
				continue
			}
			if conf != match.Exact {
				warnings = append(warnings, fmt.Sprintf("resolved %q to input file %q (%s match)", s, name, conf))
			}
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			accounted[name] = struct{}{}
			out = append(out, name)
		}
		return out
	}

	plan := Plan{
		Groups:      make([]Group, 0, len(raw.Groups)),
		Description: raw.ReorganizationDescription,
	}

	for _, g := range raw.Groups {
		files := resolve(g.Files)
		if len(files) == 0 {
			warnings = append(warnings, fmt.Sprintf("dropped group %q: no resolvable files", g.GroupName))
			continue
		}
		plan.Groups = append(plan.Groups, Group{
			GroupName:   g.GroupName,
			Description: g.Description,
			Files:       files,
		})
	}

	plan.Ungrouped = resolve(raw.UngroupedFiles)

	if len(extras) > 0 {
		warnings = append(warnings, fmt.Sprintf("dropped names not in the input set: %s", strings.Join(extras, ", ")))
	}

	var missing []string
	for _, n := range inputNames {
		if _, ok := accounted[n]; !ok {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		plan.Ungrouped = append(plan.Ungrouped, missing...)
		warnings = append(warnings, fmt.Sprintf("response omitted %d file(s), moved to ungrouped: %s", len(missing), strings.Join(missing, ", ")))
	}
	if plan.Ungrouped == nil {
		plan.Ungrouped = []string{}
	}

	plan.Warnings = warnings
	return plan, nil
}

func checkStructure(raw Response) error {
	for _, g := range raw.Groups {
		if g.GroupName == "" {
			return fmt.Errorf("group with empty name: %w", apperr.ErrBadResponse)
		}
		if strings.ContainsAny(g.GroupName, unsafeGroupNameChars) {
			return fmt.Errorf("group name %q contains filesystem-unsafe characters: %w", g.GroupName, apperr.ErrBadResponse)
		}
		if len(g.Files) == 0 {
			return fmt.Errorf("group %q has no files: %w", g.GroupName, apperr.ErrBadResponse)
		}
	}
	return nil
}
