// internal/rules/fieldpath.go
package rules

import (
	"strconv"
	"strings"

	"github.com/solatis/paybridge/internal/types"
)

/*
 * Field path parsing and resolution over decoded JSON values.
 *
 * Paths are dotted ("ThreeDSecure.Message.PARes.pan"); "#" and "*" are
 * wildcards, numeric segments address array elements (and object members
 * named by digits). Wildcards select every element when a body is pruned;
 * Resolve follows concrete paths only.
 */

// ResolveResult holds the resolved value and the concrete path taken.
type ResolveResult struct {
	Value        any
	ResolvedPath []types.PathSegment
	Found        bool
}

// ParsePath splits a dotted path into segments.
// Returns ErrPathTooDeep or ErrTooManyWildcards when limits are exceeded.
func ParsePath(path string) ([]types.PathSegment, error) {
	path = strings.TrimPrefix(strings.TrimSpace(path), "$.")
	if path == "" {
		return nil, nil
	}
	parts := strings.Split(path, ".")
	segs := make([]types.PathSegment, 0, len(parts))
	for _, p := range parts {
		switch {
		case p == "#" || p == "*":
			segs = append(segs, types.PathSegment{Wildcard: true})
		default:
			seg := types.PathSegment{Key: p}
			if n, err := strconv.Atoi(p); err == nil && n >= 0 {
				seg.Index = n
				seg.IsIndex = true
			}
			segs = append(segs, seg)
		}
	}
	if err := checkPath(segs); err != nil {
		return nil, err
	}
	return segs, nil
}

// FormatPath renders segments back into dotted form.
func FormatPath(segs []types.PathSegment) string {
	parts := make([]string, len(segs))
	for i, s := range segs {
		switch {
		case s.Wildcard:
			parts[i] = "#"
		case s.Key != "":
			parts[i] = s.Key
		default:
			parts[i] = strconv.Itoa(s.Index)
		}
	}
	return strings.Join(parts, ".")
}

// Resolve traverses data following path.
// Returns ErrFieldNotFound if the path does not exist in data.
func Resolve(path []types.PathSegment, data any) (ResolveResult, error) {
	if err := checkPath(path); err != nil {
		return ResolveResult{}, err
	}
	return resolve(path, data, nil)
}

func resolve(path []types.PathSegment, current any, taken []types.PathSegment) (ResolveResult, error) {
	if len(path) == 0 {
		return ResolveResult{Value: current, ResolvedPath: taken, Found: true}, nil
	}
	seg, rest := path[0], path[1:]
	if seg.Wildcard {
		return ResolveResult{}, types.ErrFieldNotFound
	}

	switch v := current.(type) {
	case map[string]any:
		val, ok := v[seg.Key]
		if !ok || seg.Key == "" {
			return ResolveResult{}, types.ErrFieldNotFound
		}
		return resolve(rest, val, append(taken, types.PathSegment{Key: seg.Key}))

	case map[string]string:
		if len(rest) > 0 {
			return ResolveResult{}, types.ErrFieldNotFound
		}
		val, ok := v[seg.Key]
		if !ok {
			return ResolveResult{}, types.ErrFieldNotFound
		}
		return ResolveResult{Value: val, ResolvedPath: append(taken, seg), Found: true}, nil

	case []any:
		if !seg.IsIndex || seg.Index >= len(v) {
			return ResolveResult{}, types.ErrFieldNotFound
		}
		return resolve(rest, v[seg.Index], append(taken, types.PathSegment{Index: seg.Index, IsIndex: true}))

	default:
		return ResolveResult{}, types.ErrFieldNotFound
	}
}
