// Package version implements the spec's version identifier: a string
// MAJOR.MINOR[.PATCH], ordered numerically tuple-lexicographic, with
// PATCH defaulting to 0.
/*
 * Copyright (c) 2018-2023, NVIDIA CORPORATION. All rights reserved.
 */
package version

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// V is a parsed version identifier.
type V struct {
	Major, Minor, Patch int
}

// Parse validates and parses s. Invalid strings are rejected, per spec.md §3.
func Parse(s string) (V, error) {
	parts := strings.Split(s, ".")
	if len(parts) < 2 || len(parts) > 3 {
		return V{}, fmt.Errorf("version: %q is not MAJOR.MINOR[.PATCH]", s)
	}
	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return V{}, fmt.Errorf("version: %q has a non-numeric or negative component %q", s, p)
		}
		nums[i] = n
	}
	return V{Major: nums[0], Minor: nums[1], Patch: nums[2]}, nil
}

// MustParse panics on an invalid version; reserved for compile-time-known
// constants such as tests.
func MustParse(s string) V {
	v, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return v
}

// String formats v as MAJOR.MINOR.PATCH; Parse(v.String()) always yields v
// back, satisfying the spec's parse(format(v)) = v round-trip law.
func (v V) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// Less reports whether v sorts strictly before o.
func (v V) Less(o V) bool {
	if v.Major != o.Major {
		return v.Major < o.Major
	}
	if v.Minor != o.Minor {
		return v.Minor < o.Minor
	}
	return v.Patch < o.Patch
}

// Zero is the smallest valid version, 0.0.0.
var Zero = V{}

// SortStrings returns a new slice holding vs sorted by parsed numeric order,
// dropping any that fail to parse; vs itself is left unchanged. Used by the release store when scanning
// its catalog (spec.md §4.4).
func SortStrings(vs []string) []string {
	parsed := make([]V, 0, len(vs))
	raw := make(map[V]string, len(vs))
	for _, s := range vs {
		v, err := Parse(s)
		if err != nil {
			continue
		}
		parsed = append(parsed, v)
		raw[v] = s
	}
	sort.Slice(parsed, func(i, j int) bool { return parsed[i].Less(parsed[j]) })
	out := make([]string, len(parsed))
	for i, v := range parsed {
		out[i] = raw[v]
	}
	return out
}
