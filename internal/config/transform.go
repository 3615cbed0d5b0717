// ABOUTME: Item-list transforms applied before tag contents reach clients
// ABOUTME: Small spec language: none, reverse, head N, tail N

package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Transform filters or reorders an item-id list. Transforms never
// mutate their input.
type Transform func(ids []string) []string

// Identity returns the input unchanged.
func Identity(ids []string) []string { return ids }

// ParseTransform compiles a transform spec. Supported forms:
// "none", "reverse", "head N", "tail N".
func ParseTransform(spec string) (Transform, error) {
	fields := strings.Fields(spec)
	if len(fields) == 0 {
		return Identity, nil
	}

	switch fields[0] {
	case "none":
		return Identity, nil

	case "reverse":
		return func(ids []string) []string {
			out := make([]string, len(ids))
			for i, id := range ids {
				out[len(ids)-1-i] = id
			}
			return out
		}, nil

	case "head", "tail":
		if len(fields) != 2 {
			return nil, fmt.Errorf("transform %q needs a count", fields[0])
		}
		n, err := strconv.Atoi(fields[1])
		if err != nil || n < 0 {
			return nil, fmt.Errorf("bad transform count %q", fields[1])
		}
		if fields[0] == "head" {
			return func(ids []string) []string {
				if len(ids) <= n {
					return ids
				}
				return ids[:n]
			}, nil
		}
		return func(ids []string) []string {
			if len(ids) <= n {
				return ids
			}
			return ids[len(ids)-n:]
		}, nil
	}

	return nil, fmt.Errorf("unknown transform %q", spec)
}
