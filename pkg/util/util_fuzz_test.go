package util

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func FuzzStatusFilterPipeline(f *testing.F) {
	f.Add("SUCCESS,FAILED", "PENDING")
	f.Add(",,", "")
	f.Add("a,b,a", "b,,c")

	f.Fuzz(func(t *testing.T, first, second string) {
		split := Map([]string{first, second}, func(v string, _ uint64) []string {
			return strings.Split(v, ",")
		})
		flat := Flatten(split)
		require.Len(t, flat, len(split[0])+len(split[1]))

		nonEmpty := Filter(flat, func(v string) bool { return v != "" })
		for _, v := range nonEmpty {
			require.NotEmpty(t, v)
		}

		unique := Deduplicate(nonEmpty, func(v string) string { return v })
		seen := make(map[string]bool)
		for _, v := range unique {
			require.False(t, seen[v], "duplicate %q", v)
			seen[v] = true
		}
		for _, v := range nonEmpty {
			require.True(t, seen[v], "lost %q", v)
		}

		total := Reduce(unique, func(acc int, next string) int { return acc + len(next) }, 0)
		require.LessOrEqual(t, total, len(first)+len(second))
	})
}
