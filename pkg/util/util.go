package util

// Map returns a new slice with fn applied to every element.
func Map[A any, B any](coll []A, fn func(item A, index uint64) B) []B {
	out := make([]B, len(coll))
	for i, item := range coll {
		out[i] = fn(item, uint64(i))
	}
	return out
}

func Filter[A any](coll []A, fn func(item A) bool) []A {
	out := make([]A, 0, len(coll))
	for _, item := range coll {
		if fn(item) {
			out = append(out, item)
		}
	}
	return out
}

func Reduce[A any, B any](coll []A, fn func(acc B, next A) B, initialValue B) B {
	acc := initialValue
	for _, item := range coll {
		acc = fn(acc, item)
	}
	return acc
}

func Flatten[A any](coll [][]A) []A {
	out := make([]A, 0)
	for _, item := range coll {
		out = append(out, item...)
	}
	return out
}

// Deduplicate keeps the first occurrence of every key, preserving order.
func Deduplicate[A any, K comparable](coll []A, key func(item A) K) []A {
	seen := make(map[K]struct{}, len(coll))
	out := make([]A, 0, len(coll))
	for _, item := range coll {
		k := key(item)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, item)
	}
	return out
}
