package utils

// CopyAddMap returns a new map holding src plus the new pair. src is left untouched
// so readers holding the old map never observe a partial update.
func CopyAddMap[K comparable, V any](src map[K]V, newKey K, newValue V) map[K]V {
	newMap := make(map[K]V, len(src)+1)
	for k, v := range src {
		newMap[k] = v
	}
	newMap[newKey] = newValue
	return newMap
}

func CopyRemoveMap[K comparable, V any](src map[K]V, key K) map[K]V {
	newMap := make(map[K]V, len(src))
	for k, v := range src {
		if k != key {
			newMap[k] = v
		}
	}
	return newMap
}

func CopyAppendSlice[V any](src []V, v V) []V {
	newSlice := make([]V, 0, len(src)+1)
	newSlice = append(newSlice, src...)
	return append(newSlice, v)
}

// CopyRemoveSlice returns a copy without the elements matched by fn and whether anything was removed.
func CopyRemoveSlice[V any](src []V, fn func(V) bool) ([]V, bool) {
	newSlice := make([]V, 0, len(src))
	removed := false
	for _, v := range src {
		if fn(v) {
			removed = true
			continue
		}
		newSlice = append(newSlice, v)
	}
	return newSlice, removed
}
