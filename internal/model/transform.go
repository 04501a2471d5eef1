package model

// List transforms shared by mutation commits and realtime patches.
// They never modify their input slice.

// Upsert returns a copy of list with rec replacing the element of the same
// id, or appended when no such element exists.
func Upsert[T Record](list []T, rec T) []T {
	out := make([]T, 0, len(list)+1)
	replaced := false
	for _, item := range list {
		if item.RecordID() == rec.RecordID() {
			out = append(out, rec)
			replaced = true
			continue
		}
		out = append(out, item)
	}
	if !replaced {
		out = append(out, rec)
	}
	return out
}

// RemoveByID returns a copy of list without the element with the given id.
// The bool result reports whether an element was removed.
func RemoveByID[T Record](list []T, id string) ([]T, bool) {
	out := make([]T, 0, len(list))
	removed := false
	for _, item := range list {
		if item.RecordID() == id {
			removed = true
			continue
		}
		out = append(out, item)
	}
	return out, removed
}

// FindByID returns the element with the given id.
func FindByID[T Record](list []T, id string) (T, bool) {
	for _, item := range list {
		if item.RecordID() == id {
			return item, true
		}
	}
	var zero T
	return zero, false
}
