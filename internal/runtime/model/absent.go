package model

// AbsentMarker stands for a value that does not exist on one side of a diff.
type AbsentMarker struct{}

// Absent is the single marker value used in DiffEntry.
var Absent = AbsentMarker{}

func (AbsentMarker) MarshalJSON() ([]byte, error) {
	return []byte(`{"$absent":true}`), nil
}

func (AbsentMarker) String() string { return "<absent>" }

// IsAbsent reports whether v is the absent marker.
func IsAbsent(v any) bool {
	_, ok := v.(AbsentMarker)
	return ok
}
