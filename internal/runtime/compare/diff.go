package compare

import (
	"encoding/json"
	"sort"
	"strconv"

	"github.com/drblury/dualrun/internal/runtime/model"
	"github.com/drblury/dualrun/internal/runtime/rules"
)

// diffTrees returns every mismatch between two decoded documents. Paths are
// JSON Pointers; the document root is "".
func diffTrees(primary, secondary any) []model.DiffEntry {
	var out []model.DiffEntry
	diffNode("", primary, secondary, &out)
	return out
}

func diffNode(path string, p, s any, out *[]model.DiffEntry) {
	pc, sc := classOf(p), classOf(s)
	if pc != sc {
		*out = append(*out, model.DiffEntry{Path: path, Primary: p, Secondary: s, Kind: model.DiffType})
		return
	}
	switch pc {
	case classObject:
		diffObjects(path, p.(map[string]any), s.(map[string]any), out)
	case classArray:
		diffArrays(path, p.([]any), s.([]any), out)
	case classInteger, classFloat:
		if !numbersEqual(p.(json.Number), s.(json.Number), pc) {
			*out = append(*out, model.DiffEntry{Path: path, Primary: p, Secondary: s, Kind: model.DiffValue})
		}
	case classNull:
	default:
		if p != s {
			*out = append(*out, model.DiffEntry{Path: path, Primary: p, Secondary: s, Kind: model.DiffValue})
		}
	}
}

func diffObjects(path string, p, s map[string]any, out *[]model.DiffEntry) {
	keys := make([]string, 0, len(p)+len(s))
	for k := range p {
		keys = append(keys, k)
	}
	for k := range s {
		if _, ok := p[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		child := path + "/" + rules.EscapeSegment(k)
		pv, inP := p[k]
		sv, inS := s[k]
		switch {
		case !inP:
			*out = append(*out, model.DiffEntry{Path: child, Primary: model.Absent, Secondary: sv, Kind: model.DiffMissingInPrimary})
		case !inS:
			*out = append(*out, model.DiffEntry{Path: child, Primary: pv, Secondary: model.Absent, Kind: model.DiffMissingInSecondary})
		default:
			diffNode(child, pv, sv, out)
		}
	}
}

func diffArrays(path string, p, s []any, out *[]model.DiffEntry) {
	n := max(len(p), len(s))
	for i := 0; i < n; i++ {
		child := path + "/" + strconv.Itoa(i)
		switch {
		case i >= len(p):
			*out = append(*out, model.DiffEntry{Path: child, Primary: model.Absent, Secondary: s[i], Kind: model.DiffMissingInPrimary})
		case i >= len(s):
			*out = append(*out, model.DiffEntry{Path: child, Primary: p[i], Secondary: model.Absent, Kind: model.DiffMissingInSecondary})
		default:
			diffNode(child, p[i], s[i], out)
		}
	}
}
