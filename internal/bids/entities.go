// Package bids indexes the parts of a Brain Imaging Data Structure
// dataset the gradient pipeline queries: filename entities, suffixes,
// extensions and datatype directories.
package bids

import "strings"

// entityKeys maps the long query names onto the short keys used in
// filenames. Names missing from the map are their own key.
var entityKeys = map[string]string{
	"subject":        "sub",
	"session":        "ses",
	"acquisition":    "acq",
	"reconstruction": "rec",
	"direction":      "dir",
	"processing":     "proc",
	"description":    "desc",
}

// EntityKey resolves a query name like "subject" to the filename key
// "sub".
func EntityKey(name string) string {
	if key, ok := entityKeys[name]; ok {
		return key
	}
	return name
}

// ParseName splits a BIDS filename into entities, suffix and extension.
// The extension starts at the first dot, each underscore separated part
// holds a dash separated key-value pair, and a trailing part without a
// dash is the suffix. ok is false for names that do not follow that
// shape.
func ParseName(name string) (entities map[string]string, suffix, extension string, ok bool) {
	stem := name
	if i := strings.Index(name, "."); i >= 0 {
		stem, extension = name[:i], name[i:]
	}
	if stem == "" {
		return nil, "", "", false
	}

	parts := strings.Split(stem, "_")
	last := len(parts) - 1
	if !strings.Contains(parts[last], "-") {
		suffix = parts[last]
		parts = parts[:last]
	}
	entities = make(map[string]string, len(parts))
	for _, part := range parts {
		key, value, found := strings.Cut(part, "-")
		if !found || key == "" || value == "" {
			return nil, "", "", false
		}
		entities[key] = value
	}
	return entities, suffix, extension, true
}

// NormalizeExtension adds the leading dot filenames carry, so "nii.gz"
// and ".nii.gz" select the same files.
func NormalizeExtension(ext string) string {
	if ext == "" || strings.HasPrefix(ext, ".") {
		return ext
	}
	return "." + ext
}
