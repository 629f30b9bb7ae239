package types

import (
	"path"
	"strings"
)

// JoinPaths joins a base directory and a child path without doubling
// separators when the base already ends with one. The result keeps the
// separator style of the base (remote clients may be on Windows).
func JoinPaths(base, child string) string {
	if base == "" {
		return child
	}
	if child == "" {
		return base
	}

	sep := "/"
	if strings.Contains(base, "\\") && !strings.Contains(base, "/") {
		sep = "\\"
	}

	base = strings.TrimRight(base, "/\\")
	child = strings.TrimLeft(child, "/\\")
	return base + sep + child
}

// RemapRemotePath applies the first mapping whose remote prefix matches.
// Mappings with longer prefixes win so nested shares map correctly.
func RemapRemotePath(p string, mappings []RemotePathMapping) string {
	if p == "" {
		return p
	}

	best := -1
	bestLen := 0
	for i, m := range mappings {
		remote := strings.TrimRight(m.RemotePath, "/\\")
		if remote == "" {
			continue
		}
		if hasPathPrefix(p, remote) && len(remote) > bestLen {
			best = i
			bestLen = len(remote)
		}
	}
	if best < 0 {
		return p
	}

	rest := strings.TrimLeft(p[bestLen:], "/\\")
	if rest == "" {
		return strings.TrimRight(mappings[best].LocalPath, "/\\")
	}
	return JoinPaths(mappings[best].LocalPath, rest)
}

func hasPathPrefix(p, prefix string) bool {
	if !strings.HasPrefix(strings.ToLower(p), strings.ToLower(prefix)) {
		return false
	}
	if len(p) == len(prefix) {
		return true
	}
	next := p[len(prefix)]
	return next == '/' || next == '\\'
}

// ResolveOutputPath reduces a completed download's declared root and its
// content file list to the path callers should import from:
// exactly one file resolves to that file; multiple files sharing one
// top-level directory resolve to that directory; anything else stays at the
// declared root.
func ResolveOutputPath(root string, files []string) string {
	switch len(files) {
	case 0:
		return root
	case 1:
		return JoinPaths(root, files[0])
	}

	top := topLevelDir(files[0])
	if top == "" {
		return root
	}
	for _, f := range files[1:] {
		if topLevelDir(f) != top {
			return root
		}
	}
	return JoinPaths(root, top)
}

func topLevelDir(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.TrimLeft(path.Clean(p), "/")
	if idx := strings.IndexByte(p, '/'); idx > 0 {
		return p[:idx]
	}
	return ""
}

// MatchesAllTags reports whether an item's labels include every configured
// tag. Partial matches are excluded, not included.
func MatchesAllTags(itemTags []string, required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(itemTags))
	for _, t := range itemTags {
		have[strings.ToLower(strings.TrimSpace(t))] = struct{}{}
	}
	for _, r := range required {
		if _, ok := have[strings.ToLower(strings.TrimSpace(r))]; !ok {
			return false
		}
	}
	return true
}
