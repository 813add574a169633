// Package scope implements the gitignore-style scope matcher worker
// results are checked against: an empty pattern list permits every file,
// and patterns like "src/**" match "src/a/b.py" per spec's Design Notes.
package scope

import gitignore "github.com/sabhiram/go-gitignore"

// OutOfScope returns the subset of files that do not match any of
// patterns. An empty patterns list means no file is out of scope.
func OutOfScope(files, patterns []string) []string {
	if len(files) == 0 || len(patterns) == 0 {
		return nil
	}

	matcher := gitignore.CompileIgnoreLines(patterns...)

	var out []string
	for _, f := range files {
		if !matcher.MatchesPath(f) {
			out = append(out, f)
		}
	}
	return out
}
