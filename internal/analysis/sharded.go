package analysis

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// Sharded analysis files follow the "<base>-NNNNN-of-NNNNN<ext>" naming
// convention. A spec of "<base>@N<ext>" expands to the N shard files; a
// spec of "<base>@*<ext>" globs whatever shards are present on disk.
func shardedFilenames(spec string) ([]string, error) {
	at := strings.LastIndex(spec, "@")
	if at < 0 {
		return nil, errNotSharded
	}
	base := spec[:at]
	rest := spec[at+1:]
	ext := ""
	if dot := strings.Index(rest, "."); dot >= 0 {
		ext = rest[dot:]
		rest = rest[:dot]
	}

	if rest == "*" {
		pattern := fmt.Sprintf("%s-*-of-*%s", base, ext)
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, outputErrorf("bad sharded pattern `%s`: %v", spec, err)
		}
		if len(matches) == 0 {
			return nil, outputErrorf("no shards matching `%s`", pattern)
		}
		return matches, nil
	}

	count, err := strconv.Atoi(rest)
	if err != nil || count <= 0 {
		return nil, outputErrorf("bad shard count in `%s`", spec)
	}
	names := make([]string, count)
	for i := 0; i < count; i++ {
		names[i] = fmt.Sprintf("%s-%05d-of-%05d%s", base, i, count, ext)
	}
	return names, nil
}
