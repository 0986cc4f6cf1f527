package local

import (
	"os"
	"path"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"
	ignore "github.com/sabhiram/go-gitignore"
	log "github.com/sirupsen/logrus"

	"cloudcache/internal/common"
)

// IgnoreFileName holds gitignore-style rules for the directory it sits in.
const IgnoreFileName = ".cloudcacheignore"

// Filter reports whether a key is visible through the provider.
type Filter func(key string, isDir bool) bool

// BuildFilter creates a Filter that:
// 1. Always hides ignore files themselves
// 2. Checks excludes (force-exclude, highest priority)
// 3. Checks includes (force-include, overrides ignore files)
// 4. Applies ignore file rules when enabled
func BuildFilter(fs billy.Filesystem, ignoreEnabled bool, includes, excludes []string) Filter {
	var matcher *ignoreMatcher
	if ignoreEnabled {
		var err error
		matcher, err = newIgnoreMatcher(fs)
		if err != nil {
			log.WithError(err).Warn("local: failed to build ignore matcher")
		}
	}

	return func(key string, isDir bool) bool {
		if path.Base(key) == IgnoreFileName {
			return false
		}
		for _, exc := range excludes {
			if hasKeyPrefix(key, exc) {
				return false
			}
		}
		for _, inc := range includes {
			if hasKeyPrefix(key, inc) {
				return true
			}
		}
		if matcher != nil && matcher.isIgnored(key, isDir) {
			return false
		}
		return true
	}
}

func hasKeyPrefix(key, prefix string) bool {
	return key == prefix || strings.HasPrefix(key, prefix+"/")
}

// ignoreMatcher collects ignore rules from the whole tree
type ignoreMatcher struct {
	matchers []scopedMatcher
}

type scopedMatcher struct {
	dirPrefix string
	ignore    *ignore.GitIgnore
}

func newIgnoreMatcher(fs billy.Filesystem) (*ignoreMatcher, error) {
	m := &ignoreMatcher{}

	err := util.Walk(fs, "/", func(p string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if path.Base(p) != IgnoreFileName {
			return nil
		}

		data, readErr := util.ReadFile(fs, p)
		if readErr != nil {
			return nil
		}

		dir := common.NormalizeKey(path.Dir(p))
		m.matchers = append(m.matchers, scopedMatcher{
			dirPrefix: dir,
			ignore:    ignore.CompileIgnoreLines(strings.Split(string(data), "\n")...),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *ignoreMatcher) isIgnored(key string, isDir bool) bool {
	if m == nil || len(m.matchers) == 0 {
		return false
	}

	checkPath := key
	if isDir {
		checkPath = key + "/"
	}

	for _, sm := range m.matchers {
		pathToCheck := checkPath
		if sm.dirPrefix != "" {
			prefix := sm.dirPrefix + "/"
			if !strings.HasPrefix(key, prefix) {
				continue
			}
			pathToCheck = strings.TrimPrefix(checkPath, prefix)
		}
		if sm.ignore.MatchesPath(pathToCheck) {
			return true
		}
	}
	return false
}
