// Copyright 2024 LatentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"fmt"
	"path"
	"strings"
)

// Remote object keys are slash separated regardless of the host OS,
// so these helpers use package path rather than filepath.

// NormalizeKey cleans an object key, removing leading/trailing slashes.
// The root key is the empty string.
func NormalizeKey(key string) string {
	key = path.Clean("/" + key)
	key = strings.TrimPrefix(key, "/")
	return key
}

// ValidateKey normalizes key and rejects keys that climb out of the root.
func ValidateKey(key string) (string, error) {
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return "", fmt.Errorf("%w: %q", ErrInvalidPath, key)
		}
	}
	return NormalizeKey(key), nil
}

// SplitKey splits a key into its components
func SplitKey(key string) []string {
	key = NormalizeKey(key)
	if key == "" {
		return nil
	}
	return strings.Split(key, "/")
}

// JoinKey joins key components
func JoinKey(parts ...string) string {
	return NormalizeKey(path.Join(parts...))
}

// ParentKey returns the parent of a key, "" for top-level keys.
func ParentKey(key string) string {
	key = NormalizeKey(key)
	if key == "" {
		return ""
	}
	dir := path.Dir(key)
	if dir == "." {
		return ""
	}
	return dir
}

// BaseName returns the last component of a key
func BaseName(key string) string {
	key = NormalizeKey(key)
	if key == "" {
		return ""
	}
	return path.Base(key)
}
