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

import "errors"

var (
	ErrNotFound           = errors.New("not found")
	ErrStoreUnavailable   = errors.New("persistent store unavailable")
	ErrContentUnavailable = errors.New("content cache unavailable")
	ErrQueueUnavailable   = errors.New("sync queue unavailable")
	ErrContentTooLarge    = errors.New("content exceeds cache budget")
	ErrNoProvider         = errors.New("no provider connected")
	ErrUnsupported        = errors.New("operation not supported")
	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrInvalidPath        = errors.New("invalid path")
)
