// Copyright 2025 StreamNative, Inc.
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

package model

import (
	"strings"

	"github.com/pkg/errors"
)

var ErrInvalidServiceUnitID = errors.New("model: invalid service unit id")

// ServiceUnitID identifies a namespace bundle:
// property/cluster/namespace/0xHHHHHHHH_0xHHHHHHHH. The hash-range
// token is treated as opaque.
type ServiceUnitID string

// ParseServiceUnitID validates the four-segment shape of a bundle id.
func ParseServiceUnitID(s string) (ServiceUnitID, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 4 {
		return "", errors.Wrap(ErrInvalidServiceUnitID, s)
	}
	for _, part := range parts {
		if part == "" {
			return "", errors.Wrap(ErrInvalidServiceUnitID, s)
		}
	}
	return ServiceUnitID(s), nil
}

func (u ServiceUnitID) String() string {
	return string(u)
}

// Namespace is the prefix up to the last '/'.
func (u ServiceUnitID) Namespace() string {
	idx := strings.LastIndexByte(string(u), '/')
	if idx < 0 {
		return string(u)
	}
	return string(u)[:idx]
}

// Range is the hash-range token after the last '/'.
func (u ServiceUnitID) Range() string {
	idx := strings.LastIndexByte(string(u), '/')
	if idx < 0 {
		return ""
	}
	return string(u)[idx+1:]
}
