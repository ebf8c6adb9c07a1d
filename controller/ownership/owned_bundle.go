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

package ownership

import (
	"sync/atomic"

	"github.com/streamnative/loadmanager/controller/model"
)

// NamespaceRoot is the coordination-store prefix holding the per-bundle
// ephemeral ownership nodes.
const NamespaceRoot = "/namespace"

func PathFor(serviceUnit model.ServiceUnitID) string {
	return NamespaceRoot + "/" + serviceUnit.String()
}

// EphemeralOwner is the payload of a bundle's ownership node.
type EphemeralOwner struct {
	NativeURL    string `json:"nativeUrl"`
	NativeURLTLS string `json:"nativeUrlTls"`
	HTTPURL      string `json:"httpUrl"`
	HTTPURLTLS   string `json:"httpUrlTls"`
	Disabled     bool   `json:"disabled"`
}

// OwnedBundle is a service unit held by the local broker. An inactive
// bundle keeps the coordination-store lock but no longer accepts
// traffic, which is the graceful-handover state.
type OwnedBundle struct {
	serviceUnit model.ServiceUnitID
	active      atomic.Bool
}

func newOwnedBundle(serviceUnit model.ServiceUnitID) *OwnedBundle {
	b := &OwnedBundle{serviceUnit: serviceUnit}
	b.active.Store(true)
	return b
}

func (b *OwnedBundle) ServiceUnit() model.ServiceUnitID {
	return b.serviceUnit
}

func (b *OwnedBundle) IsActive() bool {
	return b.active.Load()
}
