// Copyright 2024 The Flowdev Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//   http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package core

import (
	"testing"

	"github.com/google/uuid"
)

func TestFlowRegistryPutReplace(t *testing.T) {
	fr := newFlowRegistry()
	id := uuid.New()

	first := &OffloadRecord{FlowID: id, Capacity: 1}
	if old, had := fr.put(first); had || old != nil {
		t.Fatalf("put(first) = %v, %v, want nil, false", old, had)
	}

	second := &OffloadRecord{FlowID: id, Capacity: 2}
	old, had := fr.put(second)
	if !had || old != first {
		t.Fatalf("put(second) = %v, %v, want the first record, true", old, had)
	}

	got, ok := fr.get(id)
	if !ok || got != second {
		t.Fatalf("get(id) = %v, %v, want the second record", got, ok)
	}
}

func TestFlowRegistryRemoveAndAll(t *testing.T) {
	fr := newFlowRegistry()
	a := &OffloadRecord{FlowID: uuid.New()}
	b := &OffloadRecord{FlowID: uuid.New()}
	fr.put(a)
	fr.put(b)

	if all := fr.all(); len(all) != 2 {
		t.Fatalf("all() = %d records, want 2", len(all))
	}

	removed, ok := fr.remove(a.FlowID)
	if !ok || removed != a {
		t.Fatalf("remove(a) = %v, %v, want a, true", removed, ok)
	}
	if _, ok := fr.get(a.FlowID); ok {
		t.Errorf("get(a) after remove: still present")
	}
	if all := fr.all(); len(all) != 1 || all[0] != b {
		t.Fatalf("all() after remove = %v, want [b]", all)
	}
}

func TestFlowIndexSetLookupDelete(t *testing.T) {
	fi := newFlowIndex()
	id := uuid.New()

	fi.set(id, 7)
	port, ok := fi.lookup(id)
	if !ok || port != 7 {
		t.Fatalf("lookup(id) = %v, %v, want 7, true", port, ok)
	}

	fi.delete(id)
	if _, ok := fi.lookup(id); ok {
		t.Errorf("lookup(id) after delete: still present")
	}
}
