// Copyright (c) 2024 Fantom Foundation
//
// Use of this software is governed by the Business Source License included
// in the LICENSE file and at fantom.foundation/bsl11.
//
// Change Date: 2028-4-16
//
// On the date above, in accordance with the Business Source License, use of
// this software will be governed by the GNU Lesser General Public License v3.

package trie

import (
	"testing"
)

func TestPath_AppendAndGet(t *testing.T) {
	path := NewPath(1, 2, 3)
	if path.Length() != 3 {
		t.Fatalf("unexpected length %d", path.Length())
	}
	for i, want := range []Nibble{1, 2, 3} {
		if got := path.Get(i); got != want {
			t.Errorf("unexpected nibble at %d: wanted %v, got %v", i, want, got)
		}
	}
	if path.Get(3) != 0 || path.Get(-1) != 0 {
		t.Errorf("positions outside the path should be zero")
	}
	extended := path.Append(4)
	if path.Length() != 3 || extended.Length() != 4 {
		t.Errorf("append should not modify the original path")
	}
}

func TestPath_EqualPathsAreEqualValues(t *testing.T) {
	a := NewPath(1, 2).Append(3)
	b := NewPath().AppendAll([]Nibble{1, 2, 3})
	if a != b {
		t.Errorf("paths with equal nibbles should be equal: %v vs %v", a, b)
	}
	set := map[Path]bool{a: true}
	if !set[b] {
		t.Errorf("paths should be usable as map keys")
	}
}

func TestPath_Compare(t *testing.T) {
	tests := []struct {
		a, b Path
		want int
	}{
		{NewPath(), NewPath(), 0},
		{NewPath(), NewPath(0), -1},
		{NewPath(1), NewPath(0, 5), 1},
		{NewPath(1, 2), NewPath(1, 2), 0},
		{NewPath(1, 2), NewPath(1, 3), -1},
		{NewPath(1, 2, 0), NewPath(1, 2), 1},
	}
	for _, test := range tests {
		if got := test.a.Compare(test.b); got != test.want {
			t.Errorf("compare %v with %v: wanted %d, got %d", test.a, test.b, test.want, got)
		}
	}
}

func TestPath_IsPrefixOf(t *testing.T) {
	if !NewPath().IsPrefixOf(NewPath(1)) || !NewPath(1, 2).IsPrefixOf(NewPath(1, 2, 3)) {
		t.Errorf("expected prefix relation")
	}
	if NewPath(1, 3).IsPrefixOf(NewPath(1, 2, 3)) || NewPath(1, 2).IsPrefixOf(NewPath(1)) {
		t.Errorf("unexpected prefix relation")
	}
}

func TestPath_BytesRoundTrip(t *testing.T) {
	for length := 0; length <= MaxPathLength; length++ {
		path := Path{}
		for i := 0; i < length; i++ {
			path = path.Append(Nibble(i % 16))
		}
		restored, err := PathFromBytes(path.Bytes())
		if err != nil {
			t.Fatalf("failed to decode path of length %d: %v", length, err)
		}
		if restored != path {
			t.Errorf("round trip failed: %v vs %v", path, restored)
		}
	}
	if _, err := PathFromBytes([]byte{3, 0x12}); err == nil {
		t.Errorf("truncated encoding should be rejected")
	}
	if _, err := PathFromBytes([]byte{1, 0x12}); err == nil {
		t.Errorf("non-zero padding should be rejected")
	}
}

func TestPath_ParseAndString(t *testing.T) {
	for _, s := range []string{"-empty-", "0", "1a", "abcdef0123"} {
		path, err := ParsePath(s)
		if err != nil {
			t.Fatalf("failed to parse %q: %v", s, err)
		}
		if got := path.String(); got != s {
			t.Errorf("unexpected string, wanted %q, got %q", s, got)
		}
	}
	if _, err := ParsePath("1g"); err == nil {
		t.Errorf("invalid nibbles should be rejected")
	}
}
