package keyspec

import "testing"

// FuzzResolve exercises canonical-key concatenation over arbitrary string
// segments: Resolve of all-static string parts must always succeed and must
// equal plain concatenation, with no separator inserted and no panic on any
// input (including empty segments and segments containing bytes that could
// be mistaken for a separator).
func FuzzResolve(f *testing.F) {
	f.Add("", "")
	f.Add("/api/", "users")
	f.Add("a:b:", "c")
	f.Add("\x00", "\xff")

	f.Fuzz(func(t *testing.T, a, b string) {
		key, ok := Resolve([]KeyPart{Static(a), Static(b)})
		if !ok {
			t.Fatalf("static string parts must never disable the key: %q, %q", a, b)
		}
		if want := a + b; key != want {
			t.Fatalf("Resolve(%q, %q) = %q, want %q", a, b, key, want)
		}
	})
}
