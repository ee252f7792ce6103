package normalize

import "testing"

func TestNormalizer_CanonicalizeAppliesAliasAndCase(t *testing.T) {
	n := New(nil)
	cases := map[string]string{
		"  GPT-4O-Mini  ":      "gpt-4o-mini",
		"openai/gpt-4o-mini":   "gpt-4o-mini",
		"OpenAI/GPT-4o-mini":   "gpt-4o-mini",
		"mistralai/mistral-large": "mistral-large",
		"claude-3-opus":        "claude-3-opus",
	}
	for in, want := range cases {
		if got := n.Canonicalize(in); got != want {
			t.Errorf("Canonicalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestNormalizer_UnknownModelPassesThroughLowercased(t *testing.T) {
	n := New(nil)
	if got, want := n.Canonicalize("Some-Custom-Model"), "some-custom-model"; got != want {
		t.Errorf("Canonicalize(unknown) = %q, want %q", got, want)
	}
}

func TestNormalizer_AliasTableHashStableAndSensitive(t *testing.T) {
	a := New(map[string]string{"x": "y"})
	b := New(map[string]string{"x": "y"})
	if a.AliasTableHash() != b.AliasTableHash() {
		t.Fatal("identical tables should hash identically")
	}

	c := New(map[string]string{"x": "z"})
	if a.AliasTableHash() == c.AliasTableHash() {
		t.Fatal("different tables should hash differently")
	}

	// Hash is memoized and stable across repeated calls.
	h1 := a.AliasTableHash()
	h2 := a.AliasTableHash()
	if h1 != h2 {
		t.Fatal("AliasTableHash() should be stable across calls")
	}
}
