package helpers

import "testing"

func TestSanitizeHTMLStrict_RemovesTagsAndScripts(t *testing.T) {
	input := `<p>Hello <strong>world</strong><script>alert('x')</script></p>`
	got := SanitizeHTMLStrict(input)
	want := "Hello world"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}

func TestSanitizeHTMLStrict_Blank(t *testing.T) {
	if got := SanitizeHTMLStrict("   \n"); got != "" {
		t.Fatalf("expected empty string, got %q", got)
	}
}
