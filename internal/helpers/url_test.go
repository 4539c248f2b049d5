package helpers

import (
	"reflect"
	"testing"
)

func TestCitationKey(t *testing.T) {
	cases := map[string]string{
		"HTTPS://Example.com:443/a?utm_source=x&b=2&a=1#frag": "https://example.com/a?a=1&b=2",
		"http://example.com/":                                 "http://example.com",
		"not a url":                                           "not a url",
	}
	for in, want := range cases {
		if got := CitationKey(in); got != want {
			t.Fatalf("CitationKey(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDedupeURLsPreservesOrder(t *testing.T) {
	in := []string{
		"https://b.example/x",
		"https://a.example/y?utm_campaign=z",
		"",
		"https://B.example/x#section",
		"https://a.example/y",
	}
	want := []string{"https://b.example/x", "https://a.example/y?utm_campaign=z"}
	if got := DedupeURLs(in); !reflect.DeepEqual(got, want) {
		t.Fatalf("DedupeURLs = %v, want %v", got, want)
	}
}
