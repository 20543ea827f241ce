package helpers

import "testing"

func TestPlainText(t *testing.T) {
	cases := []struct {
		name, in, want string
	}{
		{"tags and scripts", `<p>Hello <strong>world</strong><script>alert('x')</script></p>`, "Hello world"},
		{"entities", `<p>Fish &amp; chips</p>`, "Fish & chips"},
		{"plain passes through", "Opening hours: 9 to 5", "Opening hours: 9 to 5"},
		{"paragraphs", "line one\n\n\n  line   two  ", "line one\n\nline two"},
		{"adjacent blocks", `<li>first</li><li>second</li>`, "first second"},
		{"empty", "   ", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := PlainText(tc.in); got != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, got)
			}
		})
	}
}

func TestNormalizeSpaceDropsLeadingBlankLines(t *testing.T) {
	if got := NormalizeSpace("\n\n  a\tb\r\nc"); got != "a b\nc" {
		t.Fatalf("got %q", got)
	}
}
