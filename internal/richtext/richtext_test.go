package richtext

import (
	"strings"
	"testing"
)

func TestText(t *testing.T) {
	t.Parallel()

	cases := []struct {
		input string
		want  string
	}{
		{"", ""},
		{"   ", ""},
		{"plain words", "plain words"},
		{"<p>Hello</p><p>World</p>", "Hello World"},
		{"<div>Read <b>chapter 3</b><br>and answer</div>", "Read chapter 3 and answer"},
		{"<p>x</p><script>alert(1)</script><style>p{}</style>", "x"},
		{"<ul><li>one</li><li>two</li></ul>", "one two"},
	}
	for _, tc := range cases {
		if got := Text(tc.input); got != tc.want {
			t.Fatalf("Text(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestLengthIgnoresMarkup(t *testing.T) {
	t.Parallel()

	body := strings.Repeat("a", 50)
	html := `<p style="color: red; font-family: serif">` + body + `</p>`
	if got := Length(html); got != 50 {
		t.Fatalf("Length() = %d, want 50", got)
	}
	if got := Length("héllo"); got != 5 {
		t.Fatalf("Length() counts runes, got %d", got)
	}
}
