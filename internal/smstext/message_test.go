package smstext

import (
	"strings"
	"testing"
)

func TestCalculateParts_ASCII(t *testing.T) {
	cases := []struct {
		length int
		want   int
	}{
		{160, 1},
		{161, 2},
		{306, 2},
		{307, 3},
		{1, 1},
	}

	for _, tc := range cases {
		body := strings.Repeat("a", tc.length)
		if got := CalculateParts(body); got != tc.want {
			t.Errorf("len=%d: got %d parts, want %d", tc.length, got, tc.want)
		}
	}
}

func TestCalculateParts_Unicode(t *testing.T) {
	// One non-ASCII rune forces UCS-2 encoding for the whole body.
	base := strings.Repeat("a", 69) + "é"
	if got := CalculateParts(base); got != 1 {
		t.Errorf("70-char unicode body: got %d parts, want 1", got)
	}

	long := strings.Repeat("a", 70) + "é"
	if got := CalculateParts(long); got != 2 {
		t.Errorf("71-char unicode body: got %d parts, want 2", got)
	}
}

func TestAppendOptOut(t *testing.T) {
	got := AppendOptOut("Sale on now!")
	if !strings.HasSuffix(got, "Reply STOP to opt out.") {
		t.Errorf("missing opt-out suffix: %q", got)
	}
}

func TestRenderTemplate(t *testing.T) {
	body := RenderTemplate("Hi {{firstName}}, see {{ link }}", map[string]string{
		"firstName": "Ada",
		"link":      "https://s.ms/abc",
	})
	want := "Hi Ada, see https://s.ms/abc"
	if body != want {
		t.Errorf("got %q, want %q", body, want)
	}
}

func TestRenderTemplate_UnknownVariable(t *testing.T) {
	if got := RenderTemplate("Hi {{nope}}!", nil); got != "Hi !" {
		t.Errorf("unknown variable should render empty, got %q", got)
	}
}

func TestStopKeywords(t *testing.T) {
	for _, body := range []string{"STOP", "stop", "  stop  ", "Unsubscribe", "OPT OUT"} {
		if !IsStopKeyword(body) {
			t.Errorf("%q should be a stop keyword", body)
		}
	}
	for _, body := range []string{"please stop", "stopping", "hello"} {
		if IsStopKeyword(body) {
			t.Errorf("%q should not be a stop keyword", body)
		}
	}
}

func TestStartKeywords(t *testing.T) {
	for _, body := range []string{"START", "start", " yes ", "UNSTOP"} {
		if !IsStartKeyword(body) {
			t.Errorf("%q should be a start keyword", body)
		}
	}
	if IsStartKeyword("restart") {
		t.Error("\"restart\" should not be a start keyword")
	}
}

func TestNormalizePhone(t *testing.T) {
	got, err := NormalizePhone("0412 345 678", "AU")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "+61412345678" {
		t.Errorf("got %q, want +61412345678", got)
	}
}

func TestNormalizePhone_Invalid(t *testing.T) {
	if _, err := NormalizePhone("12", "AU"); err == nil {
		t.Error("expected error for invalid number")
	}
}
