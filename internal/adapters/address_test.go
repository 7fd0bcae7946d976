package adapters

import (
	"errors"
	"testing"
)

func TestAddress(t *testing.T) {
	cases := []struct {
		in      string
		want    string
		ignored bool
	}{
		{in: "5511999990000@s.whatsapp.net", want: "5511999990000"},
		{in: "5511999990000:12@s.whatsapp.net", want: "5511999990000"},
		{in: "+55 (11) 99999-0000", want: "5511999990000"},
		{in: "120363040000000000@g.us", ignored: true},
		{in: "status@broadcast", ignored: true},
	}
	for _, tc := range cases {
		got, err := Address(tc.in)
		if tc.ignored {
			if !errors.Is(err, ErrIgnoredChat) {
				t.Fatalf("%s: expected ErrIgnoredChat, got %q, %v", tc.in, got, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("%s: got %q, want %q", tc.in, got, tc.want)
		}
	}

	if _, err := Address("  "); err == nil {
		t.Fatalf("expected error for empty address")
	}
}
