package docker

import "testing"

func TestTrimLeadingSlash(t *testing.T) {
	cases := map[string]string{
		"/ci-runner-1": "ci-runner-1",
		"ci-runner-2":  "ci-runner-2",
		"":             "",
		"/":            "",
	}
	for in, want := range cases {
		if got := trimLeadingSlash(in); got != want {
			t.Errorf("trimLeadingSlash(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestContainsConflict(t *testing.T) {
	cases := []struct {
		msg  string
		want bool
	}{
		{"Conflict. The container name \"/ci-runner-1\" is already in use", true},
		{"Error response from daemon: Conflict", true},
		{"no such image", false},
		{"context deadline exceeded", false},
	}
	for _, c := range cases {
		if got := containsConflict(c.msg); got != c.want {
			t.Errorf("containsConflict(%q) = %v, want %v", c.msg, got, c.want)
		}
	}
}
