package folder

import "testing"

func TestValidateAccepts(t *testing.T) {
	for _, name := range []string{"widgets", "my-repo_2", "a.b.c", "X"} {
		if err := Validate(name); err != nil {
			t.Errorf("expected %q to be valid, got %v", name, err)
		}
	}
}

func TestValidateRejects(t *testing.T) {
	cases := []string{
		"",
		"main",
		"..",
		"../escape",
		"has/slash",
		"has spaces",
		"semi;colon",
		string(make([]byte, 200)),
	}
	for _, name := range cases {
		if err := Validate(name); err == nil {
			t.Errorf("expected %q to be rejected", name)
		}
	}
}
