package main

import "testing"

func TestParseParams(t *testing.T) {
	params, err := parseParams([]string{
		"birthdate=ge2020-01-01",
		"status=final",
		"code=http://loinc.org|8867-4",
	})
	if err != nil {
		t.Fatalf("parseParams() error = %v", err)
	}

	if got := params.Get("birthdate"); got != "ge2020-01-01" {
		t.Errorf("birthdate = %q, want ge2020-01-01", got)
	}
	if got := params.Get("status"); got != "final" {
		t.Errorf("status = %q, want final", got)
	}
	if got := params.Get("code"); got != "http://loinc.org|8867-4" {
		t.Errorf("code = %q, value after first = must survive", got)
	}
}

func TestParseParams_Repeated(t *testing.T) {
	params, err := parseParams([]string{"_tag=a", "_tag=b"})
	if err != nil {
		t.Fatalf("parseParams() error = %v", err)
	}
	if got := len(params["_tag"]); got != 2 {
		t.Errorf("got %d values for _tag, want 2", got)
	}
}

func TestParseParams_Invalid(t *testing.T) {
	for _, in := range []string{"no-equals", "=value"} {
		if _, err := parseParams([]string{in}); err == nil {
			t.Errorf("parseParams(%q) error = nil, want error", in)
		}
	}
}
