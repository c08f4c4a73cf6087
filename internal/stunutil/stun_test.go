package stunutil

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	if got := Classify([]string{"1.2.3.4:1"}); got != NATTypeUnknown {
		t.Fatalf("got=%q", got)
	}
	if got := Classify([]string{"1.2.3.4:1", "1.2.3.4:1"}); got != NATTypeConeOrRestricted {
		t.Fatalf("got=%q", got)
	}
	if got := Classify([]string{"1.2.3.4:1", "1.2.3.4:1", "1.2.3.4:2"}); got != NATTypeSymmetric {
		t.Fatalf("got=%q", got)
	}
}

func TestProbe_NoServers(t *testing.T) {
	t.Parallel()

	res, err := Probe(context.Background(), nil, time.Second)
	if !errors.Is(err, ErrNoServers) {
		t.Fatalf("err=%v", err)
	}
	if res.NATType != NATTypeUnknown {
		t.Fatalf("nat=%q", res.NATType)
	}
}

func TestProbe_InvalidServerFails(t *testing.T) {
	t.Parallel()

	_, err := Probe(context.Background(), []string{"  "}, time.Second)
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestNormalizeURI(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"stun.l.google.com:19302":      "stun:stun.l.google.com:19302",
		"stun:stun.example.org":        "stun:stun.example.org",
		" stuns:stun.example.org:5349": "stuns:stun.example.org:5349",
	}
	for in, want := range cases {
		got, err := normalizeURI(in)
		if err != nil {
			t.Fatalf("%q: %v", in, err)
		}
		if got != want {
			t.Fatalf("%q: got=%q want=%q", in, got, want)
		}
	}
}
