package stunutil

import (
	"context"
	"testing"
	"time"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	if got := Classify([]string{"1.2.3.4:1"}); got != NATUnknown {
		t.Fatalf("got=%q", got)
	}
	if got := Classify([]string{"1.2.3.4:1", "1.2.3.4:1"}); got != NATStable {
		t.Fatalf("got=%q", got)
	}
	if got := Classify([]string{"1.2.3.4:1", "1.2.3.4:2"}); got != NATSymmetric {
		t.Fatalf("got=%q", got)
	}
}

func TestProbe_AllServersFail(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := Probe(ctx, []string{" ", "stun:"}, 200*time.Millisecond)
	if err == nil {
		t.Fatalf("expected error, got %+v", res)
	}
	if res.NAT != NATUnknown || res.Host != "" {
		t.Fatalf("result=%+v", res)
	}
}
