package memory

import (
	"context"
	"testing"
)

func TestLastPartnerRoundtrip(t *testing.T) {
	c := New()
	defer c.Close()
	ctx := context.Background()

	got, err := c.LastPartner(ctx, 1)
	if err != nil {
		t.Fatalf("LastPartner: %v", err)
	}
	if got != 0 {
		t.Errorf("LastPartner before any set = %d, want 0", got)
	}

	if err := c.SetLastPartner(ctx, 1, 42); err != nil {
		t.Fatalf("SetLastPartner: %v", err)
	}
	if err := c.SetLastPartner(ctx, 2, 7); err != nil {
		t.Fatalf("SetLastPartner: %v", err)
	}

	got, err = c.LastPartner(ctx, 1)
	if err != nil {
		t.Fatalf("LastPartner: %v", err)
	}
	if got != 42 {
		t.Errorf("LastPartner(1) = %d, want 42", got)
	}

	if err := c.SetLastPartner(ctx, 1, 43); err != nil {
		t.Fatalf("SetLastPartner: %v", err)
	}
	got, _ = c.LastPartner(ctx, 1)
	if got != 43 {
		t.Errorf("LastPartner(1) after overwrite = %d, want 43", got)
	}
}
