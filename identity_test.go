package jwc

import "testing"

func TestBotIdentityDecodesFirstSegment(t *testing.T) {
	token := "MTIzNDU2Nzg5MDEyMzQ1Njc4.timestampseg.hmacsegmentvalue"

	id, err := botIdentity(token)
	if err != nil {
		t.Fatalf("botIdentity: %v", err)
	}
	if id != "123456789012345678" {
		t.Errorf("id = %q, want 123456789012345678", id)
	}
}

func TestBotIdentityRejectsWrongSegmentCount(t *testing.T) {
	if _, err := botIdentity("onlyonesegment"); err == nil {
		t.Fatal("expected error for missing segments")
	}
	if _, err := botIdentity("a.b"); err == nil {
		t.Fatal("expected error for two segments")
	}
	if _, err := botIdentity("a.b.c.d"); err == nil {
		t.Fatal("expected error for four segments")
	}
}

func TestBotIdentityRejectsInvalidBase64(t *testing.T) {
	if _, err := botIdentity("not valid base64!!.b.c"); err == nil {
		t.Fatal("expected error for invalid base64 first segment")
	}
}

func TestBotIdentityRejectsNonDecimalPayload(t *testing.T) {
	// "hello" base64-encoded, not a decimal bot ID.
	token := "aGVsbG8.b.c"
	if _, err := botIdentity(token); err == nil {
		t.Fatal("expected error for non-decimal decoded payload")
	}
}
