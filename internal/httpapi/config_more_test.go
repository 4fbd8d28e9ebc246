package httpapi

import "testing"

func TestSetMaxBodyBytes_DefaultWhenNonPositive(t *testing.T) {
	SetMaxBodyBytes(-1)
	if maxBodyBytes != 32<<20 {
		t.Fatalf("expected default 32MiB, got %d", maxBodyBytes)
	}
	SetMaxBodyBytes(0)
	if maxBodyBytes != 32<<20 {
		t.Fatalf("expected default 32MiB on zero, got %d", maxBodyBytes)
	}
}

func TestSetMaxBodyBytes_PositiveSetsValue(t *testing.T) {
	SetMaxBodyBytes(1234)
	defer SetMaxBodyBytes(0)
	if maxBodyBytes != 1234 {
		t.Fatalf("expected 1234, got %d", maxBodyBytes)
	}
}

func TestSetChatTimeoutSeconds_NormalizesNegativeToZero(t *testing.T) {
	SetChatTimeoutSeconds(-5)
	if chatTimeout != 0 {
		t.Fatalf("expected 0, got %d", chatTimeout)
	}
	SetChatTimeoutSeconds(3)
	defer SetChatTimeoutSeconds(0)
	if chatTimeout != 3 {
		t.Fatalf("expected 3, got %d", chatTimeout)
	}
}

func TestSetCORSOptions_FillsDefaults(t *testing.T) {
	SetCORSOptions(true, []string{"http://localhost:3000"}, nil, nil)
	defer SetCORSOptions(false, nil, nil, nil)
	if len(corsAllowedMethods) == 0 || len(corsAllowedHeaders) == 0 {
		t.Fatalf("defaults not applied: %v %v", corsAllowedMethods, corsAllowedHeaders)
	}
	if corsAllowedOrigins[0] != "http://localhost:3000" {
		t.Fatalf("origins=%v", corsAllowedOrigins)
	}
}
