package payment

import "testing"

func TestCanTransition(t *testing.T) {
	all := []Status{StatusPending, StatusCompleted, StatusFailed, StatusRetryExhausted, StatusRefunded}
	allowed := map[[2]Status]bool{
		{StatusPending, StatusCompleted}:     true,
		{StatusPending, StatusFailed}:        true,
		{StatusFailed, StatusPending}:        true,
		{StatusFailed, StatusRetryExhausted}: true,
		{StatusCompleted, StatusRefunded}:    true,
	}

	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]Status{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", from, to, got, want)
			}
		}
	}
}

func TestTerminalStatesNeverLeaveExceptRefund(t *testing.T) {
	for _, s := range []Status{StatusRetryExhausted, StatusRefunded} {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
		for _, to := range []Status{StatusPending, StatusCompleted, StatusFailed, StatusRetryExhausted, StatusRefunded} {
			if CanTransition(s, to) {
				t.Fatalf("%s -> %s must not be allowed", s, to)
			}
		}
	}
	if !CanTransition(StatusCompleted, StatusRefunded) {
		t.Fatalf("COMPLETED -> REFUNDED must be allowed")
	}
}

func TestParseProvider(t *testing.T) {
	p, err := ParseProvider(" mpesa ")
	if err != nil || p != ProviderMobileMoney {
		t.Fatalf("ParseProvider(mpesa) = %q, %v", p, err)
	}
	if _, err := ParseProvider("bitcoin"); err == nil {
		t.Fatalf("expected error for unknown provider")
	}
	if !ProviderCash.Manual() || ProviderCard.Manual() {
		t.Fatalf("manual classification wrong")
	}
}
