package payment

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/flotilla-dev/flotilla/pkg/api"
	"github.com/flotilla-dev/flotilla/pkg/model"
)

func losingValidator(t *testing.T) *Validator {
	t.Helper()
	return NewValidator(Options{
		ReplayWindow:    time.Minute,
		ReplayCacheSize: 128,
		Draw:            func() int64 { return WinProbDenominator - 1 },
	}, zerolog.Nop())
}

func limits() api.TicketLimits {
	return api.TicketLimits{
		MaxFaceValue:    2_000_000_000_000_000, // 2e15
		MaxTicketEV:     300_000_000_000_000,   // 3e14
		MaxPricePerUnit: 100,
	}
}

func ticket(nonce string) api.Ticket {
	return api.Ticket{
		FaceValue:    1_000_000_000_000_000, // 1e15
		WinProbNum:   100_000_000,           // p = 0.1
		PricePerUnit: 50,
		Sender:       "consumer-1",
		Nonce:        nonce,
	}
}

func TestAcceptWithinCeilings(t *testing.T) {
	v := losingValidator(t)
	result, err := v.Validate(limits(), ticket("n1"))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	// EV = 1e15 * 0.1 = 1e14, under the 3e14 ceiling.
	if want := big.NewInt(100_000_000_000_000); result.EV.Cmp(want) != 0 {
		t.Fatalf("EV = %s, want %s", result.EV, want)
	}
	if result.Won {
		t.Fatalf("losing draw produced a win")
	}
}

func TestRejectEVExceeded(t *testing.T) {
	v := losingValidator(t)
	l := limits()
	l.MaxTicketEV = 50_000_000_000_000 // 5e13, under the 1e14 EV
	_, err := v.Validate(l, ticket("n1"))
	var rej *RejectionError
	if !errors.As(err, &rej) || rej.Code != api.CodeEVExceeded {
		t.Fatalf("expected EV rejection, got %v", err)
	}
}

func TestRejectFaceValueExceeded(t *testing.T) {
	v := losingValidator(t)
	l := limits()
	l.MaxFaceValue = 999_999_999_999_999
	_, err := v.Validate(l, ticket("n1"))
	var rej *RejectionError
	if !errors.As(err, &rej) || rej.Code != api.CodeFaceValueExceeded {
		t.Fatalf("expected face value rejection, got %v", err)
	}
}

func TestRejectPriceExceeded(t *testing.T) {
	v := losingValidator(t)
	tk := ticket("n1")
	tk.PricePerUnit = 150
	_, err := v.Validate(limits(), tk)
	var rej *RejectionError
	if !errors.As(err, &rej) || rej.Code != api.CodePriceExceeded {
		t.Fatalf("expected price rejection, got %v", err)
	}
}

// Checks run in a fixed order, so a ticket violating several ceilings always
// reports the first one.
func TestRejectionOrderDeterministic(t *testing.T) {
	v := losingValidator(t)
	l := limits()
	l.MaxFaceValue = 1
	l.MaxTicketEV = 1
	l.MaxPricePerUnit = 1
	for i := 0; i < 5; i++ {
		_, err := v.Validate(l, ticket("n1"))
		var rej *RejectionError
		if !errors.As(err, &rej) || rej.Code != api.CodeFaceValueExceeded {
			t.Fatalf("run %d: expected face value rejection first, got %v", i, err)
		}
	}
}

func TestReplayDetected(t *testing.T) {
	v := losingValidator(t)
	if _, err := v.Validate(limits(), ticket("n1")); err != nil {
		t.Fatalf("first use: %v", err)
	}
	_, err := v.Validate(limits(), ticket("n1"))
	var rej *RejectionError
	if !errors.As(err, &rej) || rej.Code != api.CodeReplayDetected {
		t.Fatalf("expected replay rejection, got %v", err)
	}

	// A different nonce from the same sender is fine.
	if _, err := v.Validate(limits(), ticket("n2")); err != nil {
		t.Fatalf("fresh nonce: %v", err)
	}

	// Another sender may reuse the same nonce value.
	other := ticket("n1")
	other.Sender = "consumer-2"
	if _, err := v.Validate(limits(), other); err != nil {
		t.Fatalf("same nonce, different sender: %v", err)
	}
}

// A rejected ticket must not burn its nonce.
func TestRejectionDoesNotRecordNonce(t *testing.T) {
	v := losingValidator(t)
	tk := ticket("n1")
	tk.PricePerUnit = 150
	if _, err := v.Validate(limits(), tk); err == nil {
		t.Fatalf("expected rejection")
	}
	tk.PricePerUnit = 50
	if _, err := v.Validate(limits(), tk); err != nil {
		t.Fatalf("resubmission after fix rejected: %v", err)
	}
}

func TestWinDrawAndRedemptionQueue(t *testing.T) {
	v := NewValidator(Options{
		ReplayWindow:    time.Minute,
		ReplayCacheSize: 128,
		Draw:            func() int64 { return 0 }, // always wins
	}, zerolog.Nop())

	result, err := v.Validate(limits(), ticket("n1"))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !result.Won {
		t.Fatalf("expected win with draw 0")
	}
	if v.PendingRedemptions() != 1 {
		t.Fatalf("expected 1 queued redemption")
	}

	won := v.DrainRedemptions()
	if len(won) != 1 || won[0].Nonce != "n1" || won[0].FaceValue != 1_000_000_000_000_000 {
		t.Fatalf("unexpected redemption %+v", won)
	}
	// Drained exactly once.
	if len(v.DrainRedemptions()) != 0 {
		t.Fatalf("redemption handed out twice")
	}
}

func TestDrawBoundary(t *testing.T) {
	// draw == winProbNum must lose; draw == winProbNum-1 wins.
	win := NewValidator(Options{
		ReplayWindow: time.Minute, ReplayCacheSize: 16,
		Draw: func() int64 { return 99_999_999 },
	}, zerolog.Nop())
	r, err := win.Validate(limits(), ticket("n1"))
	if err != nil || !r.Won {
		t.Fatalf("expected win at boundary, got %+v %v", r, err)
	}

	lose := NewValidator(Options{
		ReplayWindow: time.Minute, ReplayCacheSize: 16,
		Draw: func() int64 { return 100_000_000 },
	}, zerolog.Nop())
	r, err = lose.Validate(limits(), ticket("n1"))
	if err != nil || r.Won {
		t.Fatalf("expected loss at boundary, got %+v %v", r, err)
	}
}

func TestMalformedTickets(t *testing.T) {
	v := losingValidator(t)
	bad := []api.Ticket{
		{FaceValue: 0, WinProbNum: 1, Sender: "s", Nonce: "n"},
		{FaceValue: 1, WinProbNum: 0, Sender: "s", Nonce: "n"},
		{FaceValue: 1, WinProbNum: WinProbDenominator + 1, Sender: "s", Nonce: "n"},
		{FaceValue: 1, WinProbNum: 1, Nonce: "n"},
		{FaceValue: 1, WinProbNum: 1, Sender: "s"},
	}
	for i, tk := range bad {
		_, err := v.Validate(limits(), tk)
		if err == nil {
			t.Fatalf("case %d: malformed ticket accepted", i)
		}
		var rej *RejectionError
		if errors.As(err, &rej) {
			t.Fatalf("case %d: malformed ticket got policy code %s", i, rej.Code)
		}
	}
}

func TestLimitsFor(t *testing.T) {
	l := LimitsFor(&model.PriceTerms{PricePerUnit: 7, MaxFaceValue: 100, MaxTicketEV: 50})
	if l.MaxPricePerUnit != 7 || l.MaxFaceValue != 100 || l.MaxTicketEV != 50 {
		t.Fatalf("unexpected limits %+v", l)
	}
}
