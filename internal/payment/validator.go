// Package payment validates probabilistic payment tickets against a node's
// advertised price terms and tracks winning tickets for redemption.
package payment

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"

	"github.com/flotilla-dev/flotilla/internal/telemetry"
	"github.com/flotilla-dev/flotilla/pkg/api"
	"github.com/flotilla-dev/flotilla/pkg/model"
)

// WinProbDenominator fixes the probability scale: a ticket with
// WinProbNum == WinProbDenominator always wins.
const WinProbDenominator int64 = 1_000_000_000

// RejectionError carries the machine-readable reason a ticket was refused.
type RejectionError struct {
	Code   string
	Detail string
}

func (e *RejectionError) Error() string {
	return fmt.Sprintf("ticket rejected: %s: %s", e.Code, e.Detail)
}

// WonTicket is a winning ticket queued for settlement.
type WonTicket struct {
	Sender     string    `json:"sender"`
	Nonce      string    `json:"nonce"`
	FaceValue  int64     `json:"face_value"`
	AcceptedAt time.Time `json:"accepted_at"`
}

// Result reports the outcome of a successful validation.
type Result struct {
	Won bool
	// EV is the ticket's expected value, floor(faceValue*winProb).
	EV *big.Int
}

// Validator applies the acceptance policy. The replay window is a TTL'd LRU:
// a (sender, nonce) pair stays blocked until the window expires or the cache
// evicts it for space.
type Validator struct {
	replay *expirable.LRU[string, time.Time]
	draw   func() int64
	log    zerolog.Logger

	mu    sync.Mutex
	queue []WonTicket
	now   func() time.Time
}

// Options for the validator. Zero values get production defaults.
type Options struct {
	ReplayWindow    time.Duration
	ReplayCacheSize int
	// Draw returns a uniform value in [0, WinProbDenominator). Tests inject
	// a deterministic one.
	Draw func() int64
}

func NewValidator(opts Options, log zerolog.Logger) *Validator {
	if opts.ReplayWindow <= 0 {
		opts.ReplayWindow = 10 * time.Minute
	}
	if opts.ReplayCacheSize <= 0 {
		opts.ReplayCacheSize = 65536
	}
	draw := opts.Draw
	if draw == nil {
		draw = cryptoDraw
	}
	return &Validator{
		replay: expirable.NewLRU[string, time.Time](opts.ReplayCacheSize, nil, opts.ReplayWindow),
		draw:   draw,
		log:    log.With().Str("component", "payment").Logger(),
		now:    time.Now,
	}
}

func cryptoDraw() int64 {
	n, err := rand.Int(rand.Reader, big.NewInt(WinProbDenominator))
	if err != nil {
		// rand.Reader failing means the platform RNG is broken; a losing
		// draw is the safe fallback.
		return WinProbDenominator - 1
	}
	return n.Int64()
}

// LimitsFor derives the enforcement ceilings from a capability's price terms.
func LimitsFor(terms *model.PriceTerms) api.TicketLimits {
	if terms == nil {
		return api.TicketLimits{}
	}
	return api.TicketLimits{
		MaxFaceValue:    terms.MaxFaceValue,
		MaxTicketEV:     terms.MaxTicketEV,
		MaxPricePerUnit: terms.PricePerUnit,
	}
}

// TicketEV computes floor(faceValue * winProbNum / WinProbDenominator). The
// product can exceed 63 bits, so the math runs in big integers.
func TicketEV(faceValue, winProbNum int64) *big.Int {
	ev := new(big.Int).Mul(big.NewInt(faceValue), big.NewInt(winProbNum))
	return ev.Quo(ev, big.NewInt(WinProbDenominator))
}

// Validate applies the acceptance checks in a fixed order: face value, then
// expected value, then price, then replay. Identical inputs always produce
// the identical accept or reject decision; only the win draw is random. The
// nonce is recorded only when the ticket is accepted, so a rejected ticket
// can be resubmitted after the offending term is fixed.
func (v *Validator) Validate(limits api.TicketLimits, ticket api.Ticket) (*Result, error) {
	if ticket.FaceValue <= 0 {
		return nil, fmt.Errorf("face value must be positive")
	}
	if ticket.WinProbNum <= 0 || ticket.WinProbNum > WinProbDenominator {
		return nil, fmt.Errorf("win probability out of range")
	}
	if ticket.Sender == "" || ticket.Nonce == "" {
		return nil, fmt.Errorf("sender and nonce are required")
	}

	if ticket.FaceValue > limits.MaxFaceValue {
		return nil, &RejectionError{
			Code:   api.CodeFaceValueExceeded,
			Detail: fmt.Sprintf("face value %d exceeds ceiling %d", ticket.FaceValue, limits.MaxFaceValue),
		}
	}
	ev := TicketEV(ticket.FaceValue, ticket.WinProbNum)
	if ev.Cmp(big.NewInt(limits.MaxTicketEV)) > 0 {
		return nil, &RejectionError{
			Code:   api.CodeEVExceeded,
			Detail: fmt.Sprintf("expected value %s exceeds ceiling %d", ev.String(), limits.MaxTicketEV),
		}
	}
	if ticket.PricePerUnit > limits.MaxPricePerUnit {
		return nil, &RejectionError{
			Code:   api.CodePriceExceeded,
			Detail: fmt.Sprintf("price %d exceeds agreed rate %d", ticket.PricePerUnit, limits.MaxPricePerUnit),
		}
	}

	key := ticket.Sender + "\n" + ticket.Nonce
	if _, seen := v.replay.Get(key); seen {
		telemetry.RecordCounter("payment_replays_total", 1, nil)
		return nil, &RejectionError{
			Code:   api.CodeReplayDetected,
			Detail: "nonce already used within the replay window",
		}
	}
	v.replay.Add(key, v.now())

	result := &Result{EV: ev}
	if v.draw() < ticket.WinProbNum {
		result.Won = true
		v.enqueue(WonTicket{
			Sender:     ticket.Sender,
			Nonce:      ticket.Nonce,
			FaceValue:  ticket.FaceValue,
			AcceptedAt: v.now().UTC(),
		})
		v.log.Info().Str("sender", ticket.Sender).Int64("face_value", ticket.FaceValue).
			Msg("winning ticket queued for redemption")
	}
	telemetry.RecordCounter("payment_accepted_total", 1, nil)
	return result, nil
}

// enqueue adds a winning ticket exactly once. The replay window guarantees a
// nonce is accepted at most once, so a linear duplicate check over the
// pending queue is enough.
func (v *Validator) enqueue(t WonTicket) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, q := range v.queue {
		if q.Sender == t.Sender && q.Nonce == t.Nonce {
			return
		}
	}
	v.queue = append(v.queue, t)
	telemetry.RecordGauge("payment_redemption_queue", float64(len(v.queue)), nil)
}

// DrainRedemptions removes and returns all pending winning tickets. Each
// ticket is handed out exactly once.
func (v *Validator) DrainRedemptions() []WonTicket {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := v.queue
	v.queue = nil
	telemetry.RecordGauge("payment_redemption_queue", 0, nil)
	return out
}

// PendingRedemptions reports queued winners without consuming them.
func (v *Validator) PendingRedemptions() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.queue)
}
