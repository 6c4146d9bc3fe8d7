package session

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	x402gate "github.com/gatewaylabs/x402-gate"
)

func testRequirement(nonce string) *x402gate.PaymentRequirement {
	return &x402gate.PaymentRequirement{
		Chain:     x402gate.ChainBase,
		Amount:    big.NewInt(10000),
		Recipient: "0x209693Bc6afc0C5328bA36FaF03C514EF312287C",
		Resource:  "/premium",
		Nonce:     nonce,
		Expiry:    time.Now().Add(5 * time.Minute),
	}
}

func newTestCache(policy AdmitPolicy) *Cache {
	return NewCache(Config{
		Retention:       time.Hour,
		LedgerRetention: 2 * time.Hour,
		SweepInterval:   0,
		Policy:          policy,
	})
}

func TestIssueAndTryBegin(t *testing.T) {
	c := newTestCache(FailFast)
	defer c.Close()

	req := testRequirement("0xaa01")
	if err := c.Issue("0xpayer", req); err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	adm, err := c.TryBegin(context.Background(), x402gate.ChainBase, "0xpayer", "0xaa01")
	if err != nil {
		t.Fatalf("TryBegin() error = %v", err)
	}
	if adm.Requirement != req {
		t.Error("admission should snapshot the issued requirement")
	}

	state, ok := c.StateOf(x402gate.ChainBase, "0xaa01")
	if !ok || state != StatePending {
		t.Errorf("StateOf() = %v, %v, want Pending, true", state, ok)
	}
}

func TestTryBeginErrors(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(c *Cache)
		chain   x402gate.ChainType
		payer   string
		nonce   string
		wantErr error
	}{
		{
			name:    "unknown nonce",
			setup:   func(c *Cache) {},
			chain:   x402gate.ChainBase,
			payer:   "0xpayer",
			nonce:   "0xdead",
			wantErr: x402gate.ErrUnknownNonce,
		},
		{
			name: "payer mismatch",
			setup: func(c *Cache) {
				c.Issue("0xpayer", testRequirement("0xaa02"))
			},
			chain:   x402gate.ChainBase,
			payer:   "0xother",
			nonce:   "0xaa02",
			wantErr: x402gate.ErrPayerMismatch,
		},
		{
			name: "consumed nonce",
			setup: func(c *Cache) {
				c.Issue("0xpayer", testRequirement("0xaa03"))
				c.TryBegin(context.Background(), x402gate.ChainBase, "0xpayer", "0xaa03")
				c.Complete(x402gate.ChainBase, "0xpayer", "0xaa03", Consumed)
			},
			chain:   x402gate.ChainBase,
			payer:   "0xpayer",
			nonce:   "0xaa03",
			wantErr: x402gate.ErrReplayedPayment,
		},
		{
			name: "pending nonce fail fast",
			setup: func(c *Cache) {
				c.Issue("0xpayer", testRequirement("0xaa04"))
				c.TryBegin(context.Background(), x402gate.ChainBase, "0xpayer", "0xaa04")
			},
			chain:   x402gate.ChainBase,
			payer:   "0xpayer",
			nonce:   "0xaa04",
			wantErr: x402gate.ErrVerificationInProgress,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestCache(FailFast)
			defer c.Close()
			tt.setup(c)

			_, err := c.TryBegin(context.Background(), tt.chain, tt.payer, tt.nonce)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("TryBegin() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestDoubleTryBeginSingleWinner(t *testing.T) {
	c := newTestCache(FailFast)
	defer c.Close()

	if err := c.Issue("0xpayer", testRequirement("0xbb01")); err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	const callers = 16
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		wins   int
		losses int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.TryBegin(context.Background(), x402gate.ChainBase, "0xpayer", "0xbb01")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case errors.Is(err, x402gate.ErrVerificationInProgress):
				losses++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("winners = %d, want exactly 1", wins)
	}
	if losses != callers-1 {
		t.Errorf("losers = %d, want %d", losses, callers-1)
	}
}

func TestBlockPolicyWaitsForResolution(t *testing.T) {
	c := newTestCache(Block)
	defer c.Close()

	if err := c.Issue("0xpayer", testRequirement("0xcc01")); err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if _, err := c.TryBegin(context.Background(), x402gate.ChainBase, "0xpayer", "0xcc01"); err != nil {
		t.Fatalf("first TryBegin() error = %v", err)
	}

	result := make(chan error, 1)
	go func() {
		_, err := c.TryBegin(context.Background(), x402gate.ChainBase, "0xpayer", "0xcc01")
		result <- err
	}()

	select {
	case err := <-result:
		t.Fatalf("second TryBegin returned early: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	c.Complete(x402gate.ChainBase, "0xpayer", "0xcc01", Consumed)

	select {
	case err := <-result:
		if !errors.Is(err, x402gate.ErrReplayedPayment) {
			t.Errorf("blocked caller error = %v, want ErrReplayedPayment", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked caller never woke after Complete")
	}
}

func TestBlockPolicyRespectsContext(t *testing.T) {
	c := newTestCache(Block)
	defer c.Close()

	if err := c.Issue("0xpayer", testRequirement("0xcc02")); err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if _, err := c.TryBegin(context.Background(), x402gate.ChainBase, "0xpayer", "0xcc02"); err != nil {
		t.Fatalf("first TryBegin() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.TryBegin(ctx, x402gate.ChainBase, "0xpayer", "0xcc02")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("TryBegin() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestReleaseAllowsRetry(t *testing.T) {
	c := newTestCache(FailFast)
	defer c.Close()

	if err := c.Issue("0xpayer", testRequirement("0xdd01")); err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if _, err := c.TryBegin(context.Background(), x402gate.ChainBase, "0xpayer", "0xdd01"); err != nil {
		t.Fatalf("first TryBegin() error = %v", err)
	}

	c.Complete(x402gate.ChainBase, "0xpayer", "0xdd01", Released)

	if _, err := c.TryBegin(context.Background(), x402gate.ChainBase, "0xpayer", "0xdd01"); err != nil {
		t.Errorf("TryBegin after release error = %v, want nil", err)
	}
}

func TestAnonymousChallengeBindsToFirstRedeemer(t *testing.T) {
	c := newTestCache(FailFast)
	defer c.Close()

	if err := c.Issue("", testRequirement("0xdd02")); err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if _, err := c.TryBegin(context.Background(), x402gate.ChainBase, "0xfirst", "0xdd02"); err != nil {
		t.Fatalf("TryBegin() error = %v", err)
	}
	c.Complete(x402gate.ChainBase, "0xfirst", "0xdd02", Released)

	// Once bound, another payer cannot take over the nonce.
	_, err := c.TryBegin(context.Background(), x402gate.ChainBase, "0xsecond", "0xdd02")
	if !errors.Is(err, x402gate.ErrPayerMismatch) {
		t.Errorf("TryBegin() error = %v, want ErrPayerMismatch", err)
	}
}

func TestIssueDuplicateNonce(t *testing.T) {
	c := newTestCache(FailFast)
	defer c.Close()

	if err := c.Issue("0xpayer", testRequirement("0xee01")); err != nil {
		t.Fatalf("first Issue() error = %v", err)
	}
	err := c.Issue("0xpayer", testRequirement("0xee01"))
	if !errors.Is(err, x402gate.ErrReplayedPayment) {
		t.Errorf("duplicate Issue() error = %v, want ErrReplayedPayment", err)
	}
}

func TestCompleteIsIdempotentAfterConsume(t *testing.T) {
	c := newTestCache(FailFast)
	defer c.Close()

	c.Issue("0xpayer", testRequirement("0xff01"))
	c.TryBegin(context.Background(), x402gate.ChainBase, "0xpayer", "0xff01")
	c.Complete(x402gate.ChainBase, "0xpayer", "0xff01", Consumed)

	// A deferred release after consumption must not resurrect the nonce.
	c.Complete(x402gate.ChainBase, "0xpayer", "0xff01", Released)

	state, ok := c.StateOf(x402gate.ChainBase, "0xff01")
	if !ok || state != StateConsumed {
		t.Errorf("StateOf() = %v, %v, want Consumed, true", state, ok)
	}
}

func TestConsumeRecordsTxRefOnce(t *testing.T) {
	c := newTestCache(FailFast)
	defer c.Close()

	c.Issue("0xpayer", testRequirement("0x3301"))
	if _, err := c.TryBegin(context.Background(), x402gate.ChainBase, "0xpayer", "0x3301"); err != nil {
		t.Fatalf("TryBegin() error = %v", err)
	}
	if err := c.Consume(x402gate.ChainBase, "0xpayer", "0x3301", "sig1"); err != nil {
		t.Fatalf("Consume() error = %v", err)
	}
	if !c.RefConsumed(x402gate.ChainBase, "sig1") {
		t.Error("RefConsumed() = false after consume, want true")
	}

	// The same settled transaction must not redeem a second challenge.
	c.Issue("0xpayer", testRequirement("0x3302"))
	if _, err := c.TryBegin(context.Background(), x402gate.ChainBase, "0xpayer", "0x3302"); err != nil {
		t.Fatalf("TryBegin() error = %v", err)
	}
	err := c.Consume(x402gate.ChainBase, "0xpayer", "0x3302", "sig1")
	if !errors.Is(err, x402gate.ErrReplayedPayment) {
		t.Fatalf("Consume() with reused ref error = %v, want ErrReplayedPayment", err)
	}
	if state, ok := c.StateOf(x402gate.ChainBase, "0x3302"); !ok || state != StateIssued {
		t.Errorf("StateOf() = %v, %v after rejected consume, want Issued, true", state, ok)
	}

	// A fresh payment still redeems the released nonce.
	if _, err := c.TryBegin(context.Background(), x402gate.ChainBase, "0xpayer", "0x3302"); err != nil {
		t.Fatalf("TryBegin() after release error = %v", err)
	}
	if err := c.Consume(x402gate.ChainBase, "0xpayer", "0x3302", "sig2"); err != nil {
		t.Errorf("Consume() with fresh ref error = %v", err)
	}
}

func TestConsumeWithEmptyRefSkipsLedger(t *testing.T) {
	c := newTestCache(FailFast)
	defer c.Close()

	c.Issue("0xpayer", testRequirement("0x3401"))
	c.TryBegin(context.Background(), x402gate.ChainBase, "0xpayer", "0x3401")
	if err := c.Consume(x402gate.ChainBase, "0xpayer", "0x3401", ""); err != nil {
		t.Fatalf("Consume() error = %v", err)
	}

	if c.RefConsumed(x402gate.ChainBase, "") {
		t.Error("an empty ref must not be recorded")
	}
	if state, ok := c.StateOf(x402gate.ChainBase, "0x3401"); !ok || state != StateConsumed {
		t.Errorf("StateOf() = %v, %v, want Consumed, true", state, ok)
	}
}

func TestSweepPrunesRefLedger(t *testing.T) {
	c := newTestCache(FailFast)
	defer c.Close()

	base := time.Now()
	c.now = func() time.Time { return base }

	c.Issue("0xpayer", testRequirement("0x3501"))
	c.TryBegin(context.Background(), x402gate.ChainBase, "0xpayer", "0x3501")
	c.Consume(x402gate.ChainBase, "0xpayer", "0x3501", "sig3")

	c.now = func() time.Time { return base.Add(90 * time.Minute) }
	c.Sweep()
	if !c.RefConsumed(x402gate.ChainBase, "sig3") {
		t.Error("ref must survive entry eviction within ledger retention")
	}

	c.now = func() time.Time { return base.Add(3 * time.Hour) }
	c.Sweep()
	if c.RefConsumed(x402gate.ChainBase, "sig3") {
		t.Error("ref must be forgotten past ledger retention")
	}
}

func TestSweepEvictsExpiredButLedgerBlocksReplay(t *testing.T) {
	c := newTestCache(FailFast)
	defer c.Close()

	base := time.Now()
	c.now = func() time.Time { return base }

	c.Issue("0xpayer", testRequirement("0x1101"))
	c.TryBegin(context.Background(), x402gate.ChainBase, "0xpayer", "0x1101")
	c.Complete(x402gate.ChainBase, "0xpayer", "0x1101", Consumed)

	// Past entry retention, within ledger retention.
	c.now = func() time.Time { return base.Add(90 * time.Minute) }
	c.Sweep()

	if c.Len() != 0 {
		t.Errorf("Len() = %d after sweep, want 0", c.Len())
	}
	_, err := c.TryBegin(context.Background(), x402gate.ChainBase, "0xpayer", "0x1101")
	if !errors.Is(err, x402gate.ErrReplayedPayment) {
		t.Errorf("replay of evicted consumed nonce error = %v, want ErrReplayedPayment", err)
	}

	// Past ledger retention the key is forgotten entirely.
	c.now = func() time.Time { return base.Add(3 * time.Hour) }
	c.Sweep()
	_, err = c.TryBegin(context.Background(), x402gate.ChainBase, "0xpayer", "0x1101")
	if !errors.Is(err, x402gate.ErrUnknownNonce) {
		t.Errorf("after ledger expiry error = %v, want ErrUnknownNonce", err)
	}
}

func TestSweepWakesBlockedCallers(t *testing.T) {
	c := newTestCache(Block)
	defer c.Close()

	base := time.Now()
	c.now = func() time.Time { return base }

	c.Issue("0xpayer", testRequirement("0x2201"))
	c.TryBegin(context.Background(), x402gate.ChainBase, "0xpayer", "0x2201")

	result := make(chan error, 1)
	go func() {
		_, err := c.TryBegin(context.Background(), x402gate.ChainBase, "0xpayer", "0x2201")
		result <- err
	}()
	time.Sleep(20 * time.Millisecond)

	c.now = func() time.Time { return base.Add(2 * time.Hour) }
	c.Sweep()

	select {
	case err := <-result:
		if !errors.Is(err, x402gate.ErrUnknownNonce) {
			t.Errorf("woken caller error = %v, want ErrUnknownNonce", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocked caller never woke after eviction")
	}
}
