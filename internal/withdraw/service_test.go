package withdraw

import (
	"context"
	"encoding/hex"
	"strings"
	"sync"
	"testing"
	"time"

	"boltcard-server/internal/boltcard"
	"boltcard-server/internal/database"
	"boltcard-server/internal/invoice/invoicetest"
	"boltcard-server/internal/lightning"
	messages "boltcard-server/internal/queue"
	"boltcard-server/pkg/logger"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	_ = logger.Init("development")
}

// Known-good tap produced by a real NTAG 424 DNA card.
const (
	testK1Hex = "0c3b25d92b38ae443229dd59ad34b85d"
	testK2Hex = "b45775776cb224c75bcde7ca3704e933"
	testP     = "4E2E289D945A66BB13377A728884E867"
	testC     = "E19CCB1FED8892CE"
	testUID   = "04996c6a926980"
)

// tapCounter extracts the counter embedded in the test vector so tests
// can position last_counter relative to it.
func tapCounter(t *testing.T) int64 {
	t.Helper()
	key, err := boltcard.KeyFromHex(testK1Hex)
	require.NoError(t, err)
	payload, err := hex.DecodeString(testP)
	require.NoError(t, err)
	pt, err := boltcard.DecryptPayload(key, payload)
	require.NoError(t, err)
	_, ctr, err := boltcard.ParsePayload(pt)
	require.NoError(t, err)
	return int64(ctr.Value())
}

type fakeCardStore struct {
	mu    sync.Mutex
	cards map[int64]*database.Card
}

func newFakeCardStore(cards ...*database.Card) *fakeCardStore {
	s := &fakeCardStore{cards: make(map[int64]*database.Card)}
	for _, c := range cards {
		s.cards[c.CardID] = c
	}
	return s
}

func (s *fakeCardStore) FindEnabled(ctx context.Context) ([]*database.Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*database.Card
	for _, c := range s.cards {
		if c.Enabled {
			copied := *c
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (s *fakeCardStore) GetByID(ctx context.Context, cardID int64) (*database.Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cards[cardID]
	if !ok {
		return nil, database.ErrCardNotFound
	}
	copied := *c
	return &copied, nil
}

func (s *fakeCardStore) BindUID(ctx context.Context, cardID int64, uid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cards[cardID]
	if !ok {
		return database.ErrCardNotFound
	}
	if c.UID != "" && c.UID != uid {
		return database.ErrUIDConflict
	}
	c.UID = uid
	return nil
}

func (s *fakeCardStore) AdvanceCounter(ctx context.Context, cardID int64, counter int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cards[cardID]
	if !ok {
		return false, database.ErrCardNotFound
	}
	if counter <= c.LastCounter {
		return false, nil
	}
	c.LastCounter = counter
	return true, nil
}

func (s *fakeCardStore) lastCounter(cardID int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cards[cardID].LastCounter
}

type fakeSessionStore struct {
	mu       sync.Mutex
	nextID   int64
	sessions map[int64]*database.Payment
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{sessions: make(map[int64]*database.Payment)}
}

func (s *fakeSessionStore) CreateSession(ctx context.Context, cardID int64, token string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.sessions[s.nextID] = &database.Payment{
		PaymentID: s.nextID,
		CardID:    cardID,
		Token:     token,
		CreatedAt: time.Now().UTC(),
	}
	return s.nextID, nil
}

func (s *fakeSessionStore) GetByToken(ctx context.Context, token string) (*database.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.sessions {
		if p.Token == token {
			copied := *p
			return &copied, nil
		}
	}
	return nil, database.ErrSessionNotFound
}

func (s *fakeSessionStore) AttachInvoice(ctx context.Context, paymentID int64, invoice string, amountMsats int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.sessions[paymentID]
	if !ok {
		return database.ErrSessionNotFound
	}
	p.Invoice = &invoice
	p.AmountMsats = &amountMsats
	return nil
}

func (s *fakeSessionStore) MarkPaid(ctx context.Context, paymentID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.sessions[paymentID]
	if !ok || p.Paid {
		return false, nil
	}
	now := time.Now().UTC()
	p.Paid = true
	p.PaymentTime = &now
	return true, nil
}

func (s *fakeSessionStore) DailyTotalMsats(ctx context.Context, cardID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().Add(-24 * time.Hour)
	var total int64
	for _, p := range s.sessions {
		if p.CardID == cardID && p.Paid && p.PaymentTime.After(cutoff) && p.AmountMsats != nil {
			total += *p.AmountMsats
		}
	}
	return total, nil
}

func (s *fakeSessionStore) byID(paymentID int64) *database.Payment {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *s.sessions[paymentID]
	return &copied
}

func vectorCard() *database.Card {
	return &database.Card{
		CardID:       1,
		UID:          "",
		K1DecryptKey: testK1Hex,
		K2MACKey:     testK2Hex,
		LastCounter:  0,
		Enabled:      true,
		TxLimitSats:  100_000,
		DayLimitSats: 500_000,
		CardName:     "test card",
	}
}

func newTestService(cards *fakeCardStore, sessions *fakeSessionStore, backend lightning.Backend) *Service {
	return NewService(cards, sessions, backend, nil, &chaincfg.MainNetParams, "card.example.com")
}

func TestTap_KnownVector(t *testing.T) {
	cards := newFakeCardStore(vectorCard())
	sessions := newFakeSessionStore()
	svc := newTestService(cards, sessions, lightning.NewMock())

	resp, err := svc.Tap(context.Background(), TapRequest{P: testP, C: testC})
	require.NoError(t, err)

	assert.Equal(t, "OK", resp.Status)
	assert.Equal(t, "withdrawRequest", resp.Tag)
	assert.Equal(t, "https://card.example.com/ln/callback", resp.Callback)
	assert.Len(t, resp.K1, 32)
	assert.Equal(t, "Withdrawal from test card", resp.DefaultDescription)
	assert.Equal(t, int64(1000), resp.MinWithdrawable)
	assert.Equal(t, int64(100_000_000), resp.MaxWithdrawable)

	// First tap binds the UID and advances the counter.
	card, err := cards.GetByID(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, testUID, card.UID)
	assert.Greater(t, card.LastCounter, int64(0))

	// A session was minted under the returned token.
	session, err := sessions.GetByToken(context.Background(), resp.K1)
	require.NoError(t, err)
	assert.Equal(t, database.Pending, session.State())
}

func TestTap_IndexedCard(t *testing.T) {
	cards := newFakeCardStore(vectorCard())
	sessions := newFakeSessionStore()
	svc := newTestService(cards, sessions, lightning.NewMock())

	resp, err := svc.Tap(context.Background(), TapRequest{P: testP, C: testC, CardID: 1})
	require.NoError(t, err)
	assert.Equal(t, "OK", resp.Status)

	_, err = svc.Tap(context.Background(), TapRequest{P: testP, C: testC, CardID: 99})
	assert.ErrorIs(t, err, ErrCardNotFound)
}

func TestTap_InvalidParams(t *testing.T) {
	svc := newTestService(newFakeCardStore(), newFakeSessionStore(), lightning.NewMock())

	tests := []struct {
		name string
		p, c string
	}{
		{"non-hex p", "zz2E289D945A66BB13377A728884E867", testC},
		{"short p", "4E2E289D", testC},
		{"non-hex c", testP, "zz9CCB1FED8892CE"},
		{"short c", testP, "E19CCB"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Tap(context.Background(), TapRequest{P: tt.p, C: tt.c})
			assert.ErrorIs(t, err, ErrInvalidParam)
		})
	}
}

func TestTap_BadMAC(t *testing.T) {
	cards := newFakeCardStore(vectorCard())
	svc := newTestService(cards, newFakeSessionStore(), lightning.NewMock())

	_, err := svc.Tap(context.Background(), TapRequest{P: testP, C: "0000000000000000"})
	assert.ErrorIs(t, err, ErrCardNotFound)

	// The failed tap must not move the counter.
	assert.Equal(t, int64(0), cards.lastCounter(1))
}

func TestTap_DisabledCardNeverMatches(t *testing.T) {
	card := vectorCard()
	card.Enabled = false
	cards := newFakeCardStore(card)
	svc := newTestService(cards, newFakeSessionStore(), lightning.NewMock())

	_, err := svc.Tap(context.Background(), TapRequest{P: testP, C: testC})
	assert.ErrorIs(t, err, ErrCardNotFound)

	_, err = svc.Tap(context.Background(), TapRequest{P: testP, C: testC, CardID: 1})
	assert.ErrorIs(t, err, ErrCardNotFound)
}

func TestTap_Replay(t *testing.T) {
	card := vectorCard()
	card.UID = testUID
	card.LastCounter = tapCounter(t)
	cards := newFakeCardStore(card)
	svc := newTestService(cards, newFakeSessionStore(), lightning.NewMock())

	_, err := svc.Tap(context.Background(), TapRequest{P: testP, C: testC})
	assert.ErrorIs(t, err, ErrReplay)
	assert.Equal(t, card.LastCounter, cards.lastCounter(1))
}

func TestTap_ConcurrentSameTap(t *testing.T) {
	card := vectorCard()
	card.UID = testUID
	card.LastCounter = tapCounter(t) - 1
	cards := newFakeCardStore(card)
	sessions := newFakeSessionStore()
	svc := newTestService(cards, sessions, lightning.NewMock())

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Tap(context.Background(), TapRequest{P: testP, C: testC})
		}(i)
	}
	wg.Wait()

	// Exactly one tap wins the counter advance; the other is a replay.
	winners, replays := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			winners++
		case err == ErrReplay:
			replays++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, winners)
	assert.Equal(t, 1, replays)
}

func TestTap_UIDMismatch(t *testing.T) {
	card := vectorCard()
	card.UID = "04aaaaaaaaaaaa"
	cards := newFakeCardStore(card)
	svc := newTestService(cards, newFakeSessionStore(), lightning.NewMock())

	_, err := svc.Tap(context.Background(), TapRequest{P: testP, C: testC})
	assert.ErrorIs(t, err, ErrUIDMismatch)
}

func TestTap_BudgetClampedByDailySpend(t *testing.T) {
	card := vectorCard()
	cards := newFakeCardStore(card)
	sessions := newFakeSessionStore()
	svc := newTestService(cards, sessions, lightning.NewMock())

	// A prior settlement eats into the daily budget.
	paymentID, err := sessions.CreateSession(context.Background(), 1, "prior")
	require.NoError(t, err)
	require.NoError(t, sessions.AttachInvoice(context.Background(), paymentID, "lnbc1...", 450_000_000))
	settled, err := sessions.MarkPaid(context.Background(), paymentID)
	require.NoError(t, err)
	require.True(t, settled)

	resp, err := svc.Tap(context.Background(), TapRequest{P: testP, C: testC})
	require.NoError(t, err)

	// 500k day limit minus 450k spent leaves 50k sats, below the 100k
	// per-transaction cap.
	assert.Equal(t, int64(50_000_000), resp.MaxWithdrawable)
}

// tapSession runs a successful tap and returns the minted session token.
func tapSession(t *testing.T, svc *Service) string {
	t.Helper()
	resp, err := svc.Tap(context.Background(), TapRequest{P: testP, C: testC})
	require.NoError(t, err)
	return resp.K1
}

func TestCallback_Settles(t *testing.T) {
	cards := newFakeCardStore(vectorCard())
	sessions := newFakeSessionStore()
	backend := lightning.NewMock()
	svc := newTestService(cards, sessions, backend)

	token := tapSession(t, svc)
	pr := invoicetest.Mint(t, invoicetest.Options{AmountMsats: 25_000_000, Description: "coffee"})

	err := svc.Callback(context.Background(), token, pr)
	require.NoError(t, err)
	assert.Equal(t, 1, backend.PayCalls())

	session, err := sessions.GetByToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, database.Paid, session.State())
	require.NotNil(t, session.AmountMsats)
	assert.Equal(t, int64(25_000_000), *session.AmountMsats)
}

func TestCallback_UnknownToken(t *testing.T) {
	svc := newTestService(newFakeCardStore(), newFakeSessionStore(), lightning.NewMock())

	err := svc.Callback(context.Background(), "deadbeefdeadbeefdeadbeefdeadbeef", "lnbc1...")
	assert.ErrorIs(t, err, ErrInvalidK1)
}

func TestCallback_Double(t *testing.T) {
	cards := newFakeCardStore(vectorCard())
	sessions := newFakeSessionStore()
	backend := lightning.NewMock()
	svc := newTestService(cards, sessions, backend)

	token := tapSession(t, svc)
	pr := invoicetest.Mint(t, invoicetest.Options{AmountMsats: 25_000_000})

	require.NoError(t, svc.Callback(context.Background(), token, pr))

	err := svc.Callback(context.Background(), token, pr)
	assert.ErrorIs(t, err, ErrAlreadyProcessed)

	// The backend was invoked exactly once for the session.
	assert.Equal(t, 1, backend.PayCalls())
}

func TestCallback_BadInvoice(t *testing.T) {
	cards := newFakeCardStore(vectorCard())
	sessions := newFakeSessionStore()
	svc := newTestService(cards, sessions, lightning.NewMock())

	token := tapSession(t, svc)

	err := svc.Callback(context.Background(), token, "not an invoice")
	assert.ErrorIs(t, err, ErrBadInvoice)
}

func TestCallback_NoAmount(t *testing.T) {
	cards := newFakeCardStore(vectorCard())
	sessions := newFakeSessionStore()
	backend := lightning.NewMock()
	svc := newTestService(cards, sessions, backend)

	token := tapSession(t, svc)
	pr := invoicetest.Mint(t, invoicetest.Options{Description: "amountless"})

	err := svc.Callback(context.Background(), token, pr)
	assert.ErrorIs(t, err, ErrNoAmount)
	assert.Equal(t, 0, backend.PayCalls())
}

func TestCallback_ExpiredInvoice(t *testing.T) {
	cards := newFakeCardStore(vectorCard())
	sessions := newFakeSessionStore()
	backend := lightning.NewMock()
	svc := newTestService(cards, sessions, backend)

	token := tapSession(t, svc)
	pr := invoicetest.Mint(t, invoicetest.Options{
		AmountMsats: 25_000_000,
		Expiry:      time.Nanosecond,
	})
	time.Sleep(10 * time.Millisecond)

	err := svc.Callback(context.Background(), token, pr)
	assert.ErrorIs(t, err, ErrBadInvoice)
	assert.Equal(t, 0, backend.PayCalls())
}

func TestCallback_TxLimit(t *testing.T) {
	cards := newFakeCardStore(vectorCard())
	sessions := newFakeSessionStore()
	backend := lightning.NewMock()
	svc := newTestService(cards, sessions, backend)

	token := tapSession(t, svc)

	// One msat over the per-transaction cap.
	pr := invoicetest.Mint(t, invoicetest.Options{AmountMsats: 100_000_000 + 1})

	err := svc.Callback(context.Background(), token, pr)
	assert.ErrorIs(t, err, ErrTxLimit)

	// The backend was never called and the session never left Pending.
	assert.Equal(t, 0, backend.PayCalls())
	session, err := sessions.GetByToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, database.Pending, session.State())
}

func TestCallback_DayLimit(t *testing.T) {
	cards := newFakeCardStore(vectorCard())
	sessions := newFakeSessionStore()
	backend := lightning.NewMock()
	svc := newTestService(cards, sessions, backend)

	// A prior settlement leaves only 50k sats of the daily budget.
	paymentID, err := sessions.CreateSession(context.Background(), 1, "prior")
	require.NoError(t, err)
	require.NoError(t, sessions.AttachInvoice(context.Background(), paymentID, "lnbc1...", 450_000_000))
	settled, err := sessions.MarkPaid(context.Background(), paymentID)
	require.NoError(t, err)
	require.True(t, settled)

	token := tapSession(t, svc)

	// Under the tx cap, but over what remains of the daily budget.
	pr := invoicetest.Mint(t, invoicetest.Options{AmountMsats: 60_000_000})

	err = svc.Callback(context.Background(), token, pr)
	assert.ErrorIs(t, err, ErrDayLimit)
	assert.Equal(t, 0, backend.PayCalls())
}

func TestCallback_PayFailedLeavesInvoiced(t *testing.T) {
	cards := newFakeCardStore(vectorCard())
	sessions := newFakeSessionStore()
	backend := lightning.NewMock()
	backend.FailWith = "no route"
	svc := newTestService(cards, sessions, backend)

	token := tapSession(t, svc)
	pr := invoicetest.Mint(t, invoicetest.Options{AmountMsats: 25_000_000})

	err := svc.Callback(context.Background(), token, pr)
	assert.ErrorIs(t, err, ErrPayFailed)
	assert.Contains(t, err.Error(), "no route")

	// The session keeps its invoice but is not Paid; reconciliation
	// picks it up out of band.
	session, err := sessions.GetByToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, database.Invoiced, session.State())
}

func TestCallback_PublishesSettlementEvent(t *testing.T) {
	cards := newFakeCardStore(vectorCard())
	sessions := newFakeSessionStore()
	backend := lightning.NewMock()

	published := make(map[string][][]byte)
	var mu sync.Mutex
	events := publisherFunc(func(ctx context.Context, stream string, data []byte) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		published[stream] = append(published[stream], data)
		return "1-0", nil
	})

	svc := NewService(cards, sessions, backend, events, &chaincfg.MainNetParams, "card.example.com")

	token := tapSession(t, svc)
	pr := invoicetest.Mint(t, invoicetest.Options{AmountMsats: 25_000_000})
	require.NoError(t, svc.Callback(context.Background(), token, pr))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, published[messages.StreamSettlements], 1)
	payload := string(published[messages.StreamSettlements][0])
	assert.Contains(t, payload, `"amount_msats":25000000`)
	assert.True(t, strings.Contains(payload, `"payment_hash":"`))
}

type publisherFunc func(ctx context.Context, stream string, data []byte) (string, error)

func (f publisherFunc) Publish(ctx context.Context, stream string, data []byte) (string, error) {
	return f(ctx, stream, data)
}
