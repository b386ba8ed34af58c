package withdrawals

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/Fuonder/formapay/internal/auth"
	"github.com/Fuonder/formapay/internal/gateway"
	"github.com/Fuonder/formapay/internal/ledger"
	"github.com/Fuonder/formapay/internal/locker"
	"github.com/Fuonder/formapay/internal/models"
	"github.com/Fuonder/formapay/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
)

type memWithdrawals struct {
	mu   sync.Mutex
	rows map[uuid.UUID]models.WithdrawalRequest
}

func newMemWithdrawals() *memWithdrawals {
	return &memWithdrawals{rows: make(map[uuid.UUID]models.WithdrawalRequest)}
}

func (m *memWithdrawals) LockTrainer(context.Context, uuid.UUID) error { return nil }

func (m *memWithdrawals) Insert(_ context.Context, w *models.WithdrawalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[w.ID] = *w
	return nil
}

func (m *memWithdrawals) Update(_ context.Context, w *models.WithdrawalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[w.ID]; !ok {
		return models.ErrNotFound
	}
	m.rows[w.ID] = *w
	return nil
}

func (m *memWithdrawals) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[id]; !ok {
		return models.ErrNotFound
	}
	delete(m.rows, id)
	return nil
}

func (m *memWithdrawals) Get(_ context.Context, id uuid.UUID) (*models.WithdrawalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.rows[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &w, nil
}

func (m *memWithdrawals) GetForUpdate(ctx context.Context, id uuid.UUID) (*models.WithdrawalRequest, error) {
	return m.Get(ctx, id)
}

func (m *memWithdrawals) GetByExternalPayoutIDForUpdate(_ context.Context, externalPayoutID string) (*models.WithdrawalRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range m.rows {
		if w.ExternalPayoutID != nil && *w.ExternalPayoutID == externalPayoutID {
			return &w, nil
		}
	}
	return nil, models.ErrNotFound
}

func (m *memWithdrawals) ListByTrainer(_ context.Context, trainerID uuid.UUID) ([]models.WithdrawalRequest, error) {
	return m.filter(func(w models.WithdrawalRequest) bool { return w.TrainerID == trainerID }), nil
}

func (m *memWithdrawals) List(_ context.Context, f models.WithdrawalFilter) ([]models.WithdrawalRequest, error) {
	out := m.filter(func(w models.WithdrawalRequest) bool { return f.Status == nil || w.Status == *f.Status })
	if f.Offset >= len(out) {
		return []models.WithdrawalRequest{}, nil
	}
	out = out[f.Offset:]
	if len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *memWithdrawals) filter(keep func(models.WithdrawalRequest) bool) []models.WithdrawalRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.WithdrawalRequest, 0)
	for _, w := range m.rows {
		if keep(w) {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// memLedger derives totals from a fixed revenue and the in-memory withdrawals.
type memLedger struct {
	gross map[uuid.UUID]decimal.Decimal
	net   map[uuid.UUID]decimal.Decimal
	ws    *memWithdrawals
}

func (l *memLedger) GetTotals(_ context.Context, trainerID uuid.UUID) (models.LedgerTotals, error) {
	t := models.LedgerTotals{GrossRevenue: l.gross[trainerID], NetRevenue: l.net[trainerID]}
	l.ws.mu.Lock()
	defer l.ws.mu.Unlock()
	for _, w := range l.ws.rows {
		if w.TrainerID != trainerID {
			continue
		}
		switch {
		case w.Status.CountsTowardBalance():
			t.TotalWithdrawn = t.TotalWithdrawn.Add(w.Amount)
		case w.Status == models.WithdrawalStatusPending:
			t.PendingWithdrawals = t.PendingWithdrawals.Add(w.Amount)
		}
	}
	return t, nil
}

type notification struct {
	UserID uuid.UUID
	Type   models.NotificationType
	Body   string
	Data   map[string]any
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notification
}

func (r *recordingNotifier) Notify(_ context.Context, userID uuid.UUID, typ models.NotificationType, _, body, _ string, data map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, notification{UserID: userID, Type: typ, Body: body, Data: data})
}

func (r *recordingNotifier) For(userID uuid.UUID, typ models.NotificationType) []notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notification
	for _, n := range r.sent {
		if n.UserID == userID && n.Type == typ {
			out = append(out, n)
		}
	}
	return out
}

type fakeUsers struct {
	admins   []uuid.UUID
	accounts map[uuid.UUID]models.PayoutAccount
}

func (f *fakeUsers) GetRole(context.Context, uuid.UUID) (models.Role, error) {
	return models.RoleTrainer, nil
}

func (f *fakeUsers) AdminIDs(context.Context) ([]uuid.UUID, error) {
	return f.admins, nil
}

func (f *fakeUsers) PayoutAccount(_ context.Context, id uuid.UUID) (models.PayoutAccount, error) {
	acc, ok := f.accounts[id]
	if !ok {
		return models.PayoutAccount{}, models.ErrNotFound
	}
	return acc, nil
}

type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) CreateTransaction(ctx context.Context, req gateway.TransactionRequest) (*gateway.Transaction, error) {
	args := m.Called(ctx, req)
	tx, _ := args.Get(0).(*gateway.Transaction)
	return tx, args.Error(1)
}

func (m *MockGateway) GetTransactionStatus(ctx context.Context, id string) (*gateway.Transaction, error) {
	args := m.Called(ctx, id)
	tx, _ := args.Get(0).(*gateway.Transaction)
	return tx, args.Error(1)
}

func (m *MockGateway) CreatePayout(ctx context.Context, req gateway.PayoutRequest) (*gateway.PayoutResult, error) {
	args := m.Called(ctx, req)
	po, _ := args.Get(0).(*gateway.PayoutResult)
	return po, args.Error(1)
}

func (m *MockGateway) VerifyWebhookSignature(header string, body []byte) error {
	return m.Called(header, body).Error(0)
}

type testEnv struct {
	svc      *WService
	db       *memWithdrawals
	notifier *recordingNotifier
	gw       *MockGateway
	trainer  models.Caller
	other    models.Caller
	admin    models.Caller
	learner  models.Caller
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestEnv(reservePending, autoPayout bool) *testEnv {
	env := &testEnv{
		db:       newMemWithdrawals(),
		notifier: &recordingNotifier{},
		gw:       new(MockGateway),
		trainer:  models.Caller{ID: uuid.New(), Role: models.RoleTrainer},
		other:    models.Caller{ID: uuid.New(), Role: models.RoleTrainer},
		admin:    models.Caller{ID: uuid.New(), Role: models.RoleAdmin},
		learner:  models.Caller{ID: uuid.New(), Role: models.RoleLearner},
	}
	lg := &memLedger{
		gross: map[uuid.UUID]decimal.Decimal{env.trainer.ID: dec("100000"), env.other.ID: dec("1000")},
		net:   map[uuid.UUID]decimal.Decimal{env.trainer.ID: dec("90000"), env.other.ID: dec("900")},
		ws:    env.db,
	}
	env.svc = NewWService(Deps{
		Conn:     env.db,
		Tx:       storage.NopTransactor{},
		Ledger:   ledger.NewLService(lg, reservePending),
		Authz:    auth.NewRoleAuthorizer(),
		Locker:   locker.NewKeyedMutex(),
		Gateway:  env.gw,
		Notifier: env.notifier,
		Users: &fakeUsers{
			admins: []uuid.UUID{env.admin.ID},
			accounts: map[uuid.UUID]models.PayoutAccount{
				env.trainer.ID: {UserID: env.trainer.ID, Phone: "22997000000", Country: "BJ"},
			},
		},
	}, Config{AutoPayout: autoPayout})
	return env
}

func (e *testEnv) request(amount string) CreateRequest {
	return CreateRequest{Amount: dec(amount), Phone: "+229 97 00 00 00", Country: "BJ"}
}

var rawOK = json.RawMessage(`{"ok":true}`)
