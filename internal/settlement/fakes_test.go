package settlement

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/Fuonder/formapay/internal/auth"
	"github.com/Fuonder/formapay/internal/gateway"
	"github.com/Fuonder/formapay/internal/ledger"
	"github.com/Fuonder/formapay/internal/locker"
	"github.com/Fuonder/formapay/internal/models"
	"github.com/Fuonder/formapay/internal/storage"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type memSettlement struct {
	mu       sync.Mutex
	payments map[uuid.UUID]models.Payment
	payouts  map[uuid.UUID]models.Payout
}

func newMemSettlement() *memSettlement {
	return &memSettlement{
		payments: make(map[uuid.UUID]models.Payment),
		payouts:  make(map[uuid.UUID]models.Payout),
	}
}

func (m *memSettlement) LockTrainer(context.Context, uuid.UUID) error { return nil }

func (m *memSettlement) InsertPayment(_ context.Context, p *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments[p.ID] = *p
	return nil
}

func (m *memSettlement) UpdatePayment(_ context.Context, p *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payments[p.ID]; !ok {
		return models.ErrNotFound
	}
	m.payments[p.ID] = *p
	return nil
}

func (m *memSettlement) GetPayment(_ context.Context, id uuid.UUID) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.payments[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &p, nil
}

func (m *memSettlement) GetPaymentByTransactionForUpdate(_ context.Context, transactionID string) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.payments {
		if p.ExternalTransactionID != nil && *p.ExternalTransactionID == transactionID {
			return &p, nil
		}
	}
	return nil, models.ErrNotFound
}

func (m *memSettlement) ListStalePending(_ context.Context, updatedBefore time.Time, limit int) ([]models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Payment, 0)
	for _, p := range m.payments {
		if p.Status == models.PaymentStatusPending && p.ExternalTransactionID != nil && p.UpdatedAt.Before(updatedBefore) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memSettlement) InsertPayout(_ context.Context, po *models.Payout) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.payouts {
		if existing.PaymentID == po.PaymentID {
			return false, nil
		}
	}
	m.payouts[po.ID] = *po
	return true, nil
}

func (m *memSettlement) UpdatePayout(ctx context.Context, po *models.Payout) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.payouts[po.ID]; !ok {
		return models.ErrNotFound
	}
	m.payouts[po.ID] = *po
	return nil
}

func (m *memSettlement) GetPayout(_ context.Context, id uuid.UUID) (*models.Payout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	po, ok := m.payouts[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	return &po, nil
}

func (m *memSettlement) GetPayoutForUpdate(ctx context.Context, id uuid.UUID) (*models.Payout, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.GetPayout(ctx, id)
}

func (m *memSettlement) GetPayoutByPayment(_ context.Context, paymentID uuid.UUID) (*models.Payout, error) {
	return m.findPayout(func(po models.Payout) bool { return po.PaymentID == paymentID })
}

func (m *memSettlement) GetPayoutByExternalIDForUpdate(_ context.Context, externalPayoutID string) (*models.Payout, error) {
	return m.findPayout(func(po models.Payout) bool {
		return po.ExternalPayoutID != nil && *po.ExternalPayoutID == externalPayoutID
	})
}

func (m *memSettlement) findPayout(match func(models.Payout) bool) (*models.Payout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, po := range m.payouts {
		if match(po) {
			return &po, nil
		}
	}
	return nil, models.ErrNotFound
}

func (m *memSettlement) ListPayouts(_ context.Context, status *models.PayoutStatus, limit, offset int) ([]models.Payout, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Payout, 0)
	for _, po := range m.payouts {
		if status == nil || po.Status == *status {
			out = append(out, po)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if offset >= len(out) {
		return []models.Payout{}, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memSettlement) payoutCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.payouts)
}

// memLedger derives revenue from the in-memory payouts and a fixed withdrawn total.
type memLedger struct {
	db        *memSettlement
	withdrawn decimal.Decimal
}

func (l *memLedger) GetTotals(_ context.Context, trainerID uuid.UUID) (models.LedgerTotals, error) {
	t := models.LedgerTotals{TotalWithdrawn: l.withdrawn}
	l.db.mu.Lock()
	defer l.db.mu.Unlock()
	for _, po := range l.db.payouts {
		if po.TrainerID != trainerID {
			continue
		}
		t.GrossRevenue = t.GrossRevenue.Add(po.GrossAmount)
		t.NetRevenue = t.NetRevenue.Add(po.NetAmount)
		if po.CountsAsPaid() {
			t.AutoPaid = t.AutoPaid.Add(po.NetAmount)
		}
	}
	return t, nil
}

type fakeCourses struct {
	courses map[uuid.UUID]models.Course
}

func (f *fakeCourses) GetCourse(_ context.Context, id uuid.UUID) (models.Course, error) {
	c, ok := f.courses[id]
	if !ok {
		return models.Course{}, models.ErrNotFound
	}
	return c, nil
}

type enrollmentKey struct {
	learner, course uuid.UUID
}

type memEnrollments struct {
	mu        sync.Mutex
	enrolled  map[enrollmentKey]uuid.UUID
	community map[enrollmentKey]bool
}

func newMemEnrollments() *memEnrollments {
	return &memEnrollments{
		enrolled:  make(map[enrollmentKey]uuid.UUID),
		community: make(map[enrollmentKey]bool),
	}
}

func (m *memEnrollments) EnrollIfAbsent(_ context.Context, learnerID, courseID, paymentID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := enrollmentKey{learnerID, courseID}
	if _, ok := m.enrolled[k]; ok {
		return false, nil
	}
	m.enrolled[k] = paymentID
	return true, nil
}

func (m *memEnrollments) JoinCommunityIfAbsent(_ context.Context, courseID, userID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := enrollmentKey{userID, courseID}
	if m.community[k] {
		return false, nil
	}
	m.community[k] = true
	return true, nil
}

func (m *memEnrollments) IsEnrolled(_ context.Context, learnerID, courseID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.enrolled[enrollmentKey{learnerID, courseID}]
	return ok, nil
}

func (m *memEnrollments) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.enrolled), len(m.community)
}

type sent struct {
	UserID uuid.UUID
	Type   models.NotificationType
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sent
}

func (r *recordingNotifier) Notify(_ context.Context, userID uuid.UUID, typ models.NotificationType, _, _, _ string, _ map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sent{UserID: userID, Type: typ})
}

func (r *recordingNotifier) count(userID uuid.UUID, typ models.NotificationType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.sent {
		if s.UserID == userID && s.Type == typ {
			n++
		}
	}
	return n
}

type fakeUsers struct {
	admins   []uuid.UUID
	accounts map[uuid.UUID]models.PayoutAccount
}

func (f *fakeUsers) GetRole(context.Context, uuid.UUID) (models.Role, error) {
	return models.RoleLearner, nil
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
	svc         *SService
	db          *memSettlement
	ledger      *memLedger
	enrollments *memEnrollments
	notifier    *recordingNotifier
	gw          *MockGateway
	course      models.Course
	trainer     models.Caller
	learner     models.Caller
	admin       models.Caller
}

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func newTestEnv(autoPayout bool) *testEnv {
	env := &testEnv{
		db:          newMemSettlement(),
		enrollments: newMemEnrollments(),
		notifier:    &recordingNotifier{},
		gw:          new(MockGateway),
		trainer:     models.Caller{ID: uuid.New(), Role: models.RoleTrainer},
		learner:     models.Caller{ID: uuid.New(), Role: models.RoleLearner},
		admin:       models.Caller{ID: uuid.New(), Role: models.RoleAdmin},
	}
	env.course = models.Course{
		ID:             uuid.New(),
		TrainerID:      env.trainer.ID,
		Title:          "Go for payments",
		Price:          dec("10000"),
		CommissionRate: dec("0.10"),
	}
	env.ledger = &memLedger{db: env.db}
	env.svc = NewSService(Deps{
		Conn:        env.db,
		Tx:          storage.NopTransactor{},
		Courses:     &fakeCourses{courses: map[uuid.UUID]models.Course{env.course.ID: env.course}},
		Enrollments: env.enrollments,
		Users: &fakeUsers{
			admins: []uuid.UUID{env.admin.ID},
			accounts: map[uuid.UUID]models.PayoutAccount{
				env.trainer.ID: {UserID: env.trainer.ID, Phone: "22997000000", Country: "BJ"},
			},
		},
		Ledger:   ledger.NewLService(env.ledger, false),
		Authz:    auth.NewRoleAuthorizer(),
		Locker:   locker.NewKeyedMutex(),
		Gateway:  env.gw,
		Notifier: env.notifier,
	}, Config{AutoPayout: autoPayout})
	return env
}

// initiate creates a pending payment that the gateway knows as txID.
func (e *testEnv) initiate(t *testing.T, txID string) *models.Payment {
	t.Helper()
	e.gw.On("CreateTransaction", mock.Anything, mock.MatchedBy(func(req gateway.TransactionRequest) bool {
		return req.Amount.Equal(e.course.Price)
	})).Return(&gateway.Transaction{ID: txID, Status: "pending", PaymentURL: "https://pay.example/" + txID}, nil).Once()
	p, err := e.svc.InitiatePayment(context.Background(), e.learner, InitiateRequest{
		CourseID: e.course.ID,
		Phone:    "97000001",
		Country:  "BJ",
	})
	require.NoError(t, err)
	return p
}
