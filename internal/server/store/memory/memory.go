// Package memory is the in-process backend repository used for development
// and tests. NewSeeded loads the demo catalog and default accounts.
package memory

import (
	"context"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"rutapos/core/internal/domain"
	"rutapos/core/internal/server/store"
)

type Store struct {
	mu       sync.RWMutex
	products map[string]domain.Product
	sales    map[string]domain.Sale
	payments map[string]domain.PendingPayment
	results  map[string]domain.SubmitResponse
	users    map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		products: make(map[string]domain.Product),
		sales:    make(map[string]domain.Sale),
		payments: make(map[string]domain.PendingPayment),
		results:  make(map[string]domain.SubmitResponse),
		users:    make(map[string]domain.UserAccount),
	}
}

// NewSeeded returns a store preloaded with the demo reseller catalog and the
// default agent/admin accounts.
func NewSeeded() *Store {
	s := New()
	products := []domain.Product{
		{SKU: "SKU-ARROZ-01", Name: "Arroz 1kg", UnitPriceCents: 4500, Stock: 120, Version: 1},
		{SKU: "SKU-ACEITE-01", Name: "Aceite 900ml", UnitPriceCents: 9800, Stock: 60, Version: 1},
		{SKU: "SKU-AZUCAR-01", Name: "Azucar 1kg", UnitPriceCents: 3900, Stock: 90, Version: 1},
		{SKU: "SKU-CAFE-01", Name: "Cafe Molido 250g", UnitPriceCents: 12500, Stock: 45, Version: 1},
		{SKU: "SKU-LECHE-01", Name: "Leche en Polvo 400g", UnitPriceCents: 15800, Stock: 30, Version: 1},
		{SKU: "SKU-JABON-01", Name: "Jabon de Tocador", UnitPriceCents: 2800, Stock: 150, Version: 1},
		{SKU: "SKU-HARINA-01", Name: "Harina de Maiz 1kg", UnitPriceCents: 4100, Stock: 80, Version: 1},
		{SKU: "SKU-PASTA-01", Name: "Pasta Larga 500g", UnitPriceCents: 3600, Stock: 100, Version: 1},
	}
	for _, p := range products {
		s.products[p.SKU] = p
	}
	for username, u := range seedUsers() {
		s.users[username] = u
	}
	return s
}

// seedUsers builds the initial accounts for dev/demo mode. Credentials come
// from SEED_ADMIN_PASSWORD and SEED_AGENT_PASSWORD; hardcoded dev defaults
// are used with a warning when unset. Production deployments use PostgreSQL
// and provisioned accounts.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	agentPwd := envOr("SEED_AGENT_PASSWORD", "agent123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_AGENT_PASSWORD") == "" {
		log.Println("[memory-store] WARNING: using default dev credentials. Set SEED_ADMIN_PASSWORD and SEED_AGENT_PASSWORD to override.")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, "admin"},
		{"agente", agentPwd, "agent"},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("[memory-store] failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s *Store) GetProduct(_ context.Context, sku string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.products[sku]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Product, 0, len(s.products))
	for sku := range s.products {
		out = append(out, s.products[sku])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SKU < out[j].SKU })
	return out, nil
}

func (s *Store) UpdateStock(_ context.Context, sku string, delta int) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.products[sku]
	if !ok {
		return nil, store.ErrNotFound
	}
	if p.Stock+delta < 0 {
		return nil, store.ErrInsufficientStock
	}
	p.Stock += delta
	p.Version++
	s.products[sku] = p
	return &p, nil
}

func (s *Store) ApplySale(_ context.Context, sale domain.Sale) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sales[sale.ID]; ok {
		return 0, store.ErrAlreadyExists
	}

	// Validate the whole sale before mutating anything, summing lines that
	// repeat a SKU, so a rejected sale leaves stock exactly as it was.
	need := make(map[string]int, len(sale.Items))
	for _, line := range sale.Items {
		need[line.SKU] += line.Qty
	}
	for sku, qty := range need {
		p, ok := s.products[sku]
		if !ok {
			return 0, store.ErrNotFound
		}
		if qty > p.Stock {
			return 0, store.ErrInsufficientStock
		}
	}

	var newVersion int64
	for _, line := range sale.Items {
		if line.Qty == 0 {
			continue
		}
		p := s.products[line.SKU]
		p.Stock -= line.Qty
		p.Version++
		s.products[line.SKU] = p
		if p.Version > newVersion {
			newVersion = p.Version
		}
	}
	s.sales[sale.ID] = sale
	return newVersion, nil
}

func (s *Store) GetSale(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sale, ok := s.sales[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &sale, nil
}

func (s *Store) CreatePayment(_ context.Context, payment domain.PendingPayment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.payments[payment.ID]; ok {
		return store.ErrAlreadyExists
	}
	s.payments[payment.ID] = payment
	return nil
}

func (s *Store) GetPayment(_ context.Context, id string) (*domain.PendingPayment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.payments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (s *Store) SetPaymentStatus(_ context.Context, id string, status domain.PaymentStatus) (*domain.PendingPayment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.payments[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if p.Status.Terminal() {
		return nil, store.ErrTerminalStatus
	}
	p.Status = status
	s.payments[id] = p
	return &p, nil
}

func (s *Store) FindActionResult(_ context.Context, actionID string) (*domain.SubmitResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	resp, ok := s.results[actionID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &resp, nil
}

func (s *Store) SaveActionResult(_ context.Context, actionID string, resp domain.SubmitResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.results[actionID] = resp
	return nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[user.Username]; ok {
		return store.ErrAlreadyExists
	}
	s.users[user.Username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.UserAccount, 0, len(s.users))
	for username := range s.users {
		out = append(out, s.users[username])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (s *Store) Close() error {
	return nil
}
