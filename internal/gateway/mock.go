package gateway

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drfirst/go-medsafe/internal/domain/medication"
)

// Order statuses kept by the in-memory HIS.
const (
	hisStatusActive       = "ACTIVE"
	hisStatusDiscontinued = "DISCONTINUED"
)

// PlacedOrder is an order as recorded by the in-memory HIS.
type PlacedOrder struct {
	OrderID           string        `json:"order_id"`
	Request           CreateRequest `json:"request"`
	Status            string        `json:"status"`
	CreatedAt         time.Time     `json:"created_at"`
	DiscontinuedAt    *time.Time    `json:"discontinued_at,omitempty"`
	DiscontinueReason string        `json:"discontinue_reason,omitempty"`
}

// MockGateway is an in-memory HIS for development and tests. It knows a
// fixed set of patients and never talks to a network.
type MockGateway struct {
	mu       sync.Mutex
	orders   map[string]*PlacedOrder
	patients map[string]Patient
	now      func() time.Time
	logger   *zap.Logger
}

var (
	_ OrderGateway     = (*MockGateway)(nil)
	_ PatientDirectory = (*MockGateway)(nil)
)

// DemoPatients are the patients the in-memory HIS starts with.
func DemoPatients() []Patient {
	return []Patient{
		{ID: "P001", Name: "Wang Da-Ming", AgeYears: 75, WeightKg: 60, Sex: "male", CreatinineMgDL: 1.8,
			AdmissionDate: time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)},
		{ID: "P002", Name: "Li Xiao-Mei", AgeYears: 45, WeightKg: 55, Sex: "female", CreatinineMgDL: 0.9,
			AdmissionDate: time.Date(2026, 1, 7, 0, 0, 0, 0, time.UTC)},
		{ID: "P003", Name: "Chang Lao", AgeYears: 85, WeightKg: 50, Sex: "male", CreatinineMgDL: 2.5,
			AdmissionDate: time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC)},
	}
}

// NewMockGateway creates an in-memory HIS seeded with DemoPatients.
func NewMockGateway(logger *zap.Logger) *MockGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &MockGateway{
		orders:   make(map[string]*PlacedOrder),
		patients: make(map[string]Patient),
		now:      time.Now,
		logger:   logger,
	}
	for _, p := range DemoPatients() {
		g.patients[p.ID] = p
	}
	return g
}

// AddPatient registers or replaces a patient.
func (g *MockGateway) AddPatient(p Patient) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.patients[p.ID] = p
}

// NewOrderID returns an id of the form ORD-YYYYMMDD-XXXXXXXX.
func NewOrderID(at time.Time) string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("ORD-%s-%s", at.Format("20060102"), strings.ToUpper(hex[:8]))
}

// CreateOrder records the order as active.
func (g *MockGateway) CreateOrder(ctx context.Context, req CreateRequest) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.patients[req.PatientID]; !ok {
		return reject(CodePatientNotFound, "patient %s does not exist", req.PatientID)
	}

	at := g.now()
	id := NewOrderID(at)
	g.orders[id] = &PlacedOrder{
		OrderID:   id,
		Request:   req,
		Status:    hisStatusActive,
		CreatedAt: at,
	}
	g.logger.Info("order placed",
		zap.String("order_id", id),
		zap.String("patient_id", req.PatientID),
		zap.String("drug_code", req.DrugCode))
	return Result{Success: true, OrderID: id, Message: "order created"}, nil
}

// DiscontinueOrder stops an active order.
func (g *MockGateway) DiscontinueOrder(ctx context.Context, orderID, reason string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	o, ok := g.orders[orderID]
	if !ok {
		return reject(CodeOrderNotFound, "order %s does not exist", orderID)
	}
	if o.Status == hisStatusDiscontinued {
		return reject(CodeAlreadyDiscontinued, "order %s is already discontinued", orderID)
	}

	at := g.now()
	o.Status = hisStatusDiscontinued
	o.DiscontinuedAt = &at
	o.DiscontinueReason = reason
	g.logger.Info("order discontinued",
		zap.String("order_id", orderID),
		zap.String("reason", reason))
	return Result{Success: true, OrderID: orderID, Message: "order discontinued"}, nil
}

// Order returns a copy of a placed order.
func (g *MockGateway) Order(orderID string) (PlacedOrder, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	o, ok := g.orders[orderID]
	if !ok {
		return PlacedOrder{}, false
	}
	return *o, true
}

// Patient returns a known patient.
func (g *MockGateway) Patient(ctx context.Context, patientID string) (Patient, error) {
	if err := ctx.Err(); err != nil {
		return Patient{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	p, ok := g.patients[patientID]
	if !ok {
		return Patient{}, fmt.Errorf("%w: patient %s", medication.ErrNotFound, patientID)
	}
	return p, nil
}

// ActiveOrders lists the patient's active orders, oldest first.
func (g *MockGateway) ActiveOrders(patientID string) []PlacedOrder {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []PlacedOrder
	for _, o := range g.orders {
		if o.Request.PatientID == patientID && o.Status == hisStatusActive {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].OrderID < out[j].OrderID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
