package services

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/bazaar-market/api/internal/domain"
	"github.com/bazaar-market/api/internal/repositories/memory"
)

type stubReportArchiver struct {
	names    []string
	payloads [][]byte
	err      error
}

func (s *stubReportArchiver) ArchiveReport(_ context.Context, name string, contentType string, payload []byte) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	if contentType != "application/json" {
		return "", errors.New("unexpected content type " + contentType)
	}
	s.names = append(s.names, name)
	s.payloads = append(s.payloads, payload)
	return "gs://reports/" + name, nil
}

func seedReportOrders(t *testing.T) *memory.Store {
	t.Helper()
	store := memory.NewStore()
	day := func(d, h int) time.Time { return time.Date(2024, 6, d, h, 0, 0, 0, time.UTC) }
	orders := []domain.Order{
		{
			ID: "o1", UserID: "u1", Status: domain.OrderStatusPending, PaymentMethod: domain.PaymentMethodCash,
			TotalAmount: decimal.NewFromInt(100), PlacedAt: day(1, 9), VendorIDs: []string{"v1"},
			Items: []domain.OrderItem{{ProductID: "p1", VendorID: "v1", UnitPrice: decimal.NewFromInt(50), Quantity: 2}},
		},
		{
			ID: "o2", UserID: "u2", Status: domain.OrderStatusDelivered, PaymentMethod: domain.PaymentMethodCredit,
			TotalAmount: decimal.NewFromInt(50), PlacedAt: day(1, 23), VendorIDs: []string{"v1", "v2"},
			Items: []domain.OrderItem{
				{ProductID: "p1", VendorID: "v1", UnitPrice: decimal.NewFromInt(10), Quantity: 1},
				{ProductID: "p2", VendorID: "v2", UnitPrice: decimal.NewFromInt(40), Quantity: 1},
			},
		},
		{
			ID: "o3", UserID: "u1", Status: domain.OrderStatusCancelled, PaymentMethod: domain.PaymentMethodCash,
			TotalAmount: decimal.NewFromInt(999), PlacedAt: day(2, 10), VendorIDs: []string{"v1"},
			Items: []domain.OrderItem{{ProductID: "p1", VendorID: "v1", UnitPrice: decimal.NewFromInt(999), Quantity: 1}},
		},
		{
			ID: "o4", UserID: "u3", Status: domain.OrderStatusShipped, PaymentMethod: domain.PaymentMethodCash,
			TotalAmount: decimal.NewFromInt(20), PlacedAt: day(3, 12), VendorIDs: []string{"v2"},
			Items: []domain.OrderItem{{ProductID: "p2", VendorID: "v2", UnitPrice: decimal.NewFromInt(20), Quantity: 1}},
		},
	}
	for _, order := range orders {
		seedOrder(t, store, order)
	}
	return store
}

func newReportServiceForStore(t *testing.T, store *memory.Store, archiver ReportArchiver) ReportService {
	t.Helper()
	svc, err := NewReportService(ReportServiceDeps{
		Orders:   store.Orders(),
		Archiver: archiver,
		Clock:    func() time.Time { return time.Date(2024, 7, 1, 8, 30, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("NewReportService: %v", err)
	}
	return svc
}

func TestStatisticsAdmin(t *testing.T) {
	svc := newReportServiceForStore(t, seedReportOrders(t), nil)

	stats, err := svc.Statistics(context.Background(), Actor{ID: "a1", Role: domain.RoleAdmin})
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if stats.TotalOrders != 4 || stats.PendingOrders != 1 || stats.CompletedOrders != 1 {
		t.Fatalf("unexpected counts %+v", stats)
	}
	if !stats.TotalRevenue.Equal(decimal.NewFromInt(170)) {
		t.Fatalf("expected revenue 170, got %s", stats.TotalRevenue)
	}
	if stats.TotalProductsSold != nil {
		t.Fatalf("admin stats must not report products sold")
	}
	if len(stats.RecentOrders) != 4 || stats.RecentOrders[0].ID != "o4" {
		t.Fatalf("unexpected recent orders %+v", stats.RecentOrders)
	}
	want := []StatusCount{
		{Status: domain.OrderStatusPending, Count: 1},
		{Status: domain.OrderStatusShipped, Count: 1},
		{Status: domain.OrderStatusDelivered, Count: 1},
		{Status: domain.OrderStatusCancelled, Count: 1},
	}
	if len(stats.OrdersByStatus) != len(want) {
		t.Fatalf("unexpected status counts %+v", stats.OrdersByStatus)
	}
	for i := range want {
		if stats.OrdersByStatus[i] != want[i] {
			t.Fatalf("status count %d = %+v, want %+v", i, stats.OrdersByStatus[i], want[i])
		}
	}
}

func TestStatisticsVendorCountsOwnLines(t *testing.T) {
	svc := newReportServiceForStore(t, seedReportOrders(t), nil)

	stats, err := svc.Statistics(context.Background(), Actor{ID: "v1", Role: domain.RoleVendor})
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if stats.TotalOrders != 3 || stats.PendingOrders != 1 || stats.CompletedOrders != 1 {
		t.Fatalf("unexpected counts %+v", stats)
	}
	if !stats.TotalRevenue.Equal(decimal.NewFromInt(110)) {
		t.Fatalf("expected vendor revenue 110, got %s", stats.TotalRevenue)
	}
	if stats.TotalProductsSold == nil || *stats.TotalProductsSold != 3 {
		t.Fatalf("expected 3 products sold, got %v", stats.TotalProductsSold)
	}
}

func TestStatisticsForbiddenForUsers(t *testing.T) {
	svc := newReportServiceForStore(t, memory.NewStore(), nil)
	if _, err := svc.Statistics(context.Background(), Actor{ID: "u1", Role: domain.RoleUser}); !errors.Is(err, ErrReportForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestSalesReportAllTime(t *testing.T) {
	svc := newReportServiceForStore(t, seedReportOrders(t), nil)

	report, err := svc.SalesReport(context.Background(), SalesReportQuery{Actor: Actor{ID: "a1", Role: domain.RoleAdmin}})
	if err != nil {
		t.Fatalf("SalesReport: %v", err)
	}
	if report.PeriodStart != "all time" || report.PeriodEnd != "present" {
		t.Fatalf("unexpected period %s..%s", report.PeriodStart, report.PeriodEnd)
	}
	if report.Summary.TotalOrders != 3 || !report.Summary.TotalSales.Equal(decimal.NewFromInt(170)) {
		t.Fatalf("unexpected summary %+v", report.Summary)
	}
	if !report.Summary.AverageOrderValue.Equal(decimal.RequireFromString("56.67")) {
		t.Fatalf("expected average 56.67, got %s", report.Summary.AverageOrderValue)
	}
	if report.IncludeDailySales || len(report.DailySales) != 0 {
		t.Fatalf("daily sales must be empty without both dates, got %+v", report.DailySales)
	}
	if len(report.SalesByPaymentMethod) != 2 {
		t.Fatalf("unexpected payment breakdown %+v", report.SalesByPaymentMethod)
	}
	cash := report.SalesByPaymentMethod[0]
	if cash.PaymentMethod != domain.PaymentMethodCash || cash.Count != 2 || !cash.Total.Equal(decimal.NewFromInt(120)) {
		t.Fatalf("unexpected cash row %+v", cash)
	}

	doc, err := json.Marshal(report.Document())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(doc), `"daily_sales"`) || !strings.Contains(string(doc), `"total_sales":170`) {
		t.Fatalf("unexpected document %s", doc)
	}
}

func TestSalesReportWindowIncludesWholeEndDay(t *testing.T) {
	svc := newReportServiceForStore(t, seedReportOrders(t), nil)

	report, err := svc.SalesReport(context.Background(), SalesReportQuery{
		Actor:     Actor{ID: "a1", Role: domain.RoleAdmin},
		StartDate: "2024-06-01",
		EndDate:   "2024-06-01",
	})
	if err != nil {
		t.Fatalf("SalesReport: %v", err)
	}
	if report.Summary.TotalOrders != 2 {
		t.Fatalf("expected both orders of June 1st, got %+v", report.Summary)
	}
	if len(report.DailySales) != 1 || report.DailySales[0].Date != "2024-06-01" || report.DailySales[0].Count != 2 {
		t.Fatalf("unexpected daily sales %+v", report.DailySales)
	}
}

func TestSalesReportEmptyWindowKeepsDailySales(t *testing.T) {
	svc := newReportServiceForStore(t, seedReportOrders(t), nil)

	report, err := svc.SalesReport(context.Background(), SalesReportQuery{
		Actor:     Actor{ID: "a1", Role: domain.RoleAdmin},
		StartDate: "2023-01-01",
		EndDate:   "2023-01-31",
	})
	if err != nil {
		t.Fatalf("SalesReport: %v", err)
	}
	if report.Summary.TotalOrders != 0 || !report.IncludeDailySales {
		t.Fatalf("unexpected empty window report %+v", report)
	}

	doc, err := json.Marshal(report.Document())
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(doc), `"daily_sales":[]`) {
		t.Fatalf("expected empty daily_sales array, got %s", doc)
	}
}

func TestSalesReportVendorView(t *testing.T) {
	svc := newReportServiceForStore(t, seedReportOrders(t), nil)

	report, err := svc.SalesReport(context.Background(), SalesReportQuery{
		Actor:     Actor{ID: "v2", Role: domain.RoleVendor},
		StartDate: "2024-06-01",
		EndDate:   "2024-06-30",
	})
	if err != nil {
		t.Fatalf("SalesReport: %v", err)
	}
	if report.Summary.TotalOrders != 2 || !report.Summary.TotalSales.Equal(decimal.NewFromInt(60)) {
		t.Fatalf("unexpected vendor summary %+v", report.Summary)
	}
	if report.Summary.TotalProductsSold == nil || *report.Summary.TotalProductsSold != 2 {
		t.Fatalf("expected 2 products sold, got %v", report.Summary.TotalProductsSold)
	}
	if len(report.DailySales) != 2 {
		t.Fatalf("expected two days, got %+v", report.DailySales)
	}
}

func TestSalesReportValidation(t *testing.T) {
	svc := newReportServiceForStore(t, memory.NewStore(), nil)
	ctx := context.Background()
	admin := Actor{ID: "a1", Role: domain.RoleAdmin}

	cases := []struct {
		name  string
		query SalesReportQuery
		want  error
	}{
		{name: "user role", query: SalesReportQuery{Actor: Actor{ID: "u1", Role: domain.RoleUser}}, want: ErrReportForbidden},
		{name: "bad start", query: SalesReportQuery{Actor: admin, StartDate: "06/01/2024"}, want: ErrReportInvalidInput},
		{name: "bad end", query: SalesReportQuery{Actor: admin, EndDate: "2024-13-01"}, want: ErrReportInvalidInput},
		{name: "inverted", query: SalesReportQuery{Actor: admin, StartDate: "2024-06-02", EndDate: "2024-06-01"}, want: ErrReportInvalidInput},
		{name: "vendor archive", query: SalesReportQuery{Actor: Actor{ID: "v1", Role: domain.RoleVendor}, Archive: true}, want: ErrReportForbidden},
		{name: "archive without archiver", query: SalesReportQuery{Actor: admin, Archive: true}, want: ErrReportUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.SalesReport(ctx, tc.query); !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

func TestSalesReportArchive(t *testing.T) {
	archiver := &stubReportArchiver{}
	svc := newReportServiceForStore(t, seedReportOrders(t), archiver)

	report, err := svc.SalesReport(context.Background(), SalesReportQuery{Actor: Actor{ID: "a1", Role: domain.RoleAdmin}, Archive: true})
	if err != nil {
		t.Fatalf("SalesReport: %v", err)
	}
	wantName := "sales-reports/2024-07-01/20240701T083000Z.json"
	if len(archiver.names) != 1 || archiver.names[0] != wantName {
		t.Fatalf("unexpected archive names %v", archiver.names)
	}
	if report.ArchiveURI != "gs://reports/"+wantName {
		t.Fatalf("unexpected archive uri %q", report.ArchiveURI)
	}
	var doc SalesReportDocument
	if err := json.Unmarshal(archiver.payloads[0], &doc); err != nil {
		t.Fatalf("archived payload is not a report document: %v", err)
	}
	if doc.Summary.TotalOrders != 3 {
		t.Fatalf("unexpected archived summary %+v", doc.Summary)
	}

	archiver.err = errors.New("bucket missing")
	if _, err := svc.SalesReport(context.Background(), SalesReportQuery{Actor: Actor{ID: "a1", Role: domain.RoleAdmin}, Archive: true}); !errors.Is(err, ErrReportUnavailable) {
		t.Fatalf("expected unavailable on archive failure, got %v", err)
	}
}
