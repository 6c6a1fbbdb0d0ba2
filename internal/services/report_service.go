package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	domain "github.com/bazaar-market/api/internal/domain"
	"github.com/bazaar-market/api/internal/repositories"
)

const (
	reportDateLayout    = "2006-01-02"
	recentOrdersLimit   = 10
	reportPeriodStart   = "all time"
	reportPeriodEnd     = "present"
	reportContentType   = "application/json"
	reportArchivePrefix = "sales-reports"
)

var (
	// ErrReportInvalidInput indicates malformed report parameters.
	ErrReportInvalidInput = errors.New("report: invalid input")
	// ErrReportForbidden indicates the actor's role has no report access.
	ErrReportForbidden = errors.New("report: forbidden")
	// ErrReportUnavailable indicates a report dependency is not configured or reachable.
	ErrReportUnavailable = errors.New("report: unavailable")
)

// ReportServiceDeps bundles collaborators required by the report service.
type ReportServiceDeps struct {
	Orders   repositories.OrderRepository
	Archiver ReportArchiver
	Clock    func() time.Time
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type reportService struct {
	orders   repositories.OrderRepository
	archiver ReportArchiver
	clock    func() time.Time
	logger   func(context.Context, string, map[string]any)
}

// NewReportService constructs a ReportService.
func NewReportService(deps ReportServiceDeps) (ReportService, error) {
	if deps.Orders == nil {
		return nil, errors.New("report service: order repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &reportService{
		orders:   deps.Orders,
		archiver: deps.Archiver,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (s *reportService) Statistics(ctx context.Context, actor Actor) (OrderStatistics, error) {
	switch actor.Role {
	case domain.RoleAdmin:
		return s.adminStatistics(ctx)
	case domain.RoleVendor:
		if strings.TrimSpace(actor.ID) == "" {
			return OrderStatistics{}, fmt.Errorf("%w: vendor id is required", ErrReportInvalidInput)
		}
		return s.vendorStatistics(ctx, actor.ID)
	default:
		return OrderStatistics{}, fmt.Errorf("%w: statistics not allowed for this role", ErrReportForbidden)
	}
}

func (s *reportService) adminStatistics(ctx context.Context) (OrderStatistics, error) {
	var (
		all    []Order
		recent []Order
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		all, err = s.orders.Scan(gctx, repositories.OrderScanFilter{})
		return err
	})
	g.Go(func() error {
		var err error
		recent, err = s.orders.Recent(gctx, recentOrdersLimit)
		return err
	})
	if err := g.Wait(); err != nil {
		return OrderStatistics{}, s.mapRepositoryError(err)
	}

	stats := OrderStatistics{TotalRevenue: decimal.Zero, RecentOrders: recent}
	counts := make(map[domain.OrderStatus]int)
	for _, order := range all {
		counts[order.Status]++
		if order.Status != domain.OrderStatusCancelled {
			stats.TotalRevenue = stats.TotalRevenue.Add(order.TotalAmount)
		}
	}
	stats.TotalOrders = len(all)
	stats.PendingOrders = counts[domain.OrderStatusPending]
	stats.CompletedOrders = counts[domain.OrderStatusDelivered]
	stats.OrdersByStatus = statusCounts(counts)
	if stats.RecentOrders == nil {
		stats.RecentOrders = []Order{}
	}
	return stats, nil
}

func (s *reportService) vendorStatistics(ctx context.Context, vendorID string) (OrderStatistics, error) {
	orders, err := s.orders.Scan(ctx, repositories.OrderScanFilter{VendorID: vendorID})
	if err != nil {
		return OrderStatistics{}, s.mapRepositoryError(err)
	}

	stats := OrderStatistics{TotalRevenue: decimal.Zero}
	counts := make(map[domain.OrderStatus]int)
	sold := 0
	for _, order := range orders {
		if !order.HasVendor(vendorID) {
			continue
		}
		stats.TotalOrders++
		counts[order.Status]++
		if order.Status == domain.OrderStatusCancelled {
			continue
		}
		revenue, units := vendorLineTotal(order, vendorID)
		stats.TotalRevenue = stats.TotalRevenue.Add(revenue)
		sold += units
	}
	stats.PendingOrders = counts[domain.OrderStatusPending]
	stats.CompletedOrders = counts[domain.OrderStatusDelivered]
	stats.OrdersByStatus = statusCounts(counts)
	stats.TotalProductsSold = &sold
	return stats, nil
}

func (s *reportService) SalesReport(ctx context.Context, query SalesReportQuery) (SalesReport, error) {
	actor := query.Actor
	if actor.Role != domain.RoleAdmin && actor.Role != domain.RoleVendor {
		return SalesReport{}, fmt.Errorf("%w: sales report not allowed for this role", ErrReportForbidden)
	}
	if query.Archive && actor.Role != domain.RoleAdmin {
		return SalesReport{}, fmt.Errorf("%w: only admins can archive reports", ErrReportForbidden)
	}

	window, err := parseReportWindow(query.StartDate, query.EndDate)
	if err != nil {
		return SalesReport{}, err
	}

	filter := repositories.OrderScanFilter{ExcludeCancelled: true, PlacedAt: window}
	if actor.Role == domain.RoleVendor {
		filter.VendorID = actor.ID
	}
	orders, err := s.orders.Scan(ctx, filter)
	if err != nil {
		return SalesReport{}, s.mapRepositoryError(err)
	}

	report := SalesReport{
		PeriodStart:       chooseFirstNonEmpty(strings.TrimSpace(query.StartDate), reportPeriodStart),
		PeriodEnd:         chooseFirstNonEmpty(strings.TrimSpace(query.EndDate), reportPeriodEnd),
		IncludeDailySales: window.From != nil && window.To != nil,
	}
	aggregateSales(&report, orders, actor)

	if query.Archive {
		uri, err := s.archive(ctx, report, actor)
		if err != nil {
			return SalesReport{}, err
		}
		report.ArchiveURI = uri
	}
	return report, nil
}

func (s *reportService) archive(ctx context.Context, report SalesReport, actor Actor) (string, error) {
	if s.archiver == nil {
		return "", fmt.Errorf("%w: report archive is not configured", ErrReportUnavailable)
	}
	payload, err := json.Marshal(report.Document())
	if err != nil {
		return "", fmt.Errorf("report: encode archive: %w", err)
	}
	now := s.clock()
	name := fmt.Sprintf("%s/%s/%s.json", reportArchivePrefix, now.Format(reportDateLayout), now.Format("20060102T150405Z"))
	uri, err := s.archiver.ArchiveReport(ctx, name, reportContentType, payload)
	if err != nil {
		s.logger(ctx, "report.archive_failed", map[string]any{
			"object":  name,
			"actorId": actor.ID,
			"error":   err.Error(),
		})
		return "", fmt.Errorf("%w: %v", ErrReportUnavailable, err)
	}
	s.logger(ctx, "report.archived", map[string]any{
		"object":  name,
		"uri":     uri,
		"actorId": actor.ID,
	})
	return uri, nil
}

func (s *reportService) mapRepositoryError(err error) error {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsUnavailable() {
		return fmt.Errorf("%w: %v", ErrReportUnavailable, err)
	}
	return err
}

// aggregateSales fills the summary and breakdowns. Vendors only count their own
// lines; admins count order totals.
func aggregateSales(report *SalesReport, orders []Order, actor Actor) {
	vendorView := actor.Role == domain.RoleVendor
	totalSales := decimal.Zero
	count := 0
	sold := 0
	byMethod := make(map[domain.PaymentMethod]*PaymentMethodSales)
	byDay := make(map[string]*DailySales)

	for _, order := range orders {
		amount := order.TotalAmount
		if vendorView {
			if !order.HasVendor(actor.ID) {
				continue
			}
			var units int
			amount, units = vendorLineTotal(order, actor.ID)
			sold += units
		}
		count++
		totalSales = totalSales.Add(amount)

		method, ok := byMethod[order.PaymentMethod]
		if !ok {
			method = &PaymentMethodSales{PaymentMethod: order.PaymentMethod, Total: decimal.Zero}
			byMethod[order.PaymentMethod] = method
		}
		method.Count++
		method.Total = method.Total.Add(amount)

		if report.IncludeDailySales {
			key := order.PlacedAt.UTC().Format(reportDateLayout)
			day, ok := byDay[key]
			if !ok {
				day = &DailySales{Date: key, Total: decimal.Zero}
				byDay[key] = day
			}
			day.Count++
			day.Total = day.Total.Add(amount)
		}
	}

	average := decimal.Zero
	if count > 0 {
		average = totalSales.Div(decimal.NewFromInt(int64(count))).Round(2)
	}
	report.Summary = SalesSummary{
		TotalOrders:       count,
		TotalSales:        totalSales,
		AverageOrderValue: average,
	}
	if vendorView {
		report.Summary.TotalProductsSold = &sold
	}

	report.SalesByPaymentMethod = make([]PaymentMethodSales, 0, len(byMethod))
	for _, entry := range byMethod {
		report.SalesByPaymentMethod = append(report.SalesByPaymentMethod, *entry)
	}
	sort.Slice(report.SalesByPaymentMethod, func(i, j int) bool {
		return report.SalesByPaymentMethod[i].PaymentMethod < report.SalesByPaymentMethod[j].PaymentMethod
	})

	report.DailySales = make([]DailySales, 0, len(byDay))
	for _, entry := range byDay {
		report.DailySales = append(report.DailySales, *entry)
	}
	sort.Slice(report.DailySales, func(i, j int) bool {
		return report.DailySales[i].Date < report.DailySales[j].Date
	})
}

// parseReportWindow converts YYYY-MM-DD bounds into an inclusive range. The end
// date covers the whole day.
func parseReportWindow(start, end string) (domain.RangeQuery[time.Time], error) {
	var window domain.RangeQuery[time.Time]
	if raw := strings.TrimSpace(start); raw != "" {
		from, err := time.Parse(reportDateLayout, raw)
		if err != nil {
			return window, fmt.Errorf("%w: start_date must use YYYY-MM-DD", ErrReportInvalidInput)
		}
		window.From = &from
	}
	if raw := strings.TrimSpace(end); raw != "" {
		day, err := time.Parse(reportDateLayout, raw)
		if err != nil {
			return window, fmt.Errorf("%w: end_date must use YYYY-MM-DD", ErrReportInvalidInput)
		}
		to := day.Add(24*time.Hour - time.Nanosecond)
		window.To = &to
	}
	if window.From != nil && window.To != nil && window.From.After(*window.To) {
		return window, fmt.Errorf("%w: start_date must not be after end_date", ErrReportInvalidInput)
	}
	return window, nil
}

func statusCounts(counts map[domain.OrderStatus]int) []StatusCount {
	out := make([]StatusCount, 0, len(counts))
	for _, status := range domain.OrderStatuses {
		if n := counts[status]; n > 0 {
			out = append(out, StatusCount{Status: status, Count: n})
		}
	}
	return out
}

func chooseFirstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

// SalesReportDocument is the JSON shape of a sales report.
type SalesReportDocument struct {
	Period struct {
		Start string `json:"start"`
		End   string `json:"end"`
	} `json:"period"`
	Summary struct {
		TotalOrders       int         `json:"total_orders"`
		TotalSales        json.Number `json:"total_sales"`
		AverageOrderValue json.Number `json:"average_order_value"`
		TotalProductsSold *int        `json:"total_products_sold,omitempty"`
	} `json:"summary"`
	SalesByPaymentMethod []PaymentMethodSalesDocument `json:"sales_by_payment_method"`
	DailySales           *[]DailySalesDocument        `json:"daily_sales,omitempty"`
	ArchiveURI           string                       `json:"archive_uri,omitempty"`
}

// PaymentMethodSalesDocument is one payment method row.
type PaymentMethodSalesDocument struct {
	PaymentMethod string      `json:"payment_method"`
	Count         int         `json:"count"`
	Total         json.Number `json:"total"`
}

// DailySalesDocument is one day row.
type DailySalesDocument struct {
	Date  string      `json:"date"`
	Count int         `json:"count"`
	Total json.Number `json:"total"`
}

// Document renders the report for JSON responses and archives.
func (r SalesReport) Document() SalesReportDocument {
	var doc SalesReportDocument
	doc.Period.Start = r.PeriodStart
	doc.Period.End = r.PeriodEnd
	doc.Summary.TotalOrders = r.Summary.TotalOrders
	doc.Summary.TotalSales = DecimalNumber(r.Summary.TotalSales)
	doc.Summary.AverageOrderValue = DecimalNumber(r.Summary.AverageOrderValue)
	doc.Summary.TotalProductsSold = r.Summary.TotalProductsSold
	doc.SalesByPaymentMethod = make([]PaymentMethodSalesDocument, 0, len(r.SalesByPaymentMethod))
	for _, entry := range r.SalesByPaymentMethod {
		doc.SalesByPaymentMethod = append(doc.SalesByPaymentMethod, PaymentMethodSalesDocument{
			PaymentMethod: string(entry.PaymentMethod),
			Count:         entry.Count,
			Total:         DecimalNumber(entry.Total),
		})
	}
	if !r.IncludeDailySales {
		doc.ArchiveURI = r.ArchiveURI
		return doc
	}
	days := make([]DailySalesDocument, 0, len(r.DailySales))
	for _, entry := range r.DailySales {
		days = append(days, DailySalesDocument{Date: entry.Date, Count: entry.Count, Total: DecimalNumber(entry.Total)})
	}
	// A windowed report always carries the array, even when no day matched.
	doc.DailySales = &days
	doc.ArchiveURI = r.ArchiveURI
	return doc
}

// DecimalNumber renders an amount as a JSON number literal.
func DecimalNumber(d decimal.Decimal) json.Number {
	return json.Number(d.String())
}
