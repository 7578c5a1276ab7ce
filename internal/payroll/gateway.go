package payroll

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
)

// CalculationInput is the per-employee request the calculation service takes.
// The tax/contribution formulas live entirely behind this contract.
type CalculationInput struct {
	EmployeeID   int64                  `json:"employeeId"`
	BaseSalary   decimal.Decimal        `json:"baseSalary"`
	WorkedDays   int                    `json:"workedDays"`
	ExtraHours   decimal.Decimal        `json:"extraHours"`
	Disabilities decimal.Decimal        `json:"disabilities"`
	Bonuses      decimal.Decimal        `json:"bonuses"`
	Absences     int                    `json:"absences"`
	PeriodType   PeriodType             `json:"periodType"`
	Adjustments  []NormalizedAdjustment `json:"adjustments"`
	Year         string                 `json:"year"`
}

// CalculationResult carries the figures returned per employee.
type CalculationResult struct {
	EmployeeID         int64           `json:"employeeId"`
	GrossPay           decimal.Decimal `json:"grossPay"`
	TotalDeductions    decimal.Decimal `json:"totalDeductions"`
	NetPay             decimal.Decimal `json:"netPay"`
	IBC                decimal.Decimal `json:"ibc"`
	HealthDeduction    decimal.Decimal `json:"healthDeduction"`
	PensionDeduction   decimal.Decimal `json:"pensionDeduction"`
	TransportAllowance decimal.Decimal `json:"transportAllowance"`
}

// CalculationGateway is the pure request/response contract to the external
// calculation function.
type CalculationGateway interface {
	Calculate(ctx context.Context, in CalculationInput) (CalculationResult, error)
	CalculateBatch(ctx context.Context, in []CalculationInput) ([]CalculationResult, error)
}

// VerifyResult rejects results the engine must never accept: negative figures
// or a net pay that is not exactly gross minus deductions.
func VerifyResult(r CalculationResult) error {
	for name, v := range map[string]decimal.Decimal{
		"grossPay":        r.GrossPay,
		"totalDeductions": r.TotalDeductions,
		"netPay":          r.NetPay,
		"ibc":             r.IBC,
	} {
		if v.IsNegative() {
			return &GatewayError{Reason: fmt.Sprintf("negative %s for employee %d", name, r.EmployeeID)}
		}
	}
	if !r.NetPay.Equal(r.GrossPay.Sub(r.TotalDeductions)) {
		return &GatewayError{Reason: fmt.Sprintf("net pay mismatch for employee %d: %s != %s - %s",
			r.EmployeeID, r.NetPay, r.GrossPay, r.TotalDeductions)}
	}
	return nil
}

// HTTPGateway talks to the calculation service over JSON/HTTP.
type HTTPGateway struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPGateway constructs a gateway client with the given request timeout.
// Non-response from the service surfaces as a GatewayError after the timeout;
// callers treat that as a step failure, never an infinite wait.
func NewHTTPGateway(baseURL string, timeout time.Duration) *HTTPGateway {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &HTTPGateway{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Calculate computes figures for a single employee.
func (g *HTTPGateway) Calculate(ctx context.Context, in CalculationInput) (CalculationResult, error) {
	results, err := g.post(ctx, "/calculate", []CalculationInput{in})
	if err != nil {
		return CalculationResult{}, err
	}
	if len(results) != 1 {
		return CalculationResult{}, &GatewayError{Reason: fmt.Sprintf("expected 1 result, got %d", len(results))}
	}
	return results[0], nil
}

// CalculateBatch computes figures for many employees in one round trip. The
// response must be same-length and same-order as the request.
func (g *HTTPGateway) CalculateBatch(ctx context.Context, in []CalculationInput) ([]CalculationResult, error) {
	if len(in) == 0 {
		return nil, nil
	}
	results, err := g.post(ctx, "/calculate/batch", in)
	if err != nil {
		return nil, err
	}
	if len(results) != len(in) {
		return nil, &GatewayError{Reason: fmt.Sprintf("expected %d results, got %d", len(in), len(results))}
	}
	for i, r := range results {
		if r.EmployeeID != in[i].EmployeeID {
			return nil, &GatewayError{Reason: fmt.Sprintf("result order mismatch at index %d", i)}
		}
	}
	return results, nil
}

func (g *HTTPGateway) post(ctx context.Context, path string, in []CalculationInput) ([]CalculationResult, error) {
	body := &bytes.Buffer{}
	if err := json.NewEncoder(body).Encode(in); err != nil {
		return nil, &GatewayError{Reason: "encode request", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, body)
	if err != nil {
		return nil, &GatewayError{Reason: "build request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, &GatewayError{Reason: "request failed", Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 400 {
		return nil, &GatewayError{Reason: fmt.Sprintf("calculation service returned status %d", resp.StatusCode)}
	}

	var results []CalculationResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, &GatewayError{Reason: "decode response", Err: err}
	}
	for _, r := range results {
		if err := VerifyResult(r); err != nil {
			return nil, err
		}
	}
	return results, nil
}
