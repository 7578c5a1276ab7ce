package payroll

import (
	"encoding/hex"
	"encoding/json"
	"sort"

	"golang.org/x/crypto/blake2b"
)

// hashEntry is the canonical wire form fed to the content hash. Decimals are
// normalized through String so 100.0 and 100.00 hash identically, and the
// volatile UpdatedAt field is excluded.
type hashEntry struct {
	EmployeeID         int64  `json:"employeeId"`
	WorkedDays         int    `json:"workedDays"`
	GrossPay           string `json:"grossPay"`
	TotalDeductions    string `json:"totalDeductions"`
	NetPay             string `json:"netPay"`
	IBC                string `json:"ibc"`
	HealthDeduction    string `json:"healthDeduction"`
	PensionDeduction   string `json:"pensionDeduction"`
	TransportAllowance string `json:"transportAllowance"`
}

// ContentHash computes a stable digest of an entry set. Identical figures
// always produce an identical hash regardless of slice order, which is what
// gates redundant persistence after a no-op recalculation.
func ContentHash(entries []EmployeePeriodEntry) string {
	canonical := make([]hashEntry, 0, len(entries))
	for _, e := range entries {
		canonical = append(canonical, hashEntry{
			EmployeeID:         e.EmployeeID,
			WorkedDays:         e.WorkedDays,
			GrossPay:           e.GrossPay.String(),
			TotalDeductions:    e.TotalDeductions.String(),
			NetPay:             e.NetPay.String(),
			IBC:                e.IBC.String(),
			HealthDeduction:    e.HealthDeduction.String(),
			PensionDeduction:   e.PensionDeduction.String(),
			TransportAllowance: e.TransportAllowance.String(),
		})
	}
	sort.Slice(canonical, func(i, j int) bool { return canonical[i].EmployeeID < canonical[j].EmployeeID })
	payload, err := json.Marshal(canonical)
	if err != nil {
		// Marshal of a plain struct slice cannot fail; keep the signature simple.
		panic(err)
	}
	digest := blake2b.Sum256(payload)
	return hex.EncodeToString(digest[:])
}
