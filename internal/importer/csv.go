// Package importer parses bulk invoice uploads. Input is CSV, optionally
// gzip-compressed; rows are validated independently so one bad row never
// sinks the batch.
package importer

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"

	"duepoint/internal/types"
)

// MaxRows caps the number of data rows per import.
const MaxRows = 1000

// gzipMagic is the two-byte gzip stream header.
var gzipMagic = []byte{0x1f, 0x8b}

// requiredColumns must all be present in the header row.
var requiredColumns = []string{"customer_email", "amount", "due_date"}

// RowError describes why a single data row was rejected. Row numbers are
// 1-based and count the header.
type RowError struct {
	Row     int    `json:"row"`
	Message string `json:"message"`
}

// Result is the outcome of parsing one upload.
type Result struct {
	Invoices []*types.Invoice `json:"-"`
	Accepted int              `json:"accepted"`
	Rejected []RowError       `json:"rejected,omitempty"`
}

// Parse reads a CSV (or gzipped CSV) stream and returns the parseable
// invoices plus per-row errors. It fails outright only on unreadable input,
// a bad header, or a row-count overflow.
//
// Expected columns: customer_email, amount, due_date; optional: number,
// customer_name, currency, status, auto_chase. Amounts are decimal currency
// units ("125.50"), converted to cents.
func Parse(r io.Reader, accountID string) (*Result, error) {
	br := bufio.NewReader(r)

	head, err := br.Peek(2)
	if err != nil && err != io.EOF {
		return nil, types.NewAppError(types.ErrCodeValidationCSV,
			"failed to read upload", err)
	}
	var src io.Reader = br
	if bytes.Equal(head, gzipMagic) {
		gz, err := gzip.NewReader(br)
		if err != nil {
			return nil, types.NewAppError(types.ErrCodeValidationCSV,
				"invalid gzip stream", err)
		}
		defer gz.Close()
		src = gz
	}

	reader := csv.NewReader(src)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationCSV,
			"missing CSV header row", err)
	}
	columns, err := mapHeader(header)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	row := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		row++
		if err != nil {
			result.Rejected = append(result.Rejected, RowError{Row: row, Message: "unparseable CSV row"})
			continue
		}
		if len(result.Invoices)+1 > MaxRows {
			return nil, types.NewAppError(types.ErrCodeValidationBatchSize,
				fmt.Sprintf("import exceeds %d rows", MaxRows), nil)
		}

		inv, rowErr := parseRow(record, columns, accountID)
		if rowErr != "" {
			result.Rejected = append(result.Rejected, RowError{Row: row, Message: rowErr})
			continue
		}
		result.Invoices = append(result.Invoices, inv)
	}

	result.Accepted = len(result.Invoices)
	return result, nil
}

// mapHeader resolves column names to indices, case-insensitively.
func mapHeader(header []string) (map[string]int, error) {
	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range requiredColumns {
		if _, ok := columns[required]; !ok {
			return nil, types.NewAppError(types.ErrCodeValidationCSV,
				fmt.Sprintf("missing required column %q", required), nil)
		}
	}
	return columns, nil
}

func parseRow(record []string, columns map[string]int, accountID string) (*types.Invoice, string) {
	field := func(name string) string {
		idx, ok := columns[name]
		if !ok || idx >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[idx])
	}

	email := field("customer_email")
	if email == "" || !strings.Contains(email, "@") {
		return nil, "missing or invalid customer_email"
	}

	cents, err := parseAmount(field("amount"))
	if err != nil {
		return nil, err.Error()
	}

	dueAt, err := types.ParseInstant(field("due_date"))
	if err != nil {
		return nil, "invalid due_date"
	}

	status := types.InvoicePending
	if raw := field("status"); raw != "" {
		status = types.InvoiceStatus(strings.ToLower(raw))
		if !status.Valid() {
			return nil, fmt.Sprintf("invalid status %q", raw)
		}
	}

	currency := strings.ToUpper(field("currency"))
	if currency == "" {
		currency = "USD"
	}

	autoChase := false
	if raw := field("auto_chase"); raw != "" {
		autoChase, err = strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Sprintf("invalid auto_chase %q", raw)
		}
	}

	inv := &types.Invoice{
		AccountID:        accountID,
		Number:           field("number"),
		CustomerName:     field("customer_name"),
		CustomerEmail:    email,
		AmountCents:      cents,
		Currency:         currency,
		Status:           status,
		DueAt:            dueAt.UTC(),
		AutoChaseEnabled: autoChase,
	}
	return inv, ""
}

// parseAmount converts a decimal currency string to integer cents without
// going through float64.
func parseAmount(raw string) (int64, error) {
	if raw == "" {
		return 0, fmt.Errorf("missing amount")
	}
	raw = strings.ReplaceAll(raw, ",", "")

	whole, frac, _ := strings.Cut(raw, ".")
	if len(frac) > 2 {
		return 0, fmt.Errorf("amount has more than two decimal places")
	}
	for len(frac) < 2 {
		frac += "0"
	}

	units, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", raw)
	}
	centsPart, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q", raw)
	}
	if units < 0 {
		return 0, fmt.Errorf("amount must not be negative")
	}
	return units*100 + centsPart, nil
}
