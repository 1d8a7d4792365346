package importer

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"duepoint/internal/types"
)

const sampleCSV = `customer_email,amount,due_date,number,customer_name,currency,status,auto_chase
dana@example.com,125.50,2026-04-01,INV-1,Dana Reyes,usd,pending,true
omar@example.com,80,2026-04-15,INV-2,Omar Haddad,,overdue,false
`

func TestParse_PlainCSV(t *testing.T) {
	res, err := Parse(strings.NewReader(sampleCSV), "acct_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Accepted != 2 || len(res.Rejected) != 0 {
		t.Fatalf("accepted=%d rejected=%v", res.Accepted, res.Rejected)
	}

	first := res.Invoices[0]
	if first.AccountID != "acct_1" {
		t.Errorf("account id = %q", first.AccountID)
	}
	if first.CustomerEmail != "dana@example.com" {
		t.Errorf("email = %q", first.CustomerEmail)
	}
	if first.AmountCents != 12550 {
		t.Errorf("amount = %d, want 12550", first.AmountCents)
	}
	if first.Currency != "USD" {
		t.Errorf("currency = %q, want USD (uppercased)", first.Currency)
	}
	if !first.AutoChaseEnabled {
		t.Error("auto_chase true should carry through")
	}
	want := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	if !first.DueAt.Equal(want) {
		t.Errorf("due at = %v, want %v", first.DueAt, want)
	}

	second := res.Invoices[1]
	if second.AmountCents != 8000 {
		t.Errorf("whole amount = %d, want 8000", second.AmountCents)
	}
	if second.Currency != "USD" {
		t.Errorf("empty currency should default to USD, got %q", second.Currency)
	}
	if second.Status != types.InvoiceOverdue {
		t.Errorf("status = %q", second.Status)
	}
}

func TestParse_GzippedCSV(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	gz.Write([]byte(sampleCSV))
	gz.Close()

	res, err := Parse(&buf, "acct_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Accepted != 2 {
		t.Fatalf("accepted = %d, want 2", res.Accepted)
	}
}

func TestParse_RowErrorsIsolated(t *testing.T) {
	in := `customer_email,amount,due_date
good@example.com,10.00,2026-04-01
not-an-email,10.00,2026-04-01
bad-amount@example.com,ten,2026-04-01
bad-date@example.com,10.00,someday
also-good@example.com,0.05,2026-05-01
`
	res, err := Parse(strings.NewReader(in), "acct_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Accepted != 2 {
		t.Fatalf("accepted = %d, want 2", res.Accepted)
	}
	if len(res.Rejected) != 3 {
		t.Fatalf("rejected = %v, want 3 rows", res.Rejected)
	}
	// Row numbers are 1-based counting the header.
	if res.Rejected[0].Row != 3 {
		t.Errorf("first rejected row = %d, want 3", res.Rejected[0].Row)
	}
}

func TestParse_MissingRequiredColumn(t *testing.T) {
	in := "customer_email,amount\na@example.com,10.00\n"
	_, err := Parse(strings.NewReader(in), "acct_1")
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %v", err)
	}
	if appErr.Code != types.ErrCodeValidationCSV {
		t.Fatalf("code = %s", appErr.Code)
	}
}

func TestParse_HeaderCaseInsensitive(t *testing.T) {
	in := "Customer_Email, Amount, Due_Date\na@example.com,10.00,2026-04-01\n"
	res, err := Parse(strings.NewReader(in), "acct_1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Accepted != 1 {
		t.Fatalf("accepted = %d", res.Accepted)
	}
}

func TestParse_RowCapEnforced(t *testing.T) {
	var sb strings.Builder
	sb.WriteString("customer_email,amount,due_date\n")
	for i := 0; i <= MaxRows; i++ {
		fmt.Fprintf(&sb, "c%d@example.com,10.00,2026-04-01\n", i)
	}

	_, err := Parse(strings.NewReader(sb.String()), "acct_1")
	var appErr *types.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected *types.AppError, got %v", err)
	}
	if appErr.Code != types.ErrCodeValidationBatchSize {
		t.Fatalf("code = %s, want %s", appErr.Code, types.ErrCodeValidationBatchSize)
	}
}

func TestParseAmount(t *testing.T) {
	cases := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"125.50", 12550, false},
		{"80", 8000, false},
		{"0.05", 5, false},
		{"1,240.50", 124050, false},
		{"10.5", 1050, false},
		{"10.123", 0, true},
		{"-5.00", 0, true},
		{"", 0, true},
		{"ten", 0, true},
	}
	for _, tc := range cases {
		got, err := parseAmount(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("parseAmount(%q): expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseAmount(%q): %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("parseAmount(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
