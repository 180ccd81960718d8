package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/carewell/medcore/internal/domain/errs"
)

func TestDomainErrorStatusCodes(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"validation", errs.NewValidation("prescription", "", "dose", "must be positive"), 422},
		{"invalid state", errs.NewInvalidState("prescription", "p1", "DISCONTINUED", "activate"), 409},
		{"insufficient inventory", &errs.InsufficientInventory{MedicationID: "m1"}, 409},
		{"interval violation", &errs.IntervalViolation{PrescriptionID: "p1"}, 409},
		{"incomplete reconciliation", &errs.IncompleteReconciliation{ReconciliationID: "r1"}, 409},
		{"not found", errs.NewNotFound("batch", "b1"), 404},
		{"wrapped", fmt.Errorf("lookup: %w", errs.NewNotFound("batch", "b1")), 404},
		{"unknown", errors.New("pool exhausted"), 500},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			domainError(rr, tc.err)
			if rr.Code != tc.code {
				t.Errorf("status = %d, want %d", rr.Code, tc.code)
			}
			if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("content type = %q", ct)
			}
		})
	}
}

func TestDomainErrorHidesInternalDetail(t *testing.T) {
	rr := httptest.NewRecorder()
	domainError(rr, errors.New("dial tcp 10.0.0.4:5432: connection refused"))

	var body map[string]string
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["error"] != "internal server error" {
		t.Errorf("error = %q, internal detail leaked", body["error"])
	}
}

func TestDomainErrorConflictPayloads(t *testing.T) {
	t.Run("insufficient inventory", func(t *testing.T) {
		rr := httptest.NewRecorder()
		domainError(rr, &errs.InsufficientInventory{
			MedicationID: "m1",
			LocationID:   "l1",
			Requested:    decimal.NewFromInt(10),
			Available:    decimal.NewFromInt(4),
		})
		var body map[string]interface{}
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["medication_id"] != "m1" {
			t.Errorf("medication_id = %v", body["medication_id"])
		}
		if body["requested"] != "10" || body["available"] != "4" {
			t.Errorf("quantities = %v / %v", body["requested"], body["available"])
		}
	})

	t.Run("interval violation", func(t *testing.T) {
		rr := httptest.NewRecorder()
		domainError(rr, &errs.IntervalViolation{
			PrescriptionID: "p1",
			LastDoseAt:     "2026-01-01T10:00:00Z",
			MinInterval:    "4h0m0s",
			NextAllowedAt:  "2026-01-01T14:00:00Z",
		})
		var body map[string]interface{}
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if body["next_allowed_at"] != "2026-01-01T14:00:00Z" {
			t.Errorf("next_allowed_at = %v", body["next_allowed_at"])
		}
	})

	t.Run("incomplete reconciliation", func(t *testing.T) {
		rr := httptest.NewRecorder()
		domainError(rr, &errs.IncompleteReconciliation{
			ReconciliationID: "r1",
			Unresolved:       []string{"m1", "m2"},
		})
		var body struct {
			Unresolved []string `json:"unresolved"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode body: %v", err)
		}
		if len(body.Unresolved) != 2 {
			t.Errorf("unresolved = %v", body.Unresolved)
		}
	})
}

func TestParseOptionalID(t *testing.T) {
	if id, err := parseOptionalID(""); id != nil || err != nil {
		t.Errorf("empty input: %v, %v", id, err)
	}
	if _, err := parseOptionalID("not-a-uuid"); err == nil {
		t.Error("bad uuid accepted")
	}
	id, err := parseOptionalID("7d444840-9dc0-11d1-b245-5ffdce74fad2")
	if err != nil || id == nil {
		t.Fatalf("valid uuid rejected: %v", err)
	}
}
