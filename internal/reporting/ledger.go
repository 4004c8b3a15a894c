package reporting

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Well-known ledger fields the engines rely on.
const (
	FieldID             = "id"
	FieldDate           = "date"
	FieldCompany        = "company_id"
	FieldAccount        = "account_id"
	FieldAccountCode    = "account_code"
	FieldPartner        = "partner_id"
	FieldJournal        = "journal_id"
	FieldFiscalPosition = "fiscal_position_id"
	FieldTaxTag         = "tax_tag"
	FieldTaxNegate      = "tax_negate"
)

// JournalItemFields is the field catalogue of a journal item.
func JournalItemFields() map[string]FieldInfo {
	fields := []FieldInfo{
		{Name: FieldID, Groupable: true},
		{Name: FieldDate, Groupable: true},
		{Name: FieldCompany, Groupable: true, Reference: true},
		{Name: FieldAccount, Groupable: true, Reference: true},
		{Name: FieldAccountCode, Groupable: true},
		{Name: FieldPartner, Groupable: true, Reference: true},
		{Name: FieldJournal, Groupable: true, Reference: true},
		{Name: FieldFiscalPosition, Groupable: true},
		{Name: FieldTaxTag, Groupable: true},
		{Name: FieldTaxNegate, Groupable: true},
		{Name: "currency", Groupable: true},
		{Name: "label"},
		{Name: "amount_currency"},
	}
	out := make(map[string]FieldInfo, len(fields))
	for _, f := range fields {
		out[f.Name] = f
	}
	return out
}

// FieldInfo describes a ledger row field.
type FieldInfo struct {
	Name string
	// Groupable is false for fields that are not stored on the row type.
	Groupable bool
	// Reference marks fields pointing at a named entity (partner, account...).
	Reference bool
}

// LedgerQuery asks the ledger for balances matching a predicate, optionally
// grouped. Groups are returned ordered by key ascending so Offset and Limit
// page deterministically.
type LedgerQuery struct {
	Conditions []Condition
	Dates      DateRange
	GroupBy    []string
	Offset     int
	Limit      int
}

// GroupSum is one grouped result row. Keys follows LedgerQuery.GroupBy.
type GroupSum struct {
	Keys    []any
	Balance decimal.Decimal
	Count   int
}

// Ledger is the ledger query collaborator.
type Ledger interface {
	Field(name string) (FieldInfo, bool)
	Query(ctx context.Context, q LedgerQuery) ([]GroupSum, error)
	// Count returns the number of distinct groups (rows when ungrouped).
	Count(ctx context.Context, q LedgerQuery) (int, error)
	// DisplayNames maps reference keys of field to their display names.
	DisplayNames(ctx context.Context, field string, keys []any) (map[any]string, error)
}

// ValueKind distinguishes persisted external values.
type ValueKind string

const (
	ValueManual              ValueKind = "manual"
	ValueCarryover           ValueKind = "carryover"
	ValueCarryoverAdjustment ValueKind = "carryover_adjustment"
)

// CarryoverValue is a dated external value consumed by the external engine.
type CarryoverValue struct {
	ID                 int64               `json:"id"`
	Value              decimal.Decimal     `json:"value"`
	TargetExpressionID int64               `json:"target_expression_id"`
	CompanyID          int64               `json:"company_id"`
	FiscalPosition     FiscalPositionScope `json:"fiscal_position"`
	OriginExpressionID int64               `json:"origin_expression_id,omitempty"`
	Date               time.Time           `json:"date"`
	Kind               ValueKind           `json:"kind"`
	Label              string              `json:"label"`
}

// ValueFilter selects external values. An unrestricted fiscal position
// matches every stored scope.
type ValueFilter struct {
	TargetExpressionID int64
	Companies          []int64
	FiscalPosition     FiscalPositionScope
	Dates              DateRange
}

// ExternalValueStore persists manual and carryover values. Upsert is keyed by
// (target expression, company, fiscal position, date, kind).
type ExternalValueStore interface {
	Find(ctx context.Context, f ValueFilter) ([]CarryoverValue, error)
	Upsert(ctx context.Context, v CarryoverValue) (CarryoverValue, error)
}
