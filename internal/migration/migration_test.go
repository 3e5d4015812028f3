package migration_test

import (
	"strings"
	"testing"

	"github.com/smallbiznis/meterline/internal/migration"
	"github.com/smallbiznis/meterline/internal/testutil"
)

func TestStatementsAreOrdered(t *testing.T) {
	stmts, err := migration.Statements()
	if err != nil {
		t.Fatalf("statements: %v", err)
	}
	if len(stmts) == 0 {
		t.Fatalf("expected embedded statements")
	}
	if !strings.Contains(stmts[0], "account_balances") {
		t.Fatalf("expected first statement to create account_balances, got %q", stmts[0])
	}
}

func TestApplyPortableCreatesTables(t *testing.T) {
	db := testutil.OpenDB(t)

	for _, table := range []string{
		"account_balances",
		"ledger_movements",
		"resource_uses",
		"inbound_events",
		"reconciliation_records",
		"pricing_parameters",
		"carrier_rates",
		"billing_events",
	} {
		if !db.Migrator().HasTable(table) {
			t.Fatalf("expected table %s", table)
		}
	}
}
