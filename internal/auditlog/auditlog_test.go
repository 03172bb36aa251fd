package auditlog_test

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/jmerrifield20/carbonanchor/internal/auditlog"
)

var ctx = context.Background()

func anchorDraft(productionID int64, attempt int, outcome auditlog.Outcome) auditlog.Draft {
	d := auditlog.Draft{
		Operation:    auditlog.OpAnchor,
		Outcome:      outcome,
		ProductionID: productionID,
		ProducerID:   7,
		Attempt:      attempt,
		RecordHash:   "ab12",
	}
	if outcome == auditlog.OutcomeConfirmed {
		d.Terminal = true
		d.TxHash = "0xfeed"
		d.BlockNumber = 10
		d.GasUsed = 21000
		d.GasPrice = big.NewInt(2_000_000_000)
	} else {
		d.ErrorKind = "transient"
		d.ErrorDetail = "connection reset"
	}
	return d
}

func TestNewMemoryLog_genesisEntry(t *testing.T) {
	l := auditlog.NewMemoryLog()

	n, err := l.Len(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected 1 genesis entry, got %d", n)
	}

	entry, err := l.Get(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if entry.Operation != auditlog.OpGenesis {
		t.Errorf("expected operation 'genesis', got %q", entry.Operation)
	}
	if entry.Hash != auditlog.GenesisHash {
		t.Errorf("genesis hash: got %q, want GenesisHash", entry.Hash)
	}
}

func TestAppend_chainsCorrectly(t *testing.T) {
	l := auditlog.NewMemoryLog()

	e1, err := l.Append(ctx, anchorDraft(42, 1, auditlog.OutcomeFailed))
	if err != nil {
		t.Fatal(err)
	}
	e2, err := l.Append(ctx, anchorDraft(42, 2, auditlog.OutcomeConfirmed))
	if err != nil {
		t.Fatal(err)
	}

	if e2.PrevHash != e1.Hash {
		t.Errorf("chain broken: e2.PrevHash=%q, want e1.Hash=%q", e2.PrevHash, e1.Hash)
	}
	if e2.Index != 2 {
		t.Errorf("e2.Index: got %d, want 2", e2.Index)
	}
	if e2.CostWei != "42000000000000" {
		t.Errorf("cost: got %q, want gasUsed × gasPrice", e2.CostWei)
	}
	if err := l.Verify(ctx); err != nil {
		t.Errorf("Verify() failed on valid chain: %v", err)
	}
}

func TestAppend_rejectsInvalidDrafts(t *testing.T) {
	cases := map[string]auditlog.Draft{
		"unknown operation":          {Operation: "mint", ProductionID: 1},
		"anchor without production":  {Operation: auditlog.OpAnchor, Outcome: auditlog.OutcomeFailed},
		"confirmed without hash":     {Operation: auditlog.OpAnchor, Outcome: auditlog.OutcomeConfirmed, ProductionID: 1, TxHash: "0xab"},
		"register without producer":  {Operation: auditlog.OpRegister, Outcome: auditlog.OutcomeAlreadyRegistered},
		"verify with anchor outcome": {Operation: auditlog.OpVerify, Outcome: auditlog.OutcomeQueued, ProductionID: 1},
	}
	for name, d := range cases {
		t.Run(name, func(t *testing.T) {
			l := auditlog.NewMemoryLog()
			if _, err := l.Append(ctx, d); !errors.Is(err, auditlog.ErrInvalidDraft) {
				t.Errorf("got %v, want ErrInvalidDraft", err)
			}
			if n, _ := l.Len(ctx); n != 1 {
				t.Errorf("invalid draft was stored")
			}
		})
	}
}

func TestVerifyEntry_dropsGas(t *testing.T) {
	l := auditlog.NewMemoryLog()
	e, err := l.Append(ctx, auditlog.Draft{
		Operation:    auditlog.OpVerify,
		Outcome:      auditlog.OutcomeVerified,
		ProductionID: 3,
		TxHash:       "0xshould-not-stick",
		GasUsed:      500,
	})
	if err != nil {
		t.Fatal(err)
	}
	if e.TxHash != "" || e.GasUsed != 0 || e.CostWei != "" {
		t.Errorf("verify entry carries gas fields: %+v", e)
	}
}

func TestLatestConfirmed(t *testing.T) {
	l := auditlog.NewMemoryLog()

	if _, err := l.LatestConfirmed(ctx, 42); !errors.Is(err, auditlog.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	_, _ = l.Append(ctx, anchorDraft(42, 1, auditlog.OutcomeFailed))
	if _, err := l.LatestConfirmed(ctx, 42); !errors.Is(err, auditlog.ErrNotFound) {
		t.Fatalf("failed attempt must not count as confirmed, got %v", err)
	}

	want, _ := l.Append(ctx, anchorDraft(42, 2, auditlog.OutcomeConfirmed))
	_, _ = l.Append(ctx, auditlog.Draft{Operation: auditlog.OpVerify, Outcome: auditlog.OutcomeVerified, ProductionID: 42})
	_, _ = l.Append(ctx, anchorDraft(43, 1, auditlog.OutcomeConfirmed))

	got, err := l.LatestConfirmed(ctx, 42)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != want.ID {
		t.Errorf("LatestConfirmed: got entry %d, want %d", got.Index, want.Index)
	}
}

func TestListByProduction(t *testing.T) {
	l := auditlog.NewMemoryLog()
	_, _ = l.Append(ctx, anchorDraft(1, 1, auditlog.OutcomeFailed))
	_, _ = l.Append(ctx, anchorDraft(2, 1, auditlog.OutcomeConfirmed))
	_, _ = l.Append(ctx, anchorDraft(1, 2, auditlog.OutcomeConfirmed))

	entries, err := l.ListByProduction(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries for production 1, got %d", len(entries))
	}
	if entries[0].Attempt != 1 || entries[1].Attempt != 2 {
		t.Errorf("entries out of order: attempts %d, %d", entries[0].Attempt, entries[1].Attempt)
	}

	none, err := l.ListByProduction(ctx, 99)
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Errorf("expected no entries, got %d", len(none))
	}
}

func TestList_paginates(t *testing.T) {
	l := auditlog.NewMemoryLog()
	for i := 1; i <= 5; i++ {
		_, _ = l.Append(ctx, anchorDraft(int64(i), 1, auditlog.OutcomeFailed))
	}

	page, err := l.List(ctx, 2, 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 3 || page[0].Index != 2 || page[2].Index != 4 {
		t.Errorf("unexpected page: %d entries", len(page))
	}

	tail, _ := l.List(ctx, 5, 10)
	if len(tail) != 1 {
		t.Errorf("expected 1 entry at the tail, got %d", len(tail))
	}
	past, _ := l.List(ctx, 50, 10)
	if len(past) != 0 {
		t.Errorf("expected empty page past the end, got %d", len(past))
	}
}

func TestGet_outOfRange(t *testing.T) {
	l := auditlog.NewMemoryLog()
	if _, err := l.Get(ctx, 5); !errors.Is(err, auditlog.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestReturnedEntriesAreCopies(t *testing.T) {
	l := auditlog.NewMemoryLog()
	e, _ := l.Append(ctx, anchorDraft(1, 1, auditlog.OutcomeFailed))
	e.ErrorDetail = "rewritten"

	if err := l.Verify(ctx); err != nil {
		t.Errorf("mutating a returned entry corrupted the log: %v", err)
	}
}

func TestRoot(t *testing.T) {
	l := auditlog.NewMemoryLog()
	root, err := l.Root(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if root != auditlog.GenesisHash {
		t.Errorf("Root() on genesis-only: got %q, want GenesisHash", root)
	}

	e, _ := l.Append(ctx, anchorDraft(1, 1, auditlog.OutcomeConfirmed))
	root, _ = l.Root(ctx)
	if root != e.Hash {
		t.Errorf("Root(): got %q, want %q", root, e.Hash)
	}
}
