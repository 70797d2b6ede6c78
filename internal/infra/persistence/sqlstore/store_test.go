package sqlstore

import (
	"errors"
	"strings"
	"testing"

	"stoqscore/pkg/domain"
)

var errConstraint = errors.New("FOREIGN KEY constraint failed (787)")

// keyDialect classifies every error as a foreign key violation.
type keyDialect struct{ Dialect }

func (keyDialect) Classify(error) ErrorClass { return ClassForeignKey }

// detailDialect also names the table and key, the way postgres does.
type detailDialect struct {
	keyDialect
	detail ForeignKeyDetail
}

func (d detailDialect) ForeignKeyDetail(error) (ForeignKeyDetail, bool) { return d.detail, true }

func TestTranslateForeignKeyNamesMissingParent(t *testing.T) {
	d := detailDialect{detail: ForeignKeyDetail{Table: "activity", Key: "ab12"}}
	err := translate(d, domain.EntityInstantPoint, "activity_id,timevalue", "ab12/0", errConstraint)

	var ref *domain.ReferentialIntegrityError
	if !errors.As(err, &ref) {
		t.Fatalf("expected referential error, got %v", err)
	}
	if ref.Referenced != domain.EntityActivity || ref.RefID != "ab12" || ref.Blocking {
		t.Fatalf("unexpected error fields %+v", ref)
	}
	if got := err.Error(); got != `instant_point "ab12/0" references missing activity "ab12"` {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestTranslateForeignKeyBlockedDelete(t *testing.T) {
	d := detailDialect{detail: ForeignKeyDetail{Table: "measurement", Key: "7", Blocking: true}}
	err := translate(d, domain.EntityInstantPoint, "id", "7", errConstraint)
	if !errors.Is(err, domain.ErrReferentialIntegrity) {
		t.Fatalf("expected referential integrity, got %v", err)
	}
	if got := err.Error(); got != `instant_point "7" still referenced by measurement` {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestEntityForTable(t *testing.T) {
	if got := EntityForTable("instantpoint"); got != domain.EntityInstantPoint {
		t.Fatalf("instantpoint maps to %q", got)
	}
	if got := EntityForTable("staging"); got != "staging" {
		t.Fatalf("unknown table maps to %q", got)
	}
}

func TestTranslateForeignKeyWithoutDetail(t *testing.T) {
	err := translate(keyDialect{}, domain.EntityPlatform, "id", "p1", errConstraint)

	var ref *domain.ReferentialIntegrityError
	if !errors.As(err, &ref) {
		t.Fatalf("expected referential error, got %v", err)
	}
	if ref.Referenced != "" || ref.RefID != "" {
		t.Fatalf("driver text leaked into the error: %+v", ref)
	}
	if got := err.Error(); got != `platform "p1" references a missing record` || strings.Contains(got, "787") {
		t.Fatalf("unexpected message %q", got)
	}
}
