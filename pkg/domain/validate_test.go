package domain

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestEntityValidation(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	long := strings.Repeat("x", MaxNameLength+1)
	cases := []struct {
		name string
		v    interface{ Validate() error }
		want error
	}{
		{"campaign ok", Campaign{Name: "CANON"}, nil},
		{"campaign missing name", Campaign{}, ErrInvalid},
		{"campaign long name", Campaign{Name: long}, ErrInvalid},
		{"log missing message", CampaignLog{CampaignID: "c", TimeValue: now}, ErrInvalid},
		{"platform missing type", Platform{Name: "dorado"}, ErrInvalid},
		{"activity missing start", Activity{Name: "a", PlatformID: "p"}, ErrInvalid},
		{"activity ok", Activity{Name: "a", PlatformID: "p", StartDate: now}, nil},
		{"activity start before 1678", Activity{Name: "a", PlatformID: "p", StartDate: time.Date(1600, 1, 1, 0, 0, 0, 0, time.UTC)}, ErrInvalid},
		{"instant after 2262", InstantPoint{ActivityID: "a", TimeValue: time.Date(2300, 1, 1, 0, 0, 0, 0, time.UTC)}, ErrInvalid},
		{"activity bad track", Activity{Name: "a", PlatformID: "p", StartDate: now, MapTrack: LineString{{Lon: 200}}}, ErrMalformedGeometry},
		{"parameter long units", Parameter{Name: "temp", Units: &long}, ErrInvalid},
		{"measurement bad geom", Measurement{InstantPointID: 1, Geom: Point{Lon: 181}}, ErrMalformedGeometry},
		{"measured parameter precision", MeasuredParameter{MeasurementID: 1, ParameterID: "p", DataValue: decimal.RequireFromString("0." + strings.Repeat("1", 31))}, ErrPrecisionLoss},
		{"activity parameter negative", ActivityParameter{ActivityID: "a", ParameterID: "p", Number: -1}, ErrInvalid},
		{"sample duplicate parameter", Sample{TimeValue: now, Values: []SampleValue{{ParameterID: "p"}, {ParameterID: "p"}}}, ErrUniqueness},
	}
	for _, tc := range cases {
		err := tc.v.Validate()
		if tc.want == nil {
			if err != nil {
				t.Fatalf("%s: unexpected error %v", tc.name, err)
			}
			continue
		}
		if !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
}

func TestMeasurementQueryValidate(t *testing.T) {
	start := time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC)
	end := start.Add(-time.Hour)
	if err := (MeasurementQuery{Start: &start, End: &end}).Validate(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected inverted range to fail, got %v", err)
	}
	lo, hi := MustDecimal("10"), MustDecimal("5")
	if err := (MeasurementQuery{MinDepth: &lo, MaxDepth: &hi}).Validate(); !errors.Is(err, ErrInvalid) {
		t.Fatalf("expected inverted depth range to fail, got %v", err)
	}
	if err := (MeasurementQuery{}).Validate(); err != nil {
		t.Fatalf("empty query: %v", err)
	}
}

func TestErrorMessages(t *testing.T) {
	err := StillReferenced(EntityPlatformType, "pt", EntityPlatform, "p")
	if err.Error() != `platform_type "pt" still referenced by platform "p"` {
		t.Fatalf("message = %s", err.Error())
	}
	var ri *ReferentialIntegrityError
	if !errors.As(err, &ri) || !ri.Blocking {
		t.Fatalf("expected blocking referential error")
	}
	if !errors.Is(NotFound(EntityActivity, "a"), ErrNotFound) {
		t.Fatalf("not found should unwrap")
	}
}
