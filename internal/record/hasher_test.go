package record_test

import (
	"encoding/json"
	"errors"
	"math"
	"regexp"
	"testing"

	"github.com/jmerrifield20/carbonanchor/internal/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var hexHash = regexp.MustCompile(`^[0-9a-f]{64}$`)

func citrus() record.CarbonSummary {
	return record.CarbonSummary{
		ProductionID:   42,
		ProducerID:     7,
		TotalEmissions: 1247.5,
		TotalOffsets:   892.3,
		CropType:       "Citrus",
		USDACompliant:  true,
		Timestamp:      1700000000,
	}
}

func TestEncode_canonicalLayout(t *testing.T) {
	n, err := record.Normalize(citrus())
	require.NoError(t, err)

	assert.Equal(t, int64(1247500), n.EmissionsGrams)
	assert.Equal(t, int64(892300), n.OffsetsGrams)
	assert.Equal(t, int64(355200), n.NetGrams())
	assert.Equal(t,
		"carbon-record/v1|production_id=42|producer_id=7|emissions_g=1247500|offsets_g=892300|crop_type=6:Citrus|usda_compliant=1|timestamp=1700000000",
		string(record.Encode(n)),
	)
}

func TestHashSummary_deterministic(t *testing.T) {
	h1, _, err := record.HashSummary(citrus())
	require.NoError(t, err)
	h2, _, err := record.HashSummary(citrus())
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Regexp(t, hexHash, h1.Hex())
	assert.False(t, h1.IsZero())
}

func TestHashSummary_floatRepresentationDoesNotMatter(t *testing.T) {
	a := citrus()
	b := citrus()
	b.TotalOffsets = 892.2999999999
	b.TotalEmissions = 1247.50000000001

	ha, _, err := record.HashSummary(a)
	require.NoError(t, err)
	hb, _, err := record.HashSummary(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
}

func TestHashSummary_singleFieldPerturbation(t *testing.T) {
	base, _, err := record.HashSummary(citrus())
	require.NoError(t, err)

	perturb := map[string]func(s *record.CarbonSummary){
		"production": func(s *record.CarbonSummary) { s.ProductionID++ },
		"producer":   func(s *record.CarbonSummary) { s.ProducerID++ },
		"emissions":  func(s *record.CarbonSummary) { s.TotalEmissions += 0.001 },
		"offsets":    func(s *record.CarbonSummary) { s.TotalOffsets += 0.001 },
		"crop":       func(s *record.CarbonSummary) { s.CropType = "Citrut" },
		"usda":       func(s *record.CarbonSummary) { s.USDACompliant = false },
		"timestamp":  func(s *record.CarbonSummary) { s.Timestamp++ },
	}
	for name, fn := range perturb {
		t.Run(name, func(t *testing.T) {
			s := citrus()
			fn(&s)
			h, _, err := record.HashSummary(s)
			require.NoError(t, err)
			assert.NotEqual(t, base, h)
		})
	}
}

func TestHashSummary_producerAddressNotHashed(t *testing.T) {
	a := citrus()
	b := citrus()
	b.ProducerAddress = "0x00000000000000000000000000000000000000aa"

	ha, _, _ := record.HashSummary(a)
	hb, _, _ := record.HashSummary(b)
	assert.Equal(t, ha, hb)
}

func TestNormalize_roundHalfToEven(t *testing.T) {
	cases := []struct {
		kg    float64
		grams int64
	}{
		{0.0025, 2},
		{0.0035, 4},
		{0.0015, 2},
		{0.0005, 0},
		{0.0004, 0},
		{0.0006, 1},
		{0, 0},
	}
	for _, tc := range cases {
		s := citrus()
		s.TotalEmissions = tc.kg
		n, err := record.Normalize(s)
		require.NoError(t, err)
		assert.Equal(t, tc.grams, n.EmissionsGrams, "kg=%v", tc.kg)
	}
}

func TestNormalize_rejectsInvalidInput(t *testing.T) {
	cases := map[string]struct {
		mutate func(s *record.CarbonSummary)
		field  string
	}{
		"negative emissions": {func(s *record.CarbonSummary) { s.TotalEmissions = -5 }, record.FieldTotalEmissions},
		"negative offsets":   {func(s *record.CarbonSummary) { s.TotalOffsets = -0.001 }, record.FieldTotalOffsets},
		"nan emissions":      {func(s *record.CarbonSummary) { s.TotalEmissions = math.NaN() }, record.FieldTotalEmissions},
		"inf offsets":        {func(s *record.CarbonSummary) { s.TotalOffsets = math.Inf(1) }, record.FieldTotalOffsets},
		"huge emissions":     {func(s *record.CarbonSummary) { s.TotalEmissions = 1e16 }, record.FieldTotalEmissions},
		"missing production": {func(s *record.CarbonSummary) { s.ProductionID = 0 }, record.FieldProductionID},
		"missing producer":   {func(s *record.CarbonSummary) { s.ProducerID = 0 }, record.FieldProducerID},
		"blank crop":         {func(s *record.CarbonSummary) { s.CropType = "  " }, record.FieldCropType},
		"bad utf8 crop":      {func(s *record.CarbonSummary) { s.CropType = string([]byte{0xff, 0xfe}) }, record.FieldCropType},
		"missing timestamp":  {func(s *record.CarbonSummary) { s.Timestamp = 0 }, record.FieldTimestamp},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			s := citrus()
			tc.mutate(&s)
			_, _, err := record.HashSummary(s)
			var encErr *record.EncodingError
			require.True(t, errors.As(err, &encErr), "expected EncodingError, got %v", err)
			assert.Equal(t, tc.field, encErr.Field)
		})
	}
}

func TestNormalize_negativeNetAllowed(t *testing.T) {
	s := citrus()
	s.TotalEmissions = 10
	s.TotalOffsets = 25
	n, err := record.Normalize(s)
	require.NoError(t, err)
	assert.Equal(t, int64(-15000), n.NetGrams())
}

func TestEncode_cropTypeCannotForgeFields(t *testing.T) {
	a := citrus()
	a.CropType = "Citrus|usda_compliant=0"
	b := citrus()

	ha, _, _ := record.HashSummary(a)
	hb, _, _ := record.HashSummary(b)
	assert.NotEqual(t, ha, hb)
}

func TestDiff(t *testing.T) {
	anchored, err := record.Normalize(citrus())
	require.NoError(t, err)

	s := citrus()
	s.TotalEmissions = 1300
	s.CropType = "Avocado"
	current, err := record.Normalize(s)
	require.NoError(t, err)

	assert.Equal(t, []string{record.FieldTotalEmissions, record.FieldCropType}, record.Diff(anchored, current))
	assert.Empty(t, record.Diff(anchored, anchored))
}

func TestHash_jsonAndParse(t *testing.T) {
	h, _, err := record.HashSummary(citrus())
	require.NoError(t, err)

	b, err := json.Marshal(h)
	require.NoError(t, err)
	assert.Equal(t, `"`+h.Hex()+`"`, string(b))

	var decoded record.Hash
	require.NoError(t, json.Unmarshal(b, &decoded))
	assert.Equal(t, h, decoded)

	parsed, err := record.ParseHash("0x" + h.Hex())
	require.NoError(t, err)
	assert.Equal(t, h, parsed)

	_, err = record.ParseHash("abc")
	assert.Error(t, err)
}
