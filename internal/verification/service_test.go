package verification_test

import (
	"context"
	"errors"
	"testing"

	"github.com/jmerrifield20/carbonanchor/internal/auditlog"
	"github.com/jmerrifield20/carbonanchor/internal/ledger"
	"github.com/jmerrifield20/carbonanchor/internal/record"
	"github.com/jmerrifield20/carbonanchor/internal/verification"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func citrus(productionID int64) record.CarbonSummary {
	return record.CarbonSummary{
		ProductionID:   productionID,
		ProducerID:     42,
		TotalEmissions: 1247.5,
		TotalOffsets:   892.3,
		CropType:       "Citrus",
		USDACompliant:  true,
		Timestamp:      1700000000,
	}
}

func anchor(t *testing.T, client *ledger.MockClient, s record.CarbonSummary) {
	t.Helper()
	ctx := context.Background()
	_, err := client.Submit(ctx, &ledger.Transaction{Kind: ledger.TxRegisterProducer, ProducerID: s.ProducerID, ProducerAddress: ledger.MockAddress})
	require.NoError(t, err)
	h, norm, err := record.HashSummary(s)
	require.NoError(t, err)
	_, err = client.Submit(ctx, &ledger.Transaction{
		Kind:    ledger.TxAnchorRecord,
		Records: []ledger.AnchorPayload{{Hash: h, Record: norm}},
	})
	require.NoError(t, err)
}

func newService(t *testing.T) (*verification.Service, *ledger.MockClient, *auditlog.MemoryLog) {
	client := ledger.NewMockClient(ledger.MockConfig{ChainID: 31337})
	audit := auditlog.NewMemoryLog()
	return verification.NewService(client, audit, zaptest.NewLogger(t)), client, audit
}

func verifyEntries(t *testing.T, log auditlog.Log, productionID int64) []*auditlog.Entry {
	t.Helper()
	all, err := log.ListByProduction(context.Background(), productionID)
	require.NoError(t, err)
	var out []*auditlog.Entry
	for _, e := range all {
		if e.Operation == auditlog.OpVerify {
			out = append(out, e)
		}
	}
	return out
}

func TestVerify_matchesAnchoredSummary(t *testing.T) {
	svc, client, audit := newService(t)
	anchor(t, client, citrus(1001))

	res, err := svc.Verify(context.Background(), 1001, citrus(1001))
	require.NoError(t, err)
	assert.True(t, res.Verified)
	assert.Equal(t, res.OnChainHash, res.RecomputedHash)
	assert.Empty(t, res.MismatchFields)
	require.NotNil(t, res.Anchored)
	assert.Equal(t, int64(892300), res.Anchored.TotalOffsets)

	entries := verifyEntries(t, audit, 1001)
	require.Len(t, entries, 1)
	assert.Equal(t, auditlog.OutcomeVerified, entries[0].Outcome)
}

func TestVerify_zeroProductionIDTakesRequestedID(t *testing.T) {
	svc, client, _ := newService(t)
	anchor(t, client, citrus(1002))

	s := citrus(1002)
	s.ProductionID = 0
	res, err := svc.Verify(context.Background(), 1002, s)
	require.NoError(t, err)
	assert.True(t, res.Verified)
}

func TestVerify_reportsMismatchedFields(t *testing.T) {
	tests := map[string]struct {
		perturb func(*record.CarbonSummary)
		fields  []string
	}{
		"emissions":     {func(s *record.CarbonSummary) { s.TotalEmissions = 1247.6 }, []string{record.FieldTotalEmissions}},
		"crop":          {func(s *record.CarbonSummary) { s.CropType = "citrus" }, []string{record.FieldCropType}},
		"compliance":    {func(s *record.CarbonSummary) { s.USDACompliant = false }, []string{record.FieldUSDACompliant}},
		"two fields":    {func(s *record.CarbonSummary) { s.TotalOffsets = 0; s.Timestamp++ }, []string{record.FieldTotalOffsets, record.FieldTimestamp}},
		"producer only": {func(s *record.CarbonSummary) { s.ProducerID = 43 }, []string{record.FieldProducerID}},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			svc, client, audit := newService(t)
			anchor(t, client, citrus(2001))

			s := citrus(2001)
			tc.perturb(&s)
			res, err := svc.Verify(context.Background(), 2001, s)
			require.NoError(t, err)
			assert.False(t, res.Verified)
			assert.NotEqual(t, res.OnChainHash, res.RecomputedHash)
			assert.ElementsMatch(t, tc.fields, res.MismatchFields)

			entries := verifyEntries(t, audit, 2001)
			require.Len(t, entries, 1)
			assert.Equal(t, auditlog.OutcomeMismatch, entries[0].Outcome)
		})
	}
}

func TestVerify_notAnchored(t *testing.T) {
	svc, _, audit := newService(t)

	res, err := svc.Verify(context.Background(), 9999, citrus(9999))
	require.Error(t, err)
	assert.Nil(t, res)

	var notAnchored *verification.NotAnchoredError
	require.True(t, errors.As(err, &notAnchored))
	assert.Equal(t, int64(9999), notAnchored.ProductionID)

	entries := verifyEntries(t, audit, 9999)
	require.Len(t, entries, 1)
	assert.Equal(t, auditlog.OutcomeNotAnchored, entries[0].Outcome)
}

func TestVerify_rejectsInvalidSummary(t *testing.T) {
	svc, _, audit := newService(t)

	bad := citrus(3001)
	bad.TotalEmissions = -1
	_, err := svc.Verify(context.Background(), 3001, bad)
	var encErr *record.EncodingError
	require.True(t, errors.As(err, &encErr))
	assert.Equal(t, record.FieldTotalEmissions, encErr.Field)

	_, err = svc.Verify(context.Background(), 3002, citrus(3001))
	require.True(t, errors.As(err, &encErr))
	assert.Equal(t, record.FieldProductionID, encErr.Field)

	// Only the genesis entry.
	n, err := audit.Len(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestVerify_ledgerReadFailure(t *testing.T) {
	svc, client, _ := newService(t)
	anchor(t, client, citrus(4001))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := svc.Verify(ctx, 4001, citrus(4001))
	require.Error(t, err)

	var notAnchored *verification.NotAnchoredError
	assert.False(t, errors.As(err, &notAnchored))
	assert.Equal(t, ledger.KindTransient, ledger.Classify(err))
}
