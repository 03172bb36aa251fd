package record

import (
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/crypto/sha3"
)

// maxGrams keeps converted quantities inside the range where float64 still
// represents every integer exactly.
const maxGrams = 1 << 53

// Field names as they appear in mismatch reports and encoding errors.
const (
	FieldProductionID   = "production_id"
	FieldProducerID     = "producer_id"
	FieldTotalEmissions = "total_emissions"
	FieldTotalOffsets   = "total_offsets"
	FieldCropType       = "crop_type"
	FieldUSDACompliant  = "usda_compliant"
	FieldTimestamp      = "timestamp"
)

// Normalize validates s and converts its mass quantities to integer grams
// using round-half-to-even.
func Normalize(s CarbonSummary) (Normalized, error) {
	if s.ProductionID <= 0 {
		return Normalized{}, &EncodingError{Field: FieldProductionID, Reason: "is required"}
	}
	if s.ProducerID <= 0 {
		return Normalized{}, &EncodingError{Field: FieldProducerID, Reason: "is required"}
	}
	emissions, err := toGrams(FieldTotalEmissions, s.TotalEmissions)
	if err != nil {
		return Normalized{}, err
	}
	offsets, err := toGrams(FieldTotalOffsets, s.TotalOffsets)
	if err != nil {
		return Normalized{}, err
	}
	if strings.TrimSpace(s.CropType) == "" {
		return Normalized{}, &EncodingError{Field: FieldCropType, Reason: "is required"}
	}
	if !utf8.ValidString(s.CropType) {
		return Normalized{}, &EncodingError{Field: FieldCropType, Reason: "is not valid UTF-8"}
	}
	if s.Timestamp <= 0 {
		return Normalized{}, &EncodingError{Field: FieldTimestamp, Reason: "is required"}
	}

	return Normalized{
		ProductionID:   s.ProductionID,
		ProducerID:     s.ProducerID,
		EmissionsGrams: emissions,
		OffsetsGrams:   offsets,
		CropType:       s.CropType,
		USDACompliant:  s.USDACompliant,
		Timestamp:      s.Timestamp,
	}, nil
}

func toGrams(field string, kg float64) (int64, error) {
	switch {
	case math.IsNaN(kg) || math.IsInf(kg, 0):
		return 0, &EncodingError{Field: field, Reason: "is not a finite number"}
	case kg < 0:
		return 0, &EncodingError{Field: field, Reason: "must not be negative"}
	}
	g := math.RoundToEven(kg * GramsPerUnit)
	if g >= maxGrams {
		return 0, &EncodingError{Field: field, Reason: "is out of range"}
	}
	return int64(g), nil
}

// Encode returns the canonical v1 byte encoding of n. Fields are written in
// a fixed order, integers in decimal, and the crop type length-prefixed so no
// value can smuggle in a separator.
func Encode(n Normalized) []byte {
	buf := make([]byte, 0, 160)
	buf = append(buf, SchemaVersion...)
	buf = appendInt(buf, FieldProductionID, n.ProductionID)
	buf = appendInt(buf, FieldProducerID, n.ProducerID)
	buf = appendInt(buf, "emissions_g", n.EmissionsGrams)
	buf = appendInt(buf, "offsets_g", n.OffsetsGrams)

	buf = append(buf, '|')
	buf = append(buf, FieldCropType...)
	buf = append(buf, '=')
	buf = strconv.AppendInt(buf, int64(len(n.CropType)), 10)
	buf = append(buf, ':')
	buf = append(buf, n.CropType...)

	usda := int64(0)
	if n.USDACompliant {
		usda = 1
	}
	buf = appendInt(buf, FieldUSDACompliant, usda)
	buf = appendInt(buf, FieldTimestamp, n.Timestamp)
	return buf
}

func appendInt(buf []byte, name string, v int64) []byte {
	buf = append(buf, '|')
	buf = append(buf, name...)
	buf = append(buf, '=')
	return strconv.AppendInt(buf, v, 10)
}

// HashNormalized returns the Keccak-256 digest of the canonical encoding.
func HashNormalized(n Normalized) Hash {
	h := sha3.NewLegacyKeccak256()
	h.Write(Encode(n)) //nolint:errcheck
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// HashSummary normalizes s and returns its RecordHash. It has no side
// effects and depends on nothing but its input.
func HashSummary(s CarbonSummary) (Hash, Normalized, error) {
	n, err := Normalize(s)
	if err != nil {
		return Hash{}, Normalized{}, err
	}
	return HashNormalized(n), n, nil
}

// Diff lists the fields whose values differ between two normalized records.
func Diff(anchored, current Normalized) []string {
	var fields []string
	if anchored.ProductionID != current.ProductionID {
		fields = append(fields, FieldProductionID)
	}
	if anchored.ProducerID != current.ProducerID {
		fields = append(fields, FieldProducerID)
	}
	if anchored.EmissionsGrams != current.EmissionsGrams {
		fields = append(fields, FieldTotalEmissions)
	}
	if anchored.OffsetsGrams != current.OffsetsGrams {
		fields = append(fields, FieldTotalOffsets)
	}
	if anchored.CropType != current.CropType {
		fields = append(fields, FieldCropType)
	}
	if anchored.USDACompliant != current.USDACompliant {
		fields = append(fields, FieldUSDACompliant)
	}
	if anchored.Timestamp != current.Timestamp {
		fields = append(fields, FieldTimestamp)
	}
	return fields
}
