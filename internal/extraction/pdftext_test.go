package extraction

import (
	"context"
	"errors"
	"testing"

	"github.com/dvloznov/billscan/internal/domain"
	"github.com/dvloznov/billscan/internal/normalize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStatementText(t *testing.T) {
	text := `ACME BANK STATEMENT
Date Description Amount
12-01-24 Coffee Shop 45.00
2024-01-15 Salary ACME Ltd 2,500.00 CR
16/01/2024 Electricity bill -80.10
Closing balance
`

	items := ParseStatementText(text)
	require.Len(t, items, 3)

	assert.Equal(t, "12-01-24", items[0].TextDate)
	assert.Equal(t, "Coffee Shop", items[0].Description)
	assert.Equal(t, "45", items[0].Amount.String())
	assert.Equal(t, "DR", items[0].Marker)

	assert.Equal(t, "CR", items[1].Marker)
	assert.Equal(t, "2500", items[1].Amount.String())

	assert.Equal(t, "16-01-2024", items[2].TextDate)
	assert.Equal(t, "-80.1", items[2].Amount.String())
	assert.Equal(t, "", items[2].Marker)
}

func TestParseStatementText_Normalized(t *testing.T) {
	text := `12-01-24 Coffee Shop 45.00
16/01/2024 Rent payment 900.00
12/01/24 Refund 5.00 CR
17/01/2024 Card fee (2.50)
`

	items := ParseStatementText(text)
	require.Len(t, items, 4)

	tests := []struct {
		date string
		dir  domain.Direction
	}{
		{"1/12/2024", domain.DirectionDebit},
		{"1/16/2024", domain.DirectionDebit},
		{"1/12/2024", domain.DirectionCredit},
		{"1/17/2024", domain.DirectionDebit},
	}

	n := normalize.New()
	for i, tt := range tests {
		tx, err := n.Normalize(items[i])
		require.NoError(t, err, items[i].Description)
		assert.Equal(t, tt.date, tx.Date.String(), items[i].Description)
		assert.Equal(t, tt.dir, tx.Direction, items[i].Description)
		assert.False(t, tx.Amount.IsNegative())
	}
}

func TestPDFTextBackend_RejectsImages(t *testing.T) {
	_, err := NewPDFTextBackend().Extract(context.Background(), Document{ContentType: "image/png", Data: []byte{0x89}})
	var extErr *domain.ExtractionError
	require.True(t, errors.As(err, &extErr))
	assert.Equal(t, domain.ExtractionUnsupportedDocument, extErr.Code)
}

func TestPDFTextBackend_CorruptPDF(t *testing.T) {
	_, err := NewPDFTextBackend().Extract(context.Background(), Document{ContentType: "application/pdf", Data: []byte("%PDF-1.4 garbage")})
	var extErr *domain.ExtractionError
	require.True(t, errors.As(err, &extErr))
	assert.Equal(t, domain.ExtractionUnreadableOutput, extErr.Code)
}
