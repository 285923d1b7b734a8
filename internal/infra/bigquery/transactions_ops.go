package bigquery

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/billscan/internal/domain"
	"github.com/dvloznov/billscan/internal/logger"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

const transactionsTable = "transactions"

// Exporter streams persisted transactions into BigQuery for analytics.
type Exporter struct {
	client    *bigquery.Client
	projectID string
	datasetID string
	log       zerolog.Logger
	now       func() time.Time
}

// NewExporter creates an Exporter for projectID.datasetID.
func NewExporter(ctx context.Context, projectID, datasetID string, log zerolog.Logger, opts ...option.ClientOption) (*Exporter, error) {
	client, err := bigquery.NewClient(ctx, projectID, opts...)
	if err != nil {
		return nil, fmt.Errorf("NewExporter: creating client: %w", err)
	}
	return &Exporter{
		client:    client,
		projectID: projectID,
		datasetID: datasetID,
		log:       logger.Component(log, "bigquery"),
		now:       time.Now,
	}, nil
}

// Close closes the BigQuery client connection.
func (e *Exporter) Close() error {
	if e.client != nil {
		return e.client.Close()
	}
	return nil
}

// ExportTransactions inserts one document's stored transactions.
func (e *Exporter) ExportTransactions(ctx context.Context, doc *domain.SourceDocument, txs []domain.Transaction) error {
	if len(txs) == 0 {
		return nil
	}

	exportedAt := e.now().UTC()
	rows := make([]*TransactionRow, len(txs))
	for i, tx := range txs {
		rows[i] = NewTransactionRow(doc, tx, exportedAt)
	}

	// Fully qualified table name so a client built for another project still works.
	inserter := e.client.DatasetInProject(e.projectID, e.datasetID).Table(transactionsTable).Inserter()
	if err := inserter.Put(ctx, rows); err != nil {
		return fmt.Errorf("ExportTransactions: inserting rows: %w", err)
	}

	e.log.Debug().Int("rows", len(rows)).Str("document_id", rows[0].DocumentID).Msg("Exported transactions")
	return nil
}

// ExportedCount returns how many rows were exported for a document.
func (e *Exporter) ExportedCount(ctx context.Context, documentID string) (int64, error) {
	q := e.client.Query(exportedCountSQL(e.projectID, e.datasetID))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "document_id", Value: documentID},
	}

	it, err := q.Read(ctx)
	if err != nil {
		return 0, fmt.Errorf("ExportedCount: query read: %w", err)
	}

	var row struct {
		N int64 `bigquery:"n"`
	}
	err = it.Next(&row)
	if err == iterator.Done {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ExportedCount: iter next: %w", err)
	}
	return row.N, nil
}

func exportedCountSQL(projectID, datasetID string) string {
	return fmt.Sprintf("SELECT COUNT(*) AS n FROM `%s.%s.%s` WHERE document_id = @document_id",
		projectID, datasetID, transactionsTable)
}
