package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dvloznov/billscan/internal/api/middleware"
	"github.com/dvloznov/billscan/internal/app"
	"github.com/dvloznov/billscan/internal/config"
	"github.com/dvloznov/billscan/internal/intake"
	"github.com/dvloznov/billscan/internal/logger"
	"github.com/dvloznov/billscan/internal/store"
	"github.com/dvloznov/billscan/internal/store/sqlite"
	"github.com/rs/zerolog"
)

func main() {
	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "extract":
		runExtract(cfg, log)
	case "repredict":
		runRepredict(cfg, log)
	case "inspect":
		runInspect(cfg, log)
	case "migrate":
		runMigrate(cfg, log)
	case "token":
		runToken(cfg, log)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("billscan CLI")
	fmt.Println("\nUsage:")
	fmt.Println("  cli <command> [options]")
	fmt.Println("\nCommands:")
	fmt.Println("  extract    Extract and categorize transactions from a local bill or statement")
	fmt.Println("  repredict  Re-run category prediction for an uploaded batch")
	fmt.Println("  inspect    Show a document, its transactions and exported row count")
	fmt.Println("  migrate    Apply SQLite schema migrations")
	fmt.Println("  token      Issue a bearer token for API testing")
	fmt.Println("  help       Show this help message")
	fmt.Println("\nRun 'cli <command> -h' for more information on a command.")
}

func mustApp(ctx context.Context, cfg *config.Config, log zerolog.Logger) *app.App {
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize components")
	}
	return a
}

func runExtract(cfg *config.Config, log zerolog.Logger) {
	fs := flag.NewFlagSet("extract", flag.ExitOnError)
	filePath := fs.String("file", "", "Path to a PDF or image")
	folder := fs.String("folder", intake.DefaultFolder, "Batch folder")
	asJSON := fs.Bool("json", false, "Print the summary as JSON")
	fs.Parse(os.Args[2:])

	if *filePath == "" {
		log.Fatal().Msg("Error: -file is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	a := mustApp(ctx, cfg, log)
	defer a.Close()

	f, err := os.Open(*filePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open file")
	}
	defer f.Close()

	doc, err := a.Intake.Accept(ctx, intake.Upload{
		Filename:    filepath.Base(*filePath),
		Folder:      *folder,
		ContentType: mime.TypeByExtension(strings.ToLower(filepath.Ext(*filePath))),
		Body:        f,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Intake failed")
	}

	log.Info().Str("document_id", doc.ID).Msg("Document stored, extracting")

	summary, err := a.Processor.Process(ctx, doc.ID)
	if err != nil {
		log.Fatal().Err(err).Str("document_id", doc.ID).Msg("Extraction failed")
	}

	if *asJSON {
		printJSON(summary)
		return
	}

	fmt.Printf("\n=== Document %s ===\n", summary.DocumentID)
	fmt.Printf("Line items: %d  Duplicates: %d  Rejected: %d  Unknown: %d  Degraded: %d\n",
		summary.LineItems, summary.Duplicates, summary.Rejected, summary.Unknown, summary.Degraded)
	fmt.Printf("\n=== Transactions (%d) ===\n", len(summary.Transactions))
	for i, tx := range summary.Transactions {
		fmt.Printf("\n%d. %s\n", i+1, tx.Description)
		fmt.Printf("   Date:     %s\n", tx.Date)
		fmt.Printf("   Amount:   %s (%s)\n", tx.Amount.StringFixed(2), tx.Direction)
		fmt.Printf("   Category: %s\n", tx.PredictedCategory)
	}
	fmt.Println()
}

func runRepredict(cfg *config.Config, log zerolog.Logger) {
	fs := flag.NewFlagSet("repredict", flag.ExitOnError)
	filename := fs.String("filename", "", "Uploaded filename identifying the batch")
	folder := fs.String("folder", intake.DefaultFolder, "Batch folder")
	fs.Parse(os.Args[2:])

	if *filename == "" {
		log.Fatal().Msg("Error: -filename is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	a := mustApp(ctx, cfg, log)
	defer a.Close()

	summary, err := a.Processor.Repredict(ctx, *folder, *filename)
	if err != nil {
		log.Fatal().Err(err).Msg("Re-prediction failed")
	}

	printJSON(summary)
}

func runInspect(cfg *config.Config, log zerolog.Logger) {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	documentID := fs.String("document-id", "", "Document ID to inspect")
	fs.Parse(os.Args[2:])

	if *documentID == "" {
		log.Fatal().Msg("Error: -document-id is required")
	}

	ctx := logger.WithContext(context.Background(), log)

	a := mustApp(ctx, cfg, log)
	defer a.Close()

	doc, err := a.Repository.GetDocument(ctx, *documentID)
	if err != nil {
		log.Fatal().Err(err).Msg("Document not found")
	}

	fmt.Println("\n=== Document Details ===")
	fmt.Printf("ID:       %s\n", doc.ID)
	fmt.Printf("File:     %s/%s\n", doc.Folder, doc.Filename)
	fmt.Printf("Blob:     %s\n", doc.BlobKey)
	fmt.Printf("Uploaded: %s\n", doc.UploadedAt.Format(time.RFC3339))
	fmt.Printf("Status:   %s\n", doc.Status)
	if doc.Error != "" {
		fmt.Printf("Error:    %s\n", doc.Error)
	}

	transactions, err := a.Repository.ListTransactions(ctx, store.Filter{DocumentID: doc.ID})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to list transactions")
	}

	fmt.Printf("\n=== Transactions (%d) ===\n", len(transactions))
	for i, tx := range transactions {
		fmt.Printf("\n%d. %s\n", i+1, tx.Description)
		fmt.Printf("   Date:     %s\n", tx.Date)
		fmt.Printf("   Amount:   %s (%s)\n", tx.Amount.StringFixed(2), tx.Direction)
		fmt.Printf("   Category: %s (%.2f)\n", tx.PredictedCategory, tx.CategoryConfidence)
	}

	exported, ok, err := a.ExportedCount(ctx, doc.ID)
	switch {
	case err != nil:
		log.Warn().Err(err).Msg("Failed to count exported rows")
	case ok:
		fmt.Printf("\nExported to BigQuery: %d of %d rows\n", exported, len(transactions))
	}
	fmt.Println()
}

func runMigrate(cfg *config.Config, log zerolog.Logger) {
	fs := flag.NewFlagSet("migrate", flag.ExitOnError)
	dbPath := fs.String("db", cfg.SQLiteDBPath, "SQLite database path")
	statusOnly := fs.Bool("status", false, "Only print the current schema version")
	fs.Parse(os.Args[2:])

	if !*statusOnly {
		if err := os.MkdirAll(filepath.Dir(*dbPath), 0o755); err != nil {
			log.Fatal().Err(err).Msg("Failed to create database directory")
		}
		if err := sqlite.RunMigrations(*dbPath); err != nil {
			log.Fatal().Err(err).Msg("Migration failed")
		}
	}

	version, dirty, err := sqlite.MigrationVersion(*dbPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to read schema version")
	}

	fmt.Printf("Database: %s\n", *dbPath)
	fmt.Printf("Version:  %d\n", version)
	if dirty {
		fmt.Println("WARNING: last migration did not complete; fix the schema manually")
	}
}

func runToken(cfg *config.Config, log zerolog.Logger) {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	subject := fs.String("subject", "", "Token subject")
	ttl := fs.Duration("ttl", 24*time.Hour, "Token lifetime")
	fs.Parse(os.Args[2:])

	if *subject == "" {
		log.Fatal().Msg("Error: -subject is required")
	}
	if cfg.AuthJWTSecret == "" {
		log.Fatal().Msg("AUTH_JWT_SECRET is not set")
	}

	token, err := middleware.NewAuthenticator(cfg.AuthJWTSecret).Issue(*subject, *ttl)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to issue token")
	}
	fmt.Println(token)
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "encode output: %v\n", err)
		os.Exit(1)
	}
}
