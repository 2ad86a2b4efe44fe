// 对账工具：校验余额快照与账本流水一致、无负余额。
// 可单次执行，也可按 cron 表达式周期执行。
package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"
)

const (
	availableQuery = `
SELECT
    le.user_id,
    le.asset,
    SUM(le.available_delta) AS ledger_available_sum,
    b.available AS balance_available,
    SUM(le.available_delta) - b.available AS available_diff
FROM spot.ledger_entries le
JOIN spot.balances b
    ON le.user_id = b.user_id AND le.asset = b.asset
GROUP BY le.user_id, le.asset, b.available
HAVING SUM(le.available_delta) != b.available;
`
	lockedQuery = `
SELECT
    le.user_id,
    le.asset,
    SUM(le.locked_delta) AS ledger_locked_sum,
    b.locked AS balance_locked,
    SUM(le.locked_delta) - b.locked AS locked_diff
FROM spot.ledger_entries le
JOIN spot.balances b
    ON le.user_id = b.user_id AND le.asset = b.asset
GROUP BY le.user_id, le.asset, b.locked
HAVING SUM(le.locked_delta) != b.locked;
`
	negativeQuery = `
SELECT user_id, asset, available, locked
FROM spot.balances
WHERE available < 0 OR locked < 0;
`
	balanceCountQuery = `
SELECT COUNT(DISTINCT user_id), COUNT(DISTINCT asset)
FROM spot.balances;
`
)

type reconcileConfig struct {
	DBURL      string
	Verbose    bool
	Alert      bool
	WebhookURL string
	ReportPath string
	Cron       string
}

type discrepancy struct {
	UserID    int64  `json:"user_id"`
	Asset     string `json:"asset"`
	Kind      string `json:"kind"`
	Diff      string `json:"diff"`
	LedgerSum string `json:"ledger_sum"`
	Balance   string `json:"balance"`
}

var (
	runCLIFunc = runCLI
	exitFunc   = os.Exit
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	code := runCLIFunc(ctx, os.Args[1:], os.Stdout, os.Stderr, func(dsn string) (*sql.DB, error) {
		return sql.Open("postgres", dsn)
	})
	exitFunc(code)
}

func parseFlags(args []string) (reconcileConfig, error) {
	fs := flag.NewFlagSet("reconcile", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var cfg reconcileConfig
	fs.StringVar(&cfg.DBURL, "db-url", "", "PostgreSQL connection string")
	fs.BoolVar(&cfg.Verbose, "verbose", false, "show detailed progress")
	fs.BoolVar(&cfg.Alert, "alert", true, "return non-zero exit code on discrepancy")
	fs.StringVar(&cfg.WebhookURL, "webhook-url", "", "webhook url for discrepancy alerts")
	fs.StringVar(&cfg.ReportPath, "report", "", "write detailed report to file")
	fs.StringVar(&cfg.Cron, "cron", "", "cron expression for scheduled runs")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if strings.TrimSpace(cfg.DBURL) == "" {
		return cfg, errors.New("missing required --db-url")
	}
	return cfg, nil
}

func runCLI(ctx context.Context, args []string, out, errOut io.Writer, opener func(string) (*sql.DB, error)) int {
	cfg, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}

	if strings.TrimSpace(cfg.Cron) != "" {
		return runScheduled(ctx, cfg, out, errOut, opener)
	}
	return runOnce(ctx, cfg, out, errOut, opener)
}

func runOnce(ctx context.Context, cfg reconcileConfig, out, errOut io.Writer, opener func(string) (*sql.DB, error)) int {
	db, err := opener(cfg.DBURL)
	if err != nil {
		fmt.Fprintf(errOut, "failed to connect to database: %v\n", err)
		return 2
	}
	defer db.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		fmt.Fprintf(errOut, "failed to ping database: %v\n", err)
		return 2
	}

	code, err := runWithDB(ctx, db, cfg, out, errOut)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		if code == 0 {
			code = 2
		}
	}
	return code
}

func runScheduled(ctx context.Context, cfg reconcileConfig, out, errOut io.Writer, opener func(string) (*sql.DB, error)) int {
	scheduledCfg := cfg
	scheduledCfg.Alert = false

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	schedule, err := parser.Parse(cfg.Cron)
	if err != nil {
		fmt.Fprintf(errOut, "invalid cron expression: %v\n", err)
		return 2
	}

	if code := runOnce(ctx, scheduledCfg, out, errOut, opener); code == 2 {
		return code
	}

	c := cron.New(cron.WithParser(parser))
	c.Schedule(schedule, cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		if cfg.Verbose {
			fmt.Fprintln(out, "Running scheduled reconciliation...")
		}
		if code := runOnce(ctx, scheduledCfg, out, errOut, opener); code != 0 {
			fmt.Fprintf(errOut, "scheduled reconciliation exited with code %d\n", code)
		}
	}))

	c.Start()
	<-ctx.Done()
	c.Stop()
	return 0
}

func runWithDB(ctx context.Context, db *sql.DB, cfg reconcileConfig, out, errOut io.Writer) (int, error) {
	if cfg.Verbose {
		fmt.Fprintln(out, "Starting reconciliation checks...")
	}

	userCount, assetCount, err := fetchCounts(ctx, db)
	if err != nil {
		return 2, fmt.Errorf("failed to count balances: %w", err)
	}

	if cfg.Verbose {
		fmt.Fprintln(out, "Checking available balances...")
	}
	available, err := fetchDiscrepancies(ctx, db, availableQuery, "available")
	if err != nil {
		return 2, fmt.Errorf("failed to query available discrepancies: %w", err)
	}

	if cfg.Verbose {
		fmt.Fprintln(out, "Checking locked balances...")
	}
	locked, err := fetchDiscrepancies(ctx, db, lockedQuery, "locked")
	if err != nil {
		return 2, fmt.Errorf("failed to query locked discrepancies: %w", err)
	}

	if cfg.Verbose {
		fmt.Fprintln(out, "Checking negative balances...")
	}
	negative, err := fetchNegative(ctx, db)
	if err != nil {
		return 2, fmt.Errorf("failed to query negative balances: %w", err)
	}

	discrepancies := append(append(available, locked...), negative...)

	report := buildReport(userCount, assetCount, discrepancies)
	if cfg.ReportPath != "" {
		if err := writeReport(cfg.ReportPath, report); err != nil {
			return 2, fmt.Errorf("failed to write report: %w", err)
		}
	}

	if len(discrepancies) == 0 {
		fmt.Fprintf(out, "Reconciliation passed: %d users, %d assets checked\n", userCount, assetCount)
		return 0, nil
	}

	for _, d := range discrepancies {
		fmt.Fprintf(errOut, "Discrepancy found: user_id=%d, asset=%s, type=%s, diff=%s\n", d.UserID, d.Asset, d.Kind, d.Diff)
	}

	if cfg.WebhookURL != "" {
		if err := sendWebhook(ctx, cfg.WebhookURL, discrepancies); err != nil {
			fmt.Fprintf(errOut, "webhook alert failed: %v\n", err)
		}
	}

	if cfg.Alert {
		return 1, nil
	}
	return 0, nil
}

func fetchCounts(ctx context.Context, db *sql.DB) (int64, int64, error) {
	var userCount, assetCount int64
	if err := db.QueryRowContext(ctx, balanceCountQuery).Scan(&userCount, &assetCount); err != nil {
		return 0, 0, err
	}
	return userCount, assetCount, nil
}

func fetchDiscrepancies(ctx context.Context, db *sql.DB, query, kind string) ([]discrepancy, error) {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []discrepancy
	for rows.Next() {
		var userID int64
		var asset string
		var ledgerSum, balance, diff sql.NullString
		if err := rows.Scan(&userID, &asset, &ledgerSum, &balance, &diff); err != nil {
			return nil, err
		}
		results = append(results, discrepancy{
			UserID:    userID,
			Asset:     asset,
			Kind:      kind,
			Diff:      diff.String,
			LedgerSum: ledgerSum.String,
			Balance:   balance.String,
		})
	}
	return results, rows.Err()
}

func fetchNegative(ctx context.Context, db *sql.DB) ([]discrepancy, error) {
	rows, err := db.QueryContext(ctx, negativeQuery)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []discrepancy
	for rows.Next() {
		var userID, availableAmt, lockedAmt int64
		var asset string
		if err := rows.Scan(&userID, &asset, &availableAmt, &lockedAmt); err != nil {
			return nil, err
		}
		results = append(results, discrepancy{
			UserID:  userID,
			Asset:   asset,
			Kind:    "negative",
			Balance: fmt.Sprintf("available=%d locked=%d", availableAmt, lockedAmt),
		})
	}
	return results, rows.Err()
}

func sendWebhook(ctx context.Context, url string, discrepancies []discrepancy) error {
	payload := map[string]interface{}{
		"message":       "reconciliation discrepancies detected",
		"discrepancies": discrepancies,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook status %s", resp.Status)
	}
	return nil
}

type reconcileReport struct {
	RunAt            string        `json:"run_at"`
	UserCount        int64         `json:"user_count"`
	AssetCount       int64         `json:"asset_count"`
	DiscrepancyCount int           `json:"discrepancy_count"`
	Discrepancies    []discrepancy `json:"discrepancies"`
}

func buildReport(userCount, assetCount int64, discrepancies []discrepancy) reconcileReport {
	return reconcileReport{
		RunAt:            time.Now().UTC().Format(time.RFC3339),
		UserCount:        userCount,
		AssetCount:       assetCount,
		DiscrepancyCount: len(discrepancies),
		Discrepancies:    discrepancies,
	}
}

func writeReport(path string, report reconcileReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
