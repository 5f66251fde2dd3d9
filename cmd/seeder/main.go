package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
)

// Users and the property go through the API so their ledger accounts exist;
// balances are then topped up in bulk.
var (
	apiURL        string
	totalUsers    int
	initialFils   int64
	propertyValue string
	tokens        int64
	tokenName     string
)

func init() {
	flag.StringVar(&apiURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&totalUsers, "users", 100, "Number of investors to create")
	flag.Int64Var(&initialFils, "balance", 1_000_000, "Initial fiat balance per user in fils (10,000.00 AED)")
	flag.StringVar(&propertyValue, "value", "100000.00", "Total property value in AED")
	flag.Int64Var(&tokens, "tokens", 100_000, "Tokens to issue")
	flag.StringVar(&tokenName, "token", "", "Token currency name (default B<unix time>)")
}

func main() {
	flag.Parse()
	if tokenName == "" {
		tokenName = fmt.Sprintf("B%d", time.Now().Unix())
	}
	client := &http.Client{Timeout: 2 * time.Minute}
	ctx := context.Background()

	log.Println("--- Seeding Platform ---")

	// 1. Investors
	log.Printf("Creating %d investors...", totalUsers)
	runID := time.Now().UnixNano()
	ids := make([]int64, 0, totalUsers)
	for i := range totalUsers {
		var user struct {
			ID int64 `json:"id"`
		}
		body := map[string]string{"name": fmt.Sprintf("Investor %d", i), "email": fmt.Sprintf("investor-%d-%d@bench.local", runID, i)}
		if err := post(client, "/api/v1/users", body, &user); err != nil {
			log.Fatalf("Create user failed: %v", err)
		}
		ids = append(ids, user.ID)
	}

	// 2. Balances
	if dbURL := os.Getenv("DB_SOURCE"); dbURL != "" {
		n, err := bulkCredit(ctx, dbURL, ids, initialFils)
		if err != nil {
			log.Fatalf("Bulk credit failed: %v", err)
		}
		log.Printf("Credited %d users in bulk.", n)
	} else {
		amount := fmt.Sprintf("%d.%02d", initialFils/100, initialFils%100)
		for _, id := range ids {
			if err := post(client, fmt.Sprintf("/api/v1/users/%d/deposits", id), map[string]string{"amount_aed": amount}, nil); err != nil {
				log.Fatalf("Deposit failed: %v", err)
			}
		}
		log.Printf("Credited %d users through the API.", len(ids))
	}

	// 3. Property
	var prop struct {
		ID int64 `json:"id"`
	}
	if err := post(client, "/api/v1/properties", map[string]any{
		"name":                "Benchmark Tower",
		"total_value_aed":     propertyValue,
		"tokens_to_issue":     tokens,
		"token_currency_name": tokenName,
	}, &prop); err != nil {
		log.Fatalf("Create property failed: %v", err)
	}
	if err := post(client, fmt.Sprintf("/api/v1/properties/%d/mint", prop.ID), nil, nil); err != nil {
		log.Fatalf("Mint failed: %v", err)
	}

	log.Printf("Seeded users %d..%d and property %d (%s AED, %d tokens).", ids[0], ids[len(ids)-1], prop.ID, propertyValue, tokens)
}

// bulkCredit copies the balances into a temporary table and applies them in
// one statement.
func bulkCredit(ctx context.Context, dbURL string, ids []int64, fils int64) (int64, error) {
	conn, err := pgx.Connect(ctx, dbURL)
	if err != nil {
		return 0, fmt.Errorf("unable to connect to database: %w", err)
	}
	defer conn.Close(ctx)

	tx, err := conn.Begin(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `CREATE TEMP TABLE seed_credits (user_id BIGINT, amount BIGINT) ON COMMIT DROP`); err != nil {
		return 0, err
	}

	rows := make([][]any, 0, len(ids))
	for _, id := range ids {
		rows = append(rows, []any{id, fils})
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"seed_credits"}, []string{"user_id", "amount"}, pgx.CopyFromRows(rows)); err != nil {
		return 0, err
	}

	tag, err := tx.Exec(ctx, `
		UPDATE users u SET fiat_balance = u.fiat_balance + c.amount
		FROM seed_credits c WHERE c.user_id = u.id`)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func post(client *http.Client, path string, payload, out any) error {
	var body []byte
	if payload != nil {
		var err error
		if body, err = json.Marshal(payload); err != nil {
			return err
		}
	}
	req, err := http.NewRequest(http.MethodPost, apiURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		return fmt.Errorf("%s: %d %s", path, resp.StatusCode, apiErr.Error)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
