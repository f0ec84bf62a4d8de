// loadtest hammers the Central Bank escrow pipeline: it registers a
// payer agent, funds it with the platform key, then drives concurrent
// lock/release cycles and reports latency percentiles.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/agoranet/backend/internal/bank"
	"github.com/agoranet/backend/internal/envelope"
)

type loadTestConfig struct {
	IdentityURL   string
	BankURL       string
	PlatformID    string
	PlatformKey   string
	Transactions  int
	Concurrency   int
	AmountPerLock int64
}

type loadTestStats struct {
	total     uint64
	succeeded uint64
	failed    uint64

	mu        sync.Mutex
	latencies []time.Duration
}

func (s *loadTestStats) record(elapsed time.Duration, err error) {
	atomic.AddUint64(&s.total, 1)
	if err != nil {
		atomic.AddUint64(&s.failed, 1)
		return
	}
	atomic.AddUint64(&s.succeeded, 1)
	s.mu.Lock()
	s.latencies = append(s.latencies, elapsed)
	s.mu.Unlock()
}

func main() {
	identityURL := flag.String("identity", "http://localhost:7001", "Identity base URL")
	bankURL := flag.String("bank", "http://localhost:7002", "Central Bank base URL")
	platformID := flag.String("platform-id", os.Getenv("AGORA_PLATFORM_ID"), "platform agent id")
	platformKey := flag.String("platform-key", os.Getenv("AGORA_PLATFORM_KEY"), "platform private key (base64)")
	txns := flag.Int("txns", 1000, "number of lock/release cycles")
	concurrency := flag.Int("concurrency", 50, "number of concurrent workers")
	amount := flag.Int64("amount", 10, "escrow amount per lock")
	flag.Parse()

	cfg := loadTestConfig{
		IdentityURL:   *identityURL,
		BankURL:       *bankURL,
		PlatformID:    *platformID,
		PlatformKey:   *platformKey,
		Transactions:  *txns,
		Concurrency:   *concurrency,
		AmountPerLock: *amount,
	}
	if cfg.PlatformID == "" || cfg.PlatformKey == "" {
		slog.Error("platform-id and platform-key are required")
		os.Exit(1)
	}

	slog.Info("starting escrow load test",
		"txns", cfg.Transactions, "concurrency", cfg.Concurrency, "amount", cfg.AmountPerLock)

	stats, err := runLoadTest(cfg)
	if err != nil {
		slog.Error("load test setup failed", "error", err)
		os.Exit(1)
	}
	printResults(stats)
}

func runLoadTest(cfg loadTestConfig) (*loadTestStats, error) {
	ctx := context.Background()
	httpc := &http.Client{Timeout: 30 * time.Second}
	bankClient := bank.NewClient(cfg.BankURL, 30*time.Second)

	platform, err := envelope.NewSigner(cfg.PlatformID, cfg.PlatformKey)
	if err != nil {
		return nil, err
	}

	// One payer agent funded to cover every concurrent lock.
	payer, err := registerAgent(ctx, httpc, cfg.IdentityURL)
	if err != nil {
		return nil, err
	}
	selfToken, err := payer.Sign(map[string]interface{}{
		"action": "create_account", "account_id": payer.AgentID,
	})
	if err != nil {
		return nil, err
	}
	if _, err := bankClient.CreateAccount(ctx, selfToken); err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	total := cfg.AmountPerLock * int64(cfg.Transactions)
	creditToken, err := platform.Sign(map[string]interface{}{
		"action": "credit", "account_id": payer.AgentID,
		"amount": total, "reference": "loadtest-" + uuid.NewString(),
	})
	if err != nil {
		return nil, err
	}
	if _, err := bankClient.Credit(ctx, payer.AgentID, creditToken); err != nil {
		return nil, fmt.Errorf("fund payer: %w", err)
	}

	stats := &loadTestStats{}
	work := make(chan int, cfg.Transactions)
	for i := 0; i < cfg.Transactions; i++ {
		work <- i
	}
	close(work)

	var wg sync.WaitGroup
	start := time.Now()
	for w := 0; w < cfg.Concurrency; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range work {
				began := time.Now()
				err := lockAndRelease(ctx, bankClient, payer, platform, cfg.AmountPerLock)
				stats.record(time.Since(began), err)
			}
		}()
	}
	wg.Wait()

	slog.Info("load test complete", "elapsed", time.Since(start).Round(time.Millisecond))
	return stats, nil
}

func lockAndRelease(ctx context.Context, bankClient *bank.Client, payer, platform *envelope.Signer, amount int64) error {
	taskID := "t-" + uuid.NewString()
	lockToken, err := payer.Sign(map[string]interface{}{
		"action": "escrow_lock", "task_id": taskID, "amount": amount,
	})
	if err != nil {
		return err
	}
	lock, err := bankClient.EscrowLock(ctx, lockToken)
	if err != nil {
		return err
	}

	releaseToken, err := platform.Sign(map[string]interface{}{
		"action":               "escrow_release",
		"escrow_id":            lock.Escrow.EscrowID,
		"recipient_account_id": payer.AgentID,
	})
	if err != nil {
		return err
	}
	_, err = bankClient.EscrowRelease(ctx, lock.Escrow.EscrowID, releaseToken)
	return err
}

func registerAgent(ctx context.Context, httpc *http.Client, identityURL string) (*envelope.Signer, error) {
	pub, priv, err := envelope.GenerateKey()
	if err != nil {
		return nil, err
	}
	body, _ := json.Marshal(map[string]string{
		"display_name": "loadtest-" + uuid.NewString(),
		"public_key":   pub,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, identityURL+"/agents", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpc.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("register returned status %d", resp.StatusCode)
	}

	var agent struct {
		AgentID string `json:"agent_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&agent); err != nil {
		return nil, err
	}
	return envelope.SignerFromKey(agent.AgentID, priv), nil
}

func printResults(stats *loadTestStats) {
	fmt.Println("\n=== Escrow Load Test Results ===")
	fmt.Printf("Total cycles:   %d\n", stats.total)
	fmt.Printf("Succeeded:      %d\n", stats.succeeded)
	fmt.Printf("Failed:         %d\n", stats.failed)

	stats.mu.Lock()
	latencies := stats.latencies
	stats.mu.Unlock()
	if len(latencies) == 0 {
		return
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	pct := func(p float64) time.Duration {
		idx := int(p * float64(len(latencies)-1))
		return latencies[idx]
	}
	fmt.Printf("Avg latency:    %v\n", (sum / time.Duration(len(latencies))).Round(time.Microsecond))
	fmt.Printf("Min latency:    %v\n", latencies[0].Round(time.Microsecond))
	fmt.Printf("Max latency:    %v\n", latencies[len(latencies)-1].Round(time.Microsecond))
	fmt.Printf("P95 latency:    %v\n", pct(0.95).Round(time.Microsecond))
	fmt.Printf("P99 latency:    %v\n", pct(0.99).Round(time.Microsecond))
}
