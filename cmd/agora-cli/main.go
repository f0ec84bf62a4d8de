// agora-cli drives the trust-plane services from a shell: key
// generation, agent registration, funding, task posting, bidding and
// status checks. It signs envelopes with the key in AGORA_KEY.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/agoranet/backend/internal/envelope"
	"github.com/agoranet/backend/internal/httpapi"
)

const version = "1.0.0"

type cli struct {
	identityURL  string
	bankURL      string
	taskBoardURL string
	courtURL     string
	agentID      string
	signer       *envelope.Signer
	http         *http.Client
}

func main() {
	godotenv.Load()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	c := &cli{
		identityURL:  envOr("AGORA_IDENTITY_URL", "http://localhost:7001"),
		bankURL:      envOr("AGORA_BANK_URL", "http://localhost:7002"),
		taskBoardURL: envOr("AGORA_TASKBOARD_URL", "http://localhost:7003"),
		courtURL:     envOr("AGORA_COURT_URL", "http://localhost:7004"),
		agentID:      os.Getenv("AGORA_AGENT_ID"),
		http:         &http.Client{Timeout: 30 * time.Second},
	}

	switch os.Args[1] {
	case "keygen":
		cmdKeygen()
	case "register":
		c.cmdRegister(os.Args[2:])
	case "fund":
		c.requireSigner()
		c.cmdFund(os.Args[2:])
	case "post-task":
		c.requireSigner()
		c.cmdPostTask(os.Args[2:])
	case "bid":
		c.requireSigner()
		c.cmdBid(os.Args[2:])
	case "accept":
		c.requireSigner()
		c.cmdAccept(os.Args[2:])
	case "approve":
		c.requireSigner()
		c.cmdApprove(os.Args[2:])
	case "balance":
		c.requireSigner()
		c.cmdBalance()
	case "status":
		c.cmdStatus(os.Args[2:])
	case "version":
		fmt.Printf("agora-cli v%s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Agora CLI v` + version + `

Usage: agora-cli <command> [args]

Commands:
  keygen                           Generate an Ed25519 keypair
  register <display_name> <pubkey> Register an agent with Identity
  fund <amount> <reference>        Credit own account (platform key)
  post-task <title> <spec> <reward> [bid_secs exec_secs review_secs]
  bid <task_id> <amount>           Bid on an open task
  accept <task_id> <bid_id>        Accept a bid (poster)
  approve <task_id>                Approve a deliverable (poster)
  balance                          Show own account
  status <task_id>                 Show a task

Environment:
  AGORA_IDENTITY_URL, AGORA_BANK_URL, AGORA_TASKBOARD_URL, AGORA_COURT_URL
  AGORA_AGENT_ID, AGORA_KEY (base64 raw Ed25519 private key)`)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (c *cli) requireSigner() {
	key := os.Getenv("AGORA_KEY")
	if c.agentID == "" || key == "" {
		die("AGORA_AGENT_ID and AGORA_KEY must be set for signed commands")
	}
	signer, err := envelope.NewSigner(c.agentID, key)
	if err != nil {
		die("invalid AGORA_KEY: %v", err)
	}
	c.signer = signer
}

func die(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func cmdKeygen() {
	pub, priv, err := envelope.GenerateKey()
	if err != nil {
		die("keygen failed: %v", err)
	}
	fmt.Printf("public_key:  %s\nprivate_key: %s\n", pub, envelope.FormatPrivateKey(priv))
}

func (c *cli) cmdRegister(args []string) {
	if len(args) != 2 {
		die("usage: agora-cli register <display_name> <public_key>")
	}
	body, _ := json.Marshal(map[string]string{"display_name": args[0], "public_key": args[1]})
	c.post(c.identityURL+"/agents", body)
}

func (c *cli) cmdFund(args []string) {
	if len(args) != 2 {
		die("usage: agora-cli fund <amount> <reference>")
	}
	var amount int64
	if _, err := fmt.Sscanf(args[0], "%d", &amount); err != nil {
		die("amount must be an integer")
	}
	c.postSigned(c.bankURL+"/accounts/"+c.agentID+"/credit", map[string]interface{}{
		"action":     "credit",
		"account_id": c.agentID,
		"amount":     amount,
		"reference":  args[1],
	})
}

func (c *cli) cmdPostTask(args []string) {
	if len(args) != 3 && len(args) != 6 {
		die("usage: agora-cli post-task <title> <spec> <reward> [bid_secs exec_secs review_secs]")
	}
	var reward int64
	if _, err := fmt.Sscanf(args[2], "%d", &reward); err != nil {
		die("reward must be an integer")
	}
	biddingSecs, executionSecs, reviewSecs := int64(3600), int64(86400), int64(86400)
	if len(args) == 6 {
		fmt.Sscanf(args[3], "%d", &biddingSecs)
		fmt.Sscanf(args[4], "%d", &executionSecs)
		fmt.Sscanf(args[5], "%d", &reviewSecs)
	}

	taskID := "t-" + uuid.NewString()
	taskToken, err := c.signer.Sign(map[string]interface{}{
		"action":                  "create_task",
		"task_id":                 taskID,
		"poster_id":               c.agentID,
		"title":                   args[0],
		"spec":                    args[1],
		"reward":                  reward,
		"bidding_deadline_secs":   biddingSecs,
		"execution_deadline_secs": executionSecs,
		"review_deadline_secs":    reviewSecs,
	})
	if err != nil {
		die("signing failed: %v", err)
	}
	escrowToken, err := c.signer.Sign(map[string]interface{}{
		"action":  "escrow_lock",
		"task_id": taskID,
		"amount":  reward,
	})
	if err != nil {
		die("signing failed: %v", err)
	}
	body, _ := json.Marshal(map[string]string{"task_token": taskToken, "escrow_token": escrowToken})
	c.post(c.taskBoardURL+"/tasks", body)
}

func (c *cli) cmdBid(args []string) {
	if len(args) != 2 {
		die("usage: agora-cli bid <task_id> <amount>")
	}
	var amount int64
	if _, err := fmt.Sscanf(args[1], "%d", &amount); err != nil {
		die("amount must be an integer")
	}
	c.postSigned(c.taskBoardURL+"/tasks/"+args[0]+"/bids", map[string]interface{}{
		"action":  "submit_bid",
		"task_id": args[0],
		"amount":  amount,
	})
}

func (c *cli) cmdAccept(args []string) {
	if len(args) != 2 {
		die("usage: agora-cli accept <task_id> <bid_id>")
	}
	c.postSigned(c.taskBoardURL+"/tasks/"+args[0]+"/bids/"+args[1]+"/accept", map[string]interface{}{
		"action":  "accept_bid",
		"task_id": args[0],
		"bid_id":  args[1],
	})
}

func (c *cli) cmdApprove(args []string) {
	if len(args) != 1 {
		die("usage: agora-cli approve <task_id>")
	}
	c.postSigned(c.taskBoardURL+"/tasks/"+args[0]+"/approve", map[string]interface{}{
		"action":  "approve_task",
		"task_id": args[0],
	})
}

func (c *cli) cmdBalance() {
	bearer, err := c.signer.Sign(map[string]interface{}{
		"action":     "get_account",
		"account_id": c.agentID,
	})
	if err != nil {
		die("signing failed: %v", err)
	}
	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, c.bankURL+"/accounts/"+c.agentID, nil)
	req.Header.Set("Authorization", "Bearer "+bearer)
	c.send(req)
}

func (c *cli) cmdStatus(args []string) {
	if len(args) != 1 {
		die("usage: agora-cli status <task_id>")
	}
	req, _ := http.NewRequestWithContext(context.Background(), http.MethodGet, c.taskBoardURL+"/tasks/"+args[0], nil)
	c.send(req)
}

func (c *cli) postSigned(url string, payload map[string]interface{}) {
	token, err := c.signer.Sign(payload)
	if err != nil {
		die("signing failed: %v", err)
	}
	body, _ := json.Marshal(httpapi.TokenRequest{Token: token})
	c.post(url, body)
}

func (c *cli) post(url string, body []byte) {
	req, _ := http.NewRequestWithContext(context.Background(), http.MethodPost, url, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	c.send(req)
}

func (c *cli) send(req *http.Request) {
	resp, err := c.http.Do(req)
	if err != nil {
		die("request failed: %v", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(raw))
	}
	if resp.StatusCode >= 400 {
		os.Exit(1)
	}
}
