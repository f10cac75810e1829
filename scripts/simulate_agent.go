// simulate_agent drives one full governance loop against a running gateway:
// a benign command that clears policy, a network call that escalates, and
// (when ADMIN_TOKEN is set) the human approval plus the one-shot consumption.
//
// Usage:
//
//	go run scripts/simulate_agent.go
//	GATEWAY_URL=http://localhost:8080 ADMIN_TOKEN=... go run scripts/simulate_agent.go
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/jlugo63/gavel/pkg/sdk"
)

func main() {
	gatewayURL := os.Getenv("GATEWAY_URL")
	if gatewayURL == "" {
		gatewayURL = "http://localhost:8080"
	}

	agent := sdk.NewClient(sdk.Config{
		GatewayURL: gatewayURL,
		ActorID:    "agent:builder-01",
	})
	ctx := context.Background()

	health, err := agent.Health(ctx)
	if err != nil {
		log.Fatalf("gateway unreachable at %s: %v", gatewayURL, err)
	}
	fmt.Printf("gateway: %s\n\n", health["service"])

	// 1. A benign command clears policy and executes in the Blast Box.
	fmt.Println("--- proposing: echo hello ---")
	proposal, err := agent.Propose(ctx, "bash", "echo hello")
	if err != nil {
		log.Fatalf("propose: %v", err)
	}
	fmt.Printf("decision=%s risk=%.2f intent=%s\n", proposal.Decision, proposal.RiskScore, proposal.IntentEventID)

	if proposal.Cleared() {
		exec, err := agent.Execute(ctx, proposal.IntentEventID)
		if err != nil {
			log.Fatalf("execute: %v", err)
		}
		if exec.Error != "" {
			fmt.Printf("execution refused: %s\n", exec.Error)
		} else {
			fmt.Printf("executed: evidence=%s review=%s\n", exec.EvidenceEventID, exec.ReviewEventID)
		}
	}

	// 2. Network access escalates for human review.
	fmt.Println("\n--- proposing: curl https://example.com ---")
	escalated, err := agent.Propose(ctx, "bash", "curl https://example.com")
	if err != nil {
		log.Fatalf("propose: %v", err)
	}
	fmt.Printf("decision=%s expires_at=%s\n", escalated.Decision, escalated.ExpiresAt)

	adminToken := os.Getenv("ADMIN_TOKEN")
	if adminToken == "" || escalated.Decision != sdk.DecisionEscalated {
		fmt.Println("\nset ADMIN_TOKEN to walk the approval flow")
		return
	}

	// 3. A human approves; the identical re-proposal consumes it once.
	admin := sdk.NewClient(sdk.Config{
		GatewayURL: gatewayURL,
		ActorID:    "human:admin",
		APIKey:     adminToken,
	})
	verdict, err := admin.Approve(ctx, escalated.IntentEventID, escalated.PolicyEventID, "simulated review")
	if err != nil {
		log.Fatalf("approve: %v", err)
	}
	if !verdict.Success {
		log.Fatalf("approval rejected: %s", verdict.Error)
	}
	fmt.Printf("\napproved: event=%s\n", verdict.EventID)

	retry, err := agent.Propose(ctx, "bash", "curl https://example.com")
	if err != nil {
		log.Fatalf("propose: %v", err)
	}
	fmt.Printf("re-proposal decision=%s consumed=%s\n", retry.Decision, retry.ApprovalConsumedEventID)

	summary, err := agent.Escalations(ctx)
	if err != nil {
		log.Fatalf("escalations: %v", err)
	}
	fmt.Printf("\nescalations: pending=%d human_required=%d auto_denied=%d resolved=%d\n",
		summary.Summary.Pending, summary.Summary.HumanRequired,
		summary.Summary.AutoDenied, summary.Summary.Resolved)
}
