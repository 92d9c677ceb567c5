package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/cpu-gm/canonical-deal-os-sub000/sdk/go/dealos"
)

func main() {
	baseURL := os.Getenv("DEALOS_BASE_URL")
	token := os.Getenv("DEALOS_TOKEN")
	dealID := os.Getenv("DEALOS_DEAL_ID")
	if baseURL == "" || token == "" || dealID == "" {
		fmt.Fprintln(os.Stderr, "DEALOS_BASE_URL, DEALOS_TOKEN and DEALOS_DEAL_ID are required")
		os.Exit(2)
	}

	client := dealos.NewClient(baseURL, dealos.BearerAuth{Token: token})
	ctx := context.Background()

	outcome, err := client.RequestAction(ctx, dealID, dealos.ActionRequest{
		ActionType: "APPROVE_DEAL",
		Payload:    map[string]any{"note": "happy path"},
	})
	if err != nil {
		panic(err)
	}

	report, err := client.VerifyAudit(ctx, dealID)
	if err != nil {
		panic(err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(map[string]any{
		"outcome": outcome,
		"report":  report,
	})
	fmt.Println("ok")
}
