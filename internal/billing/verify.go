package billing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	stripe "github.com/stripe/stripe-go/v82"

	"billingsync/internal/types"
)

// VerifyCatalog compares the configured price references with the active
// prices in Stripe and returns one message per discrepancy. Discrepancies are
// logged, not fatal: a misconfigured catalog still serves the prices that
// resolve.
func VerifyCatalog(ctx context.Context, api StripeAPI, catalog *Catalog, logger *slog.Logger) ([]string, error) {
	if logger == nil {
		logger = slog.Default()
	}

	prices, err := api.ListActivePrices(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]int, len(prices))
	for i, p := range prices {
		byID[p.ID] = i
	}

	var problems []string
	for _, plan := range catalog.Plans() {
		for _, want := range plan.Prices {
			i, ok := byID[want.Ref]
			if !ok {
				problems = append(problems, fmt.Sprintf("%s %s: price %s is not active in Stripe", plan.Name, want.Cycle, want.Ref))
				continue
			}
			got := prices[i]
			if got.UnitAmount != want.AmountCents {
				problems = append(problems, fmt.Sprintf("%s %s: amount %d, catalog has %d", plan.Name, want.Cycle, got.UnitAmount, want.AmountCents))
			}
			if !strings.EqualFold(got.Currency, want.Currency) {
				problems = append(problems, fmt.Sprintf("%s %s: currency %s, catalog has %s", plan.Name, want.Cycle, got.Currency, want.Currency))
			}
			if got.Interval != intervalFor(want.Cycle) {
				problems = append(problems, fmt.Sprintf("%s %s: interval %q does not match", plan.Name, want.Cycle, got.Interval))
			}
		}
	}

	for _, p := range problems {
		logger.WarnContext(ctx, "plan catalog mismatch", "detail", p)
	}
	return problems, nil
}

func intervalFor(c types.BillingCycle) stripe.PriceRecurringInterval {
	if c == types.CycleYearly {
		return stripe.PriceRecurringIntervalYear
	}
	return stripe.PriceRecurringIntervalMonth
}
