package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"

	"billingsync/internal/orchestrator"
	"billingsync/internal/types"
)

const dateLayout = "2006-01-02"

type statusView struct {
	State        orchestrator.SubscriptionState `json:"state"`
	Subscription *types.SubscriptionSnapshot    `json:"subscription"`
	InErrorState bool                           `json:"in_error_state,omitempty"`
	LastError    string                         `json:"last_error,omitempty"`
}

func printStatus(c *cli.Context, snap *types.SubscriptionSnapshot, st orchestrator.Status) error {
	view := statusView{
		State:        orchestrator.DeriveState(snap),
		Subscription: snap,
		InErrorState: st.InErrorState,
	}
	if st.LastError != nil {
		view.LastError = st.LastError.Error()
	}
	if c.Bool("json") {
		return printJSON(c, view)
	}

	w := c.App.Writer
	fmt.Fprintln(w, "Subscription Status")
	fmt.Fprintln(w, strings.Repeat("-", 40))
	fmt.Fprintf(w, "State: %s\n", view.State)
	if snap == nil || !snap.Subscribed {
		fmt.Fprintln(w, "Plan: Free")
	} else {
		fmt.Fprintf(w, "Plan: %s\n", snap.TierName())
		if snap.End != nil {
			label := "Renews"
			if snap.CancelAtPeriodEnd {
				label = "Ends"
			}
			fmt.Fprintf(w, "%s: %s\n", label, snap.End.Format(dateLayout))
		}
		if snap.PendingChange != nil {
			fmt.Fprintf(w, "Scheduled: %s\n", describePending(snap.PendingChange))
		}
	}
	if snap != nil && snap.PaymentMethod != nil {
		pm := snap.PaymentMethod
		fmt.Fprintf(w, "Card: %s ending %s (%02d/%d)\n", pm.Brand, pm.Last4, pm.ExpMonth, pm.ExpYear)
	}
	if view.InErrorState {
		fmt.Fprintf(w, "\nWarning: the server could not be reached (%s). Showing cached data.\n", view.LastError)
	}
	return nil
}

func describePending(p *types.PendingChange) string {
	target := "Free"
	if p.NewPlanName != nil {
		target = *p.NewPlanName
	}
	kind := strings.ReplaceAll(string(p.Type), "_", " ")
	if kind == "" {
		kind = "change"
	}
	return fmt.Sprintf("%s to %s on %s", kind, target, p.EffectiveDate.Format(dateLayout))
}

func printJSON(c *cli.Context, v any) error {
	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatAmount(cents int64, currency string) string {
	return fmt.Sprintf("%d.%02d %s", cents/100, cents%100, strings.ToUpper(currency))
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
