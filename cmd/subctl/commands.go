package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"billingsync/internal/billing"
	"billingsync/internal/orchestrator"
	"billingsync/internal/types"
)

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Show the subscription, checking the server when the cache is due",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "force", Aliases: []string{"f"}, Usage: "check the server even if the cache is fresh"},
		},
		Action: func(c *cli.Context) error {
			s, err := openSession(c, false)
			if err != nil {
				return err
			}
			defer s.Close()

			snap, err := s.orch.Check(c.Context, orchestrator.CheckOptions{
				Force: c.Bool("force"),
				Route: c.String("route"),
			})
			if err != nil {
				return err
			}
			return printStatus(c, snap, s.orch.Status())
		},
	}
}

func refreshCommand() *cli.Command {
	return &cli.Command{
		Name:  "refresh",
		Usage: "Check the server now, as after returning from checkout",
		Action: func(c *cli.Context) error {
			s, err := openSession(c, false)
			if err != nil {
				return err
			}
			defer s.Close()

			select {
			case res := <-s.orch.Refresh(c.Context):
				if res.Err != nil {
					return res.Err
				}
				return printStatus(c, res.Snapshot, s.orch.Status())
			case <-c.Context.Done():
				return c.Context.Err()
			}
		},
	}
}

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Keep checking and print the state whenever it changes",
		Flags: []cli.Flag{
			&cli.DurationFlag{Name: "tick", Value: 15 * time.Second, Usage: "how often to ask whether a check is due"},
		},
		Action: func(c *cli.Context) error {
			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			s, err := openSession(c, false)
			if err != nil {
				return err
			}
			defer s.Close()

			return watch(ctx, c, s.orch, c.Duration("tick"))
		},
	}
}

// watch runs a check every tick; the orchestrator decides whether it reaches
// the server. Only state transitions are printed.
func watch(ctx context.Context, c *cli.Context, orch *orchestrator.Orchestrator, tick time.Duration) error {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	var last orchestrator.SubscriptionState
	for {
		snap, err := orch.Check(ctx, orchestrator.CheckOptions{Route: c.String("route")})
		switch {
		case err != nil && ctx.Err() != nil:
			return nil
		case err != nil:
			fmt.Fprintf(c.App.ErrWriter, "check failed: %v\n", err)
		default:
			if state := orchestrator.DeriveState(snap); state != last {
				last = state
				if err := printStatus(c, snap, orch.Status()); err != nil {
					return err
				}
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func plansCommand() *cli.Command {
	return &cli.Command{
		Name:  "plans",
		Usage: "List available plans",
		Action: func(c *cli.Context) error {
			s, err := openSession(c, false)
			if err != nil {
				return err
			}
			defer s.Close()

			plans, err := s.gateway.ListPlans(c.Context)
			if err != nil {
				return err
			}
			if c.Bool("json") {
				return printJSON(c, plans)
			}
			for _, p := range plans {
				fmt.Fprintf(c.App.Writer, "%-12s %s\n", p.ID, p.Name)
				for _, cycle := range []types.BillingCycle{types.CycleMonthly, types.CycleYearly} {
					if price, ok := p.Prices[cycle]; ok {
						fmt.Fprintf(c.App.Writer, "  %-8s %s %s\n", cycle, formatAmount(price.AmountCents, price.Currency), price.Ref)
					}
				}
			}
			return nil
		},
	}
}

var cycleFlag = &cli.StringFlag{
	Name:  "cycle",
	Value: string(types.CycleMonthly),
	Usage: "billing cycle: monthly or yearly",
}

func parseCycle(c *cli.Context) (types.BillingCycle, error) {
	switch cycle := types.BillingCycle(c.String("cycle")); cycle {
	case types.CycleMonthly, types.CycleYearly:
		return cycle, nil
	default:
		return "", fmt.Errorf("unknown cycle %q", cycle)
	}
}

func selectPlanCommand() *cli.Command {
	return &cli.Command{
		Name:      "select-plan",
		Usage:     "Subscribe to or switch to a plan",
		ArgsUsage: "PLAN",
		Flags: []cli.Flag{
			cycleFlag,
			&cli.BoolFlag{Name: "at-period-end", Usage: "schedule the change for the end of the current period"},
		},
		Action: func(c *cli.Context) error {
			planID, cycle, err := planArgs(c)
			if err != nil {
				return err
			}
			return runAction(c, func(o *orchestrator.Orchestrator, ctx context.Context) (*orchestrator.ActionResult, error) {
				return o.SelectPlan(ctx, planID, cycle, c.Bool("at-period-end"))
			})
		},
	}
}

func downgradeCommand() *cli.Command {
	return &cli.Command{
		Name:      "downgrade",
		Usage:     "Move to a cheaper plan at the end of the current period",
		ArgsUsage: "PLAN",
		Flags:     []cli.Flag{cycleFlag},
		Action: func(c *cli.Context) error {
			planID, cycle, err := planArgs(c)
			if err != nil {
				return err
			}
			return runAction(c, func(o *orchestrator.Orchestrator, ctx context.Context) (*orchestrator.ActionResult, error) {
				return o.Downgrade(ctx, planID, cycle)
			})
		},
	}
}

func planArgs(c *cli.Context) (billing.PlanID, types.BillingCycle, error) {
	if c.NArg() != 1 {
		return "", "", fmt.Errorf("expected exactly one PLAN argument")
	}
	cycle, err := parseCycle(c)
	if err != nil {
		return "", "", err
	}
	return billing.PlanID(c.Args().First()), cycle, nil
}

func cancelCommand() *cli.Command {
	return &cli.Command{
		Name:  "cancel",
		Usage: "Cancel at the end of the current period",
		Action: func(c *cli.Context) error {
			return runAction(c, (*orchestrator.Orchestrator).Cancel)
		},
	}
}

func renewCommand() *cli.Command {
	return &cli.Command{
		Name:  "renew",
		Usage: "Undo a scheduled cancellation",
		Action: func(c *cli.Context) error {
			return runAction(c, (*orchestrator.Orchestrator).Renew)
		},
	}
}

func cancelPendingCommand() *cli.Command {
	return &cli.Command{
		Name:  "cancel-pending",
		Usage: "Drop a scheduled plan change",
		Action: func(c *cli.Context) error {
			return runAction(c, (*orchestrator.Orchestrator).CancelPendingChange)
		},
	}
}

func portalCommand() *cli.Command {
	return &cli.Command{
		Name:  "portal",
		Usage: "Print a link to the hosted billing portal",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "flow", Usage: "deep link: payment_method_update or subscription_cancel"},
		},
		Action: func(c *cli.Context) error {
			flow := types.PortalFlow(c.String("flow"))
			return runAction(c, func(o *orchestrator.Orchestrator, ctx context.Context) (*orchestrator.ActionResult, error) {
				return o.OpenPortal(ctx, flow)
			})
		},
	}
}

// actionFunc has the shape of an Orchestrator method expression.
type actionFunc func(o *orchestrator.Orchestrator, ctx context.Context) (*orchestrator.ActionResult, error)

func runAction(c *cli.Context, fn actionFunc) error {
	s, err := openSession(c, true)
	if err != nil {
		return err
	}
	defer s.Close()

	res, err := fn(s.orch, c.Context)
	if err != nil {
		return err
	}
	if c.Bool("json") {
		return printJSON(c, res)
	}

	w := c.App.Writer
	fmt.Fprintf(w, "Result: %s\n", res.Action)
	if res.Message != "" {
		fmt.Fprintln(w, res.Message)
	}
	if res.PendingChange != nil {
		fmt.Fprintf(w, "Scheduled: %s\n", describePending(res.PendingChange))
	}
	if res.RedirectURL != "" {
		fmt.Fprintf(w, "Continue in your browser:\n  %s\n", res.RedirectURL)
		fmt.Fprintln(w, "Run 'subctl refresh' when you are done.")
	}
	return nil
}

func invoicesCommand() *cli.Command {
	return &cli.Command{
		Name:  "invoices",
		Usage: "List past invoices",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "limit", Value: 10, Usage: "page size (1-100)"},
			&cli.StringFlag{Name: "cursor", Usage: "cursor from a previous page"},
		},
		Action: func(c *cli.Context) error {
			s, err := openSession(c, false)
			if err != nil {
				return err
			}
			defer s.Close()

			invoices, page, err := s.gateway.ListInvoices(c.Context, types.ListInvoicesParams{
				Limit:  c.Int("limit"),
				Cursor: c.String("cursor"),
			})
			if err != nil {
				return err
			}
			if c.Bool("json") {
				return printJSON(c, map[string]any{"invoices": invoices, "pagination": page})
			}
			if len(invoices) == 0 {
				fmt.Fprintln(c.App.Writer, "No invoices.")
				return nil
			}
			for _, inv := range invoices {
				fmt.Fprintf(c.App.Writer, "%s  %-6s %10s  %s\n",
					inv.CreatedAt.Format("2006-01-02"), inv.Status,
					formatAmount(inv.AmountDue, inv.Currency), inv.PDFURL)
			}
			if page.HasMore {
				fmt.Fprintf(c.App.Writer, "More: --cursor %s\n", page.NextCursor)
			}
			return nil
		},
	}
}

func permissionsCommand() *cli.Command {
	return &cli.Command{
		Name:  "permissions",
		Usage: "Show the roles granted to you",
		Action: func(c *cli.Context) error {
			s, err := openSession(c, false)
			if err != nil {
				return err
			}
			defer s.Close()

			perms := s.orch.ResolvePermissions(c.Context)
			if c.Bool("json") {
				return printJSON(c, perms)
			}
			if perms.Unknown {
				fmt.Fprintln(c.App.Writer, "Roles could not be determined.")
				return nil
			}
			if len(perms.Roles) == 0 {
				fmt.Fprintln(c.App.Writer, "No roles.")
				return nil
			}
			for _, r := range perms.Roles {
				fmt.Fprintln(c.App.Writer, r)
			}
			return nil
		},
	}
}

func configStatusCommand() *cli.Command {
	return &cli.Command{
		Name:  "config-status",
		Usage: "Show which server backends are configured",
		Action: func(c *cli.Context) error {
			s, err := openSession(c, false)
			if err != nil {
				return err
			}
			defer s.Close()

			st, err := s.gateway.ConfigStatus(c.Context)
			if err != nil {
				return err
			}
			if c.Bool("json") {
				return printJSON(c, st)
			}
			fmt.Fprintf(c.App.Writer, "Billing: %s\nStorage: %s\n", yesNo(st.BillingConfigured), yesNo(st.StorageConfigured))
			return nil
		},
	}
}

func logoutCommand() *cli.Command {
	return &cli.Command{
		Name:  "logout",
		Usage: "Forget the cached subscription",
		Action: func(c *cli.Context) error {
			s, err := openSession(c, false)
			if err != nil {
				return err
			}
			defer s.Close()

			if err := s.orch.HandleAuthEvent(c.Context, orchestrator.AuthEvent{Type: orchestrator.AuthSignedOut}); err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, "Subscription cache cleared.")
			return nil
		},
	}
}
