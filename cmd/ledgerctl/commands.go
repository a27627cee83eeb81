package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/friendfund/backend/ledger"
)

// errDiscrepancies makes audit exit non-zero when the invariant is broken.
var errDiscrepancies = errors.New("conservation audit found discrepancies")

func auditCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "audit",
		Short: "Check collectedAmount against counted contributions for every campaign",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, release, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer release()

			report, err := svc.Audit(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Campaigns checked: %d\n", report.CampaignsChecked)
			fmt.Fprintf(out, "Duration:          %s\n", report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))
			if report.Clean() {
				fmt.Fprintln(out, "Status:            CLEAN")
				return nil
			}
			fmt.Fprintf(out, "Status:            %d DISCREPANCIES\n\n", len(report.Discrepancies))
			for _, d := range report.Discrepancies {
				fmt.Fprintf(out, "  %s  stored=%s computed=%s  count stored=%d computed=%d\n",
					d.CampaignID,
					d.StoredCollected.StringFixed(ledger.MoneyPlaces), d.ComputedCollected.StringFixed(ledger.MoneyPlaces),
					d.StoredCount, d.ComputedCount)
			}
			return errDiscrepancies
		},
	}
}

func sweepCmd(open opener) *cobra.Command {
	var asOf string
	cmd := &cobra.Command{
		Use:   "sweep-overdue",
		Short: "Announce pending loans whose repayment due date has passed",
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now().UTC()
			if asOf != "" {
				t, err := time.Parse("2006-01-02", asOf)
				if err != nil {
					return fmt.Errorf("--as-of must be YYYY-MM-DD: %w", err)
				}
				now = t
			}

			svc, release, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer release()

			overdue, err := svc.SweepOverdueLoans(cmd.Context(), now)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Overdue loans notified: %d\n", len(overdue))
			for _, c := range overdue {
				fmt.Fprintf(out, "  %s  campaign=%s amount=%s due=%s\n",
					c.ID, c.CampaignID, c.Amount.StringFixed(ledger.MoneyPlaces), c.RepaymentDueDate.Format("2006-01-02"))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&asOf, "as-of", "", "treat this date (YYYY-MM-DD) as today")
	return cmd
}

func campaignCmd(open opener) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "campaign",
		Short: "Campaign tools",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "inspect [id]",
		Short: "Show a campaign, its contributions and its audit result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, release, err := open(cmd.Context())
			if err != nil {
				return err
			}
			defer release()

			detail, err := svc.GetCampaignDetail(cmd.Context(), ledger.CampaignID(args[0]))
			if err != nil {
				return err
			}
			c := detail.Campaign
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Campaign %s\n", c.ID)
			fmt.Fprintln(out, strings.Repeat("=", 40))
			fmt.Fprintf(out, "  Title:     %s\n", c.Title)
			fmt.Fprintf(out, "  Host:      %s\n", c.HostID)
			fmt.Fprintf(out, "  Status:    %s\n", c.Status)
			fmt.Fprintf(out, "  Target:    %s\n", c.TargetAmount.StringFixed(ledger.MoneyPlaces))
			fmt.Fprintf(out, "  Collected: %s (%s%%)\n", c.CollectedAmount.StringFixed(ledger.MoneyPlaces), detail.Progress)
			fmt.Fprintf(out, "  Version:   %d\n", c.Version)

			fmt.Fprintf(out, "\nContributions (%d):\n", len(detail.Contributions))
			for _, k := range detail.Contributions {
				counted := " "
				if k.Counted {
					counted = "*"
				}
				fmt.Fprintf(out, "  %s %s  %-8s %10s  utr=%s verification=%s repayment=%s\n",
					counted, k.ID, k.Kind, k.Amount.StringFixed(ledger.MoneyPlaces), k.Reference,
					k.VerificationStatus, k.RepaymentStatus)
			}

			d, err := svc.AuditCampaign(cmd.Context(), c)
			if err != nil {
				return err
			}
			if d == nil {
				fmt.Fprintln(out, "\nAudit: CLEAN")
				return nil
			}
			fmt.Fprintf(out, "\nAudit: stored=%s computed=%s count stored=%d computed=%d\n",
				d.StoredCollected.StringFixed(ledger.MoneyPlaces), d.ComputedCollected.StringFixed(ledger.MoneyPlaces),
				d.StoredCount, d.ComputedCount)
			return errDiscrepancies
		},
	})
	return cmd
}
