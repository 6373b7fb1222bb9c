package main

import (
	"fmt"
	"time"

	"github.com/huangang/taskboard/internal/services"
	"github.com/spf13/cobra"
)

var digestCmd = &cobra.Command{
	Use:   "digest",
	Short: "Daily digest emails",
}

var digestRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Send the digest for one UTC day (default: yesterday)",
	RunE: func(cmd *cobra.Command, args []string) error {
		date, _ := cmd.Flags().GetString("date")
		project, _ := cmd.Flags().GetUint("project")

		day, err := services.ParseDigestDate(date, time.Now())
		if err != nil {
			return err
		}

		cfg, db, err := openDB()
		if err != nil {
			return err
		}
		services.InitSystemLogger(db)

		mailer := services.NewSMTPMailer(cfg.Mail)
		if !mailer.Enabled() {
			return fmt.Errorf("mail is not configured (set mail.enabled and mail.host)")
		}
		digest := services.NewDigestService(db, mailer, services.NewHolidayService(), cfg.Digest)

		var projectID *uint
		if project != 0 {
			projectID = &project
		}
		res, err := digest.RunDigest(cmd.Context(), day, projectID)
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "digest %s: %d projects, %d sent, %d failed, %d skipped\n",
			res.Date, res.Projects, res.Sent, res.Failed, res.Skipped)
		return nil
	},
}

func init() {
	digestRunCmd.Flags().String("date", "", "day to digest, YYYY-MM-DD (UTC)")
	digestRunCmd.Flags().Uint("project", 0, "only this project id")
	digestCmd.AddCommand(digestRunCmd)
}
