package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/dirsync/pkg/client"
	"github.com/haasonsaas/dirsync/pkg/protocol"
)

func (o *globalOptions) client() (*client.Client, error) {
	return client.New(client.Options{
		BaseURL:    o.serverURL,
		CAFile:     o.caFile,
		AdminToken: o.token,
		Timeout:    30 * time.Second,
		UserAgent:  "dirsyncctl/" + Version,
	})
}

// run builds the client and hands it to fn with a bounded context.
func (o *globalOptions) run(cmd *cobra.Command, fn func(ctx context.Context, c *client.Client, out io.Writer) error) error {
	c, err := o.client()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
	defer cancel()
	if err := fn(ctx, c, cmd.OutOrStdout()); err != nil {
		if apiErr, ok := client.AsError(err); ok && len(apiErr.Reasons) > 0 {
			return fmt.Errorf("%w: %s", err, strings.Join(apiErr.Reasons, "; "))
		}
		return err
	}
	return nil
}

func statusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show agent counts by state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c *client.Client, out io.Writer) error {
				counts := map[string]int{}
				var total int
				for page := 1; ; page++ {
					resp, err := c.ListAgents(ctx, client.ListOptions{All: true, Page: page, PageSize: 200})
					if err != nil {
						return err
					}
					for _, a := range resp.Items {
						counts[a.State]++
					}
					total += len(resp.Items)
					if len(resp.Items) == 0 || int64(total) >= resp.Total {
						break
					}
				}

				fmt.Fprintf(out, "Directory Sync Status\n")
				fmt.Fprintf(out, "=====================\n\n")
				fmt.Fprintf(out, "Total Agents:      %d\n", total)
				fmt.Fprintf(out, "Online:            %d\n", counts["online"])
				fmt.Fprintf(out, "Offline:           %d\n", counts["offline"])
				fmt.Fprintf(out, "Registered:        %d\n", counts["registered"])
				fmt.Fprintf(out, "Deactivated:       %d\n", counts["deactivated"])
				return nil
			})
		},
	}
}

func agentsCmd(opts *globalOptions) *cobra.Command {
	var list client.ListOptions
	cmd := &cobra.Command{
		Use:     "agents",
		Aliases: []string{"ls", "list"},
		Short:   "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c *client.Client, out io.Writer) error {
				resp, err := c.ListAgents(ctx, list)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tNAME\tTYPE\tMACHINE\tSTATE\tVERSION\tLAST HEARTBEAT")
				for _, a := range resp.Items {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", a.ID, a.Name, a.Type, a.MachineName, a.State, a.Version, since(a.LastHeartbeat))
				}
				w.Flush()
				fmt.Fprintf(out, "\npage %d, %d of %d agents\n", resp.Page, len(resp.Items), resp.Total)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&list.Type, "type", "", "Filter by agent type")
	cmd.Flags().BoolVarP(&list.All, "all", "a", false, "Include deactivated agents")
	cmd.Flags().IntVar(&list.Page, "page", 1, "Page number")
	cmd.Flags().IntVar(&list.PageSize, "page-size", 50, "Page size")
	return cmd
}

func agentCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "agent [id]",
		Short: "Show details for an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c *client.Client, out io.Writer) error {
				a, err := c.GetAgent(ctx, args[0])
				if err != nil {
					return err
				}
				printAgent(out, a)
				return nil
			})
		},
	}
}

func printAgent(out io.Writer, a *protocol.AgentInfo) {
	fmt.Fprintf(out, "Agent: %s\n", a.Name)
	fmt.Fprintf(out, "========================================\n\n")
	fmt.Fprintf(out, "ID:              %s\n", a.ID)
	fmt.Fprintf(out, "Type:            %s\n", a.Type)
	fmt.Fprintf(out, "Machine:         %s\n", a.MachineName)
	fmt.Fprintf(out, "Domain:          %s\n", a.Domain)
	fmt.Fprintf(out, "IP Address:      %s\n", a.IPAddress)
	fmt.Fprintf(out, "Version:         %s\n", a.Version)
	fmt.Fprintf(out, "State:           %s\n", a.State)
	fmt.Fprintf(out, "Status:          %s %s\n", a.Status, a.StatusMessage)
	fmt.Fprintf(out, "Registered:      %s\n", a.RegisteredAt.Format(time.RFC3339))
	fmt.Fprintf(out, "Last Heartbeat:  %s\n", since(a.LastHeartbeat))
	fmt.Fprintf(out, "Last Collection: %s\n", since(a.LastDataCollection))
	fmt.Fprintf(out, "Config Version:  %d\n", a.ConfigVersion)
}

func deactivateCmd(opts *globalOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "deactivate [id]",
		Short: "Deactivate an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c *client.Client, out io.Writer) error {
				a, err := c.DeactivateAgent(ctx, args[0], reason)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Agent %s (%s) is now %s\n", a.ID, a.Name, a.State)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded with the deactivation")
	return cmd
}

func certsCmd(opts *globalOptions) *cobra.Command {
	var list client.ListOptions
	cmd := &cobra.Command{
		Use:     "certs",
		Aliases: []string{"certificates"},
		Short:   "List agent certificates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c *client.Client, out io.Writer) error {
				resp, err := c.AdminListCertificates(ctx, list)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "AGENT\tTHUMBPRINT\tSTATUS\tNOT AFTER\tISSUED")
				for _, cert := range resp.Items {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", cert.AgentID, short(cert.Thumbprint), cert.Status,
						cert.NotAfter.Format(time.RFC3339), cert.IssuedAt.Format(time.RFC3339))
				}
				w.Flush()
				fmt.Fprintf(out, "\npage %d, %d of %d certificates\n", resp.Page, len(resp.Items), resp.Total)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&list.AgentID, "agent", "", "Filter by agent id")
	cmd.Flags().StringVar(&list.Status, "status", "", "Filter by status (active, revoked, expired, superseded)")
	cmd.Flags().BoolVar(&list.IncludeExpired, "include-expired", false, "Include expired certificates")
	cmd.Flags().BoolVar(&list.IncludeRevoked, "include-revoked", false, "Include revoked and superseded certificates")
	cmd.Flags().IntVar(&list.Page, "page", 1, "Page number")
	cmd.Flags().IntVar(&list.PageSize, "page-size", 50, "Page size")
	return cmd
}

func revokeCmd(opts *globalOptions) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "revoke [agent-id] [thumbprint]",
		Short: "Revoke an agent certificate",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c *client.Client, out io.Writer) error {
				cert, err := c.AdminRevokeCertificate(ctx, protocol.RevokeCertificateRequest{
					AgentID:    args[0],
					Thumbprint: args[1],
					Reason:     reason,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Certificate %s of agent %s is %s\n", short(cert.Thumbprint), cert.AgentID, cert.Status)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Revocation reason")
	return cmd
}

func validateCmd(opts *globalOptions) *cobra.Command {
	var req protocol.ValidateCertificateRequest
	cmd := &cobra.Command{
		Use:   "validate [certificate.pem]",
		Short: "Ask the server whether a certificate is valid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			req.CertificatePEM = string(data)
			return opts.run(cmd, func(ctx context.Context, c *client.Client, out io.Writer) error {
				resp, err := c.ValidateCertificate(ctx, req)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Thumbprint: %s\n", resp.Thumbprint)
				if resp.Status != "" {
					fmt.Fprintf(out, "Status:     %s\n", resp.Status)
				}
				if resp.Valid {
					fmt.Fprintln(out, "Valid:      yes")
					return nil
				}
				fmt.Fprintln(out, "Valid:      no")
				for _, reason := range resp.Reasons {
					fmt.Fprintf(out, "  - %s\n", reason)
				}
				return errors.New("certificate is not valid")
			})
		},
	}
	cmd.Flags().BoolVar(&req.CheckRevocation, "check-revocation", true, "Check the certificate store for revocation")
	cmd.Flags().BoolVar(&req.CheckChain, "check-chain", true, "Verify the chain against the server CA")
	return cmd
}

func submissionsCmd(opts *globalOptions) *cobra.Command {
	var list client.ListOptions
	cmd := &cobra.Command{
		Use:   "submissions",
		Short: "List data submissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c *client.Client, out io.Writer) error {
				resp, err := c.ListSubmissions(ctx, list)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tAGENT\tTYPE\tSTATUS\tRECORDS\tPROCESSED\tERRORS\tSUBMITTED")
				for _, s := range resp.Items {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n", s.ID, s.AgentID, s.DataType, s.Status,
						s.RecordCount, s.ProcessedCount, s.ErrorCount, s.SubmittedAt.Format(time.RFC3339))
				}
				w.Flush()
				fmt.Fprintf(out, "\npage %d, %d of %d submissions\n", resp.Page, len(resp.Items), resp.Total)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&list.AgentID, "agent", "", "Filter by agent id")
	cmd.Flags().StringVar(&list.Status, "status", "", "Filter by status (pending, processing, completed, failed)")
	cmd.Flags().IntVar(&list.Page, "page", 1, "Page number")
	cmd.Flags().IntVar(&list.PageSize, "page-size", 50, "Page size")
	return cmd
}

func submissionCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "submission [id]",
		Short: "Show a submission with its record errors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c *client.Client, out io.Writer) error {
				s, err := c.GetSubmission(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Submission: %s\n", s.ID)
				fmt.Fprintf(out, "========================================\n\n")
				fmt.Fprintf(out, "Agent:        %s\n", s.AgentID)
				fmt.Fprintf(out, "Type:         %s\n", s.DataType)
				fmt.Fprintf(out, "Status:       %s\n", s.Status)
				fmt.Fprintf(out, "Records:      %d (processed %d, errors %d)\n", s.RecordCount, s.ProcessedCount, s.ErrorCount)
				fmt.Fprintf(out, "Payload:      %d bytes, %s\n", s.PayloadSize, s.PayloadHash)
				fmt.Fprintf(out, "Submitted:    %s\n", s.SubmittedAt.Format(time.RFC3339))
				if s.ProcessedAt != nil {
					fmt.Fprintf(out, "Processed:    %s\n", s.ProcessedAt.Format(time.RFC3339))
				}
				if s.RetryCount > 0 {
					fmt.Fprintf(out, "Retries:      %d\n", s.RetryCount)
				}
				if s.Message != "" {
					fmt.Fprintf(out, "Message:      %s\n", s.Message)
				}
				if len(s.ErrorDetails) > 0 {
					fmt.Fprintf(out, "\nRecord errors:\n")
					for _, d := range s.ErrorDetails {
						fmt.Fprintf(out, "  #%d %s: %s\n", d.Index, d.ObjectID, d.Error)
					}
				}
				return nil
			})
		},
	}
}

func settingsCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change the configuration pushed to agents",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Show the current agent configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, func(ctx context.Context, c *client.Client, out io.Writer) error {
				s, err := c.GetSettings(ctx)
				if err != nil {
					return err
				}
				printSettings(out, s)
				return nil
			})
		},
	})

	var (
		heartbeat  int
		collection int
		types      []string
	)
	set := &cobra.Command{
		Use:   "set",
		Short: "Change the agent configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			var req protocol.UpdateSettingsRequest
			if cmd.Flags().Changed("heartbeat") {
				req.HeartbeatIntervalSeconds = &heartbeat
			}
			if cmd.Flags().Changed("collection") {
				req.CollectionIntervalSeconds = &collection
			}
			for _, raw := range types {
				dt, err := protocol.ParseDataType(raw)
				if err != nil {
					return err
				}
				req.EnabledDataTypes = append(req.EnabledDataTypes, dt)
			}
			if req.HeartbeatIntervalSeconds == nil && req.CollectionIntervalSeconds == nil && len(req.EnabledDataTypes) == 0 {
				return errors.New("nothing to change: pass --heartbeat, --collection or --types")
			}
			return opts.run(cmd, func(ctx context.Context, c *client.Client, out io.Writer) error {
				s, err := c.UpdateSettings(ctx, req)
				if err != nil {
					return err
				}
				printSettings(out, s)
				return nil
			})
		},
	}
	set.Flags().IntVar(&heartbeat, "heartbeat", 0, "Heartbeat interval in seconds")
	set.Flags().IntVar(&collection, "collection", 0, "Collection interval in seconds")
	set.Flags().StringSliceVar(&types, "types", nil, "Enabled data types (users,groups,policies)")
	cmd.AddCommand(set)
	return cmd
}

func printSettings(out io.Writer, s *protocol.AgentSettings) {
	names := make([]string, 0, len(s.EnabledDataTypes))
	for _, dt := range s.EnabledDataTypes {
		names = append(names, dt.String())
	}
	fmt.Fprintf(out, "Version:             %d\n", s.Version)
	fmt.Fprintf(out, "Heartbeat interval:  %s\n", time.Duration(s.HeartbeatIntervalSeconds)*time.Second)
	fmt.Fprintf(out, "Collection interval: %s\n", time.Duration(s.CollectionIntervalSeconds)*time.Second)
	fmt.Fprintf(out, "Data types:          %s\n", strings.Join(names, ", "))
}

func since(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "never"
	}
	return time.Since(*t).Round(time.Second).String() + " ago"
}

func short(thumbprint string) string {
	if len(thumbprint) > 16 {
		return thumbprint[:16]
	}
	return thumbprint
}
