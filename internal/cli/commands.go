package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/protobuf/types/known/durationpb"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/miradorstack/deploywatch-rca/internal/grpc/rcav1"
	"github.com/miradorstack/deploywatch-rca/internal/utils"
)

func init() {
	rootCmd.AddCommand(analyzeCmd(), notifyCmd(), statusCmd(), reportsCmd(), patternsCmd(), healthCmd())
}

func analyzeCmd() *cobra.Command {
	var ev rcav1.ErrorEvent
	var logsFile string
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Submit an error event and print the RCA report",
		RunE: func(cmd *cobra.Command, args []string) error {
			if logsFile != "" {
				lines, err := readLines(logsFile)
				if err != nil {
					return err
				}
				ev.RecentLogs = lines
			}
			ev.Timestamp = timestamppb.Now()
			return withClient(func(ctx context.Context, c rcav1.DeployWatchClient) error {
				report, err := c.AnalyzeError(ctx, &rcav1.AnalyzeErrorRequest{Event: &ev})
				if err != nil {
					return err
				}
				fmt.Print(renderReport(report))
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&ev.Service, "service", "", "service that raised the error")
	f.StringVar(&ev.Error, "error", "", "error message")
	f.StringVar(&ev.Stacktrace, "stacktrace", "", "stack trace")
	f.StringVar(&ev.Repository, "repository", "", "repository hint")
	f.StringVar(&ev.RequestId, "request-id", "", "request identifier")
	f.StringVar(&ev.Environment, "env", "", "environment")
	f.StringVar(&logsFile, "logs", "", "file with recent log lines (- for stdin)")
	cmd.MarkFlagRequired("service")
	cmd.MarkFlagRequired("error")
	return cmd
}

func notifyCmd() *cobra.Command {
	var req rcav1.NotifyDeploymentRequest
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "notify",
		Short: "Open a deployment watch",
		RunE: func(cmd *cobra.Command, args []string) error {
			if ttl > 0 {
				req.Ttl = durationpb.New(ttl)
			}
			return withClient(func(ctx context.Context, c rcav1.DeployWatchClient) error {
				resp, err := c.NotifyDeployment(ctx, &req)
				if err != nil {
					return err
				}
				fmt.Println(titleStyle.Render("watch opened"))
				fmt.Println(renderWatch(resp.Watch))
				if resp.Watch != nil && resp.Watch.ExpiresAt != nil {
					fmt.Println(field("expires", resp.Watch.ExpiresAt.AsTime().Local().Format(time.RFC3339)))
				}
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.Repository, "repository", "", "owner/name")
	f.StringVar(&req.Branch, "branch", "main", "deployed branch")
	f.StringVar(&req.Commit, "commit", "", "deployed commit SHA")
	f.StringVar(&req.Author, "author", os.Getenv("USER"), "commit author")
	f.StringVar(&req.Message, "message", "", "commit message")
	f.DurationVar(&ttl, "ttl", 0, "watch window (server default when zero)")
	cmd.MarkFlagRequired("repository")
	cmd.MarkFlagRequired("commit")
	return cmd
}

func statusCmd() *cobra.Command {
	var req rcav1.GetWatchStatusRequest
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the watch window for a repository and branch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c rcav1.DeployWatchClient) error {
				st, err := c.GetWatchStatus(ctx, &req)
				if err != nil {
					return err
				}
				fmt.Println(field("key", st.Repository+"@"+st.Branch))
				fmt.Println(field("state", stateDot(st.State)+" "+st.State))
				if st.Remaining != nil {
					fmt.Println(field("remaining", utils.HumanDuration(st.Remaining.AsDuration())))
				}
				if st.Watch != nil {
					fmt.Println(renderWatch(st.Watch))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&req.Repository, "repository", "", "owner/name")
	cmd.Flags().StringVar(&req.Branch, "branch", "main", "branch")
	cmd.MarkFlagRequired("repository")
	return cmd
}

func reportsCmd() *cobra.Command {
	var req rcav1.ListReportsRequest
	var since time.Duration
	cmd := &cobra.Command{
		Use:   "reports",
		Short: "List recent RCA reports",
		RunE: func(cmd *cobra.Command, args []string) error {
			if since > 0 {
				req.Since = timestamppb.New(time.Now().Add(-since))
			}
			return withClient(func(ctx context.Context, c rcav1.DeployWatchClient) error {
				resp, err := c.ListReports(ctx, &req)
				if err != nil {
					return err
				}
				if len(resp.Reports) == 0 {
					fmt.Println(dimStyle.Render("no reports"))
					return nil
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, headerStyle.Render("ID")+"\t"+headerStyle.Render("SERVICE")+"\t"+
					headerStyle.Render("SEVERITY")+"\t"+headerStyle.Render("DEPLOY")+"\t"+headerStyle.Render("ROOT CAUSE"))
				for _, r := range resp.Reports {
					deploy := "-"
					if r.IsDeploymentRelated {
						deploy = shortSHA(r.Commit)
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.Id, r.Service, severityBadge(r.Severity), deploy, truncate(r.RootCause, 60))
				}
				w.Flush()
				if resp.NextPageToken != "" {
					fmt.Println(dimStyle.Render("more: --page-token " + resp.NextPageToken))
				}
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.Service, "service", "", "filter by service")
	f.BoolVar(&req.DeploymentOnly, "deployment-only", false, "only deployment-linked reports")
	f.Int32Var(&req.PageSize, "limit", 20, "page size")
	f.StringVar(&req.PageToken, "page-token", "", "continue from a previous page")
	f.DurationVar(&since, "since", 0, "only reports newer than this")
	return cmd
}

func patternsCmd() *cobra.Command {
	var req rcav1.GetPatternsRequest
	cmd := &cobra.Command{
		Use:   "patterns",
		Short: "Show recurring failure patterns",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c rcav1.DeployWatchClient) error {
				resp, err := c.GetPatterns(ctx, &req)
				if err != nil {
					return err
				}
				if len(resp.Patterns) == 0 {
					fmt.Println(dimStyle.Render("no recurring patterns"))
					return nil
				}
				for _, p := range resp.Patterns {
					fmt.Printf("%s %s  x%d  %.0f%% of errors, %.0f%% deployment-linked\n",
						boldStyle.Render(p.Service), p.Signature, p.Occurrences, p.Prevalence*100, p.DeploymentLinked*100)
					for _, cause := range p.TopRootCauses {
						fmt.Println("    " + dimStyle.Render(cause))
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&req.Service, "service", "", "filter by service")
	cmd.Flags().Int32Var(&req.Limit, "limit", 10, "maximum patterns")
	return cmd
}

func healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check engine health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(func(ctx context.Context, c rcav1.DeployWatchClient) error {
				resp, err := c.HealthCheck(ctx, &rcav1.HealthRequest{})
				if err != nil {
					return err
				}
				fmt.Println(field("status", resp.Status))
				fmt.Println(field("watching", fmt.Sprint(resp.ActiveWatch)))
				return nil
			})
		},
	}
}

func readLines(path string) ([]string, error) {
	f := os.Stdin
	if path != "-" {
		var err error
		f, err = os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
	}
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimRight(sc.Text(), "\r"); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, sc.Err()
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
