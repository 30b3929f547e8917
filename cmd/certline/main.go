package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"certline/internal/app"
	"certline/internal/config"
	"certline/internal/db"
	"certline/internal/domain"
	"certline/internal/engine"
	"certline/internal/migrate"
	"certline/internal/notify"
	"certline/internal/repo"
	"certline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "certline",
	Short: "Certline CLI",
	Long: `Certline runs a certificate authority's approval workflow.
The pipeline:
- Documents: source material a CA reviewer verifies or rejects.
- Templates: CA-authored blueprints derived from one verified document;
  a client approves them before they become issuable.
- Requests: client applications that move draft -> submitted ->
  underReview -> approved/rejected/changesRequested, with every review
  action kept in an immutable approval history.
- Certificates: issued from approved requests (or minted directly),
  verifiable by code, revocable, with expiry reminders.
Every operation writes an activity entry; notifications ride an outbox
drained by 'certline serve'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("CERTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-admin", "acting identity")
	rootCmd.PersistentFlags().String("actor-name", "", "acting identity display name")
	rootCmd.PersistentFlags().String("role", domain.RoleAdmin, "acting role (user, client, ca, admin)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("actor-name", rootCmd.PersistentFlags().Lookup("actor-name"))
	_ = viper.BindPFlag("role", rootCmd.PersistentFlags().Lookup("role"))
}

func registerCommands() {
	rootCmd.AddCommand(initWorkspaceCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(documentCmd())
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(certificateCmd())
	rootCmd.AddCommand(activityCmd())
	rootCmd.AddCommand(notificationCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func initWorkspaceCmd() *cobra.Command {
	var authority string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); err == nil {
				fmt.Printf("Config %s already exists\n", cfgPath)
				return nil
			}
			if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault(authority)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Initialized workspace: store %s, config %s\n", db.Path(workspace), cfgPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&authority, "authority", "default", "authority id")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage workspace config"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			ac, err := app.Resolve(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer ac.Close()
			return printJSONOrIndent(ac.Config)
		},
	})
	return cfg
}

func documentCmd() *cobra.Command {
	doc := &cobra.Command{
		Use:   "document",
		Short: "Manage documents",
		Long:  "Documents enter pending and a CA review moves them to verified or rejected; both outcomes are final. Verified documents are the raw material for templates.",
	}
	doc.AddCommand(documentRegisterCmd())
	doc.AddCommand(documentListCmd())
	doc.AddCommand(documentShowCmd())
	doc.AddCommand(documentReviewCmd())
	return doc
}

func documentRegisterCmd() *cobra.Command {
	var opts engine.DocumentRegisterOptions
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a document",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.RegisterDocument(ctx, cliIdentity(), opts)
				if err != nil {
					return err
				}
				return printJSONOrIndent(d)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "document id (optional)")
	cmd.Flags().StringVar(&opts.FileName, "file-name", "", "file name")
	cmd.Flags().StringVar(&opts.MimeType, "mime-type", "", "mime type")
	cmd.Flags().Int64Var(&opts.FileSize, "file-size", 0, "file size in bytes")
	cmd.Flags().StringVar(&opts.Type, "type", "", "document type")
	_ = cmd.MarkFlagRequired("file-name")
	return cmd
}

func documentListCmd() *cobra.Command {
	var f repo.DocumentFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				docs, err := r.ListDocuments(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(docs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "File", "Type", "Status", "Uploaded"})
				for _, d := range docs {
					tw.AppendRow(table.Row{d.ID, d.FileName, d.Type, d.Status, d.UploadedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "type filter")
	cmd.Flags().StringVar(&f.UploaderID, "uploader", "", "uploader filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func documentShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				d, err := r.GetDocument(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrIndent(d)
			})
		},
	}
}

func documentReviewCmd() *cobra.Command {
	var decision, reason string
	cmd := &cobra.Command{
		Use:   "review <id>",
		Short: "Review a pending document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.ReviewDocument(ctx, cliIdentity(), args[0], decision, reason)
				if err != nil {
					return err
				}
				return printJSONOrIndent(d)
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "", "approve or reject")
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func templateCmd() *cobra.Command {
	tpl := &cobra.Command{
		Use:   "template",
		Short: "Manage certificate templates",
		Long:  "Templates are CA-authored blueprints derived from one verified document. A client review moves them pendingClientReview -> active, changesRequested, or rejected; rejected templates stay dead.",
	}
	tpl.AddCommand(templateCreateCmd())
	tpl.AddCommand(templateListCmd())
	tpl.AddCommand(templateShowCmd())
	tpl.AddCommand(templateReviewCmd())
	return tpl
}

func templateCreateCmd() *cobra.Command {
	var opts engine.TemplateCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a template from a verified document",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTemplate(ctx, cliIdentity(), opts)
				if err != nil {
					return err
				}
				return printJSONOrIndent(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "template id (optional)")
	cmd.Flags().StringVar(&opts.DocumentID, "document", "", "source document id")
	cmd.Flags().StringVar(&opts.Name, "name", "", "template name")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	_ = cmd.MarkFlagRequired("document")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func templateListCmd() *cobra.Command {
	var f repo.TemplateFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListTemplates(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Document", "Author"})
				for _, t := range items {
					doc := ""
					if t.SourceDocumentID != nil {
						doc = *t.SourceDocumentID
					}
					tw.AppendRow(table.Row{t.ID, t.Name, t.Status, doc, t.CreatedBy})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.SourceDocumentID, "document", "", "source document filter")
	cmd.Flags().StringVar(&f.CreatedBy, "author", "", "author filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func templateShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				t, err := r.GetTemplate(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrIndent(t)
			})
		},
	}
}

func templateReviewCmd() *cobra.Command {
	var action, comments string
	cmd := &cobra.Command{
		Use:   "review <id>",
		Short: "Review a template as the client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.ReviewTemplate(ctx, cliIdentity(), args[0], action, comments)
				if err != nil {
					return err
				}
				return printJSONOrIndent(t)
			})
		},
	}
	cmd.Flags().StringVar(&action, "action", "", "approve, requestChanges, or reject")
	cmd.Flags().StringVar(&comments, "comments", "", "review comments")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func requestCmd() *cobra.Command {
	req := &cobra.Command{
		Use:   "request",
		Short: "Manage certificate requests",
		Long:  "Requests carry a client's application through draft -> submitted -> underReview -> approved/rejected/changesRequested. changesRequested -> submitted is the only way back; cancelled and issued are final.",
	}
	req.AddCommand(requestCreateCmd())
	req.AddCommand(requestListCmd())
	req.AddCommand(requestShowCmd())
	req.AddCommand(requestSubmitCmd())
	req.AddCommand(requestReviewStartCmd())
	req.AddCommand(requestReviewCmd())
	req.AddCommand(requestResubmitCmd())
	req.AddCommand(requestCancelCmd())
	req.AddCommand(requestIssueCmd())
	return req
}

func requestCreateCmd() *cobra.Command {
	var opts engine.RequestCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft request",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				q, err := e.CreateRequest(ctx, cliIdentity(), opts)
				if err != nil {
					return err
				}
				return printJSONOrIndent(q)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "request id (optional)")
	cmd.Flags().StringVar(&opts.ClientName, "client-name", "", "client name")
	cmd.Flags().StringVar(&opts.ClientEmail, "client-email", "", "client email")
	cmd.Flags().StringVar(&opts.OrganizationName, "organization", "", "organization name")
	cmd.Flags().StringVar(&opts.CertificateType, "type", "", "certificate type")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Purpose, "purpose", "", "purpose")
	cmd.Flags().StringToStringVar(&opts.RequestedData, "data", nil, "requested data entry key=value (repeatable)")
	_ = cmd.MarkFlagRequired("client-name")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func requestListCmd() *cobra.Command {
	var f repo.RequestFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListRequests(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Client", "Type", "Status", "Created"})
				for _, q := range items {
					tw.AppendRow(table.Row{q.ID, q.ClientName, q.CertificateType, q.Status, q.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.ClientID, "client", "", "client filter")
	cmd.Flags().StringVar(&f.CertificateType, "type", "", "certificate type filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func requestShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a request and its approval history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				q, err := r.GetRequest(ctx, args[0])
				if err != nil {
					return err
				}
				history, err := r.ListApprovalRecords(ctx, q.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"request": q, "history": history})
				}
				b, _ := json.MarshalIndent(q, "", "  ")
				fmt.Println(string(b))
				if len(history) == 0 {
					return nil
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "Action", "Reviewer", "Comments", "At"})
				for _, rec := range history {
					comments := ""
					if rec.Comments != nil {
						comments = *rec.Comments
					}
					tw.AppendRow(table.Row{rec.Seq, rec.Action, rec.ReviewerID, comments, rec.TS})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func requestLifecycleCmd(use, short string, call func(engine.Engine, context.Context, string) (domain.CertificateRequest, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				q, err := call(e, ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrIndent(q)
			})
		},
	}
}

func requestSubmitCmd() *cobra.Command {
	return requestLifecycleCmd("submit <id>", "Submit a draft request for review",
		func(e engine.Engine, ctx context.Context, id string) (domain.CertificateRequest, error) {
			return e.SubmitRequest(ctx, cliIdentity(), id)
		})
}

func requestReviewStartCmd() *cobra.Command {
	return requestLifecycleCmd("review-start <id>", "Move a submitted request under review",
		func(e engine.Engine, ctx context.Context, id string) (domain.CertificateRequest, error) {
			return e.StartRequestReview(ctx, cliIdentity(), id)
		})
}

func requestResubmitCmd() *cobra.Command {
	return requestLifecycleCmd("resubmit <id>", "Resubmit after changes were requested",
		func(e engine.Engine, ctx context.Context, id string) (domain.CertificateRequest, error) {
			return e.ResubmitRequest(ctx, cliIdentity(), id)
		})
}

func requestCancelCmd() *cobra.Command {
	return requestLifecycleCmd("cancel <id>", "Cancel a pending request",
		func(e engine.Engine, ctx context.Context, id string) (domain.CertificateRequest, error) {
			return e.CancelRequest(ctx, cliIdentity(), id)
		})
}

func requestReviewCmd() *cobra.Command {
	var action, comments string
	cmd := &cobra.Command{
		Use:   "review <id>",
		Short: "Record a review action on a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				q, err := e.ReviewRequest(ctx, cliIdentity(), args[0], action, comments)
				if err != nil {
					return err
				}
				return printJSONOrIndent(q)
			})
		},
	}
	cmd.Flags().StringVar(&action, "action", "", "approved, rejected, changesRequested, assigned, forwarded, or infoRequested")
	cmd.Flags().StringVar(&comments, "comments", "", "review comments")
	_ = cmd.MarkFlagRequired("action")
	return cmd
}

func requestIssueCmd() *cobra.Command {
	var opts engine.IssueOptions
	cmd := &cobra.Command{
		Use:   "issue <id>",
		Short: "Issue a certificate for an approved request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.IssueCertificate(ctx, cliIdentity(), args[0], opts)
				if err != nil {
					return err
				}
				return printJSONOrIndent(c)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "certificate-id", "", "certificate id (optional)")
	cmd.Flags().StringVar(&opts.TemplateID, "template", "", "active template id")
	cmd.Flags().IntVar(&opts.ValidityDays, "validity-days", 0, "validity in days (0 uses config default)")
	return cmd
}

func certificateCmd() *cobra.Command {
	cert := &cobra.Command{
		Use:   "certificate",
		Short: "Manage certificates",
		Long:  "Certificates come from approved requests or direct creation. They verify by code until expiry and can only ever move to revoked.",
	}
	cert.AddCommand(certificateCreateCmd())
	cert.AddCommand(certificateListCmd())
	cert.AddCommand(certificateShowCmd())
	cert.AddCommand(certificateRevokeCmd())
	cert.AddCommand(certificateVerifyCmd())
	cert.AddCommand(certificateRemindCmd())
	return cert
}

func certificateCreateCmd() *cobra.Command {
	var opts engine.CertificateCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a certificate directly",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.CreateCertificate(ctx, cliIdentity(), opts)
				if err != nil {
					return err
				}
				return printJSONOrIndent(c)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "certificate id (optional)")
	cmd.Flags().StringVar(&opts.RecipientID, "recipient-id", "", "recipient id")
	cmd.Flags().StringVar(&opts.RecipientName, "recipient-name", "", "recipient name")
	cmd.Flags().StringVar(&opts.Type, "type", "", "certificate type")
	cmd.Flags().StringVar(&opts.TemplateID, "template", "", "active template id")
	cmd.Flags().IntVar(&opts.ValidityDays, "validity-days", 0, "validity in days (0 uses config default)")
	_ = cmd.MarkFlagRequired("recipient-id")
	_ = cmd.MarkFlagRequired("recipient-name")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func certificateListCmd() *cobra.Command {
	var f repo.CertificateFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List certificates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListCertificates(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Recipient", "Type", "Status", "Expires"})
				for _, c := range items {
					expires := ""
					if c.ExpiresAt != nil {
						expires = *c.ExpiresAt
					}
					tw.AppendRow(table.Row{c.ID, c.RecipientName, c.Type, c.Status, expires})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.RecipientID, "recipient", "", "recipient filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "type filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func certificateShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a certificate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				c, err := r.GetCertificate(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrIndent(c)
			})
		},
	}
}

func certificateRevokeCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke a certificate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				c, err := e.RevokeCertificate(ctx, cliIdentity(), args[0], reason)
				if err != nil {
					return err
				}
				return printJSONOrIndent(c)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "revocation reason")
	return cmd
}

func certificateVerifyCmd() *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "verify <code>",
		Short: "Verify a certificate by its code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, c, err := e.VerifyCertificate(ctx, args[0], source)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					out := map[string]any{"verification": v}
					if v.Result != domain.VerifyNotFound {
						out["certificate"] = c
					}
					return printJSON(out)
				}
				fmt.Printf("%s: %s\n", v.Code, v.Result)
				if v.Result != domain.VerifyNotFound {
					expires := "never"
					if c.ExpiresAt != nil {
						expires = *c.ExpiresAt
					}
					fmt.Printf("  %s %s for %s, issued %s, expires %s\n", c.Type, c.Status, c.RecipientName, c.IssuedAt, expires)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&source, "source", "cli", "verification source tag")
	return cmd
}

func certificateRemindCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remind",
		Short: "Run one expiry-reminder sweep",
		RunE: func(cmd *cobra.Command, args []string) error {
			ac, err := app.Resolve(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer ac.Close()
			rem := notify.NewReminder(ac.DB, ac.Config, cliLogger())
			rem.Sweep(cmd.Context())
			return nil
		},
	}
}

func activityCmd() *cobra.Command {
	act := &cobra.Command{Use: "activity", Short: "Inspect the activity log"}
	act.AddCommand(activityTailCmd())
	return act
}

func activityTailCmd() *cobra.Command {
	var f repo.ActivityFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent activity entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListActivity(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "At", "Actor", "Action", "Entity"})
				for _, entry := range items {
					entity := entry.EntityKind
					if entry.EntityID != "" {
						entity += "/" + entry.EntityID
					}
					tw.AppendRow(table.Row{entry.ID, entry.TS, entry.ActorID, entry.Action, entity})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of entries")
	cmd.Flags().StringVar(&f.ActorID, "actor", "", "actor filter")
	cmd.Flags().StringVar(&f.Action, "action", "", "action filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind filter")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id filter")
	return cmd
}

func notificationCmd() *cobra.Command {
	n := &cobra.Command{Use: "notification", Short: "Inspect the notification outbox"}
	n.AddCommand(notificationListCmd())
	return n
}

func notificationListCmd() *cobra.Command {
	var f repo.NotificationFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List outbox notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListNotifications(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Recipient", "Type", "Status", "Attempts", "Title"})
				for _, item := range items {
					tw.AppendRow(table.Row{item.ID, item.RecipientID, item.Type, item.Status, item.Attempts, item.Title})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.RecipientID, "recipient", "", "recipient filter")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyRevokeCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var key domain.APIKey
	var raw string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if raw == "" {
				return fmt.Errorf("--key required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if key.ID == "" {
					key.ID = uuid.New().String()
				}
				key.KeyHash = repo.HashAPIKey(raw)
				key.CreatedAt = time.Now().UTC().Format(time.RFC3339)
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				return printJSONOrIndent(key)
			})
		},
	}
	cmd.Flags().StringVar(&key.ID, "id", "", "key id (optional)")
	cmd.Flags().StringVar(&key.Name, "name", "", "key name")
	cmd.Flags().StringVar(&raw, "key", "", "raw key value; only its hash is stored")
	cmd.Flags().StringVar(&key.ActorID, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&key.ActorName, "actor-display-name", "", "actor display name")
	cmd.Flags().StringVar(&key.Role, "key-role", "", "role the key grants (user, client, ca, admin)")
	_ = cmd.MarkFlagRequired("key")
	_ = cmd.MarkFlagRequired("actor")
	_ = cmd.MarkFlagRequired("key-role")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Actor", "Role", "Status"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.Name, k.ActorID, k.Role, k.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor filter")
	return cmd
}

func apikeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.RevokeAPIKey(ctx, args[0])
			})
		},
	}
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API server, outbox dispatcher, webhook forwarder, and reminder scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ac, err := app.RequireConfig(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer ac.Close()
			cfg := ac.Config

			secret := cfg.API.JWTSecret
			if secret == "" {
				secret = os.Getenv("CERTLINE_JWT_SECRET")
			}
			if secret == "" {
				return fmt.Errorf("api.jwt_secret (or CERTLINE_JWT_SECRET) is required for bearer auth")
			}
			if addr == "" {
				addr = cfg.API.Addr
			}
			if addr == "" {
				addr = "127.0.0.1:8080"
			}

			logger, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer logger.Sync()

			e := engine.New(ac.DB, cfg, logger.With(zap.String("component", "engine")))
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Auth: server.AuthConfig{
					JWTSecret: secret,
					Logger:    logger.With(zap.String("component", "auth")),
				},
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			dispatcher := notify.NewDispatcher(ac.DB, cfg, logger.With(zap.String("component", "dispatcher")))
			go dispatcher.Run(ctx)
			forwarder := notify.NewForwarder(ac.DB, cfg, logger.With(zap.String("component", "webhooks")))
			go forwarder.Run(ctx)
			if cfg.Reminders.Enabled {
				rem := notify.NewReminder(ac.DB, cfg, logger.With(zap.String("component", "reminders")))
				cr, err := rem.Start(ctx)
				if err != nil {
					return err
				}
				defer cr.Stop()
			}

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(shutdownCtx)
			}()
			logger.Info("serving", zap.String("addr", addr), zap.String("base_path", basePath))
			fmt.Printf("Serving Certline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to api.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func cliIdentity() domain.Identity {
	return domain.Identity{
		UserID: viper.GetString("actor-id"),
		Name:   viper.GetString("actor-name"),
		Role:   viper.GetString("role"),
		Status: domain.ActorActive,
	}
}

func cliLogger() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	ac, err := app.Resolve(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer ac.Close()
	return fn(ctx, engine.New(ac.DB, ac.Config, cliLogger()))
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	ac, err := app.Resolve(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer ac.Close()
	return fn(ctx, repo.Repo{DB: ac.DB})
}

func printJSONOrIndent(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
