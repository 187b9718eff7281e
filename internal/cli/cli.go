package cli

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ignatij/goapprove/internal/log"
	internal_storage "github.com/ignatij/goapprove/internal/storage"
	"github.com/ignatij/goapprove/pkg/models"
	"github.com/ignatij/goapprove/pkg/service"
	"github.com/spf13/cobra"
)

// SetupCLI registers the approval engine commands on the root command.
// Every command expects the --db persistent flag; decide additionally
// needs --roles to stand in for the platform's role directory.
func SetupCLI(rootCmd *cobra.Command) {
	seedCmd := &cobra.Command{
		Use:   "seed",
		Short: "Install the default workflow templates",
		Run: func(cmd *cobra.Command, args []string) {
			store := initStore(cmd)
			defer store.Close()
			catalog := service.NewCatalogService(store, log.GetLogger())
			if err := catalog.SeedDefaults(); err != nil {
				fail("failed to seed templates: %v", err)
			}
			fmt.Println("Default templates installed")
		},
	}

	templatesCmd := &cobra.Command{
		Use:   "templates",
		Short: "List workflow templates for a request type",
		Run: func(cmd *cobra.Command, args []string) {
			requestType, _ := cmd.Flags().GetString("type")
			if requestType == "" {
				fail("--type is required")
			}
			store := initStore(cmd)
			defer store.Close()
			catalog := service.NewCatalogService(store, log.GetLogger())
			templates, err := catalog.ListTemplatesForType(requestType)
			if err != nil {
				fail("failed to list templates: %v", err)
			}
			if len(templates) == 0 {
				fmt.Println("No templates found.")
				return
			}
			for _, t := range templates {
				fmt.Printf("- ID: %d, Name: %s, Active: %v, Stages: %d, Created: %s\n",
					t.ID, t.Name, t.Active, len(t.Stages), t.CreatedAt.Format(time.RFC3339))
			}
		},
	}
	templatesCmd.Flags().String("type", "", "Request type (e.g., INVOICE)")

	attachCmd := &cobra.Command{
		Use:   "attach",
		Short: "Attach a workflow instance to a business request",
		Run: func(cmd *cobra.Command, args []string) {
			templateID, _ := cmd.Flags().GetInt64("template")
			requestType, _ := cmd.Flags().GetString("type")
			requestID, _ := cmd.Flags().GetString("request")
			if templateID == 0 || requestType == "" {
				fail("--template and --type are required")
			}
			if requestID == "" {
				requestID = uuid.NewString()
			}
			store := initStore(cmd)
			defer store.Close()
			engine := newEngine(cmd, store)
			id, err := engine.CreateInstance(templateID, requestType, requestID)
			if err != nil {
				fail("failed to attach instance: %v", err)
			}
			fmt.Printf("Attached instance %d to %s/%s\n", id, requestType, requestID)
		},
	}
	attachCmd.Flags().Int64("template", 0, "Template ID")
	attachCmd.Flags().String("type", "", "Request type")
	attachCmd.Flags().String("request", "", "Request ID (generated when omitted)")

	decideCmd := &cobra.Command{
		Use:   "decide [instance-id]",
		Short: "Approve or reject the current stage of an instance",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			id := parseID(args[0], "instance id")
			actor, _ := cmd.Flags().GetString("actor")
			actionStr, _ := cmd.Flags().GetString("action")
			comments, _ := cmd.Flags().GetString("comments")
			if actor == "" {
				fail("--actor is required")
			}
			var action models.DecisionAction
			switch strings.ToUpper(actionStr) {
			case "APPROVE":
				action = models.ApproveAction
			case "REJECT":
				action = models.RejectAction
			default:
				fail("--action must be APPROVE or REJECT")
			}
			store := initStore(cmd)
			defer store.Close()
			engine := newEngine(cmd, store)
			view, err := engine.Decide(id, actor, action, comments)
			if err != nil {
				fail("decision failed: %v", err)
			}
			printView(view)
		},
	}
	decideCmd.Flags().String("actor", "", "Deciding user")
	decideCmd.Flags().String("action", "", "APPROVE or REJECT")
	decideCmd.Flags().String("comments", "", "Optional comments")

	cancelCmd := &cobra.Command{
		Use:   "cancel [instance-id]",
		Short: "Cancel a pending instance",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			id := parseID(args[0], "instance id")
			actor, _ := cmd.Flags().GetString("actor")
			reason, _ := cmd.Flags().GetString("reason")
			store := initStore(cmd)
			defer store.Close()
			engine := newEngine(cmd, store)
			view, err := engine.Cancel(id, actor, reason)
			if err != nil {
				fail("cancel failed: %v", err)
			}
			printView(view)
		},
	}
	cancelCmd.Flags().String("actor", "", "Cancelling user")
	cancelCmd.Flags().String("reason", "", "Cancellation reason")

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show approval progress for a business request",
		Run: func(cmd *cobra.Command, args []string) {
			requestType, _ := cmd.Flags().GetString("type")
			requestID, _ := cmd.Flags().GetString("request")
			if requestType == "" || requestID == "" {
				fail("--type and --request are required")
			}
			store := initStore(cmd)
			defer store.Close()
			engine := newEngine(cmd, store)
			view, err := engine.GetInstanceView(requestType, requestID)
			if err != nil {
				fail("failed to load instance: %v", err)
			}
			printView(view)
		},
	}
	showCmd.Flags().String("type", "", "Request type")
	showCmd.Flags().String("request", "", "Request ID")

	delegateCmd := &cobra.Command{
		Use:   "delegate",
		Short: "Grant approval authority to another user for a time window",
		Run: func(cmd *cobra.Command, args []string) {
			from, _ := cmd.Flags().GetString("from")
			to, _ := cmd.Flags().GetString("to")
			startStr, _ := cmd.Flags().GetString("start")
			endStr, _ := cmd.Flags().GetString("end")
			reason, _ := cmd.Flags().GetString("reason")
			if from == "" || to == "" || startStr == "" || endStr == "" {
				fail("--from, --to, --start and --end are required")
			}
			start := parseTime(startStr)
			end := parseTime(endStr)
			store := initStore(cmd)
			defer store.Close()
			delegations := service.NewDelegationService(store, log.GetLogger())
			d, err := delegations.CreateDelegation(from, to, start, end, reason)
			if err != nil {
				fail("failed to create delegation: %v", err)
			}
			fmt.Printf("Created delegation %d: %s -> %s until %s\n", d.ID, d.Delegator, d.Delegate, d.EndsAt.Format(time.RFC3339))
		},
	}
	delegateCmd.Flags().String("from", "", "Delegating user")
	delegateCmd.Flags().String("to", "", "Delegate user")
	delegateCmd.Flags().String("start", "", "Window start (RFC3339 or YYYY-MM-DD)")
	delegateCmd.Flags().String("end", "", "Window end (RFC3339 or YYYY-MM-DD)")
	delegateCmd.Flags().String("reason", "", "Optional reason")

	delegationsCmd := &cobra.Command{
		Use:   "delegations",
		Short: "List delegations where a user is delegator or delegate",
		Run: func(cmd *cobra.Command, args []string) {
			user, _ := cmd.Flags().GetString("user")
			if user == "" {
				fail("--user is required")
			}
			store := initStore(cmd)
			defer store.Close()
			delegations := service.NewDelegationService(store, log.GetLogger())
			dels, err := delegations.ListForUser(user)
			if err != nil {
				fail("failed to list delegations: %v", err)
			}
			if len(dels) == 0 {
				fmt.Println("No delegations found.")
				return
			}
			for _, d := range dels {
				fmt.Printf("- ID: %d, %s -> %s, [%s, %s], Active: %v\n",
					d.ID, d.Delegator, d.Delegate,
					d.StartsAt.Format(time.RFC3339), d.EndsAt.Format(time.RFC3339), d.Active)
			}
		},
	}
	delegationsCmd.Flags().String("user", "", "User ID")

	revokeCmd := &cobra.Command{
		Use:   "revoke [delegation-id]",
		Short: "Cancel a delegation",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			id := parseID(args[0], "delegation id")
			store := initStore(cmd)
			defer store.Close()
			delegations := service.NewDelegationService(store, log.GetLogger())
			if err := delegations.CancelDelegation(id); err != nil {
				fail("failed to cancel delegation: %v", err)
			}
			fmt.Printf("Cancelled delegation %d\n", id)
		},
	}

	rootCmd.AddCommand(seedCmd, templatesCmd, attachCmd, decideCmd, cancelCmd, showCmd, delegateCmd, delegationsCmd, revokeCmd)
}

func newEngine(cmd *cobra.Command, store *internal_storage.PostgresStore) *service.WorkflowService {
	rolesSpec, _ := cmd.Flags().GetString("roles")
	logger := log.GetLogger()
	delegations := service.NewDelegationService(store, logger)
	return service.NewWorkflowService(store, ParseRoles(rolesSpec), delegations, service.LogNotifier{Logger: logger}, logger)
}

// ParseRoles builds a static role directory from a spec like
// "alice=ACCOUNTANT,CFO;bob=EMPLOYEE". The platform's real directory
// replaces this outside the CLI.
func ParseRoles(spec string) service.StaticRoleDirectory {
	dir := service.StaticRoleDirectory{}
	for _, entry := range strings.Split(spec, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 2)
		if len(parts) != 2 {
			continue
		}
		var roles []string
		for _, role := range strings.Split(parts[1], ",") {
			if role = strings.TrimSpace(role); role != "" {
				roles = append(roles, role)
			}
		}
		dir[strings.TrimSpace(parts[0])] = roles
	}
	return dir
}

func parseID(arg, what string) int64 {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		fail("invalid %s: %v", what, err)
	}
	return id
}

func parseTime(s string) time.Time {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		fail("invalid time %q: use RFC3339 or YYYY-MM-DD", s)
	}
	return t
}

func printView(view service.InstanceView) {
	inst := view.Instance
	fmt.Printf("Instance %d (%s/%s): %s", inst.ID, inst.RequestType, inst.RequestID, inst.Status)
	if inst.Status == models.PendingInstanceStatus {
		if stage, ok := inst.CurrentStageDef(); ok {
			fmt.Printf(", waiting on stage %d (%s) for roles %v", stage.Order, stage.Name, stage.RequiredRoles)
		}
	}
	fmt.Println()
	for _, a := range view.Actions {
		line := fmt.Sprintf("  stage %d: %s by %s", a.StageOrder, a.Action, a.Actor)
		if a.ActedFor != a.Actor {
			line += fmt.Sprintf(" (for %s)", a.ActedFor)
		}
		if a.Comments != "" {
			line += fmt.Sprintf(": %s", a.Comments)
		}
		fmt.Println(line)
	}
}

func fail(format string, args ...interface{}) {
	log.GetLogger().Errorf(format, args...)
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

func initStore(cmd *cobra.Command) *internal_storage.PostgresStore {
	dbConnStr, err := cmd.Flags().GetString("db")
	if err != nil || dbConnStr == "" {
		fail("--db connection string is required")
	}
	store, err := internal_storage.InitStore(dbConnStr)
	if err != nil {
		fail("failed to initialize store: %v", err)
	}
	return store
}
