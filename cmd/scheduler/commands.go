package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/Freeeeeet/class_scheduler/internal/app"
	"github.com/Freeeeeet/class_scheduler/internal/model"
	"github.com/Freeeeeet/class_scheduler/internal/service"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate [up|down|version]",
	Short: "Apply or inspect database migrations",
	Args:  cobra.MaximumNArgs(1),
	RunE: withDeps(func(cmd *cobra.Command, d *deps, args []string) error {
		mg, err := app.NewMigrator(d.pool, d.logger)
		if err != nil {
			return err
		}
		defer mg.Close()

		action := "up"
		if len(args) == 1 {
			action = args[0]
		}

		switch action {
		case "up":
			return mg.Up(cmd.Context())
		case "down":
			return mg.Down(cmd.Context())
		case "version":
			v, err := mg.Version(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), v)
			return nil
		default:
			return fmt.Errorf("unknown migrate action %q", action)
		}
	}),
}

var generateFlags struct {
	tenant  string
	class   string
	all     bool
	horizon time.Duration
}

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Materialize class instances within the horizon",
	RunE: withDeps(func(cmd *cobra.Command, d *deps, _ []string) error {
		horizon := generateFlags.horizon
		if horizon <= 0 {
			horizon = d.cfg.GenerationHorizon
		}

		if generateFlags.all {
			reports, err := d.generator.GenerateAll(cmd.Context(), horizon)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), reports)
		}

		classID, err := uuid.Parse(generateFlags.class)
		if err != nil {
			return fmt.Errorf("parse class id: %w", err)
		}
		report, err := d.generator.GenerateInstances(cmd.Context(), generateFlags.tenant, classID, horizon)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), report)
	}),
}

var bookFlags struct {
	tenant   string
	instance string
	student  string
}

var bookCmd = &cobra.Command{
	Use:   "book",
	Short: "Book a student onto a class instance",
	RunE: withDeps(func(cmd *cobra.Command, d *deps, _ []string) error {
		instanceID, err := uuid.Parse(bookFlags.instance)
		if err != nil {
			return fmt.Errorf("parse instance id: %w", err)
		}
		res, err := d.booking.BookInstance(cmd.Context(), bookFlags.tenant, instanceID, bookFlags.student, time.Now())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	}),
}

var entitlementCmd = &cobra.Command{
	Use:   "entitlement",
	Short: "Grant or inspect entitlements",
}

var grantFlags struct {
	tenant  string
	user    string
	kind    string
	clips   int
	from    string
	until   string
	payment string
}

var entitlementGrantCmd = &cobra.Command{
	Use:   "grant",
	Short: "Grant an entitlement for a completed payment",
	RunE: withDeps(func(cmd *cobra.Command, d *deps, _ []string) error {
		until, err := parseTime(grantFlags.until)
		if err != nil {
			return fmt.Errorf("parse --until: %w", err)
		}
		var from time.Time
		if grantFlags.from != "" {
			if from, err = parseTime(grantFlags.from); err != nil {
				return fmt.Errorf("parse --from: %w", err)
			}
		}

		ent, err := d.grants.GrantEntitlement(cmd.Context(), service.GrantRequest{
			TenantID:   grantFlags.tenant,
			UserID:     grantFlags.user,
			Kind:       model.EntitlementKind(grantFlags.kind),
			Clips:      grantFlags.clips,
			ValidFrom:  from,
			ValidUntil: until,
			PaymentID:  grantFlags.payment,
		})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), ent)
	}),
}

var selectFlags struct {
	tenant string
	user   string
}

var entitlementSelectCmd = &cobra.Command{
	Use:   "select",
	Short: "Show which entitlement the next booking would consume",
	RunE: withDeps(func(cmd *cobra.Command, d *deps, _ []string) error {
		ent, err := d.selector.SelectEntitlement(cmd.Context(), selectFlags.tenant, selectFlags.user, time.Now())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), ent)
	}),
}

var instancesFlags struct {
	tenant string
	class  string
	from   string
	to     string
}

var instancesCmd = &cobra.Command{
	Use:   "instances",
	Short: "List class instances in a time range",
	RunE: withDeps(func(cmd *cobra.Command, d *deps, _ []string) error {
		classID, err := uuid.Parse(instancesFlags.class)
		if err != nil {
			return fmt.Errorf("parse class id: %w", err)
		}

		from := time.Now()
		if instancesFlags.from != "" {
			if from, err = parseTime(instancesFlags.from); err != nil {
				return fmt.Errorf("parse --from: %w", err)
			}
		}
		to := from.Add(d.cfg.GenerationHorizon)
		if instancesFlags.to != "" {
			if to, err = parseTime(instancesFlags.to); err != nil {
				return fmt.Errorf("parse --to: %w", err)
			}
		}

		list, err := d.instances.ListByClass(cmd.Context(), instancesFlags.tenant, classID, from, to)
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), list)
	}),
}

var classCmd = &cobra.Command{
	Use:   "class",
	Short: "Manage class templates",
}

var classCreateCmd = &cobra.Command{
	Use:   "create <file.json>",
	Short: "Create a class template from a JSON file",
	Args:  cobra.ExactArgs(1),
	RunE: withDeps(func(cmd *cobra.Command, d *deps, args []string) error {
		class, err := readClass(args[0])
		if err != nil {
			return err
		}
		if err := d.classes.Create(cmd.Context(), class); err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), class)
	}),
}

func init() {
	generateCmd.Flags().StringVar(&generateFlags.tenant, "tenant", "", "tenant id")
	generateCmd.Flags().StringVar(&generateFlags.class, "class", "", "class id")
	generateCmd.Flags().BoolVar(&generateFlags.all, "all", false, "generate for every active class of every tenant")
	generateCmd.Flags().DurationVar(&generateFlags.horizon, "horizon", 0, "generation horizon (default GENERATION_HORIZON)")
	generateCmd.MarkFlagsMutuallyExclusive("all", "class")
	generateCmd.MarkFlagsOneRequired("all", "class")
	generateCmd.MarkFlagsRequiredTogether("tenant", "class")

	bookCmd.Flags().StringVar(&bookFlags.tenant, "tenant", "", "tenant id")
	bookCmd.Flags().StringVar(&bookFlags.instance, "instance", "", "class instance id")
	bookCmd.Flags().StringVar(&bookFlags.student, "student", "", "student id")
	_ = bookCmd.MarkFlagRequired("tenant")
	_ = bookCmd.MarkFlagRequired("instance")
	_ = bookCmd.MarkFlagRequired("student")

	entitlementGrantCmd.Flags().StringVar(&grantFlags.tenant, "tenant", "", "tenant id")
	entitlementGrantCmd.Flags().StringVar(&grantFlags.user, "user", "", "user id")
	entitlementGrantCmd.Flags().StringVar(&grantFlags.kind, "kind", "", "single, multi-pass, clipcard or monthly")
	entitlementGrantCmd.Flags().IntVar(&grantFlags.clips, "clips", 0, "number of classes for multi-pass and clipcard")
	entitlementGrantCmd.Flags().StringVar(&grantFlags.from, "from", "", "start of validity (default now)")
	entitlementGrantCmd.Flags().StringVar(&grantFlags.until, "until", "", "end of validity")
	entitlementGrantCmd.Flags().StringVar(&grantFlags.payment, "payment", "", "payment id for idempotency")
	_ = entitlementGrantCmd.MarkFlagRequired("tenant")
	_ = entitlementGrantCmd.MarkFlagRequired("user")
	_ = entitlementGrantCmd.MarkFlagRequired("kind")
	_ = entitlementGrantCmd.MarkFlagRequired("until")

	entitlementSelectCmd.Flags().StringVar(&selectFlags.tenant, "tenant", "", "tenant id")
	entitlementSelectCmd.Flags().StringVar(&selectFlags.user, "user", "", "user id")
	_ = entitlementSelectCmd.MarkFlagRequired("tenant")
	_ = entitlementSelectCmd.MarkFlagRequired("user")

	entitlementCmd.AddCommand(entitlementGrantCmd)
	entitlementCmd.AddCommand(entitlementSelectCmd)

	instancesCmd.Flags().StringVar(&instancesFlags.tenant, "tenant", "", "tenant id")
	instancesCmd.Flags().StringVar(&instancesFlags.class, "class", "", "class id")
	instancesCmd.Flags().StringVar(&instancesFlags.from, "from", "", "range start (default now)")
	instancesCmd.Flags().StringVar(&instancesFlags.to, "to", "", "range end, exclusive (default from + GENERATION_HORIZON)")
	_ = instancesCmd.MarkFlagRequired("tenant")
	_ = instancesCmd.MarkFlagRequired("class")

	classCmd.AddCommand(classCreateCmd)
}

// parseTime принимает RFC3339 или дату YYYY-MM-DD (UTC)
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse(time.DateOnly, s)
}

func readClass(path string) (*model.Class, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read class file: %w", err)
	}

	var class model.Class
	if err := json.Unmarshal(data, &class); err != nil {
		return nil, fmt.Errorf("decode class: %w", err)
	}
	if err := class.Validate(); err != nil {
		return nil, err
	}
	if _, err := class.Location(); err != nil {
		return nil, err
	}
	return &class, nil
}
