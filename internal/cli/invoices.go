package cli

import (
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/invoicesync/internal/models"
)

// AddOptions holds flags for the add command.
type AddOptions struct {
	*RootOptions
	Customer string
	Items    []string
}

// NewAddCommand creates the add command.
func NewAddCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AddOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Record a new invoice locally",
		Long: `Record a new invoice in the local store. The invoice is queued and
delivered by the next sync pass.

Each --item is "description;quantity;unit price[;vat rate]".

Example:
  invoicesync add --customer ACME --item "Widget;2;50;0.16" --item "Setup fee;1;20"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAdd(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Customer, "customer", "", "customer name")
	cmd.Flags().StringArrayVar(&opts.Items, "item", nil, `line item "description;quantity;unit price[;vat rate]" (repeatable)`)

	return cmd
}

func runAdd(opts *AddOptions, cmd *cobra.Command) error {
	if len(opts.Items) == 0 {
		return NewExitError(ExitCommandError, "at least one --item is required")
	}
	items := make([]models.LineItem, 0, len(opts.Items))
	for _, raw := range opts.Items {
		li, err := parseLineItem(raw)
		if err != nil {
			return WrapExitError(ExitCommandError, fmt.Sprintf("invalid --item %q", raw), err)
		}
		items = append(items, li)
	}

	a, err := opts.openApp(cmd)
	if err != nil {
		return err
	}
	defer closeApp(a)

	rec, err := a.CreateInvoice(cmd.Context(), opts.Customer, items)
	if err != nil {
		return wrapAppError("failed to record invoice", err)
	}
	return opts.formatter(cmd).Success(invoiceView{rec})
}

// parseLineItem parses "description;quantity;unit price[;vat rate]".
func parseLineItem(raw string) (models.LineItem, error) {
	parts := strings.Split(raw, ";")
	if len(parts) < 3 || len(parts) > 4 {
		return models.LineItem{}, fmt.Errorf("expected 3 or 4 fields separated by ';', got %d", len(parts))
	}

	li := models.LineItem{Description: strings.TrimSpace(parts[0])}
	var err error
	if li.Quantity, err = strconv.ParseFloat(strings.TrimSpace(parts[1]), 64); err != nil {
		return li, fmt.Errorf("quantity: %w", err)
	}
	if li.UnitPrice, err = strconv.ParseFloat(strings.TrimSpace(parts[2]), 64); err != nil {
		return li, fmt.Errorf("unit price: %w", err)
	}
	if len(parts) == 4 {
		if li.VATRate, err = strconv.ParseFloat(strings.TrimSpace(parts[3]), 64); err != nil {
			return li, fmt.Errorf("vat rate: %w", err)
		}
	}
	return li, nil
}

// ListOptions holds flags for the list command.
type ListOptions struct {
	*RootOptions
	Due    bool
	Status string
}

// NewListCommand creates the list command.
func NewListCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ListOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List locally recorded invoices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Due, "due", false, "only invoices the next pass would attempt")
	cmd.Flags().StringVar(&opts.Status, "status", "", "filter by status (queued|processing|stamped|failed)")

	return cmd
}

func runList(opts *ListOptions, cmd *cobra.Command) error {
	status := models.InvoiceStatus(opts.Status)
	if status != "" && !status.Valid() {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid --status %q", opts.Status))
	}

	a, err := opts.openApp(cmd)
	if err != nil {
		return err
	}
	defer closeApp(a)

	var recs []*models.InvoiceRecord
	if opts.Due {
		recs, err = a.Store.ListDue(cmd.Context(), a.Now())
	} else {
		recs, err = a.Store.ListAll(cmd.Context())
	}
	if err != nil {
		return wrapAppError("failed to list invoices", err)
	}

	out := make(invoiceList, 0, len(recs))
	for _, rec := range recs {
		if status == "" || rec.Status == status {
			out = append(out, rec)
		}
	}
	return opts.formatter(cmd).Success(out)
}

// NewRetryCommand creates the retry command.
func NewRetryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <invoice-id>",
		Short: "Requeue a failed invoice",
		Long: `Requeue a failed invoice so the next sync pass attempts it again.
Its attempt count is kept.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := rootOpts.openApp(cmd)
			if err != nil {
				return err
			}
			defer closeApp(a)

			if err := a.Orchestrator.Retry(cmd.Context(), args[0]); err != nil {
				return wrapAppError("failed to requeue invoice", err)
			}
			rec, err := a.Store.Get(cmd.Context(), args[0])
			if err != nil {
				return wrapAppError("failed to load invoice", err)
			}
			return rootOpts.formatter(cmd).Success(invoiceView{rec})
		},
	}
}

type invoiceView struct {
	*models.InvoiceRecord
}

func (v invoiceView) String() string {
	r := v.InvoiceRecord
	var b strings.Builder
	fmt.Fprintf(&b, "Invoice %s\n", r.ID)
	if r.CustomerName != "" {
		fmt.Fprintf(&b, "  Customer: %s\n", r.CustomerName)
	}
	fmt.Fprintf(&b, "  Status:   %s\n", r.Status)
	fmt.Fprintf(&b, "  Total:    %s (%s + %s VAT)\n", money(r.Total), money(r.Subtotal), money(r.VAT))
	fmt.Fprintf(&b, "  Created:  %s\n", r.CreatedAtTime().UTC().Format(time.RFC3339))
	if r.ServerID != nil {
		fmt.Fprintf(&b, "  Server:   %s\n", *r.ServerID)
	}
	if r.Attempts > 0 {
		fmt.Fprintf(&b, "  Attempts: %d\n", r.Attempts)
	}
	if r.NextRetryAt != nil {
		fmt.Fprintf(&b, "  Retry:    %s\n", humanize.Time(r.NextRetryTime()))
	}
	if r.LastError != "" {
		fmt.Fprintf(&b, "  Error:    %s\n", r.LastError)
	}
	return strings.TrimRight(b.String(), "\n")
}

type invoiceList []*models.InvoiceRecord

func (l invoiceList) String() string {
	if len(l) == 0 {
		return "No invoices."
	}
	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCUSTOMER\tSTATUS\tTOTAL\tATTEMPTS\tNEXT RETRY")
	for _, r := range l {
		next := "-"
		if r.NextRetryAt != nil {
			next = humanize.Time(r.NextRetryTime())
		}
		customer := r.CustomerName
		if customer == "" {
			customer = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", r.ID, customer, r.Status, money(r.Total), r.Attempts, next)
	}
	w.Flush()
	return strings.TrimRight(b.String(), "\n")
}

func money(v float64) string {
	return humanize.FormatFloat("#,###.##", v)
}
