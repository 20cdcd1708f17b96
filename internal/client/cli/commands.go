package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"
)

func (a *App) confirm(ctx context.Context, args []string) error {
	fs := newFlagSet("confirm", a.out)
	key := fs.String("k", "", "operation key; retries with the same key are not repeated")

	id, err := oneArg(fs, args, "a transfer id")
	if err != nil {
		return err
	}
	return a.confirmTransfer(ctx, id, *key)
}

func (a *App) confirmTransfer(ctx context.Context, id, key string) error {
	uctx, cancel := a.unary(ctx)
	defer cancel()

	c, err := a.client.ConfirmDownload(uctx, id, key)
	if err != nil {
		return fmt.Errorf("confirm %s: %w", id, err)
	}

	status := "DownloadConfirmed"
	if c.AllConfirmed {
		status = "AllConfirmedDownloaded"
	}
	a.refresh(ctx, id, status)

	fmt.Fprintf(a.out, "transfer %s confirmed", id)
	if c.AllConfirmed {
		fmt.Fprint(a.out, " by all recipients")
	}
	fmt.Fprintln(a.out)
	return nil
}

func (a *App) cancel(ctx context.Context, args []string) error {
	fs := newFlagSet("cancel", a.out)
	id, err := oneArg(fs, args, "a transfer id")
	if err != nil {
		return err
	}

	uctx, cancel := a.unary(ctx)
	defer cancel()

	t, err := a.client.Cancel(uctx, id)
	if err != nil {
		return fmt.Errorf("cancel %s: %w", id, err)
	}
	a.refresh(ctx, id, t.Status)
	fmt.Fprintf(a.out, "transfer %s %s\n", t.ID, t.Status)
	return nil
}

func (a *App) status(ctx context.Context, args []string) error {
	fs := newFlagSet("status", a.out)
	id, err := oneArg(fs, args, "a transfer id")
	if err != nil {
		return err
	}

	uctx, cancel := a.unary(ctx)
	defer cancel()

	st, err := a.client.Status(uctx, id)
	if err != nil {
		return fmt.Errorf("status %s: %w", id, err)
	}
	a.refresh(ctx, id, st.Status)

	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "transfer\t%s\n", st.ID)
	fmt.Fprintf(tw, "resource\t%s\n", st.ResourceID)
	fmt.Fprintf(tw, "filename\t%s\n", st.Filename)
	fmt.Fprintf(tw, "status\t%s\t%s\n", st.Status, stamp(st.StatusAt))
	fmt.Fprintf(tw, "expires\t%s\n", stamp(st.ExpiresAt))
	if st.Size > 0 || st.Checksum != "" {
		fmt.Fprintf(tw, "content\t%d bytes\tmd5 %s\n", st.Size, st.Checksum)
	}
	if len(st.Properties) > 0 {
		keys := make([]string, 0, len(st.Properties))
		for k := range st.Properties {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+st.Properties[k])
		}
		fmt.Fprintf(tw, "properties\t%s\n", strings.Join(pairs, " "))
	}

	fmt.Fprintln(tw, "\nrecipient\tstatus\tat")
	for _, r := range st.Recipients {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", r.Actor, r.Status, stamp(r.StatusAt))
	}

	fmt.Fprintln(tw, "\nhistory\tat\tdetail")
	for _, e := range st.History {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", e.Status, stamp(e.At), e.Detail)
	}
	return tw.Flush()
}

func (a *App) listHistory(ctx context.Context, args []string) error {
	fs := newFlagSet("history", a.out)
	n := fs.Int("n", 20, "number of entries")
	if err := fs.Parse(args); err != nil {
		return err
	}

	entries, err := a.history.List(ctx, *n)
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}

	tw := tabwriter.NewWriter(a.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TRANSFER\tROLE\tSTATUS\tFILENAME\tLOCAL\tUPDATED")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.TransferID, e.Role, e.Status, e.Filename, e.LocalPath, stamp(e.UpdatedAt))
	}
	return tw.Flush()
}

func stamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}
