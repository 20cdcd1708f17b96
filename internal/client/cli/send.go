package cli

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dmitrijs2005/transferbroker/internal/client/models"
)

func (a *App) send(ctx context.Context, args []string) error {
	fs := newFlagSet("send", a.out)
	resource := fs.String("r", "", "resource id")
	to := fs.String("to", "", "comma separated recipients")
	name := fs.String("name", "", "filename announced to recipients (default: base name of file)")
	props := kvFlag{}
	fs.Var(props, "p", "property key=value, repeatable")

	path, err := oneArg(fs, args, "a file to send")
	if err != nil {
		return err
	}
	if *resource == "" {
		return errors.New("send: -r is required")
	}
	recipients := splitList(*to)
	if len(recipients) == 0 {
		return errors.New("send: -to is required")
	}
	if *name == "" {
		*name = filepath.Base(path)
	}

	sum, err := fileMD5(path)
	if err != nil {
		return err
	}

	req := models.NewTransfer{
		ResourceID:       *resource,
		Filename:         *name,
		Recipients:       recipients,
		DeclaredChecksum: sum,
	}
	if len(props) > 0 {
		req.Properties = props
	}

	uctx, cancel := a.unary(ctx)
	t, err := a.client.Initialize(uctx, req)
	cancel()
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	a.remember(ctx, models.HistoryEntry{
		TransferID: t.ID,
		Role:       models.RoleSender,
		Filename:   t.Filename,
		LocalPath:  path,
		Status:     t.Status,
	})
	fmt.Fprintf(a.out, "transfer %s initialized\n", t.ID)

	return a.uploadFile(ctx, t.ID, path)
}

func (a *App) upload(ctx context.Context, args []string) error {
	fs := newFlagSet("upload", a.out)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		return errors.New("upload: expected <transfer-id> <file>")
	}
	return a.uploadFile(ctx, fs.Arg(0), fs.Arg(1))
}

// uploadFile streams path into transferID. The stream is not bounded by the
// request timeout.
func (a *App) uploadFile(ctx context.Context, transferID, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	var sizeHint int64
	if fi, err := f.Stat(); err == nil {
		sizeHint = fi.Size()
	}

	t, err := a.client.Upload(ctx, transferID, sizeHint, f)
	if err != nil {
		return fmt.Errorf("upload %s: %w", transferID, err)
	}

	a.remember(ctx, models.HistoryEntry{
		TransferID: t.ID,
		Role:       models.RoleSender,
		Filename:   t.Filename,
		LocalPath:  path,
		Status:     t.Status,
	})
	fmt.Fprintf(a.out, "transfer %s %s: %d bytes, md5 %s\n", t.ID, t.Status, t.Size, t.Checksum)
	return nil
}

func fileMD5(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return h.Sum(nil), nil
}
