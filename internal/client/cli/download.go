package cli

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dmitrijs2005/transferbroker/internal/client/models"
	"github.com/dmitrijs2005/transferbroker/internal/filex"
)

var errChecksum = errors.New("checksum mismatch")

func (a *App) download(ctx context.Context, args []string) error {
	fs := newFlagSet("download", a.out)
	output := fs.String("o", "", "output file, - for stdout (default: announced filename)")
	confirm := fs.Bool("confirm", false, "confirm the download once verified")
	force := fs.Bool("force", false, "write to stdout even when it is a terminal")

	id, err := oneArg(fs, args, "a transfer id")
	if err != nil {
		return err
	}

	var (
		w       io.Writer
		partial string
		file    *os.File
	)
	if *output == "-" {
		if !*force && isTerminal(int(os.Stdout.Fd())) {
			return errors.New("download: refusing to write to a terminal, use -o or -force")
		}
		w = a.out
	} else {
		target := *output
		if target == "" {
			target = id
		}
		if err := filex.EnsureParentDir(target); err != nil {
			return err
		}
		partial = filex.PartialName(target)
		file, err = os.Create(partial)
		if err != nil {
			return err
		}
		defer file.Close()
		w = file
	}

	h := md5.New()
	t, err := a.client.Download(ctx, id, io.MultiWriter(w, h))
	if err != nil {
		if file != nil {
			_ = os.Remove(partial)
		}
		return fmt.Errorf("download %s: %w", id, err)
	}

	if got := hex.EncodeToString(h.Sum(nil)); t.Checksum != "" && got != t.Checksum {
		if file != nil {
			_ = os.Remove(partial)
		}
		return fmt.Errorf("download %s: %w: got %s, want %s", id, errChecksum, got, t.Checksum)
	}

	var local string
	if file != nil {
		if err := file.Close(); err != nil {
			return err
		}
		local = *output
		if local == "" {
			// the announced name is only trusted as a base name
			local = filepath.Base(t.Filename)
			if local == "." || local == string(filepath.Separator) || local == ".." {
				local = id
			}
		}
		if err := os.Rename(partial, local); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "saved %s (%d bytes)\n", local, t.Size)
	}

	a.remember(ctx, models.HistoryEntry{
		TransferID: id,
		Role:       models.RoleRecipient,
		Filename:   t.Filename,
		LocalPath:  local,
		Status:     t.Status,
	})

	if *confirm {
		return a.confirmTransfer(ctx, id, "")
	}
	return nil
}
