package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/ascrivener/a64jit/pkg/errors"
	"github.com/ascrivener/a64jit/pkg/jit"
	"github.com/ascrivener/a64jit/pkg/nro"
	"github.com/ascrivener/a64jit/pkg/ram"
	"github.com/ascrivener/a64jit/pkg/snapshot"

	units "github.com/docker/go-units"
	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

func main() {
	cfg, path, err := loadConfig(os.Args[1:], os.Getenv, os.Stderr)
	if err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}
	logger, err := newLogger(cfg, os.Stderr)
	if err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}
	log := logrus.NewEntry(logger).WithField("image", path)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err = runImage(ctx, log, cfg, path, os.Stdout)
	if err != nil {
		log.WithError(err).Error("Run failed")
	}
	if !cfg.Watch {
		if err != nil {
			os.Exit(1)
		}
		return
	}
	if err := watch(ctx, log, cfg, path, os.Stdout); err != nil {
		log.WithError(err).Error("Watch failed")
		os.Exit(1)
	}
}

// exitName summarises how a run ended for the snapshot record
func exitName(err error) string {
	if err == nil {
		return jit.ExitHalt.String()
	}
	if kind, ok := errors.KindOf(err); ok {
		return kind.String()
	}
	return err.Error()
}

// runImage loads the image at path, runs it from its first instruction and
// reports the result
func runImage(ctx context.Context, log *logrus.Entry, cfg Config, path string, out io.Writer) error {
	img, err := nro.Open(path, cfg.Raw)
	if err != nil {
		return err
	}
	mem, err := ram.New(ram.DefaultBase, img.MemorySize())
	if err != nil {
		return err
	}
	defer mem.Close()
	if err := img.Build(mem); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"instructions": len(img.Text()),
		"memory":       units.BytesSize(float64(mem.Size())),
		"raw":          img.IsRaw(),
	}).Debug("Loaded image")

	c, err := jit.NewContext(img.Text(),
		jit.WithMemory(mem),
		jit.WithLoadBias(mem.Base()+img.TextOffset()),
		jit.WithLogger(log),
		jit.WithMaxBlocks(cfg.MaxBlocks),
	)
	if err != nil {
		return err
	}
	defer c.Close()

	runErr := c.Run(ctx, 0)

	regs := c.Registers()
	stats := c.Stats()
	log.WithFields(logrus.Fields{
		"x0":   fmt.Sprintf("%#x", regs.X0),
		"x1":   fmt.Sprintf("%#x", regs.X1),
		"pc":   fmt.Sprintf("%#x", regs.PC),
		"nzcv": fmt.Sprintf("%04b", regs.NZCV>>28),
	}).Info("Registers")
	log.Infof("Translated %s", stats)

	if cfg.DumpCode {
		dumpBlocks(out, c)
	}

	if cfg.SnapshotDir != "" {
		if err := saveSnapshot(log, cfg.SnapshotDir, path, img.Bytes(), regs, stats, runErr); err != nil {
			log.WithError(err).Warn("Failed to save snapshot")
		}
	}
	return runErr
}

func dumpBlocks(out io.Writer, c *jit.Context) {
	for _, blk := range c.Blocks() {
		fmt.Fprintf(out, "block %#x-%#x: %d instructions, %d hits, %s\n",
			c.LoadBias()+blk.Entry, c.LoadBias()+blk.End, blk.Insts, blk.Hits,
			units.HumanSize(float64(blk.Code.Size)))
		for _, line := range jit.Disassemble(blk.Code.Bytes(), uint64(blk.Code.Entry)) {
			fmt.Fprintf(out, "\t%s\n", line)
		}
	}
}

func saveSnapshot(log *logrus.Entry, dir, path string, image []byte, regs jit.Registers, stats jit.Stats, runErr error) error {
	store, err := snapshot.Open(dir)
	if err != nil {
		return err
	}
	defer store.Close()

	digest := snapshot.Digest(image)
	if prev, ok, err := store.Latest(digest); err == nil && ok && prev.Registers != regs {
		log.WithFields(logrus.Fields{
			"previous_run": prev.RunID,
			"previous_x0":  fmt.Sprintf("%#x", prev.Registers.X0),
		}).Warn("Registers differ from the previous run of this image")
	}

	r, err := store.Save(snapshot.Record{
		Digest:    digest,
		Image:     filepath.Base(path),
		Registers: regs,
		Stats:     stats,
		Exit:      exitName(runErr),
	})
	if err != nil {
		return err
	}
	log.WithField("run_id", r.RunID).Debug("Saved snapshot")
	return nil
}

// watch reruns the image every time it is written until ctx is cancelled.
// The directory is watched rather than the file so that editors replacing
// the file are still noticed.
func watch(ctx context.Context, log *logrus.Entry, cfg Config, path string, out io.Writer) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return err
	}
	log.Info("Watching for changes")

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs || !event.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			log.WithField("op", event.Op.String()).Info("Image changed")
			if err := runImage(ctx, log, cfg, path, out); err != nil {
				log.WithError(err).Error("Run failed")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Warn("Watcher error")
		}
	}
}
