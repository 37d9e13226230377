// Command rostermem reads and edits roster tables in process memory
// snapshots, driven by an offset schema.
//
// Usage:
//
//	rostermem schema check --schema offsets.yaml
//	rostermem base resolve Player Team --snapshot dumps/2k26
//	rostermem scan Team --adopt
//	rostermem get Player "LeBron James" "Last Name" Height
//	rostermem set Player 12 Height=6\'9\" "Last Name=Smith"
//	rostermem related team_stats 3 0
//	rostermem journal list Team --limit 5
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"rostermem/internal/common"
	"rostermem/internal/config"
	"rostermem/internal/engine"
	"rostermem/internal/journal"
	"rostermem/internal/memacc"
	"rostermem/internal/metrics"
	"rostermem/internal/schema"
	"rostermem/internal/schemadoc"
	"rostermem/internal/snapshot"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := newRootCmd(cfg).Execute(); err != nil {
		os.Exit(1)
	}
}

// options are the persistent flags, seeded from the configuration.
type options struct {
	cfg       config.Config
	logLevel  string
	noCache   bool
	overrides []string
}

func newRootCmd(cfg *config.Config) *cobra.Command {
	o := &options{cfg: *cfg, logLevel: cfg.LogLevel.String(), noCache: !cfg.PageCache}
	root := &cobra.Command{
		Use:          "rostermem",
		Short:        "Typed access to roster tables in process memory",
		SilenceUsage: true,
	}
	f := root.PersistentFlags()
	f.StringVar(&o.cfg.SchemaPath, "schema", cfg.SchemaPath, "offset schema document (YAML or JSON)")
	f.StringVar(&o.cfg.Version, "version", cfg.Version, "schema version key or build label")
	f.StringVar(&o.cfg.SnapshotDir, "snapshot", cfg.SnapshotDir, "snapshot directory holding snapshot.ini")
	f.StringVar(&o.logLevel, "log-level", o.logLevel, "debug, info, warning or error")
	f.BoolVar(&o.noCache, "no-cache", o.noCache, "disable the page cache")
	f.StringVar(&o.cfg.JournalPath, "journal", cfg.JournalPath, "scan journal database")
	f.StringVar(&o.cfg.MetricsFile, "metrics-file", cfg.MetricsFile, "write Prometheus metrics to this file on exit")
	f.Float64Var(&o.cfg.ScanRate, "scan-rate", cfg.ScanRate, "scan reads per second, 0 for unlimited")
	f.StringArrayVar(&o.overrides, "base", nil, "override a table base, Entity=0xADDRESS (repeatable)")

	root.AddCommand(schemaCmd(o))
	root.AddCommand(baseCmd(o))
	root.AddCommand(scanCmd(o))
	root.AddCommand(getCmd(o))
	root.AddCommand(setCmd(o))
	root.AddCommand(relatedCmd(o))
	root.AddCommand(journalCmd(o))
	return root
}

func (o *options) logger(cmd *cobra.Command) common.Logger {
	return common.NewStdLoggerWithWriter(cmd.ErrOrStderr(), cmd.ErrOrStderr(), common.ParseSeverity(o.logLevel))
}

// loadDocument reads the schema document named by the flags.
func (o *options) loadDocument(log common.Logger) (*schema.Document, error) {
	loader, err := schemadoc.NewLoader(log)
	if err != nil {
		return nil, err
	}
	return loader.Load(o.cfg.SchemaPath)
}

// selectSchema picks the schema version: the --version flag first as an
// exact key, then as a label, then the snapshot's build labels.
func selectSchema(repo *schema.Repository, version string, snap *snapshot.Snapshot) (*schema.OffsetSchema, error) {
	if version != "" {
		if s, err := repo.Load(version); err == nil {
			return s, nil
		}
		return repo.ResolveVersion(version)
	}
	var labels []string
	if snap != nil {
		labels = snap.BuildLabels()
	}
	return repo.ResolveVersion(labels...)
}

// runtime is everything a session command needs. close releases it and
// writes the metrics file.
type runtime struct {
	out     io.Writer
	log     common.Logger
	snap    *snapshot.Snapshot
	mapper  *memacc.Mapper
	rec     *metrics.Recorder
	journal *journal.Store
	session *engine.Session
	metrics string
}

func (o *options) open(cmd *cobra.Command, writable bool) (*runtime, error) {
	rt := &runtime{out: cmd.OutOrStdout(), log: o.logger(cmd), metrics: o.cfg.MetricsFile}
	if o.cfg.SnapshotDir == "" {
		return nil, common.Errorf(common.ErrInvalidParam, "no snapshot directory, set --snapshot or %s", config.EnvSnapshot)
	}
	doc, err := o.loadDocument(rt.log)
	if err != nil {
		return nil, err
	}
	if rt.snap, err = snapshot.Load(o.cfg.SnapshotDir); err != nil {
		return nil, err
	}
	sch, err := selectSchema(schema.NewRepository(doc), o.cfg.Version, rt.snap)
	if err != nil {
		return nil, err
	}
	rt.log.Logf(common.SeverityInfo, "schema %s, snapshot %s", sch.Version(), o.cfg.SnapshotDir)

	if rt.mapper, err = rt.snap.Open(snapshot.OpenOptions{Writable: writable, Cache: !o.noCache}); err != nil {
		return nil, err
	}
	rt.rec = metrics.NewRecorder()
	opts := []engine.Option{
		engine.WithLogger(rt.log),
		engine.WithRecorder(rt.rec),
		engine.WithScanRate(o.cfg.ScanRate),
	}
	if o.cfg.JournalPath != "" {
		if rt.journal, err = journal.Open(o.cfg.JournalPath); err != nil {
			rt.close()
			return nil, err
		}
		opts = append(opts, engine.WithJournal(rt.journal))
	}
	if rt.session, err = engine.Open(sch, rt.mapper, opts...); err != nil {
		rt.close()
		return nil, err
	}
	for _, ov := range o.overrides {
		entity, addr, err := parseOverride(ov)
		if err == nil {
			err = rt.session.ApplyOverride(entity, addr)
		}
		if err != nil {
			rt.close()
			return nil, err
		}
	}
	return rt, nil
}

func (rt *runtime) close() {
	if rt.metrics != "" {
		if err := rt.rec.WriteTextfile(rt.metrics); err != nil {
			rt.log.Error(err)
		}
	}
	if rt.journal != nil {
		rt.journal.Close()
	}
	if rt.mapper != nil {
		rt.mapper.Close()
	}
}

// withSession runs fn against a fresh session, interrupted by Ctrl-C.
func (o *options) withSession(cmd *cobra.Command, writable bool, fn func(ctx context.Context, rt *runtime) error) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer cancel()
	rt, err := o.open(cmd, writable)
	if err != nil {
		return err
	}
	defer rt.close()
	return fn(ctx, rt)
}

func parseOverride(text string) (string, uint64, error) {
	entity, addr, ok := strings.Cut(text, "=")
	if !ok {
		return "", 0, common.Errorf(common.ErrInvalidParam, "base override %q is not Entity=0xADDRESS", text)
	}
	n, err := schema.ParseNum(addr)
	if err != nil {
		return "", 0, common.Wrap(common.ErrInvalidParam, err, "base override %q", text)
	}
	return strings.TrimSpace(entity), uint64(n), nil
}
