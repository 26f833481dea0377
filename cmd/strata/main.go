package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	raven "github.com/getsentry/raven-go"
	log "github.com/sirupsen/logrus"

	"github.com/ndlib/strata"
	"github.com/ndlib/strata/backup"
	"github.com/ndlib/strata/job"
	"github.com/ndlib/strata/repair"
	"github.com/ndlib/strata/restore"
	"github.com/ndlib/strata/server"
	"github.com/ndlib/strata/verify"
)

var (
	configFile = flag.String("config", "", "configuration file (default $HOME/.strata.toml)")
	target     = flag.String("target", "", "remote target url, overrides the configuration file")
	database   = flag.String("db", "", "local database path, overrides the configuration file")
	passphrase = flag.String("passphrase", "", "encryption passphrase, overrides the configuration file")
	verbose    = flag.Bool("v", false, "log debugging information")
	usage      = `
strata [options] <command> <command arguments>

Possible commands:
    backup [-stop-on-error] <path list>

    repair [-dry-run] [-rebuild]

    compact [-dry-run]

    delete [-dry-run] [-keep-versions n] [-keep-time span] [-policy rules]
           [-version list] [-compact]

    purge [-dry-run] <path list>

    lock <volume name> <expiration>
    lock -list
    lock -release-expired
    lock -release <volume name>

    test [-samples n] [-full]

    restore [-version n] [-time RFC3339] [-target dir] [path list]

    list [filesets | volumes | locks]

    serve
`
)

func main() {
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		fmt.Fprintln(flag.CommandLine.Output(), "Options:")
		flag.PrintDefaults()
	}
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	explicit := *configFile != ""
	if !explicit {
		if home, err := os.UserHomeDir(); err == nil {
			*configFile = home + "/.strata.toml"
		}
	}
	cfg, err := loadConfig(*configFile, explicit)
	if err != nil {
		log.Fatalln(err)
	}
	setupLogging(cfg)
	if cfg.Sentry.DSN != "" {
		if err := raven.SetDSN(cfg.Sentry.DSN); err != nil {
			log.Warnln("sentry:", err)
		}
	}
	if *target != "" {
		cfg.Target.URL = *target
	}
	if *database != "" {
		cfg.Database.Path = *database
	}
	if *passphrase != "" {
		cfg.Target.Passphrase = *passphrase
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	opts, err := cfg.engineOptions()
	if err != nil {
		log.Fatalln(err)
	}
	e, err := strata.Open(ctx, opts)
	if err != nil {
		log.Fatalln(err)
	}
	defer e.Close()

	var r *job.Report
	switch args[0] {
	case "backup":
		r, err = dobackup(ctx, e, args[1:])
	case "repair":
		r, err = dorepair(ctx, e, args[1:])
	case "compact":
		r, err = docompact(ctx, e, cfg, args[1:])
	case "delete":
		r, err = dodelete(ctx, e, cfg, args[1:])
	case "purge":
		r, err = dopurge(ctx, e, args[1:])
	case "lock":
		r, err = dolock(ctx, e, args[1:])
	case "test":
		r, err = dotest(ctx, e, args[1:])
	case "restore":
		r, err = dorestore(ctx, e, args[1:])
	case "list":
		err = dolist(ctx, e, args[1:])
	case "serve":
		err = doserve(e, cfg)
	default:
		flag.Usage()
		e.Close()
		os.Exit(2)
	}
	if err != nil {
		raven.CaptureErrorAndWait(err, map[string]string{"command": args[0]})
		e.Close()
		log.Fatalln(err)
	}
	if r != nil && !r.OK() {
		e.Close()
		os.Exit(1)
	}
}

func setupLogging(cfg *Config) {
	logger := log.StandardLogger()
	if cfg.Log.JSON {
		logger.SetFormatter(&log.JSONFormatter{})
	}
	level := log.InfoLevel
	if cfg.Log.Level != "" {
		l, err := log.ParseLevel(cfg.Log.Level)
		if err != nil {
			log.Warnln(err)
		} else {
			level = l
		}
	}
	if *verbose {
		level = log.DebugLevel
	}
	logger.SetLevel(level)
}

// summary prints the report counters in two columns, followed by the
// warnings and errors.
func summary(r *job.Report, rows ...interface{}) {
	w := tabwriter.NewWriter(os.Stdout, 5, 1, 3, ' ', 0)
	fmt.Fprintf(w, "%s:\t%s\n", "Operation", r.Operation)
	if r.DryRun {
		fmt.Fprintf(w, "DryRun:\ttrue\n")
	}
	for i := 0; i+1 < len(rows); i += 2 {
		fmt.Fprintf(w, "%v:\t%v\n", rows[i], rows[i+1])
	}
	fmt.Fprintf(w, "Warnings:\t%d\n", len(r.Warnings))
	fmt.Fprintf(w, "Errors:\t%d\n", len(r.Errors))
	w.Flush()
	for _, msg := range r.Warnings {
		fmt.Println("warning:", msg)
	}
	for _, msg := range r.Errors {
		fmt.Println("error:", msg)
	}
}

func dobackup(ctx context.Context, e *strata.Engine, args []string) (*job.Report, error) {
	fs := flag.NewFlagSet("backup", flag.ExitOnError)
	stop := fs.Bool("stop-on-error", false, "stop at the first unreadable path")
	fs.Parse(args)
	if fs.NArg() == 0 {
		return nil, fmt.Errorf("backup: no paths given")
	}
	r, err := e.Backup(ctx, fs.Args(), backup.Options{StopOnError: *stop})
	if err != nil {
		return nil, err
	}
	summary(r.Report,
		"Fileset", r.Timestamp.Format(time.RFC3339),
		"Full", r.IsFullBackup,
		"Files", r.Files,
		"Folders", r.Folders,
		"Symlinks", r.Symlinks,
		"NewBlocks", r.NewBlocks,
		"NewBytes", humanize.Bytes(uint64(r.NewBytes)),
		"Volumes", r.Volumes)
	return r.Report, nil
}

func dorepair(ctx context.Context, e *strata.Engine, args []string) (*job.Report, error) {
	fs := flag.NewFlagSet("repair", flag.ExitOnError)
	dry := fs.Bool("dry-run", false, "report without changing anything")
	rebuild := fs.Bool("rebuild", false, "rebuild missing block volumes from the sources")
	fs.Parse(args)
	r, err := e.Repair(ctx, repair.Options{DryRun: *dry, RebuildMissingDblocks: *rebuild})
	if err != nil {
		return nil, err
	}
	summary(r.Report,
		"Recreated", r.Recreated,
		"VolumesImported", r.VolumesImported,
		"VolumesRetired", r.VolumesRetired,
		"IndexesRebuilt", r.IndexesRebuilt,
		"FilelistsRebuilt", r.FilelistsRebuilt,
		"BlocksRebuilt", r.BlocksRebuilt,
		"BlocksMissing", r.BlocksMissing,
		"EntriesCollapsed", r.EntriesCollapsed,
		"DuplicatesCleared", r.DuplicatesCleared)
	return r.Report, nil
}

func docompact(ctx context.Context, e *strata.Engine, cfg *Config, args []string) (*job.Report, error) {
	fs := flag.NewFlagSet("compact", flag.ExitOnError)
	dry := fs.Bool("dry-run", false, "report without changing anything")
	threshold := fs.Float64("threshold", cfg.Compact.Threshold, "live fraction below which a volume is compacted")
	fs.Parse(args)
	p, err := cfg.compactParams()
	if err != nil {
		return nil, err
	}
	p.Threshold = *threshold
	p.DryRun = *dry
	r, err := e.Compact(ctx, p)
	if err != nil {
		return nil, err
	}
	summary(r.Report,
		"Wasted", r.Wasted,
		"Compacted", r.Compacted,
		"Created", r.Created,
		"Deleted", r.Deleted,
		"Locked", r.Locked,
		"Copied", humanize.Bytes(uint64(r.BytesCopied)),
		"Reclaimed", humanize.Bytes(uint64(r.BytesReclaimed)))
	return r.Report, nil
}

func dodelete(ctx context.Context, e *strata.Engine, cfg *Config, args []string) (*job.Report, error) {
	p, err := cfg.retentionPolicy()
	if err != nil {
		return nil, err
	}
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	dry := fs.Bool("dry-run", false, "report without changing anything")
	keep := fs.Int("keep-versions", p.KeepVersions, "number of full versions to keep")
	keepTime := fs.String("keep-time", cfg.Retention.KeepTime, "delete versions older than this, e.g. 90D")
	rules := fs.String("policy", cfg.Retention.Policy, "retention policy, e.g. 7D:1D,4W:1W,12M:1M")
	versions := fs.String("version", "", "comma separated versions to delete, 0 being the newest")
	withCompact := fs.Bool("compact", cfg.Compact.AfterDelete, "compact after deleting")
	fs.Parse(args)

	p.KeepVersions = *keep
	if p.KeepTime, err = retentionSpan(*keepTime); err != nil {
		return nil, err
	}
	if p.Rules, err = retentionRules(*rules); err != nil {
		return nil, err
	}
	for _, v := range strings.Split(*versions, ",") {
		if v = strings.TrimSpace(v); v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("bad version %q", v)
		}
		p.Versions = append(p.Versions, n)
	}
	params, err := cfg.compactParams()
	if err != nil {
		return nil, err
	}
	r, err := e.Delete(ctx, p, strata.DeleteOptions{DryRun: *dry, Compact: *withCompact, Params: params})
	if err != nil {
		return nil, err
	}
	for _, f := range r.Removed {
		fmt.Println("removed", f.Timestamp.Format(time.RFC3339), f.VolumeName)
	}
	summary(r.Report.Report,
		"Removed", len(r.Removed),
		"Skipped", r.Skipped,
		"VolumesRetired", r.VolumesRetired,
		"Deleted", r.Deleted)
	if r.Compact != nil {
		summary(r.Compact.Report,
			"Compacted", r.Compact.Compacted,
			"Deleted", r.Compact.Deleted,
			"Reclaimed", humanize.Bytes(uint64(r.Compact.BytesReclaimed)))
		if !r.Compact.OK() {
			return r.Compact.Report, nil
		}
	}
	return r.Report.Report, nil
}

func dopurge(ctx context.Context, e *strata.Engine, args []string) (*job.Report, error) {
	fs := flag.NewFlagSet("purge", flag.ExitOnError)
	dry := fs.Bool("dry-run", false, "report without changing anything")
	fs.Parse(args)
	if fs.NArg() == 0 {
		return nil, fmt.Errorf("purge: no paths given")
	}
	r, err := e.Purge(ctx, fs.Args(), *dry)
	if err != nil {
		return nil, err
	}
	summary(r.Report,
		"Rewritten", r.Rewritten,
		"EntriesRemoved", r.EntriesRemoved,
		"Deleted", r.Deleted)
	return r.Report, nil
}

func dolock(ctx context.Context, e *strata.Engine, args []string) (*job.Report, error) {
	fs := flag.NewFlagSet("lock", flag.ExitOnError)
	list := fs.Bool("list", false, "list the locks")
	expired := fs.Bool("release-expired", false, "remove the expired locks")
	release := fs.Bool("release", false, "remove the lock on a volume")
	fs.Parse(args)
	switch {
	case *list:
		return nil, dolist(ctx, e, []string{"locks"})
	case *expired:
		n, err := e.ReleaseExpired(ctx)
		if err == nil {
			fmt.Println("released", n, "locks")
		}
		return nil, err
	case *release:
		if fs.NArg() != 1 {
			return nil, fmt.Errorf("lock -release: give one volume name")
		}
		return nil, e.Unlock(ctx, fs.Arg(0))
	}
	if fs.NArg() != 2 {
		return nil, fmt.Errorf("lock: give a volume name and an expiration")
	}
	expires, err := parseExpires(fs.Arg(1), e.Env().Now())
	if err != nil {
		return nil, err
	}
	r, err := e.Lock(ctx, fs.Arg(0), expires)
	if err != nil {
		return nil, err
	}
	summary(r, "Volume", fs.Arg(0), "Expires", expires.UTC().Format(time.RFC3339))
	return r, nil
}

func dotest(ctx context.Context, e *strata.Engine, args []string) (*job.Report, error) {
	fs := flag.NewFlagSet("test", flag.ExitOnError)
	samples := fs.Int("samples", 1, "volumes of each type to download")
	full := fs.Bool("full", false, "download every volume")
	fs.Parse(args)
	r, err := e.Test(ctx, verify.Options{Samples: *samples, Full: *full})
	if err != nil {
		return nil, err
	}
	summary(r.Report,
		"Checked", r.Checked,
		"Missing", r.Missing,
		"Extra", r.Extra,
		"Damaged", r.Damaged,
		"MissingBlocks", r.MissingBlocks)
	return r.Report, nil
}

func dorestore(ctx context.Context, e *strata.Engine, args []string) (*job.Report, error) {
	fs := flag.NewFlagSet("restore", flag.ExitOnError)
	version := fs.Int("version", 0, "version to restore, 0 being the newest")
	when := fs.String("time", "", "restore the version taken at this time (RFC 3339)")
	dest := fs.String("target", "", "folder to restore into, empty restores in place")
	fs.Parse(args)
	opts := restore.Options{Version: *version, Target: *dest, Paths: fs.Args()}
	if *when != "" {
		t, err := time.Parse(time.RFC3339, *when)
		if err != nil {
			return nil, err
		}
		opts.Time = t
	}
	r, err := e.Restore(ctx, opts)
	if err != nil {
		return nil, err
	}
	summary(r.Report,
		"Fileset", r.Fileset.Timestamp.Format(time.RFC3339),
		"Files", r.Files,
		"Folders", r.Folders,
		"Symlinks", r.Symlinks,
		"Bytes", humanize.Bytes(uint64(r.Bytes)))
	return r.Report, nil
}

func dolist(ctx context.Context, e *strata.Engine, args []string) error {
	what := "filesets"
	if len(args) > 0 {
		what = args[0]
	}
	w := tabwriter.NewWriter(os.Stdout, 5, 1, 3, ' ', 0)
	defer w.Flush()
	switch what {
	case "filesets":
		filesets, err := e.Filesets(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Version\tTime\tFull\tVolume\n")
		for i, f := range filesets {
			fmt.Fprintf(w, "%d\t%s\t%v\t%s\n", i, f.Timestamp.Format(time.RFC3339), f.IsFullBackup, f.VolumeName)
		}
	case "volumes":
		vols, err := e.Volumes(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Name\tType\tState\tSize\tVerified\n")
		for _, v := range vols {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\n", v.Name, v.Type, v.State, humanize.Bytes(uint64(v.Size)), v.VerificationCount)
		}
	case "locks":
		locks, err := e.ListLocks(ctx)
		if err != nil {
			return err
		}
		now := e.Env().Now()
		fmt.Fprintf(w, "Volume\tExpires\tActive\n")
		for _, l := range locks {
			fmt.Fprintf(w, "%s\t%s\t%v\n", l.VolumeName, humanize.RelTime(l.Expiration, now, "ago", "from now"), l.Expiration.After(now))
		}
	default:
		return fmt.Errorf("list: unknown listing %q", what)
	}
	return nil
}

func doserve(e *strata.Engine, cfg *Config) error {
	s := &server.RESTServer{
		Addr:      cfg.Server.Listen,
		PProfPort: cfg.Server.PProf,
		Engine:    e,
	}
	if cfg.Server.Tokens != "" {
		v, err := server.NewListDecoderFile(cfg.Server.Tokens)
		if err != nil {
			return err
		}
		s.Validator = v
	}
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		log.Infoln("stopping server")
		s.Stop()
	}()
	return s.Run()
}
