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
	"time"

	"github.com/sirupsen/logrus"

	"github.com/supporttools/SiteGuard/pkg/adminserver"
	"github.com/supporttools/SiteGuard/pkg/backup"
	"github.com/supporttools/SiteGuard/pkg/config"
	"github.com/supporttools/SiteGuard/pkg/logging"
	"github.com/supporttools/SiteGuard/pkg/metadata"
	"github.com/supporttools/SiteGuard/pkg/restore"
	"github.com/supporttools/SiteGuard/pkg/scheduler"
	"github.com/supporttools/SiteGuard/pkg/sitedb"
	"github.com/supporttools/SiteGuard/pkg/storage/local"
	"github.com/supporttools/SiteGuard/pkg/storage/s3"
	"github.com/supporttools/SiteGuard/pkg/tasklock"
	"github.com/supporttools/SiteGuard/pkg/tenant"
	"github.com/supporttools/SiteGuard/pkg/version"
)

var (
	showVersion = flag.Bool("version", false, "Print version information and exit")
	runOnce     = flag.Bool("run-once", false, "Run a single backup and exit")
	kind        = flag.String("kind", "", "Backup kind for -run-once (full, database, files)")
	sites       = flag.String("sites", "", "Comma-separated site IDs for -run-once, all sites when empty")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.Current().String())
		return
	}

	config.LoadConfiguration()
	if err := config.ValidateConfig(); err != nil {
		logrus.Fatalf("Configuration validation failed: %v", err)
	}

	log := logging.New(config.CFG.Debug)
	log.WithField("version", version.Version).Infof("Starting %s", version.Name)
	if config.CFG.Debug {
		config.DisplayConfiguration()
	}

	if err := metadata.Initialize(); err != nil {
		log.WithError(err).Fatal("Failed to initialize job store")
	}

	ctx := context.Background()
	db, err := sitedb.Open(ctx, config.CFG.Database)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to the site database")
	}
	defer db.Close()

	tenants := tenant.New(
		tenant.NewMySQLDirectory(db, config.CFG.Site.TablePrefix),
		tenant.Layout{ContentDir: config.CFG.Site.ContentDir},
		config.CFG.Site.TablePrefix,
	)

	backupManager := backup.NewManager(&config.CFG, tenants, metadata.DefaultStore, db, log)
	restoreManager := restore.NewManager(&config.CFG, tenants, metadata.DefaultStore, db, log)

	if *runOnce {
		if err := runSingleBackup(ctx, backupManager, tenants, log); err != nil {
			log.WithError(err).Fatal("Backup failed")
		}
		return
	}

	localStore := local.NewClient(config.CFG.Local)
	var remote scheduler.RemoteRetention
	var presigner adminserver.Presigner
	if config.CFG.S3.Enabled {
		s3Client, err := s3.NewClient(config.CFG.S3, config.CFG.Debug)
		if err != nil {
			log.WithError(err).Warn("S3 storage unavailable, skipping S3 retention and downloads")
		} else {
			remote = s3Client
			presigner = s3Client
		}
	}

	sched := scheduler.NewScheduler(config.CFG.Schedule, config.CFG.Local.WorkDirectory, backupManager, tenants,
		metadata.DefaultStore, tasklock.Default, localStore, remote, log)
	if err := sched.SetupJobs(); err != nil {
		log.WithError(err).Fatal("Failed to setup scheduled jobs")
	}
	sched.Start()

	adminSrv := adminserver.NewServer(backupManager, restoreManager, restoreManager.Scanner(), tenants,
		metadata.DefaultStore, tasklock.Default, adminserver.Options{
			Port:      config.CFG.Metrics.Port,
			Token:     config.CFG.Admin.Token,
			Presigner: presigner,
		}, log)
	adminSrv.Start()

	log.Infof("%s is running. Press Ctrl+C to exit.", version.Name)
	waitForShutdown(sched, adminSrv, log)
}

// runSingleBackup backs up the sites named by -sites, or every site
func runSingleBackup(ctx context.Context, m *backup.Manager, tenants *tenant.Context, log logrus.FieldLogger) error {
	backupKind := *kind
	if backupKind == "" {
		backupKind = config.CFG.Schedule.BackupKind
	}

	var ids []int64
	if *sites != "" {
		for _, field := range strings.Split(*sites, ",") {
			id, err := strconv.ParseInt(strings.TrimSpace(field), 10, 64)
			if err != nil {
				return fmt.Errorf("invalid site ID %q", field)
			}
			ids = append(ids, id)
		}
	} else {
		all, err := tenants.ListTenants(ctx)
		if err != nil {
			return err
		}
		for _, t := range all {
			ids = append(ids, t.ID)
		}
	}

	outcome, err := m.CreateBackup(ctx, ids, backupKind)
	if err != nil {
		return fmt.Errorf("%s: %w", outcome.Message, err)
	}
	log.Info(outcome.Message)
	return nil
}

// waitForShutdown blocks until SIGINT or SIGTERM and stops the services
func waitForShutdown(sched *scheduler.Scheduler, adminSrv *adminserver.Server, log logrus.FieldLogger) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	sig := <-c
	log.WithField("signal", sig.String()).Info("Shutting down")
	sched.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := adminSrv.Stop(ctx); err != nil {
		log.WithError(err).Error("Error shutting down HTTP server")
	}
}
