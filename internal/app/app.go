package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"tgwatch/internal/config"
	"tgwatch/internal/mail"
	"tgwatch/internal/resolver"
	"tgwatch/internal/rules"
	"tgwatch/internal/runtime/supervisor"
	"tgwatch/internal/source/telegram"
	"tgwatch/internal/storage"
	"tgwatch/internal/watch"
	logx "tgwatch/pkg/logx"
)

type Options struct {
	// SettingsPath is the optional settings file; empty means defaults.
	SettingsPath string
	// RulesDir overrides settings.rules.dir when non-empty.
	RulesDir string
}

// App owns the full monitor wiring: rule store, Telegram adapter, match
// pipeline, mail dispatcher, audit store and scheduled maintenance.
type App struct {
	log    logx.Logger
	logSvc *logx.Service

	settings *config.Settings
	secrets  *config.Secrets

	store   storage.Store
	adapter *telegram.Adapter
	mailer  *mail.Mailer
	disp    *mail.Dispatcher
	rules   *rules.Store
	mgr     *watch.Manager
	reload  *watch.ReloadLoop

	cron      *cron.Cron
	sup       *supervisor.Supervisor
	retention time.Duration
	startedAt time.Time
}

// New loads configuration, validates credentials and wires every component.
// Nothing talks to the network yet except the Telegram bot handshake.
func New(opts Options) (*App, error) {
	secrets, err := config.LoadSecrets()
	if err != nil {
		return nil, err
	}

	settings := config.Default()
	if opts.SettingsPath != "" {
		settings, err = config.LoadSettings(opts.SettingsPath)
		if err != nil {
			return nil, fmt.Errorf("load settings: %w", err)
		}
	}
	if opts.RulesDir != "" {
		settings.Rules.Dir = opts.RulesDir
	}

	logSvc, log := logx.New(logx.Config{
		Level:   settings.Logging.Level,
		Console: settings.Logging.Console,
		File: logx.FileConfig{
			Enabled: settings.Logging.File.Enabled,
			Path:    settings.Logging.File.Path,
		},
	})

	a := &App{
		log:      log,
		logSvc:   logSvc,
		settings: settings,
		secrets:  secrets,
	}
	if err := a.wire(); err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire() error {
	s := a.settings

	reloadInterval := s.Monitor.ReloadInterval.Or(5 * time.Second)
	reloadSettle := s.Monitor.ReloadSettle.Or(2 * time.Second)
	backlogGrace := s.Monitor.BacklogGrace.Or(30 * time.Second)
	sendTimeout := s.Mail.SendTimeout.Or(60 * time.Second)
	smtpTimeout := s.Mail.SMTPTimeout.Or(30 * time.Second)
	a.retention = time.Duration(s.Storage.RetentionDays) * 24 * time.Hour

	var err error
	a.store, err = storage.Open(storage.Config{
		Driver:      s.Storage.Driver,
		Path:        s.Storage.Path,
		BusyTimeout: s.Storage.BusyTimeout.Duration,
	}, a.log.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	a.mailer, err = mail.New(mail.Config{
		Host:           a.secrets.SMTPHost,
		Port:           a.secrets.SMTPPort,
		User:           a.secrets.SMTPUser,
		Pass:           a.secrets.SMTPPass,
		To:             a.secrets.MailTo,
		PreferSTARTTLS: !a.secrets.SMTPUseSSL,
		Timeout:        smtpTimeout,
	}, a.log.With(logx.String("comp", "mail")))
	if err != nil {
		return fmt.Errorf("configure mailer: %w", err)
	}

	a.disp = mail.NewDispatcher(mail.DispatcherConfig{
		QueueSize:     s.Mail.QueueSize,
		Workers:       s.Mail.Workers,
		RatePerMinute: s.Mail.RatePerMinute,
		SendTimeout:   sendTimeout,
	}, a.mailer, a.store, a.log.With(logx.String("comp", "mail.dispatch")))

	a.adapter, err = telegram.New(telegram.Config{
		Token: a.secrets.TelegramToken,
	}, a.log.With(logx.String("comp", "telegram")))
	if err != nil {
		return fmt.Errorf("telegram: %w", err)
	}

	a.rules = rules.NewStore(s.Rules.Dir, a.log.With(logx.String("comp", "rules")))
	res := resolver.New(a.adapter, a.log.With(logx.String("comp", "resolver")))

	pipe := watch.NewPipeline(watch.PipelineConfig{
		BacklogGrace:  backlogGrace,
		DedupCapacity: s.Monitor.DedupCapacity,
	}, a.rules, res, a.disp, a.log.With(logx.String("comp", "pipeline")))

	a.mgr = watch.NewManager(a.adapter, pipe, a.log.With(logx.String("comp", "subs")))
	a.reload = watch.NewReloadLoop(watch.ReloadConfig{
		Interval: reloadInterval,
		Settle:   reloadSettle,
	}, a.rules, a.mgr, a.log.With(logx.String("comp", "reload")))

	return nil
}

// Start brings every component up. It returns once the monitor is running;
// the caller blocks on signals and then calls Stop.
func (a *App) Start(ctx context.Context) error {
	a.startedAt = time.Now()
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log))

	a.disp.Start(a.sup.Context())
	if err := a.adapter.Start(a.sup.Context()); err != nil {
		return fmt.Errorf("start telegram: %w", err)
	}

	a.sup.GoRestart("rules.reload", a.reload.Run,
		supervisor.WithRestartBackoff(time.Second, 30*time.Second),
	)

	a.startCron()

	a.log.Info("monitor started",
		logx.String("rules_dir", a.rules.Dir()),
		logx.Bool("audit", a.store != nil),
	)
	return nil
}

// startCron installs the scheduled maintenance jobs. The cron stays nil when
// nothing is scheduled.
func (a *App) startCron() {
	c := cron.New()
	installed := 0

	if a.store != nil && a.retention > 0 {
		_, err := c.AddFunc("30 3 * * *", a.pruneAudit)
		if err == nil {
			installed++
		} else {
			a.log.Warn("audit prune schedule rejected", logx.Err(err))
		}
	}

	if a.settings.Heartbeat.Enabled {
		sched := a.settings.Heartbeat.Schedule
		if sched == "" {
			sched = "0 9 * * *"
		}
		_, err := c.AddFunc(sched, a.sendHeartbeat)
		if err == nil {
			installed++
		} else {
			a.log.Warn("heartbeat schedule rejected", logx.String("schedule", sched), logx.Err(err))
		}
	}

	if installed == 0 {
		return
	}
	a.cron = c
	c.Start()
	a.log.Info("maintenance schedule started", logx.Int("jobs", installed))
}

func (a *App) pruneAudit() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	cutoff := time.Now().Add(-a.retention)
	n, err := a.store.PruneBefore(ctx, cutoff)
	if err != nil {
		a.log.Warn("audit prune failed", logx.Err(err))
		return
	}
	a.log.Info("audit pruned", logx.Int("removed", n), logx.Time("cutoff", cutoff))
}

func (a *App) sendHeartbeat() {
	body := fmt.Sprintf("运行时长: %s\n订阅状态: %s\n待发队列: %d\n",
		time.Since(a.startedAt).Round(time.Second),
		a.mgr.State(),
		a.disp.QueueDepth(),
	)
	err := a.disp.Enqueue(mail.Notification{
		Subject: "【Telegram监控】心跳",
		Body:    body,
		Kind:    "heartbeat",
		Target:  "operator",
	})
	if err != nil {
		a.log.Warn("heartbeat enqueue failed", logx.Err(err))
	}
}

// SendTestMail delivers one synchronous test message through the configured
// profiles and records the outcome in the audit store. Used by the -test-mail
// flag so operators can verify SMTP credentials before going live.
func (a *App) SendTestMail(ctx context.Context) error {
	subject := "【Telegram监控】测试邮件"
	body := "时间: " + time.Now().Local().Format("2006-01-02 15:04:05") + "\n内容: 邮件配置正常\n"

	start := time.Now()
	sendErr := a.mailer.Send(subject, body)

	if a.store != nil {
		rec := testMailRecord(subject, time.Since(start), sendErr)
		if err := a.store.AppendDelivery(ctx, rec); err != nil {
			a.log.Warn("audit append failed", logx.Err(err))
		}
	}
	return sendErr
}

// testMailRecord builds the audit entry for one test-mail attempt. Every
// attempt gets its own id; the sqlite driver keys records by it.
func testMailRecord(subject string, took time.Duration, sendErr error) storage.DeliveryRecord {
	rec := storage.DeliveryRecord{
		ID:      uuid.NewString(),
		At:      time.Now().UTC(),
		Kind:    "test",
		Target:  "operator",
		Subject: subject,
		OK:      sendErr == nil,
		TookMS:  took.Milliseconds(),
	}
	if sendErr != nil {
		rec.Error = sendErr.Error()
	}
	return rec
}

// Stop shuts the monitor down in dependency order: stop inbound traffic
// first, then drain outbound mail, then close the stores.
func (a *App) Stop(ctx context.Context) error {
	var errs []error

	if a.cron != nil {
		<-a.cron.Stop().Done()
	}

	if a.adapter != nil {
		if err := a.adapter.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.mgr != nil {
		a.mgr.Teardown()
	}

	if a.sup != nil {
		a.sup.Cancel()
		if err := a.sup.Wait(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errs = append(errs, err)
		}
	}

	if a.disp != nil {
		a.disp.Stop()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	a.log.Info("monitor stopped")
	if a.logSvc != nil {
		_ = a.logSvc.Close()
	}
	return errors.Join(errs...)
}
