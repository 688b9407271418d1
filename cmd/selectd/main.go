package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis"
	_ "github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/chararch/caseselect"
	"github.com/chararch/caseselect/adapters/catalog"
	redisrepo "github.com/chararch/caseselect/adapters/redis"
	"github.com/chararch/caseselect/adapters/repository"
)

type config struct {
	LogLevel string `mapstructure:"logLevel"`
	Store    struct {
		Backend string `mapstructure:"backend"` // mysql | redis
		Mysql   struct {
			Dsn string `mapstructure:"dsn"`
		} `mapstructure:"mysql"`
		Redis struct {
			Addr string `mapstructure:"addr"`
			Db   int    `mapstructure:"db"`
		} `mapstructure:"redis"`
	} `mapstructure:"store"`
	Catalog struct {
		Dsn string `mapstructure:"dsn"`
	} `mapstructure:"catalog"`
	Poll struct {
		IntervalMs int `mapstructure:"intervalMs"`
		BudgetMs   int `mapstructure:"budgetMs"`
		BatchSize  int `mapstructure:"batchSize"`
		MaxJobs    int `mapstructure:"maxJobs"`
	} `mapstructure:"poll"`
	MetricsListen string `mapstructure:"metricsListen"`
}

func main() {
	var configFile string
	cmd := &cobra.Command{
		Use:   "selectd",
		Short: "Background worker driving release case-selection jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configFile)
		},
	}
	cmd.Flags().StringVar(&configFile, "config", "config/selectd.yaml", "path to the config file")
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(configFile string) (*config, error) {
	v := viper.New()
	v.SetConfigFile(configFile)
	v.SetDefault("logLevel", "info")
	v.SetDefault("store.backend", "mysql")
	v.SetDefault("poll.intervalMs", 5000)
	v.SetDefault("poll.budgetMs", 30000)
	v.SetDefault("poll.batchSize", caseselect.DefaultBatchSize)
	v.SetDefault("poll.maxJobs", caseselect.DefaultJobPoolSize)
	v.SetDefault("metricsListen", ":9108")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	cfg := &config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func logLevel(name string) caseselect.LogLevel {
	switch name {
	case "debug":
		return caseselect.Debug
	case "warn":
		return caseselect.Warn
	case "error":
		return caseselect.Error
	}
	return caseselect.Info
}

func run(configFile string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	logger := caseselect.NewLogger(os.Stdout, logLevel(cfg.LogLevel))
	caseselect.SetLogger(logger)

	catalogDb, err := sql.Open("mysql", cfg.Catalog.Dsn)
	if err != nil {
		return err
	}
	defer catalogDb.Close()
	if err := catalog.EnsureSchema(catalogDb); err != nil {
		return err
	}
	workCatalog := catalog.NewSQL(catalogDb, logger)

	var repo caseselect.Repository
	switch cfg.Store.Backend {
	case "redis":
		client := goredis.NewClient(&goredis.Options{Addr: cfg.Store.Redis.Addr, DB: cfg.Store.Redis.Db})
		defer client.Close()
		repo = redisrepo.New(client)
	default:
		storeDb, err := sql.Open("mysql", cfg.Store.Mysql.Dsn)
		if err != nil {
			return err
		}
		defer storeDb.Close()
		if err := repository.EnsureSchema(storeDb); err != nil {
			return err
		}
		repo = repository.New(storeDb, logger)
	}

	caseselect.SetBatchSize(cfg.Poll.BatchSize)
	caseselect.SetMaxRunningJobs(cfg.Poll.MaxJobs)

	engine := caseselect.NewEngine(repo, workCatalog, caseselect.CodeMatchEvaluator{})
	poller := caseselect.NewPoller(engine,
		time.Duration(cfg.Poll.IntervalMs)*time.Millisecond,
		time.Duration(cfg.Poll.BudgetMs)*time.Millisecond)
	poller.Start()
	defer poller.Stop()

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(cfg.MetricsListen, nil); err != nil {
			logger.Error(context.Background(), "metrics listener error:%v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	return nil
}
