package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"meshnode/internal/automation"
	"meshnode/internal/events"
	"meshnode/internal/mesh"
	"meshnode/internal/mqtt"
	"meshnode/internal/nodedb"
	"meshnode/internal/radio"
	"meshnode/internal/router"
	"meshnode/internal/store"
	"meshnode/internal/web"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Radio struct {
		Port    string `yaml:"port"`
		Baud    int    `yaml:"baud"`
		Bitrate int    `yaml:"bitrate_bps"`
	} `yaml:"radio"`
	Node struct {
		DataDir  string `yaml:"data_dir"`
		MaxNodes int    `yaml:"max_nodes"`
		Mac      string `yaml:"mac"` // override, "AA:BB:CC:DD:EE:FF"
		HwModel  string `yaml:"hw_model"`
		NoSave   bool   `yaml:"no_save"`
	} `yaml:"node"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	if c.Radio.Port == "" {
		return fmt.Errorf("radio.port is required")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("meshnode starting", "version", version)

	mac, err := resolveMac(cfg.Node.Mac)
	if err != nil {
		logger.Error("resolve mac address", "err", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.Node.DataDir, 0o700); err != nil {
		logger.Error("create data dir", "err", err)
		os.Exit(1)
	}

	bus := events.NewDispatcher(logger)

	db := nodedb.New(nodedb.Config{
		Dir:             cfg.Node.DataDir,
		MaxNodes:        cfg.Node.MaxNodes,
		Macaddr:         mac,
		FirmwareVersion: version,
		HwModel:         cfg.Node.HwModel,
		NoSave:          cfg.Node.NoSave,
	}, bus, logger)
	db.Init()

	queue, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer queue.Close()

	link, err := radio.NewSerialLink(radio.Config{
		Port:       cfg.Radio.Port,
		Baud:       cfg.Radio.Baud,
		BitrateBps: cfg.Radio.Bitrate,
	}, logger)
	if err != nil {
		logger.Error("open radio", "err", err)
		os.Exit(1)
	}
	defer link.Close()
	bus.Publish(events.Event{Kind: events.RadioState, Text: "up"})

	millis := router.SystemMillis()
	pool := mesh.NewPacketPool(32)
	flood := router.NewFloodingRouter(link, pool, db, millis, logger)
	reliable := router.NewReliableRouter(flood, link, pool, db, millis, logger)
	routing := router.NewRoutingModule(db, pool, logger)
	svc := router.NewService(db, pool, reliable, routing, queue, link, bus, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go svc.Run(ctx)

	// Automation scripts are optional.
	auto := automation.NewEngine(svc, bus, logger)
	if err := auto.LoadDir(cfg.ScriptsDir); err != nil {
		logger.Error("load automation scripts", "err", err)
	}
	auto.Start()

	webServer := web.NewServer(db, svc, queue, bus, logger,
		web.WithAPIKey(cfg.Web.APIKey),
		web.WithAllowedOrigins(cfg.Web.AllowedOrigins),
		web.WithVersion(version),
	)

	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	var bridge *mqtt.Bridge
	if cfg.MQTT.Enabled {
		bridge, err = mqtt.NewBridge(svc, bus, mqtt.Config{
			Broker:      cfg.MQTT.Broker,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		}, logger)
		if err != nil {
			logger.Error("mqtt bridge", "err", err)
		} else {
			bridge.Start()
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	auto.Stop()
	if bridge != nil {
		bridge.Stop()
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	cancel()

	// Persist the directory and preferences the way the firmware does on
	// shutdown or sleep.
	if err := db.SaveToDisk(); err != nil {
		logger.Error("save device state", "err", err)
	}

	logger.Info("goodbye")
}

// resolveMac returns the configured MAC override, or the first usable
// hardware address on the host.
func resolveMac(override string) ([6]byte, error) {
	var mac [6]byte
	if override != "" {
		b, err := hex.DecodeString(strings.ReplaceAll(override, ":", ""))
		if err != nil {
			return mac, fmt.Errorf("parse mac override: %w", err)
		}
		if len(b) != 6 {
			return mac, fmt.Errorf("mac must be 6 bytes, got %d", len(b))
		}
		copy(mac[:], b)
		return mac, nil
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return mac, fmt.Errorf("list interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) != 6 {
			continue
		}
		copy(mac[:], iface.HardwareAddr)
		return mac, nil
	}
	return mac, fmt.Errorf("no usable hardware address; set node.mac")
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "meshnode.db"
	}
	if cfg.Radio.Baud == 0 {
		cfg.Radio.Baud = 115200
	}
	if cfg.Node.DataDir == "" {
		cfg.Node.DataDir = "data"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "meshnode"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
