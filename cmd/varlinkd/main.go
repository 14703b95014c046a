// Command varlinkd is a demo varlink server: it binds
// com.example.demo (a plain call, a streaming call, and a oneway
// call), com.example.shell (a PTY-backed "upgrade" call, only when
// shell_enabled is set in the config), and the mandatory
// org.varlink.service introspection interface, then serves them over a
// Unix domain socket.
package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ianremillard/govarlink"
	"github.com/ianremillard/govarlink/internal/config"
	"github.com/ianremillard/govarlink/internal/demoservice"
	"github.com/ianremillard/govarlink/internal/fixtures"
	"github.com/ianremillard/govarlink/internal/shellservice"
	"github.com/ianremillard/govarlink/schema"
	"github.com/ianremillard/govarlink/varlinkservice"
)

func main() {
	var configPath, fixturesPath string

	root := &cobra.Command{
		Use:   "varlinkd",
		Short: "Demo varlink server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, fixturesPath)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to a YAML config file")
	root.Flags().StringVar(&fixturesPath, "fixtures", "", "path to a YAML file declaring extra introspectable interfaces")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath, fixturesPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	entry := logrus.NewEntry(log)

	reg := govarlink.NewRegistry()

	demo, err := demoservice.Binding()
	if err != nil {
		return fmt.Errorf("varlinkd: build demo binding: %w", err)
	}
	if err := reg.Register(demo); err != nil {
		return err
	}

	declarations := map[string]*schema.Interface{
		demoservice.InterfaceName: demoservice.Declaration(),
	}

	if cfg.ShellEnabled {
		shell, err := shellservice.Binding(entry)
		if err != nil {
			return fmt.Errorf("varlinkd: build shell binding: %w", err)
		}
		if err := reg.Register(shell); err != nil {
			return err
		}
		declarations[shellservice.InterfaceName] = shellservice.Declaration()
	}

	if fixturesPath != "" {
		extra, err := fixtures.Load(fixturesPath)
		if err != nil {
			return fmt.Errorf("varlinkd: load fixtures: %w", err)
		}
		for _, iface := range extra {
			declarations[iface.Name] = iface
			entry.WithField("interface", iface.Name).Info("varlinkd: declared fixture interface (introspection only, no dispatch)")
		}
	}

	svc := varlinkservice.New(varlinkservice.Info{
		Vendor:  cfg.Vendor,
		Product: cfg.Product,
		Version: cfg.Version,
		URL:     cfg.URL,
	}, reg, declarations)
	if err := reg.Register(svc); err != nil {
		return err
	}

	var metrics *govarlink.Metrics
	if cfg.MetricsAddr != "" {
		promReg := prometheus.NewRegistry()
		metrics = govarlink.NewMetrics(promReg, "varlinkd")
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				entry.WithError(err).Warn("varlinkd: metrics server stopped")
			}
		}()
	}

	ln, err := govarlink.ListenUnix(cfg.SocketPath, reg, govarlink.WithMetrics(metrics), govarlink.WithLogger(entry))
	if err != nil {
		return err
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		entry.Info("varlinkd: shutting down")
		ln.Close()
	}()

	entry.WithField("socket", cfg.SocketPath).Info("varlinkd: listening")
	return ln.Serve()
}
