package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/swdunlop/html-go/hog"
	"github.com/swdunlop/pack-go/pack/build"
	"github.com/swdunlop/pack-go/pack/config"
	"github.com/swdunlop/pack-go/pack/devserver"
	"github.com/swdunlop/pack-go/pack/hot"
	"github.com/swdunlop/pack-go/pack/local"
	"github.com/swdunlop/pack-go/pack/report"
	"github.com/swdunlop/pack-go/pack/tailscale"
	"github.com/swdunlop/pack-go/pack/watch"
	"github.com/swdunlop/pack-go/pack/watcher"
	"github.com/swdunlop/pack-go/pack/www"
	"github.com/swdunlop/zugzug-go"
	"github.com/swdunlop/zugzug-go/zug/parser"
)

func init() {
	projectSettings := zugzug.Settings{
		{Var: &configFile, Name: `PACK_CONFIG`, Use: "The configuration file (default: pack.hcl)"},
		{Var: &mode, Name: `PACK_MODE`, Use: "Build mode (default: production for build, development for watch and serve)"},
	}
	tasks = append(tasks, zugzug.Tasks{
		{Name: "build", Use: "Builds the project once", Fn: runBuild, Parser: parser.New(
			parser.String(&configFile, "config", "c", "The configuration file (default: pack.hcl)"),
			parser.String(&mode, "mode", "m", "Build mode, \"production\" or \"development\""),
			parser.String(&reportFormat, "report", "r", "Report format, \"console\" or \"json\""),
		), Settings: projectSettings},
		{Name: "check", Use: "Validates the configuration without building", Fn: runCheck, Parser: parser.New(
			parser.String(&configFile, "config", "c", "The configuration file (default: pack.hcl)"),
			parser.String(&mode, "mode", "m", "Build mode, \"production\" or \"development\""),
			parser.String(&reportFormat, "report", "r", "Report format, \"console\" or \"json\""),
		),
			Settings: projectSettings},
		{Name: "watch", Use: "Builds the project and rebuilds it when sources change", Fn: runWatch, Parser: parser.New(
			parser.String(&configFile, "config", "c", "The configuration file (default: pack.hcl)"),
			parser.String(&mode, "mode", "m", "Build mode, \"production\" or \"development\""),
			parser.String(&reportFormat, "report", "r", "Report format, \"console\" or \"json\""),
		),
			Settings: projectSettings},
		{Name: "serve", Use: "Serves the project with hot updates while rebuilding it", Fn: runServe, Parser: parser.New(
			parser.String(&configFile, "config", "c", "The configuration file (default: pack.hcl)"),
			parser.String(&mode, "mode", "m", "Build mode, \"production\" or \"development\""),
			parser.String(&reportFormat, "report", "r", "Report format, \"console\" or \"json\""),
		),
			Settings: append(projectSettings, zugzug.Settings{
				{Var: &listenNetwork, Name: `LISTEN_NETWORK`,
					Use: "Listening network for the address (default: \"tcp\" if Tailscale not used)"},
				{Var: &listenAddress, Name: `LISTEN_ADDRESS`,
					Use: "Listening address for the service (default: dev_server.listen from the configuration)"},

				{Var: &tailscaleHostname, Name: `TAILSCALE_HOSTNAME`,
					Use: "Specifies the hostname on your Tailscale network"},
				{Var: &tailscaleFunnel, Name: `TAILSCALE_FUNNEL`,
					Use: "Enables internet access via a Tailscale funnel"},
				{Var: &tailscaleListen, Name: `TAILSCALE_LISTEN`,
					Use: "Listening address for clients from your Tailscale network (default: \":443\" or \":80\")"},
				{Var: &tailscaleDir, Name: `TAILSCALE_DIR`,
					Use: "State directory for Tailscale"},
				{Var: &noTailscaleTLS, Name: `NO_TAILSCALE_TLS`,
					Use: "Disables TLS for Tailscale"},
			}...)},
	}...)
}

func runBuild(ctx context.Context) error {
	b, err := newBuilder(ctx, config.Production)
	if err != nil {
		return reportFailure(ctx, err)
	}
	res, err := b.Build(ctx)
	if err != nil {
		return reportFailure(ctx, err)
	}
	hog.From(ctx).Info().Str(`hash`, res.Output.Hash).Strs(`written`, res.Written).
		Str(`output`, b.Config().Output.Path).Msg(`build complete`)
	return nil
}

func runCheck(ctx context.Context) error {
	b, err := newBuilder(ctx, config.Production)
	if err != nil {
		return reportFailure(ctx, err)
	}
	if reportFormat == `json` {
		return printJSON(b.Warnings)
	}
	if len(b.Warnings) == 0 {
		hog.From(ctx).Info().Str(`config`, b.Config().File).Msg(`configuration is valid`)
	}
	return nil
}

func runWatch(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt)
	defer cancel()
	b, err := newBuilder(ctx, config.Development)
	if err != nil {
		return reportFailure(ctx, err)
	}
	ctl, err := startWatching(ctx, b)
	if err != nil {
		return err
	}
	return ctl.Run(ctx)
}

func runServe(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt)
	defer cancel()

	var options []build.Option
	cfg, err := loadConfig(config.Development)
	if err != nil {
		return reportFailure(ctx, err)
	}
	var hub *hot.Hub
	if cfg.DevServer.Hot {
		hub = hot.New()
		options = append(options, build.Hot(hot.ClientPath))
	}
	b, err := build.New(ctx, cfg, options...)
	if err != nil {
		return reportFailure(ctx, err)
	}
	var listeners []watch.Listener
	if hub != nil {
		listeners = append(listeners, hub.Observe)
	}
	ctl, err := startWatching(ctx, b, listeners...)
	if err != nil {
		return err
	}

	serverOptions := []devserver.Option{
		devserver.Address(cfg.DevServer.Listen),
		www.Dev(afero.NewOsFs(), cfg.Output.Path),
		devserver.Hook(ctl),
	}
	if hub != nil {
		serverOptions = append(serverOptions, devserver.Hook(hub))
	}
	listenOptions, err := listenerOptions()
	if err != nil {
		return err
	}
	svr, err := devserver.New(append(serverOptions, listenOptions...)...)
	if err != nil {
		return err
	}
	return svr.Serve(ctx)
}

// listenerOptions turns the LISTEN_* and TAILSCALE_* settings into listener hooks.  With none of them set the dev
// server listens on dev_server.listen.
func listenerOptions() ([]devserver.Option, error) {
	var options []devserver.Option
	var tailscaleOptions []tailscale.Option
	useTailscale := false
	switch {
	case tailscaleFunnel:
		if noTailscaleTLS {
			return nil, fmt.Errorf(`Tailscale funnel requires TLS`)
		}
		if tailscaleListen != `` {
			return nil, fmt.Errorf(`you cannot combine TAILSCALE_FUNNEL with TAILSCALE_LISTEN`)
		}
		tailscaleListen = `:443`
		useTailscale = true
		tailscaleOptions = append(tailscaleOptions, tailscale.Funnel())
	case tailscaleListen != ``:
		useTailscale = true
	case noTailscaleTLS:
		tailscaleListen = `:80`
	default:
		tailscaleListen = `:443`
	}
	if tailscaleHostname != `` {
		useTailscale = true
		tailscaleOptions = append(tailscaleOptions, tailscale.Hostname(tailscaleHostname))
	}
	if noTailscaleTLS {
		tailscaleOptions = append(tailscaleOptions, tailscale.NoTLS())
	}
	if tailscaleDir != `` {
		tailscaleOptions = append(tailscaleOptions, tailscale.Dir(tailscaleDir))
	}
	if useTailscale {
		options = append(options, tailscale.Dev(tailscaleListen, tailscaleOptions...))
	}

	switch {
	case listenNetwork == `` && listenAddress == ``:
	case listenNetwork == `` || listenNetwork == `tcp`:
		if listenAddress == `` {
			return nil, fmt.Errorf(`LISTEN_ADDRESS must be specified with LISTEN_NETWORK`)
		}
		options = append(options, local.Dev(local.TCP(listenAddress)))
	default:
		if listenAddress == `` {
			return nil, fmt.Errorf(`LISTEN_ADDRESS must be specified for LISTEN_NETWORK other than "tcp"`)
		}
		options = append(options, local.Dev(local.Listen(listenNetwork, listenAddress)))
	}
	return options, nil
}

// startWatching runs the first build and starts a watcher feeding a controller.  A failed first build is reported but
// the controller still starts, so fixing the failure triggers a rebuild.
func startWatching(ctx context.Context, b *build.Builder, listeners ...watch.Listener) (*watch.Controller, error) {
	res, err := b.Build(ctx)
	if err != nil {
		_ = reportFailure(ctx, err)
	} else {
		hog.From(ctx).Info().Str(`hash`, res.Output.Hash).Strs(`written`, res.Written).Msg(`initial build complete`)
	}
	for _, fn := range listeners {
		fn(ctx, res, err)
	}

	cfg := b.Config()
	excludes := []string{`.*`, `node_modules`, cfg.Output.Path, filepath.Join(cfg.Output.Path, `**`)}
	if cfg.Transform.Cache != `` {
		excludes = append(excludes, cfg.Transform.Cache, filepath.Join(cfg.Transform.Cache, `**`))
	}
	ctl := watch.New(b, listeners...)
	wr, err := watcher.Start(
		watcher.Directory(cfg.Context),
		watcher.Exclude(excludes...),
		watcher.OnChange(ctl.Notify),
	)
	if err != nil {
		return nil, err
	}
	go func() {
		<-ctx.Done()
		wr.Shutdown()
	}()
	hog.From(ctx).Info().Str(`context`, cfg.Context).Msg(`watching for changes`)
	return ctl, nil
}

func loadConfig(defaultMode string) (*config.Config, error) {
	if configFile == `` {
		configFile = config.DefaultFile
	}
	if mode == `` {
		mode = defaultMode
	}
	return config.Load(afero.NewOsFs(), configFile, config.Mode(mode))
}

func newBuilder(ctx context.Context, defaultMode string) (*build.Builder, error) {
	cfg, err := loadConfig(defaultMode)
	if err != nil {
		return nil, err
	}
	return build.New(ctx, cfg)
}

// reportFailure prints every entry of a failed build and returns err so the process exits non-zero.
func reportFailure(ctx context.Context, err error) error {
	entries := report.Entries(report.PhaseConfig, err)
	switch reportFormat {
	case `json`:
		_ = printJSON(entries)
	case ``, `console`:
		for _, entry := range entries {
			hog.From(ctx).Error().Str(`phase`, string(entry.Phase)).Str(`module`, entry.ModuleID).Msg(entry.Message)
		}
	default:
		return fmt.Errorf(`unknown report format %q`, reportFormat)
	}
	return err
}

func printJSON(v any) error {
	js, err := json.MarshalIndent(v, ``, `  `)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(append(js, '\n'))
	return err
}

var (
	configFile   string
	mode         string
	reportFormat string

	listenNetwork string
	listenAddress string

	tailscaleFunnel   bool
	tailscaleHostname string
	tailscaleListen   string
	tailscaleDir      string
	noTailscaleTLS    bool
)
