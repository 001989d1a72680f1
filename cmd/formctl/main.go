package main

import (
	"context"
	"encoding/json"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/formlink/internal/caller"
	"github.com/danmuck/formlink/internal/form"
	"github.com/danmuck/formlink/internal/formmgr"
	"github.com/danmuck/formlink/internal/formsvc"
	"github.com/danmuck/formlink/internal/logging"
	"github.com/danmuck/formlink/internal/remote"
	"github.com/danmuck/formlink/internal/worker"
	"github.com/google/subcommands"
	"github.com/rs/zerolog/log"
)

const defaultConfigPath = "cmd/formctl/config.toml"

func main() {
	configPath := flag.String("config", defaultConfigPath, "formctl config path")

	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")
	for _, cmd := range formCommands(os.Stdout) {
		subcommands.Register(cmd, "forms")
	}
	subcommands.Register(&watchCmd{appCommand: appCommand{out: os.Stdout}}, "")

	flag.Parse()
	logging.ConfigureRuntime()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	status := subcommands.Execute(ctx, *configPath)
	stop()
	os.Exit(int(status))
}

type app struct {
	cfg     clientConfig
	out     io.Writer
	queue   *worker.Queue
	callers *caller.Manager
	client  *formmgr.Client
	host    *localHost
}

func newApp(cfg clientConfig, out io.Writer) (*app, error) {
	if out == nil {
		out = os.Stdout
	}
	queue := worker.New(nil)
	callers, err := caller.NewManager(queue, caller.Options{CleanupDelay: cfg.CleanupDelay})
	if err != nil {
		queue.Stop()
		return nil, err
	}
	locator := formsvc.NewLocator(cfg.Session, map[string]string{cfg.ServiceID: cfg.ServiceAddr})
	client, err := formmgr.New(locator, formmgr.Options{Config: cfg.managerConfig(), Callers: callers})
	if err != nil {
		queue.Stop()
		return nil, err
	}
	a := &app{cfg: cfg, out: out, queue: queue, callers: callers, client: client, host: newLocalHost()}
	client.RegisterDeathCallback(a)
	return a, nil
}

// OnDeathReceived runs once the service is back after dying.
func (a *app) OnDeathReceived() {
	log.Warn().Str("service", a.cfg.ServiceID).Int("host_forms", a.callers.Hosts.Len()).Msg("form manager restored")
}

func (a *app) Close() {
	if err := a.client.Close(); err != nil {
		log.Debug().Err(err).Msg("formctl close")
	}
	a.queue.Stop()
}

func (a *app) add(ctx context.Context, want form.Want) (form.Info, error) {
	info, err := a.client.AddForm(ctx, 0, want, a.cfg.Token)
	if err != nil {
		return form.Info{}, err
	}
	if err := a.callers.Hosts.Add(a.host, info); err != nil {
		return form.Info{}, err
	}
	return info, nil
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// localHost is the in-process host endpoint formctl registers for the forms
// it adds.
type localHost struct {
	*remote.Endpoint
}

func newLocalHost() *localHost {
	return &localHost{Endpoint: remote.NewEndpoint()}
}

func (h *localHost) RequestForm(_ context.Context, id form.ID, want form.Want) error {
	log.Info().Int64("form_id", int64(id)).Str("bundle", want.BundleName).Msg("host: request form")
	return nil
}

func (h *localHost) MessageEvent(_ context.Context, id form.ID, want form.Want) error {
	log.Info().Int64("form_id", int64(id)).Str("ability", want.AbilityName).Msg("host: message event")
	return nil
}

func (h *localHost) UpdateForm(_ context.Context, id form.ID, data form.ProviderData) error {
	log.Info().Int64("form_id", int64(id)).Int("bytes", len(data.Data)).Msg("host: form updated")
	return nil
}
