package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/danmuck/formlink/internal/form"
	"github.com/danmuck/formlink/internal/formmgr"
	"github.com/google/subcommands"
	"github.com/rs/zerolog/log"
)

func formCommands(out io.Writer) []subcommands.Command {
	base := appCommand{out: out}
	return []subcommands.Command{
		&addCmd{appCommand: base},
		&listCmd{appCommand: base},
		&deleteCmd{appCommand: base},
		&releaseCmd{appCommand: base},
		&updateCmd{appCommand: base},
		&requestCmd{appCommand: base},
		&refreshCmd{appCommand: base},
	}
}

// appCommand loads the client config passed through subcommands.Execute,
// builds an app around it and runs one operation.
type appCommand struct {
	out io.Writer
}

func (c appCommand) run(ctx context.Context, args []interface{}, op func(context.Context, *app) error) subcommands.ExitStatus {
	path := defaultConfigPath
	if len(args) > 0 {
		if p, ok := args[0].(string); ok && p != "" {
			path = p
		}
	}
	cfg, err := loadClientConfig(path)
	if err != nil {
		log.Error().Err(err).Str("path", path).Msg("formctl config")
		return subcommands.ExitFailure
	}
	a, err := newApp(cfg, c.out)
	if err != nil {
		log.Error().Err(err).Msg("formctl init")
		return subcommands.ExitFailure
	}
	defer a.Close()

	if err := op(ctx, a); err != nil {
		code := formmgr.Code(err)
		log.Error().Err(err).Int("code", code).Str("reason", formmgr.Message(code)).Msg("formctl failed")
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

type wantFlags struct {
	bundle    string
	module    string
	ability   string
	name      string
	dimension int
	temporary bool
}

func (w *wantFlags) register(f *flag.FlagSet) {
	f.StringVar(&w.bundle, "bundle", "com.example.clock", "provider bundle")
	f.StringVar(&w.module, "module", "entry", "provider module")
	f.StringVar(&w.ability, "ability", "ClockAbility", "provider ability")
	f.StringVar(&w.name, "name", "clock", "form name")
	f.IntVar(&w.dimension, "dimension", 1, "form dimension")
	f.BoolVar(&w.temporary, "temporary", false, "create a temporary form")
}

func (w *wantFlags) want() form.Want {
	return form.Want{
		BundleName:  w.bundle,
		ModuleName:  w.module,
		AbilityName: w.ability,
		FormName:    w.name,
		Dimension:   int32(w.dimension),
		Temporary:   w.temporary,
	}
}

func parseID(raw int64) (form.ID, error) {
	id := form.ID(raw)
	if err := form.ValidateID(id); err != nil {
		return 0, fmt.Errorf("-id: %w", err)
	}
	return id, nil
}

type addCmd struct {
	appCommand
	want wantFlags
}

func (*addCmd) Name() string     { return "add" }
func (*addCmd) Synopsis() string { return "create a form and register this process as its host" }
func (*addCmd) Usage() string {
	return "add [-bundle name] [-ability name] [-name form] [-temporary]\n"
}
func (c *addCmd) SetFlags(f *flag.FlagSet) { c.want.register(f) }

func (c *addCmd) Execute(ctx context.Context, _ *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	return c.run(ctx, args, func(ctx context.Context, a *app) error {
		info, err := a.add(ctx, c.want.want())
		if err != nil {
			return err
		}
		return a.printJSON(info)
	})
}

type listCmd struct {
	appCommand
}

func (*listCmd) Name() string             { return "list" }
func (*listCmd) Synopsis() string         { return "print every form known to the service" }
func (*listCmd) Usage() string            { return "list\n" }
func (*listCmd) SetFlags(_ *flag.FlagSet) {}

func (c *listCmd) Execute(ctx context.Context, _ *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	return c.run(ctx, args, func(ctx context.Context, a *app) error {
		infos, err := a.client.GetAllFormsInfo(ctx)
		if err != nil {
			return err
		}
		return a.printJSON(infos)
	})
}

type deleteCmd struct {
	appCommand
	id int64
}

func (*deleteCmd) Name() string               { return "delete" }
func (*deleteCmd) Synopsis() string           { return "delete a form owned by the configured token" }
func (*deleteCmd) Usage() string              { return "delete -id N\n" }
func (c *deleteCmd) SetFlags(f *flag.FlagSet) { f.Int64Var(&c.id, "id", 0, "form id") }

func (c *deleteCmd) Execute(ctx context.Context, _ *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	id, err := parseID(c.id)
	if err != nil {
		log.Error().Err(err).Msg("formctl delete")
		return subcommands.ExitUsageError
	}
	return c.run(ctx, args, func(ctx context.Context, a *app) error {
		return a.client.DeleteForm(ctx, id, a.cfg.Token)
	})
}

type releaseCmd struct {
	appCommand
	id       int64
	delCache bool
}

func (*releaseCmd) Name() string     { return "release" }
func (*releaseCmd) Synopsis() string { return "detach from a form without deleting it" }
func (*releaseCmd) Usage() string    { return "release -id N [-delete-cache]\n" }
func (c *releaseCmd) SetFlags(f *flag.FlagSet) {
	f.Int64Var(&c.id, "id", 0, "form id")
	f.BoolVar(&c.delCache, "delete-cache", false, "drop cached provider data")
}

func (c *releaseCmd) Execute(ctx context.Context, _ *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	id, err := parseID(c.id)
	if err != nil {
		log.Error().Err(err).Msg("formctl release")
		return subcommands.ExitUsageError
	}
	return c.run(ctx, args, func(ctx context.Context, a *app) error {
		return a.client.ReleaseForm(ctx, id, a.cfg.Token, c.delCache)
	})
}

type updateCmd struct {
	appCommand
	id   int64
	data string
}

func (*updateCmd) Name() string     { return "update" }
func (*updateCmd) Synopsis() string { return "push provider data into a form" }
func (*updateCmd) Usage() string    { return "update -id N -data text\n" }
func (c *updateCmd) SetFlags(f *flag.FlagSet) {
	f.Int64Var(&c.id, "id", 0, "form id")
	f.StringVar(&c.data, "data", "", "provider data")
}

func (c *updateCmd) Execute(ctx context.Context, _ *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	id, err := parseID(c.id)
	if err != nil {
		log.Error().Err(err).Msg("formctl update")
		return subcommands.ExitUsageError
	}
	return c.run(ctx, args, func(ctx context.Context, a *app) error {
		return a.client.UpdateForm(ctx, id, form.ProviderData{Data: c.data})
	})
}

type requestCmd struct {
	appCommand
	id   int64
	want wantFlags
}

func (*requestCmd) Name() string     { return "request" }
func (*requestCmd) Synopsis() string { return "ask the provider to refresh a form" }
func (*requestCmd) Usage() string    { return "request -id N [-bundle name] [-ability name]\n" }
func (c *requestCmd) SetFlags(f *flag.FlagSet) {
	f.Int64Var(&c.id, "id", 0, "form id")
	c.want.register(f)
}

func (c *requestCmd) Execute(ctx context.Context, _ *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	id, err := parseID(c.id)
	if err != nil {
		log.Error().Err(err).Msg("formctl request")
		return subcommands.ExitUsageError
	}
	return c.run(ctx, args, func(ctx context.Context, a *app) error {
		return a.client.RequestForm(ctx, id, a.cfg.Token, c.want.want())
	})
}

type refreshCmd struct {
	appCommand
	id      int64
	minutes int64
}

func (*refreshCmd) Name() string     { return "refresh" }
func (*refreshCmd) Synopsis() string { return "set the next refresh time of a form" }
func (*refreshCmd) Usage() string    { return "refresh -id N -minutes M\n" }
func (c *refreshCmd) SetFlags(f *flag.FlagSet) {
	f.Int64Var(&c.id, "id", 0, "form id")
	f.Int64Var(&c.minutes, "minutes", form.MinNextRefreshMinutes, "minutes until the next refresh")
}

func (c *refreshCmd) Execute(ctx context.Context, _ *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	id, err := parseID(c.id)
	if err != nil {
		log.Error().Err(err).Msg("formctl refresh")
		return subcommands.ExitUsageError
	}
	return c.run(ctx, args, func(ctx context.Context, a *app) error {
		return a.client.SetNextRefreshTime(ctx, id, c.minutes)
	})
}

type watchCmd struct {
	appCommand
	want     wantFlags
	interval time.Duration
}

func (*watchCmd) Name() string     { return "watch" }
func (*watchCmd) Synopsis() string { return "add a form and poll the service until interrupted" }
func (*watchCmd) Usage() string    { return "watch [-interval 2s] [-bundle name] [-ability name]\n" }
func (c *watchCmd) SetFlags(f *flag.FlagSet) {
	f.DurationVar(&c.interval, "interval", 2*time.Second, "poll interval")
	c.want.register(f)
}

// Execute logs the proxy state on every tick so a service restart can be
// observed. A terminal recovery failure is retried once the service answers
// lookups again.
func (c *watchCmd) Execute(ctx context.Context, _ *flag.FlagSet, args ...interface{}) subcommands.ExitStatus {
	if c.interval <= 0 {
		log.Error().Dur("interval", c.interval).Msg("formctl watch: interval must be positive")
		return subcommands.ExitUsageError
	}
	return c.run(ctx, args, func(ctx context.Context, a *app) error {
		if _, err := a.add(ctx, c.want.want()); err != nil {
			return err
		}
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
			infos, err := a.client.GetAllFormsInfo(ctx)
			ev := log.Info()
			if err != nil {
				ev = log.Warn().Err(err)
			}
			ev.Str("state", a.client.State().String()).Int("forms", len(infos)).Int64("reconnect_attempts", a.client.ReconnectAttempts()).Msg("watch")
			if a.client.State() == formmgr.StateRecoverFailed && a.client.CheckServiceReady(ctx) {
				a.client.Recover(ctx)
			}
		}
	})
}
