package formmgr

import (
	"context"
	"fmt"

	"github.com/danmuck/formlink/internal/form"
	"github.com/danmuck/formlink/internal/observability"
	"github.com/rs/zerolog/log"
)

// begin gates every form operation: recovery first, then the terminal
// state, then argument checks, then the cached or freshly resolved service.
func (c *Client) begin(ctx context.Context, op string, check func() error) (Service, error) {
	if c.recovering.Load() {
		observability.RecordRecoveryRejection(c.cfg.ServiceID, op)
		log.Debug().Str("service", c.cfg.ServiceID).Str("op", op).Msg("rejected, server in recovery")
		return nil, fmt.Errorf("%w: %s", ErrServerInRecovery, op)
	}
	if c.failed.Load() {
		return nil, fmt.Errorf("%w: %s", ErrRecoverFailed, op)
	}
	if check != nil {
		if err := check(); err != nil {
			return nil, err
		}
	}
	svc, err := c.Connect(ctx)
	if err != nil {
		log.Warn().Err(err).Str("service", c.cfg.ServiceID).Str("op", op).Msg("connect failed")
		return nil, err
	}
	return svc, nil
}

func checkID(id form.ID) func() error {
	return func() error {
		if err := form.ValidateID(id); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidFormID, err)
		}
		return nil
	}
}

func checkIDs(ids []form.ID) error {
	if err := form.ValidateIDs(ids); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidFormID, err)
	}
	return nil
}

// AddForm asks the service to create or attach form id. An id of zero lets
// the service allocate one.
func (c *Client) AddForm(ctx context.Context, id form.ID, want form.Want, token string) (form.Info, error) {
	const op = "add_form"
	svc, err := c.begin(ctx, op, func() error {
		if id < 0 {
			return fmt.Errorf("%w: %d", ErrInvalidFormID, id)
		}
		if want.BundleName == "" || want.AbilityName == "" {
			return fmt.Errorf("%w: want needs bundle and ability", ErrInvalidArgument)
		}
		return nil
	})
	if err != nil {
		return form.Info{}, err
	}
	info, err := svc.AddForm(ctx, id, want, token)
	if err != nil {
		return form.Info{}, classify(op, err)
	}
	return info, nil
}

// DeleteForm removes the form and forgets its host caller.
func (c *Client) DeleteForm(ctx context.Context, id form.ID, token string) error {
	const op = "delete_form"
	svc, err := c.begin(ctx, op, checkID(id))
	if err != nil {
		return err
	}
	c.dropHost(id)
	return classify(op, svc.DeleteForm(ctx, id, token))
}

// ReleaseForm detaches the host from the form, optionally dropping the
// cached form data on the service side.
func (c *Client) ReleaseForm(ctx context.Context, id form.ID, token string, delCache bool) error {
	const op = "release_form"
	svc, err := c.begin(ctx, op, checkID(id))
	if err != nil {
		return err
	}
	c.dropHost(id)
	return classify(op, svc.ReleaseForm(ctx, id, token, delCache))
}

// UpdateForm pushes provider data to the service, and to any locally known
// host and provider callers for the form.
func (c *Client) UpdateForm(ctx context.Context, id form.ID, data form.ProviderData) error {
	const op = "update_form"
	svc, err := c.begin(ctx, op, func() error {
		if err := checkID(id)(); err != nil {
			return err
		}
		if data.Empty() {
			return fmt.Errorf("%w: form %d", ErrProviderDataEmpty, id)
		}
		return nil
	})
	if err != nil {
		return err
	}
	c.fanOutUpdate(ctx, id, data)
	return classify(op, svc.UpdateForm(ctx, id, data))
}

// RequestForm asks for fresh data. A registered host caller serves the
// request directly.
func (c *Client) RequestForm(ctx context.Context, id form.ID, token string, want form.Want) error {
	const op = "request_form"
	svc, err := c.begin(ctx, op, checkID(id))
	if err != nil {
		return err
	}
	if c.callers != nil {
		if rec, ok := c.callers.Hosts.Get(id); ok {
			return classify(op, rec.Caller.RequestForm(ctx, id, want))
		}
	}
	return classify(op, svc.RequestForm(ctx, id, token, want))
}

func (c *Client) MessageEvent(ctx context.Context, id form.ID, want form.Want, token string) error {
	const op = "message_event"
	svc, err := c.begin(ctx, op, checkID(id))
	if err != nil {
		return err
	}
	if c.callers != nil {
		if rec, ok := c.callers.Hosts.Get(id); ok {
			return classify(op, rec.Caller.MessageEvent(ctx, id, want))
		}
	}
	return classify(op, svc.MessageEvent(ctx, id, want, token))
}

func (c *Client) RouterEvent(ctx context.Context, id form.ID, want form.Want, token string) error {
	const op = "router_event"
	svc, err := c.begin(ctx, op, checkID(id))
	if err != nil {
		return err
	}
	return classify(op, svc.RouterEvent(ctx, id, want, token))
}

// CastTempForm turns a temporary form into a normal one.
func (c *Client) CastTempForm(ctx context.Context, id form.ID, token string) error {
	const op = "cast_temp_form"
	svc, err := c.begin(ctx, op, checkID(id))
	if err != nil {
		return err
	}
	return classify(op, svc.CastTempForm(ctx, id, token))
}

func (c *Client) SetNextRefreshTime(ctx context.Context, id form.ID, minutes int64) error {
	const op = "set_next_refresh_time"
	svc, err := c.begin(ctx, op, func() error {
		if err := checkID(id)(); err != nil {
			return err
		}
		if err := form.ValidateNextRefresh(minutes); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidRefreshTime, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	return classify(op, svc.SetNextRefreshTime(ctx, id, minutes))
}

func (c *Client) LifecycleUpdate(ctx context.Context, ids []form.ID, token string, kind form.LifecycleType) error {
	const op = "lifecycle_update"
	svc, err := c.begin(ctx, op, func() error {
		if !kind.Valid() {
			return fmt.Errorf("%w: lifecycle type %d", ErrInvalidArgument, kind)
		}
		return checkIDs(ids)
	})
	if err != nil {
		return err
	}
	return classify(op, svc.LifecycleUpdate(ctx, ids, token, kind))
}

func (c *Client) NotifyFormsVisible(ctx context.Context, ids []form.ID, token string, visible form.VisibleType) error {
	const op = "notify_visible"
	svc, err := c.begin(ctx, op, func() error {
		if !visible.Valid() {
			return fmt.Errorf("%w: visible type %d", ErrInvalidArgument, visible)
		}
		return checkIDs(ids)
	})
	if err != nil {
		return err
	}
	return classify(op, svc.NotifyFormsVisible(ctx, ids, token, visible))
}

// DeleteInvalidForms removes every form owned by token that is not in
// validIDs and returns how many were removed. An empty list removes them all.
func (c *Client) DeleteInvalidForms(ctx context.Context, validIDs []form.ID, token string) (int, error) {
	const op = "delete_invalid_forms"
	svc, err := c.begin(ctx, op, func() error {
		for _, id := range validIDs {
			if err := checkID(id)(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	n, err := svc.DeleteInvalidForms(ctx, validIDs, token)
	if err != nil {
		return 0, classify(op, err)
	}
	return n, nil
}

func (c *Client) GetAllFormsInfo(ctx context.Context) ([]form.Info, error) {
	const op = "get_all_forms_info"
	svc, err := c.begin(ctx, op, nil)
	if err != nil {
		return nil, err
	}
	infos, err := svc.GetAllFormsInfo(ctx)
	if err != nil {
		return nil, classify(op, err)
	}
	return infos, nil
}

func (c *Client) dropHost(id form.ID) {
	if c.callers != nil {
		c.callers.Hosts.Remove(id)
	}
}

// fanOutUpdate is best effort; the service call decides the result.
func (c *Client) fanOutUpdate(ctx context.Context, id form.ID, data form.ProviderData) {
	if c.callers == nil {
		return
	}
	if rec, ok := c.callers.Hosts.Get(id); ok {
		if err := rec.Caller.UpdateForm(ctx, id, data); err != nil {
			log.Warn().Err(err).Int64("form_id", int64(id)).Str("handle", rec.Caller.ID()).Msg("host update failed")
		}
		return
	}
	for _, p := range c.callers.Providers.GetCallersFor(id) {
		if err := p.UpdateForm(ctx, id, data); err != nil {
			log.Warn().Err(err).Int64("form_id", int64(id)).Str("handle", p.ID()).Msg("provider update failed")
		}
	}
}
